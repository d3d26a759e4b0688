package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"eventchat/server/chat/domain"
)

type aggregateRow struct {
	mu      sync.Mutex
	agg     domain.ChatAggregate
	deleted bool
}

// MemoryAggregates keeps chat aggregates keyed by owner with a secondary index on the
// other participant. Map structure is guarded by mu; each row serialises its own mutations.
// Lock order is always mu before row.mu, and row.mu is never held while taking mu.
type MemoryAggregates struct {
	mu      sync.RWMutex
	byOwner map[string]map[string]*aggregateRow
	byOther map[string]map[string]*aggregateRow
}

func NewMemoryAggregates() *MemoryAggregates {
	return &MemoryAggregates{
		byOwner: map[string]map[string]*aggregateRow{},
		byOther: map[string]map[string]*aggregateRow{},
	}
}

func (r *MemoryAggregates) lookup(ownerID, otherID string) *aggregateRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byOwner[ownerID][otherID]
}

func (r *MemoryAggregates) getOrCreate(ownerID, otherID, chatID string) *aggregateRow {
	if row := r.lookup(ownerID, otherID); row != nil {
		return row
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if row := r.byOwner[ownerID][otherID]; row != nil {
		return row
	}
	row := &aggregateRow{agg: domain.ChatAggregate{OwnerID: ownerID, OtherID: otherID, ChatID: chatID}}
	if r.byOwner[ownerID] == nil {
		r.byOwner[ownerID] = map[string]*aggregateRow{}
	}
	if r.byOther[otherID] == nil {
		r.byOther[otherID] = map[string]*aggregateRow{}
	}
	r.byOwner[ownerID][otherID] = row
	r.byOther[otherID][ownerID] = row
	return row
}

// ApplyMessage creates or updates the row and applies the unread increment and
// last-message fields in a single critical section.
func (r *MemoryAggregates) ApplyMessage(_ context.Context, u domain.AggregateUpdate) (domain.ChatAggregate, error) {
	for {
		row := r.getOrCreate(u.OwnerID, u.OtherID, u.ChatID)
		row.mu.Lock()
		if row.deleted {
			row.mu.Unlock()
			continue
		}
		agg := &row.agg
		if !u.At.Before(agg.LastMessageAt) {
			agg.LastMessage = u.Content
			agg.LastMessageSender = u.SenderID
			agg.LastMessageAt = u.At
		}
		if u.IncrementUnread {
			agg.UnreadCount++
		}
		if u.Other != nil {
			agg.OtherName = u.Other.Name
			agg.OtherType = u.Other.Kind
			agg.OtherAvatar = u.Other.AvatarURL
		}
		agg.UpdatedAt = u.At
		out := *agg
		row.mu.Unlock()
		return out, nil
	}
}

func (r *MemoryAggregates) GetAggregate(_ context.Context, ownerID, otherID string) (domain.ChatAggregate, error) {
	row := r.lookup(ownerID, otherID)
	if row == nil {
		return domain.ChatAggregate{}, fmt.Errorf("aggregate %s/%s: %w", ownerID, otherID, domain.ErrNotFound)
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	return row.agg, nil
}

func (r *MemoryAggregates) ListByOwner(_ context.Context, ownerID string) ([]domain.ChatAggregate, error) {
	r.mu.RLock()
	rows := make([]*aggregateRow, 0, len(r.byOwner[ownerID]))
	for _, row := range r.byOwner[ownerID] {
		rows = append(rows, row)
	}
	r.mu.RUnlock()

	items := snapshot(rows)
	sort.Slice(items, func(i, j int) bool {
		if items[i].LastMessageAt.Equal(items[j].LastMessageAt) {
			return items[i].OtherID < items[j].OtherID
		}
		return items[i].LastMessageAt.After(items[j].LastMessageAt)
	})
	return items, nil
}

func (r *MemoryAggregates) FindByOther(_ context.Context, otherID string) ([]domain.ChatAggregate, error) {
	return snapshot(r.rowsByOther(otherID)), nil
}

func (r *MemoryAggregates) rowsByOther(otherID string) []*aggregateRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rows := make([]*aggregateRow, 0, len(r.byOther[otherID]))
	for _, row := range r.byOther[otherID] {
		rows = append(rows, row)
	}
	return rows
}

func (r *MemoryAggregates) ResetUnread(_ context.Context, ownerID, otherID string) (domain.ChatAggregate, bool, error) {
	row := r.lookup(ownerID, otherID)
	if row == nil {
		return domain.ChatAggregate{}, false, nil
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	if row.deleted {
		return domain.ChatAggregate{}, false, nil
	}
	row.agg.UnreadCount = 0
	return row.agg, true, nil
}

func (r *MemoryAggregates) SetOtherOnline(_ context.Context, otherID string, online bool) ([]string, error) {
	owners := []string{}
	for _, row := range r.rowsByOther(otherID) {
		row.mu.Lock()
		if !row.deleted {
			row.agg.OtherOnline = online
			if !online {
				row.agg.OtherTyping = false
			}
			owners = append(owners, row.agg.OwnerID)
		}
		row.mu.Unlock()
	}
	sort.Strings(owners)
	return owners, nil
}

func (r *MemoryAggregates) SetOtherTyping(_ context.Context, ownerID, otherID string, typing bool) (bool, error) {
	row := r.lookup(ownerID, otherID)
	if row == nil {
		return false, nil
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	if row.deleted {
		return false, nil
	}
	row.agg.OtherTyping = typing
	return true, nil
}

func (r *MemoryAggregates) DeleteAggregate(_ context.Context, ownerID, otherID string) (bool, error) {
	r.mu.Lock()
	row := r.byOwner[ownerID][otherID]
	if row != nil {
		delete(r.byOwner[ownerID], otherID)
		if len(r.byOwner[ownerID]) == 0 {
			delete(r.byOwner, ownerID)
		}
		delete(r.byOther[otherID], ownerID)
		if len(r.byOther[otherID]) == 0 {
			delete(r.byOther, otherID)
		}
	}
	r.mu.Unlock()
	if row == nil {
		return false, nil
	}
	row.mu.Lock()
	row.deleted = true
	row.mu.Unlock()
	return true, nil
}

func snapshot(rows []*aggregateRow) []domain.ChatAggregate {
	items := make([]domain.ChatAggregate, 0, len(rows))
	for _, row := range rows {
		row.mu.Lock()
		if !row.deleted {
			items = append(items, row.agg)
		}
		row.mu.Unlock()
	}
	return items
}
