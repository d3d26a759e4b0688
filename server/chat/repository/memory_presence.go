package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"eventchat/server/chat/domain"
)

type MemoryPresence struct {
	mu      sync.RWMutex
	records map[string]domain.PresenceRecord
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{records: map[string]domain.PresenceRecord{}}
}

func (r *MemoryPresence) SavePresence(_ context.Context, rec domain.PresenceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.IdentityID] = rec
	return nil
}

func (r *MemoryPresence) GetPresence(_ context.Context, identityID string) (domain.PresenceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[identityID]
	if !ok {
		return domain.PresenceRecord{}, fmt.Errorf("presence %s: %w", identityID, domain.ErrNotFound)
	}
	return rec, nil
}

func (r *MemoryPresence) ListPresence(_ context.Context) ([]domain.PresenceRecord, error) {
	r.mu.RLock()
	items := make([]domain.PresenceRecord, 0, len(r.records))
	for _, rec := range r.records {
		items = append(items, rec)
	}
	r.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool { return items[i].IdentityID < items[j].IdentityID })
	return items, nil
}
