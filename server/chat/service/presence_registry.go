package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"eventchat/server/chat/domain"
	commonlog "eventchat/server/common/log"
)

const DefaultPresenceFlushInterval = 2 * time.Second

type Transition struct {
	Before domain.PresenceRecord
	After  domain.PresenceRecord
}

func (t Transition) Changed() bool {
	return t.Before.Online() != t.After.Online()
}

// PresenceRegistry holds authoritative presence state in memory. Records are written
// behind to the repository by the flusher so state transitions never wait on I/O.
type PresenceRegistry struct {
	mu      sync.RWMutex
	records map[string]domain.PresenceRecord
	dirty   map[string]struct{}
	repo    PresenceRepository
	now     Clock

	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewPresenceRegistry(repo PresenceRepository, now Clock, flushInterval time.Duration) *PresenceRegistry {
	if now == nil {
		now = systemClock
	}
	if flushInterval <= 0 {
		flushInterval = DefaultPresenceFlushInterval
	}
	return &PresenceRegistry{
		records:  map[string]domain.PresenceRecord{},
		dirty:    map[string]struct{}{},
		repo:     repo,
		now:      now,
		interval: flushInterval,
	}
}

func offlineRecord(id string) domain.PresenceRecord {
	return domain.PresenceRecord{IdentityID: id, Status: domain.PresenceOffline}
}

func (r *PresenceRegistry) mutate(id string, fn func(rec *domain.PresenceRecord)) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	before, ok := r.records[id]
	if !ok {
		before = offlineRecord(id)
	}
	after := before
	fn(&after)
	r.records[id] = after
	if after != before {
		r.dirty[id] = struct{}{}
	}
	return Transition{Before: before, After: after}
}

func (r *PresenceRegistry) Connect(id string, kind domain.IdentityKind) Transition {
	at := r.now()
	return r.mutate(id, func(rec *domain.PresenceRecord) {
		if kind != "" {
			rec.Kind = kind
		}
		if rec.Connections == 0 {
			rec.Status = domain.PresenceOnline
		}
		rec.Connections++
		rec.LastActivity = at
	})
}

// Disconnect drops one connection. The counter never goes below zero; reaching zero
// moves the identity OFFLINE and stamps LastSeen.
func (r *PresenceRegistry) Disconnect(id string) Transition {
	at := r.now()
	return r.mutate(id, func(rec *domain.PresenceRecord) {
		if rec.Connections == 0 {
			return
		}
		rec.Connections--
		if rec.Connections == 0 {
			rec.Status = domain.PresenceOffline
			rec.LastSeen = at
		}
	})
}

func (r *PresenceRegistry) ForceOffline(id string) Transition {
	at := r.now()
	return r.mutate(id, func(rec *domain.PresenceRecord) {
		if rec.Connections == 0 && rec.Status == domain.PresenceOffline {
			return
		}
		rec.Connections = 0
		rec.Status = domain.PresenceOffline
		rec.LastSeen = at
	})
}

// SetStatus applies an explicit status. Without live connections the identity stays
// OFFLINE whatever is requested. OFFLINE while connected hides the identity without
// touching the counter.
func (r *PresenceRegistry) SetStatus(id string, status domain.PresenceStatus) (Transition, error) {
	if strings.TrimSpace(id) == "" {
		return Transition{}, invalidArgument("identity id is required")
	}
	if _, err := domain.ParsePresenceStatus(string(status)); err != nil {
		return Transition{}, invalidArgument("%v", err)
	}
	at := r.now()
	return r.mutate(id, func(rec *domain.PresenceRecord) {
		if rec.Connections == 0 {
			return
		}
		rec.Status = status
		rec.LastActivity = at
	}), nil
}

func (r *PresenceRegistry) Touch(id string) {
	at := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return
	}
	rec.LastActivity = at
	r.records[id] = rec
	r.dirty[id] = struct{}{}
}

func (r *PresenceRegistry) Get(id string) domain.PresenceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[id]; ok {
		return rec
	}
	return offlineRecord(id)
}

func (r *PresenceRegistry) IsOnline(id string) bool {
	return r.Get(id).Online()
}

func (r *PresenceRegistry) BulkStatus(ids []string) map[string]domain.PresenceRecord {
	out := make(map[string]domain.PresenceRecord, len(ids))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if rec, ok := r.records[id]; ok {
			out[id] = rec
			continue
		}
		out[id] = offlineRecord(id)
	}
	return out
}

// Restore loads persisted records. Connections are process-local, so every restored
// record starts OFFLINE with no connections.
func (r *PresenceRegistry) Restore(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	items, err := r.repo.ListPresence(ctx)
	if err != nil {
		return storeErr("list_presence", err, nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range items {
		if _, live := r.records[rec.IdentityID]; live {
			continue
		}
		if rec.Connections > 0 || rec.Status != domain.PresenceOffline {
			rec.Connections = 0
			rec.Status = domain.PresenceOffline
			r.dirty[rec.IdentityID] = struct{}{}
		}
		r.records[rec.IdentityID] = rec
	}
	commonlog.Infof("event=presence_registry action=restore status=ok count=%d", len(items))
	return nil
}

func (r *PresenceRegistry) Start(ctx context.Context) {
	if r.repo == nil {
		return
	}
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				r.Flush(loopCtx)
			}
		}
	}()
}

func (r *PresenceRegistry) Stop(ctx context.Context) {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	r.Flush(ctx)
}

func (r *PresenceRegistry) Flush(ctx context.Context) int {
	if r.repo == nil {
		return 0
	}
	r.mu.Lock()
	if len(r.dirty) == 0 {
		r.mu.Unlock()
		return 0
	}
	pending := make([]domain.PresenceRecord, 0, len(r.dirty))
	for id := range r.dirty {
		pending = append(pending, r.records[id])
	}
	r.dirty = map[string]struct{}{}
	r.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].IdentityID < pending[j].IdentityID })
	written := 0
	for _, rec := range pending {
		if err := r.repo.SavePresence(ctx, rec); err != nil {
			commonlog.Warnf("event=presence_registry action=flush status=failed identity_id=%s error=%v", rec.IdentityID, err)
			r.mu.Lock()
			r.dirty[rec.IdentityID] = struct{}{}
			r.mu.Unlock()
			continue
		}
		written++
	}
	return written
}
