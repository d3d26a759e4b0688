package repository

import (
	"context"
	"sync"

	"eventchat/server/chat/domain"
)

// StaticDirectory serves display info from a fixed in-memory table.
type StaticDirectory struct {
	mu      sync.RWMutex
	entries map[string]domain.DisplayInfo
}

func NewStaticDirectory(entries ...domain.DisplayInfo) *StaticDirectory {
	d := &StaticDirectory{entries: map[string]domain.DisplayInfo{}}
	for _, e := range entries {
		d.entries[e.ID] = e
	}
	return d
}

func (d *StaticDirectory) Put(info domain.DisplayInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[info.ID] = info
}

func (d *StaticDirectory) DisplayInfo(_ context.Context, id string) (domain.DisplayInfo, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.entries[id]
	return info, ok, nil
}
