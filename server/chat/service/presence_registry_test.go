package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"eventchat/server/chat/domain"
	"eventchat/server/chat/repository"
)

func TestTwoDevicesStayOnlineUntilLastDisconnect(t *testing.T) {
	r := NewPresenceRegistry(nil, newStepClock().Now, 0)

	first := r.Connect("v1", domain.IdentityVendor)
	if !first.Changed() {
		t.Error("first connect should flip online")
	}
	second := r.Connect("v1", domain.IdentityVendor)
	if second.Changed() {
		t.Error("second connect should not flip")
	}

	r.Disconnect("v1")
	if !r.IsOnline("v1") {
		t.Fatal("v1 offline after one of two disconnects")
	}
	last := r.Disconnect("v1")
	if r.IsOnline("v1") {
		t.Fatal("v1 online after both disconnects")
	}
	if !last.Changed() || last.After.LastSeen.IsZero() {
		t.Errorf("last disconnect = %+v, want flip with last_seen", last.After)
	}
}

func TestConcurrentConnectDisconnectNeverGoesNegative(t *testing.T) {
	r := NewPresenceRegistry(nil, nil, 0)
	const n = 100

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Connect("u1", domain.IdentityCustomer)
		}()
	}
	wg.Wait()
	if got := r.Get("u1").Connections; got != n {
		t.Fatalf("connections = %d, want %d", got, n)
	}

	for i := 0; i < n+10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Disconnect("u1")
		}()
	}
	wg.Wait()

	rec := r.Get("u1")
	if rec.Connections != 0 || rec.Status != domain.PresenceOffline {
		t.Fatalf("got %+v, want OFFLINE with 0 connections", rec)
	}
}

func TestSetStatusRules(t *testing.T) {
	r := NewPresenceRegistry(nil, nil, 0)

	tr, err := r.SetStatus("u1", domain.PresenceOnline)
	if err != nil {
		t.Fatal(err)
	}
	if tr.After.Status != domain.PresenceOffline {
		t.Errorf("ONLINE without connections = %s, want OFFLINE", tr.After.Status)
	}

	r.Connect("u1", domain.IdentityCustomer)
	tr, err = r.SetStatus("u1", domain.PresenceAway)
	if err != nil {
		t.Fatal(err)
	}
	if tr.After.Status != domain.PresenceAway || tr.After.Connections != 1 {
		t.Errorf("AWAY = %+v", tr.After)
	}
	if !tr.Changed() {
		t.Error("ONLINE to AWAY should change reachability")
	}

	tr, _ = r.SetStatus("u1", domain.PresenceOffline)
	if r.IsOnline("u1") || tr.After.Connections != 1 {
		t.Errorf("appear offline = %+v, want hidden with counter intact", tr.After)
	}

	r.Connect("u1", domain.IdentityCustomer)
	if got := r.Get("u1").Status; got != domain.PresenceOffline {
		t.Errorf("extra device revealed invisible user: %s", got)
	}

	if _, err := r.SetStatus("u1", "DANCING"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("got %v, want ErrInvalidArgument", err)
	}
}

func TestForceOffline(t *testing.T) {
	r := NewPresenceRegistry(nil, nil, 0)
	r.Connect("v1", domain.IdentityVendor)
	r.Connect("v1", domain.IdentityVendor)
	tr := r.ForceOffline("v1")
	if !tr.Changed() || tr.After.Connections != 0 {
		t.Fatalf("ForceOffline = %+v", tr.After)
	}
	if again := r.ForceOffline("v1"); again.Changed() {
		t.Error("second ForceOffline should be a no-op")
	}
}

func TestBulkStatusDefaultsUnknownToOffline(t *testing.T) {
	r := NewPresenceRegistry(nil, nil, 0)
	r.Connect("v1", domain.IdentityVendor)
	got := r.BulkStatus([]string{"v1", "ghost", " "})
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if !got["v1"].Online() || got["ghost"].Status != domain.PresenceOffline {
		t.Errorf("got %+v", got)
	}
}

func TestFlushWritesBehindAndRestoreNormalises(t *testing.T) {
	repo := repository.NewMemoryPresence()
	ctx := context.Background()
	r := NewPresenceRegistry(repo, newStepClock().Now, time.Hour)

	r.Connect("v1", domain.IdentityVendor)
	r.Connect("u1", domain.IdentityCustomer)
	if _, err := repo.GetPresence(ctx, "v1"); err == nil {
		t.Fatal("record persisted before flush")
	}
	if n := r.Flush(ctx); n != 2 {
		t.Fatalf("flushed %d, want 2", n)
	}
	if n := r.Flush(ctx); n != 0 {
		t.Fatalf("second flush wrote %d, want 0", n)
	}
	saved, err := repo.GetPresence(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if saved.Connections != 1 || saved.Status != domain.PresenceOnline {
		t.Errorf("saved = %+v", saved)
	}

	restarted := NewPresenceRegistry(repo, nil, time.Hour)
	if err := restarted.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	rec := restarted.Get("v1")
	if rec.Online() || rec.Connections != 0 || rec.Kind != domain.IdentityVendor {
		t.Errorf("restored = %+v, want OFFLINE vendor with 0 connections", rec)
	}
}

func TestStopFlushesPending(t *testing.T) {
	repo := repository.NewMemoryPresence()
	ctx := context.Background()
	r := NewPresenceRegistry(repo, nil, time.Hour)
	r.Start(ctx)
	r.Connect("v1", domain.IdentityVendor)
	r.Stop(ctx)

	if _, err := repo.GetPresence(ctx, "v1"); err != nil {
		t.Fatalf("pending record not flushed on stop: %v", err)
	}
}
