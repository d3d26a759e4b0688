package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"eventchat/server/chat/domain"
)

var testAt = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestDispatchRoutesByDestination(t *testing.T) {
	d := NewDispatcher(nil)
	ctx := context.Background()
	userSink, vendorSink, topicSink := NewSink(4), NewSink(4), NewSink(4)
	d.Register(customerU1, userSink)
	d.Register(vendorV1, vendorSink)
	d.Subscribe("presence", topicSink)

	if err := d.SendToUser(ctx, "u1", domain.NewHeartbeatEvent(testAt)); err != nil {
		t.Fatal(err)
	}
	if err := d.SendToVendor(ctx, "v1", domain.NewTypingEvent("u1", "v1", true, testAt)); err != nil {
		t.Fatal(err)
	}
	if err := d.Broadcast(ctx, "presence", domain.NewPresenceEvent(domain.PresenceRecord{IdentityID: "v1"}, testAt)); err != nil {
		t.Fatal(err)
	}

	if got := kinds(drain(userSink)); len(got) != 1 || got[0] != domain.EventHeartbeat {
		t.Errorf("user sink = %v", got)
	}
	if got := kinds(drain(vendorSink)); len(got) != 1 || got[0] != domain.EventTypingStart {
		t.Errorf("vendor sink = %v", got)
	}
	if got := kinds(drain(topicSink)); len(got) != 1 || got[0] != domain.EventPresenceChanged {
		t.Errorf("topic sink = %v", got)
	}
}

func TestDispatchReportsUnreachableDestination(t *testing.T) {
	d := NewDispatcher(nil)
	err := d.SendToVendor(context.Background(), "v1", domain.NewHeartbeatEvent(testAt))
	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("got %v, want *DispatchError", err)
	}
	if dispatchErr.Destination != "vendor:v1" || dispatchErr.Reason != "no active connections" {
		t.Errorf("got %+v", dispatchErr)
	}

	if err := d.SendTo(context.Background(), "user:", domain.NewHeartbeatEvent(testAt)); !errors.As(err, &dispatchErr) {
		t.Errorf("empty destination id accepted: %v", err)
	}
}

func TestDispatchNeverBlocksOnFullSink(t *testing.T) {
	d := NewDispatcher(nil)
	ctx := context.Background()
	slow, fast := NewSink(1), NewSink(8)
	d.Register(customerU1, slow)
	d.Register(customerU1, fast)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			if err := d.SendToUser(ctx, "u1", domain.NewHeartbeatEvent(testAt)); err != nil {
				t.Error(err)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch blocked on a full sink")
	}
	if got := len(drain(slow)); got != 1 {
		t.Errorf("slow sink got %d, want 1", got)
	}
	if got := len(drain(fast)); got != 5 {
		t.Errorf("fast sink got %d, want 5", got)
	}

	solo := NewDispatcher(nil)
	closed := NewSink(1)
	solo.Register(vendorV1, closed)
	closed.Close()
	var dispatchErr *DispatchError
	if err := solo.SendToVendor(ctx, "v1", domain.NewHeartbeatEvent(testAt)); !errors.As(err, &dispatchErr) {
		t.Errorf("closed sink: got %v, want *DispatchError", err)
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	d := NewDispatcher(nil)
	sink := NewSink(4)
	d.Register(vendorV1, sink)
	d.Unregister(vendorV1, sink)
	if d.LocalConnections(VendorDestination("v1")) != 0 {
		t.Fatal("sink still attached")
	}
	if err := d.SendToVendor(context.Background(), "v1", domain.NewHeartbeatEvent(testAt)); err == nil {
		t.Error("delivered to unregistered sink")
	}
}

// loopbackBroker hands published payloads straight to its subscriber.
type loopbackBroker struct {
	mu      sync.Mutex
	handle  func([]byte)
	fail    bool
	publish int
}

func (b *loopbackBroker) Name() string { return "loopback" }

func (b *loopbackBroker) Publish(_ context.Context, payload []byte) error {
	b.mu.Lock()
	handle, fail := b.handle, b.fail
	b.publish++
	b.mu.Unlock()
	if fail {
		return errors.New("broker unavailable")
	}
	if handle != nil {
		handle(payload)
	}
	return nil
}

func (b *loopbackBroker) Subscribe(_ context.Context, handle func([]byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handle = handle
	return func() {
		b.mu.Lock()
		b.handle = nil
		b.mu.Unlock()
	}, nil
}

func TestBrokerRoundTripDeliversLocally(t *testing.T) {
	broker := &loopbackBroker{}
	d := NewDispatcher(broker)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	sink := NewSink(4)
	d.Register(vendorV1, sink)
	msg := domain.Message{ID: "m1", ChatID: domain.ChatID("u1", "v1"), SenderID: "u1", RecipientID: "v1", Content: "hi"}
	if err := d.SendToVendor(ctx, "v1", domain.NewMessageEvent(msg, testAt)); err != nil {
		t.Fatal(err)
	}
	events := drain(sink)
	if len(events) != 1 || events[0].Message == nil || events[0].Message.ID != "m1" {
		t.Fatalf("got %+v", events)
	}
}

func TestBrokerFailureFallsBackToLocal(t *testing.T) {
	broker := &loopbackBroker{fail: true}
	d := NewDispatcher(broker)
	sink := NewSink(4)
	d.Register(customerU1, sink)

	if err := d.SendToUser(context.Background(), "u1", domain.NewHeartbeatEvent(testAt)); err != nil {
		t.Fatal(err)
	}
	if got := len(drain(sink)); got != 1 {
		t.Errorf("fallback delivered %d, want 1", got)
	}
	if broker.publish != 1 {
		t.Errorf("publish attempts = %d, want 1", broker.publish)
	}
}
