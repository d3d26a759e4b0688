package service

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"eventchat/server/chat/domain"
)

func TestSendThenReadScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.SendMessage(ctx, customerU1, "v1", "hello", ""); err != nil {
		t.Fatal(err)
	}
	list, err := f.svc.ChatList(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].LastMessage != "hello" || list[0].UnreadCount != 1 {
		t.Fatalf("v1 chat list = %+v, want one entry with hello/1", list)
	}
	if list[0].OtherName != "Una Customer" {
		t.Errorf("other name = %q", list[0].OtherName)
	}
	senderList, err := f.svc.ChatList(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(senderList) != 1 || senderList[0].UnreadCount != 0 {
		t.Fatalf("u1 chat list = %+v, want unread 0", senderList)
	}

	if _, err := f.svc.MarkRead(ctx, vendorV1, "u1"); err != nil {
		t.Fatal(err)
	}
	list, err = f.svc.ChatList(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if list[0].UnreadCount != 0 {
		t.Errorf("unread after read = %d, want 0", list[0].UnreadCount)
	}
	if keys := f.publisher.Keys(); len(keys) != 2 || keys[0] != RoutingMessageCreated || keys[1] != RoutingMessageRead {
		t.Errorf("published = %v", keys)
	}
}

func TestDeliveredThenReadLeavesAllRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.svc.SendMessage(ctx, customerU1, "v1", "quote?", ""); err != nil {
			t.Fatal(err)
		}
	}
	if n, err := f.svc.MarkDelivered(ctx, vendorV1, "u1"); err != nil || n != 3 {
		t.Fatalf("MarkDelivered = %d, %v", n, err)
	}
	if n, err := f.svc.MarkRead(ctx, vendorV1, "u1"); err != nil || n != 3 {
		t.Fatalf("MarkRead = %d, %v", n, err)
	}
	if n, err := f.svc.MarkRead(ctx, vendorV1, "u1"); err != nil || n != 0 {
		t.Fatalf("repeated MarkRead = %d, %v", n, err)
	}
	history, err := f.svc.History(ctx, "u1", "v1")
	if err != nil {
		t.Fatal(err)
	}
	for _, msg := range history {
		if msg.Status != domain.MessageRead {
			t.Errorf("message %s status = %s, want READ", msg.ID, msg.Status)
		}
	}
}

func TestDeleteChatKeepsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.SendMessage(ctx, customerU1, "v1", "hello", ""); err != nil {
		t.Fatal(err)
	}
	deleted, err := f.svc.DeleteChat(ctx, "v1", "u1")
	if err != nil || !deleted {
		t.Fatalf("DeleteChat = %t, %v", deleted, err)
	}
	list, err := f.svc.ChatList(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("v1 chat list = %+v, want empty", list)
	}
	history, err := f.svc.History(ctx, "u1", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Content != "hello" {
		t.Errorf("history = %+v", history)
	}
}

func TestConnectedRecipientReceivesEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	vendorSink, customerSink := NewSink(16), NewSink(16)
	if _, err := f.svc.Connect(ctx, "c-v1", vendorV1, vendorSink); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Connect(ctx, "c-u1", customerU1, customerSink); err != nil {
		t.Fatal(err)
	}
	drain(vendorSink)
	drain(customerSink)

	msg, err := f.svc.SendMessage(ctx, customerU1, "v1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	events := drain(vendorSink)
	if !hasKind(events, domain.EventMessageNew) || !hasKind(events, domain.EventUnreadUpdated) {
		t.Fatalf("vendor events = %v", kinds(events))
	}
	for _, e := range events {
		if e.Kind == domain.EventUnreadUpdated && (e.Unread.TotalUnread != 1 || *e.ChatUnread != 1) {
			t.Errorf("unread event = %+v", e)
		}
	}
	if acks := drain(customerSink); !hasKind(acks, domain.EventMessageAck) {
		t.Errorf("sender events = %v", kinds(acks))
	}
	if len(f.notifier.Recipients()) != 0 {
		t.Error("online recipient was emailed")
	}

	if err := f.svc.SetTyping(ctx, vendorV1, "u1", true); err != nil {
		t.Fatal(err)
	}
	if got := kinds(drain(customerSink)); len(got) != 1 || got[0] != domain.EventTypingStart {
		t.Errorf("typing events = %v", got)
	}
	row, err := f.svc.aggregates.Get(ctx, "u1", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if !row.OtherTyping {
		t.Error("u1's view of v1 not typing")
	}

	if _, err := f.svc.MarkRead(ctx, vendorV1, "u1"); err != nil {
		t.Fatal(err)
	}
	receipts := drain(customerSink)
	if len(receipts) != 1 || receipts[0].Kind != domain.EventMessageRead || receipts[0].Count != 1 {
		t.Errorf("receipts = %+v", receipts)
	}
	got, err := f.svc.Message(ctx, "u1", msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.MessageRead {
		t.Errorf("status = %s, want READ", got.Status)
	}
}

func TestOfflineRecipientIsNotified(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.SendMessage(context.Background(), customerU1, "v1", "hello", ""); err != nil {
		t.Fatal(err)
	}
	if got := f.notifier.Recipients(); len(got) != 1 || got[0] != "v1" {
		t.Errorf("notified = %v, want [v1]", got)
	}
}

func TestConnectDeliversPendingAndFansOutPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customerSink := NewSink(16)
	if _, err := f.svc.Connect(ctx, "c-u1", customerU1, customerSink); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.svc.SendMessage(ctx, customerU1, "v1", "are you free on the 12th?", ""); err != nil {
			t.Fatal(err)
		}
	}
	drain(customerSink)

	vendorSink := NewSink(16)
	if _, err := f.svc.Connect(ctx, "c-v1", vendorV1, vendorSink); err != nil {
		t.Fatal(err)
	}
	events := drain(customerSink)
	var sawPresence, sawDelivered bool
	for _, e := range events {
		switch e.Kind {
		case domain.EventPresenceChanged:
			sawPresence = e.Presence.IdentityID == "v1" && e.Presence.Online()
		case domain.EventMessageDelivered:
			sawDelivered = e.Count == 2 && e.RecipientID == "v1"
		}
	}
	if !sawPresence || !sawDelivered {
		t.Fatalf("customer events = %+v", events)
	}
	row, err := f.svc.aggregates.Get(ctx, "u1", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if !row.OtherOnline {
		t.Error("u1's view of v1 not online")
	}

	f.svc.Disconnect(ctx, "c-v1", vendorSink)
	f.svc.Disconnect(ctx, "c-v1", vendorSink)
	if f.svc.Presence(ctx, []string{"v1"})["v1"].Online() {
		t.Error("v1 still online after disconnect")
	}
	row, err = f.svc.aggregates.Get(ctx, "u1", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if row.OtherOnline {
		t.Error("u1's view of v1 still online")
	}
}

func TestTwoDeviceScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Connect(ctx, "phone", vendorV1, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Connect(ctx, "laptop", vendorV1, nil); err != nil {
		t.Fatal(err)
	}
	f.svc.Disconnect(ctx, "phone", nil)
	if !f.registry.IsOnline("v1") {
		t.Fatal("v1 offline with one device left")
	}
	f.svc.Disconnect(ctx, "laptop", nil)
	if f.registry.IsOnline("v1") {
		t.Fatal("v1 online with no devices")
	}
}

func TestOpenChatMarksRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.SendMessage(ctx, customerU1, "v1", "hello", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Connect(ctx, "c-v1", vendorV1, nil); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.OpenChat(ctx, "c-v1", "u1"); err != nil {
		t.Fatal(err)
	}
	summary, err := f.svc.UnreadSummary(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalUnread != 0 {
		t.Errorf("unread = %d, want 0", summary.TotalUnread)
	}
	if err := f.svc.OpenChat(ctx, "unknown", "u1"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("got %v, want ErrInvalidArgument", err)
	}
}

func TestSetStatusAwayNotifiesWatchers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.SendMessage(ctx, customerU1, "v1", "hello", ""); err != nil {
		t.Fatal(err)
	}
	customerSink := NewSink(16)
	if _, err := f.svc.Connect(ctx, "c-u1", customerU1, customerSink); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Connect(ctx, "c-v1", vendorV1, nil); err != nil {
		t.Fatal(err)
	}
	drain(customerSink)

	rec, err := f.svc.SetStatus(ctx, vendorV1, domain.PresenceBusy)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.PresenceBusy {
		t.Fatalf("status = %s", rec.Status)
	}
	events := drain(customerSink)
	if len(events) != 1 || events[0].Presence.Status != domain.PresenceBusy {
		t.Errorf("events = %+v", events)
	}
}

func TestSendMessageRejectsInvalidSender(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SendMessage(context.Background(), domain.Identity{ID: "u1"}, "v1", "hi", "")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

type memoryGuard struct {
	seen     map[string]bool
	released []string
}

func (g *memoryGuard) Claim(_ context.Context, senderID, clientMsgID string) (bool, error) {
	key := senderID + ":" + clientMsgID
	if g.seen[key] {
		return false, nil
	}
	g.seen[key] = true
	return true, nil
}

func (g *memoryGuard) Release(_ context.Context, senderID, clientMsgID string) {
	key := senderID + ":" + clientMsgID
	delete(g.seen, key)
	g.released = append(g.released, key)
}

func TestSendGuardRejectsReplayAndReleasesOnFailure(t *testing.T) {
	f := newFixture(t)
	guard := &memoryGuard{seen: map[string]bool{}}
	f.svc.guard = guard
	ctx := context.Background()

	if _, err := f.svc.SendMessage(ctx, customerU1, "v1", "hello", "c-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SendMessage(ctx, customerU1, "v1", "hello", "c-1"); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("replay: got %v, want ErrDuplicateMessage", err)
	}
	if _, err := f.svc.SendMessage(ctx, customerU1, "v1", "   ", "c-2"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("blank: got %v, want ErrInvalidArgument", err)
	}
	if len(guard.released) != 1 || guard.released[0] != "u1:c-2" {
		t.Errorf("released = %v, want [u1:c-2]", guard.released)
	}
}

func TestEncryptionKeyIsSharedByBothParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chatA, keyA, err := f.svc.EncryptionKey(ctx, "u1", "v1")
	if err != nil {
		t.Fatal(err)
	}
	chatB, keyB, err := f.svc.EncryptionKey(ctx, "v1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if chatA != chatB || string(keyA) != string(keyB) {
		t.Errorf("keys differ for %s/%s", chatA, chatB)
	}
}

func TestForceOfflineDropsEveryConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	closed := map[string]bool{}
	sinks := map[string]*Sink{}
	for _, connID := range []string{"c1", "c2"} {
		sinks[connID] = NewSink(8)
		if _, err := f.svc.Connect(ctx, connID, vendorV1, sinks[connID]); err != nil {
			t.Fatal(err)
		}
		id := connID
		f.svc.TrackSession(connID, func() { closed[id] = true })
	}
	if _, err := f.svc.Connect(ctx, "c3", customerU1, NewSink(8)); err != nil {
		t.Fatal(err)
	}

	record, n, err := f.svc.ForceOffline(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || !closed["c1"] || !closed["c2"] {
		t.Fatalf("closed %d sessions (%v), want c1 and c2", n, closed)
	}
	if record.Status != domain.PresenceOffline || record.Connections != 0 {
		t.Errorf("record = %+v, want OFFLINE with 0 connections", record)
	}
	if got := f.conns.ConnectionsFor("v1"); got != 0 {
		t.Errorf("registry still holds %d connections for v1", got)
	}
	if got := f.conns.ConnectionsFor("u1"); got != 1 {
		t.Errorf("u1 connections = %d, want 1", got)
	}
	if got := f.dispatcher.LocalConnections(IdentityDestination(vendorV1)); got != 0 {
		t.Errorf("dispatcher still holds %d sinks for v1", got)
	}

	// The transport's own teardown runs afterwards and must not double count.
	f.svc.Disconnect(ctx, "c1", sinks["c1"])
	if got := f.svc.Presence(ctx, []string{"v1"})["v1"]; got.Connections != 0 {
		t.Errorf("presence after late disconnect = %+v", got)
	}

	if _, err := f.svc.Connect(ctx, "c4", vendorV1, NewSink(8)); err != nil {
		t.Fatal(err)
	}
	if got := f.svc.Presence(ctx, []string{"v1"})["v1"]; got.Status != domain.PresenceOnline || got.Connections != 1 {
		t.Errorf("presence after reconnect = %+v, want ONLINE with 1 connection", got)
	}
}

func TestForceOfflineRequiresIdentity(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.svc.ForceOffline(context.Background(), " "); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestCloseSessionsWaitsForTeardown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sink := NewSink(8)
	if _, err := f.svc.Connect(ctx, "c1", customerU1, sink); err != nil {
		t.Fatal(err)
	}
	f.svc.TrackSession("c1", func() {
		go f.svc.Disconnect(context.Background(), "c1", sink)
	})

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.svc.CloseSessions(waitCtx); err != nil {
		t.Fatalf("CloseSessions() = %v", err)
	}
	if got := f.svc.Presence(ctx, []string{"u1"})["u1"]; got.Status != domain.PresenceOffline {
		t.Errorf("presence = %+v, want OFFLINE", got)
	}

	if _, err := f.svc.Connect(ctx, "c2", customerU1, NewSink(8)); err != nil {
		t.Fatal(err)
	}
	late := false
	f.svc.TrackSession("c2", func() { late = true })
	if !late {
		t.Error("session tracked after shutdown was not closed at once")
	}
}

func TestCloseSessionsGivesUpWithContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Connect(ctx, "c1", customerU1, NewSink(8)); err != nil {
		t.Fatal(err)
	}
	f.svc.TrackSession("c1", func() {})

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := f.svc.CloseSessions(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("CloseSessions() = %v, want deadline exceeded", err)
	}
}

func TestSealedHistoryOpensWithChatKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.SendMessage(ctx, customerU1, "v1", "menu for 40 guests", ""); err != nil {
		t.Fatal(err)
	}

	items, err := f.svc.SealedHistory(ctx, "v1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || !items[0].Sealed {
		t.Fatalf("items = %+v, want one sealed message", items)
	}
	_, key, err := f.svc.EncryptionKey(ctx, "u1", "v1")
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.StdEncoding.DecodeString(items[0].Content)
	if err != nil {
		t.Fatal(err)
	}
	opened, err := Open(key, raw)
	if err != nil {
		t.Fatal(err)
	}
	if string(opened) != "menu for 40 guests" {
		t.Errorf("opened = %q", opened)
	}

	plain, err := f.svc.History(ctx, "v1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if plain[0].Sealed || plain[0].Content != "menu for 40 guests" {
		t.Errorf("plain history changed: %+v", plain[0])
	}
}
