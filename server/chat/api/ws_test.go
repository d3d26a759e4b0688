package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"eventchat/server/chat/domain"
	"eventchat/server/chat/service"
	commonauth "eventchat/server/common/auth"
)

func wsURL(t *testing.T, srv *httptest.Server, token string) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	if token != "" {
		u.RawQuery = url.Values{"access_token": {token}}.Encode()
	}
	return u.String()
}

func dialWS(t *testing.T, rawURL string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(rawURL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", rawURL, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads events until one of kind arrives.
func readUntil(t *testing.T, conn *websocket.Conn, kind domain.EventKind) domain.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var event domain.Event
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		if event.Kind == kind {
			return event
		}
	}
}

// roundTrip sends a heartbeat and waits for the echo so earlier frames are processed.
func roundTrip(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if err := conn.WriteJSON(map[string]string{"type": frameHeartbeat}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, domain.EventHeartbeat)
}

func TestWebSocketRejectsUnresolvedIdentity(t *testing.T) {
	env := newTestEnv(t, false)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	header := http.Header{}
	header.Set(service.HeaderVendorID, "v1")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(t, srv, ""), header)
	if err == nil {
		t.Fatal("dial succeeded without credentials")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestWebSocketMessageRoundTrip(t *testing.T) {
	env := newTestEnv(t, false)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	vendor := dialWS(t, wsURL(t, srv, env.token(t, "v1", commonauth.RoleVendor)), nil)
	roundTrip(t, vendor)
	customer := dialWS(t, wsURL(t, srv, env.token(t, "u1", commonauth.RoleCustomer)), nil)
	roundTrip(t, customer)

	if got := len(env.chat.Connections()); got != 2 {
		t.Fatalf("connections = %d, want 2", got)
	}

	if err := customer.WriteJSON(map[string]string{"type": frameMessage, "recipient_id": "v1", "content": "Can you do 80 guests?", "client_msg_id": "c-1"}); err != nil {
		t.Fatal(err)
	}
	incoming := readUntil(t, vendor, domain.EventMessageNew)
	if incoming.Message == nil || incoming.Message.Content != "Can you do 80 guests?" {
		t.Fatalf("incoming = %+v", incoming)
	}
	unread := readUntil(t, vendor, domain.EventUnreadUpdated)
	if unread.Unread == nil || unread.Unread.TotalUnread != 1 {
		t.Errorf("unread = %+v", unread.Unread)
	}
	ack := readUntil(t, customer, domain.EventMessageAck)
	if ack.Message == nil || ack.Message.ID != incoming.Message.ID {
		t.Errorf("ack = %+v", ack)
	}

	if err := vendor.WriteJSON(map[string]string{"type": frameRead, "other_id": "u1"}); err != nil {
		t.Fatal(err)
	}
	receipt := readUntil(t, customer, domain.EventMessageRead)
	if receipt.Count != 1 || receipt.RecipientID != "v1" {
		t.Errorf("receipt = %+v", receipt)
	}
}

func TestWebSocketReportsBadFrames(t *testing.T) {
	env := newTestEnv(t, false)
	srv := httptest.NewServer(env.router)
	defer srv.Close()
	conn := dialWS(t, wsURL(t, srv, env.token(t, "u1", commonauth.RoleCustomer)), nil)

	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{name: "not json", frame: "{", want: "invalid frame"},
		{name: "unknown type", frame: `{"type":"dance"}`, want: "unsupported frame type"},
		{name: "bad status", frame: `{"type":"status","status":"napping"}`, want: "status must be one of"},
		{name: "self message", frame: `{"type":"message","recipient_id":"u1","content":"hi"}`, want: "sender and recipient must differ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)); err != nil {
				t.Fatal(err)
			}
			event := readUntil(t, conn, domain.EventError)
			if !strings.Contains(event.Error, tt.want) {
				t.Errorf("error = %q, want it to contain %q", event.Error, tt.want)
			}
		})
	}
}

func TestWebSocketDeclaredIdentityWhenAllowed(t *testing.T) {
	env := newTestEnv(t, true)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	header := http.Header{}
	header.Set(service.HeaderVendorID, "v1")
	conn := dialWS(t, wsURL(t, srv, ""), header)
	roundTrip(t, conn)

	got := env.chat.Presence(t.Context(), []string{"v1"})["v1"]
	if got.Kind != domain.IdentityVendor || got.Connections != 1 || got.Status != domain.PresenceOnline {
		t.Errorf("presence = %+v, want one ONLINE vendor connection", got)
	}

	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for env.chat.Presence(t.Context(), []string{"v1"})["v1"].Status != domain.PresenceOffline {
		if time.Now().After(deadline) {
			t.Fatal("presence still online after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(env.chat.Connections()); got != 0 {
		t.Errorf("connections after close = %d, want 0", got)
	}
}

func TestWebSocketTopicSubscription(t *testing.T) {
	env := newTestEnv(t, false)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	watcher := dialWS(t, wsURL(t, srv, env.token(t, "u1", commonauth.RoleCustomer)), nil)
	if err := watcher.WriteJSON(map[string]string{"type": frameSubscribe, "topic": service.PresenceTopic}); err != nil {
		t.Fatal(err)
	}
	roundTrip(t, watcher)

	dialWS(t, wsURL(t, srv, env.token(t, "v1", commonauth.RoleVendor)), nil)
	event := readUntil(t, watcher, domain.EventPresenceChanged)
	if event.Presence == nil || event.Presence.IdentityID != "v1" {
		t.Errorf("presence event = %+v", event)
	}
}

// waitClosed reads until the server drops conn and returns the read error.
func waitClosed(t *testing.T, conn *websocket.Conn) error {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("connection still open")
			}
			return err
		}
	}
}

func TestCloseSessionsDisconnectsLiveClients(t *testing.T) {
	env := newTestEnv(t, false)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	vendor := dialWS(t, wsURL(t, srv, env.token(t, "v1", commonauth.RoleVendor)), nil)
	roundTrip(t, vendor)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := env.chat.CloseSessions(ctx); err != nil {
		t.Fatalf("CloseSessions() = %v", err)
	}
	if err := waitClosed(t, vendor); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after close = %v", err)
	}
	if got := env.chat.Presence(ctx, []string{"v1"})["v1"]; got.Status != domain.PresenceOffline || got.Connections != 0 {
		t.Errorf("presence = %+v, want OFFLINE", got)
	}
	if got := len(env.chat.Connections()); got != 0 {
		t.Errorf("connections = %d, want 0", got)
	}
}

func TestForceOfflineRouteDropsSocket(t *testing.T) {
	env := newTestEnv(t, false)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	vendor := dialWS(t, wsURL(t, srv, env.token(t, "v1", commonauth.RoleVendor)), nil)
	roundTrip(t, vendor)

	if rec := env.do(t, http.MethodPost, "/api/v1/debug/connections/v1/offline", env.token(t, "u1", commonauth.RoleCustomer), nil); rec.Code != http.StatusForbidden {
		t.Errorf("customer status = %d, want 403", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/api/v1/debug/connections/v1/offline", env.token(t, "ops", commonauth.RoleAdmin), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d body=%s", rec.Code, rec.Body.String())
	}
	got := decode[ForceOfflineResponse](t, rec)
	if got.Closed != 1 || got.Presence.Status != domain.PresenceOffline {
		t.Errorf("response = %+v, want one closed session and OFFLINE", got)
	}
	waitClosed(t, vendor)
	if n := len(env.chat.Connections()); n != 0 {
		t.Errorf("connections = %d, want 0", n)
	}
}
