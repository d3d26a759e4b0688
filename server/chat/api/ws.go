package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"eventchat/server/chat/domain"
	"eventchat/server/chat/service"
	commonlog "eventchat/server/common/log"
	"eventchat/server/common/middleware"
	"eventchat/server/common/transport/httpresp"
)

type WSConfig struct {
	AllowedOrigins  []string
	WriteTimeout    time.Duration
	PongWait        time.Duration
	PingInterval    time.Duration
	SendBuffer      int
	MaxMessageBytes int64
}

func (c WSConfig) withDefaults() WSConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = service.DefaultSinkBuffer
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	return c
}

func (c WSConfig) upgrader() websocket.Upgrader {
	allowed := map[string]struct{}{}
	for _, origin := range c.AllowedOrigins {
		allowed[strings.TrimSpace(origin)] = struct{}{}
	}
	return websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		if _, ok := allowed["*"]; ok {
			return true
		}
		_, ok := allowed[r.Header.Get("Origin")]
		return ok
	}}
}

const (
	frameMessage     = "message"
	frameTyping      = "typing"
	frameRead        = "read"
	frameDelivered   = "delivered"
	frameOpenChat    = "open_chat"
	frameStatus      = "status"
	frameHeartbeat   = "heartbeat"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
)

type wsFrame struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipient_id"`
	OtherID     string `json:"other_id"`
	Content     string `json:"content"`
	ClientMsgID string `json:"client_msg_id"`
	Typing      bool   `json:"typing"`
	Status      string `json:"status"`
	Topic       string `json:"topic"`
}

func (f wsFrame) peer() string {
	if id := strings.TrimSpace(f.OtherID); id != "" {
		return id
	}
	return strings.TrimSpace(f.RecipientID)
}

func wsAccessToken(c *gin.Context) (string, bool) {
	if token, ok := middleware.BearerToken(c.GetHeader("Authorization")); ok {
		return token, true
	}
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	return token, token != ""
}

func (h *Handler) wsIdentity(c *gin.Context) (domain.Identity, bool) {
	var principal *service.Principal
	if token, ok := wsAccessToken(c); ok {
		userID, role, err := h.auth.ParseAuthContext(token)
		if err != nil {
			return domain.Identity{}, false
		}
		principal = &service.Principal{UserID: userID, Role: role}
	}
	return h.resolver.Resolve(principal, c.Request.Header)
}

type wsSession struct {
	handler  *Handler
	conn     *websocket.Conn
	connID   string
	identity domain.Identity
	sink     *service.Sink
	topics   map[string]struct{}
}

func (h *Handler) handleWS(c *gin.Context) {
	identity, ok := h.wsIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrIdentityUnresolved))
		return
	}
	upgrader := h.ws.upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=chat_ws action=upgrade status=failed identity_id=%s error=%v", identity.ID, err)
		return
	}

	session := &wsSession{
		handler:  h,
		conn:     conn,
		connID:   uuid.NewString(),
		identity: identity,
		sink:     service.NewSink(h.ws.SendBuffer),
		topics:   map[string]struct{}{},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := h.chat.Connect(ctx, session.connID, identity, session.sink); err != nil {
		commonlog.Warnf("event=chat_ws action=connect status=failed identity_id=%s error=%v", identity.ID, err)
		_ = conn.Close()
		return
	}
	writerDone := make(chan struct{})
	defer func() {
		for topic := range session.topics {
			h.chat.Unsubscribe(topic, session.sink)
		}
		h.chat.Disconnect(context.Background(), session.connID, session.sink)
		session.sink.Close()
		<-writerDone
		_ = conn.Close()
	}()

	h.chat.TrackSession(session.connID, session.close)

	go func() {
		defer close(writerDone)
		session.writeLoop(ctx)
	}()
	session.readLoop(ctx)
}

// close drops the connection from outside the session, on shutdown or a forced logout.
func (s *wsSession) close() {
	deadline := time.Now().Add(s.handler.ws.WriteTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"), deadline)
	_ = s.conn.Close()
}

func (s *wsSession) readLoop(ctx context.Context) {
	cfg := s.handler.ws
	s.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				commonlog.Infof("event=chat_ws action=read status=closed identity_id=%s connection_id=%s error=%v", s.identity.ID, s.connID, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.reply(domain.NewErrorEvent("invalid frame", time.Now().UTC()))
			continue
		}
		s.handler.chat.Touch(s.connID)
		if err := s.handle(ctx, frame); err != nil {
			s.reply(domain.NewErrorEvent(frameError(err), time.Now().UTC()))
		}
	}
}

func (s *wsSession) handle(ctx context.Context, frame wsFrame) error {
	chat := s.handler.chat
	switch frame.Type {
	case frameMessage:
		_, err := chat.SendMessage(ctx, s.identity, frame.RecipientID, frame.Content, frame.ClientMsgID)
		return err
	case frameTyping:
		return chat.SetTyping(ctx, s.identity, frame.peer(), frame.Typing)
	case frameDelivered:
		_, err := chat.MarkDelivered(ctx, s.identity, frame.peer())
		return err
	case frameRead:
		_, err := chat.MarkRead(ctx, s.identity, frame.peer())
		return err
	case frameOpenChat:
		return chat.OpenChat(ctx, s.connID, frame.peer())
	case frameStatus:
		status, err := domain.ParsePresenceStatus(frame.Status)
		if err != nil {
			return err
		}
		_, err = chat.SetStatus(ctx, s.identity, status)
		return err
	case frameHeartbeat:
		s.reply(domain.NewHeartbeatEvent(time.Now().UTC()))
		return nil
	case frameSubscribe:
		topic := strings.TrimSpace(frame.Topic)
		if topic == "" {
			return errors.New("topic is required")
		}
		chat.Subscribe(topic, s.sink)
		s.topics[topic] = struct{}{}
		return nil
	case frameUnsubscribe:
		topic := strings.TrimSpace(frame.Topic)
		chat.Unsubscribe(topic, s.sink)
		delete(s.topics, topic)
		return nil
	default:
		return errors.New("unsupported frame type")
	}
}

func frameError(err error) string {
	switch {
	case errors.Is(err, service.ErrDuplicateMessage):
		return httpresp.ErrDuplicate
	case errors.Is(err, service.ErrMessageNotFound), errors.Is(err, service.ErrAggregateNotFound):
		return httpresp.ErrNotFound
	case errors.Is(err, service.ErrInvalidArgument):
		return err.Error()
	}
	var storeErr *service.StoreError
	if errors.As(err, &storeErr) {
		return httpresp.ErrInternal
	}
	return err.Error()
}

func (s *wsSession) reply(event domain.Event) {
	if !s.sink.Offer(event) {
		commonlog.Warnf("event=chat_ws action=reply status=dropped connection_id=%s kind=%s", s.connID, event.Kind)
	}
}

// writeLoop is the only writer on the connection.
func (s *wsSession) writeLoop(ctx context.Context) {
	cfg := s.handler.ws
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.sink.Events():
			if !ok {
				_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(cfg.WriteTimeout))
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := s.conn.WriteJSON(event); err != nil {
				commonlog.Warnf("event=chat_ws action=write status=failed connection_id=%s kind=%s error=%v", s.connID, event.Kind, err)
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}
