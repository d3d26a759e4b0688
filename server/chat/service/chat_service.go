package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"eventchat/server/chat/domain"
	commonlog "eventchat/server/common/log"
)

const PresenceTopic = "presence"

type ChatServiceDeps struct {
	Messages    *MessageStore
	Aggregates  *AggregateStore
	Presence    *PresenceRegistry
	Connections *ConnectionRegistry
	Keys        *KeyProvider
	Dispatcher  *Dispatcher
	Directory   Directory
	Publisher   EventPublisher
	Notifier    ContactNotifier
	SendGuard   SendGuard
	Now         Clock
}

// ChatService reports errors from durable writes. Fan-out after a successful write
// is only logged.
type ChatService struct {
	messages    *MessageStore
	aggregates  *AggregateStore
	presence    *PresenceRegistry
	connections *ConnectionRegistry
	keys        *KeyProvider
	dispatcher  *Dispatcher
	directory   Directory
	publisher   EventPublisher
	notifier    ContactNotifier
	guard       SendGuard
	now         Clock
}

func NewChatService(deps ChatServiceDeps) *ChatService {
	now := deps.Now
	if now == nil {
		now = systemClock
	}
	return &ChatService{
		messages:    deps.Messages,
		aggregates:  deps.Aggregates,
		presence:    deps.Presence,
		connections: deps.Connections,
		keys:        deps.Keys,
		dispatcher:  deps.Dispatcher,
		directory:   deps.Directory,
		publisher:   deps.Publisher,
		notifier:    deps.Notifier,
		guard:       deps.SendGuard,
		now:         now,
	}
}

func requireIdentity(identity domain.Identity) error {
	if !identity.Valid() {
		return invalidArgument("identity is required")
	}
	return nil
}

func (s *ChatService) SendMessage(ctx context.Context, sender domain.Identity, recipientID, content, clientMsgID string) (domain.Message, error) {
	if err := requireIdentity(sender); err != nil {
		return domain.Message{}, err
	}
	startedAt := time.Now()
	clientMsgID = strings.TrimSpace(clientMsgID)
	claimed := false
	if clientMsgID != "" && s.guard != nil {
		ok, err := s.guard.Claim(ctx, sender.ID, clientMsgID)
		switch {
		case err != nil:
			commonlog.Warnf("event=chat_message_persist action=idempotency_claim status=failed sender_id=%s error=%v", sender.ID, err)
		case !ok:
			return domain.Message{}, ErrDuplicateMessage
		default:
			claimed = true
		}
	}

	msg, err := s.messages.Send(ctx, sender.ID, recipientID, content, clientMsgID)
	if err != nil {
		if claimed && !errors.Is(err, ErrDuplicateMessage) {
			s.guard.Release(ctx, sender.ID, clientMsgID)
		}
		commonlog.Errorf("event=chat_message_persist action=create status=failed sender_id=%s recipient_id=%s client_msg_id_present=%t latency_ms=%d error=%v", sender.ID, recipientID, clientMsgID != "", time.Since(startedAt).Milliseconds(), err)
		return domain.Message{}, err
	}
	commonlog.Infof("event=chat_message_persist action=create status=ok sender_id=%s recipient_id=%s message_id=%s client_msg_id_present=%t latency_ms=%d", msg.SenderID, msg.RecipientID, msg.ID, clientMsgID != "", time.Since(startedAt).Milliseconds())

	s.afterSend(ctx, sender, msg)
	return msg, nil
}

func (s *ChatService) afterSend(ctx context.Context, sender domain.Identity, msg domain.Message) {
	at := s.now()
	recipient := s.identityOf(ctx, msg.RecipientID)

	row, err := s.aggregates.RecordMessage(ctx, msg)
	if err != nil {
		commonlog.Errorf("event=chat_aggregate action=record_message status=failed message_id=%s error=%v", msg.ID, err)
	}

	s.notify(ctx, recipient, domain.NewMessageEvent(msg, at))
	if err == nil {
		s.pushUnread(ctx, recipient, msg.ChatID, row.UnreadCount, at)
	}
	s.notify(ctx, sender, domain.NewMessageAckEvent(msg, at))

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, RoutingMessageCreated, newMessageCreatedEvent(msg)); err != nil {
			commonlog.Warnf("event=chat_publish action=message_created status=failed message_id=%s error=%v", msg.ID, err)
		}
	}

	if s.notifier != nil && !s.presence.IsOnline(msg.RecipientID) {
		s.notifyOffline(ctx, msg)
	}
}

func (s *ChatService) notifyOffline(ctx context.Context, msg domain.Message) {
	if s.directory == nil {
		return
	}
	recipient, ok, err := s.directory.DisplayInfo(ctx, msg.RecipientID)
	if err != nil || !ok {
		return
	}
	sender, _, _ := s.directory.DisplayInfo(ctx, msg.SenderID)
	if sender.ID == "" {
		sender.ID = msg.SenderID
	}
	if err := s.notifier.NotifyOffline(ctx, recipient, sender, msg); err != nil {
		commonlog.Warnf("event=chat_notify action=offline status=failed recipient_id=%s error=%v", msg.RecipientID, err)
	}
}

func (s *ChatService) SetTyping(ctx context.Context, sender domain.Identity, recipientID string, typing bool) error {
	if err := requireIdentity(sender); err != nil {
		return err
	}
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" || recipientID == sender.ID {
		return invalidArgument("recipient_id must name another participant")
	}
	if _, err := s.aggregates.SetTyping(ctx, recipientID, sender.ID, typing); err != nil {
		commonlog.Warnf("event=chat_aggregate action=set_typing status=failed owner_id=%s other_id=%s error=%v", recipientID, sender.ID, err)
	}
	s.notify(ctx, s.identityOf(ctx, recipientID), domain.NewTypingEvent(sender.ID, recipientID, typing, s.now()))
	return nil
}

func (s *ChatService) MarkDelivered(ctx context.Context, reader domain.Identity, senderID string) (int, error) {
	if err := requireIdentity(reader); err != nil {
		return 0, err
	}
	count, err := s.messages.MarkDelivered(ctx, senderID, reader.ID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.notify(ctx, s.identityOf(ctx, senderID), domain.NewReceiptEvent(domain.MessageDelivered, senderID, reader.ID, count, s.now()))
	}
	return count, nil
}

func (s *ChatService) MarkRead(ctx context.Context, reader domain.Identity, senderID string) (int, error) {
	if err := requireIdentity(reader); err != nil {
		return 0, err
	}
	count, err := s.messages.MarkRead(ctx, senderID, reader.ID)
	if err != nil {
		return 0, err
	}
	at := s.now()
	if _, _, err := s.aggregates.MarkRead(ctx, reader.ID, senderID); err != nil {
		commonlog.Warnf("event=chat_aggregate action=reset_unread status=failed owner_id=%s other_id=%s error=%v", reader.ID, senderID, err)
	} else {
		s.pushUnread(ctx, reader, domain.ChatID(reader.ID, senderID), 0, at)
	}
	if count > 0 {
		s.notify(ctx, s.identityOf(ctx, senderID), domain.NewReceiptEvent(domain.MessageRead, senderID, reader.ID, count, at))
		if s.publisher != nil {
			event := messageReadEvent{Event: RoutingMessageRead, ChatID: domain.ChatID(reader.ID, senderID), SenderID: senderID, ReaderID: reader.ID, Count: count, ReadAt: at}
			if err := s.publisher.Publish(ctx, RoutingMessageRead, event); err != nil {
				commonlog.Warnf("event=chat_publish action=message_read status=failed reader_id=%s error=%v", reader.ID, err)
			}
		}
	}
	return count, nil
}

func (s *ChatService) ChatList(ctx context.Context, ownerID string) ([]domain.ChatAggregate, error) {
	return s.aggregates.ChatList(ctx, ownerID)
}

func (s *ChatService) UnreadSummary(ctx context.Context, ownerID string) (domain.UnreadSummary, error) {
	return s.aggregates.UnreadSummary(ctx, ownerID)
}

func (s *ChatService) History(ctx context.Context, requesterID, otherID string) ([]domain.Message, error) {
	return s.messages.History(ctx, requesterID, otherID)
}

func (s *ChatService) Message(ctx context.Context, requesterID, messageID string) (domain.Message, error) {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if msg.SenderID != requesterID && msg.RecipientID != requesterID {
		return domain.Message{}, ErrMessageNotFound
	}
	return msg, nil
}

func (s *ChatService) DeleteChat(ctx context.Context, ownerID, otherID string) (bool, error) {
	return s.aggregates.DeleteChat(ctx, ownerID, otherID)
}

func (s *ChatService) EncryptionKey(ctx context.Context, requesterID, otherID string) (string, []byte, error) {
	if strings.TrimSpace(requesterID) == "" || strings.TrimSpace(otherID) == "" {
		return "", nil, invalidArgument("both participants are required")
	}
	chatID := domain.ChatID(requesterID, otherID)
	key, err := s.keys.GetOrCreate(ctx, chatID)
	if err != nil {
		return "", nil, err
	}
	return chatID, key, nil
}

func (s *ChatService) SealedHistory(ctx context.Context, requesterID, otherID string) ([]domain.Message, error) {
	items, err := s.History(ctx, requesterID, otherID)
	if err != nil {
		return nil, err
	}
	_, key, err := s.EncryptionKey(ctx, requesterID, otherID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		sealed, err := Seal(key, []byte(items[i].Content))
		if err != nil {
			return nil, fmt.Errorf("seal message %s: %w", items[i].ID, err)
		}
		items[i].Content = base64.StdEncoding.EncodeToString(sealed)
		items[i].Sealed = true
	}
	return items, nil
}

func (s *ChatService) Connect(ctx context.Context, connID string, identity domain.Identity, sink *Sink) (domain.ConnectionBinding, error) {
	if err := requireIdentity(identity); err != nil {
		return domain.ConnectionBinding{}, err
	}
	if strings.TrimSpace(connID) == "" {
		return domain.ConnectionBinding{}, invalidArgument("connection id is required")
	}
	binding := s.connections.Bind(connID, identity)
	if sink != nil {
		s.connections.AttachSink(connID, sink)
		s.dispatcher.Register(identity, sink)
	}
	transition := s.presence.Connect(identity.ID, identity.Kind)
	commonlog.Infof("event=chat_connection action=connect identity_id=%s kind=%s connection_id=%s connections=%d", identity.ID, identity.Kind, connID, transition.After.Connections)
	s.onPresence(ctx, transition)

	if transition.Before.Connections == 0 {
		s.deliverPending(ctx, identity)
	}
	return binding, nil
}

func (s *ChatService) deliverPending(ctx context.Context, recipient domain.Identity) {
	counts, err := s.messages.DeliverPending(ctx, recipient.ID)
	if err != nil {
		commonlog.Warnf("event=chat_message action=deliver_pending status=failed recipient_id=%s error=%v", recipient.ID, err)
		return
	}
	at := s.now()
	for senderID, count := range counts {
		s.notify(ctx, s.identityOf(ctx, senderID), domain.NewReceiptEvent(domain.MessageDelivered, senderID, recipient.ID, count, at))
	}
}

// Disconnect tears down connID. It is safe to call more than once.
func (s *ChatService) Disconnect(ctx context.Context, connID string, sink *Sink) {
	defer s.connections.Release(connID)
	binding, ok := s.connections.Unbind(connID)
	if !ok {
		return
	}
	if sink != nil {
		s.dispatcher.Unregister(binding.Identity, sink)
	}
	transition := s.presence.Disconnect(binding.Identity.ID)
	commonlog.Infof("event=chat_connection action=disconnect identity_id=%s connection_id=%s connections=%d", binding.Identity.ID, connID, transition.After.Connections)
	s.onPresence(ctx, transition)
}

func (s *ChatService) TrackSession(connID string, closeFn func()) bool {
	return s.connections.SetCloser(connID, closeFn)
}

func (s *ChatService) CloseSessions(ctx context.Context) error {
	closed := s.connections.CloseAll()
	err := s.connections.WaitDrained(ctx)
	status := "ok"
	if err != nil {
		status = "timeout"
	}
	commonlog.Infof("event=chat_connection action=close_all status=%s sessions=%d", status, closed)
	return err
}

func (s *ChatService) ForceOffline(ctx context.Context, identityID string) (domain.PresenceRecord, int, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return domain.PresenceRecord{}, 0, invalidArgument("identity id is required")
	}
	detached := s.connections.Detach(identityID)
	for _, session := range detached {
		if session.Sink != nil {
			s.dispatcher.Unregister(session.Binding.Identity, session.Sink)
		}
		if session.Close != nil {
			session.Close()
		}
	}
	transition := s.presence.ForceOffline(identityID)
	commonlog.Infof("event=chat_connection action=force_offline identity_id=%s connections=%d", identityID, len(detached))
	s.onPresence(ctx, transition)
	for _, session := range detached {
		s.connections.Release(session.Binding.ConnectionID)
	}
	return transition.After, len(detached), nil
}

func (s *ChatService) SetStatus(ctx context.Context, identity domain.Identity, status domain.PresenceStatus) (domain.PresenceRecord, error) {
	if err := requireIdentity(identity); err != nil {
		return domain.PresenceRecord{}, err
	}
	transition, err := s.presence.SetStatus(identity.ID, status)
	if err != nil {
		return domain.PresenceRecord{}, err
	}
	s.onPresence(ctx, transition)
	return transition.After, nil
}

func (s *ChatService) Presence(_ context.Context, ids []string) map[string]domain.PresenceRecord {
	return s.presence.BulkStatus(ids)
}

func (s *ChatService) Touch(connID string) {
	if identity, ok := s.connections.IdentityFor(connID); ok {
		s.presence.Touch(identity.ID)
	}
}

func (s *ChatService) OpenChat(ctx context.Context, connID, otherID string) error {
	identity, ok := s.connections.IdentityFor(connID)
	if !ok {
		return invalidArgument("connection %s is not bound", connID)
	}
	s.connections.SetOpenChat(connID, otherID)
	if strings.TrimSpace(otherID) == "" {
		return nil
	}
	_, err := s.MarkRead(ctx, identity, otherID)
	return err
}

func (s *ChatService) Connections() []domain.ConnectionBinding {
	return s.connections.Snapshot()
}

func (s *ChatService) Subscribe(topic string, sink *Sink) {
	if strings.TrimSpace(topic) == "" || sink == nil {
		return
	}
	s.dispatcher.Subscribe(topic, sink)
}

func (s *ChatService) Unsubscribe(topic string, sink *Sink) {
	if strings.TrimSpace(topic) == "" || sink == nil {
		return
	}
	s.dispatcher.Unsubscribe(topic, sink)
}

func (s *ChatService) onPresence(ctx context.Context, t Transition) {
	if t.Before.Status == t.After.Status && !t.Changed() {
		return
	}
	var (
		owners []string
		err    error
	)
	if t.Changed() {
		owners, err = s.aggregates.SetPresence(ctx, t.After.IdentityID, t.After.Online())
	} else {
		owners, err = s.aggregates.Watchers(ctx, t.After.IdentityID)
	}
	if err != nil {
		commonlog.Warnf("event=chat_presence action=fanout status=failed identity_id=%s error=%v", t.After.IdentityID, err)
	}
	event := domain.NewPresenceEvent(t.After, s.now())
	for _, owner := range owners {
		s.notify(ctx, s.identityOf(ctx, owner), event)
	}
	if err := s.dispatcher.Broadcast(ctx, PresenceTopic, event); err != nil {
		logDispatch(err)
	}
	commonlog.Debugf("event=chat_presence action=fanout status=ok identity_id=%s presence_status=%s fanout_count=%d", t.After.IdentityID, t.After.Status, len(owners))
}

func (s *ChatService) pushUnread(ctx context.Context, owner domain.Identity, chatID string, chatUnread uint32, at time.Time) {
	summary, err := s.aggregates.UnreadSummary(ctx, owner.ID)
	if err != nil {
		commonlog.Warnf("event=chat_aggregate action=unread_summary status=failed owner_id=%s error=%v", owner.ID, err)
		return
	}
	s.notify(ctx, owner, domain.NewUnreadEvent(summary, chatID, chatUnread, at))
}

func (s *ChatService) notify(ctx context.Context, to domain.Identity, event domain.Event) {
	if err := s.dispatcher.SendToIdentity(ctx, to, event); err != nil {
		logDispatch(err)
	}
}

func logDispatch(err error) {
	var dispatchErr *DispatchError
	if errors.As(err, &dispatchErr) && dispatchErr.Reason == reasonNoConnections {
		commonlog.Debugf("event=chat_dispatch action=send status=skipped destination=%s reason=%q", dispatchErr.Destination, dispatchErr.Reason)
		return
	}
	commonlog.Warnf("event=chat_dispatch action=send status=failed error=%v", err)
}

func (s *ChatService) identityOf(ctx context.Context, id string) domain.Identity {
	if rec := s.presence.Get(id); rec.Kind != "" {
		return domain.Identity{ID: id, Kind: rec.Kind}
	}
	if s.directory != nil {
		if info, ok, err := s.directory.DisplayInfo(ctx, id); err == nil && ok && info.Kind != "" {
			return domain.Identity{ID: id, Kind: info.Kind}
		}
	}
	return domain.Identity{ID: id, Kind: domain.IdentityCustomer}
}
