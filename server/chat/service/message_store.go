package service

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"eventchat/server/chat/domain"
)

const MaxContentLength = 4000

type MessageStore struct {
	repo MessageRepository
	now  Clock
}

func NewMessageStore(repo MessageRepository, now Clock) *MessageStore {
	if now == nil {
		now = systemClock
	}
	return &MessageStore{repo: repo, now: now}
}

func (s *MessageStore) Send(ctx context.Context, senderID, recipientID, content, clientMsgID string) (domain.Message, error) {
	senderID = strings.TrimSpace(senderID)
	recipientID = strings.TrimSpace(recipientID)
	if senderID == "" || recipientID == "" {
		return domain.Message{}, invalidArgument("sender_id and recipient_id are required")
	}
	if senderID == recipientID {
		return domain.Message{}, invalidArgument("sender and recipient must differ")
	}
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, invalidArgument("content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return domain.Message{}, invalidArgument("content exceeds %d characters", MaxContentLength)
	}

	msg := domain.Message{
		ID:          uuid.NewString(),
		ChatID:      domain.ChatID(senderID, recipientID),
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		ClientMsgID: strings.TrimSpace(clientMsgID),
		Status:      domain.MessageSent,
		CreatedAt:   s.now(),
	}
	created, err := s.repo.CreateMessage(ctx, msg)
	if err != nil {
		return domain.Message{}, storeErr("create_message", err, nil)
	}
	return created, nil
}

func (s *MessageStore) Get(ctx context.Context, id string) (domain.Message, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Message{}, invalidArgument("message id is required")
	}
	msg, err := s.repo.GetMessage(ctx, id)
	if err != nil {
		return domain.Message{}, storeErr("get_message", err, ErrMessageNotFound)
	}
	return msg, nil
}

// History returns the conversation between a and b, oldest first.
func (s *MessageStore) History(ctx context.Context, a, b string) ([]domain.Message, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return nil, invalidArgument("both participants are required")
	}
	items, err := s.repo.ListChatMessages(ctx, domain.ChatID(a, b), a, b)
	if err != nil {
		return nil, storeErr("list_messages", err, nil)
	}
	return items, nil
}

func (s *MessageStore) MarkDelivered(ctx context.Context, senderID, recipientID string) (int, error) {
	return s.advance(ctx, senderID, recipientID, domain.MessageDelivered)
}

func (s *MessageStore) MarkRead(ctx context.Context, senderID, recipientID string) (int, error) {
	return s.advance(ctx, senderID, recipientID, domain.MessageRead)
}

func (s *MessageStore) advance(ctx context.Context, senderID, recipientID string, to domain.MessageStatus) (int, error) {
	senderID = strings.TrimSpace(senderID)
	recipientID = strings.TrimSpace(recipientID)
	if senderID == "" || recipientID == "" {
		return 0, invalidArgument("sender_id and recipient_id are required")
	}
	count, err := s.repo.AdvanceStatus(ctx, domain.ChatID(senderID, recipientID), senderID, recipientID, to, s.now())
	if err != nil {
		return 0, storeErr("advance_status", err, nil)
	}
	return count, nil
}

// DeliverPending marks everything still SENT to recipientID as DELIVERED and returns
// the number of messages advanced per sender.
func (s *MessageStore) DeliverPending(ctx context.Context, recipientID string) (map[string]int, error) {
	if strings.TrimSpace(recipientID) == "" {
		return nil, invalidArgument("recipient_id is required")
	}
	counts, err := s.repo.AdvancePendingFor(ctx, recipientID, domain.MessageDelivered, s.now())
	if err != nil {
		return nil, storeErr("deliver_pending", err, nil)
	}
	return counts, nil
}
