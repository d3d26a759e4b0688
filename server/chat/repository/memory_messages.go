package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"eventchat/server/chat/domain"
)

// MemoryMessages is an in-process message log indexed by id, chat and recipient.
type MemoryMessages struct {
	mu          sync.RWMutex
	byID        map[string]*domain.Message
	byChat      map[string][]string
	byRecipient map[string][]string
	byClientID  map[string]string
}

func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{
		byID:        map[string]*domain.Message{},
		byChat:      map[string][]string{},
		byRecipient: map[string][]string{},
		byClientID:  map[string]string{},
	}
}

func clientKey(senderID, clientMsgID string) string {
	return senderID + "\x00" + clientMsgID
}

func (r *MemoryMessages) CreateMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[msg.ID]; ok {
		return domain.Message{}, fmt.Errorf("message %s: %w", msg.ID, domain.ErrDuplicate)
	}
	if msg.ClientMsgID != "" {
		key := clientKey(msg.SenderID, msg.ClientMsgID)
		if _, ok := r.byClientID[key]; ok {
			return domain.Message{}, fmt.Errorf("client_msg_id %s: %w", msg.ClientMsgID, domain.ErrDuplicate)
		}
		r.byClientID[key] = msg.ID
	}
	stored := msg
	r.byID[msg.ID] = &stored
	r.byChat[msg.ChatID] = append(r.byChat[msg.ChatID], msg.ID)
	r.byRecipient[msg.RecipientID] = append(r.byRecipient[msg.RecipientID], msg.ID)
	return stored, nil
}

func (r *MemoryMessages) GetMessage(_ context.Context, id string) (domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msg, ok := r.byID[id]
	if !ok {
		return domain.Message{}, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	return *msg, nil
}

func (r *MemoryMessages) ListChatMessages(_ context.Context, chatID, a, b string) ([]domain.Message, error) {
	r.mu.RLock()
	ids := r.byChat[chatID]
	items := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		if msg := r.byID[id]; msg.Between(a, b) {
			items = append(items, *msg)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (r *MemoryMessages) AdvanceStatus(_ context.Context, chatID, senderID, recipientID string, to domain.MessageStatus, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, id := range r.byChat[chatID] {
		msg := r.byID[id]
		if msg.SenderID != senderID || msg.RecipientID != recipientID {
			continue
		}
		if advance(msg, to, at) {
			count++
		}
	}
	return count, nil
}

func (r *MemoryMessages) AdvancePendingFor(_ context.Context, recipientID string, to domain.MessageStatus, at time.Time) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := map[string]int{}
	for _, id := range r.byRecipient[recipientID] {
		msg := r.byID[id]
		if advance(msg, to, at) {
			counts[msg.SenderID]++
		}
	}
	return counts, nil
}

func advance(msg *domain.Message, to domain.MessageStatus, at time.Time) bool {
	next, ok := msg.Status.Advance(to)
	if !ok {
		return false
	}
	msg.Status = next
	stamp := at
	if msg.DeliveredAt == nil {
		msg.DeliveredAt = &stamp
	}
	if next == domain.MessageRead {
		msg.ReadAt = &stamp
	}
	return true
}
