package service

import (
	"context"
	"time"

	"eventchat/server/chat/domain"
)

type MessageRepository interface {
	CreateMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	GetMessage(ctx context.Context, id string) (domain.Message, error)
	ListChatMessages(ctx context.Context, chatID, a, b string) ([]domain.Message, error)
	AdvanceStatus(ctx context.Context, chatID, senderID, recipientID string, to domain.MessageStatus, at time.Time) (int, error)
	AdvancePendingFor(ctx context.Context, recipientID string, to domain.MessageStatus, at time.Time) (map[string]int, error)
}

// AggregateRepository persists chat aggregates keyed by (owner, other). FindByOther and
// SetOtherOnline must use an index on the other participant.
type AggregateRepository interface {
	ApplyMessage(ctx context.Context, u domain.AggregateUpdate) (domain.ChatAggregate, error)
	GetAggregate(ctx context.Context, ownerID, otherID string) (domain.ChatAggregate, error)
	ListByOwner(ctx context.Context, ownerID string) ([]domain.ChatAggregate, error)
	FindByOther(ctx context.Context, otherID string) ([]domain.ChatAggregate, error)
	ResetUnread(ctx context.Context, ownerID, otherID string) (domain.ChatAggregate, bool, error)
	SetOtherOnline(ctx context.Context, otherID string, online bool) ([]string, error)
	SetOtherTyping(ctx context.Context, ownerID, otherID string, typing bool) (bool, error)
	DeleteAggregate(ctx context.Context, ownerID, otherID string) (bool, error)
}

type PresenceRepository interface {
	SavePresence(ctx context.Context, rec domain.PresenceRecord) error
	GetPresence(ctx context.Context, identityID string) (domain.PresenceRecord, error)
	ListPresence(ctx context.Context) ([]domain.PresenceRecord, error)
}

// Directory resolves display info for users and vendors.
type Directory interface {
	DisplayInfo(ctx context.Context, id string) (domain.DisplayInfo, bool, error)
}

// TokenValidator is the auth collaborator.
type TokenValidator interface {
	ParseAuthContext(token string) (userID, role string, err error)
}

type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}
