package domain

import (
	"strconv"
	"strings"
	"time"
)

const chatIDSeparator = "_"

// ChatID returns the order-independent identifier of the conversation between a and b.
// The length prefix keeps ids that contain the separator from colliding.
func ChatID(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a > b {
		a, b = b, a
	}
	return strconv.Itoa(len(a)) + ":" + a + chatIDSeparator + b
}

// Between reports whether m was exchanged by a and b, in either direction.
func (m Message) Between(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	return (m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a)
}

type IdentityKind string

const (
	IdentityCustomer IdentityKind = "customer"
	IdentityVendor   IdentityKind = "vendor"
)

func ParseIdentityKind(raw string) (IdentityKind, bool) {
	switch IdentityKind(strings.ToLower(strings.TrimSpace(raw))) {
	case IdentityCustomer, "user":
		return IdentityCustomer, true
	case IdentityVendor:
		return IdentityVendor, true
	default:
		return "", false
	}
}

type Identity struct {
	ID   string       `json:"id"`
	Kind IdentityKind `json:"kind"`
}

func (i Identity) Valid() bool {
	return strings.TrimSpace(i.ID) != "" && (i.Kind == IdentityCustomer || i.Kind == IdentityVendor)
}

type Message struct {
	ID          string        `json:"id"`
	ChatID      string        `json:"chat_id"`
	SenderID    string        `json:"sender_id"`
	RecipientID string        `json:"recipient_id"`
	Content     string        `json:"content"`
	ClientMsgID string        `json:"client_msg_id,omitempty"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
	ReadAt      *time.Time    `json:"read_at,omitempty"`
	Sealed      bool          `json:"sealed,omitempty"`
}

type ChatAggregate struct {
	OwnerID           string       `json:"owner_id"`
	OtherID           string       `json:"other_id"`
	OtherName         string       `json:"other_name"`
	OtherType         IdentityKind `json:"other_type"`
	OtherAvatar       string       `json:"other_avatar,omitempty"`
	ChatID            string       `json:"chat_id"`
	LastMessage       string       `json:"last_message"`
	LastMessageSender string       `json:"last_message_sender"`
	LastMessageAt     time.Time    `json:"last_message_at"`
	UnreadCount       uint32       `json:"unread_count"`
	OtherOnline       bool         `json:"other_online"`
	OtherTyping       bool         `json:"other_typing"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

type UnreadSummary struct {
	OwnerID         string `json:"owner_id"`
	TotalUnread     uint64 `json:"total_unread"`
	ChatsWithUnread int    `json:"chats_with_unread"`
}

type DisplayInfo struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Kind      IdentityKind `json:"kind"`
	AvatarURL string       `json:"avatar_url,omitempty"`
	Email     string       `json:"-"`
}

type PresenceRecord struct {
	IdentityID   string         `json:"identity_id"`
	Kind         IdentityKind   `json:"kind"`
	Status       PresenceStatus `json:"status"`
	Connections  uint32         `json:"connections"`
	LastSeen     time.Time      `json:"last_seen"`
	LastActivity time.Time      `json:"last_activity"`
}

func (p PresenceRecord) Online() bool {
	return p.Status == PresenceOnline && p.Connections > 0
}

type ConnectionBinding struct {
	ConnectionID string    `json:"connection_id"`
	Identity     Identity  `json:"identity"`
	OpenChatWith string    `json:"open_chat_with,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// AggregateUpdate carries one side's projection of a newly stored message.
type AggregateUpdate struct {
	OwnerID         string
	OtherID         string
	ChatID          string
	Content         string
	SenderID        string
	At              time.Time
	IncrementUnread bool
	Other           *DisplayInfo
}
