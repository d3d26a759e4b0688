package domain

import "time"

type EventKind string

const (
	EventMessageNew       EventKind = "message.new"
	EventMessageAck       EventKind = "message.ack"
	EventMessageDelivered EventKind = "message.delivered"
	EventMessageRead      EventKind = "message.read"
	EventTypingStart      EventKind = "typing.start"
	EventTypingStop       EventKind = "typing.stop"
	EventPresenceChanged  EventKind = "presence.changed"
	EventUnreadUpdated    EventKind = "unread.updated"
	EventError            EventKind = "error"
	EventHeartbeat        EventKind = "heartbeat"
)

// Event is the payload pushed to connected clients. Only the fields relevant to Kind are set.
type Event struct {
	Kind        EventKind       `json:"type"`
	At          time.Time       `json:"at"`
	ChatID      string          `json:"chat_id,omitempty"`
	SenderID    string          `json:"sender_id,omitempty"`
	RecipientID string          `json:"recipient_id,omitempty"`
	Message     *Message        `json:"message,omitempty"`
	Count       int             `json:"count,omitempty"`
	Presence    *PresenceRecord `json:"presence,omitempty"`
	Unread      *UnreadSummary  `json:"unread,omitempty"`
	ChatUnread  *uint32         `json:"chat_unread,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func NewMessageEvent(msg Message, at time.Time) Event {
	return Event{Kind: EventMessageNew, At: at, ChatID: msg.ChatID, SenderID: msg.SenderID, RecipientID: msg.RecipientID, Message: &msg}
}

func NewMessageAckEvent(msg Message, at time.Time) Event {
	return Event{Kind: EventMessageAck, At: at, ChatID: msg.ChatID, SenderID: msg.SenderID, RecipientID: msg.RecipientID, Message: &msg}
}

// NewReceiptEvent tells the original sender that recipientID advanced count messages to status.
func NewReceiptEvent(status MessageStatus, senderID, recipientID string, count int, at time.Time) Event {
	kind := EventMessageDelivered
	if status == MessageRead {
		kind = EventMessageRead
	}
	return Event{Kind: kind, At: at, ChatID: ChatID(senderID, recipientID), SenderID: senderID, RecipientID: recipientID, Count: count}
}

func NewTypingEvent(senderID, recipientID string, typing bool, at time.Time) Event {
	kind := EventTypingStop
	if typing {
		kind = EventTypingStart
	}
	return Event{Kind: kind, At: at, ChatID: ChatID(senderID, recipientID), SenderID: senderID, RecipientID: recipientID}
}

func NewPresenceEvent(record PresenceRecord, at time.Time) Event {
	return Event{Kind: EventPresenceChanged, At: at, SenderID: record.IdentityID, Presence: &record}
}

func NewUnreadEvent(summary UnreadSummary, chatID string, chatUnread uint32, at time.Time) Event {
	return Event{Kind: EventUnreadUpdated, At: at, ChatID: chatID, RecipientID: summary.OwnerID, Unread: &summary, ChatUnread: &chatUnread}
}

func NewErrorEvent(message string, at time.Time) Event {
	return Event{Kind: EventError, At: at, Error: message}
}

func NewHeartbeatEvent(at time.Time) Event {
	return Event{Kind: EventHeartbeat, At: at}
}
