package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"eventchat/server/chat/domain"
)

const (
	EventsExchange        = "chat.events"
	RoutingMessageCreated = "message.created"
	RoutingMessageRead    = "message.read"
)

// EventPublisher emits domain events for downstream consumers (analytics, order
// services). A nil publisher is valid and publishes nothing.
type EventPublisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

type AMQPPublisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	now     Clock
}

func NewAMQPPublisher(conn *amqp.Connection) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, channel: ch, now: systemClock}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil {
		return amqp.ErrClosed
	}
	return p.channel.PublishWithContext(ctx, EventsExchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    p.now(),
	})
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
}

type messageCreatedEvent struct {
	Event       string    `json:"event"`
	MessageID   string    `json:"message_id"`
	ChatID      string    `json:"chat_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

func newMessageCreatedEvent(msg domain.Message) messageCreatedEvent {
	return messageCreatedEvent{
		Event:       RoutingMessageCreated,
		MessageID:   msg.ID,
		ChatID:      msg.ChatID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Body:        msg.Content,
		CreatedAt:   msg.CreatedAt,
	}
}

type messageReadEvent struct {
	Event    string    `json:"event"`
	ChatID   string    `json:"chat_id"`
	SenderID string    `json:"sender_id"`
	ReaderID string    `json:"reader_id"`
	Count    int       `json:"count"`
	ReadAt   time.Time `json:"read_at"`
}
