package service

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	RedisDispatchChannel = "chat:dispatch"
	NATSDispatchSubject  = "chat.dispatch"
)

type RedisBroker struct {
	client  *redis.Client
	channel string
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client, channel: RedisDispatchChannel}
}

func (b *RedisBroker) Name() string { return "redis" }

func (b *RedisBroker) Publish(ctx context.Context, payload []byte) error {
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, handle func([]byte)) (func(), error) {
	if b.client == nil {
		return nil, errors.New("redis client is nil")
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := b.client.Subscribe(subCtx, b.channel)
	if _, err := sub.Receive(subCtx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, err
	}
	go func() {
		for {
			msg, err := sub.ReceiveMessage(subCtx)
			if err != nil {
				return
			}
			handle([]byte(msg.Payload))
		}
	}()
	return func() {
		cancel()
		_ = sub.Close()
	}, nil
}

type NATSBroker struct {
	conn    *nats.Conn
	subject string
}

func NewNATSBroker(conn *nats.Conn) *NATSBroker {
	return &NATSBroker{conn: conn, subject: NATSDispatchSubject}
}

func (b *NATSBroker) Name() string { return "nats" }

func (b *NATSBroker) Publish(_ context.Context, payload []byte) error {
	return b.conn.Publish(b.subject, payload)
}

func (b *NATSBroker) Subscribe(_ context.Context, handle func([]byte)) (func(), error) {
	if b.conn == nil {
		return nil, errors.New("nats connection is nil")
	}
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		handle(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
