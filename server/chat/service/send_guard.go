package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const sendIdempotencyTTL = 24 * time.Hour

// SendGuard rejects a client_msg_id already seen from the same sender.
type SendGuard interface {
	Claim(ctx context.Context, senderID, clientMsgID string) (bool, error)
	Release(ctx context.Context, senderID, clientMsgID string)
}

type RedisSendGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSendGuard(client *redis.Client) *RedisSendGuard {
	return &RedisSendGuard{client: client, ttl: sendIdempotencyTTL}
}

func sendIdempotencyKey(senderID, clientMsgID string) string {
	return "chat:idempotency:" + senderID + ":" + clientMsgID
}

func (g *RedisSendGuard) Claim(ctx context.Context, senderID, clientMsgID string) (bool, error) {
	return g.client.SetNX(ctx, sendIdempotencyKey(senderID, clientMsgID), "1", g.ttl).Result()
}

func (g *RedisSendGuard) Release(ctx context.Context, senderID, clientMsgID string) {
	_, _ = g.client.Del(ctx, sendIdempotencyKey(senderID, clientMsgID)).Result()
}
