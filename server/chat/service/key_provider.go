package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sync/singleflight"
)

const (
	ChatKeySize      = chacha20poly1305.KeySize
	chatKeyKeyPrefix = "chat:key:"
)

var ErrSealedTooShort = errors.New("sealed payload too short")

type sharedKeys interface {
	Claim(ctx context.Context, chatID string, candidate []byte) ([]byte, error)
	Load(ctx context.Context, chatID string) ([]byte, bool, error)
}

// KeyProvider hands out one symmetric key per chat. Concurrent first callers for a
// chat always receive the same key. With redis configured the key is shared across
// instances through SETNX.
type KeyProvider struct {
	mu     sync.RWMutex
	keys   map[string][]byte
	shared sharedKeys
	group  singleflight.Group
}

func NewKeyProvider(redisClient *redis.Client) *KeyProvider {
	p := &KeyProvider{keys: map[string][]byte{}}
	if redisClient != nil {
		p.shared = redisKeys{client: redisClient}
	}
	return p
}

func (p *KeyProvider) cached(chatID string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	key, ok := p.keys[chatID]
	return key, ok
}

func (p *KeyProvider) remember(chatID string, key []byte) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.keys[chatID]; ok {
		return existing
	}
	p.keys[chatID] = key
	return key
}

func (p *KeyProvider) GetOrCreate(ctx context.Context, chatID string) ([]byte, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, invalidArgument("chat id is required")
	}
	if key, ok := p.cached(chatID); ok {
		return clone(key), nil
	}
	v, err, _ := p.group.Do(chatID, func() (any, error) {
		if key, ok := p.cached(chatID); ok {
			return key, nil
		}
		key := make([]byte, ChatKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate chat key: %w", err)
		}
		if p.shared != nil {
			shared, err := p.shared.Claim(ctx, chatID, key)
			if err != nil {
				return nil, &StoreError{Op: "claim_chat_key", Err: err}
			}
			key = shared
		}
		return p.remember(chatID, key), nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]byte)), nil
}

func (p *KeyProvider) Get(ctx context.Context, chatID string) ([]byte, bool, error) {
	if key, ok := p.cached(chatID); ok {
		return clone(key), true, nil
	}
	if p.shared == nil {
		return nil, false, nil
	}
	existing, ok, err := p.shared.Load(ctx, chatID)
	if err != nil {
		return nil, false, &StoreError{Op: "get_chat_key", Err: err}
	}
	if !ok {
		return nil, false, nil
	}
	return clone(p.remember(chatID, existing)), true, nil
}

// redisKeys keeps chat keys without expiry so they live as long as the in-process
// copies do.
type redisKeys struct {
	client *redis.Client
}

func (r redisKeys) Claim(ctx context.Context, chatID string, candidate []byte) ([]byte, error) {
	redisKey := chatKeyKeyPrefix + chatID
	ok, err := r.client.SetNX(ctx, redisKey, candidate, 0).Result()
	if err != nil {
		return nil, err
	}
	if ok {
		return candidate, nil
	}
	existing, err := r.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		return nil, err
	}
	if len(existing) != ChatKeySize {
		return nil, fmt.Errorf("stored key for %s has %d bytes", chatID, len(existing))
	}
	return existing, nil
}

func (r redisKeys) Load(ctx context.Context, chatID string) ([]byte, bool, error) {
	existing, err := r.client.Get(ctx, chatKeyKeyPrefix+chatID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Seal encrypts plaintext with XChaCha20-Poly1305 and prepends the random nonce.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func Open(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedTooShort
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
