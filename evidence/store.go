// Package evidence stores dispute document content and hands back opaque
// locators.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound    = errors.New("evidence: not found")
	ErrBadLocator  = errors.New("evidence: malformed locator")
	ErrEmptyObject = errors.New("evidence: empty object")
)

const locatorScheme = "evidence://"

// newLocator derives a locator from a fresh id and the content digest so a
// locator can never silently point at different bytes.
func newLocator(blob []byte) string {
	sum := sha256.Sum256(blob)
	return locatorScheme + uuid.NewString() + "/" + hex.EncodeToString(sum[:8])
}

func parseLocator(locator string) (string, error) {
	key, ok := strings.CutPrefix(locator, locatorScheme)
	if !ok || key == "" {
		return "", fmt.Errorf("%w: %q", ErrBadLocator, locator)
	}
	return key, nil
}

// RedisStore keeps objects as plain Redis strings with an optional TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "chargeflow:evidence:", ttl: ttl}
}

func (s *RedisStore) Put(ctx context.Context, blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", ErrEmptyObject
	}
	locator := newLocator(blob)
	key, _ := parseLocator(locator)
	if err := s.client.Set(ctx, s.prefix+key, blob, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("evidence: put: %w", err)
	}
	return locator, nil
}

func (s *RedisStore) Get(ctx context.Context, locator string) ([]byte, error) {
	key, err := parseLocator(locator)
	if err != nil {
		return nil, err
	}
	blob, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return nil, fmt.Errorf("evidence: get: %w", err)
	}
	return blob, nil
}

// MemoryStore is the in-process store used when no Redis is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, blob []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(blob) == 0 {
		return "", ErrEmptyObject
	}
	locator := newLocator(blob)
	key, _ := parseLocator(locator)

	s.mu.Lock()
	s.objects[key] = append([]byte(nil), blob...)
	s.mu.Unlock()
	return locator, nil
}

func (s *MemoryStore) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := parseLocator(locator)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	blob, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	return append([]byte(nil), blob...), nil
}
