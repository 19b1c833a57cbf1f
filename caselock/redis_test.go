package caselock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TestRedis_Integration needs a live Redis at REDIS_URL.
func TestRedis_Integration(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL is empty; set it to a live Redis to run integration test")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	locks := NewRedis(client, 5*time.Second)
	key := "case:" + uuid.NewString()

	unlock, err := locks.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := locks.Lock(ctx, key); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second holder to time out, got %v", err)
	}

	unlock()
	unlock()

	again, err := locks.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("relock after release: %v", err)
	}
	again()
}
