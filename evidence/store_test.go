package evidence

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryStore_PutGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	blob := []byte("receipt bytes")

	locator, err := store.Put(ctx, blob)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(locator, "evidence://") {
		t.Fatalf("unexpected locator %q", locator)
	}

	blob[0] = 'X'
	got, err := store.Get(ctx, locator)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "receipt bytes" {
		t.Fatalf("stored content aliased caller buffer: %q", got)
	}

	other, _ := store.Put(ctx, []byte("receipt bytes"))
	if other == locator {
		t.Fatalf("identical content must get a fresh locator")
	}
}

func TestMemoryStore_Errors(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Put(ctx, nil); !errors.Is(err, ErrEmptyObject) {
		t.Fatalf("expected ErrEmptyObject, got %v", err)
	}
	if _, err := store.Get(ctx, "s3://bucket/key"); !errors.Is(err, ErrBadLocator) {
		t.Fatalf("expected ErrBadLocator, got %v", err)
	}
	if _, err := store.Get(ctx, "evidence://missing/00"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := store.Put(cancelled, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// TestRedisStore_Integration needs a live Redis at REDIS_URL.
func TestRedisStore_Integration(t *testing.T) {
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

	store := NewRedisStore(client, time.Minute)
	ctx := context.Background()
	locator, err := store.Put(ctx, []byte("statement"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(ctx, locator)
	if err != nil || !bytes.Equal(got, []byte("statement")) {
		t.Fatalf("get: %q %v", got, err)
	}
	if _, err := store.Get(ctx, "evidence://"+"absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
