package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/fieldsync/pkg/clock"
)

func TestMemoryStoreExpiresEntries(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)

	key := store.IdempotencyKey("scope", "id")
	if ok, err := store.SetNX(ctx, key, `{"status":200}`, time.Minute); err != nil || !ok {
		t.Fatalf("setnx: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.SetNX(ctx, key, "other", time.Minute); ok {
		t.Fatalf("second setnx should not overwrite a live key")
	}
	if got, err := store.Get(ctx, key); err != nil || got != `{"status":200}` {
		t.Fatalf("unexpected value %q err=%v", got, err)
	}

	clk.Advance(time.Minute)
	if _, err := store.Get(ctx, key); err != redis.Nil {
		t.Fatalf("expected redis.Nil after ttl, got %v", err)
	}
}

func TestMemoryStoreFixedWindow(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)

	for i := 1; i <= 2; i++ {
		allowed, count, err := store.FixedWindowAllow(ctx, "upload:dev", 2, time.Minute)
		if err != nil || !allowed || count != int64(i) {
			t.Fatalf("call %d: allowed=%v count=%d err=%v", i, allowed, count, err)
		}
	}
	if allowed, _, _ := store.FixedWindowAllow(ctx, "upload:dev", 2, time.Minute); allowed {
		t.Fatalf("third call inside the window should be blocked")
	}

	clk.Advance(time.Minute)
	if allowed, count, _ := store.FixedWindowAllow(ctx, "upload:dev", 2, time.Minute); !allowed || count != 1 {
		t.Fatalf("window should reset, allowed=%v count=%d", allowed, count)
	}
}

func TestMemoryStoreKeysMatchClient(t *testing.T) {
	store := NewMemoryStore(nil)
	client := &Client{}
	if store.IdempotencyKey("a", "b") != client.IdempotencyKey("a", "b") {
		t.Fatalf("idempotency keys differ between stores")
	}
	if store.RateLimitKey("a") != client.RateLimitKey("a") {
		t.Fatalf("rate limit keys differ between stores")
	}
}
