package api

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return m, client
}

func TestRedisDeduperClaimRelease(t *testing.T) {
	m, client := newRedis(t)
	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	claim, err := deduper.Claim(ctx, "user", "k1")
	if err != nil || claim != ClaimFresh {
		t.Fatalf("expected first claim to be fresh, got %v %v", claim, err)
	}
	if claim, _ := deduper.Claim(ctx, "user", "k1"); claim != ClaimPending {
		t.Fatalf("expected a running claim to be pending, got %v", claim)
	}
	if claim, _ := deduper.Claim(ctx, "other", "k1"); claim != ClaimFresh {
		t.Fatalf("keys are scoped per user")
	}
	if !m.Exists("idem:user:k1") {
		t.Fatalf("expected namespaced redis key")
	}

	if err := deduper.Complete(ctx, "user", "k1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if claim, _ := deduper.Claim(ctx, "user", "k1"); claim != ClaimDone {
		t.Fatalf("expected a completed claim to be done, got %v", claim)
	}
	if ttl := m.TTL("idem:user:k1"); ttl != time.Minute {
		t.Fatalf("completing must keep the ttl, got %v", ttl)
	}

	if err := deduper.Release(ctx, "user", "k1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if claim, _ := deduper.Claim(ctx, "user", "k1"); claim != ClaimFresh {
		t.Fatalf("released key should be claimable again")
	}
	if err := deduper.Complete(ctx, "user", "never-claimed"); err != nil {
		t.Fatalf("completing an unknown key: %v", err)
	}
	if m.Exists("idem:user:never-claimed") {
		t.Fatalf("complete must not create keys")
	}
}

func TestRedisDeduperExpiry(t *testing.T) {
	m, client := newRedis(t)
	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()
	deduper.Claim(ctx, "user", "k1")
	m.FastForward(2 * time.Minute)
	if claim, _ := deduper.Claim(ctx, "user", "k1"); claim != ClaimFresh {
		t.Fatalf("expired key should be claimable again")
	}
}
