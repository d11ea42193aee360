package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupeKeyPrefix = "idem"

// Claim is what a deduper knows about an idempotency key.
type Claim int

const (
	// ClaimFresh means the key was unknown and now belongs to the caller.
	ClaimFresh Claim = iota
	// ClaimPending means an earlier request with the key is still running.
	ClaimPending
	// ClaimDone means an earlier request with the key succeeded.
	ClaimDone
)

const (
	pendingMark = "pending"
	doneMark    = "done"
)

// Deduper records idempotency keys so a retried command is applied once.
type Deduper interface {
	// Claim records key for userID unless it is already known.
	Claim(ctx context.Context, userID, key string) (Claim, error)
	// Complete marks a claimed key as applied.
	Complete(ctx context.Context, userID, key string) error
	// Release forgets key so a failed command may be retried.
	Release(ctx context.Context, userID, key string) error
}

// RedisDeduper stores claimed keys in Redis so every instance sees them.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("%s:%s:%s", dedupeKeyPrefix, userID, key)
}

func (r *RedisDeduper) Claim(ctx context.Context, userID, key string) (Claim, error) {
	k := r.key(userID, key)
	// a key can expire between SETNX and GET; one more round settles it
	for range 2 {
		ok, err := r.client.SetNX(ctx, k, pendingMark, r.ttl).Result()
		if err != nil {
			return ClaimFresh, err
		}
		if ok {
			return ClaimFresh, nil
		}
		mark, err := r.client.Get(ctx, k).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			return ClaimFresh, err
		case mark == doneMark:
			return ClaimDone, nil
		}
		return ClaimPending, nil
	}
	return ClaimPending, nil
}

func (r *RedisDeduper) Complete(ctx context.Context, userID, key string) error {
	err := r.client.SetArgs(ctx, r.key(userID, key), doneMark, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (r *RedisDeduper) Release(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
