package vision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Budget is the per-tenant daily token counter. Counters live in Redis
// under vision:budget:{tenant}:{day} with a TTL to the end of the UTC day
// plus a grace hour, so stale keys clean themselves up.
type Budget struct {
	rdb   *redis.Client
	limit int64
}

// NewBudget creates the gate. limit <= 0 disables it.
func NewBudget(rdb *redis.Client, limit int64) *Budget {
	return &Budget{rdb: rdb, limit: limit}
}

func budgetKey(tenant string, now time.Time) string {
	return "vision:budget:" + tenant + ":" + now.UTC().Format("2006-01-02")
}

// Check reports whether estTokens fit the tenant's remaining budget today.
func (b *Budget) Check(ctx context.Context, tenant string, estTokens int64) (allowed bool, remaining int64, err error) {
	if b.limit <= 0 {
		return true, 0, nil
	}
	used, err := b.rdb.Get(ctx, budgetKey(tenant, time.Now())).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, fmt.Errorf("failed to read vision budget for %s: %w", tenant, err)
	}
	remaining = b.limit - used
	return used+estTokens <= b.limit, remaining, nil
}

// Increment atomically records used tokens and keeps the key expiring at
// the end of the day.
func (b *Budget) Increment(ctx context.Context, tenant string, usedTokens int64) error {
	if b.limit <= 0 || usedTokens <= 0 {
		return nil
	}
	now := time.Now().UTC()
	key := budgetKey(tenant, now)
	endOfDay := now.Truncate(24 * time.Hour).Add(25 * time.Hour)

	pipe := b.rdb.TxPipeline()
	pipe.IncrBy(ctx, key, usedTokens)
	pipe.ExpireAt(ctx, key, endOfDay)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment vision budget for %s: %w", tenant, err)
	}
	return nil
}
