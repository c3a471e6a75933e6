// Package redisstore tracks session liveness in redis, backing the admin
// presence view. The store stays the source of truth for sessions; this is
// a best-effort sidecar and every caller tolerates it being absent.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const activeKey = "chat:active_sessions"

type Tracker struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Tracker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Tracker{rdb: rdb}
}

func (t *Tracker) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}

func (t *Tracker) Close() error {
	return t.rdb.Close()
}

// Touch marks the session as live right now.
func (t *Tracker) Touch(ctx context.Context, sessionID string) error {
	err := t.rdb.ZAdd(ctx, activeKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: sessionID,
	}).Err()
	if err != nil {
		return fmt.Errorf("presence touch %s: %w", sessionID, err)
	}
	return nil
}

// Live returns session ids touched within the window, pruning older
// entries as a side effect.
func (t *Tracker) Live(ctx context.Context, window time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-window).UnixMilli()

	if err := t.rdb.ZRemRangeByScore(ctx, activeKey, "-inf", strconv.FormatInt(cutoff-1, 10)).Err(); err != nil {
		return nil, fmt.Errorf("presence prune: %w", err)
	}

	ids, err := t.rdb.ZRangeByScore(ctx, activeKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	return ids, nil
}
