// ABOUTME: Redis-backed typing tracker for deployments with several gateway processes
// ABOUTME: One sorted set per thread, scored by last activity, expired by score window

package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-messaging/internal/store"
)

const defaultKeyPrefix = "coven:typing:"

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// DialRedis connects to Redis and verifies the connection with PING.
func DialRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// RedisTracker stores typing users in a sorted set per thread. Members are
// user IDs scored by their last activity in unix milliseconds; a stopped
// typer is removed from the set. The key expires after one TTL of silence.
type RedisTracker struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

// NewRedisTracker wraps an existing client. Pass nil logger for default.
func NewRedisTracker(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTracker{
		rdb:    rdb,
		ttl:    ttl,
		prefix: defaultKeyPrefix,
		now:    time.Now,
		logger: logger.With("component", "presence"),
	}
}

func (t *RedisTracker) key(threadID string) string {
	return t.prefix + threadID
}

// SetTyping records the caller's typing state for the thread.
func (t *RedisTracker) SetTyping(ctx context.Context, userID, threadID string, isTyping bool) error {
	if err := validate(userID, threadID); err != nil {
		return err
	}

	key := t.key(threadID)
	now := t.now()
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if isTyping {
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: userID})
		} else {
			pipe.ZRem(ctx, key, userID)
		}
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(now.Add(-t.ttl).UnixMilli(), 10))
		pipe.Expire(ctx, key, t.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("updating typing state: %w: %w", store.ErrTransient, err)
	}
	return nil
}

// ListTyping returns the fresh typers in the thread other than callerID.
func (t *RedisTracker) ListTyping(ctx context.Context, threadID, callerID string) ([]string, error) {
	if err := validate(callerID, threadID); err != nil {
		return nil, err
	}

	minScore := t.now().Add(-t.ttl).UnixMilli()
	users, err := t.rdb.ZRangeByScore(ctx, t.key(threadID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(minScore, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing typing users: %w: %w", store.ErrTransient, err)
	}

	typing := make([]string, 0, len(users))
	for _, u := range users {
		if u != callerID {
			typing = append(typing, u)
		}
	}
	sort.Strings(typing)
	return typing, nil
}

// Ping checks the Redis connection.
func (t *RedisTracker) Ping(ctx context.Context) error {
	if err := t.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w: %w", store.ErrTransient, err)
	}
	return nil
}

// Close closes the underlying client.
func (t *RedisTracker) Close() error {
	return t.rdb.Close()
}

// Compile-time checks.
var (
	_ Tracker = (*MemoryTracker)(nil)
	_ Tracker = (*RedisTracker)(nil)
)
