// Package redis implements ratelimit.WindowStore on Redis sorted sets via
// Grove KV, so that every API replica shares one sliding window per
// (tenant, credential).
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/grove/kv"
	"github.com/xraph/grove/kv/drivers/redisdriver"

	"github.com/xraph/notifly/ratelimit"
)

// compile-time interface check
var _ ratelimit.WindowStore = (*WindowStore)(nil)

// ErrNotReady is returned by Open when every attempt failed.
var ErrNotReady = errors.New("notifly/redis: server not ready")

// slideScript trims the window, admits one entry when there is room and
// reports {allowed, count, oldestScore}. Running it server-side keeps the
// check-and-insert atomic across replicas.
var slideScript = goredis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < tonumber(ARGV[3]) then
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5])
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	count = count + 1
	allowed = 1
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local score = '0'
if oldest[2] then
	score = oldest[2]
end
return {allowed, count, score}
`)

// WindowStore implements ratelimit.WindowStore using Redis via Grove KV.
type WindowStore struct {
	kv  *kv.Store
	rdb goredis.UniversalClient
}

// New creates a window store backed by Grove KV.
func New(store *kv.Store) *WindowStore {
	return &WindowStore{
		kv:  store,
		rdb: redisdriver.UnwrapClient(store),
	}
}

// Client returns the underlying Redis client.
func (s *WindowStore) Client() goredis.UniversalClient { return s.rdb }

// ConnectConfig controls Open.
type ConnectConfig struct {
	URL            string
	ConnectTimeout time.Duration
	RetryAttempts  int
	RetryInterval  time.Duration
}

// Open opens a Grove KV store on the redis driver and pings it, retrying until
// the attempts are exhausted or the connect timeout elapses.
func Open(ctx context.Context, cfg ConnectConfig) (*kv.Store, error) {
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	if _, err := goredis.ParseURL(cfg.URL); err != nil {
		return nil, fmt.Errorf("notifly/redis: parse url: %w", err)
	}

	for range max(cfg.RetryAttempts, 1) {
		drv := redisdriver.New()
		if err := drv.Open(ctx, cfg.URL); err == nil {
			store, err := kv.Open(drv)
			if err == nil {
				if err = store.Ping(ctx); err == nil {
					return store, nil
				}
				_ = store.Close()
			}
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrNotReady
}

// Slide implements ratelimit.WindowStore.
func (s *WindowStore) Slide(ctx context.Context, key string, now time.Time, window time.Duration, limit int, ttl time.Duration) (ratelimit.SlideResult, error) {
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	raw, err := slideScript.Run(ctx, s.rdb, []string{key},
		nowMs,
		now.Add(-window).UnixMilli(),
		limit,
		ttl.Milliseconds(),
		member,
	).Slice()
	if err != nil {
		return ratelimit.SlideResult{}, fmt.Errorf("notifly/redis: slide %s: %w", key, err)
	}
	return parseSlide(raw)
}

// Ping checks Redis connectivity.
func (s *WindowStore) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

// Close closes the KV store.
func (s *WindowStore) Close() error {
	return s.kv.Close()
}

func parseSlide(raw []any) (ratelimit.SlideResult, error) {
	if len(raw) != 3 {
		return ratelimit.SlideResult{}, fmt.Errorf("notifly/redis: unexpected slide reply of %d elements", len(raw))
	}
	allowed, ok1 := raw[0].(int64)
	count, ok2 := raw[1].(int64)
	score, ok3 := raw[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return ratelimit.SlideResult{}, fmt.Errorf("notifly/redis: unexpected slide reply %v", raw)
	}
	oldestMs, err := strconv.ParseFloat(score, 64)
	if err != nil {
		return ratelimit.SlideResult{}, fmt.Errorf("notifly/redis: parse oldest score %q: %w", score, err)
	}

	res := ratelimit.SlideResult{Allowed: allowed == 1, Count: int(count)}
	if oldestMs > 0 {
		res.Oldest = time.UnixMilli(int64(oldestMs))
	}
	return res, nil
}
