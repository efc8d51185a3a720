package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/xraph/notifly/ratelimit"
	"github.com/xraph/notifly/store/redis"
)

func ctx() context.Context { return context.Background() }

// newStore connects to NOTIFLY_TEST_REDIS_URL and skips when it is unset.
func newStore(t *testing.T) *redis.WindowStore {
	t.Helper()
	url := os.Getenv("NOTIFLY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("NOTIFLY_TEST_REDIS_URL not set")
	}
	kvs, err := redis.Open(ctx(), redis.ConnectConfig{URL: url, ConnectTimeout: 5 * time.Second, RetryAttempts: 3, RetryInterval: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	s := redis.New(kvs)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSlideEnforcesLimit(t *testing.T) {
	s := newStore(t)
	key := ratelimit.Key("tenant-"+time.Now().Format("150405.000000"), "default")
	t.Cleanup(func() { s.Client().Del(ctx(), key) })

	now := time.Now()
	for i := range 3 {
		res, err := s.Slide(ctx(), key, now.Add(time.Duration(i)*time.Second), time.Minute, 3, 61*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Allowed || res.Count != i+1 {
			t.Fatalf("request %d: unexpected %+v", i, res)
		}
	}

	res, err := s.Slide(ctx(), key, now.Add(3*time.Second), time.Minute, 3, 61*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.Oldest.UnixMilli() != now.UnixMilli() {
		t.Fatalf("expected rejection anchored at the oldest entry, got %+v", res)
	}

	// Once the oldest entry leaves the window there is room again.
	res, err = s.Slide(ctx(), key, now.Add(time.Minute), time.Minute, 3, 61*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Fatalf("expected admission after the window slid, got %+v", res)
	}
}

func TestLimiterOverRedis(t *testing.T) {
	s := newStore(t)
	tenant := "tenant-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { s.Client().Del(ctx(), ratelimit.Key(tenant, "default")) })

	l := ratelimit.New(s, ratelimit.WithDefault(ratelimit.Config{RequestsPerMinute: 2}))
	for range 2 {
		res, err := l.Check(ctx(), tenant, "default")
		if err != nil || !res.Allowed {
			t.Fatalf("expected admission, got %+v %v", res, err)
		}
	}
	res, err := l.Check(ctx(), tenant, "default")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.RetryAfter <= 0 {
		t.Fatalf("expected rejection with retry-after, got %+v", res)
	}
}
