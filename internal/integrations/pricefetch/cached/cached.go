package cached

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/cache/rediscache"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/integrations/pricefetch"
	"github.com/pkg/errors"
)

var ErrRateLimited = errors.New("price gateway rate limit exceeded")

type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Client caches gateway responses per URL set and keeps gateway calls under a shared
// per-minute budget.
type Client struct {
	next    pricefetch.Client
	cache   BytesCache
	limiter Limiter

	ttl         time.Duration
	limitPerMin int64
	scope       string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(next pricefetch.Client, cache BytesCache, limiter Limiter) *Client {
	return &Client{
		next:        next,
		cache:       cache,
		limiter:     limiter,
		ttl:         10 * time.Minute,
		limitPerMin: 30,
		scope:       "pricefetch",
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func (c *Client) WithLimits(ttl time.Duration, perMinute int) *Client {
	if ttl > 0 {
		c.ttl = ttl
	}
	if perMinute > 0 {
		c.limitPerMin = int64(perMinute)
	}
	return c
}

// CacheKey is order-insensitive over urls.
func CacheKey(urls []string) string {
	sorted := append([]string(nil), urls...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return "pricefetch:" + hex.EncodeToString(sum[:])
}

func (c *Client) FetchBatch(ctx context.Context, urls []string) ([]json.RawMessage, error) {
	key := CacheKey(urls)

	if c.cache != nil {
		b, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			slog.Warn("price cache get", "error", err.Error())
		} else if ok {
			var items []json.RawMessage
			if err := json.Unmarshal(b, &items); err == nil {
				return items, nil
			}
		}
	}

	if err := c.waitForBudget(ctx); err != nil {
		return nil, err
	}

	items, err := c.next.FetchBatch(ctx, urls)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if b, err := json.Marshal(items); err == nil {
			if err := c.cache.Set(ctx, key, b, c.ttl); err != nil {
				slog.Warn("price cache set", "error", err.Error())
			}
		}
	}
	return items, nil
}

func (c *Client) waitForBudget(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	for attempt := 0; attempt < 2; attempt++ {
		now := c.now()
		ok, n, err := c.limiter.Allow(ctx, rediscache.MinuteKey(c.scope, now), c.limitPerMin, time.Minute)
		if err != nil {
			// limiter outage must not stop price checks
			slog.Warn("gateway rate limit check", "error", err.Error())
			return nil
		}
		if ok {
			return nil
		}
		if attempt == 1 {
			break
		}
		wait := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
		slog.Info("gateway rate limit reached, waiting for next window", "count", n, "wait", wait.String())
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return ErrRateLimited
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
