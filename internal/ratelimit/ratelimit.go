package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/etrivia/internal/errors"
)

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
	// Limit is the number of hits allowed per rolling Window.
	Limit  int
	Window time.Duration
	Now    func() time.Time
}

// Limiter is a sliding-window counter keyed by an arbitrary identity, backed by a Redis sorted set.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func New(c Config) *Limiter {
	if c.Now == nil {
		c.Now = time.Now
	}

	return &Limiter{
		redis:  c.Redis,
		prefix: c.Prefix,
		limit:  c.Limit,
		window: c.Window,
		now:    c.Now,
	}
}

// Hit is a counted request. Undo gives its slot back.
type Hit struct {
	key    string
	member string
}

// Allow records a hit for key and fails with ResourceExhausted once the window holds more than Limit hits.
// A rejected hit is not counted.
func (l *Limiter) Allow(ctx context.Context, key string) (Hit, error) {
	now := l.now()
	h := Hit{key: l.key(key), member: uuid.NewString()}

	var card *redis.IntCmd
	_, err := l.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, h.key, "-inf", strconv.FormatInt(now.Add(-l.window).UnixMilli(), 10))
		p.ZAdd(ctx, h.key, redis.Z{Score: float64(now.UnixMilli()), Member: h.member})
		card = p.ZCard(ctx, h.key)
		p.Expire(ctx, h.key, l.window)
		return nil
	})
	if err != nil {
		return Hit{}, fmt.Errorf("ratelimit: %s: %w", key, err)
	}

	if card.Val() <= int64(l.limit) {
		return h, nil
	}

	if err := l.Undo(ctx, h); err != nil {
		return Hit{}, err
	}

	return Hit{}, errors.New(errors.CodeResourceExhausted,
		errors.WithReason(errors.ReasonRateLimited),
		errors.WithMessagef("limit of %d per %s reached", l.limit, l.window))
}

// Undo removes a hit from its window. Undoing the zero Hit is a no-op.
func (l *Limiter) Undo(ctx context.Context, h Hit) error {
	if h.member == "" {
		return nil
	}
	if err := l.redis.ZRem(ctx, h.key, h.member).Err(); err != nil {
		return fmt.Errorf("ratelimit: undo %s: %w", h.key, err)
	}
	return nil
}

func (l *Limiter) key(key string) string {
	return fmt.Sprintf("%s:ratelimit:%s", l.prefix, key)
}
