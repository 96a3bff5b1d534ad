// Package ratelimit implements fixed-window request limits shared by every
// server instance through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/config"
	"github.com/iliyamo/ewaste-tracker/internal/metrics"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // time left in the current window
}

// Limiter counts requests per (class, identity) in fixed windows. The window
// bucket is derived from the clock at increment time, so rollover needs no
// background work: a new window is simply a new key.
type Limiter struct {
	rdb redis.UniversalClient
	cfg config.RateLimitConfig
	log logrus.FieldLogger
	now func() time.Time
}

func New(rdb redis.UniversalClient, cfg config.RateLimitConfig, log logrus.FieldLogger) *Limiter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "rl"
	}
	return &Limiter{rdb: rdb, cfg: cfg, log: log, now: time.Now}
}

// SetClock is for tests.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Allow counts one request for identity in class. A denied request returns
// a RateLimited error carrying the retry-after. A store failure lets the
// request through.
func (l *Limiter) Allow(ctx context.Context, class config.RouteClass, identity string) (Decision, error) {
	w, ok := l.cfg.Classes[class]
	if !ok || !l.cfg.Enabled || l.cfg.Bypass || l.rdb == nil {
		return Decision{Allowed: true, Limit: w.Limit, Remaining: w.Limit}, nil
	}

	window := max(w.Window, config.MinWindow).Milliseconds()
	now := l.now()
	bucket := now.UnixMilli() / window
	resetAt := time.UnixMilli((bucket + 1) * window)
	retryAfter := resetAt.Sub(now)
	key := l.key(class, identity, bucket)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// slack keeps the key alive past the window under clock skew
	pipe.PExpire(ctx, key, retryAfter+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RateLimitErrors.Inc()
		l.log.WithError(err).WithField("class", class).Warn("rate limiter unavailable, allowing request")
		return Decision{Allowed: true, Limit: w.Limit, Remaining: w.Limit}, nil
	}

	count := int(incr.Val())
	d := Decision{
		Allowed:    count <= w.Limit,
		Limit:      w.Limit,
		Remaining:  w.Limit - count,
		RetryAfter: retryAfter,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		metrics.RateLimited.WithLabelValues(string(class)).Inc()
		return d, apperror.RateLimited(retryAfter)
	}
	return d, nil
}

func (l *Limiter) key(class config.RouteClass, identity string, bucket int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", l.cfg.Prefix, class, identity, bucket)
}
