// Package tokenstore keeps the session revocation list in Redis so every
// server instance sees a revocation as soon as it is written.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/model"
)

// raiseWatermark stores ARGV[1] only if it is newer than the current value
// and refreshes the key's expiry either way.
var raiseWatermark = redis.NewScript(`
	local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
	if tonumber(ARGV[1]) > cur then
		redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	else
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 1
`)

type Config struct {
	Prefix    string        // key namespace, default "revoked"
	CacheSize int           // revoked ids remembered locally
	CacheTTL  time.Duration // how long a local positive entry lives
}

func DefaultConfig() Config {
	return Config{Prefix: "revoked", CacheSize: 10000, CacheTTL: 5 * time.Minute}
}

// Redis is a revocation store. Revoked entries expire with the token they
// revoke. Only positive answers are cached in process: a token once seen
// revoked stays revoked, while "not revoked" is always read from Redis.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	cache  *lru.LRU[string, struct{}]
	now    func() time.Time
}

func New(rdb redis.UniversalClient, cfg Config) *Redis {
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	return &Redis{
		rdb:    rdb,
		prefix: cfg.Prefix,
		cache:  lru.NewLRU[string, struct{}](cfg.CacheSize, nil, cfg.CacheTTL),
		now:    time.Now,
	}
}

// SetClock is for tests.
func (s *Redis) SetClock(now func() time.Time) { s.now = now }

func (s *Redis) tokenKey(id string) string      { return s.prefix + ":" + id }
func (s *Redis) watermarkKey(sub string) string { return s.prefix + ":before:" + sub }

// Revoke blacklists one token until its own expiry. Revoking an expired
// token is a no-op, and revoking twice only rewrites the same entry.
func (s *Redis) Revoke(ctx context.Context, entry model.RevokedToken) error {
	if entry.TokenID == "" {
		return apperror.Validation("token id is required")
	}
	ttl := entry.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	revokedAt := entry.RevokedAt
	if revokedAt.IsZero() {
		revokedAt = s.now()
	}
	if err := s.rdb.Set(ctx, s.tokenKey(entry.TokenID), revokedAt.Unix(), ttl).Err(); err != nil {
		return apperror.Upstream(true, fmt.Errorf("revoke token: %w", err))
	}
	s.cache.Add(entry.TokenID, struct{}{})
	return nil
}

// RevokeBefore revokes every token of subject issued at or before at, to the
// millisecond. The watermark lives for maxTTL, after which every such token
// has expired.
func (s *Redis) RevokeBefore(ctx context.Context, subject string, at time.Time, maxTTL time.Duration) error {
	if subject == "" {
		return apperror.Validation("subject is required")
	}
	if maxTTL <= 0 {
		return apperror.Validation("watermark ttl must be positive")
	}
	err := raiseWatermark.Run(ctx, s.rdb, []string{s.watermarkKey(subject)},
		at.UnixMilli(), maxTTL.Milliseconds()).Err()
	if err != nil {
		return apperror.Upstream(true, fmt.Errorf("revoke sessions: %w", err))
	}
	return nil
}

// IsRevoked reports whether the token was revoked individually or by a
// subject-wide watermark. Both lookups share one round trip.
func (s *Redis) IsRevoked(ctx context.Context, tokenID, subject string, issuedAt time.Time) (bool, error) {
	if _, ok := s.cache.Get(tokenID); ok {
		return true, nil
	}
	pipe := s.rdb.Pipeline()
	exists := pipe.Exists(ctx, s.tokenKey(tokenID))
	before := pipe.Get(ctx, s.watermarkKey(subject))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, apperror.Upstream(true, fmt.Errorf("revocation lookup: %w", err))
	}

	revoked := exists.Val() > 0
	if !revoked && before.Err() == nil {
		if wm, err := strconv.ParseInt(before.Val(), 10, 64); err == nil && issuedAt.UnixMilli() <= wm {
			revoked = true
		}
	}
	if revoked {
		s.cache.Add(tokenID, struct{}{})
	}
	return revoked, nil
}
