package tokenstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/model"
)

func setupStore(t *testing.T) (*Redis, *miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, DefaultConfig()), mr, rdb
}

func TestRevokeIsVisibleAndIdempotent(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := setupStore(t)
	now := time.Now()
	entry := model.RevokedToken{TokenID: "jti-1", RevokedAt: now, ExpiresAt: now.Add(10 * time.Minute)}

	require.NoError(t, s.Revoke(ctx, entry))
	require.NoError(t, s.Revoke(ctx, entry))

	revoked, err := s.IsRevoked(ctx, "jti-1", "sub-1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, revoked)

	ttl := mr.TTL("revoked:jti-1")
	assert.Greater(t, ttl, 9*time.Minute)
	assert.LessOrEqual(t, ttl, 10*time.Minute)
}

func TestRevokedEntryExpiresWithToken(t *testing.T) {
	ctx := context.Background()
	s, mr, rdb := setupStore(t)
	now := time.Now()

	require.NoError(t, s.Revoke(ctx, model.RevokedToken{TokenID: "jti-2", ExpiresAt: now.Add(time.Minute)}))
	mr.FastForward(2 * time.Minute)

	// A fresh instance has no local cache, so this reads Redis only.
	fresh := New(rdb, DefaultConfig())
	revoked, err := fresh.IsRevoked(ctx, "jti-2", "sub-2", now)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeExpiredTokenIsNoop(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := setupStore(t)

	err := s.Revoke(ctx, model.RevokedToken{TokenID: "old", ExpiresAt: time.Now().Add(-time.Second)})
	require.NoError(t, err)
	assert.False(t, mr.Exists("revoked:old"))
}

func TestRevokeBeforeWatermark(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := setupStore(t)
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RevokeBefore(ctx, "sub-3", at, time.Hour))

	revoked, err := s.IsRevoked(ctx, "a", "sub-3", at.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = s.IsRevoked(ctx, "b", "sub-3", at)
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = s.IsRevoked(ctx, "c", "sub-3", at.Add(time.Millisecond))
	require.NoError(t, err)
	assert.False(t, revoked)

	// Same second, later millisecond: issued after the watermark.
	revoked, err = s.IsRevoked(ctx, "e", "sub-3", at.Add(400*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, revoked)

	revoked, err = s.IsRevoked(ctx, "d", "someone-else", at.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, revoked)

	// An older watermark never lowers the stored one.
	require.NoError(t, s.RevokeBefore(ctx, "sub-3", at.Add(-time.Hour), time.Hour))
	v, err := mr.Get("revoked:before:sub-3")
	require.NoError(t, err)
	assert.Equal(t, "1780315200000", v)
}

func TestNotRevokedIsNotCached(t *testing.T) {
	ctx := context.Background()
	s, _, rdb := setupStore(t)
	now := time.Now()

	revoked, err := s.IsRevoked(ctx, "jti-4", "sub-4", now)
	require.NoError(t, err)
	assert.False(t, revoked)

	// Another instance revokes the token; this instance must see it.
	other := New(rdb, DefaultConfig())
	require.NoError(t, other.Revoke(ctx, model.RevokedToken{TokenID: "jti-4", ExpiresAt: now.Add(time.Hour)}))

	revoked, err = s.IsRevoked(ctx, "jti-4", "sub-4", now)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestStoreFailureIsUpstream(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := setupStore(t)
	mr.Close()

	_, err := s.IsRevoked(ctx, "jti-5", "sub-5", time.Now())
	assert.ErrorIs(t, err, apperror.ErrUpstream)
}
