package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/tenantledger/internal/apperr"
	"github.com/punchamoorthee/tenantledger/internal/cache"
	"github.com/punchamoorthee/tenantledger/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validKey = "credit-u1-000000000001"

func tenantCtx(id string) context.Context {
	return tenant.WithID(context.Background(), id)
}

func counting(calls *int32, resp Response, err error) Operation {
	return func(ctx context.Context) (Response, error) {
		atomic.AddInt32(calls, 1)
		return resp, err
	}
}

// setOnlyCache hides Memory.Add so the guard takes the plain Get/Set path.
type setOnlyCache struct {
	cache.Cache
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("cache unavailable")
}
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("cache unavailable")
}
func (brokenCache) Del(context.Context, string) error { return errors.New("cache unavailable") }

func TestGuard_MissingKey(t *testing.T) {
	g := NewGuard(cache.NewMemory(), Config{}, nil)
	var calls int32

	_, _, err := g.Do(tenantCtx("t1"), "", Options{Required: true}, counting(&calls, Response{Status: 201}, nil))
	assert.ErrorIs(t, err, apperr.ErrIdempotencyKeyRequired)
	assert.Zero(t, calls)

	resp, replayed, err := g.Do(tenantCtx("t1"), "", Options{}, counting(&calls, Response{Status: 201}, nil))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 201, resp.Status)
	assert.EqualValues(t, 1, calls)
}

func TestGuard_InvalidKeys(t *testing.T) {
	g := NewGuard(cache.NewMemory(), Config{}, nil)
	cases := map[string]string{
		"too short":    "short-key",
		"too long":     strings.Repeat("a", 257),
		"bad charset":  "credit u1 with spaces!!",
		"unicode char": "crédit-u1-0000000000",
	}
	for name, key := range cases {
		t.Run(name, func(t *testing.T) {
			var calls int32
			_, _, err := g.Do(tenantCtx("t1"), key, Options{Required: true}, counting(&calls, Response{Status: 201}, nil))
			assert.ErrorIs(t, err, apperr.ErrIdempotencyKeyInvalid)
			assert.Zero(t, calls)
		})
	}

	assert.True(t, ValidKey(strings.Repeat("a", 16)))
	assert.True(t, ValidKey(strings.Repeat("Z", 256)))
}

func TestGuard_RequiresTenant(t *testing.T) {
	g := NewGuard(cache.NewMemory(), Config{}, nil)
	var calls int32
	_, _, err := g.Do(context.Background(), validKey, Options{Required: true}, counting(&calls, Response{Status: 201}, nil))
	assert.ErrorIs(t, err, apperr.ErrTenantContextMissing)
	assert.Zero(t, calls)
}

func TestGuard_ReplayReturnsIdenticalResponse(t *testing.T) {
	for name, c := range map[string]cache.Cache{
		"add cache": cache.NewMemory(),
		"set only":  setOnlyCache{cache.NewMemory()},
	} {
		t.Run(name, func(t *testing.T) {
			g := NewGuard(c, Config{}, nil)
			var calls int32
			want := Response{Status: 201, ContentType: "application/json", Body: []byte(`{"pending":"100"}`)}

			first, replayed, err := g.Do(tenantCtx("t1"), validKey, Options{Required: true}, counting(&calls, want, nil))
			require.NoError(t, err)
			assert.False(t, replayed)

			second, replayed, err := g.Do(tenantCtx("t1"), validKey, Options{Required: true}, counting(&calls, Response{Status: 500}, nil))
			require.NoError(t, err)
			assert.True(t, replayed)
			assert.Equal(t, first, second)
			assert.Equal(t, want.Body, second.Body)
			assert.EqualValues(t, 1, calls)
		})
	}
}

func TestGuard_KeysAreScopedPerTenant(t *testing.T) {
	g := NewGuard(cache.NewMemory(), Config{}, nil)
	var calls int32
	op := counting(&calls, Response{Status: 201}, nil)

	_, _, err := g.Do(tenantCtx("t1"), validKey, Options{}, op)
	require.NoError(t, err)
	_, replayed, err := g.Do(tenantCtx("t2"), validKey, Options{}, op)
	require.NoError(t, err)

	assert.False(t, replayed)
	assert.EqualValues(t, 2, calls)
}

func TestGuard_ConcurrentDuplicateRejected(t *testing.T) {
	g := NewGuard(cache.NewMemory(), Config{}, nil)
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})

	slow := func(ctx context.Context) (Response, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return Response{Status: 201}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := g.Do(tenantCtx("t1"), validKey, Options{Required: true}, slow)
		done <- err
	}()

	<-started
	_, _, err := g.Do(tenantCtx("t1"), validKey, Options{Required: true}, counting(&calls, Response{Status: 201}, nil))
	assert.ErrorIs(t, err, apperr.ErrIdempotencyKeyInUse)

	close(release)
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, calls)
}

func TestGuard_StaleMarkerIsTakenOver(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	mem := cache.NewMemory().WithClock(clock)
	g := NewGuard(mem, Config{StaleAfter: 30 * time.Second}, nil).WithClock(clock)
	var calls int32

	// An attempt that died after writing its marker.
	_, err := g.claim(tenantCtx("t1"), g.cacheKey("", "t1", validKey))
	require.NoError(t, err)

	now = now.Add(10 * time.Second)
	_, _, err = g.Do(tenantCtx("t1"), validKey, Options{}, counting(&calls, Response{Status: 201}, nil))
	assert.ErrorIs(t, err, apperr.ErrIdempotencyKeyInUse)

	now = now.Add(31 * time.Second)
	resp, replayed, err := g.Do(tenantCtx("t1"), validKey, Options{}, counting(&calls, Response{Status: 201}, nil))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 201, resp.Status)
	assert.EqualValues(t, 1, calls)
}

func TestGuard_FailuresAreNotCached(t *testing.T) {
	g := NewGuard(cache.NewMemory(), Config{}, nil)
	var calls int32
	boom := errors.New("boom")

	_, _, err := g.Do(tenantCtx("t1"), validKey, Options{}, counting(&calls, Response{}, boom))
	assert.ErrorIs(t, err, boom)

	resp, replayed, err := g.Do(tenantCtx("t1"), validKey, Options{}, counting(&calls, Response{Status: 422}, nil))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 422, resp.Status)

	resp, replayed, err = g.Do(tenantCtx("t1"), validKey, Options{}, counting(&calls, Response{Status: 201}, nil))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 201, resp.Status)
	assert.EqualValues(t, 3, calls)
}

func TestGuard_CompletedEntryExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	g := NewGuard(cache.NewMemory().WithClock(clock), Config{}, nil).WithClock(clock)
	var calls int32
	op := counting(&calls, Response{Status: 201}, nil)

	_, _, err := g.Do(tenantCtx("t1"), validKey, Options{TTL: time.Hour}, op)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, replayed, err := g.Do(tenantCtx("t1"), validKey, Options{TTL: time.Hour}, op)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.EqualValues(t, 2, calls)
}

func TestGuard_CacheErrorFailsClosed(t *testing.T) {
	g := NewGuard(brokenCache{}, Config{}, nil)
	var calls int32

	_, _, err := g.Do(tenantCtx("t1"), validKey, Options{Required: true}, counting(&calls, Response{Status: 201}, nil))
	assert.Error(t, err)
	assert.Zero(t, calls)
}

func TestGuard_PrefixSeparatesNamespaces(t *testing.T) {
	g := NewGuard(cache.NewMemory(), Config{}, nil)
	var calls int32
	op := counting(&calls, Response{Status: 201}, nil)

	_, _, err := g.Do(tenantCtx("t1"), validKey, Options{Prefix: "credit"}, op)
	require.NoError(t, err)
	_, replayed, err := g.Do(tenantCtx("t1"), validKey, Options{Prefix: "debit"}, op)
	require.NoError(t, err)

	assert.False(t, replayed)
	assert.EqualValues(t, 2, calls)
}
