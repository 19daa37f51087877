// Package idempotency deduplicates retried financial mutations using a
// client-supplied key.
//
// Dedup is best effort: the cache and the guarded mutation are not atomic
// with each other. A processing marker older than the stale threshold is
// treated as abandoned, which bounds how long a crashed attempt can block
// retries and also bounds the race window.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/tenantledger/internal/apperr"
	"github.com/punchamoorthee/tenantledger/internal/cache"
	"github.com/punchamoorthee/tenantledger/internal/tenant"
	"go.uber.org/zap"
)

// HeaderName carries the client-supplied key on inbound requests.
const HeaderName = "x-idempotency-key"

const (
	DefaultTTL        = 24 * time.Hour
	DefaultStaleAfter = 30 * time.Second
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,256}$`)

var outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_idempotency_outcomes_total",
	Help: "Idempotency guard decisions, labeled by outcome",
}, []string{"outcome"})

// Response is what gets replayed verbatim for a completed key.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body"`
}

// record is the cached value: either a processing marker or a completed response.
type record struct {
	Processing bool      `json:"processing,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	Response   *Response `json:"response,omitempty"`
	CachedAt   time.Time `json:"cachedAt,omitempty"`
}

// Operation is the guarded mutation. A returned error, or a Response with
// status >= 400, counts as failure and is never cached.
type Operation func(ctx context.Context) (Response, error)

// Options control a single guarded call.
type Options struct {
	Required bool
	TTL      time.Duration
	Prefix   string
}

// Config holds guard-wide defaults.
type Config struct {
	TTL        time.Duration
	StaleAfter time.Duration
}

// Guard wraps operations with key-based dedup.
type Guard struct {
	cache      cache.Cache
	ttl        time.Duration
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func NewGuard(c cache.Cache, cfg Config, logger *zap.Logger) *Guard {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{cache: c, ttl: cfg.TTL, staleAfter: cfg.StaleAfter, now: time.Now, logger: logger}
}

// WithClock overrides the time source; used by tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// ValidKey reports whether key has an acceptable shape.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// Do runs op at most once per (tenant, key). The boolean result is true
// when the response was replayed from cache.
func (g *Guard) Do(ctx context.Context, key string, opts Options, op Operation) (Response, bool, error) {
	if key == "" {
		if opts.Required {
			return Response{}, false, apperr.ErrIdempotencyKeyRequired
		}
		resp, err := op(ctx)
		return resp, false, err
	}
	if !ValidKey(key) {
		return Response{}, false, apperr.Wrap(apperr.ErrIdempotencyKeyInvalid,
			"idempotency key must be 16-256 characters of [A-Za-z0-9_-]", nil)
	}

	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return Response{}, false, err
	}
	cacheKey := g.cacheKey(opts.Prefix, tenantID, key)
	log := g.logger.With(zap.String("tenant_id", tenantID), zap.String("idempotency_key", key))

	cached, err := g.claim(ctx, cacheKey)
	if err != nil {
		return Response{}, false, err
	}
	if cached != nil {
		outcomes.WithLabelValues("replay").Inc()
		return *cached, true, nil
	}

	resp, opErr := op(ctx)
	if opErr != nil || resp.Status >= 400 {
		if err := g.cache.Del(ctx, cacheKey); err != nil {
			log.Error("failed to clear idempotency marker after failed operation", zap.Error(err))
		}
		return resp, false, opErr
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = g.ttl
	}
	if err := g.write(ctx, cacheKey, record{Response: &resp, CachedAt: g.now()}, ttl); err != nil {
		// The mutation already happened; surfacing this error would invite a
		// retry that repeats it. The marker goes stale after staleAfter.
		log.Error("failed to cache completed idempotent response", zap.Error(err))
	}
	return resp, false, nil
}

// claim writes a processing marker for cacheKey. It returns the cached
// response instead when the key already completed, ErrIdempotencyKeyInUse
// for a fresh marker, and fails closed on cache errors.
func (g *Guard) claim(ctx context.Context, cacheKey string) (*Response, error) {
	raw, found, err := g.cache.Get(ctx, cacheKey)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	marker := record{Processing: true, StartedAt: g.now()}

	if found {
		var existing record
		if err := json.Unmarshal(raw, &existing); err != nil {
			return nil, fmt.Errorf("idempotency record for %s is corrupt: %w", cacheKey, err)
		}
		if !existing.Processing && existing.Response != nil {
			return existing.Response, nil
		}
		if g.now().Sub(existing.StartedAt) < g.staleAfter {
			outcomes.WithLabelValues("in_use").Inc()
			return nil, apperr.ErrIdempotencyKeyInUse
		}
		outcomes.WithLabelValues("stale_takeover").Inc()
		g.logger.Warn("taking over abandoned idempotency marker",
			zap.String("cache_key", cacheKey), zap.Time("started_at", existing.StartedAt))
		return nil, g.write(ctx, cacheKey, marker, g.ttl)
	}

	outcomes.WithLabelValues("miss").Inc()
	adder, ok := g.cache.(cache.AddCache)
	if !ok {
		return nil, g.write(ctx, cacheKey, marker, g.ttl)
	}
	payload, err := json.Marshal(marker)
	if err != nil {
		return nil, err
	}
	added, err := adder.Add(ctx, cacheKey, payload, g.ttl)
	if err != nil {
		return nil, fmt.Errorf("idempotency claim: %w", err)
	}
	if !added {
		outcomes.WithLabelValues("in_use").Inc()
		return nil, apperr.ErrIdempotencyKeyInUse
	}
	return nil, nil
}

func (g *Guard) write(ctx context.Context, cacheKey string, rec record, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := g.cache.Set(ctx, cacheKey, payload, ttl); err != nil {
		return fmt.Errorf("idempotency write: %w", err)
	}
	return nil
}

func (g *Guard) cacheKey(prefix, tenantID, key string) string {
	if prefix == "" {
		return fmt.Sprintf("idempotency:%s:%s", tenantID, key)
	}
	return fmt.Sprintf("idempotency:%s:%s:%s", prefix, tenantID, key)
}
