package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ericfisherdev/credbroker/internal/domain/model"
	"github.com/ericfisherdev/credbroker/internal/domain/port/driven"
)

// Cache defaults.
const (
	DefaultFallbackTTL = 30 * time.Minute
	DefaultSafetySkew  = 60 * time.Second
)

// CacheOptions tunes CredentialCache validity.
type CacheOptions struct {
	// FallbackTTL applies when the bearer token carries no parseable expiry.
	FallbackTTL time.Duration
	// SafetySkew is subtracted from the expiry before handing a credential out.
	SafetySkew time.Duration
	// Now overrides the wall clock, primarily for tests.
	Now func() time.Time
}

// CredentialCache holds the most recent successful credential. The published
// *model.CachedCredential is never mutated, so readers only need the read lock
// to copy the pointer. A RecordStore, when present, makes the cache survive
// restarts; it is loaded lazily on the first Get. Writers hold persistMu
// across both the swap and the store write, always before mu.
type CredentialCache struct {
	mu      sync.RWMutex
	current *model.CachedCredential

	store     driven.RecordStore
	loadOnce  sync.Once
	persistMu sync.Mutex

	fallbackTTL time.Duration
	skew        time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewCredentialCache creates a cache. store may be nil for a memory-only cache.
func NewCredentialCache(store driven.RecordStore, opts CacheOptions, logger *slog.Logger) *CredentialCache {
	if opts.FallbackTTL <= 0 {
		opts.FallbackTTL = DefaultFallbackTTL
	}
	if opts.SafetySkew < 0 {
		opts.SafetySkew = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialCache{
		store:       store,
		fallbackTTL: opts.FallbackTTL,
		skew:        opts.SafetySkew,
		now:         opts.Now,
		logger:      logger,
	}
}

// Get returns the cached credential if one is present and still valid.
func (c *CredentialCache) Get(ctx context.Context) (*model.CachedCredential, bool) {
	c.ensureLoaded(ctx)

	c.mu.RLock()
	current := c.current
	c.mu.RUnlock()

	if !current.Valid(c.now(), c.skew) {
		return nil, false
	}
	return current, true
}

// Peek returns the cached credential regardless of validity, or nil.
func (c *CredentialCache) Peek(ctx context.Context) *model.CachedCredential {
	c.ensureLoaded(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Put replaces the cached credential wholesale and persists it.
func (c *CredentialCache) Put(ctx context.Context, bundle model.CredentialBundle) *model.CachedCredential {
	c.loadOnce.Do(func() {})

	acquiredAt := c.now()
	cached := &model.CachedCredential{
		Bundle:     bundle,
		AcquiredAt: acquiredAt,
		ExpiresAt:  c.ExpiryFor(bundle, acquiredAt),
	}

	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	c.swap(cached)
	c.persist(func(store driven.RecordStore) error {
		return store.Save(ctx, model.CredentialRecord{AcquiredAt: acquiredAt, Bundle: bundle})
	}, "save")

	return cached
}

// Invalidate clears the cached credential, e.g. after downstream rejected it.
func (c *CredentialCache) Invalidate(ctx context.Context) {
	c.loadOnce.Do(func() {})

	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	c.swap(nil)
	c.clearStore(ctx)
}

// InvalidateIf clears the cache only while it still holds stale. It reports
// whether anything was cleared; false means a newer credential (or none)
// has already replaced stale.
func (c *CredentialCache) InvalidateIf(ctx context.Context, stale *model.CachedCredential) bool {
	if stale == nil {
		return false
	}
	c.ensureLoaded(ctx)

	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	if c.current != stale {
		c.mu.Unlock()
		return false
	}
	c.current = nil
	c.mu.Unlock()

	c.clearStore(ctx)
	return true
}

// SafetySkew returns the skew subtracted from expiry.
func (c *CredentialCache) SafetySkew() time.Duration { return c.skew }

// ExpiryFor prefers the token's exp claim and falls back to a fixed TTL.
func (c *CredentialCache) ExpiryFor(bundle model.CredentialBundle, acquiredAt time.Time) time.Time {
	return expiry(bundle, acquiredAt, c.fallbackTTL)
}

// RecordExpiry returns the expiry rule the cache applies, for stores that
// need it before a cache exists (e.g. to set a Redis TTL).
func RecordExpiry(fallbackTTL time.Duration) func(model.CredentialRecord) time.Time {
	if fallbackTTL <= 0 {
		fallbackTTL = DefaultFallbackTTL
	}
	return func(record model.CredentialRecord) time.Time {
		return expiry(record.Bundle, record.AcquiredAt, fallbackTTL)
	}
}

func expiry(bundle model.CredentialBundle, acquiredAt time.Time, fallbackTTL time.Duration) time.Time {
	if exp, ok := TokenExpiry(bundle.AccessToken()); ok {
		return exp
	}
	return acquiredAt.Add(fallbackTTL)
}

func (c *CredentialCache) ensureLoaded(ctx context.Context) {
	c.loadOnce.Do(func() {
		if c.store == nil {
			return
		}

		c.persistMu.Lock()
		record, err := c.store.Load(ctx)
		c.persistMu.Unlock()
		if err != nil {
			c.logger.Warn("load persisted credential failed", "error", err)
			return
		}
		if record == nil || record.Bundle.IsZero() {
			return
		}

		cached := &model.CachedCredential{
			Bundle:     record.Bundle,
			AcquiredAt: record.AcquiredAt,
			ExpiresAt:  c.ExpiryFor(record.Bundle, record.AcquiredAt),
		}
		if !cached.Valid(c.now(), c.skew) {
			c.logger.Info("persisted credential expired, ignoring", "expires_at", cached.ExpiresAt)
			return
		}

		c.mu.Lock()
		if c.current == nil {
			c.current = cached
		}
		c.mu.Unlock()
		c.logger.Info("persisted credential loaded", "expires_at", cached.ExpiresAt)
	})
}

// swap publishes next. Callers hold persistMu, so the in-memory value and the
// store change in the same order.
func (c *CredentialCache) swap(next *model.CachedCredential) {
	c.mu.Lock()
	c.current = next
	c.mu.Unlock()
}

func (c *CredentialCache) clearStore(ctx context.Context) {
	c.persist(func(store driven.RecordStore) error {
		return store.Clear(ctx)
	}, "clear")
}

// persist runs op against the store. Callers hold persistMu. Failures are
// logged, never returned.
func (c *CredentialCache) persist(op func(driven.RecordStore) error, action string) {
	if c.store == nil {
		return
	}
	if err := op(c.store); err != nil {
		c.logger.Warn("persist credential failed", "action", action, "error", err)
	}
}

// TokenExpiry decodes the exp claim of a JWT without verifying its
// signature. This is a cache heuristic that trusts the issuer, not an
// authorization decision.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
