// Package settings caches the singleton site-settings record through two
// tiers: a short-lived in-process copy and a serialized fast-store copy,
// with the durable store as the source of truth.
package settings

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/openlms/engage/durable"
	"github.com/openlms/engage/logger"
	"github.com/openlms/engage/store"
)

// Key is the fast-store key holding the serialized settings copy.
const Key = "admin:settings"

const (
	// DefaultMemoryTTL bounds how long the in-process copy is served.
	DefaultMemoryTTL = time.Minute
	// DefaultFastTTL is the base TTL of the fast-store copy.
	DefaultFastTTL = 5 * time.Minute
	// MaxJitter is added randomly to the fast-store TTL so copies held by
	// different processes do not all expire on the same tick.
	MaxJitter = 30 * time.Second
)

// Cache is a two-tier cache-aside view of the settings row. Construct
// one per process; every instance is independent and safe for concurrent
// use.
type Cache struct {
	fast    store.Store
	db      durable.SettingsStore
	log     logger.Logger
	memTTL  time.Duration
	fastTTL time.Duration

	mu        sync.RWMutex
	rec       *durable.Settings
	fetchedAt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithMemoryTTL overrides the in-process copy's lifetime.
func WithMemoryTTL(d time.Duration) Option {
	return func(c *Cache) { c.memTTL = d }
}

// WithFastTTL overrides the fast-store copy's base lifetime.
func WithFastTTL(d time.Duration) Option {
	return func(c *Cache) { c.fastTTL = d }
}

// New returns a settings cache over the given stores.
func New(fast store.Store, db durable.SettingsStore, log logger.Logger, opts ...Option) *Cache {
	c := &Cache{
		fast:    fast,
		db:      db,
		log:     log.WithPrefix("settings"),
		memTTL:  DefaultMemoryTTL,
		fastTTL: DefaultFastTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the current settings, reading through the in-process copy,
// then the fast-store copy, then the durable row. A missing durable row
// is replaced with the defaults. Concurrent readers may repopulate the
// tiers twice; that race is harmless since every path ends at the same
// durable row.
func (c *Cache) Get(ctx context.Context) (durable.Settings, error) {
	c.mu.RLock()
	if c.rec != nil && time.Since(c.fetchedAt) < c.memTTL {
		rec := *c.rec
		c.mu.RUnlock()
		return rec, nil
	}
	c.mu.RUnlock()

	if rec, ok := c.fromFastStore(ctx); ok {
		c.remember(rec)
		return rec, nil
	}

	rec, err := c.db.GetSettings(ctx)
	if err != nil {
		return durable.Settings{}, err
	}
	if rec == nil {
		rec, err = c.db.InsertDefaultSettings(ctx)
		if err != nil {
			// Another process may have inserted the row first.
			insErr := err
			rec, err = c.db.GetSettings(ctx)
			if err != nil {
				return durable.Settings{}, err
			}
			if rec == nil {
				return durable.Settings{}, insErr
			}
		}
	}
	c.remember(*rec)
	c.writeBack(ctx, *rec)
	return *rec, nil
}

func (c *Cache) fromFastStore(ctx context.Context) (durable.Settings, bool) {
	val, found, err := c.fast.GetString(ctx, Key)
	if err != nil {
		c.log.Debug("fast store unavailable, falling back to durable settings: %v", err)
		return durable.Settings{}, false
	}
	if !found {
		return durable.Settings{}, false
	}
	var rec durable.Settings
	if err := msgpack.Unmarshal([]byte(val), &rec); err != nil {
		c.log.Warn("discarding undecodable cached settings: %v", err)
		return durable.Settings{}, false
	}
	return rec, true
}

func (c *Cache) remember(rec durable.Settings) {
	c.mu.Lock()
	c.rec = &rec
	c.fetchedAt = time.Now()
	c.mu.Unlock()
}

// writeBack stores the serialized copy in the fast store, best-effort.
func (c *Cache) writeBack(ctx context.Context, rec durable.Settings) {
	buf, err := msgpack.Marshal(&rec)
	if err != nil {
		c.log.Warn("failed to encode settings for caching: %v", err)
		return
	}
	ttl := c.fastTTL + time.Duration(rand.Int63n(int64(MaxJitter)))
	if err := c.fast.SetString(ctx, Key, string(buf), ttl); err != nil {
		c.log.Warn("failed to cache settings: %v", err)
	}
}

// IsFeatureEnabled reports whether a feature flag is on. Unknown flags
// and total read failure both read as disabled.
func (c *Cache) IsFeatureEnabled(ctx context.Context, flag string) bool {
	rec, err := c.Get(ctx)
	if err != nil {
		c.log.Warn("settings unavailable, treating %q as disabled: %v", flag, err)
		return false
	}
	switch flag {
	case "forums":
		return rec.ForumsEnabled
	case "posts":
		return rec.PostsEnabled
	case "comments":
		return rec.CommentsEnabled
	case "likes":
		return rec.LikesEnabled
	case "voting":
		return rec.VotingEnabled
	default:
		return false
	}
}

// Update applies an allow-listed set of fields to the durable row,
// stamps the audit columns, and invalidates both cache tiers. Readers
// see the new values on their next call regardless of remaining TTL.
func (c *Cache) Update(ctx context.Context, fields map[string]any, audit durable.Audit) error {
	if err := c.db.UpdateSettings(ctx, fields, audit); err != nil {
		return err
	}
	c.Invalidate(ctx)
	return nil
}

// Invalidate drops the in-process copy and best-effort deletes the
// fast-store copy. A failed delete is logged and swallowed: the short
// TTL bounds staleness for other processes.
func (c *Cache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.rec = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
	if err := c.fast.DeleteKeys(ctx, Key); err != nil {
		c.log.Warn("failed to delete cached settings: %v", err)
	}
}
