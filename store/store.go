// Package store provides the fast-store adapter: a thin wrapper over a
// Redis-compatible in-memory key-value store used for low-latency
// engagement counters. All operations carry a per-call query timeout and
// normalize transport failures to [ErrUnavailable] so callers can decide
// between failing loudly (mutations) and degrading to the durable store
// (reads).
package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/openlms/engage/resilience"
)

// ErrUnavailable marks any error caused by the fast store being
// unreachable or unresponsive. Test with errors.Is.
var ErrUnavailable = errors.New("fast store unavailable")

// DefaultQueryTimeout is the per-operation timeout applied to every
// fast-store call. Prevents a slow store from hanging a request.
const DefaultQueryTimeout = 5 * time.Second

// DefaultScanCount is the COUNT hint passed to incremental scans.
const DefaultScanCount = 256

// Store is the fast-store contract consumed by the counter engine, the
// reconciliation jobs and the settings cache.
type Store interface {
	// GetString returns the string value of key. The bool reports presence.
	GetString(ctx context.Context, key string) (string, bool, error)
	// SetString stores value under key. A ttl <= 0 means no expiry.
	SetString(ctx context.Context, key, value string, ttl time.Duration) error

	// Increment atomically adds 1 to the integer at key, creating it at 0
	// first when absent, and returns the new value.
	Increment(ctx context.Context, key string) (int64, error)
	// Decrement atomically subtracts 1 from the integer at key, creating it
	// at 0 first when absent, and returns the new value.
	Decrement(ctx context.Context, key string) (int64, error)

	// SetAdd adds member to the set at key. Reports whether the member was
	// newly added (false when it was already present).
	SetAdd(ctx context.Context, key, member string) (bool, error)
	// SetRemove removes member from the set at key. Reports whether the
	// member was present.
	SetRemove(ctx context.Context, key, member string) (bool, error)
	// SetContains reports whether member is in the set at key.
	SetContains(ctx context.Context, key, member string) (bool, error)
	// SetCard returns the cardinality of the set at key.
	SetCard(ctx context.Context, key string) (int64, error)

	// DeleteKeys removes the given keys. Missing keys are not an error.
	DeleteKeys(ctx context.Context, keys ...string) error

	// ScanKeys incrementally walks all keys matching pattern, invoking fn
	// for each. It never issues a blocking full-keyspace command. An error
	// from fn stops the scan and is returned unwrapped.
	ScanKeys(ctx context.Context, pattern string, fn func(key string) error) error

	// Batch returns a new atomic batch. Queued commands execute as one
	// indivisible unit on Exec, in order.
	Batch() Batch

	// Ping verifies connectivity.
	Ping(ctx context.Context) error
}

// Batch queues commands for atomic execution. Each queue call returns a
// reply handle whose value becomes valid after Exec returns nil.
type Batch interface {
	SetAdd(key, member string) *IntReply
	SetRemove(key, member string) *IntReply
	Increment(key string) *IntReply
	Decrement(key string) *IntReply
	Delete(keys ...string) *IntReply
	Exec(ctx context.Context) error
}

// IntReply holds the integer result of one batched command.
type IntReply struct {
	val int64
}

// Val returns the command's integer result. Zero until Exec succeeds.
func (r *IntReply) Val() int64 {
	return r.val
}

// Bool reports whether the result is positive — for SetAdd this means
// "newly added", for SetRemove "was present".
func (r *IntReply) Bool() bool {
	return r.val > 0
}

// config holds the resolved configuration for a Store implementation.
type config struct {
	queryTimeout time.Duration
	scanCount    int64
	breaker      *resilience.Breaker
}

// Option configures a Store implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		queryTimeout: DefaultQueryTimeout,
		scanCount:    DefaultScanCount,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithQueryTimeout sets the per-operation timeout. Defaults to
// DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithScanCount sets the COUNT hint for incremental scans. Defaults to
// DefaultScanCount.
func WithScanCount(n int64) Option {
	return func(c *config) { c.scanCount = n }
}

// WithBreaker guards every store call with a circuit breaker so a dead
// store fails fast instead of burning the query timeout per call.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *config) { c.breaker = b }
}

// markUnavailable wraps a transport error so errors.Is(err, ErrUnavailable)
// holds while the cause stays visible.
func markUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, resilience.ErrOpen) {
		return errors.Mark(err, ErrUnavailable)
	}
	return errors.Mark(errors.Wrap(err, "fast store"), ErrUnavailable)
}
