package store

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlms/engage/resilience"
)

func newTestStore(t *testing.T, opts ...Option) (*miniredis.Miniredis, Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedis(client, opts...)
}

func TestGetSetString(t *testing.T) {
	mr, s := newTestStore(t)
	ctx := context.Background()

	// Miss on empty store.
	val, found, err := s.GetString(ctx, "admin:settings")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, val)

	require.NoError(t, s.SetString(ctx, "admin:settings", "blob", time.Minute))
	val, found, err = s.GetString(ctx, "admin:settings")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "blob", val)

	// TTL expiry.
	mr.FastForward(2 * time.Minute)
	_, found, err = s.GetString(ctx, "admin:settings")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetStringNoTTL(t *testing.T) {
	mr, s := newTestStore(t)
	require.NoError(t, s.SetString(context.Background(), "post:p1:likeCount", "7", 0))
	mr.FastForward(48 * time.Hour)
	val, found, err := s.GetString(context.Background(), "post:p1:likeCount")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "7", val)
}

func TestIncrementDecrement(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	// Created at 0, then delta applied.
	n, err := s.Increment(ctx, "post:p1:likeCount")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Increment(ctx, "post:p1:likeCount")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.Decrement(ctx, "post:p1:likeCount")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSetOperations(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()
	const key = "post:p1:likes"

	added, err := s.SetAdd(ctx, key, "alice")
	require.NoError(t, err)
	assert.True(t, added)

	// Second add of the same member is not "newly added".
	added, err = s.SetAdd(ctx, key, "alice")
	require.NoError(t, err)
	assert.False(t, added)

	ok, err := s.SetContains(ctx, key, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetContains(ctx, key, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.SetAdd(ctx, key, "bob")
	require.NoError(t, err)
	card, err := s.SetCard(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)

	removed, err := s.SetRemove(ctx, key, "alice")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.SetRemove(ctx, key, "alice")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestDeleteKeys(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetString(ctx, "a", "1", 0))
	require.NoError(t, s.SetString(ctx, "b", "2", 0))
	require.NoError(t, s.DeleteKeys(ctx, "a", "b", "missing"))

	_, found, err := s.GetString(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	// No keys is a no-op.
	require.NoError(t, s.DeleteKeys(ctx))
}

func TestScanKeys(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := s.SetAdd(ctx, "post:"+id+":likes", "alice")
		require.NoError(t, err)
	}
	_, err := s.SetAdd(ctx, "comment:c1:likes", "alice")
	require.NoError(t, err)

	var got []string
	require.NoError(t, s.ScanKeys(ctx, "post:*:likes", func(key string) error {
		got = append(got, key)
		return nil
	}))
	sort.Strings(got)
	assert.Equal(t, []string{"post:p1:likes", "post:p2:likes", "post:p3:likes"}, got)
}

func TestScanKeysStopsOnCallbackError(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		_, err := s.SetAdd(ctx, "post:"+id+":likes", "alice")
		require.NoError(t, err)
	}

	stop := errors.New("stop")
	seen := 0
	err := s.ScanKeys(ctx, "post:*:likes", func(key string) error {
		seen++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, seen)
}

func TestBatchExec(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	b := s.Batch()
	added := b.SetAdd("post:p1:upvotes", "bob")
	count := b.Increment("post:p1:upvoteCount")
	require.NoError(t, b.Exec(ctx))

	assert.True(t, added.Bool())
	assert.Equal(t, int64(1), count.Val())

	// Replays see the existing membership.
	b = s.Batch()
	added = b.SetAdd("post:p1:upvotes", "bob")
	require.NoError(t, b.Exec(ctx))
	assert.False(t, added.Bool())
}

func TestBatchDelete(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetString(ctx, "post:p1:likeCount", "3", 0))

	b := s.Batch()
	deleted := b.Delete("post:p1:likeCount", "post:p1:likes")
	require.NoError(t, b.Exec(ctx))
	assert.Equal(t, int64(1), deleted.Val())
}

func TestUnavailableMarking(t *testing.T) {
	mr, s := newTestStore(t, WithQueryTimeout(250*time.Millisecond))
	ctx := context.Background()
	mr.Close()

	_, _, err := s.GetString(ctx, "key")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = s.Increment(ctx, "key")
	assert.ErrorIs(t, err, ErrUnavailable)

	err = s.Ping(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBreakerShortCircuits(t *testing.T) {
	breaker := resilience.New(resilience.Config{MaxFailures: 1, CoolDown: time.Hour})
	mr, s := newTestStore(t,
		WithQueryTimeout(250*time.Millisecond),
		WithBreaker(breaker),
	)
	ctx := context.Background()
	mr.Close()

	_, err := s.Increment(ctx, "key")
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, resilience.StateOpen, breaker.State())

	// Second call fails fast without touching the network.
	start := time.Now()
	_, err = s.Increment(ctx, "key")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, resilience.ErrOpen)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
