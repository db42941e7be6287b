package reconcile

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlms/engage/durable"
	"github.com/openlms/engage/logger"
	"github.com/openlms/engage/store"
)

type fixture struct {
	fast  store.Store
	redis *miniredis.Miniredis
	db    *durable.SQL
	log   *logger.TestLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	db, err := durable.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &fixture{
		fast:  store.NewRedis(client),
		redis: mr,
		db:    db,
		log:   logger.NewTestLogger(),
	}
}

func (f *fixture) seed(t *testing.T, kind, id string, age time.Duration) {
	t.Helper()
	require.NoError(t, f.db.CreateEntity(context.Background(), kind, id, time.Now().Add(-age)))
}

// likers populates a like set and its counter the way the toggle path
// leaves them.
func (f *fixture) likers(t *testing.T, kind, id string, users ...string) {
	t.Helper()
	_, err := f.redis.SetAdd(kind+":"+id+":likes", users...)
	require.NoError(t, err)
	require.NoError(t, f.redis.Set(kind+":"+id+":likeCount", strconv.Itoa(len(users))))
}

func TestPostLikesFlush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, durable.KindPost, "p1", time.Hour)
	f.likers(t, durable.KindPost, "p1", "u1", "u2", "u3")

	job := PostLikes(f.fast, f.db, f.log)
	m, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Metrics{Scanned: 1, Flushed: 1}, m)

	counts, err := f.db.GetCounts(ctx, durable.KindPost, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.LikeCount)

	// Fresh entity: live keys survive the pass.
	assert.True(t, f.redis.Exists("post:p1:likes"))
	assert.True(t, f.redis.Exists("post:p1:likeCount"))
}

func TestFlushUsesCounterValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, durable.KindPost, "p9", time.Hour)
	require.NoError(t, f.db.SetLikeCount(ctx, durable.KindPost, "p9", 3))
	_, err := f.redis.SetAdd("post:p9:likes", "u1")
	require.NoError(t, err)
	// The counter key is the authoritative live value, even when it has
	// drifted from the set cardinality.
	require.NoError(t, f.redis.Set("post:p9:likeCount", "7"))

	_, err = PostLikes(f.fast, f.db, f.log).Run(ctx)
	require.NoError(t, err)

	counts, err := f.db.GetCounts(ctx, durable.KindPost, "p9")
	require.NoError(t, err)
	assert.Equal(t, int64(7), counts.LikeCount)
}

func TestFlushDefaultsMissingCounterToZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, durable.KindPost, "p1", time.Hour)
	require.NoError(t, f.db.SetLikeCount(ctx, durable.KindPost, "p1", 5))
	_, err := f.redis.SetAdd("post:p1:likes", "u1")
	require.NoError(t, err)

	_, err = PostLikes(f.fast, f.db, f.log).Run(ctx)
	require.NoError(t, err)

	counts, err := f.db.GetCounts(ctx, durable.KindPost, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.LikeCount)
}

func TestPrunesStaleEntities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, durable.KindPost, "old", 25*time.Hour)
	f.seed(t, durable.KindPost, "new", time.Hour)
	f.likers(t, durable.KindPost, "old", "u1", "u2")
	f.likers(t, durable.KindPost, "new", "u3")

	m, err := PostLikes(f.fast, f.db, f.log).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Metrics{Scanned: 2, Flushed: 2, Pruned: 1}, m)

	// The stale entity got a final flush before its keys were retired.
	counts, err := f.db.GetCounts(ctx, durable.KindPost, "old")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.LikeCount)
	assert.False(t, f.redis.Exists("post:old:likes"))
	assert.False(t, f.redis.Exists("post:old:likeCount"))

	assert.True(t, f.redis.Exists("post:new:likes"))
}

func TestStalenessOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, durable.KindComment, "c1", 2*time.Hour)
	f.likers(t, durable.KindComment, "c1", "u1")

	m, err := CommentLikes(f.fast, f.db, f.log, WithStaleness(time.Hour)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Pruned)
	assert.False(t, f.redis.Exists("comment:c1:likes"))
}

func TestOrphanedKeysDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.likers(t, durable.KindPost, "ghost", "u1")

	m, err := PostLikes(f.fast, f.db, f.log).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Metrics{Scanned: 1, Orphaned: 1}, m)
	assert.False(t, f.redis.Exists("post:ghost:likes"))
	assert.False(t, f.redis.Exists("post:ghost:likeCount"))
}

func TestVoteAxesFlushedTogether(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, durable.KindPost, "p1", time.Hour)
	f.seed(t, durable.KindPost, "p2", time.Hour)
	_, err := f.redis.SetAdd("post:p1:upvotes", "u1", "u2")
	require.NoError(t, err)
	_, err = f.redis.SetAdd("post:p1:downvotes", "u3")
	require.NoError(t, err)
	// p2 only ever received downvotes; the second axis scan must find it.
	_, err = f.redis.SetAdd("post:p2:downvotes", "u4")
	require.NoError(t, err)

	m, err := PostVotes(f.fast, f.db, f.log).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Metrics{Scanned: 2, Flushed: 2}, m)

	counts, err := f.db.GetCounts(ctx, durable.KindPost, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.UpvoteCount)
	assert.Equal(t, int64(1), counts.DownvoteCount)

	counts, err = f.db.GetCounts(ctx, durable.KindPost, "p2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.DownvoteCount)
}

func TestVotesJobIgnoresLikeKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, durable.KindPost, "p1", time.Hour)
	f.likers(t, durable.KindPost, "p1", "u1")

	m, err := PostVotes(f.fast, f.db, f.log).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Metrics{}, m)
	assert.True(t, f.redis.Exists("post:p1:likes"))
}

func TestCommentCountCarriedWithPostLikes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, durable.KindPost, "p1", 25*time.Hour)
	f.likers(t, durable.KindPost, "p1", "u1")
	require.NoError(t, f.redis.Set("post:p1:commentCount", "7"))

	_, err := PostLikes(f.fast, f.db, f.log).Run(ctx)
	require.NoError(t, err)

	counts, err := f.db.GetCounts(ctx, durable.KindPost, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), counts.CommentCount)
	// Pruning retires the comment counter too.
	assert.False(t, f.redis.Exists("post:p1:commentCount"))
}

func TestEntityFailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, durable.KindPost, "p1", time.Hour)
	f.likers(t, durable.KindPost, "p1", "u1")
	f.likers(t, durable.KindPost, "p2", "u2")

	// The closed database fails every entity, but the pass still
	// completes and reports rather than aborting.
	require.NoError(t, f.db.Close())
	m, err := PostLikes(f.fast, f.db, f.log).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Scanned)
	assert.Equal(t, 2, m.Failed)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.seed(t, durable.KindPost, "p1", time.Hour)
	f.likers(t, durable.KindPost, "p1", "u1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := PostLikes(f.fast, f.db, f.log).Run(ctx)
	assert.Error(t, err)
}

func TestSchedulerRunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, durable.KindPost, "p1", time.Hour)
	f.seed(t, durable.KindComment, "c1", time.Hour)
	f.likers(t, durable.KindPost, "p1", "u1", "u2")
	f.likers(t, durable.KindComment, "c1", "u3")
	_, err := f.redis.SetAdd("post:p1:upvotes", "u1")
	require.NoError(t, err)

	s := NewScheduler(time.Minute, f.log,
		PostLikes(f.fast, f.db, f.log),
		CommentLikes(f.fast, f.db, f.log),
		PostVotes(f.fast, f.db, f.log))
	m := s.RunOnce(ctx)
	assert.Equal(t, Metrics{Scanned: 3, Flushed: 3}, m)

	counts, err := f.db.GetCounts(ctx, durable.KindPost, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.LikeCount)
	assert.Equal(t, int64(1), counts.UpvoteCount)
	counts, err = f.db.GetCounts(ctx, durable.KindComment, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.LikeCount)
}

func TestSchedulerStartRunsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	f.seed(t, durable.KindPost, "p1", time.Hour)
	f.likers(t, durable.KindPost, "p1", "u1")

	s := NewScheduler(10*time.Millisecond, f.log, PostLikes(f.fast, f.db, f.log))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	counts, err := f.db.GetCounts(context.Background(), durable.KindPost, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.LikeCount)
}
