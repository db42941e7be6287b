// Package reconcile periodically folds the live fast-store counters back
// into the durable store and retires keys for entities old enough that
// their counts are considered final.
package reconcile

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/openlms/engage/counter"
	"github.com/openlms/engage/durable"
	"github.com/openlms/engage/logger"
	"github.com/openlms/engage/store"
)

// DefaultStaleness is how old an entity must be before its fast-store
// keys are pruned after a final flush. Engagement on entities older than
// this is rare enough that the durable count is treated as final.
const DefaultStaleness = 24 * time.Hour

// Metrics summarizes one reconciliation pass.
type Metrics struct {
	Scanned  int // entities visited
	Flushed  int // entities whose counts were written to the durable store
	Pruned   int // entities whose fast-store keys were retired
	Orphaned int // fast-store keys with no durable row, deleted
	Failed   int // entities skipped due to an error
}

// Add accumulates another pass's metrics into m.
func (m *Metrics) Add(o Metrics) {
	m.Scanned += o.Scanned
	m.Flushed += o.Flushed
	m.Pruned += o.Pruned
	m.Orphaned += o.Orphaned
	m.Failed += o.Failed
}

// Job reconciles one family of counters: every axis it owns is scanned,
// flushed, and pruned together so an entity's related counters never
// straddle a pass.
type Job struct {
	name         string
	kind         string
	axes         []counter.Axis
	commentCount bool
	fast         store.Store
	entities     durable.EntityStore
	log          logger.Logger
	staleness    time.Duration
}

// JobOption configures a Job.
type JobOption func(*Job)

// WithStaleness overrides the prune threshold.
func WithStaleness(d time.Duration) JobOption {
	return func(j *Job) { j.staleness = d }
}

func newJob(name, kind string, axes []counter.Axis, fast store.Store, entities durable.EntityStore, log logger.Logger, opts ...JobOption) *Job {
	j := &Job{
		name:      name,
		kind:      kind,
		axes:      axes,
		fast:      fast,
		entities:  entities,
		log:       log.WithPrefix(name),
		staleness: DefaultStaleness,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// PostLikes reconciles post like counters. It also carries the cached
// comment totals along, flushing and pruning them with the likes.
func PostLikes(fast store.Store, entities durable.EntityStore, log logger.Logger, opts ...JobOption) *Job {
	j := newJob("post-likes", durable.KindPost, []counter.Axis{counter.AxisLikes}, fast, entities, log, opts...)
	j.commentCount = true
	return j
}

// CommentLikes reconciles comment like counters.
func CommentLikes(fast store.Store, entities durable.EntityStore, log logger.Logger, opts ...JobOption) *Job {
	return newJob("comment-likes", durable.KindComment, []counter.Axis{counter.AxisLikes}, fast, entities, log, opts...)
}

// PostVotes reconciles both vote axes together so a post's upvote and
// downvote totals are always written in the same pass.
func PostVotes(fast store.Store, entities durable.EntityStore, log logger.Logger, opts ...JobOption) *Job {
	return newJob("post-votes", durable.KindPost, []counter.Axis{counter.AxisUpvotes, counter.AxisDownvotes}, fast, entities, log, opts...)
}

// Name identifies the job in logs and metrics.
func (j *Job) Name() string { return j.name }

// Run executes one reconciliation pass. Entity-level failures are
// isolated: the entity is logged and counted, and the pass continues.
// Run returns an error only when the scan itself cannot proceed.
func (j *Job) Run(ctx context.Context) (Metrics, error) {
	var m Metrics
	seen := map[string]bool{}
	for _, axis := range j.axes {
		err := j.fast.ScanKeys(ctx, axis.Pattern(j.kind), func(key string) error {
			id, ok := axis.EntityID(j.kind, key)
			if !ok || seen[id] {
				return ctx.Err()
			}
			seen[id] = true
			m.Scanned++
			if err := j.reconcileEntity(ctx, id, &m); err != nil {
				m.Failed++
				j.log.Warn("failed to reconcile %s %s: %v", j.kind, id, err)
			}
			return ctx.Err()
		})
		if err != nil {
			return m, errors.Wrapf(err, "scan %s", axis.Pattern(j.kind))
		}
	}
	return m, nil
}

func (j *Job) reconcileEntity(ctx context.Context, id string, m *Metrics) error {
	createdAt, err := j.entities.CreatedAt(ctx, j.kind, id)
	if errors.Is(err, durable.ErrNotFound) {
		// The entity row is gone (deleted out of band); its keys are
		// orphans and would otherwise be rescanned forever.
		if err := j.fast.DeleteKeys(ctx, j.entityKeys(id)...); err != nil {
			return err
		}
		m.Orphaned++
		return nil
	}
	if err != nil {
		return err
	}

	// The counter key is the authoritative live value between passes; the
	// flush is a plain last-write-wins field update.
	vals := make([]int64, len(j.axes))
	for i, axis := range j.axes {
		n, err := j.counterValue(ctx, axis.CounterKey(j.kind, id))
		if err != nil {
			return err
		}
		vals[i] = n
	}

	if err := j.flush(ctx, id, vals); err != nil {
		return err
	}
	m.Flushed++

	if time.Since(createdAt) > j.staleness {
		if err := j.fast.DeleteKeys(ctx, j.entityKeys(id)...); err != nil {
			return err
		}
		m.Pruned++
	}
	return nil
}

// counterValue reads a counter key, defaulting to 0 when the key is
// absent or holds something unparseable.
func (j *Job) counterValue(ctx context.Context, key string) (int64, error) {
	val, found, err := j.fast.GetString(ctx, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	n, perr := strconv.ParseInt(val, 10, 64)
	if perr != nil || n < 0 {
		return 0, nil
	}
	return n, nil
}

func (j *Job) flush(ctx context.Context, id string, vals []int64) error {
	if len(j.axes) == 2 {
		return j.entities.SetVoteCounts(ctx, id, vals[0], vals[1])
	}
	if err := j.entities.SetLikeCount(ctx, j.kind, id, vals[0]); err != nil {
		return err
	}
	if j.commentCount {
		return j.flushCommentCount(ctx, id)
	}
	return nil
}

// flushCommentCount carries the cached reply total into the durable
// store. The cache is a plain counter with no membership set, maintained
// by the comment write path.
func (j *Job) flushCommentCount(ctx context.Context, id string) error {
	val, found, err := j.fast.GetString(ctx, counter.CommentCountKey(id))
	if err != nil || !found {
		return err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil || n < 0 {
		return nil // unparseable cache value, leave the durable count alone
	}
	return j.entities.SetCommentCount(ctx, id, n)
}

func (j *Job) entityKeys(id string) []string {
	keys := make([]string, 0, 2*len(j.axes)+1)
	for _, axis := range j.axes {
		keys = append(keys, axis.SetKey(j.kind, id), axis.CounterKey(j.kind, id))
	}
	if j.commentCount {
		keys = append(keys, counter.CommentCountKey(id))
	}
	return keys
}
