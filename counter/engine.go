package counter

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/openlms/engage/durable"
	"github.com/openlms/engage/logger"
	"github.com/openlms/engage/store"
)

// TogglePolicy decides how a toggle that would not change state is
// reported.
type TogglePolicy int

const (
	// StrictToggle treats a repeated action as a conflict
	// (ErrAlreadyInState / ErrNotInState).
	StrictToggle TogglePolicy = iota
	// IdempotentToggle treats a repeated action as a success returning the
	// unchanged count.
	IdempotentToggle
)

// VoteType is a user's vote on a post. Upvote and downvote are mutually
// exclusive; like is an independent axis.
type VoteType string

const (
	VoteNone VoteType = "NONE"
	VoteUp   VoteType = "UPVOTE"
	VoteDown VoteType = "DOWNVOTE"
)

func (v VoteType) axis() Axis {
	if v == VoteDown {
		return AxisDownvotes
	}
	return AxisUpvotes
}

func (a Axis) opposite() Axis {
	if a == AxisUpvotes {
		return AxisDownvotes
	}
	return AxisUpvotes
}

// ToggleResult reports the state after a like/unlike.
type ToggleResult struct {
	Liked     bool
	LikeCount int64
}

// VoteResult reports both counters and the user's resulting vote state
// after casting a vote.
type VoteResult struct {
	UpvoteCount   int64
	DownvoteCount int64
	Vote          VoteType
}

// UserState reports the caller's current engagement with one entity.
type UserState struct {
	Liked bool
	Vote  VoteType
}

// Engine is the single source of truth for toggling and reading
// engagement counters. Mutations require the fast store and fail loudly
// with store.ErrUnavailable when it is down; reads degrade silently to
// the durable store's last-reconciled values.
type Engine struct {
	fast     store.Store
	entities durable.EntityStore
	log      logger.Logger
	policies map[string]TogglePolicy
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTogglePolicy overrides the like-toggle policy for one entity kind.
func WithTogglePolicy(kind string, policy TogglePolicy) EngineOption {
	return func(e *Engine) { e.policies[kind] = policy }
}

// New returns a counter engine. The default policies preserve the
// historical per-axis behavior: repeat-liking a post is a conflict,
// repeat-liking a comment is an idempotent success.
func New(fast store.Store, entities durable.EntityStore, log logger.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		fast:     fast,
		entities: entities,
		log:      log,
		policies: map[string]TogglePolicy{
			durable.KindPost:    StrictToggle,
			durable.KindComment: IdempotentToggle,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func validKind(kind string) bool {
	return kind == durable.KindPost || kind == durable.KindComment
}

func (e *Engine) validateEntity(kind, id string) error {
	fields := map[string][]string{}
	if !validKind(kind) {
		fields["entityKind"] = append(fields["entityKind"], "must be post or comment")
	}
	if id == "" {
		fields["entityId"] = append(fields["entityId"], "required")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// ToggleLike applies a like (want=true) or unlike (want=false) for one
// user on one entity and returns the resulting count.
func (e *Engine) ToggleLike(ctx context.Context, kind, id, userID string, want bool) (ToggleResult, error) {
	if err := e.validateEntity(kind, id); err != nil {
		return ToggleResult{}, err
	}
	if userID == "" {
		return ToggleResult{}, NewValidationError("userId", "required")
	}
	policy := e.policies[kind]
	setKey := AxisLikes.SetKey(kind, id)
	counterKey := AxisLikes.CounterKey(kind, id)

	member, err := e.fast.SetContains(ctx, setKey, userID)
	if err != nil {
		return ToggleResult{}, err
	}
	if want == member {
		return e.likeNoop(ctx, kind, id, policy, want)
	}

	if want {
		// Cold set: confirm the entity exists before creating keys for it.
		card, err := e.fast.SetCard(ctx, setKey)
		if err != nil {
			return ToggleResult{}, err
		}
		if card == 0 {
			if _, err := e.entities.CreatedAt(ctx, kind, id); err != nil {
				return ToggleResult{}, err
			}
		}
		added, err := e.fast.SetAdd(ctx, setKey, userID)
		if err != nil {
			return ToggleResult{}, err
		}
		if !added {
			// Lost a race with a concurrent like; skip the increment so the
			// counter stays equal to the set cardinality.
			return e.likeNoop(ctx, kind, id, policy, true)
		}
		count, err := e.fast.Increment(ctx, counterKey)
		if err != nil {
			return ToggleResult{}, err
		}
		return ToggleResult{Liked: true, LikeCount: count}, nil
	}

	removed, err := e.fast.SetRemove(ctx, setKey, userID)
	if err != nil {
		return ToggleResult{}, err
	}
	if !removed {
		return e.likeNoop(ctx, kind, id, policy, false)
	}
	count, err := e.fast.Decrement(ctx, counterKey)
	if err != nil {
		return ToggleResult{}, err
	}
	count = e.floorCounter(ctx, counterKey, count)
	return ToggleResult{Liked: false, LikeCount: count}, nil
}

// likeNoop resolves a toggle that changes nothing: a conflict under
// StrictToggle, the unchanged count under IdempotentToggle.
func (e *Engine) likeNoop(ctx context.Context, kind, id string, policy TogglePolicy, liked bool) (ToggleResult, error) {
	if policy == StrictToggle {
		if liked {
			return ToggleResult{}, errors.Mark(
				errors.Newf("%s %q already liked", kind, id), ErrAlreadyInState)
		}
		return ToggleResult{}, errors.Mark(
			errors.Newf("%s %q not liked yet", kind, id), ErrNotInState)
	}
	count, err := e.axisCount(ctx, kind, id, AxisLikes)
	if err != nil {
		return ToggleResult{}, err
	}
	return ToggleResult{Liked: liked, LikeCount: count}, nil
}

// CastVote applies an upvote or downvote on a post. Voting the same
// direction again undoes the vote; voting the opposite direction clears
// the old vote first. A user is never in both vote sets at once.
func (e *Engine) CastVote(ctx context.Context, id, userID string, vote VoteType) (VoteResult, error) {
	if err := e.validateEntity(durable.KindPost, id); err != nil {
		return VoteResult{}, err
	}
	if userID == "" {
		return VoteResult{}, NewValidationError("userId", "required")
	}
	if vote != VoteUp && vote != VoteDown {
		return VoteResult{}, NewValidationError("voteType", "must be UPVOTE or DOWNVOTE")
	}
	kind := durable.KindPost
	same := vote.axis()
	opp := same.opposite()
	sameSet := same.SetKey(kind, id)
	oppSet := opp.SetKey(kind, id)

	sameMember, err := e.fast.SetContains(ctx, sameSet, userID)
	if err != nil {
		return VoteResult{}, err
	}

	if sameMember {
		// Same direction again: undo.
		removed, err := e.fast.SetRemove(ctx, sameSet, userID)
		if err != nil {
			return VoteResult{}, err
		}
		if removed {
			n, err := e.fast.Decrement(ctx, same.CounterKey(kind, id))
			if err != nil {
				return VoteResult{}, err
			}
			e.floorCounter(ctx, same.CounterKey(kind, id), n)
		}
		return e.voteResult(ctx, id, VoteNone)
	}

	// Cold entity check before creating keys.
	card, err := e.fast.SetCard(ctx, sameSet)
	if err != nil {
		return VoteResult{}, err
	}
	if card == 0 {
		if _, err := e.entities.CreatedAt(ctx, kind, id); err != nil {
			return VoteResult{}, err
		}
	}

	// Clear the opposite membership and claim the requested one in a
	// single atomic batch, then apply only the counter deltas the
	// membership changes earned.
	b := e.fast.Batch()
	oppRemoved := b.SetRemove(oppSet, userID)
	added := b.SetAdd(sameSet, userID)
	if err := b.Exec(ctx); err != nil {
		return VoteResult{}, err
	}

	if oppRemoved.Bool() || added.Bool() {
		deltas := e.fast.Batch()
		var oppCount *store.IntReply
		if oppRemoved.Bool() {
			oppCount = deltas.Decrement(opp.CounterKey(kind, id))
		}
		if added.Bool() {
			deltas.Increment(same.CounterKey(kind, id))
		}
		if err := deltas.Exec(ctx); err != nil {
			return VoteResult{}, err
		}
		if oppCount != nil {
			e.floorCounter(ctx, opp.CounterKey(kind, id), oppCount.Val())
		}
	}
	return e.voteResult(ctx, id, vote)
}

// voteResult assembles both vote counters after a mutation.
func (e *Engine) voteResult(ctx context.Context, id string, vote VoteType) (VoteResult, error) {
	up, err := e.axisCount(ctx, durable.KindPost, id, AxisUpvotes)
	if err != nil {
		return VoteResult{}, err
	}
	down, err := e.axisCount(ctx, durable.KindPost, id, AxisDownvotes)
	if err != nil {
		return VoteResult{}, err
	}
	return VoteResult{UpvoteCount: up, DownvoteCount: down, Vote: vote}, nil
}

// axisCount reads one axis with the fast store preferred and the durable
// value as fallback. Used on mutation paths, so fast-store errors are
// returned rather than swallowed.
func (e *Engine) axisCount(ctx context.Context, kind, id string, axis Axis) (int64, error) {
	val, found, err := e.fast.GetString(ctx, axis.CounterKey(kind, id))
	if err != nil {
		return 0, err
	}
	if found {
		if n, perr := strconv.ParseInt(val, 10, 64); perr == nil {
			if n < 0 {
				n = 0
			}
			return n, nil
		}
	}
	counts, err := e.entities.GetCounts(ctx, kind, id)
	if err != nil {
		if errors.Is(err, durable.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	switch axis {
	case AxisUpvotes:
		return counts.UpvoteCount, nil
	case AxisDownvotes:
		return counts.DownvoteCount, nil
	default:
		return counts.LikeCount, nil
	}
}

// floorCounter clamps a counter that went negative back to zero. Correct
// toggling keeps counters non-negative; this guards the display value
// when the store was mutated out of band.
func (e *Engine) floorCounter(ctx context.Context, key string, n int64) int64 {
	if n >= 0 {
		return n
	}
	if err := e.fast.SetString(ctx, key, "0", 0); err != nil {
		e.log.Warn("failed to reset negative counter %s: %v", key, err)
	}
	return 0
}

// GetCounts returns the current counts for one entity, preferring the
// fast store per axis and falling back to the durable store's
// last-reconciled values. Fast-store failures degrade silently to the
// durable values.
func (e *Engine) GetCounts(ctx context.Context, kind, id string) (durable.Counts, error) {
	if err := e.validateEntity(kind, id); err != nil {
		return durable.Counts{}, err
	}

	keys := []string{AxisLikes.CounterKey(kind, id)}
	if kind == durable.KindPost {
		keys = append(keys,
			AxisUpvotes.CounterKey(kind, id),
			AxisDownvotes.CounterKey(kind, id),
			CommentCountKey(id))
	}

	cached := make(map[string]int64, len(keys))
	for _, key := range keys {
		val, found, err := e.fast.GetString(ctx, key)
		if err != nil {
			// Degrade to the durable store for everything.
			e.log.Debug("fast store unavailable reading %s, using durable counts: %v", key, err)
			return e.entities.GetCounts(ctx, kind, id)
		}
		if !found {
			continue
		}
		n, perr := strconv.ParseInt(val, 10, 64)
		if perr != nil || n < 0 {
			continue
		}
		cached[key] = n
	}

	var fallback durable.Counts
	if len(cached) < len(keys) {
		var err error
		fallback, err = e.entities.GetCounts(ctx, kind, id)
		if err != nil {
			if !errors.Is(err, durable.ErrNotFound) {
				return durable.Counts{}, err
			}
			if len(cached) == 0 {
				return durable.Counts{}, err
			}
			// Entity row is gone but live keys remain; serve what we have.
			fallback = durable.Counts{}
		}
	}

	pick := func(key string, durableVal int64) int64 {
		if n, ok := cached[key]; ok {
			return n
		}
		return durableVal
	}
	counts := durable.Counts{
		LikeCount: pick(AxisLikes.CounterKey(kind, id), fallback.LikeCount),
	}
	if kind == durable.KindPost {
		counts.UpvoteCount = pick(AxisUpvotes.CounterKey(kind, id), fallback.UpvoteCount)
		counts.DownvoteCount = pick(AxisDownvotes.CounterKey(kind, id), fallback.DownvoteCount)
		counts.CommentCount = pick(CommentCountKey(id), fallback.CommentCount)
	}
	return counts, nil
}

// GetUserState returns whether the user currently likes the entity and,
// for posts, their vote. Fast-store failures degrade to the zero state
// since membership lives only in the fast store.
func (e *Engine) GetUserState(ctx context.Context, kind, id, userID string) (UserState, error) {
	if err := e.validateEntity(kind, id); err != nil {
		return UserState{}, err
	}
	if userID == "" {
		return UserState{}, NewValidationError("userId", "required")
	}
	state := UserState{Vote: VoteNone}

	liked, err := e.fast.SetContains(ctx, AxisLikes.SetKey(kind, id), userID)
	if err != nil {
		e.log.Debug("fast store unavailable reading user state for %s %s: %v", kind, id, err)
		return state, nil
	}
	state.Liked = liked

	if kind == durable.KindPost {
		up, err := e.fast.SetContains(ctx, AxisUpvotes.SetKey(kind, id), userID)
		if err != nil {
			return state, nil
		}
		if up {
			state.Vote = VoteUp
			return state, nil
		}
		down, err := e.fast.SetContains(ctx, AxisDownvotes.SetKey(kind, id), userID)
		if err != nil {
			return state, nil
		}
		if down {
			state.Vote = VoteDown
		}
	}
	return state, nil
}

// ClearEntity removes every fast-store key belonging to an entity. Called
// by delete paths (e.g. comment soft-delete clearing its like keys).
func (e *Engine) ClearEntity(ctx context.Context, kind, id string) error {
	if err := e.validateEntity(kind, id); err != nil {
		return err
	}
	keys := []string{
		AxisLikes.SetKey(kind, id),
		AxisLikes.CounterKey(kind, id),
	}
	if kind == durable.KindPost {
		keys = append(keys,
			AxisUpvotes.SetKey(kind, id),
			AxisUpvotes.CounterKey(kind, id),
			AxisDownvotes.SetKey(kind, id),
			AxisDownvotes.CounterKey(kind, id),
			CommentCountKey(id))
	}
	return e.fast.DeleteKeys(ctx, keys...)
}
