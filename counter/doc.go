// Package counter implements the write-behind engagement counters for
// posts and comments: like toggles, mutually exclusive upvote/downvote
// toggles, and read-through count lookups.
//
// # Data Model
//
// Each entity axis is represented by two fast-store keys kept in
// lockstep:
//
//	post:p1:likes        set of user IDs who like post p1
//	post:p1:likeCount    cached total, equal to the set's cardinality
//
// Posts carry three axes (likes, upvotes, downvotes); comments carry
// only likes. A fourth post key, post:p1:commentCount, caches the reply
// total but has no membership set — it is maintained by the comment
// write path and only read through here.
//
// The sets are the source of truth for "who", the counters for "how
// many". A counter is only incremented when the corresponding set add
// actually added a member, so two racing likes from the same user earn
// exactly one increment and the invariant counter == cardinality holds.
//
// # Toggle Policies
//
// Repeating a toggle that would not change state is resolved by the
// kind's [TogglePolicy]: [StrictToggle] returns [ErrAlreadyInState] or
// [ErrNotInState], [IdempotentToggle] returns success with the unchanged
// count. Posts default to strict, comments to idempotent; override with
// [WithTogglePolicy].
//
// # Availability
//
// Mutations require the fast store and fail loudly (the error satisfies
// errors.Is(err, store.ErrUnavailable)) when it is unreachable — a
// dropped like must not be reported as accepted. Reads degrade: when a
// counter key is missing or the fast store is down, [Engine.GetCounts]
// serves the durable store's last-reconciled values, and
// [Engine.GetUserState] falls back to the zero state since membership
// exists only in the fast store.
//
// Reconciliation of the fast-store counters into the durable store is
// the job of the reconcile package; this package only maintains and
// serves the live keys.
package counter
