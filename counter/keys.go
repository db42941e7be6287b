package counter

import "strings"

// Axis is one independently toggleable counter dimension on an entity.
type Axis string

const (
	AxisLikes     Axis = "likes"
	AxisUpvotes   Axis = "upvotes"
	AxisDownvotes Axis = "downvotes"
)

// counterField maps the set axis name to its counter field name. The
// names must match the existing store contents bit for bit.
func (a Axis) counterField() string {
	switch a {
	case AxisLikes:
		return "likeCount"
	case AxisUpvotes:
		return "upvoteCount"
	case AxisDownvotes:
		return "downvoteCount"
	}
	return ""
}

// SetKey returns the fast-store key of the membership set, e.g.
// "post:p1:likes".
func (a Axis) SetKey(kind, id string) string {
	return kind + ":" + id + ":" + string(a)
}

// CounterKey returns the fast-store key of the cached total, e.g.
// "post:p1:likeCount".
func (a Axis) CounterKey(kind, id string) string {
	return kind + ":" + id + ":" + a.counterField()
}

// Pattern returns the scan pattern matching every set key of this axis
// for one entity kind, e.g. "post:*:likes".
func (a Axis) Pattern(kind string) string {
	return kind + ":*:" + string(a)
}

// EntityID extracts the entity ID from a set key produced by SetKey.
// The bool reports whether the key has the expected shape.
func (a Axis) EntityID(kind, key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, kind+":")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ":"+string(a))
	if !ok || id == "" || strings.Contains(id, ":") {
		return "", false
	}
	return id, true
}

// CommentCountKey is the fast-store key caching a post's comment total.
// The comment counter has no membership set; it is maintained by the
// comment write path and only read through here.
func CommentCountKey(id string) string {
	return "post:" + id + ":commentCount"
}
