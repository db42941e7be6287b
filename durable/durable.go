// Package durable provides the durable-store adapter: a wrapper over the
// relational database holding the authoritative forum records. Only the
// fields this subsystem touches are exposed — reconciled counter values,
// entity creation timestamps and the singleton settings row.
package durable

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned when the referenced entity row does not exist.
var ErrNotFound = errors.New("entity not found")

// Entity kinds known to the durable store.
const (
	KindPost    = "post"
	KindComment = "comment"
)

// Counts holds the per-axis counter values of one entity. Comments only
// carry LikeCount; the vote and comment counts are zero for them.
type Counts struct {
	LikeCount     int64
	UpvoteCount   int64
	DownvoteCount int64
	CommentCount  int64
}

// Settings is the singleton configuration record gating forum features.
type Settings struct {
	ForumsEnabled   bool      `msgpack:"forums_enabled"`
	PostsEnabled    bool      `msgpack:"posts_enabled"`
	CommentsEnabled bool      `msgpack:"comments_enabled"`
	LikesEnabled    bool      `msgpack:"likes_enabled"`
	VotingEnabled   bool      `msgpack:"voting_enabled"`
	MaintenanceMode bool      `msgpack:"maintenance_mode"`
	MaxUploadMB     int64     `msgpack:"max_upload_mb"`
	UpdatedBy       string    `msgpack:"updated_by"`
	UpdatedAt       time.Time `msgpack:"updated_at"`
}

// Audit carries the identity stamped onto administrative writes.
type Audit struct {
	UpdatedBy string
}

// EntityStore reads and writes the reconciled counter fields of posts
// and comments. Writes are per axis family so one reconciliation job
// never clobbers another's columns; each write is last-write-wins.
type EntityStore interface {
	// GetCounts returns the last-reconciled counts for the entity.
	GetCounts(ctx context.Context, kind, id string) (Counts, error)
	// SetLikeCount overwrites the entity's like counter.
	SetLikeCount(ctx context.Context, kind, id string, n int64) error
	// SetVoteCounts overwrites a post's vote counters.
	SetVoteCounts(ctx context.Context, id string, up, down int64) error
	// SetCommentCount overwrites a post's reply counter.
	SetCommentCount(ctx context.Context, id string, n int64) error
	// CreatedAt returns the entity's creation timestamp.
	CreatedAt(ctx context.Context, kind, id string) (time.Time, error)
}

// SettingsStore reads and writes the singleton settings row.
type SettingsStore interface {
	// GetSettings returns the settings row, or (nil, nil) when absent.
	GetSettings(ctx context.Context) (*Settings, error)
	// InsertDefaultSettings inserts and returns the hard-coded default row.
	InsertDefaultSettings(ctx context.Context) (*Settings, error)
	// UpdateSettings applies an allow-listed subset of fields and stamps
	// the audit columns.
	UpdateSettings(ctx context.Context, fields map[string]any, audit Audit) error
}

// DefaultSettings returns the row inserted when none exists yet.
func DefaultSettings() Settings {
	return Settings{
		ForumsEnabled:   true,
		PostsEnabled:    true,
		CommentsEnabled: true,
		LikesEnabled:    true,
		VotingEnabled:   true,
		MaintenanceMode: false,
		MaxUploadMB:     50,
	}
}

// settingsColumns is the allow-list of administratively writable fields.
var settingsColumns = map[string]bool{
	"forums_enabled":   true,
	"posts_enabled":    true,
	"comments_enabled": true,
	"likes_enabled":    true,
	"voting_enabled":   true,
	"maintenance_mode": true,
	"max_upload_mb":    true,
}
