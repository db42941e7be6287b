package durable

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQL implements EntityStore and SettingsStore over database/sql.
type SQL struct {
	db       *sql.DB
	numbered bool // rewrite ? placeholders to $N (Postgres)
}

var _ EntityStore = (*SQL)(nil)
var _ SettingsStore = (*SQL)(nil)

// NewPostgres returns a store backed by Postgres. Schema management
// (migrations) is owned by the wider application.
func NewPostgres(dsn string) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	return &SQL{db: db, numbered: true}, nil
}

// NewSQLite returns a store backed by SQLite (pure Go driver) and
// bootstraps the schema. If dbPath is empty or ":memory:", an in-memory
// database is used. Intended for embedded deployments and tests.
func NewSQLite(dbPath string) (*SQL, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS posts (
			id TEXT PRIMARY KEY,
			like_count INTEGER NOT NULL DEFAULT 0,
			upvote_count INTEGER NOT NULL DEFAULT 0,
			downvote_count INTEGER NOT NULL DEFAULT 0,
			comment_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS comments (
			id TEXT PRIMARY KEY,
			like_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS site_settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			forums_enabled INTEGER NOT NULL,
			posts_enabled INTEGER NOT NULL,
			comments_enabled INTEGER NOT NULL,
			likes_enabled INTEGER NOT NULL,
			voting_enabled INTEGER NOT NULL,
			maintenance_mode INTEGER NOT NULL,
			max_upload_mb INTEGER NOT NULL,
			updated_by TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "bootstrap schema")
		}
	}
	return &SQL{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQL) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $1..$N for drivers that need it.
func (s *SQL) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func tableFor(kind string) (string, error) {
	switch kind {
	case KindPost:
		return "posts", nil
	case KindComment:
		return "comments", nil
	default:
		return "", errors.Newf("unknown entity kind %q", kind)
	}
}

func (s *SQL) GetCounts(ctx context.Context, kind, id string) (Counts, error) {
	table, err := tableFor(kind)
	if err != nil {
		return Counts{}, err
	}
	var counts Counts
	if kind == KindComment {
		err = s.db.QueryRowContext(ctx,
			s.rebind(`SELECT like_count FROM comments WHERE id = ?`), id,
		).Scan(&counts.LikeCount)
	} else {
		err = s.db.QueryRowContext(ctx,
			s.rebind(`SELECT like_count, upvote_count, downvote_count, comment_count FROM `+table+` WHERE id = ?`), id,
		).Scan(&counts.LikeCount, &counts.UpvoteCount, &counts.DownvoteCount, &counts.CommentCount)
	}
	if err == sql.ErrNoRows {
		return Counts{}, errors.Mark(errors.Newf("%s %q", kind, id), ErrNotFound)
	}
	if err != nil {
		return Counts{}, errors.Wrapf(err, "get counts for %s %q", kind, id)
	}
	return counts, nil
}

func (s *SQL) SetLikeCount(ctx context.Context, kind, id string, n int64) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE `+table+` SET like_count = ? WHERE id = ?`), n, id)
	if err != nil {
		return errors.Wrapf(err, "set like count for %s %q", kind, id)
	}
	return oneRow(res, kind, id)
}

func (s *SQL) SetVoteCounts(ctx context.Context, id string, up, down int64) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE posts SET upvote_count = ?, downvote_count = ? WHERE id = ?`),
		up, down, id)
	if err != nil {
		return errors.Wrapf(err, "set vote counts for post %q", id)
	}
	return oneRow(res, KindPost, id)
}

func (s *SQL) SetCommentCount(ctx context.Context, id string, n int64) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE posts SET comment_count = ? WHERE id = ?`), n, id)
	if err != nil {
		return errors.Wrapf(err, "set comment count for post %q", id)
	}
	return oneRow(res, KindPost, id)
}

func oneRow(res sql.Result, kind, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errors.Mark(errors.Newf("%s %q", kind, id), ErrNotFound)
	}
	return nil
}

func (s *SQL) CreatedAt(ctx context.Context, kind, id string) (time.Time, error) {
	table, err := tableFor(kind)
	if err != nil {
		return time.Time{}, err
	}
	var unix int64
	err = s.db.QueryRowContext(ctx,
		s.rebind(`SELECT created_at FROM `+table+` WHERE id = ?`), id,
	).Scan(&unix)
	if err == sql.ErrNoRows {
		return time.Time{}, errors.Mark(errors.Newf("%s %q", kind, id), ErrNotFound)
	}
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "created_at for %s %q", kind, id)
	}
	return time.Unix(unix, 0), nil
}

// CreateEntity inserts an entity row with zeroed counters. Entity
// creation belongs to the wider application; this exists for embedded
// deployments and tests.
func (s *SQL) CreateEntity(ctx context.Context, kind, id string, createdAt time.Time) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO `+table+` (id, created_at) VALUES (?, ?)`),
		id, createdAt.Unix())
	return errors.Wrapf(err, "create %s %q", kind, id)
}

func (s *SQL) GetSettings(ctx context.Context) (*Settings, error) {
	var rec Settings
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT
		forums_enabled, posts_enabled, comments_enabled, likes_enabled,
		voting_enabled, maintenance_mode, max_upload_mb, updated_by, updated_at
		FROM site_settings WHERE id = 1`,
	).Scan(&rec.ForumsEnabled, &rec.PostsEnabled, &rec.CommentsEnabled,
		&rec.LikesEnabled, &rec.VotingEnabled, &rec.MaintenanceMode,
		&rec.MaxUploadMB, &rec.UpdatedBy, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get settings")
	}
	if updatedAt > 0 {
		rec.UpdatedAt = time.Unix(updatedAt, 0)
	}
	return &rec, nil
}

func (s *SQL) InsertDefaultSettings(ctx context.Context) (*Settings, error) {
	def := DefaultSettings()
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO site_settings
		(id, forums_enabled, posts_enabled, comments_enabled, likes_enabled,
		 voting_enabled, maintenance_mode, max_upload_mb)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)`),
		def.ForumsEnabled, def.PostsEnabled, def.CommentsEnabled,
		def.LikesEnabled, def.VotingEnabled, def.MaintenanceMode,
		def.MaxUploadMB)
	if err != nil {
		return nil, errors.Wrap(err, "insert default settings")
	}
	return &def, nil
}

func (s *SQL) UpdateSettings(ctx context.Context, fields map[string]any, audit Audit) error {
	if len(fields) == 0 {
		return errors.New("no settings fields to update")
	}
	cols := make([]string, 0, len(fields))
	for col := range fields {
		if !settingsColumns[col] {
			return errors.Newf("settings field %q is not writable", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var set strings.Builder
	args := make([]any, 0, len(cols)+2)
	for i, col := range cols {
		if i > 0 {
			set.WriteString(", ")
		}
		set.WriteString(col + " = ?")
		args = append(args, fields[col])
	}
	set.WriteString(", updated_by = ?, updated_at = ?")
	args = append(args, audit.UpdatedBy, time.Now().Unix())

	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE site_settings SET `+set.String()+` WHERE id = 1`), args...)
	if err != nil {
		return errors.Wrap(err, "update settings")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errors.Mark(errors.New("settings row"), ErrNotFound)
	}
	return nil
}
