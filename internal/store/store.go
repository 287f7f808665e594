// Package store persists normalized posts, adapter accounts and sync history
// in sqlite (modernc) or postgres (lib/pq).
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	// ErrStorage wraps every failure of the underlying database.
	ErrStorage = errors.New("storage error")
	// ErrInvalid marks input rejected before it reaches the database.
	ErrInvalid = errors.New("invalid input")
)

const busyTimeoutMS = 5000

type Store struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

type Post struct {
	ID          int64
	Platform    string
	SourceID    string
	SourceName  string
	ExternalID  string
	DedupeKey   string
	Content     string
	ContentHash string
	MediaURL    string
	PostURL     string
	PostedAt    time.Time
	IsRead      bool
	IngestedAt  time.Time
}

type PostInput struct {
	Platform   string
	SourceID   string
	SourceName string
	// ExternalID is the provider's item id. Empty falls back to PostedAt for dedupe.
	ExternalID string
	Content    string
	MediaURL   string
	PostURL    string
	PostedAt   time.Time
}

// Open connects to dsn. postgres:// URLs and key=value DSNs with host and
// dbname use postgres, everything else is treated as a sqlite file path.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("dsn is required")
	}

	d := detectDialect(dsn)
	var (
		db  *sql.DB
		err error
	)
	switch d {
	case dialectPostgres:
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	default:
		dir := filepath.Dir(dsn)
		if dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// one connection serializes writers and keeps the pragmas below in effect
		db.SetMaxOpenConns(1)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrStorage, d, err)
	}

	if d == dialectSQLite {
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMS),
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	if err := migrate(ctx, db, d); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, dialect: d, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Backend reports "sqlite" or "postgres".
func (s *Store) Backend() string {
	return s.dialect.String()
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("%w: store is not initialized", ErrStorage)
	}
	return nil
}

func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

// Upsert inserts the post or replaces the stored copy sharing its dedupe key.
// The read flag and ingestion time of an existing row are kept.
func (s *Store) Upsert(ctx context.Context, in PostInput) (Post, error) {
	if err := s.ready(); err != nil {
		return Post{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if strings.TrimSpace(in.Platform) == "" {
		return Post{}, fmt.Errorf("%w: platform is required", ErrInvalid)
	}
	if strings.TrimSpace(in.SourceID) == "" {
		return Post{}, fmt.Errorf("%w: source_id is required", ErrInvalid)
	}
	if strings.TrimSpace(in.Content) == "" {
		return Post{}, fmt.Errorf("%w: content is required", ErrInvalid)
	}
	if in.PostedAt.IsZero() {
		return Post{}, fmt.Errorf("%w: posted_at is required", ErrInvalid)
	}

	sourceName := strings.TrimSpace(in.SourceName)
	if sourceName == "" {
		sourceName = in.SourceID
	}
	key := DedupeKey(in.ExternalID, in.PostedAt)

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO posts (
			platform, source_id, source_name, external_id, dedupe_key, content, content_hash,
			media_url, post_url, posted_at, is_read, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(platform, source_id, dedupe_key) DO UPDATE SET
			source_name = excluded.source_name,
			content = excluded.content,
			content_hash = excluded.content_hash,
			media_url = excluded.media_url,
			post_url = excluded.post_url,
			posted_at = excluded.posted_at
	`),
		in.Platform,
		in.SourceID,
		sourceName,
		strings.TrimSpace(in.ExternalID),
		key,
		in.Content,
		contentHash(in.Content),
		strings.TrimSpace(in.MediaURL),
		strings.TrimSpace(in.PostURL),
		toMillis(in.PostedAt),
		toMillis(s.now()),
	)
	if err != nil {
		return Post{}, fmt.Errorf("%w: upsert post: %w", ErrStorage, err)
	}

	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+postColumns+`
		FROM posts
		WHERE platform = ? AND source_id = ? AND dedupe_key = ?
	`), in.Platform, in.SourceID, key)

	return scanPost(row)
}

// QueryBySource returns posts of one platform, newest first. limit <= 0 means all.
func (s *Store) QueryBySource(ctx context.Context, platform string, limit int) ([]Post, error) {
	return s.queryPosts(ctx, "WHERE platform = ?", []any{platform}, limit)
}

// QueryBySourceID returns posts of one followed source, newest first.
func (s *Store) QueryBySourceID(ctx context.Context, sourceID string, limit int) ([]Post, error) {
	return s.queryPosts(ctx, "WHERE source_id = ?", []any{sourceID}, limit)
}

// QueryAll returns posts across all platforms, newest first.
func (s *Store) QueryAll(ctx context.Context, limit int) ([]Post, error) {
	return s.queryPosts(ctx, "", nil, limit)
}

func (s *Store) queryPosts(ctx context.Context, where string, args []any, limit int) ([]Post, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	query := "SELECT " + postColumns + " FROM posts " + where + " ORDER BY posted_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query posts: %w", ErrStorage, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var posts []Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate posts: %w", ErrStorage, err)
	}

	return posts, nil
}

// MarkRead flags a post as read. Unknown ids are ignored.
func (s *Store) MarkRead(ctx context.Context, id int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.db.ExecContext(ctx, s.q("UPDATE posts SET is_read = 1 WHERE id = ? AND is_read = 0"), id); err != nil {
		return fmt.Errorf("%w: mark read: %w", ErrStorage, err)
	}
	return nil
}

func (s *Store) UnreadCount(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts WHERE is_read = 0").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count unread: %w", ErrStorage, err)
	}
	return n, nil
}

// PruneOlderThan deletes posts whose origin time is before cutoff, along with
// sync runs started before it. Returns the number of posts removed.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin prune transaction: %w", ErrStorage, err)
	}

	res, err := tx.ExecContext(ctx, s.q("DELETE FROM posts WHERE posted_at < ?"), toMillis(cutoff))
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("%w: prune posts: %w", ErrStorage, err)
	}
	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM sync_runs WHERE started_at < ?"), toMillis(cutoff)); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("%w: prune sync runs: %w", ErrStorage, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit prune: %w", ErrStorage, err)
	}

	n, _ := res.RowsAffected()
	return n, nil
}

// DedupeKey is the per-source identity of a post.
func DedupeKey(externalID string, postedAt time.Time) string {
	if id := strings.TrimSpace(externalID); id != "" {
		return "id:" + id
	}
	return fmt.Sprintf("ts:%d", toMillis(postedAt))
}

const postColumns = `id, platform, source_id, source_name, external_id, dedupe_key, content,
	content_hash, media_url, post_url, posted_at, is_read, ingested_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(scanner rowScanner) (Post, error) {
	var (
		post                 Post
		postedAt, ingestedAt int64
		isRead               int
	)

	if err := scanner.Scan(
		&post.ID,
		&post.Platform,
		&post.SourceID,
		&post.SourceName,
		&post.ExternalID,
		&post.DedupeKey,
		&post.Content,
		&post.ContentHash,
		&post.MediaURL,
		&post.PostURL,
		&postedAt,
		&isRead,
		&ingestedAt,
	); err != nil {
		return Post{}, fmt.Errorf("%w: scan post: %w", ErrStorage, err)
	}

	post.PostedAt = fromMillis(postedAt)
	post.IngestedAt = fromMillis(ingestedAt)
	post.IsRead = isRead != 0
	return post, nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
