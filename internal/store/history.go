package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SyncRun records one adapter invocation.
type SyncRun struct {
	Platform  string
	StartedAt time.Time
	Duration  time.Duration
	Count     int
	ErrKind   string
	Error     string
}

func (r SyncRun) OK() bool {
	return r.ErrKind == "" && r.Error == ""
}

func (s *Store) RecordSyncRun(ctx context.Context, run SyncRun) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(run.Platform) == "" {
		return fmt.Errorf("%w: platform is required", ErrInvalid)
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sync_runs (platform, started_at, duration_ms, item_count, err_kind, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`), run.Platform, toMillis(run.StartedAt), run.Duration.Milliseconds(), run.Count, run.ErrKind, run.Error)
	if err != nil {
		return fmt.Errorf("%w: record sync run: %w", ErrStorage, err)
	}
	return nil
}

// LatestSyncRuns returns the most recent run of each platform, ordered by platform.
func (s *Store) LatestSyncRuns(ctx context.Context) ([]SyncRun, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.platform, r.started_at, r.duration_ms, r.item_count, r.err_kind, r.error
		FROM sync_runs r
		JOIN (
			SELECT platform, MAX(id) AS id FROM sync_runs GROUP BY platform
		) latest ON latest.id = r.id
		ORDER BY r.platform
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: latest sync runs: %w", ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var runs []SyncRun
	for rows.Next() {
		var (
			run        SyncRun
			startedAt  int64
			durationMS int64
		)
		if err := rows.Scan(&run.Platform, &startedAt, &durationMS, &run.Count, &run.ErrKind, &run.Error); err != nil {
			return nil, fmt.Errorf("%w: scan sync run: %w", ErrStorage, err)
		}
		run.StartedAt = fromMillis(startedAt)
		run.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate sync runs: %w", ErrStorage, err)
	}
	return runs, nil
}

// LastSuccess returns the start time of the latest successful run of platform,
// or the zero time.
func (s *Store) LastSuccess(ctx context.Context, platform string) (time.Time, error) {
	if err := s.ready(); err != nil {
		return time.Time{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT MAX(started_at) FROM sync_runs WHERE platform = ? AND err_kind = '' AND error = ''
	`), platform).Scan(&ms)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: last success %s: %w", ErrStorage, platform, err)
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return fromMillis(ms.Int64), nil
}
