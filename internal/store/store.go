// File: internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidpatrol/internal/patrol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrReportNotFound is returned by GetReport for an unknown run id.
var ErrReportNotFound = errors.New("patrol report not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists patrol reports in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS patrol_runs (
    run_id TEXT PRIMARY KEY,
    platform TEXT NOT NULL,
    keyword TEXT NOT NULL,
    device TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    final_state TEXT NOT NULL,
    termination_reason TEXT NOT NULL,
    scroll_count INTEGER NOT NULL DEFAULT 0,
    error_count INTEGER NOT NULL DEFAULT 0,
    recoveries INTEGER NOT NULL DEFAULT 0,
    errors JSONB NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS patrol_posts (
    run_id TEXT NOT NULL REFERENCES patrol_runs(run_id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    post_key TEXT NOT NULL,
    author TEXT NOT NULL DEFAULT '',
    excerpt TEXT NOT NULL DEFAULT '',
    engagement JSONB NOT NULL DEFAULT '{}',
    sentiment TEXT NOT NULL DEFAULT '',
    visited_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (run_id, position)
);
CREATE INDEX IF NOT EXISTS patrol_posts_key_idx ON patrol_posts (post_key);
`

// EnsureSchema creates the report tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const sqlInsertRun = `
    INSERT INTO patrol_runs (run_id, platform, keyword, device, started_at, finished_at, final_state, termination_reason, scroll_count, error_count, recoveries, errors)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    ON CONFLICT (run_id) DO NOTHING;
`

var postColumns = []string{"run_id", "position", "post_key", "author", "excerpt", "engagement", "sentiment", "visited_at"}

// SaveReport writes the run and its posts in a single transaction. Saving the same
// run twice is rejected.
func (s *Store) SaveReport(ctx context.Context, r *patrol.Report) error {
	if r == nil || r.RunID == "" {
		return errors.New("report has no run id")
	}
	errs, err := json.Marshal(nonNil(r.Errors))
	if err != nil {
		return fmt.Errorf("failed to encode errors: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	tag, err := tx.Exec(ctx, sqlInsertRun,
		r.RunID, r.Platform, r.Keyword, r.Device,
		r.StartedAt.UTC(), nullableTime(r.FinishedAt),
		string(r.FinalState), r.TerminationReason,
		r.ScrollCount, r.ErrorCount, r.Recoveries, errs,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s already stored", r.RunID)
	}

	if len(r.VisitedPosts) > 0 {
		if err := s.copyPosts(ctx, tx, r); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Stored patrol report", zap.String("run_id", r.RunID), zap.Int("posts", len(r.VisitedPosts)))
	return nil
}

func (s *Store) copyPosts(ctx context.Context, tx pgx.Tx, r *patrol.Report) error {
	rows := make([][]interface{}, len(r.VisitedPosts))
	for i, p := range r.VisitedPosts {
		engagement, err := json.Marshal(nonNilMap(p.Engagement))
		if err != nil {
			return fmt.Errorf("failed to encode engagement: %w", err)
		}
		rows[i] = []interface{}{
			r.RunID, i, p.Key, p.Author, p.Excerpt, engagement, p.Sentiment, p.VisitedAt.UTC(),
		}
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"patrol_posts"}, postColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy posts: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("mismatch in copied posts count: expected %d, got %d", len(rows), n)
	}
	return nil
}

const sqlSelectRun = `
    SELECT platform, keyword, device, started_at, finished_at, final_state, termination_reason, scroll_count, error_count, recoveries, errors
    FROM patrol_runs
    WHERE run_id = $1;
`

const sqlSelectPosts = `
    SELECT post_key, author, excerpt, engagement, sentiment, visited_at
    FROM patrol_posts
    WHERE run_id = $1
    ORDER BY position ASC;
`

// GetReport loads a stored report with its posts in visit order.
func (s *Store) GetReport(ctx context.Context, runID string) (*patrol.Report, error) {
	rows, err := s.pool.Query(ctx, sqlSelectRun, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	r := &patrol.Report{RunID: runID}
	found := false
	for rows.Next() {
		var finished *time.Time
		var state string
		var errs []byte
		if err := rows.Scan(&r.Platform, &r.Keyword, &r.Device, &r.StartedAt, &finished, &state,
			&r.TerminationReason, &r.ScrollCount, &r.ErrorCount, &r.Recoveries, &errs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		if finished != nil {
			r.FinishedAt = *finished
		}
		r.FinalState = patrol.State(state)
		if len(errs) > 0 {
			if err := json.Unmarshal(errs, &r.Errors); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to decode errors: %w", err)
			}
		}
		found = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, runID)
	}

	posts, err := s.pool.Query(ctx, sqlSelectPosts, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	defer posts.Close()
	for posts.Next() {
		var p patrol.PostRecord
		var engagement []byte
		if err := posts.Scan(&p.Key, &p.Author, &p.Excerpt, &engagement, &p.Sentiment, &p.VisitedAt); err != nil {
			return nil, fmt.Errorf("failed to scan post row: %w", err)
		}
		if len(engagement) > 0 && string(engagement) != "{}" {
			if err := json.Unmarshal(engagement, &p.Engagement); err != nil {
				return nil, fmt.Errorf("failed to decode engagement: %w", err)
			}
		}
		r.VisitedPosts = append(r.VisitedPosts, p)
	}
	if err := posts.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return r, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
