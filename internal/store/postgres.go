package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatreel/internal/models"
)

// ErrNotFound is returned when no render job exists for the given id.
var ErrNotFound = errors.New("render job not found")

// ErrDuplicateID is returned when an insert collides on the primary key.
// The id generator is expected to make this unreachable; a collision is a
// fatal submission error, never silently ignored.
var ErrDuplicateID = errors.New("render job id already exists")

// Store wraps pgxpool for Postgres persistence of render jobs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a render job.
type CreateJobParams struct {
	ID            string
	UserID        string
	CompositionID string
	InputProps    map[string]any
}

// CreateJob inserts a fresh pending row. The row is the source of truth for
// the job from this point on; only the worker mutates it afterwards.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.RenderJob, error) {
	propsJSON, err := json.Marshal(p.InputProps)
	if err != nil {
		return models.RenderJob{}, fmt.Errorf("marshal input props: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO render_jobs (id, user_id, status, composition_id, input_props, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $6)
	`, p.ID, p.UserID, models.StatusPending, p.CompositionID, propsJSON, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.RenderJob{}, fmt.Errorf("insert job %s: %w", p.ID, ErrDuplicateID)
		}
		return models.RenderJob{}, fmt.Errorf("insert job: %w", err)
	}

	job := models.RenderJob{
		ID:            p.ID,
		Status:        models.StatusPending,
		CompositionID: p.CompositionID,
		InputProps:    p.InputProps,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if p.UserID != "" {
		uid := p.UserID
		job.UserID = &uid
	}
	return job, nil
}

// GetJob fetches a render job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.RenderJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, status, composition_id, input_props, result_url, blob_key, error_message, created_at, updated_at
		FROM render_jobs WHERE id = $1
	`, id)

	var job models.RenderJob
	var propsJSON []byte
	var userID, resultURL, blobKey, errMsg pgtype.Text

	err := row.Scan(&job.ID, &userID, &job.Status, &job.CompositionID, &propsJSON,
		&resultURL, &blobKey, &errMsg, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RenderJob{}, ErrNotFound
	}
	if err != nil {
		return models.RenderJob{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(propsJSON, &job.InputProps); err != nil {
		return models.RenderJob{}, fmt.Errorf("unmarshal input props: %w", err)
	}
	job.UserID = textPtr(userID)
	job.ResultURL = textPtr(resultURL)
	job.BlobKey = textPtr(blobKey)
	job.ErrorMessage = textPtr(errMsg)
	return job, nil
}

// ClaimJob attempts the pending -> processing transition as a single
// conditional update. It reports false when another worker already claimed
// the job (or the job is past pending), so a stale read never leads to
// double-processing.
func (s *Store) ClaimJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusProcessing, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDone finalizes a job with its durable blob key and, when signing
// succeeded, a freshly signed URL. An empty resultURL is stored as NULL; the
// status endpoint re-derives URLs from the key anyway. The status guard keeps
// terminal rows immutable: finishing a job that already reached a terminal
// state is a no-op, not an error.
func (s *Store) MarkDone(ctx context.Context, id, blobKey, resultURL string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE render_jobs
		SET status = $2, blob_key = $3, result_url = NULLIF($4, ''), error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusDone, blobKey, resultURL, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return nil
}

// MarkError records a terminal failure with an operator-readable message.
// Rows already in a terminal state are left untouched, so a late failure
// report (a stale queue lease, for example) can never flip a done row to
// error.
func (s *Store) MarkError(ctx context.Context, id, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE render_jobs
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.StatusError, message, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	return nil
}

// ReclaimJob retakes a processing row abandoned by a crashed worker. It only
// matches rows untouched for at least staleAfter, so a row a live worker
// claimed moments ago is left alone. Reporting true hands ownership to the
// caller, which then re-runs the render.
func (s *Store) ReclaimJob(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE render_jobs SET updated_at = NOW()
		WHERE id = $1 AND status = $2 AND updated_at < $3
	`, id, models.StatusProcessing, time.Now().UTC().Add(-staleAfter))
	if err != nil {
		return false, fmt.Errorf("reclaim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PendingJobIDs returns the oldest pending job ids, used by the polling
// fallback when no dispatcher is configured. Claiming is still done through
// ClaimJob, so concurrent scanners are safe.
func (s *Store) PendingJobIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM render_jobs
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, models.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PendingCount reports how many jobs are waiting for a worker.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM render_jobs WHERE status = $1
	`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
