package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"shaggydog/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
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

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateJob inserts a job in the processing state.
func (s *Store) CreateJob(ctx context.Context, ownerToken string) (models.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO generations (id, owner_token, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, id, ownerToken, models.StatusProcessing, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return models.Job{
		ID:         id,
		OwnerToken: ownerToken,
		Status:     models.StatusProcessing,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

const jobColumns = `id, owner_token, breed, status, error_message, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var breed, errMsg pgtype.Text
	if err := row.Scan(&job.ID, &job.OwnerToken, &breed, &job.Status, &errMsg, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Breed = textPtr(breed)
	job.ErrorMessage = textPtr(errMsg)
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns the owner's most recent jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, ownerToken string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM generations
		WHERE owner_token = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerToken, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// SetBreed records the detected breed. It only succeeds once per job, and
// only while the job is processing.
func (s *Store) SetBreed(ctx context.Context, id, breed string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE generations SET breed = $2, updated_at = NOW()
		WHERE id = $1 AND breed IS NULL AND status = $3
	`, id, breed, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("set breed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, id, ErrBreedSet)
	}
	return nil
}

// UpdateJobStatus moves a processing job to status. Terminal jobs are never
// rewritten; the guard lives in the WHERE clause so the update is one atomic
// statement.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status string, errorMessage *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE generations SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, status, errorMessage, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, id, ErrTerminal)
	}
	return nil
}

// explainMiss turns a guarded write that touched no rows into the error
// naming the guard that stopped it.
func (s *Store) explainMiss(ctx context.Context, id string, guard error) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if guard != ErrStillRunning && job.Status != models.StatusProcessing {
		return fmt.Errorf("job %s: %w", id, ErrTerminal)
	}
	return fmt.Errorf("job %s: %w", id, guard)
}

// AddAsset stores one payload for a job. The insert only lands while the
// job is processing, so a job that was already failed stays as it was.
func (s *Store) AddAsset(ctx context.Context, jobID string, kind models.AssetKind, mimeType string, data []byte) (models.Asset, error) {
	asset := models.Asset{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Kind:      kind,
		MimeType:  mimeType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO assets (id, generation_id, kind, mime_type, data, created_at)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::bytea, $6::timestamptz
		WHERE EXISTS (SELECT 1 FROM generations WHERE id = $2::text AND status = $7::text)
	`, asset.ID, jobID, string(kind), mimeType, data, asset.CreatedAt, models.StatusProcessing)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return models.Asset{}, fmt.Errorf("job %s %s: %w", jobID, kind, ErrAssetExists)
			case "23503":
				return models.Asset{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
			}
		}
		return models.Asset{}, fmt.Errorf("insert asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Asset{}, s.explainMiss(ctx, jobID, ErrTerminal)
	}
	return asset, nil
}

// GetAsset returns the asset of the given kind.
func (s *Store) GetAsset(ctx context.Context, jobID string, kind models.AssetKind) (models.Asset, error) {
	asset := models.Asset{JobID: jobID}
	var k string
	err := s.pool.QueryRow(ctx, `
		SELECT id, kind, mime_type, data, created_at FROM assets
		WHERE generation_id = $1 AND kind = $2
	`, jobID, string(kind)).Scan(&asset.ID, &k, &asset.MimeType, &asset.Data, &asset.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Asset{}, fmt.Errorf("asset %s/%s: %w", jobID, kind, ErrNotFound)
		}
		return models.Asset{}, fmt.Errorf("scan asset: %w", err)
	}
	asset.Kind = models.AssetKind(k)
	return asset, nil
}

// ListAssets returns all assets of a job in creation order.
func (s *Store) ListAssets(ctx context.Context, jobID string) ([]models.Asset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, mime_type, data, created_at FROM assets
		WHERE generation_id = $1
		ORDER BY created_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var out []models.Asset
	for rows.Next() {
		a := models.Asset{JobID: jobID}
		var k string
		if err := rows.Scan(&a.ID, &k, &a.MimeType, &a.Data, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		a.Kind = models.AssetKind(k)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteJob removes a terminal job; assets and audit rows cascade.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM generations WHERE id = $1 AND status <> $2`, id, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, id, ErrStillRunning)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// AuditTrail returns a job's audit rows, oldest first.
func (s *Store) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var l models.AuditLog
		if err := rows.Scan(&l.JobID, &l.Event, &l.Detail, &l.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
