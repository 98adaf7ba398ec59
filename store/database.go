package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"filepulse/models"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// DatabaseStore is the durable backend for authenticated owners. Retention
// is an expires_at column checked on read; vacuuming old rows is left to
// the database.
type DatabaseStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewDatabaseStore(databaseURL string, ttl time.Duration) (*DatabaseStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseStore{db: db, ttl: ttl}, nil
}

func (d *DatabaseStore) Create(ctx context.Context, job *models.Job) error {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.StatusQueued
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	query := `INSERT INTO conversion_jobs
		(job_id, owner, original_filename, file_size, source_format, target_format,
		 status, input_location, output_location, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := d.db.ExecContext(ctx, query,
		job.JobID, job.Owner, job.OriginalFilename, job.FileSize,
		job.SourceFormat, job.TargetFormat, string(job.Status),
		job.InputLocation, job.OutputLocation, job.CreatedAt, now.Add(d.ttl),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (d *DatabaseStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	query := `SELECT job_id, owner, original_filename, file_size, source_format,
		target_format, status, input_location, output_location, created_at
		FROM conversion_jobs WHERE job_id = $1 AND expires_at > $2`

	var job models.Job
	var status string
	err := d.db.QueryRowContext(ctx, query, jobID, time.Now()).Scan(
		&job.JobID, &job.Owner, &job.OriginalFilename, &job.FileSize,
		&job.SourceFormat, &job.TargetFormat, &status,
		&job.InputLocation, &job.OutputLocation, &job.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}
	job.Status = models.Status(status)
	return &job, nil
}

func (d *DatabaseStore) UpdateStatus(ctx context.Context, jobID string, status models.Status, outputLocation string) error {
	query := `UPDATE conversion_jobs SET status = $1, updated_at = $2`
	args := []interface{}{string(status), time.Now()}
	argIndex := 3

	if status == models.StatusCompleted {
		query += fmt.Sprintf(`, completed_at = $%d`, argIndex)
		args = append(args, time.Now())
		argIndex++
		if outputLocation != "" {
			query += fmt.Sprintf(`, output_location = $%d`, argIndex)
			args = append(args, outputLocation)
			argIndex++
		}
	}

	// The WHERE clause carries the state machine: terminal rows never
	// match, so a late regression is a zero-row update, not corruption.
	query += fmt.Sprintf(
		` WHERE job_id = $%d AND status NOT IN ('%s', '%s')`,
		argIndex, models.StatusCompleted, models.StatusFailed,
	)
	args = append(args, jobID)

	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		// Either the job is gone or it is already terminal; both are
		// tolerated, but a missing job should still report NotFound.
		if _, getErr := d.Get(ctx, jobID); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (d *DatabaseStore) Delete(ctx context.Context, jobID string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM conversion_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`DELETE FROM conversion_progress WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete progress: %w", err)
	}
	return nil
}

func (d *DatabaseStore) GetProgress(ctx context.Context, jobID string) (*models.ProgressRecord, error) {
	query := `SELECT percent, stage, status, started_at, reported, output_ready
		FROM conversion_progress WHERE job_id = $1`

	var rec models.ProgressRecord
	var status string
	err := d.db.QueryRowContext(ctx, query, jobID).Scan(
		&rec.Percent, &rec.Stage, &status, &rec.StartedAt, &rec.Reported, &rec.OutputReady,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	rec.Status = models.Status(status)
	return &rec, nil
}

func (d *DatabaseStore) SetProgress(ctx context.Context, jobID string, rec *models.ProgressRecord) error {
	if _, err := d.Get(ctx, jobID); err != nil {
		return err
	}

	existing, err := d.GetProgress(ctx, jobID)
	if err != nil && err != ErrNotFound {
		return err
	}
	merged := mergeProgress(existing, rec)

	query := `INSERT INTO conversion_progress
		(job_id, percent, stage, status, started_at, reported, output_ready, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO UPDATE SET
		percent = EXCLUDED.percent, stage = EXCLUDED.stage,
		status = EXCLUDED.status, reported = EXCLUDED.reported,
		output_ready = EXCLUDED.output_ready, updated_at = EXCLUDED.updated_at`
	_, err = d.db.ExecContext(ctx, query,
		jobID, merged.Percent, merged.Stage, string(merged.Status),
		merged.StartedAt, merged.Reported, merged.OutputReady, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to write progress: %w", err)
	}
	return nil
}

func (d *DatabaseStore) Close() error {
	return d.db.Close()
}
