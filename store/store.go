// Package store owns job metadata and progress records. Two backends
// implement the same contract: an ephemeral TTL store (Redis or an
// in-process map) for guest jobs, and a Postgres table for authenticated
// ones. Callers above the Router never learn which backend holds a job.
package store

import (
	"context"
	"errors"

	"filepulse/models"
)

// ErrNotFound covers both jobs that never existed and jobs already
// evicted after the retention window; callers cannot tell the two apart.
var ErrNotFound = errors.New("job not found")

type Jobs interface {
	// Create assigns a fresh job_id and persists the job.
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, jobID string) (*models.Job, error)
	// UpdateStatus applies a lifecycle transition. Attempts to move a
	// job out of a terminal state are silently ignored. outputLocation
	// is recorded only when the new status is completed.
	UpdateStatus(ctx context.Context, jobID string, status models.Status, outputLocation string) error
	Delete(ctx context.Context, jobID string) error
	GetProgress(ctx context.Context, jobID string) (*models.ProgressRecord, error)
	// SetProgress writes the progress record, clamping percent so it
	// never decreases over the lifetime of a job.
	SetProgress(ctx context.Context, jobID string, rec *models.ProgressRecord) error
}

// mergeProgress applies the monotonicity rules shared by every backend:
// percent never decreases, a terminal progress status is never replaced
// by a non-terminal one, and the output-ready flag is sticky.
func mergeProgress(existing, incoming *models.ProgressRecord) *models.ProgressRecord {
	merged := *incoming
	if existing == nil {
		return &merged
	}
	if merged.Percent < existing.Percent {
		merged.Percent = existing.Percent
	}
	if existing.Status.Terminal() && !merged.Status.Terminal() {
		merged.Status = existing.Status
		merged.Stage = existing.Stage
		merged.Percent = existing.Percent
	}
	if existing.Reported {
		merged.Reported = true
	}
	if existing.OutputReady {
		merged.OutputReady = true
	}
	if merged.StartedAt.IsZero() {
		merged.StartedAt = existing.StartedAt
	}
	return &merged
}
