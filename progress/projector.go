// Package progress derives the client-facing status view for a job:
// either from worker-reported values, or from elapsed wall-clock time
// when no worker has reported yet. The simulated path keeps polling
// clients responsive on deployments without a live worker.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"filepulse/models"
	"filepulse/services"
	"filepulse/store"
)

// Simulated progress bands: elapsed seconds since the record was started
// mapped onto percent/stage. Within a band percent grows linearly.
const (
	uploadingUntil  = 3 * time.Second
	convertingUntil = 8 * time.Second
	finalizingUntil = 10 * time.Second
)

// Projection is the point-in-time status view returned to clients.
type Projection struct {
	Percent int
	Stage   string
	Status  models.Status
}

type Projector struct {
	jobs  store.Jobs
	blobs services.BlobStore

	// finalizeMu serializes completion handling per job so the output
	// artifact is produced exactly once even under concurrent polls.
	mu         sync.Mutex
	finalizeMu map[string]*sync.Mutex
}

func NewProjector(jobs store.Jobs, blobs services.BlobStore) *Projector {
	return &Projector{
		jobs:       jobs,
		blobs:      blobs,
		finalizeMu: make(map[string]*sync.Mutex),
	}
}

// Project returns the current view for a job, creating the progress
// record lazily on the first poll.
func (p *Projector) Project(ctx context.Context, jobID string, now time.Time) (*Projection, error) {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// A failed job stays failed no matter what the elapsed clock says.
	if job.Status == models.StatusFailed {
		proj := &Projection{Status: models.StatusFailed, Stage: models.StageConverting}
		if rec, err := p.jobs.GetProgress(ctx, jobID); err == nil {
			proj.Percent = rec.Percent
			proj.Stage = rec.Stage
		}
		return proj, nil
	}

	rec, err := p.jobs.GetProgress(ctx, jobID)
	if err == store.ErrNotFound {
		rec = &models.ProgressRecord{
			Percent:   10,
			Stage:     models.StageUploading,
			Status:    models.StatusProcessing,
			StartedAt: now,
		}
		if err := p.jobs.SetProgress(ctx, jobID, rec); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	proj := &Projection{Percent: rec.Percent, Stage: rec.Stage, Status: rec.Status}
	if !rec.Reported {
		proj = simulate(rec.StartedAt, now)
	}

	if proj.Status == models.StatusCompleted {
		if err := p.finalize(ctx, job, rec, proj); err != nil {
			return nil, err
		}
	} else if proj.Status == models.StatusFailed {
		// Mirror worker-reported failure into the job record.
		if err := p.jobs.UpdateStatus(ctx, jobID, models.StatusFailed, ""); err != nil && err != store.ErrNotFound {
			return nil, err
		}
	}

	// Persist the simulated advance so percent stays monotone across
	// polls; the store clamps regressions.
	if !rec.Reported {
		update := *rec
		update.Percent = proj.Percent
		update.Stage = proj.Stage
		update.Status = proj.Status
		if err := p.jobs.SetProgress(ctx, jobID, &update); err != nil && err != store.ErrNotFound {
			return nil, err
		}
	}

	return proj, nil
}

// simulate maps elapsed time onto the fixed progress bands.
func simulate(startedAt, now time.Time) *Projection {
	elapsed := now.Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	sec := elapsed.Seconds()

	switch {
	case elapsed < uploadingUntil:
		return &Projection{
			Percent: capPercent(10+sec*7, 30),
			Stage:   models.StageUploading,
			Status:  models.StatusProcessing,
		}
	case elapsed < convertingUntil:
		return &Projection{
			Percent: capPercent(30+(sec-3)*10, 80),
			Stage:   models.StageConverting,
			Status:  models.StatusProcessing,
		}
	case elapsed < finalizingUntil:
		return &Projection{
			Percent: capPercent(80+(sec-8)*7.5, 95),
			Stage:   models.StageFinalizing,
			Status:  models.StatusProcessing,
		}
	default:
		return &Projection{
			Percent: 100,
			Stage:   models.StageCompleted,
			Status:  models.StatusCompleted,
		}
	}
}

func capPercent(v float64, max int) int {
	p := int(v)
	if p > max {
		return max
	}
	return p
}

// finalize produces the output artifact on the first observed completion
// and advances the job to its terminal state. Repeat calls for a job that
// already has an output are no-ops.
func (p *Projector) finalize(ctx context.Context, job *models.Job, rec *models.ProgressRecord, proj *Projection) error {
	lock := p.jobLock(job.JobID)
	lock.Lock()
	defer lock.Unlock()

	current, err := p.jobs.Get(ctx, job.JobID)
	if err != nil {
		return err
	}
	if current.Status == models.StatusFailed {
		return nil
	}
	if current.OutputLocation != "" {
		return p.jobs.UpdateStatus(ctx, job.JobID, models.StatusCompleted, "")
	}

	input, err := p.blobs.Get(ctx, current.InputLocation)
	if err != nil {
		return fmt.Errorf("failed to read input blob: %w", err)
	}
	defer input.Close()

	outputLocation, err := p.blobs.Put(ctx, input, "converted_"+current.OriginalFilename)
	if err != nil {
		return fmt.Errorf("failed to write output blob: %w", err)
	}

	if err := p.jobs.UpdateStatus(ctx, job.JobID, models.StatusCompleted, outputLocation); err != nil {
		return err
	}

	done := *rec
	done.Percent = 100
	done.Stage = models.StageCompleted
	done.Status = models.StatusCompleted
	done.OutputReady = true
	if err := p.jobs.SetProgress(ctx, job.JobID, &done); err != nil && err != store.ErrNotFound {
		return err
	}
	return nil
}

func (p *Projector) jobLock(jobID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.finalizeMu[jobID]
	if !ok {
		lock = &sync.Mutex{}
		p.finalizeMu[jobID] = lock
	}
	return lock
}
