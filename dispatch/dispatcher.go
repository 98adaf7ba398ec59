// Package dispatch is the boundary to the external conversion worker:
// job handoff, progress callbacks, and the download gate.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"filepulse/models"
	"filepulse/services"
	"filepulse/store"

	"github.com/redis/go-redis/v9"
)

// ErrDispatchFailed wraps an enqueue failure after the compensating
// rollback has run.
var ErrDispatchFailed = errors.New("failed to dispatch conversion job")

// ErrNotReady is returned for download requests before completion.
var ErrNotReady = errors.New("conversion not ready for download")

// Queue hands created jobs to the worker side.
type Queue interface {
	Push(ctx context.Context, job *models.Job) error
}

// RedisQueue pushes serialized jobs onto the pending list the worker
// pool pops from.
type RedisQueue struct {
	client      *redis.Client
	pendingName string
}

func NewRedisQueue(client *redis.Client, pendingName string) *RedisQueue {
	return &RedisQueue{client: client, pendingName: pendingName}
}

func (q *RedisQueue) Push(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.client.LPush(ctx, q.pendingName, data).Err()
}

// NopQueue stands in when no worker is deployed; accepted jobs complete
// through the simulated projection instead.
type NopQueue struct{}

func (NopQueue) Push(context.Context, *models.Job) error { return nil }

// Download is a ready artifact: the stream plus the metadata the HTTP
// layer needs to serve it.
type Download struct {
	Body     io.ReadCloser
	Filename string
	Job      *models.Job
}

type Dispatcher struct {
	queue Queue
	jobs  store.Jobs
	blobs services.BlobStore
}

func NewDispatcher(queue Queue, jobs store.Jobs, blobs services.BlobStore) *Dispatcher {
	return &Dispatcher{queue: queue, jobs: jobs, blobs: blobs}
}

// Enqueue hands a freshly created job to the worker. On failure the job
// record and its uploaded blob are both removed so no orphaned queued
// job survives, and the caller sees ErrDispatchFailed.
func (d *Dispatcher) Enqueue(ctx context.Context, job *models.Job) error {
	err := d.queue.Push(ctx, job)
	if err == nil {
		return nil
	}

	if delErr := d.blobs.Delete(ctx, job.InputLocation); delErr != nil {
		log.Printf("rollback: failed to delete blob for job %s: %v", job.JobID, delErr)
	}
	if delErr := d.jobs.Delete(ctx, job.JobID); delErr != nil {
		log.Printf("rollback: failed to delete job %s: %v", job.JobID, delErr)
	}
	return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
}

// ReportProgress is the worker callback. An unknown job id is tolerated
// silently: late or duplicate callbacks after eviction are expected.
func (d *Dispatcher) ReportProgress(ctx context.Context, jobID string, percent int, stage string, status models.Status) error {
	if _, err := d.jobs.Get(ctx, jobID); err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if !status.Valid() {
		status = models.StatusProcessing
	}

	// StartedAt is left zero so the store keeps the original start time;
	// reported records never consult it anyway.
	rec := &models.ProgressRecord{
		Percent:  percent,
		Stage:    stage,
		Status:   status,
		Reported: true,
	}
	if err := d.jobs.SetProgress(ctx, jobID, rec); err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}

	// Terminal reports advance the job record too; failed is the only
	// way a persisted job fails after creation.
	if status == models.StatusFailed || status == models.StatusProcessing {
		if err := d.jobs.UpdateStatus(ctx, jobID, status, ""); err != nil && err != store.ErrNotFound {
			return err
		}
	}
	return nil
}

// RequestDownload returns the output artifact stream for a completed
// job, ErrNotReady before completion, store.ErrNotFound for unknown ids
// and services.ErrBlobNotFound when the artifact itself is gone.
func (d *Dispatcher) RequestDownload(ctx context.Context, jobID string) (*Download, error) {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status != models.StatusCompleted || job.OutputLocation == "" {
		return nil, ErrNotReady
	}

	body, err := d.blobs.Get(ctx, job.OutputLocation)
	if err != nil {
		return nil, err
	}

	return &Download{
		Body:     body,
		Filename: "converted_" + job.OriginalFilename,
		Job:      job,
	}, nil
}
