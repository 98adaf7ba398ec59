// Package worker runs the in-process conversion workers: jobs are popped
// from the Redis pending queue, moved through blob storage and the
// external converter, and their progress is reported back through the
// dispatcher exactly like an out-of-process worker would.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"filepulse/config"
	"filepulse/dispatch"
	"filepulse/models"
	"filepulse/services"
	"filepulse/store"

	"github.com/redis/go-redis/v9"
)

// task is the queue envelope: the job plus retry bookkeeping that only
// the worker side cares about.
type task struct {
	models.Job
	RetryCount int `json:"retry_count"`
}

type Pool struct {
	config      *config.Config
	redisClient *redis.Client
	convertSvc  *services.ConvertClient
	blobs       services.BlobStore
	jobs        store.Jobs
	dispatcher  *dispatch.Dispatcher
}

func NewPool(
	cfg *config.Config,
	redisClient *redis.Client,
	convertSvc *services.ConvertClient,
	blobs services.BlobStore,
	jobs store.Jobs,
	dispatcher *dispatch.Dispatcher,
) *Pool {
	return &Pool{
		config:      cfg,
		redisClient: redisClient,
		convertSvc:  convertSvc,
		blobs:       blobs,
		jobs:        jobs,
		dispatcher:  dispatcher,
	}
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	log.Printf("[Worker %d] Starting", workerID)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Worker %d] Shutting down", workerID)
			return
		default:
			// Atomic pop from pending and push to processing
			result, err := p.redisClient.BRPopLPush(
				ctx,
				p.config.PendingQueue,
				p.config.ProcessingQueue,
				30*time.Second,
			).Result()

			if err == redis.Nil {
				// Timeout, no jobs available
				continue
			}

			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Printf("[Worker %d] Redis error: %v", workerID, err)
				time.Sleep(5 * time.Second)
				continue
			}

			var t task
			if err := json.Unmarshal([]byte(result), &t); err != nil {
				log.Printf("[Worker %d] Failed to parse job: %v", workerID, err)
				// Remove malformed job from processing queue
				p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, result)
				continue
			}

			p.processJob(ctx, workerID, &t, result)
		}
	}
}

func (p *Pool) processJob(ctx context.Context, workerID int, t *task, taskJSON string) {
	log.Printf("[Worker %d] Processing job %s (%s -> %s)", workerID, t.JobID, t.SourceFormat, t.TargetFormat)

	if err := p.jobs.UpdateStatus(ctx, t.JobID, models.StatusProcessing, ""); err != nil && err != store.ErrNotFound {
		log.Printf("[Worker %d] Failed to mark job processing: %v", workerID, err)
	}
	p.report(ctx, t.JobID, 25, models.StageUploading)

	timeoutCtx, cancel := context.WithTimeout(ctx, time.Duration(p.config.ConversionTimeout)*time.Second)
	defer cancel()

	startTime := time.Now()

	input, err := p.blobs.Get(timeoutCtx, t.InputLocation)
	if err != nil {
		p.handleJobFailure(ctx, workerID, t, taskJSON, fmt.Sprintf("input download failed: %v", err))
		return
	}
	defer input.Close()

	p.report(ctx, t.JobID, 60, models.StageConverting)

	var converted io.ReadCloser
	if p.convertSvc != nil {
		converted, err = p.convertSvc.Convert(timeoutCtx, input, t.OriginalFilename, t.TargetFormat)
		if err != nil {
			p.handleJobFailure(ctx, workerID, t, taskJSON, fmt.Sprintf("conversion failed: %v", err))
			return
		}
		defer converted.Close()
	} else {
		// No converter deployed: pass the input through unchanged.
		converted = input
	}

	p.report(ctx, t.JobID, 90, models.StageFinalizing)

	outputLocation, err := p.blobs.Put(timeoutCtx, converted, "converted_"+t.OriginalFilename)
	if err != nil {
		p.handleJobFailure(ctx, workerID, t, taskJSON, fmt.Sprintf("output upload failed: %v", err))
		return
	}

	if err := p.jobs.UpdateStatus(ctx, t.JobID, models.StatusCompleted, outputLocation); err != nil && err != store.ErrNotFound {
		log.Printf("[Worker %d] Failed to mark job completed: %v", workerID, err)
	}
	if err := p.dispatcher.ReportProgress(ctx, t.JobID, 100, models.StageCompleted, models.StatusCompleted); err != nil {
		log.Printf("[Worker %d] Failed to report completion: %v", workerID, err)
	}

	// Remove from processing queue
	p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, taskJSON)

	log.Printf("[Worker %d] Job %s completed (%.2fs)", workerID, t.JobID, time.Since(startTime).Seconds())
}

func (p *Pool) report(ctx context.Context, jobID string, percent int, stage string) {
	if err := p.dispatcher.ReportProgress(ctx, jobID, percent, stage, models.StatusProcessing); err != nil {
		log.Printf("progress report for %s failed: %v", jobID, err)
	}
}

func (p *Pool) handleJobFailure(ctx context.Context, workerID int, t *task, taskJSON string, errorMsg string) {
	log.Printf("[Worker %d] Job %s failed: %s", workerID, t.JobID, errorMsg)

	// Remove from processing queue
	p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, taskJSON)

	if t.RetryCount < p.config.MaxRetries {
		t.RetryCount++
		newTaskJSON, _ := json.Marshal(t)

		// Exponential backoff capped at 30s
		delay := time.Duration(math.Pow(2, float64(t.RetryCount))) * time.Second
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}

		time.AfterFunc(delay, func() {
			p.redisClient.LPush(context.Background(), p.config.PendingQueue, newTaskJSON)
			log.Printf("[Worker %d] Scheduled retry %d/%d for job %s in %v",
				workerID, t.RetryCount, p.config.MaxRetries, t.JobID, delay)
		})
		return
	}

	// Max retries reached - move to failed queue and report failure so
	// the job lands in its terminal state instead of disappearing.
	p.redisClient.LPush(ctx, p.config.FailedQueue, taskJSON)
	if err := p.dispatcher.ReportProgress(ctx, t.JobID, 100, models.StageCompleted, models.StatusFailed); err != nil {
		log.Printf("[Worker %d] Failed to report failure: %v", workerID, err)
	}

	log.Printf("[Worker %d] Job %s moved to failed queue after %d retries",
		workerID, t.JobID, p.config.MaxRetries)
}

func (p *Pool) RecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	log.Println("[Recovery] Starting stale job recovery loop")

	for {
		select {
		case <-ctx.Done():
			log.Println("[Recovery] Shutting down")
			return
		case <-ticker.C:
			p.recoverStaleJobs(ctx)
		}
	}
}

func (p *Pool) recoverStaleJobs(ctx context.Context) {
	tasks, err := p.redisClient.LRange(ctx, p.config.ProcessingQueue, 0, -1).Result()
	if err != nil {
		log.Printf("[Recovery] Failed to get processing queue: %v", err)
		return
	}

	recovered := 0
	for _, taskJSON := range tasks {
		var t task
		if err := json.Unmarshal([]byte(taskJSON), &t); err != nil {
			continue
		}

		// Anything older than 5 minutes in processing is stale
		if time.Since(t.CreatedAt) > 5*time.Minute {
			p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, taskJSON)

			if t.RetryCount < p.config.MaxRetries {
				t.RetryCount++
				newTaskJSON, _ := json.Marshal(t)
				p.redisClient.LPush(ctx, p.config.PendingQueue, newTaskJSON)
				recovered++
			} else {
				p.redisClient.LPush(ctx, p.config.FailedQueue, taskJSON)
				if err := p.dispatcher.ReportProgress(ctx, t.JobID, 100, models.StageCompleted, models.StatusFailed); err != nil {
					log.Printf("[Recovery] Failed to report failure for %s: %v", t.JobID, err)
				}
			}
		}
	}

	if recovered > 0 {
		log.Printf("[Recovery] Recovered %d stale jobs", recovered)
	}
}
