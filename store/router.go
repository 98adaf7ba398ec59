package store

import (
	"context"

	"filepulse/models"
)

// Router places guest jobs in the ephemeral cache store and authenticated
// jobs in the durable store. After creation the job is looked up in both,
// cache first, so readers never need to know the owner kind. With no
// durable store configured everything lands in the cache.
type Router struct {
	cache   Jobs
	durable Jobs
}

func NewRouter(cache, durable Jobs) *Router {
	return &Router{cache: cache, durable: durable}
}

func (r *Router) Create(ctx context.Context, job *models.Job) error {
	return r.pick(job).Create(ctx, job)
}

func (r *Router) Get(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := r.cache.Get(ctx, jobID)
	if err == nil || r.durable == nil {
		return job, err
	}
	if err != ErrNotFound {
		return nil, err
	}
	return r.durable.Get(ctx, jobID)
}

func (r *Router) UpdateStatus(ctx context.Context, jobID string, status models.Status, outputLocation string) error {
	return r.each(ctx, jobID, func(backend Jobs) error {
		return backend.UpdateStatus(ctx, jobID, status, outputLocation)
	})
}

func (r *Router) Delete(ctx context.Context, jobID string) error {
	if err := r.cache.Delete(ctx, jobID); err != nil {
		return err
	}
	if r.durable != nil {
		return r.durable.Delete(ctx, jobID)
	}
	return nil
}

func (r *Router) GetProgress(ctx context.Context, jobID string) (*models.ProgressRecord, error) {
	rec, err := r.cache.GetProgress(ctx, jobID)
	if err == nil || r.durable == nil {
		return rec, err
	}
	if err != ErrNotFound {
		return nil, err
	}
	return r.durable.GetProgress(ctx, jobID)
}

func (r *Router) SetProgress(ctx context.Context, jobID string, rec *models.ProgressRecord) error {
	return r.each(ctx, jobID, func(backend Jobs) error {
		return backend.SetProgress(ctx, jobID, rec)
	})
}

func (r *Router) pick(job *models.Job) Jobs {
	if r.durable != nil && !job.IsGuest() {
		return r.durable
	}
	return r.cache
}

// each applies an update to whichever backend holds the job.
func (r *Router) each(ctx context.Context, jobID string, fn func(Jobs) error) error {
	err := fn(r.cache)
	if err != ErrNotFound || r.durable == nil {
		return err
	}
	return fn(r.durable)
}
