package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"filepulse/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the ephemeral backend used when the service runs with
// Redis: job metadata and progress live in JSON values under a TTL, the
// same shape the in-memory backend keeps.
//
// Updates are read-modify-write guarded by a per-key in-process mutex;
// the HTTP surface and the worker pool share the process, so a single
// writer per key is enough to keep records from tearing.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *RedisStore) Create(ctx context.Context, job *models.Job) error {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	return s.writeJSON(ctx, s.infoKey(job.JobID), job)
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.readJSON(ctx, s.infoKey(jobID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *RedisStore) UpdateStatus(ctx context.Context, jobID string, status models.Status, outputLocation string) error {
	unlock := s.lockKey(jobID)
	defer unlock()

	var job models.Job
	if err := s.readJSON(ctx, s.infoKey(jobID), &job); err != nil {
		return err
	}
	if !job.Status.CanTransition(status) {
		return nil
	}
	job.Status = status
	if status == models.StatusCompleted && outputLocation != "" {
		job.OutputLocation = outputLocation
	}
	return s.writeJSON(ctx, s.infoKey(jobID), &job)
}

func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	return s.client.Del(ctx, s.infoKey(jobID), s.progressKey(jobID)).Err()
}

func (s *RedisStore) GetProgress(ctx context.Context, jobID string) (*models.ProgressRecord, error) {
	var rec models.ProgressRecord
	if err := s.readJSON(ctx, s.progressKey(jobID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) SetProgress(ctx context.Context, jobID string, rec *models.ProgressRecord) error {
	unlock := s.lockKey(jobID)
	defer unlock()

	// Progress for a vanished job is dropped; late worker callbacks
	// after eviction must not resurrect records.
	if err := s.client.Get(ctx, s.infoKey(jobID)).Err(); err == redis.Nil {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("job lookup failed: %w", err)
	}

	existing, err := s.GetProgress(ctx, jobID)
	if err != nil && err != ErrNotFound {
		return err
	}
	return s.writeJSON(ctx, s.progressKey(jobID), mergeProgress(existing, rec))
}

func (s *RedisStore) infoKey(jobID string) string {
	return fmt.Sprintf("%sjob:info:%s", s.prefix, jobID)
}

func (s *RedisStore) progressKey(jobID string) string {
	return fmt.Sprintf("%sjob:progress:%s", s.prefix, jobID)
}

func (s *RedisStore) writeJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, s.ttl).Err()
}

func (s *RedisStore) readJSON(ctx context.Context, key string, v interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	return json.Unmarshal(data, v)
}

func (s *RedisStore) lockKey(jobID string) func() {
	s.mu.Lock()
	lock, ok := s.locks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[jobID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
