package store

import (
	"context"
	"sync"
	"time"

	"filepulse/models"

	"github.com/google/uuid"
)

type memoryEntry struct {
	job      *models.Job
	progress *models.ProgressRecord
	expires  time.Time
}

// MemoryStore is the process-local ephemeral backend: a mutex-guarded map
// with per-entry expiry. Entries are evicted lazily on read and by a
// periodic sweep.
type MemoryStore struct {
	ttl time.Duration

	mu   sync.RWMutex
	jobs map[string]*memoryEntry

	now func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:  ttl,
		jobs: make(map[string]*memoryEntry),
		now:  time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, job *models.Job) error {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *job
	s.jobs[job.JobID] = &memoryEntry{
		job:     &copied,
		expires: s.now().Add(s.ttl),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveEntry(jobID)
	if err != nil {
		return nil, err
	}
	copied := *entry.job
	return &copied, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, jobID string, status models.Status, outputLocation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveEntry(jobID)
	if err != nil {
		return err
	}
	if !entry.job.Status.CanTransition(status) {
		// Terminal states win; a late regression is dropped, not an error.
		return nil
	}
	entry.job.Status = status
	if status == models.StatusCompleted && outputLocation != "" {
		entry.job.OutputLocation = outputLocation
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

func (s *MemoryStore) GetProgress(_ context.Context, jobID string) (*models.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveEntry(jobID)
	if err != nil {
		return nil, err
	}
	if entry.progress == nil {
		return nil, ErrNotFound
	}
	copied := *entry.progress
	return &copied, nil
}

func (s *MemoryStore) SetProgress(_ context.Context, jobID string, rec *models.ProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveEntry(jobID)
	if err != nil {
		return err
	}
	entry.progress = mergeProgress(entry.progress, rec)
	// Progress activity refreshes retention so polled jobs outlive the
	// window, abandoned ones do not.
	entry.expires = s.now().Add(s.ttl)
	return nil
}

// Sweep drops expired entries. Run it on a ticker; reads do not depend on
// it because liveEntry also evicts lazily.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, entry := range s.jobs {
		if now.After(entry.expires) {
			delete(s.jobs, id)
		}
	}
}

func (s *MemoryStore) liveEntry(jobID string) (*memoryEntry, error) {
	entry, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.now().After(entry.expires) {
		delete(s.jobs, jobID)
		return nil, ErrNotFound
	}
	return entry, nil
}
