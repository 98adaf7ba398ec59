package ratelimit

import (
	"context"
	"sync"
	"time"

	"filepulse/models"
)

// Memory is a process-local Limiter backed by a mutex-guarded map.
// It carries the full day-rollover semantics so single-node deployments
// need no Redis.
type Memory struct {
	limit int

	mu     sync.Mutex
	quotas map[string]models.GuestQuota

	now func() time.Time
}

func NewMemory(limit int) *Memory {
	return &Memory{
		limit:  limit,
		quotas: make(map[string]models.GuestQuota),
		now:    time.Now,
	}
}

func (m *Memory) Check(_ context.Context, identity string, authenticated bool) (bool, int, error) {
	if authenticated {
		return true, Unlimited, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	today := m.day()
	if q, ok := m.quotas[identity]; ok && q.Day == today {
		count = q.Count
	}

	remaining := m.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining > 0, remaining, nil
}

func (m *Memory) Consume(_ context.Context, identity string, authenticated bool) error {
	if authenticated {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	today := m.day()
	q, ok := m.quotas[identity]
	if !ok || q.Day != today {
		q = models.GuestQuota{Identity: identity, Day: today}
	}
	q.Count++
	m.quotas[identity] = q
	return nil
}

func (m *Memory) day() string {
	return m.now().UTC().Format("2006-01-02")
}
