package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory keeps a sliding log per key in process memory.
type Memory struct {
	mu   sync.Mutex
	logs map[string][]time.Time
}

func NewMemory() *Memory {
	return &Memory{logs: make(map[string][]time.Time)}
}

func (m *Memory) prune(key string, window time.Duration, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	log := m.logs[key]
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	log = log[i:]
	if len(log) == 0 {
		delete(m.logs, key)
		return nil
	}
	m.logs[key] = log
	return log
}

func (m *Memory) Reserve(_ context.Context, key string, limit int, window time.Duration, now time.Time) (time.Duration, error) {
	if limit <= 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.prune(key, window, now)
	if len(log) < limit {
		m.logs[key] = append(log, now)
		return 0, nil
	}
	return log[0].Add(window).Sub(now), nil
}

func (m *Memory) Count(_ context.Context, key string, window time.Duration, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prune(key, window, now)), nil
}

func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.logs, key)
	m.mu.Unlock()
	return nil
}
