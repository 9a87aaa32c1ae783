package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process ledger for single-replica deployments and tests.
type Memory struct {
	mu      sync.Mutex
	config  Config
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemory creates an in-memory ledger
func NewMemory(cfg Config) *Memory {
	return NewMemoryWithClock(cfg, time.Now)
}

// NewMemoryWithClock creates an in-memory ledger reading time from now
func NewMemoryWithClock(cfg Config, now func() time.Time) *Memory {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	return &Memory{config: cfg, entries: make(map[string]*Entry), now: now}
}

func (m *Memory) live(key string) *Entry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !m.now().Before(e.ExpiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

// Allowed reports whether the task may be processed
func (m *Memory) Allowed(_ context.Context, enactmentID, task string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(Key(enactmentID, task))
	return e == nil || e.Status != StatusFailed, nil
}

// RecordFailure counts a failure
func (m *Memory) RecordFailure(_ context.Context, enactmentID, task string, cause error) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key(enactmentID, task)
	now := m.now()
	e := m.live(key)
	if e == nil {
		e = &Entry{Key: key, EnactmentID: enactmentID, Task: task}
		m.entries[key] = e
	}
	e.Failures++
	e.Status = statusFor(e.Failures, m.config.MaxFailures)
	e.LastError = errText(cause)
	e.UpdatedAt = now
	e.ExpiresAt = now.Add(m.config.TTL)
	return e.Status, nil
}

// RecordSuccess clears the task's entry
func (m *Memory) RecordSuccess(_ context.Context, enactmentID, task string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, Key(enactmentID, task))
	return nil
}

// List returns live entries, FAILED first then most recent
func (m *Memory) List(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for key := range m.entries {
		if e := m.live(key); e != nil {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status == StatusFailed
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Cleanup removes expired entries and returns how many were removed
func (m *Memory) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := len(m.entries)
	for key := range m.entries {
		m.live(key)
	}
	return before - len(m.entries)
}

// GetStats returns current ledger statistics
func (m *Memory) GetStats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &Stats{}
	for key := range m.entries {
		e := m.live(key)
		if e == nil {
			continue
		}
		stats.TotalEntries++
		switch e.Status {
		case StatusRetrying:
			stats.Retrying++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}
