package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. A single lock covers logs and correlations,
// so each operation is one atomic unit for concurrent callers.
type Memory struct {
	mu           sync.RWMutex
	ttl          time.Duration
	now          func() time.Time
	logs         map[string]logEntry
	correlations map[string]correlationEntry // by thread id
	threads      map[string]string           // user id -> thread id
}

type logEntry struct {
	Messages  []string
	ExpiresAt time.Time
}

type correlationEntry struct {
	QuestionID string
	UserID     string
	ExpiresAt  time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty in-memory store whose logs live for ttl after
// their last append.
func NewMemory(ttl time.Duration, opts ...MemoryOption) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Memory{
		ttl:          ttl,
		now:          time.Now,
		logs:         make(map[string]logEntry),
		correlations: make(map[string]correlationEntry),
		threads:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) AppendMessage(_ context.Context, userID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.logs[userID]
	if !ok || !now.Before(e.ExpiresAt) {
		e = logEntry{}
	}
	e.Messages = append(e.Messages, text)
	e.ExpiresAt = now.Add(m.ttl)
	m.logs[userID] = e

	if threadID, ok := m.threads[userID]; ok {
		if c, ok := m.correlations[threadID]; ok && now.Before(c.ExpiresAt) {
			if exp := now.Add(m.ttl); exp.After(c.ExpiresAt) {
				c.ExpiresAt = exp
				m.correlations[threadID] = c
			}
		}
	}
	return nil
}

func (m *Memory) RecordCorrelation(_ context.Context, threadID, questionID, userID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.ttl
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.correlations[threadID]; ok && prev.UserID != userID && m.threads[prev.UserID] == threadID {
		delete(m.threads, prev.UserID)
	}
	m.correlations[threadID] = correlationEntry{
		QuestionID: questionID,
		UserID:     userID,
		ExpiresAt:  m.now().Add(ttl),
	}
	m.threads[userID] = threadID
	return nil
}

func (m *Memory) ResolveUser(_ context.Context, threadID string) (string, bool, error) {
	c, ok := m.correlation(threadID)
	return c.UserID, ok, nil
}

func (m *Memory) ResolveQuestion(_ context.Context, threadID string) (string, bool, error) {
	c, ok := m.correlation(threadID)
	return c.QuestionID, ok, nil
}

func (m *Memory) LookupThread(_ context.Context, userID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	threadID, ok := m.threads[userID]
	if !ok {
		return "", false, nil
	}
	c, ok := m.correlations[threadID]
	if !ok || c.UserID != userID || !m.now().Before(c.ExpiresAt) {
		return "", false, nil
	}
	return threadID, true, nil
}

func (m *Memory) ReadLog(_ context.Context, userID string) ([]string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.logs[userID]
	if !ok || !m.now().Before(e.ExpiresAt) {
		return nil, false, nil
	}
	out := make([]string, len(e.Messages))
	copy(out, e.Messages)
	return out, true, nil
}

func (m *Memory) DeleteCorrelation(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.correlations[threadID]; ok {
		if m.threads[c.UserID] == threadID {
			delete(m.threads, c.UserID)
		}
		delete(m.correlations, threadID)
	}
	return nil
}

// Sweep removes expired entries and returns how many were dropped. Reads
// already ignore expired entries; Sweep only reclaims memory.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for id, e := range m.logs {
		if !now.Before(e.ExpiresAt) {
			delete(m.logs, id)
			n++
		}
	}
	for threadID, c := range m.correlations {
		if !now.Before(c.ExpiresAt) {
			if m.threads[c.UserID] == threadID {
				delete(m.threads, c.UserID)
			}
			delete(m.correlations, threadID)
			n++
		}
	}
	return n
}

func (m *Memory) correlation(threadID string) (correlationEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.correlations[threadID]
	if !ok || !m.now().Before(c.ExpiresAt) {
		return correlationEntry{}, false
	}
	return c, true
}
