package callback

import (
	"context"
	"sync"
	"time"

	"github.com/georgeshao/prompt-relay/pkg/types"
)

// ResultSink is where the main node keeps decrypted results, keyed by the
// id of its own originating record.
type ResultSink interface {
	SaveResult(ctx context.Context, originID, result string) error
	FindResult(ctx context.Context, originID string) (string, bool, error)
	MarkFailed(ctx context.Context, originID, reason string) error
	MarkProgress(ctx context.Context, originID string, status types.CallbackStatus, retryCount int) error
}

type Progress struct {
	Status     types.CallbackStatus
	RetryCount int
	UpdatedAt  time.Time
}

// MemorySink is an in-process ResultSink.
type MemorySink struct {
	mu       sync.RWMutex
	results  map[string]string
	failures map[string]string
	progress map[string]Progress
	saves    int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		results:  make(map[string]string),
		failures: make(map[string]string),
		progress: make(map[string]Progress),
	}
}

func (m *MemorySink) SaveResult(ctx context.Context, originID, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[originID] = result
	delete(m.failures, originID)
	m.saves++
	return nil
}

func (m *MemorySink) FindResult(ctx context.Context, originID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result, ok := m.results[originID]
	return result, ok, nil
}

func (m *MemorySink) MarkFailed(ctx context.Context, originID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[originID] = reason
	return nil
}

func (m *MemorySink) MarkProgress(ctx context.Context, originID string, status types.CallbackStatus, retryCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[originID] = Progress{Status: status, RetryCount: retryCount, UpdatedAt: time.Now()}
	return nil
}

func (m *MemorySink) Failure(originID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reason, ok := m.failures[originID]
	return reason, ok
}

func (m *MemorySink) ProgressOf(originID string) (Progress, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.progress[originID]
	return p, ok
}

// Saves counts SaveResult calls, duplicates included.
func (m *MemorySink) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}
