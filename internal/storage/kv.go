package storage

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// DefaultBudget mirrors the usual browser local storage allowance.
const DefaultBudget int64 = 5 << 20

// KV is a string-keyed, string-valued store with a byte budget over all values.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Usage(ctx context.Context) (int64, error)
}

// overBudget reports whether replacing a value of oldSize with newSize pushes
// usage past budget. A budget <= 0 disables the check.
func overBudget(budget, used, oldSize, newSize int64) bool {
	if budget <= 0 {
		return false
	}
	return used-oldSize+newSize > budget
}

type MemoryKV struct {
	mu     sync.Mutex
	budget int64
	used   int64
	data   map[string]string
}

func NewMemoryKV(budget int64) *MemoryKV {
	return &MemoryKV{budget: budget, data: map[string]string{}}
}

var _ KV = (*MemoryKV)(nil)

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := int64(len(m.data[key]))
	size := int64(len(value))
	if overBudget(m.budget, m.used, old, size) {
		return ErrQuotaExceeded
	}
	m.data[key] = value
	m.used += size - old
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.data[key]; ok {
		m.used -= int64(len(v))
		delete(m.data, key)
	}
	return nil
}

func (m *MemoryKV) Usage(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used, nil
}
