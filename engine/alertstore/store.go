// Package alertstore persists immutable alert records and answers the
// latest-record lookup used by cooldown checks. Backends: SQLite (default),
// Neo4j, and an in-memory store for tests and single-shot runs.
package alertstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/vast-data/cosmos-labs-sub001/engine/domain"
)

// Store is the alert-record store contract. Put is idempotent by record ID;
// Latest returns an error matching domain.ErrNotFound when the key has no
// records.
type Store interface {
	Put(ctx context.Context, rec domain.AlertRecord) error
	Latest(ctx context.Context, key domain.CooldownKey) (domain.AlertRecord, error)
	Close() error
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	byID  map[string]domain.AlertRecord
	byKey map[domain.CooldownKey][]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byID:  make(map[string]domain.AlertRecord),
		byKey: make(map[domain.CooldownKey][]string),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Put(_ context.Context, rec domain.AlertRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("alertstore: put: empty id: %w", domain.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[rec.ID]; ok {
		return nil
	}
	m.byID[rec.ID] = rec
	m.byKey[rec.Key()] = append(m.byKey[rec.Key()], rec.ID)
	return nil
}

func (m *Memory) Latest(_ context.Context, key domain.CooldownKey) (domain.AlertRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest domain.AlertRecord
		found  bool
	)
	for _, id := range m.byKey[key] {
		r := m.byID[id]
		if !found || r.CreatedAt.After(latest.CreatedAt) {
			latest, found = r, true
		}
	}
	if !found {
		return domain.AlertRecord{}, fmt.Errorf("alertstore: latest: %w", domain.ErrNotFound)
	}
	return latest, nil
}

// Len is the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *Memory) Close() error { return nil }
