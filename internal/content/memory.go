package content

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a Store held in memory
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Row
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Row), now: time.Now}
}

// UpsertState implements Store
func (s *MemoryStore) UpsertState(ctx context.Context, rowType, id string, state []byte, clientID string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	row := Row{
		ID:        id,
		Type:      rowType,
		State:     bytes.Clone(state),
		ClientID:  clientID,
		UpdatedAt: s.now(),
	}
	s.mu.Lock()
	s.rows[row.Key()] = row
	s.mu.Unlock()
	return row, nil
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, rowType, id string) (Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[RowKey(rowType, id)]
	if !ok {
		return Row{}, fmt.Errorf("%w: %s", ErrNotFound, RowKey(rowType, id))
	}
	row.State = bytes.Clone(row.State)
	return row, nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}
