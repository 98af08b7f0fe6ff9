// Package sessionvars stores the template variables captured when a call is
// triggered, keyed by the provider's call identifier.
package sessionvars

import (
	"context"
	"sync"
)

// Variables maps template-variable names to values.
type Variables map[string]string

// Clone returns a copy of v. The copy is never nil.
func (v Variables) Clone() Variables {
	out := make(Variables, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Store holds per-call variables.
//
// Get on an unknown call identifier returns an empty set and a nil error so
// that callers can fall back to defaults. Delete of an unknown identifier is
// a no-op.
type Store interface {
	Put(ctx context.Context, callID string, vars Variables) error
	Get(ctx context.Context, callID string) (Variables, error)
	Delete(ctx context.Context, callID string) error
}

// Verify interface compliance at compile time.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.RWMutex
	calls map[string]Variables
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls: make(map[string]Variables),
	}
}

// Put stores a copy of vars under callID, replacing any previous set.
func (s *MemoryStore) Put(_ context.Context, callID string, vars Variables) error {
	s.mu.Lock()
	s.calls[callID] = vars.Clone()
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the variables stored for callID.
func (s *MemoryStore) Get(_ context.Context, callID string) (Variables, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[callID].Clone(), nil
}

// Delete removes the entry for callID.
func (s *MemoryStore) Delete(_ context.Context, callID string) error {
	s.mu.Lock()
	delete(s.calls, callID)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored calls.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.calls)
}
