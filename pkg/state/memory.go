package state

import (
	"context"
	"sync"

	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
)

// MemoryExecutionSpace is a thread-safe in-memory execution-state store.
// The owning tenant of each execution is pinned on first write; any access
// under a different tenant fails with a TenancyViolation.
type MemoryExecutionSpace struct {
	mu     sync.RWMutex
	owners map[string]string         // executionID -> tenantID
	data   map[string]map[string]any // executionID -> key -> value
}

// NewMemoryExecutionSpace returns the space and its single write handle.
func NewMemoryExecutionSpace() (*MemoryExecutionSpace, ExecutionWriter) {
	s := &MemoryExecutionSpace{
		owners: make(map[string]string),
		data:   make(map[string]map[string]any),
	}
	return s, (*memoryExecutionWriter)(s)
}

// Get implements ExecutionSpace.
func (s *MemoryExecutionSpace) Get(ctx context.Context, tenantID, executionID, key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.owners[executionID]
	if !ok {
		return nil, false, nil
	}
	if owner != tenantID {
		return nil, false, &contracts.TenancyViolationError{Caller: tenantID, Owner: owner, Key: executionID + "/" + key}
	}
	v, ok := s.data[executionID][key]
	return v, ok, nil
}

type memoryExecutionWriter MemoryExecutionSpace

func (w *memoryExecutionWriter) Set(ctx context.Context, tenantID, executionID, key string, value any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if owner, ok := w.owners[executionID]; ok && owner != tenantID {
		return &contracts.TenancyViolationError{Caller: tenantID, Owner: owner, Key: executionID + "/" + key}
	}
	w.owners[executionID] = tenantID
	if w.data[executionID] == nil {
		w.data[executionID] = make(map[string]any)
	}
	w.data[executionID][key] = value
	return nil
}

func (w *memoryExecutionWriter) Delete(ctx context.Context, tenantID, executionID, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	owner, ok := w.owners[executionID]
	if !ok {
		return nil
	}
	if owner != tenantID {
		return &contracts.TenancyViolationError{Caller: tenantID, Owner: owner, Key: executionID + "/" + key}
	}
	delete(w.data[executionID], key)
	return nil
}
