// Package wal is the append-only, durable record of execution state
// transitions. Append is the only way a transition becomes visible to the
// rest of the system: the lifecycle manager never mutates externally
// visible execution state without first appending here.
package wal

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
)

var (
	// ErrExecutionUnknown is returned by Replay for an execution with no entries.
	ErrExecutionUnknown = errors.New("no wal entries for execution")
	// ErrChainBroken is returned by Verify when the hash chain does not hold.
	ErrChainBroken = errors.New("wal hash chain broken")
)

// Entry is a single committed transition. Entries for one execution form a
// hash chain; sequence numbers are monotonic per execution.
type Entry struct {
	ExecutionID string                   `json:"execution_id"`
	Seq         uint64                   `json:"seq"`
	Transition  contracts.ExecutionState `json:"transition"`
	Payload     json.RawMessage          `json:"payload,omitempty"`
	PrevHash    string                   `json:"prev_hash"`
	EntryHash   string                   `json:"entry_hash"`
	RecordedAt  time.Time                `json:"recorded_at"`
}

// Log is the write-ahead log contract. Implementations must make Append
// durable before returning; a failed append surfaces as WalWriteError at
// the lifecycle layer and halts the execution.
type Log interface {
	// Append commits a transition and returns the entry with its sequence
	// number assigned.
	Append(ctx context.Context, executionID string, transition contracts.ExecutionState, payload any) (*Entry, error)

	// Replay returns all entries for an execution in sequence order.
	Replay(ctx context.Context, executionID string) ([]*Entry, error)

	// Head returns the latest entry for an execution, or nil if none.
	Head(ctx context.Context, executionID string) (*Entry, error)

	// Verify checks the per-execution hash chain.
	Verify(ctx context.Context, executionID string) error
}

// MemoryLog is a thread-safe in-memory Log, used in tests and single-node
// demo deployments.
type MemoryLog struct {
	mu      sync.RWMutex
	entries map[string][]*Entry
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: make(map[string][]*Entry)}
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, executionID string, transition contracts.ExecutionState, payload any) (*Entry, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.entries[executionID]
	entry := buildEntry(executionID, uint64(len(chain)), transition, raw, prevHash(chain))
	l.entries[executionID] = append(chain, entry)
	return entry, nil
}

// Replay implements Log.
func (l *MemoryLog) Replay(ctx context.Context, executionID string) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	chain, ok := l.entries[executionID]
	if !ok {
		return nil, ErrExecutionUnknown
	}
	out := make([]*Entry, len(chain))
	copy(out, chain)
	return out, nil
}

// Head implements Log.
func (l *MemoryLog) Head(ctx context.Context, executionID string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	chain := l.entries[executionID]
	if len(chain) == 0 {
		return nil, nil
	}
	return chain[len(chain)-1], nil
}

// Verify implements Log.
func (l *MemoryLog) Verify(ctx context.Context, executionID string) error {
	entries, err := l.Replay(ctx, executionID)
	if err != nil {
		return err
	}
	return VerifyChain(entries)
}

// ExecutionIDs returns every execution that has at least one entry. Used by
// the recovery scan at boot.
func (l *MemoryLog) ExecutionIDs(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	return ids, nil
}

// VerifyChain checks linkage and recomputes each entry hash.
func VerifyChain(entries []*Entry) error {
	expectedPrev := "genesis"
	for i, e := range entries {
		if e.Seq != uint64(i) {
			return ErrChainBroken
		}
		if e.PrevHash != expectedPrev {
			return ErrChainBroken
		}
		if computeEntryHash(e.ExecutionID, e.Seq, e.Transition, e.Payload, e.PrevHash, e.RecordedAt) != e.EntryHash {
			return ErrChainBroken
		}
		expectedPrev = e.EntryHash
	}
	return nil
}

func buildEntry(executionID string, seq uint64, transition contracts.ExecutionState, payload json.RawMessage, prev string) *Entry {
	now := time.Now().UTC()
	return &Entry{
		ExecutionID: executionID,
		Seq:         seq,
		Transition:  transition,
		Payload:     payload,
		PrevHash:    prev,
		EntryHash:   computeEntryHash(executionID, seq, transition, payload, prev, now),
		RecordedAt:  now,
	}
}

func prevHash(chain []*Entry) string {
	if len(chain) == 0 {
		return "genesis"
	}
	return chain[len(chain)-1].EntryHash
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func computeEntryHash(executionID string, seq uint64, transition contracts.ExecutionState, payload json.RawMessage, prev string, at time.Time) string {
	h := sha256.New()

	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	h.Write(seqBytes)

	h.Write([]byte(executionID))
	h.Write([]byte(transition))
	h.Write([]byte(prev))
	h.Write(payload)
	h.Write([]byte(at.Format(time.RFC3339Nano)))

	return hex.EncodeToString(h.Sum(nil))
}
