// Package lifecycle is the Execution Lifecycle Manager: the saga
// coordinator that drives an execution through its states, invokes the
// registered handler under its boundary contract, writes every transition
// to the WAL before it becomes visible, and emits completion and failure
// events. Concurrency is across executions, never within one.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Meridian-Labs/meridian/core/pkg/artifacts"
	"github.com/Meridian-Labs/meridian/core/pkg/boundary"
	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
	"github.com/Meridian-Labs/meridian/core/pkg/registry"
	"github.com/Meridian-Labs/meridian/core/pkg/state"
	"github.com/Meridian-Labs/meridian/core/pkg/telemetry"
	"github.com/Meridian-Labs/meridian/core/pkg/tenancy"
	"github.com/Meridian-Labs/meridian/core/pkg/wal"
)

// SuspendRequest is returned by a handler that must wait for a human action
// or an external long-running call. The execution parks in Suspended and can
// be resumed on any process instance.
type SuspendRequest struct {
	Checkpoint string
	Reason     string
}

func (s *SuspendRequest) Error() string {
	return "execution suspended at checkpoint " + s.Checkpoint + ": " + s.Reason
}

// ErrCancelled is the failure reason recorded when a cancelled execution
// has no compensation handler.
var ErrCancelled = errors.New("execution cancelled")

// Scanner is the optional WAL extension used by the boot-time recovery scan.
type Scanner interface {
	ExecutionIDs(ctx context.Context) ([]string, error)
}

// Options wires the manager's collaborators.
type Options struct {
	Registry  *registry.Registry
	Boundary  *boundary.Evaluator
	Tenants   *tenancy.Directory
	Wal       wal.Log
	Space     state.ExecutionSpace
	Writer    state.ExecutionWriter
	Ledger    *artifacts.Ledger
	Blobs     artifacts.Store
	Sink      *telemetry.Sink
	Provider  *telemetry.Provider       // optional
	Isolation *tenancy.IsolationChecker // optional
}

// Manager coordinates execution sagas.
type Manager struct {
	registry  *registry.Registry
	boundary  *boundary.Evaluator
	tenants   *tenancy.Directory
	wal       wal.Log
	space     state.ExecutionSpace
	writer    state.ExecutionWriter
	ledger    *artifacts.Ledger
	blobs     artifacts.Store
	sink      *telemetry.Sink
	provider  *telemetry.Provider
	isolation *tenancy.IsolationChecker
	logger    *slog.Logger

	mu            sync.RWMutex
	executions    map[string]*contracts.Execution
	byFingerprint map[string]string
	contexts      map[string]*contracts.ExecutionContext
}

// NewManager creates a lifecycle manager.
func NewManager(opts Options) *Manager {
	return &Manager{
		registry:      opts.Registry,
		boundary:      opts.Boundary,
		tenants:       opts.Tenants,
		wal:           opts.Wal,
		space:         opts.Space,
		writer:        opts.Writer,
		ledger:        opts.Ledger,
		blobs:         opts.Blobs,
		sink:          opts.Sink,
		provider:      opts.Provider,
		isolation:     opts.Isolation,
		logger:        slog.Default().With("component", "lifecycle"),
		executions:    make(map[string]*contracts.Execution),
		byFingerprint: make(map[string]string),
		contexts:      make(map[string]*contracts.ExecutionContext),
	}
}

// GetExecution returns the tracked execution for an ID.
func (m *Manager) GetExecution(executionID string) (*contracts.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return nil, contracts.ErrExecutionNotFound
	}
	copied := *exec
	return &copied, nil
}

// append writes a transition to the WAL and emits its telemetry record.
// Append is the only way a transition becomes visible; a failed append
// halts the saga with WalWriteError.
func (m *Manager) append(ctx context.Context, executionID string, transition contracts.ExecutionState, payload any) (*wal.Entry, error) {
	start := time.Now()
	entry, err := m.wal.Append(ctx, executionID, transition, payload)
	latency := time.Since(start)

	if m.sink != nil {
		m.sink.Emit(telemetry.Record{
			Kind:        telemetry.KindWalAppend,
			ExecutionID: executionID,
			Latency:     latency,
			Success:     err == nil,
			Attributes:  map[string]any{"transition": string(transition)},
		})
	}
	if m.provider != nil {
		m.provider.CountWalAppend(ctx, attribute.String("transition", string(transition)))
		m.provider.RecordTransition(ctx, latency, attribute.String("transition", string(transition)))
	}

	if err != nil {
		return nil, &contracts.WalWriteError{ExecutionID: executionID, Transition: transition, Cause: err}
	}
	return entry, nil
}

// track updates the in-memory execution index, pins the execution to its
// tenant in the isolation owner index, and mirrors the record into durable
// execution state. The manager is the single writer of that space.
func (m *Manager) track(ctx context.Context, exec *contracts.Execution) {
	m.mu.Lock()
	m.executions[exec.ExecutionID] = exec
	if exec.Fingerprint != "" {
		m.byFingerprint[exec.Fingerprint] = exec.ExecutionID
	}
	m.mu.Unlock()

	if m.isolation != nil {
		m.isolation.RegisterResource(exec.TenantID, exec.ExecutionID)
	}

	if m.writer != nil {
		if err := m.writer.Set(ctx, exec.TenantID, exec.ExecutionID, "execution_record", exec); err != nil {
			m.logger.Error("execution record persist failed",
				"execution_id", exec.ExecutionID, "error", err)
		}
	}
}

func (m *Manager) setState(ctx context.Context, exec *contracts.Execution, next contracts.ExecutionState) {
	m.mu.Lock()
	exec.State = next
	exec.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
	m.track(ctx, exec)
}
