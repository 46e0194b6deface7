package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
	"github.com/Meridian-Labs/meridian/core/pkg/registry"
)

// Resume moves a Suspended execution back to Running and re-invokes its
// handler. The handler reads its checkpoint from execution state; resumption
// is valid on any process instance because everything needed lives in the
// WAL and the state surface.
func (m *Manager) Resume(ctx context.Context, executionID string) (*contracts.ExecutionResult, error) {
	m.mu.Lock()
	exec, ok := m.executions[executionID]
	if !ok {
		m.mu.Unlock()
		return nil, contracts.ErrExecutionNotFound
	}
	if exec.State != contracts.StateSuspended {
		state := exec.State
		m.mu.Unlock()
		return nil, fmt.Errorf("execution %s is %s, only SUSPENDED can resume", executionID, state)
	}
	m.mu.Unlock()

	capability, err := m.registry.Resolve(exec.Intent.IntentType)
	if err != nil {
		return nil, err
	}

	if _, err := m.append(ctx, executionID, contracts.StateRunning, map[string]any{"resumed": true}); err != nil {
		return nil, err
	}
	m.setState(ctx, exec, contracts.StateRunning)

	return m.run(ctx, exec, capability)
}

// Cancel requests cooperative cancellation. A Running execution is flagged
// and finishes at its handler's next checkpoint; a Suspended or Accepted one
// is driven to its cancelled terminal state immediately. Terminal executions
// cannot be cancelled.
func (m *Manager) Cancel(ctx context.Context, executionID string) error {
	m.mu.Lock()
	exec, ok := m.executions[executionID]
	if !ok {
		m.mu.Unlock()
		return contracts.ErrExecutionNotFound
	}
	if exec.State.IsTerminal() {
		state := exec.State
		m.mu.Unlock()
		return fmt.Errorf("execution %s is already %s", executionID, state)
	}
	if !contracts.CanTransition(exec.State, contracts.StateCancelling) {
		state := exec.State
		m.mu.Unlock()
		return fmt.Errorf("execution %s cannot cancel from %s", executionID, state)
	}
	ec := m.contexts[executionID]
	wasLive := exec.State == contracts.StateRunning && ec != nil
	m.mu.Unlock()

	if _, err := m.append(ctx, executionID, contracts.StateCancelling, nil); err != nil {
		return err
	}
	m.setState(ctx, exec, contracts.StateCancelling)

	if wasLive {
		// The in-flight handler observes the flag at its next checkpoint;
		// run() then drives the cancelled terminal transition.
		ec.RequestCancel()
		m.logger.Info("cancellation requested", "execution_id", executionID)
		return nil
	}

	capability, err := m.registry.Resolve(exec.Intent.IntentType)
	if err != nil {
		return err
	}
	_, err = m.finishCancelled(ctx, exec, capability, nil)
	if err != nil && err != ErrCancelled {
		return err
	}
	return nil
}

// finishCancelled settles a Cancelling execution: compensation when the
// capability declares one, otherwise Failed with reason cancelled.
func (m *Manager) finishCancelled(ctx context.Context, exec *contracts.Execution, capability *registry.Capability, ec *contracts.ExecutionContext) (*contracts.ExecutionResult, error) {
	if capability != nil && capability.Compensation != nil && m.compensate(ctx, exec, capability, ec) {
		m.logger.Info("execution cancelled and compensated", "execution_id", exec.ExecutionID)
		return &contracts.ExecutionResult{
			ExecutionID: exec.ExecutionID,
			State:       contracts.StateCompensated,
		}, ErrCancelled
	}

	if _, err := m.append(ctx, exec.ExecutionID, contracts.StateFailed, terminalPayload{FailureCode: "cancelled"}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	exec.FailureCode = "cancelled"
	m.mu.Unlock()
	m.setState(ctx, exec, contracts.StateFailed)
	m.countFailure(ctx, exec, "cancelled")

	m.logger.Info("execution cancelled", "execution_id", exec.ExecutionID)
	return &contracts.ExecutionResult{
		ExecutionID: exec.ExecutionID,
		State:       contracts.StateFailed,
	}, ErrCancelled
}

// Recover rebuilds the in-memory execution index from the WAL at boot.
// Executions interrupted mid-flight (Accepted, Running, Cancelling) are
// settled as Failed with reason interrupted; Suspended ones stay resumable.
func (m *Manager) Recover(ctx context.Context) error {
	scanner, ok := m.wal.(Scanner)
	if !ok {
		m.logger.Warn("wal backend does not support recovery scan")
		return nil
	}

	ids, err := scanner.ExecutionIDs(ctx)
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}

	recovered, settled := 0, 0
	for _, id := range ids {
		exec, err := m.rebuild(ctx, id)
		if err != nil {
			m.logger.Error("execution recovery failed", "execution_id", id, "error", err)
			continue
		}
		if exec == nil {
			continue
		}
		m.track(ctx, exec)
		recovered++

		switch exec.State {
		case contracts.StateAccepted, contracts.StateRunning, contracts.StateCancelling:
			if _, err := m.append(ctx, id, contracts.StateFailed, terminalPayload{FailureCode: "interrupted"}); err != nil {
				m.logger.Error("interrupted execution not settled", "execution_id", id, "error", err)
				continue
			}
			exec.FailureCode = "interrupted"
			m.setState(ctx, exec, contracts.StateFailed)
			settled++
		}
	}

	m.logger.Info("recovery scan complete", "recovered", recovered, "settled_interrupted", settled)
	return nil
}

// rebuild reconstructs one execution from its WAL entries.
func (m *Manager) rebuild(ctx context.Context, executionID string) (*contracts.Execution, error) {
	entries, err := m.wal.Replay(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	exec := &contracts.Execution{ExecutionID: executionID}
	for _, entry := range entries {
		switch entry.Transition {
		case contracts.StateAccepted:
			var accepted acceptedPayload
			if err := json.Unmarshal(entry.Payload, &accepted); err != nil {
				return nil, fmt.Errorf("accepted payload: %w", err)
			}
			exec.Intent = accepted.Intent
			exec.Fingerprint = accepted.Fingerprint
			exec.Contract = accepted.Contract
			exec.TenantID = accepted.Intent.TenantID
			exec.SessionID = accepted.Intent.SessionID
			exec.CreatedAt = entry.RecordedAt
		case contracts.StateCompleted:
			var terminal terminalPayload
			if len(entry.Payload) > 0 {
				if err := json.Unmarshal(entry.Payload, &terminal); err != nil {
					return nil, fmt.Errorf("completed payload: %w", err)
				}
			}
			exec.Result = terminal.Result
		case contracts.StateFailed:
			var terminal terminalPayload
			if len(entry.Payload) > 0 {
				if err := json.Unmarshal(entry.Payload, &terminal); err != nil {
					return nil, fmt.Errorf("failed payload: %w", err)
				}
			}
			exec.FailureCode = terminal.FailureCode
		}
		exec.State = entry.Transition
		exec.UpdatedAt = entry.RecordedAt
	}
	return exec, nil
}
