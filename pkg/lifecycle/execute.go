package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Meridian-Labs/meridian/core/pkg/canonical"
	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
	"github.com/Meridian-Labs/meridian/core/pkg/registry"
	"github.com/Meridian-Labs/meridian/core/pkg/state"
	"github.com/Meridian-Labs/meridian/core/pkg/telemetry"
)

// acceptedPayload is the WAL payload of the Accepted transition. It carries
// everything recovery needs to rebuild the execution index.
type acceptedPayload struct {
	Intent      contracts.Intent            `json:"intent"`
	Fingerprint string                      `json:"fingerprint"`
	Contract    *contracts.BoundaryContract `json:"contract"`
}

// terminalPayload is the WAL payload of Completed/Failed/Compensated.
type terminalPayload struct {
	Result      *contracts.ExecutionResult `json:"result,omitempty"`
	FailureCode string                     `json:"failure_code,omitempty"`
	Attempts    int                        `json:"attempts,omitempty"`
}

// Execute runs an intent through the full saga:
// resolve -> contract -> WAL Accepted -> WAL Running -> handler ->
// Completed | Failed (+ Compensated). Steps are strictly ordered by WAL
// sequence number; no step's effects are observable before its entry is
// durable.
func (m *Manager) Execute(ctx context.Context, intent contracts.Intent) (*contracts.ExecutionResult, error) {
	if intent.TenantID == "" {
		intent.TenantID = contracts.AnonymousTenant
	}
	if intent.Submitted.IsZero() {
		intent.Submitted = time.Now().UTC()
	}

	fingerprint, err := canonical.IntentFingerprint(intent)
	if err != nil {
		return nil, fmt.Errorf("intent fingerprint: %w", err)
	}

	// Idempotent re-submission: a prior Completed execution with the same
	// fingerprint returns its stored result; the handler never runs twice.
	if result, ok := m.priorResult(fingerprint); ok {
		m.logger.Info("intent served from prior execution",
			"execution_id", result.ExecutionID,
			"fingerprint", fingerprint,
		)
		return result, nil
	}

	// Resolve before any execution exists: unknown intent types surface
	// immediately and leave no trace.
	capability, err := m.registry.Resolve(intent.IntentType)
	if err != nil {
		return nil, err
	}

	if capability.InputSchema != nil {
		params := intent.Parameters
		if params == nil {
			params = map[string]any{}
		}
		if err := capability.InputSchema.Validate(toSchemaValue(params)); err != nil {
			return nil, fmt.Errorf("intent parameters rejected by capability schema: %w", err)
		}
	}

	// Contract before execution: evaluation failing closed means the
	// execution never starts.
	contract, err := m.boundary.Evaluate(ctx, intent, capability, string(m.tenants.TierOf(intent.TenantID)))
	if err != nil {
		return nil, err
	}

	// The recorded version lets later replay detect capability skew.
	if intent.Metadata == nil {
		intent.Metadata = map[string]any{}
	}
	intent.Metadata["capability_version"] = capability.Version.String()

	exec := &contracts.Execution{
		ExecutionID: uuid.NewString(),
		Intent:      intent,
		Fingerprint: fingerprint,
		TenantID:    intent.TenantID,
		SessionID:   intent.SessionID,
		State:       contracts.StateAccepted,
		Contract:    contract,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	if _, err := m.append(ctx, exec.ExecutionID, contracts.StateAccepted, acceptedPayload{
		Intent:      intent,
		Fingerprint: fingerprint,
		Contract:    contract,
	}); err != nil {
		return nil, err
	}
	m.track(ctx, exec)

	if _, err := m.append(ctx, exec.ExecutionID, contracts.StateRunning, nil); err != nil {
		return nil, err
	}
	m.setState(ctx, exec, contracts.StateRunning)

	return m.run(ctx, exec, capability)
}

// run invokes the handler for an execution already in Running state and
// drives the saga to a terminal or suspended state.
func (m *Manager) run(ctx context.Context, exec *contracts.Execution, capability *registry.Capability) (*contracts.ExecutionResult, error) {
	ec := &contracts.ExecutionContext{
		ExecutionID: exec.ExecutionID,
		Intent:      exec.Intent,
		TenantID:    exec.TenantID,
		SessionID:   exec.SessionID,
		Contract:    exec.Contract,
		State:       state.NewScopedReader(m.space, exec.TenantID, exec.ExecutionID),
	}

	m.mu.Lock()
	m.contexts[exec.ExecutionID] = ec
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.contexts, exec.ExecutionID)
		m.mu.Unlock()
	}()

	result, err := m.invoke(ctx, capability, ec)

	if ec.Cancelled() {
		return m.finishCancelled(ctx, exec, capability, ec)
	}

	var suspend *SuspendRequest
	if errors.As(err, &suspend) {
		if _, werr := m.append(ctx, exec.ExecutionID, contracts.StateSuspended, map[string]any{
			"checkpoint": suspend.Checkpoint,
			"reason":     suspend.Reason,
		}); werr != nil {
			return nil, werr
		}
		m.setState(ctx, exec, contracts.StateSuspended)
		return &contracts.ExecutionResult{
			ExecutionID: exec.ExecutionID,
			State:       contracts.StateSuspended,
		}, nil
	}

	if err != nil {
		return m.finishFailed(ctx, exec, capability, ec, err)
	}
	return m.finishCompleted(ctx, exec, result)
}

// invoke calls the Realm handler, converting panics into typed failures.
func (m *Manager) invoke(ctx context.Context, capability *registry.Capability, ec *contracts.ExecutionContext) (result *contracts.HandlerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &contracts.HandlerFailure{
				ExecutionID: ec.ExecutionID,
				IntentType:  ec.Intent.IntentType,
				Code:        "panic",
				Cause:       fmt.Errorf("handler panic: %v", r),
			}
		}
	}()
	return capability.Handler(ctx, ec)
}

func (m *Manager) finishCompleted(ctx context.Context, exec *contracts.Execution, hr *contracts.HandlerResult) (*contracts.ExecutionResult, error) {
	if hr == nil {
		hr = &contracts.HandlerResult{}
	}

	stored, err := m.absorbArtifacts(ctx, exec, hr.Artifacts)
	if err != nil {
		return m.finishFailed(ctx, exec, nil, nil, &contracts.HandlerFailure{
			ExecutionID: exec.ExecutionID,
			IntentType:  exec.Intent.IntentType,
			Code:        "artifact_persist",
			Cause:       err,
		})
	}

	result := &contracts.ExecutionResult{
		ExecutionID: exec.ExecutionID,
		State:       contracts.StateCompleted,
		Artifacts:   stored,
		Events:      hr.Events,
	}

	if _, err := m.append(ctx, exec.ExecutionID, contracts.StateCompleted, terminalPayload{Result: result}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	exec.Result = result
	m.mu.Unlock()
	m.setState(ctx, exec, contracts.StateCompleted)

	m.ledger.DiscardEphemeral(exec.ExecutionID)

	m.logger.Info("execution completed",
		"execution_id", exec.ExecutionID,
		"intent_type", exec.Intent.IntentType,
		"artifacts", len(stored),
	)
	return result, nil
}

// finishFailed records the Failed transition and, when the capability
// declares a compensation handler, drives to Compensated. Artifacts already
// promoted stay at their promoted stage; nothing is rolled back silently.
func (m *Manager) finishFailed(ctx context.Context, exec *contracts.Execution, capability *registry.Capability, ec *contracts.ExecutionContext, cause error) (*contracts.ExecutionResult, error) {
	failure := asHandlerFailure(exec, cause)

	if _, err := m.append(ctx, exec.ExecutionID, contracts.StateFailed, terminalPayload{FailureCode: failure.Code}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	exec.FailureCode = failure.Code
	m.mu.Unlock()
	m.setState(ctx, exec, contracts.StateFailed)
	m.countFailure(ctx, exec, failure.Code)

	finalState := contracts.StateFailed
	if capability != nil && capability.Compensation != nil && m.compensate(ctx, exec, capability, ec) {
		finalState = contracts.StateCompensated
	}

	m.logger.Warn("execution failed",
		"execution_id", exec.ExecutionID,
		"intent_type", exec.Intent.IntentType,
		"failure_code", failure.Code,
		"final_state", string(finalState),
	)
	return &contracts.ExecutionResult{
		ExecutionID: exec.ExecutionID,
		State:       finalState,
	}, failure
}

// compensate invokes the declared compensation handler and records the
// Compensated transition. It reports whether the execution actually reached
// Compensated; a failing compensation leaves Failed terminal and the caller
// must not claim otherwise.
func (m *Manager) compensate(ctx context.Context, exec *contracts.Execution, capability *registry.Capability, ec *contracts.ExecutionContext) bool {
	if ec == nil {
		ec = &contracts.ExecutionContext{
			ExecutionID: exec.ExecutionID,
			Intent:      exec.Intent,
			TenantID:    exec.TenantID,
			SessionID:   exec.SessionID,
			Contract:    exec.Contract,
			State:       state.NewScopedReader(m.space, exec.TenantID, exec.ExecutionID),
		}
	}
	if _, err := capability.Compensation(ctx, ec); err != nil {
		m.logger.Error("compensation handler failed, execution stays Failed",
			"execution_id", exec.ExecutionID, "error", err)
		return false
	}
	if _, err := m.append(ctx, exec.ExecutionID, contracts.StateCompensated, nil); err != nil {
		m.logger.Error("compensated transition not recorded",
			"execution_id", exec.ExecutionID, "error", err)
		return false
	}
	m.setState(ctx, exec, contracts.StateCompensated)
	return true
}

// absorbArtifacts persists handler output into the blob store and the
// artifact ledger, then promotes each artifact to working material — the
// explicit promotion required before Completed is recorded.
func (m *Manager) absorbArtifacts(ctx context.Context, exec *contracts.Execution, drafts []contracts.Artifact) ([]contracts.Artifact, error) {
	out := make([]contracts.Artifact, 0, len(drafts))
	for _, draft := range drafts {
		a := draft
		if a.ArtifactID == "" {
			a.ArtifactID = uuid.NewString()
		}
		a.ExecutionID = exec.ExecutionID
		a.TenantID = exec.TenantID
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now().UTC()
		}
		a.Stage = contracts.StageEphemeral

		if len(a.Content) > 0 && m.blobs != nil {
			digest, err := m.blobs.Store(ctx, a.Content)
			if err != nil {
				return nil, fmt.Errorf("artifact %s: %w", a.Name, err)
			}
			a.Digest = digest
		}

		if err := m.ledger.Record(a); err != nil {
			return nil, err
		}
		promoted, err := m.ledger.Promote(a.ArtifactID, contracts.StageWorking)
		if err != nil {
			return nil, err
		}
		promoted.Content = nil
		out = append(out, promoted)
	}
	return out, nil
}

func (m *Manager) priorResult(fingerprint string) (*contracts.ExecutionResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byFingerprint[fingerprint]
	if !ok {
		return nil, false
	}
	exec, ok := m.executions[id]
	if !ok || exec.State != contracts.StateCompleted || exec.Result == nil {
		return nil, false
	}
	result := *exec.Result
	result.Reused = true
	return &result, true
}

func (m *Manager) countFailure(ctx context.Context, exec *contracts.Execution, code string) {
	if m.sink != nil {
		m.sink.Emit(telemetry.Record{
			Kind:        telemetry.KindTransition,
			ExecutionID: exec.ExecutionID,
			Success:     false,
			Attributes:  map[string]any{"failure_code": code},
		})
	}
	if m.provider != nil {
		m.provider.CountFailure(ctx, attribute.String("failure_code", code))
	}
}

func asHandlerFailure(exec *contracts.Execution, cause error) *contracts.HandlerFailure {
	if cause == nil {
		cause = errors.New("handler failed")
	}
	var hf *contracts.HandlerFailure
	if errors.As(cause, &hf) {
		return hf
	}
	return &contracts.HandlerFailure{
		ExecutionID: exec.ExecutionID,
		IntentType:  exec.Intent.IntentType,
		Code:        "handler_error",
		Cause:       cause,
	}
}

// toSchemaValue normalizes params for jsonschema validation.
func toSchemaValue(params map[string]any) any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
