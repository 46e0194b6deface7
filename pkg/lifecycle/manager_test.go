package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meridian-Labs/meridian/core/pkg/artifacts"
	"github.com/Meridian-Labs/meridian/core/pkg/boundary"
	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
	"github.com/Meridian-Labs/meridian/core/pkg/registry"
	"github.com/Meridian-Labs/meridian/core/pkg/state"
	"github.com/Meridian-Labs/meridian/core/pkg/tenancy"
	"github.com/Meridian-Labs/meridian/core/pkg/wal"
)

type testHarness struct {
	manager   *Manager
	registry  *registry.Registry
	wal       *wal.MemoryLog
	ledger    *artifacts.Ledger
	blobs     *artifacts.MemoryStore
	isolation *tenancy.IsolationChecker
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	evaluator, err := boundary.NewEvaluator(true)
	require.NoError(t, err)

	reg := registry.New()
	log := wal.NewMemoryLog()
	space, writer := state.NewMemoryExecutionSpace()
	ledger := artifacts.NewLedger()
	blobs := artifacts.NewMemoryStore()
	isolation := tenancy.NewIsolationChecker()

	manager := NewManager(Options{
		Registry:  reg,
		Boundary:  evaluator,
		Tenants:   tenancy.NewDirectory(),
		Wal:       log,
		Space:     space,
		Writer:    writer,
		Ledger:    ledger,
		Blobs:     blobs,
		Isolation: isolation,
	})
	return &testHarness{manager: manager, registry: reg, wal: log, ledger: ledger, blobs: blobs, isolation: isolation}
}

func testIntent(intentType string) contracts.Intent {
	return contracts.Intent{
		IntentType: intentType,
		TenantID:   "tenant:acme",
		SessionID:  "s-1",
		Parameters: map[string]any{"sku": "A-100"},
	}
}

func transitions(t *testing.T, log *wal.MemoryLog, executionID string) []contracts.ExecutionState {
	t.Helper()
	entries, err := log.Replay(context.Background(), executionID)
	require.NoError(t, err)
	out := make([]contracts.ExecutionState, len(entries))
	for i, e := range entries {
		out[i] = e.Transition
	}
	return out
}

func TestExecuteCompletes(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(registry.Registration{
		IntentType: "orders.place",
		Realm:      "commerce",
		Version:    "1.0.0",
		Handler: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			require.NotNil(t, ec.Contract, "handler must never run without a contract")
			return &contracts.HandlerResult{
				Artifacts: []contracts.Artifact{{
					Name:        "receipt",
					ContentType: "application/json",
					Content:     []byte(`{"ok":true}`),
				}},
				Events: []contracts.Event{{Kind: "order_placed"}},
			}, nil
		},
	}))

	result, err := h.manager.Execute(context.Background(), testIntent("orders.place"))
	require.NoError(t, err)

	assert.Equal(t, contracts.StateCompleted, result.State)
	assert.False(t, result.Reused)
	require.Len(t, result.Artifacts, 1)
	require.Len(t, result.Events, 1)

	// Transitions hit the WAL in saga order.
	assert.Equal(t, []contracts.ExecutionState{
		contracts.StateAccepted,
		contracts.StateRunning,
		contracts.StateCompleted,
	}, transitions(t, h.wal, result.ExecutionID))
	require.NoError(t, h.wal.Verify(context.Background(), result.ExecutionID))

	// Artifact bytes are content-addressed in the blob store and the ledger
	// entry was explicitly promoted past ephemeral.
	a := result.Artifacts[0]
	assert.Equal(t, artifacts.Digest([]byte(`{"ok":true}`)), a.Digest)
	assert.Equal(t, contracts.StageWorking, a.Stage)
	data, err := h.blobs.Get(context.Background(), a.Digest)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))

	exec, err := h.manager.GetExecution(result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCompleted, exec.State)
	assert.NotEmpty(t, exec.Fingerprint)
}

func TestExecuteIdempotentResubmission(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	require.NoError(t, h.registry.Register(registry.Registration{
		IntentType: "orders.place",
		Realm:      "commerce",
		Version:    "1.0.0",
		Handler: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			calls.Add(1)
			return &contracts.HandlerResult{}, nil
		},
	}))

	first, err := h.manager.Execute(context.Background(), testIntent("orders.place"))
	require.NoError(t, err)

	second, err := h.manager.Execute(context.Background(), testIntent("orders.place"))
	require.NoError(t, err)

	assert.Equal(t, first.ExecutionID, second.ExecutionID)
	assert.True(t, second.Reused)
	assert.Equal(t, int32(1), calls.Load(), "handler must not run twice for the same fingerprint")

	t.Run("different parameters run again", func(t *testing.T) {
		in := testIntent("orders.place")
		in.Parameters = map[string]any{"sku": "B-200"}
		third, err := h.manager.Execute(context.Background(), in)
		require.NoError(t, err)
		assert.NotEqual(t, first.ExecutionID, third.ExecutionID)
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestExecuteUnknownIntentLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Execute(context.Background(), testIntent("nope"))
	assert.ErrorIs(t, err, contracts.ErrCapabilityNotFound)

	ids, err := h.wal.ExecutionIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestExecuteSchemaRejection(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(registry.Registration{
		IntentType: "orders.place",
		Realm:      "commerce",
		Version:    "1.0.0",
		Handler: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			return &contracts.HandlerResult{}, nil
		},
		InputSchema: `{"type":"object","required":["sku"],"properties":{"sku":{"type":"string"}}}`,
	}))

	in := testIntent("orders.place")
	in.Parameters = map[string]any{"qty": 2}
	_, err := h.manager.Execute(context.Background(), in)
	assert.Error(t, err)

	ids, err := h.wal.ExecutionIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestExecuteFailureWithoutCompensation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(registry.Registration{
		IntentType: "orders.place",
		Realm:      "commerce",
		Version:    "1.0.0",
		Handler: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			return nil, errors.New("inventory exhausted")
		},
	}))

	result, err := h.manager.Execute(context.Background(), testIntent("orders.place"))
	var hf *contracts.HandlerFailure
	require.True(t, errors.As(err, &hf))
	assert.Equal(t, "handler_error", hf.Code)

	require.NotNil(t, result)
	assert.Equal(t, contracts.StateFailed, result.State)
	assert.Equal(t, []contracts.ExecutionState{
		contracts.StateAccepted,
		contracts.StateRunning,
		contracts.StateFailed,
	}, transitions(t, h.wal, result.ExecutionID))
}

func TestExecuteFailureRunsCompensation(t *testing.T) {
	h := newHarness(t)
	var compensated atomic.Bool
	require.NoError(t, h.registry.Register(registry.Registration{
		IntentType: "orders.place",
		Realm:      "commerce",
		Version:    "1.0.0",
		Handler: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			return nil, &contracts.HandlerFailure{Code: "payment_declined", Cause: errors.New("declined")}
		},
		Compensation: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			compensated.Store(true)
			return &contracts.HandlerResult{}, nil
		},
	}))

	result, err := h.manager.Execute(context.Background(), testIntent("orders.place"))
	require.Error(t, err)
	require.NotNil(t, result)
	assert.True(t, compensated.Load())
	assert.Equal(t, contracts.StateCompensated, result.State)
	assert.Equal(t, []contracts.ExecutionState{
		contracts.StateAccepted,
		contracts.StateRunning,
		contracts.StateFailed,
		contracts.StateCompensated,
	}, transitions(t, h.wal, result.ExecutionID))
}

func TestExecuteFailingCompensationStaysFailed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(registry.Registration{
		IntentType: "orders.place",
		Realm:      "commerce",
		Version:    "1.0.0",
		Handler: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			return nil, &contracts.HandlerFailure{Code: "payment_declined", Cause: errors.New("declined")}
		},
		Compensation: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			return nil, errors.New("refund endpoint down")
		},
	}))

	result, err := h.manager.Execute(context.Background(), testIntent("orders.place"))
	require.Error(t, err)
	require.NotNil(t, result)

	// The caller-visible state must agree with the WAL: no Compensated entry
	// was written, so the result cannot claim Compensated.
	assert.Equal(t, contracts.StateFailed, result.State)
	assert.Equal(t, []contracts.ExecutionState{
		contracts.StateAccepted,
		contracts.StateRunning,
		contracts.StateFailed,
	}, transitions(t, h.wal, result.ExecutionID))

	exec, err := h.manager.GetExecution(result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, exec.State)
}

func TestExecuteRegistersExecutionOwnership(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(registry.Registration{
		IntentType: "orders.place",
		Realm:      "commerce",
		Version:    "1.0.0",
		Handler: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			return &contracts.HandlerResult{}, nil
		},
	}))

	result, err := h.manager.Execute(context.Background(), testIntent("orders.place"))
	require.NoError(t, err)

	// The execution is pinned to its tenant in the isolation owner index.
	receipt := h.isolation.CheckAccess("tenant:acme", []string{result.ExecutionID})
	assert.True(t, receipt.Isolated)

	receipt = h.isolation.CheckAccess("tenant:globex", []string{result.ExecutionID})
	assert.False(t, receipt.Isolated)
	require.Len(t, receipt.Violations, 1)
	assert.Contains(t, receipt.Violations[0], "tenant:acme")

	ok, violations := h.isolation.VerifyIsolation()
	assert.True(t, ok)
	assert.Empty(t, violations)
}

func TestExecutePanicBecomesFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(registry.Registration{
		IntentType: "orders.place",
		Realm:      "commerce",
		Version:    "1.0.0",
		Handler: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			panic("boom")
		},
	}))

	result, err := h.manager.Execute(context.Background(), testIntent("orders.place"))
	var hf *contracts.HandlerFailure
	require.True(t, errors.As(err, &hf))
	assert.Equal(t, "panic", hf.Code)
	assert.Equal(t, contracts.StateFailed, result.State)
}

func TestSuspendAndResume(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	require.NoError(t, h.registry.Register(registry.Registration{
		IntentType: "orders.place",
		Realm:      "commerce",
		Version:    "1.0.0",
		Handler: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			if calls.Add(1) == 1 {
				return nil, &SuspendRequest{Checkpoint: "await-approval", Reason: "human approval required"}
			}
			return &contracts.HandlerResult{}, nil
		},
	}))

	result, err := h.manager.Execute(context.Background(), testIntent("orders.place"))
	require.NoError(t, err)
	assert.Equal(t, contracts.StateSuspended, result.State)

	resumed, err := h.manager.Resume(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCompleted, resumed.State)
	assert.Equal(t, int32(2), calls.Load())

	assert.Equal(t, []contracts.ExecutionState{
		contracts.StateAccepted,
		contracts.StateRunning,
		contracts.StateSuspended,
		contracts.StateRunning,
		contracts.StateCompleted,
	}, transitions(t, h.wal, result.ExecutionID))

	t.Run("resume is only valid from suspended", func(t *testing.T) {
		_, err := h.manager.Resume(context.Background(), result.ExecutionID)
		assert.Error(t, err)
	})
}

func TestCancelSuspendedExecution(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(registry.Registration{
		IntentType: "orders.place",
		Realm:      "commerce",
		Version:    "1.0.0",
		Handler: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			return nil, &SuspendRequest{Checkpoint: "cp", Reason: "waiting"}
		},
	}))

	result, err := h.manager.Execute(context.Background(), testIntent("orders.place"))
	require.NoError(t, err)
	require.Equal(t, contracts.StateSuspended, result.State)

	require.NoError(t, h.manager.Cancel(context.Background(), result.ExecutionID))

	exec, err := h.manager.GetExecution(result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, exec.State)
	assert.Equal(t, "cancelled", exec.FailureCode)
	assert.Equal(t, []contracts.ExecutionState{
		contracts.StateAccepted,
		contracts.StateRunning,
		contracts.StateSuspended,
		contracts.StateCancelling,
		contracts.StateFailed,
	}, transitions(t, h.wal, result.ExecutionID))

	t.Run("terminal executions cannot cancel", func(t *testing.T) {
		assert.Error(t, h.manager.Cancel(context.Background(), result.ExecutionID))
	})
}

func TestCancelRunsCompensation(t *testing.T) {
	h := newHarness(t)
	var compensated atomic.Bool
	require.NoError(t, h.registry.Register(registry.Registration{
		IntentType: "orders.place",
		Realm:      "commerce",
		Version:    "1.0.0",
		Handler: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			return nil, &SuspendRequest{Checkpoint: "cp", Reason: "waiting"}
		},
		Compensation: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			compensated.Store(true)
			return &contracts.HandlerResult{}, nil
		},
	}))

	result, err := h.manager.Execute(context.Background(), testIntent("orders.place"))
	require.NoError(t, err)
	require.NoError(t, h.manager.Cancel(context.Background(), result.ExecutionID))

	assert.True(t, compensated.Load())
	exec, err := h.manager.GetExecution(result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCompensated, exec.State)
}

func TestCooperativeCancelMidFlight(t *testing.T) {
	h := newHarness(t)
	started := make(chan string, 1)
	release := make(chan struct{})

	require.NoError(t, h.registry.Register(registry.Registration{
		IntentType: "orders.place",
		Realm:      "commerce",
		Version:    "1.0.0",
		Handler: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			started <- ec.ExecutionID
			<-release
			// Checkpoint: observe the cancellation flag before doing more work.
			if ec.Cancelled() {
				return nil, errors.New("aborted at checkpoint")
			}
			return &contracts.HandlerResult{}, nil
		},
	}))

	done := make(chan *contracts.ExecutionResult, 1)
	go func() {
		result, _ := h.manager.Execute(context.Background(), testIntent("orders.place"))
		done <- result
	}()

	executionID := <-started
	require.NoError(t, h.manager.Cancel(context.Background(), executionID))
	close(release)

	result := <-done
	require.NotNil(t, result)
	assert.Equal(t, contracts.StateFailed, result.State)

	exec, err := h.manager.GetExecution(executionID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", exec.FailureCode)
}

func TestRecoverRebuildsIndex(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(registry.Registration{
		IntentType: "orders.place",
		Realm:      "commerce",
		Version:    "1.0.0",
		Handler: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			return &contracts.HandlerResult{}, nil
		},
	}))

	completed, err := h.manager.Execute(context.Background(), testIntent("orders.place"))
	require.NoError(t, err)

	// Simulate a crash mid-flight: Accepted and Running recorded, no terminal.
	_, err = h.wal.Append(context.Background(), "exec-crashed", contracts.StateAccepted, acceptedPayload{
		Intent:      testIntent("orders.place"),
		Fingerprint: "fp-crashed",
	})
	require.NoError(t, err)
	_, err = h.wal.Append(context.Background(), "exec-crashed", contracts.StateRunning, nil)
	require.NoError(t, err)

	// Boot a fresh manager over the same WAL.
	evaluator, err := boundary.NewEvaluator(true)
	require.NoError(t, err)
	space, writer := state.NewMemoryExecutionSpace()
	fresh := NewManager(Options{
		Registry: h.registry,
		Boundary: evaluator,
		Tenants:  tenancy.NewDirectory(),
		Wal:      h.wal,
		Space:    space,
		Writer:   writer,
		Ledger:   artifacts.NewLedger(),
		Blobs:    artifacts.NewMemoryStore(),
	})
	require.NoError(t, fresh.Recover(context.Background()))

	t.Run("completed execution restored with result", func(t *testing.T) {
		exec, err := fresh.GetExecution(completed.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, contracts.StateCompleted, exec.State)
		require.NotNil(t, exec.Result)

		// The fingerprint index survives restarts: resubmission is reused.
		again, err := fresh.Execute(context.Background(), testIntent("orders.place"))
		require.NoError(t, err)
		assert.True(t, again.Reused)
		assert.Equal(t, completed.ExecutionID, again.ExecutionID)
	})

	t.Run("interrupted execution settled as failed", func(t *testing.T) {
		exec, err := fresh.GetExecution("exec-crashed")
		require.NoError(t, err)
		assert.Equal(t, contracts.StateFailed, exec.State)
		assert.Equal(t, "interrupted", exec.FailureCode)
	})
}
