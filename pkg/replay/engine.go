// Package replay re-derives completed executions from the WAL and checks
// that deterministic capabilities still produce byte-identical outcomes.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Meridian-Labs/meridian/core/pkg/artifacts"
	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
	"github.com/Meridian-Labs/meridian/core/pkg/registry"
	"github.com/Meridian-Labs/meridian/core/pkg/state"
	"github.com/Meridian-Labs/meridian/core/pkg/wal"
)

// Verdict classifies the outcome of replaying one execution.
type Verdict string

const (
	// VerdictMatch means re-execution reproduced the recorded digests.
	VerdictMatch Verdict = "match"
	// VerdictDiverged means a deterministic capability produced different
	// output than the record. Always a defect in the capability.
	VerdictDiverged Verdict = "diverged"
	// VerdictVerifiedOnly means the WAL chain was verified without
	// re-execution (agent-assisted or version-skewed capabilities).
	VerdictVerifiedOnly Verdict = "verified_only"
	// VerdictChainBroken means the hash chain itself failed verification.
	VerdictChainBroken Verdict = "chain_broken"
)

// Divergence pinpoints one artifact whose digest changed on replay.
type Divergence struct {
	ArtifactName   string `json:"artifact_name"`
	RecordedDigest string `json:"recorded_digest"`
	ReplayedDigest string `json:"replayed_digest"`
}

// Report is the result of replaying one execution.
type Report struct {
	ExecutionID string        `json:"execution_id"`
	IntentType  string        `json:"intent_type"`
	Verdict     Verdict       `json:"verdict"`
	Reason      string        `json:"reason,omitempty"`
	Divergences []Divergence  `json:"divergences,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Engine replays executions against the current registry.
type Engine struct {
	wal      wal.Log
	registry *registry.Registry
	space    state.ExecutionSpace
	logger   *slog.Logger
}

// NewEngine creates a replay engine.
func NewEngine(log wal.Log, reg *registry.Registry, space state.ExecutionSpace) *Engine {
	return &Engine{
		wal:      log,
		registry: reg,
		space:    space,
		logger:   slog.Default().With("component", "replay"),
	}
}

type acceptedRecord struct {
	Intent      contracts.Intent            `json:"intent"`
	Fingerprint string                      `json:"fingerprint"`
	Contract    *contracts.BoundaryContract `json:"contract"`
}

type completedRecord struct {
	Result *contracts.ExecutionResult `json:"result"`
}

// Replay verifies one execution's WAL chain and, when safe, re-executes it
// and compares artifact digests. Only deterministic capabilities at the
// recorded version are re-invoked; everything else is verified only.
func (e *Engine) Replay(ctx context.Context, executionID string) (*Report, error) {
	start := time.Now()
	report := &Report{ExecutionID: executionID}
	defer func() { report.Elapsed = time.Since(start) }()

	if err := e.wal.Verify(ctx, executionID); err != nil {
		report.Verdict = VerdictChainBroken
		report.Reason = err.Error()
		return report, nil
	}

	entries, err := e.wal.Replay(ctx, executionID)
	if err != nil {
		return nil, err
	}

	var accepted *acceptedRecord
	var completed *completedRecord
	for _, entry := range entries {
		switch entry.Transition {
		case contracts.StateAccepted:
			var rec acceptedRecord
			if err := json.Unmarshal(entry.Payload, &rec); err != nil {
				return nil, fmt.Errorf("accepted payload: %w", err)
			}
			accepted = &rec
		case contracts.StateCompleted:
			var rec completedRecord
			if len(entry.Payload) > 0 {
				if err := json.Unmarshal(entry.Payload, &rec); err != nil {
					return nil, fmt.Errorf("completed payload: %w", err)
				}
			}
			completed = &rec
		}
	}

	if accepted == nil {
		return nil, fmt.Errorf("execution %s has no accepted entry", executionID)
	}
	report.IntentType = accepted.Intent.IntentType

	if completed == nil || completed.Result == nil {
		report.Verdict = VerdictVerifiedOnly
		report.Reason = "execution did not complete"
		return report, nil
	}

	capability, err := e.registry.Resolve(accepted.Intent.IntentType)
	if err != nil {
		report.Verdict = VerdictVerifiedOnly
		report.Reason = "capability no longer registered"
		return report, nil
	}
	if capability.Determinism != contracts.Deterministic {
		report.Verdict = VerdictVerifiedOnly
		report.Reason = "agent-assisted capability, re-execution skipped"
		return report, nil
	}
	if recorded, _ := accepted.Intent.Metadata["capability_version"].(string); recorded != "" && recorded != capability.Version.String() {
		report.Verdict = VerdictVerifiedOnly
		report.Reason = fmt.Sprintf("capability version skew: recorded %s, current %s", recorded, capability.Version.String())
		return report, nil
	}
	if accepted.Contract == nil {
		// No handler invocation may happen without a boundary contract, so a
		// record missing one cannot be re-executed.
		report.Verdict = VerdictVerifiedOnly
		report.Reason = "accepted entry carries no boundary contract"
		return report, nil
	}

	e.compare(ctx, accepted, completed.Result, capability, report)
	return report, nil
}

// compare re-invokes the handler and diffs artifact digests against the
// recorded outcome. The handler runs under the contract recorded at
// admission time and gets a read-only state view; replay never writes.
func (e *Engine) compare(ctx context.Context, accepted *acceptedRecord, recorded *contracts.ExecutionResult, capability *registry.Capability, report *Report) {
	ec := &contracts.ExecutionContext{
		ExecutionID: recorded.ExecutionID,
		Intent:      accepted.Intent,
		TenantID:    accepted.Intent.TenantID,
		SessionID:   accepted.Intent.SessionID,
		Contract:    accepted.Contract,
		State:       state.NewScopedReader(e.space, accepted.Intent.TenantID, recorded.ExecutionID),
	}

	replayed, err := capability.Handler(ctx, ec)
	if err != nil {
		report.Verdict = VerdictDiverged
		report.Reason = fmt.Sprintf("replayed handler failed: %v", err)
		return
	}
	if replayed == nil {
		replayed = &contracts.HandlerResult{}
	}

	recordedDigests := make(map[string]string, len(recorded.Artifacts))
	for _, a := range recorded.Artifacts {
		recordedDigests[a.Name] = a.Digest
	}

	for _, a := range replayed.Artifacts {
		digest := artifacts.Digest(a.Content)
		want, ok := recordedDigests[a.Name]
		if !ok {
			report.Divergences = append(report.Divergences, Divergence{
				ArtifactName:   a.Name,
				ReplayedDigest: digest,
			})
			continue
		}
		if want != digest {
			report.Divergences = append(report.Divergences, Divergence{
				ArtifactName:   a.Name,
				RecordedDigest: want,
				ReplayedDigest: digest,
			})
		}
		delete(recordedDigests, a.Name)
	}
	for name, digest := range recordedDigests {
		report.Divergences = append(report.Divergences, Divergence{
			ArtifactName:   name,
			RecordedDigest: digest,
		})
	}

	if len(report.Divergences) > 0 {
		report.Verdict = VerdictDiverged
		e.logger.Warn("deterministic replay diverged",
			"execution_id", recorded.ExecutionID,
			"intent_type", accepted.Intent.IntentType,
			"divergences", len(report.Divergences),
		)
		return
	}
	report.Verdict = VerdictMatch
}

// ReplayAll replays every execution the WAL knows about.
func (e *Engine) ReplayAll(ctx context.Context, scanner interface {
	ExecutionIDs(ctx context.Context) ([]string, error)
}) ([]*Report, error) {
	ids, err := scanner.ExecutionIDs(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]*Report, 0, len(ids))
	for _, id := range ids {
		report, err := e.Replay(ctx, id)
		if err != nil {
			return reports, fmt.Errorf("replay %s: %w", id, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}
