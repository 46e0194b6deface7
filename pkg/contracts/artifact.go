package contracts

import (
	"fmt"
	"time"
)

// LifecycleStage tags an artifact's position in the promotion ladder.
// Promotion is always an explicit, logged action — never implicit on write.
type LifecycleStage int

const (
	// StageEphemeral artifacts are discarded at execution end.
	StageEphemeral LifecycleStage = iota
	// StageWorking artifacts are kept for the execution's WAL trail.
	StageWorking
	// StageRecord artifacts are durably persisted and queryable.
	StageRecord
	// StageOutcome artifacts are explicitly promoted, named, and referenced
	// by downstream compositions.
	StageOutcome
)

var stageNames = map[LifecycleStage]string{
	StageEphemeral: "ephemeral",
	StageWorking:   "working_material",
	StageRecord:    "record_of_fact",
	StageOutcome:   "purpose_bound_outcome",
}

func (s LifecycleStage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Artifact is the output of a completed handler, content-addressed by Digest.
type Artifact struct {
	ArtifactID  string         `json:"artifact_id"`
	ExecutionID string         `json:"execution_id"`
	TenantID    string         `json:"tenant_id"`
	Name        string         `json:"name"`
	ContentType string         `json:"content_type"`
	Digest      string         `json:"digest"` // SHA-256 hex of canonical content
	Stage       LifecycleStage `json:"stage"`
	CreatedAt   time.Time      `json:"created_at"`
	PromotedAt  time.Time      `json:"promoted_at,omitempty"`

	// Content carries the raw bytes from handler to blob store. It is never
	// serialized; durable content lives behind Digest.
	Content []byte `json:"-"`
}
