package artifacts

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
)

var (
	// ErrUnknownArtifact is returned when a ledger entry does not exist.
	ErrUnknownArtifact = errors.New("unknown artifact")
	// ErrStageRegression is returned when a promotion would move an
	// artifact backwards in the lifecycle ladder.
	ErrStageRegression = errors.New("artifact stage cannot regress")
)

// Ledger tracks artifact metadata and lifecycle stages. Promotion between
// stages is always an explicit, logged action — never implicit on write.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*contracts.Artifact
	logger  *slog.Logger
}

// NewLedger creates an empty artifact ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entries: make(map[string]*contracts.Artifact),
		logger:  slog.Default().With("component", "artifacts"),
	}
}

// Record registers an artifact at its initial stage.
func (l *Ledger) Record(a contracts.Artifact) error {
	if a.ArtifactID == "" {
		return errors.New("artifact_id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[a.ArtifactID]; ok {
		return fmt.Errorf("artifact %s already recorded", a.ArtifactID)
	}
	entry := a
	l.entries[a.ArtifactID] = &entry
	return nil
}

// Promote moves an artifact forward in the lifecycle ladder. Promotions
// already at or beyond the target stage are no-ops; regressions fail.
func (l *Ledger) Promote(artifactID string, to contracts.LifecycleStage) (contracts.Artifact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[artifactID]
	if !ok {
		return contracts.Artifact{}, fmt.Errorf("%w: %s", ErrUnknownArtifact, artifactID)
	}
	if to < entry.Stage {
		return *entry, fmt.Errorf("%w: %s is at %s, refused %s", ErrStageRegression, artifactID, entry.Stage, to)
	}
	if to == entry.Stage {
		return *entry, nil
	}

	from := entry.Stage
	entry.Stage = to
	entry.PromotedAt = time.Now().UTC()

	l.logger.Info("artifact promoted",
		"artifact_id", artifactID,
		"execution_id", entry.ExecutionID,
		"from", from.String(),
		"to", to.String(),
	)
	return *entry, nil
}

// Get returns a ledger entry by artifact ID.
func (l *Ledger) Get(artifactID string) (contracts.Artifact, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.entries[artifactID]
	if !ok {
		return contracts.Artifact{}, fmt.Errorf("%w: %s", ErrUnknownArtifact, artifactID)
	}
	return *entry, nil
}

// ForExecution returns all artifacts of an execution, ordered by creation.
func (l *Ledger) ForExecution(executionID string) []contracts.Artifact {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []contracts.Artifact
	for _, entry := range l.entries {
		if entry.ExecutionID == executionID {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DiscardEphemeral drops every ephemeral artifact of an execution. Called
// at execution end; promoted artifacts are untouched.
func (l *Ledger) DiscardEphemeral(executionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	discarded := 0
	for id, entry := range l.entries {
		if entry.ExecutionID == executionID && entry.Stage == contracts.StageEphemeral {
			delete(l.entries, id)
			discarded++
		}
	}
	return discarded
}
