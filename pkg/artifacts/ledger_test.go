package artifacts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
)

func testArtifact(id, execID string, stage contracts.LifecycleStage) contracts.Artifact {
	return contracts.Artifact{
		ArtifactID:  id,
		ExecutionID: execID,
		TenantID:    "tenant:acme",
		Name:        "report",
		Stage:       stage,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestLedgerRecordAndGet(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Record(testArtifact("a-1", "exec-1", contracts.StageEphemeral)))

	got, err := l.Get("a-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StageEphemeral, got.Stage)

	t.Run("duplicate rejected", func(t *testing.T) {
		assert.Error(t, l.Record(testArtifact("a-1", "exec-1", contracts.StageEphemeral)))
	})

	t.Run("missing id rejected", func(t *testing.T) {
		assert.Error(t, l.Record(contracts.Artifact{}))
	})
}

func TestPromoteForwardOnly(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Record(testArtifact("a-1", "exec-1", contracts.StageEphemeral)))

	promoted, err := l.Promote("a-1", contracts.StageWorking)
	require.NoError(t, err)
	assert.Equal(t, contracts.StageWorking, promoted.Stage)
	assert.False(t, promoted.PromotedAt.IsZero())

	promoted, err = l.Promote("a-1", contracts.StageOutcome)
	require.NoError(t, err)
	assert.Equal(t, contracts.StageOutcome, promoted.Stage)

	t.Run("regression refused", func(t *testing.T) {
		_, err := l.Promote("a-1", contracts.StageRecord)
		assert.True(t, errors.Is(err, ErrStageRegression))
		got, err := l.Get("a-1")
		require.NoError(t, err)
		assert.Equal(t, contracts.StageOutcome, got.Stage)
	})

	t.Run("same stage is a no-op", func(t *testing.T) {
		promoted, err := l.Promote("a-1", contracts.StageOutcome)
		require.NoError(t, err)
		assert.Equal(t, contracts.StageOutcome, promoted.Stage)
	})

	t.Run("unknown artifact", func(t *testing.T) {
		_, err := l.Promote("missing", contracts.StageWorking)
		assert.True(t, errors.Is(err, ErrUnknownArtifact))
	})
}

func TestDiscardEphemeral(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Record(testArtifact("a-1", "exec-1", contracts.StageEphemeral)))
	require.NoError(t, l.Record(testArtifact("a-2", "exec-1", contracts.StageEphemeral)))
	require.NoError(t, l.Record(testArtifact("a-3", "exec-2", contracts.StageEphemeral)))
	_, err := l.Promote("a-2", contracts.StageWorking)
	require.NoError(t, err)

	discarded := l.DiscardEphemeral("exec-1")
	assert.Equal(t, 1, discarded)

	_, err = l.Get("a-1")
	assert.True(t, errors.Is(err, ErrUnknownArtifact))
	_, err = l.Get("a-2")
	assert.NoError(t, err)
	_, err = l.Get("a-3")
	assert.NoError(t, err)
}

func TestForExecutionOrdered(t *testing.T) {
	l := NewLedger()
	older := testArtifact("a-1", "exec-1", contracts.StageWorking)
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := testArtifact("a-2", "exec-1", contracts.StageWorking)

	require.NoError(t, l.Record(newer))
	require.NoError(t, l.Record(older))

	out := l.ForExecution("exec-1")
	require.Len(t, out, 2)
	assert.Equal(t, "a-1", out[0].ArtifactID)
	assert.Equal(t, "a-2", out[1].ArtifactID)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	data := []byte("hello artifacts")
	digest, err := s.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, Digest(data), digest)

	got, err := s.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := s.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)

	// Idempotent re-store.
	again, err := s.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, digest, again)

	require.NoError(t, s.Delete(ctx, digest))
	_, err = s.Get(ctx, digest)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("durable bytes")
	digest, err := s.Store(ctx, data)
	require.NoError(t, err)

	got, err := s.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	t.Run("bad digest format", func(t *testing.T) {
		_, err := s.Get(ctx, "md5:nope")
		assert.Error(t, err)
	})
}
