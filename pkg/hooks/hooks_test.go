package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZeroValueHooksAreNoOps(t *testing.T) {
	var h Hooks
	ctx := context.Background()

	assert.NoError(t, h.Run(ctx, h.BeforeStagedInsert, "doc-1"))
	assert.NoError(t, h.RunHook(ctx, h.BeforeATRCommit, ""))

	forced, ok := h.HasExpired(ctx, StageGet, "doc-1")
	assert.False(t, forced)
	assert.False(t, ok, "no override installed means the caller must do its own check")
}

func TestRunPropagatesHookError(t *testing.T) {
	boom := errors.New("boom")
	h := Hooks{
		BeforeStagedInsert: func(ctx context.Context, key string) error {
			assert.Equal(t, "doc-1", key)
			return boom
		},
	}
	err := h.Run(context.Background(), h.BeforeStagedInsert, "doc-1")
	assert.ErrorIs(t, err, boom)
}

func TestRunHookPropagatesHookError(t *testing.T) {
	boom := errors.New("atr commit boom")
	h := Hooks{
		BeforeATRCommit: func(ctx context.Context) error { return boom },
	}
	err := h.RunHook(context.Background(), h.BeforeATRCommit, "")
	assert.ErrorIs(t, err, boom)
}

func TestHasExpiredOverrideWins(t *testing.T) {
	h := Hooks{
		HasExpiredClientSideOverride: func(ctx context.Context, stage Stage, docKey string) bool {
			return stage == StageCommitDoc && docKey == "doc-2"
		},
	}
	forced, ok := h.HasExpired(context.Background(), StageCommitDoc, "doc-2")
	assert.True(t, ok)
	assert.True(t, forced)

	forced, ok = h.HasExpired(context.Background(), StageGet, "doc-2")
	assert.True(t, ok)
	assert.False(t, forced)
}
