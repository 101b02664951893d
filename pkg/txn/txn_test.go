package txn

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticekv/txn/internal/kvtest"
	"github.com/latticekv/txn/pkg/attempt"
	"github.com/latticekv/txn/pkg/kv"
	"github.com/latticekv/txn/pkg/txerr"
)

func newTestDriver(t *testing.T, overrides Config) (*Driver, *kvtest.Store) {
	t.Helper()
	store, err := kvtest.Open(filepath.Join(t.TempDir(), "txn.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := DefaultConfig()
	if overrides.MaxAttempts != 0 {
		cfg.MaxAttempts = overrides.MaxAttempts
	}
	if overrides.MinRetryDelay != 0 {
		cfg.MinRetryDelay = overrides.MinRetryDelay
	}
	cfg.CleanupLostAttempts = false
	cfg.CleanupClientAttempts = false
	d := New(store, cfg)
	t.Cleanup(d.Close)
	return d, store
}

func TestRunCommitsOnSuccess(t *testing.T) {
	d, store := newTestDriver(t, Config{MaxAttempts: 3, MinRetryDelay: time.Millisecond})
	id := kv.DocID{Bucket: "default", Scope: "_default", Collection: "_default", Key: "order-1"}

	result, err := d.Run(context.Background(), func(ctx context.Context, ac *attempt.Context) error {
		_, err := ac.Insert(ctx, id, []byte(`{"total":5}`))
		return err
	})
	require.NoError(t, err)
	assert.True(t, result.UnstagingComplete)
	require.Len(t, result.Attempts, 1)
	assert.NoError(t, result.Attempts[0].Err)

	doc, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":5}`, string(doc.Body))
}

func TestRunRollsBackOnArbitraryUserError(t *testing.T) {
	d, store := newTestDriver(t, Config{MaxAttempts: 1, MinRetryDelay: time.Millisecond})
	id := kv.DocID{Bucket: "default", Scope: "_default", Collection: "_default", Key: "order-2"}
	boom := errors.New("application-level failure")

	_, err := d.Run(context.Background(), func(ctx context.Context, ac *attempt.Context) error {
		if _, err := ac.Insert(ctx, id, []byte(`{"total":1}`)); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)
	var tf *txerr.TransactionFailed
	require.ErrorAs(t, err, &tf)
	assert.ErrorIs(t, err, boom)

	doc, gerr := store.Get(context.Background(), id)
	require.NoError(t, gerr)
	assert.True(t, doc.IsDeleted, "a rolled-back insert must leave only the staging tombstone")
}

func TestRunRetriesTransientFailure(t *testing.T) {
	d, _ := newTestDriver(t, Config{MaxAttempts: 5, MinRetryDelay: time.Millisecond})

	attempts := 0
	result, err := d.Run(context.Background(), func(ctx context.Context, ac *attempt.Context) error {
		attempts++
		if attempts < 2 {
			return txerr.Transient(errors.New("temporary backend hiccup"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Len(t, result.Attempts, 2)
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	d, _ := newTestDriver(t, Config{MaxAttempts: 3, MinRetryDelay: time.Millisecond})

	attempts := 0
	_, err := d.Run(context.Background(), func(ctx context.Context, ac *attempt.Context) error {
		attempts++
		return txerr.Transient(errors.New("always fails"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	var tf *txerr.TransactionFailed
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, 3, tf.AttemptCount)
}

func TestRunReturnsFailedPostCommitWithoutRetrying(t *testing.T) {
	d, _ := newTestDriver(t, Config{MaxAttempts: 5, MinRetryDelay: time.Millisecond})

	attempts := 0
	result, err := d.Run(context.Background(), func(ctx context.Context, ac *attempt.Context) error {
		attempts++
		return txerr.FailedPostCommit(txerr.FailHard, errors.New("unstage failed after commit landed"))
	})
	require.NoError(t, err, "failed-post-commit is reported via Result, not an error, since the data is already durable")
	assert.Equal(t, 1, attempts)
	assert.False(t, result.UnstagingComplete)
}

func TestTranslateTerminalMapsFinalOutcomes(t *testing.T) {
	expired := translateTerminal(txerr.ExpiredNormal(errors.New("x")), 4)
	var te *txerr.TransactionExpired
	require.ErrorAs(t, expired, &te)
	assert.Equal(t, 4, te.AttemptCount)

	ambiguous := translateTerminal(txerr.ExpiredOvertimeCommit(errors.New("x")), 2)
	var tca *txerr.TransactionCommitAmbiguous
	require.ErrorAs(t, ambiguous, &tca)

	failed := translateTerminal(txerr.Hard(errors.New("x")), 1)
	var tf *txerr.TransactionFailed
	require.ErrorAs(t, failed, &tf)
}

func TestJitterStaysWithinTenPercent(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		got := jitter(base)
		assert.InDelta(t, float64(base), float64(got), float64(base)*0.10+1)
	}
}

func TestMergeDefaultsFillsOnlyZeroFields(t *testing.T) {
	cfg := mergeDefaults(Config{MaxAttempts: 0, MetadataBucket: "custom"})
	def := DefaultConfig()
	assert.Equal(t, def.ExpirationTime, cfg.ExpirationTime)
	assert.Equal(t, def.MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, "custom", cfg.MetadataBucket)
}
