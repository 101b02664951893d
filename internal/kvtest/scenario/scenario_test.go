package scenario

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticekv/txn/internal/kvtest"
	"github.com/latticekv/txn/pkg/kv"
	"github.com/latticekv/txn/pkg/txerr"
	"github.com/latticekv/txn/pkg/txn"
)

var fixtures = []string{
	"01_commit_visible.yaml",
	"02_rollback_on_throw.yaml",
	"03_insert_then_throw_invisible.yaml",
	"04_remove_then_commit.yaml",
	"05_expiry_during_commit.yaml",
}

func TestFixtures(t *testing.T) {
	for _, name := range fixtures {
		name := name
		t.Run(name, func(t *testing.T) {
			f, err := Load(filepath.Join("testdata", name))
			require.NoError(t, err)

			store, err := kvtest.Open(filepath.Join(t.TempDir(), "scenario.db"))
			require.NoError(t, err)
			defer store.Close()

			ctx := context.Background()
			outcome, err := Run(ctx, store, f)
			require.NoError(t, err, "scenario harness itself must not fail")

			checkOutcome(t, store, f, outcome)
			checkFinalDocs(t, store, f)
		})
	}
}

func checkOutcome(t *testing.T, store *kvtest.Store, f *Fixture, outcome Outcome) {
	t.Helper()
	switch f.ExpectOutcome {
	case "committed":
		require.NoError(t, outcome.Err)
		require.NotNil(t, outcome.Result)
		assert.True(t, outcome.Result.UnstagingComplete)
		assertATREntryRemoved(t, store, outcome.Result)
	case "rolled_back":
		require.Error(t, outcome.Err)
		var tf *txerr.TransactionFailed
		assert.ErrorAs(t, outcome.Err, &tf)
	case "expired":
		require.Error(t, outcome.Err)
		var te *txerr.TransactionExpired
		assert.ErrorAs(t, outcome.Err, &te)
	default:
		t.Fatalf("fixture %s: unknown expect_outcome %q", f.Name, f.ExpectOutcome)
	}
}

// assertATREntryRemoved checks that a committed attempt's own entry is
// gone from its ATR once the driver returns. Run disables both cleanup
// workers, so the entry must have been removed by the attempt's own
// commit (its ATR-complete step).
func assertATREntryRemoved(t *testing.T, store *kvtest.Store, result *txn.Result) {
	t.Helper()
	attemptID := LastAttemptID(result)
	require.NotEmpty(t, attemptID, "a committed run must have at least one attempt")

	res, err := store.LookupIn(context.Background(), ATRLocation(result), []kv.LookupSpec{
		{Path: fmt.Sprintf("attempts.%s", attemptID), Xattr: true},
	}, true)
	require.NoError(t, err)
	assert.False(t, res.Results[0].Exists, "committed attempt %s left a dangling ATR entry", attemptID)
}

func checkFinalDocs(t *testing.T, store *kvtest.Store, f *Fixture) {
	t.Helper()
	ctx := context.Background()
	for key, want := range f.FinalDocs {
		id := docID(key)
		doc, err := store.Get(ctx, id)

		switch {
		case want.NotFound:
			require.Error(t, err, "key %s: expected the document to be entirely gone", key)
			var kerr *kv.Error
			require.ErrorAs(t, err, &kerr)
			assert.Equal(t, kv.CodeDocNotFound, kerr.Code)
		case want.Missing:
			if err != nil {
				var kerr *kv.Error
				require.ErrorAs(t, err, &kerr)
				assert.Equal(t, kv.CodeDocNotFound, kerr.Code)
				continue
			}
			assert.True(t, doc.IsDeleted, "key %s: must not be visible to an ordinary read", key)
		default:
			require.NoError(t, err, "key %s", key)
			assert.False(t, doc.IsDeleted, "key %s", key)
			assert.JSONEq(t, string(want.Value), string(doc.Body), "key %s", key)
		}
	}
}
