package cleanup

import (
	"container/heap"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticekv/txn/internal/kvtest"
	"github.com/latticekv/txn/pkg/atr"
	"github.com/latticekv/txn/pkg/kv"
)

func newTestStore(t *testing.T) *kvtest.Store {
	t.Helper()
	s, err := kvtest.Open(filepath.Join(t.TempDir(), "cleanup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEntryHeapOrdersByReadyAt(t *testing.T) {
	now := time.Now()
	var h entryHeap
	heap.Init(&h)
	heap.Push(&h, QueueEntry{AttemptID: "late", ReadyAt: now.Add(3 * time.Second)})
	heap.Push(&h, QueueEntry{AttemptID: "early", ReadyAt: now.Add(1 * time.Second)})
	heap.Push(&h, QueueEntry{AttemptID: "mid", ReadyAt: now.Add(2 * time.Second)})

	var order []string
	for h.Len() > 0 {
		order = append(order, heap.Pop(&h).(QueueEntry).AttemptID)
	}
	assert.Equal(t, []string{"early", "mid", "late"}, order)
}

func TestPartitionShareStripesAcrossClients(t *testing.T) {
	clients := map[string]clientRecordEntry{
		"a": {}, "b": {}, "c": {},
	}
	shareA := partitionShare("a", clients)
	shareB := partitionShare("b", clients)
	shareC := partitionShare("c", clients)

	total := len(shareA) + len(shareB) + len(shareC)
	assert.Equal(t, atr.PartitionCount, total, "every partition must be covered exactly once across all clients")

	seen := map[int]string{}
	for _, p := range shareA {
		seen[p] = "a"
	}
	for _, p := range shareB {
		require.NotContains(t, seen, p, "no partition should be claimed by more than one client")
		seen[p] = "b"
	}
	for _, p := range shareC {
		require.NotContains(t, seen, p, "no partition should be claimed by more than one client")
		seen[p] = "c"
	}

	// Stripe pattern: sorted ids are a, b, c (idx 0, 1, 2); client "a" owns
	// partitions 0, 3, 6, ...
	assert.Equal(t, 0, shareA[0])
	assert.Equal(t, 1, shareB[0])
	assert.Equal(t, 2, shareC[0])
}

func TestPartitionShareUnknownClientReturnsNil(t *testing.T) {
	clients := map[string]clientRecordEntry{"a": {}, "b": {}}
	assert.Nil(t, partitionShare("ghost", clients))
	assert.Nil(t, partitionShare("a", nil))
}

func TestFinalizeEntryCommitsStagedInsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	docID := kv.DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "order-1"}
	atrLoc := kv.DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "_txn:atr-0001"}

	_, err := store.MutateIn(ctx, docID, []kv.MutateSpec{
		{Path: "txn.id.atmpt", Value: mustJSON("a1"), Xattr: true, CreatePath: true},
		{Path: "txn.staged", Value: []byte(`{"v":1}`), Xattr: true, CreatePath: true},
	}, kv.MutateOptions{StoreSemantics: kv.StoreInsert, AccessDeleted: true, CreateAsDeleted: true})
	require.NoError(t, err)

	_, err = store.MutateIn(ctx, atrLoc, []kv.MutateSpec{
		{Path: "attempts.a1", Value: []byte(`{"st":"COMMITTED"}`), Xattr: true, CreatePath: true},
	}, kv.MutateOptions{StoreSemantics: kv.StoreUpsert})
	require.NoError(t, err)

	entry := &atr.Entry{
		AttemptID: "a1",
		State:     atr.StateCommitted,
		Inserts:   []atr.DocRecord{{Bucket: docID.Bucket, Scope: docID.Scope, Collection: docID.Collection, ID: docID.Key}},
	}

	handled, err := finalizeEntry(ctx, store, kv.DurabilityNone, atrLoc, entry)
	require.NoError(t, err)
	assert.True(t, handled)

	doc, err := store.Get(ctx, docID)
	require.NoError(t, err)
	assert.False(t, doc.IsDeleted)
	assert.JSONEq(t, `{"v":1}`, string(doc.Body))

	res, err := store.LookupIn(ctx, atrLoc, []kv.LookupSpec{{Path: "attempts.a1", Xattr: true}}, true)
	require.NoError(t, err)
	assert.False(t, res.Results[0].Exists, "removeEntry should have removed the attempt's atr entry")
}

func TestFinalizeEntryRollsBackPendingInsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	docID := kv.DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "order-2"}
	atrLoc := kv.DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "_txn:atr-0002"}

	_, err := store.MutateIn(ctx, docID, []kv.MutateSpec{
		{Path: "txn.id.atmpt", Value: mustJSON("a2"), Xattr: true, CreatePath: true},
		{Path: "txn.staged", Value: []byte(`{"v":1}`), Xattr: true, CreatePath: true},
	}, kv.MutateOptions{StoreSemantics: kv.StoreInsert, AccessDeleted: true, CreateAsDeleted: true})
	require.NoError(t, err)

	_, err = store.MutateIn(ctx, atrLoc, []kv.MutateSpec{
		{Path: "attempts.a2", Value: []byte(`{"st":"PENDING"}`), Xattr: true, CreatePath: true},
	}, kv.MutateOptions{StoreSemantics: kv.StoreUpsert})
	require.NoError(t, err)

	entry := &atr.Entry{
		AttemptID: "a2",
		State:     atr.StatePending,
		Inserts:   []atr.DocRecord{{Bucket: docID.Bucket, Scope: docID.Scope, Collection: docID.Collection, ID: docID.Key}},
	}

	handled, err := finalizeEntry(ctx, store, kv.DurabilityNone, atrLoc, entry)
	require.NoError(t, err)
	assert.True(t, handled)

	doc, err := store.Get(ctx, docID)
	require.NoError(t, err)
	assert.True(t, doc.IsDeleted, "a rolled-back staged insert must leave only the tombstone behind")
}

func TestFinalizeEntrySkipsOtherAttemptsMutation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	docID := kv.DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "order-3"}
	atrLoc := kv.DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "_txn:atr-0003"}

	_, err := store.MutateIn(ctx, docID, []kv.MutateSpec{
		{Path: "txn.id.atmpt", Value: mustJSON("other-attempt"), Xattr: true, CreatePath: true},
		{Path: "txn.staged", Value: []byte(`{"v":9}`), Xattr: true, CreatePath: true},
	}, kv.MutateOptions{StoreSemantics: kv.StoreInsert, AccessDeleted: true, CreateAsDeleted: true})
	require.NoError(t, err)

	_, err = store.MutateIn(ctx, atrLoc, []kv.MutateSpec{
		{Path: "attempts.a3", Value: []byte(`{"st":"COMMITTED"}`), Xattr: true, CreatePath: true},
	}, kv.MutateOptions{StoreSemantics: kv.StoreUpsert})
	require.NoError(t, err)

	entry := &atr.Entry{
		AttemptID: "a3",
		State:     atr.StateCommitted,
		Inserts:   []atr.DocRecord{{Bucket: docID.Bucket, Scope: docID.Scope, Collection: docID.Collection, ID: docID.Key}},
	}

	// The doc's txn block belongs to "other-attempt", not "a3" — a stale
	// record in this entry's list must be skipped, not acted on.
	handled, err := finalizeEntry(ctx, store, kv.DurabilityNone, atrLoc, entry)
	require.NoError(t, err)
	assert.True(t, handled)

	res, err := store.LookupIn(ctx, docID, []kv.LookupSpec{{Path: "txn.id.atmpt", Xattr: true}}, true)
	require.NoError(t, err)
	assert.True(t, res.Results[0].Exists, "unrelated attempt's staged write must be left untouched")
}

func mustJSON(v string) []byte {
	return []byte(`"` + v + `"`)
}
