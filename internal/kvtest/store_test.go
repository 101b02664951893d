package kvtest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticekv/txn/pkg/kv"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertGetRoundTrip(t *testing.T) {
	s := newStore(t)
	id := kv.DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "doc-1"}
	ctx := context.Background()

	_, err := s.Insert(ctx, id, []byte(`{"x":1}`), kv.DurabilityNone)
	require.NoError(t, err)

	doc, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(doc.Body))
	assert.False(t, doc.IsDeleted)

	_, err = s.Insert(ctx, id, []byte(`{"x":2}`), kv.DurabilityNone)
	assert.Error(t, err, "re-inserting an existing document must fail")
	kerr, ok := err.(*kv.Error)
	require.True(t, ok)
	assert.Equal(t, kv.CodeDocExists, kerr.Code)
}

func TestMutateInNestedXattrPath(t *testing.T) {
	s := newStore(t)
	id := kv.DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "doc-2"}
	ctx := context.Background()

	specs := []kv.MutateSpec{
		{Path: "txn.id.txn", Value: mustJSON("txn-1"), Xattr: true, CreatePath: true},
		{Path: "txn.id.atmpt", Value: mustJSON("atmpt-1"), Xattr: true, CreatePath: true},
	}
	_, err := s.MutateIn(ctx, id, specs, kv.MutateOptions{
		StoreSemantics:  kv.StoreInsert,
		AccessDeleted:   true,
		CreateAsDeleted: true,
	})
	require.NoError(t, err)

	res, err := s.LookupIn(ctx, id, []kv.LookupSpec{
		{Path: "txn.id.txn", Xattr: true},
		{Path: "txn.id.atmpt", Xattr: true},
		{Path: "txn.id.missing", Xattr: true},
	}, true)
	require.NoError(t, err)
	require.True(t, res.IsDeleted)

	got := map[string]kv.LookupResult{}
	for _, r := range res.Results {
		got[r.Path] = r
	}
	require.True(t, got["txn.id.txn"].Exists)
	var txnID string
	require.NoError(t, json.Unmarshal(got["txn.id.txn"].Value, &txnID))
	assert.Equal(t, "txn-1", txnID)

	require.True(t, got["txn.id.atmpt"].Exists)
	assert.False(t, got["txn.id.missing"].Exists)
}

func TestMutateInDeleteWholeXattrKey(t *testing.T) {
	s := newStore(t)
	id := kv.DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "doc-3"}
	ctx := context.Background()

	_, err := s.Insert(ctx, id, []byte(`{"x":1}`), kv.DurabilityNone)
	require.NoError(t, err)

	_, err = s.MutateIn(ctx, id, []kv.MutateSpec{
		{Path: "txn.id.txn", Value: mustJSON("t1"), Xattr: true, CreatePath: true},
	}, kv.MutateOptions{StoreSemantics: kv.StoreUpsert})
	require.NoError(t, err)

	// Deleting the whole top-level "txn" xattr key, as commit/rollback do,
	// must succeed and remove every nested field beneath it.
	_, err = s.MutateIn(ctx, id, []kv.MutateSpec{
		{Path: "txn", Xattr: true, IsDelete: true},
	}, kv.MutateOptions{StoreSemantics: kv.StoreUpsert})
	require.NoError(t, err)

	res, err := s.LookupIn(ctx, id, []kv.LookupSpec{{Path: "txn.id.txn", Xattr: true}}, true)
	require.NoError(t, err)
	assert.False(t, res.Results[0].Exists)

	// Deleting it again must fail with path-not-found.
	_, err = s.MutateIn(ctx, id, []kv.MutateSpec{
		{Path: "txn", Xattr: true, IsDelete: true},
	}, kv.MutateOptions{StoreSemantics: kv.StoreUpsert})
	assert.Error(t, err)
}

func TestMutateInCasMismatch(t *testing.T) {
	s := newStore(t)
	id := kv.DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "doc-4"}
	ctx := context.Background()

	cas, err := s.Insert(ctx, id, []byte(`{}`), kv.DurabilityNone)
	require.NoError(t, err)

	_, err = s.MutateIn(ctx, id, []kv.MutateSpec{{Path: "", Value: []byte(`{"y":1}`)}}, kv.MutateOptions{
		Cas:            cas + 1,
		StoreSemantics: kv.StoreUpsert,
	})
	require.Error(t, err)
	kerr, ok := err.(*kv.Error)
	require.True(t, ok)
	assert.Equal(t, kv.CodeCasMismatch, kerr.Code)
}

func TestMacroMutationCASProducesParsableTimestamp(t *testing.T) {
	s := newStore(t)
	id := kv.DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "doc-5"}
	ctx := context.Background()

	_, err := s.MutateIn(ctx, id, []kv.MutateSpec{
		{Path: "attempts.a1.tst", Xattr: true, CreatePath: true, Macro: kv.MacroMutationCAS},
	}, kv.MutateOptions{StoreSemantics: kv.StoreInsert})
	require.NoError(t, err)

	res, err := s.LookupIn(ctx, id, []kv.LookupSpec{{Path: "attempts.a1.tst", Xattr: true}}, true)
	require.NoError(t, err)
	require.True(t, res.Results[0].Exists)

	var hexVal string
	require.NoError(t, json.Unmarshal(res.Results[0].Value, &hexVal))
	assert.NotEmpty(t, hexVal)
}

func TestVbucketAndDocumentVirtualXattrs(t *testing.T) {
	s := newStore(t)
	id := kv.DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "doc-6"}
	ctx := context.Background()
	_, err := s.Insert(ctx, id, []byte(`{"a":1}`), kv.DurabilityNone)
	require.NoError(t, err)

	res, err := s.LookupIn(ctx, id, []kv.LookupSpec{{Path: "$vbucket", Xattr: true}, {Path: "$document", Xattr: true}}, true)
	require.NoError(t, err)
	for _, r := range res.Results {
		assert.True(t, r.Exists)
		assert.NotEmpty(t, r.Value)
	}
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
