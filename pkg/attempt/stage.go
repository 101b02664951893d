package attempt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/latticekv/txn/pkg/hooks"
	"github.com/latticekv/txn/pkg/kv"
	"github.com/latticekv/txn/pkg/mutation"
	"github.com/latticekv/txn/pkg/txerr"
)

func (c *Context) stagedXattrSpecs(id kv.DocID, opType string, content []byte, restore *restoreMeta) []kv.MutateSpec {
	specs := []kv.MutateSpec{
		{Path: pathTxnID, Value: jsonString(c.txnID), Xattr: true, CreatePath: true},
		{Path: pathAttemptID, Value: jsonString(c.attemptID), Xattr: true, CreatePath: true},
		{Path: pathATRID, Value: jsonString(c.mustATRID()), Xattr: true, CreatePath: true},
		{Path: pathATRBucket, Value: jsonString(c.cfg.MetadataBucket), Xattr: true, CreatePath: true},
		{Path: pathATRCollection, Value: jsonString(c.cfg.MetadataScope + "." + c.cfg.MetadataColl), Xattr: true, CreatePath: true},
		{Path: pathOpType, Value: jsonString(opType), Xattr: true, CreatePath: true},
		{Path: pathStaged, Value: content, Xattr: true, CreatePath: true},
		{Path: pathCRC32Staging, Xattr: true, CreatePath: true, Macro: kv.MacroValueCRC32C},
	}
	if restore != nil {
		specs = append(specs, kv.MutateSpec{Path: pathRestore, Value: mustMarshal(restore), Xattr: true, CreatePath: true})
	}
	return specs
}

func (c *Context) mustATRID() string {
	id, _ := c.ATRLocation()
	return id.Key
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

// Insert implements spec.md §4.4.5.
func (c *Context) Insert(ctx context.Context, id kv.DocID, content []byte) (*Doc, error) {
	if err := c.checkExpiry(ctx, hooks.StageInsert, id.Key); err != nil {
		return nil, err
	}
	if err := c.hooks.Run(ctx, c.hooks.BeforeStagedInsert, id.Key); err != nil {
		return nil, txerr.Hard(err)
	}
	if err := c.ensureATR(ctx, id); err != nil {
		return nil, err
	}

	specs := c.stagedXattrSpecs(id, opInsert, content, nil)
	cas, err := c.client.MutateIn(ctx, id, specs, kv.MutateOptions{
		Durability:      c.cfg.Durability,
		AccessDeleted:   true,
		CreateAsDeleted: true,
		StoreSemantics:  kv.StoreInsert,
	})
	if err == nil {
		return c.finishStage(ctx, id, mutation.Insert, content, cas)
	}

	cause, class := classifyKVErr(err, true)
	if class != txerr.FailDocAlreadyExists {
		return nil, c.wrapMutateError(class, cause, true)
	}

	return c.resolveInsertConflict(ctx, id, content)
}

// resolveInsertConflict implements the FAIL_DOC_ALREADY_EXISTS branch of
// spec.md §4.4.5.
func (c *Context) resolveInsertConflict(ctx context.Context, id kv.DocID, content []byte) (*Doc, error) {
	existing, err := c.client.Get(ctx, id)
	if err != nil {
		cause, class := classifyKVErr(err, false)
		if class == txerr.FailDocNotFound {
			// Raced with a concurrent delete; simplest safe response is
			// to let the attempt retry at the driver level.
			return nil, txerr.Transient(cause)
		}
		return nil, txerr.Transient(cause)
	}

	lookupRes, lerr := c.client.LookupIn(ctx, id, []kv.LookupSpec{
		{Path: pathTxnID, Xattr: true},
		{Path: pathAttemptID, Xattr: true},
		{Path: pathATRID, Xattr: true},
		{Path: pathATRBucket, Xattr: true},
		{Path: pathATRCollection, Xattr: true},
		{Path: pathOpType, Xattr: true},
	}, true)
	var sx *stagedXattr
	if lerr == nil {
		sx, _, _, _ = parseLookupResult(lookupRes)
	}

	if sx == nil {
		if existing.IsDeleted {
			// Plain tombstone, no txn block: retry the insert by
			// overwriting it with the observed CAS.
			specs := c.stagedXattrSpecs(id, opInsert, content, nil)
			cas, merr := c.client.MutateIn(ctx, id, specs, kv.MutateOptions{
				Cas:             existing.Cas,
				Durability:      c.cfg.Durability,
				AccessDeleted:   true,
				CreateAsDeleted: true,
				StoreSemantics:  kv.StoreReplace,
			})
			if merr != nil {
				cause, class := classifyKVErr(merr, true)
				return nil, c.wrapMutateError(class, cause, true)
			}
			return c.finishStage(ctx, id, mutation.Insert, content, cas)
		}
		// Live document with no transactional metadata: terminal.
		return nil, txerr.New(txerr.FailDocAlreadyExists, fmt.Errorf("document already exists: %s", id), false, false, txerr.FinalFailed)
	}

	if sx.OpType != opInsert {
		return nil, txerr.New(txerr.FailDocAlreadyExists, fmt.Errorf("document already exists: %s", id), false, false, txerr.FinalFailed)
	}

	atrLoc := kv.DocID{Bucket: sx.ATRBucket, Scope: splitScope(sx.ATRCollection), Collection: splitCollection(sx.ATRCollection), Key: sx.ATRID}
	if err := c.resolveWriteWriteConflict(ctx, sx.TxnID, atrLoc, sx.AttemptID); err != nil {
		return nil, err
	}

	specs := c.stagedXattrSpecs(id, opInsert, content, nil)
	cas, merr := c.client.MutateIn(ctx, id, specs, kv.MutateOptions{
		Cas:             existing.Cas,
		Durability:      c.cfg.Durability,
		AccessDeleted:   true,
		CreateAsDeleted: true,
		StoreSemantics:  kv.StoreReplace,
	})
	if merr != nil {
		cause, class := classifyKVErr(merr, true)
		return nil, c.wrapMutateError(class, cause, true)
	}
	return c.finishStage(ctx, id, mutation.Insert, content, cas)
}

// Replace implements spec.md §4.4.4 for the replace case.
func (c *Context) Replace(ctx context.Context, doc *Doc, content []byte) (*Doc, error) {
	if err := c.checkExpiry(ctx, hooks.StageReplace, doc.ID.Key); err != nil {
		return nil, err
	}
	if err := c.hooks.Run(ctx, c.hooks.BeforeStagedReplace, doc.ID.Key); err != nil {
		return nil, txerr.Hard(err)
	}
	if err := c.ensureATR(ctx, doc.ID); err != nil {
		return nil, err
	}

	restore := &restoreMeta{Cas: doc.meta.Cas, RevID: doc.meta.RevID, ExpTime: doc.meta.ExpTimeUnix}
	specs := c.stagedXattrSpecs(doc.ID, opReplace, content, restore)
	cas, err := c.client.MutateIn(ctx, doc.ID, specs, kv.MutateOptions{
		Cas:            doc.Cas,
		Durability:     c.cfg.Durability,
		StoreSemantics: kv.StoreUpsert,
	})
	if err != nil {
		cause, class := classifyKVErr(err, true)
		return nil, c.wrapMutateError(class, cause, true)
	}
	return c.finishStage(ctx, doc.ID, mutation.Replace, content, cas)
}

// Remove implements spec.md §4.4.4 for the remove case.
func (c *Context) Remove(ctx context.Context, doc *Doc) error {
	if err := c.checkExpiry(ctx, hooks.StageRemove, doc.ID.Key); err != nil {
		return err
	}
	if err := c.hooks.Run(ctx, c.hooks.BeforeStagedRemove, doc.ID.Key); err != nil {
		return txerr.Hard(err)
	}
	if err := c.hooks.Run(ctx, c.hooks.BeforeRemovingDocDuringStagedInsert, doc.ID.Key); err != nil {
		return txerr.Hard(err)
	}
	if err := c.ensureATR(ctx, doc.ID); err != nil {
		return err
	}

	restore := &restoreMeta{Cas: doc.meta.Cas, RevID: doc.meta.RevID, ExpTime: doc.meta.ExpTimeUnix}
	specs := c.stagedXattrSpecs(doc.ID, opRemove, removedSentinel, restore)
	cas, err := c.client.MutateIn(ctx, doc.ID, specs, kv.MutateOptions{
		Cas:            doc.Cas,
		Durability:     c.cfg.Durability,
		AccessDeleted:  doc.wasTombstone,
		StoreSemantics: kv.StoreUpsert,
	})
	if err != nil {
		cause, class := classifyKVErr(err, true)
		return c.wrapMutateError(class, cause, true)
	}

	if _, err := c.finishStage(ctx, doc.ID, mutation.Remove, removedSentinel, cas); err != nil {
		return err
	}
	return nil
}

// finishStage records a successfully staged write in the mutation log
// and runs the matching after-* hook.
func (c *Context) finishStage(ctx context.Context, id kv.DocID, typ mutation.Type, content []byte, cas kv.Cas) (*Doc, error) {
	if err := c.log.Add(mutation.Staged{ID: id, Type: typ, Content: content, Cas: cas}); err != nil {
		return nil, txerr.Hard(err)
	}

	var hookErr error
	switch typ {
	case mutation.Insert:
		hookErr = c.hooks.Run(ctx, c.hooks.AfterStagedInsertComplete, id.Key)
	case mutation.Replace:
		hookErr = c.hooks.Run(ctx, c.hooks.AfterStagedReplaceComplete, id.Key)
	case mutation.Remove:
		hookErr = c.hooks.Run(ctx, c.hooks.AfterStagedRemoveComplete, id.Key)
	}
	if hookErr != nil {
		return nil, txerr.Hard(hookErr)
	}
	return &Doc{ID: id, Content: content, Cas: cas, exists: typ != mutation.Remove}, nil
}

// wrapMutateError translates a classified mutate_in failure into the
// retry/rollback contract spec.md §4.4.1's operation table describes:
// CAS mismatch and doc-already-exists on a staging write are retried at
// the driver level (rolling back this attempt first, per the §4.1
// invariant); ambiguous and ATR-full failures keep their own classes,
// doc-not-found rolls back without retry, and everything else falls
// back to Transient.
func (c *Context) wrapMutateError(class txerr.ErrorClass, cause error, isWrite bool) error {
	switch class {
	case txerr.FailCasMismatch, txerr.FailDocAlreadyExists:
		return txerr.New(class, cause, true, true, txerr.FinalFailed)
	case txerr.FailAmbiguous:
		return txerr.Ambiguous(cause)
	case txerr.FailAtrFull:
		return txerr.AtrFull(cause)
	case txerr.FailDocNotFound:
		return txerr.New(class, cause, false, true, txerr.FinalFailed)
	default:
		return txerr.Transient(cause)
	}
}
