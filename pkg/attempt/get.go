package attempt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/latticekv/txn/pkg/atr"
	"github.com/latticekv/txn/pkg/fc"
	"github.com/latticekv/txn/pkg/hooks"
	"github.com/latticekv/txn/pkg/kv"
	"github.com/latticekv/txn/pkg/mutation"
	"github.com/latticekv/txn/pkg/txerr"
)

// pathFullDoc is the lookup_in spec path convention for "the whole
// document body" rather than a specific xattr or sub-document path.
const pathFullDoc = ""

// Get implements spec.md §4.4.2. It returns (nil, nil) when the
// document does not logically exist (genuinely absent, tombstoned, or
// staged for removal by this attempt).
func (c *Context) Get(ctx context.Context, id kv.DocID) (*Doc, error) {
	if err := c.checkExpiry(ctx, hooks.StageGet, id.Key); err != nil {
		return nil, err
	}
	if err := c.hooks.Run(ctx, c.hooks.BeforeDocGet, id.Key); err != nil {
		return nil, txerr.Hard(err)
	}

	// Step 1-2: own-write visibility against the staged log.
	if staged := c.log.FindRemove(id); staged != nil {
		return nil, nil
	}
	if staged := c.log.Find(id); staged != nil && (staged.Type == mutation.Insert || staged.Type == mutation.Replace) {
		return &Doc{ID: id, Content: staged.Content, Cas: staged.Cas, exists: true}, nil
	}

	doc, err := c.getWithConflictResolution(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.hooks.Run(ctx, c.hooks.AfterGetComplete, id.Key); err != nil {
		return nil, txerr.Hard(err)
	}
	return doc, nil
}

// GetRequired is Get, but surfaces FAIL_DOC_NOT_FOUND as a terminal
// failure instead of an empty result (spec.md §4.4.1 second get() row).
func (c *Context) GetRequired(ctx context.Context, id kv.DocID) (*Doc, error) {
	doc, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, txerr.New(txerr.FailDocNotFound, fmt.Errorf("document not found: %s", id), false, false, txerr.FinalFailed)
	}
	return doc, nil
}

func (c *Context) getWithConflictResolution(ctx context.Context, id kv.DocID) (*Doc, error) {
	for {
		specs := []kv.LookupSpec{
			{Path: pathATRID, Xattr: true},
			{Path: pathTxnID, Xattr: true},
			{Path: pathAttemptID, Xattr: true},
			{Path: pathStaged, Xattr: true},
			{Path: pathATRBucket, Xattr: true},
			{Path: pathATRCollection, Xattr: true},
			{Path: pathRestore, Xattr: true},
			{Path: pathOpType, Xattr: true},
			{Path: pathDocumentMeta, Xattr: true},
			{Path: pathCRC32Staging, Xattr: true},
			{Path: pathForwardCompat, Xattr: true},
			{Path: pathFullDoc},
		}
		res, err := c.client.LookupIn(ctx, id, specs, true)
		if err != nil {
			cause, class := classifyKVErr(err, false)
			if class == txerr.FailDocNotFound {
				return nil, nil
			}
			return nil, txerr.Transient(cause)
		}

		sx, meta, body, bodyExists := parseLookupResult(res)

		if sx == nil {
			if res.IsDeleted || !bodyExists {
				return nil, nil
			}
			return &Doc{ID: id, Content: body, Cas: res.Cas, exists: true, meta: meta}, nil
		}

		if behavior, err := c.checkForwardCompat(sx.ForwardCompat, fc.StageGetsReadingATR, id); err != nil {
			return nil, err
		} else if behavior.Behavior == fc.BehaviorFailFastTxn {
			return nil, txerr.Hard(fmt.Errorf("forward compatibility: unsupported protocol feature at get() on %s", id))
		}

		if sx.TxnID == c.txnID {
			// Our own earlier attempt's write (or another attempt of the
			// same transaction, resumed) — treat the staged content as
			// authoritative.
			if sx.OpType == opRemove {
				return nil, nil
			}
			return &Doc{ID: id, Content: sx.Staged, Cas: res.Cas, exists: true, meta: meta, wasTombstone: res.IsDeleted}, nil
		}

		if err := c.hooks.Run(ctx, c.hooks.BeforeCheckATREntryForBlockingDoc, id.Key); err != nil {
			return nil, txerr.Hard(err)
		}

		atrLoc := kv.DocID{Bucket: sx.ATRBucket, Scope: splitScope(sx.ATRCollection), Collection: splitCollection(sx.ATRCollection), Key: sx.ATRID}
		entry, serverNow, rerr := readATREntry(ctx, c.client, atrLoc, sx.AttemptID)
		if rerr != nil || entry == nil {
			if bodyExists {
				return &Doc{ID: id, Content: body, Cas: res.Cas, exists: true, meta: meta}, nil
			}
			return nil, nil
		}

		switch entry.State {
		case atr.StateCompleted:
			if sx.OpType == opRemove {
				return nil, nil
			}
			return &Doc{ID: id, Content: sx.Staged, Cas: res.Cas, exists: true, meta: meta, wasTombstone: res.IsDeleted}, nil
		case atr.StateRolledBack:
			if bodyExists {
				return &Doc{ID: id, Content: body, Cas: res.Cas, exists: true, meta: meta}, nil
			}
			return nil, nil
		default:
			if entry.IsExpired(serverNow) {
				if bodyExists {
					return &Doc{ID: id, Content: body, Cas: res.Cas, exists: true, meta: meta}, nil
				}
				return nil, nil
			}
			if err := c.resolveWriteWriteConflict(ctx, sx.TxnID, atrLoc, sx.AttemptID); err != nil {
				return nil, err
			}
			continue
		}
	}
}

// checkForwardCompat decodes a document's fc xattr block and evaluates
// it for stage, returning the resolved behavior. A RETRY_TXN behavior is
// reported as an error so every call site automatically raises the
// retryable failure forward compatibility demands, per spec.md §4.4.2
// step 6 and SPEC_FULL.md §4 item 2.
func (c *Context) checkForwardCompat(raw map[string]any, stage fc.Stage, id kv.DocID) (fc.BehaviorFull, error) {
	block, err := fc.ParseBlock(raw)
	if err != nil {
		return fc.BehaviorFull{}, txerr.Hard(fmt.Errorf("forward compat: decode fc block on %s: %w", id, err))
	}
	behavior := block.Check(stage, fc.DefaultSupported)
	switch behavior.Behavior {
	case fc.BehaviorRetryTxn:
		return behavior, txerr.New(txerr.FailOther, fmt.Errorf("forward compatibility: retry required at %s on %s", stage, id), true, true, txerr.FinalFailed)
	default:
		return behavior, nil
	}
}

func parseLookupResult(res kv.GetResult) (sx *stagedXattr, meta documentMeta, body []byte, bodyExists bool) {
	var (
		txnID, attemptID, atrID, atrBkt, atrColl, opType, crc string
		staged  []byte
		restore *restoreMeta
		fcBlock map[string]any
		anyTxn  bool
	)
	for _, r := range res.Results {
		if !r.Exists {
			continue
		}
		switch r.Path {
		case pathFullDoc:
			body = r.Value
			bodyExists = true
		case pathTxnID:
			_ = json.Unmarshal(r.Value, &txnID)
			anyTxn = true
		case pathAttemptID:
			_ = json.Unmarshal(r.Value, &attemptID)
		case pathATRID:
			_ = json.Unmarshal(r.Value, &atrID)
		case pathATRBucket:
			_ = json.Unmarshal(r.Value, &atrBkt)
		case pathATRCollection:
			_ = json.Unmarshal(r.Value, &atrColl)
		case pathOpType:
			_ = json.Unmarshal(r.Value, &opType)
		case pathStaged:
			staged = r.Value
		case pathCRC32Staging:
			_ = json.Unmarshal(r.Value, &crc)
		case pathRestore:
			var rm restoreMeta
			if json.Unmarshal(r.Value, &rm) == nil {
				restore = &rm
			}
		case pathForwardCompat:
			_ = json.Unmarshal(r.Value, &fcBlock)
		case pathDocumentMeta:
			var dm struct {
				Cas         string `json:"CAS"`
				RevID       string `json:"revid"`
				ExpTime     int64  `json:"exptime"`
				ValueCRC32C string `json:"value_crc32c"`
				Flags       uint32 `json:"flags"`
			}
			if json.Unmarshal(r.Value, &dm) == nil {
				meta.RevID = dm.RevID
				meta.ExpTimeUnix = dm.ExpTime
				meta.ValueCRC32C = dm.ValueCRC32C
				meta.Flags = dm.Flags
			}
		}
	}
	meta.Cas = res.Cas
	if !anyTxn {
		return nil, meta, body, bodyExists
	}
	return &stagedXattr{
		TxnID:         txnID,
		AttemptID:     attemptID,
		ATRID:         atrID,
		ATRBucket:     atrBkt,
		ATRCollection: atrColl,
		OpType:        opType,
		Staged:        staged,
		Restore:       restore,
		CRC32Staging:  crc,
		ForwardCompat: fcBlock,
	}, meta, body, bodyExists
}

// splitScope/splitCollection pull apart the "scope.collection" encoding
// of atr_coll (spec.md §3: "atr_coll (= scope.collection)").
func splitScope(scopeDotColl string) string {
	for i := 0; i < len(scopeDotColl); i++ {
		if scopeDotColl[i] == '.' {
			return scopeDotColl[:i]
		}
	}
	return scopeDotColl
}

func splitCollection(scopeDotColl string) string {
	for i := 0; i < len(scopeDotColl); i++ {
		if scopeDotColl[i] == '.' {
			return scopeDotColl[i+1:]
		}
	}
	return ""
}
