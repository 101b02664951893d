package attempt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/latticekv/txn/pkg/atr"
	"github.com/latticekv/txn/pkg/hooks"
	"github.com/latticekv/txn/pkg/kv"
	"github.com/latticekv/txn/pkg/txerr"
)

// atrDocID picks the ATR document id for forKey, honoring a test
// override if one is installed (spec.md §4.4.3).
func (c *Context) atrDocID(forKey kv.DocID) kv.DocID {
	loc := c.cfg.metadataLocation()
	id := atr.ATRIDForKey(c.cfg.atrPrefix(), forKey.Key)
	if c.hooks.RandomATRIDOverride != nil {
		if override := c.hooks.RandomATRIDOverride(); override != "" {
			id = override
		}
	}
	return kv.DocID{Bucket: loc.Bucket, Scope: loc.Scope, Collection: loc.Collection, Key: id}
}

// ensureATR lazily selects and opens this attempt's ATR document on the
// first mutation, per spec.md §4.4.3. Subsequent mutations reuse the
// same ATR regardless of which document they touch.
func (c *Context) ensureATR(ctx context.Context, forKey kv.DocID) error {
	c.mu.Lock()
	already := c.atrOpened
	c.mu.Unlock()
	if already {
		return nil
	}

	if err := c.checkExpiry(ctx, hooks.StageATRPending, forKey.Key); err != nil {
		return err
	}
	if err := c.hooks.RunHook(ctx, c.hooks.BeforeATRPending, ""); err != nil {
		return txerr.Hard(err)
	}

	atrID := c.atrDocID(forKey)

	specs := []kv.MutateSpec{
		{Path: "attempts." + c.attemptID + ".id_txn", Value: jsonString(c.txnID), Xattr: true, CreatePath: true},
		{Path: "attempts." + c.attemptID + ".st", Value: jsonString(string(atr.StatePending)), Xattr: true, CreatePath: true},
		{Path: "attempts." + c.attemptID + ".tst", Xattr: true, CreatePath: true, Macro: kv.MacroMutationCAS},
		{Path: "attempts." + c.attemptID + ".exp", Value: jsonInt(c.cfg.ExpirationTime.Milliseconds()), Xattr: true, CreatePath: true},
	}

	const maxAmbiguousRetries = 5
	var lastErr error
	for attempt := 0; attempt < maxAmbiguousRetries; attempt++ {
		_, err := c.client.MutateIn(ctx, atrID, specs, kv.MutateOptions{
			Durability:     c.cfg.Durability,
			StoreSemantics: kv.StoreUpsert,
		})
		if err == nil {
			c.mu.Lock()
			c.atrOpened = true
			c.atrID = atrID
			c.state = atr.StatePending
			c.mu.Unlock()
			c.logger.Info().Str("atr_id", atrID.Key).Msg("atr entry opened")
			return c.hooks.RunHook(ctx, c.hooks.AfterATRPending, "")
		}

		kvErr, class := classifyKVErr(err, true)
		switch class {
		case txerr.FailPathAlreadyExists:
			// Idempotent: a previous attempt at this write already landed.
			c.mu.Lock()
			c.atrOpened = true
			c.atrID = atrID
			c.state = atr.StatePending
			c.mu.Unlock()
			return nil
		case txerr.FailAmbiguous:
			lastErr = kvErr
			continue
		case txerr.FailAtrFull:
			return txerr.AtrFull(kvErr)
		case txerr.FailExpiry:
			return c.enterExpiry(false)
		default:
			return txerr.Transient(kvErr)
		}
	}
	return txerr.Ambiguous(fmt.Errorf("atr pending write exhausted retries: %w", lastErr))
}

// extractToEntryLists serializes the staged log's three document lists
// for embedding into the ATR commit/abort write (spec.md §4.4.7 step 2,
// §4.4.8 step 1).
func (c *Context) extractToEntryLists() (ins, rep, rem []atr.DocRecord) {
	insSpecs, repSpecs, remSpecs := c.log.ExtractTo()
	for _, s := range insSpecs {
		ins = append(ins, atr.DocRecord{Bucket: s.Bucket, Scope: s.Scope, Collection: s.Collection, ID: s.Key})
	}
	for _, s := range repSpecs {
		rep = append(rep, atr.DocRecord{Bucket: s.Bucket, Scope: s.Scope, Collection: s.Collection, ID: s.Key})
	}
	for _, s := range remSpecs {
		rem = append(rem, atr.DocRecord{Bucket: s.Bucket, Scope: s.Scope, Collection: s.Collection, ID: s.Key})
	}
	return ins, rep, rem
}

// readATREntry fetches a single attempt's entry out of the ATR document
// atrLoc, plus the server's current time via the $vbucket HLC xattr
// (spec.md §4.3).
func readATREntry(ctx context.Context, client kv.Client, atrLoc kv.DocID, attemptID string) (*atr.Entry, int64, error) {
	specs := []kv.LookupSpec{
		{Path: "attempts." + attemptID, Xattr: true},
		{Path: "$vbucket", Xattr: true},
	}
	res, err := client.LookupIn(ctx, atrLoc, specs, true)
	if err != nil {
		return nil, 0, err
	}

	var entry *atr.Entry
	var serverNowMs int64
	for _, r := range res.Results {
		if !r.Exists {
			continue
		}
		switch r.Path {
		case "attempts." + attemptID:
			var raw struct {
				TxnID                     string           `json:"id_txn"`
				State                     atr.State        `json:"st"`
				StartTimestampMs          string           `json:"tst"`
				ExpiresAfterMs            int64            `json:"exp"`
				CommitStartTimestampMs    string           `json:"tsc"`
				CommitCompleteTimestampMs string           `json:"tsco"`
				RollbackStartTimestampMs  string           `json:"tsrs"`
				RollbackCompleteTimestampMs string         `json:"tsrc"`
				Inserts  []atr.DocRecord `json:"ins"`
				Replaces []atr.DocRecord `json:"rep"`
				Removes  []atr.DocRecord `json:"rem"`
				ForwardCompat map[string]any `json:"fc"`
			}
			if jerr := json.Unmarshal(r.Value, &raw); jerr != nil {
				return nil, 0, fmt.Errorf("atr entry %s: decode: %w", attemptID, jerr)
			}
			tst, _ := atr.ParseTimestampField(raw.StartTimestampMs)
			entry = &atr.Entry{
				AttemptID:      attemptID,
				TxnID:          raw.TxnID,
				State:          raw.State,
				StartTimestampMs: tst,
				ExpiresAfterMs: raw.ExpiresAfterMs,
				Inserts:        raw.Inserts,
				Replaces:       raw.Replaces,
				Removes:        raw.Removes,
				ForwardCompat:  raw.ForwardCompat,
			}
		case "$vbucket":
			var vb struct {
				HLC struct {
					Now int64 `json:"now"`
				} `json:"HLC"`
			}
			if jerr := json.Unmarshal(r.Value, &vb); jerr == nil {
				serverNowMs = vb.HLC.Now / 1_000_000
			}
		}
	}
	if entry == nil {
		return nil, serverNowMs, nil
	}
	if serverNowMs == 0 {
		serverNowMs = time.Now().UnixMilli()
	}
	return entry, serverNowMs, nil
}
