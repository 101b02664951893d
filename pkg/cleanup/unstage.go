package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/latticekv/txn/pkg/atr"
	"github.com/latticekv/txn/pkg/kv"
	"github.com/latticekv/txn/pkg/txerr"
)

// docKind mirrors which of an ATR entry's three lists a record came
// from, since cleanup (unlike the owning attempt) has no mutation log
// to consult — the entry's own ins/rep/rem split is the only record of
// what each staged document was doing.
type docKind int

const (
	kindInsert docKind = iota
	kindReplace
	kindRemove
)

// finalizeEntry drives one ATR entry to a terminal state the same way
// commit()/rollback() would (spec.md §4.6 step 2, §4.7 "ATR sweep"):
// COMMITTED/COMPLETED entries are unstaged forward; PENDING/ABORTED
// entries are rolled back. Any other state (already ROLLED_BACK, or a
// state this sweep shouldn't touch) is left alone.
func finalizeEntry(ctx context.Context, client kv.Client, durability kv.DurabilityLevel, atrLoc kv.DocID, entry *atr.Entry) (handled bool, err error) {
	switch entry.State {
	case atr.StateCommitted, atr.StateCompleted:
		if err := unstageList(ctx, client, durability, entry.Inserts, kindInsert, entry.AttemptID, true); err != nil {
			return false, err
		}
		if err := unstageList(ctx, client, durability, entry.Replaces, kindReplace, entry.AttemptID, true); err != nil {
			return false, err
		}
		if err := unstageList(ctx, client, durability, entry.Removes, kindRemove, entry.AttemptID, true); err != nil {
			return false, err
		}
	case atr.StatePending, atr.StateAborted:
		if err := unstageList(ctx, client, durability, entry.Inserts, kindInsert, entry.AttemptID, false); err != nil {
			return false, err
		}
		if err := unstageList(ctx, client, durability, entry.Replaces, kindReplace, entry.AttemptID, false); err != nil {
			return false, err
		}
		if err := unstageList(ctx, client, durability, entry.Removes, kindRemove, entry.AttemptID, false); err != nil {
			return false, err
		}
	default:
		return false, nil
	}

	if err := removeEntry(ctx, client, atrLoc, entry.AttemptID); err != nil {
		return false, fmt.Errorf("remove atr entry %s: %w", entry.AttemptID, err)
	}
	return true, nil
}

func unstageList(ctx context.Context, client kv.Client, durability kv.DurabilityLevel, recs []atr.DocRecord, kind docKind, attemptID string, commitDirection bool) error {
	for _, rec := range recs {
		if err := unstageOne(ctx, client, durability, rec, kind, attemptID, commitDirection); err != nil {
			return err
		}
	}
	return nil
}

func unstageOne(ctx context.Context, client kv.Client, durability kv.DurabilityLevel, rec atr.DocRecord, kind docKind, attemptID string, commitDirection bool) error {
	id := kv.DocID{Bucket: rec.Bucket, Scope: rec.Scope, Collection: rec.Collection, Key: rec.ID}

	// Guard: confirm the document still carries this attempt's txn
	// block before touching it. If it doesn't, another cleanup pass (or
	// the owning attempt itself, still alive) already finalized it —
	// skip rather than racing it (spec.md §4.6 step 2, SPEC_FULL.md §4
	// item 6; matching by attempt id stands in for the original
	// source's crc32_staging comparison, since this is the field our
	// backend vocabulary actually exposes unobscured).
	res, err := client.LookupIn(ctx, id, []kv.LookupSpec{{Path: "txn.id.atmpt", Xattr: true}, {Path: "txn.staged", Xattr: true}}, true)
	if err != nil {
		if classifyErr(err) == txerr.FailDocNotFound {
			return nil
		}
		return err
	}
	var observedAttemptID string
	var staged []byte
	found := false
	for _, r := range res.Results {
		if !r.Exists {
			continue
		}
		if r.Path == "txn.id.atmpt" {
			_ = json.Unmarshal(r.Value, &observedAttemptID)
			found = true
		}
		if r.Path == "txn.staged" {
			staged = r.Value
		}
	}
	if !found || observedAttemptID != attemptID {
		return nil
	}

	if commitDirection {
		return commitDirectionUnstage(ctx, client, durability, id, res.Cas, kind, staged)
	}
	return rollbackDirectionUnstage(ctx, client, durability, id, res.Cas, kind)
}

func commitDirectionUnstage(ctx context.Context, client kv.Client, durability kv.DurabilityLevel, id kv.DocID, cas kv.Cas, kind docKind, staged []byte) error {
	var err error
	switch kind {
	case kindRemove:
		err = client.Remove(ctx, id, cas, durability)
	case kindInsert, kindReplace:
		specs := []kv.MutateSpec{
			{Path: "txn", Xattr: true, IsDelete: true},
			{Path: "", Value: staged},
		}
		_, err = client.MutateIn(ctx, id, specs, kv.MutateOptions{Cas: cas, Durability: durability, AccessDeleted: kind == kindInsert, StoreSemantics: kv.StoreUpsert})
	}
	if err != nil {
		if classifyErr(err) == txerr.FailDocNotFound {
			return nil
		}
		return err
	}
	return nil
}

func rollbackDirectionUnstage(ctx context.Context, client kv.Client, durability kv.DurabilityLevel, id kv.DocID, cas kv.Cas, kind docKind) error {
	specs := []kv.MutateSpec{{Path: "txn", Xattr: true, IsDelete: true}}
	_, err := client.MutateIn(ctx, id, specs, kv.MutateOptions{Cas: cas, Durability: durability, AccessDeleted: kind == kindInsert, StoreSemantics: kv.StoreUpsert})
	if err != nil {
		if class := classifyErr(err); class == txerr.FailDocNotFound || class == txerr.FailPathNotFound {
			return nil
		}
		return err
	}
	return nil
}

func removeEntry(ctx context.Context, client kv.Client, atrLoc kv.DocID, attemptID string) error {
	specs := []kv.MutateSpec{{Path: "attempts." + attemptID, Xattr: true, IsDelete: true}}
	_, err := client.MutateIn(ctx, atrLoc, specs, kv.MutateOptions{StoreSemantics: kv.StoreUpsert})
	if err != nil {
		if classifyErr(err) == txerr.FailPathNotFound {
			return nil
		}
		return err
	}
	return nil
}

// classifyErr unwraps a *kv.Error (however deeply wrapped) and maps it
// through pkg/txerr, the same classifier pkg/attempt uses, so cleanup's
// not-found/already-gone checks agree with the rest of the engine.
func classifyErr(err error) txerr.ErrorClass {
	var kerr *kv.Error
	if errors.As(err, &kerr) {
		return txerr.Classify(kerr.Code, true)
	}
	return txerr.FailOther
}
