package attempt

import (
	"context"
	"fmt"
	"time"

	"github.com/latticekv/txn/pkg/atr"
	"github.com/latticekv/txn/pkg/hooks"
	"github.com/latticekv/txn/pkg/kv"
	"github.com/latticekv/txn/pkg/mutation"
	"github.com/latticekv/txn/pkg/txerr"
)

const unstageMaxRetries = 5

// Commit implements spec.md §4.4.7.
func (c *Context) Commit(ctx context.Context) error {
	if c.log.Empty() && c.State() == atr.StateNotStarted {
		// No mutations staged; commit is a no-op (spec.md §4.4.7 preconditions).
		c.setState(atr.StateCompleted)
		return nil
	}

	if err := c.checkExpiry(ctx, hooks.StageBeforeCommit, ""); err != nil {
		return err
	}
	if err := c.hooks.RunHook(ctx, c.hooks.BeforeATRCommit, ""); err != nil {
		return txerr.Hard(err)
	}

	if err := c.writeATRCommit(ctx); err != nil {
		return err
	}
	if err := c.hooks.RunHook(ctx, c.hooks.AfterATRCommit, ""); err != nil {
		return txerr.FailedPostCommit(txerr.FailHard, err)
	}

	c.setState(atr.StateCommitted)

	if err := c.log.Commit(ctx, c); err != nil {
		// Errors from Commit() are only ever from CommitDoc below, which
		// retries transient errors internally (up to unstageMaxRetries
		// times); by the time an error escapes here it is
		// fatal-but-post-commit.
		return txerr.FailedPostCommit(txerr.FailOther, err)
	}
	if err := c.hooks.RunHook(ctx, c.hooks.AfterDocsCommitted, ""); err != nil {
		return txerr.FailedPostCommit(txerr.FailHard, err)
	}

	if err := c.hooks.RunHook(ctx, c.hooks.BeforeATRComplete, ""); err != nil {
		return txerr.FailedPostCommit(txerr.FailHard, err)
	}
	if err := c.removeATREntry(ctx); err != nil {
		// §4.4.7 step 4: logged, non-rollback. The transaction is
		// committed regardless; cleanup will remove the entry later.
		c.logger.Error().Err(err).Msg("failed to remove ATR entry after commit; leaving for cleanup")
	}
	if err := c.hooks.RunHook(ctx, c.hooks.AfterATRComplete, ""); err != nil {
		c.logger.Error().Err(err).Msg("after-atr-complete hook failed")
	}

	c.setState(atr.StateCompleted)
	return nil
}

// writeATRCommit performs spec.md §4.4.7 step 2, including ambiguity
// resolution on FAIL_AMBIGUOUS and the single allowed overtime retry on
// FAIL_EXPIRY.
func (c *Context) writeATRCommit(ctx context.Context) error {
	atrLoc, _ := c.ATRLocation()
	ins, rep, rem := c.extractToEntryLists()

	specs := []kv.MutateSpec{
		{Path: "attempts." + c.attemptID + ".st", Value: jsonString(string(atr.StateCommitted)), Xattr: true, CreatePath: true},
		{Path: "attempts." + c.attemptID + ".tsc", Xattr: true, CreatePath: true, Macro: kv.MacroMutationCAS},
		{Path: "attempts." + c.attemptID + ".ins", Value: mustMarshal(ins), Xattr: true, CreatePath: true},
		{Path: "attempts." + c.attemptID + ".rep", Value: mustMarshal(rep), Xattr: true, CreatePath: true},
		{Path: "attempts." + c.attemptID + ".rem", Value: mustMarshal(rem), Xattr: true, CreatePath: true},
	}

	retriedOvertime := false
	for {
		_, err := c.client.MutateIn(ctx, atrLoc, specs, kv.MutateOptions{
			Durability:     c.cfg.Durability,
			StoreSemantics: kv.StoreUpsert,
		})
		if err == nil {
			return nil
		}

		cause, class := classifyKVErr(err, true)
		switch class {
		case txerr.FailAmbiguous:
			resolved, rerr := c.resolveCommitAmbiguity(ctx, atrLoc)
			if rerr != nil {
				return rerr
			}
			if resolved {
				return nil
			}
			continue
		case txerr.FailExpiry:
			if retriedOvertime {
				return c.enterExpiry(true)
			}
			retriedOvertime = true
			c.mu.Lock()
			c.expiredOvertime = true
			c.mu.Unlock()
			continue
		case txerr.FailHard:
			return txerr.FailedPostCommit(txerr.FailHard, cause)
		default:
			return txerr.Ambiguous(fmt.Errorf("atr commit write: %w", cause))
		}
	}
}

// resolveCommitAmbiguity implements the read-back logic of spec.md
// §4.4.7 step 2's FAIL_AMBIGUOUS branch, refined by SPEC_FULL.md §4
// item 5 to distinguish "entry already gone because completed" from
// "ATR document itself missing".
func (c *Context) resolveCommitAmbiguity(ctx context.Context, atrLoc kv.DocID) (resolved bool, err error) {
	entry, _, rerr := readATREntry(ctx, c.client, atrLoc, c.attemptID)
	if rerr != nil {
		cause, class := classifyKVErr(rerr, false)
		if class == txerr.FailDocNotFound {
			// The ATR document itself is gone (bucket/collection
			// deleted) — non-retryable, the outcome cannot be
			// determined. SPEC_FULL.md §4 item 5.
			return false, &txerr.OperationFailed{Class: txerr.FailOther, Final: txerr.FinalAmbiguous, Cause: fmt.Errorf("atr document missing during commit ambiguity resolution: %w", cause)}
		}
		return false, txerr.Ambiguous(cause)
	}
	if entry == nil {
		// Entry already removed: either another party completed it, or
		// it never landed. Both are indistinguishable from here; treat
		// as already completed, since a PENDING write that never landed
		// would still show as missing only after a COMPLETED cleanup.
		return true, nil
	}
	switch entry.State {
	case atr.StateCompleted:
		return true, nil
	case atr.StateCommitted:
		return true, nil
	case atr.StateAborted, atr.StateRolledBack:
		return false, txerr.New(txerr.FailOther, fmt.Errorf("attempt was externally rolled back during commit"), false, false, txerr.FinalFailed)
	case atr.StatePending:
		return false, nil // caller retries the write
	default:
		return false, txerr.Ambiguous(fmt.Errorf("unexpected ATR entry state during commit ambiguity resolution: %s", entry.State))
	}
}

func (c *Context) removeATREntry(ctx context.Context) error {
	atrLoc, _ := c.ATRLocation()
	specs := []kv.MutateSpec{
		{Path: "attempts." + c.attemptID, Xattr: true, IsDelete: true},
	}
	_, err := c.client.MutateIn(ctx, atrLoc, specs, kv.MutateOptions{Durability: c.cfg.Durability, StoreSemantics: kv.StoreUpsert})
	if err != nil {
		_, class := classifyKVErr(err, true)
		if class == txerr.FailPathNotFound {
			return nil
		}
		return err
	}
	return nil
}

// CommitDoc implements mutation.Unstager for the commit direction
// (spec.md §4.4.7 step 3).
func (c *Context) CommitDoc(ctx context.Context, s mutation.Staged) error {
	if err := c.hooks.Run(ctx, c.hooks.BeforeDocCommitted, s.ID.Key); err != nil {
		return err
	}

	var opErr error
	for attempt := 0; attempt < unstageMaxRetries; attempt++ {
		switch s.Type {
		case mutation.Remove:
			opErr = c.client.Remove(ctx, s.ID, s.Cas, c.cfg.Durability)
		case mutation.Insert, mutation.Replace:
			specs := []kv.MutateSpec{
				{Path: "txn", Xattr: true, IsDelete: true},
				{Path: pathFullDoc, Value: s.Content},
			}
			_, opErr = c.client.MutateIn(ctx, s.ID, specs, kv.MutateOptions{
				Cas:            s.Cas,
				Durability:     c.cfg.Durability,
				AccessDeleted:  s.Type == mutation.Insert,
				StoreSemantics: kv.StoreUpsert,
			})
		}

		if opErr == nil {
			break
		}
		cause, class := classifyKVErr(opErr, true)
		if class == txerr.FailDocNotFound {
			// Another cleanup pass already unstaged this document.
			opErr = nil
			break
		}
		if class == txerr.FailCasMismatch {
			// Fatal post-commit: the CAS was captured at staging time
			// and nothing should have raced it (spec.md §9 Open Question).
			return fmt.Errorf("cas mismatch unstaging %s post-commit: %w", s.ID, cause)
		}
		if class != txerr.FailTransient && class != txerr.FailAmbiguous {
			return fmt.Errorf("unstaging %s: %w", s.ID, cause)
		}
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
		opErr = cause
	}
	if opErr != nil {
		return fmt.Errorf("unstaging %s: exhausted retries: %w", s.ID, opErr)
	}

	if err := c.hooks.Run(ctx, c.hooks.AfterDocCommitted, s.ID.Key); err != nil {
		return err
	}
	return nil
}
