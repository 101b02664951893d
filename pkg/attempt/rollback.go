package attempt

import (
	"context"
	"fmt"

	"github.com/latticekv/txn/pkg/atr"
	"github.com/latticekv/txn/pkg/kv"
	"github.com/latticekv/txn/pkg/mutation"
	"github.com/latticekv/txn/pkg/txerr"
)

// Rollback implements spec.md §4.4.8.
func (c *Context) Rollback(ctx context.Context) error {
	if c.Finalized() {
		return nil
	}
	if c.log.Empty() && c.State() == atr.StateNotStarted {
		c.setState(atr.StateRolledBack)
		return nil
	}

	if err := c.hooks.RunHook(ctx, c.hooks.BeforeATRRolledBack, ""); err != nil {
		return txerr.Hard(err)
	}

	if err := c.writeATRAbort(ctx); err != nil {
		return err
	}
	c.setState(atr.StateAborted)

	if err := c.log.Rollback(ctx, c); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	if err := c.hooks.RunHook(ctx, c.hooks.AfterDocsRemoved, ""); err != nil {
		c.logger.Error().Err(err).Msg("after-docs-removed hook failed during rollback")
	}

	if err := c.hooks.RunHook(ctx, c.hooks.BeforeGetATRForAbort, ""); err != nil {
		c.logger.Error().Err(err).Msg("before-get-atr-for-abort hook failed")
	}
	if err := c.removeATREntry(ctx); err != nil {
		c.logger.Error().Err(err).Msg("failed to remove ATR entry after rollback; leaving for cleanup")
	}
	if err := c.hooks.RunHook(ctx, c.hooks.AfterATRRolledBack, ""); err != nil {
		c.logger.Error().Err(err).Msg("after-atr-rolled-back hook failed")
	}

	c.setState(atr.StateRolledBack)
	return nil
}

func (c *Context) writeATRAbort(ctx context.Context) error {
	atrLoc, _ := c.ATRLocation()
	ins, rep, rem := c.extractToEntryLists()

	specs := []kv.MutateSpec{
		{Path: "attempts." + c.attemptID + ".st", Value: jsonString(string(atr.StateAborted)), Xattr: true, CreatePath: true},
		{Path: "attempts." + c.attemptID + ".tsrs", Xattr: true, CreatePath: true, Macro: kv.MacroMutationCAS},
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
			continue
		case txerr.FailPathNotFound, txerr.FailDocNotFound:
			// ATR entry or document already gone; another party (cleanup)
			// already finalized it, nothing left to abort.
			return nil
		case txerr.FailExpiry:
			if retriedOvertime {
				return c.enterExpiry(false)
			}
			retriedOvertime = true
			c.mu.Lock()
			c.expiredOvertime = true
			c.mu.Unlock()
			continue
		default:
			return txerr.Transient(fmt.Errorf("atr abort write: %w", cause))
		}
	}
}

// RollbackDoc implements mutation.Unstager for the rollback direction
// (spec.md §4.4.8 step 2).
func (c *Context) RollbackDoc(ctx context.Context, s mutation.Staged) error {
	if err := c.hooks.Run(ctx, c.hooks.BeforeDocRolledBack, s.ID.Key); err != nil {
		return err
	}

	var opErr error
	switch s.Type {
	case mutation.Insert:
		if err := c.hooks.Run(ctx, c.hooks.BeforeRollbackDeleteInserted, s.ID.Key); err != nil {
			return err
		}
		// The document was created in tombstone state for the insert;
		// removing the txn xattr block on a tombstone is equivalent to
		// deleting it outright for non-transactional readers.
		specs := []kv.MutateSpec{{Path: "txn", Xattr: true, IsDelete: true}}
		_, opErr = c.client.MutateIn(ctx, s.ID, specs, kv.MutateOptions{
			Cas:            s.Cas,
			Durability:     c.cfg.Durability,
			AccessDeleted:  true,
			StoreSemantics: kv.StoreUpsert,
		})
		if opErr == nil {
			if err := c.hooks.Run(ctx, c.hooks.AfterRollbackDeleteInserted, s.ID.Key); err != nil {
				return err
			}
		}
	case mutation.Replace, mutation.Remove:
		specs := []kv.MutateSpec{{Path: "txn", Xattr: true, IsDelete: true}}
		_, opErr = c.client.MutateIn(ctx, s.ID, specs, kv.MutateOptions{
			Cas:            s.Cas,
			Durability:     c.cfg.Durability,
			StoreSemantics: kv.StoreUpsert,
		})
		if opErr == nil {
			if err := c.hooks.Run(ctx, c.hooks.AfterRollbackReplaceOrRemove, s.ID.Key); err != nil {
				return err
			}
		}
	}

	if opErr != nil {
		_, class := classifyKVErr(opErr, true)
		if class == txerr.FailDocNotFound || class == txerr.FailPathNotFound {
			return nil
		}
		return fmt.Errorf("rollback doc %s: %w", s.ID, opErr)
	}
	return nil
}
