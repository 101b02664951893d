package attempt

import (
	"context"
	"fmt"
	"time"

	"github.com/latticekv/txn/pkg/atr"
	"github.com/latticekv/txn/pkg/kv"
	"github.com/latticekv/txn/pkg/metrics"
	"github.com/latticekv/txn/pkg/txerr"
)

// Write-write conflict resolution backoff parameters (spec.md §4.4.6
// step 5: "wait with exponential backoff up to a bounded total budget").
const (
	wwcInitialBackoff = 20 * time.Millisecond
	wwcMaxBackoff      = 500 * time.Millisecond
	wwcTotalBudget     = 5 * time.Second
)

// resolveWriteWriteConflict implements spec.md §4.4.6. It blocks the
// calling goroutine (the chosen concurrency model for this attempt,
// spec.md §5) until the conflicting attempt resolves or the backoff
// budget is exhausted, at which point it returns a retryable
// FAIL_WRITE_WRITE_CONFLICT. A nil return means the caller should
// re-issue its read/stage: the blocking condition is gone.
func (c *Context) resolveWriteWriteConflict(ctx context.Context, blockingTxnID string, atrLoc kv.DocID, blockingAttemptID string) error {
	if blockingTxnID == c.txnID {
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WriteWriteConflictWait)

	deadline := c.clock.Now().Add(wwcTotalBudget)
	backoff := wwcInitialBackoff

	for {
		entry, serverNow, err := readATREntry(ctx, c.client, atrLoc, blockingAttemptID)
		if err != nil || entry == nil {
			// The blocking ATR entry is gone (cleaned up) or unreadable;
			// treat as resolved and let the caller retry its op.
			return nil
		}
		if entry.State == atr.StateCompleted || entry.State == atr.StateRolledBack {
			return nil
		}
		if entry.IsExpired(serverNow) {
			return nil
		}

		if c.clock.Now().After(deadline) {
			return txerr.WriteWriteConflict(fmt.Errorf("write-write conflict on %s blocked by txn %s for %s", atrLoc, blockingTxnID, wwcTotalBudget))
		}

		select {
		case <-ctx.Done():
			return txerr.Transient(ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wwcMaxBackoff {
			backoff = wwcMaxBackoff
		}
	}
}
