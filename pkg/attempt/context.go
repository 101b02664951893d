package attempt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/latticekv/txn/pkg/atr"
	"github.com/latticekv/txn/pkg/hooks"
	"github.com/latticekv/txn/pkg/kv"
	"github.com/latticekv/txn/pkg/log"
	"github.com/latticekv/txn/pkg/mutation"
	"github.com/latticekv/txn/pkg/txerr"
)

// Clock is the time source the expiry check and write-write conflict
// backoff read. New always installs the wall clock; no exported option
// replaces it.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Context is one attempt's state machine (C4). It is created fresh by
// the driver for every retry of a transaction.
type Context struct {
	mu sync.Mutex

	client kv.Client
	cfg    Config
	hooks  *hooks.Hooks
	clock  Clock
	logger zerolog.Logger

	txnID     string
	attemptID string
	startTime time.Time

	state           atr.State
	expiredOvertime bool

	atrOpened bool
	atrID     kv.DocID

	log *mutation.Log
}

// New constructs a fresh attempt context for one try of a transaction.
func New(client kv.Client, cfg Config, h *hooks.Hooks, txnID string) *Context {
	if h == nil {
		h = &hooks.Hooks{}
	}
	attemptID := uuid.NewString()
	return &Context{
		client:    client,
		cfg:       cfg,
		hooks:     h,
		clock:     realClock{},
		logger:    log.WithAttemptID(attemptID),
		txnID:     txnID,
		attemptID: attemptID,
		startTime: time.Now(),
		state:     atr.StateNotStarted,
		log:       mutation.New(),
	}
}

// AttemptID returns this attempt's unique id.
func (c *Context) AttemptID() string { return c.attemptID }

// TxnID returns the owning transaction's id.
func (c *Context) TxnID() string { return c.txnID }

// State returns the attempt's current lifecycle state.
func (c *Context) State() atr.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Context) setState(s atr.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Info().Str("state", string(s)).Msg("attempt state transition")
}

// Finalized reports whether this attempt has reached a terminal state.
func (c *Context) Finalized() bool {
	s := c.State()
	return s == atr.StateCompleted || s == atr.StateRolledBack
}

// ATRLocation returns the ATR document this attempt is staged against,
// and whether one has been opened yet (no mutation has been staged).
func (c *Context) ATRLocation() (kv.DocID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.atrID, c.atrOpened
}

// MutationCount returns how many documents this attempt has staged.
func (c *Context) MutationCount() int { return c.log.Len() }

// checkExpiry implements spec.md §4.4.9's normal-mode check: every
// protocol step compares elapsed time against the configured budget
// before proceeding. In expired-overtime mode this is a no-op, since by
// then the attempt is already committed to one last finalization pass.
func (c *Context) checkExpiry(ctx context.Context, stage hooks.Stage, docKey string) error {
	c.mu.Lock()
	overtime := c.expiredOvertime
	c.mu.Unlock()
	if overtime {
		return nil
	}

	if forced, ok := c.hooks.HasExpired(ctx, stage, docKey); ok {
		if forced {
			return c.enterExpiry(false)
		}
		return nil
	}

	if c.clock.Now().Sub(c.startTime) > c.cfg.ExpirationTime {
		return c.enterExpiry(false)
	}
	return nil
}

// enterExpiry raises FAIL_EXPIRY. duringCommit selects whether a
// *second* expiry (in overtime mode) should resolve ambiguous (commit
// path) or simply expired.
func (c *Context) enterExpiry(duringCommit bool) error {
	c.mu.Lock()
	overtime := c.expiredOvertime
	if !overtime {
		c.expiredOvertime = true
	}
	c.mu.Unlock()

	c.logger.Warn().Bool("overtime", overtime).Bool("during_commit", duringCommit).Msg("attempt expired")

	if overtime {
		if duringCommit {
			return txerr.ExpiredOvertimeCommit(fmt.Errorf("attempt %s: expired while in overtime", c.attemptID))
		}
		return txerr.ExpiredOvertimeOther(fmt.Errorf("attempt %s: expired while in overtime", c.attemptID))
	}
	return txerr.ExpiredNormal(fmt.Errorf("attempt %s: expiration_time exceeded", c.attemptID))
}

func jsonString(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}

func jsonInt(n int64) []byte {
	b, _ := json.Marshal(n)
	return b
}
