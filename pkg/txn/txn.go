/*
Package txn implements C5 (spec.md §4.5): the public entry point and
retry driver that wraps a user-supplied callable in the attempt
lifecycle. It is also where the public Config lives (SPEC_FULL.md §2.3)
and where pkg/attempt's internal result values finally become terminal
public errors (spec.md §9's re-architecture note).
*/
package txn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/latticekv/txn/pkg/attempt"
	"github.com/latticekv/txn/pkg/cleanup"
	"github.com/latticekv/txn/pkg/hooks"
	"github.com/latticekv/txn/pkg/kv"
	"github.com/latticekv/txn/pkg/log"
	"github.com/latticekv/txn/pkg/metrics"
	"github.com/latticekv/txn/pkg/txerr"
)

// Config carries every recognized option of spec.md §6.3. Loading it
// from files/flags/env is explicitly out of scope (spec.md §1); the
// host application builds one of these directly.
type Config struct {
	Durability      kv.DurabilityLevel
	ExpirationTime  time.Duration
	KVTimeout       time.Duration
	CleanupWindow   time.Duration
	CleanupLostAttempts   bool
	CleanupClientAttempts bool

	MetadataBucket string
	MetadataScope  string
	MetadataColl   string

	MinRetryDelay time.Duration
	MaxAttempts   int

	Hooks *hooks.Hooks

	// UUIDGen generates transaction ids; overridable for deterministic
	// tests (spec.md §9: "process-wide UUID generator re-architected as
	// an injected collaborator").
	UUIDGen func() string
}

// DefaultConfig returns a Config with the spec's suggested defaults
// (spec.md §4.5: min_retry_delay ~10ms, max_attempts >= 10).
func DefaultConfig() Config {
	return Config{
		Durability:            kv.DurabilityMajority,
		ExpirationTime:        15 * time.Second,
		KVTimeout:             2500 * time.Millisecond,
		CleanupWindow:         60 * time.Second,
		CleanupLostAttempts:   true,
		CleanupClientAttempts: true,
		MetadataBucket:        "default",
		MetadataScope:         "_default",
		MetadataColl:          "_default",
		MinRetryDelay:         10 * time.Millisecond,
		MaxAttempts:           10,
	}
}

func (cfg Config) attemptConfig() attempt.Config {
	return attempt.Config{
		Durability:     cfg.Durability,
		ExpirationTime: cfg.ExpirationTime,
		KVTimeout:      cfg.KVTimeout,
		MetadataBucket: cfg.MetadataBucket,
		MetadataScope:  cfg.MetadataScope,
		MetadataColl:   cfg.MetadataColl,
	}
}

func (cfg Config) newID() string {
	if cfg.UUIDGen != nil {
		return cfg.UUIDGen()
	}
	return uuid.NewString()
}

// AttemptSummary is one retried try's outcome, kept for the final
// Result (SPEC_FULL.md §4 item 1).
type AttemptSummary struct {
	AttemptID string
	State     string
	Duration  time.Duration
	Err       error
}

// Result is returned by Run on success, and alongside the terminal error
// on failure, so a caller can still see the attempt history.
type Result struct {
	TransactionID      string
	ATRID              string
	ATRCollection       string
	Attempts           []AttemptSummary
	UnstagingComplete bool
}

// AttemptFunc is the user's transaction body. It reads and mutates
// documents exclusively through the *attempt.Context handed to it;
// returning a non-nil error rolls back the attempt and (if retryable)
// triggers another try.
type AttemptFunc func(ctx context.Context, ac *attempt.Context) error

// Driver runs transactions against a KV backend, optionally with
// background cleanup workers (C6/C7) attached.
type Driver struct {
	client  kv.Client
	cfg     Config
	cleanup *cleanup.Coordinator
}

// New builds a Driver. If cfg.CleanupClientAttempts or
// cfg.CleanupLostAttempts is set, it also starts the corresponding
// background cleanup workers; call Close to stop them.
func New(client kv.Client, cfg Config) *Driver {
	if cfg.MaxAttempts <= 0 {
		cfg = mergeDefaults(cfg)
	}
	d := &Driver{client: client, cfg: cfg}
	d.cleanup = cleanup.NewCoordinator(client, cleanup.Config{
		Durability:      cfg.Durability,
		CleanupWindow:   cfg.CleanupWindow,
		EnableInProcess: cfg.CleanupClientAttempts,
		EnableLost:      cfg.CleanupLostAttempts,
		MetadataBucket:  cfg.MetadataBucket,
		MetadataScope:   cfg.MetadataScope,
		MetadataColl:    cfg.MetadataColl,
	})
	d.cleanup.Start()
	return d
}

func mergeDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.ExpirationTime == 0 {
		cfg.ExpirationTime = def.ExpirationTime
	}
	if cfg.KVTimeout == 0 {
		cfg.KVTimeout = def.KVTimeout
	}
	if cfg.CleanupWindow == 0 {
		cfg.CleanupWindow = def.CleanupWindow
	}
	if cfg.MetadataBucket == "" {
		cfg.MetadataBucket = def.MetadataBucket
	}
	if cfg.MetadataScope == "" {
		cfg.MetadataScope = def.MetadataScope
	}
	if cfg.MetadataColl == "" {
		cfg.MetadataColl = def.MetadataColl
	}
	if cfg.MinRetryDelay == 0 {
		cfg.MinRetryDelay = def.MinRetryDelay
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return cfg
}

// Close stops any background cleanup workers this driver started,
// draining the in-process queue with a bounded wait (spec.md §4.6).
func (d *Driver) Close() {
	d.cleanup.Stop()
}

// Run executes fn as a multi-document ACID transaction, retrying per
// spec.md §4.5 until it commits, exhausts max_attempts, or the
// transaction's expiration budget is spent.
func (d *Driver) Run(ctx context.Context, fn AttemptFunc) (*Result, error) {
	txnID := d.cfg.newID()
	logger := log.WithTxnID(txnID)
	result := &Result{TransactionID: txnID}

	backoff := d.cfg.MinRetryDelay

	for n := 1; n <= d.cfg.MaxAttempts; n++ {
		ac := attempt.New(d.client, d.cfg.attemptConfig(), d.cfg.Hooks, txnID)
		timer := metrics.NewTimer()

		runErr := d.runOneAttempt(ctx, ac, fn)

		duration := timer.Duration()
		metrics.AttemptDuration.Observe(duration.Seconds())
		summary := AttemptSummary{AttemptID: ac.AttemptID(), State: string(ac.State()), Duration: duration, Err: runErr}
		result.Attempts = append(result.Attempts, summary)

		var atrBucket, atrScope, atrColl string
		if atrID, opened := ac.ATRLocation(); opened {
			result.ATRID = atrID.Key
			result.ATRCollection = atrID.Bucket + "." + atrID.Scope + "." + atrID.Collection
			atrBucket, atrScope, atrColl = atrID.Bucket, atrID.Scope, atrID.Collection
		}

		d.cleanup.Enqueue(cleanup.QueueEntry{
			ATRBucket:     atrBucket,
			ATRScope:      atrScope,
			ATRCollection: atrColl,
			ATRID:         result.ATRID,
			AttemptID:     ac.AttemptID(),
			ReadyAt:       time.Now().Add(2 * time.Second),
		})

		if runErr == nil {
			result.UnstagingComplete = ac.State() == atrCompletedState
			metrics.AttemptsTotal.WithLabelValues("committed").Inc()
			logger.Info().Int("attempts", n).Msg("transaction committed")
			return result, nil
		}

		of, isOF := txerr.As(runErr)
		if !isOF {
			// Arbitrary user panic-equivalent error (spec.md §4.5 step 6).
			d.bestEffortRollback(ctx, ac)
			metrics.AttemptsTotal.WithLabelValues("failed").Inc()
			return result, &txerr.TransactionFailed{Cause: runErr, AttemptCount: n}
		}

		if of.Rollback && !ac.Finalized() {
			d.bestEffortRollback(ctx, ac)
		}

		if of.Final == txerr.FinalFailedPostCommit {
			result.UnstagingComplete = false
			metrics.AttemptsTotal.WithLabelValues("failed_post_commit").Inc()
			logger.Warn().Err(of).Msg("transaction committed but post-commit cleanup failed; data is durable")
			return result, nil
		}

		if of.Retry && n < d.cfg.MaxAttempts {
			metrics.AttemptRetriesTotal.Inc()
			delay := jitter(backoff)
			logger.Debug().Int("attempt", n).Dur("backoff", delay).Msg("retrying transaction")
			select {
			case <-ctx.Done():
				metrics.AttemptsTotal.WithLabelValues("failed").Inc()
				return result, &txerr.TransactionFailed{Cause: ctx.Err(), AttemptCount: n}
			case <-time.After(delay):
			}
			backoff *= 2
			if cap := d.cfg.MinRetryDelay * 128; backoff > cap {
				backoff = cap
			}
			continue
		}

		return result, translateTerminal(of, n)
	}

	return result, &txerr.TransactionFailed{Cause: errors.New("max attempts exhausted"), AttemptCount: d.cfg.MaxAttempts}
}

const atrCompletedState = "COMPLETED"

func (d *Driver) runOneAttempt(ctx context.Context, ac *attempt.Context, fn AttemptFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("user callable panicked: %v", r)
		}
	}()

	if err := fn(ctx, ac); err != nil {
		return err
	}
	if ac.Finalized() {
		return nil
	}
	return ac.Commit(ctx)
}

func (d *Driver) bestEffortRollback(ctx context.Context, ac *attempt.Context) {
	if err := ac.Rollback(ctx); err != nil {
		// spec.md §4.5 step 5: "if rollback itself fails, logged;
		// original error wins" — so we only log here, never replace
		// the caller's error with this one.
		log.WithAttemptID(ac.AttemptID()).Error().Err(err).Msg("rollback after failure also failed")
	}
}

func translateTerminal(of *txerr.OperationFailed, attempts int) error {
	switch of.Final {
	case txerr.FinalExpired:
		return &txerr.TransactionExpired{Cause: of, AttemptCount: attempts}
	case txerr.FinalAmbiguous:
		return &txerr.TransactionCommitAmbiguous{Cause: of, AttemptCount: attempts}
	default:
		return &txerr.TransactionFailed{Cause: of, AttemptCount: attempts}
	}
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.10
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}
