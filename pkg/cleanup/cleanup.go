/*
Package cleanup implements C6 (intra-process best-effort cleanup of this
client's own stranded attempts, spec.md §4.6) and C7 (cross-client
lost-attempts sweep via a shared client-record document, spec.md §4.7).

Both run as background goroutines started/stopped the way the teacher's
pkg/worker.HealthMonitor runs its monitor loop: a ticker, a stopCh, and a
select in a single goroutine per worker — generalized here to one queue
worker (C6) plus one sweep worker (C7), coordinated by Coordinator.
*/
package cleanup

import (
	"time"

	"github.com/latticekv/txn/pkg/kv"
)

// Config is the cleanup-relevant subset of the engine's configuration
// (spec.md §6.3).
type Config struct {
	Durability kv.DurabilityLevel

	CleanupWindow time.Duration

	EnableInProcess bool
	EnableLost      bool

	MetadataBucket string
	MetadataScope  string
	MetadataColl   string

	ATRPrefix string
}

func (c Config) metadataLocation() kv.CollectionID {
	return kv.CollectionID{Bucket: c.MetadataBucket, Scope: c.MetadataScope, Collection: c.MetadataColl}
}

func (c Config) atrPrefix() string {
	if c.ATRPrefix != "" {
		return c.ATRPrefix
	}
	return "_txn:atr"
}

// Coordinator owns both cleanup subsystems for one Driver.
type Coordinator struct {
	client kv.Client
	cfg    Config

	queue *inProcessQueue
	lost  *lostAttemptsWorker
}

// NewCoordinator builds a Coordinator. Start/Stop control the
// background goroutines; a Coordinator built with both EnableInProcess
// and EnableLost false is inert and safe to keep around.
func NewCoordinator(client kv.Client, cfg Config) *Coordinator {
	return &Coordinator{
		client: client,
		cfg:    cfg,
		queue:  newInProcessQueue(client, cfg),
		lost:   newLostAttemptsWorker(client, cfg),
	}
}

// Start launches whichever background workers cfg enables.
func (c *Coordinator) Start() {
	if c.cfg.EnableInProcess {
		c.queue.Start()
	}
	if c.cfg.EnableLost {
		c.lost.Start()
	}
}

// Stop stops whichever workers Start launched, draining the in-process
// queue with a bounded wait (spec.md §4.6: "drained on driver shutdown
// with a bounded wait").
func (c *Coordinator) Stop() {
	if c.cfg.EnableInProcess {
		c.queue.Stop()
	}
	if c.cfg.EnableLost {
		c.lost.Stop()
	}
}

// Enqueue registers a just-finished attempt with C6, regardless of
// outcome (spec.md §4.5 step 4).
func (c *Coordinator) Enqueue(e QueueEntry) {
	if !c.cfg.EnableInProcess || e.ATRID == "" {
		return
	}
	c.queue.Enqueue(e)
}
