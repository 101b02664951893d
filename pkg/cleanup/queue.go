package cleanup

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/latticekv/txn/pkg/kv"
	"github.com/latticekv/txn/pkg/log"
	"github.com/latticekv/txn/pkg/metrics"
	"github.com/latticekv/txn/pkg/txerr"
	"github.com/rs/zerolog"
)

// QueueEntry is one attempt registered with C6 after it finishes, win
// or lose (spec.md §4.5 step 4). ATRID empty means the attempt never
// opened an ATR and there is nothing to clean up.
type QueueEntry struct {
	ATRBucket, ATRScope, ATRCollection string
	ATRID     string
	AttemptID string
	ReadyAt   time.Time
}

func (e QueueEntry) docID() kv.DocID {
	return kv.DocID{Bucket: e.ATRBucket, Scope: e.ATRScope, Collection: e.ATRCollection, Key: e.ATRID}
}

// entryHeap orders QueueEntry by ReadyAt, the priority queue spec.md
// §4.6 calls for.
type entryHeap []QueueEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].ReadyAt.Before(h[j].ReadyAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(QueueEntry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// inProcessQueue is C6: a single worker draining a ready-time priority
// queue of this client's own recently-finished attempts, grounded in
// the teacher's HealthMonitor ticker+stopCh loop.
type inProcessQueue struct {
	client kv.Client
	cfg    Config
	logger zerolog.Logger

	mu   sync.Mutex
	heap entryHeap

	stopCh chan struct{}
	doneCh chan struct{}
	wake   chan struct{}
}

func newInProcessQueue(client kv.Client, cfg Config) *inProcessQueue {
	return &inProcessQueue{
		client: client,
		cfg:    cfg,
		logger: log.WithComponent("cleanup.queue"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
}

func (q *inProcessQueue) Start() {
	go q.loop()
}

// Stop signals the worker and waits for it to drain with a bounded
// timeout (spec.md §4.6: "drained on driver shutdown with a bounded
// wait").
func (q *inProcessQueue) Stop() {
	close(q.stopCh)
	select {
	case <-q.doneCh:
	case <-time.After(5 * time.Second):
		q.logger.Warn().Msg("in-process cleanup queue did not drain before shutdown timeout")
	}
}

func (q *inProcessQueue) Enqueue(e QueueEntry) {
	q.mu.Lock()
	heap.Push(&q.heap, e)
	depth := q.heap.Len()
	q.mu.Unlock()
	metrics.CleanupQueueDepth.Set(float64(depth))
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *inProcessQueue) loop() {
	defer close(q.doneCh)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			q.drainReady()
			return
		case <-ticker.C:
			q.drainReady()
		case <-q.wake:
			q.drainReady()
		}
	}
}

func (q *inProcessQueue) drainReady() {
	for {
		q.mu.Lock()
		if q.heap.Len() == 0 {
			q.mu.Unlock()
			return
		}
		next := q.heap[0]
		if next.ReadyAt.After(time.Now()) {
			q.mu.Unlock()
			return
		}
		entry := heap.Pop(&q.heap).(QueueEntry)
		depth := q.heap.Len()
		q.mu.Unlock()
		metrics.CleanupQueueDepth.Set(float64(depth))

		q.processOne(entry)
	}
}

func (q *inProcessQueue) processOne(e QueueEntry) {
	if e.ATRID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	atrLoc := e.docID()
	entry, err := readEntry(ctx, q.client, atrLoc, e.AttemptID)
	if err != nil {
		if classifyErr(err) == txerr.FailDocNotFound {
			return
		}
		q.logger.Warn().Str("attempt_id", e.AttemptID).Err(err).Msg("in-process cleanup: reading atr entry failed, dropping (c7 is the safety net)")
		return
	}
	if entry == nil {
		return
	}

	handled, err := finalizeEntry(ctx, q.client, q.cfg.Durability, atrLoc, entry)
	if err != nil {
		q.logger.Warn().Str("attempt_id", e.AttemptID).Err(err).Msg("in-process cleanup failed, dropping (c7 is the safety net)")
		return
	}
	if handled {
		metrics.CleanupEntriesProcessedTotal.WithLabelValues("in_process").Inc()
	}
}
