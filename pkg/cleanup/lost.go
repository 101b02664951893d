package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/latticekv/txn/pkg/atr"
	"github.com/latticekv/txn/pkg/kv"
	"github.com/latticekv/txn/pkg/log"
	"github.com/latticekv/txn/pkg/metrics"
	"github.com/latticekv/txn/pkg/txerr"
)

const (
	clientRecordKey  = "_txn:client-record"
	maxStaleEviction  = 12
	heartbeatInterval = 10 * time.Second
)

// lostAttemptsWorker is C7: the cross-client sweep that reclaims
// attempts whose own client disappeared without running cleanup
// (spec.md §4.7). It heartbeats this client's membership into a shared
// `_txn:client-record` document, derives its deterministic share of the
// fixed 1024-entry ATR namespace from the set of currently-live
// clients, and walks that share looking for expired entries.
type lostAttemptsWorker struct {
	client kv.Client
	cfg    Config
	logger zerolog.Logger

	clientID string

	stopCh chan struct{}
	doneCh chan struct{}
}

func newLostAttemptsWorker(client kv.Client, cfg Config) *lostAttemptsWorker {
	return &lostAttemptsWorker{
		client:   client,
		cfg:      cfg,
		logger:   log.WithComponent("cleanup.lost"),
		clientID: uuid.NewString(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (w *lostAttemptsWorker) Start() {
	go w.loop()
}

func (w *lostAttemptsWorker) Stop() {
	close(w.stopCh)
	select {
	case <-w.doneCh:
	case <-time.After(5 * time.Second):
		w.logger.Warn().Msg("lost-attempts worker did not stop before shutdown timeout")
	}
}

func (w *lostAttemptsWorker) loop() {
	defer close(w.doneCh)

	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer heartbeatTicker.Stop()
	sweepTicker := time.NewTicker(w.cfg.CleanupWindow)
	defer sweepTicker.Stop()

	w.heartbeat(context.Background())

	for {
		select {
		case <-w.stopCh:
			w.deregister(context.Background())
			return
		case <-heartbeatTicker.C:
			w.heartbeat(context.Background())
		case <-sweepTicker.C:
			w.sweep(context.Background())
		}
	}
}

// clientRecordEntry is one client's membership row (spec.md §4.7).
type clientRecordEntry struct {
	HeartbeatMs int64 `json:"heartbeat_ms"`
	ExpiresMs   int64 `json:"expires_ms"`
}

type overrideBlock struct {
	Enabled   bool  `json:"enabled"`
	ExpiresMs int64 `json:"expires_ms"`
}

func (w *lostAttemptsWorker) recordLoc() kv.DocID {
	loc := w.cfg.metadataLocation()
	return kv.DocID{Bucket: loc.Bucket, Scope: loc.Scope, Collection: loc.Collection, Key: clientRecordKey}
}

// heartbeat writes this client's own liveness row and evicts up to
// maxStaleEviction stale rows, from one read-modify-write pass retried
// on CAS mismatch; it returns nothing, and sweep re-reads the
// membership set itself (spec.md §4.7: "heartbeats
// into a shared client-record; evicts stale entries; derives partition
// share from the surviving set").
func (w *lostAttemptsWorker) heartbeat(ctx context.Context) {
	loc := w.recordLoc()
	now := time.Now().UnixMilli()

	for attempt := 0; attempt < 5; attempt++ {
		clients, _, cas, err := w.readRecord(ctx, loc)
		if err != nil {
			if classifyErr(err) != txerr.FailDocNotFound {
				w.logger.Warn().Err(err).Msg("client-record heartbeat: read failed")
				return
			}
			clients, cas = map[string]clientRecordEntry{}, 0
		}

		// spec.md §4.7: "expires_ms = cleanup_window/2 + 2000 ms".
		expiresIn := w.cfg.CleanupWindow.Milliseconds()/2 + 2000
		clients[w.clientID] = clientRecordEntry{HeartbeatMs: now, ExpiresMs: now + expiresIn}
		evicted := 0
		for id, c := range clients {
			if evicted >= maxStaleEviction {
				break
			}
			if id != w.clientID && c.ExpiresMs < now {
				delete(clients, id)
				evicted++
			}
		}

		if err := w.writeRecord(ctx, loc, clients, cas, cas != 0); err != nil {
			if classifyErr(err) == txerr.FailCasMismatch {
				continue // another client's heartbeat raced this write; retry
			}
			w.logger.Warn().Err(err).Msg("client-record heartbeat: write failed")
			return
		}
		metrics.ActiveCleanupClients.Set(float64(len(clients)))
		return
	}
}

func (w *lostAttemptsWorker) deregister(ctx context.Context) {
	loc := w.recordLoc()
	clients, _, cas, err := w.readRecord(ctx, loc)
	if err != nil {
		return
	}
	if _, ok := clients[w.clientID]; !ok {
		return
	}
	delete(clients, w.clientID)
	_ = w.writeRecord(ctx, loc, clients, cas, true)
}

// client record xattr paths (spec.md §6.4: "state in xattrs under
// records.clients.<uuid>.* and records.override.*").
const (
	pathRecordClients  = "records.clients"
	pathRecordOverride = "records.override"
)

func (w *lostAttemptsWorker) readRecord(ctx context.Context, loc kv.DocID) (map[string]clientRecordEntry, overrideBlock, kv.Cas, error) {
	specs := []kv.LookupSpec{{Path: pathRecordClients, Xattr: true}, {Path: pathRecordOverride, Xattr: true}}
	res, err := w.client.LookupIn(ctx, loc, specs, false)
	if err != nil {
		return nil, overrideBlock{}, 0, err
	}
	clients := map[string]clientRecordEntry{}
	var override overrideBlock
	for _, r := range res.Results {
		if !r.Exists {
			continue
		}
		switch r.Path {
		case pathRecordClients:
			_ = json.Unmarshal(r.Value, &clients)
		case pathRecordOverride:
			_ = json.Unmarshal(r.Value, &override)
		}
	}
	return clients, override, res.Cas, nil
}

func (w *lostAttemptsWorker) writeRecord(ctx context.Context, loc kv.DocID, clients map[string]clientRecordEntry, cas kv.Cas, exists bool) error {
	body, err := json.Marshal(clients)
	if err != nil {
		return fmt.Errorf("marshal client record: %w", err)
	}
	specs := []kv.MutateSpec{{Path: pathRecordClients, Value: body, Xattr: true, CreatePath: true}}
	opts := kv.MutateOptions{StoreSemantics: kv.StoreUpsert}
	if exists {
		opts.Cas = cas
	}
	_, err = w.client.MutateIn(ctx, loc, specs, opts)
	return err
}

// sweep walks this client's deterministic share of the ATR namespace,
// finalizing any expired entry it finds (spec.md §4.7).
func (w *lostAttemptsWorker) sweep(ctx context.Context) {
	loc := w.recordLoc()
	clients, override, _, err := w.readRecord(ctx, loc)
	if err != nil {
		w.logger.Warn().Err(err).Msg("lost-attempts sweep: reading client record failed, skipping pass")
		return
	}
	now := time.Now().UnixMilli()
	if override.Enabled && override.ExpiresMs > now {
		w.logger.Debug().Msg("lost-attempts sweep suspended by override")
		return
	}

	share := partitionShare(w.clientID, clients)
	if len(share) == 0 {
		return
	}

	timer := metrics.NewTimer()
	atrColl := w.cfg.metadataLocation()
	prefix := w.cfg.atrPrefix()

	// Pace the sweep so each ATR consumes roughly remaining_window /
	// atrs_left wall-clock time (spec.md §4.7 "ATR sweep").
	budget := w.cfg.CleanupWindow
	for i, p := range share {
		select {
		case <-w.stopCh:
			return
		default:
		}
		atrLoc := kv.DocID{Bucket: atrColl.Bucket, Scope: atrColl.Scope, Collection: atrColl.Collection, Key: atr.ATRIDForPartition(prefix, p)}
		w.sweepOne(ctx, atrLoc)

		remaining := len(share) - i - 1
		if remaining > 0 && budget > 0 {
			time.Sleep(budget / time.Duration(len(share)))
		}
	}
	timer.ObserveDurationVec(metrics.CleanupSweepDuration, atrColl.Bucket)
}

func (w *lostAttemptsWorker) sweepOne(ctx context.Context, atrLoc kv.DocID) {
	entries, err := listEntries(ctx, w.client, atrLoc)
	if err != nil {
		if classifyErr(err) != txerr.FailDocNotFound {
			w.logger.Debug().Err(err).Str("atr_id", atrLoc.Key).Msg("lost-attempts sweep: reading atr failed")
		}
		return
	}

	serverNowMs := atr.NowMacroMs()
	for _, entry := range entries {
		if entry.Finalized() {
			continue
		}
		if !entry.IsExpired(serverNowMs) {
			continue
		}
		handled, err := finalizeEntry(ctx, w.client, w.cfg.Durability, atrLoc, entry)
		if err != nil {
			w.logger.Warn().Err(err).Str("attempt_id", entry.AttemptID).Msg("lost-attempts cleanup failed; will retry next sweep")
			continue
		}
		if handled {
			metrics.CleanupEntriesProcessedTotal.WithLabelValues("lost_attempts").Inc()
		}
	}
}

// partitionShare derives this client's stripe of the fixed
// atr.PartitionCount namespace from the sorted set of currently live
// client ids (spec.md §4.7: "ATRs at positions i, i+N, i+2N, … in the
// fixed 1024-entry ATR id list", where i is this client's index into the
// sorted active set and N is its size). Every client computes the same
// stripe independently from the same membership snapshot, so no
// coordination beyond the heartbeat itself is required.
func partitionShare(selfID string, clients map[string]clientRecordEntry) []int {
	ids := make([]string, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	idx := -1
	for i, id := range ids {
		if id == selfID {
			idx = i
			break
		}
	}
	if idx == -1 || len(ids) == 0 {
		return nil
	}

	n := len(ids)
	share := make([]int, 0, atr.PartitionCount/n+1)
	for p := idx; p < atr.PartitionCount; p += n {
		share = append(share, p)
	}
	return share
}
