/*
Package atr implements C3: the typed view of an on-disk Active
Transaction Record document (spec.md §3, §4.3), the expiration check
cleanup uses to decide whether an entry's owner is presumed dead, and the
deterministic mapping from a mutated document's key to one of a fixed
1024-entry ATR-id namespace.

The original couchbase-transactions-cxx source (src/atr_ids.cxx) maps a
document's vbucket (computed by the server's own hashing) to one of 1024
literal `_txn:atr-<hex>-#<n>` names drawn from a baked-in table, because a
real Couchbase vbucket number is itself already 0-1023. This engine is
generalized over an arbitrary KV backend with no vbucket concept, so
partitioning instead hashes the document's own key with crc32 (IEEE) —
the deterministic, fixed-cardinality substitute for the vbucket table.
*/
package atr

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"strconv"
	"time"
)

// State is the ATR entry lifecycle state (spec.md §3, §4.4.10).
type State string

const (
	StateNotStarted State = "NOT_STARTED"
	StatePending    State = "PENDING"
	StateCommitted  State = "COMMITTED"
	StateCompleted  State = "COMPLETED"
	StateAborted    State = "ABORTED"
	StateRolledBack State = "ROLLED_BACK"
)

// DocRecord identifies a document staged by an attempt (the {bucket,
// scope, collection, id} tuple of spec.md §3's ins/rep/rem arrays).
type DocRecord struct {
	Bucket     string `json:"bkt"`
	Scope      string `json:"scp"`
	Collection string `json:"coll"`
	ID         string `json:"id"`
}

// Equal reports whether two doc records name the same document, per
// SPEC_FULL.md §4 item 4 (equality is by the full 4-tuple).
func (d DocRecord) Equal(o DocRecord) bool {
	return d.Bucket == o.Bucket && d.Scope == o.Scope && d.Collection == o.Collection && d.ID == o.ID
}

// Entry is one attempt's record within an ATR document (spec.md §3).
type Entry struct {
	AttemptID string `json:"-"` // the map key this entry is stored under

	TxnID string `json:"id_txn"`
	State State  `json:"st"`

	StartTimestampMs          int64 `json:"tst"`
	CommitStartTimestampMs    int64 `json:"tsc"`
	CommitCompleteTimestampMs int64 `json:"tsco"`
	RollbackStartTimestampMs  int64 `json:"tsrs"`
	RollbackCompleteTimestampMs int64 `json:"tsrc"`

	ExpiresAfterMs int64 `json:"exp"`

	Inserts  []DocRecord `json:"ins,omitempty"`
	Replaces []DocRecord `json:"rep,omitempty"`
	Removes  []DocRecord `json:"rem,omitempty"`

	ForwardCompat map[string]any `json:"fc,omitempty"`
}

// Record is the typed view of a full ATR document: the map from
// attempt-id to Entry that backs `attempts.<attempt-id>` paths.
type Record struct {
	ID      string
	Entries map[string]*Entry
}

// ParseMacroTimestampMs converts a macro-expanded hex CAS-as-timestamp
// string (spec.md §4.3: "arrive as macro-expanded hex strings; parsed as
// little-endian 64-bit quantities and divided by 10^6 to yield ms since
// epoch") into milliseconds since epoch.
func ParseMacroTimestampMs(hexStr string) (int64, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return 0, fmt.Errorf("atr: decode macro timestamp %q: %w", hexStr, err)
	}
	if len(b) < 8 {
		padded := make([]byte, 8)
		copy(padded, b)
		b = padded
	}
	raw := binary.LittleEndian.Uint64(b[:8])
	return int64(raw / 1_000_000), nil
}

// ParseTimestampField accepts either a plain decimal millisecond string
// or a macro-expanded hex CAS timestamp and returns milliseconds since
// epoch either way. ATR entry fields populated via `${Mutation.CAS}`
// arrive hex-encoded (spec.md §4.3); fields a test fixture sets directly
// arrive as plain decimal. An empty string is not an error: it means the
// field was never written.
func ParseTimestampField(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	return ParseMacroTimestampMs(s)
}

// SafetyMarginMs is the fixed grace period added to an entry's declared
// expiration budget before cleanup is willing to treat it as abandoned
// (spec.md §4.3: "a fixed value (>= 1500 ms)"). Chosen at exactly the
// spec's floor: large enough that a live owner mid-finalization is never
// raced, small enough that genuinely abandoned attempts are reclaimed
// promptly (see DESIGN.md Open Question resolution).
const SafetyMarginMs = 1500

// IsExpired reports whether entry is expired as of serverNowMs, per the
// formula in spec.md §4.3: (server_now_ms - tst) > (exp + safety_margin_ms).
func (e *Entry) IsExpired(serverNowMs int64) bool {
	return (serverNowMs - e.StartTimestampMs) > (e.ExpiresAfterMs + SafetyMarginMs)
}

// Finalized reports whether the entry has reached a terminal state and
// no longer needs cleanup attention.
func (e *Entry) Finalized() bool {
	return e.State == StateCompleted || e.State == StateRolledBack
}

const atrPartitionCount = 1024

// ATRIDForKey deterministically maps a document key to one of the 1024
// partitioned ATR document ids, so a cleanup worker can recompute which
// ATR a given staged document points back to without reading it. prefix
// names the reserved collection/prefix ATR documents live under (e.g.
// "_txn:atr").
func ATRIDForKey(prefix, key string) string {
	sum := crc32.ChecksumIEEE([]byte(key))
	bucket := sum % atrPartitionCount
	return fmt.Sprintf("%s-%04d", prefix, bucket)
}

// ATRIDForPartition names the ATR document for an explicit partition
// index, used by the C7 sweep when it walks the full namespace rather
// than deriving a partition from a specific key.
func ATRIDForPartition(prefix string, partition int) string {
	return fmt.Sprintf("%s-%04d", prefix, partition%atrPartitionCount)
}

// PartitionCount is the fixed size of the ATR-id namespace (spec.md
// §4.3: "fixed partitioned namespace of 1024 ATR ids").
const PartitionCount = atrPartitionCount

// NowMacroMs is a small clock seam: production call sites derive
// server-side "now" from a `${Mutation.CAS}`-stamped round trip via
// ParseMacroTimestampMs, but cleanup's local expiry pre-checks (before
// paying for a round trip) use wall-clock time. Kept as a var so tests
// can freeze it.
var NowMacroMs = func() int64 { return time.Now().UnixMilli() }
