/*
Package attempt implements C4 (spec.md §4.4): the per-attempt state
machine. This is the heart of the engine — get/insert/replace/remove stage
mutations into a pkg/mutation.Log and lazily open a pkg/atr entry on the
ATR document the engine selects for the attempt; commit() and rollback()
drive that entry and every staged document through to a terminal state.

Protocol steps run strictly in sequence within one attempt (spec.md §5);
every exported method here assumes single-caller-at-a-time use, matching
that contract. Shared state a background cleanup worker might snapshot —
the mutation log's own entries — is guarded by pkg/mutation itself.
*/
package attempt

import (
	"time"

	"github.com/latticekv/txn/pkg/kv"
)

// xattr path names under the "txn" prefix spec.md §3 defines on every
// document carrying an in-flight staged mutation.
const (
	pathTxnID         = "txn.id.txn"
	pathAttemptID     = "txn.id.atmpt"
	pathATRID         = "txn.atr_id"
	pathATRBucket     = "txn.atr_bkt"
	pathATRCollection = "txn.atr_coll"
	pathOpType        = "txn.op.type"
	pathStaged        = "txn.staged"
	pathRestore       = "txn.restore"
	pathCRC32Staging  = "txn.crc32_staging"
	pathForwardCompat = "txn.fc"
	pathDocumentMeta  = "$document"
)

// removedSentinel is the staged content recorded for a REMOVE, per
// spec.md §3 ("staged: ... or sentinel <<REMOVED>> for removes").
var removedSentinel = []byte(`"<<REMOVED>>"`)

// opType string values written to txn.op.type.
const (
	opInsert  = "insert"
	opReplace = "replace"
	opRemove  = "remove"
)

// Config is the subset of the engine's configuration (spec.md §6.3) an
// attempt context needs. pkg/txn's driver builds one of these per
// attempt from the public Config it was given.
type Config struct {
	Durability      kv.DurabilityLevel
	ExpirationTime  time.Duration
	KVTimeout       time.Duration
	MetadataBucket  string
	MetadataScope   string
	MetadataColl    string
	ATRPrefix       string // default "_txn:atr" if empty
}

func (c Config) atrPrefix() string {
	if c.ATRPrefix != "" {
		return c.ATRPrefix
	}
	return "_txn:atr"
}

func (c Config) metadataLocation() kv.CollectionID {
	return kv.CollectionID{Bucket: c.MetadataBucket, Scope: c.MetadataScope, Collection: c.MetadataColl}
}

// documentMeta models the macro-expanded $document virtual xattr
// (SPEC_FULL.md §4 item 3): the metadata needed to populate a staged
// mutation's restore.* fields so rollback can put a document back
// exactly as it was.
type documentMeta struct {
	Cas          kv.Cas
	RevID        string
	ExpTimeUnix  int64
	ValueCRC32C  string
	Flags        uint32
}

// restoreMeta is the txn.restore.* xattr block captured at staging time.
type restoreMeta struct {
	Cas     kv.Cas `json:"CAS"`
	RevID   string `json:"revid"`
	ExpTime int64  `json:"exptime"`
}

// stagedXattr is the full txn.* xattr block as read back by lookupIn,
// mirroring spec.md §3's "Staged document shape".
type stagedXattr struct {
	TxnID         string
	AttemptID     string
	ATRID         string
	ATRBucket     string
	ATRCollection string
	OpType        string
	Staged        []byte
	Restore       *restoreMeta
	CRC32Staging  string
	ForwardCompat map[string]any
}

// Doc is the handle an attempt hands back to the user callable from
// get/insert/replace: the content plus enough internal bookkeeping for
// a later replace/remove/commit/rollback to act correctly.
type Doc struct {
	ID      kv.DocID
	Content []byte
	Cas     kv.Cas

	exists bool
	meta   documentMeta
	// wasTombstone is set when this Doc carries staged content read
	// through from a document still in tombstone state (this
	// transaction's own earlier write, or another transaction's
	// COMPLETED one); carried so a later remove knows the doc was a
	// tombstoned insert target and stages with access_deleted.
	wasTombstone bool
}

// Exists reports whether Get found a live logical document (as opposed
// to returning the zero-value "not found" result).
func (d *Doc) Exists() bool {
	return d != nil && d.exists
}
