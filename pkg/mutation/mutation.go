/*
Package mutation implements the staged-mutation log (C2, spec.md §4.2): the
in-attempt, ordered record of pending inserts/replaces/removes that an
attempt's commit() and rollback() walk to unstage or revert documents.

The log is single-writer (the attempt's own goroutine appends and looks
entries up) but supports a safe concurrent snapshot read, since the
in-process cleanup queue (C6) may need to inspect an in-flight attempt's
staged set without blocking it (spec.md §4.2 "Concurrency").
*/
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/latticekv/txn/pkg/kv"
)

// Type is the kind of staged operation recorded against a document.
type Type int

const (
	Insert Type = iota
	Replace
	Remove
)

func (t Type) String() string {
	switch t {
	case Insert:
		return "INSERT"
	case Replace:
		return "REPLACE"
	case Remove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// ErrIllegalRemoveAfterInsert is returned by add when a REMOVE is staged
// against a document already staged as an INSERT in the same attempt
// (spec.md §3, §9 Open Question: "source rejects it — spec follows
// source").
var ErrIllegalRemoveAfterInsert = errors.New("mutation: cannot remove a document inserted earlier in the same attempt")

// Staged is one entry of the log.
type Staged struct {
	ID      kv.DocID
	Type    Type
	Content []byte // the removed-document sentinel for Remove
	Cas     kv.Cas // CAS observed when this document was last read/staged
}

// Log is the staged-mutation log for a single attempt.
type Log struct {
	mu      sync.RWMutex
	entries []*Staged
}

// New returns an empty log.
func New() *Log {
	return &Log{}
}

// Empty reports whether the log has no staged entries.
func (l *Log) Empty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries) == 0
}

// Len returns the number of staged entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// FindInsert returns the staged INSERT entry for id, if any.
func (l *Log) FindInsert(id kv.DocID) *Staged { return l.find(id, Insert) }

// FindReplace returns the staged REPLACE entry for id, if any.
func (l *Log) FindReplace(id kv.DocID) *Staged { return l.find(id, Replace) }

// FindRemove returns the staged REMOVE entry for id, if any.
func (l *Log) FindRemove(id kv.DocID) *Staged { return l.find(id, Remove) }

// Find returns the staged entry for id regardless of type, if any.
func (l *Log) Find(id kv.DocID) *Staged {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (l *Log) find(id kv.DocID, t Type) *Staged {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.ID == id && e.Type == t {
			return e
		}
	}
	return nil
}

// Add appends a staged operation, coalescing by doc-id per spec.md §3:
//   - INSERT then REPLACE on the same id stays INSERT, with new content/CAS.
//   - REPLACE then REPLACE on the same id stays REPLACE, with new content/CAS.
//   - REMOVE after an INSERT staged earlier in the same attempt is illegal.
//   - Any other transition (including REPLACE/REMOVE then REMOVE) records
//     as the newly requested type.
func (l *Log) Add(s Staged) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		if e.ID != s.ID {
			continue
		}
		if e.Type == Insert && s.Type == Remove {
			return fmt.Errorf("%w: %s", ErrIllegalRemoveAfterInsert, s.ID)
		}
		if e.Type == Insert && s.Type == Replace {
			l.entries[i] = &Staged{ID: s.ID, Type: Insert, Content: s.Content, Cas: s.Cas}
			return nil
		}
		l.entries[i] = &Staged{ID: s.ID, Type: s.Type, Content: s.Content, Cas: s.Cas}
		return nil
	}

	entry := s
	l.entries = append(l.entries, &entry)
	return nil
}

// Snapshot returns a shallow copy of the current entries, safe to range
// over concurrently with further Add calls on the live log.
func (l *Log) Snapshot() []Staged {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Staged, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
	}
	return out
}

// EntrySpec is one document id as recorded in an ATR entry's
// ins/rep/rem lists; the list it sits in gives its type (spec.md §3
// "Staged document xattr shape").
type EntrySpec struct {
	Bucket     string
	Scope      string
	Collection string
	Key        string
}

// ExtractTo serializes the log's three lists for writing into an ATR
// entry (spec.md §4.2 extract_to). The prefix is unused by the Go
// representation (it existed in the original to build a flat spec
// path); callers convert the returned slices into atr.DocRecord lists
// for the ATR entry's ins/rep/rem fields.
func (l *Log) ExtractTo() (inserts, replaces, removes []EntrySpec) {
	for _, s := range l.Snapshot() {
		spec := EntrySpec{Bucket: s.ID.Bucket, Scope: s.ID.Scope, Collection: s.ID.Collection, Key: s.ID.Key}
		switch s.Type {
		case Insert:
			inserts = append(inserts, spec)
		case Replace:
			replaces = append(replaces, spec)
		case Remove:
			removes = append(removes, spec)
		}
	}
	return inserts, replaces, removes
}

// Unstager performs the actual per-document backend calls commit/rollback
// need. pkg/attempt implements this against its own ATR/xattr knowledge;
// keeping it as an interface lets this package stay ignorant of the txn
// xattr block's exact shape.
type Unstager interface {
	// CommitDoc applies a staged entry's effect permanently: REMOVE
	// deletes the document; INSERT/REPLACE overwrite the body and clear
	// the txn xattr block.
	CommitDoc(ctx context.Context, s Staged) error
	// RollbackDoc reverts a staged entry's effect: INSERT removes the
	// tombstone it created; REPLACE/REMOVE clear the txn xattr block
	// only, leaving the original body untouched.
	RollbackDoc(ctx context.Context, s Staged) error
}

// Commit unstages every entry in order, stopping at the first error. The
// loop itself is not re-run: any retrying happens inside the Unstager's
// CommitDoc, and each per-document unstage is idempotent (spec.md §4.2).
func (l *Log) Commit(ctx context.Context, u Unstager) error {
	for _, s := range l.Snapshot() {
		if err := u.CommitDoc(ctx, s); err != nil {
			return fmt.Errorf("commit doc %s: %w", s.ID, err)
		}
	}
	return nil
}

// Rollback reverts every entry in order, stopping at the first error.
func (l *Log) Rollback(ctx context.Context, u Unstager) error {
	for _, s := range l.Snapshot() {
		if err := u.RollbackDoc(ctx, s); err != nil {
			return fmt.Errorf("rollback doc %s: %w", s.ID, err)
		}
	}
	return nil
}
