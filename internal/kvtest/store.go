/*
Package kvtest is a bbolt-backed reference implementation of pkg/kv.Client,
used by this module's own tests and by the scenario runner in
internal/kvtest/scenario. Production embedders plug in a real backend;
this package exists only to exercise the engine deterministically,
grounded in the teacher's pkg/storage.BoltStore (one bbolt bucket per
collection, db.Update/db.View transactions, JSON-marshaled values).
*/
package kvtest

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/latticekv/txn/pkg/kv"
)

// envelope is the on-disk shape of every document: a body plus a
// side-channel xattr tree, emulating a real backend's per-document
// extended attributes without needing one.
type envelope struct {
	Body    json.RawMessage            `json:"body"`
	Xattrs  map[string]json.RawMessage `json:"xattrs,omitempty"`
	Cas     kv.Cas                     `json:"cas"`
	Deleted bool                       `json:"deleted"`
}

// Store implements kv.Client against an on-disk bbolt database.
type Store struct {
	db      *bolt.DB
	casSeed uint64
}

// Open creates or opens a bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("kvtest: open database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func collectionBucket(id kv.DocID) []byte {
	return []byte(id.Bucket + "." + id.Scope + "." + id.Collection)
}

func (s *Store) nextCas() kv.Cas {
	return kv.Cas(atomic.AddUint64(&s.casSeed, 1))
}

var errNotFound = fmt.Errorf("kvtest: document not found")
var errExists = fmt.Errorf("kvtest: document exists")
var errPathNotFound = fmt.Errorf("kvtest: path not found")
var errPathExists = fmt.Errorf("kvtest: path exists")
var errCasMismatch = fmt.Errorf("kvtest: cas mismatch")

func wrap(code kv.Code, op string, cause error) *kv.Error {
	return &kv.Error{Code: code, Op: op, Err: cause}
}

// Get implements kv.Client.
func (s *Store) Get(ctx context.Context, id kv.DocID) (kv.Doc, error) {
	var out kv.Doc
	err := s.db.View(func(tx *bolt.Tx) error {
		env, err := s.load(tx, id)
		if err != nil {
			return err
		}
		out = kv.Doc{Body: env.Body, Cas: env.Cas, IsDeleted: env.Deleted}
		return nil
	})
	return out, err
}

func (s *Store) load(tx *bolt.Tx, id kv.DocID) (envelope, error) {
	b := tx.Bucket(collectionBucket(id))
	if b == nil {
		return envelope{}, wrap(kv.CodeDocNotFound, "get", errNotFound)
	}
	raw := b.Get([]byte(id.Key))
	if raw == nil {
		return envelope{}, wrap(kv.CodeDocNotFound, "get", errNotFound)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("kvtest: decode %s: %w", id, err)
	}
	return env, nil
}

func (s *Store) store(tx *bolt.Tx, id kv.DocID, env envelope) error {
	b, err := tx.CreateBucketIfNotExists(collectionBucket(id))
	if err != nil {
		return fmt.Errorf("kvtest: create bucket: %w", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("kvtest: encode %s: %w", id, err)
	}
	return b.Put([]byte(id.Key), raw)
}

// LookupIn implements kv.Client.
func (s *Store) LookupIn(ctx context.Context, id kv.DocID, specs []kv.LookupSpec, accessDeleted bool) (kv.GetResult, error) {
	var out kv.GetResult
	err := s.db.View(func(tx *bolt.Tx) error {
		env, err := s.load(tx, id)
		if err != nil {
			return err
		}
		if env.Deleted && !accessDeleted {
			return wrap(kv.CodeDocNotFound, "lookup_in", errNotFound)
		}
		out.Cas = env.Cas
		out.IsDeleted = env.Deleted
		for _, spec := range specs {
			out.Results = append(out.Results, lookupOne(env, spec))
		}
		return nil
	})
	return out, err
}

func lookupOne(env envelope, spec kv.LookupSpec) kv.LookupResult {
	if spec.Path == "$vbucket" {
		// Server "now" as the HLC would report it: a plain nanosecond
		// count, not a macro-expanded hex CAS (pkg/attempt divides this
		// by 1e6 to get milliseconds).
		hlc, _ := json.Marshal(map[string]any{"HLC": map[string]any{"now": time.Now().UnixNano()}})
		return kv.LookupResult{Path: spec.Path, Exists: true, Value: hlc, Code: kv.CodeSuccess}
	}
	if spec.Path == "$document" {
		dm, _ := json.Marshal(map[string]any{
			"CAS":           fmt.Sprintf("0x%016x", uint64(env.Cas)),
			"revid":         fmt.Sprintf("%d", env.Cas),
			"exptime":       0,
			"value_crc32c":  fmt.Sprintf("%08x", crc32cStub(env.Body)),
			"flags":         0,
		})
		return kv.LookupResult{Path: spec.Path, Exists: true, Value: dm, Code: kv.CodeSuccess}
	}
	if spec.Xattr {
		v, ok := navigateXattr(env.Xattrs, spec.Path)
		if !ok {
			return kv.LookupResult{Path: spec.Path, Exists: false, Code: kv.CodePathNotFound}
		}
		return kv.LookupResult{Path: spec.Path, Exists: true, Value: v, Code: kv.CodeSuccess}
	}
	v, ok := navigateBody(env.Body, spec.Path)
	if !ok {
		return kv.LookupResult{Path: spec.Path, Exists: false, Code: kv.CodePathNotFound}
	}
	return kv.LookupResult{Path: spec.Path, Exists: true, Value: v, Code: kv.CodeSuccess}
}

// MutateIn implements kv.Client.
func (s *Store) MutateIn(ctx context.Context, id kv.DocID, specs []kv.MutateSpec, opts kv.MutateOptions) (kv.Cas, error) {
	var newCas kv.Cas
	err := s.db.Update(func(tx *bolt.Tx) error {
		env, loadErr := s.load(tx, id)
		exists := loadErr == nil
		if loadErr != nil {
			if !isNotFound(loadErr) {
				return loadErr
			}
			env = envelope{Xattrs: map[string]json.RawMessage{}, Deleted: opts.CreateAsDeleted}
		}
		if exists && env.Deleted && !opts.AccessDeleted && !opts.CreateAsDeleted {
			return wrap(kv.CodeDocNotFound, "mutate_in", errNotFound)
		}

		switch opts.StoreSemantics {
		case kv.StoreInsert:
			if exists && !env.Deleted {
				return wrap(kv.CodeDocExists, "mutate_in", errExists)
			}
		case kv.StoreReplace:
			if !exists {
				return wrap(kv.CodeDocNotFound, "mutate_in", errNotFound)
			}
		}
		if opts.Cas != 0 && exists && env.Cas != opts.Cas {
			return wrap(kv.CodeCasMismatch, "mutate_in", errCasMismatch)
		}

		if env.Xattrs == nil {
			env.Xattrs = map[string]json.RawMessage{}
		}

		for _, spec := range specs {
			if err := applySpec(&env, spec, id); err != nil {
				return err
			}
		}
		if opts.CreateAsDeleted {
			env.Deleted = true
		} else if env.Body != nil {
			env.Deleted = false
		}

		newCas = s.nextCas()
		env.Cas = newCas
		return s.store(tx, id, env)
	})
	return newCas, err
}

func applySpec(env *envelope, spec kv.MutateSpec, id kv.DocID) error {
	value := spec.Value
	if spec.Macro == kv.MacroMutationCAS {
		value, _ = json.Marshal(nowMacroHex())
	} else if spec.Macro == kv.MacroValueCRC32C {
		value, _ = json.Marshal(fmt.Sprintf("%08x", crc32cStub(env.Body)))
	}

	if !spec.Xattr && spec.Path == "" {
		if spec.IsDelete {
			return wrap(kv.CodePathNotFound, "mutate_in", errPathNotFound)
		}
		env.Body = value
		return nil
	}
	if !spec.Xattr {
		return setBodyPath(env, spec.Path, value, spec.IsDelete, spec.CreatePath)
	}
	return setXattrPath(env, spec.Path, value, spec.IsDelete, spec.CreatePath)
}

// Insert implements kv.Client.
func (s *Store) Insert(ctx context.Context, id kv.DocID, body []byte, durability kv.DurabilityLevel) (kv.Cas, error) {
	var newCas kv.Cas
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, loadErr := s.load(tx, id); loadErr == nil {
			return wrap(kv.CodeDocExists, "insert", errExists)
		}
		newCas = s.nextCas()
		return s.store(tx, id, envelope{Body: body, Cas: newCas})
	})
	return newCas, err
}

// Remove implements kv.Client.
func (s *Store) Remove(ctx context.Context, id kv.DocID, cas kv.Cas, durability kv.DurabilityLevel) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		env, err := s.load(tx, id)
		if err != nil {
			return err
		}
		if cas != 0 && env.Cas != cas {
			return wrap(kv.CodeCasMismatch, "remove", errCasMismatch)
		}
		b := tx.Bucket(collectionBucket(id))
		return b.Delete([]byte(id.Key))
	})
}

func isNotFound(err error) bool {
	kerr, ok := err.(*kv.Error)
	return ok && kerr.Code == kv.CodeDocNotFound
}

// crc32cStub stands in for a real CRC32C of the document body; kvtest
// only needs it to be deterministic, not bit-compatible with a real
// backend's macro expansion.
func crc32cStub(body []byte) uint32 {
	var h uint32 = 2166136261
	for _, c := range body {
		h ^= uint32(c)
		h *= 16777619
	}
	return h
}

// nowMacroHex stands in for a real backend's ${Mutation.CAS} expansion:
// an 8-byte little-endian nanosecond timestamp, hex-encoded (spec.md
// §4.3), so atr.ParseMacroTimestampMs can decode it the same way it
// would decode a real CAS value.
func nowMacroHex() string {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(time.Now().UnixNano()))
	return hex.EncodeToString(b[:])
}

// navigateGeneric walks a chain of object keys through nested JSON
// objects starting from raw, returning the raw JSON at the end of the
// path.
func navigateGeneric(raw json.RawMessage, segments []string) (json.RawMessage, bool) {
	if len(segments) == 0 {
		if raw == nil {
			return nil, false
		}
		return raw, true
	}
	if len(raw) == 0 {
		return nil, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	child, ok := m[segments[0]]
	if !ok {
		return nil, false
	}
	return navigateGeneric(child, segments[1:])
}

// setGeneric writes value at the end of segments within the nested
// object tree rooted at raw, creating intermediate objects when
// createPath is set, and returns the updated tree. Passing isDelete
// removes the final key instead of upserting it.
func setGeneric(raw json.RawMessage, segments []string, value []byte, isDelete, createPath bool) (json.RawMessage, error) {
	if len(segments) == 0 {
		if isDelete {
			return nil, errPathNotFound
		}
		return json.RawMessage(value), nil
	}

	m := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("kvtest: decode object for path segment %q: %w", segments[0], err)
		}
	}

	key := segments[0]
	if len(segments) == 1 {
		if _, ok := m[key]; !ok {
			if isDelete || !createPath {
				return nil, errPathNotFound
			}
		}
		if isDelete {
			delete(m, key)
		} else {
			m[key] = json.RawMessage(value)
		}
	} else {
		child, ok := m[key]
		if !ok {
			if !createPath {
				return nil, errPathNotFound
			}
			child = json.RawMessage("{}")
		}
		newChild, err := setGeneric(child, segments[1:], value, isDelete, createPath)
		if err != nil {
			return nil, err
		}
		m[key] = newChild
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("kvtest: encode object: %w", err)
	}
	return out, nil
}

// navigateXattr resolves a dotted sub-document path against a
// document's xattr tree. The first segment names the top-level xattr
// key (e.g. "txn" or "records"); the rest navigate nested objects
// beneath it.
func navigateXattr(xattrs map[string]json.RawMessage, path string) (json.RawMessage, bool) {
	segments := strings.Split(path, ".")
	top, ok := xattrs[segments[0]]
	if !ok {
		return nil, false
	}
	return navigateGeneric(top, segments[1:])
}

// setXattrPath writes value at path within env's xattr tree. The top
// segment names a key of the Xattrs map directly (not a nested JSON
// object), so a single-segment path is resolved against that map
// itself rather than delegated into setGeneric's object-parsing.
func setXattrPath(env *envelope, path string, value []byte, isDelete, createPath bool) error {
	segments := strings.Split(path, ".")
	top := segments[0]

	if len(segments) == 1 {
		if isDelete {
			if _, ok := env.Xattrs[top]; !ok {
				return wrap(kv.CodePathNotFound, "mutate_in", errPathNotFound)
			}
			delete(env.Xattrs, top)
			return nil
		}
		env.Xattrs[top] = json.RawMessage(value)
		return nil
	}

	child, ok := env.Xattrs[top]
	if !ok {
		if !createPath {
			return wrap(kv.CodePathNotFound, "mutate_in", errPathNotFound)
		}
		child = json.RawMessage("{}")
	}
	newChild, err := setGeneric(child, segments[1:], value, isDelete, createPath)
	if err != nil {
		if err == errPathNotFound {
			return wrap(kv.CodePathNotFound, "mutate_in", errPathNotFound)
		}
		return err
	}
	env.Xattrs[top] = newChild
	return nil
}

// navigateBody resolves a dotted sub-document path against a
// document's body. An empty path means "the whole body".
func navigateBody(body json.RawMessage, path string) (json.RawMessage, bool) {
	if path == "" {
		if body == nil {
			return nil, false
		}
		return body, true
	}
	return navigateGeneric(body, strings.Split(path, "."))
}

// setBodyPath writes value at path within env's body. An empty path
// replaces the whole body.
func setBodyPath(env *envelope, path string, value []byte, isDelete, createPath bool) error {
	if path == "" {
		if isDelete {
			return wrap(kv.CodePathNotFound, "mutate_in", errPathNotFound)
		}
		env.Body = value
		return nil
	}
	newBody, err := setGeneric(env.Body, strings.Split(path, "."), value, isDelete, createPath)
	if err != nil {
		if err == errPathNotFound {
			return wrap(kv.CodePathNotFound, "mutate_in", errPathNotFound)
		}
		return err
	}
	env.Body = newBody
	return nil
}
