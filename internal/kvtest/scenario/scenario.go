/*
Package scenario is a YAML-driven end-to-end test harness for the
transaction engine (SPEC_FULL.md §2.5): a fixture names the documents a
run starts with, the sequence of reads/writes an attempt performs, and
the document/ATR state expected once the driver finishes. It exists so
the concrete scenarios spec.md §8 describes in prose can be encoded
once, declaratively, instead of hand-written as near-duplicate Go test
functions — the same motivation as the teacher's own YAML manifest
loading (gopkg.in/yaml.v3), generalized from cluster manifests to
transaction fixtures.
*/
package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/latticekv/txn/internal/kvtest"
	"github.com/latticekv/txn/pkg/attempt"
	"github.com/latticekv/txn/pkg/kv"
	"github.com/latticekv/txn/pkg/txn"
)

// Operation is one step an attempt's callable performs, in order.
type Operation struct {
	// Op is one of: "insert", "replace", "remove", "throw", "sleep_ms".
	Op    string          `yaml:"op"`
	Key   string          `yaml:"key,omitempty"`
	Value json.RawMessage `yaml:"value,omitempty"`
	Ms    int             `yaml:"ms,omitempty"`
}

// ExpectedDoc describes the required post-run state of one document.
// Missing means the document must be invisible to an ordinary
// application read: either Get reports it not found outright, or it
// is present only as the tombstone a rolled-back staged insert leaves
// behind (spec.md §8 property 2 — "never visible"). NotFound is the
// stricter case where the document must be entirely gone, with no
// tombstone at all (property 4 — a committed remove leaves nothing).
type ExpectedDoc struct {
	Value    json.RawMessage `yaml:"value,omitempty"`
	Missing  bool            `yaml:"missing,omitempty"`
	NotFound bool            `yaml:"not_found,omitempty"`
}

// Fixture is one declarative end-to-end scenario.
type Fixture struct {
	Name string `yaml:"name"`

	// InitialDocs seeds the store before the attempt runs: key -> body.
	InitialDocs map[string]json.RawMessage `yaml:"initial_docs"`

	Operations []Operation `yaml:"operations"`

	// ExpirationMs overrides the driver's expiration_time; zero means
	// the package default (2s, generous enough for every fixture but
	// scenario 5's deliberate timeout).
	ExpirationMs int `yaml:"expiration_ms"`

	// ExpectOutcome is one of: "committed", "rolled_back", "expired".
	ExpectOutcome string `yaml:"expect_outcome"`

	// FinalDocs asserts the state of named documents once the driver
	// returns.
	FinalDocs map[string]ExpectedDoc `yaml:"final_docs"`
}

const (
	bucket     = "default"
	scope      = "_default"
	collection = "_default"
)

func docID(key string) kv.DocID {
	return kv.DocID{Bucket: bucket, Scope: scope, Collection: collection, Key: key}
}

// Load reads and parses a fixture from a YAML file.
func Load(path string) (*Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: read %s: %w", path, err)
	}
	var f Fixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("scenario: parse %s: %w", path, err)
	}
	return &f, nil
}

// Outcome is the observable result of running a Fixture.
type Outcome struct {
	Result *txn.Result
	Err    error
}

// Run seeds store with the fixture's initial documents, executes its
// operation list inside a single driven transaction, and returns the
// driver's outcome. It does not assert anything itself — callers
// (typically a table test) compare Outcome and the store's final state
// against the fixture's expectations.
func Run(ctx context.Context, store *kvtest.Store, f *Fixture) (Outcome, error) {
	for key, body := range f.InitialDocs {
		if _, err := store.Insert(ctx, docID(key), body, kv.DurabilityNone); err != nil {
			return Outcome{}, fmt.Errorf("scenario: seed %s: %w", key, err)
		}
	}

	expiration := 2 * time.Second
	if f.ExpirationMs > 0 {
		expiration = time.Duration(f.ExpirationMs) * time.Millisecond
	}
	cfg := txn.DefaultConfig()
	cfg.ExpirationTime = expiration
	cfg.MetadataBucket, cfg.MetadataScope, cfg.MetadataColl = bucket, scope, collection
	cfg.MinRetryDelay = time.Millisecond
	cfg.CleanupLostAttempts = false
	cfg.CleanupClientAttempts = false

	driver := txn.New(store, cfg)
	defer driver.Close()

	result, err := driver.Run(ctx, func(ctx context.Context, ac *attempt.Context) error {
		return runOps(ctx, ac, f.Operations)
	})
	return Outcome{Result: result, Err: err}, nil
}

// ATRLocation reconstructs the DocID of the ATR document a Run used,
// from the (bucket, scope, collection) triple Run hardcodes plus the
// ATR id the driver reports on Result.
func ATRLocation(result *txn.Result) kv.DocID {
	return docID(result.ATRID)
}

// LastAttemptID returns the attempt id of the most recent try recorded
// in result, or "" if the driver never ran an attempt.
func LastAttemptID(result *txn.Result) string {
	if len(result.Attempts) == 0 {
		return ""
	}
	return result.Attempts[len(result.Attempts)-1].AttemptID
}

func runOps(ctx context.Context, ac *attempt.Context, ops []Operation) error {
	for _, op := range ops {
		switch op.Op {
		case "insert":
			if _, err := ac.Insert(ctx, docID(op.Key), op.Value); err != nil {
				return err
			}
		case "replace":
			doc, err := ac.Get(ctx, docID(op.Key))
			if err != nil {
				return err
			}
			if doc == nil {
				return fmt.Errorf("scenario: replace target %s does not exist", op.Key)
			}
			if _, err := ac.Replace(ctx, doc, op.Value); err != nil {
				return err
			}
		case "remove":
			doc, err := ac.Get(ctx, docID(op.Key))
			if err != nil {
				return err
			}
			if doc == nil {
				return fmt.Errorf("scenario: remove target %s does not exist", op.Key)
			}
			if err := ac.Remove(ctx, doc); err != nil {
				return err
			}
		case "sleep_ms":
			time.Sleep(time.Duration(op.Ms) * time.Millisecond)
		case "throw":
			return fmt.Errorf("scenario: deliberate callable failure")
		default:
			return fmt.Errorf("scenario: unknown operation %q", op.Op)
		}
	}
	return nil
}
