/*
Package fc implements the forward-compatibility directive gate referenced
throughout spec.md §4.4 ("check forward compatibility") and expanded by
SPEC_FULL.md §4 item 2. An ATR entry or a staged document's xattr block
may carry an `fc` block: a map from protocol stage to a list of
requirements an older client must honor so a newer client's in-flight
protocol change does not get corrupted by a client that doesn't
understand it yet. This client is itself one of those "older clients"
for any `fc` entry it doesn't recognize, so an unrecognized requirement
defaults to the safest behavior its record specifies, never to silent
ignoring.
*/
package fc

import (
	"encoding/json"
	"time"
)

// Stage names a point in the protocol where a forward-compatibility
// check is performed. There is one constant per stage of the original
// source, but the string values are spelled-out names (WWC_READING_ATR,
// ...) rather than the original's abbreviations (WW_R, WW_RP, ...).
type Stage string

const (
	StageWriteWriteReadingATR Stage = "WWC_READING_ATR"
	StageWriteWriteReplacing  Stage = "WWC_REPLACING"
	StageWriteWriteRemoving   Stage = "WWC_REMOVING"
	StageWriteWriteInserting  Stage = "WWC_INSERTING"
	StageWriteWriteInsertGet  Stage = "WWC_INSERTING_GET"
	StageGets                Stage = "GETS"
	StageGetsReadingATR       Stage = "GETS_READING_ATR"
	StageCleanupEntry         Stage = "CLEANUP_ENTRY"
)

// Behavior is the action a client must take when it does not meet a
// requirement's stated minimum.
type Behavior string

const (
	BehaviorContinue    Behavior = "CONTINUE"
	BehaviorRetryTxn    Behavior = "RETRY_TXN"
	BehaviorFailFastTxn Behavior = "FAIL_FAST_TXN"
)

// BehaviorFull pairs a Behavior with the optional retry delay a
// RETRY_TXN requirement carries.
type BehaviorFull struct {
	Behavior   Behavior
	RetryDelay time.Duration // zero if unset
}

// Supported describes what this client implements, checked against each
// Requirement found in an `fc` block.
type Supported struct {
	ProtocolMajor uint32
	ProtocolMinor uint32
	Extensions    map[string]bool
}

// DefaultSupported is this client's declared protocol support. Bump
// ProtocolMinor/add to Extensions only alongside the matching protocol
// work; this value gates every in-flight fc check.
var DefaultSupported = Supported{
	ProtocolMajor: 2,
	ProtocolMinor: 0,
	Extensions: map[string]bool{
		"TI":     true,
		"RC":     true,
		"BF3787": true,
	},
}

// Requirement is one entry of an `fc` block for a single Stage.
type Requirement struct {
	Behavior BehaviorFull

	// Exactly one of the following is set, selecting the kind of check.
	MinProtocolMajor *uint32
	MinProtocolMinor *uint32
	Extension        string // non-empty: requires this extension name
}

// Check evaluates a Requirement against supported, returning the
// behavior this client must take. A requirement this client satisfies
// always resolves to CONTINUE regardless of the stated behavior.
func (r Requirement) Check(supported Supported) BehaviorFull {
	if r.MinProtocolMajor != nil || r.MinProtocolMinor != nil {
		major, minor := uint32(0), uint32(0)
		if r.MinProtocolMajor != nil {
			major = *r.MinProtocolMajor
		}
		if r.MinProtocolMinor != nil {
			minor = *r.MinProtocolMinor
		}
		if major > supported.ProtocolMajor || (major == supported.ProtocolMajor && minor > supported.ProtocolMinor) {
			return r.Behavior
		}
		return BehaviorFull{Behavior: BehaviorContinue}
	}
	if r.Extension != "" {
		if !supported.Extensions[r.Extension] {
			return r.Behavior
		}
		return BehaviorFull{Behavior: BehaviorContinue}
	}
	return BehaviorFull{Behavior: BehaviorContinue}
}

// Block is the full set of requirements attached at some document,
// keyed by the stage they gate.
type Block map[Stage][]Requirement

// Check evaluates every requirement registered for stage and returns
// the most restrictive behavior encountered: FAIL_FAST_TXN beats
// RETRY_TXN beats CONTINUE. A nil or empty Block always continues.
func (b Block) Check(stage Stage, supported Supported) BehaviorFull {
	result := BehaviorFull{Behavior: BehaviorContinue}
	for _, req := range b[stage] {
		got := req.Check(supported)
		if rank(got.Behavior) > rank(result.Behavior) {
			result = got
		}
	}
	return result
}

// requirementJSON is the on-the-wire shape of one requirement inside an
// `fc` xattr block, as written by this client and read back by it (or,
// for forward compatibility, by an older client that merely honors `b`
// and `ra` and ignores fields it does not recognize).
type requirementJSON struct {
	Behavior   string `json:"b"`
	RetryAfter *int64 `json:"ra,omitempty"`
	MinMajor   *uint32 `json:"pma,omitempty"`
	MinMinor   *uint32 `json:"pmi,omitempty"`
	Extension  string `json:"ext,omitempty"`
}

// ParseBlock decodes the raw map[string]any an xattr lookup hands back
// for the `fc` path into a typed Block. A nil or empty input is not an
// error; it simply parses to an empty Block (nothing gates any stage).
func ParseBlock(raw map[string]any) (Block, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	j, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var wire map[Stage][]requirementJSON
	if err := json.Unmarshal(j, &wire); err != nil {
		return nil, err
	}
	block := make(Block, len(wire))
	for stage, reqs := range wire {
		for _, rj := range reqs {
			behavior := BehaviorFull{Behavior: Behavior(rj.Behavior)}
			if rj.RetryAfter != nil {
				behavior.RetryDelay = time.Duration(*rj.RetryAfter) * time.Millisecond
			}
			block[stage] = append(block[stage], Requirement{
				Behavior:         behavior,
				MinProtocolMajor: rj.MinMajor,
				MinProtocolMinor: rj.MinMinor,
				Extension:        rj.Extension,
			})
		}
	}
	return block, nil
}

func rank(b Behavior) int {
	switch b {
	case BehaviorFailFastTxn:
		return 2
	case BehaviorRetryTxn:
		return 1
	default:
		return 0
	}
}
