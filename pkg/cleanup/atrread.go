package cleanup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/latticekv/txn/pkg/atr"
	"github.com/latticekv/txn/pkg/kv"
)

// readEntry fetches one attempt's entry out of the ATR document atrLoc.
// It mirrors pkg/attempt's own unexported ATR-entry reader; cleanup
// can't import pkg/attempt (pkg/attempt doesn't import cleanup either,
// but sharing the unexported helper isn't possible across packages, so
// the small amount of decode logic is duplicated here instead of
// introducing a shared internal package for two callers).
func readEntry(ctx context.Context, client kv.Client, atrLoc kv.DocID, attemptID string) (*atr.Entry, error) {
	specs := []kv.LookupSpec{{Path: "attempts." + attemptID, Xattr: true}}
	res, err := client.LookupIn(ctx, atrLoc, specs, true)
	if err != nil {
		return nil, err
	}

	for _, r := range res.Results {
		if !r.Exists || r.Path != "attempts."+attemptID {
			continue
		}
		var raw struct {
			TxnID          string          `json:"id_txn"`
			State          atr.State       `json:"st"`
			StartTimestampMs string        `json:"tst"`
			ExpiresAfterMs int64           `json:"exp"`
			Inserts        []atr.DocRecord `json:"ins"`
			Replaces       []atr.DocRecord `json:"rep"`
			Removes        []atr.DocRecord `json:"rem"`
			ForwardCompat  map[string]any  `json:"fc"`
		}
		if jerr := json.Unmarshal(r.Value, &raw); jerr != nil {
			return nil, fmt.Errorf("atr entry %s: decode: %w", attemptID, jerr)
		}
		tst, _ := atr.ParseTimestampField(raw.StartTimestampMs)
		return &atr.Entry{
			AttemptID:        attemptID,
			TxnID:            raw.TxnID,
			State:            raw.State,
			StartTimestampMs: tst,
			ExpiresAfterMs:   raw.ExpiresAfterMs,
			Inserts:          raw.Inserts,
			Replaces:         raw.Replaces,
			Removes:          raw.Removes,
			ForwardCompat:    raw.ForwardCompat,
		}, nil
	}
	return nil, nil
}

// listEntries reads every attempt entry currently present on the ATR
// document atrLoc (spec.md §4.7's "ATR sweep" step), used by the
// lost-attempts worker which — unlike the in-process queue — doesn't
// already know which attempt ids to look for.
func listEntries(ctx context.Context, client kv.Client, atrLoc kv.DocID) ([]*atr.Entry, error) {
	specs := []kv.LookupSpec{{Path: "attempts", Xattr: true}}
	res, err := client.LookupIn(ctx, atrLoc, specs, true)
	if err != nil {
		return nil, err
	}

	var entries []*atr.Entry
	for _, r := range res.Results {
		if !r.Exists || r.Path != "attempts" {
			continue
		}
		var raw map[string]struct {
			TxnID            string          `json:"id_txn"`
			State            atr.State       `json:"st"`
			StartTimestampMs string          `json:"tst"`
			ExpiresAfterMs   int64           `json:"exp"`
			Inserts          []atr.DocRecord `json:"ins"`
			Replaces         []atr.DocRecord `json:"rep"`
			Removes          []atr.DocRecord `json:"rem"`
			ForwardCompat    map[string]any  `json:"fc"`
		}
		if jerr := json.Unmarshal(r.Value, &raw); jerr != nil {
			return nil, fmt.Errorf("atr attempts block: decode: %w", jerr)
		}
		for attemptID, v := range raw {
			tst, _ := atr.ParseTimestampField(v.StartTimestampMs)
			entries = append(entries, &atr.Entry{
				AttemptID:        attemptID,
				TxnID:            v.TxnID,
				State:            v.State,
				StartTimestampMs: tst,
				ExpiresAfterMs:   v.ExpiresAfterMs,
				Inserts:          v.Inserts,
				Replaces:         v.Replaces,
				Removes:          v.Removes,
				ForwardCompat:    v.ForwardCompat,
			})
		}
	}
	return entries, nil
}
