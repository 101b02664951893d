package atr

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMacroTimestampMs(t *testing.T) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1_700_000_000_123_456_789)
	hexStr := hex.EncodeToString(b[:])

	ms, err := ParseMacroTimestampMs(hexStr)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_123), ms)
}

func TestParseMacroTimestampMsInvalid(t *testing.T) {
	_, err := ParseMacroTimestampMs("not-hex")
	assert.Error(t, err)
}

func TestParseTimestampField(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		ms, err := ParseTimestampField("")
		require.NoError(t, err)
		assert.Zero(t, ms)
	})

	t.Run("plain decimal", func(t *testing.T) {
		ms, err := ParseTimestampField("1700000000123")
		require.NoError(t, err)
		assert.Equal(t, int64(1700000000123), ms)
	})

	t.Run("macro hex", func(t *testing.T) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], 5_000_000_000)
		ms, err := ParseTimestampField(hex.EncodeToString(b[:]))
		require.NoError(t, err)
		assert.Equal(t, int64(5), ms)
	})
}

func TestEntryIsExpired(t *testing.T) {
	e := &Entry{StartTimestampMs: 1000, ExpiresAfterMs: 15000}

	assert.False(t, e.IsExpired(1000+15000+SafetyMarginMs-1))
	assert.True(t, e.IsExpired(1000+15000+SafetyMarginMs+1))
}

func TestEntryFinalized(t *testing.T) {
	assert.True(t, (&Entry{State: StateCompleted}).Finalized())
	assert.True(t, (&Entry{State: StateRolledBack}).Finalized())
	assert.False(t, (&Entry{State: StatePending}).Finalized())
}

func TestDocRecordEqual(t *testing.T) {
	a := DocRecord{Bucket: "b", Scope: "s", Collection: "c", ID: "k"}
	b := a
	assert.True(t, a.Equal(b))

	b.ID = "other"
	assert.False(t, a.Equal(b))
}

func TestATRIDForKeyDeterministicAndBounded(t *testing.T) {
	id1 := ATRIDForKey("_txn:atr", "doc-1")
	id2 := ATRIDForKey("_txn:atr", "doc-1")
	assert.Equal(t, id1, id2, "same key must always map to the same ATR")

	seen := map[string]bool{}
	for i := 0; i < 5000; i++ {
		id := ATRIDForKey("_txn:atr", string(rune(i)))
		seen[id] = true
	}
	assert.LessOrEqual(t, len(seen), PartitionCount)
}

func TestATRIDForPartitionWraps(t *testing.T) {
	assert.Equal(t, ATRIDForPartition("_txn:atr", 0), ATRIDForPartition("_txn:atr", PartitionCount))
}
