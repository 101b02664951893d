package fc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequirementCheckProtocolVersion(t *testing.T) {
	major := uint32(3)
	req := Requirement{Behavior: BehaviorFull{Behavior: BehaviorFailFastTxn}, MinProtocolMajor: &major}

	got := req.Check(DefaultSupported)
	assert.Equal(t, BehaviorFailFastTxn, got.Behavior, "this client's major version is below the requirement")

	req.MinProtocolMajor = nil
	minor := uint32(0)
	req.MinProtocolMinor = &minor
	got = req.Check(Supported{ProtocolMajor: DefaultSupported.ProtocolMajor, ProtocolMinor: 5})
	assert.Equal(t, BehaviorContinue, got.Behavior)
}

func TestRequirementCheckExtension(t *testing.T) {
	req := Requirement{Behavior: BehaviorFull{Behavior: BehaviorRetryTxn}, Extension: "UNKNOWN_EXT"}
	got := req.Check(DefaultSupported)
	assert.Equal(t, BehaviorRetryTxn, got.Behavior)

	req.Extension = "TI"
	got = req.Check(DefaultSupported)
	assert.Equal(t, BehaviorContinue, got.Behavior)
}

func TestBlockCheckPicksMostRestrictive(t *testing.T) {
	block := Block{
		StageGetsReadingATR: {
			{Behavior: BehaviorFull{Behavior: BehaviorRetryTxn}, Extension: "MISSING_A"},
			{Behavior: BehaviorFull{Behavior: BehaviorFailFastTxn}, Extension: "MISSING_B"},
			{Behavior: BehaviorFull{Behavior: BehaviorContinue}},
		},
	}
	got := block.Check(StageGetsReadingATR, DefaultSupported)
	assert.Equal(t, BehaviorFailFastTxn, got.Behavior)
}

func TestBlockCheckEmptyContinues(t *testing.T) {
	var block Block
	got := block.Check(StageGets, DefaultSupported)
	assert.Equal(t, BehaviorContinue, got.Behavior)
}

func TestParseBlockRoundTrip(t *testing.T) {
	raw := map[string]any{
		string(StageWriteWriteReplacing): []map[string]any{
			{"b": "RETRY_TXN", "ra": 100, "pma": 99},
		},
	}
	j, err := json.Marshal(raw)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(j, &decoded))

	block, err := ParseBlock(decoded)
	require.NoError(t, err)
	require.Contains(t, block, StageWriteWriteReplacing)
	req := block[StageWriteWriteReplacing][0]
	assert.Equal(t, BehaviorRetryTxn, req.Behavior.Behavior)
	require.NotNil(t, req.MinProtocolMajor)
	assert.Equal(t, uint32(99), *req.MinProtocolMajor)

	got := block.Check(StageWriteWriteReplacing, DefaultSupported)
	assert.Equal(t, BehaviorRetryTxn, got.Behavior, "this client's major version (2) is below the required 99")
}

func TestParseBlockEmpty(t *testing.T) {
	block, err := ParseBlock(nil)
	require.NoError(t, err)
	assert.Nil(t, block)
}
