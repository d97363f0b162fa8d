package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnixTimeValueScan(t *testing.T) {
	now := At(time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC))

	v, err := now.Value()
	require.NoError(t, err)
	secs, ok := v.(int64)
	require.True(t, ok, "stored value must be epoch seconds")

	var back UnixTime
	require.NoError(t, back.Scan(secs))
	assert.True(t, back.Equal(now.Time))
}

func TestUnixTimeScanNil(t *testing.T) {
	var ts UnixTime
	require.NoError(t, ts.Scan(nil))
	assert.True(t, ts.IsZero())
}

func TestProcessingMetaRoundTrip(t *testing.T) {
	rule := "rule-42"
	meta := ProcessingMeta{
		Version:    1,
		InternalID: "7b1c2e0a",
		SrcRSE:     "SRC",
		DestRSE:    "DST",
		LifeTime:   3600,
		RuleID:     &rule,
	}

	v, err := meta.Value()
	require.NoError(t, err)

	var back ProcessingMeta
	require.NoError(t, back.Scan(v))
	assert.Equal(t, meta, back)
}

func TestProcessingMetaNilRuleID(t *testing.T) {
	meta := ProcessingMeta{Version: 1, InternalID: "x"}

	v, err := meta.Value()
	require.NoError(t, err)

	var back ProcessingMeta
	require.NoError(t, back.Scan(v))
	assert.Nil(t, back.RuleID)
}

func TestJSONMapScanBytes(t *testing.T) {
	var m JSONMap
	require.NoError(t, m.Scan([]byte(`{"k":"v"}`)))
	assert.Equal(t, "v", m["k"])
}
