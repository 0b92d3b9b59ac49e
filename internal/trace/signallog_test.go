package trace

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrilquant/regime-core/internal/marketstate"
	"github.com/avrilquant/regime-core/internal/snapshot"
)

func newTestSnapshot(t *testing.T, symbol string, at time.Time) *snapshot.Snapshot {
	t.Helper()
	snap, err := snapshot.NewSnapshot(snapshot.Params{
		Timestamp:       at,
		InstrumentID:    symbol,
		AnchorTimeframe: "1h",
		States: marketstate.NewMap(map[string]marketstate.State{
			"1h":  marketstate.A,
			"30m": marketstate.B,
		}),
		ScoreMax:            10,
		Score:               6,
		Confidence:          0.6,
		Entropy:             0.2,
		Entry:               decimal.NewFromInt(100),
		SL:                  decimal.NewFromInt(90),
		TP:                  decimal.NewFromInt(130),
		RecommendedLeverage: decimal.NewFromInt(2),
		Decision:            snapshot.DecisionEnter,
	})
	require.NoError(t, err)
	return snap
}

func TestSignalLogAppendAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	archivePath := dir + "/signals.jsonl"
	textPath := dir + "/signals.log"

	log, err := NewSignalLog(archivePath, textPath)
	require.NoError(t, err)

	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	snap := newTestSnapshot(t, "BTC-PERP", at)

	require.NoError(t, log.Append(context.Background(), snap))

	loaded, err := log.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "BTC-PERP", loaded[0].InstrumentID)
	assert.True(t, loaded[0].Entry.Equal(snap.Entry))

	text, err := os.ReadFile(textPath)
	require.NoError(t, err)
	line := strings.TrimSpace(string(text))
	cols := strings.Split(line, "\t")
	require.Len(t, cols, 10)
	assert.Equal(t, "BTC-PERP", cols[1])
	assert.Equal(t, "A", cols[2])
	assert.Equal(t, "B", cols[3])
	assert.Equal(t, "-", cols[4])
	assert.Equal(t, "-", cols[5])
}

func TestSignalLogLoadEmptyWhenArchivePathBlank(t *testing.T) {
	log, err := NewSignalLog("", "")
	require.NoError(t, err)

	loaded, err := log.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSignalLogLoadMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	log, err := NewSignalLog(dir+"/missing.jsonl", "")
	require.NoError(t, err)

	loaded, err := log.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
