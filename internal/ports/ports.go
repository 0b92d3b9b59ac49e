// Package ports names the external collaborators the Core depends on
// but does not implement: candle data, indicator math, outbound
// messaging, the command surface, and durable persistence stay
// interfaces here, so composition roots can swap implementations without
// touching the pipeline.
package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avrilquant/regime-core/internal/gatekeeper"
)

// Candle is one OHLCV bar for a symbol/timeframe pair.
type Candle struct {
	Symbol    string
	Timeframe string
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Timestamp time.Time
}

// CandleFetcher supplies recent OHLCV history for a symbol/timeframe
// pair.
type CandleFetcher interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, lookback int) ([]Candle, error)
	HealthCheck(ctx context.Context) error
}

// IndicatorSet is the subset of technical indicators risk-level scoring
// reads (RSI/Bollinger/Stochastic/ADX plus ATR for stop-distance
// validation). The pipeline aggregates these values; it never computes
// them.
type IndicatorSet struct {
	RSI        float64
	BollingerZ float64
	Stochastic float64
	ADX        float64
	ATR        decimal.Decimal
}

// Indicators computes an IndicatorSet from candle history. The pipeline
// only consumes its output via internal/snapshot.AggregateRiskLevel.
type Indicators interface {
	Compute(candles []Candle) (IndicatorSet, error)
}

// MessageSink delivers an outbound alert or report to whatever channel
// the composition root wires in (Telegram, Slack, stdout).
type MessageSink interface {
	Send(ctx context.Context, channel, message string) error
}

// CommandResult is one command surface invocation's answer.
type CommandResult struct {
	OK      bool
	Message string
	Data    map[string]any
}

// CommandHandler answers a named command (should_i_trade, risk_status,
// stats, ...) for the read-only observer API and any chat-based command
// surface layered on top of it.
type CommandHandler interface {
	Handle(ctx context.Context, command string, args map[string]string) (CommandResult, error)
}

// PersistenceStore is the durable-storage boundary: a relational
// trades/decision_trace/system_state_snapshots schema would live behind
// this interface, not inside it. internal/trace.Store satisfies the
// narrower
// gatekeeper.TraceRecorder directly; PersistenceStore is the broader
// contract a SQL-backed adapter would additionally implement for
// snapshot checkpointing.
type PersistenceStore interface {
	SaveSnapshot(ctx context.Context, checkpoint SystemSnapshot) error
	LoadLatestSnapshot(ctx context.Context) (SystemSnapshot, bool, error)
	gatekeeper.TraceRecorder
}

// SystemSnapshot is the periodic checkpoint: open positions, performance
// counters, SystemHealth, and the most recent signals. Ephemeral
// in-memory analysis fields never appear here — this type is the
// persistable projection, not SystemState itself.
type SystemSnapshot struct {
	Timestamp       time.Time
	OpenPositions   map[string]decimal.Decimal
	Counters        map[string]int64
	IsRunning       bool
	SafeMode        bool
	TradingPaused   bool
	RecentSignalIDs []string
}
