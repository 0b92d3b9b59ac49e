package ports

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// StubCandleFetcher generates deterministic synthetic candles for tests
// and local development: a per-symbol base price and volatility drive a
// seeded random walk instead of hitting a live provider.
type StubCandleFetcher struct {
	rng    *rand.Rand
	bases  map[string]float64
	volPct map[string]float64
}

// NewStubCandleFetcher builds a fetcher seeded for reproducible tests.
func NewStubCandleFetcher(seed int64) *StubCandleFetcher {
	return &StubCandleFetcher{
		rng: rand.New(rand.NewSource(seed)),
		bases: map[string]float64{
			"BTCUSDT": 60000,
			"ETHUSDT": 3000,
		},
		volPct: map[string]float64{
			"BTCUSDT": 0.015,
			"ETHUSDT": 0.02,
		},
	}
}

func (f *StubCandleFetcher) FetchCandles(ctx context.Context, symbol, timeframe string, lookback int) ([]Candle, error) {
	base, ok := f.bases[symbol]
	if !ok {
		base, f.bases[symbol] = 100.0, 100.0
		f.volPct[symbol] = 0.02
	}
	vol := f.volPct[symbol]

	candles := make([]Candle, 0, lookback)
	price := base
	now := time.Now().UTC()
	for i := lookback - 1; i >= 0; i-- {
		change := (f.rng.Float64()*2 - 1) * vol
		open := price
		close := open * (1 + change)
		high := math.Max(open, close) * (1 + f.rng.Float64()*vol*0.3)
		low := math.Min(open, close) * (1 - f.rng.Float64()*vol*0.3)
		candles = append(candles, Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Open:      decimal.NewFromFloat(open),
			High:      decimal.NewFromFloat(high),
			Low:       decimal.NewFromFloat(low),
			Close:     decimal.NewFromFloat(close),
			Volume:    decimal.NewFromFloat(1000 + f.rng.Float64()*9000),
			Timestamp: now.Add(-time.Duration(i) * time.Minute),
		})
		price = close
	}
	return candles, nil
}

func (f *StubCandleFetcher) HealthCheck(ctx context.Context) error { return nil }

// StubMessageSink records every sent message instead of delivering it
// anywhere, for tests that assert on alert content.
type StubMessageSink struct {
	Sent []StubMessage
}

// StubMessage is one recorded send.
type StubMessage struct {
	Channel string
	Message string
}

func (s *StubMessageSink) Send(ctx context.Context, channel, message string) error {
	s.Sent = append(s.Sent, StubMessage{Channel: channel, Message: message})
	return nil
}
