// Package portfolio tracks positions and aggregated exposure for the
// paper-trading ledger, persisted as a single JSON state file written
// atomically (temp file + rename) under one mutex-guarded Manager.
package portfolio

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avrilquant/regime-core/internal/marketstate"
	"github.com/avrilquant/regime-core/internal/snapshot"
)

// Position is a single symbol's open exposure: size is always
// non-negative, direction carries the sign. Entry-time conviction
// (MarketState, confidence, entropy) is carried so PortfolioBrain can
// weigh the book's composition later.
type Position struct {
	Symbol            string             `json:"symbol"`
	Direction         snapshot.Direction `json:"direction"`
	Size              decimal.Decimal    `json:"size"`
	EntryPrice        decimal.Decimal    `json:"entry_price"`
	EntryVWAP         decimal.Decimal    `json:"entry_vwap"`
	CurrentNotional   decimal.Decimal    `json:"current_notional"`
	UnrealizedPnL     decimal.Decimal    `json:"unrealized_pnl"`
	StateAtEntry      marketstate.State  `json:"state_at_entry"`
	ConfidenceAtEntry float64            `json:"confidence_at_entry"`
	EntropyAtEntry    float64            `json:"entropy_at_entry"`
	LastTradeAt       time.Time          `json:"last_trade_at"`
	TradeCountToday   int                `json:"trade_count_today"`
	RealizedPnLToday  decimal.Decimal    `json:"realized_pnl_today"`
}

// Aggregate is the portfolio-wide rollup: total/long/short/net exposure,
// risk budget, used risk, exposure by state, by symbol.
type Aggregate struct {
	TotalExposure    decimal.Decimal            `json:"total_exposure"`
	LongExposure     decimal.Decimal            `json:"long_exposure"`
	ShortExposure    decimal.Decimal            `json:"short_exposure"`
	NetExposure      decimal.Decimal            `json:"net_exposure"`
	RiskBudget       decimal.Decimal            `json:"risk_budget"`
	UsedRisk         decimal.Decimal            `json:"used_risk"`
	ExposureByState  map[string]decimal.Decimal `json:"exposure_by_state"`
	ExposureBySymbol map[string]decimal.Decimal `json:"exposure_by_symbol"`
}

// DailyStats tracks daily portfolio statistics.
type DailyStats struct {
	Date             string          `json:"date"`
	TradesToday      int             `json:"trades_today"`
	PnLToday         decimal.Decimal `json:"pnl_today"`
	NewExposureToday decimal.Decimal `json:"new_exposure_today"`
}

// State is the complete persisted portfolio state.
type State struct {
	Version     int64               `json:"version"`
	UpdatedAt   time.Time           `json:"updated_at"`
	Positions   map[string]Position `json:"positions"`
	DailyStats  DailyStats          `json:"daily_stats"`
	CapitalBase decimal.Decimal     `json:"capital_base"`
	RiskBudget  decimal.Decimal     `json:"risk_budget"`
}

// Manager owns portfolio state persistence and aggregation, one mutex
// guarding the whole State.
type Manager struct {
	mu       sync.RWMutex
	filePath string
	state    State
}

// NewManager builds a Manager backed by filePath, seeded with capitalBase
// and riskBudget.
func NewManager(filePath string, capitalBase, riskBudget decimal.Decimal) *Manager {
	return &Manager{
		filePath: filePath,
		state: State{
			Positions:   make(map[string]Position),
			CapitalBase: capitalBase,
			RiskBudget:  riskBudget,
			DailyStats:  DailyStats{Date: time.Now().UTC().Format("2006-01-02")},
		},
	}
}

// Load reads portfolio state from disk, seeding a fresh default state (and
// persisting it) if the file does not yet exist.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.state.UpdatedAt = time.Now().UTC()
			return m.saveLocked()
		}
		return fmt.Errorf("read portfolio state: %w", err)
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		return fmt.Errorf("unmarshal portfolio state: %w", err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	if m.state.DailyStats.Date != today {
		m.resetDailyStatsLocked(today)
	}
	return nil
}

// Save atomically persists the current state (temp file + rename).
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	m.state.Version++
	m.state.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal portfolio state: %w", err)
	}

	tmp := m.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp portfolio state: %w", err)
	}
	if err := os.Rename(tmp, m.filePath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename portfolio state: %w", err)
	}
	return nil
}

// GetPosition returns the current position for a symbol.
func (m *Manager) GetPosition(symbol string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.state.Positions[symbol]
	return pos, ok
}

// GetAllPositions returns a copy of every open position.
func (m *Manager) GetAllPositions() map[string]Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Position, len(m.state.Positions))
	for symbol, pos := range m.state.Positions {
		out[symbol] = pos
	}
	return out
}

// OpenOrAdd records a new or additive fill for symbol. size must be
// non-negative (direction carries the sign); the invariant is enforced
// here rather than trusted from the caller.
func (m *Manager) OpenOrAdd(symbol string, dir snapshot.Direction, size, price decimal.Decimal, at time.Time, stateAtEntry marketstate.State, confidence, entropy float64) error {
	if size.IsNegative() {
		return fmt.Errorf("position size must be non-negative, got %s", size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	today := at.UTC().Format("2006-01-02")
	if m.state.DailyStats.Date != today {
		m.resetDailyStatsLocked(today)
	}

	pos, exists := m.state.Positions[symbol]
	if !exists || pos.Size.IsZero() {
		pos = Position{
			Symbol:            symbol,
			Direction:         dir,
			Size:              size,
			EntryPrice:        price,
			EntryVWAP:         price,
			CurrentNotional:   size.Mul(price),
			StateAtEntry:      stateAtEntry,
			ConfidenceAtEntry: confidence,
			EntropyAtEntry:    entropy,
			RealizedPnLToday:  decimal.Zero,
		}
	} else if pos.Direction == dir {
		totalCost := pos.EntryPrice.Mul(pos.Size).Add(price.Mul(size))
		totalSize := pos.Size.Add(size)
		pos.EntryVWAP = totalCost.Div(totalSize)
		pos.Size = totalSize
		pos.EntryPrice = totalCost.Div(totalSize)
		pos.CurrentNotional = pos.Size.Mul(pos.EntryPrice)
	} else {
		return fmt.Errorf("direction change for %s requires Reduce/Close, not OpenOrAdd", symbol)
	}

	pos.LastTradeAt = at
	pos.TradeCountToday++
	m.state.Positions[symbol] = pos
	m.state.DailyStats.TradesToday++
	return m.saveLocked()
}

// Reduce closes all or part of an existing position at price, realizing
// P&L on the closed portion.
func (m *Manager) Reduce(symbol string, size, price decimal.Decimal, at time.Time) error {
	if size.IsNegative() || size.IsZero() {
		return fmt.Errorf("reduce size must be positive, got %s", size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pos, exists := m.state.Positions[symbol]
	if !exists || pos.Size.IsZero() {
		return fmt.Errorf("no open position for %s", symbol)
	}
	if size.GreaterThan(pos.Size) {
		size = pos.Size
	}

	sign := decimal.NewFromInt(1)
	if pos.Direction == snapshot.DirectionShort {
		sign = decimal.NewFromInt(-1)
	}
	realized := size.Mul(price.Sub(pos.EntryPrice)).Mul(sign)
	pos.RealizedPnLToday = pos.RealizedPnLToday.Add(realized)
	m.state.DailyStats.PnLToday = m.state.DailyStats.PnLToday.Add(realized)

	pos.Size = pos.Size.Sub(size)
	pos.CurrentNotional = pos.Size.Mul(pos.EntryPrice)
	pos.LastTradeAt = at
	pos.TradeCountToday++

	if pos.Size.IsZero() {
		delete(m.state.Positions, symbol)
	} else {
		m.state.Positions[symbol] = pos
	}
	m.state.DailyStats.TradesToday++
	return m.saveLocked()
}

// UpdateUnrealizedPnL recomputes unrealized P&L/notional for symbol against
// currentPrice.
func (m *Manager) UpdateUnrealizedPnL(symbol string, currentPrice decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, exists := m.state.Positions[symbol]
	if !exists || pos.Size.IsZero() {
		return nil
	}

	sign := decimal.NewFromInt(1)
	if pos.Direction == snapshot.DirectionShort {
		sign = decimal.NewFromInt(-1)
	}
	pos.UnrealizedPnL = pos.Size.Mul(currentPrice.Sub(pos.EntryPrice)).Mul(sign)
	pos.CurrentNotional = pos.Size.Mul(currentPrice)
	m.state.Positions[symbol] = pos
	return m.saveLocked()
}

// CanTrade reports whether symbol is past its minimum cooldown since the
// last trade.
func (m *Manager) CanTrade(symbol string, cooldown time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, exists := m.state.Positions[symbol]
	if !exists || pos.LastTradeAt.IsZero() {
		return true
	}
	return time.Since(pos.LastTradeAt) >= cooldown
}

// CapitalBase returns the seed capital the manager was constructed with.
func (m *Manager) CapitalBase() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.CapitalBase
}

// DailyPnL returns today's realized P&L, reset at UTC midnight.
func (m *Manager) DailyPnL() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.DailyStats.PnLToday
}

// GetNAV returns capital base + today's realized P&L + every open
// position's unrealized P&L.
func (m *Manager) GetNAV() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nav := m.state.CapitalBase.Add(m.state.DailyStats.PnLToday)
	for _, pos := range m.state.Positions {
		nav = nav.Add(pos.UnrealizedPnL)
	}
	return nav
}

// Aggregate computes the portfolio-wide rollup.
func (m *Manager) Aggregate() Aggregate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := Aggregate{
		TotalExposure:    decimal.Zero,
		LongExposure:     decimal.Zero,
		ShortExposure:    decimal.Zero,
		RiskBudget:       m.state.RiskBudget,
		ExposureByState:  map[string]decimal.Decimal{},
		ExposureBySymbol: map[string]decimal.Decimal{},
	}
	for symbol, pos := range m.state.Positions {
		notional := pos.CurrentNotional.Abs()
		agg.TotalExposure = agg.TotalExposure.Add(notional)
		agg.ExposureBySymbol[symbol] = notional
		agg.ExposureByState[pos.StateAtEntry.String()] = agg.ExposureByState[pos.StateAtEntry.String()].Add(notional)
		if pos.Direction == snapshot.DirectionLong {
			agg.LongExposure = agg.LongExposure.Add(notional)
		} else if pos.Direction == snapshot.DirectionShort {
			agg.ShortExposure = agg.ShortExposure.Add(notional)
		}
	}
	agg.NetExposure = agg.LongExposure.Sub(agg.ShortExposure)
	agg.UsedRisk = agg.TotalExposure
	return agg
}

// GetEntryVWAP returns the entry VWAP for a symbol, used by stop-loss
// calculations.
func (m *Manager) GetEntryVWAP(symbol string) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, exists := m.state.Positions[symbol]
	if !exists || pos.Size.IsZero() {
		return decimal.Zero, false
	}
	return pos.EntryVWAP, true
}

func (m *Manager) resetDailyStatsLocked(date string) {
	for symbol, pos := range m.state.Positions {
		pos.TradeCountToday = 0
		pos.RealizedPnLToday = decimal.Zero
		m.state.Positions[symbol] = pos
	}
	m.state.DailyStats = DailyStats{Date: date, PnLToday: decimal.Zero, NewExposureToday: decimal.Zero}
}
