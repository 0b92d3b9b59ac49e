// Package config loads the process's typed runtime configuration from a
// single YAML file: FSM timing, RiskCore thresholds, the brain configs,
// the engine's cycle cadence, and the observer/command surfaces. One Root
// struct loaded by os.ReadFile + yaml.Unmarshal, with Load filling
// documented zero-value defaults rather than failing on an incomplete
// file.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine tunes the SignalGenerator cycle loop.
type Engine struct {
	Symbols              []string `yaml:"symbols"`
	Timeframes           []string `yaml:"timeframes"`
	AnchorTimeframe      string   `yaml:"anchor_timeframe"`
	CycleIntervalSeconds int      `yaml:"cycle_interval_seconds"`
	HeartbeatSeconds     int      `yaml:"heartbeat_seconds"`
	CandleLookback       int      `yaml:"candle_lookback"`
	CandleFetchTimeoutS  int      `yaml:"candle_fetch_timeout_seconds"`
	BrainTimeoutSeconds  int      `yaml:"brain_timeout_seconds"`
	CorrelationTimeoutS  int      `yaml:"correlation_timeout_seconds"`
	SignalTimeoutSeconds int      `yaml:"signal_timeout_seconds"`
	SnapshotEveryNCycles int      `yaml:"snapshot_every_n_cycles"`
	BalanceUSD           float64  `yaml:"balance_usd"`
}

func (e Engine) withDefaults() Engine {
	if len(e.Symbols) == 0 {
		e.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	}
	if len(e.Timeframes) == 0 {
		e.Timeframes = []string{"1h", "30m", "15m", "5m"}
	}
	if e.AnchorTimeframe == "" {
		e.AnchorTimeframe = "15m"
	}
	if e.CycleIntervalSeconds == 0 {
		e.CycleIntervalSeconds = 60
	}
	if e.HeartbeatSeconds == 0 {
		e.HeartbeatSeconds = e.CycleIntervalSeconds
	}
	if e.CandleLookback == 0 {
		e.CandleLookback = 100
	}
	if e.CandleFetchTimeoutS == 0 {
		e.CandleFetchTimeoutS = 60
	}
	if e.BrainTimeoutSeconds == 0 {
		e.BrainTimeoutSeconds = 5
	}
	if e.CorrelationTimeoutS == 0 {
		e.CorrelationTimeoutS = 30
	}
	if e.SignalTimeoutSeconds == 0 {
		e.SignalTimeoutSeconds = 120
	}
	if e.SnapshotEveryNCycles == 0 {
		e.SnapshotEveryNCycles = 20
	}
	if e.BalanceUSD == 0 {
		e.BalanceUSD = 100000
	}
	return e
}

// FSMConfig mirrors internal/fsm.Config's fields for YAML loading.
type FSMConfig struct {
	SafeModeTTLSeconds     int     `yaml:"safe_mode_ttl_seconds"`
	MaxConsecutiveDrops    int     `yaml:"max_consecutive_queue_drops"`
	RecoveryCyclesRequired int     `yaml:"recovery_cycles_required"`
	DegradedErrorThreshold int     `yaml:"degraded_error_threshold"`
	SafeModeErrorThreshold int     `yaml:"safe_mode_error_threshold"`
	WatchdogPollSeconds    int     `yaml:"watchdog_poll_seconds"`
	WatchdogStaleFactor    float64 `yaml:"watchdog_stale_factor"`
	ReaperPollSeconds      int     `yaml:"reaper_poll_seconds"`
}

func (f FSMConfig) withDefaults() FSMConfig {
	if f.SafeModeTTLSeconds == 0 {
		f.SafeModeTTLSeconds = 600
	}
	if f.MaxConsecutiveDrops == 0 {
		f.MaxConsecutiveDrops = 5
	}
	if f.RecoveryCyclesRequired == 0 {
		f.RecoveryCyclesRequired = 3
	}
	if f.DegradedErrorThreshold == 0 {
		f.DegradedErrorThreshold = 3
	}
	if f.SafeModeErrorThreshold == 0 {
		f.SafeModeErrorThreshold = 5
	}
	if f.WatchdogPollSeconds == 0 {
		f.WatchdogPollSeconds = 5
	}
	if f.WatchdogStaleFactor == 0 {
		f.WatchdogStaleFactor = 3.0
	}
	if f.ReaperPollSeconds == 0 {
		f.ReaperPollSeconds = 2
	}
	return f
}

// SafeModeTTL, WatchdogPollInterval and ReaperPollInterval convert the
// YAML-friendly int fields to time.Duration for direct use by
// internal/fsm and internal/watchdog.
func (f FSMConfig) SafeModeTTL() time.Duration { return time.Duration(f.SafeModeTTLSeconds) * time.Second }
func (f FSMConfig) WatchdogPollInterval() time.Duration {
	return time.Duration(f.WatchdogPollSeconds) * time.Second
}
func (f FSMConfig) ReaperPollInterval() time.Duration {
	return time.Duration(f.ReaperPollSeconds) * time.Second
}

// RiskThresholds mirrors internal/riskcore.Thresholds for YAML loading.
type RiskThresholds struct {
	MaxCumulativeLossPct    float64 `yaml:"max_cumulative_loss_pct"`
	Max24hLossPct           float64 `yaml:"max_24h_loss_pct"`
	Max7dLossPct            float64 `yaml:"max_7d_loss_pct"`
	MaxSinglePositionPct    float64 `yaml:"max_single_position_pct"`
	MaxAggregateExposurePct float64 `yaml:"max_aggregate_exposure_pct"`
	MaxCorrelatedGroupPct   float64 `yaml:"max_correlated_group_pct"`
	MaxActionsPerHour       int     `yaml:"max_actions_per_hour"`
	MaxActions24h           int     `yaml:"max_actions_24h"`
	LossRetryCooldownMin    int     `yaml:"loss_retry_cooldown_minutes"`
	MinActionCooldownSec    int     `yaml:"min_action_cooldown_seconds"`
	MaxConsecutiveErrors    int     `yaml:"max_consecutive_errors"`
	LimitedSizeFactor       float64 `yaml:"limited_size_factor"`
}

func (r RiskThresholds) withDefaults() RiskThresholds {
	if r.MaxCumulativeLossPct == 0 {
		r.MaxCumulativeLossPct = 20
	}
	if r.Max7dLossPct == 0 {
		r.Max7dLossPct = 10
	}
	if r.Max24hLossPct == 0 {
		r.Max24hLossPct = 5
	}
	if r.MaxSinglePositionPct == 0 {
		r.MaxSinglePositionPct = 10
	}
	if r.MaxAggregateExposurePct == 0 {
		r.MaxAggregateExposurePct = 60
	}
	if r.MaxCorrelatedGroupPct == 0 {
		r.MaxCorrelatedGroupPct = 40
	}
	if r.MaxActionsPerHour == 0 {
		r.MaxActionsPerHour = 6
	}
	if r.MaxActions24h == 0 {
		r.MaxActions24h = 30
	}
	if r.LossRetryCooldownMin == 0 {
		r.LossRetryCooldownMin = 15
	}
	if r.MinActionCooldownSec == 0 {
		r.MinActionCooldownSec = 30
	}
	if r.MaxConsecutiveErrors == 0 {
		r.MaxConsecutiveErrors = 5
	}
	if r.LimitedSizeFactor == 0 {
		r.LimitedSizeFactor = 0.5
	}
	return r
}

// LossRetryCooldown and MinActionCooldown convert the YAML-friendly int
// fields to time.Duration for internal/riskcore.Thresholds.
func (r RiskThresholds) LossRetryCooldown() time.Duration {
	return time.Duration(r.LossRetryCooldownMin) * time.Minute
}
func (r RiskThresholds) MinActionCooldown() time.Duration {
	return time.Duration(r.MinActionCooldownSec) * time.Second
}

// Candles selects and tunes the candle data source. Provider "stub"
// generates synthetic data in-process; "exchange" hits a v5-style kline
// REST endpoint (cmd/stubs serves a compatible one for local runs).
type Candles struct {
	Provider           string `yaml:"provider"` // stub | exchange
	BaseURL            string `yaml:"base_url"`
	Category           string `yaml:"category"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	MaxRetries         int    `yaml:"max_retries"`
	BackoffBaseMs      int    `yaml:"backoff_base_ms"`
	CacheTTLSeconds    int    `yaml:"cache_ttl_seconds"`
	StubSeed           int64  `yaml:"stub_seed"`
}

func (c Candles) withDefaults() Candles {
	if c.Provider == "" {
		c.Provider = "stub"
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://127.0.0.1:8095"
	}
	if c.StubSeed == 0 {
		c.StubSeed = 1
	}
	return c
}

// Portfolio seeds internal/portfolio.Manager.
type Portfolio struct {
	StateFilePath string  `yaml:"state_file_path"`
	CapitalUSD    float64 `yaml:"capital_usd"`
	RiskBudgetUSD float64 `yaml:"risk_budget_usd"`
}

func (p Portfolio) withDefaults() Portfolio {
	if p.StateFilePath == "" {
		p.StateFilePath = "data/portfolio_state.json"
	}
	if p.CapitalUSD == 0 {
		p.CapitalUSD = 100000
	}
	if p.RiskBudgetUSD == 0 {
		p.RiskBudgetUSD = 50000
	}
	return p
}

// Persistence configures where the append-only audit log, the signal
// log, and periodic checkpoints land.
type Persistence struct {
	TraceLogPath      string `yaml:"trace_log_path"`
	SnapshotPath      string `yaml:"snapshot_path"`
	SignalLogPath     string `yaml:"signal_log_path"`
	SignalArchivePath string `yaml:"signal_archive_path"`
}

func (p Persistence) withDefaults() Persistence {
	if p.TraceLogPath == "" {
		p.TraceLogPath = "data/decision_trace.jsonl"
	}
	if p.SnapshotPath == "" {
		p.SnapshotPath = "data/system_state_snapshot.json"
	}
	if p.SignalLogPath == "" {
		p.SignalLogPath = "data/signals.log"
	}
	if p.SignalArchivePath == "" {
		p.SignalArchivePath = "data/signals_archive.jsonl"
	}
	return p
}

// ObserverAPI configures the read-only HTTP reporting surface.
type ObserverAPI struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func (o ObserverAPI) withDefaults() ObserverAPI {
	if o.Addr == "" {
		o.Addr = ":8090"
	}
	return o
}

// CommandSurface configures the inbound, read-only chat command
// handler.
type CommandSurface struct {
	Enabled          bool     `yaml:"enabled"`
	Addr             string   `yaml:"addr"`
	OperatorAddr     string   `yaml:"operator_addr"`
	SigningSecretEnv string   `yaml:"signing_secret_env"`
	AuditLogPath     string   `yaml:"audit_log_path"`
	AllowedUserIDs   []string `yaml:"allowed_user_ids"`
	DefaultChannel   string   `yaml:"default_channel"`
}

func (c CommandSurface) withDefaults() CommandSurface {
	if c.Addr == "" {
		c.Addr = ":8091"
	}
	if c.OperatorAddr == "" {
		c.OperatorAddr = ":8092"
	}
	if c.SigningSecretEnv == "" {
		c.SigningSecretEnv = "COMMAND_SIGNING_SECRET"
	}
	if c.AuditLogPath == "" {
		c.AuditLogPath = "data/operator_audit.jsonl"
	}
	if c.DefaultChannel == "" {
		c.DefaultChannel = "#regime-signals"
	}
	return c
}

// Messaging configures the outbound alert sink's retry/backoff and
// dedupe behavior.
type Messaging struct {
	Enabled             bool   `yaml:"enabled"`
	WebhookURL          string `yaml:"webhook_url"`
	DefaultChannel      string `yaml:"default_channel"`
	RateLimitPerMin     int    `yaml:"rate_limit_per_min"`
	DedupeWindowSeconds int    `yaml:"dedupe_window_seconds"`
	MaxRetries          int    `yaml:"max_retries"`
	BackoffBaseMs       int    `yaml:"backoff_base_ms"`
	BackoffMaxMs        int    `yaml:"backoff_max_ms"`
}

func (m Messaging) withDefaults() Messaging {
	if m.DefaultChannel == "" {
		m.DefaultChannel = "#regime-signals"
	}
	if m.RateLimitPerMin == 0 {
		m.RateLimitPerMin = 10
	}
	if m.DedupeWindowSeconds == 0 {
		m.DedupeWindowSeconds = 90
	}
	if m.MaxRetries == 0 {
		m.MaxRetries = 3
	}
	if m.BackoffBaseMs == 0 {
		m.BackoffBaseMs = 200
	}
	if m.BackoffMaxMs == 0 {
		m.BackoffMaxMs = 5000
	}
	return m
}

// Root is the whole-process configuration tree.
type Root struct {
	TradingMode string         `yaml:"trading_mode"` // paper | live | dry-run
	GlobalPause bool           `yaml:"global_pause"`
	Engine      Engine         `yaml:"engine"`
	Candles     Candles        `yaml:"candles"`
	FSM         FSMConfig      `yaml:"fsm"`
	RiskCore    RiskThresholds `yaml:"risk_core"`
	Portfolio   Portfolio      `yaml:"portfolio"`
	Persistence Persistence    `yaml:"persistence"`
	ObserverAPI ObserverAPI    `yaml:"observer_api"`
	Commands    CommandSurface `yaml:"commands"`
	Messaging   Messaging      `yaml:"messaging"`
}

// Load reads and parses path, filling documented defaults for any
// unset field rather than failing on a partial config file.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	return c.withDefaults(), nil
}

func (c Root) withDefaults() Root {
	if c.TradingMode == "" {
		c.TradingMode = "paper"
	}
	c.Engine = c.Engine.withDefaults()
	c.Candles = c.Candles.withDefaults()
	c.FSM = c.FSM.withDefaults()
	c.RiskCore = c.RiskCore.withDefaults()
	c.Portfolio = c.Portfolio.withDefaults()
	c.Persistence = c.Persistence.withDefaults()
	c.ObserverAPI = c.ObserverAPI.withDefaults()
	c.Commands = c.Commands.withDefaults()
	c.Messaging = c.Messaging.withDefaults()
	return c
}
