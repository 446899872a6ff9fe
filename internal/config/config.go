// Package config loads and validates the YAML configuration file (spec
// §6). Adapted from the teacher's internal/config/config.go: same
// ExpandEnv-then-strict-decode-then-Normalize-then-Validate pipeline,
// restructured around this spec's entry/exit/risk schema instead of the
// strangle's DTE/delta/IVR schema.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultInitialCapital     = 100000.0
	defaultLotSize            = 75
	defaultStrikesAboveSpot   = 5
	defaultStrikesBelowSpot   = 5
	defaultInitialStopLossPct = 0.25
	defaultProfitThreshold    = 1.10
	defaultTrailingStopPct    = 0.10
	defaultVWAPStopPct        = 0.05
	defaultOIIncreaseStopPct  = 0.10
	defaultMaxPositions       = 1
	defaultMaxTradesPerDay    = 1
	defaultStrategyLoopMin    = 5
	defaultLTPCheckMin        = 1
)

// PositionSizingConfig controls capital allocation (spec §6
// position_sizing).
type PositionSizingConfig struct {
	InitialCapital float64 `yaml:"initial_capital"`
}

// MarketConfig holds the fallback option lot size.
type MarketConfig struct {
	OptionLotSize int `yaml:"option_lot_size"`
}

// EntryConfig holds the entry window and strike scan width (spec §6
// entry). Only the strike widths reach the strategy; the entry window it
// applies is the fixed one in internal/clock, not StartTime/EndTime.
type EntryConfig struct {
	StartTime        string `yaml:"start_time"`
	EndTime          string `yaml:"end_time"`
	StrikesAboveSpot int    `yaml:"strikes_above_spot"`
	StrikesBelowSpot int    `yaml:"strikes_below_spot"`
}

// ExitConfig names the EOD window and stop-loss percentages (spec §6
// exit).
type ExitConfig struct {
	ExitStartTime       string  `yaml:"exit_start_time"`
	ExitEndTime         string  `yaml:"exit_end_time"`
	InitialStopLossPct  float64 `yaml:"initial_stop_loss_pct"`
	ProfitThreshold     float64 `yaml:"profit_threshold"`
	TrailingStopPct     float64 `yaml:"trailing_stop_pct"`
	VWAPStopPct         float64 `yaml:"vwap_stop_pct"`
	OIIncreaseStopPct   float64 `yaml:"oi_increase_stop_pct"`
}

// RiskManagementConfig caps concurrent positions and trades per day (spec
// §6 risk_management; max_positions is accepted but inert, see the
// strategy package's single-trade gate).
type RiskManagementConfig struct {
	MaxPositions    int `yaml:"max_positions"`
	MaxTradesPerDay int `yaml:"max_trades_per_day"`
}

// MonitoringConfig holds the two loop cadences (spec §6 monitoring). The
// values are parsed and validated but not passed to the runner, which uses
// its own defaults.
type MonitoringConfig struct {
	StrategyLoopIntervalMin int `yaml:"strategy_loop_interval_min"`
	LTPCheckIntervalMin     int `yaml:"ltp_check_interval_min"`
}

// BrokerMode selects paper or live execution.
type BrokerMode string

const (
	BrokerModePaper BrokerMode = "paper"
	BrokerModeLive  BrokerMode = "live"
)

// ExitPriceMode selects strict-limit-style or market-order-style exit
// pricing (spec §6).
type ExitPriceMode string

const (
	ExitPriceModeStrict ExitPriceMode = "strict"
	ExitPriceModeMarket ExitPriceMode = "market"
)

// BrokerConfig selects execution mode and pricing policy.
type BrokerConfig struct {
	Mode          BrokerMode    `yaml:"mode"`
	ExitPriceMode ExitPriceMode `yaml:"exit_price_mode"`
}

// StorageConfig names where state and logs are written.
type StorageConfig struct {
	StateDir string `yaml:"state_dir"`
	LogDir   string `yaml:"log_dir"`
}

// StatusAPIConfig configures the optional HTTP status surface.
type StatusAPIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      string `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// CacheConfig names the contract-cache file path (spec §4.2, §6).
type CacheConfig struct {
	Path string `yaml:"path"`
}

// Config is the complete configuration tree loaded from YAML (spec §6).
type Config struct {
	PositionSizing  PositionSizingConfig  `yaml:"position_sizing"`
	Market          MarketConfig          `yaml:"market"`
	Entry           EntryConfig           `yaml:"entry"`
	Exit            ExitConfig            `yaml:"exit"`
	RiskManagement  RiskManagementConfig  `yaml:"risk_management"`
	Monitoring      MonitoringConfig      `yaml:"monitoring"`
	Broker          BrokerConfig          `yaml:"broker"`
	Storage         StorageConfig         `yaml:"storage"`
	StatusAPI       StatusAPIConfig       `yaml:"status_api"`
	Cache           CacheConfig           `yaml:"cache"`
}

// Load reads path, expands ${ENV_VAR} references, strictly decodes
// (unknown keys are an error), normalizes defaults, and validates.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Normalize fills in spec §6's documented defaults for any field left at
// its zero value.
func (c *Config) Normalize() {
	if c.PositionSizing.InitialCapital == 0 {
		c.PositionSizing.InitialCapital = defaultInitialCapital
	}
	if c.Market.OptionLotSize == 0 {
		c.Market.OptionLotSize = defaultLotSize
	}
	if c.Entry.StartTime == "" {
		c.Entry.StartTime = "09:30"
	}
	if c.Entry.EndTime == "" {
		c.Entry.EndTime = "14:30"
	}
	if c.Entry.StrikesAboveSpot == 0 {
		c.Entry.StrikesAboveSpot = defaultStrikesAboveSpot
	}
	if c.Entry.StrikesBelowSpot == 0 {
		c.Entry.StrikesBelowSpot = defaultStrikesBelowSpot
	}
	if c.Exit.ExitStartTime == "" {
		c.Exit.ExitStartTime = "14:50"
	}
	if c.Exit.ExitEndTime == "" {
		c.Exit.ExitEndTime = "15:00"
	}
	if c.Exit.InitialStopLossPct == 0 {
		c.Exit.InitialStopLossPct = defaultInitialStopLossPct
	}
	if c.Exit.ProfitThreshold == 0 {
		c.Exit.ProfitThreshold = defaultProfitThreshold
	}
	if c.Exit.TrailingStopPct == 0 {
		c.Exit.TrailingStopPct = defaultTrailingStopPct
	}
	if c.Exit.VWAPStopPct == 0 {
		c.Exit.VWAPStopPct = defaultVWAPStopPct
	}
	if c.Exit.OIIncreaseStopPct == 0 {
		c.Exit.OIIncreaseStopPct = defaultOIIncreaseStopPct
	}
	if c.RiskManagement.MaxPositions == 0 {
		c.RiskManagement.MaxPositions = defaultMaxPositions
	}
	if c.RiskManagement.MaxTradesPerDay == 0 {
		c.RiskManagement.MaxTradesPerDay = defaultMaxTradesPerDay
	}
	if c.Monitoring.StrategyLoopIntervalMin == 0 {
		c.Monitoring.StrategyLoopIntervalMin = defaultStrategyLoopMin
	}
	if c.Monitoring.LTPCheckIntervalMin == 0 {
		c.Monitoring.LTPCheckIntervalMin = defaultLTPCheckMin
	}
	if c.Broker.Mode == "" {
		c.Broker.Mode = BrokerModePaper
	}
	if c.Broker.ExitPriceMode == "" {
		c.Broker.ExitPriceMode = ExitPriceModeStrict
	}
	if c.Storage.StateDir == "" {
		c.Storage.StateDir = "state"
	}
	if c.Storage.LogDir == "" {
		c.Storage.LogDir = "logs"
	}
}

// Validate rejects configurations that would leave the engine in an
// undefined state (spec §7: fatal startup error, no partial start).
func (c *Config) Validate() error {
	if c.PositionSizing.InitialCapital <= 0 {
		return fmt.Errorf("position_sizing.initial_capital must be positive")
	}
	if _, err := time.Parse("15:04", c.Entry.StartTime); err != nil {
		return fmt.Errorf("entry.start_time: %w", err)
	}
	if _, err := time.Parse("15:04", c.Entry.EndTime); err != nil {
		return fmt.Errorf("entry.end_time: %w", err)
	}
	if c.Exit.InitialStopLossPct <= 0 || c.Exit.InitialStopLossPct >= 1 {
		return fmt.Errorf("exit.initial_stop_loss_pct must be in (0, 1)")
	}
	if c.Exit.ProfitThreshold <= 1 {
		return fmt.Errorf("exit.profit_threshold must be > 1")
	}
	if c.Broker.Mode != BrokerModePaper && c.Broker.Mode != BrokerModeLive {
		return fmt.Errorf("broker.mode must be paper or live, got %q", c.Broker.Mode)
	}
	if c.Broker.ExitPriceMode != ExitPriceModeStrict && c.Broker.ExitPriceMode != ExitPriceModeMarket {
		return fmt.Errorf("broker.exit_price_mode must be strict or market, got %q", c.Broker.ExitPriceMode)
	}
	if c.Monitoring.StrategyLoopIntervalMin <= 0 || c.Monitoring.LTPCheckIntervalMin <= 0 {
		return fmt.Errorf("monitoring intervals must be positive")
	}
	return nil
}

// IsPaperTrading reports whether the broker mode is paper.
func (c *Config) IsPaperTrading() bool {
	return c.Broker.Mode == BrokerModePaper
}
