// Package strategy implements the daily analysis state machine, the
// 5-minute entry evaluator, and the 1-minute exit evaluator with its four
// ordered stop rules (spec §4.5). All evaluation here is pure CPU work:
// callers (the runner) perform every blocking fetch and pass the results
// in, so evaluation never suspends (spec §5).
package strategy

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/niftystrike/internal/analyzer"
	"github.com/eddiefleurent/niftystrike/internal/clock"
	"github.com/eddiefleurent/niftystrike/internal/models"
	"github.com/eddiefleurent/niftystrike/internal/paperbroker"
)

// staleLTPAfter is the maximum age of an LTP quote the exit evaluator
// will act on (spec §4.5, §8 "stale-data safety").
const staleLTPAfter = 2 * time.Minute

// Phase is the day's position in the Idle -> Analyzed -> Holding ->
// PostTrade state machine (spec §4.5). It is derived from DailyState
// rather than stored separately, so it can never drift from the fields
// that actually gate behavior.
type Phase string

const (
	PhaseIdle      Phase = "Idle"
	PhaseAnalyzed  Phase = "Analyzed"
	PhaseHolding   Phase = "Holding"
	PhasePostTrade Phase = "PostTrade"
)

// CurrentPhase derives the day's phase from its state.
func CurrentPhase(d *models.DailyState) Phase {
	switch {
	case d.ActivePosition != nil:
		return PhaseHolding
	case d.TradeTaken:
		return PhasePostTrade
	case d.Direction != models.DirectionNone && d.Expiry != "":
		return PhaseAnalyzed
	default:
		return PhaseIdle
	}
}

// OutcomeKind tags the result of an evaluation instead of using errors
// for control flow (spec §9).
type OutcomeKind string

const (
	OutcomeSignal         OutcomeKind = "signal"
	OutcomeNoSignal       OutcomeKind = "no_signal"
	OutcomeTransientError OutcomeKind = "transient_error"
	OutcomeFatalError     OutcomeKind = "fatal_error"
)

// Outcome is returned by every evaluator entry point.
type Outcome struct {
	Kind   OutcomeKind
	Detail string
	Err    error
}

func signal(detail string) Outcome   { return Outcome{Kind: OutcomeSignal, Detail: detail} }
func noSignal(detail string) Outcome { return Outcome{Kind: OutcomeNoSignal, Detail: detail} }
func transient(detail string, err error) Outcome {
	return Outcome{Kind: OutcomeTransientError, Detail: detail, Err: err}
}

// ExitPriceMode selects how the exit price is computed once a stop fires
// (spec §4.5: "pricing policy not control-flow change, keep at edge").
type ExitPriceMode string

const (
	ExitPriceStrict ExitPriceMode = "strict"
	ExitPriceMarket ExitPriceMode = "market"
)

// Config holds the strategy's tunable thresholds (spec §6).
type Config struct {
	Symbol              string
	StrikesAboveSpot    int
	StrikesBelowSpot    int
	InitialStopLossPct  float64 // 0.25
	ProfitThreshold     float64 // 1.10 (LTP >= entry * this activates trailing)
	TrailingStopPct     float64 // 0.10
	VWAPStopPct         float64 // 0.05
	OIIncreaseStopPct   float64 // 0.10
	LotSize             int
	MaxTradesPerDay     int // authoritative gate is tradeTaken; this knob is inert (spec open question #2)
	ExitPriceMode       ExitPriceMode
}

// DefaultConfig mirrors the values spec §6 lists as defaults.
func DefaultConfig() Config {
	return Config{
		StrikesAboveSpot:   5,
		StrikesBelowSpot:   5,
		InitialStopLossPct: 0.25,
		ProfitThreshold:    1.10,
		TrailingStopPct:    0.10,
		VWAPStopPct:        0.05,
		OIIncreaseStopPct:  0.10,
		LotSize:            75,
		MaxTradesPerDay:    1,
		ExitPriceMode:      ExitPriceStrict,
	}
}

// Engine is the strategy's owned state: the analyzer it drives and the
// paper broker it submits orders to. No back-pointers, no subclassing
// (spec §9) — a plain record with methods.
type Engine struct {
	Analyzer *analyzer.Analyzer
	Broker   *paperbroker.Broker
	Config   Config
	Logger   *logrus.Logger
}

// New constructs an Engine.
func New(a *analyzer.Analyzer, b *paperbroker.Broker, cfg Config, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{Analyzer: a, Broker: b, Config: cfg, Logger: logger}
}

// RunDailyAnalysis performs the Idle -> Analyzed transition (spec §4.5).
// The caller has already loaded the day's options-chain bars into the
// analyzer's working data and resolved expiry and spot; on failure the
// day stays Idle and the runner retries on the next tick.
func (e *Engine) RunDailyAnalysis(d *models.DailyState, now time.Time, spot float64, expiry string, candidateStrikes []int) Outcome {
	if expiry == "" {
		return transient("daily analysis: no expiry resolved", nil)
	}
	if spot <= 0 {
		return transient("daily analysis: no spot price", nil)
	}

	callStrike, putStrike, callDist, putDist, ok := e.Analyzer.MaxOIBuildup(now, spot, expiry)
	if !ok {
		return transient("daily analysis: no OI data for either side", nil)
	}

	direction := analyzer.DetermineDirection(callDist, putDist)

	strike, ok := analyzer.NearestStrike(spot, direction, candidateStrikes)
	if !ok {
		return transient("daily analysis: no candidate strike satisfies direction", nil)
	}

	d.Direction = direction
	d.CurrentStrike = strike
	d.Expiry = expiry
	d.TradeTaken = false
	d.ActivePosition = nil
	analyzer.ResetVWAPAccumulators(d)

	e.Logger.WithFields(logrus.Fields{
		"direction":      direction,
		"strike":         strike,
		"expiry":         expiry,
		"call_strike":    callStrike,
		"put_strike":     putStrike,
		"call_distance":  callDist,
		"put_distance":   putDist,
	}).Info("strategy: daily analysis complete")

	return signal("daily analysis complete")
}

// RefreshStrike updates currentStrike from the latest spot while no
// position is open and no trade has been taken (spec §4.5 entry step 2,
// §3 invariant "currentStrike changes only when activePosition==nil &&
// !tradeTaken").
func (e *Engine) RefreshStrike(d *models.DailyState, spot float64, candidateStrikes []int) {
	if !d.CanChangeStrike() {
		return
	}
	if strike, ok := analyzer.NearestStrike(spot, d.Direction, candidateStrikes); ok {
		d.CurrentStrike = strike
	}
}

// EvaluateEntry runs one 5-minute entry tick (spec §4.5 Analyzed phase).
// bar is the latest completed 5-minute bar for the current
// (currentStrike, direction, expiry) OptionKey; the runner is responsible
// for fetching it and skipping the tick if it is unavailable.
func (e *Engine) EvaluateEntry(d *models.DailyState, now time.Time, bar models.OptionBar) Outcome {
	if !clock.IsInEntryWindow(now) {
		return noSignal("outside entry window")
	}
	if d.TradeTaken {
		return noSignal("trade already taken today")
	}
	if d.ActivePosition != nil {
		return noSignal("position already open")
	}

	key := models.OptionKey{Strike: d.CurrentStrike, Type: models.TypeForDirection(d.Direction), Expiry: d.Expiry}

	vwap, err := e.Analyzer.UpdateVWAPIncremental(d, key, bar)
	if err != nil {
		return transient("entry: rejecting out-of-order bar", err)
	}

	currentOI, _, changePct := e.Analyzer.OIChange(d, key, now)
	unwinding := e.Analyzer.IsUnwinding(key, now)
	aboveVWAP := bar.Close > vwap

	if !unwinding || !aboveVWAP {
		return noSignal("entry conditions not satisfied")
	}

	pos, err := e.Broker.SubmitBuy(key, e.Config.LotSize, bar.Close, now)
	if err != nil {
		e.Logger.WithError(err).Warn("entry: broker refused, staying Analyzed")
		return transient("entry: broker capacity refusal", err)
	}

	pos.OIAtEntry = currentOI
	pos.OIChangePct = changePct
	pos.VWAPAtEntry = vwap
	pos.InitialStop = pos.EntryPrice * (1 - e.Config.InitialStopLossPct)
	pos.PeakPrice = pos.EntryPrice
	pos.TrailingStop = nil
	pos.Status = models.StatusOpen

	d.ActivePosition = pos

	e.Logger.WithFields(logrus.Fields{
		"order_id":    pos.OrderID,
		"strike":      key.Strike,
		"entry_price": pos.EntryPrice,
		"vwap":        vwap,
		"oi":          currentOI,
	}).Info("strategy: entry filled")

	return signal("entry filled")
}

// exitRuleResult names which rule fired, if any, and the threshold price
// it implies under strict pricing.
type exitRuleResult struct {
	reason      models.ExitReason
	strictPrice float64
}

// EvaluateExit runs one 1-minute exit tick (spec §4.5 Holding phase).
// currentOI is the latest OI reading for the held OptionKey; vwap is the
// accumulator's current VWAP for that key (may be (0,false) if no 5-min
// bar has landed yet today, in which case the VWAP stop never fires).
func (e *Engine) EvaluateExit(d *models.DailyState, now time.Time, ltp models.LTP, currentOI int64, vwap float64, haveVWAP bool) Outcome {
	pos := d.ActivePosition
	if pos == nil {
		return noSignal("no active position")
	}

	if ltp.Timestamp.IsZero() || now.Sub(ltp.Timestamp) > staleLTPAfter {
		return noSignal("LTP missing or stale, skipping tick")
	}

	if ltp.Price > pos.PeakPrice {
		pos.PeakPrice = ltp.Price
	}

	result := e.evaluateRules(pos, now, ltp, currentOI, vwap, haveVWAP)
	if result == nil {
		return noSignal("no exit rule fired")
	}

	exitPrice := e.resolveExitPrice(*result, ltp.Price)

	closed, err := e.Broker.SubmitSell(pos.OrderID, exitPrice, result.reason, now)
	if err != nil {
		return transient("exit: broker rejected sell", err)
	}

	closed.VWAPAtExit = vwap
	closed.OIAtExit = currentOI

	d.ActivePosition = nil
	d.ClosedPositions = append(d.ClosedPositions, *closed)
	d.TradeTaken = true

	e.Logger.WithFields(logrus.Fields{
		"order_id":    closed.OrderID,
		"reason":      closed.ExitReason,
		"exit_price":  closed.ExitPrice,
		"pnl":         closed.PnL,
	}).Info("strategy: exit filled")

	return signal("exit filled")
}

// evaluateRules checks the five stop rules in spec-mandated order and
// returns the first that fires.
func (e *Engine) evaluateRules(pos *models.Position, now time.Time, ltp models.LTP, currentOI int64, vwap float64, haveVWAP bool) *exitRuleResult {
	pnl := pos.PnLAbs(ltp.Price)

	// 1. Initial stop: always active.
	if ltp.Price <= pos.InitialStop {
		return &exitRuleResult{reason: models.ExitReasonInitialStop, strictPrice: pos.InitialStop}
	}

	// 2. VWAP stop: only while losing.
	if haveVWAP && pnl < 0 {
		threshold := vwap * (1 - e.Config.VWAPStopPct)
		if ltp.Price <= threshold {
			return &exitRuleResult{reason: models.ExitReasonVWAPStop, strictPrice: threshold}
		}
	}

	// 3. OI-increase stop: only while losing.
	if pnl < 0 && pos.OIAtEntry > 0 {
		changePct := float64(currentOI-pos.OIAtEntry) / float64(pos.OIAtEntry)
		if changePct >= e.Config.OIIncreaseStopPct {
			price := oiInterpolatedExitPrice(pos.EntryPrice, ltp.Price, e.Config.OIIncreaseStopPct, changePct)
			return &exitRuleResult{reason: models.ExitReasonOIIncreaseStop, strictPrice: price}
		}
	}

	// 4. Trailing stop: one-way latch, activates once profit crosses the
	// threshold and never deactivates (spec §4.5 rule 4, §8).
	// Compared as a ratio: entry*threshold can round above the exact
	// activation price (100*1.10 is 110.00000000000001).
	if !pos.TrailingActive() && ltp.Price/pos.EntryPrice >= e.Config.ProfitThreshold {
		pos.ActivateTrailing(pos.PeakPrice * (1 - e.Config.TrailingStopPct))
	}
	if pos.TrailingActive() {
		pos.UpdateTrailing(pos.PeakPrice * (1 - e.Config.TrailingStopPct))
		if ltp.Price <= *pos.TrailingStop {
			return &exitRuleResult{reason: models.ExitReasonTrailingStop, strictPrice: *pos.TrailingStop}
		}
	}

	// 5. End-of-day: unconditional inside the EOD window.
	if clock.IsInEODWindow(now) {
		return &exitRuleResult{reason: models.ExitReasonEndOfDay, strictPrice: ltp.Price}
	}

	return nil
}

// oiInterpolatedExitPrice implements the strict-mode OI-increase stop
// pricing decided in SPEC_FULL.md §5: interpolate between entry and LTP
// proportional to how far OI change has run past the 10% threshold.
func oiInterpolatedExitPrice(entry, ltp, thresholdPct, actualChangePct float64) float64 {
	if actualChangePct <= 0 {
		return ltp
	}
	return entry - (entry-ltp)*(thresholdPct/actualChangePct)
}

// resolveExitPrice applies the configured pricing mode. End-of-day always
// prices at LTP regardless of mode (spec §4.5: "LTP rule5" in both
// strict and market examples).
func (e *Engine) resolveExitPrice(result exitRuleResult, ltp float64) float64 {
	if result.reason == models.ExitReasonEndOfDay {
		return ltp
	}
	if e.Config.ExitPriceMode == ExitPriceMarket {
		return ltp
	}
	return result.strictPrice
}
