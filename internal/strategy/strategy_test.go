package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/niftystrike/internal/analyzer"
	"github.com/eddiefleurent/niftystrike/internal/models"
	"github.com/eddiefleurent/niftystrike/internal/paperbroker"
)

func newEngine() *Engine {
	a := analyzer.New(50)
	b := paperbroker.New(paperbroker.Config{InitialCapital: 100000, MaxPositions: 1})
	return New(a, b, DefaultConfig(), nil)
}

func at(h, m int) time.Time {
	return time.Date(2024, 6, 10, h, m, 0, 0, time.UTC)
}

func oi(v int64) *int64   { return &v }
func vol(v int64) *int64  { return &v }

func TestRunDailyAnalysisSetsDirectionStrikeAndResetsAccumulators(t *testing.T) {
	e := newEngine()
	d := models.NewDailyState("20240610")
	expiry := "2024-06-13"

	e.Analyzer.AppendBar(models.OptionKey{Strike: 22100, Type: models.OptionTypeCE, Expiry: expiry},
		models.OptionBar{Timestamp: at(9, 10), OpenInterest: oi(5000)})
	e.Analyzer.AppendBar(models.OptionKey{Strike: 21900, Type: models.OptionTypePE, Expiry: expiry},
		models.OptionBar{Timestamp: at(9, 10), OpenInterest: oi(1000)})

	out := e.RunDailyAnalysis(d, at(9, 15), 22000, expiry, []int{21900, 22050, 22100})
	require.Equal(t, OutcomeSignal, out.Kind)
	assert.Equal(t, models.DirectionCall, d.Direction)
	assert.Equal(t, 22050, d.CurrentStrike)
	assert.Equal(t, expiry, d.Expiry)
	assert.False(t, d.TradeTaken)
	assert.Empty(t, d.VWAPAccumulators)
}

func TestRunDailyAnalysisStaysIdleWithoutOIData(t *testing.T) {
	e := newEngine()
	d := models.NewDailyState("20240610")

	out := e.RunDailyAnalysis(d, at(9, 15), 22000, "2024-06-13", []int{22000})
	assert.Equal(t, OutcomeTransientError, out.Kind)
	assert.Equal(t, models.DirectionNone, d.Direction)
}

func entryReadyState() (*Engine, *models.DailyState, models.OptionKey) {
	e := newEngine()
	d := models.NewDailyState("20240610")
	d.Direction = models.DirectionCall
	d.CurrentStrike = 22100
	d.Expiry = "2024-06-13"
	key := models.OptionKey{Strike: 22100, Type: models.OptionTypeCE, Expiry: d.Expiry}
	// Seed a prior bar as an earlier entry tick would have: in the working
	// data so IsUnwinding has something to compare against, and in the VWAP
	// accumulator (typical price 95, so VWAP after the 9:30 bar is 102.5).
	seed := models.OptionBar{Timestamp: at(9, 25), High: 100, Low: 90, Close: 95, Volume: vol(10), OpenInterest: oi(10000)}
	e.Analyzer.AppendBar(key, seed)
	_, _ = e.Analyzer.UpdateVWAPIncremental(d, key, seed)
	return e, d, key
}

func TestEvaluateEntryFillsWhenUnwindingAndAboveVWAP(t *testing.T) {
	e, d, key := entryReadyState()

	bar := models.OptionBar{Timestamp: at(9, 30), High: 120, Low: 100, Close: 110, Volume: vol(10), OpenInterest: oi(9000)}
	e.Analyzer.AppendBar(key, bar)
	out := e.EvaluateEntry(d, at(9, 30), bar)

	require.Equal(t, OutcomeSignal, out.Kind)
	require.NotNil(t, d.ActivePosition)
	assert.Equal(t, 110.0, d.ActivePosition.EntryPrice)
	assert.Equal(t, key, d.ActivePosition.OptionKey)
	assert.Equal(t, int64(9000), d.ActivePosition.OIAtEntry)
	assert.InDelta(t, 110.0*0.75, d.ActivePosition.InitialStop, 1e-9)
}

func TestEvaluateEntryNoSignalWhenNotUnwinding(t *testing.T) {
	e, d, key := entryReadyState()
	// OI increases instead of decreasing: not unwinding.
	bar := models.OptionBar{Timestamp: at(9, 30), High: 120, Low: 100, Close: 110, Volume: vol(10), OpenInterest: oi(11000)}
	e.Analyzer.AppendBar(key, bar)
	out := e.EvaluateEntry(d, at(9, 30), bar)
	assert.Equal(t, OutcomeNoSignal, out.Kind)
	assert.Nil(t, d.ActivePosition)
}

func TestEvaluateEntryGatesOutsideWindow(t *testing.T) {
	e, d, _ := entryReadyState()
	bar := models.OptionBar{Timestamp: at(9, 0), High: 120, Low: 100, Close: 110, Volume: vol(10), OpenInterest: oi(9000)}
	out := e.EvaluateEntry(d, at(9, 0), bar)
	assert.Equal(t, OutcomeNoSignal, out.Kind)
}

func TestSingleTradeInvariantBlocksSecondEntrySameDay(t *testing.T) {
	e, d, key := entryReadyState()
	bar := models.OptionBar{Timestamp: at(9, 30), High: 120, Low: 100, Close: 110, Volume: vol(10), OpenInterest: oi(9000)}
	e.Analyzer.AppendBar(key, bar)
	out := e.EvaluateEntry(d, at(9, 30), bar)
	require.Equal(t, OutcomeSignal, out.Kind)

	// Force-close it so activePosition is nil again but tradeTaken latches.
	closeOut := e.EvaluateExit(d, at(15, 0), models.LTP{Timestamp: at(15, 0), Price: 120}, 9000, 0, false)
	require.Equal(t, OutcomeSignal, closeOut.Kind)
	assert.Nil(t, d.ActivePosition)
	assert.True(t, d.TradeTaken)

	bar2 := models.OptionBar{Timestamp: at(9, 35), High: 120, Low: 100, Close: 110, Volume: vol(10), OpenInterest: oi(8000)}
	e.Analyzer.AppendBar(key, bar2)
	out2 := e.EvaluateEntry(d, at(9, 35), bar2)
	assert.Equal(t, OutcomeNoSignal, out2.Kind)
	assert.Nil(t, d.ActivePosition)
}

func TestRefreshStrikeOnlyWhileNoPositionAndNoTradeTaken(t *testing.T) {
	e, d, key := entryReadyState()
	e.RefreshStrike(d, 22160, []int{22100, 22150, 22200})
	assert.Equal(t, 22200, d.CurrentStrike)

	bar := models.OptionBar{Timestamp: at(9, 30), High: 120, Low: 100, Close: 110, Volume: vol(10), OpenInterest: oi(9000)}
	e.Analyzer.AppendBar(key, bar)
	d.CurrentStrike = 22100
	out := e.EvaluateEntry(d, at(9, 30), bar)
	require.Equal(t, OutcomeSignal, out.Kind)

	e.RefreshStrike(d, 22500, []int{22100, 22150, 22200})
	assert.Equal(t, 22100, d.CurrentStrike, "strike must not change once a position is open")
}

func openPosition(e *Engine, d *models.DailyState, entry float64) {
	d.ActivePosition = &models.Position{
		OrderID:     "order-1",
		OptionKey:   models.OptionKey{Strike: 22100, Type: models.OptionTypeCE, Expiry: "2024-06-13"},
		EntryPrice:  entry,
		Quantity:    75,
		InitialStop: entry * 0.75,
		PeakPrice:   entry,
		OIAtEntry:   10000,
		Status:      models.StatusOpen,
	}
	// Mirror the position into the broker ledger so SubmitSell can find it.
	_, _ = e.Broker.SubmitBuy(d.ActivePosition.OptionKey, 75, entry, at(9, 30))
	for _, p := range e.Broker.OpenPositions() {
		d.ActivePosition.OrderID = p.OrderID
	}
}

func TestInitialStopFiresAt75Pct(t *testing.T) {
	e := newEngine()
	d := models.NewDailyState("20240610")
	openPosition(e, d, 100)

	out := e.EvaluateExit(d, at(9, 45), models.LTP{Timestamp: at(9, 45), Price: 74}, 10000, 0, false)
	require.Equal(t, OutcomeSignal, out.Kind)
	require.Len(t, d.ClosedPositions, 1)
	assert.Equal(t, models.ExitReasonInitialStop, d.ClosedPositions[0].ExitReason)
	assert.InDelta(t, 75.0, d.ClosedPositions[0].ExitPrice, 1e-9)
}

func TestVWAPStopOnlyFiresWhenLosing(t *testing.T) {
	e := newEngine()
	d := models.NewDailyState("20240610")
	openPosition(e, d, 100)

	// Winning position: LTP below vwap*0.95 threshold but price still
	// above entry, so pnl >= 0 and the VWAP stop must not fire.
	out := e.EvaluateExit(d, at(9, 45), models.LTP{Timestamp: at(9, 45), Price: 101}, 10000, 110, true)
	assert.Equal(t, OutcomeNoSignal, out.Kind)

	// Losing position, LTP at/below vwap*0.95.
	out = e.EvaluateExit(d, at(9, 46), models.LTP{Timestamp: at(9, 46), Price: 94}, 10000, 100, true)
	require.Equal(t, OutcomeSignal, out.Kind)
	assert.Equal(t, models.ExitReasonVWAPStop, d.ClosedPositions[0].ExitReason)
	assert.InDelta(t, 95.0, d.ClosedPositions[0].ExitPrice, 1e-9)
}

func TestOIIncreaseStopOnlyFiresWhenLosing(t *testing.T) {
	e := newEngine()
	d := models.NewDailyState("20240610")
	openPosition(e, d, 100)

	// Winning: OI up 20% but price above entry -> must not fire.
	out := e.EvaluateExit(d, at(9, 45), models.LTP{Timestamp: at(9, 45), Price: 101}, 12000, 0, false)
	assert.Equal(t, OutcomeNoSignal, out.Kind)

	// Losing, OI up 20% (>= 10% threshold).
	out = e.EvaluateExit(d, at(9, 46), models.LTP{Timestamp: at(9, 46), Price: 95}, 12000, 0, false)
	require.Equal(t, OutcomeSignal, out.Kind)
	assert.Equal(t, models.ExitReasonOIIncreaseStop, d.ClosedPositions[0].ExitReason)
}

func TestTrailingStopActivatesOnceAndLatchesNonDecreasing(t *testing.T) {
	e := newEngine()
	d := models.NewDailyState("20240610")
	openPosition(e, d, 100)

	// Profit crosses 10% threshold (entry*1.10 = 110): activates trailing
	// at peak*0.90.
	out := e.EvaluateExit(d, at(9, 40), models.LTP{Timestamp: at(9, 40), Price: 110}, 10000, 0, false)
	assert.Equal(t, OutcomeNoSignal, out.Kind)
	require.NotNil(t, d.ActivePosition)
	require.True(t, d.ActivePosition.TrailingActive())
	assert.InDelta(t, 99.0, *d.ActivePosition.TrailingStop, 1e-9) // peak 110 * 0.90

	// Price rises further: peak and trailing stop both ratchet up.
	out = e.EvaluateExit(d, at(9, 41), models.LTP{Timestamp: at(9, 41), Price: 130}, 10000, 0, false)
	assert.Equal(t, OutcomeNoSignal, out.Kind)
	assert.InDelta(t, 117.0, *d.ActivePosition.TrailingStop, 1e-9) // peak 130 * 0.90

	// Price pulls back from the peak but stays above the ratcheted
	// trailing stop: must not fire and must not deactivate.
	out = e.EvaluateExit(d, at(9, 42), models.LTP{Timestamp: at(9, 42), Price: 120}, 10000, 0, false)
	assert.Equal(t, OutcomeNoSignal, out.Kind)
	assert.InDelta(t, 117.0, *d.ActivePosition.TrailingStop, 1e-9)

	// Price falls through the latched trailing stop: fires regardless of
	// current profit% (hard requirement).
	out = e.EvaluateExit(d, at(9, 43), models.LTP{Timestamp: at(9, 43), Price: 117}, 10000, 0, false)
	require.Equal(t, OutcomeSignal, out.Kind)
	assert.Equal(t, models.ExitReasonTrailingStop, d.ClosedPositions[0].ExitReason)
	assert.InDelta(t, 117.0, d.ClosedPositions[0].ExitPrice, 1e-9)
}

func TestEODForcesCloseUnconditionally(t *testing.T) {
	e := newEngine()
	d := models.NewDailyState("20240610")
	openPosition(e, d, 100)

	out := e.EvaluateExit(d, at(14, 55), models.LTP{Timestamp: at(14, 55), Price: 102}, 10000, 0, false)
	require.Equal(t, OutcomeSignal, out.Kind)
	assert.Equal(t, models.ExitReasonEndOfDay, d.ClosedPositions[0].ExitReason)
	assert.InDelta(t, 102.0, d.ClosedPositions[0].ExitPrice, 1e-9)
}

func TestExitSkipsOnStaleLTP(t *testing.T) {
	e := newEngine()
	d := models.NewDailyState("20240610")
	openPosition(e, d, 100)

	stale := at(9, 40).Add(-3 * time.Minute)
	out := e.EvaluateExit(d, at(9, 40), models.LTP{Timestamp: stale, Price: 50}, 10000, 0, false)
	assert.Equal(t, OutcomeNoSignal, out.Kind)
	assert.NotNil(t, d.ActivePosition, "position must remain open, no force-exit on stale data")
}

func TestExitRulePrecedenceInitialStopBeatsTrailing(t *testing.T) {
	e := newEngine()
	d := models.NewDailyState("20240610")
	openPosition(e, d, 100)

	// Activate trailing first with a big rally.
	_ = e.EvaluateExit(d, at(9, 40), models.LTP{Timestamp: at(9, 40), Price: 200}, 10000, 0, false)
	require.True(t, d.ActivePosition.TrailingActive())

	// Force both the (already-latched, irrelevant) trailing check and the
	// initial stop to be eligible by crashing price straight through the
	// initial stop threshold; initial stop (rule 1) must win since it is
	// checked first.
	out := e.EvaluateExit(d, at(9, 41), models.LTP{Timestamp: at(9, 41), Price: 74}, 10000, 0, false)
	require.Equal(t, OutcomeSignal, out.Kind)
	assert.Equal(t, models.ExitReasonInitialStop, d.ClosedPositions[0].ExitReason)
}

func TestMarketModePricesExitsAtLTP(t *testing.T) {
	e := newEngine()
	e.Config.ExitPriceMode = ExitPriceMarket
	d := models.NewDailyState("20240610")
	openPosition(e, d, 100)

	out := e.EvaluateExit(d, at(9, 45), models.LTP{Timestamp: at(9, 45), Price: 73.5}, 10000, 0, false)
	require.Equal(t, OutcomeSignal, out.Kind)
	assert.InDelta(t, 73.5, d.ClosedPositions[0].ExitPrice, 1e-9)
}

func TestCurrentPhaseTransitions(t *testing.T) {
	d := models.NewDailyState("20240610")
	assert.Equal(t, PhaseIdle, CurrentPhase(d))

	d.Direction = models.DirectionCall
	d.Expiry = "2024-06-13"
	assert.Equal(t, PhaseAnalyzed, CurrentPhase(d))

	d.ActivePosition = &models.Position{}
	assert.Equal(t, PhaseHolding, CurrentPhase(d))

	d.ActivePosition = nil
	d.TradeTaken = true
	assert.Equal(t, PhasePostTrade, CurrentPhase(d))
}
