// Package analyzer implements the pure OI-buildup and incremental-VWAP
// functions the strategy engine drives its daily direction call and entry
// signal from (spec §4.3). All functions here are deterministic given
// their inputs; the only mutable state they touch is the VWAP accumulator
// and last-OI maps owned by models.DailyState, which per the ownership
// rule only the analyzer may write.
package analyzer

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/eddiefleurent/niftystrike/internal/models"
)

// ErrOutOfOrderBar is returned when an incoming bar's timestamp precedes
// the accumulator's last-seen timestamp for that key.
var ErrOutOfOrderBar = errors.New("analyzer: bar timestamp precedes last accumulated bar")

// Bars indexes a session's option bars by contract, each slice sorted
// ascending by timestamp. Filled through AppendBar from the broker's
// options-chain bars and the entry loop's fresh candles (spec §4.3
// workingData); never the full multi-day dataset used by the backtester.
type Bars map[models.OptionKey][]models.OptionBar

// Analyzer holds the current session's working data and the strike
// spacing used to window the OI-buildup scan.
type Analyzer struct {
	workingData Bars
	strikeStep  int
}

// New returns an Analyzer with the given strike step (NIFTY is 50).
func New(strikeStep int) *Analyzer {
	if strikeStep <= 0 {
		strikeStep = 50
	}
	return &Analyzer{workingData: make(Bars), strikeStep: strikeStep}
}

// SetWorkingData replaces the day's bar set; later bars are added through
// AppendBar.
func (a *Analyzer) SetWorkingData(data Bars) {
	if data == nil {
		data = make(Bars)
	}
	a.workingData = data
}

// AppendBar adds a freshly-fetched bar to the working set, keeping the
// per-key slice sorted ascending by timestamp.
func (a *Analyzer) AppendBar(key models.OptionKey, bar models.OptionBar) {
	bars := a.workingData[key]
	bars = append(bars, bar)
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	a.workingData[key] = bars
}

// barAtOrBefore returns the latest bar with timestamp <= now, nearest
// available within the same day, and whether one was found.
func (a *Analyzer) barAtOrBefore(key models.OptionKey, now time.Time) (models.OptionBar, bool) {
	bars := a.workingData[key]
	var best models.OptionBar
	found := false
	for _, b := range bars {
		if b.Timestamp.After(now) {
			break
		}
		best = b
		found = true
	}
	return best, found
}

// twoLatestAtOrBefore returns the latest bar at/before now and the one
// immediately preceding it, for the "previous bar's OI" comparison
// isUnwinding needs.
func (a *Analyzer) twoLatestAtOrBefore(key models.OptionKey, now time.Time) (latest, previous models.OptionBar, haveLatest, havePrevious bool) {
	bars := a.workingData[key]
	for _, b := range bars {
		if b.Timestamp.After(now) {
			break
		}
		previous, havePrevious = latest, haveLatest
		latest, haveLatest = b, true
	}
	return
}

// strikesForExpiry returns the sorted, de-duplicated strikes present in
// the working set for the given expiry and option type.
func (a *Analyzer) strikesForExpiry(expiry string, typ models.OptionType) []int {
	seen := make(map[int]struct{})
	for key := range a.workingData {
		if key.Expiry == expiry && key.Type == typ {
			seen[key.Strike] = struct{}{}
		}
	}
	strikes := make([]int, 0, len(seen))
	for s := range seen {
		strikes = append(strikes, s)
	}
	sort.Ints(strikes)
	return strikes
}

// MaxOIBuildup scans strikes within [spot-5*step, spot+5*step] on each
// side and returns the strike with the greatest current OI (at the
// nearest timestamp <= now) for calls and puts, plus each strike's
// distance from spot. ok is false when neither side has any OI data
// (spec §4.3(1)).
func (a *Analyzer) MaxOIBuildup(now time.Time, spot float64, expiry string) (maxCallStrike, maxPutStrike int, callDistance, putDistance float64, ok bool) {
	lo := spot - float64(5*a.strikeStep)
	hi := spot + float64(5*a.strikeStep)

	scanSide := func(typ models.OptionType) (strike int, distance float64, found bool) {
		var bestOI int64 = -1
		for _, s := range a.strikesForExpiry(expiry, typ) {
			if float64(s) < lo || float64(s) > hi {
				continue
			}
			key := models.OptionKey{Strike: s, Type: typ, Expiry: expiry}
			bar, have := a.barAtOrBefore(key, now)
			if !have || !bar.HasOI() {
				continue
			}
			if bar.OI() > bestOI {
				bestOI = bar.OI()
				strike = s
				found = true
			}
		}
		if found {
			distance = absFloat(float64(strike) - spot)
		}
		return
	}

	callStrike, callDist, callFound := scanSide(models.OptionTypeCE)
	putStrike, putDist, putFound := scanSide(models.OptionTypePE)
	if !callFound && !putFound {
		return 0, 0, 0, 0, false
	}
	return callStrike, putStrike, callDist, putDist, true
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// DetermineDirection picks CALL when the call-side OI buildup is nearer
// to spot than the put side, PUT otherwise, and CALL on an exact tie
// (spec §4.3(2), spec §8 seed scenario).
func DetermineDirection(callDistance, putDistance float64) models.Direction {
	if callDistance <= putDistance {
		return models.DirectionCall
	}
	return models.DirectionPut
}

// NearestStrike picks the tradeable strike for the chosen direction: the
// smallest strike >= spot for CALL, the greatest strike < spot for PUT
// (spec §4.3(3)). ok is false when no candidate satisfies the condition.
func NearestStrike(spot float64, direction models.Direction, candidateStrikes []int) (strike int, ok bool) {
	sorted := append([]int(nil), candidateStrikes...)
	sort.Ints(sorted)

	if direction == models.DirectionPut {
		for i := len(sorted) - 1; i >= 0; i-- {
			if float64(sorted[i]) < spot {
				return sorted[i], true
			}
		}
		return 0, false
	}
	for _, s := range sorted {
		if float64(s) >= spot {
			return s, true
		}
	}
	return 0, false
}

// OIChange reports the current OI for key at/before now, its change from
// the last-known value recorded on state, and the change as a fraction of
// the previous value. The first query for a key returns (0, 0, 0) and
// seeds the baseline (spec §4.3(4)). state.LastOIPerKey is mutated here;
// the analyzer is the sole writer of that map.
func (a *Analyzer) OIChange(state *models.DailyState, key models.OptionKey, now time.Time) (currentOI, change int64, changePct float64) {
	bar, have := a.barAtOrBefore(key, now)
	if !have || !bar.HasOI() {
		return 0, 0, 0
	}
	currentOI = bar.OI()
	prev, seen := state.LastOIPerKey[key]
	state.LastOIPerKey[key] = currentOI
	if !seen || prev == 0 {
		return currentOI, 0, 0
	}
	change = currentOI - prev
	changePct = float64(change) / float64(prev)
	return currentOI, change, changePct
}

// IsUnwinding reports whether OI is strictly decreasing bar-over-bar for
// key as of now: current bar's OI strictly less than the immediately
// preceding bar's OI (spec §4.3(5)). False if fewer than two bars are
// available yet.
func (a *Analyzer) IsUnwinding(key models.OptionKey, now time.Time) bool {
	latest, previous, haveLatest, havePrevious := a.twoLatestAtOrBefore(key, now)
	if !haveLatest || !havePrevious {
		return false
	}
	if !latest.HasOI() || !previous.HasOI() {
		return false
	}
	return latest.OI() < previous.OI()
}

// UpdateVWAPIncremental folds bar into the VWAP accumulator for key on
// state, and returns the updated VWAP. Bars must arrive in non-decreasing
// timestamp order per key; a bar exactly equal to the last-seen timestamp
// is treated as idempotent (returns the current VWAP unchanged). Zero (or
// missing) volume is treated as 1 unit so the bar still folds into the
// average (spec §4.3(6)).
func (a *Analyzer) UpdateVWAPIncremental(state *models.DailyState, key models.OptionKey, bar models.OptionBar) (float64, error) {
	acc := state.VWAPAccumulators[key]

	if acc.BarsIncluded > 0 && bar.Timestamp.Before(acc.LastBarTimestamp) {
		return 0, fmt.Errorf("%w: key=%v bar=%s last=%s", ErrOutOfOrderBar, key, bar.Timestamp, acc.LastBarTimestamp)
	}
	if acc.BarsIncluded > 0 && bar.Timestamp.Equal(acc.LastBarTimestamp) {
		vwap, _ := acc.VWAP()
		return vwap, nil
	}

	typicalPrice := (bar.High + bar.Low + bar.Close) / 3
	volume := bar.VolumeOrOne()

	acc.SumTPV += typicalPrice * volume
	acc.SumVolume += volume
	acc.BarsIncluded++
	acc.LastBarTimestamp = bar.Timestamp
	state.VWAPAccumulators[key] = acc

	vwap, _ := acc.VWAP()
	return vwap, nil
}

// ResetVWAPAccumulators clears every per-key accumulator on state, called
// once per day during daily analysis (spec §4.5 step 5).
func ResetVWAPAccumulators(state *models.DailyState) {
	state.VWAPAccumulators = make(map[models.OptionKey]models.VWAPAccumulator)
}
