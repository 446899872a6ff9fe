package analyzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/niftystrike/internal/models"
)

func ts(m int) time.Time {
	return time.Date(2024, 6, 10, 9, m, 0, 0, time.UTC)
}

func oi(v int64) *int64 { return &v }
func vol(v int64) *int64 { return &v }

func TestDetermineDirectionEquidistantTiebreakIsCall(t *testing.T) {
	assert.Equal(t, models.DirectionCall, DetermineDirection(100, 100))
	assert.Equal(t, models.DirectionCall, DetermineDirection(50, 100))
	assert.Equal(t, models.DirectionPut, DetermineDirection(100, 50))
}

func TestNearestStrikeCallAndPut(t *testing.T) {
	candidates := []int{22000, 22050, 22100, 22150}

	s, ok := NearestStrike(22060, models.DirectionCall, candidates)
	require.True(t, ok)
	assert.Equal(t, 22100, s)

	s, ok = NearestStrike(22060, models.DirectionPut, candidates)
	require.True(t, ok)
	assert.Equal(t, 22050, s)

	_, ok = NearestStrike(30000, models.DirectionCall, candidates)
	assert.False(t, ok)
}

func TestMaxOIBuildupPicksGreatestOIWithinWindow(t *testing.T) {
	a := New(50)
	expiry := "2024-06-13"
	spot := 22000.0

	set := func(strike int, typ models.OptionType, oiVal int64) {
		a.AppendBar(models.OptionKey{Strike: strike, Type: typ, Expiry: expiry}, models.OptionBar{
			Timestamp: ts(20), High: 100, Low: 90, Close: 95, OpenInterest: oi(oiVal),
		})
	}
	set(22050, models.OptionTypeCE, 1000)
	set(22100, models.OptionTypeCE, 5000) // greatest call OI, further from spot
	set(21950, models.OptionTypePE, 2000)
	set(21900, models.OptionTypePE, 9000) // greatest put OI, further from spot

	callStrike, putStrike, callDist, putDist, ok := a.MaxOIBuildup(ts(25), spot, expiry)
	require.True(t, ok)
	assert.Equal(t, 22100, callStrike)
	assert.Equal(t, 21900, putStrike)
	assert.Equal(t, 100.0, callDist)
	assert.Equal(t, 100.0, putDist)
}

func TestMaxOIBuildupNoneFound(t *testing.T) {
	a := New(50)
	_, _, _, _, ok := a.MaxOIBuildup(ts(25), 22000, "2024-06-13")
	assert.False(t, ok)
}

func TestIsUnwindingComparesConsecutiveBars(t *testing.T) {
	a := New(50)
	key := models.OptionKey{Strike: 22100, Type: models.OptionTypeCE, Expiry: "2024-06-13"}

	a.AppendBar(key, models.OptionBar{Timestamp: ts(15), OpenInterest: oi(10000)})
	assert.False(t, a.IsUnwinding(key, ts(15))) // only one bar yet

	a.AppendBar(key, models.OptionBar{Timestamp: ts(20), OpenInterest: oi(9000)})
	assert.True(t, a.IsUnwinding(key, ts(20)))

	a.AppendBar(key, models.OptionBar{Timestamp: ts(25), OpenInterest: oi(9500)})
	assert.False(t, a.IsUnwinding(key, ts(25)))
}

func TestOIChangeFirstQueryIsZero(t *testing.T) {
	a := New(50)
	state := models.NewDailyState("20240610")
	key := models.OptionKey{Strike: 22100, Type: models.OptionTypeCE, Expiry: "2024-06-13"}
	a.AppendBar(key, models.OptionBar{Timestamp: ts(15), OpenInterest: oi(10000)})

	cur, change, pct := a.OIChange(state, key, ts(15))
	assert.Equal(t, int64(10000), cur)
	assert.Equal(t, int64(0), change)
	assert.Equal(t, 0.0, pct)

	a.AppendBar(key, models.OptionBar{Timestamp: ts(20), OpenInterest: oi(11000)})
	cur, change, pct = a.OIChange(state, key, ts(20))
	assert.Equal(t, int64(11000), cur)
	assert.Equal(t, int64(1000), change)
	assert.InDelta(t, 0.10, pct, 1e-9)
}

func TestUpdateVWAPIncrementalMatchesBatchAverage(t *testing.T) {
	a := New(50)
	state := models.NewDailyState("20240610")
	key := models.OptionKey{Strike: 22100, Type: models.OptionTypeCE, Expiry: "2024-06-13"}

	bars := []models.OptionBar{
		{Timestamp: ts(15), High: 110, Low: 90, Close: 100, Volume: vol(10)},
		{Timestamp: ts(20), High: 120, Low: 100, Close: 110, Volume: vol(20)},
		{Timestamp: ts(25), High: 130, Low: 110, Close: 120, Volume: vol(5)},
	}

	var lastVWAP float64
	var err error
	for _, b := range bars {
		lastVWAP, err = a.UpdateVWAPIncremental(state, key, b)
		require.NoError(t, err)
	}

	var sumTPV, sumVol float64
	for _, b := range bars {
		tp := (b.High + b.Low + b.Close) / 3
		sumTPV += tp * b.VolumeOrOne()
		sumVol += b.VolumeOrOne()
	}
	batchVWAP := sumTPV / sumVol

	assert.InDelta(t, batchVWAP, lastVWAP, 1e-9)
}

func TestUpdateVWAPIncrementalIdempotentOnEqualTimestamp(t *testing.T) {
	a := New(50)
	state := models.NewDailyState("20240610")
	key := models.OptionKey{Strike: 22100, Type: models.OptionTypeCE, Expiry: "2024-06-13"}

	v1, err := a.UpdateVWAPIncremental(state, key, models.OptionBar{Timestamp: ts(15), High: 110, Low: 90, Close: 100, Volume: vol(10)})
	require.NoError(t, err)

	v2, err := a.UpdateVWAPIncremental(state, key, models.OptionBar{Timestamp: ts(15), High: 999, Low: 999, Close: 999, Volume: vol(999)})
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, state.VWAPAccumulators[key].BarsIncluded)
}

func TestUpdateVWAPIncrementalRejectsOutOfOrder(t *testing.T) {
	a := New(50)
	state := models.NewDailyState("20240610")
	key := models.OptionKey{Strike: 22100, Type: models.OptionTypeCE, Expiry: "2024-06-13"}

	_, err := a.UpdateVWAPIncremental(state, key, models.OptionBar{Timestamp: ts(20), High: 110, Low: 90, Close: 100, Volume: vol(10)})
	require.NoError(t, err)

	_, err = a.UpdateVWAPIncremental(state, key, models.OptionBar{Timestamp: ts(15), High: 110, Low: 90, Close: 100, Volume: vol(10)})
	assert.ErrorIs(t, err, ErrOutOfOrderBar)
}

func TestResetVWAPAccumulatorsClears(t *testing.T) {
	state := models.NewDailyState("20240610")
	key := models.OptionKey{Strike: 22100, Type: models.OptionTypeCE, Expiry: "2024-06-13"}
	state.VWAPAccumulators[key] = models.VWAPAccumulator{SumTPV: 100, SumVolume: 10}

	ResetVWAPAccumulators(state)
	assert.Empty(t, state.VWAPAccumulators)
}
