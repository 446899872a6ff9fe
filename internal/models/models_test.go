package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVWAPAccumulatorEmpty(t *testing.T) {
	var acc VWAPAccumulator
	_, ok := acc.VWAP()
	assert.False(t, ok)
}

func TestVWAPAccumulatorComputed(t *testing.T) {
	acc := VWAPAccumulator{SumTPV: 300, SumVolume: 10}
	v, ok := acc.VWAP()
	assert.True(t, ok)
	assert.Equal(t, 30.0, v)
}

func TestOptionBarVolumeOrOneTreatsZeroAsOne(t *testing.T) {
	var zero int64
	b := OptionBar{Volume: &zero}
	assert.Equal(t, 1.0, b.VolumeOrOne())

	b2 := OptionBar{}
	assert.Equal(t, 1.0, b2.VolumeOrOne())

	var five int64 = 5
	b3 := OptionBar{Volume: &five}
	assert.Equal(t, 5.0, b3.VolumeOrOne())
}

func TestPositionTrailingLatchNeverDecreases(t *testing.T) {
	p := &Position{EntryPrice: 100, PeakPrice: 110}
	p.UpdateTrailing(99)
	assert.True(t, p.TrailingActive())
	assert.Equal(t, 99.0, *p.TrailingStop)

	p.UpdateTrailing(105)
	assert.Equal(t, 105.0, *p.TrailingStop)

	// Lower candidate must never pull the stop down.
	p.UpdateTrailing(50)
	assert.Equal(t, 105.0, *p.TrailingStop)
}

func TestPositionCloneIsIndependent(t *testing.T) {
	stop := 95.0
	p := &Position{EntryPrice: 100, TrailingStop: &stop}
	cp := p.Clone()
	*cp.TrailingStop = 10
	assert.Equal(t, 95.0, *p.TrailingStop)
}

func TestDailyStateAdmissionControl(t *testing.T) {
	d := NewDailyState("20240610")
	assert.True(t, d.CanEnter())
	assert.True(t, d.CanChangeStrike())

	d.ActivePosition = &Position{}
	assert.False(t, d.CanEnter())
	assert.False(t, d.CanChangeStrike())

	d.ActivePosition = nil
	d.TradeTaken = true
	assert.False(t, d.CanEnter())
	assert.False(t, d.CanChangeStrike())
}

func TestTypeForDirection(t *testing.T) {
	assert.Equal(t, OptionTypeCE, TypeForDirection(DirectionCall))
	assert.Equal(t, OptionTypePE, TypeForDirection(DirectionPut))
	assert.Equal(t, OptionTypeCE, TypeForDirection(DirectionNone))
}

func TestOptionBarOI(t *testing.T) {
	var oi int64 = 12345
	b := OptionBar{Timestamp: time.Now(), OpenInterest: &oi}
	assert.True(t, b.HasOI())
	assert.Equal(t, int64(12345), b.OI())

	b2 := OptionBar{}
	assert.False(t, b2.HasOI())
	assert.Equal(t, int64(0), b2.OI())
}
