// Package models defines the shared data types flowing between the
// analyzer, paper broker, strategy engine, and state manager.
package models

import "time"

// Direction is the daily trade bias chosen once per SessionDay (spec §3).
type Direction string

const (
	DirectionNone Direction = ""
	DirectionCall Direction = "CALL"
	DirectionPut  Direction = "PUT"
)

// OptionType distinguishes the two legs of an options chain.
type OptionType string

const (
	OptionTypeCE OptionType = "CE"
	OptionTypePE OptionType = "PE"
)

// TypeForDirection maps a daily direction to the option type the strategy
// trades (CALL buys CE, PUT buys PE).
func TypeForDirection(d Direction) OptionType {
	if d == DirectionPut {
		return OptionTypePE
	}
	return OptionTypeCE
}

// OptionKey uniquely identifies an option contract in the cache (spec §3).
type OptionKey struct {
	Strike int        `json:"strike"`
	Type   OptionType `json:"option_type"`
	Expiry string     `json:"expiry"` // YYYY-MM-DD
}

// OptionBar is a 5-minute bar for one OptionKey (spec §3). Volume and
// OpenInterest use pointers so "missing" is distinguishable from zero.
type OptionBar struct {
	Timestamp    time.Time `json:"timestamp"`
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	Volume       *int64    `json:"volume,omitempty"`
	OpenInterest *int64    `json:"open_interest,omitempty"`
}

// HasOI reports whether this bar carries an open-interest reading.
func (b OptionBar) HasOI() bool {
	return b.OpenInterest != nil
}

// OI returns the open-interest value, or 0 if absent.
func (b OptionBar) OI() int64 {
	if b.OpenInterest == nil {
		return 0
	}
	return *b.OpenInterest
}

// VolumeOrOne returns the bar's volume, treating zero or missing volume as
// 1 unit so VWAP accumulation never divides by zero while still folding
// the bar's price into the average (spec §4.3(6)).
func (b OptionBar) VolumeOrOne() float64 {
	if b.Volume == nil || *b.Volume == 0 {
		return 1
	}
	return float64(*b.Volume)
}

// LTP is the last-traded-price quote used by the exit evaluator (spec §3).
type LTP struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// VWAPAccumulator holds the running sums needed to compute an exact
// incremental VWAP for one OptionKey on one SessionDay (spec §3).
type VWAPAccumulator struct {
	SumTPV          float64   `json:"sum_tpv"`
	SumVolume       float64   `json:"sum_volume"`
	BarsIncluded    int       `json:"bars_included"`
	LastBarTimestamp time.Time `json:"last_bar_timestamp"`
}

// VWAP returns the volume-weighted average price, or (0, false) if no
// volume has been accumulated yet.
func (a VWAPAccumulator) VWAP() (float64, bool) {
	if a.SumVolume <= 0 {
		return 0, false
	}
	return a.SumTPV / a.SumVolume, true
}

// PositionStatus is the lifecycle state of a single Position (spec §3).
type PositionStatus string

const (
	StatusPendingEntry PositionStatus = "PendingEntry"
	StatusOpen         PositionStatus = "Open"
	StatusPendingExit  PositionStatus = "PendingExit"
	StatusClosed       PositionStatus = "Closed"
)

// ExitReason names why an exit fired (spec §4.5 rule list + §8).
type ExitReason string

const (
	ExitReasonNone            ExitReason = ""
	ExitReasonInitialStop     ExitReason = "InitialStop"
	ExitReasonVWAPStop        ExitReason = "VWAPStop"
	ExitReasonOIIncreaseStop  ExitReason = "OIIncreaseStop"
	ExitReasonTrailingStop    ExitReason = "TrailingStop"
	ExitReasonEndOfDay        ExitReason = "EndOfDay"
)

// Position is the single active trade the strategy may hold at a time
// (spec §3; at most one per SessionDay in the core).
type Position struct {
	OrderID       string         `json:"order_id"`
	OptionKey     OptionKey      `json:"option_key"`
	EntryInstant  time.Time      `json:"entry_instant"`
	EntryPrice    float64        `json:"entry_price"`
	Quantity      int            `json:"quantity"`
	InitialStop   float64        `json:"initial_stop"`
	TrailingStop  *float64       `json:"trailing_stop,omitempty"`
	PeakPrice     float64        `json:"peak_price"`
	VWAPAtEntry   float64        `json:"vwap_at_entry"`
	OIAtEntry     int64          `json:"oi_at_entry"`
	Status        PositionStatus `json:"status"`

	// Filled in on close; zero values until then.
	ExitInstant  time.Time  `json:"exit_instant,omitempty"`
	ExitPrice    float64    `json:"exit_price,omitempty"`
	ExitReason   ExitReason `json:"exit_reason,omitempty"`
	PnL          float64    `json:"pnl,omitempty"`
	VWAPAtExit   float64    `json:"vwap_at_exit,omitempty"`
	OIAtExit     int64      `json:"oi_at_exit,omitempty"`
	OIChangePct  float64    `json:"oi_change_at_entry,omitempty"`
}

// TrailingActive reports whether the one-way trailing-stop latch has
// fired for this position.
func (p *Position) TrailingActive() bool {
	return p.TrailingStop != nil
}

// ActivateTrailing latches the trailing stop at the given value. Once
// active it is a non-decreasing ratchet; callers must not call this twice
// with a lower value than the current one (UpdateTrailing handles that).
func (p *Position) ActivateTrailing(stop float64) {
	p.TrailingStop = &stop
}

// UpdateTrailing raises the trailing stop to max(current, candidate),
// enforcing the spec's "cannot deactivate, non-decreasing" invariant.
func (p *Position) UpdateTrailing(candidate float64) {
	if p.TrailingStop == nil {
		p.ActivateTrailing(candidate)
		return
	}
	if candidate > *p.TrailingStop {
		p.TrailingStop = &candidate
	}
}

// PnLAbs returns the absolute profit/loss in rupees for `lastPrice` against
// the entry price, for a single lot's worth of shares baked into Quantity.
func (p *Position) PnLAbs(lastPrice float64) float64 {
	return (lastPrice - p.EntryPrice) * float64(p.Quantity)
}

// Clone returns a deep copy so callers holding a read view can't mutate
// the strategy's live position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	if p.TrailingStop != nil {
		v := *p.TrailingStop
		cp.TrailingStop = &v
	}
	return &cp
}

// DailyState is the Runner-owned state for one SessionDay (spec §3).
type DailyState struct {
	SessionDate      string                        `json:"session_date"`
	Direction        Direction                     `json:"direction"`
	CurrentStrike    int                           `json:"current_strike"`
	Expiry           string                        `json:"expiry"`
	TradeTaken       bool                          `json:"trade_taken"`
	ActivePosition   *Position                     `json:"active_position,omitempty"`
	ClosedPositions  []Position                    `json:"closed_positions"`
	VWAPAccumulators map[OptionKey]VWAPAccumulator `json:"-"`
	LastOIPerKey     map[OptionKey]int64           `json:"-"`
	HeartbeatInstant time.Time                     `json:"heartbeat_instant"`
}

// NewDailyState returns a fresh, Idle-equivalent DailyState for the given
// session date (YYYYMMDD).
func NewDailyState(sessionDate string) *DailyState {
	return &DailyState{
		SessionDate:      sessionDate,
		VWAPAccumulators: make(map[OptionKey]VWAPAccumulator),
		LastOIPerKey:     make(map[OptionKey]int64),
	}
}

// CanEnter reports the admission-control invariant: no entries once a
// trade has been taken this day, even if the position already closed
// (spec §3 invariants).
func (d *DailyState) CanEnter() bool {
	return !d.TradeTaken && d.ActivePosition == nil
}

// CanChangeStrike reports whether currentStrike may still be updated
// (spec §3: only while no position is open and no trade has been taken).
func (d *DailyState) CanChangeStrike() bool {
	return d.ActivePosition == nil && !d.TradeTaken
}
