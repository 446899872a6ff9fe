// Package paperbroker simulates order execution in-memory: synchronous
// fills at the caller-supplied price, no slippage, no partial fills. It
// never reads prices itself — the strategy engine is the only caller that
// decides what price to submit (spec §4.4).
package paperbroker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/niftystrike/internal/models"
)

// ErrInsufficientCapacity is returned when submitting a buy would exceed
// the configured maximum number of concurrently open positions.
var ErrInsufficientCapacity = errors.New("paperbroker: insufficient position capacity")

// ErrUnknownPosition is returned when submitSell references a position
// the broker has no record of, or one that is not Open.
var ErrUnknownPosition = errors.New("paperbroker: unknown or non-open position")

// Event is emitted on every fill so callers (state manager, trade log) can
// react without the broker knowing about them directly.
type Event struct {
	Kind     string // "buy_filled" | "sell_filled"
	Position models.Position
}

// Broker is the in-memory ledger. All methods except OnEvent are safe for
// concurrent use; callers outside the strategy engine should treat it as read-only
// via OpenPositions/Snapshot.
type Broker struct {
	mu           sync.Mutex
	cash         float64
	maxPositions int
	open         map[string]*models.Position
	closed       []models.Position
	onEvent      func(Event)
}

// Config seeds the broker's starting cash and position-capacity limit.
type Config struct {
	InitialCapital float64
	MaxPositions   int // spec §3 allows up to 2; strategy enforces 1 (risk_management.max_positions)
}

// New returns a Broker with an empty ledger.
func New(cfg Config) *Broker {
	max := cfg.MaxPositions
	if max <= 0 {
		max = 1
	}
	return &Broker{
		cash:         cfg.InitialCapital,
		maxPositions: max,
		open:         make(map[string]*models.Position),
	}
}

// OnEvent registers a callback invoked synchronously after every fill.
// Not safe to call concurrently with submissions.
func (b *Broker) OnEvent(fn func(Event)) {
	b.onEvent = fn
}

// SubmitBuy fills a buy order synchronously at requestedPrice, deducts
// the notional from cash, and returns the opened Position (spec §4.4).
func (b *Broker) SubmitBuy(key models.OptionKey, quantity int, requestedPrice float64, now time.Time) (*models.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.open) >= b.maxPositions {
		return nil, fmt.Errorf("%w: %d open, max %d", ErrInsufficientCapacity, len(b.open), b.maxPositions)
	}

	pos := &models.Position{
		OrderID:      uuid.NewString(),
		OptionKey:    key,
		EntryInstant: now,
		EntryPrice:   requestedPrice,
		Quantity:     quantity,
		PeakPrice:    requestedPrice,
		Status:       models.StatusOpen,
	}
	b.cash -= requestedPrice * float64(quantity)
	b.open[pos.OrderID] = pos

	if b.onEvent != nil {
		b.onEvent(Event{Kind: "buy_filled", Position: *pos.Clone()})
	}
	return pos.Clone(), nil
}

// SubmitSell fills a sell order synchronously at requestedPrice, credits
// the notional, computes P&L, and returns the closed Position (spec
// §4.4). orderID must reference an order this broker currently holds
// Open.
func (b *Broker) SubmitSell(orderID string, requestedPrice float64, reason models.ExitReason, now time.Time) (*models.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.open[orderID]
	if !ok || pos.Status != models.StatusOpen {
		return nil, fmt.Errorf("%w: order %s", ErrUnknownPosition, orderID)
	}

	pos.Status = models.StatusPendingExit
	pos.ExitInstant = now
	pos.ExitPrice = requestedPrice
	pos.ExitReason = reason
	pos.PnL = pos.PnLAbs(requestedPrice)
	pos.Status = models.StatusClosed

	b.cash += requestedPrice * float64(pos.Quantity)
	delete(b.open, orderID)
	b.closed = append(b.closed, *pos)

	closedCopy := pos.Clone()
	if b.onEvent != nil {
		b.onEvent(Event{Kind: "sell_filled", Position: *closedCopy})
	}
	return closedCopy, nil
}

// OpenPositions returns a snapshot slice of currently open positions.
func (b *Broker) OpenPositions() []models.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.Position, 0, len(b.open))
	for _, p := range b.open {
		out = append(out, *p.Clone())
	}
	return out
}

// Cash returns the current free cash balance.
func (b *Broker) Cash() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cash
}

// PositionsValue returns the mark-to-market value of open positions at
// the given per-key last price. Missing prices are valued at entry price.
func (b *Broker) PositionsValue(lastPrice map[models.OptionKey]float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var total float64
	for _, p := range b.open {
		price, ok := lastPrice[p.OptionKey]
		if !ok {
			price = p.EntryPrice
		}
		total += price * float64(p.Quantity)
	}
	return total
}

// Snapshot is the serializable view persisted by the state manager.
type Snapshot struct {
	Cash   float64            `json:"cash"`
	Open   []models.Position  `json:"open_positions"`
	Closed []models.Position  `json:"closed_positions"`
}

// Snapshot returns a serializable copy of the ledger.
func (b *Broker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	open := make([]models.Position, 0, len(b.open))
	for _, p := range b.open {
		open = append(open, *p.Clone())
	}
	closed := make([]models.Position, len(b.closed))
	copy(closed, b.closed)

	return Snapshot{Cash: b.cash, Open: open, Closed: closed}
}

// Restore replaces the ledger's state wholesale. Recovery only — never
// called during normal operation.
func (b *Broker) Restore(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cash = snap.Cash
	b.open = make(map[string]*models.Position, len(snap.Open))
	for i := range snap.Open {
		p := snap.Open[i]
		b.open[p.OrderID] = &p
	}
	b.closed = append([]models.Position(nil), snap.Closed...)
}
