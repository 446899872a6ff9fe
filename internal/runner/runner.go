// Package runner implements the Dual-Loop Runner: an entry task on a
// 5-minute cadence, an exit task on a 1-minute cadence, and a low-priority
// cache watcher, all reading and mutating one shared models.DailyState
// under a coarse mutex (spec §4.8, §5). Grounded on the teacher's
// cmd/bot/main.go Bot.Run ticker loop and performStartupReconciliation,
// generalized from one trading-cycle ticker to two cooperating tasks plus
// a cache poll.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/niftystrike/internal/analyzer"
	"github.com/eddiefleurent/niftystrike/internal/broker"
	"github.com/eddiefleurent/niftystrike/internal/cache"
	"github.com/eddiefleurent/niftystrike/internal/clock"
	"github.com/eddiefleurent/niftystrike/internal/models"
	"github.com/eddiefleurent/niftystrike/internal/paperbroker"
	"github.com/eddiefleurent/niftystrike/internal/retry"
	"github.com/eddiefleurent/niftystrike/internal/state"
	"github.com/eddiefleurent/niftystrike/internal/statusapi"
	"github.com/eddiefleurent/niftystrike/internal/strategy"
	"github.com/eddiefleurent/niftystrike/internal/tradelog"
)

// entrySettle is the bar-settle delay the entry task waits out after a
// 5-minute grid boundary ticks over (spec §4.8).
const entrySettle = 10 * time.Second

// Config bundles the runner's own tunables; sub-component config lives on
// each sub-component.
type Config struct {
	Symbol            string
	SessionID         string
	Mode              string // "paper"; this rework covers paper only
	StrategyLoopEvery time.Duration
	ExitLoopEvery     time.Duration
	CacheWatchEvery   time.Duration
	StatePath         string
	InitialCapital    float64 // spec §6 position_sizing.initial_capital; portfolio.roi is computed against this
}

func (c Config) normalize() Config {
	if c.StrategyLoopEvery <= 0 {
		c.StrategyLoopEvery = 5 * time.Minute
	}
	if c.ExitLoopEvery <= 0 {
		c.ExitLoopEvery = time.Minute
	}
	if c.CacheWatchEvery <= 0 {
		c.CacheWatchEvery = 5 * time.Minute
	}
	if c.Mode == "" {
		c.Mode = "paper"
	}
	if c.Symbol == "" {
		c.Symbol = "NIFTY"
	}
	if c.InitialCapital <= 0 {
		c.InitialCapital = 100000
	}
	return c
}

// Runner orchestrates the two trading loops and the cache watcher over one
// shared DailyState (spec §4.8, §5: "one coarse mutex").
type Runner struct {
	cfg Config

	clock    *clock.Clock
	cache    *cache.Reader
	analyzer *analyzer.Analyzer
	paper    *paperbroker.Broker
	engine   *strategy.Engine
	stateMgr *state.Manager
	conn     broker.Broker
	retry    *retry.Client
	trades   *tradelog.Log
	logger   *logrus.Logger

	mu  sync.Mutex // guards day and the two loop-running flags
	day *models.DailyState

	entryLoopRunning bool
	exitLoopRunning  bool
	brokerConnected  bool
	lastHeartbeat    time.Time
	recoveredAt      *time.Time

	candidateMu sync.Mutex

	// writeCh feeds the state manager's dedicated writer goroutine so disk
	// I/O never blocks the entry/exit loops while they hold mu (spec §5:
	// "state manager serializes snapshots on a dedicated writer").
	writeCh chan state.WriteRequest
}

// New constructs a Runner. Sub-components must already be constructed by
// the caller (cmd/papertrader's wiring step); Runner only orchestrates
// them.
func New(
	cfg Config,
	clk *clock.Clock,
	cacheReader *cache.Reader,
	an *analyzer.Analyzer,
	paper *paperbroker.Broker,
	engine *strategy.Engine,
	stateMgr *state.Manager,
	conn broker.Broker,
	retryClient *retry.Client,
	trades *tradelog.Log,
	logger *logrus.Logger,
) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Runner{
		cfg:      cfg.normalize(),
		clock:    clk,
		cache:    cacheReader,
		analyzer: an,
		paper:    paper,
		engine:   engine,
		stateMgr: stateMgr,
		conn:     conn,
		retry:    retryClient,
		trades:   trades,
		logger:   logger,
		writeCh:  make(chan state.WriteRequest, 1),
	}
	// The dedicated writer goroutine runs for the Runner's whole lifetime
	// (spec §5) so every flush — including ones issued by tests that drive
	// a tick method directly without calling Run — round-trips through it.
	go r.stateMgr.RunWriter(r.writeCh)
	return r
}

// Run performs startup (broker connect + cache load fanned out
// concurrently, recovery check, reconciliation) and then runs the entry
// loop, exit loop, and cache watcher until ctx is cancelled. It returns
// after all three loops have stopped and final state has been flushed.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.startup(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.entryLoop(ctx) })
	g.Go(func() error { return r.exitLoop(ctx) })
	g.Go(func() error { return r.cacheWatchLoop(ctx) })

	err := g.Wait()

	r.shutdown()
	return err
}

// startup fans broker.Connect and cache.Load out concurrently (spec §4.8
// step 2, SPEC_FULL.md ambient-stack errgroup note), then loads or
// initializes the day's state (step 3).
func (r *Runner) startup(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, err := r.conn.Connect(gctx)
		if err != nil {
			return fmt.Errorf("runner: broker connect: %w", err)
		}
		r.mu.Lock()
		r.brokerConnected = true
		r.mu.Unlock()
		return nil
	})

	g.Go(func() error {
		// Cache-missing is recoverable: the runner falls back to the
		// broker's getNextExpiry (spec §6, §7), so a load failure here
		// never aborts startup.
		if err := r.cache.Load(); err != nil {
			r.logger.WithError(err).Warn("runner: contract cache unavailable at startup, will fall back to broker expiry")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	sessionDate := clock.SessionDate(r.clock.Now())
	doc, recoverable, err := r.stateMgr.CheckRecoverable()
	if err != nil {
		return fmt.Errorf("runner: checking recoverable state: %w", err)
	}

	if recoverable {
		r.day = models.NewDailyState(sessionDate)
		doc.StrategyState.ApplyTo(r.day)
		for _, p := range doc.ActivePositions {
			pos := p
			r.day.ActivePosition = &pos
		}
		r.day.ClosedPositions = append([]models.Position(nil), doc.ClosedPositions...)
		r.paper.Restore(paperbroker.Snapshot{
			Cash:   doc.Portfolio.Cash,
			Open:   mapValues(doc.ActivePositions),
			Closed: doc.ClosedPositions,
		})
		now := r.clock.Now()
		r.recoveredAt = &now
		r.logger.WithField("session_date", sessionDate).Info("runner: resumed recoverable session")
	} else {
		if doc != nil {
			if err := r.stateMgr.Archive(); err != nil {
				r.logger.WithError(err).Warn("runner: archiving stale state file failed")
			}
		}
		r.day = models.NewDailyState(sessionDate)
		r.logger.WithField("session_date", sessionDate).Info("runner: starting fresh session")
	}

	r.performStartupReconciliation()
	r.flushState(r.clock.Now())
	return nil
}

func mapValues(m map[string]models.Position) []models.Position {
	out := make([]models.Position, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}

// performStartupReconciliation compares the paper broker's restored open
// ledger against DailyState.ActivePosition and repairs any mismatch
// (adapted from the teacher's performStartupReconciliation; since the
// paper broker's ledger and the state file are both local, this guards
// against a partially-written state file rather than broker-vs-local
// drift).
func (r *Runner) performStartupReconciliation() {
	open := r.paper.OpenPositions()

	switch {
	case r.day.ActivePosition == nil && len(open) > 0:
		r.logger.WithField("order_id", open[0].OrderID).Warn("runner: reconciliation found a phantom open position with no matching DailyState entry, adopting it")
		p := open[0]
		r.day.ActivePosition = &p
	case r.day.ActivePosition != nil && len(open) == 0:
		r.logger.WithField("order_id", r.day.ActivePosition.OrderID).Warn("runner: reconciliation found a DailyState position with no broker-side ledger entry, dropping it")
		r.day.ActivePosition = nil
	}
}

// shutdown flushes final state and logs out of the broker (spec §4.8:
// "on shutdown, flush state and log out from the broker").
func (r *Runner) shutdown() {
	r.flushState(r.clock.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.conn.Logout(ctx); err != nil {
		r.logger.WithError(err).Warn("runner: broker logout failed during shutdown")
	}
}

// entryLoop runs the 5-minute-cadence entry task (spec §4.8).
func (r *Runner) entryLoop(ctx context.Context) error {
	r.setEntryLoopRunning(true)
	defer r.setEntryLoopRunning(false)

	for {
		if ctx.Err() != nil {
			return nil
		}

		now := r.clock.Now()
		r.maybeRunDailyAnalysis(ctx, now)

		next := clock.NextFiveMinuteBoundary(now, entrySettle)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(next.Sub(now)):
		}
		if ctx.Err() != nil {
			return nil
		}

		r.runEntryTick(ctx, r.clock.Now())
		r.pollCache()
	}
}

// maybeRunDailyAnalysis performs the Idle -> Analyzed transition once per
// day, once the session has opened (spec §4.8 step "if not yet analyzed
// today and now >= 09:15").
func (r *Runner) maybeRunDailyAnalysis(ctx context.Context, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strategy.CurrentPhase(r.day) != strategy.PhaseIdle || !clock.IsAfterSessionStart(now) {
		return
	}

	var spot float64
	err := r.retry.Do(ctx, "daily_analysis:get_spot", func(ctx context.Context) error {
		v, err := r.conn.GetSpotPrice(ctx)
		if err != nil {
			return err
		}
		spot = v
		return nil
	})
	if err != nil {
		r.logger.WithError(err).Info("runner: daily analysis spot fetch failed, will retry next tick")
		return
	}

	expiry := r.resolveExpiry(ctx)
	if expiry == "" {
		r.logger.Info("runner: daily analysis has no expiry yet, will retry next tick")
		return
	}

	strikes := r.candidateStrikes(spot)
	if err := r.loadChain(ctx, expiry, strikes, now); err != nil {
		r.logger.WithError(err).Info("runner: daily analysis chain fetch failed, will retry next tick")
		return
	}

	outcome := r.engine.RunDailyAnalysis(r.day, now, spot, expiry, strikes)
	if outcome.Kind == strategy.OutcomeSignal {
		r.flushStateLocked(now)
	}
}

// runEntryTick fetches the current strike's latest bar and evaluates entry
// (spec §4.8 entry task body), then always flushes a heartbeat (spec §4.6:
// "on every 5-min tick").
func (r *Runner) runEntryTick(ctx context.Context, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evaluateEntryTickLocked(ctx, now)
	r.flushStateLocked(now)
}

// evaluateEntryTickLocked runs the entry-tick body. Caller must hold r.mu.
func (r *Runner) evaluateEntryTickLocked(ctx context.Context, now time.Time) {
	if strategy.CurrentPhase(r.day) != strategy.PhaseAnalyzed {
		return
	}

	var spot float64
	if err := r.retry.Do(ctx, "entry:get_spot", func(ctx context.Context) error {
		v, err := r.conn.GetSpotPrice(ctx)
		if err != nil {
			return err
		}
		spot = v
		return nil
	}); err == nil {
		r.engine.RefreshStrike(r.day, spot, r.candidateStrikes(spot))
	}

	key := models.OptionKey{Strike: r.day.CurrentStrike, Type: models.TypeForDirection(r.day.Direction), Expiry: r.day.Expiry}

	var bar models.OptionBar
	err := r.retry.Do(ctx, "entry:get_candle", func(ctx context.Context) error {
		v, err := r.conn.GetFiveMinuteCandle(ctx, r.tradingSymbol(key), now)
		if err != nil {
			return err
		}
		bar = v
		return nil
	})
	if err != nil {
		r.logger.WithError(err).Info("runner: entry tick candle fetch failed, skipping")
		return
	}

	r.analyzer.AppendBar(key, bar)

	outcome := r.engine.EvaluateEntry(r.day, now, bar)
	if outcome.Kind == strategy.OutcomeTransientError {
		r.logger.WithError(outcome.Err).Warn("runner: entry evaluation transient error")
	}
}

// pollCache checks for a fresh contract-cache snapshot (spec §4.8 entry
// task: "poll cache reader for updates").
func (r *Runner) pollCache() {
	if r.cache.CheckForUpdate() {
		r.logger.Info("runner: contract cache reloaded")
	}
}

// exitLoop runs the 1-minute-cadence exit task (spec §4.8).
func (r *Runner) exitLoop(ctx context.Context) error {
	r.setExitLoopRunning(true)
	defer r.setExitLoopRunning(false)

	ticker := time.NewTicker(r.cfg.ExitLoopEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.runExitTick(ctx, r.clock.Now())
		}
	}
}

// runExitTick fetches LTP and OI for the held position and evaluates exit
// (spec §4.8 exit task body); with no position it evaluates nothing. In
// either case, inside or outside the EOD window, it then flushes a
// heartbeat (spec §4.6: "on every 1-min tick").
func (r *Runner) runExitTick(ctx context.Context, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evaluateExitTickLocked(ctx, now)
	r.flushStateLocked(now)
}

// evaluateExitTickLocked runs the exit-tick body. Caller must hold r.mu.
func (r *Runner) evaluateExitTickLocked(ctx context.Context, now time.Time) {
	if r.day.ActivePosition == nil {
		return
	}

	key := r.day.ActivePosition.OptionKey

	var ltp models.LTP
	err := r.retry.Do(ctx, "exit:get_ltp", func(ctx context.Context) error {
		v, err := r.conn.GetLTP(ctx, r.tradingSymbol(key))
		if err != nil {
			return err
		}
		ltp = v
		return nil
	})
	if err != nil {
		r.logger.WithError(err).Info("runner: exit tick LTP fetch failed, skipping")
		return
	}

	currentOI := r.fetchCurrentOI(ctx, key)

	vwap, haveVWAP := 0.0, false
	if acc, ok := r.day.VWAPAccumulators[key]; ok {
		vwap, haveVWAP = acc.VWAP()
	}

	outcome := r.engine.EvaluateExit(r.day, now, ltp, currentOI, vwap, haveVWAP)
	switch outcome.Kind {
	case strategy.OutcomeSignal:
		if closed := r.lastClosedPosition(); closed != nil {
			if err := r.trades.Append(*closed); err != nil {
				r.logger.WithError(err).Error("runner: trade log append failed")
			}
		}
	case strategy.OutcomeTransientError:
		r.logger.WithError(outcome.Err).Warn("runner: exit evaluation transient error")
	}
}

func (r *Runner) lastClosedPosition() *models.Position {
	if len(r.day.ClosedPositions) == 0 {
		return nil
	}
	return &r.day.ClosedPositions[len(r.day.ClosedPositions)-1]
}

// fetchCurrentOI fetches the latest open-interest reading for key via a
// single-strike options-chain call, returning 0 on failure (treated as a
// transient data error by the evaluator's OI-increase rule, which only
// fires on a positive baseline).
func (r *Runner) fetchCurrentOI(ctx context.Context, key models.OptionKey) int64 {
	var chain []broker.ChainBar
	err := r.retry.Do(ctx, "exit:get_oi", func(ctx context.Context) error {
		v, err := r.conn.GetOptionsChain(ctx, key.Expiry, []int{key.Strike})
		if err != nil {
			return err
		}
		chain = v
		return nil
	})
	if err != nil {
		r.logger.WithError(err).Info("runner: exit tick OI fetch failed, using last-known baseline only")
		return 0
	}
	for _, cb := range chain {
		if cb.Key == key {
			return cb.Bar.OI()
		}
	}
	return 0
}

// cacheWatchLoop is the low-priority cache watcher task (spec §5): it
// supplements the entry loop's own poll with an independent 5-minute
// cadence and starts the fsnotify-assisted watch.
func (r *Runner) cacheWatchLoop(ctx context.Context) error {
	stop := make(chan struct{})
	r.cache.WatchAsync(stop)
	defer close(stop)

	ticker := time.NewTicker(r.cfg.CacheWatchEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.pollCache()
		}
	}
}

// resolveExpiry prefers the cache's current-week mapping, falling back to
// the broker's getNextExpiry if the cache has no mapping loaded (spec §6:
// "Missing mapping -> fall back to adapter's getNextExpiry").
func (r *Runner) resolveExpiry(ctx context.Context) string {
	if r.cache.Loaded() {
		if expiry := r.cache.GetOptionsExpiryMap().CurrentWeek; expiry != "" {
			return expiry
		}
	}
	var expiry string
	err := r.retry.Do(ctx, "resolve_expiry:broker_fallback", func(ctx context.Context) error {
		v, err := r.conn.GetNextExpiry(ctx)
		if err != nil {
			return err
		}
		expiry = v
		return nil
	})
	if err != nil {
		r.logger.WithError(err).Info("runner: broker expiry fallback failed")
		return ""
	}
	return expiry
}

// candidateStrikes builds the strike ladder around spot using the
// cache's observed step (or a NIFTY-typical 50-point default) and the
// strategy's configured width (spec §4.3(3), §6 entry.strikes_*).
func (r *Runner) candidateStrikes(spot float64) []int {
	step := r.cache.GetStrikes().Step
	if step <= 0 {
		step = 50
	}
	above := r.engine.Config.StrikesAboveSpot
	below := r.engine.Config.StrikesBelowSpot
	base := int(spot/float64(step)) * step

	out := make([]int, 0, above+below+1)
	for i := -below; i <= above; i++ {
		out = append(out, base+i*step)
	}
	return out
}

// loadChain fetches and appends the option chain for expiry/strikes into
// the analyzer's working data ahead of a daily-analysis run.
func (r *Runner) loadChain(ctx context.Context, expiry string, strikes []int, now time.Time) error {
	var chain []broker.ChainBar
	err := r.retry.Do(ctx, "daily_analysis:get_chain", func(ctx context.Context) error {
		v, err := r.conn.GetOptionsChain(ctx, expiry, strikes)
		if err != nil {
			return err
		}
		chain = v
		return nil
	})
	if err != nil {
		return err
	}
	for _, cb := range chain {
		r.analyzer.AppendBar(cb.Key, cb.Bar)
	}
	return nil
}

// tradingSymbol renders the vendor-style tradingsymbol string an adapter
// maps to its instrument token (spec §4.7 getLTP/getFiveMinuteCandle take
// "symbol").
func (r *Runner) tradingSymbol(key models.OptionKey) string {
	return fmt.Sprintf("%s%s%d%s", r.cfg.Symbol, key.Expiry, key.Strike, key.Type)
}

func (r *Runner) setEntryLoopRunning(v bool) {
	r.mu.Lock()
	r.entryLoopRunning = v
	r.mu.Unlock()
}

func (r *Runner) setExitLoopRunning(v bool) {
	r.mu.Lock()
	r.exitLoopRunning = v
	r.mu.Unlock()
}

// flushState acquires the lock and flushes (used from contexts not
// already holding it, e.g. startup/shutdown).
func (r *Runner) flushState(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushStateLocked(now)
}

// flushStateLocked builds the Document from the current DailyState and
// hands it to the state manager's dedicated writer goroutine, waiting for
// the write to complete (spec §4.6: flush synchronously after every
// position transition and on every loop tick). Caller must hold r.mu:
// building the document is cheap in-memory work done under the lock, but
// the lock is released for the actual disk write so the other loop can
// still make progress while this one's flush is in flight (spec §5:
// "state manager serializes snapshots on a dedicated writer so disk I/O
// does not block the loops"), then reacquired before returning so the
// caller's deferred Unlock stays correctly paired.
func (r *Runner) flushStateLocked(now time.Time) {
	r.lastHeartbeat = now
	r.day.HeartbeatInstant = now

	snap := r.paper.Snapshot()
	active := make(map[string]models.Position, len(snap.Open))
	for _, p := range snap.Open {
		active[p.OrderID] = p
	}

	lastPrice := make(map[models.OptionKey]float64)
	if r.day.ActivePosition != nil {
		lastPrice[r.day.ActivePosition.OptionKey] = r.day.ActivePosition.PeakPrice
	}
	positionsValue := r.paper.PositionsValue(lastPrice)
	totalValue := snap.Cash + positionsValue

	roi := 0.0
	if r.cfg.InitialCapital > 0 {
		roi = (totalValue - r.cfg.InitialCapital) / r.cfg.InitialCapital
	}

	doc := &state.Document{
		Timestamp:       now,
		SessionDate:     r.day.SessionDate,
		SessionID:       r.cfg.SessionID,
		Mode:            r.cfg.Mode,
		ActivePositions: active,
		ClosedPositions: snap.Closed,
		StrategyState:   state.StrategyStateFromDailyState(r.day),
		DailyStats:      state.ComputeDailyStats(snap.Closed),
		Portfolio: state.Portfolio{
			Cash:           snap.Cash,
			PositionsValue: positionsValue,
			TotalValue:     totalValue,
			ROIPct:         roi,
		},
		SystemHealth: state.SystemHealth{
			LastHeartbeat:    now,
			BrokerConnected:  r.brokerConnected,
			EntryLoopRunning: r.entryLoopRunning,
			ExitLoopRunning:  r.exitLoopRunning,
			RecoveredAt:      r.recoveredAt,
		},
	}

	r.mu.Unlock()
	result := make(chan error, 1)
	r.writeCh <- state.WriteRequest{Doc: doc, Result: result}
	if err := <-result; err != nil {
		r.logger.WithError(err).Error("runner: state flush failed")
	}
	r.mu.Lock()
}

// CurrentState implements statusapi.Provider over the runner's
// mutex-guarded DailyState.
func (r *Runner) CurrentState() statusapi.StateView {
	r.mu.Lock()
	defer r.mu.Unlock()

	return statusapi.StateView{
		SessionDate:      r.day.SessionDate,
		Direction:        r.day.Direction,
		CurrentStrike:    r.day.CurrentStrike,
		Expiry:           r.day.Expiry,
		TradeTaken:       r.day.TradeTaken,
		ActivePosition:   r.day.ActivePosition.Clone(),
		ClosedPositions:  append([]models.Position(nil), r.day.ClosedPositions...),
		Cash:             r.paper.Cash(),
		PositionsValue:   r.paper.PositionsValue(nil),
		LastHeartbeat:    r.lastHeartbeat,
		BrokerConnected:  r.brokerConnected,
		EntryLoopRunning: r.entryLoopRunning,
		ExitLoopRunning:  r.exitLoopRunning,
	}
}
