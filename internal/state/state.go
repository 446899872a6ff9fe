// Package state persists the per-day trading state document atomically
// and recovers it after a crash or restart (spec §4.6). The write
// mechanics (temp file + fsync + rename, with an EXDEV fallback) are
// adapted from the teacher's JSONStorage.saveUnsafe/copyFile.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/eddiefleurent/niftystrike/internal/models"
)

// ErrCorrupt is wrapped around JSON decode failures on a state file that
// exists, distinguishing "never written" from "written but unreadable"
// (spec §7: the latter is a fatal startup error).
var ErrCorrupt = errors.New("state: file exists but is not valid JSON")

// VWAPEntry and OIEntry externalize the per-OptionKey maps as slices,
// since encoding/json cannot key a map on a struct type directly.
type VWAPEntry struct {
	Key         models.OptionKey        `json:"key"`
	Accumulator models.VWAPAccumulator  `json:"accumulator"`
}

type OIEntry struct {
	Key models.OptionKey `json:"key"`
	OI  int64            `json:"oi"`
}

// StrategyState mirrors the mutable fields of models.DailyState that the
// strategy engine owns (spec §4.6 strategyState).
type StrategyState struct {
	Direction        models.Direction  `json:"direction"`
	CurrentStrike    int               `json:"current_strike"`
	Expiry           string            `json:"expiry"`
	TradeTaken       bool              `json:"trade_taken"`
	VWAPAccumulators []VWAPEntry       `json:"vwap_accumulators"`
	LastOIPerKey     []OIEntry         `json:"last_oi_per_key"`
}

// StrategyStateFromDailyState converts the live in-memory DailyState into its
// serializable form.
func StrategyStateFromDailyState(d *models.DailyState) StrategyState {
	ss := StrategyState{
		Direction:     d.Direction,
		CurrentStrike: d.CurrentStrike,
		Expiry:        d.Expiry,
		TradeTaken:    d.TradeTaken,
	}
	for k, v := range d.VWAPAccumulators {
		ss.VWAPAccumulators = append(ss.VWAPAccumulators, VWAPEntry{Key: k, Accumulator: v})
	}
	for k, v := range d.LastOIPerKey {
		ss.LastOIPerKey = append(ss.LastOIPerKey, OIEntry{Key: k, OI: v})
	}
	return ss
}

// ApplyTo restores StrategyState fields onto a DailyState, used during
// recovery.
func (ss StrategyState) ApplyTo(d *models.DailyState) {
	d.Direction = ss.Direction
	d.CurrentStrike = ss.CurrentStrike
	d.Expiry = ss.Expiry
	d.TradeTaken = ss.TradeTaken
	d.VWAPAccumulators = make(map[models.OptionKey]models.VWAPAccumulator, len(ss.VWAPAccumulators))
	for _, e := range ss.VWAPAccumulators {
		d.VWAPAccumulators[e.Key] = e.Accumulator
	}
	d.LastOIPerKey = make(map[models.OptionKey]int64, len(ss.LastOIPerKey))
	for _, e := range ss.LastOIPerKey {
		d.LastOIPerKey[e.Key] = e.OI
	}
}

// DailyStats summarizes the day's trade outcomes (spec §4.6 dailyStats).
type DailyStats struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	TotalPnL    float64 `json:"total_pnl"`
	WinRate     float64 `json:"win_rate"`
}

// ComputeDailyStats derives DailyStats from a day's closed positions.
func ComputeDailyStats(closed []models.Position) DailyStats {
	var stats DailyStats
	for _, p := range closed {
		stats.TotalTrades++
		stats.TotalPnL += p.PnL
		if p.PnL > 0 {
			stats.Wins++
		} else if p.PnL < 0 {
			stats.Losses++
		}
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades)
	}
	return stats
}

// Portfolio is the account-level rollup (spec §4.6 portfolio).
type Portfolio struct {
	Cash           float64 `json:"cash"`
	PositionsValue float64 `json:"positions_value"`
	TotalValue     float64 `json:"total_value"`
	ROIPct         float64 `json:"roi_pct"`
}

// SystemHealth reports loop liveness and broker connectivity (spec §4.6
// systemHealth).
type SystemHealth struct {
	LastHeartbeat    time.Time  `json:"last_heartbeat"`
	BrokerConnected  bool       `json:"broker_connected"`
	EntryLoopRunning bool       `json:"entry_loop_running"`
	ExitLoopRunning  bool       `json:"exit_loop_running"`
	RecoveredAt      *time.Time `json:"recovered_at,omitempty"`
}

// Document is the complete per-day state file (spec §4.6).
type Document struct {
	Timestamp       time.Time          `json:"timestamp"`
	SessionDate     string             `json:"session_date"`
	SessionID       string             `json:"session_id"`
	Mode            string             `json:"mode"` // paper|live
	ActivePositions map[string]models.Position `json:"active_positions"`
	ClosedPositions []models.Position  `json:"closed_positions"`
	StrategyState   StrategyState      `json:"strategy_state"`
	DailyStats      DailyStats         `json:"daily_stats"`
	Portfolio       Portfolio          `json:"portfolio"`
	SystemHealth    SystemHealth       `json:"system_health"`
}

// IsRecoverable reports whether this document represents an interrupted
// session worth resuming: an open position, or a trade already taken
// today (spec §4.6 recovery).
func (d *Document) IsRecoverable() bool {
	return len(d.ActivePositions) > 0 || d.StrategyState.TradeTaken
}

// Manager writes and recovers the per-day trading-state document.
type Manager struct {
	dir         string
	sessionDate string
	mu          sync.Mutex // serializes writes; disk I/O never overlaps across flushes
}

// NewManager returns a Manager rooted at dir for the given session date
// (YYYYMMDD).
func NewManager(dir, sessionDate string) *Manager {
	return &Manager{dir: dir, sessionDate: sessionDate}
}

// Path returns the per-day state file path.
func (m *Manager) Path() string {
	return filepath.Join(m.dir, fmt.Sprintf("trading_state_%s.json", m.sessionDate))
}

// Load reads and parses the state file if present. Returns
// (nil, false, nil) if the file does not exist. A file that exists but
// fails to parse is a fatal error wrapping ErrCorrupt (spec §7).
func (m *Manager) Load() (*Document, bool, error) {
	data, err := os.ReadFile(m.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("state: reading %s: %w", m.Path(), err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, m.Path(), err)
	}
	return &doc, true, nil
}

// CheckRecoverable loads today's file, if any, and reports whether it
// represents a resumable session (spec §4.6).
func (m *Manager) CheckRecoverable() (*Document, bool, error) {
	doc, exists, err := m.Load()
	if err != nil || !exists {
		return doc, false, err
	}
	return doc, doc.IsRecoverable(), nil
}

// Archive renames the current state file aside with a timestamp suffix,
// called before a fresh-start overwrite so an abandoned session's state
// is never silently lost (spec §4.6).
func (m *Manager) Archive() error {
	path := m.Path()
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("state: stat before archive: %w", err)
	}
	archived := fmt.Sprintf("%s.%s.bak", path, time.Now().Format("150405"))
	if err := os.Rename(path, archived); err != nil {
		return fmt.Errorf("state: archiving %s: %w", path, err)
	}
	return nil
}

// Save atomically writes doc to the per-day state file: write to a temp
// file in the same directory, fsync, rename over the target, fsync the
// parent directory. Falls back to copy+remove on EXDEV (teacher's
// storage.go pattern, domain-agnostic).
func (m *Manager) Save(doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("state: creating dir %s: %w", m.dir, err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshaling document: %w", err)
	}

	path := m.Path()
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("state: creating temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("state: writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("state: syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("state: closing temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			if cerr := copyFile(tmp, path); cerr != nil {
				return fmt.Errorf("state: cross-device copy fallback: %w", cerr)
			}
			_ = os.Remove(tmp)
		} else {
			return fmt.Errorf("state: renaming into place: %w", err)
		}
	}

	return syncDir(m.dir)
}

// copyFile is the EXDEV fallback for Save's rename.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("state: opening dir for fsync: %w", err)
	}
	defer func() { _ = d.Close() }()
	// Not all filesystems support fsync on directories; ignore ENOTSUP-style
	// errors rather than fail the flush outright.
	_ = d.Sync()
	return nil
}

// WriteRequest pairs a document with the result channel used by the
// dedicated-writer goroutine (spec §5: "state manager serializes
// snapshots on dedicated writer, disk I/O doesn't block loops").
type WriteRequest struct {
	Doc    *Document
	Result chan<- error
}

// RunWriter consumes WriteRequests from reqs until it is closed,
// serializing all disk I/O on one goroutine. A caller that waits on Result
// blocks until its own write finishes, but does not hold the runner's
// mutex while it waits.
func (m *Manager) RunWriter(reqs <-chan WriteRequest) {
	for req := range reqs {
		err := m.Save(req.Doc)
		if req.Result != nil {
			req.Result <- err
		}
	}
}
