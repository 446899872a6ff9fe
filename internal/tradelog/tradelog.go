// Package tradelog appends one CSV row per closed trade to a per-session
// log file, flushed and synced before the state manager's own flush so a
// crash never loses a trade record the state file already reflects it
// had (spec §6).
package tradelog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/eddiefleurent/niftystrike/internal/clock"
	"github.com/eddiefleurent/niftystrike/internal/models"
)

var header = []string{
	"entry_time", "exit_time", "strike", "option_type", "expiry",
	"entry_price", "exit_price", "size", "pnl", "pnl_pct",
	"vwap_at_entry", "vwap_at_exit", "oi_at_entry", "oi_change_at_entry",
	"oi_at_exit", "exit_reason",
}

// Log appends closed-position rows to one file for the life of a trading
// session.
type Log struct {
	f *os.File
	w *csv.Writer
}

// Open creates (or appends to) trades_YYYYMMDD_HHMMSS.csv under dir and
// writes the header row when the file is empty.
func Open(dir string, sessionStart time.Time) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tradelog: creating dir %s: %w", dir, err)
	}

	name := fmt.Sprintf("trades_%s.csv", sessionStart.Format("20060102_150405"))
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tradelog: opening %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	info, err := f.Stat()
	if err == nil && info.Size() == 0 {
		if err := w.Write(header); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("tradelog: writing header: %w", err)
		}
		w.Flush()
	}

	return &Log{f: f, w: w}, nil
}

// Append writes one row for a closed position and fsyncs before
// returning, so the row is durable before the caller's subsequent state
// flush (spec §6: "appended on each close before state flush").
func (l *Log) Append(p models.Position) error {
	pnlPct := 0.0
	if p.EntryPrice != 0 {
		pnlPct = (p.ExitPrice - p.EntryPrice) / p.EntryPrice
	}

	row := []string{
		clock.String(p.EntryInstant),
		clock.String(p.ExitInstant),
		strconv.Itoa(p.OptionKey.Strike),
		string(p.OptionKey.Type),
		p.OptionKey.Expiry,
		strconv.FormatFloat(p.EntryPrice, 'f', 2, 64),
		strconv.FormatFloat(p.ExitPrice, 'f', 2, 64),
		strconv.Itoa(p.Quantity),
		strconv.FormatFloat(p.PnL, 'f', 2, 64),
		strconv.FormatFloat(pnlPct, 'f', 4, 64),
		strconv.FormatFloat(p.VWAPAtEntry, 'f', 2, 64),
		strconv.FormatFloat(p.VWAPAtExit, 'f', 2, 64),
		strconv.FormatInt(p.OIAtEntry, 10),
		strconv.FormatFloat(p.OIChangePct, 'f', 4, 64),
		strconv.FormatInt(p.OIAtExit, 10),
		string(p.ExitReason),
	}

	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("tradelog: writing row: %w", err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("tradelog: flushing writer: %w", err)
	}
	return l.f.Sync()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.w.Flush()
	return l.f.Close()
}
