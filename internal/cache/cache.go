// Package cache reads the contract-cache JSON file written atomically by
// a sibling process (out of scope here) and serves expiry/lot-size
// lookups to the strategy engine. The core never writes this file (spec
// §4.2, §6).
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ErrCacheMissing is returned by Load when the contract-cache file does
// not exist at startup.
var ErrCacheMissing = errors.New("cache: contract cache file missing")

const defaultLotSize = 75

// ExpiryMap names the four expiry buckets the strategy engine resolves
// trades against (spec §4.2, §6).
type ExpiryMap struct {
	CurrentWeek  string `json:"current_week"`
	NextWeek     string `json:"next_week"`
	CurrentMonth string `json:"current_month"`
	NextMonth    string `json:"next_month"`
}

// Strikes describes the strike grid the producer observed.
type Strikes struct {
	Min  int `json:"min"`
	Max  int `json:"max"`
	Step int `json:"step"`
}

type fileSchema struct {
	Options struct {
		ExpiryDates []string  `json:"expiry_dates"`
		Mapping     ExpiryMap `json:"mapping"`
		Strikes     Strikes   `json:"strikes"`
		LotSize     int       `json:"lot_size"`
	} `json:"options"`
}

// snapshot is the immutable, atomically-swapped view of the cache file's
// contents (spec §4.2: "pointer swap under short lock").
type snapshot struct {
	expiryDates []string
	mapping     ExpiryMap
	strikes     Strikes
	lotSize     int
	modTime     time.Time
}

// Reader polls (and optionally watches) the contract-cache file and
// exposes a lock-free-to-read current snapshot.
type Reader struct {
	path    string
	logger  *logrus.Logger
	current atomic.Pointer[snapshot]
	watcher *fsnotify.Watcher
}

// New constructs a Reader for the file at path. It does not read the file
// yet; call Load to perform the required-at-startup read.
func New(path string, logger *logrus.Logger) *Reader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reader{path: path, logger: logger}
}

// Load performs the mandatory startup read. Returns ErrCacheMissing if
// the file is absent, which the runner treats as a fallback-to-adapter
// condition rather than a fatal error (spec §6, §7).
func (r *Reader) Load() error {
	snap, err := r.readFile()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrCacheMissing, r.path)
		}
		return err
	}
	r.current.Store(snap)
	return nil
}

func (r *Reader) readFile() (*snapshot, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, err
	}

	var fs fileSchema
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("cache: decoding %s: %w", r.path, err)
	}

	lotSize := fs.Options.LotSize
	if lotSize <= 0 {
		lotSize = defaultLotSize
	}

	return &snapshot{
		expiryDates: fs.Options.ExpiryDates,
		mapping:     fs.Options.Mapping,
		strikes:     fs.Options.Strikes,
		lotSize:     lotSize,
		modTime:     info.ModTime(),
	}, nil
}

// CheckForUpdate stats the file and reloads (pointer swap) if its mtime
// advanced since the last successful load. Returns true if a reload
// happened. Errors are logged and treated as "no update" so a transient
// stat failure never disturbs the currently-loaded snapshot (spec §4.2,
// §7 recoverable-state-error fallback).
func (r *Reader) CheckForUpdate() bool {
	info, err := os.Stat(r.path)
	if err != nil {
		r.logger.WithError(err).Warn("cache: stat failed, keeping current snapshot")
		return false
	}

	cur := r.current.Load()
	if cur != nil && !info.ModTime().After(cur.modTime) {
		return false
	}

	snap, err := r.readFile()
	if err != nil {
		r.logger.WithError(err).Warn("cache: reload failed, keeping current snapshot")
		return false
	}
	r.current.Store(snap)
	r.logger.Info("cache: reloaded contract cache")
	return true
}

// WatchAsync starts an fsnotify watch on the cache file's directory and
// triggers CheckForUpdate on write events, supplementing the 5-minute
// poll with a near-immediate reaction to the producer's atomic rename.
// Errors starting the watch are logged and non-fatal: polling alone still
// satisfies the spec's staleness bound.
func (r *Reader) WatchAsync(stop <-chan struct{}) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.WithError(err).Warn("cache: fsnotify unavailable, relying on poll only")
		return
	}
	r.watcher = w

	dir := dirOf(r.path)
	if err := w.Add(dir); err != nil {
		r.logger.WithError(err).Warn("cache: fsnotify watch failed, relying on poll only")
		_ = w.Close()
		return
	}

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name == r.path && (ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0) {
					r.CheckForUpdate()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.WithError(err).Warn("cache: fsnotify watch error")
			}
		}
	}()
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// GetOptionsExpiryMap returns the current expiry bucket mapping. Zero
// value if the cache has never loaded.
func (r *Reader) GetOptionsExpiryMap() ExpiryMap {
	snap := r.current.Load()
	if snap == nil {
		return ExpiryMap{}
	}
	return snap.mapping
}

// GetOptionsLotSize returns the configured lot size, defaulting to 75
// when absent from the file (spec §6).
func (r *Reader) GetOptionsLotSize() int {
	snap := r.current.Load()
	if snap == nil {
		return defaultLotSize
	}
	return snap.lotSize
}

// GetStrikes returns the strike grid the producer last observed.
func (r *Reader) GetStrikes() Strikes {
	snap := r.current.Load()
	if snap == nil {
		return Strikes{}
	}
	return snap.strikes
}

// Loaded reports whether a snapshot has ever been successfully read.
func (r *Reader) Loaded() bool {
	return r.current.Load() != nil
}
