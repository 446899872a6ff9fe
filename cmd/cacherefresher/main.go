// Package main is an illustrative reference stub for the sibling
// contract-cache producer process (out of scope for the trading engine
// itself per spec §1, but its write contract is exercised here so the
// cache file's schema has a runnable producer to point at, per
// SPEC_FULL.md §2).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type cacheFile struct {
	Options struct {
		ExpiryDates []string          `json:"expiry_dates"`
		Mapping     map[string]string `json:"mapping"`
		Strikes     struct {
			Min  int `json:"min"`
			Max  int `json:"max"`
			Step int `json:"step"`
		} `json:"strikes"`
		LotSize int `json:"lot_size"`
	} `json:"options"`
}

func main() {
	var path string
	var spot float64
	flag.StringVar(&path, "path", "cache/options.json", "contract cache file to refresh")
	flag.Float64Var(&spot, "spot", 22000, "illustrative spot price used to center the strike grid")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	c := cron.New()
	_, err := c.AddFunc("*/5 * * * *", func() {
		if err := refresh(path, spot); err != nil {
			logger.WithError(err).Error("cacherefresher: refresh failed")
			return
		}
		logger.WithField("path", path).Info("cacherefresher: cache refreshed")
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "cacherefresher: invalid cron schedule: %v\n", err)
		os.Exit(2)
	}

	if err := refresh(path, spot); err != nil {
		logger.WithError(err).Error("cacherefresher: initial refresh failed")
	}

	c.Start()
	select {}
}

// refresh computes the current NIFTY weekly/monthly expiry buckets and
// writes the cache file atomically (temp + rename), mirroring the write
// contract the core's internal/cache.Reader expects (spec §6).
func refresh(path string, spot float64) error {
	now := time.Now()
	weekly := nextThursday(now)
	nextWeekly := nextThursday(weekly.AddDate(0, 0, 1))
	monthly := lastThursdayOfMonth(now.Year(), now.Month())
	if monthly.Before(now) {
		monthly = lastThursdayOfMonth(now.Year(), now.Month()+1)
	}
	nextMonthly := lastThursdayOfMonth(monthly.Year(), monthly.Month()+1)

	var cf cacheFile
	cf.Options.ExpiryDates = []string{
		weekly.Format("2006-01-02"),
		nextWeekly.Format("2006-01-02"),
		monthly.Format("2006-01-02"),
	}
	cf.Options.Mapping = map[string]string{
		"current_week":  weekly.Format("2006-01-02"),
		"next_week":     nextWeekly.Format("2006-01-02"),
		"current_month": monthly.Format("2006-01-02"),
		"next_month":    nextMonthly.Format("2006-01-02"),
	}
	cf.Options.Strikes.Step = 50
	cf.Options.Strikes.Min = int(spot) - 1000
	cf.Options.Strikes.Max = int(spot) + 1000
	cf.Options.LotSize = 75

	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("cacherefresher: marshaling cache: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cacherefresher: creating dir %s: %w", dir, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cacherefresher: writing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("cacherefresher: renaming into place: %w", err)
	}
	return nil
}

func nextThursday(from time.Time) time.Time {
	d := from
	for d.Weekday() != time.Thursday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func lastThursdayOfMonth(year int, month time.Month) time.Time {
	firstOfNextMonth := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	d := firstOfNextMonth.AddDate(0, 0, -1)
	for d.Weekday() != time.Thursday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}
