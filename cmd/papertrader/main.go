// Package main provides the entry point for the NIFTY OI/VWAP paper
// trading engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/eddiefleurent/niftystrike/internal/analyzer"
	"github.com/eddiefleurent/niftystrike/internal/broker"
	"github.com/eddiefleurent/niftystrike/internal/broker/angelone"
	"github.com/eddiefleurent/niftystrike/internal/broker/zerodha"
	"github.com/eddiefleurent/niftystrike/internal/cache"
	"github.com/eddiefleurent/niftystrike/internal/clock"
	"github.com/eddiefleurent/niftystrike/internal/config"
	"github.com/eddiefleurent/niftystrike/internal/paperbroker"
	"github.com/eddiefleurent/niftystrike/internal/retry"
	"github.com/eddiefleurent/niftystrike/internal/runner"
	"github.com/eddiefleurent/niftystrike/internal/state"
	"github.com/eddiefleurent/niftystrike/internal/statusapi"
	"github.com/eddiefleurent/niftystrike/internal/strategy"
	"github.com/eddiefleurent/niftystrike/internal/tradelog"
)

// Exit codes (spec §6).
const (
	exitClean          = 0
	exitConfigError    = 2
	exitBrokerConnect  = 3
	exitStateCorrupt   = 4
	exitInterrupted    = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var brokerFlag, configPath, credsPath string
	flag.StringVar(&brokerFlag, "broker", "auto", "broker adapter: zerodha, angelone, or auto")
	flag.StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	flag.StringVar(&credsPath, "credentials", "credentials.yaml", "path to credentials file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "papertrader: config error: %v\n", err)
		return exitConfigError
	}
	if !cfg.IsPaperTrading() {
		fmt.Fprintln(os.Stderr, "papertrader: broker.mode=live is not supported by this build")
		return exitConfigError
	}

	logger.SetLevel(logrus.InfoLevel)

	creds, err := loadCredentials(credsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "papertrader: credentials error: %v\n", err)
		return exitConfigError
	}

	conn, err := buildBrokerAdapter(brokerFlag, creds, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "papertrader: broker selection error: %v\n", err)
		return exitConfigError
	}

	clk := clock.New()
	now := clk.Now()

	cacheReader := cache.New(cfg.Cache.Path, logger)
	an := analyzer.New(50)
	paper := paperbroker.New(paperbroker.Config{
		InitialCapital: cfg.PositionSizing.InitialCapital,
		MaxPositions:   cfg.RiskManagement.MaxPositions,
	})
	engine := strategy.New(an, paper, strategyConfigFrom(cfg), logger)

	stateMgr := state.NewManager(cfg.Storage.StateDir, clock.SessionDate(now))
	if _, _, err := stateMgr.Load(); err != nil && errors.Is(err, state.ErrCorrupt) {
		fmt.Fprintf(os.Stderr, "papertrader: state file corrupt: %v\n", err)
		return exitStateCorrupt
	}

	retryClient := retry.New(retry.DefaultConfig(), logger)

	trades, err := tradelog.Open(cfg.Storage.LogDir, now)
	if err != nil {
		fmt.Fprintf(os.Stderr, "papertrader: cannot open trade log: %v\n", err)
		return exitConfigError
	}
	defer func() { _ = trades.Close() }()

	sessionID := fmt.Sprintf("%s-%d", clock.SessionDate(now), now.Unix())
	r := runner.New(runner.Config{
		Symbol:         "NIFTY",
		SessionID:      sessionID,
		Mode:           string(cfg.Broker.Mode),
		InitialCapital: cfg.PositionSizing.InitialCapital,
	}, clk, cacheReader, an, paper, engine, stateMgr, conn, retryClient, trades, logger)

	var statusServer *statusapi.Server
	if cfg.StatusAPI.Enabled {
		statusServer = statusapi.New(statusapi.Config{Port: cfg.StatusAPI.Port, AuthToken: cfg.StatusAPI.AuthToken}, r, logger)
		statusServer.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := statusServer.Shutdown(ctx); err != nil {
				logger.WithError(err).Warn("papertrader: status API shutdown error")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	interrupted := false
	go func() {
		<-sigChan
		logger.Info("papertrader: shutdown signal received")
		interrupted = true
		cancel()
	}()

	if err := r.Run(ctx); err != nil {
		if interrupted || errors.Is(err, context.Canceled) {
			return exitInterrupted
		}
		fmt.Fprintf(os.Stderr, "papertrader: broker connect failed: %v\n", err)
		return exitBrokerConnect
	}

	if interrupted {
		return exitInterrupted
	}
	logger.Info("papertrader: clean shutdown")
	return exitClean
}

func loadCredentials(path string) (broker.Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return broker.Credentials{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var creds broker.Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return broker.Credentials{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return creds, nil
}

// buildBrokerAdapter selects and constructs a concrete adapter, wrapped in
// the circuit breaker, per --broker or credential-shape auto-detection
// (spec §6).
func buildBrokerAdapter(brokerFlag string, creds broker.Credentials, logger *logrus.Logger) (broker.Broker, error) {
	kind := broker.AdapterKind(brokerFlag)
	if brokerFlag == "auto" {
		detected, err := broker.DetectAdapter(creds)
		if err != nil {
			return nil, err
		}
		kind = detected
	}

	var inner broker.Broker
	switch kind {
	case broker.AdapterZerodha:
		inner = zerodha.New(zerodha.Credentials{
			UserID:     creds.UserID,
			Password:   creds.Password,
			TOTPSecret: creds.TOTPSecret,
			APIKey:     creds.APIKey,
			APISecret:  creds.APISecret,
		}, logger)
	case broker.AdapterAngelOne:
		inner = angelone.New(angelone.Credentials{
			ClientCode: creds.ClientCode,
			Password:   creds.Password,
			TOTPSecret: creds.TOTPSecret,
			APIKey:     creds.APIKey,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown broker adapter %q", brokerFlag)
	}

	return broker.NewCircuitBreakerBroker(inner), nil
}

// strategyConfigFrom maps the YAML configuration onto the strategy
// engine's Config (spec §6).
func strategyConfigFrom(cfg *config.Config) strategy.Config {
	mode := strategy.ExitPriceStrict
	if cfg.Broker.ExitPriceMode == config.ExitPriceModeMarket {
		mode = strategy.ExitPriceMarket
	}
	return strategy.Config{
		Symbol:             "NIFTY",
		StrikesAboveSpot:   cfg.Entry.StrikesAboveSpot,
		StrikesBelowSpot:   cfg.Entry.StrikesBelowSpot,
		InitialStopLossPct: cfg.Exit.InitialStopLossPct,
		ProfitThreshold:    cfg.Exit.ProfitThreshold,
		TrailingStopPct:    cfg.Exit.TrailingStopPct,
		VWAPStopPct:        cfg.Exit.VWAPStopPct,
		OIIncreaseStopPct:  cfg.Exit.OIIncreaseStopPct,
		LotSize:            cfg.Market.OptionLotSize,
		MaxTradesPerDay:    cfg.RiskManagement.MaxTradesPerDay,
		ExitPriceMode:      mode,
	}
}
