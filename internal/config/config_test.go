package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
position_sizing:
  initial_capital: 50000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50000.0, cfg.PositionSizing.InitialCapital)
	assert.Equal(t, defaultLotSize, cfg.Market.OptionLotSize)
	assert.Equal(t, "09:30", cfg.Entry.StartTime)
	assert.Equal(t, BrokerModePaper, cfg.Broker.Mode)
	assert.Equal(t, ExitPriceModeStrict, cfg.Broker.ExitPriceMode)
	assert.Equal(t, defaultStrategyLoopMin, cfg.Monitoring.StrategyLoopIntervalMin)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	require.NoError(t, os.Setenv("NIFTYSTRIKE_TEST_TOKEN", "abc123"))
	defer os.Unsetenv("NIFTYSTRIKE_TEST_TOKEN")

	path := writeConfig(t, `
position_sizing:
  initial_capital: 100000
status_api:
  auth_token: "${NIFTYSTRIKE_TEST_TOKEN}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "abc123", cfg.StatusAPI.AuthToken)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
position_sizing:
  initial_capital: 100000
bogus_field: true
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidBrokerMode(t *testing.T) {
	path := writeConfig(t, `
position_sizing:
  initial_capital: 100000
broker:
  mode: "invalid"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsNegativeCapital(t *testing.T) {
	path := writeConfig(t, `
position_sizing:
  initial_capital: -1
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestIsPaperTrading(t *testing.T) {
	c := &Config{Broker: BrokerConfig{Mode: BrokerModePaper}}
	assert.True(t, c.IsPaperTrading())
	c.Broker.Mode = BrokerModeLive
	assert.False(t, c.IsPaperTrading())
}
