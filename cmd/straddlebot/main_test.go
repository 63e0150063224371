package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/scranton_straddle/internal/broker"
	"github.com/eddiefleurent/scranton_straddle/internal/config"
	"github.com/eddiefleurent/scranton_straddle/internal/logging"
	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/storage"
)

func writeConfig(t *testing.T, dsn string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `environment:
  mode: test
  log_level: error
broker:
  account_id: DU1
storage:
  driver: sqlite
  dsn: ` + dsn + `
dashboard:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}

func TestRegister(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "straddle.db")
	path := writeConfig(t, dsn)

	out, err := execute(t, "--config", path, "register", "spy", "--con-id", "756733", "--primary-exchange", "ARCA")
	require.NoError(t, err)
	assert.Contains(t, out, "registered SPY")

	store, err := storage.Open("sqlite", dsn, logging.Discard())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	regs, err := store.LoadRegistry(context.Background())
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "SPY", regs[0].Symbol)
	assert.Equal(t, "ARCA", regs[0].ScheduleExchange())
	assert.Equal(t, 100, regs[0].OptionMultiplier)

	_, err = execute(t, "--config", path, "register", "QQQ", "--con-id", "320227571")
	require.Error(t, err, "stocks need a primary exchange")

	_, err = execute(t, "--config", path, "register", "SPX", "--sec-type", "IND")
	require.Error(t, err, "con-id is required")
}

func TestRun_EmptyRegistryIsFatal(t *testing.T) {
	path := writeConfig(t, filepath.Join(t.TempDir(), "straddle.db"))
	_, err := execute(t, "--config", path, "run")
	require.Error(t, err)
	assert.Equal(t, models.FaultFatal, models.KindOf(err))
}

func TestNewBroker(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.AccountID = "DU1"
	cfg.Environment.Mode = config.ModeTest
	b, paper := newBroker(cfg, logging.Discard())
	require.NotNil(t, paper)
	require.NoError(t, b.Connect(context.Background()))
	summary, err := b.AccountSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(paperFunds), summary[broker.TagAvailableFunds])

	cfg.Environment.Mode = config.ModePaper
	cfg.Broker.Endpoint = "http://127.0.0.1:1"
	cfg.Broker.RequestTimeout = 100 * time.Millisecond
	gw, paper := newBroker(cfg, logging.Discard())
	assert.Nil(t, paper)
	assert.False(t, gw.Connected())
}

func TestScheduleExchanges(t *testing.T) {
	regs := []models.Registration{
		{Symbol: "SPY", SecType: models.SecTypeStock, PrimaryExchange: "ARCA"},
		{Symbol: "QQQ", SecType: models.SecTypeStock, PrimaryExchange: "NASDAQ"},
		{Symbol: "IWM", SecType: models.SecTypeStock, PrimaryExchange: "ARCA"},
		{Symbol: "SPX", SecType: models.SecTypeIndex, Exchange: "CBOE"},
	}
	assert.Equal(t, []string{"ARCA", "NASDAQ", "CBOE"}, scheduleExchanges(regs))
}

func TestConfigMapping(t *testing.T) {
	cfg := config.Default()
	ec := engineConfig(cfg)
	assert.Equal(t, cfg.Strategy.AllocationPct, ec.AllocationPct)
	assert.Equal(t, models.TimeInForce(cfg.Execution.TimeInForce), ec.TimeInForce)

	sc := schedulerConfig(cfg)
	assert.Equal(t, cfg.Session.TickInterval, sc.TickPeriod)
	assert.Equal(t, cfg.Strategy.ProfitTarget, sc.Monitor.TargetReturn)
	assert.Equal(t, 3, sc.AttributeAttempts)
}
