package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/scranton_straddle/internal/account"
	"github.com/eddiefleurent/scranton_straddle/internal/broker"
	"github.com/eddiefleurent/scranton_straddle/internal/calendar"
	"github.com/eddiefleurent/scranton_straddle/internal/config"
	"github.com/eddiefleurent/scranton_straddle/internal/dashboard"
	"github.com/eddiefleurent/scranton_straddle/internal/instrument"
	"github.com/eddiefleurent/scranton_straddle/internal/logging"
	"github.com/eddiefleurent/scranton_straddle/internal/mock"
	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/monitor"
	"github.com/eddiefleurent/scranton_straddle/internal/orders"
	"github.com/eddiefleurent/scranton_straddle/internal/reconcile"
	"github.com/eddiefleurent/scranton_straddle/internal/retry"
	"github.com/eddiefleurent/scranton_straddle/internal/scheduler"
	"github.com/eddiefleurent/scranton_straddle/internal/signal"
	"github.com/eddiefleurent/scranton_straddle/internal/storage"
)

// paperFunds seeds the simulated account in test mode.
const paperFunds = 100000

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run today's trading session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := logging.New(os.Stdout, cfg.Environment.LogLevel, cfg.Environment.LogFormat)

			ctx, stop := ossignal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSession(ctx, cfg, logger)
		},
	}
}

// newBroker picks the simulator in test mode and the gateway otherwise, both
// behind the circuit breaker. paper is nil outside test mode.
func newBroker(cfg *config.Config, logger logrus.FieldLogger) (client *broker.CircuitBreakerClient, paper *broker.Paper) {
	var inner broker.Client
	if cfg.Environment.Mode == config.ModeTest {
		paper = broker.NewPaper(cfg.Broker.AccountID, paperFunds, logger)
		inner = paper
	} else {
		inner = broker.NewGateway(broker.GatewayConfig{
			BaseURL:        cfg.Broker.Endpoint,
			StreamURL:      cfg.Broker.StreamEndpoint,
			AccountID:      cfg.Broker.AccountID,
			APIKey:         cfg.Broker.APIKey,
			RequestTimeout: cfg.Broker.RequestTimeout,
			SubscribeRate:  cfg.Broker.SubscribeRate,
		}, logger)
	}
	return broker.NewCircuitBreakerClient(inner, logger), paper
}

// connectBroker dials the broker, retrying until the connect timeout.
func connectBroker(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*broker.CircuitBreakerClient, *broker.Paper, error) {
	client, paper := newBroker(cfg, logger)
	retrier := retry.New(logger, retry.Config{Timeout: cfg.Broker.ConnectTimeout})
	if _, err := retry.Do(ctx, retrier, "connect", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, client.Connect(ctx)
	}); err != nil {
		return nil, nil, models.FatalError("connecting to broker: %w", err)
	}
	return client, paper, nil
}

func disconnect(client broker.Client, logger logrus.FieldLogger) {
	if err := client.Disconnect(); err != nil {
		logger.WithError(err).Warn("Disconnecting broker failed")
	}
}

func newCalendar(cfg *config.Config) (*calendar.Static, error) {
	return calendar.NewStatic(cfg.Location(), cfg.Calendar.Holidays, cfg.Calendar.EarlyCloses)
}

func scheduleExchanges(regs []models.Registration) []string {
	seen := make(map[string]bool, len(regs))
	var out []string
	for _, reg := range regs {
		ex := reg.ScheduleExchange()
		if !seen[ex] {
			seen[ex] = true
			out = append(out, ex)
		}
	}
	return out
}

func runSession(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	loc := cfg.Location()
	now := time.Now().In(loc)
	logger.WithFields(logrus.Fields{
		"mode":    cfg.Environment.Mode,
		"account": cfg.Broker.AccountID,
	}).Info("Starting straddle session")
	if cfg.IsLive() {
		logger.Warn("LIVE TRADING MODE - real money at risk")
	}

	cal, err := newCalendar(cfg)
	if err != nil {
		return fmt.Errorf("building calendar: %w", err)
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("Closing storage failed")
		}
	}()

	regs, err := store.LoadRegistry(ctx)
	if err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}
	if len(regs) == 0 {
		return models.FatalError("no underlyings registered")
	}
	if !calendar.AnyOpenToday(cal, scheduleExchanges(regs), now) {
		logger.Info("No registered market trades for the rest of today, nothing to do")
		return nil
	}

	client, paper, err := connectBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer disconnect(client, logger)

	if paper != nil {
		sess, _ := cal.Schedule(regs[0].ScheduleExchange(), now)
		market := mock.NewMarket(paper, regs, sess.Close, mock.Config{}, logger)
		marketCtx, stopMarket := context.WithCancel(ctx)
		defer stopMarket()
		go market.Run(marketCtx, cfg.Session.TickInterval)
		logger.Info("Test mode: paper broker fed by a synthetic market")
	}

	tracker := account.NewTracker(client, retry.New(logger), logger)
	if _, err := tracker.Refresh(ctx); err != nil {
		return models.FatalError("reading account summary: %w", err)
	}

	since := now
	roster := scheduler.Load(ctx, instrument.Deps{
		Broker:   client,
		Store:    store,
		Calendar: cal,
		Location: loc,
		Logger:   logger,
		Config: instrument.Config{
			QualifyTimeout: cfg.Instrument.QualifyTimeout,
			PollInterval:   cfg.Instrument.PollInterval,
			StrikeWidth:    cfg.Instrument.StrikeWidth,
			EntryDelay:     cfg.Instrument.EntryDelay,
			EntryCutoff:    cfg.Instrument.EntryCutoff,
			HoldingPeriod:  cfg.Instrument.HoldingPeriod,
			VolLookback:    cfg.Instrument.VolLookback,
			RiskFreeRate:   cfg.Strategy.RiskFreeRate,
		},
	}, regs, now, logger)

	reconciler := reconcile.New(store, logger)
	engine := orders.NewEngine(client, store, reconciler, tracker, logger, since, engineConfig(cfg))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	orch := scheduler.New(scheduler.Deps{
		Broker:     client,
		Store:      store,
		Trader:     engine,
		Reconciler: reconciler,
		Account:    tracker,
		Model: signal.Threshold{
			VolMAGapMin: cfg.Strategy.VolMAGapMin,
			VolGapMin:   cfg.Strategy.VolGapMin,
			IVMax:       cfg.Strategy.IVMax,
		},
		State:  models.NewStateMachine(),
		Clock:  scheduler.WallClock(),
		Logger: logger,
		Since:  since,
		Config: schedulerConfig(cfg),
	}, roster)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return orch.Run(gctx)
	})
	g.Go(func() error {
		tracker.Run(gctx, cfg.Session.AccountRefreshInterval)
		return nil
	})
	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{
			Addr:      cfg.Dashboard.Addr,
			AuthToken: cfg.Dashboard.AuthToken,
			Since:     since,
		}, orch, tracker, store, cancel, logger)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	status := orch.Status()
	entry := logger.WithFields(logrus.Fields{
		"reason": status.StopReason,
		"ticks":  status.Ticks,
		"missed": status.MissedTicks,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		entry.WithError(err).Error("Session ended with a fault")
		return err
	}
	entry.Info("Session finished")
	return nil
}

func engineConfig(cfg *config.Config) orders.Config {
	return orders.Config{
		Account:           cfg.Broker.AccountID,
		AllocationPct:     cfg.Strategy.AllocationPct,
		MaxAsk:            cfg.Strategy.MaxAsk,
		MaxFairMargin:     cfg.Strategy.MaxFairMargin,
		MaxFailedAttempts: cfg.Execution.MaxFailedAttempts,
		MaxBalanceDepth:   cfg.Execution.MaxBalanceDepth,
		PollInterval:      cfg.Execution.PollInterval,
		OrderTimeout:      cfg.Execution.OrderTimeout,
		TimeInForce:       models.TimeInForce(cfg.Execution.TimeInForce),
		SellSpreadMax:     cfg.Execution.SellSpreadMax,
		SellBidFairMax:    cfg.Execution.SellBidFairMax,
		PennyTicks:        cfg.Execution.PennyTicks,
		OrderRate:         cfg.Execution.OrderRate,
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		TickPeriod:        cfg.Session.TickInterval,
		CloseBuffer:       cfg.Session.PreCloseBuffer,
		FundsFloor:        cfg.Session.FundsFloor,
		ShutdownTimeout:   cfg.Session.ShutdownTimeout,
		AttributeAttempts: scheduler.DefaultConfig.AttributeAttempts,
		Monitor: monitor.Config{
			PollInterval: cfg.Monitor.PollInterval,
			TargetReturn: cfg.Strategy.ProfitTarget,
			CloseTimeout: cfg.Monitor.CloseTimeout,
		},
	}
}
