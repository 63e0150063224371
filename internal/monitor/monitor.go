// Package monitor watches opened straddles and closes them on the profit
// target, at the end of the holding period, or when told to exit.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_straddle/internal/broker"
	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/orders"
)

// Broker is the market-data side of the brokerage client.
type Broker interface {
	models.QuoteReader
	Subscribe(ctx context.Context, c models.Contract) (broker.SubscriptionID, error)
	Unsubscribe(id broker.SubscriptionID) error
}

// Closer liquidates positions. *orders.Engine implements it.
type Closer interface {
	Close(ctx context.Context, pricer orders.Pricer, positions []models.Position) error
}

// Reason records why a monitor closed its straddle.
type Reason string

const (
	ReasonTarget  Reason = "profit_target"
	ReasonTimeout Reason = "holding_period"
	ReasonExit    Reason = "exit_requested"
	ReasonCancel  Reason = "session_cancelled"
)

// Config contains configuration for position monitors.
type Config struct {
	PollInterval time.Duration
	// TargetReturn is the return on opening cost that triggers a close
	TargetReturn float64
	// CloseTimeout bounds the close that runs after cancellation
	CloseTimeout time.Duration
}

// DefaultConfig is the default monitor configuration.
var DefaultConfig = Config{
	PollInterval: 100 * time.Millisecond,
	TargetReturn: 0.50,
	CloseTimeout: 2 * time.Minute,
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultConfig.PollInterval
	}
	if c.TargetReturn <= 0 {
		c.TargetReturn = DefaultConfig.TargetReturn
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultConfig.CloseTimeout
	}
	return c
}

// Monitor owns one opened straddle until it is closed.
type Monitor struct {
	pricer    orders.Pricer
	positions []models.Position
	entry     time.Time
	holding   time.Duration

	broker Broker
	closer Closer
	logger logrus.FieldLogger
	cfg    Config
	now    func() time.Time

	exit     chan struct{}
	exitOnce sync.Once
	done     chan struct{}

	mu     sync.Mutex
	reason Reason
}

// New creates a monitor for positions opened at entry. Only long positions
// are watched.
func New(pricer orders.Pricer, positions []models.Position, entry time.Time, holding time.Duration,
	b Broker, closer Closer, logger logrus.FieldLogger, cfg Config) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	var held []models.Position
	for _, p := range positions {
		if p.Quantity > 0 {
			held = append(held, p)
		}
	}
	return &Monitor{
		pricer:    pricer,
		positions: held,
		entry:     entry,
		holding:   holding,
		broker:    b,
		closer:    closer,
		logger:    logger.WithFields(logrus.Fields{"component": "monitor", "symbol": pricer.Symbol()}),
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		exit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetClock replaces the clock used for the holding-period deadline.
func (m *Monitor) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Symbol returns the underlying symbol of the watched straddle.
func (m *Monitor) Symbol() string { return m.pricer.Symbol() }

// Positions returns the watched positions.
func (m *Monitor) Positions() []models.Position {
	return append([]models.Position(nil), m.positions...)
}

// Exit asks the monitor to close immediately. Safe to call more than once.
func (m *Monitor) Exit() {
	m.exitOnce.Do(func() { close(m.exit) })
}

// Done is closed once Run has returned.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Reason reports why the straddle was closed, empty while it is still open.
func (m *Monitor) Reason() Reason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// OpeningCost is the premium paid for the watched positions.
func (m *Monitor) OpeningCost() float64 {
	total := 0.0
	for _, p := range m.positions {
		total += p.OpeningCost()
	}
	return total
}

// LiquidationValue is what the positions fetch at the current bids. ok is
// false when some leg has no usable bid or too little size at the bid.
func (m *Monitor) LiquidationValue() (value float64, ok bool) {
	for _, p := range m.positions {
		q, have := m.broker.Quote(p.Contract.ConID)
		if !have || !models.IsPositiveFinite(q.Bid) || q.BidSize < p.Quantity {
			return 0, false
		}
		value += q.Bid * float64(p.Quantity)
	}
	return value, true
}

// Run watches the straddle until it closes and returns the close error.
// Cancelling ctx still closes the straddle, on a detached bounded context.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.done)
	if len(m.positions) == 0 {
		return nil
	}
	release := m.subscribe(ctx)
	defer release()

	cost := m.OpeningCost()
	deadline := m.entry.Add(m.holding)
	m.logger.WithFields(logrus.Fields{
		"cost":     cost,
		"deadline": deadline.Format(time.TimeOnly),
		"legs":     len(m.positions),
	}).Info("Monitoring straddle")

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CloseTimeout)
			defer cancel()
			return m.close(closeCtx, ReasonCancel)
		case <-m.exit:
			return m.close(ctx, ReasonExit)
		case <-ticker.C:
		}

		if !m.now().Before(deadline) {
			return m.close(ctx, ReasonTimeout)
		}
		value, ok := m.LiquidationValue()
		if !ok || cost <= 0 {
			continue
		}
		if ret := (value - cost) / cost; ret > m.cfg.TargetReturn {
			m.logger.WithFields(logrus.Fields{"value": value, "return": ret}).Info("Profit target reached")
			return m.close(ctx, ReasonTarget)
		}
	}
}

func (m *Monitor) subscribe(ctx context.Context) func() {
	var ids []broker.SubscriptionID
	for _, p := range m.positions {
		id, err := m.broker.Subscribe(ctx, p.Contract)
		if err != nil {
			m.logger.WithError(err).WithField("contract", p.Contract.String()).Warn("Monitor quote line unavailable")
			continue
		}
		ids = append(ids, id)
	}
	return func() {
		for _, id := range ids {
			if err := m.broker.Unsubscribe(id); err != nil {
				m.logger.WithError(err).Debug("Releasing monitor quote line")
			}
		}
	}
}

func (m *Monitor) close(ctx context.Context, reason Reason) error {
	m.mu.Lock()
	m.reason = reason
	m.mu.Unlock()

	m.logger.WithField("reason", reason).Info("Closing straddle")
	if err := m.closer.Close(ctx, m.pricer, m.positions); err != nil {
		return fmt.Errorf("closing %s straddle (%s): %w", m.Symbol(), reason, err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		m.logger.Warn("Close finished at its deadline")
	}
	return nil
}
