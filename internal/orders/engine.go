// Package orders opens and closes straddles: entry validation, sizing, the
// fill-retry loop, leg balancing and liquidation.
package orders

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/eddiefleurent/scranton_straddle/internal/broker"
	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/reconcile"
	"github.com/eddiefleurent/scranton_straddle/internal/retry"
	"github.com/eddiefleurent/scranton_straddle/internal/storage"
)

// Broker is the slice of the brokerage client the engine trades through.
type Broker interface {
	models.QuoteReader
	Subscribe(ctx context.Context, c models.Contract) (broker.SubscriptionID, error)
	Unsubscribe(id broker.SubscriptionID) error
	PlaceOrder(ctx context.Context, c models.Contract, o models.Order) (string, error)
	OrderStatus(ctx context.Context, orderID string) (models.OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
	Positions(ctx context.Context) ([]models.BrokerPosition, error)
}

// Funds reports the cash the engine may deploy.
type Funds interface {
	AvailableFunds() float64
}

// Pricer values the options of one underlying.
type Pricer interface {
	Symbol() string
	FairValue(ctx context.Context, c models.Contract, now time.Time) float64
}

// Target is an instrument a straddle can be opened on.
type Target interface {
	Pricer
	// Legs returns the candidate legs, innermost strikes first
	Legs() []*models.Leg
}

// Config contains configuration for the order engine.
type Config struct {
	Account           string
	AllocationPct     float64
	MaxAsk            float64
	MaxFairMargin     float64
	MaxFailedAttempts int
	MaxBalanceDepth   int
	PollInterval      time.Duration
	OrderTimeout      time.Duration
	TimeInForce       models.TimeInForce
	SellSpreadMax     float64
	SellBidFairMax    float64
	PennyTicks        bool
	// OrderRate caps order placements per second; zero leaves them unthrottled
	OrderRate float64
}

// DefaultConfig is the default configuration for the order engine.
var DefaultConfig = Config{
	AllocationPct:     0.25,
	MaxAsk:            30,
	MaxFairMargin:     0.20,
	MaxFailedAttempts: 12,
	MaxBalanceDepth:   4,
	PollInterval:      50 * time.Millisecond,
	OrderTimeout:      30 * time.Second,
	TimeInForce:       models.TIFIOC,
	SellSpreadMax:     1.1,
	SellBidFairMax:    1.25,
	PennyTicks:        true,
}

// Engine executes straddle entries and exits.
type Engine struct {
	broker     Broker
	store      storage.Interface
	reconciler *reconcile.Reconciler
	funds      Funds
	retrier    *retry.Retrier
	limiter    *rate.Limiter
	logger     logrus.FieldLogger
	config     Config
	since      time.Time
	now        func() time.Time
}

// NewEngine creates an engine for the session that started at since.
func NewEngine(
	b Broker,
	store storage.Interface,
	reconciler *reconcile.Reconciler,
	funds Funds,
	logger logrus.FieldLogger,
	since time.Time,
	config ...Config,
) *Engine {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = logrus.New()
	}

	// Validate and clamp config values
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = DefaultConfig.MaxFailedAttempts
	}
	if cfg.MaxBalanceDepth <= 0 {
		cfg.MaxBalanceDepth = DefaultConfig.MaxBalanceDepth
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = DefaultConfig.OrderTimeout
	}
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = DefaultConfig.TimeInForce
	}
	if cfg.SellSpreadMax <= 1 {
		cfg.SellSpreadMax = DefaultConfig.SellSpreadMax
	}
	if cfg.SellBidFairMax <= 1 {
		cfg.SellBidFairMax = DefaultConfig.SellBidFairMax
	}
	limit := rate.Inf
	if cfg.OrderRate > 0 {
		limit = rate.Limit(cfg.OrderRate)
	}

	// Fail fast on missing dependencies
	if b == nil {
		panic("orders.NewEngine: broker must not be nil")
	}
	if store == nil {
		panic("orders.NewEngine: storage must not be nil")
	}
	if reconciler == nil {
		reconciler = reconcile.New(store, logger)
	}

	return &Engine{
		broker:     b,
		store:      store,
		reconciler: reconciler,
		funds:      funds,
		retrier:    retry.New(logger, retry.Config{MaxRetries: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Timeout: 10 * time.Second}),
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.WithField("component", "orders"),
		config:     cfg,
		since:      since,
		now:        time.Now,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Open validates and opens a straddle on target, buying the put first and
// sizing the call to whatever the put filled. Unequal legs are balanced; if
// balancing fails everything the attempt opened is liquidated. before is the
// broker position snapshot taken just ahead of the attempt. It reports
// whether a balanced straddle is now held.
func (e *Engine) Open(ctx context.Context, target Target, evalTime time.Time, before []models.BrokerPosition) (bool, error) {
	symbol := target.Symbol()
	logger := e.logger.WithField("symbol", symbol)

	has, err := e.reconciler.HasSessionPosition(ctx, symbol, e.since)
	if err != nil {
		return false, err
	}
	if has {
		return false, models.ValidationError(symbol, "net position already opened this session")
	}

	put, call, err := e.ValidateBuy(ctx, target, evalTime)
	if err != nil {
		return false, err
	}
	funds := 0.0
	if e.funds != nil {
		funds = e.funds.AvailableFunds()
	}
	quantity := Quantity(funds, e.config.AllocationPct, put, call)
	if quantity <= 0 {
		return false, models.ValidationError(symbol, "no size: funds %.2f, asks %.2f/%.2f", funds, put.LockedAsk, call.LockedAsk)
	}

	ref := "straddle-" + uuid.NewString()
	logger.WithFields(logrus.Fields{
		"ref":      ref,
		"quantity": quantity,
		"put":      put.Contract.String(),
		"put_ask":  put.LockedAsk,
		"call":     call.Contract.String(),
		"call_ask": call.LockedAsk,
	}).Info("Opening straddle")

	filled := map[models.Right]int{}
	for _, leg := range []*models.Leg{put, call} {
		if quantity == 0 {
			break
		}
		order := models.Order{
			Action:     models.ActionBuy,
			Quantity:   quantity,
			LimitPrice: leg.LockedAsk,
			TIF:        e.config.TimeInForce,
			Ref:        ref,
		}
		filled[leg.Right()] = e.Execute(ctx, leg.Contract, order)
		quantity = filled[leg.Right()]
	}

	puts, calls := filled[models.RightPut], filled[models.RightCall]
	if puts == 0 && calls == 0 {
		logger.Info("Straddle attempt filled nothing")
		return false, nil
	}
	if puts != calls {
		unresolved := e.Balance(ctx, target, put, call, puts, calls, ref)
		if unresolved > 0 {
			logger.WithFields(logrus.Fields{"puts": puts, "calls": calls, "unresolved": unresolved}).
				Warn("Legs could not be balanced, aborting")
			abortErr := e.Abort(ctx, target, before)
			return false, errors.Join(
				models.OrderError(symbol, "legs unbalanced by %d after %d rounds", unresolved, e.config.MaxBalanceDepth),
				abortErr)
		}
	}
	logger.WithField("ref", ref).Info("Straddle opened")
	return true, nil
}

// Quantity sizes a straddle: the allocation of funds divided by the summed
// locked ask of every leg, capped by the thinnest ask size.
func Quantity(funds, allocation float64, legs ...*models.Leg) int {
	if len(legs) == 0 || !models.IsPositiveFinite(funds) {
		return 0
	}
	askSum := 0.0
	minSize := math.MaxInt
	for _, leg := range legs {
		if !models.IsPositiveFinite(leg.LockedAsk) || leg.LockedAskSize <= 0 {
			return 0
		}
		askSum += leg.LockedAsk
		minSize = min(minSize, leg.LockedAskSize)
	}
	byFunds := int(math.Floor(funds * allocation / askSum))
	return max(0, min(byFunds, minSize))
}
