package orders

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/util"
)

// BidOnly is the pricer for positions with no instrument behind them. It has
// no fair value, so sells follow the bid alone.
type BidOnly string

// Symbol implements Pricer.
func (s BidOnly) Symbol() string { return string(s) }

// FairValue implements Pricer.
func (BidOnly) FairValue(context.Context, models.Contract, time.Time) float64 { return math.NaN() }

// SellPrice picks the limit for a sell: the bid when the spread is tight,
// fair value otherwise, and fair value whenever the bid sits far above it.
// The result is floored to the option tick and never below one tick. NaN
// when neither the bid nor fair value is usable.
func (e *Engine) SellPrice(bid, ask, fair float64) float64 {
	spread := 0.0
	if models.IsPositiveFinite(bid) && models.IsPositiveFinite(ask) {
		spread = ask / bid
	}
	price := fair
	if spread > 0 && spread < e.config.SellSpreadMax {
		price = bid
	}
	if models.IsPositiveFinite(bid) && models.IsPositiveFinite(fair) && bid/fair > e.config.SellBidFairMax {
		price = fair
	}
	if !models.IsPositiveFinite(price) {
		return math.NaN()
	}
	tick := util.OptionTick(price, e.config.PennyTicks)
	return math.Max(util.FloorToTick(price, tick), tick)
}

// Close sells every long position until it is liquidated or ctx is done.
// Each round re-locks the quote and re-prices the remainder.
func (e *Engine) Close(ctx context.Context, pricer Pricer, positions []models.Position) error {
	var errs []error
	for _, p := range positions {
		if p.Quantity <= 0 {
			if p.Quantity < 0 {
				e.logger.WithField("position", p.String()).Warn("Skipping short position")
			}
			continue
		}
		if err := e.closePosition(ctx, pricer, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) closePosition(ctx context.Context, pricer Pricer, p models.Position) error {
	c := p.Contract
	logger := e.logger.WithFields(logrus.Fields{"symbol": p.Symbol, "contract": c.String()})

	sub, err := e.broker.Subscribe(ctx, c)
	if err != nil {
		logger.WithError(err).Warn("No quote line for close, pricing from fair value")
	} else {
		defer func() {
			if err := e.broker.Unsubscribe(sub); err != nil {
				logger.WithError(err).Debug("Releasing close quote line")
			}
		}()
	}

	leg := models.NewLeg(c, e.broker)
	remaining := p.Quantity
	for remaining > 0 {
		if ctx.Err() != nil {
			return models.OrderError(p.Symbol, "%s: %d contracts left unsold: %w", c, remaining, ctx.Err())
		}
		leg.Lock()
		leg.FairValue = pricer.FairValue(ctx, c, e.now())
		price := e.SellPrice(leg.LockedBid, leg.LockedAsk, leg.FairValue)

		filled := 0
		if models.IsPositiveFinite(price) {
			filled = e.Execute(ctx, c, models.Order{
				Action:     models.ActionSell,
				Quantity:   remaining,
				LimitPrice: price,
				TIF:        e.config.TimeInForce,
				Ref:        "close-" + p.Symbol,
			})
		}
		remaining -= filled
		if remaining > 0 && filled == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.config.PollInterval):
			}
		}
	}
	logger.WithField("quantity", p.Quantity).Info("Position liquidated")
	return nil
}
