package orders

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/reconcile"
	"github.com/eddiefleurent/scranton_straddle/internal/retry"
)

// Balance evens out the put and call fills. Each round buys the lagging leg
// at its locked ask; a round that fills nothing switches to selling the
// leading leg instead, and back again. It gives up after MaxBalanceDepth
// rounds and returns the quantity still unbalanced.
func (e *Engine) Balance(ctx context.Context, pricer Pricer, put, call *models.Leg, puts, calls int, ref string) int {
	quantity := puts - calls
	leg := call
	if quantity < 0 {
		quantity, leg = -quantity, put
	}
	action := models.ActionBuy

	for depth := 1; depth <= e.config.MaxBalanceDepth && quantity > 0 && ctx.Err() == nil; depth++ {
		price := leg.LockedAsk
		tif := models.TIFIOC
		if action == models.ActionSell {
			leg.Lock()
			price = e.SellPrice(leg.LockedBid, leg.LockedAsk, pricer.FairValue(ctx, leg.Contract, e.now()))
		}
		e.logger.WithFields(logrus.Fields{
			"depth":    depth,
			"action":   action,
			"contract": leg.Contract.String(),
			"quantity": quantity,
		}).Info("Balancing straddle legs")

		filled := 0
		if models.IsPositiveFinite(price) {
			filled = e.Execute(ctx, leg.Contract, models.Order{
				Action: action, Quantity: quantity, LimitPrice: price, TIF: tif, Ref: ref,
			})
		}
		if filled == 0 {
			if leg == put {
				leg = call
			} else {
				leg = put
			}
			action = action.Opposite()
			continue
		}
		quantity -= filled
	}
	return quantity
}

// Abort liquidates everything the attempt opened in target's symbol: the
// difference between the broker's positions now and the before snapshot.
func (e *Engine) Abort(ctx context.Context, target Pricer, before []models.BrokerPosition) error {
	after, err := retry.Do(ctx, e.retrier, "positions", e.broker.Positions)
	if err != nil {
		return models.OrderError(target.Symbol(), "abort could not read positions: %w", err)
	}
	var opened []models.Position
	for _, p := range reconcile.Diff(before, after) {
		if p.Symbol == target.Symbol() && p.Quantity > 0 {
			opened = append(opened, p)
		}
	}
	e.logger.WithFields(logrus.Fields{"symbol": target.Symbol(), "positions": len(opened)}).Warn("Aborting trade")
	if err := e.Close(ctx, target, opened); err != nil {
		return fmt.Errorf("aborting %s: %w", target.Symbol(), err)
	}
	return nil
}
