package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
)

// errInactive marks an order the broker parked without filling anything.
var errInactive = errors.New("order inactive with no fill")

// Execute works an order until it is filled, the consecutive failed-attempt
// limit is reached, or ctx is done. Each attempt places the unfilled remainder at the
// order's limit price. Every non-zero fill is appended to the ledger. It
// returns the total quantity filled.
func (e *Engine) Execute(ctx context.Context, c models.Contract, order models.Order) int {
	logger := e.logger.WithFields(logrus.Fields{
		"contract": c.String(),
		"action":   order.Action,
		"limit":    order.LimitPrice,
	})
	unfilled := order.Quantity
	failed := 0
	total := 0
	for unfilled > 0 && failed < e.config.MaxFailedAttempts && ctx.Err() == nil {
		order.Quantity = unfilled
		status, err := e.attempt(ctx, c, order)
		if err != nil {
			failed++
			logger.WithError(err).WithField("failed_attempts", failed).Debug("Order attempt failed")
			continue
		}
		if status.Filled == 0 {
			failed++
			continue
		}
		failed = 0
		total += status.Filled
		unfilled -= status.Filled
		e.logFill(ctx, c, order, status)
	}
	if unfilled > 0 {
		logger.WithFields(logrus.Fields{
			"filled":          total,
			"unfilled":        unfilled,
			"failed_attempts": failed,
		}).Info("Order left partially unfilled")
	}
	return total
}

// attempt places one order and waits for a terminal state. An order still
// working at the per-attempt timeout is cancelled.
func (e *Engine) attempt(ctx context.Context, c models.Contract, order models.Order) (models.OrderStatus, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return models.OrderStatus{}, err
	}
	if err := order.Validate(); err != nil {
		return models.OrderStatus{}, models.OrderError(c.Symbol, "%w", err)
	}
	orderID, err := e.broker.PlaceOrder(ctx, c, order)
	if err != nil {
		return models.OrderStatus{}, models.OrderError(c.Symbol, "placing order: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.config.OrderTimeout)
	status, err := e.waitTerminal(waitCtx, orderID)
	cancel()
	if err != nil {
		status, err = e.cancelAndSettle(orderID, err)
		if err != nil {
			return status, models.OrderError(c.Symbol, "order %s: %w", orderID, err)
		}
	}
	if status.State == models.OrderInactive && status.Filled == 0 {
		return status, models.OrderError(c.Symbol, "order %s: %w", orderID, errInactive)
	}
	return status, nil
}

// waitTerminal polls the order until it reaches a terminal state. Inactive
// orders count as terminal once they carry a fill.
func (e *Engine) waitTerminal(ctx context.Context, orderID string) (models.OrderStatus, error) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		status, err := e.broker.OrderStatus(ctx, orderID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return status, ctx.Err()
			}
			e.logger.WithError(err).WithField("order_id", orderID).Debug("Error checking order status")
		case status.State.Terminal():
			return status, nil
		case status.State == models.OrderInactive && status.Filled > 0:
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// cancelAndSettle cancels a working order and reads back its final fill.
// It runs on a detached context so a cancelled session still cleans up.
func (e *Engine) cancelAndSettle(orderID string, cause error) (models.OrderStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.OrderTimeout)
	defer cancel()
	if err := e.broker.CancelOrder(ctx, orderID); err != nil {
		e.logger.WithError(err).WithField("order_id", orderID).Warn("Cancelling timed out order")
	}
	status, err := e.waitTerminal(ctx, orderID)
	if err != nil {
		return status, fmt.Errorf("not settled after cancel (%v): %w", cause, err)
	}
	return status, nil
}

// logFill appends a fill to the trade ledger with a signed quantity.
func (e *Engine) logFill(ctx context.Context, c models.Contract, order models.Order, status models.OrderStatus) {
	fill := models.Fill{
		Account:    e.config.Account,
		Time:       e.now().UTC(),
		Contract:   c,
		Quantity:   order.Action.Sign() * status.Filled,
		AvgPrice:   status.AvgFillPrice,
		Commission: status.Commission,
		OrderRef:   order.Ref,
	}
	// ledger writes outlive a cancelled session
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.store.LogTrade(writeCtx, fill); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"contract": c.String(),
			"quantity": fill.Quantity,
		}).Error("Failed to record fill in ledger")
		return
	}
	e.logger.WithFields(logrus.Fields{
		"contract": c.String(),
		"quantity": fill.Quantity,
		"price":    fill.AvgPrice,
		"ref":      order.Ref,
	}).Info("Fill recorded")
}
