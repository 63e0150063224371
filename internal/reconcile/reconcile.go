// Package reconcile attributes broker positions to the engine.
//
// The broker reports one aggregate row per contract with no timestamps, so
// positions held before a trade cannot be told apart from the ones the trade
// opened. The engine snapshots the broker positions just before trading and
// again afterwards; the difference is what the engine holds. The local ledger
// is consulted second and only fills in identity fields: when the two
// disagree on quantity the broker wins.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/storage"
)

// Diff returns the positions present in after that were not in before.
// A contract absent before is taken whole. An unchanged quantity is ignored.
// An increase yields the delta, costed as the difference of the lot costs.
// A decrease yields the remaining after-position.
func Diff(before, after []models.BrokerPosition) []models.Position {
	prior := make(map[int64]models.BrokerPosition, len(before))
	for _, p := range before {
		prior[p.Contract.ConID] = p
	}

	out := make([]models.Position, 0)
	for _, a := range after {
		if a.Quantity == 0 {
			continue
		}
		b, existed := prior[a.Contract.ConID]
		switch {
		case !existed || b.Quantity == 0:
			out = append(out, fromBroker(a.Contract, a.Quantity, a.AvgCost*float64(a.Quantity)))
		case a.Quantity == b.Quantity:
			continue
		case a.Quantity > b.Quantity:
			cost := a.AvgCost*float64(a.Quantity) - b.AvgCost*float64(b.Quantity)
			out = append(out, fromBroker(a.Contract, a.Quantity-b.Quantity, cost))
		default:
			out = append(out, fromBroker(a.Contract, a.Quantity, a.AvgCost*float64(a.Quantity)))
		}
	}
	sortPositions(out)
	return out
}

func fromBroker(c models.Contract, qty int, cost float64) models.Position {
	avg := 0.0
	if qty != 0 {
		avg = cost / (float64(qty) * c.PriceMultiplier())
	}
	return models.Position{
		Symbol:    c.Symbol,
		Contract:  c,
		Quantity:  qty,
		AvgPrice:  avg,
		CostBasis: cost,
		Source:    models.SourceBroker,
	}
}

func sortPositions(ps []models.Position) {
	sort.Slice(ps, func(i, j int) bool {
		a, b := ps[i].Contract, ps[j].Contract
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.Right < b.Right
	})
}

// Reconcile returns the broker-attributed positions for symbol. Ledger rows
// only complete missing identity fields. Quantity disagreements are returned
// as reconciliation faults next to the positions, which keep the broker
// quantity.
func Reconcile(symbol string, before, after []models.BrokerPosition, ledger []models.Position) ([]models.Position, error) {
	byConID := make(map[int64]models.Position, len(ledger))
	for _, p := range ledger {
		if p.Symbol == symbol && p.Quantity != 0 {
			byConID[p.Contract.ConID] = p
		}
	}

	var (
		out  []models.Position
		errs []error
	)
	for _, p := range Diff(before, after) {
		if p.Contract.Symbol != symbol {
			continue
		}
		if l, ok := byConID[p.Contract.ConID]; ok {
			p.Contract = fillIdentity(p.Contract, l.Contract)
			if l.Quantity != p.Quantity {
				errs = append(errs, models.ReconciliationError(symbol,
					"%s: ledger holds %d, broker delta %d", p.Contract, l.Quantity, p.Quantity))
			}
			delete(byConID, p.Contract.ConID)
		} else {
			errs = append(errs, models.ReconciliationError(symbol,
				"%s: broker delta %d missing from ledger", p.Contract, p.Quantity))
		}
		out = append(out, p)
	}
	for _, l := range byConID {
		errs = append(errs, models.ReconciliationError(symbol,
			"%s: ledger holds %d, broker reports no change", l.Contract, l.Quantity))
	}
	sortPositions(out)
	return out, errors.Join(errs...)
}

func fillIdentity(c, from models.Contract) models.Contract {
	if c.Symbol == "" {
		c.Symbol = from.Symbol
	}
	if c.SecType == "" {
		c.SecType = from.SecType
	}
	if c.Exchange == "" {
		c.Exchange = from.Exchange
	}
	if c.Currency == "" {
		c.Currency = from.Currency
	}
	if c.TradingClass == "" {
		c.TradingClass = from.TradingClass
	}
	if c.Multiplier == 0 {
		c.Multiplier = from.Multiplier
	}
	if c.Strike == 0 {
		c.Strike = from.Strike
	}
	if c.Right == "" {
		c.Right = from.Right
	}
	if c.Expiration == "" {
		c.Expiration = from.Expiration
	}
	return c
}

// Reconciler combines broker snapshots with the session ledger.
type Reconciler struct {
	store  storage.Interface
	logger logrus.FieldLogger
}

// New creates a reconciler over the trade ledger.
func New(store storage.Interface, logger logrus.FieldLogger) *Reconciler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Reconciler{store: store, logger: logger.WithField("component", "reconcile")}
}

// HasSessionPosition reports whether the ledger nets a non-zero position in
// symbol since the session start.
func (r *Reconciler) HasSessionPosition(ctx context.Context, symbol string, since time.Time) (bool, error) {
	size, err := r.store.PositionSize(ctx, symbol, since)
	if err != nil {
		return false, fmt.Errorf("reading position size for %s: %w", symbol, err)
	}
	return size != 0, nil
}

// Positions attributes the engine's positions in symbol from the before and
// after broker snapshots. Disagreements with the ledger are logged.
func (r *Reconciler) Positions(ctx context.Context, symbol string, since time.Time, before, after []models.BrokerPosition) []models.Position {
	ledger, err := r.store.OpenPositions(ctx, symbol, since)
	if err != nil {
		r.logger.WithError(err).WithField("symbol", symbol).Warn("Ledger unavailable, using broker delta only")
		ledger = nil
	}
	positions, recErr := Reconcile(symbol, before, after, ledger)
	if recErr != nil {
		r.logger.WithError(recErr).WithField("symbol", symbol).Warn("Ledger and broker disagree")
	}
	return positions
}
