package instrument

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/storage"
)

// Spot resolves the underlying price: last trade, then the live market
// price, then the last persisted price, then 0.
func (i *Instrument) Spot(ctx context.Context) float64 {
	if q, ok := i.deps.Broker.Quote(i.underlying.ConID); ok {
		if models.IsPositiveFinite(q.Last) {
			return q.Last
		}
		if mp := q.MarketPrice(); models.IsPositiveFinite(mp) {
			return mp
		}
	}
	stored, err := i.deps.Store.LatestPrice(ctx, i.reg.ID)
	if err == nil && models.IsPositiveFinite(stored) {
		return stored
	}
	if err != nil && !errors.Is(err, storage.ErrNoPrice) {
		i.logger.WithError(err).Warn("Reading last persisted price")
	}
	return 0
}

// strikeWindow returns the index range of the needed strikes and of the two
// strikes bracketing spot.
func strikeWindow(strikes []float64, spot float64, width int) (lo, hi, innerLo, innerHi int) {
	n := len(strikes)
	idx := sort.SearchFloat64s(strikes, spot)
	lo, hi = max(0, idx-width), min(n, idx+width)
	innerLo, innerHi = max(lo, idx-1), min(hi, idx+1)
	return lo, hi, innerLo, innerHi
}

// ManageOptionLines converges the live option lines on the strike window
// around spot: lines outside it are released, missing ones subscribed, and
// the live set re-partitioned into straddle and strangle legs.
func (i *Instrument) ManageOptionLines(ctx context.Context) error {
	if len(i.strikes) == 0 {
		return nil
	}
	spot := i.Spot(ctx)
	lo, hi, innerLo, innerHi := strikeWindow(i.strikes, spot, i.cfg.StrikeWidth)

	needed := make(map[int64]models.Contract)
	for _, k := range i.strikes[lo:hi] {
		for _, c := range i.chain[k] {
			needed[c.ConID] = c
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == Terminated {
		return nil
	}

	for conID, ln := range i.lines {
		if _, ok := needed[conID]; ok {
			continue
		}
		if err := i.deps.Broker.Unsubscribe(ln.sub); err != nil {
			i.logger.WithError(err).WithField("con_id", conID).Warn("Releasing option line")
		}
		delete(i.lines, conID)
	}

	var missing []models.Contract
	for conID, c := range needed {
		if _, ok := i.lines[conID]; !ok {
			missing = append(missing, c)
		}
	}
	var errs []error
	if len(missing) > 0 {
		sortContracts(missing)
		// identity is persisted before the line opens so it survives a
		// subscription that never quotes
		if err := i.deps.Store.LogOptions(ctx, i.reg.ID, missing); err != nil {
			i.logger.WithError(err).Warn("Persisting option identities")
		}
		for _, c := range missing {
			sub, err := i.deps.Broker.Subscribe(ctx, c)
			if err != nil {
				errs = append(errs, fmt.Errorf("subscribing %s: %w", c, err))
				continue
			}
			i.lines[c.ConID] = &line{leg: models.NewLeg(c, i.deps.Broker), sub: sub}
		}
	}

	inner := make(map[float64]bool, 2)
	for _, k := range i.strikes[innerLo:innerHi] {
		inner[k] = true
	}
	i.straddle, i.strangle = i.straddle[:0], i.strangle[:0]
	for _, ln := range i.lines {
		if inner[ln.leg.Strike()] {
			i.straddle = append(i.straddle, ln.leg)
		} else {
			i.strangle = append(i.strangle, ln.leg)
		}
	}
	sortLegs(i.straddle)
	sortLegs(i.strangle)

	if len(missing) > 0 {
		i.logger.WithFields(logrus.Fields{
			"spot":  spot,
			"lines": len(i.lines),
			"added": len(missing) - len(errs),
		}).Debug("Option lines updated")
	}
	return errors.Join(errs...)
}

// puts before calls, then by strike
func sortContracts(cs []models.Contract) {
	sort.Slice(cs, func(a, b int) bool {
		if cs[a].Strike != cs[b].Strike {
			return cs[a].Strike < cs[b].Strike
		}
		return cs[a].Right == models.RightPut && cs[b].Right != models.RightPut
	})
}

func sortLegs(legs []*models.Leg) {
	sort.Slice(legs, func(a, b int) bool {
		if legs[a].Strike() != legs[b].Strike() {
			return legs[a].Strike() < legs[b].Strike()
		}
		return legs[a].Right() == models.RightPut && legs[b].Right() != models.RightPut
	})
}

// StraddleLegs returns the legs at the two strikes bracketing spot.
func (i *Instrument) StraddleLegs() []*models.Leg {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*models.Leg(nil), i.straddle...)
}

// StrangleLegs returns the outer band of legs.
func (i *Instrument) StrangleLegs() []*models.Leg {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*models.Leg(nil), i.strangle...)
}

// Legs returns straddle then strangle legs.
func (i *Instrument) Legs() []*models.Leg {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*models.Leg, 0, len(i.straddle)+len(i.strangle))
	out = append(out, i.straddle...)
	return append(out, i.strangle...)
}

// LiveConIDs returns the contract ids of every open option line, sorted.
func (i *Instrument) LiveConIDs() []int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	ids := make([]int64, 0, len(i.lines))
	for id := range i.lines {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// StraddleSamples snapshots the straddle legs' live quotes for persistence.
func (i *Instrument) StraddleSamples() []storage.OptionSample {
	legs := i.StraddleLegs()
	out := make([]storage.OptionSample, 0, len(legs))
	for _, leg := range legs {
		q := leg.Quote()
		out = append(out, storage.OptionSample{ConID: leg.Contract.ConID, Quote: &q})
	}
	return out
}

// StraddleConIDs returns the straddle legs' contract ids.
func (i *Instrument) StraddleConIDs() []int64 {
	legs := i.StraddleLegs()
	out := make([]int64, 0, len(legs))
	for _, leg := range legs {
		out = append(out, leg.Contract.ConID)
	}
	return out
}
