package instrument

import (
	"context"
	"math"
	"time"

	"github.com/eddiefleurent/scranton_straddle/internal/calendar"
	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/pricing"
)

// Refresh converges the option lines, then recomputes the features at t.
// Features are always recomputed from the lines just reconciled.
func (i *Instrument) Refresh(ctx context.Context, t time.Time) (models.Features, error) {
	if err := i.ManageOptionLines(ctx); err != nil {
		i.logger.WithError(err).Warn("Option line refresh incomplete")
	}

	ivs := make([]float64, 0, 4)
	for _, leg := range i.StraddleLegs() {
		ivs = append(ivs, leg.Quote().AskIV)
	}
	iv := pricing.MeanFinite(ivs)

	f := models.EmptyFeatures()
	f.IV = iv
	extrema, err := i.deps.Store.PriceExtrema(ctx, i.reg.ID, t, i.cfg.VolLookback)
	if err != nil {
		i.setFeatures(f)
		return f, err
	}
	f.RealVolLast, f.RealVolMA = pricing.RealizedVol(extrema)
	f.VolMAGap = f.RealVolMA - iv
	f.VolGap = f.RealVolLast - iv
	i.setFeatures(f)
	return f, nil
}

func (i *Instrument) setFeatures(f models.Features) {
	i.mu.Lock()
	i.features = f
	i.mu.Unlock()
}

// Features returns the latest feature snapshot.
func (i *Instrument) Features() models.Features {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.features
}

// FairValue prices an option of this underlying with Black-Scholes, using
// the realized-vol moving average as sigma. NaN when any input is unusable.
func (i *Instrument) FairValue(ctx context.Context, c models.Contract, now time.Time) float64 {
	spot := i.Spot(ctx)
	sigma := i.Features().RealVolMA
	if !models.IsPositiveFinite(spot) || !models.IsPositiveFinite(sigma) {
		return math.NaN()
	}
	expiry := i.expiry
	if c.Expiration != i.expiration {
		var err error
		expiry, err = calendar.ExpirationClose(i.deps.Calendar, i.reg.ScheduleExchange(), c.Expiration, i.deps.Location)
		if err != nil {
			return math.NaN()
		}
	}
	tenor, err := pricing.Tenor(expiry, now)
	if err != nil {
		return math.NaN()
	}
	return pricing.Price(c.Right, spot, c.Strike, tenor, sigma, i.cfg.RiskFreeRate)
}
