package orders

import (
	"context"
	"time"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/pricing"
)

// ValidateBuy locks the ask of every candidate leg and returns the put and
// the call whose ask sits least above fair value. Legs with an unusable or
// absurd ask, no size, no fair value, or an ask at or beyond the allowed
// margin over fair value are skipped.
func (e *Engine) ValidateBuy(ctx context.Context, target Target, now time.Time) (put, call *models.Leg, err error) {
	for _, leg := range target.Legs() {
		if !leg.Right().Valid() {
			continue
		}
		leg.Lock()
		ask := leg.LockedAsk
		if !models.IsPositiveFinite(ask) || ask >= e.config.MaxAsk || leg.LockedAskSize <= 0 {
			continue
		}
		leg.FairValue = target.FairValue(ctx, leg.Contract, now)
		if !models.IsPositiveFinite(leg.FairValue) {
			continue
		}
		leg.FairMargin = pricing.Margin(ask, leg.FairValue)
		if !(leg.FairMargin < e.config.MaxFairMargin) {
			continue
		}
		switch leg.Right() {
		case models.RightPut:
			if put == nil || leg.FairMargin < put.FairMargin {
				put = leg
			}
		case models.RightCall:
			if call == nil || leg.FairMargin < call.FairMargin {
				call = leg
			}
		}
	}
	if put == nil || call == nil {
		return nil, nil, models.ValidationError(target.Symbol(), "no valid put and call pair")
	}
	return put, call, nil
}
