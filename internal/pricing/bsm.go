// Package pricing provides a rough Black-Scholes valuation used as a sanity
// bound on quoted option prices. It is never a primary source of value.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
)

// DefaultRiskFreeRate is used when no rate is configured.
const DefaultRiskFreeRate = 0.02

// TradingYear is the length of a year for tenor: 252 sessions of 24 hours.
const TradingYear = 252 * 24 * time.Hour

// ErrInvalidTenor is returned when the option has already expired.
var ErrInvalidTenor = errors.New("tenor must be positive")

var unitNormal = distuv.UnitNormal

// Tenor returns the time to expiry in trading years.
func Tenor(expiry, now time.Time) (float64, error) {
	d := expiry.Sub(now)
	if d <= 0 {
		return 0, fmt.Errorf("%w: expiry %s is not after %s", ErrInvalidTenor, expiry.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	return d.Seconds() / TradingYear.Seconds(), nil
}

func d1d2(s, k, t, sigma, r float64) (float64, float64) {
	d1 := (math.Log(s/k) + (r+sigma*sigma/2)*t) / (sigma * math.Sqrt(t))
	return d1, d1 - sigma*math.Sqrt(t)
}

func validInputs(s, k, t, sigma float64) bool {
	return models.IsPositiveFinite(s) && models.IsPositiveFinite(k) &&
		models.IsPositiveFinite(t) && models.IsPositiveFinite(sigma)
}

// Call prices a European call. NaN when inputs are unusable.
func Call(s, k, t, sigma, r float64) float64 {
	if !validInputs(s, k, t, sigma) {
		return math.NaN()
	}
	d1, d2 := d1d2(s, k, t, sigma, r)
	return math.Max(0, s*unitNormal.CDF(d1)-k*math.Exp(-r*t)*unitNormal.CDF(d2))
}

// Put prices a European put. NaN when inputs are unusable.
func Put(s, k, t, sigma, r float64) float64 {
	if !validInputs(s, k, t, sigma) {
		return math.NaN()
	}
	d1, d2 := d1d2(s, k, t, sigma, r)
	return math.Max(0, k*math.Exp(-r*t)*unitNormal.CDF(-d2)-s*unitNormal.CDF(-d1))
}

// Price dispatches on the option right.
func Price(right models.Right, s, k, t, sigma, r float64) float64 {
	switch right {
	case models.RightCall:
		return Call(s, k, t, sigma, r)
	case models.RightPut:
		return Put(s, k, t, sigma, r)
	default:
		return math.NaN()
	}
}

// Margin returns how far price sits above fair value, as a fraction of fair
// value. NaN when fair value is not positive.
func Margin(price, fair float64) float64 {
	if !models.IsPositiveFinite(fair) || math.IsNaN(price) {
		return math.NaN()
	}
	return (price - fair) / fair
}
