package pricing

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
)

// periodsPerYear annualizes a one-minute range: 252 sessions of 390 minutes.
const periodsPerYear = 252 * 390

// Extrema is the high and low underlying price within one period.
type Extrema struct {
	High float64
	Low  float64
}

// RangeVol annualizes a single high/low range as sqrt(252*390*ln(h/l)^2).
func RangeVol(e Extrema) float64 {
	if !models.IsPositiveFinite(e.High) || !models.IsPositiveFinite(e.Low) {
		return math.NaN()
	}
	lr := math.Log(e.High / e.Low)
	return math.Sqrt(periodsPerYear * lr * lr)
}

// RealizedVol returns the latest period's range volatility and the mean over
// all periods. Periods with unusable prices are skipped; both values are NaN
// when nothing is usable.
func RealizedVol(periods []Extrema) (last, mean float64) {
	vols := make([]float64, 0, len(periods))
	for _, p := range periods {
		if v := RangeVol(p); !math.IsNaN(v) {
			vols = append(vols, v)
		}
	}
	if len(vols) == 0 {
		return math.NaN(), math.NaN()
	}
	return vols[len(vols)-1], stat.Mean(vols, nil)
}

// MeanFinite averages the finite values, NaN when there are none.
func MeanFinite(values []float64) float64 {
	clean := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return math.NaN()
	}
	return stat.Mean(clean, nil)
}
