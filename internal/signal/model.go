// Package signal scores feature vectors into entry decisions.
package signal

import "github.com/eddiefleurent/scranton_straddle/internal/models"

// Model decides whether the features justify opening a straddle.
type Model interface {
	Evaluate(f models.Features) bool
}

// Threshold fires when realized volatility runs ahead of implied volatility,
// implied volatility is cheap, and the latest range is below its average.
// NaN in any feature makes every comparison false.
type Threshold struct {
	VolMAGapMin float64
	VolGapMin   float64
	IVMax       float64
}

// DefaultThreshold returns the standard thresholds.
func DefaultThreshold() Threshold {
	return Threshold{VolMAGapMin: 0, VolGapMin: 0.05, IVMax: 0.25}
}

// Evaluate implements Model.
func (m Threshold) Evaluate(f models.Features) bool {
	return f.VolMAGap > m.VolMAGapMin &&
		f.VolGap > m.VolGapMin &&
		f.IV < m.IVMax &&
		f.RealVolLast < f.RealVolMA
}

var _ Model = Threshold{}
