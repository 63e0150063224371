// Package util provides common utility functions for price calculations.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// toTicks converts x to a decimal count of ticks. ok is false when the input
// cannot be rounded and should be returned unchanged.
func toTicks(x, tick float64) (decimal.Decimal, decimal.Decimal, bool) {
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(tick) || math.IsInf(tick, 0) {
		return decimal.Zero, decimal.Zero, false
	}
	t := decimal.NewFromFloat(math.Abs(tick))
	return decimal.NewFromFloat(x).Div(t), t, true
}

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.01, 1.235 becomes 1.24.
func RoundToTick(x, tick float64) float64 {
	n, t, ok := toTicks(x, tick)
	if !ok {
		return x
	}
	f, _ := n.Round(0).Mul(t).Float64()
	return f
}

// FloorToTick rounds x down to a tick increment.
func FloorToTick(x, tick float64) float64 {
	n, t, ok := toTicks(x, tick)
	if !ok {
		return x
	}
	f, _ := n.Floor().Mul(t).Float64()
	return f
}

// OptionTick returns the minimum price increment for an option premium.
// Penny-program classes quote in 0.01 below 3.00 and 0.05 above; others in
// 0.05 and 0.10.
func OptionTick(premium float64, penny bool) float64 {
	switch {
	case penny && premium < 3:
		return 0.01
	case penny:
		return 0.05
	case premium < 3:
		return 0.05
	default:
		return 0.10
	}
}

// Sum adds prices without accumulating binary rounding error.
func Sum(values ...float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return math.NaN()
		}
		total = total.Add(decimal.NewFromFloat(v))
	}
	f, _ := total.Float64()
	return f
}
