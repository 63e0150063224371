package pricing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangeVol(t *testing.T) {
	e := Extrema{High: 101, Low: 100}
	want := math.Sqrt(252 * 390 * math.Pow(math.Log(1.01), 2))
	assert.InDelta(t, want, RangeVol(e), 1e-12)

	assert.Equal(t, 0.0, RangeVol(Extrema{High: 100, Low: 100}))
	assert.True(t, math.IsNaN(RangeVol(Extrema{High: math.NaN(), Low: 100})))
}

func TestRealizedVol(t *testing.T) {
	periods := []Extrema{
		{High: 100.2, Low: 100.0},
		{High: math.NaN(), Low: 99},
		{High: 100.5, Low: 100.1},
	}
	last, mean := RealizedVol(periods)

	v1 := RangeVol(periods[0])
	v3 := RangeVol(periods[2])
	assert.InDelta(t, v3, last, 1e-12)
	assert.InDelta(t, (v1+v3)/2, mean, 1e-12)

	last, mean = RealizedVol(nil)
	assert.True(t, math.IsNaN(last))
	assert.True(t, math.IsNaN(mean))
}

func TestMeanFinite(t *testing.T) {
	assert.InDelta(t, 0.2, MeanFinite([]float64{0.15, math.NaN(), 0.25}), 1e-12)
	assert.True(t, math.IsNaN(MeanFinite([]float64{math.NaN()})))
}
