package signal

import (
	"math"
	"testing"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
)

func TestThreshold_Evaluate(t *testing.T) {
	m := DefaultThreshold()
	tests := []struct {
		name string
		f    models.Features
		want bool
	}{
		{"all conditions met", models.Features{VolMAGap: 0.1, VolGap: 0.06, IV: 0.2, RealVolLast: 0.26, RealVolMA: 0.3}, true},
		{"vol gap too small", models.Features{VolMAGap: 0.1, VolGap: 0.05, IV: 0.2, RealVolLast: 0.25, RealVolMA: 0.3}, false},
		{"iv too rich", models.Features{VolMAGap: 0.1, VolGap: 0.06, IV: 0.25, RealVolLast: 0.31, RealVolMA: 0.35}, false},
		{"last above average", models.Features{VolMAGap: 0.1, VolGap: 0.2, IV: 0.1, RealVolLast: 0.3, RealVolMA: 0.2}, false},
		{"ma gap not positive", models.Features{VolMAGap: 0, VolGap: 0.06, IV: 0.2, RealVolLast: 0.26, RealVolMA: 0.2}, false},
		{"nan", models.EmptyFeatures(), false},
		{"nan iv only", models.Features{VolMAGap: 0.1, VolGap: 0.06, IV: math.NaN(), RealVolLast: 0.26, RealVolMA: 0.3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Evaluate(tt.f); got != tt.want {
				t.Errorf("Evaluate(%+v) = %v, want %v", tt.f, got, tt.want)
			}
		})
	}
}
