package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissedTicks(t *testing.T) {
	base := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	period := 250 * time.Millisecond
	tests := []struct {
		name    string
		elapsed time.Duration
		want    int
	}{
		{"on time", period, 0},
		{"slightly late", 260 * time.Millisecond, 0},
		{"one period overrun", 2 * period, 1},
		{"three missed", time.Second, 3},
		{"clock went back", -period, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MissedTicks(base, base.Add(tt.elapsed), period))
		})
	}
}

func TestSnapToTick(t *testing.T) {
	base := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	period := 250 * time.Millisecond
	assert.Equal(t, base, SnapToTick(base.Add(100*time.Millisecond), period))
	assert.Equal(t, base.Add(period), SnapToTick(base.Add(130*time.Millisecond), period))
	assert.Equal(t, base.Add(2*period), SnapToTick(base.Add(600*time.Millisecond), period))
}

func TestRoster(t *testing.T) {
	day := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	at := func(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

	spy := newFakeInstrument(1, "SPY", at(9, 30), at(16, 0))
	spx := newFakeInstrument(2, "SPX", at(9, 30), at(16, 15))
	early := newFakeInstrument(3, "IWM", at(10, 0), at(13, 0))
	r := NewRoster(spy, spx, early)

	require.Equal(t, 3, r.Len())
	next, ok := r.NextOpen()
	require.True(t, ok)
	assert.Equal(t, at(9, 30), next)
	closeAt, _ := r.NextClose()
	assert.Equal(t, at(13, 0), closeAt, "untracked closes count before anything is tracked")
	last, _ := r.LastClose()
	assert.Equal(t, at(16, 15), last)

	moved := r.Activate(at(9, 30))
	assert.Len(t, moved, 2)
	tracked, untracked := r.Symbols()
	assert.Equal(t, []string{"SPY", "SPX"}, tracked)
	assert.Equal(t, []string{"IWM"}, untracked)
	closeAt, _ = r.NextClose()
	assert.Equal(t, at(16, 0), closeAt, "tracked closes take precedence")
	next, _ = r.NextOpen()
	assert.Equal(t, at(10, 0), next)

	r.Activate(at(10, 0))
	assert.Empty(t, r.Untracked())
	_, ok = r.NextOpen()
	assert.False(t, ok)

	due := r.DueForClose(at(13, 0))
	require.Len(t, due, 1)
	assert.Equal(t, "IWM", r.Remove(due[0]).Symbol())
	_, ok = r.Find("IWM")
	assert.False(t, ok)
	assert.Equal(t, "IWM", r.Get(due[0]).Symbol(), "handles outlive removal")

	for _, h := range r.DueForClose(at(16, 15)) {
		r.Remove(h)
	}
	assert.True(t, r.Empty())
	_, ok = r.LastClose()
	assert.False(t, ok)
}
