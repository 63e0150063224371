// Package scheduler drives the trading session: it owns the instrument
// roster, runs the fixed-period tick loop from the first open to the last
// close, and shuts everything down in order.
package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_straddle/internal/instrument"
	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/storage"
)

// Instrument is what the session needs from one tracked underlying.
type Instrument interface {
	ID() int64
	Symbol() string
	OpenTime() time.Time
	CloseTime() time.Time
	Activate(now time.Time) bool
	Closed(now time.Time) bool
	InEntryWindow(t time.Time) bool
	HoldingPeriod() time.Duration
	Refresh(ctx context.Context, t time.Time) (models.Features, error)
	UnderlyingPrice() float64
	StraddleSamples() []storage.OptionSample
	StraddleConIDs() []int64
	Legs() []*models.Leg
	FairValue(ctx context.Context, c models.Contract, now time.Time) float64
	Teardown()
}

var _ Instrument = (*instrument.Instrument)(nil)

// Handle addresses one roster slot. Handles stay valid after removal.
type Handle int

type slot struct {
	inst    Instrument
	tracked bool
	removed bool
}

// Roster owns the session's instruments in two partitions: untracked until
// their market opens, tracked until it closes. Instruments never mutate the
// roster themselves; callers apply the intents Activate and DueForClose return.
type Roster struct {
	slots []slot
}

// NewRoster creates a roster with every instrument untracked.
func NewRoster(insts ...Instrument) *Roster {
	r := &Roster{}
	for _, inst := range insts {
		r.Add(inst)
	}
	return r
}

// Load builds one instrument per registration for day. Registrations that
// fail to initialize are logged and left out.
func Load(ctx context.Context, deps instrument.Deps, regs []models.Registration, day time.Time, logger logrus.FieldLogger) *Roster {
	r := &Roster{}
	for _, reg := range regs {
		inst, err := instrument.New(ctx, deps, reg, day)
		if err != nil {
			logger.WithError(err).WithField("symbol", reg.Symbol).Warn("Instrument dropped from session")
			continue
		}
		r.Add(inst)
	}
	return r
}

// Add appends an untracked instrument.
func (r *Roster) Add(inst Instrument) Handle {
	r.slots = append(r.slots, slot{inst: inst})
	return Handle(len(r.slots) - 1)
}

// Get returns the instrument at h, removed or not.
func (r *Roster) Get(h Handle) Instrument {
	return r.slots[h].inst
}

// Len counts the instruments not yet removed.
func (r *Roster) Len() int {
	n := 0
	for _, s := range r.slots {
		if !s.removed {
			n++
		}
	}
	return n
}

// Empty reports whether every instrument has been removed.
func (r *Roster) Empty() bool { return r.Len() == 0 }

func (r *Roster) handles(tracked bool) []Handle {
	var out []Handle
	for i, s := range r.slots {
		if !s.removed && s.tracked == tracked {
			out = append(out, Handle(i))
		}
	}
	return out
}

// Tracked returns the handles of instruments whose market is open.
func (r *Roster) Tracked() []Handle { return r.handles(true) }

// Untracked returns the handles of instruments still waiting for their open.
func (r *Roster) Untracked() []Handle { return r.handles(false) }

// Find returns the live handle for symbol.
func (r *Roster) Find(symbol string) (Handle, bool) {
	for i, s := range r.slots {
		if !s.removed && s.inst.Symbol() == symbol {
			return Handle(i), true
		}
	}
	return 0, false
}

// Activate moves every untracked instrument whose market has opened into the
// tracked partition and returns the handles it moved.
func (r *Roster) Activate(now time.Time) []Handle {
	var moved []Handle
	for _, h := range r.Untracked() {
		if r.slots[h].inst.Activate(now) {
			r.slots[h].tracked = true
			moved = append(moved, h)
		}
	}
	return moved
}

// DueForClose returns the tracked instruments whose market has closed.
func (r *Roster) DueForClose(now time.Time) []Handle {
	var due []Handle
	for _, h := range r.Tracked() {
		if r.slots[h].inst.Closed(now) {
			due = append(due, h)
		}
	}
	return due
}

// Remove takes h out of the roster and returns its instrument for teardown.
func (r *Roster) Remove(h Handle) Instrument {
	r.slots[h].removed = true
	return r.slots[h].inst
}

// NextOpen is the earliest open among untracked instruments.
func (r *Roster) NextOpen() (time.Time, bool) {
	return r.earliest(r.Untracked(), Instrument.OpenTime)
}

// NextClose is the earliest close among tracked instruments, or among the
// untracked ones when nothing is tracked yet.
func (r *Roster) NextClose() (time.Time, bool) {
	if t, ok := r.earliest(r.Tracked(), Instrument.CloseTime); ok {
		return t, true
	}
	return r.earliest(r.Untracked(), Instrument.CloseTime)
}

// LastClose is the latest close among live instruments.
func (r *Roster) LastClose() (time.Time, bool) {
	var last time.Time
	found := false
	for _, s := range r.slots {
		if s.removed {
			continue
		}
		if t := s.inst.CloseTime(); !found || t.After(last) {
			last, found = t, true
		}
	}
	return last, found
}

func (r *Roster) earliest(hs []Handle, at func(Instrument) time.Time) (time.Time, bool) {
	var first time.Time
	for i, h := range hs {
		if t := at(r.slots[h].inst); i == 0 || t.Before(first) {
			first = t
		}
	}
	return first, len(hs) > 0
}

// Symbols lists live symbols in each partition.
func (r *Roster) Symbols() (tracked, untracked []string) {
	for _, h := range r.Tracked() {
		tracked = append(tracked, r.slots[h].inst.Symbol())
	}
	for _, h := range r.Untracked() {
		untracked = append(untracked, r.slots[h].inst.Symbol())
	}
	return tracked, untracked
}

// MissedTicks counts the tick boundaries skipped between last and sample.
// A gap of one period misses nothing.
func MissedTicks(last, sample time.Time, period time.Duration) int {
	elapsed := sample.Sub(last)
	if period <= 0 || elapsed <= period {
		return 0
	}
	return int(elapsed/period) - 1
}

// SnapToTick rounds t to the nearest multiple of period.
func SnapToTick(t time.Time, period time.Duration) time.Time {
	return t.Round(period)
}
