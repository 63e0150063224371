package monitor

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/scranton_straddle/internal/broker"
	"github.com/eddiefleurent/scranton_straddle/internal/logging"
	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/orders"
)

type fakePricer string

func (f fakePricer) Symbol() string { return string(f) }

func (fakePricer) FairValue(context.Context, models.Contract, time.Time) float64 { return math.NaN() }

// fakeCloser records close requests.
type fakeCloser struct {
	mu      sync.Mutex
	calls   [][]models.Position
	ctxErrs []error
	err     error
}

func (f *fakeCloser) Close(ctx context.Context, _ orders.Pricer, positions []models.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, positions)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return f.err
}

func (f *fakeCloser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func contract(conID int64, right models.Right) models.Contract {
	return models.Contract{ConID: conID, Symbol: "SPY", SecType: models.SecTypeOption, Right: right, Strike: 500, Multiplier: 100}
}

func straddle() []models.Position {
	return []models.Position{
		{Symbol: "SPY", Contract: contract(5002, models.RightPut), Quantity: 10, AvgPrice: 2.0},
		{Symbol: "SPY", Contract: contract(5001, models.RightCall), Quantity: 10, AvgPrice: 2.0},
	}
}

func fastConfig() Config {
	return Config{PollInterval: 2 * time.Millisecond, TargetReturn: 0.5, CloseTimeout: time.Second}
}

func newPaper(t *testing.T) *broker.Paper {
	t.Helper()
	p := broker.NewPaper("DU1", 0, logging.Discard())
	require.NoError(t, p.Connect(context.Background()))
	return p
}

func TestMonitor_LiquidationValue(t *testing.T) {
	paper := newPaper(t)
	m := New(fakePricer("SPY"), straddle(), time.Now(), time.Hour, paper, &fakeCloser{}, logging.Discard(), fastConfig())
	release := m.subscribe(context.Background())
	defer release()

	assert.InDelta(t, 40.0, m.OpeningCost(), 1e-9)

	_, ok := m.LiquidationValue()
	assert.False(t, ok, "no quotes yet")

	paper.SetQuote(5002, models.Quote{Bid: 3.1, BidSize: 10})
	paper.SetQuote(5001, models.Quote{Bid: 0.4, BidSize: 9})
	_, ok = m.LiquidationValue()
	assert.False(t, ok, "bid size below quantity")

	paper.SetQuote(5001, models.Quote{Bid: 0.4, BidSize: 10})
	value, ok := m.LiquidationValue()
	require.True(t, ok)
	assert.InDelta(t, 35.0, value, 1e-9)
}

func TestMonitor_ClosesAtProfitTarget(t *testing.T) {
	paper := newPaper(t)
	closer := &fakeCloser{}
	m := New(fakePricer("SPY"), straddle(), time.Now(), time.Hour, paper, closer, logging.Discard(), fastConfig())

	errc := make(chan error, 1)
	go func() { errc <- m.Run(context.Background()) }()

	require.Eventually(t, func() bool { return len(paper.Lines()) == 2 }, time.Second, time.Millisecond)
	// exactly 50% is not enough
	paper.SetQuote(5002, models.Quote{Bid: 5.0, BidSize: 10})
	paper.SetQuote(5001, models.Quote{Bid: 1.0, BidSize: 10})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, closer.count())

	paper.SetQuote(5001, models.Quote{Bid: 1.1, BidSize: 10})
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not close")
	}
	assert.Equal(t, ReasonTarget, m.Reason())
	assert.Equal(t, 1, closer.count())
	assert.Empty(t, paper.Lines(), "monitor releases its lines")
}

func TestMonitor_ClosesAtHoldingPeriod(t *testing.T) {
	closer := &fakeCloser{}
	m := New(fakePricer("SPY"), straddle(), time.Now().Add(-time.Hour), 30*time.Minute, newPaper(t), closer, logging.Discard(), fastConfig())
	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, ReasonTimeout, m.Reason())
	assert.Equal(t, 1, closer.count())
}

func TestMonitor_ExitAndCancel(t *testing.T) {
	t.Run("exit", func(t *testing.T) {
		closer := &fakeCloser{}
		m := New(fakePricer("SPY"), straddle(), time.Now(), time.Hour, newPaper(t), closer, logging.Discard(), fastConfig())
		m.Exit()
		m.Exit()
		require.NoError(t, m.Run(context.Background()))
		assert.Equal(t, ReasonExit, m.Reason())
	})
	t.Run("cancel closes on a live context", func(t *testing.T) {
		closer := &fakeCloser{}
		m := New(fakePricer("SPY"), straddle(), time.Now(), time.Hour, newPaper(t), closer, logging.Discard(), fastConfig())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, m.Run(ctx))
		assert.Equal(t, ReasonCancel, m.Reason())
		require.Len(t, closer.ctxErrs, 1)
		assert.NoError(t, closer.ctxErrs[0])
	})
	t.Run("close failure", func(t *testing.T) {
		closer := &fakeCloser{err: errors.New("no bid")}
		m := New(fakePricer("SPY"), straddle(), time.Now(), time.Hour, newPaper(t), closer, logging.Discard(), fastConfig())
		m.Exit()
		err := m.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exit_requested")
	})
}

func TestMonitor_IgnoresShortPositions(t *testing.T) {
	closer := &fakeCloser{}
	positions := []models.Position{{Symbol: "SPY", Contract: contract(5001, models.RightCall), Quantity: -2}}
	m := New(fakePricer("SPY"), positions, time.Now(), time.Hour, newPaper(t), closer, logging.Discard(), fastConfig())
	require.NoError(t, m.Run(context.Background()))
	assert.Zero(t, closer.count())
}

func TestSupervisor(t *testing.T) {
	paper := newPaper(t)
	closer := &fakeCloser{}
	s := NewSupervisor(context.Background(), logging.Discard())

	spy := New(fakePricer("SPY"), straddle(), time.Now(), time.Hour, paper, closer, logging.Discard(), fastConfig())
	require.True(t, s.Spawn(spy))
	assert.False(t, s.Spawn(New(fakePricer("SPY"), straddle(), time.Now(), time.Hour, paper, closer, logging.Discard(), fastConfig())),
		"one monitor per symbol")
	qqq := New(fakePricer("QQQ"), straddle(), time.Now(), time.Hour, paper, closer, logging.Discard(), fastConfig())
	require.True(t, s.Spawn(qqq))

	assert.Equal(t, []string{"QQQ", "SPY"}, s.Active())
	assert.True(t, s.Owns("SPY"))

	require.True(t, s.Exit("SPY"))
	<-spy.Done()
	require.Eventually(t, func() bool { return !s.Owns("SPY") }, time.Second, time.Millisecond)
	assert.False(t, s.Exit("SPY"))

	require.NoError(t, s.Shutdown())
	assert.Equal(t, ReasonCancel, qqq.Reason())
	assert.Empty(t, s.Active())
	assert.Equal(t, 2, closer.count())
	assert.Empty(t, s.Errors())
}
