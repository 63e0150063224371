package instrument

import (
	"context"
	"math"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/scranton_straddle/internal/broker"
	"github.com/eddiefleurent/scranton_straddle/internal/calendar"
	"github.com/eddiefleurent/scranton_straddle/internal/logging"
	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/pricing"
	"github.com/eddiefleurent/scranton_straddle/internal/storage"
)

const spyConID = 756733

// seedingBroker publishes a quote the moment a contract is first subscribed,
// the way a live feed sends its first tick.
type seedingBroker struct {
	*broker.Paper
	seed map[int64]models.Quote
}

func (s *seedingBroker) Subscribe(ctx context.Context, c models.Contract) (broker.SubscriptionID, error) {
	id, err := s.Paper.Subscribe(ctx, c)
	if err == nil {
		if q, ok := s.seed[c.ConID]; ok {
			s.Paper.SetQuote(c.ConID, q)
		}
	}
	return id, err
}

func optionConID(strike float64, right models.Right) int64 {
	id := int64(strike) * 10
	if right == models.RightPut {
		return id + 2
	}
	return id + 1
}

type fixture struct {
	broker *seedingBroker
	store  *storage.MockStorage
	cal    *calendar.Static
	loc    *time.Location
	reg    models.Registration
	day    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	cal, err := calendar.NewStatic(loc, nil, nil)
	require.NoError(t, err)

	p := broker.NewPaper("DU1", 100000, logging.Discard())
	require.NoError(t, p.Connect(context.Background()))
	p.AddContract(models.Contract{
		ConID: spyConID, Symbol: "SPY", SecType: models.SecTypeStock,
		Exchange: "SMART", PrimaryExchange: "ARCA", Currency: "USD",
	})
	strikes := make([]float64, 0, 11)
	for k := 495.0; k <= 505; k++ {
		strikes = append(strikes, k)
		for _, right := range []models.Right{models.RightCall, models.RightPut} {
			p.AddContract(models.Contract{
				ConID: optionConID(k, right), Symbol: "SPY", SecType: models.SecTypeOption,
				Exchange: "SMART", Currency: "USD", TradingClass: "SPY", Multiplier: 100,
				Strike: k, Right: right, Expiration: "20260105",
			})
		}
	}
	p.SetChain(spyConID,
		broker.ChainParams{Exchange: "SMART", TradingClass: "SPY", Multiplier: 100,
			Expirations: []string{"20260107", "20260105", "20251231"}, Strikes: strikes},
		broker.ChainParams{Exchange: "CBOE", TradingClass: "SPY", Multiplier: 100,
			Expirations: []string{"20260105"}, Strikes: []float64{400}},
	)

	reg := models.Registration{ID: 1, ConID: spyConID, Symbol: "SPY", SecType: models.SecTypeStock, PrimaryExchange: "ARCA"}
	require.NoError(t, reg.Validate())
	store := storage.NewMockStorage()
	_, err = store.RegisterUnderlying(context.Background(), reg)
	require.NoError(t, err)

	return &fixture{
		broker: &seedingBroker{Paper: p, seed: map[int64]models.Quote{
			spyConID: {Bid: 500.1, Ask: 500.3, Last: 500.2},
		}},
		store: store,
		cal:   cal,
		loc:   loc,
		reg:   reg,
		day:   time.Date(2026, 1, 5, 8, 0, 0, 0, loc),
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Broker:   f.broker,
		Store:    f.store,
		Calendar: f.cal,
		Location: f.loc,
		Logger:   logging.Discard(),
		Config: Config{
			QualifyTimeout: 200 * time.Millisecond,
			PollInterval:   5 * time.Millisecond,
		},
	}
}

func (f *fixture) build(t *testing.T) *Instrument {
	t.Helper()
	inst, err := New(context.Background(), f.deps(), f.reg, f.day)
	require.NoError(t, err)
	t.Cleanup(inst.Teardown)
	return inst
}

func conIDsFor(strikes ...float64) []int64 {
	var ids []int64
	for _, k := range strikes {
		ids = append(ids, optionConID(k, models.RightCall), optionConID(k, models.RightPut))
	}
	return ids
}

func TestEntryWindow(t *testing.T) {
	loc := time.FixedZone("ET", -5*60*60)
	at := func(h, m int) time.Time { return time.Date(2026, 1, 5, h, m, 0, 0, loc) }
	tests := []struct {
		name      string
		open      time.Time
		close     time.Time
		holding   time.Duration
		wantStart time.Time
		wantEnd   time.Time
		wantErr   bool
	}{
		{"regular session", at(9, 30), at(16, 0), 29 * time.Minute, at(9, 45), at(12, 0), false},
		{"holding period reaches close", at(9, 30), at(16, 0), 4 * time.Hour, time.Time{}, time.Time{}, true},
		{"early close empties window", at(9, 30), at(13, 0), 29 * time.Minute, time.Time{}, time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := EntryWindow(tt.open, tt.close, 15*time.Minute, 4*time.Hour, tt.holding)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.wantStart.Equal(start), "start %s", start)
			assert.True(t, tt.wantEnd.Equal(end), "end %s", end)
		})
	}
}

func TestStrikeWindow(t *testing.T) {
	strikes := []float64{495, 496, 497, 498, 499, 500, 501, 502, 503, 504, 505}
	tests := []struct {
		spot                         float64
		lo, hi, innerLo, innerHi int
	}{
		{500.2, 3, 9, 5, 7},
		{500, 2, 8, 4, 6},
		{0, 0, 3, 0, 1},
		{1000, 8, 11, 10, 11},
	}
	for _, tt := range tests {
		lo, hi, innerLo, innerHi := strikeWindow(strikes, tt.spot, 3)
		assert.Equal(t, []int{tt.lo, tt.hi, tt.innerLo, tt.innerHi}, []int{lo, hi, innerLo, innerHi}, "spot %.2f", tt.spot)
	}
}

func TestNew_InitializesInstrument(t *testing.T) {
	f := newFixture(t)
	inst := f.build(t)

	assert.Equal(t, Untracked, inst.State())
	assert.Equal(t, "20260105", inst.expiration, "nearest live expiration")
	assert.True(t, inst.Expiry().Equal(time.Date(2026, 1, 5, 16, 0, 0, 0, f.loc)))
	start, end := inst.EntryBounds()
	assert.Equal(t, "09:45", start.Format("15:04"))
	assert.Equal(t, "12:00", end.Format("15:04"))
	assert.Len(t, inst.Strikes(), 11, "strikes from the filtered chain only")

	// window [498, 504) around 500.2
	assert.ElementsMatch(t, conIDsFor(498, 499, 500, 501, 502, 503), inst.LiveConIDs())
	straddle := inst.StraddleLegs()
	require.Len(t, straddle, 4)
	assert.Equal(t, models.RightPut, straddle[0].Right())
	assert.Equal(t, 500.0, straddle[0].Strike())
	assert.Equal(t, 501.0, straddle[3].Strike())
	assert.Len(t, inst.StrangleLegs(), 8)
	for _, id := range inst.LiveConIDs() {
		assert.True(t, f.store.LoggedOption(id), "identity persisted for %d", id)
	}
}

func TestManageOptionLines_FollowsSpot(t *testing.T) {
	f := newFixture(t)
	inst := f.build(t)

	f.broker.SetQuote(spyConID, models.Quote{Bid: 503.4, Ask: 503.6, Last: 503.5})
	require.NoError(t, inst.ManageOptionLines(context.Background()))

	want := conIDsFor(501, 502, 503, 504, 505)
	assert.ElementsMatch(t, want, inst.LiveConIDs())
	var straddleStrikes []float64
	for _, leg := range inst.StraddleLegs() {
		straddleStrikes = append(straddleStrikes, leg.Strike())
	}
	assert.Equal(t, []float64{503, 503, 504, 504}, straddleStrikes)

	// the broker holds exactly the window plus the underlying
	assert.ElementsMatch(t, append(want, spyConID), f.broker.Lines())

	// converged: a second pass changes nothing
	require.NoError(t, inst.ManageOptionLines(context.Background()))
	assert.ElementsMatch(t, want, inst.LiveConIDs())
}

func TestSpot_Fallbacks(t *testing.T) {
	f := newFixture(t)
	inst := f.build(t)
	ctx := context.Background()

	assert.Equal(t, 500.2, inst.Spot(ctx), "last trade first")

	f.broker.SetQuote(spyConID, models.Quote{Bid: 500, Ask: 501, Last: math.NaN()})
	assert.Equal(t, 500.5, inst.Spot(ctx), "market price second")

	f.broker.SetQuote(spyConID, models.EmptyQuote())
	assert.Equal(t, 0.0, inst.Spot(ctx), "nothing persisted yet")

	require.NoError(t, f.store.LogUnderlyingSample(ctx, f.reg.ID, f.day, 499.5))
	assert.Equal(t, 499.5, inst.Spot(ctx), "persisted price third")
}

func TestNew_InitFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture)
	}{
		{"closed exchange", func(f *fixture) { f.day = time.Date(2026, 1, 3, 8, 0, 0, 0, f.loc) }},
		{"registry con id mismatch", func(f *fixture) { f.reg.ConID = 1 }},
		{"chain filtered empty", func(f *fixture) { f.reg.OptionTradingClass = "SPYW" }},
		{"underlying never quotes", func(f *fixture) { delete(f.broker.seed, spyConID) }},
		{"unknown underlying", func(f *fixture) { f.reg.Symbol = "QQQ"; f.reg.OptionTradingClass = "QQQ" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.mutate(f)
			inst, err := New(context.Background(), f.deps(), f.reg, f.day)
			require.Error(t, err)
			assert.Nil(t, inst)
			assert.Equal(t, models.FaultInit, models.KindOf(err))
			assert.Empty(t, f.broker.Lines(), "every subscription released")
		})
	}
}

func TestRefresh_ComputesFeatures(t *testing.T) {
	f := newFixture(t)
	inst := f.build(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 5, 10, 30, 0, 0, f.loc)
	prices := []struct {
		at    time.Time
		price float64
	}{
		{now.Add(-2*time.Minute + 5*time.Second), 500},
		{now.Add(-2*time.Minute + 30*time.Second), 502},
		{now.Add(-2*time.Minute + 50*time.Second), 499},
		{now.Add(-time.Minute + 10*time.Second), 501},
		{now.Add(-time.Minute + 40*time.Second), 500.5},
	}
	for _, p := range prices {
		require.NoError(t, f.store.LogUnderlyingSample(ctx, f.reg.ID, p.at, p.price))
	}
	ivs := map[int64]float64{
		optionConID(500, models.RightPut):  0.20,
		optionConID(500, models.RightCall): 0.18,
		optionConID(501, models.RightPut):  0.22,
		optionConID(501, models.RightCall): math.NaN(),
	}
	for id, iv := range ivs {
		f.broker.SetQuote(id, models.Quote{Bid: 1, Ask: 1.1, AskIV: iv, BidIV: iv})
	}

	feats, err := inst.Refresh(ctx, now)
	require.NoError(t, err)

	wantIV := (0.20 + 0.18 + 0.22) / 3
	first := pricing.RangeVol(pricing.Extrema{High: 502, Low: 499})
	last := pricing.RangeVol(pricing.Extrema{High: 501, Low: 500.5})
	assert.InDelta(t, wantIV, feats.IV, 1e-12)
	assert.InDelta(t, last, feats.RealVolLast, 1e-9)
	assert.InDelta(t, (first+last)/2, feats.RealVolMA, 1e-9)
	assert.InDelta(t, feats.RealVolMA-wantIV, feats.VolMAGap, 1e-12)
	assert.InDelta(t, feats.RealVolLast-wantIV, feats.VolGap, 1e-12)
	assert.Equal(t, feats, inst.Features())

	c := inst.StraddleLegs()[0].Contract
	tenor, err := pricing.Tenor(inst.Expiry(), now)
	require.NoError(t, err)
	want := pricing.Price(c.Right, 500.2, c.Strike, tenor, feats.RealVolMA, pricing.DefaultRiskFreeRate)
	assert.InDelta(t, want, inst.FairValue(ctx, c, now), 1e-9)
}

func TestRefresh_NoHistoryYieldsNaN(t *testing.T) {
	f := newFixture(t)
	inst := f.build(t)
	feats, err := inst.Refresh(context.Background(), f.day.Add(3*time.Hour))
	require.NoError(t, err)
	assert.True(t, math.IsNaN(feats.RealVolMA))
	assert.True(t, math.IsNaN(feats.VolGap))
	assert.True(t, math.IsNaN(inst.FairValue(context.Background(), inst.StraddleLegs()[0].Contract, f.day)))
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	inst := f.build(t)

	assert.False(t, inst.Activate(inst.OpenTime().Add(-time.Second)))
	assert.True(t, inst.Activate(inst.OpenTime()))
	assert.False(t, inst.Activate(inst.OpenTime()), "already active")
	assert.Equal(t, Active, inst.State())
	assert.False(t, inst.Closed(inst.CloseTime().Add(-time.Second)))
	assert.True(t, inst.Closed(inst.CloseTime()))
	assert.True(t, inst.InEntryWindow(time.Date(2026, 1, 5, 11, 0, 0, 0, f.loc)))
	assert.False(t, inst.InEntryWindow(time.Date(2026, 1, 5, 12, 0, 1, 0, f.loc)))

	inst.Teardown()
	inst.Teardown()
	assert.Equal(t, Terminated, inst.State())
	assert.Empty(t, inst.LiveConIDs())
	assert.Empty(t, f.broker.Lines())
	require.NoError(t, inst.ManageOptionLines(context.Background()))
	assert.Empty(t, f.broker.Lines(), "terminated instruments never resubscribe")
}
