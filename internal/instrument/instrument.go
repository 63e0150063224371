// Package instrument manages one underlying's session: schedule, contract
// qualification, the rolling window of option quote lines and the volatility
// features computed from them.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_straddle/internal/broker"
	"github.com/eddiefleurent/scranton_straddle/internal/calendar"
	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/storage"
)

// State is the instrument's lifecycle flag.
type State int

const (
	Untracked State = iota
	Active
	Terminated
)

func (s State) String() string {
	switch s {
	case Untracked:
		return "untracked"
	case Active:
		return "active"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Broker is the slice of the brokerage client an instrument uses.
type Broker interface {
	models.QuoteReader
	QualifyContract(ctx context.Context, c models.Contract) (models.Contract, error)
	QualifyContracts(ctx context.Context, cs []models.Contract) ([]models.Contract, error)
	OptionChainParams(ctx context.Context, underlying models.Contract) ([]broker.ChainParams, error)
	Subscribe(ctx context.Context, c models.Contract) (broker.SubscriptionID, error)
	Unsubscribe(id broker.SubscriptionID) error
}

// Config holds the per-instrument lifecycle parameters.
type Config struct {
	QualifyTimeout time.Duration
	PollInterval   time.Duration
	// StrikeWidth is the number of strikes kept on each side of spot
	StrikeWidth   int
	EntryDelay    time.Duration
	EntryCutoff   time.Duration
	HoldingPeriod time.Duration
	VolLookback   time.Duration
	RiskFreeRate  float64
}

// DefaultConfig is used for zero fields.
var DefaultConfig = Config{
	QualifyTimeout: 12 * time.Second,
	PollInterval:   100 * time.Millisecond,
	StrikeWidth:    3,
	EntryDelay:     15 * time.Minute,
	EntryCutoff:    4 * time.Hour,
	HoldingPeriod:  29 * time.Minute,
	VolLookback:    15 * time.Minute,
	RiskFreeRate:   0.02,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.QualifyTimeout <= 0 {
		c.QualifyTimeout = d.QualifyTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.StrikeWidth <= 0 {
		c.StrikeWidth = d.StrikeWidth
	}
	if c.EntryDelay <= 0 {
		c.EntryDelay = d.EntryDelay
	}
	if c.EntryCutoff <= 0 {
		c.EntryCutoff = d.EntryCutoff
	}
	if c.HoldingPeriod <= 0 {
		c.HoldingPeriod = d.HoldingPeriod
	}
	if c.VolLookback <= 0 {
		c.VolLookback = d.VolLookback
	}
	if c.RiskFreeRate == 0 {
		c.RiskFreeRate = d.RiskFreeRate
	}
	return c
}

// Deps are the collaborators shared by every instrument of a session.
type Deps struct {
	Broker   Broker
	Store    storage.Interface
	Calendar calendar.Provider
	Location *time.Location
	Logger   logrus.FieldLogger
	Config   Config
}

type line struct {
	leg *models.Leg
	sub broker.SubscriptionID
}

// Instrument is one underlying tracked for the session.
type Instrument struct {
	deps   Deps
	cfg    Config
	logger logrus.FieldLogger
	reg    models.Registration

	underlying    models.Contract
	underlyingSub broker.SubscriptionID
	subscribed    bool

	open, close          time.Time
	entryStart, entryEnd time.Time
	expiration           string
	expiry               time.Time

	// chain maps strike to its call and put
	chain   map[float64]map[models.Right]models.Contract
	strikes []float64

	mu       sync.Mutex
	state    State
	lines    map[int64]*line
	straddle []*models.Leg
	strangle []*models.Leg
	features models.Features
}

// EntryWindow derives the entry window for a session: from open+delay to
// close-cutoff. A position opened at either end must be able to run its full
// holding period before the close, and every timestamp must fall on the
// session date.
func EntryWindow(open, closeAt time.Time, delay, cutoff, holding time.Duration) (time.Time, time.Time, error) {
	t1 := open.Add(delay)
	t2 := closeAt.Add(-cutoff)
	if !t1.Add(holding).Before(closeAt) {
		return t1, t2, fmt.Errorf("entry start %s plus holding period %s passes the close %s",
			t1.Format(time.Kitchen), holding, closeAt.Format(time.Kitchen))
	}
	if !t2.Add(holding).Before(closeAt) {
		return t1, t2, fmt.Errorf("entry end %s plus holding period %s passes the close %s",
			t2.Format(time.Kitchen), holding, closeAt.Format(time.Kitchen))
	}
	if t2.Before(t1) {
		return t1, t2, fmt.Errorf("entry window is empty: %s to %s",
			t1.Format(time.Kitchen), t2.Format(time.Kitchen))
	}
	y, m, d := open.Date()
	for _, ts := range []time.Time{closeAt, t1, t2} {
		ty, tm, td := ts.In(open.Location()).Date()
		if ty != y || tm != m || td != d {
			return t1, t2, fmt.Errorf("%s falls outside the session date %04d-%02d-%02d", ts, y, m, d)
		}
	}
	return t1, t2, nil
}

// New brings an instrument up for the session containing day. Any failure
// releases every subscription taken and returns an initialization fault.
func New(ctx context.Context, deps Deps, reg models.Registration, day time.Time) (*Instrument, error) {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	cfg := deps.Config.withDefaults()
	inst := &Instrument{
		deps:     deps,
		cfg:      cfg,
		logger:   deps.Logger.WithFields(logrus.Fields{"component": "instrument", "symbol": reg.Symbol}),
		reg:      reg,
		chain:    make(map[float64]map[models.Right]models.Contract),
		lines:    make(map[int64]*line),
		features: models.EmptyFeatures(),
	}
	if err := inst.init(ctx, day); err != nil {
		inst.Teardown()
		return nil, models.InitError(reg.Symbol, "%w", err)
	}
	inst.logger.WithFields(logrus.Fields{
		"open":       inst.open.Format(time.RFC3339),
		"close":      inst.close.Format(time.RFC3339),
		"expiration": inst.expiration,
		"strikes":    len(inst.strikes),
	}).Info("Instrument initialized")
	return inst, nil
}

func (i *Instrument) init(ctx context.Context, day time.Time) error {
	if err := i.reg.Validate(); err != nil {
		return err
	}

	exchange := i.reg.ScheduleExchange()
	sess, ok := i.deps.Calendar.Schedule(exchange, day)
	if !ok {
		return fmt.Errorf("%s is closed on %s", exchange, day.In(i.deps.Location).Format("2006-01-02"))
	}
	i.open, i.close = sess.Open, sess.Close
	t1, t2, err := EntryWindow(sess.Open, sess.Close, i.cfg.EntryDelay, i.cfg.EntryCutoff, i.cfg.HoldingPeriod)
	if err != nil {
		return err
	}
	i.entryStart, i.entryEnd = t1, t2

	if err := i.qualifyUnderlying(ctx); err != nil {
		return err
	}
	if err := i.subscribeUnderlying(ctx); err != nil {
		return err
	}
	if err := i.loadChain(ctx, day); err != nil {
		return err
	}
	return i.ManageOptionLines(ctx)
}

func (i *Instrument) qualifyUnderlying(ctx context.Context) error {
	want := i.reg.UnderlyingContract()
	var qualified models.Contract
	err := waitFor(ctx, i.cfg.QualifyTimeout, i.cfg.PollInterval, func(ctx context.Context) (bool, error) {
		c, err := i.deps.Broker.QualifyContract(ctx, want)
		if err != nil {
			return false, err
		}
		qualified = c
		return c.Qualified(), nil
	})
	if err != nil {
		return fmt.Errorf("qualifying underlying: %w", err)
	}
	if qualified.ConID != i.reg.ConID {
		return fmt.Errorf("qualified con_id %d does not match registry %d", qualified.ConID, i.reg.ConID)
	}
	if qualified.Symbol != i.reg.Symbol {
		return fmt.Errorf("qualified symbol %q does not match registry %q", qualified.Symbol, i.reg.Symbol)
	}
	i.underlying = qualified
	return nil
}

func (i *Instrument) subscribeUnderlying(ctx context.Context) error {
	sub, err := i.deps.Broker.Subscribe(ctx, i.underlying)
	if err != nil {
		return fmt.Errorf("subscribing underlying: %w", err)
	}
	i.underlyingSub, i.subscribed = sub, true

	err = waitFor(ctx, i.cfg.QualifyTimeout, i.cfg.PollInterval, func(context.Context) (bool, error) {
		q, ok := i.deps.Broker.Quote(i.underlying.ConID)
		return ok && models.IsPositiveFinite(q.MarketPrice()), nil
	})
	if err != nil {
		return fmt.Errorf("waiting for underlying price: %w", err)
	}
	return nil
}

func (i *Instrument) loadChain(ctx context.Context, day time.Time) error {
	params, err := i.deps.Broker.OptionChainParams(ctx, i.underlying)
	if err != nil {
		return fmt.Errorf("requesting chain parameters: %w", err)
	}
	var matched []broker.ChainParams
	for _, p := range params {
		if p.Exchange == i.reg.OptionExchange && p.TradingClass == i.reg.OptionTradingClass {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return fmt.Errorf("no chain on %s for trading class %s", i.reg.OptionExchange, i.reg.OptionTradingClass)
	}

	// nearest expiration on or after the session date
	today := day.In(i.deps.Location).Format(models.ExpirationLayout)
	for _, p := range matched {
		for _, exp := range p.Expirations {
			if exp >= today && (i.expiration == "" || exp < i.expiration) {
				i.expiration = exp
			}
		}
	}
	if i.expiration == "" {
		return errors.New("chain has no live expirations")
	}
	i.expiry, err = calendar.ExpirationClose(i.deps.Calendar, i.reg.ScheduleExchange(), i.expiration, i.deps.Location)
	if err != nil {
		return err
	}

	multiplier := i.reg.OptionMultiplier
	strikeSet := make(map[float64]bool)
	for _, p := range matched {
		if !containsString(p.Expirations, i.expiration) {
			continue
		}
		if p.Multiplier > 0 {
			multiplier = p.Multiplier
		}
		for _, k := range p.Strikes {
			strikeSet[k] = true
		}
	}

	requested := make([]models.Contract, 0, 2*len(strikeSet))
	for k := range strikeSet {
		for _, right := range []models.Right{models.RightPut, models.RightCall} {
			requested = append(requested, models.Contract{
				Symbol:       i.reg.Symbol,
				SecType:      models.SecTypeOption,
				Exchange:     i.reg.OptionExchange,
				Currency:     i.reg.Currency,
				TradingClass: i.reg.OptionTradingClass,
				Multiplier:   multiplier,
				Strike:       k,
				Right:        right,
				Expiration:   i.expiration,
			})
		}
	}
	qctx, cancel := context.WithTimeout(ctx, i.cfg.QualifyTimeout)
	defer cancel()
	qualified, err := i.deps.Broker.QualifyContracts(qctx, requested)
	if err != nil {
		return fmt.Errorf("qualifying options: %w", err)
	}

	dropped := 0
	for idx, c := range qualified {
		if !c.Qualified() || c.Symbol != i.reg.Symbol || c.Right != requested[idx].Right || !c.Right.Valid() {
			dropped++
			continue
		}
		byRight, ok := i.chain[c.Strike]
		if !ok {
			byRight = make(map[models.Right]models.Contract, 2)
			i.chain[c.Strike] = byRight
		}
		byRight[c.Right] = c
	}
	if len(i.chain) == 0 {
		return errors.New("option chain is empty after validation")
	}
	for k := range i.chain {
		i.strikes = append(i.strikes, k)
	}
	sort.Float64s(i.strikes)
	if dropped > 0 {
		i.logger.WithField("dropped", dropped).Debug("Dropped unqualified option contracts")
	}
	return nil
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// ID returns the registry id.
func (i *Instrument) ID() int64 { return i.reg.ID }

// Symbol returns the underlying symbol.
func (i *Instrument) Symbol() string { return i.reg.Symbol }

// Registration returns the registry row the instrument was built from.
func (i *Instrument) Registration() models.Registration { return i.reg }

// Contract returns the qualified underlying contract.
func (i *Instrument) Contract() models.Contract { return i.underlying }

// OpenTime returns the session open.
func (i *Instrument) OpenTime() time.Time { return i.open }

// CloseTime returns the session close.
func (i *Instrument) CloseTime() time.Time { return i.close }

// EntryBounds returns the first and last permissible entry times.
func (i *Instrument) EntryBounds() (time.Time, time.Time) { return i.entryStart, i.entryEnd }

// InEntryWindow reports whether t lies inside the entry window.
func (i *Instrument) InEntryWindow(t time.Time) bool {
	return !t.Before(i.entryStart) && !t.After(i.entryEnd)
}

// HoldingPeriod returns how long an opened straddle may be held.
func (i *Instrument) HoldingPeriod() time.Duration { return i.cfg.HoldingPeriod }

// Expiry returns the close on the chain's expiration date.
func (i *Instrument) Expiry() time.Time { return i.expiry }

// Strikes returns the cached sorted unique strikes.
func (i *Instrument) Strikes() []float64 {
	return append([]float64(nil), i.strikes...)
}

// State returns the lifecycle flag.
func (i *Instrument) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Activate marks the instrument active once now reaches the open.
func (i *Instrument) Activate(now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != Untracked || now.Before(i.open) {
		return false
	}
	i.state = Active
	i.logger.Info("Market open, tracking instrument")
	return true
}

// Closed reports whether now is at or past the close.
func (i *Instrument) Closed(now time.Time) bool {
	return !now.Before(i.close)
}

// Teardown releases every subscription and marks the instrument terminated.
// Calling it again is a no-op.
func (i *Instrument) Teardown() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == Terminated {
		return
	}
	i.state = Terminated
	for conID, ln := range i.lines {
		if err := i.deps.Broker.Unsubscribe(ln.sub); err != nil {
			i.logger.WithError(err).WithField("con_id", conID).Debug("Releasing option line")
		}
	}
	i.lines = make(map[int64]*line)
	i.straddle, i.strangle = nil, nil
	if i.subscribed {
		if err := i.deps.Broker.Unsubscribe(i.underlyingSub); err != nil {
			i.logger.WithError(err).Debug("Releasing underlying line")
		}
		i.subscribed = false
	}
	i.logger.Info("Instrument torn down")
}

// UnderlyingPrice returns the live underlying market price, NaN when unquoted.
func (i *Instrument) UnderlyingPrice() float64 {
	q, ok := i.deps.Broker.Quote(i.underlying.ConID)
	if !ok {
		return math.NaN()
	}
	return q.MarketPrice()
}
