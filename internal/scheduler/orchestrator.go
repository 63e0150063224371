package scheduler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/monitor"
	"github.com/eddiefleurent/scranton_straddle/internal/orders"
	"github.com/eddiefleurent/scranton_straddle/internal/reconcile"
	"github.com/eddiefleurent/scranton_straddle/internal/signal"
	"github.com/eddiefleurent/scranton_straddle/internal/storage"
)

// Trader opens and liquidates straddles. *orders.Engine implements it.
type Trader interface {
	Open(ctx context.Context, target orders.Target, evalTime time.Time, before []models.BrokerPosition) (bool, error)
	Close(ctx context.Context, pricer orders.Pricer, positions []models.Position) error
}

// Account exposes the cached account summary. *account.Tracker implements it.
type Account interface {
	Refresh(ctx context.Context) (models.AccountSnapshot, error)
	AvailableFunds() float64
}

// Clock abstracts wall time so the tick loop can run on simulated time.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in that case
	Sleep(ctx context.Context, d time.Duration) error
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WallClock returns the system clock.
func WallClock() Clock { return wallClock{} }

// Config contains configuration for the session loop.
type Config struct {
	TickPeriod time.Duration
	// CloseBuffer is how long before a close open positions are flattened
	CloseBuffer     time.Duration
	FundsFloor      float64
	ShutdownTimeout time.Duration
	// AttributeAttempts bounds the post-trade snapshots taken, one tick
	// apart, before an opened straddle is reported unattributable
	AttributeAttempts int
	Monitor           monitor.Config
}

// DefaultConfig is the default session configuration.
var DefaultConfig = Config{
	TickPeriod:        250 * time.Millisecond,
	CloseBuffer:       15 * time.Minute,
	FundsFloor:        10000,
	ShutdownTimeout:   5 * time.Minute,
	AttributeAttempts: 3,
	Monitor:           monitor.DefaultConfig,
}

// Deps bundles the collaborators of the orchestrator.
type Deps struct {
	Broker     orders.Broker
	Store      storage.Interface
	Trader     Trader
	Reconciler *reconcile.Reconciler
	Account    Account
	Model      signal.Model
	State      *models.StateMachine
	Clock      Clock
	Logger     logrus.FieldLogger
	// Since is the session start the ledger is read from
	Since  time.Time
	Config Config
}

// Status is a point-in-time view of the session for operators.
type Status struct {
	State          models.SessionState `json:"state"`
	Description    string              `json:"description"`
	StopReason     string              `json:"stop_reason,omitempty"`
	Since          time.Time           `json:"since"`
	LastTick       time.Time           `json:"last_tick"`
	Ticks          int64               `json:"ticks"`
	MissedTicks    int64               `json:"missed_ticks"`
	Tracked        []string            `json:"tracked"`
	Untracked      []string            `json:"untracked"`
	Monitors       []string            `json:"monitors"`
	// AvailableFunds is nil until the account has been read
	AvailableFunds *float64            `json:"available_funds"`
}

// Orchestrator runs one trading session over a roster.
type Orchestrator struct {
	deps       Deps
	cfg        Config
	logger     logrus.FieldLogger
	clock      Clock
	roster     *Roster
	supervisor *monitor.Supervisor

	handledClose time.Time

	mu     sync.Mutex
	status Status
}

// New creates an orchestrator for roster.
func New(deps Deps, roster *Roster) *Orchestrator {
	cfg := deps.Config
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = DefaultConfig.TickPeriod
	}
	if cfg.CloseBuffer <= 0 {
		cfg.CloseBuffer = DefaultConfig.CloseBuffer
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig.ShutdownTimeout
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Clock == nil {
		deps.Clock = WallClock()
	}
	if deps.State == nil {
		deps.State = models.NewStateMachine()
	}
	if deps.Model == nil {
		deps.Model = signal.DefaultThreshold()
	}
	if deps.Reconciler == nil {
		deps.Reconciler = reconcile.New(deps.Store, deps.Logger)
	}
	o := &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger.WithField("component", "scheduler"),
		clock:  deps.Clock,
		roster: roster,
	}
	o.status.Since = deps.Since
	o.snapshot(time.Time{})
	return o
}

// Status returns the latest session view. Safe to call from any goroutine.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.status
	st.State = o.deps.State.GetCurrentState()
	st.Description = o.deps.State.GetStateDescription()
	return st
}

func (o *Orchestrator) snapshot(tick time.Time) {
	tracked, untracked := o.roster.Symbols()
	var monitors []string
	if o.supervisor != nil {
		monitors = o.supervisor.Active()
	}
	var funds *float64
	if o.deps.Account != nil {
		if f := o.deps.Account.AvailableFunds(); !math.IsNaN(f) && !math.IsInf(f, 0) {
			funds = &f
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !tick.IsZero() {
		o.status.LastTick = tick
		o.status.Ticks++
	}
	o.status.Tracked, o.status.Untracked = tracked, untracked
	o.status.Monitors = monitors
	o.status.AvailableFunds = funds
}

func (o *Orchestrator) transition(to models.SessionState, condition string) {
	from := o.deps.State.GetCurrentState()
	if err := o.deps.State.Transition(to, condition); err != nil {
		o.logger.WithError(err).Error("Invalid session transition")
		return
	}
	o.logger.WithFields(logrus.Fields{"from": from, "to": to, "condition": condition}).Info("Session state changed")
}

// Run drives the session until the last close, the funds floor, an empty
// roster, a fault, or ctx cancellation, then shuts down in order. Only a
// fault is returned as an error.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.roster.Empty() {
		o.mu.Lock()
		o.status.StopReason = "init_failed"
		o.mu.Unlock()
		o.transition(models.StateShuttingDown, "init_failed")
		o.transition(models.StateStopped, "")
		return models.FatalError("no instrument initialized for the session")
	}
	o.transition(models.StateWaitingForFirstOpen, "initialized")
	o.supervisor = monitor.NewSupervisor(ctx, o.deps.Logger)

	cause, err := o.run(ctx)
	if err != nil {
		o.logger.WithError(err).Error("Session fault, shutting down")
	}
	o.shutdown(cause)
	return err
}

func (o *Orchestrator) run(ctx context.Context) (string, error) {
	lastClose, _ := o.roster.LastClose()
	firstOpen, _ := o.roster.NextOpen()
	if wait := firstOpen.Sub(o.clock.Now()); wait > 0 {
		o.logger.WithFields(logrus.Fields{
			"first_open": firstOpen.Format(time.RFC3339),
			"last_close": lastClose.Format(time.RFC3339),
		}).Info("Waiting for first market open")
		if err := o.clock.Sleep(ctx, wait); err != nil {
			return "canceled", nil
		}
	}
	o.transition(models.StateRunning, "first_open")

	period := o.cfg.TickPeriod
	var last time.Time
	for {
		if ctx.Err() != nil {
			return "canceled", nil
		}
		sample := SnapToTick(o.clock.Now(), period)
		if cond, err := o.safeTick(ctx, last, sample, lastClose); cond != "" {
			return cond, err
		}
		last = sample
		if err := o.clock.Sleep(ctx, sample.Add(period).Sub(o.clock.Now())); err != nil {
			return "canceled", nil
		}
	}
}

// safeTick turns a panic in the tick body into a fault.
func (o *Orchestrator) safeTick(ctx context.Context, last, sample, lastClose time.Time) (cond string, err error) {
	defer func() {
		if r := recover(); r != nil {
			cond, err = "fault", models.FatalError("tick panicked: %v", r)
		}
	}()
	return o.tick(ctx, last, sample, lastClose)
}

// tick runs one iteration and returns a non-empty condition when the session
// must end.
func (o *Orchestrator) tick(ctx context.Context, last, sample, lastClose time.Time) (string, error) {
	now := o.clock.Now()
	if !last.IsZero() {
		o.fillGap(ctx, last, sample)
	}

	for _, h := range o.roster.Activate(now) {
		o.logger.WithField("symbol", o.roster.Get(h).Symbol()).Info("Instrument tracked")
	}
	for _, h := range o.roster.DueForClose(now) {
		inst := o.roster.Remove(h)
		inst.Teardown()
		o.logger.WithField("symbol", inst.Symbol()).Info("Market closed, instrument dropped")
	}
	if !now.Before(lastClose) {
		return "last_close", nil
	}
	if o.roster.Empty() {
		return "roster_empty", nil
	}

	o.checkCloseBuffer(ctx, now)

	if funds := o.deps.Account.AvailableFunds(); funds < o.cfg.FundsFloor {
		o.logger.WithFields(logrus.Fields{"funds": funds, "floor": o.cfg.FundsFloor}).Warn("Available funds below floor")
		return "insufficient_funds", nil
	}

	if err := o.evalSequence(ctx, sample); err != nil {
		return "fault", err
	}
	o.snapshot(sample)
	return "", nil
}

// fillGap writes placeholder rows for every tick skipped since last.
func (o *Orchestrator) fillGap(ctx context.Context, last, sample time.Time) {
	missed := MissedTicks(last, sample, o.cfg.TickPeriod)
	if missed <= 0 {
		return
	}
	times := make([]time.Time, missed)
	for i := range times {
		times[i] = last.Add(time.Duration(i+1) * o.cfg.TickPeriod)
	}
	o.mu.Lock()
	o.status.MissedTicks += int64(missed)
	o.mu.Unlock()
	o.logger.WithFields(logrus.Fields{"missed": missed, "last": last, "sample": sample}).Warn("Tick overran its period")

	for _, h := range o.roster.Tracked() {
		inst := o.roster.Get(h)
		if err := o.deps.Store.LogPlaceholders(ctx, inst.ID(), inst.StraddleConIDs(), times); err != nil {
			o.logger.WithError(err).WithField("symbol", inst.Symbol()).Warn("Writing placeholder rows")
		}
	}
}

// checkCloseBuffer flattens what this session still holds in symbols whose
// market closes within the buffer. Monitored straddles are asked to exit;
// anything else is closed directly.
func (o *Orchestrator) checkCloseBuffer(ctx context.Context, now time.Time) {
	nextClose, ok := o.roster.NextClose()
	if !ok || now.Before(nextClose.Add(-o.cfg.CloseBuffer)) || nextClose.Equal(o.handledClose) {
		return
	}
	o.handledClose = nextClose
	o.logger.WithField("close", nextClose.Format(time.TimeOnly)).Info("Inside pre-close buffer, checking open positions")

	bySymbol, err := o.openPositions(ctx)
	if err != nil {
		o.logger.WithError(err).Error("Reading open positions for pre-close check")
		return
	}
	for _, symbol := range sortedKeys(bySymbol) {
		if h, ok := o.roster.Find(symbol); ok && now.Before(o.roster.Get(h).CloseTime().Add(-o.cfg.CloseBuffer)) {
			continue
		}
		if o.supervisor.Exit(symbol) {
			o.logger.WithField("symbol", symbol).Warn("Requested early exit before close")
			continue
		}
		o.logger.WithField("symbol", symbol).Warn("Unmonitored session position, closing before market close")
		if err := o.deps.Trader.Close(ctx, o.pricerFor(symbol), bySymbol[symbol]); err != nil {
			o.logger.WithError(err).WithField("symbol", symbol).Error("Pre-close liquidation failed")
		}
	}
}

func (o *Orchestrator) openPositions(ctx context.Context) (map[string][]models.Position, error) {
	positions, err := o.deps.Store.AllOpenPositions(ctx, o.deps.Since)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]models.Position)
	for _, p := range positions {
		if p.Quantity != 0 {
			out[p.Symbol] = append(out[p.Symbol], p)
		}
	}
	return out, nil
}

func sortedKeys(m map[string][]models.Position) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (o *Orchestrator) pricerFor(symbol string) orders.Pricer {
	if h, ok := o.roster.Find(symbol); ok {
		return o.roster.Get(h)
	}
	return orders.BidOnly(symbol)
}

// evalSequence refreshes, records and evaluates every tracked instrument.
// Only fatal faults are returned.
func (o *Orchestrator) evalSequence(ctx context.Context, sample time.Time) error {
	for _, h := range o.roster.Tracked() {
		inst := o.roster.Get(h)
		err := o.evaluate(ctx, inst, sample)
		switch {
		case err == nil:
		case models.IsFatal(err):
			return err
		default:
			o.logger.WithError(err).WithField("symbol", inst.Symbol()).Error("Evaluation fault")
		}
	}
	return nil
}

func (o *Orchestrator) evaluate(ctx context.Context, inst Instrument, sample time.Time) error {
	logger := o.logger.WithField("symbol", inst.Symbol())
	features, err := inst.Refresh(ctx, sample)
	if err != nil {
		logger.WithError(err).Warn("Refreshing instrument")
	}
	if err := o.deps.Store.LogUnderlyingSample(ctx, inst.ID(), sample, inst.UnderlyingPrice()); err != nil {
		logger.WithError(err).Warn("Recording underlying sample")
	}
	if err := o.deps.Store.LogOptionSamples(ctx, sample, inst.StraddleSamples()); err != nil {
		logger.WithError(err).Warn("Recording option samples")
	}

	if !o.deps.Model.Evaluate(features) || !inst.InEntryWindow(sample) || o.supervisor.Owns(inst.Symbol()) {
		return nil
	}
	logger.WithFields(logrus.Fields{
		"vol_ma_gap": features.VolMAGap,
		"vol_gap":    features.VolGap,
		"iv":         features.IV,
	}).Info("Buy signal")
	if err := o.deps.Store.LogBuySignal(ctx, inst.ID(), sample); err != nil {
		logger.WithError(err).Warn("Recording buy signal")
	}
	return o.open(ctx, inst, sample)
}

func (o *Orchestrator) open(ctx context.Context, inst Instrument, sample time.Time) error {
	symbol := inst.Symbol()
	logger := o.logger.WithField("symbol", symbol)

	before, err := o.deps.Broker.Positions(ctx)
	if err != nil {
		logger.WithError(err).Warn("No position snapshot, skipping entry")
		return nil
	}
	opened, err := o.deps.Trader.Open(ctx, inst, sample, before)
	if err != nil {
		switch models.KindOf(err) {
		case models.FaultFatal:
			return err
		case models.FaultValidation:
			logger.WithError(err).Debug("Entry rejected")
		default:
			logger.WithError(err).Warn("Entry failed")
		}
	}
	if opened || models.KindOf(err) == models.FaultOrder {
		if _, err := o.deps.Account.Refresh(ctx); err != nil {
			logger.WithError(err).Warn("Refreshing account after trade")
		}
	}
	if !opened {
		return nil
	}

	positions := o.attribute(ctx, symbol, before)
	if len(positions) == 0 {
		return models.ReconciliationError(symbol, "opened straddle has no attributable positions")
	}
	m := monitor.New(inst, positions, o.clock.Now(), inst.HoldingPeriod(), o.deps.Broker, o.deps.Trader, o.deps.Logger, o.cfg.Monitor)
	m.SetClock(o.clock.Now)
	if !o.supervisor.Spawn(m) {
		return fmt.Errorf("%s already monitored", symbol)
	}
	return nil
}

// attribute works out which positions the session just opened. Each attempt
// prefers the broker delta and falls back to the ledger; empty attempts are
// retried one tick apart.
func (o *Orchestrator) attribute(ctx context.Context, symbol string, before []models.BrokerPosition) []models.Position {
	for attempt := 1; ; attempt++ {
		if positions := o.attributeOnce(ctx, symbol, before); len(positions) > 0 {
			return positions
		}
		if attempt >= o.cfg.AttributeAttempts {
			return nil
		}
		o.logger.WithFields(logrus.Fields{"symbol": symbol, "attempt": attempt}).Warn("Opened straddle not attributed yet")
		if err := o.clock.Sleep(ctx, o.cfg.TickPeriod); err != nil {
			return nil
		}
	}
}

func (o *Orchestrator) attributeOnce(ctx context.Context, symbol string, before []models.BrokerPosition) []models.Position {
	after, err := o.deps.Broker.Positions(ctx)
	if err == nil {
		if positions := o.deps.Reconciler.Positions(ctx, symbol, o.deps.Since, before, after); len(positions) > 0 {
			return positions
		}
	} else {
		o.logger.WithError(err).WithField("symbol", symbol).Warn("No post-trade position snapshot")
	}
	positions, err := o.deps.Store.OpenPositions(ctx, symbol, o.deps.Since)
	if err != nil {
		o.logger.WithError(err).WithField("symbol", symbol).Error("Reading ledger positions")
		return nil
	}
	return positions
}

// shutdown cancels the monitors, flattens whatever the ledger still shows
// open, and tears every instrument down.
func (o *Orchestrator) shutdown(cause string) {
	o.transition(models.StateShuttingDown, cause)
	o.mu.Lock()
	o.status.StopReason = cause
	o.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownTimeout)
	defer cancel()

	if err := o.supervisor.Shutdown(); err != nil {
		o.logger.WithError(err).Error("Monitor panicked during session")
	}
	o.flatten(ctx)
	for _, h := range append(o.roster.Tracked(), o.roster.Untracked()...) {
		o.roster.Remove(h).Teardown()
	}
	o.snapshot(time.Time{})
	o.transition(models.StateStopped, "")
}

func (o *Orchestrator) flatten(ctx context.Context) {
	bySymbol, err := o.openPositions(ctx)
	if err != nil {
		o.logger.WithError(err).Error("Reading open positions at shutdown")
		return
	}
	for _, symbol := range sortedKeys(bySymbol) {
		o.logger.WithField("symbol", symbol).Warn("Flattening leftover position")
		if err := o.deps.Trader.Close(ctx, o.pricerFor(symbol), bySymbol[symbol]); err != nil {
			o.logger.WithError(err).WithField("symbol", symbol).Error("Shutdown liquidation failed")
		}
	}
}
