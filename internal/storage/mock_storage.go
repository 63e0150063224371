package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/pricing"
)

type optionRecord struct {
	instrumentID int64
	contract     models.Contract
}

type sampleKey struct {
	id int64
	t  int64
}

// MockStorage implements Interface in memory for testing
type MockStorage struct {
	mu sync.Mutex

	errs map[string]error

	registry       []models.Registration
	options        map[int64]optionRecord
	underlyingData map[int64][]timedPrice
	seenUnderlying map[sampleKey]bool
	optionData     map[sampleKey]*models.Quote
	buySignals     map[sampleKey]bool
	trades         []models.Fill

	placeholderCalls int
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{
		errs:           make(map[string]error),
		options:        make(map[int64]optionRecord),
		underlyingData: make(map[int64][]timedPrice),
		seenUnderlying: make(map[sampleKey]bool),
		optionData:     make(map[sampleKey]*models.Quote),
		buySignals:     make(map[sampleKey]bool),
	}
}

// SetError makes the named method fail with err until cleared with nil.
func (m *MockStorage) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, method)
		return
	}
	m.errs[method] = err
}

func (m *MockStorage) fail(method string) error {
	return m.errs[method]
}

// LoadRegistry implements Interface.
func (m *MockStorage) LoadRegistry(ctx context.Context) ([]models.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("LoadRegistry"); err != nil {
		return nil, err
	}
	out := make([]models.Registration, len(m.registry))
	copy(out, m.registry)
	return out, nil
}

// RegisterUnderlying implements Interface.
func (m *MockStorage) RegisterUnderlying(ctx context.Context, reg models.Registration) (int64, error) {
	if err := reg.Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("RegisterUnderlying"); err != nil {
		return 0, err
	}
	for _, existing := range m.registry {
		if existing.ConID == reg.ConID || existing.Symbol == reg.Symbol {
			return existing.ID, nil
		}
	}
	reg.ID = int64(len(m.registry) + 1)
	m.registry = append(m.registry, reg)
	return reg.ID, nil
}

// LogOptions implements Interface.
func (m *MockStorage) LogOptions(ctx context.Context, instrumentID int64, contracts []models.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("LogOptions"); err != nil {
		return err
	}
	for _, c := range contracts {
		if !c.Qualified() {
			continue
		}
		if _, ok := m.options[c.ConID]; !ok {
			m.options[c.ConID] = optionRecord{instrumentID: instrumentID, contract: c}
		}
	}
	return nil
}

// LogUnderlyingSample implements Interface.
func (m *MockStorage) LogUnderlyingSample(ctx context.Context, instrumentID int64, t time.Time, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("LogUnderlyingSample"); err != nil {
		return err
	}
	m.logUnderlying(instrumentID, t, price)
	return nil
}

func (m *MockStorage) logUnderlying(instrumentID int64, t time.Time, price float64) {
	key := sampleKey{id: instrumentID, t: t.UnixNano()}
	if m.seenUnderlying[key] {
		return
	}
	m.seenUnderlying[key] = true
	p := finitePtr(price)
	if p == nil {
		return
	}
	m.underlyingData[instrumentID] = append(m.underlyingData[instrumentID], timedPrice{Time: t.UTC(), Price: *p})
}

// LogOptionSamples implements Interface.
func (m *MockStorage) LogOptionSamples(ctx context.Context, t time.Time, samples []OptionSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("LogOptionSamples"); err != nil {
		return err
	}
	for _, sample := range samples {
		if _, ok := m.options[sample.ConID]; !ok {
			continue
		}
		key := sampleKey{id: sample.ConID, t: t.UnixNano()}
		if _, dup := m.optionData[key]; dup {
			continue
		}
		var q *models.Quote
		if sample.Quote != nil {
			copied := *sample.Quote
			q = &copied
		}
		m.optionData[key] = q
	}
	return nil
}

// LogPlaceholders implements Interface.
func (m *MockStorage) LogPlaceholders(ctx context.Context, instrumentID int64, optionConIDs []int64, times []time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("LogPlaceholders"); err != nil {
		return err
	}
	m.placeholderCalls++
	for _, t := range times {
		m.logUnderlying(instrumentID, t, nanPrice)
		for _, conID := range optionConIDs {
			if _, ok := m.options[conID]; !ok {
				continue
			}
			key := sampleKey{id: conID, t: t.UnixNano()}
			if _, dup := m.optionData[key]; !dup {
				m.optionData[key] = nil
			}
		}
	}
	return nil
}

// LogBuySignal implements Interface.
func (m *MockStorage) LogBuySignal(ctx context.Context, instrumentID int64, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("LogBuySignal"); err != nil {
		return err
	}
	m.buySignals[sampleKey{id: instrumentID, t: t.UnixNano()}] = true
	return nil
}

// LatestPrice implements Interface.
func (m *MockStorage) LatestPrice(ctx context.Context, instrumentID int64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("LatestPrice"); err != nil {
		return 0, err
	}
	samples := m.underlyingData[instrumentID]
	if len(samples) == 0 {
		return 0, ErrNoPrice
	}
	latest := samples[0]
	for _, s := range samples[1:] {
		if !s.Time.Before(latest.Time) {
			latest = s
		}
	}
	return latest.Price, nil
}

// PriceExtrema implements Interface.
func (m *MockStorage) PriceExtrema(ctx context.Context, instrumentID int64, at time.Time, lookback time.Duration) ([]pricing.Extrema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PriceExtrema"); err != nil {
		return nil, err
	}
	from := at.Add(-lookback)
	window := make([]timedPrice, 0)
	for _, s := range m.underlyingData[instrumentID] {
		if s.Time.After(from) && !s.Time.After(at) {
			window = append(window, s)
		}
	}
	sort.SliceStable(window, func(i, j int) bool { return window[i].Time.Before(window[j].Time) })
	return bucketExtrema(window), nil
}

// LogTrade implements Interface.
func (m *MockStorage) LogTrade(ctx context.Context, fill models.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("LogTrade"); err != nil {
		return err
	}
	if fill.Quantity == 0 {
		return nil
	}
	if fill.Time.IsZero() {
		fill.Time = time.Now()
	}
	if _, ok := m.options[fill.Contract.ConID]; !ok {
		id, found := m.instrumentID(fill.Contract.Symbol)
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownUnderlying, fill.Contract.Symbol)
		}
		m.options[fill.Contract.ConID] = optionRecord{instrumentID: id, contract: fill.Contract}
	}
	m.trades = append(m.trades, fill)
	return nil
}

func (m *MockStorage) instrumentID(symbol string) (int64, bool) {
	for _, reg := range m.registry {
		if reg.Symbol == symbol {
			return reg.ID, true
		}
	}
	return 0, false
}

// PositionSize implements Interface.
func (m *MockStorage) PositionSize(ctx context.Context, symbol string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PositionSize"); err != nil {
		return 0, err
	}
	total := 0
	for _, row := range m.ledgerRows(since, symbol) {
		total += row.Quantity
	}
	return total, nil
}

// OpenPositions implements Interface.
func (m *MockStorage) OpenPositions(ctx context.Context, symbol string, since time.Time) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("OpenPositions"); err != nil {
		return nil, err
	}
	return aggregateLedger(m.ledgerRows(since, symbol)), nil
}

// AllOpenPositions implements Interface.
func (m *MockStorage) AllOpenPositions(ctx context.Context, since time.Time) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AllOpenPositions"); err != nil {
		return nil, err
	}
	return aggregateLedger(m.ledgerRows(since, "")), nil
}

func (m *MockStorage) ledgerRows(since time.Time, symbol string) []ledgerRow {
	rows := make([]ledgerRow, 0, len(m.trades))
	for _, fill := range m.trades {
		if fill.Time.Before(since) {
			continue
		}
		rec := m.options[fill.Contract.ConID]
		sym := fill.Contract.Symbol
		for _, reg := range m.registry {
			if reg.ID == rec.instrumentID {
				sym = reg.Symbol
			}
		}
		if symbol != "" && sym != symbol {
			continue
		}
		c := rec.contract
		rows = append(rows, ledgerRow{
			Symbol:       sym,
			Currency:     c.Currency,
			ConID:        c.ConID,
			Strike:       c.Strike,
			OptRight:     string(c.Right),
			Expiration:   c.Expiration,
			Exchange:     c.Exchange,
			TradingClass: c.TradingClass,
			Multiplier:   c.Multiplier,
			Quantity:     fill.Quantity,
			AvgPrice:     fill.AvgPrice,
			Commission:   fill.Commission,
		})
	}
	return rows
}

// Close implements Interface.
func (m *MockStorage) Close() error {
	return nil
}

// Trades returns a copy of the ledger.
func (m *MockStorage) Trades() []models.Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Fill, len(m.trades))
	copy(out, m.trades)
	return out
}

// BuySignalCount returns how many buy signals were logged.
func (m *MockStorage) BuySignalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buySignals)
}

// OptionSampleCount returns the number of option rows, placeholders included.
func (m *MockStorage) OptionSampleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.optionData)
}

// UnderlyingRowCount returns the number of underlying rows, placeholders included.
func (m *MockStorage) UnderlyingRowCount(instrumentID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.seenUnderlying {
		if key.id == instrumentID {
			n++
		}
	}
	return n
}

// PlaceholderCalls returns how many times LogPlaceholders was called.
func (m *MockStorage) PlaceholderCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placeholderCalls
}

// LoggedOption reports whether the option identity was written.
func (m *MockStorage) LoggedOption(conID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.options[conID]
	return ok
}
