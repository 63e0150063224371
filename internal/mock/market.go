// Package mock drives the paper broker with a synthetic market so a test-mode
// session has quotes to sample and trade against.
package mock

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_straddle/internal/broker"
	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/pricing"
	"github.com/eddiefleurent/scranton_straddle/internal/util"
)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// Feed is the part of the paper broker the market writes to.
type Feed interface {
	AddContract(c models.Contract)
	SetChain(underlyingConID int64, params ...broker.ChainParams)
	SetQuote(conID int64, q models.Quote)
}

// Config shapes the synthetic market.
type Config struct {
	// StartPrice seeds every underlying
	StartPrice float64
	// Vol is the annualized volatility of the random walk
	Vol float64
	// StrikeStep and Strikes lay out the chain on each side of the start price
	StrikeStep float64
	Strikes    int
	Spread     float64
	Size       int
	RiskFree   float64
}

// DefaultConfig is used for zero fields.
var DefaultConfig = Config{
	StartPrice: 450,
	Vol:        0.18,
	StrikeStep: 1,
	Strikes:    10,
	Spread:     0.05,
	Size:       50,
	RiskFree:   pricing.DefaultRiskFreeRate,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.StartPrice <= 0 {
		c.StartPrice = d.StartPrice
	}
	if c.Vol <= 0 {
		c.Vol = d.Vol
	}
	if c.StrikeStep <= 0 {
		c.StrikeStep = d.StrikeStep
	}
	if c.Strikes <= 0 {
		c.Strikes = d.Strikes
	}
	if c.Spread <= 0 {
		c.Spread = d.Spread
	}
	if c.Size <= 0 {
		c.Size = d.Size
	}
	if c.RiskFree == 0 {
		c.RiskFree = d.RiskFree
	}
	return c
}

type underlying struct {
	contract models.Contract
	price    float64
	options  []models.Contract
}

// Market is a random-walk market for a set of registered underlyings with
// a single expiration at expiry.
type Market struct {
	feed   Feed
	cfg    Config
	expiry time.Time
	logger logrus.FieldLogger

	mu          sync.Mutex
	underlyings []*underlying
	last        time.Time
}

// NewMarket lists every registration's underlying and a same-day option
// chain expiring at expiry.
func NewMarket(feed Feed, regs []models.Registration, expiry time.Time, cfg Config, logger logrus.FieldLogger) *Market {
	if logger == nil {
		logger = logrus.New()
	}
	cfg = cfg.withDefaults()
	m := &Market{
		feed:   feed,
		cfg:    cfg,
		expiry: expiry,
		logger: logger.WithField("component", "mock_market"),
	}
	expiration := expiry.Format(models.ExpirationLayout)
	for _, reg := range regs {
		if err := reg.Validate(); err != nil {
			m.logger.WithError(err).Warn("Skipping registration")
			continue
		}
		u := &underlying{price: cfg.StartPrice}
		u.contract = reg.UnderlyingContract()
		u.contract.ConID = reg.ConID
		feed.AddContract(u.contract)

		center := math.Round(cfg.StartPrice/cfg.StrikeStep) * cfg.StrikeStep
		var strikes []float64
		for i := -cfg.Strikes; i <= cfg.Strikes; i++ {
			k := center + float64(i)*cfg.StrikeStep
			strikes = append(strikes, k)
			for j, right := range []models.Right{models.RightCall, models.RightPut} {
				c := models.Contract{
					ConID:        reg.ConID*1000 + int64(2*(i+cfg.Strikes)+j+1),
					Symbol:       reg.Symbol,
					SecType:      models.SecTypeOption,
					Exchange:     reg.OptionExchange,
					Currency:     reg.Currency,
					TradingClass: reg.OptionTradingClass,
					Multiplier:   reg.OptionMultiplier,
					Strike:       k,
					Right:        right,
					Expiration:   expiration,
				}
				feed.AddContract(c)
				u.options = append(u.options, c)
			}
		}
		feed.SetChain(reg.ConID, broker.ChainParams{
			Exchange:     reg.OptionExchange,
			TradingClass: reg.OptionTradingClass,
			Multiplier:   reg.OptionMultiplier,
			Expirations:  []string{expiration},
			Strikes:      strikes,
		})
		m.underlyings = append(m.underlyings, u)
	}
	return m
}

// Price returns the current price of an underlying, NaN when unknown.
func (m *Market) Price(conID int64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.underlyings {
		if u.contract.ConID == conID {
			return u.price
		}
	}
	return math.NaN()
}

// Step advances the walk to now and publishes a quote for every contract.
func (m *Market) Step(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dt := 0.0
	if !m.last.IsZero() {
		dt = now.Sub(m.last).Seconds() / pricing.TradingYear.Seconds()
	}
	m.last = now
	tenor, err := pricing.Tenor(m.expiry, now)
	if err != nil {
		tenor = 1 / pricing.TradingYear.Hours()
	}

	for _, u := range m.underlyings {
		if dt > 0 {
			// uniform shock with unit variance
			shock := (secureFloat64() - 0.5) * math.Sqrt(12)
			u.price *= math.Exp(m.cfg.Vol * math.Sqrt(dt) * shock)
		}
		mid := util.RoundToTick(u.price, 0.01)
		m.feed.SetQuote(u.contract.ConID, models.Quote{
			Time: now, Bid: util.Sum(mid, -0.01), Ask: util.Sum(mid, 0.01), Last: u.price,
			BidSize: 100 * m.cfg.Size, AskSize: 100 * m.cfg.Size,
			BidIV: math.NaN(), AskIV: math.NaN(),
		})

		iv := m.cfg.Vol * (0.9 + 0.2*secureFloat64())
		for _, c := range u.options {
			fair := pricing.Price(c.Right, u.price, c.Strike, tenor, iv, m.cfg.RiskFree)
			if !models.IsPositiveFinite(fair) {
				fair = 0.01
			}
			// quotes sit on the penny grid
			bid := math.Max(0.01, util.RoundToTick(fair-m.cfg.Spread/2, 0.01))
			m.feed.SetQuote(c.ConID, models.Quote{
				Time: now, Bid: bid, Ask: util.Sum(bid, util.RoundToTick(m.cfg.Spread, 0.01)), Last: fair,
				BidSize: m.cfg.Size, AskSize: m.cfg.Size,
				BidIV: iv, AskIV: iv,
			})
		}
	}
}

// Run steps the market every interval until ctx is done.
func (m *Market) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.Step(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Step(now)
		}
	}
}
