package storage

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/pricing"
	"github.com/eddiefleurent/scranton_straddle/internal/util"
)

// ledgerRow is one trade joined with its option and underlying.
type ledgerRow struct {
	Symbol       string
	Currency     string
	ConID        int64
	Strike       float64
	OptRight     string
	Expiration   string
	Exchange     string
	TradingClass string
	Multiplier   int
	Quantity     int
	AvgPrice     float64
	Commission   float64
}

func (r ledgerRow) contract() models.Contract {
	return models.Contract{
		ConID:        r.ConID,
		Symbol:       r.Symbol,
		SecType:      models.SecTypeOption,
		Exchange:     r.Exchange,
		Currency:     r.Currency,
		TradingClass: r.TradingClass,
		Multiplier:   r.Multiplier,
		Strike:       r.Strike,
		Right:        models.Right(r.OptRight),
		Expiration:   r.Expiration,
	}
}

type ledgerAgg struct {
	row      ledgerRow
	qty      int
	buyQty   int
	buyCost  float64
	lastFill float64
	fees     []float64
}

// aggregateLedger nets trades per contract and keeps non-zero holdings.
// AvgPrice is the quantity-weighted average of the buys. Commission totals
// every trade of the contract, sells included.
func aggregateLedger(rows []ledgerRow) []models.Position {
	byKey := make(map[string]*ledgerAgg)
	order := make([]string, 0)
	for _, r := range rows {
		key := fmt.Sprintf("%s|%s", r.Symbol, r.contract().Key())
		agg, ok := byKey[key]
		if !ok {
			agg = &ledgerAgg{row: r}
			byKey[key] = agg
			order = append(order, key)
		}
		agg.qty += r.Quantity
		agg.lastFill = r.AvgPrice
		agg.fees = append(agg.fees, r.Commission)
		if r.Quantity > 0 {
			agg.buyQty += r.Quantity
			agg.buyCost += float64(r.Quantity) * r.AvgPrice
		}
	}

	positions := make([]models.Position, 0, len(order))
	for _, key := range order {
		agg := byKey[key]
		if agg.qty == 0 {
			continue
		}
		avg := agg.lastFill
		if agg.buyQty > 0 {
			avg = agg.buyCost / float64(agg.buyQty)
		}
		c := agg.row.contract()
		positions = append(positions, models.Position{
			Symbol:     agg.row.Symbol,
			Contract:   c,
			Quantity:   agg.qty,
			AvgPrice:   avg,
			CostBasis:  avg * float64(agg.qty) * c.PriceMultiplier(),
			Commission: util.Sum(agg.fees...),
			Source:     models.SourceLedger,
		})
	}
	sort.SliceStable(positions, func(i, j int) bool {
		a, b := positions[i].Contract, positions[j].Contract
		if positions[i].Symbol != positions[j].Symbol {
			return positions[i].Symbol < positions[j].Symbol
		}
		if a.Expiration != b.Expiration {
			return a.Expiration < b.Expiration
		}
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.Right < b.Right
	})
	return positions
}

// timedPrice is one non-null underlying sample.
type timedPrice struct {
	Time  time.Time
	Price float64
}

// bucketExtrema groups time-ordered samples per minute and returns each
// minute's high and low in order.
func bucketExtrema(samples []timedPrice) []pricing.Extrema {
	out := make([]pricing.Extrema, 0)
	var current time.Time
	for i, s := range samples {
		if math.IsNaN(s.Price) {
			continue
		}
		minute := s.Time.Truncate(time.Minute)
		if i == 0 || len(out) == 0 || !minute.Equal(current) {
			out = append(out, pricing.Extrema{High: s.Price, Low: s.Price})
			current = minute
			continue
		}
		last := &out[len(out)-1]
		if s.Price > last.High {
			last.High = s.Price
		}
		if s.Price < last.Low {
			last.Low = s.Price
		}
	}
	return out
}

var nanPrice = math.NaN()

// finitePtr maps unusable floats to SQL NULL.
func finitePtr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
