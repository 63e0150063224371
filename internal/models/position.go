package models

import (
	"fmt"
	"math"
	"time"
)

// Provenance records where a position record came from.
type Provenance string

const (
	// SourceLedger marks positions derived from the local trade ledger
	SourceLedger Provenance = "ledger"
	// SourceBroker marks positions derived from the broker aggregate
	SourceBroker Provenance = "broker"
)

// Position is a held quantity of one option contract attributed to this engine.
type Position struct {
	Symbol   string     `json:"symbol"`
	Contract Contract   `json:"contract"`
	Quantity int        `json:"quantity"`  // signed contracts
	AvgPrice float64    `json:"avg_price"` // per unit premium
	// CostBasis is the lot cost in broker units (premium times multiplier).
	CostBasis float64 `json:"cost_basis"`
	// Commission is the fees paid on the ledger trades behind the position.
	Commission float64    `json:"commission"`
	Source     Provenance `json:"source"`
}

// OpeningCost returns the premium paid per unit multiplied by quantity, in the
// same units as quote prices.
func (p Position) OpeningCost() float64 {
	return p.AvgPrice * float64(p.Quantity)
}

func (p Position) String() string {
	return fmt.Sprintf("%s x%d @ %.4f (%s)", p.Contract, p.Quantity, p.AvgPrice, p.Source)
}

// BrokerPosition is one row of the broker's aggregate position report.
// AvgCost is per contract including the multiplier.
type BrokerPosition struct {
	Account  string   `json:"account"`
	Contract Contract `json:"contract"`
	Quantity int      `json:"quantity"`
	AvgCost  float64  `json:"avg_cost"`
}

// Fill is an entry in the trade ledger. Quantity is signed: buys positive.
type Fill struct {
	Account    string    `json:"account"`
	Time       time.Time `json:"time"`
	Contract   Contract  `json:"contract"`
	Quantity   int       `json:"quantity"`
	AvgPrice   float64   `json:"avg_price"`
	Commission float64   `json:"commission"`
	OrderRef   string    `json:"order_ref"`
}

// Features is the per-tick volatility feature set fed to the signal model.
type Features struct {
	VolMAGap    float64 `json:"vol_ma_gap"`
	VolGap      float64 `json:"vol_gap"`
	IV          float64 `json:"iv"`
	RealVolLast float64 `json:"real_vol_last"`
	RealVolMA   float64 `json:"real_vol_ma"`
}

// EmptyFeatures returns a feature set with every value unset.
func EmptyFeatures() Features {
	nan := math.NaN()
	return Features{VolMAGap: nan, VolGap: nan, IV: nan, RealVolLast: nan, RealVolMA: nan}
}

// Vector returns the features in model order.
func (f Features) Vector() []float64 {
	return []float64{f.VolMAGap, f.VolGap, f.IV, f.RealVolLast, f.RealVolMA}
}

// AccountSnapshot is the latest account summary.
type AccountSnapshot struct {
	Cash            float64   `json:"cash"`
	TotalCashValue  float64   `json:"total_cash_value"`
	AvailableFunds  float64   `json:"available_funds"`
	BuyingPower     float64   `json:"buying_power"`
	MaintMargin     float64   `json:"maint_margin"`
	ExcessLiquidity float64   `json:"excess_liquidity"`
	Cushion         float64   `json:"cushion"`
	UpdatedAt       time.Time `json:"updated_at"`
}
