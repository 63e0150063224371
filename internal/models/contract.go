// Package models provides the data structures shared by the straddle engine.
package models

import (
	"fmt"
	"math"
	"time"
)

// SecType identifies the broker security type of a contract.
type SecType string

const (
	SecTypeStock  SecType = "STK"
	SecTypeIndex  SecType = "IND"
	SecTypeOption SecType = "OPT"
)

// Right is the option right: call or put.
type Right string

const (
	RightCall Right = "C"
	RightPut  Right = "P"
)

// Valid returns true if the Right is one of the defined constants
func (r Right) Valid() bool {
	return r == RightCall || r == RightPut
}

// Opposite returns the other right.
func (r Right) Opposite() Right {
	if r == RightCall {
		return RightPut
	}
	return RightCall
}

// ExpirationLayout is the broker's expiration date format.
const ExpirationLayout = "20060102"

// Contract identifies a tradable instrument at the broker.
type Contract struct {
	ConID           int64   `json:"con_id"`
	Symbol          string  `json:"symbol"`
	SecType         SecType `json:"sec_type"`
	Exchange        string  `json:"exchange"`
	PrimaryExchange string  `json:"primary_exchange,omitempty"`
	Currency        string  `json:"currency"`
	TradingClass    string  `json:"trading_class,omitempty"`
	Multiplier      int     `json:"multiplier,omitempty"`
	Strike          float64 `json:"strike,omitempty"`
	Right           Right   `json:"right,omitempty"`
	Expiration      string  `json:"expiration,omitempty"` // YYYYMMDD
}

// IsOption reports whether the contract is an option.
func (c Contract) IsOption() bool {
	return c.SecType == SecTypeOption
}

// Qualified reports whether the broker has resolved the contract id.
func (c Contract) Qualified() bool {
	return c.ConID != 0
}

// Key returns a stable identity for maps when ConID is not known yet.
func (c Contract) Key() string {
	if c.ConID != 0 {
		return fmt.Sprintf("%d", c.ConID)
	}
	return fmt.Sprintf("%s:%s:%s:%.4f", c.Symbol, c.Expiration, c.Right, c.Strike)
}

// ExpirationDate parses the expiration in the given location.
func (c Contract) ExpirationDate(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(ExpirationLayout, c.Expiration, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing expiration %q: %w", c.Expiration, err)
	}
	return t, nil
}

// PriceMultiplier returns the contract multiplier, defaulting to 100 for options.
func (c Contract) PriceMultiplier() float64 {
	if c.Multiplier > 0 {
		return float64(c.Multiplier)
	}
	if c.IsOption() {
		return 100
	}
	return 1
}

func (c Contract) String() string {
	if c.IsOption() {
		return fmt.Sprintf("%s %s %.2f%s", c.Symbol, c.Expiration, c.Strike, c.Right)
	}
	return fmt.Sprintf("%s %s", c.Symbol, c.SecType)
}

// Quote is a point-in-time snapshot of top-of-book market data.
type Quote struct {
	Time    time.Time `json:"time"`
	Bid     float64   `json:"bid"`
	Ask     float64   `json:"ask"`
	Last    float64   `json:"last"`
	Close   float64   `json:"close"`
	BidSize int       `json:"bid_size"`
	AskSize int       `json:"ask_size"`
	BidIV   float64   `json:"bid_iv"`
	AskIV   float64   `json:"ask_iv"`
}

// EmptyQuote returns a quote with every price unset.
func EmptyQuote() Quote {
	nan := math.NaN()
	return Quote{Bid: nan, Ask: nan, Last: nan, Close: nan, BidIV: nan, AskIV: nan}
}

// IsPositiveFinite reports whether v is a usable price.
func IsPositiveFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// MarketPrice returns the midpoint when both sides are quoted, else the last
// trade, else the prior close. NaN when nothing is usable.
func (q Quote) MarketPrice() float64 {
	if IsPositiveFinite(q.Bid) && IsPositiveFinite(q.Ask) && q.Ask >= q.Bid {
		return (q.Bid + q.Ask) / 2
	}
	if IsPositiveFinite(q.Last) {
		return q.Last
	}
	if IsPositiveFinite(q.Close) {
		return q.Close
	}
	return math.NaN()
}
