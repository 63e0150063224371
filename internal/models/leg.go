package models

import "math"

// QuoteReader exposes the live quote book. Implementations are updated by a
// market-data stream and must be safe for concurrent reads.
type QuoteReader interface {
	Quote(conID int64) (Quote, bool)
}

// Leg is one option contract of a straddle or strangle together with the
// prices frozen for the current order attempt.
type Leg struct {
	Contract Contract
	quotes   QuoteReader

	// Locked values are captured once by Lock and never refreshed during the
	// attempt they belong to.
	LockedAsk     float64
	LockedBid     float64
	LockedAskSize int
	LockedBidSize int
	LockedAskIV   float64

	FairValue  float64
	FairMargin float64
}

// NewLeg binds a contract to the quote book.
func NewLeg(c Contract, quotes QuoteReader) *Leg {
	nan := math.NaN()
	return &Leg{
		Contract:    c,
		quotes:      quotes,
		LockedAsk:   nan,
		LockedBid:   nan,
		LockedAskIV: nan,
		FairValue:   nan,
		FairMargin:  nan,
	}
}

// Quote returns the live quote, or an empty quote when none has arrived.
func (l *Leg) Quote() Quote {
	if l.quotes == nil {
		return EmptyQuote()
	}
	q, ok := l.quotes.Quote(l.Contract.ConID)
	if !ok {
		return EmptyQuote()
	}
	return q
}

// Lock freezes the current quote for one attempt and returns the snapshot.
func (l *Leg) Lock() Quote {
	q := l.Quote()
	l.LockedAsk = q.Ask
	l.LockedBid = q.Bid
	l.LockedAskSize = q.AskSize
	l.LockedBidSize = q.BidSize
	l.LockedAskIV = q.AskIV
	return q
}

// Right is shorthand for the contract right.
func (l *Leg) Right() Right {
	return l.Contract.Right
}

// Strike is shorthand for the contract strike.
func (l *Leg) Strike() float64 {
	return l.Contract.Strike
}
