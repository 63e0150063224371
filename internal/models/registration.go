package models

import (
	"errors"
	"fmt"
	"strings"
)

const defaultRoutingExchange = "SMART"

// Registration is one row of the instrument registry. Rows are validated once
// at load so the rest of the engine never sees loosely typed records.
type Registration struct {
	ID                 int64   `json:"id"`
	ConID              int64   `json:"con_id"`
	Symbol             string  `json:"symbol"`
	SecType            SecType `json:"sec_type"`
	Currency           string  `json:"currency"`
	Exchange           string  `json:"exchange"`
	PrimaryExchange    string  `json:"primary_exchange"`
	OptionExchange     string  `json:"option_exchange"`
	OptionTradingClass string  `json:"option_trading_class"`
	OptionMultiplier   int     `json:"option_multiplier"`
	OptionSettlement   string  `json:"option_settlement"`
	OptionStyle        string  `json:"option_style"`
	Is1256Contract     bool    `json:"is_1256_contract"`
}

// Validate checks required fields and fills routing defaults.
func (r *Registration) Validate() error {
	var errs []error
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if r.ConID <= 0 {
		errs = append(errs, fmt.Errorf("con_id must be > 0, got %d", r.ConID))
	}
	switch r.SecType {
	case SecTypeStock:
		if r.PrimaryExchange == "" {
			errs = append(errs, errors.New("primary_exchange is required for STK"))
		}
	case SecTypeIndex:
		if r.Exchange == "" {
			errs = append(errs, errors.New("exchange is required for IND"))
		}
	default:
		errs = append(errs, fmt.Errorf("sec_type must be STK or IND, got %q", r.SecType))
	}
	if r.Currency == "" {
		r.Currency = "USD"
	}
	if r.Exchange == "" {
		r.Exchange = defaultRoutingExchange
	}
	if r.OptionExchange == "" {
		r.OptionExchange = defaultRoutingExchange
	}
	if r.OptionTradingClass == "" {
		r.OptionTradingClass = r.Symbol
	}
	if r.OptionMultiplier == 0 {
		r.OptionMultiplier = 100
	}
	if r.OptionMultiplier < 0 {
		errs = append(errs, fmt.Errorf("option_multiplier must be > 0, got %d", r.OptionMultiplier))
	}
	if len(errs) > 0 {
		return fmt.Errorf("registration %q: %w", r.Symbol, errors.Join(errs...))
	}
	return nil
}

// ScheduleExchange returns the exchange whose trading hours govern the
// instrument. Stocks trade on their primary listing; indices on their exchange.
func (r Registration) ScheduleExchange() string {
	if r.SecType == SecTypeStock {
		return r.PrimaryExchange
	}
	return r.Exchange
}

// UnderlyingContract builds the unqualified underlying contract.
func (r Registration) UnderlyingContract() Contract {
	c := Contract{
		Symbol:   r.Symbol,
		SecType:  r.SecType,
		Currency: r.Currency,
	}
	if r.SecType == SecTypeStock {
		c.Exchange = defaultRoutingExchange
		c.PrimaryExchange = r.PrimaryExchange
	} else {
		c.Exchange = r.Exchange
	}
	return c
}
