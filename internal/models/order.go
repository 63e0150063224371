package models

import "fmt"

// Action is the side of an order.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Opposite returns the other side.
func (a Action) Opposite() Action {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// Sign returns +1 for buys and -1 for sells.
func (a Action) Sign() int {
	if a == ActionSell {
		return -1
	}
	return 1
}

// TimeInForce controls how long a working order stays live.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
	TIFDTC TimeInForce = "DTC"
)

// Order is a limit order for one contract.
type Order struct {
	Action     Action      `json:"action"`
	Quantity   int         `json:"quantity"`
	LimitPrice float64     `json:"limit_price"`
	TIF        TimeInForce `json:"tif"`
	Ref        string      `json:"ref"`
}

// Validate rejects orders the broker would refuse anyway.
func (o Order) Validate() error {
	if o.Action != ActionBuy && o.Action != ActionSell {
		return fmt.Errorf("invalid action %q", o.Action)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("quantity must be > 0, got %d", o.Quantity)
	}
	if !IsPositiveFinite(o.LimitPrice) {
		return fmt.Errorf("limit price must be positive and finite, got %v", o.LimitPrice)
	}
	switch o.TIF {
	case TIFDay, TIFIOC, TIFFOK, TIFDTC:
	default:
		return fmt.Errorf("invalid time in force %q", o.TIF)
	}
	return nil
}

// OrderState is the broker-reported lifecycle state of an order.
type OrderState string

const (
	OrderPendingSubmit   OrderState = "PendingSubmit"
	OrderSubmitted       OrderState = "Submitted"
	OrderPartiallyFilled OrderState = "PartiallyFilled"
	OrderFilled          OrderState = "Filled"
	OrderCancelled       OrderState = "Cancelled"
	OrderAPICancelled    OrderState = "ApiCancelled"
	OrderInactive        OrderState = "Inactive"
)

// Terminal reports whether the broker will not change the order any further.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderAPICancelled, OrderInactive:
		return true
	default:
		return false
	}
}

// OrderStatus is the broker's view of a placed order.
type OrderStatus struct {
	OrderID      string     `json:"order_id"`
	State        OrderState `json:"state"`
	Filled       int        `json:"filled"`
	Remaining    int        `json:"remaining"`
	AvgFillPrice float64    `json:"avg_fill_price"`
	Commission   float64    `json:"commission"`
}
