package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side that closes a position opened by s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the pricing instruction of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderState is a node in the order lifecycle state machine.
type OrderState string

const (
	OrderCreated            OrderState = "created"
	OrderSubmitting         OrderState = "submitting"
	OrderAcknowledged       OrderState = "acknowledged"
	OrderRejectedAtSubmit   OrderState = "rejected_at_submit"
	OrderPartiallyFilled    OrderState = "partially_filled"
	OrderFilled             OrderState = "filled"
	OrderCancelled          OrderState = "cancelled"
	OrderRejectedAtExchange OrderState = "rejected_at_exchange"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejectedAtSubmit, OrderRejectedAtExchange:
		return true
	}
	return false
}

var orderTransitions = map[OrderState][]OrderState{
	OrderCreated:         {OrderSubmitting, OrderRejectedAtSubmit},
	OrderSubmitting:      {OrderAcknowledged, OrderRejectedAtSubmit},
	OrderAcknowledged:    {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderRejectedAtExchange},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderRejectedAtExchange},
}

// CanTransition reports whether moving from s to next is a legal step.
// Terminal states have no outgoing edges.
func (s OrderState) CanTransition(next OrderState) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OrderRequest is what a caller asks the engine to place.
type OrderRequest struct {
	Instrument Instrument      `json:"instrument"`
	Side       OrderSide       `json:"side"`
	Type       OrderType       `json:"type"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Intraday   bool            `json:"intraday"`
}

// Validate checks the request for structural errors before it is accepted.
func (r OrderRequest) Validate() error {
	if r.Instrument.Symbol == "" {
		return fmt.Errorf("%w: instrument symbol is required", ErrInvalidOrder)
	}
	if r.Side != OrderSideBuy && r.Side != OrderSideSell {
		return fmt.Errorf("%w: invalid side %q", ErrInvalidOrder, r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidOrder, r.Quantity)
	}
	if lot := r.Instrument.LotSize; lot > 1 && r.Quantity%lot != 0 {
		return fmt.Errorf("%w: quantity %d is not a multiple of lot size %d", ErrInvalidOrder, r.Quantity, lot)
	}
	switch r.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if !r.Price.IsPositive() {
			return fmt.Errorf("%w: limit price must be positive", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: invalid type %q", ErrInvalidOrder, r.Type)
	}
	return nil
}

// Order is the locally tracked view of one order.
type Order struct {
	Profile       ProfileID       `json:"profile"`
	CorrelationID string          `json:"correlation_id"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	Request       OrderRequest    `json:"request"`
	State         OrderState      `json:"state"`
	FilledQty     int64           `json:"filled_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Reason        string          `json:"reason,omitempty"`
	Attempts      int             `json:"attempts"`
	LastSeq       int64           `json:"last_seq"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// OrderUpdate is one broker-reported status for an order. Seq orders updates
// for the same order; a higher Seq is newer.
type OrderUpdate struct {
	BrokerOrderID string          `json:"broker_order_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Instrument    Instrument      `json:"instrument"`
	State         OrderState      `json:"state"`
	FilledQty     int64           `json:"filled_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Seq           int64           `json:"seq"`
	Reason        string          `json:"reason,omitempty"`
}
