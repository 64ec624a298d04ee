package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
)

// MarginFunc fetches the profile's current margin.
type MarginFunc func(ctx context.Context) (domain.Margin, error)

// RiskManager enforces pre-trade rules: the exchange's per-order quantity
// limit and, optionally, that the order's notional fits into available
// margin minus a safety buffer.
type RiskManager struct {
	checkMargin bool
	buffer      decimal.Decimal
}

// NewRiskManager creates a RiskManager. When checkMargin is false only the
// quantity limit is enforced.
func NewRiskManager(checkMargin bool, bufferMargin float64) *RiskManager {
	return &RiskManager{
		checkMargin: checkMargin,
		buffer:      decimal.NewFromFloat(bufferMargin),
	}
}

// CheckOrder evaluates req. ref is the price used to value market orders,
// usually the last traded price; a zero ref skips the margin check for
// market orders. Rejections wrap domain.ErrRiskRejected.
func (rm *RiskManager) CheckOrder(ctx context.Context, req domain.OrderRequest, ref decimal.Decimal, margin MarginFunc) error {
	if limit := req.Instrument.MaxOrderQty(); limit > 0 && req.Quantity > limit {
		return fmt.Errorf("%w: quantity %d exceeds the %d limit for %s",
			domain.ErrRiskRejected, req.Quantity, limit, req.Instrument.Key())
	}
	if !rm.checkMargin || margin == nil || req.Side != domain.OrderSideBuy {
		return nil
	}

	price := ref
	if req.Type == domain.OrderTypeLimit {
		price = req.Price
	}
	if !price.IsPositive() {
		return nil
	}
	notional := price.Mul(decimal.NewFromInt(req.Quantity))

	m, err := margin(ctx)
	if err != nil {
		return fmt.Errorf("risk: fetching margin: %w", err)
	}
	if avail := AvailableMargin(m, rm.buffer); notional.GreaterThan(avail) {
		return fmt.Errorf("%w: notional %s exceeds available margin %s",
			domain.ErrRiskRejected, notional.StringFixed(2), avail.StringFixed(2))
	}
	return nil
}

// AvailableMargin is the margin usable for new orders after holding back
// buffer. It never goes below zero.
func AvailableMargin(m domain.Margin, buffer decimal.Decimal) decimal.Decimal {
	avail := m.Available.Sub(buffer)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}
