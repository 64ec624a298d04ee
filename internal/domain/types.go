// Package domain defines the core types shared across tradedesk: profiles,
// instruments, quotes, orders, positions and the error taxonomy used by
// every component that talks to a broker.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProfileID identifies one trading account managed by the engine.
type ProfileID string

// Exchange codes as used by the instrument master.
const (
	ExchangeNSE = "N"
	ExchangeBSE = "B"
	ExchangeMCX = "M"
)

// Instrument is a tradable symbol with static exchange metadata. Instruments
// are immutable once loaded from the instrument master.
type Instrument struct {
	Exchange     string    `json:"exchange"`
	ExchangeType string    `json:"exchange_type"` // C = cash, D = derivative, U = currency
	Symbol       string    `json:"symbol"`
	Token        int64     `json:"token"` // broker scrip code
	Name         string    `json:"name,omitempty"`
	LotSize      int64     `json:"lot_size"`
	TickSize     float64   `json:"tick_size"`
	QtyLimit     int64     `json:"qty_limit,omitempty"` // max quantity per order, 0 = unlimited
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Key returns the canonical "EXCH:SYMBOL" identifier of the instrument.
func (i Instrument) Key() string {
	return InstrumentKey(i.Exchange, i.Symbol)
}

// InstrumentKey builds the canonical key for an exchange/symbol pair.
func InstrumentKey(exchange, symbol string) string {
	return strings.ToUpper(exchange) + ":" + strings.ToUpper(symbol)
}

// MaxOrderQty returns the largest quantity accepted in a single order for
// this instrument, or 0 if unlimited.
func (i Instrument) MaxOrderQty() int64 {
	return i.QtyLimit
}

// Quote is a point-in-time market snapshot for one instrument.
type Quote struct {
	Key       string    `json:"key"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Position is a broker-reported holding.
type Position struct {
	Instrument Instrument      `json:"instrument"`
	BuyQty     int64           `json:"buy_qty"`
	SellQty    int64           `json:"sell_qty"`
	NetQty     int64           `json:"net_qty"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
}

// IsOpen reports whether the position still carries exposure.
func (p Position) IsOpen() bool {
	return p.BuyQty != p.SellQty || p.NetQty != 0
}

// Margin is the account's available and used margin.
type Margin struct {
	Available decimal.Decimal `json:"available"`
	Used      decimal.Decimal `json:"used"`
}

// Account is the last refreshed positions and margin of a profile.
type Account struct {
	Positions []Position `json:"positions"`
	Margin    Margin     `json:"margin"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Equal reports whether a and b hold the same positions and margin,
// ignoring when they were fetched.
func (a Account) Equal(b Account) bool {
	if !a.Margin.Available.Equal(b.Margin.Available) || !a.Margin.Used.Equal(b.Margin.Used) {
		return false
	}
	if len(a.Positions) != len(b.Positions) {
		return false
	}
	for i, p := range a.Positions {
		q := b.Positions[i]
		if p.Instrument.Key() != q.Instrument.Key() || p.BuyQty != q.BuyQty || p.SellQty != q.SellQty ||
			p.NetQty != q.NetQty || !p.AvgPrice.Equal(q.AvgPrice) {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// SessionState is the lifecycle state of a profile's authentication session.
type SessionState int

const (
	SessionUnauthenticated SessionState = iota
	SessionValid
	SessionExpiring
	SessionInvalid
)

func (s SessionState) String() string {
	switch s {
	case SessionUnauthenticated:
		return "unauthenticated"
	case SessionValid:
		return "valid"
	case SessionExpiring:
		return "expiring"
	case SessionInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("session_state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s SessionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Usable reports whether outbound calls may be made with a session in this
// state. An Expiring session is still accepted by the broker.
func (s SessionState) Usable() bool {
	return s == SessionValid || s == SessionExpiring
}

// Session is an authenticated, time-bounded broker credential.
type Session struct {
	Profile   ProfileID    `json:"profile"`
	Token     string       `json:"-"`
	IssuedAt  time.Time    `json:"issued_at"`
	ExpiresAt time.Time    `json:"expires_at"`
	State     SessionState `json:"state"`
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
