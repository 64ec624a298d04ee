// Package broker defines the Client interface the engine uses to talk to a
// brokerage and provides implementations: a token-based REST API client, an
// Alpaca-backed client, and an in-memory simulator.
package broker

import (
	"context"
	"fmt"
	"time"

	"tradedesk/internal/domain"
	"tradedesk/internal/secrets"
)

// LoginResult is the outcome of a successful login. A zero ExpiresAt means
// the broker did not say; callers apply their own validity window.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
}

// Client abstracts one profile's connection to a brokerage. Every call except
// Login takes the session token returned by Login. Errors unwrap to one of the
// domain error kinds (ErrAuth, ErrTransient, ErrBrokerRejection).
type Client interface {
	// Name returns the broker identifier (e.g. "rest", "alpaca", "simulator").
	Name() string

	// Login exchanges credentials for a session token.
	Login(ctx context.Context, creds secrets.Credentials) (LoginResult, error)

	// Logout ends the session.
	Logout(ctx context.Context, token string) error

	// Quotes returns the latest quote for each instrument the broker knows.
	// Instruments the broker has no data for are omitted.
	Quotes(ctx context.Context, token string, instruments []domain.Instrument) ([]domain.Quote, error)

	// PlaceOrder submits an order tagged with the client correlation id and
	// returns the broker-assigned order id.
	PlaceOrder(ctx context.Context, token, correlationID string, req domain.OrderRequest) (string, error)

	// CancelOrder requests cancellation of an open order.
	CancelOrder(ctx context.Context, token, brokerOrderID string) error

	// OrderBook returns the broker's current view of the day's orders.
	OrderBook(ctx context.Context, token string) ([]domain.OrderUpdate, error)

	// Positions returns all positions held at the brokerage.
	Positions(ctx context.Context, token string) ([]domain.Position, error)

	// Margin returns the account's margin figures.
	Margin(ctx context.Context, token string) (domain.Margin, error)
}

// Options configures a Client built by New.
type Options struct {
	Kind      string // rest, alpaca, simulator
	BaseURL   string
	DataURL   string
	RateLimit int // requests per minute, 0 = unlimited
	Timeout   time.Duration
}

// New builds a Client of the configured kind.
func New(opts Options) (Client, error) {
	switch opts.Kind {
	case "rest":
		return NewRESTClient(opts.BaseURL, opts.RateLimit, opts.Timeout), nil
	case "alpaca":
		return NewAlpacaClient(opts.BaseURL, opts.DataURL, opts.RateLimit), nil
	case "simulator":
		return NewSimulator(WithAutoFill(), WithRandomWalk()), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", opts.Kind)
	}
}
