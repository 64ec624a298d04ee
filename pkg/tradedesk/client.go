// Package tradedesk is a Go client for the tradedesk-server HTTP API.
package tradedesk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// Profile is the status of one trading profile.
type Profile struct {
	ID            string    `json:"id"`
	Broker        string    `json:"broker"`
	Session       string    `json:"session"`
	NeedsLogin    bool      `json:"needs_login"`
	ExpiresAt     time.Time `json:"expires_at"`
	Subscriptions int       `json:"subscriptions"`
	Orders        int       `json:"orders"`
}

// Session is the result of a login.
type Session struct {
	Profile   string    `json:"profile"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	State     string    `json:"state"`
}

// Instrument identifies a tradable contract.
type Instrument struct {
	Exchange     string    `json:"exchange"`
	ExchangeType string    `json:"exchange_type"`
	Symbol       string    `json:"symbol"`
	Token        int64     `json:"token"`
	Name         string    `json:"name,omitempty"`
	LotSize      int64     `json:"lot_size"`
	TickSize     float64   `json:"tick_size"`
	QtyLimit     int64     `json:"qty_limit,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// Key returns the "EXCH:SYMBOL" identifier.
func (i Instrument) Key() string { return i.Exchange + ":" + i.Symbol }

// Quote is a market data snapshot.
type Quote struct {
	Key       string    `json:"key"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderRequest is the body of an order submission. Type defaults to market.
type OrderRequest struct {
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Token    int64           `json:"token,omitempty"`
	Side     string          `json:"side"`
	Type     string          `json:"type,omitempty"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Intraday bool            `json:"intraday"`
}

// Order is a tracked order snapshot.
type Order struct {
	Profile       string          `json:"profile"`
	CorrelationID string          `json:"correlation_id"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	Request       struct {
		Instrument Instrument      `json:"instrument"`
		Side       string          `json:"side"`
		Type       string          `json:"type"`
		Quantity   int64           `json:"quantity"`
		Price      decimal.Decimal `json:"price"`
		Intraday   bool            `json:"intraday"`
	} `json:"request"`
	State     string          `json:"state"`
	FilledQty int64           `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Reason    string          `json:"reason,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Terminal reports whether the order can no longer change.
func (o Order) Terminal() bool {
	switch o.State {
	case "filled", "cancelled", "rejected_at_submit", "rejected_at_exchange":
		return true
	}
	return false
}

// Position is a broker-reported holding.
type Position struct {
	Instrument Instrument      `json:"instrument"`
	BuyQty     int64           `json:"buy_qty"`
	SellQty    int64           `json:"sell_qty"`
	NetQty     int64           `json:"net_qty"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
}

// Margin is the account's available and used margin.
type Margin struct {
	Available decimal.Decimal `json:"available"`
	Used      decimal.Decimal `json:"used"`
}

// Account is a profile's positions and margin as of the last refresh.
type Account struct {
	Positions []Position `json:"positions"`
	Margin    Margin     `json:"margin"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// OptionChain is the strike ladder watched for an index.
type OptionChain struct {
	Index   string    `json:"index"`
	Expiry  time.Time `json:"expiry"`
	Spot    float64   `json:"spot"`
	Strikes []int64   `json:"strikes"`
	Watched []string  `json:"watched"`
	Missing []string  `json:"missing,omitempty"`
}

// ProfileResult is the outcome of an all-profiles operation on one profile.
type ProfileResult struct {
	Profile   string   `json:"profile"`
	Orders    []string `json:"orders,omitempty"`
	Cancelled int      `json:"cancelled,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Job is the status of one background job.
type Job struct {
	Key     string `json:"key"`
	Busy    bool   `json:"busy"`
	Runs    int    `json:"runs"`
	LastErr string `json:"last_error,omitempty"`
}

// Event is one engine notification from the event stream.
type Event struct {
	Kind    string    `json:"kind"`
	Profile string    `json:"profile"`
	Time    time.Time `json:"time"`
	Key     string    `json:"key,omitempty"`
	Quote   *Quote    `json:"quote,omitempty"`
	Order   *Order    `json:"order,omitempty"`
	Account *Account  `json:"account,omitempty"`
	Session string    `json:"session,omitempty"`
	Message string    `json:"message,omitempty"`
}

// BulkResult is the outcome of cancel-all or square-off. Error is set when
// the operation only partly succeeded.
type BulkResult struct {
	Cancelled int      `json:"cancelled"`
	Orders    []string `json:"orders"`
	Error     string   `json:"error,omitempty"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tradedesk: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client provides a Go SDK for interacting with the tradedesk-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new tradedesk API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ---------------------------------------------------------------------------
// Profiles and sessions
// ---------------------------------------------------------------------------

// Profiles lists every profile with its session state.
func (c *Client) Profiles(ctx context.Context) ([]Profile, error) {
	var out []Profile
	return out, c.do(ctx, http.MethodGet, "/api/profiles", nil, &out)
}

// Login forces a fresh login, clearing a sticky auth failure.
func (c *Client) Login(ctx context.Context, profile string) (Session, error) {
	var out Session
	return out, c.do(ctx, http.MethodPost, profilePath(profile, "login"), nil, &out)
}

// Logout ends the profile's session.
func (c *Client) Logout(ctx context.Context, profile string) error {
	return c.do(ctx, http.MethodPost, profilePath(profile, "logout"), nil, nil)
}

// ---------------------------------------------------------------------------
// Quotes
// ---------------------------------------------------------------------------

// Quotes returns the latest quote of every subscribed instrument.
func (c *Client) Quotes(ctx context.Context, profile string) ([]Quote, error) {
	var out []Quote
	return out, c.do(ctx, http.MethodGet, profilePath(profile, "quotes"), nil, &out)
}

// Subscriptions lists the instruments the profile is subscribed to.
func (c *Client) Subscriptions(ctx context.Context, profile string) ([]Instrument, error) {
	var out []Instrument
	return out, c.do(ctx, http.MethodGet, profilePath(profile, "subscriptions"), nil, &out)
}

// Subscribe starts polling quotes for key ("EXCH:SYMBOL").
func (c *Client) Subscribe(ctx context.Context, profile, key string) error {
	return c.do(ctx, http.MethodPost, profilePath(profile, "subscriptions"), map[string]string{"key": key}, nil)
}

// Unsubscribe stops polling quotes for key.
func (c *Client) Unsubscribe(ctx context.Context, profile, key string) error {
	return c.do(ctx, http.MethodDelete, profilePath(profile, "subscriptions", key), nil, nil)
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// SubmitOrder submits a new order and returns its correlation id.
func (c *Client) SubmitOrder(ctx context.Context, profile string, req OrderRequest) (string, error) {
	var out struct {
		CorrelationID string `json:"correlation_id"`
	}
	if err := c.do(ctx, http.MethodPost, profilePath(profile, "orders"), req, &out); err != nil {
		return "", err
	}
	return out.CorrelationID, nil
}

// Order returns the current snapshot of an order.
func (c *Client) Order(ctx context.Context, correlationID string) (Order, error) {
	var out Order
	return out, c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(correlationID), nil, &out)
}

// CancelOrder requests cancellation of an order.
func (c *Client) CancelOrder(ctx context.Context, correlationID string) error {
	return c.do(ctx, http.MethodDelete, "/api/orders/"+url.PathEscape(correlationID), nil, nil)
}

// Orders lists the profile's tracked orders.
func (c *Client) Orders(ctx context.Context, profile string) ([]Order, error) {
	var out []Order
	return out, c.do(ctx, http.MethodGet, profilePath(profile, "orders"), nil, &out)
}

// WaitOrder polls an order until it is terminal or ctx is done.
func (c *Client) WaitOrder(ctx context.Context, correlationID string, every time.Duration) (Order, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		o, err := c.Order(ctx, correlationID)
		if err != nil || o.Terminal() {
			return o, err
		}
		select {
		case <-ctx.Done():
			return o, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CancelAll cancels every open order of the profile.
func (c *Client) CancelAll(ctx context.Context, profile string) (BulkResult, error) {
	var out BulkResult
	return out, c.do(ctx, http.MethodPost, profilePath(profile, "cancel-all"), nil, &out)
}

// SquareOff closes every open position of the profile.
func (c *Client) SquareOff(ctx context.Context, profile string) (BulkResult, error) {
	var out BulkResult
	return out, c.do(ctx, http.MethodPost, profilePath(profile, "square-off"), nil, &out)
}

// SubmitAll submits req on every logged-in profile.
func (c *Client) SubmitAll(ctx context.Context, req OrderRequest) ([]ProfileResult, error) {
	var out []ProfileResult
	return out, c.do(ctx, http.MethodPost, "/api/all/orders", req, &out)
}

// CancelAllProfiles cancels every open order on every logged-in profile.
func (c *Client) CancelAllProfiles(ctx context.Context) ([]ProfileResult, error) {
	var out []ProfileResult
	return out, c.do(ctx, http.MethodPost, "/api/all/cancel-all", nil, &out)
}

// SquareOffProfiles closes every open position on every logged-in profile.
func (c *Client) SquareOffProfiles(ctx context.Context) ([]ProfileResult, error) {
	var out []ProfileResult
	return out, c.do(ctx, http.MethodPost, "/api/all/square-off", nil, &out)
}

// ---------------------------------------------------------------------------
// Account
// ---------------------------------------------------------------------------

// Account returns the profile's last refreshed positions and margin.
func (c *Client) Account(ctx context.Context, profile string) (Account, error) {
	var out Account
	return out, c.do(ctx, http.MethodGet, profilePath(profile, "account"), nil, &out)
}

// Positions returns the profile's positions, only open ones when openOnly.
func (c *Client) Positions(ctx context.Context, profile string, openOnly bool) ([]Position, error) {
	path := profilePath(profile, "positions")
	if openOnly {
		path += "?open=true"
	}
	var out []Position
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// Margin returns the profile's margin net of the configured buffer.
func (c *Client) Margin(ctx context.Context, profile string) (Margin, error) {
	var out Margin
	return out, c.do(ctx, http.MethodGet, profilePath(profile, "margin"), nil, &out)
}

// ---------------------------------------------------------------------------
// Misc
// ---------------------------------------------------------------------------

// Jobs lists the background jobs.
func (c *Client) Jobs(ctx context.Context) ([]Job, error) {
	var out []Job
	return out, c.do(ctx, http.MethodGet, "/api/jobs", nil, &out)
}

// Instrument looks up an instrument by key.
func (c *Client) Instrument(ctx context.Context, key string) (Instrument, error) {
	var out Instrument
	return out, c.do(ctx, http.MethodGet, "/api/instruments/"+url.PathEscape(key), nil, &out)
}

// Expiry returns the current derivative expiry of index as of day. A zero
// day means today on the server.
func (c *Client) Expiry(ctx context.Context, index string, day time.Time) (time.Time, error) {
	path := "/api/expiry/" + url.PathEscape(index)
	if !day.IsZero() {
		path += "?date=" + day.Format("2006-01-02")
	}
	var out struct {
		Expiry string `json:"expiry"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return time.Time{}, err
	}
	return time.Parse("2006-01-02", out.Expiry)
}

// WatchOptionChain subscribes the profile to the calls and puts around spot
// for index at its current expiry as of day. A zero spot uses the index's
// latest quote; a zero day means today on the server.
func (c *Client) WatchOptionChain(ctx context.Context, profile, index string, spot float64, day time.Time) (OptionChain, error) {
	body := map[string]any{"index": index, "spot": spot}
	if !day.IsZero() {
		body["date"] = day.Format("2006-01-02")
	}
	var out OptionChain
	return out, c.do(ctx, http.MethodPost, profilePath(profile, "option-chain"), body, &out)
}

// Events opens the event stream. Empty profiles and kinds mean all. The
// returned channel closes when the stream ends or ctx is done.
func (c *Client) Events(ctx context.Context, profiles, kinds []string) (<-chan Event, error) {
	u, err := url.Parse(c.baseURL + "/api/events")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	if len(profiles) > 0 {
		q.Set("profile", strings.Join(profiles, ","))
	}
	if len(kinds) > 0 {
		q.Set("kind", strings.Join(kinds, ","))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing event stream: %w", err)
	}

	out := make(chan Event, 64)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var e Event
			if err := conn.ReadJSON(&e); err != nil {
				return
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func profilePath(profile string, parts ...string) string {
	path := "/api/profiles/" + url.PathEscape(profile)
	for _, p := range parts {
		path += "/" + url.PathEscape(p)
	}
	return path
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}
