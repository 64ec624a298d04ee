package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
	"tradedesk/internal/secrets"
	"tradedesk/internal/util"
)

// Compile-time interface check.
var _ Client = (*RESTClient)(nil)

// RESTClient talks to a token-based JSON brokerage API:
//
//	POST   /auth/login     credentials -> {access_token, expires_in}
//	POST   /auth/logout
//	POST   /market/quotes  {instruments} -> {quotes}
//	POST   /orders         order -> {order_id}
//	DELETE /orders/{id}
//	GET    /orders         -> {orders}
//	GET    /positions      -> {positions}
//	GET    /margin         -> {available, used}
//
// Every call but login carries "Authorization: Bearer <token>".
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *util.RateLimiter
}

// NewRESTClient creates a RESTClient for baseURL. perMinute bounds the call
// rate; timeout bounds each HTTP round trip.
func NewRESTClient(baseURL string, perMinute int, timeout time.Duration) *RESTClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    util.NewRateLimiter(perMinute),
	}
}

// Name returns "rest".
func (c *RESTClient) Name() string { return "rest" }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type loginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
}

type wireInstrument struct {
	Exchange     string `json:"exchange"`
	ExchangeType string `json:"exchange_type"`
	Token        int64  `json:"token"`
	Symbol       string `json:"symbol"`
}

type wireQuote struct {
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	Volume    int64   `json:"volume"`
	Timestamp int64   `json:"timestamp"` // Unix ms
}

type wireOrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	wireInstrument
	Side     string          `json:"side"`
	Type     string          `json:"type"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Intraday bool            `json:"intraday"`
}

type wireOrder struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	wireInstrument
	Status    string          `json:"status"`
	FilledQty int64           `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Seq       int64           `json:"seq"`
	Message   string          `json:"message"`
}

type wirePosition struct {
	wireInstrument
	BuyQty   int64           `json:"buy_qty"`
	SellQty  int64           `json:"sell_qty"`
	NetQty   int64           `json:"net_qty"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toWire(i domain.Instrument) wireInstrument {
	return wireInstrument{Exchange: i.Exchange, ExchangeType: i.ExchangeType, Token: i.Token, Symbol: i.Symbol}
}

func (w wireInstrument) instrument() domain.Instrument {
	return domain.Instrument{Exchange: w.Exchange, ExchangeType: w.ExchangeType, Token: w.Token, Symbol: w.Symbol}
}

// ---------------------------------------------------------------------------
// Client implementation
// ---------------------------------------------------------------------------

// Login posts the credentials and returns the issued token.
func (c *RESTClient) Login(ctx context.Context, creds secrets.Credentials) (LoginResult, error) {
	var resp loginResponse
	if err := c.do(ctx, "login", http.MethodPost, "/auth/login", "", map[string]string(creds), &resp); err != nil {
		return LoginResult{}, err
	}
	if resp.AccessToken == "" {
		return LoginResult{}, domain.NewBrokerError(domain.ErrAuth, "login", "", "empty access token in response", nil)
	}
	res := LoginResult{Token: resp.AccessToken}
	if resp.ExpiresIn > 0 {
		res.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return res, nil
}

// Logout ends the session.
func (c *RESTClient) Logout(ctx context.Context, token string) error {
	return c.do(ctx, "logout", http.MethodPost, "/auth/logout", token, nil, nil)
}

// Quotes fetches one batch of quotes.
func (c *RESTClient) Quotes(ctx context.Context, token string, instruments []domain.Instrument) ([]domain.Quote, error) {
	req := struct {
		Instruments []wireInstrument `json:"instruments"`
	}{Instruments: make([]wireInstrument, 0, len(instruments))}
	for _, inst := range instruments {
		req.Instruments = append(req.Instruments, toWire(inst))
	}

	var resp struct {
		Quotes []wireQuote `json:"quotes"`
	}
	if err := c.do(ctx, "quotes", http.MethodPost, "/market/quotes", token, req, &resp); err != nil {
		return nil, err
	}

	out := make([]domain.Quote, 0, len(resp.Quotes))
	for _, q := range resp.Quotes {
		out = append(out, domain.Quote{
			Key:       domain.InstrumentKey(q.Exchange, q.Symbol),
			Bid:       q.Bid,
			Ask:       q.Ask,
			Last:      q.Last,
			Volume:    q.Volume,
			Timestamp: time.UnixMilli(q.Timestamp),
		})
	}
	return out, nil
}

// PlaceOrder submits an order and returns the broker order id.
func (c *RESTClient) PlaceOrder(ctx context.Context, token, correlationID string, req domain.OrderRequest) (string, error) {
	body := wireOrderRequest{
		ClientOrderID:  correlationID,
		wireInstrument: toWire(req.Instrument),
		Side:           string(req.Side),
		Type:           string(req.Type),
		Quantity:       req.Quantity,
		Price:          req.Price,
		Intraday:       req.Intraday,
	}
	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := c.do(ctx, "place_order", http.MethodPost, "/orders", token, body, &resp); err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		return "", domain.NewBrokerError(domain.ErrBrokerRejection, "place_order", "", "empty order id in response", nil)
	}
	return resp.OrderID, nil
}

// CancelOrder cancels an open order.
func (c *RESTClient) CancelOrder(ctx context.Context, token, brokerOrderID string) error {
	return c.do(ctx, "cancel_order", http.MethodDelete, "/orders/"+url.PathEscape(brokerOrderID), token, nil, nil)
}

// OrderBook returns the broker's order list.
func (c *RESTClient) OrderBook(ctx context.Context, token string) ([]domain.OrderUpdate, error) {
	var resp struct {
		Orders []wireOrder `json:"orders"`
	}
	if err := c.do(ctx, "order_book", http.MethodGet, "/orders", token, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.OrderUpdate, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		state, ok := restOrderState(o.Status)
		if !ok {
			continue
		}
		out = append(out, domain.OrderUpdate{
			BrokerOrderID: o.OrderID,
			CorrelationID: o.ClientOrderID,
			Instrument:    o.instrument(),
			State:         state,
			FilledQty:     o.FilledQty,
			AvgPrice:      o.AvgPrice,
			Seq:           o.Seq,
			Reason:        o.Message,
		})
	}
	return out, nil
}

// Positions returns the account's positions.
func (c *RESTClient) Positions(ctx context.Context, token string) ([]domain.Position, error) {
	var resp struct {
		Positions []wirePosition `json:"positions"`
	}
	if err := c.do(ctx, "positions", http.MethodGet, "/positions", token, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		out = append(out, domain.Position{
			Instrument: p.instrument(),
			BuyQty:     p.BuyQty,
			SellQty:    p.SellQty,
			NetQty:     p.NetQty,
			AvgPrice:   p.AvgPrice,
		})
	}
	return out, nil
}

// Margin returns the account's margin figures.
func (c *RESTClient) Margin(ctx context.Context, token string) (domain.Margin, error) {
	var resp domain.Margin
	if err := c.do(ctx, "margin", http.MethodGet, "/margin", token, nil, &resp); err != nil {
		return domain.Margin{}, err
	}
	return resp, nil
}

// restOrderState maps the API's status strings onto order states.
func restOrderState(status string) (domain.OrderState, bool) {
	switch strings.ToLower(status) {
	case "pending", "open", "acknowledged", "accepted":
		return domain.OrderAcknowledged, true
	case "partially_filled", "partial":
		return domain.OrderPartiallyFilled, true
	case "filled", "complete", "executed":
		return domain.OrderFilled, true
	case "cancelled", "canceled":
		return domain.OrderCancelled, true
	case "rejected":
		return domain.OrderRejectedAtExchange, true
	default:
		return "", false
	}
}

// do performs one rate-limited JSON request and classifies failures.
func (c *RESTClient) do(ctx context.Context, op, method, path, token string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.NewBrokerError(domain.ErrTransient, op, "", "rate limit wait", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal body: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewBrokerError(domain.ErrTransient, op, "", "send request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewBrokerError(domain.ErrTransient, op, "", "read response", err)
	}

	if resp.StatusCode >= 300 {
		return c.statusError(op, resp.StatusCode, respBody)
	}
	c.limiter.ResetBackoff()

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return domain.NewBrokerError(domain.ErrTransient, op, strconv.Itoa(resp.StatusCode), "malformed response", err)
	}
	return nil
}

func (c *RESTClient) statusError(op string, status int, body []byte) error {
	var we wireError
	if err := json.Unmarshal(body, &we); err != nil || we.Message == "" {
		we.Message = strings.TrimSpace(string(body))
	}
	code := strconv.Itoa(status)
	if we.Code != "" {
		code = we.Code
	}

	var kind error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = domain.ErrAuth
	case status == http.StatusTooManyRequests:
		c.limiter.SignalRateLimited()
		kind = domain.ErrTransient
	case status == http.StatusRequestTimeout || status >= 500:
		kind = domain.ErrTransient
	default:
		kind = domain.ErrBrokerRejection
	}
	return domain.NewBrokerError(kind, op, code, we.Message, errors.New(http.StatusText(status)))
}
