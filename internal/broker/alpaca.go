package broker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
	"tradedesk/internal/secrets"
	"tradedesk/internal/util"
)

// Compile-time interface check.
var _ Client = (*AlpacaClient)(nil)

// alpacaSessionTTL is how long an AlpacaClient token stays valid. Alpaca keys
// do not expire, so the session is bounded locally.
const alpacaSessionTTL = 8 * time.Hour

// alpacaExchange is the exchange code given to instruments reported by Alpaca.
const alpacaExchange = "US"

// AlpacaClient implements Client on top of the Alpaca brokerage and market
// data SDKs. Login verifies the key pair with GET /v2/account and hands out
// an opaque token bound to the SDK clients built for those keys.
type AlpacaClient struct {
	baseURL string
	dataURL string
	limiter *util.RateLimiter

	mu       sync.RWMutex
	sessions map[string]*alpacaSession
}

type alpacaSession struct {
	trading   *alpaca.Client
	data      *marketdata.Client
	expiresAt time.Time
}

// NewAlpacaClient creates an AlpacaClient for the given trading and data
// endpoints. Empty URLs fall back to the SDK defaults.
func NewAlpacaClient(baseURL, dataURL string, perMinute int) *AlpacaClient {
	return &AlpacaClient{
		baseURL:  baseURL,
		dataURL:  dataURL,
		limiter:  util.NewRateLimiter(perMinute),
		sessions: make(map[string]*alpacaSession),
	}
}

// Name returns "alpaca".
func (c *AlpacaClient) Name() string { return "alpaca" }

// Login checks the "api_key"/"api_secret" credentials against the account
// endpoint.
func (c *AlpacaClient) Login(ctx context.Context, creds secrets.Credentials) (LoginResult, error) {
	key, secret := creds.Get("api_key"), creds.Get("api_secret")
	if key == "" || secret == "" {
		return LoginResult{}, domain.NewBrokerError(domain.ErrAuth, "login", "", "api_key and api_secret are required", secrets.ErrNoCredentials)
	}

	tradingOpts := alpaca.ClientOpts{APIKey: key, APISecret: secret}
	if c.baseURL != "" {
		tradingOpts.BaseURL = c.baseURL
	}
	dataOpts := marketdata.ClientOpts{APIKey: key, APISecret: secret}
	if c.dataURL != "" {
		dataOpts.BaseURL = c.dataURL
	}
	sess := &alpacaSession{
		trading:   alpaca.NewClient(tradingOpts),
		data:      marketdata.NewClient(dataOpts),
		expiresAt: time.Now().Add(alpacaSessionTTL),
	}

	if err := c.wait(ctx, "login"); err != nil {
		return LoginResult{}, err
	}
	acct, err := sess.trading.GetAccount()
	if err != nil {
		return LoginResult{}, c.mapError("login", err)
	}
	if acct.TradingBlocked || acct.AccountBlocked {
		return LoginResult{}, domain.NewBrokerError(domain.ErrAuth, "login", acct.Status, "account blocked", nil)
	}

	token := uuid.NewString()
	c.mu.Lock()
	c.sessions[token] = sess
	c.mu.Unlock()
	return LoginResult{Token: token, ExpiresAt: sess.expiresAt}, nil
}

// Logout forgets the token.
func (c *AlpacaClient) Logout(_ context.Context, token string) error {
	c.mu.Lock()
	delete(c.sessions, token)
	c.mu.Unlock()
	return nil
}

// Quotes returns the latest quote and trade for each instrument.
func (c *AlpacaClient) Quotes(ctx context.Context, token string, instruments []domain.Instrument) ([]domain.Quote, error) {
	sess, err := c.session(token, "quotes")
	if err != nil {
		return nil, err
	}
	if len(instruments) == 0 {
		return nil, nil
	}

	symbols := make([]string, 0, len(instruments))
	keys := make(map[string]string, len(instruments))
	for _, inst := range instruments {
		symbols = append(symbols, inst.Symbol)
		keys[inst.Symbol] = inst.Key()
	}

	if err := c.wait(ctx, "quotes"); err != nil {
		return nil, err
	}
	quotes, err := sess.data.GetLatestQuotes(symbols, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, c.mapError("quotes", err)
	}
	if err := c.wait(ctx, "quotes"); err != nil {
		return nil, err
	}
	trades, err := sess.data.GetLatestTrades(symbols, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return nil, c.mapError("quotes", err)
	}

	out := make([]domain.Quote, 0, len(quotes))
	for sym, q := range quotes {
		quote := domain.Quote{
			Key:       keys[sym],
			Bid:       q.BidPrice,
			Ask:       q.AskPrice,
			Timestamp: q.Timestamp,
		}
		if t, ok := trades[sym]; ok {
			quote.Last = t.Price
			quote.Volume = int64(t.Size)
			if t.Timestamp.After(quote.Timestamp) {
				quote.Timestamp = t.Timestamp
			}
		}
		if quote.Key == "" {
			continue
		}
		out = append(out, quote)
	}
	return out, nil
}

// PlaceOrder submits a day order. The correlation id is sent as Alpaca's
// client_order_id.
func (c *AlpacaClient) PlaceOrder(ctx context.Context, token, correlationID string, req domain.OrderRequest) (string, error) {
	sess, err := c.session(token, "place_order")
	if err != nil {
		return "", err
	}

	qty := decimal.NewFromInt(req.Quantity)
	preq := alpaca.PlaceOrderRequest{
		Symbol:        req.Instrument.Symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: correlationID,
	}
	if req.Side == domain.OrderSideSell {
		preq.Side = alpaca.Sell
	}
	if req.Type == domain.OrderTypeLimit {
		price := req.Price
		preq.Type = alpaca.Limit
		preq.LimitPrice = &price
	}

	if err := c.wait(ctx, "place_order"); err != nil {
		return "", err
	}
	order, err := sess.trading.PlaceOrder(preq)
	if err != nil {
		return "", c.mapError("place_order", err)
	}
	return order.ID, nil
}

// CancelOrder cancels an open order.
func (c *AlpacaClient) CancelOrder(ctx context.Context, token, brokerOrderID string) error {
	sess, err := c.session(token, "cancel_order")
	if err != nil {
		return err
	}
	if err := c.wait(ctx, "cancel_order"); err != nil {
		return err
	}
	if err := sess.trading.CancelOrder(brokerOrderID); err != nil {
		return c.mapError("cancel_order", err)
	}
	return nil
}

// OrderBook lists recent orders. UpdatedAt serves as the sequence number.
func (c *AlpacaClient) OrderBook(ctx context.Context, token string) ([]domain.OrderUpdate, error) {
	sess, err := c.session(token, "order_book")
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx, "order_book"); err != nil {
		return nil, err
	}
	orders, err := sess.trading.GetOrders(alpaca.GetOrdersRequest{Status: "all", Limit: 500})
	if err != nil {
		return nil, c.mapError("order_book", err)
	}

	out := make([]domain.OrderUpdate, 0, len(orders))
	for _, o := range orders {
		state, ok := alpacaOrderState(o.Status)
		if !ok {
			continue
		}
		u := domain.OrderUpdate{
			BrokerOrderID: o.ID,
			CorrelationID: o.ClientOrderID,
			Instrument:    domain.Instrument{Exchange: alpacaExchange, Symbol: o.Symbol},
			State:         state,
			FilledQty:     o.FilledQty.IntPart(),
			Seq:           o.UpdatedAt.UnixNano(),
		}
		if o.FilledAvgPrice != nil {
			u.AvgPrice = *o.FilledAvgPrice
		}
		out = append(out, u)
	}
	return out, nil
}

// Positions lists open positions.
func (c *AlpacaClient) Positions(ctx context.Context, token string) ([]domain.Position, error) {
	sess, err := c.session(token, "positions")
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx, "positions"); err != nil {
		return nil, err
	}
	positions, err := sess.trading.GetPositions()
	if err != nil {
		return nil, c.mapError("positions", err)
	}

	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		net := p.Qty.IntPart()
		pos := domain.Position{
			Instrument: domain.Instrument{Exchange: alpacaExchange, Symbol: p.Symbol},
			NetQty:     net,
			AvgPrice:   p.AvgEntryPrice,
		}
		if net > 0 {
			pos.BuyQty = net
		} else {
			pos.SellQty = -net
		}
		out = append(out, pos)
	}
	return out, nil
}

// Margin reports buying power as available and initial margin as used.
func (c *AlpacaClient) Margin(ctx context.Context, token string) (domain.Margin, error) {
	sess, err := c.session(token, "margin")
	if err != nil {
		return domain.Margin{}, err
	}
	if err := c.wait(ctx, "margin"); err != nil {
		return domain.Margin{}, err
	}
	acct, err := sess.trading.GetAccount()
	if err != nil {
		return domain.Margin{}, c.mapError("margin", err)
	}
	return domain.Margin{Available: acct.BuyingPower, Used: acct.InitialMargin}, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (c *AlpacaClient) session(token, op string) (*alpacaSession, error) {
	c.mu.RLock()
	sess, ok := c.sessions[token]
	c.mu.RUnlock()
	if !ok {
		return nil, domain.NewBrokerError(domain.ErrAuth, op, "", "unknown session token", nil)
	}
	if time.Now().After(sess.expiresAt) {
		c.mu.Lock()
		delete(c.sessions, token)
		c.mu.Unlock()
		return nil, domain.NewBrokerError(domain.ErrAuth, op, "", "session expired", nil)
	}
	return sess, nil
}

func (c *AlpacaClient) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.NewBrokerError(domain.ErrTransient, op, "", "rate limit wait", err)
	}
	return nil
}

// mapError classifies SDK errors. *alpaca.APIError carries the HTTP status;
// anything else is treated as a network failure.
func (c *AlpacaClient) mapError(op string, err error) error {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return domain.NewBrokerError(domain.ErrTransient, op, "", "", err)
	}

	code := strconv.Itoa(apiErr.StatusCode)
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		return domain.NewBrokerError(domain.ErrAuth, op, code, apiErr.Message, err)
	case apiErr.StatusCode == http.StatusTooManyRequests:
		c.limiter.SignalRateLimited()
		return domain.NewBrokerError(domain.ErrTransient, op, code, apiErr.Message, err)
	case apiErr.StatusCode >= 500:
		return domain.NewBrokerError(domain.ErrTransient, op, code, apiErr.Message, err)
	default:
		return domain.NewBrokerError(domain.ErrBrokerRejection, op, code, apiErr.Message, err)
	}
}

func alpacaOrderState(status string) (domain.OrderState, bool) {
	switch strings.ToLower(status) {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "pending_cancel", "pending_replace", "replaced", "calculated", "held":
		return domain.OrderAcknowledged, true
	case "partially_filled":
		return domain.OrderPartiallyFilled, true
	case "filled", "done_for_day":
		return domain.OrderFilled, true
	case "canceled", "expired", "stopped", "suspended":
		return domain.OrderCancelled, true
	case "rejected":
		return domain.OrderRejectedAtExchange, true
	default:
		return "", false
	}
}
