package broker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
	"tradedesk/internal/secrets"
)

// Compile-time interface check.
var _ Client = (*Simulator)(nil)

// Simulator is an in-memory broker for paper trading and tests. Quotes,
// failures and fills are scriptable; every method is safe for concurrent use.
type Simulator struct {
	mu sync.Mutex

	tokenTTL   time.Duration
	loginDelay time.Duration
	autoFill   bool
	walk       bool

	token      string
	tokenSeq   int
	loginCount int
	loginErrs  []error

	quotes     map[string]domain.Quote
	quoteQueue map[string][]domain.Quote
	quoteErrs  []error
	quoteCalls int

	placeErrs  []error
	placeCalls int
	cancelErrs []error

	orders    map[string]*domain.OrderUpdate
	sides     map[string]simOrder
	orderSeq  int64
	nextID    int
	positions map[string]*domain.Position
	margin    domain.Margin
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithTokenTTL sets the lifetime reported for issued tokens.
func WithTokenTTL(d time.Duration) SimulatorOption {
	return func(s *Simulator) { s.tokenTTL = d }
}

// WithLoginDelay makes every login block for d.
func WithLoginDelay(d time.Duration) SimulatorOption {
	return func(s *Simulator) { s.loginDelay = d }
}

// WithAutoFill fills market orders as soon as they are placed.
func WithAutoFill() SimulatorOption {
	return func(s *Simulator) { s.autoFill = true }
}

// WithRandomWalk synthesizes a quote for instruments that have none scripted.
func WithRandomWalk() SimulatorOption {
	return func(s *Simulator) { s.walk = true }
}

// NewSimulator creates a Simulator with an empty book and 1,000,000 of
// available margin.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		tokenTTL:   8 * time.Hour,
		quotes:     make(map[string]domain.Quote),
		quoteQueue: make(map[string][]domain.Quote),
		orders:     make(map[string]*domain.OrderUpdate),
		sides:      make(map[string]simOrder),
		positions:  make(map[string]*domain.Position),
		margin:     domain.Margin{Available: decimal.NewFromInt(1_000_000)},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name returns "simulator".
func (s *Simulator) Name() string { return "simulator" }

// ---------------------------------------------------------------------------
// Scripting
// ---------------------------------------------------------------------------

// FailLogins makes the next len(errs) logins fail with the given errors.
func (s *Simulator) FailLogins(errs ...error) {
	s.mu.Lock()
	s.loginErrs = append(s.loginErrs, errs...)
	s.mu.Unlock()
}

// FailQuotes makes the next len(errs) quote calls fail.
func (s *Simulator) FailQuotes(errs ...error) {
	s.mu.Lock()
	s.quoteErrs = append(s.quoteErrs, errs...)
	s.mu.Unlock()
}

// FailPlaces makes the next len(errs) order placements fail.
func (s *Simulator) FailPlaces(errs ...error) {
	s.mu.Lock()
	s.placeErrs = append(s.placeErrs, errs...)
	s.mu.Unlock()
}

// FailCancels makes the next len(errs) cancellations fail.
func (s *Simulator) FailCancels(errs ...error) {
	s.mu.Lock()
	s.cancelErrs = append(s.cancelErrs, errs...)
	s.mu.Unlock()
}

// Expire invalidates the current token; the next call made with it fails
// with ErrAuth.
func (s *Simulator) Expire() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

// SetQuote sets the quote returned for q.Key on every poll.
func (s *Simulator) SetQuote(q domain.Quote) {
	s.mu.Lock()
	s.quotes[q.Key] = q
	s.mu.Unlock()
}

// QueueQuotes scripts the responses of the next polls for key, one per call.
// Once the queue is drained the last SetQuote value is returned.
func (s *Simulator) QueueQuotes(key string, qs ...domain.Quote) {
	s.mu.Lock()
	s.quoteQueue[key] = append(s.quoteQueue[key], qs...)
	s.mu.Unlock()
}

// SetMargin sets the margin reported by Margin.
func (s *Simulator) SetMargin(m domain.Margin) {
	s.mu.Lock()
	s.margin = m
	s.mu.Unlock()
}

// SetPosition replaces the position held in inst.
func (s *Simulator) SetPosition(p domain.Position) {
	s.mu.Lock()
	cp := p
	s.positions[p.Instrument.Key()] = &cp
	s.mu.Unlock()
}

// Fill records an execution of qty at price against an open order.
func (s *Simulator) Fill(brokerOrderID string, qty int64, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("simulator: order %s: %w", brokerOrderID, domain.ErrNotFound)
	}
	if o.State.IsTerminal() {
		return fmt.Errorf("simulator: order %s: %w", brokerOrderID, domain.ErrAlreadyTerminal)
	}
	s.fillLocked(o, qty, price)
	return nil
}

// SetOrderState forces the reported state of an order.
func (s *Simulator) SetOrderState(brokerOrderID string, state domain.OrderState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("simulator: order %s: %w", brokerOrderID, domain.ErrNotFound)
	}
	o.State = state
	o.Reason = reason
	s.orderSeq++
	o.Seq = s.orderSeq
	return nil
}

// LoginCount returns the number of login calls received.
func (s *Simulator) LoginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginCount
}

// QuoteCalls returns the number of quote calls received.
func (s *Simulator) QuoteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quoteCalls
}

// PlaceCalls returns the number of order placements received.
func (s *Simulator) PlaceCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeCalls
}

// BrokerOrders returns the simulator's order book sorted by broker id.
func (s *Simulator) BrokerOrders() []domain.OrderUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookLocked()
}

// ---------------------------------------------------------------------------
// Client implementation
// ---------------------------------------------------------------------------

// Login issues a new token, invalidating any previous one.
func (s *Simulator) Login(ctx context.Context, _ secrets.Credentials) (LoginResult, error) {
	s.mu.Lock()
	s.loginCount++
	delay := s.loginDelay
	var err error
	if len(s.loginErrs) > 0 {
		err, s.loginErrs = s.loginErrs[0], s.loginErrs[1:]
	}
	s.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return LoginResult{}, domain.NewBrokerError(domain.ErrTransient, "login", "", "", ctx.Err())
		case <-t.C:
		}
	}
	if err != nil {
		return LoginResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenSeq++
	s.token = fmt.Sprintf("SIM-TOKEN-%d", s.tokenSeq)
	return LoginResult{Token: s.token, ExpiresAt: time.Now().Add(s.tokenTTL)}, nil
}

// Logout invalidates the token.
func (s *Simulator) Logout(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == s.token {
		s.token = ""
	}
	return nil
}

// Quotes returns the scripted quote for each instrument.
func (s *Simulator) Quotes(_ context.Context, token string, instruments []domain.Instrument) ([]domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quoteCalls++
	if err := s.checkTokenLocked(token, "quotes"); err != nil {
		return nil, err
	}
	if len(s.quoteErrs) > 0 {
		var err error
		err, s.quoteErrs = s.quoteErrs[0], s.quoteErrs[1:]
		return nil, err
	}

	out := make([]domain.Quote, 0, len(instruments))
	for _, inst := range instruments {
		key := inst.Key()
		if queue := s.quoteQueue[key]; len(queue) > 0 {
			out = append(out, queue[0])
			s.quoteQueue[key] = queue[1:]
			continue
		}
		q, ok := s.quotes[key]
		if !ok {
			if !s.walk {
				continue
			}
			q = domain.Quote{Key: key, Last: 100}
		}
		if s.walk {
			q.Last = max(0.05, q.Last*(1+(rand.Float64()-0.5)/500))
			q.Bid, q.Ask = q.Last-0.05, q.Last+0.05
			q.Volume += rand.Int64N(100)
			q.Timestamp = time.Now()
			s.quotes[key] = q
		}
		out = append(out, q)
	}
	return out, nil
}

// PlaceOrder accepts the order into the book as open, or filled when
// auto-fill is enabled for market orders.
func (s *Simulator) PlaceOrder(_ context.Context, token, correlationID string, req domain.OrderRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeCalls++
	if err := s.checkTokenLocked(token, "place_order"); err != nil {
		return "", err
	}
	if len(s.placeErrs) > 0 {
		var err error
		err, s.placeErrs = s.placeErrs[0], s.placeErrs[1:]
		return "", err
	}
	for _, o := range s.orders {
		if o.CorrelationID == correlationID {
			return o.BrokerOrderID, nil
		}
	}

	s.nextID++
	s.orderSeq++
	o := &domain.OrderUpdate{
		BrokerOrderID: fmt.Sprintf("SIM-%06d", s.nextID),
		CorrelationID: correlationID,
		Instrument:    req.Instrument,
		State:         domain.OrderAcknowledged,
		Seq:           s.orderSeq,
	}
	s.orders[o.BrokerOrderID] = o
	s.sides[o.BrokerOrderID] = simOrder{side: req.Side, qty: req.Quantity}

	if s.autoFill && req.Type == domain.OrderTypeMarket {
		price := decimal.NewFromFloat(s.quotes[req.Instrument.Key()].Last)
		s.fillLocked(o, req.Quantity, price)
	}
	return o.BrokerOrderID, nil
}

// CancelOrder cancels an open order.
func (s *Simulator) CancelOrder(_ context.Context, token, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkTokenLocked(token, "cancel_order"); err != nil {
		return err
	}
	if len(s.cancelErrs) > 0 {
		var err error
		err, s.cancelErrs = s.cancelErrs[0], s.cancelErrs[1:]
		return err
	}
	o, ok := s.orders[brokerOrderID]
	if !ok {
		return domain.NewBrokerError(domain.ErrBrokerRejection, "cancel_order", "404", "no such order", nil)
	}
	if o.State.IsTerminal() {
		return domain.NewBrokerError(domain.ErrBrokerRejection, "cancel_order", "409", "order is "+string(o.State), nil)
	}
	o.State = domain.OrderCancelled
	s.orderSeq++
	o.Seq = s.orderSeq
	return nil
}

// OrderBook returns every order placed with the simulator.
func (s *Simulator) OrderBook(_ context.Context, token string) ([]domain.OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkTokenLocked(token, "order_book"); err != nil {
		return nil, err
	}
	return s.bookLocked(), nil
}

// Positions returns the simulated positions.
func (s *Simulator) Positions(_ context.Context, token string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkTokenLocked(token, "positions"); err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument.Key() < out[j].Instrument.Key() })
	return out, nil
}

// Margin returns the simulated margin.
func (s *Simulator) Margin(_ context.Context, token string) (domain.Margin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkTokenLocked(token, "margin"); err != nil {
		return domain.Margin{}, err
	}
	return s.margin, nil
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

type simOrder struct {
	side domain.OrderSide
	qty  int64
}

func (s *Simulator) checkTokenLocked(token, op string) error {
	if token == "" || token != s.token {
		return domain.NewBrokerError(domain.ErrAuth, op, "401", "invalid session token", nil)
	}
	return nil
}

func (s *Simulator) fillLocked(o *domain.OrderUpdate, qty int64, price decimal.Decimal) {
	meta := s.sides[o.BrokerOrderID]
	if remaining := meta.qty - o.FilledQty; qty > remaining {
		qty = remaining
	}
	if qty <= 0 {
		return
	}

	prevQty := decimal.NewFromInt(o.FilledQty)
	o.FilledQty += qty
	o.AvgPrice = o.AvgPrice.Mul(prevQty).Add(price.Mul(decimal.NewFromInt(qty))).Div(decimal.NewFromInt(o.FilledQty))
	if o.FilledQty >= meta.qty {
		o.State = domain.OrderFilled
	} else {
		o.State = domain.OrderPartiallyFilled
	}
	s.orderSeq++
	o.Seq = s.orderSeq

	key := o.Instrument.Key()
	p, ok := s.positions[key]
	if !ok {
		p = &domain.Position{Instrument: o.Instrument}
		s.positions[key] = p
	}
	if meta.side == domain.OrderSideBuy {
		p.BuyQty += qty
		p.NetQty += qty
	} else {
		p.SellQty += qty
		p.NetQty -= qty
	}
	p.AvgPrice = price
}

func (s *Simulator) bookLocked() []domain.OrderUpdate {
	out := make([]domain.OrderUpdate, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerOrderID < out[j].BrokerOrderID })
	return out
}
