// Package orders implements the OrderTracker: asynchronous order submission
// with bounded retries, idempotent reconciliation against the broker's order
// book, and cancellation with explicit "too late" reporting.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/events"
	"tradedesk/internal/metrics"
	"tradedesk/internal/util"
)

// Sessions is the part of the SessionManager the tracker depends on.
type Sessions interface {
	EnsureValid(ctx context.Context, profile domain.ProfileID) (domain.Session, error)
	InvalidateToken(profile domain.ProfileID, token string)
}

// Journal persists order snapshots. Implemented by store.SQLiteStore.
type Journal interface {
	SaveOrder(ctx context.Context, o domain.Order) error
	GetOrder(ctx context.Context, correlationID string) (domain.Order, error)
}

// Options tunes submission and retention.
type Options struct {
	// Retry bounds submission attempts on transient failures.
	Retry util.RetryPolicy
	// Retention is how long terminal orders stay in memory.
	Retention time.Duration
	// CallTimeout bounds each broker call made on the tracker's behalf.
	CallTimeout time.Duration
	// Resolve enriches instruments reported by the broker (lot size,
	// quantity limit) from the instrument master. Nil leaves them as is.
	Resolve func(domain.Instrument) domain.Instrument
}

// Tracker is the OrderTracker for all profiles.
type Tracker struct {
	opts     Options
	sessions Sessions
	events   events.Publisher
	journal  Journal
	log      *slog.Logger
	now      func() time.Time
	newID    func() string

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	profiles map[domain.ProfileID]*profileOrders
	index    map[string]*profileOrders // correlation id -> owner
}

type profileOrders struct {
	id     domain.ProfileID
	client broker.Client
	log    *slog.Logger

	mu            sync.Mutex
	orders        map[string]*domain.Order
	byBroker      map[string]string // broker order id -> correlation id
	pendingCancel map[string]bool
	account       domain.Account
	hasAccount    bool
}

// NewTracker creates a Tracker. A nil publisher discards events; journal may
// be nil.
func NewTracker(sessions Sessions, opts Options, pub events.Publisher, journal Journal, logger *slog.Logger) *Tracker {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = util.DefaultRetryPolicy
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * time.Minute
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if pub == nil {
		pub = events.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		opts:     opts,
		sessions: sessions,
		events:   pub,
		journal:  journal,
		log:      util.ComponentLogger(logger, "orders"),
		now:      time.Now,
		newID:    uuid.NewString,
		baseCtx:  ctx,
		cancel:   cancel,
		profiles: make(map[domain.ProfileID]*profileOrders),
		index:    make(map[string]*profileOrders),
	}
}

// AddProfile registers a profile and its broker client.
func (t *Tracker) AddProfile(profile domain.ProfileID, client broker.Client) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.profiles[profile]; ok {
		return fmt.Errorf("orders: profile %s already registered", profile)
	}
	t.profiles[profile] = &profileOrders{
		id:            profile,
		client:        client,
		log:           util.ProfileLogger(t.log, profile),
		orders:        make(map[string]*domain.Order),
		byBroker:      make(map[string]string),
		pendingCancel: make(map[string]bool),
	}
	return nil
}

// RemoveProfile forgets a profile's orders. In-flight submissions finish in
// the background.
func (t *Tracker) RemoveProfile(profile domain.ProfileID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	po, ok := t.profiles[profile]
	if !ok {
		return
	}
	delete(t.profiles, profile)
	for cid, owner := range t.index {
		if owner == po {
			delete(t.index, cid)
		}
	}
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

// Submit validates req, records it as Created and submits it in the
// background. It returns the correlation id without waiting for the broker.
func (t *Tracker) Submit(_ context.Context, profile domain.ProfileID, req domain.OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", domain.ErrEngineStopped
	}
	po, ok := t.profiles[profile]
	if !ok {
		t.mu.Unlock()
		return "", fmt.Errorf("orders: %w: %s", domain.ErrUnknownProfile, profile)
	}
	now := t.now()
	o := &domain.Order{
		Profile:       profile,
		CorrelationID: t.newID(),
		Request:       req,
		State:         domain.OrderCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t.index[o.CorrelationID] = po
	t.wg.Add(1)
	t.mu.Unlock()

	po.mu.Lock()
	po.orders[o.CorrelationID] = o
	snapshot := t.emitLocked(po, o, "")
	po.mu.Unlock()
	t.persist(snapshot)

	go t.submit(po, o.CorrelationID)
	return o.CorrelationID, nil
}

// submit drives one order from Created to Acknowledged or RejectedAtSubmit.
// It is the only goroutine that places this correlation id.
func (t *Tracker) submit(po *profileOrders, cid string) {
	defer t.wg.Done()
	start := t.now()

	po.mu.Lock()
	o := po.orders[cid]
	if o == nil || o.State != domain.OrderCreated {
		po.mu.Unlock()
		return
	}
	req := o.Request
	t.transitionLocked(po, o, domain.OrderSubmitting, "")
	po.mu.Unlock()

	brokerID, err := util.Do(t.baseCtx, t.opts.Retry, nil,
		func(attempt int, err error, next time.Duration) {
			po.log.Warn("order submission failed, retrying", "event", "submit_retry",
				"correlation_id", cid, "attempt", attempt, "next", next, "error", err)
		},
		func(ctx context.Context) (string, error) {
			return withSession(ctx, t, po, func(ctx context.Context, token string) (string, error) {
				po.mu.Lock()
				if o := po.orders[cid]; o != nil {
					o.Attempts++
				}
				po.mu.Unlock()
				metrics.SubmitAttempts.WithLabelValues(string(po.id)).Inc()
				return po.client.PlaceOrder(ctx, token, cid, req)
			})
		})

	po.mu.Lock()
	o = po.orders[cid]
	if o == nil {
		po.mu.Unlock()
		return
	}
	var snapshot *domain.Order
	cancelNow, dropped := false, false
	if err != nil {
		if o.State == domain.OrderSubmitting {
			snapshot = t.transitionLocked(po, o, domain.OrderRejectedAtSubmit, submitReason(err, o.Attempts))
		}
		dropped = po.pendingCancel[cid] && o.State == domain.OrderRejectedAtSubmit
	} else {
		if o.BrokerOrderID == "" {
			o.BrokerOrderID = brokerID
			po.byBroker[brokerID] = cid
		}
		if o.State == domain.OrderSubmitting {
			snapshot = t.transitionLocked(po, o, domain.OrderAcknowledged, "")
		}
		cancelNow = po.pendingCancel[cid] && !o.State.IsTerminal()
	}
	delete(po.pendingCancel, cid)
	key := req.Instrument.Key()
	po.mu.Unlock()

	if dropped {
		msg := "cancel dropped: order rejected at submit"
		po.log.Warn(msg, "event", "cancel_dropped", "correlation_id", cid)
		t.events.Publish(events.Event{Kind: events.KindCancelDrop, Profile: po.id, Key: key, Order: snapshot, Message: msg})
	}
	metrics.SubmitLatency.WithLabelValues(string(po.id), metrics.Result(err)).Observe(t.now().Sub(start).Seconds())
	if snapshot != nil {
		t.persist(*snapshot)
	}
	if cancelNow {
		if err := t.Cancel(t.baseCtx, cid); err != nil {
			po.log.Warn("deferred cancel failed", "event", "cancel_failed", "correlation_id", cid, "error", err)
		}
	}
}

func submitReason(err error, attempts int) string {
	if domain.IsTransient(err) {
		return fmt.Sprintf("gave up after %d attempts: %v", attempts, err)
	}
	return err.Error()
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Status returns a snapshot of the order. Evicted orders are looked up in the
// journal when one is configured.
func (t *Tracker) Status(ctx context.Context, cid string) (domain.Order, error) {
	t.mu.RLock()
	po, ok := t.index[cid]
	t.mu.RUnlock()
	if ok {
		po.mu.Lock()
		o, ok := po.orders[cid]
		var snapshot domain.Order
		if ok {
			snapshot = *o
		}
		po.mu.Unlock()
		if ok {
			return snapshot, nil
		}
	}
	if t.journal != nil {
		o, err := t.journal.GetOrder(ctx, cid)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Order{}, err
		}
	}
	return domain.Order{}, fmt.Errorf("order %s: %w", cid, domain.ErrNotFound)
}

// Orders returns snapshots of the profile's tracked orders, oldest first.
func (t *Tracker) Orders(profile domain.ProfileID) ([]domain.Order, error) {
	po, err := t.get(profile)
	if err != nil {
		return nil, err
	}
	po.mu.Lock()
	out := make([]domain.Order, 0, len(po.orders))
	for _, o := range po.orders {
		out = append(out, *o)
	}
	po.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CorrelationID < out[j].CorrelationID
	})
	return out, nil
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

// Cancel requests cancellation of a non-terminal order. It fails with
// ErrNotFound for unknown ids and ErrAlreadyTerminal for finished orders,
// leaving them untouched. An order not yet acknowledged is cancelled as soon
// as the broker assigns its id; if its submission fails instead, a
// KindCancelDrop event is published.
func (t *Tracker) Cancel(ctx context.Context, cid string) error {
	t.mu.RLock()
	po, ok := t.index[cid]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("order %s: %w", cid, domain.ErrNotFound)
	}

	po.mu.Lock()
	o, ok := po.orders[cid]
	if !ok {
		po.mu.Unlock()
		return fmt.Errorf("order %s: %w", cid, domain.ErrNotFound)
	}
	if o.State.IsTerminal() {
		state := o.State
		po.mu.Unlock()
		return fmt.Errorf("order %s is %s: %w", cid, state, domain.ErrAlreadyTerminal)
	}
	if o.BrokerOrderID == "" {
		po.pendingCancel[cid] = true
		po.mu.Unlock()
		po.log.Info("cancel deferred until acknowledgement", "event", "cancel_deferred", "correlation_id", cid)
		return nil
	}
	brokerID := o.BrokerOrderID
	po.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.opts.CallTimeout)
	defer cancel()
	_, err := util.Do(ctx, t.opts.Retry, nil, nil, func(ctx context.Context) (struct{}, error) {
		return withSession(ctx, t, po, func(ctx context.Context, token string) (struct{}, error) {
			return struct{}{}, po.client.CancelOrder(ctx, token, brokerID)
		})
	})

	// The broker's book is the authority on what happened.
	if rerr := t.Reconcile(ctx, po.id); rerr != nil {
		po.log.Warn("reconcile after cancel failed", "event", "reconcile_failed", "error", rerr)
	}
	if err != nil {
		po.mu.Lock()
		terminal := o.State.IsTerminal()
		state := o.State
		po.mu.Unlock()
		// The call failed, so whatever finished the order was not this cancel.
		if terminal {
			return fmt.Errorf("order %s is %s: %w", cid, state, domain.ErrAlreadyTerminal)
		}
		po.log.Warn("cancel failed", "event", "cancel_failed", "correlation_id", cid, "error", err)
		return fmt.Errorf("cancel order %s: %w", cid, err)
	}
	po.log.Info("cancel requested", "event", "cancel", "correlation_id", cid, "broker_order_id", brokerID)
	return nil
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// Reconcile fetches the broker's order book for profile and applies every
// update newer than what each order has already seen.
func (t *Tracker) Reconcile(ctx context.Context, profile domain.ProfileID) error {
	po, err := t.get(profile)
	if err != nil {
		return err
	}
	book, err := withSession(ctx, t, po, func(ctx context.Context, token string) ([]domain.OrderUpdate, error) {
		return po.client.OrderBook(ctx, token)
	})
	if err != nil {
		return fmt.Errorf("orders: reconcile %s: %w", profile, err)
	}
	t.apply(po, book)
	return nil
}

// ApplyUpdates merges broker-reported updates into profile's orders as if they
// had come from a reconciliation poll.
func (t *Tracker) ApplyUpdates(profile domain.ProfileID, updates []domain.OrderUpdate) error {
	po, err := t.get(profile)
	if err != nil {
		return err
	}
	t.apply(po, updates)
	return nil
}

// apply merges broker updates into the profile's orders. Updates for unknown
// orders are ignored. Applying the same updates twice is a no-op.
func (t *Tracker) apply(po *profileOrders, updates []domain.OrderUpdate) {
	var persist []domain.Order
	var cancels []string

	po.mu.Lock()
	for _, u := range updates {
		cid := po.byBroker[u.BrokerOrderID]
		if cid == "" {
			cid = u.CorrelationID
		}
		o, ok := po.orders[cid]
		if !ok {
			continue
		}
		if snapshot := t.applyLocked(po, o, u); snapshot != nil && snapshot.State.IsTerminal() {
			persist = append(persist, *snapshot)
		}
		if po.pendingCancel[cid] && o.BrokerOrderID != "" && !o.State.IsTerminal() && o.State != domain.OrderSubmitting {
			delete(po.pendingCancel, cid)
			cancels = append(cancels, cid)
		}
	}
	po.mu.Unlock()

	for _, o := range persist {
		t.persist(o)
	}
	if len(cancels) == 0 {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		po.log.Warn("tracker closed, deferred cancels not sent", "event", "cancel_dropped", "count", len(cancels))
		return
	}
	t.wg.Add(len(cancels))
	t.mu.Unlock()
	for _, cid := range cancels {
		go func() {
			defer t.wg.Done()
			if err := t.Cancel(t.baseCtx, cid); err != nil {
				po.log.Warn("deferred cancel failed", "event", "cancel_failed", "correlation_id", cid, "error", err)
			}
		}()
	}
}

// applyLocked applies one update. It returns the new snapshot when the order
// changed state.
func (t *Tracker) applyLocked(po *profileOrders, o *domain.Order, u domain.OrderUpdate) *domain.Order {
	if o.State.IsTerminal() {
		return nil
	}
	if u.Seq != 0 && u.Seq <= o.LastSeq {
		return nil
	}
	if u.Seq == 0 && u.State == o.State && u.FilledQty <= o.FilledQty {
		return nil
	}

	if o.BrokerOrderID == "" && u.BrokerOrderID != "" {
		o.BrokerOrderID = u.BrokerOrderID
		po.byBroker[u.BrokerOrderID] = o.CorrelationID
	}
	// The broker saw the order before the submission call returned.
	if o.State == domain.OrderSubmitting && u.State != domain.OrderAcknowledged {
		if !o.State.CanTransition(domain.OrderAcknowledged) || !domain.OrderAcknowledged.CanTransition(u.State) {
			return nil
		}
		t.transitionLocked(po, o, domain.OrderAcknowledged, "")
	}

	switch {
	case u.State == o.State && u.State != domain.OrderPartiallyFilled:
		o.LastSeq = max(o.LastSeq, u.Seq)
		return nil
	case u.State == domain.OrderPartiallyFilled && o.State == domain.OrderPartiallyFilled && u.FilledQty <= o.FilledQty:
		o.LastSeq = max(o.LastSeq, u.Seq)
		return nil
	case !o.State.CanTransition(u.State):
		po.log.Warn("ignoring illegal order transition", "event", "illegal_transition",
			"correlation_id", o.CorrelationID, "from", o.State, "to", u.State, "seq", u.Seq)
		return nil
	}

	if u.FilledQty > o.FilledQty {
		o.FilledQty = u.FilledQty
		o.AvgPrice = u.AvgPrice
	}
	o.LastSeq = max(o.LastSeq, u.Seq)
	return t.transitionLocked(po, o, u.State, u.Reason)
}

// ---------------------------------------------------------------------------
// Positions and bulk operations
// ---------------------------------------------------------------------------

// Positions returns the broker-reported positions for profile.
func (t *Tracker) Positions(ctx context.Context, profile domain.ProfileID) ([]domain.Position, error) {
	po, err := t.get(profile)
	if err != nil {
		return nil, err
	}
	positions, err := withSession(ctx, t, po, func(ctx context.Context, token string) ([]domain.Position, error) {
		return po.client.Positions(ctx, token)
	})
	if err != nil {
		return nil, fmt.Errorf("orders: positions %s: %w", profile, err)
	}
	if t.opts.Resolve != nil {
		for i := range positions {
			positions[i].Instrument = t.opts.Resolve(positions[i].Instrument)
		}
	}
	return positions, nil
}

// Margin returns the broker-reported margin for profile.
func (t *Tracker) Margin(ctx context.Context, profile domain.ProfileID) (domain.Margin, error) {
	po, err := t.get(profile)
	if err != nil {
		return domain.Margin{}, err
	}
	m, err := withSession(ctx, t, po, func(ctx context.Context, token string) (domain.Margin, error) {
		return po.client.Margin(ctx, token)
	})
	if err != nil {
		return domain.Margin{}, fmt.Errorf("orders: margin %s: %w", profile, err)
	}
	return m, nil
}

// RefreshAccount fetches the profile's positions and margin and stores them
// as its account snapshot. A KindAccount event is published when the
// snapshot differs from the previous one.
func (t *Tracker) RefreshAccount(ctx context.Context, profile domain.ProfileID) (domain.Account, error) {
	po, err := t.get(profile)
	if err != nil {
		return domain.Account{}, err
	}
	positions, err := t.Positions(ctx, profile)
	if err != nil {
		return domain.Account{}, err
	}
	margin, err := t.Margin(ctx, profile)
	if err != nil {
		return domain.Account{}, err
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Instrument.Key() < positions[j].Instrument.Key()
	})
	acct := domain.Account{Positions: positions, Margin: margin, UpdatedAt: t.now()}

	po.mu.Lock()
	changed := !po.hasAccount || !po.account.Equal(acct)
	po.account, po.hasAccount = acct, true
	po.mu.Unlock()

	if changed {
		po.log.Debug("account changed", "event", "account", "positions", len(positions), "available", margin.Available.String())
		snapshot := acct
		t.events.Publish(events.Event{Kind: events.KindAccount, Profile: profile, Account: &snapshot})
	}
	return acct, nil
}

// Account returns the last refreshed account snapshot of profile. ok is
// false until the first successful refresh.
func (t *Tracker) Account(profile domain.ProfileID) (acct domain.Account, ok bool, err error) {
	po, err := t.get(profile)
	if err != nil {
		return domain.Account{}, false, err
	}
	po.mu.Lock()
	defer po.mu.Unlock()
	acct = po.account
	acct.Positions = append([]domain.Position(nil), po.account.Positions...)
	return acct, po.hasAccount, nil
}

// cancelAllPasses is how many times CancelAllOpen sweeps the order book.
const cancelAllPasses = 2

// CancelAllOpen cancels every open order in the broker's book for profile,
// including orders placed outside this process. The book is swept up to
// twice, since cancellations can race with new acknowledgements. It returns
// the number of cancellations that succeeded.
func (t *Tracker) CancelAllOpen(ctx context.Context, profile domain.ProfileID) (int, error) {
	po, err := t.get(profile)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	var errs []error
	for pass := 0; pass < cancelAllPasses; pass++ {
		book, err := withSession(ctx, t, po, func(ctx context.Context, token string) ([]domain.OrderUpdate, error) {
			return po.client.OrderBook(ctx, token)
		})
		if err != nil {
			return cancelled, fmt.Errorf("orders: cancel all %s: %w", profile, err)
		}
		t.apply(po, book)

		open := 0
		for _, u := range book {
			if u.State.IsTerminal() {
				continue
			}
			open++
			_, err := withSession(ctx, t, po, func(ctx context.Context, token string) (struct{}, error) {
				return struct{}{}, po.client.CancelOrder(ctx, token, u.BrokerOrderID)
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("cancel %s: %w", u.BrokerOrderID, err))
				continue
			}
			cancelled++
		}
		if open == 0 {
			break
		}
	}

	if err := t.Reconcile(ctx, profile); err != nil {
		errs = append(errs, err)
	}
	po.log.Info("cancelled open orders", "event", "cancel_all", "count", cancelled, "errors", len(errs))
	return cancelled, errors.Join(errs...)
}

// SquareOffAll submits market orders closing every open position of
// profile. Each position is split into orders no larger than its
// instrument's maximum order quantity. It returns the correlation ids of the
// submitted orders.
func (t *Tracker) SquareOffAll(ctx context.Context, profile domain.ProfileID) ([]string, error) {
	positions, err := t.Positions(ctx, profile)
	if err != nil {
		return nil, err
	}

	var cids []string
	var errs []error
	for _, p := range positions {
		if !p.IsOpen() || p.NetQty == 0 {
			continue
		}
		side := domain.OrderSideSell
		qty := p.NetQty
		if qty < 0 {
			side, qty = domain.OrderSideBuy, -qty
		}
		for _, part := range splitQty(qty, p.Instrument.MaxOrderQty(), p.Instrument.LotSize) {
			cid, err := t.Submit(ctx, profile, domain.OrderRequest{
				Instrument: p.Instrument,
				Side:       side,
				Type:       domain.OrderTypeMarket,
				Quantity:   part,
				Intraday:   true,
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("square off %s: %w", p.Instrument.Key(), err))
				break
			}
			cids = append(cids, cid)
		}
	}
	t.log.Info("square off submitted", "event", "square_off", "profile", string(profile), "orders", len(cids))
	return cids, errors.Join(errs...)
}

// splitQty splits qty into parts of at most limit, each a multiple of lot when
// possible. A non-positive limit means a single part.
func splitQty(qty, limit, lot int64) []int64 {
	if limit <= 0 || qty <= limit {
		return []int64{qty}
	}
	if lot > 1 && limit >= lot {
		limit -= limit % lot
	}
	var parts []int64
	for qty > 0 {
		n := min(qty, limit)
		parts = append(parts, n)
		qty -= n
	}
	return parts
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Evict drops terminal orders last updated before now minus the retention
// period. It returns the number evicted.
func (t *Tracker) Evict(now time.Time) int {
	cutoff := now.Add(-t.opts.Retention)

	t.mu.RLock()
	profiles := make([]*profileOrders, 0, len(t.profiles))
	for _, po := range t.profiles {
		profiles = append(profiles, po)
	}
	t.mu.RUnlock()

	var evicted []string
	for _, po := range profiles {
		po.mu.Lock()
		for cid, o := range po.orders {
			if o.State.IsTerminal() && o.UpdatedAt.Before(cutoff) {
				delete(po.orders, cid)
				if o.BrokerOrderID != "" {
					delete(po.byBroker, o.BrokerOrderID)
				}
				evicted = append(evicted, cid)
			}
		}
		po.mu.Unlock()
	}

	if len(evicted) > 0 {
		t.mu.Lock()
		for _, cid := range evicted {
			delete(t.index, cid)
		}
		t.mu.Unlock()
		t.log.Debug("evicted terminal orders", "event", "evict", "count", len(evicted))
	}
	return len(evicted)
}

// Close stops accepting orders and waits for in-flight submissions until ctx
// ends. Submissions still running after that are abandoned and end as
// RejectedAtSubmit.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.cancel()
		return nil
	case <-ctx.Done():
		t.cancel()
		<-done
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (t *Tracker) get(profile domain.ProfileID) (*profileOrders, error) {
	t.mu.RLock()
	po, ok := t.profiles[profile]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("orders: %w: %s", domain.ErrUnknownProfile, profile)
	}
	return po, nil
}

// transitionLocked moves o to state and publishes the change. It returns a
// copy of the new snapshot.
func (t *Tracker) transitionLocked(po *profileOrders, o *domain.Order, state domain.OrderState, reason string) *domain.Order {
	if !o.State.CanTransition(state) {
		po.log.Error("refusing illegal order transition", "event", "illegal_transition",
			"correlation_id", o.CorrelationID, "from", o.State, "to", state)
		return nil
	}
	o.State = state
	if reason != "" {
		o.Reason = reason
	}
	o.UpdatedAt = t.now()
	snapshot := t.emitLocked(po, o, reason)
	return &snapshot
}

// emitLocked logs and publishes the order's current state.
func (t *Tracker) emitLocked(po *profileOrders, o *domain.Order, reason string) domain.Order {
	snapshot := *o
	metrics.OrderTransitions.WithLabelValues(string(po.id), string(o.State)).Inc()
	attrs := []any{"event", "order_state", "correlation_id", o.CorrelationID, "state", string(o.State)}
	if o.BrokerOrderID != "" {
		attrs = append(attrs, "broker_order_id", o.BrokerOrderID)
	}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	if o.State == domain.OrderRejectedAtSubmit || o.State == domain.OrderRejectedAtExchange {
		po.log.Warn("order state changed", attrs...)
	} else {
		po.log.Info("order state changed", attrs...)
	}
	t.events.Publish(events.Event{Kind: events.KindOrderState, Profile: po.id, Key: o.Request.Instrument.Key(), Order: &snapshot, Message: reason})
	return snapshot
}

func (t *Tracker) persist(o domain.Order) {
	if t.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.journal.SaveOrder(ctx, o); err != nil {
		t.log.Error("journal write failed", "event", "journal_failed", "correlation_id", o.CorrelationID, "error", err)
	}
}

// withSession runs fn with a valid session token. An auth rejection
// invalidates that token, re-authenticates and runs fn once more.
func withSession[T any](ctx context.Context, t *Tracker, po *profileOrders, fn func(ctx context.Context, token string) (T, error)) (T, error) {
	var zero T
	callCtx, cancel := context.WithTimeout(ctx, t.opts.CallTimeout)
	defer cancel()

	sess, err := t.sessions.EnsureValid(callCtx, po.id)
	if err != nil {
		return zero, err
	}
	v, err := fn(callCtx, sess.Token)
	if !domain.IsAuth(err) {
		return v, err
	}

	po.log.Info("broker rejected session, re-authenticating", "event", "call_auth", "error", err)
	t.sessions.InvalidateToken(po.id, sess.Token)
	sess, err = t.sessions.EnsureValid(callCtx, po.id)
	if err != nil {
		return zero, err
	}
	return fn(callCtx, sess.Token)
}
