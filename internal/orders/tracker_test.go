package orders

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/events"
	"tradedesk/internal/secrets"
	"tradedesk/internal/session"
	"tradedesk/internal/util"
)

const retryCeiling = 3

var nifty = domain.Instrument{Exchange: domain.ExchangeNSE, ExchangeType: "D", Symbol: "NIFTY", LotSize: 25, QtyLimit: 100}

func buyNifty(qty int64) domain.OrderRequest {
	return domain.OrderRequest{Instrument: nifty, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: qty}
}

type memJournal struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

func (j *memJournal) SaveOrder(_ context.Context, o domain.Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.orders[o.CorrelationID] = o
	return nil
}

func (j *memJournal) GetOrder(_ context.Context, cid string) (domain.Order, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	o, ok := j.orders[cid]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

type fixture struct {
	sim      *broker.Simulator
	sessions *session.Manager
	tracker  *Tracker
	journal  *memJournal
	bus      *events.Bus
}

func newFixture(t *testing.T, simOpts ...broker.SimulatorOption) *fixture {
	t.Helper()
	sim := broker.NewSimulator(simOpts...)
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	sessions := session.NewManager(secrets.Static{"acc1": {"client_code": "C1"}},
		session.Options{Retry: util.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}}, bus, util.DiscardLogger())
	require.NoError(t, sessions.Register("ACC1", "acc1", sim))

	journal := &memJournal{orders: make(map[string]domain.Order)}
	tr := NewTracker(sessions, Options{
		Retry:     util.RetryPolicy{MaxAttempts: retryCeiling, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Retention: time.Minute,
	}, bus, journal, util.DiscardLogger())
	require.NoError(t, tr.AddProfile("ACC1", sim))
	t.Cleanup(func() { tr.Close(context.Background()) })
	return &fixture{sim: sim, sessions: sessions, tracker: tr, journal: journal, bus: bus}
}

func (f *fixture) waitState(t *testing.T, cid string, want domain.OrderState) domain.Order {
	t.Helper()
	var o domain.Order
	require.Eventually(t, func() bool {
		var err error
		o, err = f.tracker.Status(context.Background(), cid)
		return err == nil && o.State == want
	}, 2*time.Second, 2*time.Millisecond, "order %s never reached %s (last %s)", cid, want, o.State)
	return o
}

func transient() error {
	return domain.NewBrokerError(domain.ErrTransient, "place_order", "", "connection reset", nil)
}

func TestSubmitReturnsBeforeAcknowledgement(t *testing.T) {
	f := newFixture(t, broker.WithLoginDelay(50*time.Millisecond))

	cid, err := f.tracker.Submit(context.Background(), "ACC1", buyNifty(50))
	require.NoError(t, err)
	o, err := f.tracker.Status(context.Background(), cid)
	require.NoError(t, err)
	assert.Contains(t, []domain.OrderState{domain.OrderCreated, domain.OrderSubmitting}, o.State)
	assert.Empty(t, o.BrokerOrderID)

	o = f.waitState(t, cid, domain.OrderAcknowledged)
	assert.NotEmpty(t, o.BrokerOrderID)
	assert.Equal(t, 1, o.Attempts)
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.Submit(context.Background(), "ACC1", buyNifty(30))
	assert.Error(t, err)
	_, err = f.tracker.Submit(context.Background(), "NOPE", buyNifty(25))
	assert.ErrorIs(t, err, domain.ErrUnknownProfile)
	assert.Equal(t, 0, f.sim.PlaceCalls())
}

func TestTransientFailuresBelowCeilingAcknowledge(t *testing.T) {
	f := newFixture(t)
	f.sim.FailPlaces(transient(), transient())

	cid, err := f.tracker.Submit(context.Background(), "ACC1", buyNifty(25))
	require.NoError(t, err)
	o := f.waitState(t, cid, domain.OrderAcknowledged)
	assert.Equal(t, retryCeiling, o.Attempts)
	assert.Equal(t, retryCeiling, f.sim.PlaceCalls())
}

func TestTransientFailuresAtCeilingRejectAtSubmit(t *testing.T) {
	f := newFixture(t)
	f.sim.FailPlaces(transient(), transient(), transient(), transient())

	cid, err := f.tracker.Submit(context.Background(), "ACC1", buyNifty(25))
	require.NoError(t, err)
	o := f.waitState(t, cid, domain.OrderRejectedAtSubmit)
	assert.Equal(t, retryCeiling, o.Attempts)
	assert.Contains(t, o.Reason, "connection reset")
	assert.True(t, strings.HasPrefix(o.Reason, "gave up after 3 attempts"), o.Reason)

	saved, err := f.journal.GetOrder(context.Background(), cid)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRejectedAtSubmit, saved.State)
}

func TestBrokerRejectionIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.sim.FailPlaces(domain.NewBrokerError(domain.ErrBrokerRejection, "place_order", "RMS", "insufficient margin", nil))

	cid, err := f.tracker.Submit(context.Background(), "ACC1", buyNifty(25))
	require.NoError(t, err)
	o := f.waitState(t, cid, domain.OrderRejectedAtSubmit)
	assert.Equal(t, 1, o.Attempts)
	assert.Contains(t, o.Reason, "insufficient margin")
}

func TestAuthFailureDuringSubmitReauthenticatesOnce(t *testing.T) {
	f := newFixture(t)
	_, err := f.sessions.EnsureValid(context.Background(), "ACC1")
	require.NoError(t, err)
	f.sim.Expire()

	cid, err := f.tracker.Submit(context.Background(), "ACC1", buyNifty(25))
	require.NoError(t, err)
	f.waitState(t, cid, domain.OrderAcknowledged)
	assert.Equal(t, 2, f.sim.LoginCount())
}

func TestStickyAuthRejectsAtSubmit(t *testing.T) {
	f := newFixture(t)
	f.sim.FailLogins(domain.NewBrokerError(domain.ErrAuth, "login", "401", "bad password", nil))

	cid, err := f.tracker.Submit(context.Background(), "ACC1", buyNifty(25))
	require.NoError(t, err)
	o := f.waitState(t, cid, domain.OrderRejectedAtSubmit)
	assert.Contains(t, o.Reason, "bad password")
	assert.Equal(t, 0, f.sim.PlaceCalls())
}

func TestReconcileAppliesFillsInSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cid, err := f.tracker.Submit(ctx, "ACC1", buyNifty(50))
	require.NoError(t, err)
	o := f.waitState(t, cid, domain.OrderAcknowledged)

	require.NoError(t, f.sim.Fill(o.BrokerOrderID, 25, decimal.NewFromInt(100)))
	require.NoError(t, f.tracker.Reconcile(ctx, "ACC1"))
	o, _ = f.tracker.Status(ctx, cid)
	assert.Equal(t, domain.OrderPartiallyFilled, o.State)
	assert.Equal(t, int64(25), o.FilledQty)
	partialSeq := o.LastSeq

	require.NoError(t, f.sim.Fill(o.BrokerOrderID, 25, decimal.NewFromInt(102)))
	require.NoError(t, f.tracker.Reconcile(ctx, "ACC1"))
	o, _ = f.tracker.Status(ctx, cid)
	assert.Equal(t, domain.OrderFilled, o.State)
	assert.Equal(t, int64(50), o.FilledQty)
	assert.True(t, o.AvgPrice.Equal(decimal.NewFromInt(101)))
	assert.Greater(t, o.LastSeq, partialSeq)

	// Replaying the same book is a no-op.
	require.NoError(t, f.tracker.Reconcile(ctx, "ACC1"))
	again, _ := f.tracker.Status(ctx, cid)
	assert.Equal(t, o, again)
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cid, err := f.tracker.Submit(ctx, "ACC1", buyNifty(25))
	require.NoError(t, err)
	o := f.waitState(t, cid, domain.OrderAcknowledged)

	require.NoError(t, f.tracker.ApplyUpdates("ACC1", []domain.OrderUpdate{
		{BrokerOrderID: o.BrokerOrderID, State: domain.OrderFilled, FilledQty: 25, AvgPrice: decimal.NewFromInt(100), Seq: 10},
	}))
	filled, _ := f.tracker.Status(ctx, cid)
	require.Equal(t, domain.OrderFilled, filled.State)

	stale := []domain.OrderUpdate{
		{BrokerOrderID: o.BrokerOrderID, State: domain.OrderPartiallyFilled, FilledQty: 10, Seq: 5},
		{BrokerOrderID: o.BrokerOrderID, State: domain.OrderCancelled, Seq: 11},
		{BrokerOrderID: o.BrokerOrderID, State: domain.OrderFilled, FilledQty: 25, Seq: 10},
	}
	require.NoError(t, f.tracker.ApplyUpdates("ACC1", stale))
	after, _ := f.tracker.Status(ctx, cid)
	assert.Equal(t, filled, after)
}

func TestOutOfOrderUpdatesIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cid, err := f.tracker.Submit(ctx, "ACC1", buyNifty(100))
	require.NoError(t, err)
	o := f.waitState(t, cid, domain.OrderAcknowledged)

	require.NoError(t, f.tracker.ApplyUpdates("ACC1", []domain.OrderUpdate{
		{BrokerOrderID: o.BrokerOrderID, State: domain.OrderPartiallyFilled, FilledQty: 50, Seq: 8},
		{BrokerOrderID: o.BrokerOrderID, State: domain.OrderPartiallyFilled, FilledQty: 25, Seq: 7},
	}))
	o, _ = f.tracker.Status(ctx, cid)
	assert.Equal(t, int64(50), o.FilledQty)
	assert.Equal(t, int64(8), o.LastSeq)
}

func TestCancelOnFilledOrderFailsWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cid, err := f.tracker.Submit(ctx, "ACC1", buyNifty(25))
	require.NoError(t, err)
	o := f.waitState(t, cid, domain.OrderAcknowledged)
	require.NoError(t, f.sim.Fill(o.BrokerOrderID, 25, decimal.NewFromInt(100)))
	require.NoError(t, f.tracker.Reconcile(ctx, "ACC1"))
	before := f.waitState(t, cid, domain.OrderFilled)

	err = f.tracker.Cancel(ctx, cid)
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)

	after, _ := f.tracker.Status(ctx, cid)
	assert.Equal(t, before, after)
}

func TestCancelUnknownOrder(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.tracker.Cancel(context.Background(), "missing"), domain.ErrNotFound)
}

func TestCancelAcknowledgedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cid, err := f.tracker.Submit(ctx, "ACC1", buyNifty(25))
	require.NoError(t, err)
	f.waitState(t, cid, domain.OrderAcknowledged)

	require.NoError(t, f.tracker.Cancel(ctx, cid))
	f.waitState(t, cid, domain.OrderCancelled)
}

func TestCancelBeforeAcknowledgementIsDeferred(t *testing.T) {
	f := newFixture(t, broker.WithLoginDelay(50*time.Millisecond))
	ctx := context.Background()
	cid, err := f.tracker.Submit(ctx, "ACC1", buyNifty(25))
	require.NoError(t, err)

	require.NoError(t, f.tracker.Cancel(ctx, cid))
	f.waitState(t, cid, domain.OrderCancelled)
}

func TestCancelRacingFillReportsAlreadyTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cid, err := f.tracker.Submit(ctx, "ACC1", buyNifty(25))
	require.NoError(t, err)
	o := f.waitState(t, cid, domain.OrderAcknowledged)

	// Filled at the broker but not yet reconciled locally.
	require.NoError(t, f.sim.Fill(o.BrokerOrderID, 25, decimal.NewFromInt(100)))
	err = f.tracker.Cancel(ctx, cid)
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
	f.waitState(t, cid, domain.OrderFilled)
}

func TestCancelOnOrderCancelledAtBrokerReportsAlreadyTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cid, err := f.tracker.Submit(ctx, "ACC1", buyNifty(25))
	require.NoError(t, err)
	o := f.waitState(t, cid, domain.OrderAcknowledged)

	// Cancelled elsewhere, not yet reconciled locally.
	require.NoError(t, f.sim.SetOrderState(o.BrokerOrderID, domain.OrderCancelled, ""))
	err = f.tracker.Cancel(ctx, cid)
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
	f.waitState(t, cid, domain.OrderCancelled)
}

func TestDeferredCancelDroppedOnRejectedSubmit(t *testing.T) {
	f := newFixture(t, broker.WithLoginDelay(50*time.Millisecond))
	sub := f.bus.Subscribe(0, "ACC1")
	ctx := context.Background()
	f.sim.FailPlaces(domain.NewBrokerError(domain.ErrBrokerRejection, "place_order", "", "market closed", nil))

	cid, err := f.tracker.Submit(ctx, "ACC1", buyNifty(25))
	require.NoError(t, err)
	require.NoError(t, f.tracker.Cancel(ctx, cid))
	f.waitState(t, cid, domain.OrderRejectedAtSubmit)

	e := waitKind(t, sub, events.KindCancelDrop)
	require.NotNil(t, e.Order)
	assert.Equal(t, cid, e.Order.CorrelationID)
	assert.Equal(t, domain.OrderRejectedAtSubmit, e.Order.State)
	assert.Equal(t, nifty.Key(), e.Key)
}

// slowCancel delays every cancel and counts the ones that completed.
type slowCancel struct {
	*broker.Simulator
	delay time.Duration
	done  atomic.Int32
}

func (c *slowCancel) CancelOrder(ctx context.Context, token, brokerOrderID string) error {
	defer c.done.Add(1)
	time.Sleep(c.delay)
	return c.Simulator.CancelOrder(ctx, token, brokerOrderID)
}

func TestCloseWaitsForDeferredCancels(t *testing.T) {
	f := newFixture(t)
	slow := &slowCancel{Simulator: broker.NewSimulator(broker.WithLoginDelay(20 * time.Millisecond)), delay: 150 * time.Millisecond}
	require.NoError(t, f.sessions.Register("ACC2", "acc1", slow))
	require.NoError(t, f.tracker.AddProfile("ACC2", slow))
	ctx := context.Background()

	cid, err := f.tracker.Submit(ctx, "ACC2", buyNifty(25))
	require.NoError(t, err)
	require.NoError(t, f.tracker.Cancel(ctx, cid))

	// The broker reports the order before the submission call returns, which
	// sends the deferred cancel from the reconciliation path.
	require.NoError(t, f.tracker.ApplyUpdates("ACC2", []domain.OrderUpdate{
		{CorrelationID: cid, BrokerOrderID: "EXT-1", State: domain.OrderAcknowledged, Seq: 1},
	}))

	require.NoError(t, f.tracker.Close(ctx))
	assert.Equal(t, int32(1), slow.done.Load())
}

func TestRefreshAccountPublishesChanges(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe(0, "ACC1")
	ctx := context.Background()

	_, ok, err := f.tracker.Account("ACC1")
	require.NoError(t, err)
	assert.False(t, ok)

	f.sim.SetPosition(domain.Position{Instrument: nifty, BuyQty: 50, NetQty: 50, AvgPrice: decimal.NewFromInt(24000)})
	acct, err := f.tracker.RefreshAccount(ctx, "ACC1")
	require.NoError(t, err)
	require.Len(t, acct.Positions, 1)
	assert.True(t, acct.Margin.Available.Equal(decimal.NewFromInt(1_000_000)))

	e := waitKind(t, sub, events.KindAccount)
	require.NotNil(t, e.Account)
	assert.Equal(t, int64(50), e.Account.Positions[0].NetQty)

	// Unchanged: no event.
	_, err = f.tracker.RefreshAccount(ctx, "ACC1")
	require.NoError(t, err)
	f.sim.SetMargin(domain.Margin{Available: decimal.NewFromInt(500), Used: decimal.NewFromInt(10)})
	_, err = f.tracker.RefreshAccount(ctx, "ACC1")
	require.NoError(t, err)

	e = waitKind(t, sub, events.KindAccount)
	assert.True(t, e.Account.Margin.Available.Equal(decimal.NewFromInt(500)), "second account event should carry the new margin")

	cached, ok, err := f.tracker.Account("ACC1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, cached.Margin.Used.Equal(decimal.NewFromInt(10)))

	_, _, err = f.tracker.Account("NOPE")
	assert.ErrorIs(t, err, domain.ErrUnknownProfile)
}

func waitKind(t *testing.T, sub *events.Subscription, kind events.Kind) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub.C():
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestOrderEventsNeverDropped(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe(1, "ACC1")
	ctx := context.Background()

	cid, err := f.tracker.Submit(ctx, "ACC1", buyNifty(25))
	require.NoError(t, err)
	f.waitState(t, cid, domain.OrderAcknowledged)

	var states []domain.OrderState
	timeout := time.After(2 * time.Second)
	for len(states) < 3 {
		select {
		case e := <-sub.C():
			if e.Kind == events.KindOrderState && e.Order.CorrelationID == cid {
				states = append(states, e.Order.State)
			}
		case <-timeout:
			t.Fatalf("got states %v, want created, submitting, acknowledged", states)
		}
	}
	assert.Equal(t, []domain.OrderState{domain.OrderCreated, domain.OrderSubmitting, domain.OrderAcknowledged}, states)
}

func TestCancelAllOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var cids []string
	for i := 0; i < 3; i++ {
		cid, err := f.tracker.Submit(ctx, "ACC1", buyNifty(25))
		require.NoError(t, err)
		cids = append(cids, cid)
	}
	var first domain.Order
	for i, cid := range cids {
		o := f.waitState(t, cid, domain.OrderAcknowledged)
		if i == 0 {
			first = o
		}
	}
	require.NoError(t, f.sim.Fill(first.BrokerOrderID, 25, decimal.NewFromInt(100)))

	n, err := f.tracker.CancelAllOpen(ctx, "ACC1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f.waitState(t, cids[0], domain.OrderFilled)
	f.waitState(t, cids[1], domain.OrderCancelled)
	f.waitState(t, cids[2], domain.OrderCancelled)
}

func TestSquareOffAllSplitsByMaxQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sim.SetPosition(domain.Position{Instrument: nifty, BuyQty: 250, NetQty: 250})
	f.sim.SetPosition(domain.Position{Instrument: domain.Instrument{Exchange: "N", Symbol: "FLAT"}, BuyQty: 10, SellQty: 10})

	cids, err := f.tracker.SquareOffAll(ctx, "ACC1")
	require.NoError(t, err)
	require.Len(t, cids, 3)

	var qtys []int64
	for _, cid := range cids {
		o := f.waitState(t, cid, domain.OrderAcknowledged)
		assert.Equal(t, domain.OrderSideSell, o.Request.Side)
		assert.True(t, o.Request.Intraday)
		qtys = append(qtys, o.Request.Quantity)
	}
	assert.Equal(t, []int64{100, 100, 50}, qtys)
}

func TestSplitQty(t *testing.T) {
	tests := []struct {
		qty, limit, lot int64
		want            []int64
	}{
		{250, 100, 25, []int64{100, 100, 50}},
		{50, 100, 25, []int64{50}},
		{1800, 0, 25, []int64{1800}},
		{200, 90, 25, []int64{75, 75, 50}},
		{7, 3, 1, []int64{3, 3, 1}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitQty(tt.qty, tt.limit, tt.lot), "splitQty(%d, %d, %d)", tt.qty, tt.limit, tt.lot)
	}
}

func TestEvictFallsBackToJournal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sim.FailPlaces(domain.NewBrokerError(domain.ErrBrokerRejection, "place_order", "", "closed", nil))
	cid, err := f.tracker.Submit(ctx, "ACC1", buyNifty(25))
	require.NoError(t, err)
	f.waitState(t, cid, domain.OrderRejectedAtSubmit)

	open, err := f.tracker.Submit(ctx, "ACC1", buyNifty(25))
	require.NoError(t, err)
	f.waitState(t, open, domain.OrderAcknowledged)

	assert.Equal(t, 0, f.tracker.Evict(time.Now()))
	assert.Equal(t, 1, f.tracker.Evict(time.Now().Add(2*time.Minute)))

	list, _ := f.tracker.Orders("ACC1")
	require.Len(t, list, 1)
	assert.Equal(t, open, list[0].CorrelationID)

	o, err := f.tracker.Status(ctx, cid)
	require.NoError(t, err, "evicted order should come from the journal")
	assert.Equal(t, domain.OrderRejectedAtSubmit, o.State)
}

func TestCloseStopsAcceptingOrders(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tracker.Close(context.Background()))
	_, err := f.tracker.Submit(context.Background(), "ACC1", buyNifty(25))
	assert.ErrorIs(t, err, domain.ErrEngineStopped)
}
