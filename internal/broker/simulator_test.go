package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
)

func TestSimulatorSessionExpiry(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()

	if _, err := sim.Quotes(ctx, "", nil); !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("Quotes without login: error = %v, want ErrAuth", err)
	}

	res, err := sim.Login(ctx, nil)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := sim.Quotes(ctx, res.Token, nil); err != nil {
		t.Fatalf("Quotes after login: %v", err)
	}

	sim.Expire()
	if _, err := sim.Quotes(ctx, res.Token, nil); !errors.Is(err, domain.ErrAuth) {
		t.Errorf("Quotes after Expire: error = %v, want ErrAuth", err)
	}
	if got := sim.LoginCount(); got != 1 {
		t.Errorf("LoginCount() = %d, want 1", got)
	}
}

func TestSimulatorScriptedFailures(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	transient := domain.NewBrokerError(domain.ErrTransient, "login", "", "timeout", nil)
	sim.FailLogins(transient)

	if _, err := sim.Login(ctx, nil); !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("first Login error = %v, want transient", err)
	}
	res, err := sim.Login(ctx, nil)
	if err != nil {
		t.Fatalf("second Login: %v", err)
	}

	sim.FailPlaces(transient)
	req := domain.OrderRequest{Instrument: domain.Instrument{Exchange: "N", Symbol: "NIFTY"}, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 50}
	if _, err := sim.PlaceOrder(ctx, res.Token, "cid", req); !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("PlaceOrder error = %v, want transient", err)
	}
	id, err := sim.PlaceOrder(ctx, res.Token, "cid", req)
	if err != nil {
		t.Fatalf("PlaceOrder retry: %v", err)
	}
	again, _ := sim.PlaceOrder(ctx, res.Token, "cid", req)
	if again != id {
		t.Errorf("duplicate correlation id placed a second order: %s vs %s", again, id)
	}
	if got := sim.PlaceCalls(); got != 3 {
		t.Errorf("PlaceCalls() = %d, want 3", got)
	}
}

func TestSimulatorFillsAndPositions(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	res, _ := sim.Login(ctx, nil)
	inst := domain.Instrument{Exchange: "N", Symbol: "NIFTY", LotSize: 25}

	id, err := sim.PlaceOrder(ctx, res.Token, "cid", domain.OrderRequest{Instrument: inst, Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Quantity: 50})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if err := sim.Fill(id, 25, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	book, _ := sim.OrderBook(ctx, res.Token)
	if book[0].State != domain.OrderPartiallyFilled || book[0].FilledQty != 25 {
		t.Errorf("after partial fill: %+v", book[0])
	}
	firstSeq := book[0].Seq

	sim.Fill(id, 100, decimal.NewFromInt(102))
	book, _ = sim.OrderBook(ctx, res.Token)
	if book[0].State != domain.OrderFilled || book[0].FilledQty != 50 {
		t.Errorf("after full fill: %+v", book[0])
	}
	if book[0].Seq <= firstSeq {
		t.Errorf("Seq did not advance: %d <= %d", book[0].Seq, firstSeq)
	}
	if !book[0].AvgPrice.Equal(decimal.NewFromInt(101)) {
		t.Errorf("AvgPrice = %s, want 101", book[0].AvgPrice)
	}

	if err := sim.CancelOrder(ctx, res.Token, id); !errors.Is(err, domain.ErrBrokerRejection) {
		t.Errorf("CancelOrder(filled) error = %v, want rejection", err)
	}

	pos, _ := sim.Positions(ctx, res.Token)
	if len(pos) != 1 || pos[0].NetQty != -50 || !pos[0].IsOpen() {
		t.Errorf("positions = %+v, want one short 50", pos)
	}
}

func TestSimulatorQueuedQuotes(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	res, _ := sim.Login(ctx, nil)
	inst := domain.Instrument{Exchange: "N", Symbol: "NIFTY50"}
	key := inst.Key()

	sim.SetQuote(domain.Quote{Key: key, Last: 101, Timestamp: time.Unix(2, 0)})
	sim.QueueQuotes(key, domain.Quote{Key: key, Last: 100, Timestamp: time.Unix(1, 0)})

	q1, _ := sim.Quotes(ctx, res.Token, []domain.Instrument{inst})
	q2, _ := sim.Quotes(ctx, res.Token, []domain.Instrument{inst})
	if q1[0].Last != 100 || q2[0].Last != 101 {
		t.Errorf("quotes = %v then %v, want 100 then 101", q1[0].Last, q2[0].Last)
	}
	if got := sim.QuoteCalls(); got != 2 {
		t.Errorf("QuoteCalls() = %d, want 2", got)
	}
}

func TestSimulatorLoginDelayHonorsContext(t *testing.T) {
	sim := NewSimulator(WithLoginDelay(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := sim.Login(ctx, nil); !domain.IsTransient(err) {
		t.Errorf("Login error = %v, want transient", err)
	}
}
