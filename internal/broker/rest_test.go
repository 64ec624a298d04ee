package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
	"tradedesk/internal/secrets"
)

func newTestREST(t *testing.T, mux *http.ServeMux) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewRESTClient(srv.URL, 0, 5*time.Second)
}

func TestRESTLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode login body: %v", err)
		}
		if body["client_code"] != "C1" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":"AUTH","message":"bad client"}`))
			return
		}
		w.Write([]byte(`{"access_token":"tok-1","expires_in":3600}`))
	})
	c := newTestREST(t, mux)

	res, err := c.Login(context.Background(), secrets.Credentials{"client_code": "C1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Token != "tok-1" {
		t.Errorf("Token = %q, want %q", res.Token, "tok-1")
	}
	if d := time.Until(res.ExpiresAt); d < 59*time.Minute || d > time.Hour {
		t.Errorf("ExpiresAt in %v, want ~1h", d)
	}

	_, err = c.Login(context.Background(), secrets.Credentials{"client_code": "nope"})
	if !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("Login(bad) error = %v, want ErrAuth", err)
	}
	var be *domain.BrokerError
	if !errors.As(err, &be) || be.Code != "AUTH" || be.Message != "bad client" {
		t.Errorf("BrokerError = %+v, want code AUTH message %q", be, "bad client")
	}
}

func TestRESTQuotesAndBearer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /market/quotes", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer tok")
		}
		var req struct {
			Instruments []wireInstrument `json:"instruments"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Instruments) != 2 {
			t.Errorf("len(instruments) = %d, want 2", len(req.Instruments))
		}
		w.Write([]byte(`{"quotes":[
			{"exchange":"N","symbol":"nifty50","bid":99.5,"ask":100.5,"last":100,"volume":10,"timestamp":1700000000000},
			{"exchange":"N","symbol":"RELIANCE","last":2500,"timestamp":1700000000500}]}`))
	})
	c := newTestREST(t, mux)

	quotes, err := c.Quotes(context.Background(), "tok", []domain.Instrument{
		{Exchange: "N", Symbol: "NIFTY50"}, {Exchange: "N", Symbol: "RELIANCE"},
	})
	if err != nil {
		t.Fatalf("Quotes: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("len(quotes) = %d, want 2", len(quotes))
	}
	if quotes[0].Key != "N:NIFTY50" {
		t.Errorf("Key = %q, want %q", quotes[0].Key, "N:NIFTY50")
	}
	if quotes[0].Last != 100 || quotes[0].Bid != 99.5 {
		t.Errorf("quote = %+v", quotes[0])
	}
	if !quotes[1].Timestamp.Equal(time.UnixMilli(1700000000500)) {
		t.Errorf("Timestamp = %v", quotes[1].Timestamp)
	}
}

func TestRESTErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, domain.ErrAuth},
		{http.StatusForbidden, domain.ErrAuth},
		{http.StatusTooManyRequests, domain.ErrTransient},
		{http.StatusBadGateway, domain.ErrTransient},
		{http.StatusUnprocessableEntity, domain.ErrBrokerRejection},
	}
	for _, tt := range tests {
		mux := http.NewServeMux()
		mux.HandleFunc("POST /orders", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"message":"nope"}`))
		})
		c := newTestREST(t, mux)
		_, err := c.PlaceOrder(context.Background(), "tok", "cid", domain.OrderRequest{})
		if got := domain.Classify(err); got != tt.want {
			t.Errorf("status %d: Classify = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestRESTPlaceAndOrderBook(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", func(w http.ResponseWriter, r *http.Request) {
		var body wireOrderRequest
		json.NewDecoder(r.Body).Decode(&body)
		if body.ClientOrderID != "cid-1" || body.Quantity != 50 || body.Side != "buy" {
			t.Errorf("order body = %+v", body)
		}
		w.Write([]byte(`{"order_id":"B-1"}`))
	})
	mux.HandleFunc("GET /orders", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"orders":[
			{"order_id":"B-1","client_order_id":"cid-1","exchange":"N","symbol":"NIFTY","status":"complete","filled_qty":50,"avg_price":"101.25","seq":7},
			{"order_id":"B-2","status":"weird"}]}`))
	})
	mux.HandleFunc("DELETE /orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "B-1" {
			t.Errorf("cancel id = %q", r.PathValue("id"))
		}
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestREST(t, mux)
	ctx := context.Background()

	id, err := c.PlaceOrder(ctx, "tok", "cid-1", domain.OrderRequest{
		Instrument: domain.Instrument{Exchange: "N", Symbol: "NIFTY"},
		Side:       domain.OrderSideBuy,
		Type:       domain.OrderTypeMarket,
		Quantity:   50,
	})
	if err != nil || id != "B-1" {
		t.Fatalf("PlaceOrder = %q, %v; want B-1", id, err)
	}

	book, err := c.OrderBook(ctx, "tok")
	if err != nil {
		t.Fatalf("OrderBook: %v", err)
	}
	if len(book) != 1 {
		t.Fatalf("len(book) = %d, want 1 (unknown status skipped)", len(book))
	}
	u := book[0]
	if u.State != domain.OrderFilled || u.FilledQty != 50 || u.Seq != 7 || u.CorrelationID != "cid-1" {
		t.Errorf("update = %+v", u)
	}
	if !u.AvgPrice.Equal(decimal.RequireFromString("101.25")) {
		t.Errorf("AvgPrice = %s, want 101.25", u.AvgPrice)
	}

	if err := c.CancelOrder(ctx, "tok", "B-1"); err != nil {
		t.Errorf("CancelOrder: %v", err)
	}
}

func TestRESTNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewRESTClient(url, 0, time.Second)
	_, err := c.Positions(context.Background(), "tok")
	if !domain.IsTransient(err) {
		t.Errorf("Positions on closed server: error = %v, want transient", err)
	}
}

func TestNewFactory(t *testing.T) {
	for _, kind := range []string{"rest", "alpaca", "simulator"} {
		c, err := New(Options{Kind: kind, BaseURL: "http://localhost"})
		if err != nil {
			t.Fatalf("New(%q): %v", kind, err)
		}
		if c.Name() != kind {
			t.Errorf("Name() = %q, want %q", c.Name(), kind)
		}
	}
	if _, err := New(Options{Kind: "fix"}); err == nil {
		t.Error("New(fix) should fail")
	}
}
