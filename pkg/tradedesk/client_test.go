package tradedesk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080/")
	if c == nil {
		t.Fatal("NewClient returned nil")
	}
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", c.baseURL)
	}
}

func newFakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/profiles", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{"id": "acc1", "broker": "simulator", "session": "valid", "subscriptions": 2}})
	})
	mux.HandleFunc("POST /api/profiles/{id}/orders", func(w http.ResponseWriter, r *http.Request) {
		var req OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Quantity <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid order: quantity must be positive"})
			return
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"correlation_id": r.PathValue("id") + "-1"})
	})
	mux.HandleFunc("GET /api/orders/{cid}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("cid") != "acc1-1" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"correlation_id": "acc1-1", "state": "filled", "filled_qty": 5, "avg_price": "2901.5"})
	})
	mux.HandleFunc("DELETE /api/profiles/{id}/subscriptions/{key}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("key") != "N:RELIANCE" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/profiles/{id}/positions", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("open") != "true" {
			json.NewEncoder(w).Encode([]Position{{NetQty: 0}, {NetQty: 3}})
			return
		}
		json.NewEncoder(w).Encode([]Position{{NetQty: 3}})
	})
	mux.HandleFunc("GET /api/expiry/{index}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"index": r.PathValue("index"), "expiry": "2024-08-22"})
	})
	mux.HandleFunc("POST /api/all/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode([]ProfileResult{{Profile: "acc1", Orders: []string{"c1"}}, {Profile: "acc2", Error: "risk rejected"}})
	})
	mux.HandleFunc("POST /api/profiles/{id}/option-chain", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["index"] != "nifty" || body["date"] != "2024-08-26" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "unexpected body"})
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(OptionChain{Index: "NIFTY", Strikes: []int64{23950, 24000}, Watched: []string{"N:NIFTY 29 AUG 2024 CE 24000.00"}})
	})
	mux.HandleFunc("GET /api/profiles/{id}/account", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Account{Positions: []Position{{NetQty: 25}}, Margin: Margin{Available: decimal.NewFromInt(1000)}})
	})
	upgrader := websocket.Upgrader{}
	mux.HandleFunc("GET /api/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("profile") != "acc1,acc2" {
			http.Error(w, "bad filter", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(Event{Kind: "session_state", Profile: "acc1", Session: "valid"})
		conn.WriteJSON(Event{Kind: "order_state", Profile: "acc2", Order: &Order{CorrelationID: "x", State: "created"}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestProfiles(t *testing.T) {
	c := NewClient(newFakeServer(t).URL)
	profiles, err := c.Profiles(context.Background())
	if err != nil {
		t.Fatalf("Profiles: %v", err)
	}
	if len(profiles) != 1 || profiles[0].ID != "acc1" || profiles[0].Subscriptions != 2 {
		t.Errorf("got %+v", profiles)
	}
}

func TestSubmitAndGetOrder(t *testing.T) {
	c := NewClient(newFakeServer(t).URL)
	ctx := context.Background()

	cid, err := c.SubmitOrder(ctx, "acc1", OrderRequest{Exchange: "N", Symbol: "RELIANCE", Side: "buy", Quantity: 5})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if cid != "acc1-1" {
		t.Errorf("cid = %q, want acc1-1", cid)
	}

	o, err := c.WaitOrder(ctx, cid, time.Millisecond)
	if err != nil {
		t.Fatalf("WaitOrder: %v", err)
	}
	if !o.Terminal() || o.FilledQty != 5 || !o.AvgPrice.Equal(decimal.RequireFromString("2901.5")) {
		t.Errorf("got %+v", o)
	}
}

func TestAPIErrors(t *testing.T) {
	c := NewClient(newFakeServer(t).URL)
	ctx := context.Background()

	_, err := c.SubmitOrder(ctx, "acc1", OrderRequest{Exchange: "N", Symbol: "RELIANCE", Side: "buy"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Message == "" {
		t.Errorf("got %+v", apiErr)
	}

	_, err = c.Order(ctx, "missing")
	if !IsNotFound(err) {
		t.Errorf("Order(missing) err = %v, want not found", err)
	}
}

func TestUnsubscribeKeepsKeyInPath(t *testing.T) {
	c := NewClient(newFakeServer(t).URL)
	if err := c.Unsubscribe(context.Background(), "acc1", "N:RELIANCE"); err != nil {
		t.Errorf("Unsubscribe: %v", err)
	}
	if err := c.Unsubscribe(context.Background(), "acc1", "N:TCS"); !IsNotFound(err) {
		t.Errorf("Unsubscribe(N:TCS) err = %v, want not found", err)
	}
}

func TestPositionsOpenOnly(t *testing.T) {
	c := NewClient(newFakeServer(t).URL)
	all, err := c.Positions(context.Background(), "acc1", false)
	if err != nil {
		t.Fatal(err)
	}
	open, err := c.Positions(context.Background(), "acc1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || len(open) != 1 {
		t.Errorf("all = %d, open = %d; want 2, 1", len(all), len(open))
	}
}

func TestExpiry(t *testing.T) {
	c := NewClient(newFakeServer(t).URL)
	got, err := c.Expiry(context.Background(), "nifty", time.Date(2024, 8, 21, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 8, 22, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Expiry = %v, want %v", got, want)
	}
}

func TestSubmitAll(t *testing.T) {
	c := NewClient(newFakeServer(t).URL)
	results, err := c.SubmitAll(context.Background(), OrderRequest{Exchange: "N", Symbol: "RELIANCE", Side: "buy", Quantity: 1})
	if err != nil {
		t.Fatalf("SubmitAll: %v", err)
	}
	if len(results) != 2 || len(results[0].Orders) != 1 || results[1].Error == "" {
		t.Errorf("got %+v", results)
	}
}

func TestWatchOptionChainAndAccount(t *testing.T) {
	c := NewClient(newFakeServer(t).URL)
	ctx := context.Background()

	chain, err := c.WatchOptionChain(ctx, "acc1", "nifty", 24010, time.Date(2024, 8, 26, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("WatchOptionChain: %v", err)
	}
	if chain.Index != "NIFTY" || len(chain.Strikes) != 2 || len(chain.Watched) != 1 {
		t.Errorf("got %+v", chain)
	}

	acct, err := c.Account(ctx, "acc1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if len(acct.Positions) != 1 || !acct.Margin.Available.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("got %+v", acct)
	}
}

func TestEvents(t *testing.T) {
	c := NewClient(newFakeServer(t).URL)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := c.Events(ctx, []string{"acc1", "acc2"}, nil)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	var got []Event
	for e := range ch {
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Session != "valid" || got[1].Order == nil || got[1].Order.State != "created" {
		t.Errorf("got %+v", got)
	}
}
