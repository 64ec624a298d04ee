package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
)

// OrderBody is the JSON body of POST /api/profiles/{id}/orders.
type OrderBody struct {
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Token    int64           `json:"token,omitempty"`
	Side     string          `json:"side"`
	Type     string          `json:"type"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Intraday bool            `json:"intraday"`
}

// Request converts the body into an order request.
func (b OrderBody) Request() domain.OrderRequest {
	typ := domain.OrderType(strings.ToLower(b.Type))
	if typ == "" {
		typ = domain.OrderTypeMarket
	}
	return domain.OrderRequest{
		Instrument: domain.Instrument{
			Exchange: strings.ToUpper(b.Exchange),
			Symbol:   strings.ToUpper(b.Symbol),
			Token:    b.Token,
		},
		Side:     domain.OrderSide(strings.ToLower(b.Side)),
		Type:     typ,
		Quantity: b.Quantity,
		Price:    b.Price,
		Intraday: b.Intraday,
	}
}

// SubscribeBody is the JSON body of POST /api/profiles/{id}/subscriptions.
type SubscribeBody struct {
	Key string `json:"key"`
}

// OptionChainBody is the JSON body of POST /api/profiles/{id}/option-chain.
// A zero spot uses the index's latest quote; an empty date means today.
type OptionChainBody struct {
	Index string  `json:"index"`
	Spot  float64 `json:"spot"`
	Date  string  `json:"date,omitempty"`
}

// ---------------------------------------------------------------------------
// Profiles and sessions
// ---------------------------------------------------------------------------

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "profiles": len(s.eng.Profiles())})
}

func (s *Server) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.eng.Profiles())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess, err := s.eng.Login(r.Context(), profileID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, sess)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Logout(r.Context(), profileID(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Quotes
// ---------------------------------------------------------------------------

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	quotes, err := s.eng.GetQuotes(profileID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, quotes)
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.eng.Subscriptions(profileID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, subs)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var body SubscribeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Key == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"key\": \"EXCH:SYMBOL\"}")
		return
	}
	if err := s.eng.Watch(profileID(r), body.Key); err != nil {
		writeErr(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, body)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Unwatch(profileID(r), r.PathValue("key")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.eng.Orders(profileID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, orders)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var body OrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid order body: "+err.Error())
		return
	}
	cid, err := s.eng.SubmitOrder(r.Context(), profileID(r), body.Request())
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Location", "/api/orders/"+cid)
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"correlation_id": cid})
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	o, err := s.eng.GetOrderStatus(r.Context(), r.PathValue("cid"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.CancelOrder(r.Context(), r.PathValue("cid")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	get := s.eng.Positions
	if r.URL.Query().Get("open") == "true" {
		get = s.eng.OpenPositions
	}
	positions, err := get(r.Context(), profileID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, positions)
}

func (s *Server) handleMargin(w http.ResponseWriter, r *http.Request) {
	m, err := s.eng.Margin(r.Context(), profileID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, m)
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.eng.CancelAllOpen(r.Context(), profileID(r))
	if err != nil && n == 0 {
		writeErr(w, err)
		return
	}
	resp := map[string]any{"cancelled": n}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, resp)
}

func (s *Server) handleSquareOff(w http.ResponseWriter, r *http.Request) {
	cids, err := s.eng.SquareOffAll(r.Context(), profileID(r))
	if err != nil && len(cids) == 0 {
		writeErr(w, err)
		return
	}
	resp := map[string]any{"orders": cids}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSONStatus(w, http.StatusAccepted, resp)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.eng.Account(r.Context(), profileID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, acct)
}

func (s *Server) handleOptionChain(w http.ResponseWriter, r *http.Request) {
	var body OptionChainBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Index == "" {
		writeError(w, http.StatusBadRequest, "body must name an index")
		return
	}
	day, ok := parseDay(w, body.Date)
	if !ok {
		return
	}
	chain, err := s.eng.WatchOptionChain(profileID(r), body.Index, body.Spot, day)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, chain)
}

// ---------------------------------------------------------------------------
// All profiles
// ---------------------------------------------------------------------------

func (s *Server) handleSubmitAll(w http.ResponseWriter, r *http.Request) {
	var body OrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid order body: "+err.Error())
		return
	}
	results, err := s.eng.FanOutSubmit(r.Context(), body.Request())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, results)
}

func (s *Server) handleCancelAllProfiles(w http.ResponseWriter, r *http.Request) {
	results, err := s.eng.FanOutCancelAll(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, results)
}

func (s *Server) handleSquareOffProfiles(w http.ResponseWriter, r *http.Request) {
	results, err := s.eng.FanOutSquareOff(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, results)
}

// ---------------------------------------------------------------------------
// Misc
// ---------------------------------------------------------------------------

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.eng.Jobs())
}

func (s *Server) handleInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := s.eng.Instrument(r.PathValue("key"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, inst)
}

func (s *Server) handleExpiry(w http.ResponseWriter, r *http.Request) {
	day, ok := parseDay(w, r.URL.Query().Get("date"))
	if !ok {
		return
	}
	expiry, err := s.eng.IndexExpiry(r.PathValue("index"), day)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"index": strings.ToUpper(r.PathValue("index")), "expiry": expiry.Format("2006-01-02")})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// parseDay parses a YYYY-MM-DD date, defaulting to today. On failure it
// writes a 400 response and returns false.
func parseDay(w http.ResponseWriter, d string) (time.Time, bool) {
	if d == "" {
		return time.Now(), true
	}
	t, err := time.Parse(time.DateOnly, d)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return t, true
}

func profileID(r *http.Request) domain.ProfileID {
	return domain.ProfileID(r.PathValue("id"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeErr maps err's kind onto an HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownProfile), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRiskRejected), errors.Is(err, domain.ErrBrokerRejection):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrResourceExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrTransient):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrEngineStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
