// Package quotes implements the QuoteHub: per-profile instrument
// subscriptions, batched quote polling and non-blocking fan-out of the
// latest snapshot to subscribers.
package quotes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/events"
	"tradedesk/internal/metrics"
	"tradedesk/internal/util"
)

// Sessions is the part of the SessionManager the hub depends on.
type Sessions interface {
	EnsureValid(ctx context.Context, profile domain.ProfileID) (domain.Session, error)
	InvalidateToken(profile domain.ProfileID, token string)
}

// Sink receives every accepted quote, e.g. for archiving.
type Sink interface {
	Append(profile domain.ProfileID, quotes []domain.Quote)
}

// Options tunes polling.
type Options struct {
	BatchSize  int           // instruments per quote request
	StaleAfter time.Duration // age after which a snapshot is reported stale; 0 disables
	// MarketOpen limits staleness notices to trading hours. Nil means always.
	MarketOpen func(time.Time) bool
}

// Hub is the QuoteHub.
type Hub struct {
	opts     Options
	sessions Sessions
	events   events.Publisher
	sink     Sink
	log      *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	profiles map[domain.ProfileID]*profileQuotes
}

type profileQuotes struct {
	id     domain.ProfileID
	client broker.Client
	log    *slog.Logger

	mu       sync.Mutex
	subs     map[string]*subscription
	nextID   int
	inflight map[int]bool // batch index -> poll outstanding
}

type subscription struct {
	inst          domain.Instrument
	quote         domain.Quote
	has           bool
	staleNotified bool
	handles       map[int]*Handle
}

// NewHub creates a Hub. A nil publisher discards events; sink may be nil.
func NewHub(sessions Sessions, opts Options, pub events.Publisher, sink Sink, logger *slog.Logger) *Hub {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Hub{
		opts:     opts,
		sessions: sessions,
		events:   pub,
		sink:     sink,
		log:      util.ComponentLogger(logger, "quotes"),
		now:      time.Now,
		profiles: make(map[domain.ProfileID]*profileQuotes),
	}
}

// AddProfile registers a profile and the broker client used to poll for it.
func (h *Hub) AddProfile(profile domain.ProfileID, client broker.Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.profiles[profile]; ok {
		return fmt.Errorf("quotes: profile %s already registered", profile)
	}
	h.profiles[profile] = &profileQuotes{
		id:       profile,
		client:   client,
		log:      util.ProfileLogger(h.log, profile),
		subs:     make(map[string]*subscription),
		inflight: make(map[int]bool),
	}
	return nil
}

// RemoveProfile drops a profile and closes all of its handles.
func (h *Hub) RemoveProfile(profile domain.ProfileID) {
	h.mu.Lock()
	pq, ok := h.profiles[profile]
	delete(h.profiles, profile)
	h.mu.Unlock()
	if !ok {
		return
	}

	pq.mu.Lock()
	for key, sub := range pq.subs {
		for _, hd := range sub.handles {
			hd.close()
		}
		delete(pq.subs, key)
	}
	pq.mu.Unlock()
	metrics.Subscriptions.DeleteLabelValues(string(profile))
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// Handle is one subscriber's interest in an instrument. C always holds the
// most recent undelivered snapshot; older undelivered ones are overwritten.
type Handle struct {
	id      int
	profile domain.ProfileID
	inst    domain.Instrument
	ch      chan domain.Quote
	once    sync.Once
}

// C returns the snapshot channel. It is closed on Unsubscribe.
func (hd *Handle) C() <-chan domain.Quote { return hd.ch }

// Profile returns the subscribing profile.
func (hd *Handle) Profile() domain.ProfileID { return hd.profile }

// Instrument returns the subscribed instrument.
func (hd *Handle) Instrument() domain.Instrument { return hd.inst }

// deliver replaces any undelivered snapshot with q. Only called with the
// owning profile's lock held, so there is a single writer.
func (hd *Handle) deliver(q domain.Quote) {
	select {
	case hd.ch <- q:
		return
	default:
	}
	select {
	case <-hd.ch:
	default:
	}
	select {
	case hd.ch <- q:
	default:
	}
}

func (hd *Handle) close() {
	hd.once.Do(func() { close(hd.ch) })
}

// Subscribe registers interest in inst for profile. The first handle for an
// instrument creates its subscription; a known snapshot is delivered at once.
func (h *Hub) Subscribe(profile domain.ProfileID, inst domain.Instrument) (*Handle, error) {
	pq, err := h.get(profile)
	if err != nil {
		return nil, err
	}
	key := inst.Key()

	pq.mu.Lock()
	defer pq.mu.Unlock()
	sub, ok := pq.subs[key]
	if !ok {
		sub = &subscription{inst: inst, handles: make(map[int]*Handle)}
		pq.subs[key] = sub
		metrics.Subscriptions.WithLabelValues(string(profile)).Set(float64(len(pq.subs)))
		pq.log.Info("subscription created", "event", "subscribe", "instrument", key)
		h.events.Publish(events.Event{Kind: events.KindSubscription, Profile: profile, Key: key, Message: "subscribed"})
	}

	pq.nextID++
	hd := &Handle{id: pq.nextID, profile: profile, inst: inst, ch: make(chan domain.Quote, 1)}
	sub.handles[hd.id] = hd
	if sub.has {
		hd.deliver(sub.quote)
	}
	return hd, nil
}

// Unsubscribe releases a handle. The subscription is removed with its last
// handle. Unsubscribing twice is a no-op.
func (h *Hub) Unsubscribe(hd *Handle) {
	if hd == nil {
		return
	}
	pq, err := h.get(hd.profile)
	if err != nil {
		hd.close()
		return
	}
	key := hd.inst.Key()

	pq.mu.Lock()
	defer pq.mu.Unlock()
	hd.close()
	sub, ok := pq.subs[key]
	if !ok {
		return
	}
	if _, ok := sub.handles[hd.id]; !ok {
		return
	}
	delete(sub.handles, hd.id)
	if len(sub.handles) > 0 {
		return
	}
	delete(pq.subs, key)
	metrics.Subscriptions.WithLabelValues(string(hd.profile)).Set(float64(len(pq.subs)))
	pq.log.Info("subscription removed", "event", "unsubscribe", "instrument", key)
	h.events.Publish(events.Event{Kind: events.KindSubscription, Profile: hd.profile, Key: key, Message: "unsubscribed"})
}

// CurrentQuote returns the latest snapshot for key, if any.
func (h *Hub) CurrentQuote(profile domain.ProfileID, key string) (domain.Quote, bool) {
	pq, err := h.get(profile)
	if err != nil {
		return domain.Quote{}, false
	}
	pq.mu.Lock()
	defer pq.mu.Unlock()
	sub, ok := pq.subs[key]
	if !ok || !sub.has {
		return domain.Quote{}, false
	}
	return sub.quote, true
}

// Quotes returns every known snapshot for profile, sorted by key.
func (h *Hub) Quotes(profile domain.ProfileID) ([]domain.Quote, error) {
	pq, err := h.get(profile)
	if err != nil {
		return nil, err
	}
	pq.mu.Lock()
	out := make([]domain.Quote, 0, len(pq.subs))
	for _, sub := range pq.subs {
		if sub.has {
			out = append(out, sub.quote)
		}
	}
	pq.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Subscriptions returns the subscribed instruments for profile, sorted by key.
func (h *Hub) Subscriptions(profile domain.ProfileID) ([]domain.Instrument, error) {
	pq, err := h.get(profile)
	if err != nil {
		return nil, err
	}
	return pq.instruments(), nil
}

// ---------------------------------------------------------------------------
// Polling
// ---------------------------------------------------------------------------

// Poll runs one poll cycle for profile: every live subscription is fetched in
// batches of Options.BatchSize, batches in parallel. A batch whose previous
// poll is still outstanding is skipped this cycle.
func (h *Hub) Poll(ctx context.Context, profile domain.ProfileID) error {
	pq, err := h.get(profile)
	if err != nil {
		return err
	}
	instruments := pq.instruments()
	if len(instruments) == 0 {
		return nil
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for i, batch := range chunk(instruments, h.opts.BatchSize) {
		if !pq.acquire(i) {
			pq.log.Debug("batch poll still outstanding, skipping", "event", "poll_skipped", "batch", i)
			continue
		}
		g.Go(func() error {
			defer pq.release(i)
			if err := h.pollBatch(ctx, pq, batch); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	h.checkStale(pq)
	return errors.Join(errs...)
}

// pollBatch fetches one batch. An auth rejection invalidates the session,
// re-authenticates and retries the batch once; any remaining failure is
// reported as a transient notice and the previous snapshots stay in place.
func (h *Hub) pollBatch(ctx context.Context, pq *profileQuotes, batch []domain.Instrument) error {
	sess, err := h.sessions.EnsureValid(ctx, pq.id)
	if err != nil {
		metrics.QuotePolls.WithLabelValues(string(pq.id), "error").Inc()
		return fmt.Errorf("quotes: %s: %w", pq.id, err)
	}

	quotes, err := pq.client.Quotes(ctx, sess.Token, batch)
	if domain.IsAuth(err) {
		pq.log.Info("quote poll rejected by broker, re-authenticating", "event", "poll_auth", "error", err)
		h.sessions.InvalidateToken(pq.id, sess.Token)
		sess, err = h.sessions.EnsureValid(ctx, pq.id)
		if err == nil {
			quotes, err = pq.client.Quotes(ctx, sess.Token, batch)
		}
	}
	if err != nil {
		metrics.QuotePolls.WithLabelValues(string(pq.id), "error").Inc()
		pq.log.Warn("quote poll failed", "event", "poll_failed", "batch_size", len(batch), "error", err)
		h.events.Publish(events.Event{Kind: events.KindTransient, Profile: pq.id, Message: "quote poll failed: " + err.Error()})
		return fmt.Errorf("quotes: %s: %w", pq.id, err)
	}

	metrics.QuotePolls.WithLabelValues(string(pq.id), "ok").Inc()
	h.apply(pq, quotes)
	return nil
}

// Apply merges quotes into profile's snapshots as if they had been polled.
// Used by streaming sources and tests.
func (h *Hub) Apply(profile domain.ProfileID, quotes []domain.Quote) error {
	pq, err := h.get(profile)
	if err != nil {
		return err
	}
	h.apply(pq, quotes)
	return nil
}

// apply keeps, per instrument, only snapshots strictly newer than the current
// one. Older or duplicate responses are discarded.
func (h *Hub) apply(pq *profileQuotes, quotes []domain.Quote) {
	accepted := make([]domain.Quote, 0, len(quotes))
	discarded := 0

	pq.mu.Lock()
	for _, q := range quotes {
		sub, ok := pq.subs[q.Key]
		if !ok {
			continue
		}
		if sub.has && !q.Timestamp.After(sub.quote.Timestamp) {
			discarded++
			continue
		}
		sub.quote = q
		sub.has = true
		sub.staleNotified = false
		for _, hd := range sub.handles {
			hd.deliver(q)
		}
		qc := q
		h.events.Publish(events.Event{Kind: events.KindQuote, Profile: pq.id, Key: q.Key, Quote: &qc})
		accepted = append(accepted, q)
	}
	pq.mu.Unlock()

	if discarded > 0 {
		metrics.QuotesStale.WithLabelValues(string(pq.id)).Add(float64(discarded))
		pq.log.Debug("discarded out-of-order quotes", "event", "quote_discarded", "count", discarded)
	}
	if len(accepted) > 0 {
		metrics.QuotesApplied.WithLabelValues(string(pq.id)).Add(float64(len(accepted)))
		if h.sink != nil {
			h.sink.Append(pq.id, accepted)
		}
	}
}

// checkStale emits one notice per snapshot that has aged past StaleAfter.
func (h *Hub) checkStale(pq *profileQuotes) {
	if h.opts.StaleAfter <= 0 {
		return
	}
	now := h.now()
	if h.opts.MarketOpen != nil && !h.opts.MarketOpen(now) {
		return
	}

	pq.mu.Lock()
	defer pq.mu.Unlock()
	for key, sub := range pq.subs {
		if !sub.has || sub.staleNotified || now.Sub(sub.quote.Timestamp) <= h.opts.StaleAfter {
			continue
		}
		sub.staleNotified = true
		pq.log.Warn("quote stale", "event", "quote_stale", "instrument", key, "age", now.Sub(sub.quote.Timestamp))
		qc := sub.quote
		h.events.Publish(events.Event{Kind: events.KindQuoteStale, Profile: pq.id, Key: key, Quote: &qc,
			Message: fmt.Sprintf("no update for %s", now.Sub(sub.quote.Timestamp).Truncate(time.Second))})
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (h *Hub) get(profile domain.ProfileID) (*profileQuotes, error) {
	h.mu.RLock()
	pq, ok := h.profiles[profile]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("quotes: %w: %s", domain.ErrUnknownProfile, profile)
	}
	return pq, nil
}

func (pq *profileQuotes) instruments() []domain.Instrument {
	pq.mu.Lock()
	out := make([]domain.Instrument, 0, len(pq.subs))
	for _, sub := range pq.subs {
		out = append(out, sub.inst)
	}
	pq.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (pq *profileQuotes) acquire(batch int) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.inflight[batch] {
		return false
	}
	pq.inflight[batch] = true
	return true
}

func (pq *profileQuotes) release(batch int) {
	pq.mu.Lock()
	delete(pq.inflight, batch)
	pq.mu.Unlock()
}

func chunk(list []domain.Instrument, size int) [][]domain.Instrument {
	var out [][]domain.Instrument
	for size < len(list) {
		list, out = list[size:], append(out, list[:size:size])
	}
	return append(out, list)
}
