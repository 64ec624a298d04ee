// Package engine is the composition root of tradedesk. It wires the
// SessionManager, QuoteHub, OrderTracker and BackgroundScheduler for every
// configured profile and exposes the operations the display, API and CLI
// use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/broker"
	"tradedesk/internal/config"
	"tradedesk/internal/domain"
	"tradedesk/internal/events"
	"tradedesk/internal/instrument"
	"tradedesk/internal/orders"
	"tradedesk/internal/quotes"
	"tradedesk/internal/scheduler"
	"tradedesk/internal/secrets"
	"tradedesk/internal/session"
	"tradedesk/internal/store"
	"tradedesk/internal/util"
)

// Job names registered per profile and globally.
const (
	JobKeepAlive         = "session-keepalive"
	JobQuotePoll         = "quote-poll"
	JobReconcile         = "order-reconcile"
	JobAccountRefresh    = "account-refresh"
	JobEvict             = "order-evict"
	JobInstrumentRefresh = "instrument-refresh"
	JobArchiveFlush      = "quote-archive-flush"
)

// ClientFactory builds the broker client for a profile.
type ClientFactory func(p config.Profile) (broker.Client, error)

// DefaultClientFactory builds clients with broker.New.
func DefaultClientFactory(p config.Profile) (broker.Client, error) {
	return broker.New(broker.Options{
		Kind:      p.Broker,
		BaseURL:   p.BaseURL,
		DataURL:   p.DataURL,
		RateLimit: p.RateLimit,
	})
}

// Deps are the collaborators the engine does not own. Only Secrets is
// required.
type Deps struct {
	Secrets     secrets.Loader
	Instruments *instrument.Master
	Journal     store.OrderJournal
	Archive     store.QuoteArchive
	Clients     ClientFactory
	Bus         *events.Bus
	Logger      *slog.Logger
}

// Engine is the façade over all per-profile components.
type Engine struct {
	cfg         *config.Config
	log         *slog.Logger
	bus         *events.Bus
	instruments *instrument.Master
	archive     store.QuoteArchive
	clients     ClientFactory
	calendar    *util.TradingCalendar
	expiries    *instrument.ExpiryCalculator

	sessions *session.Manager
	hub      *quotes.Hub
	tracker  *orders.Tracker
	sched    *scheduler.Scheduler
	risk     *RiskManager

	mu       sync.RWMutex
	profiles map[domain.ProfileID]*profileEntry
	started  bool
	stopped  bool
}

type profileEntry struct {
	cfg     config.Profile
	client  broker.Client
	watched map[string]*quotes.Handle // engine-owned subscriptions by instrument key
}

// ProfileStatus summarises one profile for displays.
type ProfileStatus struct {
	ID            domain.ProfileID `json:"id"`
	Broker        string           `json:"broker"`
	Session       string           `json:"session"`
	NeedsLogin    bool             `json:"needs_login"`
	ExpiresAt     time.Time        `json:"expires_at,omitzero"`
	Subscriptions int              `json:"subscriptions"`
	Orders        int              `json:"orders"`
}

// New builds an engine from cfg. Profiles listed in cfg are not added until
// AddProfile or Start.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: nil config")
	}
	if deps.Secrets == nil {
		return nil, errors.New("engine: a secrets loader is required")
	}
	if deps.Logger == nil {
		deps.Logger = util.DiscardLogger()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Clients == nil {
		deps.Clients = DefaultClientFactory
	}

	e := &Engine{
		cfg:         cfg,
		log:         util.ComponentLogger(deps.Logger, "engine"),
		bus:         deps.Bus,
		instruments: deps.Instruments,
		archive:     deps.Archive,
		clients:     deps.Clients,
		calendar:    util.NewTradingCalendar(cfg.Instruments.Holidays),
		expiries:    instrument.NewExpiryCalculator(cfg.Instruments.Holidays),
		risk:        NewRiskManager(cfg.Risk.CheckMargin, cfg.Risk.BufferMargin),
		profiles:    make(map[domain.ProfileID]*profileEntry),
	}

	e.sessions = session.NewManager(deps.Secrets, session.Options{
		Validity:      cfg.Session.Validity,
		RefreshMargin: cfg.Session.RefreshMargin,
		Retry: util.RetryPolicy{
			MaxAttempts: cfg.Session.LoginAttempts,
			BaseDelay:   cfg.Session.LoginRetryDelay,
			MaxDelay:    8 * cfg.Session.LoginRetryDelay,
			Jitter:      0.2,
		},
	}, e.bus, deps.Logger)

	var sink quotes.Sink
	if deps.Archive != nil {
		sink = deps.Archive
	}
	e.hub = quotes.NewHub(e.sessions, quotes.Options{
		BatchSize:  cfg.Quotes.BatchSize,
		StaleAfter: cfg.Quotes.StaleAfter,
		MarketOpen: e.calendar.IsMarketOpen,
	}, e.bus, sink, deps.Logger)

	var journal orders.Journal
	if deps.Journal != nil {
		journal = deps.Journal
	}
	e.tracker = orders.NewTracker(e.sessions, orders.Options{
		Retry: util.RetryPolicy{
			MaxAttempts: cfg.Orders.MaxAttempts,
			BaseDelay:   cfg.Orders.RetryBaseDelay,
			MaxDelay:    cfg.Orders.RetryMaxDelay,
			Jitter:      cfg.Orders.RetryJitter,
		},
		Retention: cfg.Orders.Retention,
		Resolve:   e.resolve,
	}, e.bus, journal, deps.Logger)

	e.sched = scheduler.New(scheduler.Options{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		JobTimeout:    cfg.Scheduler.JobTimeout,
		Grace:         cfg.Scheduler.Grace,
	}, deps.Logger)

	if err := e.registerGlobalJobs(); err != nil {
		return nil, err
	}
	return e, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start adds every profile from the configuration and starts background
// jobs. A profile that fails to initialise is logged and skipped; the
// others keep running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return domain.ErrEngineStopped
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	var errs []error
	for _, p := range e.cfg.Profiles {
		if err := e.AddProfile(ctx, p); err != nil {
			e.log.Error("profile start failed", "event", "profile_start_failed", "profile", p.ID, "error", err)
			errs = append(errs, err)
		}
	}
	if err := e.sched.Start(); err != nil {
		return err
	}
	e.log.Info("engine started", "event", "engine_start", "profiles", len(e.cfg.Profiles), "failed", len(errs))
	if len(errs) == len(e.cfg.Profiles) && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Shutdown stops background jobs, waits for in-flight order submissions,
// flushes the quote archive and logs every profile out. It is safe to call
// more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	ids := make([]domain.ProfileID, 0, len(e.profiles))
	for id := range e.profiles {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var errs []error
	if err := e.sched.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping scheduler: %w", err))
	}
	if err := e.tracker.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("draining orders: %w", err))
	}
	if e.archive != nil {
		if err := e.archive.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing quote archive: %w", err))
		}
	}
	for _, id := range ids {
		if err := e.sessions.Logout(ctx, id); err != nil {
			e.log.Warn("logout failed", "event", "logout_failed", "profile", string(id), "error", err)
		}
	}
	e.bus.Close()
	e.log.Info("engine stopped", "event", "engine_stop", "error", errors.Join(errs...))
	return errors.Join(errs...)
}

// AddProfile registers a profile with every component, subscribes its
// configured instruments and schedules its jobs.
func (e *Engine) AddProfile(_ context.Context, p config.Profile) error {
	id := domain.ProfileID(p.ID)
	if id == "" {
		return errors.New("engine: profile id is required")
	}
	if p.CredentialRef == "" {
		p.CredentialRef = p.ID
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return domain.ErrEngineStopped
	}
	if _, ok := e.profiles[id]; ok {
		return fmt.Errorf("engine: profile %s already added", id)
	}

	client, err := e.clients(p)
	if err != nil {
		return fmt.Errorf("engine: profile %s: %w", id, err)
	}
	if err := e.sessions.Register(id, p.CredentialRef, client); err != nil {
		return err
	}
	if err := e.hub.AddProfile(id, client); err != nil {
		e.sessions.Remove(id)
		return err
	}
	if err := e.tracker.AddProfile(id, client); err != nil {
		e.hub.RemoveProfile(id)
		e.sessions.Remove(id)
		return err
	}

	entry := &profileEntry{cfg: p, client: client, watched: make(map[string]*quotes.Handle)}
	e.profiles[id] = entry
	for _, key := range p.Subscriptions {
		if err := e.watchLocked(entry, id, key); err != nil {
			e.log.Warn("initial subscription failed", "event", "subscribe_failed",
				"profile", p.ID, "key", key, "error", err)
		}
	}

	for _, job := range e.profileJobs(id) {
		if err := e.sched.Register(job); err != nil {
			e.removeLocked(id)
			e.sessions.Remove(id)
			return err
		}
	}
	e.log.Info("profile added", "event", "profile_add", "profile", p.ID, "broker", client.Name(),
		"subscriptions", len(entry.watched))
	return nil
}

// RemoveProfile stops a profile's jobs and forgets its state. Orders still
// being submitted finish in the background.
func (e *Engine) RemoveProfile(ctx context.Context, id domain.ProfileID) error {
	e.mu.Lock()
	if _, ok := e.profiles[id]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownProfile, id)
	}
	e.removeLocked(id)
	e.mu.Unlock()

	if err := e.sessions.Logout(ctx, id); err != nil && !errors.Is(err, domain.ErrUnknownProfile) {
		e.log.Warn("logout failed", "event", "logout_failed", "profile", string(id), "error", err)
	}
	e.sessions.Remove(id)
	e.log.Info("profile removed", "event", "profile_remove", "profile", string(id))
	return nil
}

func (e *Engine) removeLocked(id domain.ProfileID) {
	e.sched.Remove(id)
	e.hub.RemoveProfile(id)
	e.tracker.RemoveProfile(id)
	delete(e.profiles, id)
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func (e *Engine) profileJobs(id domain.ProfileID) []scheduler.Job {
	jitter := e.cfg.Scheduler.Jitter
	jobs := []scheduler.Job{
		{
			Name:      JobKeepAlive,
			Profile:   id,
			Interval:  e.cfg.Session.KeepAlive,
			Jitter:    jitter,
			Immediate: true,
			Run:       func(ctx context.Context) error { return e.sessions.KeepAlive(ctx, id) },
		},
		{
			Name:     JobQuotePoll,
			Profile:  id,
			Interval: e.cfg.Quotes.PollInterval,
			Jitter:   jitter,
			Run:      func(ctx context.Context) error { return e.hub.Poll(ctx, id) },
		},
		{
			Name:     JobReconcile,
			Profile:  id,
			Interval: e.cfg.Orders.ReconcileInterval,
			Jitter:   jitter,
			Run:      func(ctx context.Context) error { return e.tracker.Reconcile(ctx, id) },
		},
	}
	if e.cfg.Orders.AccountRefresh > 0 {
		jobs = append(jobs, scheduler.Job{
			Name:     JobAccountRefresh,
			Profile:  id,
			Interval: e.cfg.Orders.AccountRefresh,
			Jitter:   jitter,
			Run: func(ctx context.Context) error {
				_, err := e.tracker.RefreshAccount(ctx, id)
				return err
			},
		})
	}
	return jobs
}

func (e *Engine) registerGlobalJobs() error {
	jobs := []scheduler.Job{{
		Name:     JobEvict,
		Interval: max(e.cfg.Orders.Retention/10, time.Minute),
		Run: func(context.Context) error {
			e.tracker.Evict(time.Now())
			return nil
		},
	}}
	if e.instruments != nil && e.cfg.Instruments.RefreshInterval > 0 {
		jobs = append(jobs, scheduler.Job{
			Name:     JobInstrumentRefresh,
			Interval: e.cfg.Instruments.RefreshInterval,
			Run:      e.instruments.Refresh,
		})
	}
	if e.archive != nil {
		jobs = append(jobs, scheduler.Job{
			Name:     JobArchiveFlush,
			Interval: time.Minute,
			Run:      e.archive.Flush,
		})
	}
	for _, j := range jobs {
		if err := e.sched.Register(j); err != nil {
			return err
		}
	}
	return nil
}

// Jobs reports the status of every background job.
func (e *Engine) Jobs() []scheduler.JobStatus {
	jobs := e.sched.Jobs()
	slices.SortFunc(jobs, func(a, b scheduler.JobStatus) int { return strings.Compare(a.Key, b.Key) })
	return jobs
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// Profiles returns the status of every profile, sorted by id.
func (e *Engine) Profiles() []ProfileStatus {
	e.mu.RLock()
	entries := make(map[domain.ProfileID]*profileEntry, len(e.profiles))
	for id, p := range e.profiles {
		entries[id] = p
	}
	e.mu.RUnlock()

	out := make([]ProfileStatus, 0, len(entries))
	for id, entry := range entries {
		st := ProfileStatus{ID: id, Broker: entry.client.Name()}
		if sess, err := e.sessions.Snapshot(id); err == nil {
			st.Session = sess.State.String()
			st.ExpiresAt = sess.ExpiresAt
		}
		st.NeedsLogin = e.sessions.NeedsLogin(id)
		if subs, err := e.hub.Subscriptions(id); err == nil {
			st.Subscriptions = len(subs)
		}
		if list, err := e.tracker.Orders(id); err == nil {
			st.Orders = len(list)
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b ProfileStatus) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

// SessionState returns the session state of a profile.
func (e *Engine) SessionState(id domain.ProfileID) (domain.SessionState, error) {
	return e.sessions.State(id)
}

// Login clears a sticky authentication failure and logs the profile in
// again. It is the operator's re-login action.
func (e *Engine) Login(ctx context.Context, id domain.ProfileID) (domain.Session, error) {
	if err := e.checkRunning(); err != nil {
		return domain.Session{}, err
	}
	return e.sessions.Login(ctx, id)
}

// Logout ends a profile's broker session.
func (e *Engine) Logout(ctx context.Context, id domain.ProfileID) error {
	return e.sessions.Logout(ctx, id)
}

// ---------------------------------------------------------------------------
// Quotes
// ---------------------------------------------------------------------------

// Subscribe returns a handle receiving quotes for key on profile. The caller
// must Unsubscribe it.
func (e *Engine) Subscribe(id domain.ProfileID, key string) (*quotes.Handle, error) {
	if err := e.checkRunning(); err != nil {
		return nil, err
	}
	inst, err := e.lookup(key)
	if err != nil {
		return nil, err
	}
	return e.hub.Subscribe(id, inst)
}

// Unsubscribe releases a handle returned by Subscribe.
func (e *Engine) Unsubscribe(h *quotes.Handle) {
	e.hub.Unsubscribe(h)
}

// Watch keeps key polled for profile until Unwatch, without a consumer
// handle. Watching a key twice is a no-op.
func (e *Engine) Watch(id domain.ProfileID, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return domain.ErrEngineStopped
	}
	entry, ok := e.profiles[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownProfile, id)
	}
	return e.watchLocked(entry, id, key)
}

func (e *Engine) watchLocked(entry *profileEntry, id domain.ProfileID, key string) error {
	inst, err := e.lookup(key)
	if err != nil {
		return err
	}
	if _, ok := entry.watched[inst.Key()]; ok {
		return nil
	}
	h, err := e.hub.Subscribe(id, inst)
	if err != nil {
		return err
	}
	entry.watched[inst.Key()] = h
	return nil
}

// Unwatch drops a subscription made with Watch.
func (e *Engine) Unwatch(id domain.ProfileID, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.profiles[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownProfile, id)
	}
	k := normalizeKey(key)
	h, ok := entry.watched[k]
	if !ok {
		return fmt.Errorf("%w: subscription %s", domain.ErrNotFound, k)
	}
	delete(entry.watched, k)
	e.hub.Unsubscribe(h)
	return nil
}

// GetQuotes returns the latest quote of every instrument profile is
// subscribed to.
func (e *Engine) GetQuotes(id domain.ProfileID) ([]domain.Quote, error) {
	return e.hub.Quotes(id)
}

// Subscriptions returns the instruments polled for profile.
func (e *Engine) Subscriptions(id domain.ProfileID) ([]domain.Instrument, error) {
	return e.hub.Subscriptions(id)
}

// Events subscribes to engine notifications, optionally filtered to the
// given profiles.
func (e *Engine) Events(profiles ...domain.ProfileID) *events.Subscription {
	return e.bus.Subscribe(events.DefaultBuffer, profiles...)
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// SubmitOrder runs pre-trade checks and hands the order to the tracker. It
// returns the correlation id as soon as the order is recorded; submission
// continues in the background.
func (e *Engine) SubmitOrder(ctx context.Context, id domain.ProfileID, req domain.OrderRequest) (string, error) {
	if err := e.checkRunning(); err != nil {
		return "", err
	}
	req.Instrument = e.resolve(req.Instrument)
	if err := req.Validate(); err != nil {
		return "", err
	}

	var ref decimal.Decimal
	if q, ok := e.hub.CurrentQuote(id, req.Instrument.Key()); ok && q.Last > 0 {
		ref = decimal.NewFromFloat(q.Last)
	}
	margin := func(ctx context.Context) (domain.Margin, error) { return e.tracker.Margin(ctx, id) }
	if err := e.risk.CheckOrder(ctx, req, ref, margin); err != nil {
		e.log.Warn("order rejected by risk check", "event", "risk_reject", "profile", string(id),
			"key", req.Instrument.Key(), "qty", req.Quantity, "error", err)
		return "", err
	}
	return e.tracker.Submit(ctx, id, req)
}

// CancelOrder cancels an order by correlation id.
func (e *Engine) CancelOrder(ctx context.Context, cid string) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	return e.tracker.Cancel(ctx, cid)
}

// GetOrderStatus returns the current snapshot of an order.
func (e *Engine) GetOrderStatus(ctx context.Context, cid string) (domain.Order, error) {
	return e.tracker.Status(ctx, cid)
}

// Orders returns every tracked order of profile.
func (e *Engine) Orders(id domain.ProfileID) ([]domain.Order, error) {
	return e.tracker.Orders(id)
}

// Positions returns the broker-reported positions of profile.
func (e *Engine) Positions(ctx context.Context, id domain.ProfileID) ([]domain.Position, error) {
	return e.tracker.Positions(ctx, id)
}

// OpenPositions returns only positions still carrying exposure.
func (e *Engine) OpenPositions(ctx context.Context, id domain.ProfileID) ([]domain.Position, error) {
	all, err := e.tracker.Positions(ctx, id)
	if err != nil {
		return nil, err
	}
	open := all[:0]
	for _, p := range all {
		if p.IsOpen() {
			open = append(open, p)
		}
	}
	return open, nil
}

// Margin returns the broker-reported margin of profile with the configured
// buffer already deducted from Available.
func (e *Engine) Margin(ctx context.Context, id domain.ProfileID) (domain.Margin, error) {
	m, err := e.tracker.Margin(ctx, id)
	if err != nil {
		return domain.Margin{}, err
	}
	m.Available = AvailableMargin(m, e.risk.buffer)
	return m, nil
}

// Account returns the profile's positions and margin as of the last
// account refresh, fetching them first if no refresh has completed yet.
// Available margin is net of the configured buffer.
func (e *Engine) Account(ctx context.Context, id domain.ProfileID) (domain.Account, error) {
	acct, ok, err := e.tracker.Account(id)
	if err != nil {
		return domain.Account{}, err
	}
	if !ok {
		if acct, err = e.tracker.RefreshAccount(ctx, id); err != nil {
			return domain.Account{}, err
		}
	}
	acct.Margin.Available = AvailableMargin(acct.Margin, e.risk.buffer)
	return acct, nil
}

// CancelAllOpen cancels every open order of profile.
func (e *Engine) CancelAllOpen(ctx context.Context, id domain.ProfileID) (int, error) {
	if err := e.checkRunning(); err != nil {
		return 0, err
	}
	return e.tracker.CancelAllOpen(ctx, id)
}

// SquareOffAll closes every open position of profile with market orders.
func (e *Engine) SquareOffAll(ctx context.Context, id domain.ProfileID) ([]string, error) {
	if err := e.checkRunning(); err != nil {
		return nil, err
	}
	return e.tracker.SquareOffAll(ctx, id)
}

// ---------------------------------------------------------------------------
// Instruments
// ---------------------------------------------------------------------------

// Instrument resolves an EXCH:SYMBOL key.
func (e *Engine) Instrument(key string) (domain.Instrument, error) {
	return e.lookup(key)
}

// IndexExpiry returns the current derivative expiry of an index such as
// NIFTY or BANKNIFTY as of today.
func (e *Engine) IndexExpiry(index string, today time.Time) (time.Time, error) {
	spec, ok := instrument.Indices[strings.ToUpper(index)]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: index %s", domain.ErrNotFound, index)
	}
	return e.expiries.CurrentExpiry(spec, today), nil
}

// OptionChain describes the ladder watched by WatchOptionChain.
type OptionChain struct {
	Index   string    `json:"index"`
	Expiry  time.Time `json:"expiry"`
	Spot    float64   `json:"spot"`
	Strikes []int64   `json:"strikes"`
	Watched []string  `json:"watched"`
	Missing []string  `json:"missing,omitempty"` // contracts absent from the instrument master
}

// WatchOptionChain watches the calls and puts of index for the strike
// ladder around spot at the index's current expiry. A non-positive spot is
// taken from the latest quote of the index itself, which must then be
// watched by the profile. Contracts the instrument master does not list are
// reported as missing rather than failing the call.
func (e *Engine) WatchOptionChain(id domain.ProfileID, index string, spot float64, today time.Time) (OptionChain, error) {
	spec, ok := instrument.Indices[strings.ToUpper(index)]
	if !ok {
		return OptionChain{}, fmt.Errorf("%w: index %s", domain.ErrNotFound, index)
	}
	if spot <= 0 {
		q, ok := e.hub.CurrentQuote(id, domain.InstrumentKey(spec.Exchange, spec.Symbol))
		if !ok || q.Last <= 0 {
			return OptionChain{}, fmt.Errorf("%w: no spot price for %s", domain.ErrNotFound, spec.Symbol)
		}
		spot = q.Last
	}

	chain := OptionChain{
		Index:   spec.Symbol,
		Expiry:  e.expiries.CurrentExpiry(spec, today),
		Spot:    spot,
		Strikes: instrument.StrikeLadder(spec, spot),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return OptionChain{}, domain.ErrEngineStopped
	}
	entry, ok := e.profiles[id]
	if !ok {
		return OptionChain{}, fmt.Errorf("%w: %s", domain.ErrUnknownProfile, id)
	}
	for _, key := range instrument.OptionChain(spec, spot, chain.Expiry) {
		err := e.watchLocked(entry, id, key)
		switch {
		case err == nil:
			chain.Watched = append(chain.Watched, key)
		case errors.Is(err, domain.ErrNotFound):
			chain.Missing = append(chain.Missing, key)
		default:
			return chain, err
		}
	}
	e.log.Info("option chain watched", "event", "option_chain", "profile", string(id), "index", spec.Symbol,
		"expiry", chain.Expiry.Format(time.DateOnly), "watched", len(chain.Watched), "missing", len(chain.Missing))
	return chain, nil
}

// lookup resolves key through the instrument master. Without a master, any
// well-formed key is accepted as a bare instrument.
func (e *Engine) lookup(key string) (domain.Instrument, error) {
	exch, sym, ok := strings.Cut(key, ":")
	if !ok || exch == "" || sym == "" {
		return domain.Instrument{}, fmt.Errorf("%w: malformed instrument key %q", domain.ErrNotFound, key)
	}
	if e.instruments == nil {
		return domain.Instrument{Exchange: strings.ToUpper(exch), Symbol: strings.ToUpper(sym), LotSize: 1}, nil
	}
	inst, err := e.instruments.Lookup(key)
	if err != nil {
		return domain.Instrument{}, fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	}
	return inst, nil
}

// resolve fills static metadata of inst from the instrument master when it
// is known there.
func (e *Engine) resolve(inst domain.Instrument) domain.Instrument {
	if e.instruments == nil || inst.Symbol == "" {
		return inst
	}
	if inst.Token != 0 {
		if full, ok := e.instruments.Registry().ByToken(inst.Token); ok {
			return full
		}
	}
	if full, err := e.instruments.Lookup(inst.Key()); err == nil {
		return full
	}
	return inst
}

func (e *Engine) checkRunning() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return domain.ErrEngineStopped
	}
	return nil
}

func normalizeKey(key string) string {
	exch, sym, _ := strings.Cut(key, ":")
	return domain.InstrumentKey(exch, sym)
}
