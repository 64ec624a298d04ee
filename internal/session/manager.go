// Package session owns one authenticated broker session per profile.
//
// Concurrent callers that find a profile's session unusable coalesce into a
// single login attempt. A login rejected by the broker is sticky: the profile
// stays Invalid until an operator resets it, so a bad credential never turns
// into a silent retry loop.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/events"
	"tradedesk/internal/metrics"
	"tradedesk/internal/secrets"
	"tradedesk/internal/util"
)

// Options tunes session lifetimes and login retries.
type Options struct {
	// Validity is the session lifetime assumed when the broker does not
	// report an expiry.
	Validity time.Duration
	// RefreshMargin is how long before expiry a Valid session turns Expiring.
	RefreshMargin time.Duration
	// LoginTimeout bounds one coalesced login, retries included.
	LoginTimeout time.Duration
	// Retry governs retries of transient login failures.
	Retry util.RetryPolicy
}

func (o Options) withDefaults() Options {
	if o.Validity <= 0 {
		o.Validity = 8 * time.Hour
	}
	if o.RefreshMargin <= 0 {
		o.RefreshMargin = 5 * time.Minute
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = 30 * time.Second
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = util.RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second, Jitter: 0.2}
	}
	return o
}

// Manager is the SessionManager for all profiles.
type Manager struct {
	secrets secrets.Loader
	opts    Options
	events  events.Publisher
	log     *slog.Logger
	now     func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	profiles map[domain.ProfileID]*profileSession
}

type profileSession struct {
	id      domain.ProfileID
	credRef string
	client  broker.Client
	log     *slog.Logger

	mu      sync.Mutex
	sess    domain.Session
	authErr error // sticky login rejection
	timer   *time.Timer
	gen     uint64 // bumped on every session change; stale timers compare against it
}

// NewManager creates a Manager. A nil publisher discards events.
func NewManager(loader secrets.Loader, opts Options, pub events.Publisher, logger *slog.Logger) *Manager {
	if pub == nil {
		pub = events.Discard
	}
	return &Manager{
		secrets:  loader,
		opts:     opts.withDefaults(),
		events:   pub,
		log:      util.ComponentLogger(logger, "session"),
		now:      time.Now,
		profiles: make(map[domain.ProfileID]*profileSession),
	}
}

// Register adds a profile in state Unauthenticated. credRef is resolved by the
// secrets loader at login time.
func (m *Manager) Register(profile domain.ProfileID, credRef string, client broker.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[profile]; ok {
		return fmt.Errorf("session: profile %s already registered", profile)
	}
	m.profiles[profile] = &profileSession{
		id:      profile,
		credRef: credRef,
		client:  client,
		log:     util.ProfileLogger(m.log, profile),
		sess:    domain.Session{Profile: profile, State: domain.SessionUnauthenticated},
	}
	m.setStateGauge(profile, domain.SessionUnauthenticated)
	return nil
}

// Remove forgets a profile and stops its expiry timer.
func (m *Manager) Remove(profile domain.ProfileID) {
	m.mu.Lock()
	ps, ok := m.profiles[profile]
	delete(m.profiles, profile)
	m.mu.Unlock()
	if !ok {
		return
	}
	ps.mu.Lock()
	ps.stopTimerLocked()
	ps.gen++
	ps.mu.Unlock()
	metrics.SessionState.DeletePartialMatch(map[string]string{"profile": string(profile)})
}

// Client returns the broker client bound to profile.
func (m *Manager) Client(profile domain.ProfileID) (broker.Client, error) {
	ps, err := m.get(profile)
	if err != nil {
		return nil, err
	}
	return ps.client, nil
}

// EnsureValid returns a usable session for profile, logging in first if the
// current session is missing, invalid, or past expiry. Concurrent callers
// share one login. A sticky login rejection is returned without contacting
// the broker.
func (m *Manager) EnsureValid(ctx context.Context, profile domain.ProfileID) (domain.Session, error) {
	ps, err := m.get(profile)
	if err != nil {
		return domain.Session{}, err
	}
	if s, ok := ps.usable(m.now()); ok {
		return s, nil
	}
	if err := ps.stickyErr(); err != nil {
		return domain.Session{}, err
	}
	return m.coalescedLogin(ctx, ps, false)
}

// Invalidate marks the profile's session Invalid unconditionally. The next
// EnsureValid logs in again.
func (m *Manager) Invalidate(profile domain.ProfileID) {
	m.InvalidateToken(profile, "")
}

// InvalidateToken marks the session Invalid only if it still carries token.
// Callers that saw token rejected use it so that a session refreshed in the
// meantime by another caller is left alone. An empty token always matches.
func (m *Manager) InvalidateToken(profile domain.ProfileID, token string) {
	ps, err := m.get(profile)
	if err != nil {
		return
	}
	ps.mu.Lock()
	if token != "" && ps.sess.Token != token {
		ps.mu.Unlock()
		return
	}
	if ps.sess.State == domain.SessionInvalid && ps.sess.Token == "" {
		ps.mu.Unlock()
		return
	}
	ps.stopTimerLocked()
	ps.gen++
	ps.sess.Token = ""
	ps.sess.State = domain.SessionInvalid
	ps.mu.Unlock()

	ps.log.Info("session invalidated", "event", "session_state", "state", domain.SessionInvalid.String())
	m.publishState(profile, domain.SessionInvalid, "session rejected by broker")
}

// KeepAlive refreshes the session when it is Expiring, past expiry, or was
// never established. A profile blocked by a sticky login rejection is left
// untouched.
func (m *Manager) KeepAlive(ctx context.Context, profile domain.ProfileID) error {
	ps, err := m.get(profile)
	if err != nil {
		return err
	}
	if ps.stickyErr() != nil {
		return nil
	}

	now := m.now()
	ps.mu.Lock()
	s := ps.sess
	ps.mu.Unlock()

	switch {
	case s.State == domain.SessionValid && !s.Expired(now.Add(m.opts.RefreshMargin)):
		return nil
	case s.State.Usable() && s.Token != "" && !s.Expired(now):
		ps.log.Info("refreshing expiring session", "event", "session_refresh", "expires_at", s.ExpiresAt)
		_, err = m.coalescedLogin(ctx, ps, true)
	default:
		_, err = m.coalescedLogin(ctx, ps, false)
	}
	return err
}

// Reset clears a sticky login rejection and returns the profile to
// Unauthenticated. Used when an operator fixes credentials.
func (m *Manager) Reset(profile domain.ProfileID) error {
	ps, err := m.get(profile)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	ps.authErr = nil
	ps.stopTimerLocked()
	ps.gen++
	ps.sess = domain.Session{Profile: profile, State: domain.SessionUnauthenticated}
	ps.mu.Unlock()

	ps.log.Info("session reset", "event", "session_state", "state", domain.SessionUnauthenticated.String())
	m.publishState(profile, domain.SessionUnauthenticated, "reset by operator")
	return nil
}

// Login resets the profile and logs in immediately.
func (m *Manager) Login(ctx context.Context, profile domain.ProfileID) (domain.Session, error) {
	if err := m.Reset(profile); err != nil {
		return domain.Session{}, err
	}
	return m.EnsureValid(ctx, profile)
}

// Logout ends the broker session and returns the profile to Unauthenticated.
func (m *Manager) Logout(ctx context.Context, profile domain.ProfileID) error {
	ps, err := m.get(profile)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	token := ps.sess.Token
	ps.stopTimerLocked()
	ps.gen++
	ps.sess = domain.Session{Profile: profile, State: domain.SessionUnauthenticated}
	ps.mu.Unlock()

	m.publishState(profile, domain.SessionUnauthenticated, "logged out")
	if token == "" {
		return nil
	}
	if err := ps.client.Logout(ctx, token); err != nil {
		ps.log.Warn("broker logout failed", "event", "logout_failed", "error", err)
		return err
	}
	ps.log.Info("logged out", "event", "logout")
	return nil
}

// State returns the profile's current session state.
func (m *Manager) State(profile domain.ProfileID) (domain.SessionState, error) {
	s, err := m.Snapshot(profile)
	return s.State, err
}

// Snapshot returns a copy of the profile's session. The token is included;
// it is never serialized.
func (m *Manager) Snapshot(profile domain.ProfileID) (domain.Session, error) {
	ps, err := m.get(profile)
	if err != nil {
		return domain.Session{}, err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.sess, nil
}

// NeedsLogin reports whether the profile is blocked on a login rejection.
func (m *Manager) NeedsLogin(profile domain.ProfileID) bool {
	ps, err := m.get(profile)
	if err != nil {
		return false
	}
	return ps.stickyErr() != nil
}

// ---------------------------------------------------------------------------
// Login
// ---------------------------------------------------------------------------

// coalescedLogin runs at most one login per profile at a time. The login runs
// detached from any single caller's cancellation; each caller stops waiting
// when its own context ends. With refresh set, a still-usable session does
// not short-circuit the login. Callers joining a flight share its result
// whichever flag started it.
func (m *Manager) coalescedLogin(ctx context.Context, ps *profileSession, refresh bool) (domain.Session, error) {
	ch := m.group.DoChan(string(ps.id), func() (any, error) {
		if !refresh {
			if s, ok := ps.usable(m.now()); ok {
				return s, nil
			}
		}
		if err := ps.stickyErr(); err != nil {
			return domain.Session{}, err
		}
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.LoginTimeout)
		defer cancel()
		return m.login(loginCtx, ps)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.Session{}, res.Err
		}
		return res.Val.(domain.Session), nil
	case <-ctx.Done():
		return domain.Session{}, domain.NewBrokerError(domain.ErrTransient, "login", "", "wait for login", ctx.Err())
	}
}

func (m *Manager) login(ctx context.Context, ps *profileSession) (domain.Session, error) {
	start := m.now()
	creds, err := m.secrets.LoadCredentials(ctx, ps.credRef)
	if err != nil {
		return domain.Session{}, m.loginFailed(ps, fmt.Errorf("%w: load credentials: %w", domain.ErrAuth, err))
	}

	res, err := util.Do(ctx, m.opts.Retry, nil,
		func(attempt int, err error, next time.Duration) {
			metrics.LoginsTotal.WithLabelValues(string(ps.id), "retry").Inc()
			ps.log.Warn("login attempt failed, retrying", "event", "login_retry", "attempt", attempt, "next", next, "error", err)
		},
		func(ctx context.Context) (broker.LoginResult, error) {
			return ps.client.Login(ctx, creds)
		})
	if err != nil {
		if !domain.IsTransient(err) && !domain.IsAuth(err) {
			err = fmt.Errorf("%w: %w", domain.ErrAuth, err)
		}
		return domain.Session{}, m.loginFailed(ps, err)
	}

	now := m.now()
	expires := res.ExpiresAt
	if expires.IsZero() || expires.After(now.Add(m.opts.Validity)) {
		expires = now.Add(m.opts.Validity)
	}

	ps.mu.Lock()
	ps.stopTimerLocked()
	ps.gen++
	ps.authErr = nil
	ps.sess = domain.Session{
		Profile:   ps.id,
		Token:     res.Token,
		IssuedAt:  now,
		ExpiresAt: expires,
		State:     domain.SessionValid,
	}
	sess := ps.sess
	m.armTimerLocked(ps, now)
	ps.mu.Unlock()

	metrics.LoginsTotal.WithLabelValues(string(ps.id), "ok").Inc()
	ps.log.Info("logged in", "event", "session_state", "state", domain.SessionValid.String(),
		"expires_at", expires, "took", m.now().Sub(start))
	m.publishState(ps.id, domain.SessionValid, "")
	return sess, nil
}

// loginFailed records a failed login. Auth failures become sticky; transient
// failures leave the profile Invalid so the next caller may try again.
func (m *Manager) loginFailed(ps *profileSession, err error) error {
	sticky := domain.IsAuth(err)

	ps.mu.Lock()
	ps.stopTimerLocked()
	ps.gen++
	ps.sess.Token = ""
	ps.sess.State = domain.SessionInvalid
	if sticky {
		ps.authErr = err
	}
	ps.mu.Unlock()

	metrics.LoginsTotal.WithLabelValues(string(ps.id), "error").Inc()
	m.setStateGauge(ps.id, domain.SessionInvalid)
	if sticky {
		ps.log.Error("login rejected; profile needs operator re-login", "event", "auth_failed", "error", err)
		m.events.Publish(events.Event{Kind: events.KindAuthFailed, Profile: ps.id, Session: domain.SessionInvalid.String(), Message: err.Error()})
	} else {
		ps.log.Warn("login failed", "event", "login_failed", "error", err)
		m.events.Publish(events.Event{Kind: events.KindTransient, Profile: ps.id, Session: domain.SessionInvalid.String(), Message: err.Error()})
	}
	return err
}

// armTimerLocked schedules the Valid -> Expiring transition.
func (m *Manager) armTimerLocked(ps *profileSession, now time.Time) {
	gen := ps.gen
	delay := ps.sess.ExpiresAt.Add(-m.opts.RefreshMargin).Sub(now)
	if delay < 0 {
		delay = 0
	}
	ps.timer = time.AfterFunc(delay, func() {
		ps.mu.Lock()
		if ps.gen != gen || ps.sess.State != domain.SessionValid {
			ps.mu.Unlock()
			return
		}
		ps.sess.State = domain.SessionExpiring
		expires := ps.sess.ExpiresAt
		ps.mu.Unlock()

		ps.log.Info("session expiring", "event", "session_state", "state", domain.SessionExpiring.String(), "expires_at", expires)
		m.publishState(ps.id, domain.SessionExpiring, "")
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (m *Manager) get(profile domain.ProfileID) (*profileSession, error) {
	m.mu.RLock()
	ps, ok := m.profiles[profile]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session: %w: %s", domain.ErrUnknownProfile, profile)
	}
	return ps, nil
}

func (m *Manager) publishState(profile domain.ProfileID, state domain.SessionState, msg string) {
	m.setStateGauge(profile, state)
	m.events.Publish(events.Event{Kind: events.KindSessionState, Profile: profile, Session: state.String(), Message: msg})
}

func (m *Manager) setStateGauge(profile domain.ProfileID, state domain.SessionState) {
	for _, s := range []domain.SessionState{domain.SessionUnauthenticated, domain.SessionValid, domain.SessionExpiring, domain.SessionInvalid} {
		v := 0.0
		if s == state {
			v = 1
		}
		metrics.SessionState.WithLabelValues(string(profile), s.String()).Set(v)
	}
}

func (ps *profileSession) usable(now time.Time) (domain.Session, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	s := ps.sess
	return s, s.State.Usable() && s.Token != "" && !s.Expired(now)
}

func (ps *profileSession) stickyErr() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.authErr == nil {
		return nil
	}
	return fmt.Errorf("session %s needs login: %w", ps.id, ps.authErr)
}

func (ps *profileSession) stopTimerLocked() {
	if ps.timer != nil {
		ps.timer.Stop()
		ps.timer = nil
	}
}
