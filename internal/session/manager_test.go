package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/events"
	"tradedesk/internal/secrets"
	"tradedesk/internal/util"
)

var testCreds = secrets.Static{"acc1": {"client_code": "C1"}}

func newTestManager(t *testing.T, sim *broker.Simulator, opts Options) (*Manager, *events.Bus) {
	t.Helper()
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = util.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	}
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	m := NewManager(testCreds, opts, bus, util.DiscardLogger())
	require.NoError(t, m.Register("ACC1", "acc1", sim))
	return m, bus
}

func TestEnsureValidCoalescesConcurrentLogins(t *testing.T) {
	sim := broker.NewSimulator(broker.WithLoginDelay(50 * time.Millisecond))
	m, _ := newTestManager(t, sim, Options{})

	const callers = 32
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.EnsureValid(context.Background(), "ACC1")
			tokens[i], errs[i] = s.Token, err
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, sim.LoginCount(), "concurrent callers should share one login")
	for i := range tokens {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i])
	}
	state, err := m.State("ACC1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionValid, state)
}

func TestReauthAfterInvalidate(t *testing.T) {
	sim := broker.NewSimulator(broker.WithLoginDelay(20 * time.Millisecond))
	m, _ := newTestManager(t, sim, Options{})
	ctx := context.Background()

	first, err := m.EnsureValid(ctx, "ACC1")
	require.NoError(t, err)

	// Every caller observed the same rejected token.
	sim.Expire()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.InvalidateToken("ACC1", first.Token)
			_, err := m.EnsureValid(ctx, "ACC1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, sim.LoginCount(), "exactly one re-authentication expected")
	s, err := m.Snapshot("ACC1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, s.Token)
	assert.Equal(t, domain.SessionValid, s.State)
}

func TestInvalidateTokenIgnoresStaleToken(t *testing.T) {
	sim := broker.NewSimulator()
	m, _ := newTestManager(t, sim, Options{})

	s, err := m.EnsureValid(context.Background(), "ACC1")
	require.NoError(t, err)

	m.InvalidateToken("ACC1", "some-older-token")
	state, _ := m.State("ACC1")
	assert.Equal(t, domain.SessionValid, state)

	m.InvalidateToken("ACC1", s.Token)
	state, _ = m.State("ACC1")
	assert.Equal(t, domain.SessionInvalid, state)
}

func TestAuthFailureIsSticky(t *testing.T) {
	sim := broker.NewSimulator()
	m, bus := newTestManager(t, sim, Options{})
	sub := bus.Subscribe(16, "ACC1")
	ctx := context.Background()

	sim.FailLogins(domain.NewBrokerError(domain.ErrAuth, "login", "401", "bad password", nil))
	_, err := m.EnsureValid(ctx, "ACC1")
	require.Error(t, err)
	assert.True(t, domain.IsAuth(err))
	assert.True(t, m.NeedsLogin("ACC1"))

	// No silent retry loop: the broker is not contacted again.
	_, err = m.EnsureValid(ctx, "ACC1")
	assert.True(t, domain.IsAuth(err))
	require.NoError(t, m.KeepAlive(ctx, "ACC1"))
	assert.Equal(t, 1, sim.LoginCount())

	sawAuthFailed := false
	deadline := time.After(2 * time.Second)
	for !sawAuthFailed {
		select {
		case e := <-sub.C():
			sawAuthFailed = e.Kind == events.KindAuthFailed
		case <-deadline:
			t.Fatal("no auth_failed event")
		}
	}

	s, err := m.Login(ctx, "ACC1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionValid, s.State)
	assert.False(t, m.NeedsLogin("ACC1"))
	assert.Equal(t, 2, sim.LoginCount())
}

func TestMissingCredentialsIsAuthError(t *testing.T) {
	sim := broker.NewSimulator()
	m := NewManager(secrets.Static{}, Options{}, nil, util.DiscardLogger())
	require.NoError(t, m.Register("ACC9", "nobody", sim))

	_, err := m.EnsureValid(context.Background(), "ACC9")
	assert.True(t, domain.IsAuth(err))
	assert.Equal(t, 0, sim.LoginCount())
}

func TestTransientLoginFailureRetried(t *testing.T) {
	sim := broker.NewSimulator()
	m, _ := newTestManager(t, sim, Options{})

	sim.FailLogins(domain.NewBrokerError(domain.ErrTransient, "login", "503", "unavailable", nil))
	s, err := m.EnsureValid(context.Background(), "ACC1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionValid, s.State)
	assert.Equal(t, 2, sim.LoginCount())
	assert.False(t, m.NeedsLogin("ACC1"))
}

func TestTransientLoginExhaustedIsNotSticky(t *testing.T) {
	sim := broker.NewSimulator()
	m, _ := newTestManager(t, sim, Options{Retry: util.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}})

	transient := domain.NewBrokerError(domain.ErrTransient, "login", "503", "unavailable", nil)
	sim.FailLogins(transient, transient)
	_, err := m.EnsureValid(context.Background(), "ACC1")
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.False(t, m.NeedsLogin("ACC1"))

	_, err = m.EnsureValid(context.Background(), "ACC1")
	require.NoError(t, err)
	assert.Equal(t, 3, sim.LoginCount())
}

func TestValidTurnsExpiringThenKeepAliveRefreshes(t *testing.T) {
	sim := broker.NewSimulator(broker.WithTokenTTL(200 * time.Millisecond))
	m, _ := newTestManager(t, sim, Options{RefreshMargin: 180 * time.Millisecond})
	ctx := context.Background()

	first, err := m.EnsureValid(ctx, "ACC1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := m.State("ACC1")
		return st == domain.SessionExpiring
	}, time.Second, 5*time.Millisecond)

	// An Expiring session is still handed out without blocking.
	s, err := m.EnsureValid(ctx, "ACC1")
	require.NoError(t, err)
	assert.Equal(t, first.Token, s.Token)
	assert.Equal(t, 1, sim.LoginCount())

	require.NoError(t, m.KeepAlive(ctx, "ACC1"))
	s, _ = m.Snapshot("ACC1")
	assert.Equal(t, domain.SessionValid, s.State)
	assert.NotEqual(t, first.Token, s.Token)
	assert.Equal(t, 2, sim.LoginCount())
}

func TestCallerCancellationDoesNotAbortSharedLogin(t *testing.T) {
	sim := broker.NewSimulator(broker.WithLoginDelay(100 * time.Millisecond))
	m, _ := newTestManager(t, sim, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.EnsureValid(ctx, "ACC1")
	assert.True(t, domain.IsTransient(err))

	s, err := m.EnsureValid(context.Background(), "ACC1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionValid, s.State)
	assert.Equal(t, 1, sim.LoginCount())
}

func TestLogoutAndUnknownProfile(t *testing.T) {
	sim := broker.NewSimulator()
	m, _ := newTestManager(t, sim, Options{})
	ctx := context.Background()

	_, err := m.EnsureValid(ctx, "NOPE")
	assert.ErrorIs(t, err, domain.ErrUnknownProfile)
	assert.Error(t, m.Register("ACC1", "acc1", sim))

	_, err = m.EnsureValid(ctx, "ACC1")
	require.NoError(t, err)
	require.NoError(t, m.Logout(ctx, "ACC1"))
	state, _ := m.State("ACC1")
	assert.Equal(t, domain.SessionUnauthenticated, state)

	m.Remove("ACC1")
	_, err = m.State("ACC1")
	assert.ErrorIs(t, err, domain.ErrUnknownProfile)
}
