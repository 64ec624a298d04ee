// Package events carries engine notifications to the display layer and any
// other consumer. Publishing never blocks: quote events are buffered per
// subscriber with drop-oldest on overflow, every other kind is queued without
// bound and is never dropped.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"tradedesk/internal/domain"
	"tradedesk/internal/metrics"
)

// Kind classifies an Event.
type Kind string

const (
	KindQuote        Kind = "quote"
	KindOrderState   Kind = "order_state"
	KindAuthFailed   Kind = "auth_failed"
	KindTransient    Kind = "transient_error"
	KindQuoteStale   Kind = "quote_stale"
	KindSessionState Kind = "session_state"
	KindSubscription Kind = "subscription"
	KindCancelDrop   Kind = "cancel_dropped"
	KindAccount      Kind = "account"
)

// Event is one notification emitted by the engine.
type Event struct {
	Kind    Kind             `json:"kind"`
	Profile domain.ProfileID `json:"profile"`
	Time    time.Time        `json:"time"`
	Key     string           `json:"key,omitempty"` // instrument key, if any
	Quote   *domain.Quote    `json:"quote,omitempty"`
	Order   *domain.Order    `json:"order,omitempty"`
	Account *domain.Account  `json:"account,omitempty"`
	Session string           `json:"session,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Critical reports whether the event must never be dropped.
func (e Event) Critical() bool { return e.Kind != KindQuote }

// Publisher is implemented by anything that accepts events.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// DefaultBuffer is the quote ring size used when Subscribe is given a
// non-positive buffer.
const DefaultBuffer = 256

// Bus fans events out to subscribers.
type Bus struct {
	mu        sync.RWMutex
	nextSubID int
	subs      map[int]*Subscription
	closed    bool

	dropped   atomic.Int64
	published atomic.Int64
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.accepts(e) {
			s.push(e)
		}
	}
}

// Subscribe registers a subscriber. buffer bounds the number of undelivered
// quote events kept for it. When profiles are given only their events are
// delivered.
func (b *Bus) Subscribe(buffer int, profiles ...domain.ProfileID) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{
		bus:    b,
		limit:  buffer,
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	if len(profiles) > 0 {
		s.profiles = make(map[domain.ProfileID]bool, len(profiles))
		for _, p := range profiles {
			s.profiles[p] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop()
		close(s.out)
		return s
	}
	s.id = b.nextSubID
	b.nextSubID++
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.pump()
	return s
}

// Dropped returns the number of quote events discarded across all
// subscribers because their buffers were full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Published returns the number of events published.
func (b *Bus) Published() int64 { return b.published.Load() }

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later Publish calls are no-ops and later
// subscriptions are returned already closed.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Subscription
// ---------------------------------------------------------------------------

// Subscription is one consumer's view of the bus. Events are read from C.
type Subscription struct {
	id       int
	bus      *Bus
	profiles map[domain.ProfileID]bool
	limit    int

	mu       sync.Mutex
	quotes   []Event
	critical []Event

	notify   chan struct{}
	out      chan Event
	done     chan struct{}
	stopOnce sync.Once
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription) C() <-chan Event { return s.out }

// Close unsubscribes and releases the pump goroutine.
func (s *Subscription) Close() {
	s.bus.remove(s.id)
	s.stop()
}

// Pending returns the number of queued, undelivered events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.quotes) + len(s.critical)
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Subscription) accepts(e Event) bool {
	return s.profiles == nil || s.profiles[e.Profile]
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	if e.Critical() {
		s.critical = append(s.critical, e)
	} else {
		if len(s.quotes) >= s.limit {
			s.quotes[0] = Event{}
			s.quotes = s.quotes[1:]
			s.bus.dropped.Add(1)
			metrics.EventsDropped.Inc()
		}
		s.quotes = append(s.quotes, e)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next pops the oldest critical event, or else the oldest quote event.
func (s *Subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.critical) > 0 {
		e := s.critical[0]
		s.critical[0] = Event{}
		s.critical = s.critical[1:]
		return e, true
	}
	if len(s.quotes) > 0 {
		e := s.quotes[0]
		s.quotes[0] = Event{}
		s.quotes = s.quotes[1:]
		return e, true
	}
	return Event{}, false
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		e, ok := s.next()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
