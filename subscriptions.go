package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	// How long a relay gets to report EOSE before it is excluded from the
	// completion quorum. A promoted relay keeps delivering live events but
	// no longer counts towards (or blocks) EOSE.
	defaultEOSETimeout = 10 * time.Second

	subscriptionBuffer = 256
)

// relaySubState tracks one relay's view of a subscription.
type relaySubState struct {
	sent     bool // REQ delivered to the relay
	eose     bool // relay reported end of stored events
	promoted bool // excluded from the EOSE quorum (timeout or CLOSED)
}

// Subscription is a logical query spanning one or more relays. Events
// arrive on Events deduplicated by ID; EOSE is closed exactly once, after
// every non-excluded targeted relay reported its own EOSE. Live events
// continue until Cancel.
type Subscription struct {
	ID string

	Events chan Event
	EOSE   chan struct{}

	engine  *Engine
	filters []Filter
	raw     []json.RawMessage // set instead of filters for raw subscriptions
	targets []string

	mu          sync.Mutex
	perRelay    map[string]*relaySubState
	seen        map[string]int // event ID -> number of relays it arrived from
	eoseEmitted bool
	cancelled   bool

	done      chan struct{}
	closeOnce sync.Once
}

// SeenCount reports how many relays have delivered the given event so far.
func (s *Subscription) SeenCount(eventID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[eventID]
}

// Done is closed when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel closes the subscription on every relay it was opened on and
// releases local state, closing Events so consumer range loops terminate.
// Safe to call multiple times.
func (s *Subscription) Cancel() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.cancelled = true
		var sentTo []string
		for relay, st := range s.perRelay {
			if st.sent {
				sentTo = append(sentTo, relay)
			}
		}
		// deliver sends under this lock and checks cancelled first, so the
		// close cannot race an in-flight send.
		close(s.Events)
		s.mu.Unlock()

		for _, relay := range sentTo {
			// Best effort; the relay may already be gone.
			s.engine.pool.Send(relay, []interface{}{"CLOSE", s.ID})
		}

		s.engine.remove(s.ID)
		close(s.done)
	})
}

// wireFilters returns the filter list in wire form.
func (s *Subscription) wireFilters() []interface{} {
	if len(s.raw) > 0 {
		out := make([]interface{}, len(s.raw))
		for i, r := range s.raw {
			out[i] = r
		}
		return out
	}
	out := make([]interface{}, len(s.filters))
	for i, f := range s.filters {
		out[i] = f.wire()
	}
	return out
}

// SubOption adjusts how a subscription is opened.
type SubOption func(*Subscription)

// WithRelays targets the subscription at an explicit relay set instead of
// broadcasting to every configured relay.
func WithRelays(urls ...string) SubOption {
	return func(s *Subscription) {
		s.targets = append([]string{}, urls...)
	}
}

// Engine issues logical queries across pooled relay connections, merging
// and deduplicating the streams they produce.
type Engine struct {
	pool        *RelayPool
	eoseTimeout time.Duration

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewEngine wires a subscription engine onto a relay pool. The engine
// installs itself as the pool's message and reconnect handler.
func NewEngine(pool *RelayPool) *Engine {
	e := &Engine{
		pool:        pool,
		eoseTimeout: defaultEOSETimeout,
		subs:        make(map[string]*Subscription),
	}
	pool.SetHandlers(e.handleRelayMessage, e.resubscribeRelay)
	return e
}

// Subscribe opens a subscription for the given filters. With no explicit
// relay option the query is broadcast to all configured relays.
func (e *Engine) Subscribe(filters []Filter, opts ...SubOption) *Subscription {
	sub := e.newSubscription(opts)
	sub.filters = filters
	e.open(sub)
	return sub
}

// SubscribeRaw opens a subscription whose filters are passed through to the
// relays verbatim, for queries the engine does not model natively (e.g.
// full-text search extensions).
func (e *Engine) SubscribeRaw(rawFilters []json.RawMessage, opts ...SubOption) *Subscription {
	sub := e.newSubscription(opts)
	sub.raw = rawFilters
	e.open(sub)
	return sub
}

func (e *Engine) newSubscription(opts []SubOption) *Subscription {
	sub := &Subscription{
		ID:       "sub-" + randomID(),
		Events:   make(chan Event, subscriptionBuffer),
		EOSE:     make(chan struct{}),
		engine:   e,
		perRelay: make(map[string]*relaySubState),
		seen:     make(map[string]int),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}
	return sub
}

// open registers the subscription and sends REQ to every reachable target.
// Every targeted relay gets an EOSE deadline; relays that cannot take the
// query in time are promoted out of the quorum so EOSE is still emitted.
func (e *Engine) open(sub *Subscription) {
	targets := sub.targets
	if len(targets) == 0 {
		targets = e.pool.URLs()
	}

	sub.mu.Lock()
	for _, relay := range targets {
		sub.perRelay[relay] = &relaySubState{}
	}
	sub.mu.Unlock()

	e.mu.Lock()
	e.subs[sub.ID] = sub
	e.mu.Unlock()

	frame := append([]interface{}{"REQ", sub.ID}, sub.wireFilters()...)
	for _, relay := range targets {
		if e.pool.Connection(relay) == StateConnected {
			if err := e.pool.Send(relay, frame); err == nil {
				sub.mu.Lock()
				sub.perRelay[relay].sent = true
				sub.mu.Unlock()
			}
		}
		relay := relay
		time.AfterFunc(e.eoseTimeout, func() { e.promote(sub, relay) })
	}

	// No relay reachable at all: the deadline timers above will promote
	// every target and close EOSE; nothing blocks.
	e.checkEOSE(sub)
}

func (e *Engine) remove(subID string) {
	e.mu.Lock()
	delete(e.subs, subID)
	e.mu.Unlock()
}

func (e *Engine) lookup(subID string) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subs[subID]
}

// resubscribeRelay replays open REQs on a relay that just (re)connected.
// Server-side subscription state does not survive a reconnect.
func (e *Engine) resubscribeRelay(relayURL string) {
	e.mu.Lock()
	subs := make([]*Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		st, targeted := sub.perRelay[relayURL]
		replay := targeted && !sub.cancelled
		sub.mu.Unlock()
		if !replay {
			continue
		}

		frame := append([]interface{}{"REQ", sub.ID}, sub.wireFilters()...)
		if err := e.pool.Send(relayURL, frame); err != nil {
			continue
		}
		sub.mu.Lock()
		st.sent = true
		sub.mu.Unlock()
		slog.Debug("engine: resubscribed", "relay", relayURL, "sub_id", sub.ID)
	}
}

// handleRelayMessage routes EVENT/EOSE/CLOSED frames from the pool.
func (e *Engine) handleRelayMessage(relayURL string, msg RelayMessage) {
	msgType, _ := msg[0].(string)
	subID, _ := msg[1].(string)
	sub := e.lookup(subID)
	if sub == nil {
		return
	}

	switch msgType {
	case "EVENT":
		if len(msg) < 3 {
			return
		}
		evt, ok := parseEventValue(msg[2])
		if !ok {
			return
		}
		e.deliver(sub, relayURL, evt)

	case "EOSE":
		e.markEOSE(sub, relayURL)

	case "CLOSED":
		// Relay dropped the subscription server-side; it leaves the live
		// set but the subscription itself survives.
		sub.mu.Lock()
		if st := sub.perRelay[relayURL]; st != nil {
			st.sent = false
			st.promoted = true
		}
		sub.mu.Unlock()
		e.checkEOSE(sub)
	}
}

// deliver emits an event to the consumer unless its identity was already
// emitted from another relay. Later arrivals only bump the seen count.
func (e *Engine) deliver(sub *Subscription, relayURL string, evt Event) {
	eventsReceivedTotal.Add(1)

	sub.mu.Lock()
	if sub.cancelled {
		sub.mu.Unlock()
		return
	}
	count := sub.seen[evt.ID]
	sub.seen[evt.ID] = count + 1
	if count > 0 {
		sub.mu.Unlock()
		duplicatesSuppressedTotal.Add(1)
		return
	}
	evt.SeenOn = []string{relayURL}
	select {
	case sub.Events <- evt:
	default:
		// Consumer is not keeping up; drop rather than block the relay
		// read loop.
		droppedEventsTotal.Add(1)
	}
	sub.mu.Unlock()
}

// markEOSE records a relay's end-of-stored-events and closes the
// subscription's EOSE signal once the quorum completes.
func (e *Engine) markEOSE(sub *Subscription, relayURL string) {
	sub.mu.Lock()
	st := sub.perRelay[relayURL]
	if st == nil || !st.sent {
		sub.mu.Unlock()
		return
	}
	st.eose = true
	sub.mu.Unlock()

	e.checkEOSE(sub)
}

// promote excludes a relay from the EOSE quorum after its deadline.
// Promotion is one-way for the lifetime of the subscription.
func (e *Engine) promote(sub *Subscription, relayURL string) {
	sub.mu.Lock()
	st := sub.perRelay[relayURL]
	if st == nil || st.eose || st.promoted {
		sub.mu.Unlock()
		return
	}
	st.promoted = true
	sub.mu.Unlock()

	slog.Debug("engine: relay promoted past EOSE quorum", "relay", relayURL, "sub_id", sub.ID)
	e.checkEOSE(sub)
}

// checkEOSE closes the EOSE channel once every targeted relay has either
// reported EOSE or been promoted. Emitted at most once.
func (e *Engine) checkEOSE(sub *Subscription) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.eoseEmitted || sub.cancelled {
		return
	}
	for _, st := range sub.perRelay {
		if !st.eose && !st.promoted {
			return
		}
	}
	sub.eoseEmitted = true
	close(sub.EOSE)
}

// Publish broadcasts a signed event to all connected relays.
func (e *Engine) Publish(ctx context.Context, evt *Event) *PublishResult {
	return e.pool.Broadcast(ctx, evt)
}

// FetchSync opens a subscription, collects events until EOSE (or the
// context deadline), cancels it, and returns the merged result sorted
// newest first. Mirrors the one-shot query path.
func (e *Engine) FetchSync(ctx context.Context, filters []Filter, opts ...SubOption) []Event {
	sub := e.Subscribe(filters, opts...)
	defer sub.Cancel()

	var events []Event
	limit := 0
	for _, f := range filters {
		if f.Limit > limit {
			limit = f.Limit
		}
	}

	eoseSeen := false
	for !eoseSeen {
		select {
		case evt := <-sub.Events:
			events = append(events, evt)
		case <-sub.EOSE:
			eoseSeen = true
		case <-ctx.Done():
			eoseSeen = true
		}
	}

	// Drain anything already buffered.
	for {
		select {
		case evt := <-sub.Events:
			events = append(events, evt)
		default:
			sortEventsNewestFirst(events)
			if limit > 0 && len(events) > limit {
				events = events[:limit]
			}
			return events
		}
	}
}
