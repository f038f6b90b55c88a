package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection lifecycle states. The pool reports exactly the last observed
// transition for each relay.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

const (
	healthCheckInterval = 60 * time.Second
	dialTimeout         = 10 * time.Second
	writeTimeout        = 10 * time.Second
	publishAckTimeout   = 5 * time.Second
)

// isRelayURLSafe validates that a relay URL is safe to connect to.
// Allows localhost for development but blocks other private IP ranges.
func isRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}

	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}

	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable might still be a valid external host, but block
		// obvious internal names.
		if strings.HasSuffix(host, ".") || strings.HasSuffix(host, ".local") ||
			strings.HasSuffix(host, ".internal") {
			return false
		}
		return true
	}

	for _, ip := range ips {
		if !isRelayIPSafe(ip) {
			return false
		}
	}
	return true
}

// isRelayIPSafe allows loopback but blocks private, link-local and
// metadata-service addresses.
func isRelayIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	if ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return false
	}
	return true
}

// RelayMessage is one decoded frame from a relay, e.g. ["EVENT", subID, {...}].
type RelayMessage []interface{}

// MessageHandler receives EVENT/EOSE/CLOSED frames routed by the pool.
type MessageHandler func(relayURL string, msg RelayMessage)

// ConnectHandler fires after a relay reaches Connected, including reconnects.
// The subscription engine uses it to replay open REQs on that relay.
type ConnectHandler func(relayURL string)

// PublishResult reports per-relay delivery of a broadcast event.
type PublishResult struct {
	EventID  string
	Accepted []string          // relays that replied OK true
	Rejected map[string]string // relay -> rejection message (OK false)
	Skipped  []string          // relays not connected or silent
}

// Err returns a terminal error when no relay accepted the event.
func (r *PublishResult) Err() error {
	if len(r.Accepted) > 0 {
		return nil
	}
	for relay, reason := range r.Rejected {
		return fmt.Errorf("publish rejected by %s: %s", relay, reason)
	}
	return errors.New("publish not acknowledged by any relay")
}

// publishWait tracks outstanding OK acks for one broadcast event. The
// waiting set must be fully populated before the first frame goes out; an
// ack for the first relay may arrive before the frame to the next one is
// even written.
type publishWait struct {
	mu       sync.Mutex
	waiting  map[string]bool
	accepted []string
	rejected map[string]string
	done     chan struct{}
	closed   bool
}

func (w *publishWait) settle(relayURL string, ok bool, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.waiting[relayURL] {
		return
	}
	delete(w.waiting, relayURL)
	if ok {
		w.accepted = append(w.accepted, relayURL)
	} else {
		w.rejected[relayURL] = reason
	}
	if len(w.waiting) == 0 && !w.closed {
		w.closed = true
		close(w.done)
	}
}

// relayConn is one managed websocket connection. Owned exclusively by the
// pool; everything else references the relay by URL.
type relayConn struct {
	url string

	mu          sync.Mutex
	writeMu     sync.Mutex
	ws          *websocket.Conn
	state       ConnState
	lastAttempt time.Time
	gen         int // bumped per (re)connect so stale read loops exit quietly
}

func (rc *relayConn) currentState() ConnState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// RelayPool owns one persistent connection per configured relay URL.
// Each connection has an independent lifecycle; a hung relay never blocks
// the others.
type RelayPool struct {
	mu    sync.RWMutex
	conns map[string]*relayConn

	onMessage MessageHandler
	onConnect ConnectHandler

	ackMu   sync.Mutex
	pending map[string]*publishWait // eventID -> acks in flight

	done      chan struct{}
	closeOnce sync.Once
}

// NewRelayPool creates an empty pool and starts its health-check loop.
func NewRelayPool() *RelayPool {
	p := &RelayPool{
		conns:   make(map[string]*relayConn),
		pending: make(map[string]*publishWait),
		done:    make(chan struct{}),
	}
	go p.healthLoop()
	return p
}

// SetHandlers installs the message and connect handlers. Must be called
// before Configure.
func (p *RelayPool) SetHandlers(onMessage MessageHandler, onConnect ConnectHandler) {
	p.onMessage = onMessage
	p.onConnect = onConnect
}

// Configure sets the relay list. New URLs get a connection attempt
// immediately; URLs no longer present are closed and dropped.
func (p *RelayPool) Configure(urls []string) {
	keep := make(map[string]bool, len(urls))
	for _, u := range urls {
		keep[u] = true
	}

	p.mu.Lock()
	for u, rc := range p.conns {
		if !keep[u] {
			rc.close()
			delete(p.conns, u)
		}
	}
	var added []*relayConn
	for _, u := range urls {
		if _, ok := p.conns[u]; ok {
			continue
		}
		rc := &relayConn{url: u, state: StateDisconnected}
		p.conns[u] = rc
		added = append(added, rc)
	}
	p.mu.Unlock()

	for _, rc := range added {
		go p.connect(rc)
	}
}

// Connection reports the current state for a relay URL.
func (p *RelayPool) Connection(relayURL string) ConnState {
	p.mu.RLock()
	rc := p.conns[relayURL]
	p.mu.RUnlock()
	if rc == nil {
		return StateDisconnected
	}
	return rc.currentState()
}

// URLs returns the configured relay URLs.
func (p *RelayPool) URLs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	urls := make([]string, 0, len(p.conns))
	for u := range p.conns {
		urls = append(urls, u)
	}
	return urls
}

// ConnectedURLs returns the relays currently in Connected state.
func (p *RelayPool) ConnectedURLs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var urls []string
	for u, rc := range p.conns {
		if rc.currentState() == StateConnected {
			urls = append(urls, u)
		}
	}
	return urls
}

// connect dials one relay. Runs in its own goroutine so slow handshakes
// do not delay other relays.
func (p *RelayPool) connect(rc *relayConn) {
	rc.mu.Lock()
	if rc.state == StateConnecting || rc.state == StateConnected {
		rc.mu.Unlock()
		return
	}
	rc.state = StateConnecting
	rc.lastAttempt = time.Now()
	rc.gen++
	gen := rc.gen
	rc.mu.Unlock()

	if !isRelayURLSafe(rc.url) {
		slog.Warn("pool: relay URL blocked", "relay", rc.url)
		rc.setState(StateFailed)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, rc.url, nil)
	if err != nil {
		slog.Debug("pool: dial failed", "relay", rc.url, "error", err)
		rc.setState(StateFailed)
		return
	}

	rc.mu.Lock()
	if rc.gen != gen {
		// Superseded by a newer attempt.
		rc.mu.Unlock()
		ws.Close()
		return
	}
	rc.ws = ws
	rc.state = StateConnected
	rc.mu.Unlock()

	slog.Info("pool: connected", "relay", rc.url)
	go p.readLoop(rc, ws, gen)

	// A fresh connection has no server-side subscription state; let the
	// subscription engine replay its open REQs.
	if p.onConnect != nil {
		p.onConnect(rc.url)
	}
}

func (rc *relayConn) setState(s ConnState) {
	rc.mu.Lock()
	rc.state = s
	rc.mu.Unlock()
}

// markFailed transitions a live connection to Failed and closes the socket.
func (rc *relayConn) markFailed(gen int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.gen != gen {
		return
	}
	if rc.ws != nil {
		rc.ws.Close()
		rc.ws = nil
	}
	rc.state = StateFailed
}

func (rc *relayConn) close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.gen++
	if rc.ws != nil {
		rc.ws.Close()
		rc.ws = nil
	}
	rc.state = StateDisconnected
}

// readLoop reads frames until the connection drops, routing them to the
// pool's handlers. Exits quietly when superseded by a reconnect.
func (p *RelayPool) readLoop(rc *relayConn, ws *websocket.Conn, gen int) {
	defer rc.markFailed(gen)

	for {
		var msg RelayMessage
		if err := ws.ReadJSON(&msg); err != nil {
			select {
			case <-p.done:
			default:
				slog.Debug("pool: read error", "relay", rc.url, "error", err)
			}
			return
		}

		if len(msg) < 2 {
			continue
		}
		msgType, ok := msg[0].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "EVENT", "EOSE", "CLOSED":
			if p.onMessage != nil {
				p.onMessage(rc.url, msg)
			}

		case "OK":
			eventID, _ := msg[1].(string)
			accepted := false
			if len(msg) >= 3 {
				accepted, _ = msg[2].(bool)
			}
			reason := ""
			if len(msg) >= 4 {
				reason, _ = msg[3].(string)
			}
			p.handleOK(rc.url, eventID, accepted, reason)

		case "NOTICE":
			notice, _ := msg[1].(string)
			slog.Info("pool: notice", "relay", rc.url, "notice", notice)
		}
	}
}

// handleOK routes a publish ack to the waiting broadcast, if any.
func (p *RelayPool) handleOK(relayURL, eventID string, accepted bool, reason string) {
	p.ackMu.Lock()
	w := p.pending[eventID]
	p.ackMu.Unlock()

	if w == nil {
		slog.Debug("pool: unsolicited OK", "relay", relayURL, "event_id", eventID)
		return
	}
	if accepted {
		publishAcceptedTotal.Add(1)
	} else {
		slog.Warn("pool: publish rejected", "relay", relayURL, "event_id", eventID, "reason", reason)
		publishRejectedTotal.Add(1)
	}
	w.settle(relayURL, accepted, reason)
}

// Send writes a JSON frame to one relay. Fails fast when the relay is not
// connected; nothing is queued.
func (p *RelayPool) Send(relayURL string, msg interface{}) error {
	p.mu.RLock()
	rc := p.conns[relayURL]
	p.mu.RUnlock()
	if rc == nil {
		return fmt.Errorf("relay not configured: %s", relayURL)
	}

	rc.mu.Lock()
	ws := rc.ws
	connected := rc.state == StateConnected
	rc.mu.Unlock()
	if !connected || ws == nil {
		return fmt.Errorf("relay not connected: %s", relayURL)
	}

	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer ws.SetWriteDeadline(time.Time{})
	return ws.WriteJSON(msg)
}

// Broadcast publishes an event to every relay currently Connected.
// Relays that are Connecting or Failed are skipped, never queued. The call
// waits up to publishAckTimeout for per-relay OK acks and reports partial
// delivery; it never blocks indefinitely.
func (p *RelayPool) Broadcast(ctx context.Context, evt *Event) *PublishResult {
	result := &PublishResult{
		EventID:  evt.ID,
		Rejected: make(map[string]string),
	}

	p.mu.RLock()
	targets := make([]*relayConn, 0, len(p.conns))
	for _, rc := range p.conns {
		if rc.currentState() == StateConnected {
			targets = append(targets, rc)
		} else {
			result.Skipped = append(result.Skipped, rc.url)
		}
	}
	p.mu.RUnlock()

	if len(targets) == 0 {
		return result
	}

	w := &publishWait{
		waiting:  make(map[string]bool, len(targets)),
		rejected: make(map[string]string),
		done:     make(chan struct{}),
	}
	for _, rc := range targets {
		w.waiting[rc.url] = true
	}

	p.ackMu.Lock()
	p.pending[evt.ID] = w
	p.ackMu.Unlock()
	defer func() {
		p.ackMu.Lock()
		delete(p.pending, evt.ID)
		p.ackMu.Unlock()
	}()

	frame := []interface{}{"EVENT", evt}
	for _, rc := range targets {
		if err := p.Send(rc.url, frame); err != nil {
			w.settle(rc.url, false, err.Error())
		}
	}

	select {
	case <-w.done:
	case <-time.After(publishAckTimeout):
	case <-ctx.Done():
	}

	w.mu.Lock()
	result.Accepted = append(result.Accepted, w.accepted...)
	for relay, reason := range w.rejected {
		result.Rejected[relay] = reason
	}
	for relay := range w.waiting {
		// No ack within the window; treated as skipped, not rejected.
		result.Skipped = append(result.Skipped, relay)
	}
	w.mu.Unlock()

	return result
}

// ReconnectNow forces an immediate reconnect attempt for one relay.
func (p *RelayPool) ReconnectNow(relayURL string) {
	p.mu.RLock()
	rc := p.conns[relayURL]
	p.mu.RUnlock()
	if rc == nil {
		return
	}
	rc.close()
	go p.connect(rc)
}

// healthLoop retries every relay not in Connected state on a fixed
// interval. Attempts are independent across relays.
func (p *RelayPool) healthLoop() {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.RLock()
			var stale []*relayConn
			for _, rc := range p.conns {
				s := rc.currentState()
				if s == StateFailed || s == StateDisconnected {
					stale = append(stale, rc)
				}
			}
			p.mu.RUnlock()

			for _, rc := range stale {
				go p.connect(rc)
			}
		}
	}
}

// Close shuts down the pool and every connection.
func (p *RelayPool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		for _, rc := range p.conns {
			rc.close()
		}
		p.mu.Unlock()
	})
}
