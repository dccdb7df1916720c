package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nsite-gateway/internal/nostr"
)

// earlyTerminationGrace is how long a unique-lookup query waits after its
// first event for a newer one before closing the subscription.
const earlyTerminationGrace = 200 * time.Millisecond

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

	// Allow localhost for development
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable might still be a valid external host, but block
		// obvious internal names.
		if isInternalName(host) {
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

func isInternalName(host string) bool {
	if len(host) == 0 {
		return true
	}
	if host[len(host)-1] == '.' {
		return false
	}
	for _, suffix := range []string{".local", ".internal"} {
		if len(host) > len(suffix) && host[len(host)-len(suffix):] == suffix {
			return true
		}
	}
	return false
}

// isRelayIPSafe checks if an IP is safe for relay connections.
// Allows loopback (localhost) but blocks other private ranges.
func isRelayIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	if ip.IsPrivate() {
		return false
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	if ip.IsUnspecified() {
		return false
	}
	if ip.IsMulticast() {
		return false
	}
	return true
}

// Subscription represents an active subscription on a relay connection
type Subscription struct {
	ID        string
	EventChan chan nostr.Event
	EOSEChan  chan bool
	Done      chan struct{}
	closeOnce sync.Once
}

// Close safely closes the Done channel exactly once
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.Done)
	})
}

// relayConn manages a single websocket connection with multiple subscriptions
type relayConn struct {
	conn          *websocket.Conn
	relayURL      string
	mu            sync.Mutex
	writeMu       sync.Mutex
	subscriptions map[string]*Subscription
	closed        bool
	lastUsed      time.Time
}

// RelayPool owns every outgoing relay connection: at most one per URL,
// created lazily, reaped by a janitor once idle past the threshold.
type RelayPool struct {
	mu          sync.RWMutex
	connections map[string]*relayConn

	statsMu sync.Mutex
	avgMs   map[string]int64 // per-relay EOSE latency EMA

	idleThreshold   time.Duration
	cleanupInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRelayPool creates a pool and starts its janitor.
func NewRelayPool(idleThreshold, cleanupInterval time.Duration) *RelayPool {
	pool := &RelayPool{
		connections:     make(map[string]*relayConn),
		avgMs:           make(map[string]int64),
		idleThreshold:   idleThreshold,
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
	go pool.cleanupLoop()
	return pool
}

// getOrCreateConn gets an existing connection or dials a new one
func (p *RelayPool) getOrCreateConn(ctx context.Context, relayURL string) (*relayConn, error) {
	if !isRelayURLSafe(relayURL) {
		return nil, errors.New("relay URL blocked: unsafe destination")
	}

	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()

	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	rc = p.connections[relayURL]
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	slog.Debug("pool: creating connection", "relay", relayURL)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, err
	}

	rc = &relayConn{
		conn:          conn,
		relayURL:      relayURL,
		subscriptions: make(map[string]*Subscription),
		lastUsed:      time.Now(),
	}

	p.connections[relayURL] = rc

	go rc.readLoop()

	return rc, nil
}

// Subscribe creates a new subscription on the relay
func (p *RelayPool) Subscribe(ctx context.Context, relayURL string, subID string, filter nostr.Filter) (*Subscription, error) {
	const maxRetries = 3
	var rc *relayConn
	var err error
	var connected bool

	for attempt := 0; attempt < maxRetries; attempt++ {
		rc, err = p.getOrCreateConn(ctx, relayURL)
		if err != nil {
			return nil, err
		}

		rc.mu.Lock()
		if rc.closed {
			rc.mu.Unlock()
			// Connection died since lookup: remove and retry
			p.mu.Lock()
			if p.connections[relayURL] == rc {
				delete(p.connections, relayURL)
			}
			p.mu.Unlock()
			continue
		}
		connected = true
		break
	}

	if !connected {
		return nil, errors.New("failed to establish connection after retries")
	}

	sub := &Subscription{
		ID:        subID,
		EventChan: make(chan nostr.Event, 100),
		EOSEChan:  make(chan bool, 1),
		Done:      make(chan struct{}),
	}

	// Register subscription (rc.mu is still locked from the loop)
	rc.subscriptions[subID] = sub
	rc.mu.Unlock()

	req := []interface{}{"REQ", subID, filter.ToWire()}
	rc.writeMu.Lock()
	err = rc.conn.WriteJSON(req)
	rc.writeMu.Unlock()

	if err != nil {
		rc.mu.Lock()
		delete(rc.subscriptions, subID)
		rc.mu.Unlock()
		rc.markClosed()
		return nil, err
	}

	rc.touch()
	return sub, nil
}

// Unsubscribe closes a subscription. Only the subscription is closed, never
// the underlying connection.
func (p *RelayPool) Unsubscribe(relayURL string, sub *Subscription) {
	if sub == nil {
		return
	}

	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()

	if rc == nil {
		sub.Close()
		return
	}

	rc.mu.Lock()
	_, exists := rc.subscriptions[sub.ID]
	shouldSendClose := !rc.closed && exists
	if exists {
		delete(rc.subscriptions, sub.ID)
	}
	rc.mu.Unlock()

	// Send CLOSE outside of mutex (best effort, connection may be gone)
	if shouldSendClose {
		closeMsg := []interface{}{"CLOSE", sub.ID}
		rc.writeMu.Lock()
		rc.conn.WriteJSON(closeMsg)
		rc.writeMu.Unlock()
	}

	sub.Close()
}

// Query broadcasts a filter to every reachable relay in relays and collects
// events until all contacted relays signal EOSE or the timeout fires,
// whichever comes first. Partial results are returned, never an error.
// Events are unordered; callers pick the newest themselves.
func (p *RelayPool) Query(ctx context.Context, relays []string, filter nostr.Filter, timeout time.Duration) []nostr.Event {
	if len(relays) == 0 {
		return nil
	}
	IncrementRelayQuery()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	relays = p.byPriority(relays)

	var wg sync.WaitGroup
	eventChan := make(chan nostr.Event, 256)

	for _, relay := range relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			p.queryRelay(ctx, relayURL, filter, eventChan)
		}(relay)
	}

	// Close the channel once every contacted relay finished (EOSE,
	// failure, or deadline).
	go func() {
		wg.Wait()
		close(eventChan)
	}()

	seenIDs := make(map[string]bool)
	var events []nostr.Event

	// Unique lookups stop after a short grace period with no newer event.
	var grace *time.Timer
	var graceCh <-chan time.Time
	unique := filter.UniqueLookup()
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

	for {
		select {
		case evt, ok := <-eventChan:
			if !ok {
				return events
			}
			if seenIDs[evt.ID] {
				continue
			}
			seenIDs[evt.ID] = true
			events = append(events, evt)
			if unique {
				if grace == nil {
					grace = time.NewTimer(earlyTerminationGrace)
					graceCh = grace.C
				} else {
					grace.Reset(earlyTerminationGrace)
				}
			}
		case <-graceCh:
			cancel()
			return events
		case <-ctx.Done():
			return events
		}
	}
}

// queryRelay runs a single-relay leg of a broadcast query. It returns after
// EOSE or when the query deadline fires; relay failures are silent.
func (p *RelayPool) queryRelay(ctx context.Context, relayURL string, filter nostr.Filter, out chan<- nostr.Event) {
	start := time.Now()
	sub, err := p.Subscribe(ctx, relayURL, "q-"+randomID(8), filter)
	if err != nil {
		slog.Debug("pool: query subscribe failed", "relay", relayURL, "error", err)
		return
	}
	defer p.Unsubscribe(relayURL, sub)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done:
			return
		case evt := <-sub.EventChan:
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		case <-sub.EOSEChan:
			p.recordLatency(relayURL, time.Since(start))
			return
		}
	}
}

// byPriority reorders relays to prefer known-fast endpoints. Relays with
// equal (or unknown) latency keep the caller's order.
func (p *RelayPool) byPriority(relays []string) []string {
	p.statsMu.Lock()
	scores := make(map[string]int64, len(relays))
	for _, r := range relays {
		if ms, ok := p.avgMs[r]; ok {
			scores[r] = ms
		} else {
			scores[r] = 1 << 30 // unknown sorts last among themselves, stably
		}
	}
	p.statsMu.Unlock()

	sorted := make([]string, len(relays))
	copy(sorted, relays)
	sort.SliceStable(sorted, func(i, j int) bool {
		return scores[sorted[i]] < scores[sorted[j]]
	})
	return sorted
}

// recordLatency keeps an exponential moving average (alpha=0.3) per relay.
func (p *RelayPool) recordLatency(relayURL string, d time.Duration) {
	ms := d.Milliseconds()
	p.statsMu.Lock()
	if prev, ok := p.avgMs[relayURL]; ok {
		p.avgMs[relayURL] = int64(0.3*float64(ms) + 0.7*float64(prev))
	} else {
		p.avgMs[relayURL] = ms
	}
	p.statsMu.Unlock()
}

// ConnectionCount returns the number of live pooled connections.
func (p *RelayPool) ConnectionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}

// readLoop continuously reads from the connection and routes messages
func (rc *relayConn) readLoop() {
	defer rc.markClosed()

	for {
		_, raw, err := rc.conn.ReadMessage()
		if err != nil {
			rc.mu.Lock()
			closed := rc.closed
			rc.mu.Unlock()
			if !closed {
				slog.Debug("pool: read error", "relay", rc.relayURL, "error", err)
			}
			return
		}

		rc.touch()

		var msg []json.RawMessage
		if err := json.Unmarshal(raw, &msg); err != nil || len(msg) < 2 {
			continue
		}

		var msgType string
		if err := json.Unmarshal(msg[0], &msgType); err != nil {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}
			evt, ok := nostr.ParseEvent(msg[2])
			if !ok {
				continue
			}

			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()

			if sub != nil {
				select {
				case sub.EventChan <- evt:
				case <-sub.Done:
				default:
					// Channel full, drop event
				}
			}

		case "EOSE":
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}

			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()

			if sub != nil {
				select {
				case sub.EOSEChan <- true:
				default:
				}
			}

		case "CLOSED":
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}
			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			if sub != nil {
				delete(rc.subscriptions, subID)
			}
			rc.mu.Unlock()
			if sub != nil {
				sub.Close()
			}

		case "NOTICE":
			var notice string
			json.Unmarshal(msg[1], &notice)
			slog.Debug("pool: NOTICE", "relay", rc.relayURL, "notice", notice)
		}
	}
}

func (rc *relayConn) touch() {
	rc.mu.Lock()
	rc.lastUsed = time.Now()
	rc.mu.Unlock()
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

// markClosed marks the connection as closed and cleans up
func (rc *relayConn) markClosed() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}

	rc.closed = true
	rc.conn.Close()

	// Close all subscription channels
	for _, sub := range rc.subscriptions {
		sub.Close()
	}
	rc.subscriptions = make(map[string]*Subscription)
}

// cleanupLoop periodically reaps idle connections
func (p *RelayPool) cleanupLoop() {
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

// cleanup closes connections whose lastUsed is older than the idle threshold
func (p *RelayPool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for url, rc := range p.connections {
		rc.mu.Lock()
		idle := now.Sub(rc.lastUsed) > p.idleThreshold
		closed := rc.closed
		rc.mu.Unlock()

		if closed || idle {
			if !closed {
				slog.Debug("pool: closing idle connection", "relay", url)
				rc.markClosed()
			}
			delete(p.connections, url)
		}
	}
}

// Shutdown closes all connections in one batch and stops the janitor.
func (p *RelayPool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})

	p.mu.Lock()
	conns := make([]*relayConn, 0, len(p.connections))
	for _, rc := range p.connections {
		conns = append(conns, rc)
	}
	p.connections = make(map[string]*relayConn)
	p.mu.Unlock()

	for _, rc := range conns {
		rc.markClosed()
	}
}

// randomID creates a short random identifier for subscription IDs.
func randomID(n int) string {
	b := make([]byte, (n+1)/2)
	rand.Read(b)
	return hex.EncodeToString(b)[:n]
}
