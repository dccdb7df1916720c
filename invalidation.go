package main

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"nsite-gateway/internal/nostr"
)

// Invalidation subscriber states.
const (
	invStateDisabled   int32 = iota // feature off
	invStateConnecting              // no relay subscribed yet
	invStateLive                    // at least one relay subscribed
	invStateDegraded                // all subscriptions lost, retrying
	invStateClosed                  // shut down
)

// mappingBackfill is how far back the mapping-event subscription reaches on
// (re)connect, so updates published during a disconnect are not lost.
const mappingBackfill = time.Hour

// subscribePool is the slice of the relay pool the subscriber consumes.
type subscribePool interface {
	Subscribe(ctx context.Context, relayURL, subID string, filter nostr.Filter) (*Subscription, error)
	Unsubscribe(relayURL string, sub *Subscription)
}

// InvalidationSubscriber keeps long-lived subscriptions on a fixed relay set
// and applies published updates to the cache as they arrive, so most cache
// entries are fresh before anyone requests them.
type InvalidationSubscriber struct {
	store          *Store
	pool           subscribePool
	relays         []string
	defaultRelays  []string
	defaultServers []string
	reconnectDelay time.Duration

	state    atomic.Int32
	liveSubs atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInvalidationSubscriber builds a subscriber over the given relays. It
// does not connect until Start.
func NewInvalidationSubscriber(store *Store, pool subscribePool, relays, defaultRelays, defaultServers []string, reconnectDelay time.Duration) *InvalidationSubscriber {
	ctx, cancel := context.WithCancel(context.Background())
	s := &InvalidationSubscriber{
		store:          store,
		pool:           pool,
		relays:         relays,
		defaultRelays:  defaultRelays,
		defaultServers: defaultServers,
		reconnectDelay: reconnectDelay,
		ctx:            ctx,
		cancel:         cancel,
	}
	s.state.Store(invStateDisabled)
	return s
}

// Start launches one supervisor goroutine per relay. Each goroutine owns
// that relay's subscriptions and reconnects them forever.
func (s *InvalidationSubscriber) Start() {
	if len(s.relays) == 0 {
		slog.Info("invalidation: no relays configured, staying disabled")
		return
	}
	s.state.Store(invStateConnecting)
	slog.Info("invalidation: starting", "relays", len(s.relays))

	for _, relay := range s.relays {
		s.wg.Add(1)
		go func(relayURL string) {
			defer s.wg.Done()
			s.superviseRelay(relayURL)
		}(relay)
	}
}

// Stop tears down every subscription and waits for the supervisors to exit.
func (s *InvalidationSubscriber) Stop() {
	s.cancel()
	s.wg.Wait()
	s.state.Store(invStateClosed)
	slog.Info("invalidation: stopped")
}

// State returns the subscriber's state as a label for diagnostics.
func (s *InvalidationSubscriber) State() string {
	switch s.state.Load() {
	case invStateConnecting:
		return "connecting"
	case invStateLive:
		return "live"
	case invStateDegraded:
		return "degraded"
	case invStateClosed:
		return "closed"
	default:
		return "disabled"
	}
}

// LiveSubscriptions returns how many relay legs currently hold open
// subscriptions.
func (s *InvalidationSubscriber) LiveSubscriptions() int {
	return int(s.liveSubs.Load())
}

// superviseRelay maintains this relay's subscriptions for the lifetime of
// the subscriber, re-establishing them after any loss.
func (s *InvalidationSubscriber) superviseRelay(relayURL string) {
	for {
		if s.ctx.Err() != nil {
			return
		}

		err := s.runRelay(relayURL)
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Debug("invalidation: relay leg failed", "relay", relayURL, "error", err)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

// runRelay subscribes to the three event kinds on one relay and processes
// events until the subscriptions die or the subscriber stops.
func (s *InvalidationSubscriber) runRelay(relayURL string) error {
	now := time.Now().Unix()
	backfill := now - int64(mappingBackfill/time.Second)

	filters := []nostr.Filter{
		{Kinds: []int{nostr.KindPathMapping}, Since: &backfill},
		{Kinds: []int{nostr.KindRelayList}, Since: &now},
		{Kinds: []int{nostr.KindServerList}, Since: &now},
	}

	subs := make([]*Subscription, 0, len(filters))
	for i, filter := range filters {
		sub, err := s.pool.Subscribe(s.ctx, relayURL, "inv-"+randomID(6)+"-"+strconv.Itoa(i), filter)
		if err != nil {
			for _, opened := range subs {
				s.pool.Unsubscribe(relayURL, opened)
			}
			return err
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			s.pool.Unsubscribe(relayURL, sub)
		}
	}()

	s.legUp()
	defer s.legDown()
	slog.Debug("invalidation: subscribed", "relay", relayURL)

	// Funnel the per-filter channels into one processing loop.
	done := make(chan struct{})
	events := make(chan nostr.Event, 64)
	var fanWg sync.WaitGroup
	for _, sub := range subs {
		fanWg.Add(1)
		go func(sub *Subscription) {
			defer fanWg.Done()
			for {
				select {
				case evt := <-sub.EventChan:
					select {
					case events <- evt:
					case <-s.ctx.Done():
						return
					}
				case <-sub.Done:
					return
				case <-s.ctx.Done():
					return
				}
			}
		}(sub)
	}
	go func() {
		fanWg.Wait()
		close(done)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-done:
			return nil
		case evt := <-events:
			s.handleEvent(evt)
		}
	}
}

func (s *InvalidationSubscriber) legUp() {
	if s.liveSubs.Add(1) >= 1 {
		s.state.Store(invStateLive)
	}
}

func (s *InvalidationSubscriber) legDown() {
	if s.liveSubs.Add(-1) == 0 && s.ctx.Err() == nil {
		s.state.Store(invStateDegraded)
	}
}

// handleEvent applies one published event to the cache. A malformed event
// must never take the subscriber down.
func (s *InvalidationSubscriber) handleEvent(evt nostr.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("invalidation: panic in event handler", "kind", evt.Kind, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	switch evt.Kind {
	case nostr.KindPathMapping:
		s.applyPathMapping(ctx, evt)
	case nostr.KindRelayList:
		s.applyRelayList(ctx, evt)
	case nostr.KindServerList:
		s.applyServerList(ctx, evt)
	}
}

func (s *InvalidationSubscriber) applyPathMapping(ctx context.Context, evt nostr.Event) {
	path := evt.Tag("d")
	if path == "" {
		// No path, nothing to invalidate.
		return
	}

	// Replaceable events can arrive out of order; never let an older event
	// clobber a newer cached mapping.
	if existing, ok := s.store.GetPathMapping(ctx, evt.PubKey, path); ok && existing.CreatedAt > evt.CreatedAt {
		return
	}

	sha := evt.Tag("x")
	if !validSHA256(sha) {
		// A mapping without a hash is a deletion of that path.
		s.store.DeletePathMapping(ctx, evt.PubKey, path)
		s.store.ClearNegative(ctx, pathNegativeKey(evt.PubKey, path))
		IncrementInvalidation()
		slog.Debug("invalidation: path removed", "pubkey", shortID(evt.PubKey), "path", path)
		return
	}

	s.store.PutPathMapping(ctx, &PathMapping{
		Pubkey:    evt.PubKey,
		Path:      path,
		SHA256:    sha,
		CreatedAt: evt.CreatedAt,
	})
	s.store.ClearNegative(ctx, pathNegativeKey(evt.PubKey, path))
	IncrementInvalidation()
	slog.Debug("invalidation: path updated", "pubkey", shortID(evt.PubKey), "path", path, "sha256", shortID(sha))
}

func (s *InvalidationSubscriber) applyRelayList(ctx context.Context, evt nostr.Event) {
	relays := nostr.ParseRelayList(&evt)
	if len(relays) == 0 {
		relays = s.defaultRelays
	}
	s.store.PutRelayList(ctx, &RelayList{Pubkey: evt.PubKey, Relays: relays})
	IncrementInvalidation()
	slog.Debug("invalidation: relay list updated", "pubkey", shortID(evt.PubKey), "count", len(relays))
}

func (s *InvalidationSubscriber) applyServerList(ctx context.Context, evt nostr.Event) {
	servers := nostr.ParseServerList(&evt)
	if len(servers) == 0 {
		servers = s.defaultServers
	}
	s.store.PutServerList(ctx, &ServerList{Pubkey: evt.PubKey, Servers: servers})
	IncrementInvalidation()
	slog.Debug("invalidation: server list updated", "pubkey", shortID(evt.PubKey), "count", len(servers))
}
