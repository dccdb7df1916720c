package main

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"nsite-gateway/internal/nostr"
)

// notFoundPath is the conventional fallback mapping a site publishes for
// missing paths.
const notFoundPath = "/404.html"

// Querier is the slice of the relay pool the resolver consumes.
type Querier interface {
	Query(ctx context.Context, relays []string, filter nostr.Filter, timeout time.Duration) []nostr.Event
}

// Resolver translates (pubkey, path) into a blob hash and resolves the
// per-pubkey relay and server list documents. Every operation is
// cache-first, relay-fallback, cache-on-return, and never returns an error:
// upstream trouble degrades to an absent result.
type Resolver struct {
	store *Store
	pool  Querier

	defaultRelays  []string
	defaultServers []string
	queryTimeout   time.Duration

	relaysGroup  singleflight.Group
	serversGroup singleflight.Group
	pathsGroup   singleflight.Group
}

// NewResolver wires the resolver to its cache and relay pool.
func NewResolver(store *Store, pool Querier, defaultRelays, defaultServers []string, queryTimeout time.Duration) *Resolver {
	return &Resolver{
		store:          store,
		pool:           pool,
		defaultRelays:  defaultRelays,
		defaultServers: defaultServers,
		queryTimeout:   queryTimeout,
	}
}

// RelayList returns the read-capable relays for a pubkey, falling back to
// the configured defaults when the user has published none.
func (r *Resolver) RelayList(ctx context.Context, pubkey string) []string {
	if rl, ok := r.store.GetRelayList(ctx, pubkey); ok {
		return rl.Relays
	}

	result, _, _ := r.relaysGroup.Do(pubkey, func() (interface{}, error) {
		return r.fetchRelayList(ctx, pubkey), nil
	})
	return result.([]string)
}

func (r *Resolver) fetchRelayList(ctx context.Context, pubkey string) []string {
	filter := nostr.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{nostr.KindRelayList},
		Limit:   1,
	}
	events := r.pool.Query(ctx, r.defaultRelays, filter, r.queryTimeout)

	relays := r.defaultRelays
	if evt := newestEvent(events); evt != nil {
		if parsed := nostr.ParseRelayList(evt); len(parsed) > 0 {
			relays = parsed
		}
	}

	r.store.PutRelayList(ctx, &RelayList{Pubkey: pubkey, Relays: relays})
	return relays
}

// ServerList returns the user's blob servers in priority order, falling
// back to the configured defaults.
func (r *Resolver) ServerList(ctx context.Context, pubkey string) []string {
	if sl, ok := r.store.GetServerList(ctx, pubkey); ok {
		return sl.Servers
	}

	result, _, _ := r.serversGroup.Do(pubkey, func() (interface{}, error) {
		return r.fetchServerList(ctx, pubkey), nil
	})
	return result.([]string)
}

func (r *Resolver) fetchServerList(ctx context.Context, pubkey string) []string {
	relays := r.RelayList(ctx, pubkey)
	if len(relays) == 0 {
		relays = r.defaultRelays
	}

	filter := nostr.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{nostr.KindServerList},
		Limit:   1,
	}
	events := r.pool.Query(ctx, relays, filter, r.queryTimeout)

	servers := r.defaultServers
	if evt := newestEvent(events); evt != nil {
		if parsed := nostr.ParseServerList(evt); len(parsed) > 0 {
			servers = parsed
		}
	}

	r.store.PutServerList(ctx, &ServerList{Pubkey: pubkey, Servers: servers})
	return servers
}

// ResolvePath produces the blob hash for (pubkey, path). The path must
// already be normalized by the caller. When the exact path has no mapping
// the conventional /404.html mapping is tried once; deeper recursion is
// never attempted. Terminal misses are negative-cached.
func (r *Resolver) ResolvePath(ctx context.Context, pubkey, path string) (string, bool) {
	type resolved struct {
		hash  string
		found bool
	}
	result, _, _ := r.pathsGroup.Do(pathKey(pubkey, path), func() (interface{}, error) {
		hash, found := r.resolvePath(ctx, pubkey, path)
		return resolved{hash, found}, nil
	})
	res := result.(resolved)
	return res.hash, res.found
}

func (r *Resolver) resolvePath(ctx context.Context, pubkey, path string) (string, bool) {
	current := path
	var missed []string

	// Bounded fallback: at most the requested path and /404.html.
	for {
		if pm, ok := r.store.GetPathMapping(ctx, pubkey, current); ok {
			return pm.SHA256, true
		}
		if r.store.Negative(ctx, pathNegativeKey(pubkey, current)) {
			return "", false
		}

		hash, found, terminal := r.queryMapping(ctx, pubkey, current)
		if found {
			return hash, true
		}
		missed = append(missed, current)
		if terminal || current == notFoundPath {
			break
		}
		current = notFoundPath
	}

	for _, p := range missed {
		r.store.MarkNegative(ctx, pathNegativeKey(pubkey, p))
	}
	return "", false
}

// queryMapping asks the relays for one path's mapping event. It queries the
// user's relays first with a short timeout, then the union of user and
// default relays with a longer one. terminal=true means the miss is
// authoritative and the /404.html fallback must not run.
func (r *Resolver) queryMapping(ctx context.Context, pubkey, path string) (hash string, found bool, terminal bool) {
	filter := nostr.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{nostr.KindPathMapping},
		Tags:    map[string][]string{"d": {path}},
		Limit:   1,
	}

	userRelays := r.RelayList(ctx, pubkey)
	events := r.pool.Query(ctx, userRelays, filter, r.queryTimeout)
	if len(events) == 0 {
		union := unionRelays(userRelays, r.defaultRelays)
		events = r.pool.Query(ctx, union, filter, 2*r.queryTimeout)
	}

	evt := newestEvent(events)
	if evt == nil {
		return "", false, false
	}

	sha := evt.Tag("x")
	if !validSHA256(sha) {
		// A mapping event without a usable content hash is an
		// authoritative "nothing to serve" for this path.
		slog.Debug("mapping event missing x tag", "pubkey", shortID(pubkey), "path", path)
		r.store.MarkNegative(ctx, pathNegativeKey(pubkey, path))
		return "", false, true
	}

	r.store.PutPathMapping(ctx, &PathMapping{
		Pubkey:    pubkey,
		Path:      path,
		SHA256:    sha,
		CreatedAt: evt.CreatedAt,
	})
	return sha, true, false
}

func pathNegativeKey(pubkey, path string) string {
	return "paths:" + pubkey + "|" + path
}

// newestEvent picks the event with the greatest created_at; query results
// are unordered by contract.
func newestEvent(events []nostr.Event) *nostr.Event {
	var newest *nostr.Event
	for i := range events {
		if newest == nil || events[i].CreatedAt > newest.CreatedAt {
			newest = &events[i]
		}
	}
	return newest
}

func unionRelays(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var union []string
	for _, list := range [][]string{a, b} {
		for _, r := range list {
			if !seen[r] {
				seen[r] = true
				union = append(union, r)
			}
		}
	}
	return union
}

// validSHA256 reports whether s is 64 lowercase hex characters.
func validSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// shortID truncates pubkeys and hashes for log lines.
func shortID(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}
