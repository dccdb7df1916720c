package nostr

import "encoding/json"

// Event kinds recognized by the gateway.
const (
	KindRelayList   = 10002 // NIP-65 preferred relays
	KindServerList  = 10063 // BUD-03 preferred blob servers
	KindPathMapping = 34128 // nsite file-path mapping
)

// Event is a signed record received from a relay.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Tag returns the first value for the given tag name, or "" if not present.
func (e *Event) Tag(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// HasTag returns true if the given tag name exists, even with an empty value.
func (e *Event) HasTag(name string) bool {
	for _, tag := range e.Tags {
		if len(tag) >= 1 && tag[0] == name {
			return true
		}
	}
	return false
}

// ParseEvent decodes a relay EVENT payload. Returns false on malformed input.
func ParseEvent(raw []byte) (Event, bool) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, false
	}
	if evt.ID == "" || evt.PubKey == "" {
		return Event{}, false
	}
	return evt, true
}

// Filter is the query document sent to relays in a REQ.
type Filter struct {
	Authors []string
	Kinds   []int
	Tags    map[string][]string // tag name (without '#') -> values
	Since   *int64
	Limit   int
}

// ToWire builds the NIP-01 filter object for a REQ message.
func (f Filter) ToWire() map[string]interface{} {
	wire := map[string]interface{}{}
	if len(f.Authors) > 0 {
		wire["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		wire["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		wire["#"+name] = values
	}
	if f.Since != nil {
		wire["since"] = *f.Since
	}
	if f.Limit > 0 {
		wire["limit"] = f.Limit
	}
	return wire
}

// UniqueLookup reports whether the filter identifies a single replaceable
// record: one author, one list-like kind, limit 1. Queries shaped this way
// can stop as soon as one event has settled.
func (f Filter) UniqueLookup() bool {
	if len(f.Authors) != 1 || f.Limit != 1 || len(f.Kinds) != 1 {
		return false
	}
	switch f.Kinds[0] {
	case KindRelayList, KindServerList, KindPathMapping:
		return true
	}
	return false
}

// ParseRelayList extracts read-capable relay URLs from a kind 10002 event.
// Entries tagged "write" are skipped; untagged and "read" entries are kept.
// Order is preserved and duplicates removed.
func ParseRelayList(evt *Event) []string {
	var relays []string
	seen := make(map[string]bool)
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		if len(tag) >= 3 && tag[2] == "write" {
			continue
		}
		url := NormalizeRelayURL(tag[1])
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		relays = append(relays, url)
	}
	return relays
}

// ParseServerList extracts blob server URLs from a kind 10063 event.
// Position is priority, so order is preserved; duplicates removed.
func ParseServerList(evt *Event) []string {
	var servers []string
	seen := make(map[string]bool)
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "server" {
			continue
		}
		url := NormalizeServerURL(tag[1])
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		servers = append(servers, url)
	}
	return servers
}
