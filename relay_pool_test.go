package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nsite-gateway/internal/nostr"
)

// testRelay is a minimal in-process relay: it answers every REQ with the
// configured events followed by EOSE. With sendEOSE false it leaves the
// subscription hanging after the events.
func testRelay(t *testing.T, events []nostr.Event, sendEOSE bool) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var msg []json.RawMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if len(msg) < 2 {
				continue
			}
			var msgType, subID string
			json.Unmarshal(msg[0], &msgType)
			json.Unmarshal(msg[1], &subID)
			if msgType != "REQ" {
				continue
			}
			for _, evt := range events {
				conn.WriteJSON([]interface{}{"EVENT", subID, evt})
			}
			if sendEOSE {
				conn.WriteJSON([]interface{}{"EOSE", subID})
			}
		}
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func newTestPool(t *testing.T, idleThreshold, cleanupInterval time.Duration) *RelayPool {
	t.Helper()
	pool := NewRelayPool(idleThreshold, cleanupInterval)
	t.Cleanup(pool.Shutdown)
	return pool
}

func TestQueryCollectsEventsUntilEOSE(t *testing.T) {
	evt := nostr.Event{ID: "e1", PubKey: "pk1", Kind: 1, CreatedAt: 100, Content: "hi"}
	srv, wsURL := testRelay(t, []nostr.Event{evt}, true)
	defer srv.Close()

	pool := newTestPool(t, time.Hour, time.Hour)
	events := pool.Query(context.Background(), []string{wsURL}, nostr.Filter{Kinds: []int{1}}, 2*time.Second)

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].ID != "e1" || events[0].Content != "hi" {
		t.Errorf("wrong event: %+v", events[0])
	}
}

func TestQueryDeduplicatesAcrossRelays(t *testing.T) {
	evt := nostr.Event{ID: "same", PubKey: "pk1", Kind: 1, CreatedAt: 100}
	srv1, ws1 := testRelay(t, []nostr.Event{evt}, true)
	defer srv1.Close()
	srv2, ws2 := testRelay(t, []nostr.Event{evt}, true)
	defer srv2.Close()

	pool := newTestPool(t, time.Hour, time.Hour)
	events := pool.Query(context.Background(), []string{ws1, ws2}, nostr.Filter{Kinds: []int{1}}, 2*time.Second)

	if len(events) != 1 {
		t.Errorf("got %d events, want 1 after dedupe", len(events))
	}
}

func TestQueryUnreachableRelayReturnsPartial(t *testing.T) {
	evt := nostr.Event{ID: "e1", PubKey: "pk1", Kind: 1, CreatedAt: 100}
	srv, wsURL := testRelay(t, []nostr.Event{evt}, true)
	defer srv.Close()

	pool := newTestPool(t, time.Hour, time.Hour)
	events := pool.Query(context.Background(),
		[]string{wsURL, "ws://127.0.0.1:1"}, // second relay refuses connections
		nostr.Filter{Kinds: []int{1}}, 2*time.Second)

	if len(events) != 1 {
		t.Errorf("got %d events, want 1 from the healthy relay", len(events))
	}
}

func TestQueryUniqueLookupTerminatesEarly(t *testing.T) {
	evt := nostr.Event{ID: "e1", PubKey: "pk1", Kind: nostr.KindRelayList, CreatedAt: 100}
	// Relay never sends EOSE; only the grace timer can end the query early.
	srv, wsURL := testRelay(t, []nostr.Event{evt}, false)
	defer srv.Close()

	pool := newTestPool(t, time.Hour, time.Hour)
	filter := nostr.Filter{Authors: []string{"pk1"}, Kinds: []int{nostr.KindRelayList}, Limit: 1}

	start := time.Now()
	events := pool.Query(context.Background(), []string{wsURL}, filter, 5*time.Second)
	elapsed := time.Since(start)

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if elapsed > 2*time.Second {
		t.Errorf("unique lookup ran %v, expected early termination", elapsed)
	}
}

func TestQueryBlocksUnsafeRelays(t *testing.T) {
	pool := newTestPool(t, time.Hour, time.Hour)
	events := pool.Query(context.Background(),
		[]string{"wss://relay.internal", "wss://something.local"},
		nostr.Filter{Kinds: []int{1}}, 200*time.Millisecond)
	if len(events) != 0 {
		t.Errorf("got %d events from blocked relays", len(events))
	}
	if pool.ConnectionCount() != 0 {
		t.Error("pool opened connections to blocked relays")
	}
}

func TestConnectionReuse(t *testing.T) {
	evt := nostr.Event{ID: "e1", PubKey: "pk1", Kind: 1, CreatedAt: 100}
	srv, wsURL := testRelay(t, []nostr.Event{evt}, true)
	defer srv.Close()

	pool := newTestPool(t, time.Hour, time.Hour)
	pool.Query(context.Background(), []string{wsURL}, nostr.Filter{Kinds: []int{1}}, 2*time.Second)
	pool.Query(context.Background(), []string{wsURL}, nostr.Filter{Kinds: []int{1}}, 2*time.Second)

	if got := pool.ConnectionCount(); got != 1 {
		t.Errorf("connection count = %d, want 1 (reused)", got)
	}
}

func TestJanitorReapsIdleConnections(t *testing.T) {
	evt := nostr.Event{ID: "e1", PubKey: "pk1", Kind: 1, CreatedAt: 100}
	srv, wsURL := testRelay(t, []nostr.Event{evt}, true)
	defer srv.Close()

	pool := newTestPool(t, 50*time.Millisecond, 25*time.Millisecond)
	pool.Query(context.Background(), []string{wsURL}, nostr.Filter{Kinds: []int{1}}, 2*time.Second)

	if pool.ConnectionCount() == 0 {
		t.Fatal("no connection after query")
	}

	deadline := time.Now().Add(2 * time.Second)
	for pool.ConnectionCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := pool.ConnectionCount(); got != 0 {
		t.Errorf("connection count = %d after idle threshold, want 0", got)
	}
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	evt := nostr.Event{ID: "live1", PubKey: "pk1", Kind: nostr.KindPathMapping, CreatedAt: 100,
		Tags: [][]string{{"d", "/a"}, {"x", testSHA}}}
	srv, wsURL := testRelay(t, []nostr.Event{evt}, false)
	defer srv.Close()

	pool := newTestPool(t, time.Hour, time.Hour)
	sub, err := pool.Subscribe(context.Background(), wsURL, "sub1", nostr.Filter{Kinds: []int{nostr.KindPathMapping}})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer pool.Unsubscribe(wsURL, sub)

	select {
	case got := <-sub.EventChan:
		if got.ID != "live1" {
			t.Errorf("got event %s, want live1", got.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestUnsubscribeClosesDone(t *testing.T) {
	srv, wsURL := testRelay(t, nil, true)
	defer srv.Close()

	pool := newTestPool(t, time.Hour, time.Hour)
	sub, err := pool.Subscribe(context.Background(), wsURL, "sub1", nostr.Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	pool.Unsubscribe(wsURL, sub)

	select {
	case <-sub.Done:
	case <-time.After(time.Second):
		t.Error("Done not closed after Unsubscribe")
	}
}
