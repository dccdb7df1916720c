package nostr

import "testing"

func TestNormalizeRelayURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"wss://relay.example", "wss://relay.example"},
		{"WSS://Relay.Example/", "wss://relay.example"},
		{"wss://relay.example/sub/", "wss://relay.example/sub"},
		{"wss://relay.example:7777", "wss://relay.example:7777"},
		{"ws://localhost:8080", "ws://localhost:8080"},
		{"https://relay.example", ""}, // wrong scheme
		{"relay.example", ""},         // no scheme
		{"wss://", ""},
		{"wss://relay.local", ""},  // internal
		{"wss://hidden.onion", ""}, // unreachable
		{"wss://bad url.example", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeRelayURL(c.in); got != c.want {
			t.Errorf("NormalizeRelayURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeServerURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://blossom.example", "https://blossom.example"},
		{"https://blossom.example/", "https://blossom.example"},
		{"http://127.0.0.1:3000", "http://127.0.0.1:3000"},
		{"wss://blossom.example", ""},
		{"https://cdn.internal", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeServerURL(c.in); got != c.want {
			t.Errorf("NormalizeServerURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
