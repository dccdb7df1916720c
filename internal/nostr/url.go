package nostr

import (
	"net/url"
	"strings"
)

// isInternalHost blocks hostnames that cannot be public endpoints.
func isInternalHost(host string) bool {
	host = strings.ToLower(host)
	return strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".internal") ||
		strings.HasSuffix(host, ".onion") ||
		strings.HasSuffix(host, ".localhost")
}

// isLoopbackHost checks if a hostname refers to localhost.
func isLoopbackHost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" ||
		host == "127.0.0.1" ||
		host == "::1" ||
		strings.HasPrefix(host, "127.") ||
		host == "[::1]"
}

// NormalizeRelayURL validates and normalizes a relay URL from a list event.
// Returns empty string if the URL is invalid/malformed.
func NormalizeRelayURL(relayURL string) string {
	return normalizeURL(relayURL, "ws", "wss")
}

// NormalizeServerURL validates and normalizes a blob server URL.
// Returns empty string if the URL is invalid/malformed.
func NormalizeServerURL(serverURL string) string {
	return normalizeURL(serverURL, "http", "https")
}

func normalizeURL(rawURL string, schemes ...string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	// Quick reject for obviously bad URLs (no protocol, encoded spaces,
	// double protocols)
	if !strings.Contains(rawURL, "://") {
		return ""
	}
	if strings.Contains(rawURL, "%20") || strings.Contains(rawURL, " ") {
		return ""
	}
	if strings.Count(rawURL, "://") > 1 {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	schemeOK := false
	for _, s := range schemes {
		if parsed.Scheme == s {
			schemeOK = true
			break
		}
	}
	if !schemeOK {
		return ""
	}

	host := parsed.Hostname()
	if host == "" || len(host) < 3 && !isLoopbackHost(host) {
		return ""
	}
	if !strings.Contains(host, ".") && host != "localhost" {
		return ""
	}
	// Block internal/unreachable hosts (.onion, .local, .internal);
	// localhost stays allowed for development.
	if isInternalHost(host) {
		return ""
	}

	// Normalize: lowercase scheme and host, strip trailing slash
	result := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(host)
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if parsed.Path != "" && parsed.Path != "/" {
		result += strings.TrimSuffix(parsed.Path, "/")
	}
	return result
}
