package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// verifyHashLimit: hash verification is a soft check applied only when the
// configured cap keeps files small enough for it to be cheap.
const verifyHashLimit = 10 * 1024 * 1024

const blobUserAgent = "nsite-gateway/1.0"

// Blob is a fetched file plus its trustworthy content type.
type Blob struct {
	Data        []byte
	ContentType string
}

// BlobFetcher retrieves content-addressed files from a ranked list of blob
// servers with per-server failover. It never returns an error: every
// failure mode degrades to an absent result.
type BlobFetcher struct {
	store       *Store
	client      *http.Client
	maxFileSize int64
	timeout     time.Duration
}

// NewBlobFetcher builds a fetcher over the shared cache store.
func NewBlobFetcher(store *Store, maxFileSize int64, timeout time.Duration) *BlobFetcher {
	return &BlobFetcher{
		store: store,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		maxFileSize: maxFileSize,
		timeout:     timeout,
	}
}

// Fetch returns the bytes for sha256Hex, trying servers in order. pathHint
// drives content-type determination; it is not part of the blob identity.
func (f *BlobFetcher) Fetch(ctx context.Context, sha256Hex string, servers []string, pathHint string) (*Blob, bool) {
	if data, ok := f.store.GetContent(ctx, sha256Hex); ok {
		return &Blob{
			Data:        data,
			ContentType: DetermineContentType(pathHint, "", data),
		}, true
	}

	if len(servers) == 0 {
		return nil, false
	}

	for _, server := range f.rankServers(ctx, sha256Hex, servers) {
		blob, ok := f.fetchFromServer(ctx, server, sha256Hex, pathHint)
		if !ok {
			continue
		}

		f.store.PutContent(ctx, sha256Hex, blob.Data)
		f.store.AddBlobURL(ctx, sha256Hex, server)
		IncrementBlobFetch()
		return blob, true
	}

	IncrementBlobFetchError()
	return nil, false
}

// rankServers moves servers that have already served this blob to the front
// of the failover order. Relative order is preserved within each group.
func (f *BlobFetcher) rankServers(ctx context.Context, sha256Hex string, servers []string) []string {
	set, ok := f.store.GetBlobURLs(ctx, sha256Hex)
	if !ok || len(set.URLs) == 0 {
		return servers
	}
	known := make(map[string]bool, len(set.URLs))
	for _, u := range set.URLs {
		known[u] = true
	}

	ranked := make([]string, 0, len(servers))
	var rest []string
	for _, server := range servers {
		if known[server] {
			ranked = append(ranked, server)
		} else {
			rest = append(rest, server)
		}
	}
	return append(ranked, rest...)
}

// fetchFromServer runs one leg of the failover loop. Any problem with this
// server means "try the next one".
func (f *BlobFetcher) fetchFromServer(ctx context.Context, server, sha256Hex, pathHint string) (*Blob, bool) {
	blobURL := strings.TrimSuffix(server, "/") + "/" + sha256Hex

	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, blobURL, nil)
	if err != nil {
		slog.Debug("blob request build failed", "server", server, "error", err)
		return nil, false
	}
	req.Header.Set("User-Agent", blobUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		slog.Debug("blob fetch failed", "server", server, "sha256", shortID(sha256Hex), "error", err)
		return nil, false
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// proceed
	case resp.StatusCode == http.StatusNotFound:
		return nil, false
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		slog.Debug("blob too large for server", "server", server, "sha256", shortID(sha256Hex))
		return nil, false
	case resp.StatusCode == http.StatusTooManyRequests:
		slog.Info("blob server rate limited us", "server", server)
		return nil, false
	default:
		slog.Debug("blob fetch bad status", "server", server, "status", resp.StatusCode)
		return nil, false
	}

	if resp.ContentLength > f.maxFileSize {
		slog.Debug("blob exceeds size cap", "server", server,
			"content_length", resp.ContentLength, "cap", f.maxFileSize)
		return nil, false
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxFileSize+1))
	if err != nil {
		slog.Debug("blob read failed", "server", server, "error", err)
		return nil, false
	}
	if int64(len(data)) > f.maxFileSize {
		slog.Debug("blob exceeds size cap mid-read", "server", server, "cap", f.maxFileSize)
		return nil, false
	}

	contentType := DetermineContentType(pathHint, resp.Header.Get("Content-Type"), data)

	// Soft integrity check for small configurations; a mismatch is worth a
	// warning but the bytes are still served.
	if f.maxFileSize < verifyHashLimit {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != sha256Hex {
			slog.Warn("blob hash mismatch",
				"server", server,
				"want", shortID(sha256Hex),
				"got", shortID(got))
		}
	}

	return &Blob{Data: data, ContentType: contentType}, true
}
