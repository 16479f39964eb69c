package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPFetcher is the production Fetcher: a single bounded GET per call,
// capped by maxBytes via io.LimitReader so a misbehaving or malicious
// endpoint can never exhaust the process. No retry/backoff policy is
// applied here; fetch_external_data is a single best-effort read, not a
// connector sync (spec §1 Non-goals).
type HTTPFetcher struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPFetcher builds a Fetcher with a bounded per-request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{}, Timeout: timeout}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, maxBytes int64) ([]byte, string, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("httpfetch: build request: %w", err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("httpfetch: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("httpfetch: unexpected status %d", resp.StatusCode)
	}

	limit := maxBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("httpfetch: reading body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("httpfetch: response exceeds %d byte limit", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
