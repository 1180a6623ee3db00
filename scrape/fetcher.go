package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// defaultUserAgents rotate per request. Procurement sites throttle
// identifiable automation aggressively.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
}

// FetchResult is one HTTP attempt's outcome.
type FetchResult struct {
	Body       string
	StatusCode int
}

// FetcherConfig configures the HTTP layer.
type FetcherConfig struct {
	MaxBytes   int64         // max response body size, default 10MB
	Timeout    time.Duration // fallback when the domain policy has none
	UserAgents []string      // rotation pool, defaults applied when empty
}

func (c *FetcherConfig) defaults() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if len(c.UserAgents) == 0 {
		c.UserAgents = defaultUserAgents
	}
}

// Fetcher performs HTTP GETs with a rotating client identity and
// per-domain custom headers. Timeouts come from the resolved domain policy
// via the request context.
type Fetcher struct {
	client *http.Client
	config FetcherConfig
	next   atomic.Uint64
}

// NewFetcher creates a Fetcher. A nil client uses a default with a capped
// redirect chain.
func NewFetcher(cfg FetcherConfig, client *http.Client) *Fetcher {
	cfg.defaults()
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				return nil
			},
		}
	}
	return &Fetcher{client: client, config: cfg}
}

// Fetch retrieves url within timeout, sending the next User-Agent in the
// rotation plus any policy headers. Transport errors come back as errors;
// HTTP status codes, whatever they are, come back in the result.
func (f *Fetcher) Fetch(ctx context.Context, url string, timeout time.Duration, headers map[string]string) (*FetchResult, error) {
	if timeout <= 0 {
		timeout = f.config.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &FetchResult{Body: string(body), StatusCode: resp.StatusCode}, nil
}

func (f *Fetcher) userAgent() string {
	n := f.next.Add(1) - 1
	return f.config.UserAgents[n%uint64(len(f.config.UserAgents))]
}
