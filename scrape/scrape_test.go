package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/procwatch/dbopen"
	"github.com/hazyhaar/procwatch/docparse"
	"github.com/hazyhaar/procwatch/dompolicy"
	"github.com/hazyhaar/procwatch/notify"
	"github.com/hazyhaar/procwatch/opstore"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureNotifier) Notify(_ context.Context, ev notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureNotifier) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		out = append(out, ev.Kind)
	}
	return out
}

type harness struct {
	orch     *Orchestrator
	store    *opstore.Store
	notifier *captureNotifier
	slept    *[]time.Duration
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(opstore.Schema), dbopen.WithSchema(dompolicy.Schema))
	store := opstore.New(db)
	policies := dompolicy.NewStore(db)
	notifier := &captureNotifier{}

	var slept []time.Duration
	allOpts := append([]Option{WithSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})}, opts...)

	orch := New(cfg, NewFetcher(FetcherConfig{}, nil), docparse.New(nil), policies, store, notifier, nil, allOpts...)
	return &harness{orch: orch, store: store, notifier: notifier, slept: &slept}
}

func newRecord(t *testing.T, store *opstore.Store, url string) *opstore.Opportunity {
	t.Helper()
	rec := &opstore.Opportunity{
		TenantID:           "t1",
		Fingerprint:        "fp-" + t.Name(),
		SolicitationNumber: "SPE7L5-26-Q-0042",
		SourceURL:          url,
	}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("create record: %v", err)
	}
	return rec
}

func allowAll(timeout time.Duration) *dompolicy.Policy {
	return &dompolicy.Policy{Domain: "127.0.0.1", Enabled: true, Timeout: timeout}
}

func TestScrapeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
			<h2>Line Item 0001</h2>
			<table><tr><td>NSN:</td><td>5310-01-111-2222</td></tr>
			<tr><td>Quantity:</td><td>25 EA</td></tr></table>
			</body></html>`))
	}))
	defer srv.Close()

	h := newHarness(t, Config{})
	rec := newRecord(t, h.store, srv.URL)

	res := h.orch.Scrape(context.Background(), rec, allowAll(time.Second))
	if res.Status != opstore.ScrapeSuccess {
		t.Fatalf("status: %q (%s)", res.Status, res.Err)
	}
	if res.Doc == nil || res.Doc.TotalLineItems != 1 {
		t.Fatalf("doc: %+v", res.Doc)
	}
	if res.HaltTenant {
		t.Error("success must not halt the tenant")
	}

	got, err := h.store.Get(context.Background(), "t1", rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ScrapingStatus != opstore.ScrapeSuccess {
		t.Errorf("persisted status: %q", got.ScrapingStatus)
	}
	body, md, err := h.store.GetSnapshot(context.Background(), "t1", rec.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if body == "" || md == "" {
		t.Error("snapshot body and markdown must both be persisted")
	}

	// Politeness pause inside the configured window.
	if len(*h.slept) != 1 {
		t.Fatalf("sleeps: %v", *h.slept)
	}
	if d := (*h.slept)[0]; d < 2*time.Second || d >= 5*time.Second {
		t.Errorf("politeness delay out of window: %v", d)
	}
}

func TestScrapeTimeoutRetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	h := newHarness(t, Config{MaxAttempts: 3})
	rec := newRecord(t, h.store, srv.URL)

	res := h.orch.Scrape(context.Background(), rec, allowAll(20*time.Millisecond))
	if res.Status != opstore.ScrapeTimeout {
		t.Fatalf("status: %q (%s)", res.Status, res.Err)
	}
	if res.Attempts != 3 || attempts.Load() != 3 {
		t.Errorf("attempts: result=%d server=%d", res.Attempts, attempts.Load())
	}

	got, _ := h.store.Get(context.Background(), "t1", rec.ID)
	if got.ScrapingStatus != opstore.ScrapeTimeout || got.ScrapingError == "" {
		t.Errorf("persisted: %q %q", got.ScrapingStatus, got.ScrapingError)
	}
	if kinds := h.notifier.kinds(); len(kinds) != 1 || kinds[0] != notify.KindScrapeError {
		t.Errorf("notifications: %v", kinds)
	}
}

func TestScrapeErrorPageHaltsTenant(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Write([]byte(`<html><head><title>DLA Internet Bid Board System - Error</title></head>
			<body>An Error Has Occured</body></html>`))
	}))
	defer srv.Close()

	h := newHarness(t, Config{})
	rec := newRecord(t, h.store, srv.URL)

	res := h.orch.Scrape(context.Background(), rec, allowAll(time.Second))
	if res.Status != opstore.ScrapeErrorPage {
		t.Fatalf("status: %q", res.Status)
	}
	if !res.HaltTenant {
		t.Error("error page must raise the halt signal")
	}
	if attempts.Load() != 1 {
		t.Errorf("error page must not be retried: %d attempts", attempts.Load())
	}
}

func TestScrapeTerminalHTTPStatuses(t *testing.T) {
	cases := []struct {
		code       int
		wantStatus string
		wantErr    string
	}{
		{403, opstore.ScrapeBlocked, "http 403"},
		{401, opstore.ScrapeBlocked, "http 401"},
		{404, opstore.ScrapeFailed, "page not found"},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
		}))
		h := newHarness(t, Config{})
		rec := newRecord(t, h.store, srv.URL)

		res := h.orch.Scrape(context.Background(), rec, allowAll(time.Second))
		if res.Status != tc.wantStatus || res.Err != tc.wantErr {
			t.Errorf("http %d: got (%q,%q), want (%q,%q)", tc.code, res.Status, res.Err, tc.wantStatus, tc.wantErr)
		}
		if res.Attempts != 1 {
			t.Errorf("http %d: %d attempts", tc.code, res.Attempts)
		}
		srv.Close()
	}
}

func TestScrapeGenericErrorRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("<html><body><p>NSN:  5310-01-111-2222</p></body></html>"))
	}))
	defer srv.Close()

	h := newHarness(t, Config{MaxAttempts: 3})
	rec := newRecord(t, h.store, srv.URL)

	res := h.orch.Scrape(context.Background(), rec, allowAll(time.Second))
	if res.Status != opstore.ScrapeSuccess {
		t.Fatalf("status after recovery: %q (%s)", res.Status, res.Err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts: %d", res.Attempts)
	}
}

func TestScrapePolicyGates(t *testing.T) {
	h := newHarness(t, Config{})

	// Policy disabled.
	rec := newRecord(t, h.store, "https://example.com/x")
	disabled := &dompolicy.Policy{Domain: "example.com", Reason: "blocked upstream"}
	res := h.orch.Scrape(context.Background(), rec, disabled)
	if res.Status != opstore.ScrapeBlocked || res.Err != "blocked upstream" {
		t.Errorf("disabled policy: %+v", res)
	}

	// Auth required, no credentials.
	rec2 := &opstore.Opportunity{TenantID: "t1", Fingerprint: "fp-auth", SourceURL: "https://example.com/y"}
	if err := h.store.Create(context.Background(), rec2); err != nil {
		t.Fatalf("create: %v", err)
	}
	auth := &dompolicy.Policy{Domain: "example.com", Enabled: true, RequiresAuth: true}
	res = h.orch.Scrape(context.Background(), rec2, auth)
	if res.Status != opstore.ScrapeRequiresAuth {
		t.Errorf("auth gate: %+v", res)
	}

	// Unknown host, no tiers: denied.
	rec3 := &opstore.Opportunity{TenantID: "t1", Fingerprint: "fp-unknown", SourceURL: "https://nowhere.test/z"}
	if err := h.store.Create(context.Background(), rec3); err != nil {
		t.Fatalf("create: %v", err)
	}
	res = h.orch.Scrape(context.Background(), rec3, nil)
	if res.Status != opstore.ScrapeBlocked {
		t.Errorf("unknown host: %+v", res)
	}
}

func TestScrapeCancellationTransitionsRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><p>Notice of Cancellation</p>
			<table><tr><td>NSN:</td><td>5310-01-111-2222</td></tr></table></body></html>`))
	}))
	defer srv.Close()

	h := newHarness(t, Config{})
	rec := newRecord(t, h.store, srv.URL)

	res := h.orch.Scrape(context.Background(), rec, allowAll(time.Second))
	if res.Status != opstore.ScrapeSuccess || !res.IsCancellation {
		t.Fatalf("result: %+v", res)
	}

	got, _ := h.store.Get(context.Background(), "t1", rec.ID)
	if got.Status != opstore.StatusCancelled {
		t.Errorf("workflow status: %q", got.Status)
	}
	if kinds := h.notifier.kinds(); len(kinds) != 1 || kinds[0] != notify.KindCancellation {
		t.Errorf("notifications: %v", kinds)
	}
}

func TestIsErrorPage(t *testing.T) {
	cases := []struct {
		body string
		want bool
	}{
		{"An Error Has Occured", true},
		{"an error has occurred while processing", true},
		{"<title>DLA Internet Bid Board System - Error</title>", true},
		{"<title>DLA Internet Bid Board System - RFQ</title>", false},
		{"regular procurement content", false},
	}
	for _, tc := range cases {
		if got := isErrorPage(tc.body); got != tc.want {
			t.Errorf("isErrorPage(%q) = %v", tc.body, got)
		}
	}
}

func TestUserAgentRotation(t *testing.T) {
	f := NewFetcher(FetcherConfig{UserAgents: []string{"ua-a", "ua-b"}}, nil)
	if f.userAgent() != "ua-a" || f.userAgent() != "ua-b" || f.userAgent() != "ua-a" {
		t.Error("user agents must rotate in order")
	}
}
