// Package scrape is the fetch orchestrator: given a canonical record and
// its source URL it resolves the domain policy, fetches the page with
// bounded retries, classifies the response, runs the structural extractor,
// and persists the raw snapshot. Soft failures (HTTP 200 error pages)
// raise a halt signal so the queue owner can drain the tenant's pending
// fetch work.
package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/hazyhaar/procwatch/docparse"
	"github.com/hazyhaar/procwatch/dompolicy"
	"github.com/hazyhaar/procwatch/notify"
	"github.com/hazyhaar/procwatch/opstore"
)

// Config bounds the retry and politeness behaviour. All fields are
// tenant-configurable upstream.
type Config struct {
	MaxAttempts   int           // fetch attempts per record, default 3
	RetryDelay    time.Duration // fixed delay between attempts, default 2s
	PolitenessMin time.Duration // randomized post-success pause window, default 2s
	PolitenessMax time.Duration // default 5s
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.PolitenessMin <= 0 {
		c.PolitenessMin = 2 * time.Second
	}
	if c.PolitenessMax < c.PolitenessMin {
		c.PolitenessMax = c.PolitenessMin + 3*time.Second
	}
}

// Credential is a per-domain login. Only its presence matters here;
// authentication itself is an external collaborator.
type Credential struct {
	Username string
	Password string
}

// Result is the outcome of one Scrape call.
type Result struct {
	Status         string // an opstore.Scrape* value
	Doc            *docparse.Document
	Body           string
	Markdown       string
	IsCancellation bool
	// HaltTenant tells the queue owner to drain the tenant's remaining
	// fetch work (circuit breaker). Raised only on error_page.
	HaltTenant bool
	Attempts   int
	Err        string
}

// Orchestrator drives the per-record fetch state machine.
type Orchestrator struct {
	config    Config
	fetcher   *Fetcher
	extractor *docparse.Extractor
	policies  *dompolicy.Store
	store     *opstore.Store
	notifier  notify.Notifier
	creds     map[string]Credential
	logger    *slog.Logger
	sleep     func(context.Context, time.Duration) error
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithCredentials registers per-domain credentials, keyed by hostname.
// Parent domains match subdomains.
func WithCredentials(creds map[string]Credential) Option {
	return func(o *Orchestrator) { o.creds = creds }
}

// WithSleep overrides the delay function (tests).
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// New creates an Orchestrator.
func New(cfg Config, fetcher *Fetcher, extractor *docparse.Extractor, policies *dompolicy.Store, store *opstore.Store, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Orchestrator {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.NewLogSink(logger)
	}
	o := &Orchestrator{
		config:    cfg,
		fetcher:   fetcher,
		extractor: extractor,
		policies:  policies,
		store:     store,
		notifier:  notifier,
		logger:    logger,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Scrape runs the fetch state machine for one record. Terminal statuses
// are persisted on the record before returning; the success path persists
// the raw snapshot and returns the structured document for enrichment.
// override, when non-nil, is a template-scoped policy that wins over
// stored tiers.
func (o *Orchestrator) Scrape(ctx context.Context, rec *opstore.Opportunity, override *dompolicy.Policy) *Result {
	log := o.logger.With("tenant_id", rec.TenantID, "record_id", rec.ID, "url", rec.SourceURL)

	host, err := hostOf(rec.SourceURL)
	if err != nil {
		return o.finish(ctx, rec, &Result{Status: opstore.ScrapeFailed, Err: "invalid source url: " + err.Error()}, log)
	}

	exact, parent, err := o.policies.Lookup(ctx, rec.TenantID, host)
	if err != nil {
		return o.finish(ctx, rec, &Result{Status: opstore.ScrapeFailed, Err: "policy lookup: " + err.Error()}, log)
	}
	pol := dompolicy.Resolve(host, override, exact, parent)
	log = log.With("policy_source", pol.Source)

	if !pol.Enabled {
		reason := pol.Reason
		if reason == "" {
			reason = "domain disabled"
		}
		return o.finish(ctx, rec, &Result{Status: opstore.ScrapeBlocked, Err: reason}, log)
	}
	if pol.RequiresAuth && !o.hasCredentials(host) {
		return o.finish(ctx, rec, &Result{Status: opstore.ScrapeRequiresAuth, Err: "credentials not configured for " + host}, log)
	}

	res := o.fetchLoop(ctx, rec.SourceURL, pol, log)
	return o.finish(ctx, rec, res, log)
}

// fetchLoop is one bounded attempt loop: retryable outcomes (transport
// timeout, 5xx, transport errors) repeat up to MaxAttempts with a fixed
// delay; everything else is terminal on first sight.
func (o *Orchestrator) fetchLoop(ctx context.Context, sourceURL string, pol dompolicy.Resolution, log *slog.Logger) *Result {
	var lastStatus, lastErr string
	for attempt := 1; attempt <= o.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := o.sleep(ctx, o.config.RetryDelay); err != nil {
				return &Result{Status: lastStatus, Attempts: attempt - 1, Err: lastErr}
			}
		}

		fr, err := o.fetcher.Fetch(ctx, sourceURL, pol.Timeout, pol.CustomHeaders)
		if err != nil {
			if isTimeout(err) {
				lastStatus, lastErr = opstore.ScrapeTimeout, err.Error()
			} else {
				lastStatus, lastErr = opstore.ScrapeFailed, err.Error()
			}
			log.Warn("scrape: attempt failed", "attempt", attempt, "error", err)
			continue
		}

		switch {
		case fr.StatusCode == 401 || fr.StatusCode == 403:
			return &Result{Status: opstore.ScrapeBlocked, Attempts: attempt, Err: fmt.Sprintf("http %d", fr.StatusCode)}
		case fr.StatusCode == 404:
			return &Result{Status: opstore.ScrapeFailed, Attempts: attempt, Err: "page not found"}
		case fr.StatusCode >= 200 && fr.StatusCode < 300:
			if isErrorPage(fr.Body) {
				return &Result{
					Status:     opstore.ScrapeErrorPage,
					Attempts:   attempt,
					Err:        "site returned an error page",
					HaltTenant: true,
				}
			}
			return o.succeed(ctx, fr, attempt, log)
		default:
			lastStatus, lastErr = opstore.ScrapeFailed, fmt.Sprintf("http %d", fr.StatusCode)
			log.Warn("scrape: unexpected status", "attempt", attempt, "status", fr.StatusCode)
		}
	}
	return &Result{Status: lastStatus, Attempts: o.config.MaxAttempts, Err: lastErr}
}

func (o *Orchestrator) succeed(ctx context.Context, fr *FetchResult, attempt int, log *slog.Logger) *Result {
	doc, err := o.extractor.Extract(strings.NewReader(fr.Body))
	if err != nil {
		return &Result{Status: opstore.ScrapeFailed, Attempts: attempt, Err: "extract: " + err.Error()}
	}

	markdown, err := htmltomarkdown.ConvertString(fr.Body)
	if err != nil {
		log.Warn("scrape: markdown conversion failed", "error", err)
		markdown = ""
	}

	// Politeness pause before the lane moves to the next record.
	delay := o.config.PolitenessMin
	if window := o.config.PolitenessMax - o.config.PolitenessMin; window > 0 {
		delay += time.Duration(rand.Int63n(int64(window)))
	}
	_ = o.sleep(ctx, delay)

	return &Result{
		Status:         opstore.ScrapeSuccess,
		Doc:            doc,
		Body:           fr.Body,
		Markdown:       markdown,
		IsCancellation: doc.IsCancellation,
		Attempts:       attempt,
	}
}

// finish persists the outcome on the record: status and error for every
// path, plus snapshot, structured payload, cancellation transition, and
// notifications where they apply.
func (o *Orchestrator) finish(ctx context.Context, rec *opstore.Opportunity, res *Result, log *slog.Logger) *Result {
	if err := o.store.SetScrapingStatus(ctx, rec.TenantID, rec.ID, res.Status, res.Err); err != nil {
		log.Error("scrape: persist status", "status", res.Status, "error", err)
	}
	rec.ScrapingStatus = res.Status
	rec.ScrapingError = res.Err

	if res.Status != opstore.ScrapeSuccess {
		log.Warn("scrape: terminal failure", "status", res.Status, "attempts", res.Attempts, "error", res.Err)
		_ = o.notifier.Notify(ctx, notify.ScrapeError(rec.TenantID, rec.ID, rec.SolicitationNumber, res.Status, res.Err))
		return res
	}

	if err := o.store.SaveSnapshot(ctx, rec.TenantID, rec.ID, res.Body, res.Markdown); err != nil {
		log.Error("scrape: save snapshot", "error", err)
	}
	if payload, err := json.Marshal(res.Doc); err == nil {
		rec.ScrapedData = payload
	}

	if res.IsCancellation {
		if err := o.store.SetStatus(ctx, rec.TenantID, rec.ID, opstore.StatusCancelled); err != nil {
			log.Error("scrape: persist cancellation", "error", err)
		}
		rec.Status = opstore.StatusCancelled
		_ = o.notifier.Notify(ctx, notify.Cancellation(rec.TenantID, rec.ID, rec.SolicitationNumber))
	}

	log.Info("scrape: success",
		"attempts", res.Attempts,
		"line_items", res.Doc.TotalLineItems,
		"cancellation", res.IsCancellation)
	return res
}

func (o *Orchestrator) hasCredentials(host string) bool {
	for h := host; h != ""; {
		if _, ok := o.creds[h]; ok {
			return true
		}
		i := strings.IndexByte(h, '.')
		if i < 0 {
			return false
		}
		h = h[i+1:]
	}
	return false
}

func hostOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("no host in %q", raw)
	}
	return strings.ToLower(host), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
