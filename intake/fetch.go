package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/procwatch/dompolicy"
	"github.com/hazyhaar/procwatch/enrich"
	"github.com/hazyhaar/procwatch/opstore"
	"github.com/hazyhaar/procwatch/vtq"
)

// HandleFetch is the "fetch url" handler. The returned halt flag is the
// circuit-breaker signal: the caller owns the queue and drains the
// tenant's remaining fetch work when it is set.
func (s *Service) HandleFetch(ctx context.Context, msg *FetchMessage) (halt bool, err error) {
	log := s.logger.With("tenant_id", msg.TenantID, "record_id", msg.RecordID)

	rec, err := s.store.Get(ctx, msg.TenantID, msg.RecordID)
	if errors.Is(err, opstore.ErrNotFound) {
		// Deleted between enqueue and claim. Nothing to do.
		log.Debug("intake: fetch target gone")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("intake: load record: %w", err)
	}
	if rec.SourceURL == "" {
		rec.SourceURL = msg.URL
	}

	var override *dompolicy.Policy
	if bundle, ok := s.templates[msg.TemplateID]; ok {
		override = bundle.Policy
	}

	res := s.orch.Scrape(ctx, rec, override)
	if res.HaltTenant {
		return true, nil
	}
	if res.Status != opstore.ScrapeSuccess {
		// Terminal failure is already persisted on the record; the job is
		// done from the queue's point of view.
		return false, nil
	}

	enrich.ApplyScrape(rec, res.Doc)
	if err := s.store.Save(ctx, rec); err != nil {
		return false, fmt.Errorf("intake: save enrichment: %w", err)
	}
	if _, err := s.splitter.Split(ctx, rec, res.Doc); err != nil {
		return false, fmt.Errorf("intake: split children: %w", err)
	}
	return false, nil
}

// Run starts both consumers and blocks until ctx is cancelled. Email
// parsing runs with bounded concurrency; the fetch lane is paced to one
// claim per interval and is the only place fetch work starts, which keeps
// outbound requests sequential per deployment.
func (s *Service) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.parseQ.RunConcurrent(ctx, s.config.ParseConcurrency, s.handleParseJob)
	}()

	s.fetchQ.RunPaced(ctx, s.config.FetchInterval, s.handleFetchJob)
	<-done
}

func (s *Service) handleParseJob(ctx context.Context, job *vtq.Job) error {
	var msg EmailMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return fmt.Errorf("intake: decode email job: %w", err)
	}
	return s.HandleEmail(ctx, &msg)
}

func (s *Service) handleFetchJob(ctx context.Context, job *vtq.Job) error {
	var msg FetchMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return fmt.Errorf("intake: decode fetch job: %w", err)
	}

	halt, err := s.HandleFetch(ctx, &msg)
	if err != nil {
		return err
	}
	if halt {
		// Circuit breaker: the site is refusing us, so pending work for
		// this tenant would only make it worse. In-flight jobs finish.
		n, derr := s.fetchQ.DrainTenant(ctx, msg.TenantID)
		if derr != nil {
			s.logger.Error("intake: drain tenant", "tenant_id", msg.TenantID, "error", derr)
		} else {
			s.logger.Warn("intake: tenant fetch lane drained", "tenant_id", msg.TenantID, "dropped", n)
		}
	}
	return nil
}
