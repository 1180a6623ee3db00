package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html/charset"

	"github.com/hazyhaar/procwatch/enrich"
	"github.com/hazyhaar/procwatch/idgen"
	"github.com/hazyhaar/procwatch/opstore"
)

// ErrUnknownTemplate means the message referenced a template ID the service
// has no bundle for. Not retryable.
var ErrUnknownTemplate = errors.New("intake: unknown template")

var stripPolicy = bluemonday.StrictPolicy()

// blockBreakRe marks tag boundaries that end a text line, so multiline
// templates still see one item per line after tag stripping.
var blockBreakRe = regexp.MustCompile(`(?i)<\s*(?:br\s*/?|/p|/div|/tr|/li|/h[1-6])\s*>`)

// EmailText normalizes a raw email body to plain text: decodes the charset
// declared in contentType, strips HTML markup when present, and unescapes
// entities. Plain-text bodies pass through untouched.
func EmailText(body, contentType string) (string, error) {
	r, err := charset.NewReader(strings.NewReader(body), contentType)
	if err != nil {
		return "", fmt.Errorf("intake: charset decode: %w", err)
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("intake: read body: %w", err)
	}
	text := string(decoded)

	if isHTML(text, contentType) {
		text = blockBreakRe.ReplaceAllString(text, "\n")
		text = stripPolicy.Sanitize(text)
		text = html.UnescapeString(text)
	}
	return strings.TrimSpace(text), nil
}

func isHTML(body, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	lower := strings.ToLower(body)
	return strings.Contains(lower, "<html") || strings.Contains(lower, "<body") || strings.Contains(lower, "<table")
}

// HandleEmail is the "parse email" handler: extract items from the body,
// drop fingerprints the tenant has already seen, create canonical records,
// and enqueue fetch work for records with a source URL.
func (s *Service) HandleEmail(ctx context.Context, msg *EmailMessage) error {
	bundle, ok := s.templates[msg.TemplateID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTemplate, msg.TemplateID)
	}
	log := s.logger.With("tenant_id", msg.TenantID, "message_id", msg.MessageID, "template", bundle.Name)

	text, err := EmailText(msg.Body, msg.ContentType)
	if err != nil {
		return err
	}

	items, err := s.engine.Extract(text, &bundle.Template, &bundle.Schema)
	if err != nil {
		return fmt.Errorf("intake: extract: %w", err)
	}

	fps := make([]string, len(items))
	for i, item := range items {
		fps[i] = item.Fingerprint
	}
	seen, err := s.ledger.CheckMany(ctx, msg.TenantID, fps)
	if err != nil {
		return fmt.Errorf("intake: ledger check: %w", err)
	}

	created, skipped := 0, 0
	for _, item := range items {
		if seen[item.Fingerprint].Exists {
			skipped++
			continue
		}

		rec := &opstore.Opportunity{
			TenantID:       msg.TenantID,
			EmailMessageID: msg.MessageID,
			Fingerprint:    item.Fingerprint,
		}
		enrich.ApplyEmail(rec, bundle.Schema.MapFields(item.Data))

		if err := s.store.Create(ctx, rec); err != nil {
			if errors.Is(err, opstore.ErrDuplicate) {
				// Lost a check-then-create race with a concurrent parse of
				// the same message. Harmless.
				skipped++
				continue
			}
			return fmt.Errorf("intake: create record: %w", err)
		}
		if err := s.ledger.Record(ctx, msg.TenantID, rec.ID, item.Fingerprint); err != nil {
			return fmt.Errorf("intake: record fingerprint: %w", err)
		}
		created++

		if rec.SourceURL != "" && bundle.ScrapingEnabled {
			if err := s.EnqueueFetch(ctx, &FetchMessage{
				TenantID:   msg.TenantID,
				RecordID:   rec.ID,
				TemplateID: msg.TemplateID,
				URL:        rec.SourceURL,
			}); err != nil {
				return err
			}
		}
	}

	log.Info("intake: email parsed", "items", len(items), "created", created, "skipped", skipped)
	return nil
}

// EnqueueFetch publishes a fetch job on the tenant's fetch lane.
func (s *Service) EnqueueFetch(ctx context.Context, msg *FetchMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("intake: marshal fetch message: %w", err)
	}
	if err := s.fetchQ.Publish(ctx, idgen.Job(), msg.TenantID, payload); err != nil {
		return fmt.Errorf("intake: enqueue fetch: %w", err)
	}
	return nil
}

// EnqueueEmail publishes a parse job.
func (s *Service) EnqueueEmail(ctx context.Context, msg *EmailMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("intake: marshal email message: %w", err)
	}
	if err := s.parseQ.Publish(ctx, idgen.Job(), msg.TenantID, payload); err != nil {
		return fmt.Errorf("intake: enqueue email: %w", err)
	}
	return nil
}
