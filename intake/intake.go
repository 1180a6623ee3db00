// Package intake wires the pipeline together behind the two queue
// boundaries: "parse email" turns a raw notice email into deduplicated
// canonical records, and "fetch url" enriches a record from its source
// page. Both handlers are safe to re-run on the same input; fingerprinting
// and the children-count guard absorb at-least-once redelivery.
package intake

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/procwatch/dompolicy"
	"github.com/hazyhaar/procwatch/enrich"
	"github.com/hazyhaar/procwatch/extraction"
	"github.com/hazyhaar/procwatch/ledger"
	"github.com/hazyhaar/procwatch/opstore"
	"github.com/hazyhaar/procwatch/scrape"
	"github.com/hazyhaar/procwatch/vtq"
)

// EmailMessage is the "parse email" queue payload.
type EmailMessage struct {
	TenantID    string `json:"tenant_id"`
	AccountID   string `json:"account_id,omitempty"`
	MessageID   string `json:"message_id"`
	Body        string `json:"body"`
	ContentType string `json:"content_type,omitempty"`
	TemplateID  string `json:"template_id"`
}

// FetchMessage is the "fetch url" queue payload.
type FetchMessage struct {
	TenantID   string `json:"tenant_id"`
	RecordID   string `json:"record_id"`
	TemplateID string `json:"template_id,omitempty"`
	URL        string `json:"url"`
}

// TemplateBundle is one tenant extraction configuration: the template, its
// output schema, and the scraping behaviour attached to records it creates.
type TemplateBundle struct {
	Name            string                 `yaml:"name"`
	Template        extraction.Template    `yaml:"template"`
	Schema          extraction.OutputSchema `yaml:"schema"`
	ScrapingEnabled bool                   `yaml:"scraping_enabled"`
	// Policy, when set, is a template-scoped override that wins over
	// stored domain policies.
	Policy *dompolicy.Policy `yaml:"policy,omitempty"`
}

// Validate checks the bundle's template.
func (b *TemplateBundle) Validate() error {
	if err := b.Template.Validate(); err != nil {
		return fmt.Errorf("template %q: %w", b.Name, err)
	}
	return nil
}

// Config tunes the consumers.
type Config struct {
	// ParseConcurrency bounds simultaneous email parses. Default: 4.
	ParseConcurrency int `yaml:"parse_concurrency"`
	// FetchInterval paces the tenant-wide fetch lane: one fetch start per
	// interval. Default: 3s.
	FetchInterval time.Duration `yaml:"fetch_interval"`
}

func (c *Config) defaults() {
	if c.ParseConcurrency <= 0 {
		c.ParseConcurrency = 4
	}
	if c.FetchInterval <= 0 {
		c.FetchInterval = 3 * time.Second
	}
}

// Service owns the queue handlers.
type Service struct {
	config    Config
	engine    *extraction.Engine
	ledger    *ledger.Ledger
	store     *opstore.Store
	orch      *scrape.Orchestrator
	splitter  *enrich.Splitter
	templates map[string]*TemplateBundle
	parseQ    *vtq.Q
	fetchQ    *vtq.Q
	logger    *slog.Logger
}

// NewService assembles the intake service. templates maps template IDs to
// validated bundles.
func NewService(cfg Config, engine *extraction.Engine, led *ledger.Ledger, store *opstore.Store, orch *scrape.Orchestrator, sp *enrich.Splitter, templates map[string]*TemplateBundle, parseQ, fetchQ *vtq.Q, logger *slog.Logger) *Service {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		config:    cfg,
		engine:    engine,
		ledger:    led,
		store:     store,
		orch:      orch,
		splitter:  sp,
		templates: templates,
		parseQ:    parseQ,
		fetchQ:    fetchQ,
		logger:    logger,
	}
}
