package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/procwatch/dompolicy"
	"github.com/hazyhaar/procwatch/extraction"
	"github.com/hazyhaar/procwatch/intake"
	"github.com/hazyhaar/procwatch/scrape"
)

// fileConfig is the procwatch.yaml layout. Durations are milliseconds.
type fileConfig struct {
	Listen     string `yaml:"listen"`
	DB         string `yaml:"db"`
	LogLevel   string `yaml:"log_level"`
	WebhookURL string `yaml:"webhook_url"`

	ParseConcurrency int   `yaml:"parse_concurrency"`
	FetchIntervalMs  int64 `yaml:"fetch_interval_ms"`

	Scrape scrapeConfig `yaml:"scrape"`

	// Templates maps template IDs to tenant extraction configurations.
	Templates map[string]templateConfig `yaml:"templates"`

	// Policies are seeded into the stored domain-policy tier at startup.
	Policies []storedPolicy `yaml:"policies"`

	// Credentials are per-domain logins, keyed by hostname.
	Credentials map[string]scrape.Credential `yaml:"credentials"`
}

type scrapeConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	RetryDelayMs    int64    `yaml:"retry_delay_ms"`
	PolitenessMinMs int64    `yaml:"politeness_min_ms"`
	PolitenessMaxMs int64    `yaml:"politeness_max_ms"`
	TimeoutMs       int64    `yaml:"timeout_ms"`
	MaxBytes        int64    `yaml:"max_bytes"`
	UserAgents      []string `yaml:"user_agents"`
}

type policyConfig struct {
	Domain       string            `yaml:"domain"`
	Enabled      bool              `yaml:"enabled"`
	RequiresAuth bool              `yaml:"requires_auth"`
	TimeoutMs    int64             `yaml:"timeout_ms"`
	Reason       string            `yaml:"reason"`
	Headers      map[string]string `yaml:"headers"`
}

func (p *policyConfig) policy() *dompolicy.Policy {
	return &dompolicy.Policy{
		Domain:        p.Domain,
		Enabled:       p.Enabled,
		RequiresAuth:  p.RequiresAuth,
		Timeout:       time.Duration(p.TimeoutMs) * time.Millisecond,
		Reason:        p.Reason,
		CustomHeaders: p.Headers,
	}
}

type storedPolicy struct {
	TenantID     string `yaml:"tenant_id"`
	policyConfig `yaml:",inline"`
}

type templateConfig struct {
	Name            string                  `yaml:"name"`
	Template        extraction.Template     `yaml:"template"`
	Schema          extraction.OutputSchema `yaml:"schema"`
	ScrapingEnabled bool                    `yaml:"scraping_enabled"`
	Policy          *policyConfig           `yaml:"policy"`
}

func (t *templateConfig) bundle(id string) (*intake.TemplateBundle, error) {
	b := &intake.TemplateBundle{
		Name:            t.Name,
		Template:        t.Template,
		Schema:          t.Schema,
		ScrapingEnabled: t.ScrapingEnabled,
	}
	if b.Name == "" {
		b.Name = id
	}
	if t.Policy != nil {
		b.Policy = t.Policy.policy()
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// loadConfig reads procwatch.yaml. An empty path yields pure defaults.
func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *fileConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8086"
	}
	if c.DB == "" {
		c.DB = "db/procwatch.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *fileConfig) intakeConfig() intake.Config {
	return intake.Config{
		ParseConcurrency: c.ParseConcurrency,
		FetchInterval:    time.Duration(c.FetchIntervalMs) * time.Millisecond,
	}
}

func (c *fileConfig) scrapeConfig() scrape.Config {
	return scrape.Config{
		MaxAttempts:   c.Scrape.MaxAttempts,
		RetryDelay:    time.Duration(c.Scrape.RetryDelayMs) * time.Millisecond,
		PolitenessMin: time.Duration(c.Scrape.PolitenessMinMs) * time.Millisecond,
		PolitenessMax: time.Duration(c.Scrape.PolitenessMaxMs) * time.Millisecond,
	}
}

func (c *fileConfig) fetcherConfig() scrape.FetcherConfig {
	return scrape.FetcherConfig{
		MaxBytes:   c.Scrape.MaxBytes,
		Timeout:    time.Duration(c.Scrape.TimeoutMs) * time.Millisecond,
		UserAgents: c.Scrape.UserAgents,
	}
}

func (c *fileConfig) bundles() (map[string]*intake.TemplateBundle, error) {
	out := make(map[string]*intake.TemplateBundle, len(c.Templates))
	for id, tc := range c.Templates {
		b, err := tc.bundle(id)
		if err != nil {
			return nil, err
		}
		out[id] = b
	}
	return out, nil
}
