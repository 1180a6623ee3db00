package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
listen: ":9000"
db: "/tmp/procwatch-test.db"
log_level: debug
fetch_interval_ms: 5000
scrape:
  max_attempts: 5
  retry_delay_ms: 1000
templates:
  tmpl-1:
    name: dibbs-rfq
    scraping_enabled: true
    template:
      mode: single
      fields:
        - name: sol_no
          pattern: 'Solicitation:\s*(\S+)'
          capture_group: 1
          required: true
    schema:
      fingerprint_fields: [sol_no]
      field_mapping:
        sol_no: solicitation_number
    policy:
      domain: dibbs.bsm.dla.mil
      enabled: true
      timeout_ms: 45000
policies:
  - tenant_id: t1
    domain: sam.gov
    enabled: true
    timeout_ms: 30000
credentials:
  dibbs.bsm.dla.mil:
    username: buyer
    password: hunter2
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "procwatch.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Listen != ":9000" || cfg.LogLevel != "debug" {
		t.Errorf("top level: %+v", cfg)
	}
	if got := cfg.intakeConfig().FetchInterval; got != 5*time.Second {
		t.Errorf("fetch interval: %v", got)
	}
	if got := cfg.scrapeConfig(); got.MaxAttempts != 5 || got.RetryDelay != time.Second {
		t.Errorf("scrape config: %+v", got)
	}

	bundles, err := cfg.bundles()
	if err != nil {
		t.Fatalf("bundles: %v", err)
	}
	b := bundles["tmpl-1"]
	if b == nil || b.Name != "dibbs-rfq" || !b.ScrapingEnabled {
		t.Fatalf("bundle: %+v", b)
	}
	if b.Policy == nil || b.Policy.Timeout != 45*time.Second {
		t.Errorf("bundle policy: %+v", b.Policy)
	}
	if b.Schema.FieldMapping["sol_no"] != "solicitation_number" {
		t.Errorf("field mapping: %+v", b.Schema.FieldMapping)
	}

	if len(cfg.Policies) != 1 || cfg.Policies[0].TenantID != "t1" || cfg.Policies[0].Domain != "sam.gov" {
		t.Errorf("stored policies: %+v", cfg.Policies)
	}
	if cfg.Credentials["dibbs.bsm.dla.mil"].Username != "buyer" {
		t.Errorf("credentials: %+v", cfg.Credentials)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen == "" || cfg.DB == "" || cfg.LogLevel != "info" {
		t.Errorf("defaults: %+v", cfg)
	}
}

func TestLoadConfigInvalidTemplate(t *testing.T) {
	_, err := loadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	bad := `
templates:
  broken:
    template:
      mode: multiline
`
	cfg, err := loadConfig(writeConfig(t, bad))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := cfg.bundles(); err == nil {
		t.Fatal("multiline template without delimiter must fail validation")
	}
}
