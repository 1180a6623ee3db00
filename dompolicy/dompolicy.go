// Package dompolicy decides whether and how a domain may be fetched.
// Policies resolve through three tiers: a caller-supplied override, a
// tenant-scoped stored policy (exact host, then parent domain), and the
// built-in defaults for known hosts. Unknown hosts are denied.
package dompolicy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Policy is the effective fetch policy for one host.
type Policy struct {
	Domain        string            `json:"domain" yaml:"domain"`
	Enabled       bool              `json:"enabled" yaml:"enabled"`
	RequiresAuth  bool              `json:"requires_auth" yaml:"requires_auth"`
	Timeout       time.Duration     `json:"timeout_ms" yaml:"timeout_ms"`
	Reason        string            `json:"reason,omitempty" yaml:"reason,omitempty"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty" yaml:"custom_headers,omitempty"`
}

// Resolution tiers, most to least specific.
const (
	SourceOverride = "override"
	SourceStored   = "stored"
	SourceParent   = "parent"
	SourceDefault  = "default"
	SourceDenied   = "denied"
)

// Resolution is a Policy plus the tier that produced it.
type Resolution struct {
	Policy
	Source string `json:"source"`
}

// Schema creates the per-tenant domain policy table.
const Schema = `
CREATE TABLE IF NOT EXISTS domain_policies (
    tenant_id      TEXT NOT NULL,
    domain         TEXT NOT NULL,
    enabled        INTEGER NOT NULL DEFAULT 0,
    requires_auth  INTEGER NOT NULL DEFAULT 0,
    timeout_ms     INTEGER NOT NULL DEFAULT 0,
    reason         TEXT NOT NULL DEFAULT '',
    custom_headers TEXT NOT NULL DEFAULT '{}',
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, domain)
);
`

// DefaultTimeout applies when a tier carries no timeout of its own.
const DefaultTimeout = 30 * time.Second

// builtinDefaults are the known hosts the pipeline is allowed to fetch
// without a stored policy. Keyed by registrable domain; subdomains fall
// through via the parent walk in Resolve.
var builtinDefaults = map[string]Policy{
	"dibbs.bsm.dla.mil": {
		Domain:  "dibbs.bsm.dla.mil",
		Enabled: true,
		Timeout: 45 * time.Second,
		CustomHeaders: map[string]string{
			"Accept":          "text/html,application/xhtml+xml",
			"Accept-Language": "en-US,en;q=0.9",
		},
	},
	"sam.gov": {
		Domain:  "sam.gov",
		Enabled: true,
		Timeout: 30 * time.Second,
	},
	"dla.mil": {
		Domain:  "dla.mil",
		Enabled: true,
		Timeout: 45 * time.Second,
	},
}

// Resolve picks the effective policy for host from the first present tier:
// override, stored exact, stored parent, built-in default. Hosts no tier
// covers are denied. Pure: the stored tiers arrive as arguments.
func Resolve(host string, override, exact, parent *Policy) Resolution {
	host = strings.ToLower(strings.TrimSpace(host))

	if override != nil {
		return withTimeout(Resolution{Policy: *override, Source: SourceOverride})
	}
	if exact != nil {
		return withTimeout(Resolution{Policy: *exact, Source: SourceStored})
	}
	if parent != nil {
		return withTimeout(Resolution{Policy: *parent, Source: SourceParent})
	}
	for _, suffix := range suffixes(host) {
		if def, ok := builtinDefaults[suffix]; ok {
			def.Domain = host
			return withTimeout(Resolution{Policy: def, Source: SourceDefault})
		}
	}
	return Resolution{
		Policy: Policy{Domain: host, Enabled: false, Reason: "unknown domain"},
		Source: SourceDenied,
	}
}

func withTimeout(r Resolution) Resolution {
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	return r
}

// suffixes enumerates host and its parent domains down to two labels:
// "a.b.example.com" → ["a.b.example.com", "b.example.com", "example.com"].
func suffixes(host string) []string {
	var out []string
	for {
		out = append(out, host)
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return out
		}
		rest := host[i+1:]
		if strings.Count(rest, ".") < 1 {
			return out
		}
		host = rest
	}
}

// Store persists per-tenant policy overrides.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps db. ApplySchema must have run.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Upsert creates or replaces a tenant's policy for a domain.
func (s *Store) Upsert(ctx context.Context, tenantID string, p Policy) error {
	if p.Domain == "" {
		return errors.New("dompolicy: empty domain")
	}
	headers, err := json.Marshal(p.CustomHeaders)
	if err != nil {
		return fmt.Errorf("dompolicy: encode headers: %w", err)
	}
	now := s.now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO domain_policies
			(tenant_id, domain, enabled, requires_auth, timeout_ms, reason, custom_headers, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (tenant_id, domain) DO UPDATE SET
			enabled = excluded.enabled,
			requires_auth = excluded.requires_auth,
			timeout_ms = excluded.timeout_ms,
			reason = excluded.reason,
			custom_headers = excluded.custom_headers,
			updated_at = excluded.updated_at`,
		tenantID, strings.ToLower(p.Domain), boolInt(p.Enabled), boolInt(p.RequiresAuth),
		p.Timeout.Milliseconds(), p.Reason, string(headers), now, now)
	if err != nil {
		return fmt.Errorf("dompolicy: upsert %s: %w", p.Domain, err)
	}
	return nil
}

// Get returns the tenant's stored policy for the exact domain, or nil.
func (s *Store) Get(ctx context.Context, tenantID, domain string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, enabled, requires_auth, timeout_ms, reason, custom_headers
		FROM domain_policies WHERE tenant_id = ? AND domain = ?`,
		tenantID, strings.ToLower(domain))
	return scanPolicy(row)
}

// Lookup resolves the stored tiers for host: the exact policy and the
// nearest parent-domain policy. Either may be nil.
func (s *Store) Lookup(ctx context.Context, tenantID, host string) (exact, parent *Policy, err error) {
	host = strings.ToLower(strings.TrimSpace(host))
	exact, err = s.Get(ctx, tenantID, host)
	if err != nil {
		return nil, nil, err
	}
	for _, suffix := range suffixes(host)[1:] {
		parent, err = s.Get(ctx, tenantID, suffix)
		if err != nil {
			return nil, nil, err
		}
		if parent != nil {
			return exact, parent, nil
		}
	}
	return exact, nil, nil
}

// Delete removes a tenant's stored policy for a domain.
func (s *Store) Delete(ctx context.Context, tenantID, domain string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM domain_policies WHERE tenant_id = ? AND domain = ?`,
		tenantID, strings.ToLower(domain))
	return err
}

// List returns all stored policies for a tenant.
func (s *Store) List(ctx context.Context, tenantID string) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, enabled, requires_auth, timeout_ms, reason, custom_headers
		FROM domain_policies WHERE tenant_id = ? ORDER BY domain`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*Policy, error) {
	var p Policy
	var enabled, requiresAuth int
	var timeoutMs int64
	var headers string
	err := row.Scan(&p.Domain, &enabled, &requiresAuth, &timeoutMs, &p.Reason, &headers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	p.RequiresAuth = requiresAuth != 0
	p.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if headers != "" && headers != "{}" {
		if err := json.Unmarshal([]byte(headers), &p.CustomHeaders); err != nil {
			return nil, fmt.Errorf("dompolicy: decode headers for %s: %w", p.Domain, err)
		}
	}
	return &p, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
