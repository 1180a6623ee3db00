// Package opstore persists canonical opportunity records: one row per
// deduplicated procurement notice, plus child rows when a scraped document
// splits into multiple line items. Rows are soft-deleted, never removed.
package opstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/procwatch/idgen"
)

// Workflow statuses.
const (
	StatusActive    = "active"
	StatusCancelled = "cancelled"
)

// Scraping statuses. Terminal unless noted.
const (
	ScrapePending      = "pending" // initial, not terminal
	ScrapeSuccess      = "success"
	ScrapeFailed       = "failed"
	ScrapeBlocked      = "blocked"
	ScrapeTimeout      = "timeout"
	ScrapeErrorPage    = "error_page"
	ScrapeRequiresAuth = "requires_auth"
	ScrapeDisabled     = "disabled"
	ScrapeExpired      = "expired"
)

var (
	// ErrDuplicate reports a (tenant, email message, fingerprint) collision.
	// Callers treat it as "already recorded", not a failure.
	ErrDuplicate = errors.New("opstore: duplicate fingerprint")
	// ErrNotFound reports a missing or soft-deleted record.
	ErrNotFound = errors.New("opstore: opportunity not found")
)

// Schema creates the opportunity tables.
const Schema = `
CREATE TABLE IF NOT EXISTS opportunities (
    id                  TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL,
    email_message_id    TEXT NOT NULL DEFAULT '',
    fingerprint         TEXT NOT NULL,
    parent_id           TEXT NOT NULL DEFAULT '',
    children_count      INTEGER NOT NULL DEFAULT 0,
    solicitation_number TEXT NOT NULL DEFAULT '',
    site                TEXT NOT NULL DEFAULT '',
    source_url          TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL DEFAULT 'active',
    scraping_status     TEXT NOT NULL DEFAULT 'pending',
    scraping_error      TEXT NOT NULL DEFAULT '',
    nsn                 TEXT NOT NULL DEFAULT '',
    vendor_code         TEXT NOT NULL DEFAULT '',
    vendor_part_number  TEXT NOT NULL DEFAULT '',
    quantity            INTEGER NOT NULL DEFAULT 0,
    unit                TEXT NOT NULL DEFAULT '',
    condition           TEXT NOT NULL DEFAULT '',
    manufacturer        TEXT NOT NULL DEFAULT '',
    description         TEXT NOT NULL DEFAULT '',
    return_by           INTEGER NOT NULL DEFAULT 0,
    extracted_data      TEXT NOT NULL DEFAULT '{}',
    scraped_data        TEXT NOT NULL DEFAULT '',
    deleted_at          INTEGER NOT NULL DEFAULT 0,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_opportunities_fp
    ON opportunities(tenant_id, email_message_id, fingerprint);
CREATE INDEX IF NOT EXISTS idx_opportunities_parent ON opportunities(tenant_id, parent_id);
CREATE INDEX IF NOT EXISTS idx_opportunities_scrape ON opportunities(tenant_id, scraping_status);

CREATE TABLE IF NOT EXISTS snapshots (
    opportunity_id TEXT NOT NULL,
    tenant_id      TEXT NOT NULL,
    body           TEXT NOT NULL,
    markdown       TEXT NOT NULL DEFAULT '',
    fetched_at     INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, opportunity_id)
);
`

// Opportunity is one canonical record. Timestamps are millisecond epochs.
type Opportunity struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenant_id"`
	EmailMessageID     string          `json:"email_message_id,omitempty"`
	Fingerprint        string          `json:"fingerprint"`
	ParentID           string          `json:"parent_id,omitempty"`
	ChildrenCount      int             `json:"children_count"`
	SolicitationNumber string          `json:"solicitation_number,omitempty"`
	Site               string          `json:"site,omitempty"`
	SourceURL          string          `json:"source_url,omitempty"`
	Status             string          `json:"status"`
	ScrapingStatus     string          `json:"scraping_status"`
	ScrapingError      string          `json:"scraping_error,omitempty"`
	NSN                string          `json:"nsn,omitempty"`
	VendorCode         string          `json:"vendor_code,omitempty"`
	VendorPartNumber   string          `json:"vendor_part_number,omitempty"`
	Quantity           int             `json:"quantity,omitempty"`
	Unit               string          `json:"unit,omitempty"`
	Condition          string          `json:"condition,omitempty"`
	Manufacturer       string          `json:"manufacturer,omitempty"`
	Description        string          `json:"description,omitempty"`
	ReturnBy           int64           `json:"return_by,omitempty"`
	ExtractedData      json.RawMessage `json:"extracted_data,omitempty"`
	ScrapedData        json.RawMessage `json:"scraped_data,omitempty"`
	DeletedAt          int64           `json:"deleted_at,omitempty"`
	CreatedAt          int64           `json:"created_at"`
	UpdatedAt          int64           `json:"updated_at"`
}

// IsChild reports whether the record was split off a parent. Children are
// never split further.
func (o *Opportunity) IsChild() bool { return o.ParentID != "" }

// Store is the opportunity database layer.
type Store struct {
	db    *sql.DB
	newID func() string
	now   func() time.Time
}

// Option customises the store.
type Option func(*Store)

// WithIDGenerator overrides record ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps db. ApplySchema must have run.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.newID == nil {
		s.newID = idgen.Opportunity
	}
	return s
}

const oppColumns = `id, tenant_id, email_message_id, fingerprint, parent_id, children_count,
	solicitation_number, site, source_url, status, scraping_status, scraping_error,
	nsn, vendor_code, vendor_part_number, quantity, unit, condition, manufacturer, description,
	return_by, extracted_data, scraped_data, deleted_at, created_at, updated_at`

// Create inserts a new record. Fills ID, Status, ScrapingStatus, and
// timestamps when unset. Returns ErrDuplicate when the tenant already has a
// record for (email message, fingerprint).
func (s *Store) Create(ctx context.Context, o *Opportunity) error {
	if o.TenantID == "" || o.Fingerprint == "" {
		return errors.New("opstore: tenant and fingerprint are required")
	}
	if o.ID == "" {
		o.ID = s.newID()
	}
	if o.Status == "" {
		o.Status = StatusActive
	}
	if o.ScrapingStatus == "" {
		o.ScrapingStatus = ScrapePending
	}
	now := s.now().UnixMilli()
	o.CreatedAt = now
	o.UpdatedAt = now

	extracted := string(o.ExtractedData)
	if extracted == "" {
		extracted = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO opportunities (`+oppColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.TenantID, o.EmailMessageID, o.Fingerprint, o.ParentID, o.ChildrenCount,
		o.SolicitationNumber, o.Site, o.SourceURL, o.Status, o.ScrapingStatus, o.ScrapingError,
		o.NSN, o.VendorCode, o.VendorPartNumber, o.Quantity, o.Unit, o.Condition, o.Manufacturer, o.Description,
		o.ReturnBy, extracted, string(o.ScrapedData), o.DeletedAt, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("opstore: create: %w", err)
	}
	return nil
}

// Get returns a record by ID. Soft-deleted records are not returned.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Opportunity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+oppColumns+` FROM opportunities
		WHERE tenant_id = ? AND id = ? AND deleted_at = 0`, tenantID, id)
	return scanOpportunity(row)
}

// GetByFingerprint returns the record a fingerprint produced, or ErrNotFound.
func (s *Store) GetByFingerprint(ctx context.Context, tenantID, fingerprint string) (*Opportunity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+oppColumns+` FROM opportunities
		WHERE tenant_id = ? AND fingerprint = ? AND deleted_at = 0
		ORDER BY created_at DESC LIMIT 1`, tenantID, fingerprint)
	return scanOpportunity(row)
}

// List returns a tenant's records, newest first, optionally filtered by
// scraping status. Children are included.
func (s *Store) List(ctx context.Context, tenantID, scrapingStatus string, limit int) ([]*Opportunity, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + oppColumns + ` FROM opportunities WHERE tenant_id = ? AND deleted_at = 0`
	args := []any{tenantID}
	if scrapingStatus != "" {
		q += ` AND scraping_status = ?`
		args = append(args, scrapingStatus)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("opstore: list: %w", err)
	}
	defer rows.Close()

	var out []*Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Children returns a parent's child records in creation order.
func (s *Store) Children(ctx context.Context, tenantID, parentID string) ([]*Opportunity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+oppColumns+` FROM opportunities
		WHERE tenant_id = ? AND parent_id = ? AND deleted_at = 0
		ORDER BY created_at ASC, id ASC`, tenantID, parentID)
	if err != nil {
		return nil, fmt.Errorf("opstore: children: %w", err)
	}
	defer rows.Close()

	var out []*Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SetScrapingStatus records the outcome of a fetch attempt.
func (s *Store) SetScrapingStatus(ctx context.Context, tenantID, id, status, scrapeErr string) error {
	return s.exec1(ctx, `
		UPDATE opportunities SET scraping_status = ?, scraping_error = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND deleted_at = 0`,
		status, scrapeErr, s.now().UnixMilli(), tenantID, id)
}

// SetStatus updates the workflow status (e.g. cancellation).
func (s *Store) SetStatus(ctx context.Context, tenantID, id, status string) error {
	return s.exec1(ctx, `
		UPDATE opportunities SET status = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND deleted_at = 0`,
		status, s.now().UnixMilli(), tenantID, id)
}

// Save writes the enrichable fields and the scraped document back to an
// existing record. The caller (the enrichment layer) decides which fields
// changed; Save persists the whole set.
func (s *Store) Save(ctx context.Context, o *Opportunity) error {
	o.UpdatedAt = s.now().UnixMilli()
	return s.exec1(ctx, `
		UPDATE opportunities SET
			solicitation_number = ?, site = ?, source_url = ?,
			status = ?, scraping_status = ?, scraping_error = ?,
			nsn = ?, vendor_code = ?, vendor_part_number = ?,
			quantity = ?, unit = ?, condition = ?, manufacturer = ?, description = ?,
			return_by = ?, extracted_data = ?, scraped_data = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND deleted_at = 0`,
		o.SolicitationNumber, o.Site, o.SourceURL,
		o.Status, o.ScrapingStatus, o.ScrapingError,
		o.NSN, o.VendorCode, o.VendorPartNumber,
		o.Quantity, o.Unit, o.Condition, o.Manufacturer, o.Description,
		o.ReturnBy, orEmptyObject(o.ExtractedData), string(o.ScrapedData), o.UpdatedAt,
		o.TenantID, o.ID)
}

// SetChildrenCount stamps the parent after a completed split. Written once
// after the child loop, so a crash mid-split leaves zero and the split
// stays retryable.
func (s *Store) SetChildrenCount(ctx context.Context, tenantID, id string, n int) error {
	return s.exec1(ctx, `
		UPDATE opportunities SET children_count = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND deleted_at = 0`,
		n, s.now().UnixMilli(), tenantID, id)
}

// SoftDelete marks a record deleted without removing the row.
func (s *Store) SoftDelete(ctx context.Context, tenantID, id string) error {
	now := s.now().UnixMilli()
	return s.exec1(ctx, `
		UPDATE opportunities SET deleted_at = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND deleted_at = 0`,
		now, now, tenantID, id)
}

// SaveSnapshot stores the raw fetched body and its markdown rendering,
// replacing any previous snapshot for the record.
func (s *Store) SaveSnapshot(ctx context.Context, tenantID, id, body, markdown string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (opportunity_id, tenant_id, body, markdown, fetched_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (tenant_id, opportunity_id) DO UPDATE SET
			body = excluded.body, markdown = excluded.markdown, fetched_at = excluded.fetched_at`,
		id, tenantID, body, markdown, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("opstore: save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the latest raw snapshot for a record.
func (s *Store) GetSnapshot(ctx context.Context, tenantID, id string) (body, markdown string, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT body, markdown FROM snapshots
		WHERE tenant_id = ? AND opportunity_id = ?`, tenantID, id).Scan(&body, &markdown)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	return body, markdown, err
}

// Stats counts a tenant's records per scraping status.
func (s *Store) Stats(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scraping_status, COUNT(*) FROM opportunities
		WHERE tenant_id = ? AND deleted_at = 0
		GROUP BY scraping_status`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("opstore: stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Store) exec1(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("opstore: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOpportunity(row interface{ Scan(...any) error }) (*Opportunity, error) {
	o := &Opportunity{}
	var extracted, scraped string
	err := row.Scan(
		&o.ID, &o.TenantID, &o.EmailMessageID, &o.Fingerprint, &o.ParentID, &o.ChildrenCount,
		&o.SolicitationNumber, &o.Site, &o.SourceURL, &o.Status, &o.ScrapingStatus, &o.ScrapingError,
		&o.NSN, &o.VendorCode, &o.VendorPartNumber, &o.Quantity, &o.Unit, &o.Condition, &o.Manufacturer, &o.Description,
		&o.ReturnBy, &extracted, &scraped, &o.DeletedAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opstore: scan: %w", err)
	}
	if extracted != "" && extracted != "{}" {
		o.ExtractedData = json.RawMessage(extracted)
	}
	if scraped != "" {
		o.ScrapedData = json.RawMessage(scraped)
	}
	return o, nil
}

func orEmptyObject(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
