// Package ledger is the fingerprint dedup ledger: it records which content
// fingerprints a tenant has already seen and what happened to the record
// they produced. The pipeline consults it before creating canonical records
// so a notice observed repeatedly (re-sent email, re-scraped page,
// amendment) is never recorded twice.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/procwatch/idgen"
)

// Actions a tenant can have taken on the record behind a fingerprint.
// A freshly recorded fingerprint has no action.
const (
	ActionDeleted       = "deleted"
	ActionHidden        = "hidden"
	ActionNotInterested = "not_interested"
)

// ErrNotFound is returned by UpdateAction and Remove when no ledger row
// matches the record.
var ErrNotFound = errors.New("ledger: fingerprint record not found")

// Schema creates the fingerprint ledger table. The (tenant_id, fingerprint)
// pair is the logical key; the index is deliberately non-unique because
// legacy data contains duplicates — reads resolve ties by recency.
const Schema = `
CREATE TABLE IF NOT EXISTS fingerprints (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    action      TEXT NOT NULL DEFAULT '',
    record_id   TEXT NOT NULL DEFAULT '',
    recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fingerprints_key ON fingerprints(tenant_id, fingerprint, recorded_at DESC);
CREATE INDEX IF NOT EXISTS idx_fingerprints_record ON fingerprints(tenant_id, record_id);
`

// CheckResult answers an existence query for one fingerprint.
type CheckResult struct {
	Exists     bool
	Action     string
	RecordID   string
	RecordedAt time.Time
}

// Ledger stores fingerprint records in SQLite.
type Ledger struct {
	db    *sql.DB
	newID func() string
	now   func() time.Time
}

// Option customises the ledger.
type Option func(*Ledger)

// WithIDGenerator overrides row ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(l *Ledger) { l.newID = gen }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over db. ApplySchema must have run.
func New(db *sql.DB, opts ...Option) *Ledger {
	l := &Ledger{db: db, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if l.newID == nil {
		l.newID = idgen.Prefixed("fp_", idgen.Default)
	}
	return l
}

// ApplySchema creates the ledger tables.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Check reports whether a fingerprint has been recorded for the tenant.
// When legacy duplicates exist for the same key, the most recently recorded
// row governs the reported action.
func (l *Ledger) Check(ctx context.Context, tenantID, fingerprint string) (CheckResult, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT action, record_id, recorded_at FROM fingerprints
		WHERE tenant_id = ? AND fingerprint = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1`, tenantID, fingerprint)

	var res CheckResult
	var recordedAt int64
	err := row.Scan(&res.Action, &res.RecordID, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CheckResult{}, nil
	}
	if err != nil {
		return CheckResult{}, fmt.Errorf("ledger: check: %w", err)
	}
	res.Exists = true
	res.RecordedAt = time.UnixMilli(recordedAt)
	return res, nil
}

// CheckMany resolves a batch of fingerprints in a single query. The result
// holds an entry for every requested fingerprint — absent ones map to a
// zero CheckResult — so callers can look each one up without a second trip.
func (l *Ledger) CheckMany(ctx context.Context, tenantID string, fingerprints []string) (map[string]CheckResult, error) {
	out := make(map[string]CheckResult, len(fingerprints))
	for _, fp := range fingerprints {
		out[fp] = CheckResult{}
	}
	if len(fingerprints) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(fingerprints))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(fingerprints)+1)
	args = append(args, tenantID)
	for _, fp := range fingerprints {
		args = append(args, fp)
	}

	// Rows arrive oldest-first so the latest row for a key wins the map slot.
	rows, err := l.db.QueryContext(ctx, `
		SELECT fingerprint, action, record_id, recorded_at FROM fingerprints
		WHERE tenant_id = ? AND fingerprint IN (`+placeholders+`)
		ORDER BY recorded_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: check many: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fp string
		var res CheckResult
		var recordedAt int64
		if err := rows.Scan(&fp, &res.Action, &res.RecordID, &recordedAt); err != nil {
			return nil, fmt.Errorf("ledger: check many scan: %w", err)
		}
		res.Exists = true
		res.RecordedAt = time.UnixMilli(recordedAt)
		out[fp] = res
	}
	return out, rows.Err()
}

// Record appends a ledger row binding a fingerprint to the record it
// produced. Append-only: re-recording the same key adds a newer row rather
// than mutating history.
func (l *Ledger) Record(ctx context.Context, tenantID, recordID, fingerprint string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO fingerprints (id, tenant_id, fingerprint, action, record_id, recorded_at)
		VALUES (?, ?, ?, '', ?, ?)`,
		l.newID(), tenantID, fingerprint, recordID, l.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("ledger: record: %w", err)
	}
	return nil
}

// UpdateAction sets the action on all ledger rows bound to a record. This
// is the only in-place mutation the ledger allows.
func (l *Ledger) UpdateAction(ctx context.Context, tenantID, recordID, action string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE fingerprints SET action = ?
		WHERE tenant_id = ? AND record_id = ?`,
		action, tenantID, recordID)
	if err != nil {
		return fmt.Errorf("ledger: update action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove deletes all ledger rows bound to a record. Maintenance only:
// removing a fingerprint reopens the duplicate window for that content, so
// a re-delivered notice will create a fresh record.
func (l *Ledger) Remove(ctx context.Context, tenantID, recordID string) error {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM fingerprints WHERE tenant_id = ? AND record_id = ?`,
		tenantID, recordID)
	if err != nil {
		return fmt.Errorf("ledger: remove: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
