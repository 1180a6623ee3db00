// Package vtq implements the visibility-timeout queue that carries procwatch
// work items ("parse email", "fetch url") over SQLite.
//
// A claimed job is invisible to other consumers for the visibility window.
// Successful processing acks (deletes) it; a crash or timeout makes it
// reappear, which gives at-least-once delivery. All procwatch handlers are
// idempotent (fingerprint dedup, childrenCount guard), so redelivery is safe.
//
// Jobs carry a tenant lane. The fetch lane is consumed with RunPaced — one
// claim per pacing interval, tenant by tenant — because parallel fetching
// against the same upstream site gets the scraper blocked. DrainTenant
// removes a tenant's not-yet-claimed jobs; the fetch orchestrator's circuit
// breaker uses it when an error-page signature indicates the run is burned.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS queue_jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    tenant_id   TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- ms since epoch
//	    created_at  INTEGER NOT NULL,            -- ms since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	TenantID  string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name ("parse_email", "fetch_url").
	Queue string
	// Visibility is how long a claimed job stays invisible. Default: 60s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in Run. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits redeliveries before a job is discarded.
	// 0 means unlimited. Default: 0.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 60 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the queue_jobs table and indexes if absent.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS queue_jobs (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			tenant_id   TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_queue_visible ON queue_jobs (queue, visible_at);
		CREATE INDEX IF NOT EXISTS idx_queue_tenant ON queue_jobs (queue, tenant_id);
	`)
	return err
}

// Publish inserts a job that is immediately visible.
func (q *Q) Publish(ctx context.Context, id, tenantID string, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_jobs (id, queue, tenant_id, payload, visible_at, created_at)
		 VALUES (?,?,?,?,?,?)`,
		id, q.opts.Queue, tenantID, payload, now, now,
	)
	return err
}

// Claim atomically picks the oldest visible job, marks it invisible for the
// visibility window, and returns it. Returns nil, nil when nothing is due.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE queue_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM queue_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING id, queue, tenant_id, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(),
	)
	return scanJob(row)
}

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var visAt, creAt int64
	err := row.Scan(&j.ID, &j.Queue, &j.TenantID, &j.Payload, &visAt, &creAt, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Ack deletes a successfully processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Nack schedules a job to become visible again after delay (0 = immediately).
func (q *Q) Nack(ctx context.Context, id string, delay time.Duration) error {
	visibleAt := int64(0)
	if delay > 0 {
		visibleAt = time.Now().Add(delay).UnixMilli()
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		visibleAt, id, q.opts.Queue)
	return err
}

// DrainTenant deletes all not-yet-claimed jobs for a tenant in this queue
// and returns the number removed. In-flight (invisible) jobs are left alone;
// they run to completion and ack themselves.
func (q *Q) DrainTenant(ctx context.Context, tenantID string) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_jobs WHERE queue = ? AND tenant_id = ? AND visible_at <= ?`,
		q.opts.Queue, tenantID, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Pending returns the number of jobs (visible + invisible) for a tenant,
// or for the whole queue when tenantID is empty.
func (q *Q) Pending(ctx context.Context, tenantID string) (int, error) {
	var n int
	var err error
	if tenantID == "" {
		err = q.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM queue_jobs WHERE queue = ?`, q.opts.Queue).Scan(&n)
	} else {
		err = q.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM queue_jobs WHERE queue = ? AND tenant_id = ?`,
			q.opts.Queue, tenantID).Scan(&n)
	}
	return n, err
}

// Handler processes a claimed job. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, job *Job) error

// Run polls for visible jobs and calls handler for each. Blocks until ctx
// is cancelled. Jobs that exceed MaxAttempts are discarded with a warning.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("vtq: consumer started", "queue", q.opts.Queue, "visibility", q.opts.Visibility)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("vtq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			q.drainVisible(ctx, handler, log)
		}
	}
}

func (q *Q) drainVisible(ctx context.Context, handler Handler, log *slog.Logger) {
	for {
		job, err := q.Claim(ctx)
		if err != nil {
			log.Warn("vtq: claim failed", "queue", q.opts.Queue, "error", err)
			return
		}
		if job == nil {
			return
		}
		q.dispatch(ctx, job, handler, log)
	}
}

func (q *Q) dispatch(ctx context.Context, job *Job, handler Handler, log *slog.Logger) {
	if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
		log.Warn("vtq: job exceeded max attempts, discarding",
			"id", job.ID, "attempts", job.Attempts, "queue", q.opts.Queue)
		_ = q.Ack(ctx, job.ID)
		return
	}
	if err := handler(ctx, job); err != nil {
		log.Warn("vtq: handler failed, nacking", "id", job.ID, "queue", q.opts.Queue, "error", err)
		_ = q.Nack(context.WithoutCancel(ctx), job.ID, 0)
		return
	}
	_ = q.Ack(context.WithoutCancel(ctx), job.ID)
}

// RunPaced claims at most one job per pacing interval. This is the fetch
// lane's rate limit: one fetch start per interval regardless of backlog.
func (q *Q) RunPaced(ctx context.Context, every time.Duration, handler Handler) {
	log := q.opts.Logger
	log.Info("vtq: paced consumer started", "queue", q.opts.Queue, "every", every)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("vtq: paced consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			job, err := q.Claim(ctx)
			if err != nil {
				log.Warn("vtq: claim failed", "queue", q.opts.Queue, "error", err)
				continue
			}
			if job == nil {
				continue
			}
			q.dispatch(ctx, job, handler, log)
		}
	}
}

// RunConcurrent polls in batches and processes jobs with bounded concurrency.
// Used for the parse lane, which has no external rate constraint. Blocks
// until ctx is cancelled, draining in-flight handlers before returning.
func (q *Q) RunConcurrent(ctx context.Context, maxConcurrency int, handler Handler) {
	log := q.opts.Logger
	log.Info("vtq: concurrent consumer started",
		"queue", q.opts.Queue, "max_concurrency", maxConcurrency)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Info("vtq: concurrent consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			for {
				job, err := q.Claim(ctx)
				if err != nil || job == nil {
					break
				}
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					_ = q.Nack(context.WithoutCancel(ctx), job.ID, 0)
					wg.Wait()
					return
				}
				wg.Add(1)
				go func(j *Job) {
					defer wg.Done()
					defer func() { <-sem }()
					q.dispatch(ctx, j, handler, log)
				}(job)
			}
		}
	}
}
