// Package postgres provides the Postgres-backed job ledger.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/jobs"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Ledger implements jobs.Ledger and jobs.SecretStore on Postgres.
type Ledger struct {
	pool  dbPool
	ids   jobs.IDGenerator
	clock jobs.Clock
}

// NewLedger connects a pgx pool using cfg.
func NewLedger(ctx context.Context, cfg Config, ids jobs.IDGenerator, clock jobs.Clock) (*Ledger, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("ledger.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Ledger{pool: pool, ids: ids, clock: clock}, nil
}

// NewLedgerWithPool constructs a ledger from an existing pool (primarily for testing).
func NewLedgerWithPool(pool dbPool, ids jobs.IDGenerator, clock jobs.Clock) (*Ledger, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Ledger{pool: pool, ids: ids, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// Ping verifies the pool can reach the database.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate creates the ledger tables when missing.
func (l *Ledger) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateJob inserts a pending job row.
func (l *Ledger) CreateJob(ctx context.Context, in jobs.NewJob) (jobs.Job, error) {
	created := in.CreatedAt
	if created.IsZero() {
		created = l.clock.Now()
	}
	const query = `
INSERT INTO jobs (id, owner_id, kind, status, total_units, options, webhook_url, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := l.pool.Exec(ctx, query,
		in.ID,
		in.OwnerID,
		string(in.Kind),
		string(jobs.StatusPending),
		in.TotalUnits,
		jsonOrEmpty(in.Options),
		in.WebhookURL,
		created,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return jobs.Job{}, apperr.Wrap(apperr.CodeDuplicateJob, err, "job %s already exists", in.ID)
		}
		return jobs.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return jobs.Job{
		ID:         in.ID,
		OwnerID:    in.OwnerID,
		Kind:       in.Kind,
		Status:     jobs.StatusPending,
		TotalUnits: in.TotalUnits,
		CreatedAt:  created,
		Options:    in.Options,
		WebhookURL: in.WebhookURL,
	}, nil
}

// CreateItems bulk inserts one pending item per target with order equal to the target index.
func (l *Ledger) CreateItems(ctx context.Context, jobID string, targets []string) error {
	if len(targets) == 0 {
		return nil
	}
	ids := make([]string, len(targets))
	for i := range targets {
		id, err := l.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate item id: %w", err)
		}
		ids[i] = id
	}
	const query = `
INSERT INTO job_items (id, job_id, item_order, target, status)
SELECT t.id, $1, t.ord - 1, t.target, 'pending'
FROM unnest($2::text[], $3::text[]) WITH ORDINALITY AS t(id, target, ord)`
	if _, err := l.pool.Exec(ctx, query, jobID, ids, targets); err != nil {
		return fmt.Errorf("insert job items: %w", err)
	}
	return nil
}

// UpdateJob writes the billing and/or delivery columns.
func (l *Ledger) UpdateJob(ctx context.Context, jobID string, patch jobs.JobPatch) error {
	sets := make([]string, 0, 2)
	args := []any{jobID}
	if patch.Billing != nil {
		data, err := json.Marshal(patch.Billing)
		if err != nil {
			return fmt.Errorf("marshal billing: %w", err)
		}
		args = append(args, data)
		sets = append(sets, fmt.Sprintf("billing = $%d", len(args)))
	}
	if patch.Delivery != nil {
		data, err := json.Marshal(patch.Delivery)
		if err != nil {
			return fmt.Errorf("marshal delivery: %w", err)
		}
		args = append(args, data)
		sets = append(sets, fmt.Sprintf("delivery = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	tag, err := l.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodeJobNotFound, "job %s not found", jobID)
	}
	return nil
}

// DeleteJob removes the job; items cascade.
func (l *Ledger) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := l.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

const jobColumns = `id, owner_id, kind, status, total_units, completed_units, failed_units,
	created_at, started_at, completed_at, billing, options, webhook_url, delivery`

// FindJob loads one job, returning nil when absent.
func (l *Ledger) FindJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)

	var (
		job                            jobs.Job
		kind, status                   string
		billing, options, deliveryJSON []byte
	)
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&kind,
		&status,
		&job.TotalUnits,
		&job.CompletedUnits,
		&job.FailedUnits,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&billing,
		&options,
		&job.WebhookURL,
		&deliveryJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	job.Kind = jobs.Kind(kind)
	job.Status = jobs.Status(status)
	if len(options) > 0 {
		job.Options = json.RawMessage(options)
	}
	if err := unmarshalOptional(billing, &job.Billing); err != nil {
		return nil, fmt.Errorf("decode billing: %w", err)
	}
	if err := unmarshalOptional(deliveryJSON, &job.Delivery); err != nil {
		return nil, fmt.Errorf("decode delivery: %w", err)
	}
	return &job, nil
}

// ListItems returns the job's items ordered by item_order.
func (l *Ledger) ListItems(ctx context.Context, jobID string, filter jobs.ItemFilter) ([]jobs.Item, error) {
	const query = `
SELECT id, job_id, item_order, target, status, result, COALESCE(error, '')
FROM job_items
WHERE job_id = $1 AND ($2 = '' OR status = $2)
ORDER BY item_order`
	rows, err := l.pool.Query(ctx, query, jobID, string(filter.Status))
	if err != nil {
		return nil, fmt.Errorf("select job items: %w", err)
	}
	defer rows.Close()

	var out []jobs.Item
	for rows.Next() {
		var (
			item   jobs.Item
			status string
			result []byte
		)
		if err := rows.Scan(&item.ID, &item.JobID, &item.Order, &item.Target, &status, &result, &item.Error); err != nil {
			return nil, fmt.Errorf("scan job item: %w", err)
		}
		item.Status = jobs.ItemStatus(status)
		if len(result) > 0 {
			item.Result = json.RawMessage(result)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job items: %w", err)
	}
	return out, nil
}

// ListJobs returns owner summaries newest first.
func (l *Ledger) ListJobs(ctx context.Context, ownerID string, limit, offset int) ([]jobs.Summary, error) {
	const query = `
SELECT id, kind, status, total_units, completed_units, failed_units, created_at, completed_at
FROM jobs
WHERE owner_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`
	rows, err := l.pool.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}
	defer rows.Close()

	out := make([]jobs.Summary, 0, limit)
	for rows.Next() {
		var (
			s            jobs.Summary
			kind, status string
		)
		if err := rows.Scan(&s.ID, &kind, &status, &s.TotalUnits, &s.CompletedUnits, &s.FailedUnits, &s.CreatedAt, &s.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan job summary: %w", err)
		}
		s.Kind = jobs.Kind(kind)
		s.Status = jobs.Status(status)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// TransitionJob performs a conditional status update.
func (l *Ledger) TransitionJob(ctx context.Context, jobID string, to jobs.Status, from ...jobs.Status) (bool, error) {
	const query = `
UPDATE jobs SET
	status = $2::text,
	started_at = CASE WHEN $2::text = 'running' THEN COALESCE(started_at, $4) ELSE started_at END,
	completed_at = CASE WHEN $5 THEN $4 ELSE completed_at END
WHERE id = $1 AND status = ANY($3::text[])`
	fromStatuses := make([]string, len(from))
	for i, s := range from {
		fromStatuses[i] = string(s)
	}
	tag, err := l.pool.Exec(ctx, query, jobID, string(to), fromStatuses, l.clock.Now(), to.Terminal())
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := l.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return false, apperr.New(apperr.CodeJobNotFound, "job %s not found", jobID)
	}
	return false, nil
}

// CompleteItem flips a pending item to its terminal status and increments the job counter in the
// same statement. The job row lock serialises concurrent increments.
func (l *Ledger) CompleteItem(
	ctx context.Context,
	jobID, itemID string,
	status jobs.ItemStatus,
	result []byte,
	errText string,
) (jobs.Counters, error) {
	const query = `
WITH done AS (
	UPDATE job_items
	SET status = $3, result = $4, error = NULLIF($5, '')
	WHERE job_id = $1 AND id = $2 AND status = 'pending'
	RETURNING status
)
UPDATE jobs SET
	completed_units = completed_units + (SELECT count(*) FROM done WHERE status = 'completed'),
	failed_units = failed_units + (SELECT count(*) FROM done WHERE status = 'failed')
WHERE id = $1
RETURNING total_units, completed_units, failed_units`
	var resultArg any
	if len(result) > 0 {
		resultArg = result
	}
	var c jobs.Counters
	err := l.pool.QueryRow(ctx, query, jobID, itemID, string(status), resultArg, errText).
		Scan(&c.Total, &c.Completed, &c.Failed)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Counters{}, apperr.New(apperr.CodeJobNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return jobs.Counters{}, fmt.Errorf("complete item: %w", err)
	}
	return c, nil
}

// SetWebhookSecret stores or replaces an owner's signing secret.
func (l *Ledger) SetWebhookSecret(ctx context.Context, ownerID, secret string) error {
	const query = `
INSERT INTO webhook_secrets (owner_id, secret, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (owner_id) DO UPDATE SET secret = EXCLUDED.secret, updated_at = EXCLUDED.updated_at`
	if _, err := l.pool.Exec(ctx, query, ownerID, secret, l.clock.Now()); err != nil {
		return fmt.Errorf("upsert webhook secret: %w", err)
	}
	return nil
}

// WebhookSecret implements jobs.SecretStore; an owner without a secret yields "".
func (l *Ledger) WebhookSecret(ctx context.Context, ownerID string) (string, error) {
	var secret string
	err := l.pool.QueryRow(ctx, `SELECT secret FROM webhook_secrets WHERE owner_id = $1`, ownerID).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select webhook secret: %w", err)
	}
	return secret, nil
}

func jsonOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return []byte(raw)
}

func unmarshalOptional(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

var (
	_ jobs.Ledger      = (*Ledger)(nil)
	_ jobs.SecretStore = (*Ledger)(nil)
)
