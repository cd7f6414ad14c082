package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

const jobColumns = `id, source_url, source_key, source_kind, max_pages, merge_across_sources, status,
	pages_seen, pages_skipped, pages_failed, products_found, products_processed,
	variants_discarded, records_failed, created_at, started_at, completed_at, last_error`

// JobRepository stores jobs.
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a job repository.
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a pending job. It fails with domain.ErrJobAlreadyActive
// when the source key already has a pending or processing job; the partial
// unique index closes the race between the check and the insert.
func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var activeID string
	checkErr := tx.GetContext(ctx, &activeID, r.db.Rebind(
		`SELECT id FROM jobs WHERE source_key = ? AND status IN ('pending', 'processing') LIMIT 1`),
		job.SourceKey,
	)
	switch {
	case checkErr == nil:
		return fmt.Errorf("%w: job %s", domain.ErrJobAlreadyActive, activeID)
	case !errors.Is(checkErr, sql.ErrNoRows):
		return fmt.Errorf("check active job: %w", checkErr)
	}

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO jobs (id, source_url, source_key, source_kind, max_pages, merge_across_sources, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.SourceURL, job.SourceKey, job.SourceKind, job.MaxPages, job.MergeAcrossSources, job.Status, job.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrJobAlreadyActive
		}
		return fmt.Errorf("insert job: %w", err)
	}

	if commitErr := tx.Commit(); commitErr != nil {
		if isUniqueViolation(commitErr) {
			return domain.ErrJobAlreadyActive
		}
		return fmt.Errorf("commit create job: %w", commitErr)
	}
	return nil
}

// GetByID returns a job or domain.ErrJobNotFound.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	err := r.db.GetContext(ctx, &job, r.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}

// List returns jobs newest first.
func (r *JobRepository) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, 3)
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, clampLimit(filter.Limit), max(filter.Offset, 0))

	jobs := make([]domain.Job, 0)
	if err := r.db.SelectContext(ctx, &jobs, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ListActive returns pending and processing jobs.
func (r *JobRepository) ListActive(ctx context.Context) ([]domain.Job, error) {
	jobs := make([]domain.Job, 0)
	err := r.db.SelectContext(ctx, &jobs,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN ('pending', 'processing') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return jobs, nil
}

// UpdateCounters overwrites the counters of a processing job.
func (r *JobRepository) UpdateCounters(ctx context.Context, id string, c domain.Counters) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE jobs SET pages_seen = ?, pages_skipped = ?, pages_failed = ?, products_found = ?,
			products_processed = ?, variants_discarded = ?, records_failed = ?
		WHERE id = ? AND status = ?`),
		c.PagesSeen, c.PagesSkipped, c.PagesFailed, c.ProductsFound,
		c.ProductsProcessed, c.VariantsDiscarded, c.RecordsFailed,
		id, domain.JobStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("update job counters %s: %w", id, err)
	}
	return nil
}

// Transition describes a compare-and-swap status change.
type Transition struct {
	ID        string
	From      domain.JobStatus
	To        domain.JobStatus
	At        time.Time
	Counters  *domain.Counters
	LastError *string
}

// Transition applies t only if the job is still in t.From. It returns
// domain.ErrInvalidTransition when the status moved or the edge is illegal.
func (r *JobRepository) Transition(ctx context.Context, t Transition) error {
	if !t.From.CanTransitionTo(t.To) {
		return fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, t.From, t.To)
	}

	sets := []string{"status = ?"}
	args := []any{t.To}

	if t.To == domain.JobStatusProcessing {
		sets = append(sets, "started_at = ?")
		args = append(args, t.At)
	}
	if t.To.IsTerminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, t.At)
	}
	if c := t.Counters; c != nil {
		sets = append(sets,
			"pages_seen = ?", "pages_skipped = ?", "pages_failed = ?", "products_found = ?",
			"products_processed = ?", "variants_discarded = ?", "records_failed = ?")
		args = append(args, c.PagesSeen, c.PagesSkipped, c.PagesFailed, c.ProductsFound,
			c.ProductsProcessed, c.VariantsDiscarded, c.RecordsFailed)
	}
	if t.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *t.LastError)
	}

	query := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`
	args = append(args, t.ID, t.From)

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("transition job %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job %s rows: %w", t.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s is not %s", domain.ErrInvalidTransition, t.ID, t.From)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}
