// Package ledger owns the job lifecycle: pending, processing, then
// completed or failed, with no way back out of a terminal state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/database"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/normalizer"
)

// maxTransitionAttempts bounds re-reads when a concurrent writer moved the
// job between our read and our conditional update.
const maxTransitionAttempts = 3

// Store is the persistence the ledger needs.
type Store interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
	UpdateCounters(ctx context.Context, id string, c domain.Counters) error
	Transition(ctx context.Context, t database.Transition) error
}

// CreateRequest describes a job to create.
type CreateRequest struct {
	SourceURL          string            `json:"source_url"`
	Kind               domain.SourceKind `json:"kind"`
	MaxPages           int               `json:"max_pages"`
	MergeAcrossSources bool              `json:"merge_across_sources"`
}

// Ledger applies job state transitions.
type Ledger struct {
	store           Store
	defaultMaxPages int
	log             infralogger.Logger
	now             func() time.Time
}

// New creates a ledger. defaultMaxPages applies to requests without a bound.
func New(store Store, defaultMaxPages int, log infralogger.Logger) *Ledger {
	return &Ledger{
		store:           store,
		defaultMaxPages: defaultMaxPages,
		log:             log,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Create validates req and stores a pending job. It returns
// domain.ErrJobAlreadyActive when the source has a pending or processing job.
// URLs that differ only in scheme, www prefix, query or trailing slash name
// the same source.
func (l *Ledger) Create(ctx context.Context, req CreateRequest) (*domain.Job, error) {
	sourceURL, err := normalizeSourceURL(req.SourceURL)
	if err != nil {
		return nil, err
	}

	kind := req.Kind
	if kind == "" {
		kind = domain.SourceKindCrawl
	}
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown source kind %q", domain.ErrInvalidJobRequest, kind)
	}

	maxPages := req.MaxPages
	if maxPages == 0 {
		maxPages = l.defaultMaxPages
	}
	if maxPages <= 0 {
		return nil, fmt.Errorf("%w: max_pages must be positive", domain.ErrInvalidJobRequest)
	}

	job := &domain.Job{
		ID:                 uuid.NewString(),
		SourceURL:          sourceURL,
		SourceKey:          normalizer.SourceIdentifier(sourceURL),
		SourceKind:         kind,
		MaxPages:           maxPages,
		MergeAcrossSources: req.MergeAcrossSources,
		Status:             domain.JobStatusPending,
		CreatedAt:          l.now(),
	}

	if err = l.store.Create(ctx, job); err != nil {
		return nil, err
	}

	l.log.Info("Job created",
		infralogger.String("job_id", job.ID),
		infralogger.String("source_url", job.SourceURL),
		infralogger.String("source_kind", string(job.SourceKind)),
		infralogger.Int("max_pages", job.MaxPages),
	)
	return job, nil
}

// Start moves a pending job to processing. It is called when the first
// page was fetched.
func (l *Ledger) Start(ctx context.Context, id string) error {
	err := l.store.Transition(ctx, database.Transition{
		ID:   id,
		From: domain.JobStatusPending,
		To:   domain.JobStatusProcessing,
		At:   l.now(),
	})
	if err != nil {
		return err
	}

	l.log.Info("Job processing", infralogger.String("job_id", id))
	return nil
}

// RecordProgress persists a counters snapshot of a processing job.
func (l *Ledger) RecordProgress(ctx context.Context, id string, c domain.Counters) error {
	return l.store.UpdateCounters(ctx, id, c)
}

// Complete moves a processing job to completed with its final counters.
func (l *Ledger) Complete(ctx context.Context, id string, c domain.Counters) error {
	err := l.store.Transition(ctx, database.Transition{
		ID:       id,
		From:     domain.JobStatusProcessing,
		To:       domain.JobStatusCompleted,
		At:       l.now(),
		Counters: &c,
	})
	if err != nil {
		return err
	}

	l.log.Info("Job completed",
		infralogger.String("job_id", id),
		infralogger.Int64("pages_seen", c.PagesSeen),
		infralogger.Int64("products_found", c.ProductsFound),
		infralogger.Int64("products_processed", c.ProductsProcessed),
	)
	return nil
}

// Fail moves a pending or processing job to failed with reason. Counters
// may be nil when nothing was counted.
func (l *Ledger) Fail(ctx context.Context, id, reason string, c *domain.Counters) error {
	if strings.TrimSpace(reason) == "" {
		reason = "unknown error"
	}

	if err := l.failActive(ctx, id, reason, c); err != nil {
		return err
	}

	l.log.Warn("Job failed",
		infralogger.String("job_id", id),
		infralogger.String("reason", reason),
	)
	return nil
}

// Cancel fails an active job with the cancelled reason. Runners that own
// the job call Fail themselves after draining; Cancel is for jobs no live
// runner holds.
func (l *Ledger) Cancel(ctx context.Context, id string) error {
	return l.Fail(ctx, id, domain.CancelledReason, nil)
}

func (l *Ledger) failActive(ctx context.Context, id, reason string, c *domain.Counters) error {
	for range maxTransitionAttempts {
		job, err := l.store.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return fmt.Errorf("%w: job %s is already %s", domain.ErrInvalidTransition, id, job.Status)
		}

		err = l.store.Transition(ctx, database.Transition{
			ID:        id,
			From:      job.Status,
			To:        domain.JobStatusFailed,
			At:        l.now(),
			Counters:  c,
			LastError: &reason,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrInvalidTransition) {
			return err
		}
		// Status moved under us; re-read and try the new edge.
	}
	return fmt.Errorf("%w: job %s kept changing state", domain.ErrInvalidTransition, id)
}

// Get returns a job by id.
func (l *Ledger) Get(ctx context.Context, id string) (*domain.Job, error) {
	return l.store.GetByID(ctx, id)
}

// List returns jobs newest first.
func (l *Ledger) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidJobRequest, filter.Status)
	}
	return l.store.List(ctx, filter)
}

func normalizeSourceURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: source_url %q must be an absolute http(s) URL", domain.ErrInvalidJobRequest, raw)
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Host = strings.ToLower(u.Host)
	return u.String(), nil
}
