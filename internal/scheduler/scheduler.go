// Package scheduler submits recurring ingestion jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/ledger"
)

// Submitter starts ingestion jobs.
type Submitter interface {
	Submit(ctx context.Context, req ledger.CreateRequest) (*domain.Job, error)
}

// Schedule is one recurring ingestion.
type Schedule struct {
	Name    string
	Cron    string
	Request ledger.CreateRequest
}

// Scheduler fires Submit for each schedule. Overlapping runs of the same
// source are skipped, not queued.
type Scheduler struct {
	submitter Submitter
	log       infralogger.Logger
	parser    cron.Parser
	cron      *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a stopped scheduler.
func New(submitter Submitter, log infralogger.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		submitter: submitter,
		log:       log,
		parser:    parser,
		cron:      cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		entries:   make(map[string]cron.EntryID),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Add registers a schedule. Names must be unique.
func (s *Scheduler) Add(sch Schedule) error {
	if sch.Name == "" {
		sch.Name = sch.Request.SourceURL
	}

	spec, err := s.parser.Parse(sch.Cron)
	if err != nil {
		return fmt.Errorf("parse schedule %s %q: %w", sch.Name, sch.Cron, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[sch.Name]; exists {
		return fmt.Errorf("schedule %s already registered", sch.Name)
	}

	id := s.cron.Schedule(spec, cron.FuncJob(func() { s.fire(sch) }))
	s.entries[sch.Name] = id

	s.log.Info("Schedule registered",
		infralogger.String("schedule", sch.Name),
		infralogger.String("cron", sch.Cron),
		infralogger.String("source_url", sch.Request.SourceURL),
		infralogger.String("next_run", spec.Next(time.Now()).Format(time.RFC3339)),
	)
	return nil
}

// Trigger fires a schedule immediately.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %s not found", name)
	}
	s.cron.Entry(id).WrappedJob.Run()
	return nil
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("Scheduler started", infralogger.Int("schedules", len(s.cron.Entries())))
}

// Stop stops firing and waits for running triggers, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

func (s *Scheduler) fire(sch Schedule) {
	log := s.log.With(
		infralogger.String("schedule", sch.Name),
		infralogger.String("source_url", sch.Request.SourceURL),
	)

	job, err := s.submitter.Submit(s.ctx, sch.Request)
	switch {
	case errors.Is(err, domain.ErrJobAlreadyActive):
		log.Info("Source already has an active job, skipping run")
	case err != nil:
		log.Error("Scheduled job submission failed", infralogger.Error(err))
	default:
		log.Info("Scheduled job submitted", infralogger.String("job_id", job.ID))
	}
}
