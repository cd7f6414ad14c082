// Package ingest runs ingestion jobs: pages flow from a provider through
// classification and extraction into the normalizer, then to the store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/classifier"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/ledger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/normalizer"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/provider"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/telemetry"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/worker"
)

const (
	defaultWorkers          = 4
	defaultProgressInterval = 2 * time.Second
	finalizeTimeout         = 30 * time.Second
)

// ErrShuttingDown is returned by Submit after Shutdown.
var ErrShuttingDown = errors.New("ingest runner is shutting down")

// JobLedger is the job state machine the runner drives.
type JobLedger interface {
	Create(ctx context.Context, req ledger.CreateRequest) (*domain.Job, error)
	Start(ctx context.Context, id string) error
	RecordProgress(ctx context.Context, id string, c domain.Counters) error
	Complete(ctx context.Context, id string, c domain.Counters) error
	Fail(ctx context.Context, id, reason string, c *domain.Counters) error
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Job, error)
}

// ProviderFactory selects the page provider of a job.
type ProviderFactory interface {
	For(kind domain.SourceKind) (provider.Provider, error)
}

// PageClassifier decides whether a page is a product page.
type PageClassifier interface {
	Classify(ctx context.Context, page *domain.RawPage) (classifier.Decision, error)
}

// FragmentExtractor extracts a fragment from a product page.
type FragmentExtractor interface {
	Extract(ctx context.Context, page *domain.RawPage) (*domain.Fragment, error)
}

// ProductStore persists canonical products.
type ProductStore interface {
	Save(ctx context.Context, p *domain.CanonicalProduct) error
}

// Config configures job execution.
type Config struct {
	Workers          int
	ProgressInterval time.Duration
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Ledger     JobLedger
	Providers  ProviderFactory
	Classifier PageClassifier
	Extractor  FragmentExtractor
	Products   ProductStore
	Telemetry  *telemetry.Provider
	Logger     infralogger.Logger
}

// Runner executes jobs and tracks the ones running in this process.
type Runner struct {
	deps Deps
	cfg  Config
	log  infralogger.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	closing bool
	wg      sync.WaitGroup
}

// NewRunner creates a runner.
func NewRunner(cfg Config, deps Deps) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Runner{
		deps:       deps,
		cfg:        cfg,
		log:        deps.Logger,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		active:     make(map[string]context.CancelFunc),
	}
}

// Submit creates a job and runs it in the background. The run outlives ctx.
func (r *Runner) Submit(ctx context.Context, req ledger.CreateRequest) (*domain.Job, error) {
	if r.isClosing() {
		return nil, ErrShuttingDown
	}

	job, err := r.deps.Ledger.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, release, err := r.track(r.baseCtx, job.ID)
	if err != nil {
		r.abandon(ctx, job.ID)
		return nil, err
	}
	go func() {
		defer release()
		r.execute(runCtx, job)
	}()
	return job, nil
}

// Run creates a job and runs it to a terminal state, returning the final job.
// Cancelling ctx cancels the job.
func (r *Runner) Run(ctx context.Context, req ledger.CreateRequest) (*domain.Job, error) {
	if r.isClosing() {
		return nil, ErrShuttingDown
	}

	job, err := r.deps.Ledger.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, release, err := r.track(ctx, job.ID)
	if err != nil {
		r.abandon(ctx, job.ID)
		return nil, err
	}
	r.execute(runCtx, job)
	release()

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	return r.deps.Ledger.Get(finalCtx, job.ID)
}

// Cancel stops a job. A job running here is cancelled and failed by its
// runner once in-flight pages drained; any other active job is failed directly.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	cancel, running := r.active[id]
	r.mu.Unlock()

	if running {
		r.log.Info("Cancelling running job", infralogger.String("job_id", id))
		cancel()
		return nil
	}
	return r.deps.Ledger.Cancel(ctx, id)
}

// Shutdown cancels every running job and waits for the runs to finish.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	r.cancelBase()

	r.mu.Lock()
	for _, cancel := range r.active {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for ingest runs: %w", ctx.Err())
	}
}

// Active returns the ids of jobs running in this process.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

func (r *Runner) isClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

// track registers a run. It fails once Shutdown began so no run starts
// after Shutdown's wait.
func (r *Runner) track(parent context.Context, id string) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return nil, nil, ErrShuttingDown
	}

	ctx, cancel := context.WithCancel(parent)
	r.active[id] = cancel
	r.wg.Add(1)

	return ctx, func() {
		r.mu.Lock()
		delete(r.active, id)
		r.mu.Unlock()
		cancel()
		r.wg.Done()
	}, nil
}

// abandon fails a job created while Shutdown was starting.
func (r *Runner) abandon(ctx context.Context, id string) {
	if err := r.deps.Ledger.Fail(context.WithoutCancel(ctx), id, domain.CancelledReason, nil); err != nil {
		r.log.Warn("Failed to cancel abandoned job", infralogger.String("job_id", id), infralogger.Error(err))
	}
}

// execute runs job to a terminal state. Ledger writes after the run use a
// context detached from cancellation so a cancelled job is still recorded.
func (r *Runner) execute(ctx context.Context, job *domain.Job) {
	log := r.log.With(
		infralogger.String("job_id", job.ID),
		infralogger.String("source_url", job.SourceURL),
	)
	counters := &jobCounters{}
	acc := normalizer.NewAccumulator(job.ID, job.SourceURL, job.MergeAcrossSources)

	started, runErr := r.dispatch(ctx, job, acc, counters, log)

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if started {
		r.persist(finalCtx, acc, counters, log)
	}

	snapshot := counters.snapshot()
	switch {
	case ctx.Err() != nil:
		r.finishFailed(finalCtx, job.ID, domain.CancelledReason, snapshot, log)
	case runErr != nil:
		r.finishFailed(finalCtx, job.ID, runErr.Error(), snapshot, log)
	default:
		if !started {
			// An empty source still completes.
			if err := r.deps.Ledger.Start(finalCtx, job.ID); err != nil {
				log.Error("Failed to start empty job", infralogger.Error(err))
				return
			}
			r.deps.Telemetry.RecordJobStarted()
		}
		if err := r.deps.Ledger.Complete(finalCtx, job.ID, snapshot); err != nil {
			log.Error("Failed to complete job", infralogger.Error(err))
			return
		}
		r.deps.Telemetry.RecordJobFinished(string(domain.JobStatusCompleted))
	}
}

func (r *Runner) finishFailed(ctx context.Context, id, reason string, c domain.Counters, log infralogger.Logger) {
	if err := r.deps.Ledger.Fail(ctx, id, reason, &c); err != nil {
		log.Error("Failed to record job failure", infralogger.String("reason", reason), infralogger.Error(err))
		return
	}
	r.deps.Telemetry.RecordJobFinished(string(domain.JobStatusFailed))
}

// dispatch pulls pages into the worker pool until the source is exhausted,
// max_pages is reached, the provider fails or ctx ends. It returns once
// every submitted page was processed.
func (r *Runner) dispatch(
	ctx context.Context,
	job *domain.Job,
	acc *normalizer.Accumulator,
	counters *jobCounters,
	log infralogger.Logger,
) (bool, error) {
	prov, err := r.deps.Providers.For(job.SourceKind)
	if err != nil {
		return false, err
	}
	stream, err := prov.Open(ctx, provider.Request{URL: job.SourceURL, MaxPages: job.MaxPages})
	if err != nil {
		return false, err
	}
	defer func() {
		if closeErr := stream.Close(); closeErr != nil {
			log.Warn("Failed to close page stream", infralogger.Error(closeErr))
		}
	}()

	// Cancelling the job stops dispatch only; in-flight pages run to the end.
	// Shutdown still aborts them through the runner's base context.
	taskCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTasks()
	stopAbort := context.AfterFunc(r.baseCtx, cancelTasks)
	defer stopAbort()

	pool, err := worker.NewPool(taskCtx, r.cfg.Workers)
	if err != nil {
		return false, err
	}

	started := false
	stopFlush := func() {}
	defer func() { stopFlush() }()

	var runErr error
	for counters.pagesSeen.Load() < int64(job.MaxPages) && ctx.Err() == nil {
		page, nextErr := stream.Next(ctx)
		if errors.Is(nextErr, io.EOF) {
			break
		}
		if nextErr != nil {
			runErr = nextErr
			break
		}

		if !started {
			if startErr := r.deps.Ledger.Start(ctx, job.ID); startErr != nil {
				runErr = startErr
				break
			}
			started = true
			r.deps.Telemetry.RecordJobStarted()
			stopFlush = r.flushProgress(ctx, job.ID, counters, log)
		}

		// Counted before Submit so the page budget holds; a page that never
		// reached a worker is taken back out.
		counters.pagesSeen.Add(1)
		if submitErr := pool.Submit(ctx, func(taskCtx context.Context) error {
			return r.processPage(taskCtx, page, acc, counters, log)
		}); submitErr != nil {
			counters.pagesSeen.Add(-1)
			runErr = submitErr
			break
		}
	}

	if closeErr := pool.Close(context.WithoutCancel(ctx)); closeErr != nil {
		log.Warn("Worker pool did not drain", infralogger.Error(closeErr))
	}

	stats := pool.Stats()
	log.Info("Page dispatch finished",
		infralogger.Int64("pages_seen", counters.pagesSeen.Load()),
		infralogger.Int64("tasks_run", stats.TasksRun),
		infralogger.Float64("success_rate", stats.SuccessRate()),
	)
	return started, runErr
}

// flushProgress writes counter snapshots until the returned stop func runs.
func (r *Runner) flushProgress(ctx context.Context, id string, counters *jobCounters, log infralogger.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(r.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.deps.Ledger.RecordProgress(ctx, id, counters.snapshot()); err != nil {
					log.Warn("Failed to record job progress", infralogger.Error(err))
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (r *Runner) processPage(
	ctx context.Context,
	page *domain.RawPage,
	acc *normalizer.Accumulator,
	counters *jobCounters,
	log infralogger.Logger,
) error {
	decision, err := r.deps.Classifier.Classify(ctx, page)
	if err != nil {
		counters.pagesFailed.Add(1)
		r.deps.Telemetry.RecordPage("failed")
		log.Warn("Page classification failed", infralogger.String("url", page.URL), infralogger.Error(err))
		return err
	}
	if !decision.IsProduct {
		counters.pagesSkipped.Add(1)
		r.deps.Telemetry.RecordPage("skipped")
		log.Debug("Page is not a product",
			infralogger.String("url", page.URL),
			infralogger.String("strategy", string(decision.Strategy)),
			infralogger.Float64("confidence", decision.Confidence),
		)
		return nil
	}

	fragment, err := r.deps.Extractor.Extract(ctx, page)
	if err != nil {
		counters.pagesFailed.Add(1)
		r.deps.Telemetry.RecordPage("failed")
		log.Warn("Product extraction failed",
			infralogger.String("url", page.URL),
			infralogger.Bool("malformed", errors.Is(err, domain.ErrExtractionMalformed)),
			infralogger.Error(err),
		)
		return err
	}

	counters.productsFound.Add(1)
	r.deps.Telemetry.RecordPage("extracted")

	discarded := 0
	for _, d := range acc.Add(fragment) {
		if d.Kind == normalizer.DiagnosticDuplicateVariant {
			discarded++
			log.Debug("Duplicate variant discarded",
				infralogger.String("product_id", d.ProductID),
				infralogger.String("url", d.SourceURL),
			)
		}
	}
	counters.variantsDiscarded.Add(int64(discarded))
	r.deps.Telemetry.RecordVariantsDiscarded(discarded)
	return nil
}

// persist saves every canonical product. A failed save is counted and the
// rest continue.
func (r *Runner) persist(ctx context.Context, acc *normalizer.Accumulator, counters *jobCounters, log infralogger.Logger) {
	products := acc.Products()
	saved, failed := 0, 0
	for _, p := range products {
		if err := r.deps.Products.Save(ctx, p); err != nil {
			failed++
			counters.recordsFailed.Add(1)
			log.Error("Failed to persist product",
				infralogger.String("product_id", p.ID),
				infralogger.String("title", p.Title),
				infralogger.Error(err),
			)
			continue
		}
		saved++
		counters.productsProcessed.Add(1)
	}
	r.deps.Telemetry.RecordProductsPersisted(saved, failed)

	log.Info("Products persisted",
		infralogger.Int("saved", saved),
		infralogger.Int("failed", failed),
	)
}
