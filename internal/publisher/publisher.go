// Package publisher pushes canonical products to external storefronts in
// resumable sub-steps.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/telemetry"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/worker"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultConcurrency = 4

	outcomeOK     = "ok"
	outcomeFailed = "failed"
)

// Destination is an external storefront. Each method is one publish step;
// implementations must tolerate re-running a step that partly succeeded.
type Destination interface {
	Name() string
	CreateProduct(ctx context.Context, p *domain.CanonicalProduct) (remoteID string, err error)
	AttachVariants(ctx context.Context, remoteID string, p *domain.CanonicalProduct) error
	AttachImages(ctx context.Context, remoteID string, p *domain.CanonicalProduct) error
}

// ProductSource loads canonical products.
type ProductSource interface {
	GetByID(ctx context.Context, id string) (*domain.CanonicalProduct, error)
}

// RecordStore persists publish records.
type RecordStore interface {
	Get(ctx context.Context, productID, destination string) (*domain.PublishRecord, error)
	Upsert(ctx context.Context, rec *domain.PublishRecord) error
}

// Config configures a Publisher.
type Config struct {
	Concurrency int
}

// Publisher drives products through the destination steps and records
// progress after every step so a later call resumes where it stopped.
type Publisher struct {
	cfg          Config
	destinations map[string]Destination
	products     ProductSource
	records      RecordStore
	telemetry    *telemetry.Provider
	log          infralogger.Logger

	// locks serializes publishes of the same product to the same destination.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a publisher over the given destinations.
func New(
	cfg Config,
	products ProductSource,
	records RecordStore,
	tp *telemetry.Provider,
	log infralogger.Logger,
	destinations ...Destination,
) *Publisher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	byName := make(map[string]Destination, len(destinations))
	for _, d := range destinations {
		byName[d.Name()] = d
	}
	return &Publisher{
		cfg:          cfg,
		destinations: byName,
		products:     products,
		records:      records,
		telemetry:    tp,
		log:          log,
		locks:        make(map[string]*sync.Mutex),
	}
}

// Destinations returns the configured destination names, sorted.
func (p *Publisher) Destinations() []string {
	names := make([]string, 0, len(p.destinations))
	for name := range p.destinations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Publish pushes one product to destination. An already pushed record is
// returned unchanged. On failure the returned record carries the failed
// step and the error is a *domain.PublishStepError.
func (p *Publisher) Publish(ctx context.Context, productID, destination string) (*domain.PublishRecord, error) {
	dest, ok := p.destinations[destination]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownDestination, destination)
	}

	unlock := p.lock(productID, destination)
	defer unlock()

	product, err := p.products.GetByID(ctx, productID)
	if err != nil {
		return nil, err
	}

	rec, err := p.loadRecord(ctx, productID, destination)
	if err != nil {
		return nil, err
	}
	if rec.Status == domain.PublishStatusPushed {
		p.log.Debug("Product already pushed",
			infralogger.String("product_id", productID),
			infralogger.String("destination", destination),
		)
		return rec, nil
	}

	ctx, span := p.telemetry.StartSpan(ctx, "publisher.publish",
		attribute.String("product_id", productID),
		attribute.String("destination", destination),
	)

	rec.BeginAttempt()
	// A record past create without a remote id cannot resume.
	if rec.RemoteID == "" {
		rec.CompletedStep = domain.StepNone
	}

	var publishErr error
	for step := rec.NextStep(); step != domain.StepNone; step = rec.NextStep() {
		if stepErr := p.runStep(ctx, dest, step, rec, product); stepErr != nil {
			publishErr = &domain.PublishStepError{Step: step, Err: stepErr}
			rec.MarkFailed(step, publishErr)
			break
		}
		if err = p.records.Upsert(ctx, rec); err != nil {
			telemetry.EndSpan(span, err)
			return rec, fmt.Errorf("save progress after %s: %w", step, err)
		}
	}

	if publishErr == nil {
		if err = rec.MarkPushed(); err != nil {
			publishErr = &domain.PublishStepError{Step: domain.StepCreate, Err: err}
			rec.MarkFailed(domain.StepCreate, publishErr)
		}
	}

	// The outcome is recorded even if the caller gave up meanwhile.
	if err = p.records.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		telemetry.EndSpan(span, err)
		return rec, fmt.Errorf("save publish record: %w", err)
	}

	p.telemetry.RecordPublishResult(destination, string(rec.Status))
	telemetry.EndSpan(span, publishErr)

	if publishErr != nil {
		p.log.Error("Publish failed",
			infralogger.String("product_id", productID),
			infralogger.String("destination", destination),
			infralogger.String("failed_step", string(rec.FailedStep)),
			infralogger.Bool("terminal", domain.IsTerminalPublishError(publishErr)),
			infralogger.Error(publishErr),
		)
		return rec, publishErr
	}

	p.log.Info("Product pushed",
		infralogger.String("product_id", productID),
		infralogger.String("destination", destination),
		infralogger.String("remote_id", rec.RemoteID),
		infralogger.Int("attempts", rec.Attempts),
	)
	return rec, nil
}

func (p *Publisher) loadRecord(ctx context.Context, productID, destination string) (*domain.PublishRecord, error) {
	rec, err := p.records.Get(ctx, productID, destination)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, domain.ErrRecordNotFound) {
		return nil, err
	}

	rec = domain.NewPublishRecord(productID, destination)
	if err = p.records.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("create publish record: %w", err)
	}
	return rec, nil
}

func (p *Publisher) runStep(
	ctx context.Context,
	dest Destination,
	step domain.PublishStep,
	rec *domain.PublishRecord,
	product *domain.CanonicalProduct,
) (err error) {
	ctx, span := p.telemetry.StartSpan(ctx, "publisher.step",
		attribute.String("destination", dest.Name()),
		attribute.String("step", string(step)),
	)
	start := time.Now()
	defer func() {
		outcome := outcomeOK
		if err != nil {
			outcome = outcomeFailed
		}
		p.telemetry.RecordPublishStep(dest.Name(), string(step), outcome, time.Since(start))
		telemetry.EndSpan(span, err)
	}()

	switch step {
	case domain.StepCreate:
		remoteID, createErr := dest.CreateProduct(ctx, product)
		if createErr != nil {
			return createErr
		}
		if remoteID == "" {
			return fmt.Errorf("%w: destination returned no product id", domain.ErrPublishValidationRejected)
		}
		rec.MarkCreated(remoteID)
	case domain.StepAttachVariants:
		if err = dest.AttachVariants(ctx, rec.RemoteID, product); err != nil {
			return err
		}
		rec.MarkStepDone(step)
	case domain.StepAttachImages:
		if err = dest.AttachImages(ctx, rec.RemoteID, product); err != nil {
			return err
		}
		rec.MarkStepDone(step)
	default:
		return fmt.Errorf("unknown publish step %q", step)
	}

	p.log.Debug("Publish step done",
		infralogger.String("product_id", product.ID),
		infralogger.String("destination", dest.Name()),
		infralogger.String("step", string(step)),
		infralogger.Duration("duration", time.Since(start)),
	)
	return nil
}

func (p *Publisher) lock(productID, destination string) func() {
	key := productID + "\x00" + destination
	p.locksMu.Lock()
	mu, ok := p.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		p.locks[key] = mu
	}
	p.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Result is the outcome of publishing one product in a batch.
type Result struct {
	ProductID string                `json:"product_id"`
	Record    *domain.PublishRecord `json:"record,omitempty"`
	Error     string                `json:"error,omitempty"`
	Err       error                 `json:"-"`
}

// PublishMany publishes products concurrently and returns one result per
// id, in input order. Per-product failures are reported in the results.
func (p *Publisher) PublishMany(ctx context.Context, productIDs []string, destination string) ([]Result, error) {
	if _, ok := p.destinations[destination]; !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownDestination, destination)
	}

	pool, err := worker.NewPool(ctx, p.cfg.Concurrency)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(productIDs))
	var submitErr error
	for i, id := range productIDs {
		results[i].ProductID = id
		task := func(taskCtx context.Context) error {
			rec, pubErr := p.Publish(taskCtx, id, destination)
			results[i].Record = rec
			if pubErr != nil {
				results[i].Err = pubErr
				results[i].Error = pubErr.Error()
			}
			return pubErr
		}
		if submitErr = pool.Submit(ctx, task); submitErr != nil {
			for j := i; j < len(productIDs); j++ {
				results[j].ProductID = productIDs[j]
				results[j].Err = submitErr
				results[j].Error = submitErr.Error()
			}
			break
		}
	}

	if closeErr := pool.Close(context.WithoutCancel(ctx)); closeErr != nil {
		return results, closeErr
	}
	if submitErr != nil {
		return results, fmt.Errorf("publish batch: %w", submitErr)
	}
	return results, nil
}
