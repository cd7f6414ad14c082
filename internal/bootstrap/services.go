package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/classifier"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/config"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/database"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/extractor"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/ingest"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/ledger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/modelclient"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/provider"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/publisher"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

const destinationKindShopify = "shopify"

// App holds the wired components.
type App struct {
	Config    *config.Config
	Log       infralogger.Logger
	DB        *sqlx.DB
	Redis     *redis.Client
	Telemetry *telemetry.Provider

	Jobs      *database.JobRepository
	Products  *database.ProductRepository
	Records   *database.PublishRepository
	Ledger    *ledger.Ledger
	Runner    *ingest.Runner
	Publisher *publisher.Publisher
}

// NewApp connects the stores and builds the pipeline and the publisher.
func NewApp(ctx context.Context, cfg *config.Config, log infralogger.Logger) (*App, error) {
	db, err := SetupDatabase(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:    cfg,
		Log:       log,
		DB:        db,
		Redis:     SetupRedis(ctx, cfg, log),
		Telemetry: telemetry.NewProvider(),
		Jobs:      database.NewJobRepository(db),
		Products:  database.NewProductRepository(db),
		Records:   database.NewPublishRepository(db),
	}
	app.Ledger = ledger.New(app.Jobs, cfg.Ingest.DefaultMaxPages, log.With(infralogger.String("component", "ledger")))

	if app.Runner, err = setupRunner(cfg, app, log); err != nil {
		app.Close()
		return nil, err
	}
	if app.Publisher, err = setupPublisher(cfg, app, log); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// Close releases the stores.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.Error("Failed to close Redis", infralogger.Error(err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Log.Error("Failed to close database", infralogger.Error(err))
		}
	}
}

func setupModel(cfg *config.Config, log infralogger.Logger) modelclient.Completer {
	client, err := modelclient.New(modelclient.Config{
		APIKey:          cfg.Model.APIKey,
		BaseURL:         cfg.Model.BaseURL,
		Model:           cfg.Model.Model,
		Timeout:         cfg.Model.Timeout,
		BreakerFailures: cfg.Model.BreakerFailures,
		BreakerOpenFor:  cfg.Model.BreakerOpenFor,
	}, log.With(infralogger.String("component", "model")))
	if err == nil {
		return client
	}

	// Export sources never reach the model, so the service still runs.
	log.Warn("Model capability unavailable, crawl sources will fail extraction", infralogger.Error(err))
	unavailable := fmt.Errorf("%w: %v", domain.ErrCapabilityRejected, err)
	return modelclient.CompleterFunc(func(context.Context, modelclient.Prompt) (string, error) {
		return "", unavailable
	})
}

func setupRunner(cfg *config.Config, app *App, log infralogger.Logger) (*ingest.Runner, error) {
	crawler, err := provider.NewCrawler(provider.CrawlerConfig{
		MaxDepth:        cfg.Crawler.MaxDepth,
		Parallelism:     cfg.Crawler.Parallelism,
		Delay:           cfg.Crawler.Delay,
		RandomDelay:     cfg.Crawler.RandomDelay,
		RequestTimeout:  cfg.Crawler.RequestTimeout,
		UserAgent:       cfg.Crawler.UserAgent,
		IgnoreRobotsTxt: cfg.Crawler.IgnoreRobotsTxt,
		ExcludePatterns: cfg.Crawler.ExcludePatterns,
		ListingPatterns: cfg.Crawler.ListingPatterns,
	}, log.With(infralogger.String("component", "crawler")))
	if err != nil {
		return nil, fmt.Errorf("create crawler: %w", err)
	}
	exporter := provider.NewExporter(provider.ExporterConfig{
		PageSize:       cfg.Exporter.PageSize,
		RequestTimeout: cfg.Exporter.RequestTimeout,
		MaxAttempts:    cfg.Exporter.MaxAttempts,
		UserAgent:      cfg.Crawler.UserAgent,
	}, log.With(infralogger.String("component", "exporter")))

	model := setupModel(cfg, log)

	var cache classifier.Cache
	if app.Redis != nil {
		cache = classifier.NewRedisCache(app.Redis, cfg.Classifier.CacheTTL, log)
	}

	cls := classifier.New(classifier.Config{
		Heuristic: classifier.HeuristicConfig{
			ProductThreshold: cfg.Classifier.ProductThreshold,
			RejectBelow:      cfg.Classifier.RejectBelow,
			MaxConfidence:    cfg.Classifier.MaxConfidence,
		},
		ClassifyMaxChars:   cfg.Classifier.ClassifyMaxChars,
		MaxTokens:          cfg.Model.ClassifyMaxTokens,
		FallbackConfidence: cfg.Classifier.FallbackConfidence,
	}, model, cache, app.Telemetry, log.With(infralogger.String("component", "classifier")))

	ext := extractor.New(extractor.Config{
		MaxChars:  cfg.Classifier.ExtractMaxChars,
		MaxTokens: cfg.Model.ExtractMaxTokens,
	}, model, app.Telemetry, log.With(infralogger.String("component", "extractor")))

	return ingest.NewRunner(ingest.Config{
		Workers:          cfg.Ingest.Workers,
		ProgressInterval: cfg.Ingest.ProgressInterval,
	}, ingest.Deps{
		Ledger:     app.Ledger,
		Providers:  provider.NewFactory(crawler, exporter),
		Classifier: cls,
		Extractor:  ext,
		Products:   app.Products,
		Telemetry:  app.Telemetry,
		Logger:     log.With(infralogger.String("component", "ingest")),
	}), nil
}

func setupPublisher(cfg *config.Config, app *App, log infralogger.Logger) (*publisher.Publisher, error) {
	gates := ratelimit.NewRegistry(config.DefaultMinInterval, app.Telemetry.ObserveGateWait)
	retryCfg := publisher.RetryConfig{
		MaxAttempts:    cfg.Publisher.MaxAttempts,
		InitialBackoff: cfg.Publisher.InitialBackoff,
		MaxBackoff:     cfg.Publisher.MaxBackoff,
	}
	pubLog := log.With(infralogger.String("component", "publisher"))

	destinations := make([]publisher.Destination, 0, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		if d.Kind != destinationKindShopify {
			return nil, fmt.Errorf("destination %s: unsupported kind %q", d.Name, d.Kind)
		}

		gate := gates.Register(d.Account, d.MinInterval)
		caller := publisher.NewGatedCaller(d.Name, gate, retryCfg, app.Telemetry, pubLog)
		dest, err := publisher.NewShopify(publisher.ShopifyConfig{
			Name:             d.Name,
			ShopDomain:       d.ShopDomain,
			AccessToken:      d.AccessToken,
			APIVersion:       d.APIVersion,
			RequestTimeout:   d.RequestTimeout,
			VariantBatchSize: cfg.Publisher.VariantBatchSize,
		}, caller, pubLog)
		if err != nil {
			return nil, err
		}
		destinations = append(destinations, dest)

		pubLog.Info("Destination configured",
			infralogger.String("destination", d.Name),
			infralogger.String("account", d.Account),
			infralogger.Duration("min_interval", d.MinInterval),
		)
	}

	return publisher.New(publisher.Config{Concurrency: cfg.Publisher.Concurrency},
		app.Products, app.Records, app.Telemetry, pubLog, destinations...), nil
}

// Shutdown stops running jobs, waiting at most timeout.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.Runner.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.Log.Error("Ingest runs did not stop in time", infralogger.Error(err))
	}
}
