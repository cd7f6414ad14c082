package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/infrastructure/profiling"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/config"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/ledger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/scheduler"
)

const defaultShutdownTimeout = 30 * time.Second

// Serve runs the HTTP API and the schedules until ctx is cancelled or a
// termination signal arrives, then shuts everything down in order.
func Serve(ctx context.Context, app *App) error {
	log := app.Log

	profilers, err := profiling.Start(app.Config.Profiling, app.Config.Service.Name, app.Config.Service.Version, log)
	if err != nil {
		log.Warn("Profiling disabled", infralogger.Error(err))
	}

	sched, err := SetupScheduler(app)
	if err != nil {
		return err
	}
	sched.Start()

	server := SetupHTTPServer(app)
	log.Info("Starting product-ingest service",
		infralogger.Int("port", app.Config.Service.Port),
		infralogger.Int("destinations", len(app.Config.Destinations)),
		infralogger.Int("schedules", len(app.Config.Schedules)),
	)
	runErr := server.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
	defer cancel()

	log.Info("Stopping scheduler")
	if stopErr := sched.Stop(shutdownCtx); stopErr != nil {
		log.Warn("Scheduler did not stop cleanly", infralogger.Error(stopErr))
	}

	log.Info("Stopping ingestion runs")
	app.Shutdown(defaultShutdownTimeout)

	if stopErr := profilers.Stop(); stopErr != nil {
		log.Warn("Failed to stop profilers", infralogger.Error(stopErr))
	}

	app.Close()
	log.Info("Service stopped")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("server: %w", runErr)
	}
	return nil
}

// SetupScheduler registers every configured schedule against the runner.
func SetupScheduler(app *App) (*scheduler.Scheduler, error) {
	sched := scheduler.New(app.Runner, app.Log.With(infralogger.String("component", "scheduler")))
	for _, s := range app.Config.Schedules {
		if err := sched.Add(scheduler.Schedule{
			Name:    s.Name,
			Cron:    s.Cron,
			Request: scheduleRequest(s),
		}); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

func scheduleRequest(s config.ScheduleConfig) ledger.CreateRequest {
	return ledger.CreateRequest{
		SourceURL:          s.URL,
		Kind:               domain.SourceKind(s.Kind),
		MaxPages:           s.MaxPages,
		MergeAcrossSources: s.MergeAcrossSources,
	}
}
