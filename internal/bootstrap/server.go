package bootstrap

import (
	"context"

	infragin "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/gin"
	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/infrastructure/metrics"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/api"

	"github.com/gin-gonic/gin"
)

const metricsNamespace = "product_ingest"

// SetupHTTPServer builds the HTTP server over the wired app.
func SetupHTTPServer(app *App) *infragin.Server {
	cfg := app.Config
	log := app.Log.With(infralogger.String("component", "api"))
	httpMetrics := metrics.NewHTTPMetrics(metricsNamespace, app.Telemetry.Registry)

	builder := infragin.NewServerBuilder(cfg.Service.Name, cfg.Service.Port).
		WithLogger(log).
		WithDebug(cfg.Service.Debug).
		WithVersion(cfg.Service.Version).
		WithCORSOrigins(cfg.Service.CORSOrigins).
		WithTimeouts(cfg.Service.ReadTimeout, cfg.Service.WriteTimeout, cfg.Service.IdleTimeout).
		WithMiddleware(httpMetrics.Middleware()).
		WithDatabaseHealthCheck(app.DB.Ping).
		WithRoutes(func(router *gin.Engine) {
			api.SetupRoutes(router, api.Handlers{
				Jobs:     api.NewJobsHandler(app.Ledger, app.Runner, log),
				Products: api.NewProductsHandler(app.Products, app.Records, app.Publisher, log),
				Metrics:  httpMetrics.Handler(),
			}, cfg.Auth.JWTSecret)
		})

	if app.Redis != nil {
		builder = builder.WithRedisHealthCheck(func() error {
			return app.Redis.Ping(context.Background()).Err()
		})
	}

	return builder.Build()
}
