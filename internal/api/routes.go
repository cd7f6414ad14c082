package api

import (
	"github.com/gin-gonic/gin"
	infragin "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/gin"
)

// Handlers groups the route handlers.
type Handlers struct {
	Jobs     *JobsHandler
	Products *ProductsHandler
	// Metrics serves the Prometheus exposition, if set.
	Metrics gin.HandlerFunc
}

// SetupRoutes registers the API. /api/v1 requires a bearer token when
// jwtSecret is set; /metrics stays open for scrapers.
func SetupRoutes(router *gin.Engine, h Handlers, jwtSecret string) {
	if h.Metrics != nil {
		router.GET("/metrics", h.Metrics)
	}

	v1 := infragin.ProtectedGroup(router, "/api/v1", jwtSecret)

	jobs := v1.Group("/jobs")
	jobs.GET("", h.Jobs.ListJobs)
	jobs.POST("", h.Jobs.CreateJob)
	jobs.GET("/:id", h.Jobs.GetJob)
	jobs.POST("/:id/cancel", h.Jobs.CancelJob)

	products := v1.Group("/products")
	products.GET("", h.Products.ListProducts)
	products.GET("/:id", h.Products.GetProduct)

	v1.GET("/destinations", h.Products.ListDestinations)
	v1.POST("/publish", h.Products.Publish)
}
