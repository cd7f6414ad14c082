package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/publisher"
)

const maxPublishBatch = 100

// ProductQuery reads canonical products.
type ProductQuery interface {
	GetByID(ctx context.Context, id string) (*domain.CanonicalProduct, error)
	List(ctx context.Context, filter domain.ProductFilter) ([]*domain.CanonicalProduct, error)
}

// RecordQuery reads publish records.
type RecordQuery interface {
	ListByProduct(ctx context.Context, productID string) ([]domain.PublishRecord, error)
}

// BatchPublisher publishes products to a destination.
type BatchPublisher interface {
	PublishMany(ctx context.Context, productIDs []string, destination string) ([]publisher.Result, error)
	Destinations() []string
}

// ProductsHandler serves products and publishing.
type ProductsHandler struct {
	products  ProductQuery
	records   RecordQuery
	publisher BatchPublisher
	log       infralogger.Logger
}

// NewProductsHandler creates a products handler.
func NewProductsHandler(
	products ProductQuery,
	records RecordQuery,
	pub BatchPublisher,
	log infralogger.Logger,
) *ProductsHandler {
	return &ProductsHandler{products: products, records: records, publisher: pub, log: log}
}

// ProductResponse is a product with its per-destination publish state.
type ProductResponse struct {
	*domain.CanonicalProduct
	Publish []domain.PublishRecord `json:"publish"`
}

// PublishRequest is the body of POST /api/v1/publish.
type PublishRequest struct {
	Destination string   `binding:"required" json:"destination"`
	ProductIDs  []string `binding:"required,min=1,max=100,dive,required" json:"product_ids"`
}

// ListProducts handles GET /api/v1/products
func (h *ProductsHandler) ListProducts(c *gin.Context) {
	limit, offset := parseLimitOffset(c)
	products, err := h.products.List(c.Request.Context(), domain.ProductFilter{
		JobID:  c.Query("job_id"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		requestLogger(c, h.log).Error("Failed to list products", infralogger.Error(err))
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"products": products,
		"count":    len(products),
		"limit":    limit,
		"offset":   offset,
	})
}

// GetProduct handles GET /api/v1/products/:id
func (h *ProductsHandler) GetProduct(c *gin.Context) {
	ctx := c.Request.Context()
	product, err := h.products.GetByID(ctx, c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}

	records, err := h.records.ListByProduct(ctx, product.ID)
	if err != nil {
		requestLogger(c, h.log).Error("Failed to load publish records",
			infralogger.String("product_id", product.ID),
			infralogger.Error(err),
		)
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, ProductResponse{CanonicalProduct: product, Publish: records})
}

// ListDestinations handles GET /api/v1/destinations
func (h *ProductsHandler) ListDestinations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"destinations": h.publisher.Destinations()})
}

// Publish handles POST /api/v1/publish. Per-product failures are reported
// in the results with a 200; the request only fails as a whole when it is
// malformed or names an unknown destination.
func (h *ProductsHandler) Publish(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}
	if len(req.ProductIDs) > maxPublishBatch {
		respondError(c, http.StatusBadRequest, "too many product ids")
		return
	}

	results, err := h.publisher.PublishMany(c.Request.Context(), req.ProductIDs, req.Destination)
	if err != nil && results == nil {
		respondDomainError(c, err)
		return
	}

	pushed, failed := 0, 0
	for i := range results {
		if results[i].Err != nil {
			failed++
			continue
		}
		pushed++
	}

	requestLogger(c, h.log).Info("Publish batch finished",
		infralogger.String("destination", req.Destination),
		infralogger.Int("pushed", pushed),
		infralogger.Int("failed", failed),
	)

	c.JSON(http.StatusOK, gin.H{
		"destination": req.Destination,
		"results":     results,
		"pushed":      pushed,
		"failed":      failed,
	})
}
