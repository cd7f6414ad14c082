// Package api implements the HTTP API of the product ingestion service.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
)

const (
	defaultLimit  = 50
	defaultOffset = 0
)

// requestLogger prefers the logger the request ID middleware attached so
// handler lines carry the request_id.
func requestLogger(c *gin.Context, fallback infralogger.Logger) infralogger.Logger {
	return infralogger.FromContext(c.Request.Context(), fallback)
}

// parseLimitOffset parses limit and offset query params with defaults.
func parseLimitOffset(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", strconv.Itoa(defaultOffset)))
	if limit <= 0 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = defaultOffset
	}
	return limit, offset
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// respondDomainError maps the domain error taxonomy onto HTTP statuses.
func respondDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrRecordNotFound):
		respondError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidJobRequest),
		errors.Is(err, domain.ErrUnknownDestination):
		respondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrJobAlreadyActive),
		errors.Is(err, domain.ErrInvalidTransition):
		respondError(c, http.StatusConflict, err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "internal error")
	}
}
