package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/ingest"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/ledger"
)

// JobQuery reads jobs.
type JobQuery interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
	List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
}

// JobControl starts and cancels jobs.
type JobControl interface {
	Submit(ctx context.Context, req ledger.CreateRequest) (*domain.Job, error)
	Cancel(ctx context.Context, id string) error
}

// JobsHandler serves the job query and control endpoints.
type JobsHandler struct {
	query   JobQuery
	control JobControl
	log     infralogger.Logger
}

// NewJobsHandler creates a jobs handler.
func NewJobsHandler(query JobQuery, control JobControl, log infralogger.Logger) *JobsHandler {
	return &JobsHandler{query: query, control: control, log: log}
}

// CreateJobRequest is the body of POST /api/v1/jobs.
type CreateJobRequest struct {
	SourceURL          string `binding:"required,url" json:"source_url"`
	Kind               string `binding:"omitempty,oneof=crawl export" json:"kind"`
	MaxPages           int    `binding:"omitempty,min=1" json:"max_pages"`
	MergeAcrossSources bool   `json:"merge_across_sources"`
}

// ListJobs handles GET /api/v1/jobs
func (h *JobsHandler) ListJobs(c *gin.Context) {
	status := domain.JobStatus(c.Query("status"))
	if status != "" && !status.IsValid() {
		respondError(c, http.StatusBadRequest, "invalid status: "+string(status))
		return
	}
	limit, offset := parseLimitOffset(c)

	jobs, err := h.query.List(c.Request.Context(), domain.JobFilter{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		requestLogger(c, h.log).Error("Failed to list jobs", infralogger.Error(err))
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"count":  len(jobs),
		"limit":  limit,
		"offset": offset,
	})
}

// GetJob handles GET /api/v1/jobs/:id
func (h *JobsHandler) GetJob(c *gin.Context) {
	job, err := h.query.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// CreateJob handles POST /api/v1/jobs
func (h *JobsHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	job, err := h.control.Submit(c.Request.Context(), ledger.CreateRequest{
		SourceURL:          req.SourceURL,
		Kind:               domain.SourceKind(req.Kind),
		MaxPages:           req.MaxPages,
		MergeAcrossSources: req.MergeAcrossSources,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrShuttingDown) {
			respondError(c, http.StatusServiceUnavailable, err.Error())
			return
		}
		if !errors.Is(err, domain.ErrJobAlreadyActive) && !errors.Is(err, domain.ErrInvalidJobRequest) {
			requestLogger(c, h.log).Error("Failed to submit job", infralogger.String("source_url", req.SourceURL), infralogger.Error(err))
		}
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, job)
}

// CancelJob handles POST /api/v1/jobs/:id/cancel
func (h *JobsHandler) CancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := h.control.Cancel(c.Request.Context(), id); err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "cancelling"})
}
