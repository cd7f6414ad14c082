package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	infragin "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/gin"
	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/infrastructure/jwt"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/api"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/ledger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/publisher"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type fakeJobs struct {
	jobs      map[string]*domain.Job
	submitted []ledger.CreateRequest
	cancelled []string
	lastList  domain.JobFilter
	listErr   error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]*domain.Job{
		"j1": {ID: "j1", SourceURL: "https://shop.example", Status: domain.JobStatusCompleted,
			Counters: domain.Counters{PagesSeen: 4, ProductsProcessed: 2}},
		"j2": {ID: "j2", SourceURL: "https://other.example", Status: domain.JobStatusProcessing},
	}}
}

func (f *fakeJobs) Get(_ context.Context, id string) (*domain.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeJobs) List(_ context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	f.lastList = filter
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.Job, 0)
	for _, id := range []string{"j1", "j2"} {
		if filter.Status == "" || f.jobs[id].Status == filter.Status {
			out = append(out, *f.jobs[id])
		}
	}
	return out, nil
}

func (f *fakeJobs) Submit(_ context.Context, req ledger.CreateRequest) (*domain.Job, error) {
	for _, job := range f.jobs {
		if job.SourceURL == req.SourceURL && job.Status.IsActive() {
			return nil, fmt.Errorf("%w: job %s", domain.ErrJobAlreadyActive, job.ID)
		}
	}
	f.submitted = append(f.submitted, req)
	return &domain.Job{ID: "j3", SourceURL: req.SourceURL, Status: domain.JobStatusPending}, nil
}

func (f *fakeJobs) Cancel(_ context.Context, id string) error {
	job, ok := f.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, id, job.Status)
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeCatalog struct {
	products map[string]*domain.CanonicalProduct
	records  map[string][]domain.PublishRecord
}

func (f *fakeCatalog) GetByID(_ context.Context, id string) (*domain.CanonicalProduct, error) {
	p, ok := f.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	return p, nil
}

func (f *fakeCatalog) List(_ context.Context, filter domain.ProductFilter) ([]*domain.CanonicalProduct, error) {
	out := make([]*domain.CanonicalProduct, 0)
	for _, p := range f.products {
		if filter.JobID == "" || p.JobID == filter.JobID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeCatalog) ListByProduct(_ context.Context, productID string) ([]domain.PublishRecord, error) {
	return append([]domain.PublishRecord{}, f.records[productID]...), nil
}

type fakePublisher struct {
	calls [][]string
}

func (f *fakePublisher) Destinations() []string { return []string{"main"} }

func (f *fakePublisher) PublishMany(_ context.Context, ids []string, destination string) ([]publisher.Result, error) {
	if destination != "main" {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownDestination, destination)
	}
	f.calls = append(f.calls, ids)
	results := make([]publisher.Result, 0, len(ids))
	for _, id := range ids {
		rec := domain.NewPublishRecord(id, destination)
		if id == "bad" {
			err := &domain.PublishStepError{Step: domain.StepCreate, Err: domain.ErrPublishValidationRejected}
			rec.MarkFailed(domain.StepCreate, err)
			results = append(results, publisher.Result{ProductID: id, Record: rec, Err: err, Error: err.Error()})
			continue
		}
		rec.MarkCreated("gid://shopify/Product/1")
		_ = rec.MarkPushed()
		results = append(results, publisher.Result{ProductID: id, Record: rec})
	}
	return results, nil
}

type fixture struct {
	router  *gin.Engine
	jobs    *fakeJobs
	catalog *fakeCatalog
	pub     *fakePublisher
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		jobs: newFakeJobs(),
		catalog: &fakeCatalog{
			products: map[string]*domain.CanonicalProduct{
				"p1": {
					ID: "p1", JobID: "j1", Title: "Trail Mug",
					Variants: []domain.Variant{{Title: "Default", Price: decimal.RequireFromString("12.50")}},
				},
			},
			records: map[string][]domain.PublishRecord{
				"p1": {*domain.NewPublishRecord("p1", "main")},
			},
		},
		pub: &fakePublisher{},
	}

	log := infralogger.NewNop()
	f.router = gin.New()
	api.SetupRoutes(f.router, api.Handlers{
		Jobs:     api.NewJobsHandler(f.jobs, f.jobs, log),
		Products: api.NewProductsHandler(f.catalog, f.catalog, f.pub, log),
		Metrics:  func(c *gin.Context) { c.String(http.StatusOK, "# metrics") },
	}, secret)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequestWithContext(context.Background(), method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestJobs_ListAndGet(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodGet, "/api/v1/jobs?status=completed&limit=10&offset=0", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var list struct {
		Jobs  []domain.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, "j1", list.Jobs[0].ID)
	assert.Equal(t, int64(4), list.Jobs[0].PagesSeen)
	assert.Equal(t, 10, f.jobs.lastList.Limit)

	w = f.do(t, http.MethodGet, "/api/v1/jobs?status=bogus", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/jobs/j2", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"processing"`)

	w = f.do(t, http.MethodGet, "/api/v1/jobs/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobs_Create(t *testing.T) {
	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "accepted", body: map[string]any{"source_url": "https://new.example", "kind": "export", "max_pages": 5}, want: http.StatusAccepted},
		{name: "missing url", body: map[string]any{"kind": "crawl"}, want: http.StatusBadRequest},
		{name: "bad kind", body: map[string]any{"source_url": "https://new.example", "kind": "ftp"}, want: http.StatusBadRequest},
		{name: "zero pages is default", body: map[string]any{"source_url": "https://new.example"}, want: http.StatusAccepted},
		{name: "active source", body: map[string]any{"source_url": "https://other.example"}, want: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "")
			w := f.do(t, http.MethodPost, "/api/v1/jobs", tt.body, "")
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	f := newFixture(t, "")
	f.do(t, http.MethodPost, "/api/v1/jobs",
		map[string]any{"source_url": "https://new.example", "kind": "export", "max_pages": 5, "merge_across_sources": true}, "")
	require.Len(t, f.jobs.submitted, 1)
	assert.Equal(t, ledger.CreateRequest{
		SourceURL: "https://new.example", Kind: domain.SourceKindExport, MaxPages: 5, MergeAcrossSources: true,
	}, f.jobs.submitted[0])
}

func TestJobs_Cancel(t *testing.T) {
	f := newFixture(t, "")

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/v1/jobs/j2/cancel", nil, "").Code)
	assert.Equal(t, []string{"j2"}, f.jobs.cancelled)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/jobs/j1/cancel", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/jobs/nope/cancel", nil, "").Code)
}

func TestProducts_GetIncludesPublishRecords(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodGet, "/api/v1/products/p1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		ID       string `json:"id"`
		Title    string `json:"title"`
		Variants []struct {
			Price string `json:"price"`
		} `json:"variants"`
		Publish []domain.PublishRecord `json:"publish"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Trail Mug", body.Title)
	require.Len(t, body.Variants, 1)
	assert.True(t, decimal.RequireFromString(body.Variants[0].Price).Equal(decimal.RequireFromString("12.50")))
	require.Len(t, body.Publish, 1)
	assert.Equal(t, domain.PublishStatusNotPushed, body.Publish[0].Status)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/products/nope", nil, "").Code)

	w = f.do(t, http.MethodGet, "/api/v1/products?job_id=j1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestPublish_ReportsResults(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/v1/publish",
		map[string]any{"destination": "main", "product_ids": []string{"p1", "bad"}}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Pushed  int `json:"pushed"`
		Failed  int `json:"failed"`
		Results []struct {
			ProductID string               `json:"product_id"`
			Error     string               `json:"error"`
			Record    domain.PublishRecord `json:"record"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Pushed)
	assert.Equal(t, 1, body.Failed)
	assert.Equal(t, domain.PublishStatusPushed, body.Results[0].Record.Status)
	assert.Equal(t, domain.StepCreate, body.Results[1].Record.FailedStep)
	assert.Contains(t, body.Results[1].Error, "validation rejected")

	w = f.do(t, http.MethodPost, "/api/v1/publish",
		map[string]any{"destination": "elsewhere", "product_ids": []string{"p1"}}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/publish", map[string]any{"destination": "main"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoutes_RequireTokenWhenSecretSet(t *testing.T) {
	f := newFixture(t, testSecret)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/v1/jobs", nil, "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", nil, "").Code)

	token, err := jwt.IssueToken(testSecret, "operator", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/jobs", nil, token).Code)

	wrong, err := jwt.IssueToken("other-secret", "operator", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/v1/jobs", nil, wrong).Code)
}

// lineLogger captures messages with their request_id, including one bound by With.
type lineLogger struct {
	mu        *sync.Mutex
	lines     *[]string
	requestID string
}

func (l *lineLogger) add(msg string, fields []infralogger.Field) {
	id := l.requestID
	for _, f := range fields {
		if f.Key == "request_id" {
			id = f.String
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.lines = append(*l.lines, msg+" request_id="+id)
}

func (l *lineLogger) Debug(msg string, fields ...infralogger.Field) { l.add(msg, fields) }
func (l *lineLogger) Info(msg string, fields ...infralogger.Field)  { l.add(msg, fields) }
func (l *lineLogger) Warn(msg string, fields ...infralogger.Field)  { l.add(msg, fields) }
func (l *lineLogger) Error(msg string, fields ...infralogger.Field) { l.add(msg, fields) }
func (l *lineLogger) Fatal(msg string, fields ...infralogger.Field) { l.add(msg, fields) }
func (l *lineLogger) Sync() error                                   { return nil }

func (l *lineLogger) With(fields ...infralogger.Field) infralogger.Logger {
	next := *l
	for _, f := range fields {
		if f.Key == "request_id" {
			next.requestID = f.String
		}
	}
	return &next
}

func TestJobs_HandlerErrorsCarryRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handlerLog := &lineLogger{mu: &sync.Mutex{}, lines: &[]string{}}
	jobs := newFakeJobs()
	jobs.listErr = errors.New("database is locked")

	router := gin.New()
	router.Use(infragin.RequestIDLoggerMiddleware(handlerLog))
	api.SetupRoutes(router, api.Handlers{
		Jobs:     api.NewJobsHandler(jobs, jobs, handlerLog),
		Products: api.NewProductsHandler(&fakeCatalog{}, &fakeCatalog{}, &fakePublisher{}, handlerLog),
		Metrics:  func(c *gin.Context) { c.Status(http.StatusOK) },
	}, "")

	req := httptest.NewRequestWithContext(context.Background(), http.MethodGet, "/api/v1/jobs", http.NoBody)
	req.Header.Set(infragin.RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, []string{"Failed to list jobs request_id=req-42"}, *handlerLog.lines)
}
