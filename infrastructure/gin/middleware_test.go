package gin_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"

	ginpkg "github.com/gin-gonic/gin"
	infragin "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/gin"
	"github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var generatedID = regexp.MustCompile(`^[0-9a-f]{32}$`)

type logEntry struct {
	level  string
	msg    string
	fields map[string]string
}

// recordingLogger keeps every entry, including the fields bound by With.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	bound   []logger.Field
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (r *recordingLogger) record(level, msg string, fields []logger.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := logEntry{level: level, msg: msg, fields: make(map[string]string)}
	for _, f := range append(append([]logger.Field{}, r.bound...), fields...) {
		e.fields[f.Key] = f.String
	}
	*r.entries = append(*r.entries, e)
}

func (r *recordingLogger) Debug(msg string, fields ...logger.Field) { r.record("debug", msg, fields) }
func (r *recordingLogger) Info(msg string, fields ...logger.Field)  { r.record("info", msg, fields) }
func (r *recordingLogger) Warn(msg string, fields ...logger.Field)  { r.record("warn", msg, fields) }
func (r *recordingLogger) Error(msg string, fields ...logger.Field) { r.record("error", msg, fields) }
func (r *recordingLogger) Fatal(msg string, fields ...logger.Field) { r.record("fatal", msg, fields) }
func (r *recordingLogger) Sync() error                              { return nil }

func (r *recordingLogger) With(fields ...logger.Field) logger.Logger {
	return &recordingLogger{
		mu:      r.mu,
		entries: r.entries,
		bound:   append(append([]logger.Field{}, r.bound...), fields...),
	}
}

func (r *recordingLogger) find(msg string) (logEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range *r.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

// newJobsRouter mounts the request ID middleware in front of a stand-in
// job submission route that logs through the request-scoped logger.
func newJobsRouter(log logger.Logger) *ginpkg.Engine {
	router := ginpkg.New()
	router.Use(infragin.RequestIDLoggerMiddleware(log))
	router.POST("/api/v1/jobs", func(c *ginpkg.Context) {
		logger.FromContext(c.Request.Context(), nil).Info("Job accepted",
			logger.String("job_id", "job-1"),
			logger.String("gin_request_id", c.GetString(infragin.RequestIDKey)),
		)
		c.JSON(http.StatusAccepted, ginpkg.H{"id": "job-1"})
	})
	return router
}

func submitJob(t *testing.T, router *ginpkg.Engine, requestID string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequestWithContext(t.Context(), http.MethodPost, "/api/v1/jobs",
		strings.NewReader(`{"source_url":"https://shop.example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set(infragin.RequestIDHeader, requestID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRequestIDLoggerMiddleware_TagsHandlerLogs(t *testing.T) {
	t.Parallel()

	const inbound = "ingest-run-7"
	rec := newRecordingLogger()

	w := submitJob(t, newJobsRouter(rec), inbound)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, inbound, w.Header().Get(infragin.RequestIDHeader))

	entry, ok := rec.find("Job accepted")
	require.True(t, ok, "handler log line missing")
	assert.Equal(t, inbound, entry.fields["request_id"])
	assert.Equal(t, inbound, entry.fields["gin_request_id"])
	assert.Equal(t, "job-1", entry.fields["job_id"])
}

func TestRequestIDLoggerMiddleware_ReplacesMissingOrOversizedID(t *testing.T) {
	t.Parallel()

	atLimit := strings.Repeat("a", 128)

	tests := []struct {
		name     string
		inbound  string
		wantKept bool
	}{
		{name: "missing", inbound: ""},
		{name: "oversized", inbound: strings.Repeat("a", 129)},
		{name: "at limit", inbound: atLimit, wantKept: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := newRecordingLogger()
			w := submitJob(t, newJobsRouter(rec), tt.inbound)
			got := w.Header().Get(infragin.RequestIDHeader)

			if tt.wantKept {
				assert.Equal(t, tt.inbound, got)
			} else {
				assert.Regexp(t, generatedID, got)
			}

			entry, ok := rec.find("Job accepted")
			require.True(t, ok)
			assert.Equal(t, got, entry.fields["request_id"])
		})
	}
}

func TestRequestIDLoggerMiddleware_IDsDifferPerRequest(t *testing.T) {
	t.Parallel()

	router := newJobsRouter(logger.NewNop())
	first := submitJob(t, router, "").Header().Get(infragin.RequestIDHeader)
	second := submitJob(t, router, "").Header().Get(infragin.RequestIDHeader)

	assert.Regexp(t, generatedID, first)
	assert.NotEqual(t, first, second)
}

func TestLoggerMiddleware_Levels(t *testing.T) {
	t.Parallel()

	rec := newRecordingLogger()
	router := ginpkg.New()
	router.Use(infragin.RequestIDLoggerMiddleware(logger.NewNop()))
	router.Use(infragin.LoggerMiddleware(rec))
	ok := func(c *ginpkg.Context) { c.Status(http.StatusOK) }
	router.GET("/health", ok)
	router.GET("/metrics", ok)
	router.GET("/api/v1/jobs", ok)
	router.POST("/api/v1/publish", func(c *ginpkg.Context) {
		_ = c.Error(errors.New("unknown destination"))
		c.Status(http.StatusBadRequest)
	})

	tests := []struct {
		method, path string
		wantLevel    string
	}{
		{http.MethodGet, "/health", "debug"},
		{http.MethodGet, "/metrics", "debug"},
		{http.MethodGet, "/api/v1/jobs?status=processing", "info"},
		{http.MethodPost, "/api/v1/publish", "error"},
	}
	for _, tt := range tests {
		req := httptest.NewRequestWithContext(t.Context(), tt.method, tt.path, http.NoBody)
		req.Header.Set(infragin.RequestIDHeader, "req-"+tt.wantLevel)
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	rec.mu.Lock()
	entries := append([]logEntry{}, *rec.entries...)
	rec.mu.Unlock()

	require.Len(t, entries, len(tests))
	for i, tt := range tests {
		assert.Equal(t, tt.wantLevel, entries[i].level, tt.path)
		assert.Equal(t, "req-"+tt.wantLevel, entries[i].fields["request_id"], tt.path)
	}
	assert.Equal(t, "status=processing", entries[2].fields["query"])
	assert.Equal(t, "HTTP request with errors", entries[3].msg)
}
