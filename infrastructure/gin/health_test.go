package gin_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	ginpkg "github.com/gin-gonic/gin"
	infragin "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth_AggregatesChecks(t *testing.T) {
	t.Parallel()

	ok := func() error { return nil }
	down := func() error { return errors.New("down") }

	testCases := []struct {
		name       string
		db         func() error
		redis      func() error
		wantCode   int
		wantStatus infragin.HealthStatus
	}{
		{name: "all healthy", db: ok, redis: ok, wantCode: http.StatusOK, wantStatus: infragin.HealthStatusHealthy},
		{name: "redis down degrades", db: ok, redis: down, wantCode: http.StatusOK, wantStatus: infragin.HealthStatusDegraded},
		{name: "database down is unhealthy", db: down, redis: ok, wantCode: http.StatusServiceUnavailable, wantStatus: infragin.HealthStatusUnhealthy},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			router := ginpkg.New()
			infragin.RegisterHealthRoutes(router, infragin.HealthOptions{
				ServiceName:    "product-ingest",
				ServiceVersion: "test",
				Checks: map[string]infragin.HealthChecker{
					"database": infragin.PingHealthChecker("Database", infragin.HealthStatusUnhealthy, tc.db),
					"redis":    infragin.PingHealthChecker("Redis", infragin.HealthStatusDegraded, tc.redis),
				},
			})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))

			require.Equal(t, tc.wantCode, w.Code)
			var resp infragin.HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.wantStatus, resp.Status)
			assert.Equal(t, "product-ingest", resp.Service)
			assert.Len(t, resp.Checks, 2)
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	t.Parallel()

	router := ginpkg.New()
	router.Use(infragin.CORSMiddleware(infragin.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://admin.example.com"},
	}))
	router.GET("/api/v1/jobs", func(c *ginpkg.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", http.NoBody)
	req.Header.Set("Origin", "https://admin.example.com")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://admin.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs", http.NoBody)
	req.Header.Set("Origin", "https://evil.example.com")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
