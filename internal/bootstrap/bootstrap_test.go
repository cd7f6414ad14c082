package bootstrap_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/config"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("ANTHROPIC_API_KEY", "")

	dir := t.TempDir()
	body := `
database:
  driver: sqlite3
  path: ` + filepath.Join(dir, "ingest.db") + `
  migrate_on_start: true
destinations:
  - name: storefront
    kind: shopify
    shop_domain: example.myshopify.com
    access_token: shpat_test
` + extra
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := bootstrap.LoadConfig(path)
	require.NoError(t, err)
	return cfg
}

func newTestApp(t *testing.T, extra string) *bootstrap.App {
	t.Helper()

	app, err := bootstrap.NewApp(t.Context(), loadTestConfig(t, extra), infralogger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		app.Shutdown(time.Second)
		app.Close()
	})
	return app
}

func TestNewApp_WiresStoresAndPublisher(t *testing.T) {
	app := newTestApp(t, "")

	assert.Nil(t, app.Redis)
	assert.Equal(t, []string{"storefront"}, app.Publisher.Destinations())

	jobs, err := app.Ledger.List(t.Context(), domain.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSetupScheduler(t *testing.T) {
	app := newTestApp(t, `
schedules:
  - name: nightly
    cron: "0 3 * * *"
    url: https://shop.example.com/products.json
    kind: export
    max_pages: 5
`)

	sched, err := bootstrap.SetupScheduler(app)
	require.NoError(t, err)
	require.NotNil(t, sched)
	assert.Error(t, sched.Trigger("missing"))
}

func TestSetupScheduler_RejectsBadCron(t *testing.T) {
	app := newTestApp(t, "")
	app.Config.Schedules = []config.ScheduleConfig{{
		Name: "broken",
		Cron: "not a cron",
		URL:  "https://shop.example.com",
		Kind: "crawl",
	}}

	_, err := bootstrap.SetupScheduler(app)
	require.Error(t, err)
}

func TestSetupHTTPServer_Routes(t *testing.T) {
	app := newTestApp(t, "")
	router := bootstrap.SetupHTTPServer(app).Router()

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/v1/destinations", http.StatusOK},
		{"/api/v1/jobs", http.StatusOK},
		{"/api/v1/jobs/missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequestWithContext(t.Context(), http.MethodGet, tt.path, http.NoBody))
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequestWithContext(t.Context(), http.MethodGet, "/api/v1/destinations", http.NoBody))
	var body struct {
		Destinations []string `json:"destinations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"storefront"}, body.Destinations)
}

func TestSetupHTTPServer_CORSOriginsFromConfig(t *testing.T) {
	app := newTestApp(t, `
service:
  cors_origins:
    - https://admin.example.com
  read_timeout: 5s
`)
	require.Equal(t, 5*time.Second, app.Config.Service.ReadTimeout)
	router := bootstrap.SetupHTTPServer(app).Router()

	preflight := httptest.NewRequestWithContext(t.Context(), http.MethodOptions, "/api/v1/jobs", http.NoBody)
	preflight.Header.Set("Origin", "https://admin.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, preflight)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://admin.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	other := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "/api/v1/jobs", http.NoBody)
	other.Header.Set("Origin", "https://elsewhere.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, other)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
