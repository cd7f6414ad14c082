package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonesrussell/north-cloud/product-ingest/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)

	assert.Equal(t, "product-ingest", cfg.Service.Name)
	assert.Equal(t, config.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Ingest.Workers)
	assert.Equal(t, 3, cfg.Classifier.ProductThreshold)
	assert.Equal(t, 2, cfg.Classifier.RejectBelow)
	assert.Equal(t, 2000, cfg.Classifier.ClassifyMaxChars)
	assert.Equal(t, 8000, cfg.Classifier.ExtractMaxChars)
	assert.Equal(t, config.DefaultExcludePatterns(), cfg.Crawler.ExcludePatterns)
}

func TestLoad_DestinationDefaultsAndEnv(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("INGEST_WORKERS", "9")

	path := writeConfig(t, `
database:
  driver: sqlite3
destinations:
  - name: main
    shop_domain: demo.myshopify.com
    access_token: shpat_x
schedules:
  - cron: "0 3 * * *"
    url: https://shop.example.com
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Ingest.Workers)
	assert.Equal(t, "product-ingest.db", cfg.Database.Path)

	dest, ok := cfg.Destination("main")
	require.True(t, ok)
	assert.Equal(t, "shopify", dest.Kind)
	assert.Equal(t, "demo.myshopify.com", dest.Account)
	assert.Equal(t, 550*time.Millisecond, dest.MinInterval)
	assert.Equal(t, "crawl", cfg.Schedules[0].Kind)

	_, ok = cfg.Destination("other")
	assert.False(t, ok)
}

func TestLoad_ValidationErrors(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{name: "bad driver", body: "database:\n  driver: mysql\n"},
		{name: "bad log level", body: "logging:\n  level: loud\n"},
		{name: "duplicate destination", body: `
destinations:
  - {name: a, shop_domain: a.myshopify.com}
  - {name: a, shop_domain: b.myshopify.com}
`},
		{name: "schedule without url", body: "schedules:\n  - cron: '@hourly'\n    url: not-a-url\n"},
		{name: "thresholds inverted", body: "classifier:\n  product_threshold: 2\n  reject_below: 4\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

			_, err := config.Load(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}
