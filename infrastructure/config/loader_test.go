package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonesrussell/north-cloud/product-ingest/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nested struct {
	Timeout time.Duration `env:"TEST_NESTED_TIMEOUT" yaml:"timeout"`
}

type sample struct {
	Port    int      `env:"TEST_PORT"    yaml:"port"`
	Name    string   `env:"TEST_NAME"    yaml:"name"`
	Debug   bool     `env:"TEST_DEBUG"   yaml:"debug"`
	Ratio   float64  `env:"TEST_RATIO"   yaml:"ratio"`
	Tags    []string `env:"TEST_TAGS"    yaml:"tags"`
	Nested  nested   `yaml:"nested"`
	Default string   `yaml:"default"`
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_YAMLOnly(t *testing.T) {
	path := writeConfig(t, "port: 8080\nname: ingest\ntags: [a, b]\nnested:\n  timeout: 5s\n")

	cfg, err := config.Load[sample](path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "ingest", cfg.Name)
	assert.Equal(t, []string{"a", "b"}, cfg.Tags)
	assert.Equal(t, 5*time.Second, cfg.Nested.Timeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load[sample](filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}

func TestLoadWithDefaults_EnvWins(t *testing.T) {
	t.Setenv("TEST_PORT", "9090")
	t.Setenv("TEST_DEBUG", "yes")
	t.Setenv("TEST_RATIO", "0.5")
	t.Setenv("TEST_TAGS", "x, y ,z")
	t.Setenv("TEST_NESTED_TIMEOUT", "250ms")

	path := writeConfig(t, "port: 8080\n")

	cfg, err := config.LoadWithDefaults(path, func(c *sample) {
		if c.Default == "" {
			c.Default = "filled"
		}
		c.Port = 7070
	})
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.Debug)
	assert.InDelta(t, 0.5, cfg.Ratio, 0.0001)
	assert.Equal(t, []string{"x", "y", "z"}, cfg.Tags)
	assert.Equal(t, 250*time.Millisecond, cfg.Nested.Timeout)
	assert.Equal(t, "filled", cfg.Default)
}

func TestLoadWithDefaults_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.LoadWithDefaults(filepath.Join(t.TempDir(), "absent.yml"), func(c *sample) {
		c.Name = "defaulted"
	})
	require.NoError(t, err)
	assert.Equal(t, "defaulted", cfg.Name)
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	assert.Equal(t, "config.yml", config.GetConfigPath("config.yml"))

	t.Setenv("CONFIG_PATH", "/etc/ingest.yml")
	assert.Equal(t, "/etc/ingest.yml", config.GetConfigPath("config.yml"))
}

func TestValidators(t *testing.T) {
	t.Parallel()

	require.NoError(t, config.ValidatePort("service.port", 8080))
	require.Error(t, config.ValidatePort("service.port", 0))
	require.NoError(t, config.ValidateOneOf("database.driver", "sqlite3", "postgres", "sqlite3"))
	require.Error(t, config.ValidateOneOf("database.driver", "mysql", "postgres", "sqlite3"))
	require.NoError(t, config.ValidateHTTPURL("url", "https://shop.example.com"))
	require.Error(t, config.ValidateHTTPURL("url", "ftp://shop.example.com"))
	require.Error(t, config.ValidateRequired("name", "  "))

	var vErr *config.ValidationError
	require.ErrorAs(t, config.ValidatePositive("ingest.workers", 0), &vErr)
	assert.Equal(t, "ingest.workers", vErr.Field)
}
