package cmd

import (
	"bytes"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigPath(t *testing.T) {
	t.Cleanup(func() { viper.Set("config", "") })

	t.Setenv("CONFIG_PATH", "")
	viper.Set("config", "")
	assert.Equal(t, defaultConfigPath, configPath())

	t.Setenv("CONFIG_PATH", "/etc/product-ingest/config.yml")
	assert.Equal(t, "/etc/product-ingest/config.yml", configPath())

	viper.Set("config", "./local.yml")
	assert.Equal(t, "./local.yml", configPath())
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newVersionCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "product-ingest version dev\n", out.String())
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"serve"},
		{"migrate", "up"},
		{"migrate", "down"},
		{"migrate", "version"},
		{"ingest"},
		{"jobs", "list"},
		{"jobs", "get"},
		{"publish"},
		{"version"},
	} {
		found, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], found.Name())
	}
}

func TestPublishRequiresDestination(t *testing.T) {
	cmd := newPublishCommand()
	cmd.SetArgs([]string{"product-1"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "destination")
}
