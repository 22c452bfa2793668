package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ws://127.0.0.1:9222", cfg.Browser.Endpoint)
	assert.Equal(t, 30*time.Second, cfg.DialTimeout())
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout())
	assert.Equal(t, 30*time.Second, cfg.NavigationTimeout())
	assert.Equal(t, []string{"load"}, cfg.Navigation.WaitUntil)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
browser:
  endpoint: ws://10.0.0.5:9333
navigation:
  timeout: 5s
  wait_until: [domcontentloaded, networkidle]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://10.0.0.5:9333", cfg.Browser.Endpoint)
	assert.Equal(t, 5*time.Second, cfg.NavigationTimeout())
	assert.Equal(t, []string{"domcontentloaded", "networkidle"}, cfg.Navigation.WaitUntil)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("browser: ["), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestEnvOverridesApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0644))

	t.Setenv("BROWSERCTL_ENDPOINT", "ws://127.0.0.1:9444")
	t.Setenv("BROWSERCTL_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9444", cfg.Browser.Endpoint)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.Browser.Endpoint = "ws://localhost:9555"
	cfg.Navigation.Timeout = "90s"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestDurationAccessorsFallBackOnGarbage(t *testing.T) {
	cfg := Default()
	cfg.Browser.DialTimeout = "soon"
	cfg.Browser.CommandTimeout = ""
	cfg.Navigation.Timeout = "never"

	assert.Equal(t, 30*time.Second, cfg.DialTimeout())
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout())
	assert.Equal(t, 30*time.Second, cfg.NavigationTimeout())
}

func TestNavigationTimeoutZeroDisablesLimit(t *testing.T) {
	cfg := Default()
	cfg.Navigation.Timeout = "0"
	assert.Equal(t, time.Duration(0), cfg.NavigationTimeout())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults pass",
			mutate: func(*Config) {},
		},
		{
			name:    "empty endpoint",
			mutate:  func(c *Config) { c.Browser.Endpoint = "" },
			wantErr: "browser.endpoint",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "logging.level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "bad wait_until entry",
			mutate:  func(c *Config) { c.Navigation.WaitUntil = []string{"load", "painted"} },
			wantErr: "wait_until",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
