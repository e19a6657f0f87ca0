package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9090
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 30*time.Minute, cfg.Chat.IdleTimeout())
	assert.Equal(t, time.Minute, cfg.Chat.SweepInterval())
	assert.Equal(t, 4000, cfg.Chat.MaxMessageLength)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"empty sqlite path", func(c *Config) { c.Storage.SQLitePath = "" }},
		{"zero idle timeout", func(c *Config) { c.Chat.IdleTimeoutMinutes = 0 }},
		{"zero sweep interval", func(c *Config) { c.Chat.SweepIntervalSeconds = 0 }},
		{"token without secret", func(c *Config) { c.Auth.RequireToken = true; c.Auth.JWTSecret = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadWithFallbackMissing(t *testing.T) {
	dir := t.TempDir()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(orig) })

	_, err = LoadWithFallback("")
	assert.Error(t, err)
}
