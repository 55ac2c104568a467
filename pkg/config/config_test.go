package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.False(t, cfg.RetryPolicy().Enabled())
	require.Nil(t, cfg.SessionID)
	require.Zero(t, cfg.IdleTimeout)
}

func TestFileThenEnv(t *testing.T) {
	p := writeFile(t, `
server_url: https://chat.example.com
session_id: 12
idle_timeout: 45s
voice: en-us
redis:
  enabled: true
  addr: redis:6379
`)
	t.Setenv("STREAMCHAT_VOICE", "de")
	t.Setenv("STREAMCHAT_RETRY_ATTEMPTS", "3")
	t.Setenv("STREAMCHAT_REDIS_GROUP", "ops")

	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "https://chat.example.com", cfg.ServerURL)
	require.Equal(t, int64(12), *cfg.SessionID)
	require.Equal(t, 45*time.Second, cfg.IdleTimeout)
	require.Equal(t, "de", cfg.Voice)
	require.Equal(t, 3, cfg.RetryPolicy().Retries)
	require.True(t, cfg.Redis.Enabled)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, "ops", cfg.Redis.Group)
	require.Equal(t, 50, cfg.HistoryLimit)
}

func TestExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestBadYAML(t *testing.T) {
	_, err := Load(writeFile(t, "server_url: [unclosed"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"empty url":        func(c *Config) { c.ServerURL = "" },
		"ftp url":          func(c *Config) { c.ServerURL = "ftp://host" },
		"no host":          func(c *Config) { c.ServerURL = "http://" },
		"negative retries": func(c *Config) { c.RetryAttempts = -1 },
		"negative backoff": func(c *Config) { c.RetryInitialBackoff = -time.Second },
		"negative idle":    func(c *Config) { c.IdleTimeout = -time.Second },
		"negative history": func(c *Config) { c.HistoryLimit = -1 },
		"redis no addr": func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Addr = ""
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, Default().Validate())
}

func TestExpandPath(t *testing.T) {
	p, err := ExpandPath("~/streamchat/transcripts.db")
	require.NoError(t, err)
	require.NotContains(t, p, "~")
	require.True(t, strings.HasSuffix(p, "streamchat/transcripts.db"))

	p, err = ExpandPath("/tmp/t.db")
	require.NoError(t, err)
	require.Equal(t, "/tmp/t.db", p)
}
