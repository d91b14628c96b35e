package config_test

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/nestbridge/internal/config"
)

func TestParseAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse("/tmp/config.yaml", []byte("project_id: ' p-1 '\n"))
	require.NoError(t, err)

	assert.Equal(t, "nestbridge", cfg.AppName)
	assert.Equal(t, "p-1", cfg.ProjectID)
	assert.Equal(t, "nestservices.google.com", cfg.OAuth.AuthorizationHost)
	assert.Equal(t, "https://www.googleapis.com/oauth2/v4/token", cfg.OAuth.TokenURL)
	assert.Equal(t, "smartdevicemanagement.googleapis.com", cfg.API.Hostname)
	assert.Equal(t, 15*time.Second, cfg.API.Timeout)
	assert.Equal(t, 10, cfg.API.CommandsPerMinute)
	assert.Equal(t, 3, cfg.API.CommandBurst)
	assert.Equal(t, 60*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, time.Second, cfg.Sync.DiscoveryBackoff)
	assert.Equal(t, time.Second, cfg.Sync.TokenSkew)
	assert.Equal(t, 12*time.Second, cfg.Commands.Debounce)
	assert.Equal(t, 60*time.Second, cfg.Commands.MaxDefer)
	assert.Equal(t, 30*time.Second, cfg.Events.ResetAfter)
	assert.Equal(t, 25*time.Second, cfg.Events.MediaTTL)
	assert.Equal(t, 64, cfg.Events.ImageCacheSize)
	assert.Equal(t, config.StorageDriverFile, cfg.Storage.Driver)
	assert.Equal(t, "/var/lib/nestbridge/state.yaml", cfg.Storage.Path)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, "127.0.0.1:47824", cfg.HTTP.Listen)
	assert.Equal(t, "/webhook", cfg.HTTP.WebhookPath)
	assert.Equal(t, 80*time.Second, cfg.HTTP.WriteTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "/tmp/config.yaml", cfg.Path)
}

func TestWriteTimeoutCoversDeferredCommand(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse("", []byte("project_id: p\ncommands:\n  max_defer: 2m\napi:\n  timeout: 20s\n"))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute+25*time.Second, cfg.HTTP.WriteTimeout)

	cfg, err = config.Parse("", []byte("project_id: p\nhttp:\n  write_timeout: 10s\n"))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.HTTP.WriteTimeout)
}

func TestParseKeepsExplicitValues(t *testing.T) {
	t.Parallel()

	raw := `
project_id: proj
http:
  enabled: false
  listen: ":9000"
commands:
  debounce: 2s
storage:
  driver: sqlite
`

	cfg, err := config.Parse("c.yaml", []byte(raw))
	require.NoError(t, err)

	assert.False(t, cfg.HTTP.Enabled)
	assert.Equal(t, ":9000", cfg.HTTP.Listen)
	assert.Equal(t, 2*time.Second, cfg.Commands.Debounce)
	assert.Equal(t, 60*time.Second, cfg.Commands.MaxDefer)
	assert.Equal(t, "/var/lib/nestbridge/state.db", cfg.Storage.Path)
}

func TestConfigURLs(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse("c.yaml", []byte("project_id: abc\n"))
	require.NoError(t, err)

	assert.Equal(t, "https://nestservices.google.com/partnerconnections/abc/auth", cfg.AuthorizationURL())
	assert.Equal(t, "https://smartdevicemanagement.googleapis.com/v1/enterprises/abc", cfg.APIBaseURL())
}

func TestConfigProblems(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse("c.yaml", []byte("log:\n  level: debug\n"))
	require.NoError(t, err)

	problems := cfg.Problems()
	require.Len(t, problems, 2)
	assert.Contains(t, problems[0], "project ID")

	cfg.ProjectID = "p"
	cfg.OAuth.ClientID = "id"
	cfg.OAuth.ClientSecret = "secret"
	assert.Empty(t, cfg.Problems())
}

func TestConfigSecretKey(t *testing.T) {
	t.Parallel()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	cfg := config.Config{Storage: config.StorageConfig{Secret: base64.StdEncoding.EncodeToString(key)}}

	got, ok, err := cfg.SecretKey()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key, got[:])

	cfg.Storage.Secret = ""
	_, ok, err = cfg.SecretKey()
	require.NoError(t, err)
	assert.False(t, ok)

	cfg.Storage.Secret = base64.StdEncoding.EncodeToString([]byte("short"))
	_, _, err = cfg.SecretKey()
	require.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "empty config", raw: "{}", wantErr: false},
		{name: "bad listen", raw: "http:\n  listen: nowhere\n", wantErr: true},
		{name: "bad webhook path", raw: "http:\n  webhook_path: hook\n", wantErr: true},
		{name: "unknown driver", raw: "storage:\n  driver: redis\n", wantErr: true},
		{name: "max defer below debounce", raw: "commands:\n  debounce: 30s\n  max_defer: 10s\n", wantErr: true},
		{name: "media ttl above reset", raw: "events:\n  reset_after: 10s\n  media_ttl: 20s\n", wantErr: true},
		{name: "negative poll", raw: "sync:\n  poll_interval: -1s\n", wantErr: true},
		{name: "relative token url", raw: "oauth:\n  token_url: /token\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.Parse("c.yaml", []byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfigSaveRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("project_id: first\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	cfg.ProjectID = "second"
	cfg.HTTP.Enabled = false
	require.NoError(t, cfg.Save())

	reloaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "second", reloaded.ProjectID)
	assert.False(t, reloaded.HTTP.Enabled)
}

func TestConfigSaveWithoutPath(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	require.Error(t, cfg.Save())
}
