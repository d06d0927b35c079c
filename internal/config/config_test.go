package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.APIPort)
	assert.Equal(t, 8100, cfg.Server.WebhookPort)
	assert.Equal(t, 300, cfg.Polling.IntervalSeconds)
	assert.Equal(t, 10, cfg.Polling.MaxPollPages)
	assert.Equal(t, 100, cfg.Polling.PageSize)
	assert.Equal(t, 100, cfg.Graph.RateLimitThreshold)
	assert.Equal(t, 60, cfg.Graph.RateLimitWindowSeconds)
	assert.Equal(t, 5, cfg.Graph.MaxRetries)
	assert.Equal(t, 2.0, cfg.Graph.BackoffFactor)
	assert.Equal(t, 50, cfg.Processing.BatchSize)
	assert.Equal(t, 20, cfg.Processing.MaxWorkers)
	assert.Equal(t, 50, cfg.Persistence.BatchSize)
	assert.Equal(t, "email.metadata", cfg.Bus.RoutingKey)
	assert.Equal(t, DefaultSpamPatterns, cfg.Spam.Patterns)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  api_port: 9000
polling:
  interval_seconds: 60
graph:
  client_id: abc
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.APIPort)
	assert.Equal(t, 60, cfg.Polling.IntervalSeconds)
	assert.Equal(t, "abc", cfg.Graph.ClientID)
	// Untouched keys still get defaults.
	assert.Equal(t, 8100, cfg.Server.WebhookPort)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("CLIENT_ID", "env-client")
	t.Setenv("POLLING_INTERVAL", "120")
	t.Setenv("MAX_POLL_PAGES", "3")
	t.Setenv("SPAM_PATTERNS", "bad@, worse@spam ,")
	t.Setenv("ENABLE_SPAM_FILTER", "false")

	cfg, err := LoadFromEnv("")
	require.NoError(t, err)

	assert.Equal(t, "env-client", cfg.Graph.ClientID)
	assert.Equal(t, 120, cfg.Polling.IntervalSeconds)
	assert.Equal(t, 3, cfg.Polling.MaxPollPages)
	assert.Equal(t, []string{"bad@", "worse@spam"}, cfg.Spam.Patterns)
	assert.False(t, cfg.Features.SpamFilter)
	assert.True(t, cfg.Features.AttachmentSave)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Features = FeatureFlags{}

	err = cfg.Validate()
	assert.ErrorContains(t, err, "CLIENT_ID")

	cfg.Graph.ClientID = "id"
	cfg.Graph.ClientSecret = "secret"
	require.NoError(t, cfg.Validate())

	cfg.Server.WebhookPort = cfg.Server.APIPort
	err = cfg.Validate()
	assert.ErrorContains(t, err, "must differ")
}

func TestValidateRequiresSinkTargets(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Graph.ClientID = "id"
	cfg.Graph.ClientSecret = "secret"

	cfg.Features = FeatureFlags{MS4Forward: true}
	assert.ErrorContains(t, cfg.Validate(), "MS4_PERSISTENCE_BASE_URL")

	cfg.Features = FeatureFlags{BusPublish: true}
	assert.ErrorContains(t, cfg.Validate(), "AMQP_URL")
}
