package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PORT", "")
	t.Setenv("SANDBOX_ENDPOINT", "")
	t.Setenv("FLOWGATE_SANDBOX_ENDPOINT", "")
	t.Setenv("FLOWGATE_SERVER_PORT", "")
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.Server.Port)
	assert.EqualValues(t, 10<<20, cfg.Server.MaxBodyBytes)
	assert.Equal(t, 120*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, 0, cfg.Sandbox.MaxRetries)
	assert.Equal(t, 4, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Sandbox.Endpoint)

	assert.Error(t, cfg.Validate(), "missing endpoint should fail validation")
}

func TestLoadFile(t *testing.T) {
	isolate(t)
	t.Setenv("SANDBOX_TOKEN_URL", "http://sandbox.internal:8080/execute")

	path := filepath.Join(t.TempDir(), "flowgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  rate_limit: 5
sandbox:
  endpoint: ${SANDBOX_TOKEN_URL}
  timeout: 30s
  max_retries: 2
jobs:
  max_concurrent: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5.0, cfg.Server.RateLimit)
	assert.Equal(t, "http://sandbox.internal:8080/execute", cfg.Sandbox.Endpoint)
	assert.Equal(t, 30*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, 8, cfg.Jobs.MaxConcurrent)
	assert.NoError(t, cfg.Validate())

	policy := cfg.Sandbox.RetryPolicy()
	assert.Equal(t, 2, policy.MaxRetries)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "4000")
	t.Setenv("SANDBOX_ENDPOINT", "https://sandbox.example.com/run")
	t.Setenv("FLOWGATE_SANDBOX_TIMEOUT", "45s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "https://sandbox.example.com/run", cfg.Sandbox.Endpoint)
	assert.Equal(t, 45*time.Second, cfg.Sandbox.Timeout)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{Port: 70000, MaxBodyBytes: 1},
		Sandbox: SandboxConfig{Endpoint: "ftp://x", Timeout: 0},
		Jobs:    JobsConfig{MaxConcurrent: 0},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "sandbox.endpoint")
	assert.Contains(t, err.Error(), "sandbox.timeout")
	assert.Contains(t, err.Error(), "jobs.max_concurrent")
}

func TestRetryPolicyDisabled(t *testing.T) {
	assert.Equal(t, 0, SandboxConfig{}.RetryPolicy().MaxRetries)
}
