package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/feedforge-backend/internal/jobs/pipeline/source_build"
	"github.com/yungbote/feedforge-backend/internal/validator"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SANDBOX_MODE", "")
	t.Setenv("AGENT_CONFIG_PATH", "")
	t.Setenv("WORKER_CONCURRENCY", "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, SandboxGoja, cfg.SandboxMode)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, source_build.DefaultConfig(), cfg.Build)
	assert.Equal(t, validator.DefaultConfig().ReviewIterations, cfg.Review.ReviewIterations)
}

func TestLoadConfigReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("FEEDFORGE_TEST_ONLY=1\nTASK_CONCURRENCY=9\n"), 0o600))
	t.Setenv("TASK_CONCURRENCY", "")
	os.Unsetenv("TASK_CONCURRENCY")
	t.Cleanup(func() { os.Unsetenv("FEEDFORGE_TEST_ONLY") })

	cfg, err := LoadConfig(envFile)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.TaskConcurrency)

	_, err = LoadConfig(filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
}

func TestLoadConfigRejectsRemoteSandboxWithoutURL(t *testing.T) {
	t.Setenv("SANDBOX_MODE", "remote")
	t.Setenv("SANDBOX_URL", "")
	_, err := LoadConfig("")
	require.Error(t, err)

	t.Setenv("SANDBOX_MODE", "docker")
	_, err = LoadConfig("")
	require.Error(t, err)
}

func TestAgentFileOverridesCaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	doc := `
model: gpt-4.1-mini
temperature: 0
build:
  discovery_iterations: 12
  discover_wait_cap: 90s
review:
  iterations: 3
sandbox:
  timeout: 15s
  allowed_hosts: [example.com]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("SANDBOX_MODE", "off")
	t.Setenv("AGENT_CONFIG_PATH", path)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1-mini", cfg.OpenAI.Model)
	assert.Equal(t, 0.0, cfg.OpenAI.Temperature)
	assert.Equal(t, 12, cfg.Build.DiscoveryIterations)
	assert.Equal(t, source_build.DefaultConfig().GenerationIterations, cfg.Build.GenerationIterations)
	assert.Equal(t, 90*time.Second, cfg.Build.DiscoverWaitCap)
	assert.Equal(t, 3, cfg.Review.ReviewIterations)
	assert.Equal(t, 15*time.Second, cfg.Review.Limits.Timeout)
	assert.Equal(t, []string{"example.com"}, cfg.Review.Limits.AllowedHosts)
}
