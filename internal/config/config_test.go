package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, []string{"high", "default", "low"}, cfg.PriorityQueues)
	assert.Equal(t, "deepseek", cfg.DefaultProvider)
	assert.False(t, cfg.PlaceholderFallback, "placeholder fallback must be opt-in")
	assert.Equal(t, 1000, cfg.MaxPromptLength)
	assert.Equal(t, 10, cfg.DefaultListLimit)

	assert.Empty(t, cfg.EnabledProviders())
	require.Contains(t, cfg.Providers, "deepseek")
	assert.Equal(t, KindOpenAI, cfg.Providers["deepseek"].Kind)
	assert.Equal(t, "deepseek-chat", cfg.Providers["deepseek"].Model)
}

// isolate hides provider credentials and config files exported by the
// surrounding shell.
func isolate(t *testing.T) {
	t.Helper()
	for _, key := range []string{"CONFIG_FILE", "OPENAI_API_KEY", "DEEPSEEK_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "OLLAMA_HOST"} {
		t.Setenv(key, "")
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("VISIBILITY_TIMEOUT", "45s")
	t.Setenv("PRIORITY_QUEUES", "urgent, normal")
	t.Setenv("PLACEHOLDER_FALLBACK", "true")
	t.Setenv("DEEPSEEK_API_KEY", "sk-test")
	t.Setenv("OLLAMA_HOST", "http://localhost:11434")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, []string{"urgent", "normal"}, cfg.PriorityQueues)
	assert.True(t, cfg.PlaceholderFallback)
	assert.Equal(t, "sk-test", cfg.Providers["deepseek"].APIKey)
	assert.Equal(t, []string{"deepseek", "ollama"}, cfg.EnabledProviders())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
default_provider: alpha
worker_concurrency: 8
providers:
  alpha:
    kind: openai
    base_url: http://alpha.internal
    api_key: alpha-key
    model: alpha-1
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	isolate(t)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("WORKER_CONCURRENCY", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "alpha", cfg.DefaultProvider)
	assert.Equal(t, 2, cfg.WorkerConcurrency, "environment wins over file")
	require.Contains(t, cfg.Providers, "alpha")
	assert.Equal(t, "alpha-1", cfg.Providers["alpha"].Model)
	assert.Contains(t, cfg.EnabledProviders(), "alpha")
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string][2]string{
		"zero attempts":      {"MAX_ATTEMPTS", "0"},
		"prompt bound":       {"MAX_PROMPT_LENGTH", "5000"},
		"priority":           {"DEFAULT_PRIORITY", "11"},
		"archive kind":       {"RESULT_ARCHIVE", "ftp"},
		"unknown default":    {"DEFAULT_PROVIDER", "nope"},
		"s3 without bucket":  {"RESULT_ARCHIVE", "s3"},
		"zero poll interval": {"WORKER_POLL_INTERVAL", "0s"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			require.Error(t, err)
		})
	}
}
