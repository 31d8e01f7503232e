package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcksfa/async-ai-task-runner/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echo(prefix string) Generator {
	return GeneratorFunc(func(_ context.Context, req Request) (string, error) {
		return prefix + ":" + req.Model + ":" + req.Prompt, nil
	})
}

func failing(class Class) Generator {
	return GeneratorFunc(func(context.Context, Request) (string, error) {
		return "", &Error{Provider: "down", Class: class, Err: errors.New("boom")}
	})
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry("alpha", Options{}, quietLogger())
	reg.Register("alpha", "openai", "a-1", echo("alpha"))
	reg.Register("beta", "anthropic", "b-1", echo("beta"))

	name, err := reg.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "alpha", name)

	_, err = reg.Resolve("gamma")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.Equal(t, Fatal, Classify(err))

	assert.Equal(t, []string{"alpha", "beta"}, reg.Names())
	infos := reg.Describe()
	require.Len(t, infos, 2)
	assert.True(t, infos[0].Default)
	assert.False(t, infos[1].Default)
}

func TestRegistryGenerateAppliesDefaults(t *testing.T) {
	var seen Request
	reg := NewRegistry("alpha", Options{Temperature: 0.7, MaxTokens: 1000}, quietLogger())
	reg.Register("alpha", "openai", "a-1", GeneratorFunc(func(_ context.Context, req Request) (string, error) {
		seen = req
		return "ok", nil
	}))

	res, err := reg.Generate(context.Background(), "", Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, Result{Text: "ok", Provider: "alpha", Model: "a-1"}, res)
	assert.Equal(t, "a-1", seen.Model)
	assert.InDelta(t, 0.7, seen.Temperature, 1e-9)
	assert.Equal(t, 1000, seen.MaxTokens)

	res, err = reg.Generate(context.Background(), "alpha", Request{Prompt: "p", Model: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "custom", res.Model)
}

func TestRegistryTimeoutIsRetryable(t *testing.T) {
	reg := NewRegistry("slow", Options{Timeout: 20 * time.Millisecond}, quietLogger())
	reg.Register("slow", "openai", "m", GeneratorFunc(func(ctx context.Context, _ Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))

	_, err := reg.Generate(context.Background(), "slow", Request{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, Retryable, Classify(err))
	assert.Contains(t, err.Error(), "timed out")
}

func TestFallbackFailover(t *testing.T) {
	var betaCalls atomic.Int32
	reg := NewRegistry("alpha", Options{Failover: true}, quietLogger())
	reg.Register("alpha", "openai", "a-1", failing(Retryable))
	reg.Register("beta", "openai", "b-1", GeneratorFunc(func(_ context.Context, req Request) (string, error) {
		betaCalls.Add(1)
		assert.Equal(t, "b-1", req.Model, "failover uses the failover provider's model")
		return "from beta", nil
	}))

	res, err := reg.Fallback(context.Background(), "alpha", Request{Prompt: "p", Model: "a-custom"}, errors.New("alpha down"))
	require.NoError(t, err)
	assert.Equal(t, "from beta", res.Text)
	assert.Equal(t, "beta", res.Provider)
	assert.Equal(t, FallbackFailover, res.Fallback)
	assert.Equal(t, int32(1), betaCalls.Load())
}

func TestFallbackPlaceholder(t *testing.T) {
	reg := NewRegistry("alpha", Options{Failover: true, Placeholder: true}, quietLogger())
	reg.Register("alpha", "openai", "a-1", failing(Retryable))
	reg.Register("beta", "openai", "b-1", failing(Retryable))

	prompt := strings.Repeat("x", 150)
	res, err := reg.Fallback(context.Background(), "alpha", Request{Prompt: prompt}, errors.New("alpha down"))
	require.NoError(t, err)
	assert.Equal(t, FallbackPlaceholder, res.Fallback)
	assert.Equal(t, PlaceholderName, res.Provider)
	assert.True(t, IsPlaceholder(res.Text))
	assert.Contains(t, res.Text, "alpha down")
	assert.Contains(t, res.Text, strings.Repeat("x", 100)+"...")
	assert.NotContains(t, res.Text, strings.Repeat("x", 101))
}

func TestFallbackDisabled(t *testing.T) {
	reg := NewRegistry("alpha", Options{}, quietLogger())
	reg.Register("alpha", "openai", "a-1", failing(Retryable))
	reg.Register("beta", "openai", "b-1", echo("beta"))

	_, err := reg.Fallback(context.Background(), "alpha", Request{Prompt: "p"}, errors.New("down"))
	assert.ErrorIs(t, err, ErrNoFallback)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Config{
		DefaultProvider: "anthropic",
		ProviderTimeout: time.Second,
		Temperature:     0.7,
		MaxTokens:       1000,
		Providers: map[string]config.ProviderConfig{
			"deepseek":  {Kind: config.KindOpenAI, BaseURL: "https://api.deepseek.com", APIKey: "k", Model: "deepseek-chat"},
			"anthropic": {Kind: config.KindAnthropic, BaseURL: "https://api.anthropic.com", Model: "claude"},
			"ollama":    {Kind: config.KindOllama, BaseURL: "localhost:11434", Model: "llama3.2"},
		},
	}
	reg, err := FromConfig(context.Background(), cfg, quietLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{"deepseek", "ollama"}, reg.Names())
	assert.Equal(t, "deepseek", reg.Default(), "unconfigured default falls back to first enabled provider")

	catalog := Catalog(cfg)
	require.Len(t, catalog, 2)
	assert.Equal(t, Info{Name: "deepseek", Kind: config.KindOpenAI, DefaultModel: "deepseek-chat", Default: true}, catalog[0])
	assert.Equal(t, "ollama", catalog[1].Name)
	assert.False(t, catalog[1].Default)
}

func TestEmptyRegistryResolve(t *testing.T) {
	reg := NewRegistry("deepseek", Options{Placeholder: true}, quietLogger())

	_, err := reg.Resolve("")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoProviders)
	assert.Equal(t, Fatal, Classify(err))

	res, err := reg.Fallback(context.Background(), "", Request{Prompt: "p"}, err)
	require.NoError(t, err)
	assert.Equal(t, FallbackPlaceholder, res.Fallback)
	assert.Contains(t, res.Text, "no providers configured")
}
