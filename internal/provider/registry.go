package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/lcksfa/async-ai-task-runner/internal/config"
	"github.com/lcksfa/async-ai-task-runner/internal/telemetry"
)

// PlaceholderTag prefixes every synthesized placeholder result.
const PlaceholderTag = "[placeholder]"

// PlaceholderName is reported as the provider of a placeholder result.
const PlaceholderName = "placeholder"

// Fallback kinds reported in Result.Fallback.
const (
	FallbackFailover    = "failover"
	FallbackPlaceholder = "placeholder"
)

// Info describes a registered provider.
type Info struct {
	Name         string `json:"name" yaml:"name"`
	Kind         string `json:"kind" yaml:"kind"`
	DefaultModel string `json:"default_model" yaml:"default_model"`
	Default      bool   `json:"default" yaml:"default"`
}

// Result is a successful generation.
type Result struct {
	Text     string
	Provider string
	Model    string
	// Fallback is empty for a direct result, else FallbackFailover or FallbackPlaceholder.
	Fallback string
}

// Options tune registry behavior.
type Options struct {
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
	Failover    bool
	Placeholder bool
}

type entry struct {
	info Info
	gen  Generator
}

// Registry dispatches generation calls to a closed set of named providers.
type Registry struct {
	entries     map[string]entry
	defaultName string
	opts        Options
	logger      *slog.Logger
}

// NewRegistry returns an empty registry. Register providers before use.
func NewRegistry(defaultName string, opts Options, logger *slog.Logger) *Registry {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:     make(map[string]entry),
		defaultName: defaultName,
		opts:        opts,
		logger:      logger,
	}
}

// Register binds a generator to a name.
func (r *Registry) Register(name, kind, defaultModel string, g Generator) {
	if name == "" || g == nil {
		return
	}
	r.entries[name] = entry{info: Info{Name: name, Kind: kind, DefaultModel: defaultModel}, gen: g}
}

// FromConfig registers every provider whose credentials are configured.
// If the configured default is not usable, the first enabled provider
// becomes the default.
func FromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry(cfg.DefaultProvider, Options{
		Timeout:     cfg.ProviderTimeout,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Failover:    cfg.ProviderFailover,
		Placeholder: cfg.PlaceholderFallback,
	}, logger)
	httpClient := &http.Client{}

	for _, name := range cfg.EnabledProviders() {
		pc := cfg.Providers[name]
		var (
			g   Generator
			err error
		)
		switch pc.Kind {
		case config.KindOpenAI:
			g = NewOpenAI(name, pc.BaseURL, pc.APIKey, httpClient)
		case config.KindAnthropic:
			g = NewAnthropic(name, pc.BaseURL, pc.APIKey, httpClient)
		case config.KindGemini:
			g, err = NewGemini(ctx, name, pc.BaseURL, pc.APIKey, httpClient)
		case config.KindOllama:
			g, err = NewOllama(name, pc.BaseURL, httpClient)
		default:
			err = fmt.Errorf("unsupported provider kind %q", pc.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		reg.Register(name, pc.Kind, pc.Model, g)
	}

	if _, ok := reg.entries[reg.defaultName]; !ok {
		names := reg.Names()
		if len(names) > 0 {
			logger.Warn("default provider not configured, falling back",
				"configured_default", reg.defaultName, "using", names[0])
			reg.defaultName = names[0]
		} else {
			logger.Warn("no providers configured; tasks will fail unless placeholder fallback is enabled",
				"placeholder_fallback", cfg.PlaceholderFallback)
		}
	}
	return reg, nil
}

// Catalog describes the enabled providers of cfg without building clients.
// The default is resolved the same way FromConfig resolves it.
func Catalog(cfg config.Config) []Info {
	names := cfg.EnabledProviders()
	def := cfg.DefaultProvider
	if _, ok := cfg.Providers[def]; !ok || !cfg.Providers[def].Enabled() {
		def = ""
		if len(names) > 0 {
			def = names[0]
		}
	}
	out := make([]Info, 0, len(names))
	for _, name := range names {
		pc := cfg.Providers[name]
		out = append(out, Info{Name: name, Kind: pc.Kind, DefaultModel: pc.Model, Default: name == def})
	}
	return out
}

// Default returns the provider used when a task names none.
func (r *Registry) Default() string {
	return r.defaultName
}

// Names returns registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe lists registered providers.
func (r *Registry) Describe() []Info {
	out := make([]Info, 0, len(r.entries))
	for _, name := range r.Names() {
		info := r.entries[name].info
		info.Default = name == r.defaultName
		out = append(out, info)
	}
	return out
}

// Resolve maps an optional provider name to a registered one.
func (r *Registry) Resolve(name string) (string, error) {
	if name == "" {
		name = r.defaultName
	}
	if len(r.entries) == 0 {
		return "", NewFatal(name, ErrNoProviders)
	}
	if _, ok := r.entries[name]; !ok {
		return "", NewFatal(name, fmt.Errorf("%w %q", ErrUnknownProvider, name))
	}
	return name, nil
}

// Generate makes one bounded call to the named provider (or the default).
func (r *Registry) Generate(ctx context.Context, name string, req Request) (Result, error) {
	resolved, err := r.Resolve(name)
	if err != nil {
		return Result{}, err
	}
	return r.call(ctx, resolved, req)
}

func (r *Registry) call(ctx context.Context, name string, req Request) (Result, error) {
	e := r.entries[name]
	if req.Model == "" {
		req.Model = e.info.DefaultModel
	}
	if req.Temperature == 0 {
		req.Temperature = r.opts.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = r.opts.MaxTokens
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	start := time.Now()
	text, err := e.gen.Generate(callCtx, req)
	telemetry.ProviderLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = NewRetryable(name, fmt.Errorf("call timed out after %s: %w", r.opts.Timeout, err))
		}
		telemetry.ProviderCalls.WithLabelValues(name, Classify(err).String()).Inc()
		return Result{}, err
	}
	telemetry.ProviderCalls.WithLabelValues(name, "ok").Inc()
	return Result{Text: text, Provider: name, Model: req.Model}, nil
}

// Fallback is consulted after the named provider exhausted its retries with
// retryable errors, or when no provider is registered. With failover enabled every other provider is tried once;
// with placeholder enabled a tagged placeholder is produced when nothing
// answered. Otherwise ErrNoFallback is returned.
func (r *Registry) Fallback(ctx context.Context, failed string, req Request, cause error) (Result, error) {
	if r.opts.Failover {
		for _, name := range r.Names() {
			if name == failed {
				continue
			}
			failoverReq := req
			failoverReq.Model = "" // models are provider-specific
			res, err := r.call(ctx, name, failoverReq)
			if err == nil {
				res.Fallback = FallbackFailover
				telemetry.FallbackCounter.WithLabelValues(FallbackFailover).Inc()
				return res, nil
			}
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			r.logger.Warn("failover provider failed", "provider", name, "error", err)
		}
	}
	if r.opts.Placeholder {
		telemetry.FallbackCounter.WithLabelValues(FallbackPlaceholder).Inc()
		return Result{
			Text:     Placeholder(req.Prompt, cause),
			Provider: PlaceholderName,
			Fallback: FallbackPlaceholder,
		}, nil
	}
	return Result{}, ErrNoFallback
}

// Placeholder synthesizes a clearly labeled stand-in result.
func Placeholder(prompt string, cause error) string {
	p := prompt
	if len([]rune(p)) > 100 {
		p = string([]rune(p)[:100]) + "..."
	}
	reason := "all providers unreachable"
	if cause != nil {
		reason = cause.Error()
	}
	return fmt.Sprintf("%s No provider produced a result (%s). This is not a generated answer. Prompt: %s",
		PlaceholderTag, reason, strings.TrimSpace(p))
}

// IsPlaceholder reports whether a stored result was synthesized by Placeholder.
func IsPlaceholder(result string) bool {
	return strings.HasPrefix(result, PlaceholderTag)
}
