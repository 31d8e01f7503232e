// Package provider is a uniform interface over interchangeable text
// generation backends. Every failure a backend returns is classified as
// retryable or fatal so callers can decide on retries without inspecting
// backend-specific error types.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Request is one generation call.
type Request struct {
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Generator is implemented once per upstream backend.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Class is the failure class of a provider error.
type Class int

const (
	ClassNone Class = iota
	Retryable
	Fatal
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "none"
	}
}

var (
	// ErrUnknownProvider is returned for a provider name that is not registered.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrEmptyResponse means the upstream answered without any text.
	ErrEmptyResponse = errors.New("empty response")
	// ErrBlocked means the upstream refused the prompt on safety grounds.
	ErrBlocked = errors.New("content blocked")
	// ErrNoProviders is returned by Resolve when nothing is registered at all.
	ErrNoProviders = errors.New("no providers configured")
	// ErrNoFallback is returned by Fallback when neither failover nor placeholder is enabled.
	ErrNoFallback = errors.New("no fallback configured")
)

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Class      Class
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewRetryable wraps err as a retryable failure.
func NewRetryable(provider string, err error) *Error {
	return &Error{Provider: provider, Class: Retryable, Err: err}
}

// NewFatal wraps err as a non-retryable failure.
func NewFatal(provider string, err error) *Error {
	return &Error{Provider: provider, Class: Fatal, Err: err}
}

// Classify returns the failure class of err. Unclassified errors are treated
// as retryable; the retry budget bounds them.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Class != ClassNone {
		return pe.Class
	}
	if errors.Is(err, ErrUnknownProvider) || errors.Is(err, ErrBlocked) {
		return Fatal
	}
	// timeouts, refused connections, and other transport failures
	return Retryable
}

// ClassForStatus maps an upstream HTTP status onto a failure class.
func ClassForStatus(code int) Class {
	switch {
	case code < 400:
		return ClassNone
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return Retryable
	case code >= 500:
		return Retryable
	default:
		return Fatal
	}
}

// statusError builds a classified error for a non-2xx upstream reply.
func statusError(provider string, code int, msg string) *Error {
	return &Error{Provider: provider, Class: ClassForStatus(code), StatusCode: code, Err: errors.New(msg)}
}

// apiMessage prefers the upstream's parsed message and falls back to the
// SDK's rendering of the failed request.
func apiMessage(parsed string, err error) string {
	if parsed = strings.TrimSpace(parsed); parsed != "" {
		return parsed
	}
	return err.Error()
}

// transportError classifies an error raised before any upstream status was seen.
func transportError(provider string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Provider: provider, Class: Retryable, Err: err}
}
