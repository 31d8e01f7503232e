package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// Ollama generates text with a local or remote Ollama server.
type Ollama struct {
	name   string
	client *api.Client
}

// NewOllama accepts a host with or without scheme (OLLAMA_HOST style).
func NewOllama(name, host string, httpClient *http.Client) (*Ollama, error) {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host %q: %w", host, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Ollama{name: name, client: api.NewClient(base, httpClient)}, nil
}

func (o *Ollama) Generate(ctx context.Context, req Request) (string, error) {
	stream := false
	options := map[string]any{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	var sb strings.Builder
	err := o.client.Generate(ctx, &api.GenerateRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		Stream:  &stream,
		Options: options,
	}, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		var se api.StatusError
		if errors.As(err, &se) {
			msg := se.ErrorMessage
			if msg == "" {
				msg = se.Status
			}
			return "", statusError(o.name, se.StatusCode, msg)
		}
		return "", transportError(o.name, err)
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", NewRetryable(o.name, ErrEmptyResponse)
	}
	return sb.String(), nil
}
