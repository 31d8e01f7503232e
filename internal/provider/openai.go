package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint
// (OpenAI itself, DeepSeek).
type OpenAI struct {
	name   string
	client openai.Client
}

// NewOpenAI builds a chat completions client. baseURL excludes the /v1 path.
// Retries are left to the worker, so the SDK's own are disabled.
func NewOpenAI(name, baseURL, apiKey string, httpClient *http.Client) *OpenAI {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(strings.TrimRight(baseURL, "/") + "/v1/"),
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &OpenAI{name: name, client: openai.NewClient(opts...)}
}

func (o *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    []openai.ChatCompletionMessageParamUnion{openai.UserMessage(req.Prompt)},
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	out, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", statusError(o.name, apiErr.StatusCode, apiMessage(apiErr.Message, apiErr))
		}
		return "", transportError(o.name, err)
	}
	if len(out.Choices) == 0 {
		return "", NewRetryable(o.name, ErrEmptyResponse)
	}
	if out.Choices[0].FinishReason == "content_filter" {
		return "", NewFatal(o.name, ErrBlocked)
	}
	text := out.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", NewRetryable(o.name, ErrEmptyResponse)
	}
	return text, nil
}
