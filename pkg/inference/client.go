package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"

	"github.com/teslashibe/go-duplex/internal/httpc"
)

const providerClient = "client"

// Client is the standard inference provider.
// Works with any OpenAI-compatible API (OpenAI, Ollama, vLLM, Together, Groq, etc.).
type Client struct {
	api       *openai.Client
	streamAPI *openai.Client
	http      *http.Client
	config    *Config
	logger    *slog.Logger
}

// NewClient creates a new inference client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")

	reqClient, streamClient := cfg.HTTPClient, cfg.HTTPClient
	if reqClient == nil {
		reqClient = httpc.NewClient(cfg.Timeout)
		streamClient = httpc.NewStreamingClient(cfg.StreamTimeout)
	}

	return &Client{
		api:       openai.NewClientWithConfig(clientConfig(cfg.APIKey, baseURL, reqClient)),
		streamAPI: openai.NewClientWithConfig(clientConfig(cfg.APIKey, baseURL, streamClient)),
		http:      reqClient,
		config:    cfg,
		logger:    cfg.Logger.With("component", "inference.client"),
	}, nil
}

// Name identifies the client by its model.
func (c *Client) Name() string {
	return c.config.Model
}

func clientConfig(apiKey, baseURL string, hc *http.Client) openai.ClientConfig {
	oc := openai.DefaultConfig(apiKey)
	oc.BaseURL = baseURL
	oc.HTTPClient = hc
	return oc
}

// Chat generates a chat completion.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	payload := c.buildRequest(req, false)

	result, err := retry(ctx, c, func() (openai.ChatCompletionResponse, error) {
		return c.api.CreateChatCompletion(ctx, payload)
	})
	if err != nil {
		return nil, err
	}
	if len(result.Choices) == 0 {
		return nil, WrapError(providerClient, ErrNoChoices)
	}

	choice := result.Choices[0]
	return &ChatResponse{
		Message: Message{
			Role:      RoleAssistant,
			Content:   choice.Message.Content,
			ToolCalls: fromOpenAIToolCalls(choice.Message.ToolCalls),
		},
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
		Model:     result.Model,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// Stream returns a streaming chat response. Only opening the stream is
// retried; once tokens flow, errors surface through Recv.
func (c *Client) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	payload := c.buildRequest(req, true)

	stream, err := retry(ctx, c, func() (*openai.ChatCompletionStream, error) {
		return c.streamAPI.CreateChatCompletionStream(ctx, payload)
	})
	if err != nil {
		return nil, err
	}
	return newClientStream(stream), nil
}

// Capabilities returns what this client supports.
func (c *Client) Capabilities() Capabilities {
	return Capabilities{
		Chat:      true,
		Streaming: true,
		Tools:     true,
	}
}

// Health checks API connectivity.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return convertError(err)
	}
	return nil
}

// Close releases resources.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// buildRequest constructs the API request payload.
func (c *Client) buildRequest(req *ChatRequest, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.config.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.config.Temperature
	}

	out := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req.Messages),
		MaxTokens:   maxTokens,
		Temperature: float32(temperature),
		TopP:        float32(req.TopP),
		Stop:        req.Stop,
		Stream:      stream,
	}
	if len(req.Tools) > 0 {
		out.Tools = make([]openai.Tool, len(req.Tools))
		for i, t := range req.Tools {
			out.Tools[i] = openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Function.Name,
					Description: t.Function.Description,
					Parameters:  t.Function.Parameters,
				},
			}
		}
		if req.ToolChoice != "" {
			out.ToolChoice = req.ToolChoice
		}
	}
	return out
}

// retry runs op with exponential backoff while it fails with a
// retryable error.
func retry[T any](ctx context.Context, c *Client, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryDelay
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	result, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		res, err := op()
		if err == nil {
			return res, nil
		}
		err = convertError(err)
		if !IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.config.MaxRetries, 0))), ctx),
		func(err error, wait time.Duration) {
			c.logger.Warn("request failed, retrying",
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		})
	if err != nil && ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, err
}

// convertError maps go-openai errors onto APIError.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if s, ok := apiErr.Code.(string); ok {
			code = s
		}
		return &APIError{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Code:       code,
			Provider:   providerClient,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.HTTPStatus
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &APIError{
			StatusCode: reqErr.HTTPStatusCode,
			Message:    msg,
			Provider:   providerClient,
		}
	}

	var ours *APIError
	if errors.As(err, &ours) {
		return err
	}
	return WrapError(providerClient, fmt.Errorf("request: %w", err))
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		if m.HasToolCalls() {
			om.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				om.ToolCalls[j] = openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
				}
			}
		}
		out[i] = om
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	result := make([]ToolCall, len(calls))
	for i, call := range calls {
		result[i] = ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		}
	}
	return result
}

// Verify Client implements Provider at compile time.
var _ Provider = (*Client)(nil)
