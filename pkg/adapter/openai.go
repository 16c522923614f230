package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aipo-project/aipo/pkg/config"
	"github.com/aipo-project/aipo/pkg/errclass"
	"github.com/aipo-project/aipo/pkg/models"
)

func init() {
	Register(config.ProviderOpenAI, newOpenAI)
	// Generic HTTP targets speak the Chat Completions dialect against a
	// custom base URL (vLLM, Ollama, LiteLLM, local proxies).
	Register(config.ProviderHTTP, newOpenAI)
}

// OpenAI talks to the Chat Completions API, or to any endpoint that
// implements it when base_url is set.
type OpenAI struct {
	name   string
	client *openai.Client
	cfg    *config.TargetConfig
}

func newOpenAI(name string, cfg *config.TargetConfig) (Adapter, error) {
	key, err := apiKey(cfg)
	if err != nil {
		// Local OpenAI-compatible servers commonly accept any key.
		if cfg.Provider == config.ProviderHTTP && cfg.BaseURL != "" {
			key = "unused"
		} else {
			return nil, err
		}
	}

	clientCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		name:   name,
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
	}, nil
}

func (o *OpenAI) Name() string { return o.name }

// Close implements Adapter.
func (o *OpenAI) Close() error { return nil }

// EnumerateTools implements Adapter. Chat Completions targets declare no
// tools of their own; tools are supplied per request.
func (o *OpenAI) EnumerateTools(context.Context) ([]models.ToolSpec, error) {
	return nil, nil
}

// Invoke implements Adapter.
func (o *OpenAI) Invoke(ctx context.Context, prompt string, params models.InvokeParams) (*models.ModelResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:       params.Model,
		Temperature: float32(params.Temperature),
		MaxTokens:   params.MaxTokens,
	}
	if params.System != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: params.System,
		})
	}
	for _, turn := range params.History {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}
	req.Messages = append(req.Messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: completion returned no choices", errclass.ErrProtocol)
	}

	choice := resp.Choices[0]
	out := &models.ModelResponse{
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		LatencyMS:    time.Since(start).Milliseconds(),
	}
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return out, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if mapped := errclass.FromHTTPStatus(apiErr.HTTPStatusCode, apiErr.Message); mapped != nil {
			return mapped
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errclass.Wrap(errclass.ErrTimeout, "chat completion: %v", err)
	}
	return fmt.Errorf("chat completion: %w", err)
}
