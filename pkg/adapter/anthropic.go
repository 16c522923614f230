package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/aipo-project/aipo/pkg/config"
	"github.com/aipo-project/aipo/pkg/errclass"
	"github.com/aipo-project/aipo/pkg/models"
)

func init() {
	Register(config.ProviderAnthropic, newAnthropic)
}

// Anthropic talks to the Claude Messages API.
type Anthropic struct {
	name   string
	client sdk.Client
}

func newAnthropic(name string, cfg *config.TargetConfig) (Adapter, error) {
	key, err := apiKey(cfg)
	if err != nil {
		return nil, err
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{name: name, client: sdk.NewClient(opts...)}, nil
}

func (a *Anthropic) Name() string { return a.name }

// Close implements Adapter.
func (a *Anthropic) Close() error { return nil }

// EnumerateTools implements Adapter.
func (a *Anthropic) EnumerateTools(context.Context) ([]models.ToolSpec, error) {
	return nil, nil
}

// Invoke implements Adapter.
func (a *Anthropic) Invoke(ctx context.Context, prompt string, params models.InvokeParams) (*models.ModelResponse, error) {
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	req := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Model:     sdk.Model(params.Model),
	}
	if params.System != "" {
		req.System = []sdk.TextBlockParam{{Text: params.System}}
	}
	if params.Temperature > 0 {
		req.Temperature = sdk.Float(params.Temperature)
	}
	for _, turn := range params.History {
		switch turn.Role {
		case models.RoleAssistant:
			req.Messages = append(req.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(turn.Content)))
		case models.RoleUser:
			req.Messages = append(req.Messages, sdk.NewUserMessage(sdk.NewTextBlock(turn.Content)))
		default:
			// System turns belong in the system prompt; tool turns are not
			// replayed through this adapter.
		}
	}
	req.Messages = append(req.Messages, sdk.NewUserMessage(sdk.NewTextBlock(prompt)))

	start := time.Now()
	msg, err := a.client.Messages.New(ctx, req)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: messages.new returned nil message", errclass.ErrProtocol)
	}

	out := &models.ModelResponse{
		FinishReason: string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		LatencyMS:    time.Since(start).Milliseconds(),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if out.Text != "" && block.Text != "" {
				out.Text += "\n"
			}
			out.Text += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	return out, nil
}

func classifyAnthropicError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if mapped := errclass.FromHTTPStatus(apiErr.StatusCode, apiErr.Error()); mapped != nil {
			return mapped
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errclass.Wrap(errclass.ErrTimeout, "messages.new: %v", err)
	}
	return fmt.Errorf("messages.new: %w", err)
}
