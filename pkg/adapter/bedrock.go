package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/aipo-project/aipo/pkg/config"
	"github.com/aipo-project/aipo/pkg/errclass"
	"github.com/aipo-project/aipo/pkg/models"
)

func init() {
	Register(config.ProviderBedrock, newBedrock)
}

// bedrockRuntime is the subset of *bedrockruntime.Client the adapter uses.
// Tests substitute a fake.
type bedrockRuntime interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Bedrock talks to AWS Bedrock through the Converse API. Credentials come
// from the standard AWS chain (environment, shared config, instance role).
type Bedrock struct {
	name    string
	runtime bedrockRuntime
}

func newBedrock(name string, cfg *config.TargetConfig) (Adapter, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awscfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, errclass.Wrap(errclass.ErrAuth, "loading AWS config: %v", err)
	}
	return &Bedrock{name: name, runtime: bedrockruntime.NewFromConfig(awscfg)}, nil
}

func (b *Bedrock) Name() string { return b.name }

// Close implements Adapter.
func (b *Bedrock) Close() error { return nil }

// EnumerateTools implements Adapter.
func (b *Bedrock) EnumerateTools(context.Context) ([]models.ToolSpec, error) {
	return nil, nil
}

// Invoke implements Adapter.
func (b *Bedrock) Invoke(ctx context.Context, prompt string, params models.InvokeParams) (*models.ModelResponse, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(params.Model),
	}
	if params.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: params.System},
		}
	}
	inference := &brtypes.InferenceConfiguration{}
	if params.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(params.MaxTokens))
	}
	if params.Temperature > 0 {
		inference.Temperature = aws.Float32(float32(params.Temperature))
	}
	input.InferenceConfig = inference

	for _, turn := range params.History {
		role := brtypes.ConversationRoleUser
		if turn.Role == models.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		input.Messages = append(input.Messages, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: turn.Content}},
		})
	}
	input.Messages = append(input.Messages, brtypes.Message{
		Role:    brtypes.ConversationRoleUser,
		Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
	})

	start := time.Now()
	output, err := b.runtime.Converse(ctx, input)
	if err != nil {
		return nil, classifyBedrockError(err)
	}

	resp := &models.ModelResponse{
		FinishReason: string(output.StopReason),
		LatencyMS:    time.Since(start).Milliseconds(),
	}
	if output.Usage != nil {
		if output.Usage.InputTokens != nil {
			resp.InputTokens = int(*output.Usage.InputTokens)
		}
		if output.Usage.OutputTokens != nil {
			resp.OutputTokens = int(*output.Usage.OutputTokens)
		}
	}

	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, fmt.Errorf("%w: converse output is not a message", errclass.ErrProtocol)
	}
	for _, block := range msg.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			if resp.Text != "" && v.Value != "" {
				resp.Text += "\n"
			}
			resp.Text += v.Value
		case *brtypes.ContentBlockMemberToolUse:
			call := models.ToolCall{}
			if v.Value.Name != nil {
				call.Name = *v.Value.Name
			}
			if v.Value.Input != nil {
				if data, err := v.Value.Input.MarshalSmithyDocument(); err == nil {
					call.Arguments = string(data)
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, call)
		}
	}
	return resp, nil
}

func classifyBedrockError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return errclass.Wrap(errclass.ErrRateLimited, "converse: %s", apiErr.ErrorMessage())
		case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
			return errclass.Wrap(errclass.ErrAuth, "converse: %s", apiErr.ErrorMessage())
		case "ModelTimeoutException":
			return errclass.Wrap(errclass.ErrTimeout, "converse: %s", apiErr.ErrorMessage())
		case "ServiceUnavailableException", "InternalServerException", "ModelNotReadyException":
			return errclass.Wrap(errclass.ErrTransient, "converse: %s", apiErr.ErrorMessage())
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		if mapped := errclass.FromHTTPStatus(respErr.HTTPStatusCode(), respErr.Error()); mapped != nil {
			return mapped
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errclass.Wrap(errclass.ErrTimeout, "converse: %v", err)
	}
	return fmt.Errorf("converse: %w", err)
}
