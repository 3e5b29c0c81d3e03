package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"

	"github.com/gantry-ai/gantry/pkg/models"
)

// BedrockProvider forwards chat completions to AWS Bedrock via the
// Converse API. Credentials come from the default AWS chain.
type BedrockProvider struct {
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*bedrockruntime.Client
}

// NewBedrockProvider creates a Bedrock adapter
func NewBedrockProvider(timeout time.Duration) *BedrockProvider {
	return &BedrockProvider{
		timeout: timeout,
		clients: make(map[string]*bedrockruntime.Client),
	}
}

// Name returns the provider identifier
func (p *BedrockProvider) Name() string { return "bedrock" }

// clientFor returns a cached runtime client for the deployment's region
func (p *BedrockProvider) clientFor(ctx context.Context, region string) (*bedrockruntime.Client, error) {
	if region == "" {
		region = "us-east-1"
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[region]; ok {
		return client, nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, NewProviderError(p.Name(), "config_error", "failed to load AWS config", 0, false, err)
	}

	client := bedrockruntime.NewFromConfig(cfg)
	p.clients[region] = client
	return client, nil
}

// ChatCompletion maps the unified request onto ConverseInput
func (p *BedrockProvider) ChatCompletion(ctx context.Context, dep *models.Deployment, req *ChatRequest) (*ChatResponse, error) {
	client, err := p.clientFor(ctx, dep.AWSRegion)
	if err != nil {
		return nil, err
	}

	system, rest := splitSystemPrompt(req.Messages)

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(dep.UpstreamModel),
	}
	if system != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: system},
		}
	}
	for _, m := range rest {
		role := brtypes.ConversationRoleUser
		if m.Role == "assistant" {
			role = brtypes.ConversationRoleAssistant
		}
		input.Messages = append(input.Messages, brtypes.Message{
			Role: role,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: m.Content},
			},
		})
	}

	inference := &brtypes.InferenceConfiguration{}
	configured := false
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
		configured = true
	}
	if req.Temperature != nil {
		inference.Temperature = aws.Float32(float32(*req.Temperature))
		configured = true
	}
	if req.TopP != nil {
		inference.TopP = aws.Float32(float32(*req.TopP))
		configured = true
	}
	if len(req.Stop) > 0 {
		inference.StopSequences = req.Stop
		configured = true
	}
	if configured {
		input.InferenceConfig = inference
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := client.Converse(ctx, input)
	if err != nil {
		return nil, NewProviderError(p.Name(), "upstream_error", err.Error(), 0, true, err)
	}

	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, NewProviderError(p.Name(), "empty_response", "no message in converse output", 0, false, nil)
	}

	var text string
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}

	usage := Usage{}
	if out.Usage != nil {
		usage.PromptTokens = int64(aws.ToInt32(out.Usage.InputTokens))
		usage.CompletionTokens = int64(aws.ToInt32(out.Usage.OutputTokens))
		usage.TotalTokens = int64(aws.ToInt32(out.Usage.TotalTokens))
	}

	return &ChatResponse{
		ID:      fmt.Sprintf("chatcmpl-%s", uuid.NewString()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: text},
			FinishReason: bedrockStopReason(out.StopReason),
		}},
		Usage: usage,
	}, nil
}

func bedrockStopReason(reason brtypes.StopReason) string {
	switch reason {
	case brtypes.StopReasonMaxTokens:
		return "length"
	case brtypes.StopReasonContentFiltered:
		return "content_filter"
	default:
		return "stop"
	}
}
