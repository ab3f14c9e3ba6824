package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/ignite/experiment-callouts/internal/domain"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockInvoker is the subset of the Bedrock runtime client used here.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockModel runs Anthropic models on AWS Bedrock, keeping data in AWS.
type BedrockModel struct {
	client  BedrockInvoker
	modelID string
}

type bedrockBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type bedrockMessage struct {
	Role    string         `json:"role"`
	Content []bedrockBlock `json:"content"`
}

type bedrockTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Tools            []bedrockTool    `json:"tools,omitempty"`
	Temperature      float64          `json:"temperature,omitempty"`
}

type bedrockResponse struct {
	Content    []bedrockBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewBedrockModel wraps a Bedrock runtime client.
func NewBedrockModel(client BedrockInvoker, modelID string) *BedrockModel {
	if modelID == "" {
		modelID = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	}
	return &BedrockModel{client: client, modelID: modelID}
}

// NewBedrockModelFromConfig builds the runtime client from an AWS config.
func NewBedrockModelFromConfig(cfg aws.Config, modelID string) *BedrockModel {
	return NewBedrockModel(bedrockruntime.NewFromConfig(cfg), modelID)
}

// Name returns the Bedrock model id.
func (b *BedrockModel) Name() string { return b.modelID }

// Complete invokes the model with the Anthropic messages body.
func (b *BedrockModel) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(toBedrockRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	modelID := b.modelID
	if req.Model != "" {
		modelID = req.Model
	}
	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, &domain.ModelServiceError{Provider: "bedrock", Transient: bedrockTransient(err), Err: err}
	}

	var resp bedrockResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, &domain.ModelServiceError{Provider: "bedrock", Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	msg := Message{Role: RoleAssistant}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	return &Response{
		Message:      msg,
		FinishReason: resp.StopReason,
		Usage:        Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}, nil
}

func bedrockTransient(err error) bool {
	var throttled *types.ThrottlingException
	var timeout *types.ModelTimeoutException
	var internal *types.InternalServerException
	switch {
	case errors.As(err, &throttled), errors.As(err, &timeout), errors.As(err, &internal):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// toBedrockRequest maps the conversation onto Anthropic's alternating roles.
// System messages become the system prompt and tool results are sent as
// tool_result blocks in a user turn.
func toBedrockRequest(req Request) bedrockRequest {
	out := bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = 4000
	}

	appendBlocks := func(role string, blocks ...bedrockBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == role {
			out.Messages[n-1].Content = append(out.Messages[n-1].Content, blocks...)
			return
		}
		out.Messages = append(out.Messages, bedrockMessage{Role: role, Content: blocks})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if out.System != "" {
				out.System += "\n\n"
			}
			out.System += m.Content
		case RoleUser:
			if m.Content != "" {
				appendBlocks("user", bedrockBlock{Type: "text", Text: m.Content})
			}
		case RoleTool:
			appendBlocks("user", bedrockBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content})
		case RoleAssistant:
			var blocks []bedrockBlock
			if m.Content != "" {
				blocks = append(blocks, bedrockBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, bedrockBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			appendBlocks("assistant", blocks...)
		}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, bedrockTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return out
}
