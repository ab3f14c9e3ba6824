package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/experiment-callouts/internal/domain"
	"github.com/ignite/experiment-callouts/internal/pkg/httpretry"
)

const defaultGatewayURL = "https://api.portkey.ai/v1"

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint.
// When PortkeyAPIKey is set, requests are routed through the Portkey gateway.
type OpenAIConfig struct {
	BaseURL        string
	APIKey         string
	PortkeyAPIKey  string
	PortkeyVirtual string
	PortkeyConfig  string
	Model          string
	Timeout        time.Duration
}

// OpenAIModel talks to an OpenAI-compatible chat completions API.
type OpenAIModel struct {
	cfg        OpenAIConfig
	httpClient *http.Client
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string   `json:"type"`
	Function ToolSpec `json:"function"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAIModel creates an OpenAI-compatible model client.
func NewOpenAIModel(cfg OpenAIConfig) *OpenAIModel {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGatewayURL
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAIModel{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the configured model name.
func (o *OpenAIModel) Name() string { return o.cfg.Model }

// Complete sends one chat completion request.
func (o *OpenAIModel) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = o.cfg.Model
	}
	body, err := json.Marshal(toOpenAIRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(o.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}
	if o.cfg.PortkeyAPIKey != "" {
		httpReq.Header.Set("x-portkey-api-key", o.cfg.PortkeyAPIKey)
		if o.cfg.PortkeyVirtual != "" {
			httpReq.Header.Set("x-portkey-virtual-key", o.cfg.PortkeyVirtual)
		}
		if o.cfg.PortkeyConfig != "" {
			httpReq.Header.Set("x-portkey-config", o.cfg.PortkeyConfig)
		}
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		// network failures and client timeouts are retryable; cancellation is not
		transient := !errors.Is(err, context.Canceled)
		return nil, &domain.ModelServiceError{Provider: "openai", Transient: transient, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.ModelServiceError{Provider: "openai", StatusCode: resp.StatusCode, Transient: true, Err: err}
	}
	if resp.StatusCode >= 300 {
		return nil, &domain.ModelServiceError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Transient:  httpretry.IsRetryableStatus(resp.StatusCode),
			Err:        fmt.Errorf("unexpected status: %s", truncate(string(raw), 300)),
		}
	}

	var out openAIResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &domain.ModelServiceError{Provider: "openai", StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if out.Error != nil {
		return nil, &domain.ModelServiceError{Provider: "openai", StatusCode: resp.StatusCode, Err: fmt.Errorf("API error: %s", out.Error.Message)}
	}
	if len(out.Choices) == 0 {
		return nil, &domain.ModelServiceError{Provider: "openai", StatusCode: resp.StatusCode, Transient: true, Err: errors.New("no choices in response")}
	}

	choice := out.Choices[0]
	msg := Message{Role: RoleAssistant, Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(strings.TrimSpace(tc.Function.Arguments)) == 0 {
			args = json.RawMessage("{}")
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return &Response{
		Message:      msg,
		FinishReason: choice.FinishReason,
		Usage:        Usage{InputTokens: out.Usage.PromptTokens, OutputTokens: out.Usage.CompletionTokens},
	}, nil
}

func toOpenAIRequest(req Request) openAIRequest {
	out := openAIRequest{Model: req.Model, Temperature: req.Temperature, MaxTokens: req.MaxTokens}
	for _, m := range req.Messages {
		om := openAIMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openAIToolCall{
				ID: tc.ID, Type: "function",
				Function: openAIFunction{Name: tc.Name, Arguments: string(tc.Arguments)},
			})
		}
		out.Messages = append(out.Messages, om)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openAITool{Type: "function", Function: t})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
