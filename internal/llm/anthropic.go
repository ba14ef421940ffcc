package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/quarry/internal/httpkit"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client *anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. baseURL may be
// empty to use the public endpoint.
func NewAnthropicClient(apiKey, baseURL string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}

	// Responses can take a long time before headers arrive. Rely on ctx
	// deadlines instead of a client-wide timeout.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t))),
		// The agent loop owns retry policy.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	client := anthropic.NewClient(opts...)
	return &AnthropicClient{
		client: &client,
		logger: logger.With("provider", "anthropic"),
	}
}

// Chat sends one Messages API request.
func (c *AnthropicClient) Chat(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(req.Messages),
		Tools:     toAnthropicTools(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
	)
	if c.logger.Enabled(ctx, LevelTrace) {
		if payload, err := json.Marshal(params); err == nil {
			c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))
		}
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, anthropicError(err)
	}

	resp := fromAnthropicMessage(msg)
	resp.Latency = time.Since(start)

	c.logger.Debug("response received",
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
		"latency", resp.Latency,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", truncate(resp.Message.Content, 2000))

	return resp, nil
}

// Ping lists one model to confirm credentials and reachability.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return anthropicError(err)
	}
	return nil
}

func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider:   "anthropic",
			StatusCode: apiErr.StatusCode,
			Message:    truncate(apiErr.Error(), 500),
			Err:        err,
		}
	}
	return fmt.Errorf("anthropic: %w", err)
}

// toAnthropicMessages converts the neutral history. Consecutive tool
// results collapse into a single user turn of tool_result blocks, which
// is what the Messages API requires after a multi-tool assistant turn.
func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	var pending []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pending) > 0 {
			out = append(out, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case RoleTool:
			pending = append(pending, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		case RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	flush()
	return out
}

func toAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		schema := anthropic.ToolInputSchemaParam{
			Properties: s.Parameters["properties"],
		}
		if req, ok := s.Parameters["required"]; ok {
			schema.ExtraFields = map[string]any{"required": req}
		}
		tool := anthropic.ToolParam{
			Name:        s.Name,
			InputSchema: schema,
		}
		if s.Description != "" {
			tool.Description = anthropic.String(s.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func fromAnthropicMessage(msg *anthropic.Message) *Response {
	resp := &Response{
		Model:        string(msg.Model),
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		Message:      Message{Role: RoleAssistant},
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			var args map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					args = map[string]any{"_raw": string(block.Input)}
				}
			}
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	resp.Message.Content = text.String()
	return resp
}
