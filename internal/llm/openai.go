package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nugget/quarry/internal/httpkit"
)

// OpenAIClient talks to the OpenAI chat completions API or any endpoint
// that speaks it (vLLM, LiteLLM, Azure gateways).
type OpenAIClient struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a client. baseURL may be empty to use the
// public endpoint.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0))),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(opts...)
	return &OpenAIClient{
		client: &client,
		logger: logger.With("provider", "openai"),
	}
}

// Chat sends one chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req Request) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: toOpenAIMessages(req.System, req.Messages),
		Tools:    toOpenAITools(req.Tools),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
	)

	start := time.Now()
	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, openAIError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Message: "response contained no choices"}
	}

	choice := completion.Choices[0]
	resp := &Response{
		Model:        completion.Model,
		StopReason:   string(choice.FinishReason),
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		Latency:      time.Since(start),
		Message: Message{
			Role:    RoleAssistant,
			Content: choice.Message.Content,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	c.logger.Debug("response received",
		"model", resp.Model,
		"finish_reason", resp.StopReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
		"latency", resp.Latency,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", truncate(resp.Message.Content, 2000))

	return resp, nil
}

// Ping lists models to confirm credentials and reachability.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return openAIError(err)
	}
	return nil
}

func openAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider:   "openai",
			StatusCode: apiErr.StatusCode,
			Message:    truncate(apiErr.Error(), 500),
			Err:        err,
		}
	}
	return fmt.Errorf("openai: %w", err)
}

func toOpenAIMessages(system string, messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}

	for _, m := range messages {
		switch m.Role {
		case RoleTool:
			content := m.Content
			if m.IsError {
				content = "error: " + content
			}
			out = append(out, openai.ToolMessage(content, m.ToolCallID))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil || tc.Arguments == nil {
					args = []byte("{}")
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func toOpenAITools(specs []ToolSpec) []openai.ChatCompletionToolParam {
	if len(specs) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, s := range specs {
		fn := openai.FunctionDefinitionParam{
			Name:       s.Name,
			Parameters: openai.FunctionParameters(s.Parameters),
		}
		if s.Description != "" {
			fn.Description = openai.String(s.Description)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}
