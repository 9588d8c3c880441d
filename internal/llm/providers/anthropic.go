// Package providers implements the concrete LLM provider adapters the Router
// dispatches to.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mira-labs/koda/internal/llm"
)

// AnthropicProvider implements llm.Provider over Anthropic's Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	apiKey       string
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewAnthropicProvider constructs an adapter from an API key. An empty key
// produces a provider that reports IsAvailable() == false.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:       apiKey,
		defaultModel: "claude-sonnet-4-20250514",
		maxRetries:   3,
		retryDelay:   time.Second,
	}
	if apiKey != "" {
		p.client = anthropic.NewClient(option.WithAPIKey(apiKey))
	}
	return p
}

func (p *AnthropicProvider) Name() llm.ProviderID { return llm.ProviderAnthropic }

func (p *AnthropicProvider) IsAvailable() bool { return p.apiKey != "" }

func (p *AnthropicProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if !p.IsAvailable() {
		return nil, &llm.PermanentProviderError{Provider: llm.ProviderAnthropic, Cause: errors.New("no API key configured")}
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	params := p.buildParams(req, model)

	msg, err := withRetry(ctx, func(attempt int) (*anthropic.Message, error) {
		msg, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return nil, classifyAnthropicError(err)
		}
		return msg, nil
	})
	if err != nil {
		return nil, err
	}
	return anthropicToResponse(msg, model), nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	if !p.IsAvailable() {
		return nil, &llm.PermanentProviderError{Provider: llm.ProviderAnthropic, Cause: errors.New("no API key configured")}
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	params := p.buildParams(req, model)

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		stream := p.client.Messages.NewStreaming(ctx, params)
		for stream.Next() {
			event := stream.Current()
			if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if text := delta.Delta.Text; text != "" {
					select {
					case out <- llm.StreamChunk{Text: text}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- llm.StreamChunk{Done: true, Err: classifyAnthropicError(err)}
			return
		}
		out <- llm.StreamChunk{Done: true}
	}()
	return out, nil
}

func (p *AnthropicProvider) buildParams(req llm.Request, model string) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case llm.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case llm.RoleTool:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertToolsAnthropic(req.Tools)
	}
	return params
}

func convertToolsAnthropic(tools []llm.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.Function.Parameters, &schema)
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Function.Name,
				Description: anthropic.String(t.Function.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: schema["properties"]},
			},
		})
	}
	return out
}

func anthropicToResponse(msg *anthropic.Message, model string) *llm.Response {
	var text strings.Builder
	var calls []llm.ToolCall
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			calls = append(calls, llm.ToolCall{
				ID:            b.ID,
				FunctionName:  b.Name,
				ArgumentsJSON: b.Input,
			})
		}
	}
	finish := llm.FinishStop
	if len(calls) > 0 {
		finish = llm.FinishToolCalls
	} else if string(msg.StopReason) == "max_tokens" {
		finish = llm.FinishLength
	}
	return &llm.Response{
		Content:          text.String(),
		Provider:         llm.ProviderAnthropic,
		Model:            model,
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		FinishReason:     finish,
		ToolCalls:        calls,
	}
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
			return &llm.TransientProviderError{Provider: llm.ProviderAnthropic, Cause: err}
		case apiErr.StatusCode >= 400:
			return &llm.PermanentProviderError{Provider: llm.ProviderAnthropic, Cause: err}
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "eof") {
		return &llm.TransientProviderError{Provider: llm.ProviderAnthropic, Cause: err}
	}
	return &llm.PermanentProviderError{Provider: llm.ProviderAnthropic, Cause: err}
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return llm.DefaultMaxTokens
	}
	return n
}
