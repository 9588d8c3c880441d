package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mira-labs/koda/internal/llm"
)

// OpenAIProvider implements llm.Provider over OpenAI's chat completions API.
type OpenAIProvider struct {
	client       *openai.Client
	apiKey       string
	defaultModel string
}

// NewOpenAIProvider constructs an adapter from an API key.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	p := &OpenAIProvider{apiKey: apiKey, defaultModel: "gpt-4o"}
	if apiKey != "" {
		p.client = openai.NewClient(apiKey)
	}
	return p
}

// newOpenAICompatibleProvider is shared by NewOpenAIProvider and the
// OpenRouter adapter, which speaks the same wire format against a different
// base URL.
func newOpenAICompatibleClient(apiKey, baseURL string, extraHeaders map[string]string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

func (p *OpenAIProvider) Name() llm.ProviderID { return llm.ProviderOpenAI }
func (p *OpenAIProvider) IsAvailable() bool    { return p.apiKey != "" }

func (p *OpenAIProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if !p.IsAvailable() {
		return nil, &llm.PermanentProviderError{Provider: llm.ProviderOpenAI, Cause: errors.New("no API key configured")}
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	ccr := buildChatCompletionRequest(req, model)

	resp, err := withRetry(ctx, func(attempt int) (openai.ChatCompletionResponse, error) {
		r, err := p.client.CreateChatCompletion(ctx, ccr)
		if err != nil {
			return openai.ChatCompletionResponse{}, classifyOpenAIError(llm.ProviderOpenAI, err)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return chatCompletionToResponse(resp, llm.ProviderOpenAI, model)
}

func (p *OpenAIProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	if !p.IsAvailable() {
		return nil, &llm.PermanentProviderError{Provider: llm.ProviderOpenAI, Cause: errors.New("no API key configured")}
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	ccr := buildChatCompletionRequest(req, model)
	ccr.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, ccr)
	if err != nil {
		return nil, classifyOpenAIError(llm.ProviderOpenAI, err)
	}
	return pumpOpenAIStream(ctx, stream, llm.ProviderOpenAI), nil
}

func pumpOpenAIStream(ctx context.Context, stream *openai.ChatCompletionStream, id llm.ProviderID) <-chan llm.StreamChunk {
	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			chunk, err := stream.Recv()
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				out <- llm.StreamChunk{Done: true, Err: classifyOpenAIError(id, err)}
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text != "" {
				select {
				case out <- llm.StreamChunk{Text: text}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Choices[0].FinishReason != "" {
				out <- llm.StreamChunk{Done: true}
				return
			}
		}
	}()
	return out
}

func buildChatCompletionRequest(req llm.Request, model string) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case llm.RoleUser:
			msg.Role = openai.ChatMessageRoleUser
		case llm.RoleAssistant:
			msg.Role = openai.ChatMessageRoleAssistant
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.FunctionName,
						Arguments: string(tc.ArgumentsJSON),
					},
				})
			}
		case llm.RoleTool:
			msg.Role = openai.ChatMessageRoleTool
			msg.ToolCallID = m.ToolCallID
		case llm.RoleSystem:
			msg.Role = openai.ChatMessageRoleSystem
		}
		messages = append(messages, msg)
	}

	ccr := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   maxTokensOrDefault(req.MaxTokens),
	}
	for _, t := range req.Tools {
		var params map[string]any
		_ = json.Unmarshal(t.Function.Parameters, &params)
		ccr.Tools = append(ccr.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  params,
			},
		})
	}
	return ccr
}

func chatCompletionToResponse(resp openai.ChatCompletionResponse, id llm.ProviderID, model string) (*llm.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, &llm.MalformedResponseError{Provider: id, Cause: errors.New("no choices returned")}
	}
	choice := resp.Choices[0]
	var calls []llm.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, llm.ToolCall{
			ID:            tc.ID,
			FunctionName:  tc.Function.Name,
			ArgumentsJSON: json.RawMessage(tc.Function.Arguments),
		})
	}
	finish := llm.FinishStop
	switch choice.FinishReason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		finish = llm.FinishToolCalls
	case openai.FinishReasonLength:
		finish = llm.FinishLength
	}
	if len(calls) > 0 {
		finish = llm.FinishToolCalls
	}
	return &llm.Response{
		Content:          choice.Message.Content,
		Provider:         id,
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		FinishReason:     finish,
		ToolCalls:        calls,
	}, nil
}

func classifyOpenAIError(id llm.ProviderID, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return &llm.TransientProviderError{Provider: id, Cause: err}
		case apiErr.HTTPStatusCode >= 400:
			return &llm.PermanentProviderError{Provider: id, Cause: err}
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "eof") {
		return &llm.TransientProviderError{Provider: id, Cause: err}
	}
	return &llm.PermanentProviderError{Provider: id, Cause: err}
}
