package providers

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mira-labs/koda/internal/llm"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterProvider implements llm.Provider over OpenRouter's OpenAI-compatible
// completions API, giving access to models from multiple upstream providers
// through a single key. It reuses the OpenAI wire format helpers since
// OpenRouter's API is a superset of OpenAI's chat completions endpoint.
type OpenRouterProvider struct {
	provider *OpenAIProvider
}

// NewOpenRouterProvider constructs an adapter from an OpenRouter API key.
func NewOpenRouterProvider(apiKey string) *OpenRouterProvider {
	p := &OpenRouterProvider{provider: &OpenAIProvider{apiKey: apiKey, defaultModel: "openai/gpt-4o"}}
	if apiKey != "" {
		p.provider.client = newOpenAICompatibleClient(apiKey, openRouterBaseURL, nil)
	}
	return p
}

func (p *OpenRouterProvider) Name() llm.ProviderID { return llm.ProviderOpenRouter }
func (p *OpenRouterProvider) IsAvailable() bool    { return p.provider.apiKey != "" }

func (p *OpenRouterProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if !p.IsAvailable() {
		return nil, &llm.PermanentProviderError{Provider: llm.ProviderOpenRouter, Cause: errors.New("no API key configured")}
	}
	model := req.Model
	if model == "" {
		model = p.provider.defaultModel
	}
	ccr := buildChatCompletionRequest(req, model)

	resp, err := withRetry(ctx, func(attempt int) (openai.ChatCompletionResponse, error) {
		r, err := p.provider.client.CreateChatCompletion(ctx, ccr)
		if err != nil {
			return openai.ChatCompletionResponse{}, classifyOpenAIError(llm.ProviderOpenRouter, err)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return chatCompletionToResponse(resp, llm.ProviderOpenRouter, model)
}

func (p *OpenRouterProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	if !p.IsAvailable() {
		return nil, &llm.PermanentProviderError{Provider: llm.ProviderOpenRouter, Cause: errors.New("no API key configured")}
	}
	model := req.Model
	if model == "" {
		model = p.provider.defaultModel
	}
	ccr := buildChatCompletionRequest(req, model)
	ccr.Stream = true

	stream, err := p.provider.client.CreateChatCompletionStream(ctx, ccr)
	if err != nil {
		return nil, classifyOpenAIError(llm.ProviderOpenRouter, err)
	}
	return pumpOpenAIStream(ctx, stream, llm.ProviderOpenRouter), nil
}
