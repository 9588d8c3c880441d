package providers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"

	"google.golang.org/genai"

	"github.com/mira-labs/koda/internal/llm"
)

// GoogleProvider implements llm.Provider over the Gemini Generative Language
// API via the google.golang.org/genai SDK.
type GoogleProvider struct {
	client       *genai.Client
	apiKey       string
	defaultModel string
}

// NewGoogleProvider constructs an adapter from an API key. Client construction
// is deferred errors from the SDK surface as an unavailable provider rather
// than a fatal startup error, matching how the Router treats missing
// credentials for the other three adapters.
func NewGoogleProvider(apiKey string) *GoogleProvider {
	p := &GoogleProvider{apiKey: apiKey, defaultModel: "gemini-2.0-flash"}
	if apiKey == "" {
		return p
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err == nil {
		p.client = client
	}
	return p
}

func (p *GoogleProvider) Name() llm.ProviderID { return llm.ProviderGoogle }
func (p *GoogleProvider) IsAvailable() bool    { return p.apiKey != "" && p.client != nil }

func (p *GoogleProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if !p.IsAvailable() {
		return nil, &llm.PermanentProviderError{Provider: llm.ProviderGoogle, Cause: errors.New("no API key configured")}
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	contents := convertMessagesGemini(req.Messages)
	config := buildGeminiConfig(req)

	resp, err := withRetry(ctx, func(attempt int) (*genai.GenerateContentResponse, error) {
		r, err := p.client.Models.GenerateContent(ctx, model, contents, config)
		if err != nil {
			return nil, classifyGoogleError(err)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return geminiToResponse(resp, model)
}

func (p *GoogleProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	if !p.IsAvailable() {
		return nil, &llm.PermanentProviderError{Provider: llm.ProviderGoogle, Cause: errors.New("no API key configured")}
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	contents := convertMessagesGemini(req.Messages)
	config := buildGeminiConfig(req)

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		streamIter := p.client.Models.GenerateContentStream(ctx, model, contents, config)
		for resp, err := range streamIter {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if err != nil {
				out <- llm.StreamChunk{Done: true, Err: classifyGoogleError(err)}
				return
			}
			for _, candidate := range resp.Candidates {
				if candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part.Text != "" {
						select {
						case out <- llm.StreamChunk{Text: part.Text}:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
		out <- llm.StreamChunk{Done: true}
	}()
	return out, nil
}

func convertMessagesGemini(messages []llm.ChatMessage) []*genai.Content {
	result := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		content := &genai.Content{}
		switch m.Role {
		case llm.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}
		if m.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.ArgumentsJSON, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.FunctionName, Args: args},
			})
		}
		if m.Role == llm.RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: m.ToolCallID, Response: response},
			})
		}
		result = append(result, content)
	}
	return result
}

func buildGeminiConfig(req llm.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemPrompt}}}
	}
	maxTokens := maxTokensOrDefault(req.MaxTokens)
	config.MaxOutputTokens = int32(min(maxTokens, math.MaxInt32))
	if len(req.Tools) > 0 {
		config.Tools = convertToolsGemini(req.Tools)
	}
	return config
}

// convertToolsGemini passes each tool's JSON-Schema parameters straight
// through via ParametersJsonSchema rather than hand-building a genai.Schema,
// so the router's single JSON-Schema ToolSpec works unmodified across every
// provider.
func convertToolsGemini(tools []llm.ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		_ = json.Unmarshal(t.Function.Parameters, &params)
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Function.Name,
			Description:          t.Function.Description,
			ParametersJsonSchema: params,
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func geminiToResponse(resp *genai.GenerateContentResponse, model string) (*llm.Response, error) {
	if len(resp.Candidates) == 0 {
		return nil, &llm.MalformedResponseError{Provider: llm.ProviderGoogle, Cause: errors.New("no candidates returned")}
	}
	candidate := resp.Candidates[0]
	var text strings.Builder
	var calls []llm.ToolCall
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				argsJSON, _ := json.Marshal(part.FunctionCall.Args)
				calls = append(calls, llm.ToolCall{
					ID:            part.FunctionCall.Name,
					FunctionName:  part.FunctionCall.Name,
					ArgumentsJSON: argsJSON,
				})
			}
		}
	}
	finish := llm.FinishStop
	switch {
	case len(calls) > 0:
		finish = llm.FinishToolCalls
	case string(candidate.FinishReason) == "MAX_TOKENS":
		finish = llm.FinishLength
	}

	var promptTokens, completionTokens, totalTokens int
	if resp.UsageMetadata != nil {
		promptTokens = int(resp.UsageMetadata.PromptTokenCount)
		completionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		totalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return &llm.Response{
		Content:          text.String(),
		Provider:         llm.ProviderGoogle,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		FinishReason:     finish,
		ToolCalls:        calls,
	}, nil
}

func classifyGoogleError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource exhausted") || strings.Contains(msg, "quota") ||
		strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "unavailable") {
		return &llm.TransientProviderError{Provider: llm.ProviderGoogle, Cause: err}
	}
	return &llm.PermanentProviderError{Provider: llm.ProviderGoogle, Cause: err}
}
