package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mira-labs/koda/internal/contextassembler"
	"github.com/mira-labs/koda/internal/llm"
	"github.com/mira-labs/koda/internal/toolregistry"
)

const (
	// MaxToolIterations bounds the tool-call cycle per request (I4).
	MaxToolIterations = 15
	// MessageChunkLimit is the default chunk size for channel delivery.
	MessageChunkLimit = 4000

	unknownToolResult      = `{"error": "unknown tool"}`
	iterationCapMessage    = "I was unable to finish this task within the step budget."
	routerExhaustedMessage = "I'm having trouble processing your request. Please try again."
	toolArgsPreviewLen     = 200
)

// Router is the subset of *llm.Router the loop depends on.
type Router interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// ToolExecutor is the subset of *toolregistry.Registry the loop depends on.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args json.RawMessage, sessionCtx map[string]any) (json.RawMessage, error)
	RenderSchemas() []toolregistry.ToolSchema
}

// ContextBuilder is the subset of *contextassembler.Assembler the loop
// depends on.
type ContextBuilder interface {
	Assemble(ctx context.Context, identity contextassembler.Identity, userID, text string) ([]llm.ChatMessage, error)
}

// ConversationStore is the external conversation history collaborator. The
// loop appends to it; it never reads history directly (that's the
// ContextBuilder's job).
type ConversationStore interface {
	AppendUser(ctx context.Context, userID, channel, text string) error
	AppendAssistant(ctx context.Context, userID, channel, text, model string, tokens int) error
}

// ErrorCollector receives notifications about tool execution failures.
type ErrorCollector interface {
	RecordToolError(ctx context.Context, toolName, errorText, argsPreview, userID, channel string)
}

// AuditLog receives append-only lifecycle records.
type AuditLog interface {
	Record(ctx context.Context, action string, fields map[string]any)
}

// Loop drives the iterative tool-call cycle described in the component
// design: build a request, call the Router, dispatch any tool calls,
// sanitize and chunk the final reply.
type Loop struct {
	router   Router
	tools    ToolExecutor
	context  ContextBuilder
	store    ConversationStore
	errors   ErrorCollector
	audit    AuditLog
	identity contextassembler.Identity
	logger   *slog.Logger
}

// New constructs a Loop. Any of errors/audit/logger may be nil; a nil
// logger falls back to slog.Default(), a nil errors/audit collaborator is
// simply skipped.
func New(router Router, tools ToolExecutor, ctxBuilder ContextBuilder, store ConversationStore, errors ErrorCollector, audit AuditLog, identity contextassembler.Identity, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		router:   router,
		tools:    tools,
		context:  ctxBuilder,
		store:    store,
		errors:   errors,
		audit:    audit,
		identity: identity,
		logger:   logger,
	}
}

// Result is process_message's return shape.
type Result struct {
	Response   string
	ToolCalls  []llm.ToolCall
	Iterations int
	TokensUsed int
	Model      string
	Chunks     []string
}

// ProcessMessage runs the full tool-call cycle for one inbound message.
//
// Cancellation: if ctx is cancelled at any suspension point (a Router.Complete
// call or a tool handler invocation), ProcessMessage aborts immediately.
// Already-executed tool side effects are not undone, partial assistant state
// is not persisted, and the error collector is not notified for the
// cancelled call.
func (l *Loop) ProcessMessage(ctx context.Context, userID, text, channel string) (*Result, error) {
	if err := l.store.AppendUser(ctx, userID, channel, text); err != nil {
		return nil, fmt.Errorf("orchestrator: append user message: %w", err)
	}

	messages, err := l.context.Assemble(ctx, l.identity, userID, text)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: assemble context: %w", err)
	}

	var systemPrompt string
	working := messages
	if len(working) > 0 && working[0].Role == llm.RoleSystem {
		systemPrompt = working[0].Content
		working = working[1:]
	}

	tools := toLLMToolSpecs(l.tools.RenderSchemas())

	req := llm.Request{
		Messages:     working,
		SystemPrompt: systemPrompt,
		Tools:        tools,
	}

	var (
		iteration           int
		accumulatedToolCall []llm.ToolCall
		totalTokens         int
		finalModel          string
		finalText           string
	)

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if iteration == MaxToolIterations {
			finalText = iterationCapMessage
			break
		}

		resp, err := l.router.Complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.logger.Error("orchestrator_router_exhausted", "user_id", userID, "channel", channel, "error", err)
			finalText = routerExhaustedMessage
			break
		}

		totalTokens += resp.TotalTokens
		finalModel = resp.Model

		if len(resp.ToolCalls) == 0 {
			finalText = resp.Content
			break
		}

		req.Messages = append(req.Messages, llm.ChatMessage{Role: llm.RoleAssistant, ToolCalls: resp.ToolCalls})

		for _, call := range resp.ToolCalls {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			resultJSON := l.invokeTool(ctx, call, userID, channel)
			req.Messages = append(req.Messages, llm.ChatMessage{
				Role:       llm.RoleTool,
				Content:    string(resultJSON),
				ToolCallID: call.ID,
			})
		}

		accumulatedToolCall = append(accumulatedToolCall, resp.ToolCalls...)
		iteration++
	}

	sanitized := Sanitize(finalText)
	sanitized = UnwrapResponseField(sanitized)

	if err := l.store.AppendAssistant(ctx, userID, channel, sanitized, finalModel, totalTokens); err != nil {
		return nil, fmt.Errorf("orchestrator: append assistant message: %w", err)
	}

	chunks := Chunk(sanitized, MessageChunkLimit)

	if l.audit != nil {
		l.audit.Record(ctx, "message_processed", map[string]any{
			"user_id":            userID,
			"channel":            channel,
			"intent":             intentFromToolCalls(accumulatedToolCall),
			"tools_called_count": len(accumulatedToolCall),
			"tokens":             totalTokens,
		})
	}

	return &Result{
		Response:   sanitized,
		ToolCalls:  accumulatedToolCall,
		Iterations: iteration,
		TokensUsed: totalTokens,
		Model:      finalModel,
		Chunks:     chunks,
	}, nil
}

// invokeTool looks up and runs one tool call. An unknown tool synthesizes the
// literal `{"error": "unknown tool"}` result without notifying the Error
// Collector; any other failure (argument validation, handler panic-turned-
// error) is wrapped as `{"error": <message>}` and does notify the Error
// Collector with the tool name, error text, and a truncated argument
// preview. A context cancellation during the call is never reported as a
// tool error — it propagates to the caller instead.
func (l *Loop) invokeTool(ctx context.Context, call llm.ToolCall, userID, channel string) json.RawMessage {
	sessionCtx := map[string]any{"user_id": userID, "channel": channel}

	result, err := l.tools.Execute(ctx, call.FunctionName, call.ArgumentsJSON, sessionCtx)
	if err == nil {
		return result
	}
	if ctx.Err() != nil {
		return json.RawMessage(unknownToolResult)
	}
	if errors.Is(err, toolregistry.ErrUnknownTool) {
		return json.RawMessage(unknownToolResult)
	}

	errText := err.Error()
	if l.errors != nil {
		l.errors.RecordToolError(ctx, call.FunctionName, errText, previewArgs(call.ArgumentsJSON), userID, channel)
	}
	payload, marshalErr := json.Marshal(map[string]string{"error": errText})
	if marshalErr != nil {
		return json.RawMessage(unknownToolResult)
	}
	return payload
}

// intentFromToolCalls classifies a processed message for the audit record:
// "general_chat" when the model never reached for a tool, otherwise the name
// of the first tool it invoked. There is no separate intent-classification
// call in this loop (tool selection already is the intent signal), so the
// first dispatched tool stands in for it.
func intentFromToolCalls(calls []llm.ToolCall) string {
	if len(calls) == 0 {
		return "general_chat"
	}
	return calls[0].FunctionName
}

func previewArgs(args json.RawMessage) string {
	s := string(args)
	if len(s) > toolArgsPreviewLen {
		return s[:toolArgsPreviewLen]
	}
	return s
}

func toLLMToolSpecs(schemas []toolregistry.ToolSchema) []llm.ToolSpec {
	out := make([]llm.ToolSpec, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, llm.ToolSpec{
			Type: s.Type,
			Function: llm.ToolSpecFunction{
				Name:        s.Function.Name,
				Description: s.Function.Description,
				Parameters:  s.Function.Parameters,
			},
		})
	}
	return out
}
