// Package contextassembler builds a token-budgeted message list from a
// system prompt template, semantically-recalled memory, and recent
// conversation history.
package contextassembler

import (
	"context"
	"fmt"
	"strings"

	"github.com/mira-labs/koda/internal/llm"
)

const (
	// ContextMaxTokens bounds the whole assembled context.
	ContextMaxTokens = 100_000
	// ContextHistoryShare is the fraction of the remaining token budget (after
	// the system prompt) given to recent conversation history.
	ContextHistoryShare = 0.6
	// CharsPerToken is the coarse token estimator used throughout the core.
	CharsPerToken = 4
	// DefaultRecallCount is how many semantic memory snippets are recalled
	// by default when none is specified.
	DefaultRecallCount = 3
	// DefaultHistoryTurns bounds how many recent turns are fetched before
	// budget trimming.
	DefaultHistoryTurns = 10

	noPriorContext = "No prior context."
)

// MemoryStore is the external conversation/memory collaborator the
// Assembler reads from. It is never mutated by the Assembler.
type MemoryStore interface {
	// RecentHistory returns up to limit most-recent turns for userID, oldest
	// first (so the caller can drop from the front to trim).
	RecentHistory(ctx context.Context, userID string, limit int) ([]llm.ChatMessage, error)
	// Recall returns up to n semantically-relevant memory snippets for query.
	Recall(ctx context.Context, userID, query string, n int) ([]string, error)
}

// Identity supplies the names substituted into the system prompt template.
type Identity struct {
	AssistantName string
	UserName      string
}

// Assembler builds assembled message lists; it holds no per-request state.
type Assembler struct {
	store            MemoryStore
	systemPromptTmpl string
	recallCount      int
	historyTurns     int
}

// New constructs an Assembler. systemPromptTmpl must contain the
// `{assistant_name}` and `{user_name}` placeholders that Assemble
// substitutes; recallCount and historyTurns fall back to their defaults
// when zero.
func New(store MemoryStore, systemPromptTmpl string, recallCount, historyTurns int) *Assembler {
	if recallCount <= 0 {
		recallCount = DefaultRecallCount
	}
	if historyTurns <= 0 {
		historyTurns = DefaultHistoryTurns
	}
	return &Assembler{
		store:            store,
		systemPromptTmpl: systemPromptTmpl,
		recallCount:      recallCount,
		historyTurns:     historyTurns,
	}
}

// Assemble builds a fresh message list for (userID, currentMessage): system
// prompt (with recalled context appended), budget-trimmed recent history,
// then the current user message last. It never mutates the underlying
// store.
func (a *Assembler) Assemble(ctx context.Context, identity Identity, userID, currentMessage string) ([]llm.ChatMessage, error) {
	systemPrompt, err := a.buildSystemPrompt(ctx, identity, userID, currentMessage)
	if err != nil {
		return nil, err
	}

	history, err := a.store.RecentHistory(ctx, userID, a.historyTurns)
	if err != nil {
		return nil, fmt.Errorf("contextassembler: recent history: %w", err)
	}

	systemTokens := len(systemPrompt) / CharsPerToken
	historyBudget := int(float64(ContextMaxTokens-systemTokens) * ContextHistoryShare)
	history = trimToTokenBudget(history, historyBudget)

	messages := make([]llm.ChatMessage, 0, len(history)+2)
	messages = append(messages, llm.ChatMessage{Role: llm.RoleSystem, Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, llm.ChatMessage{Role: llm.RoleUser, Content: currentMessage})
	return messages, nil
}

func (a *Assembler) buildSystemPrompt(ctx context.Context, identity Identity, userID, currentMessage string) (string, error) {
	prompt := strings.NewReplacer(
		"{assistant_name}", identity.AssistantName,
		"{user_name}", identity.UserName,
	).Replace(a.systemPromptTmpl)

	snippets, err := a.store.Recall(ctx, userID, currentMessage, a.recallCount)
	if err != nil {
		return "", fmt.Errorf("contextassembler: recall: %w", err)
	}

	var relevant string
	if len(snippets) == 0 {
		relevant = noPriorContext
	} else {
		relevant = strings.Join(snippets, "\n")
	}
	return prompt + "\n\nRelevant context:\n" + relevant, nil
}

// trimToTokenBudget drops oldest messages (from the front) until the
// remaining messages' combined estimated token count fits budget. A
// non-positive budget drops everything.
func trimToTokenBudget(history []llm.ChatMessage, budget int) []llm.ChatMessage {
	if budget <= 0 {
		return nil
	}
	start := 0
	for start < len(history) && estimateTokens(history[start:]) > budget {
		start++
	}
	return history[start:]
}

func estimateTokens(messages []llm.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / CharsPerToken
	}
	return total
}
