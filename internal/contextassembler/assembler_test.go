package contextassembler

import (
	"context"
	"strings"
	"testing"

	"github.com/mira-labs/koda/internal/llm"
)

type stubStore struct {
	history []llm.ChatMessage
	recall  []string
}

func (s *stubStore) RecentHistory(ctx context.Context, userID string, limit int) ([]llm.ChatMessage, error) {
	if limit < len(s.history) {
		return s.history[len(s.history)-limit:], nil
	}
	return s.history, nil
}

func (s *stubStore) Recall(ctx context.Context, userID, query string, n int) ([]string, error) {
	if n < len(s.recall) {
		return s.recall[:n], nil
	}
	return s.recall, nil
}

func TestAssemble_AppendsCurrentMessageLast(t *testing.T) {
	store := &stubStore{history: []llm.ChatMessage{{Role: llm.RoleUser, Content: "earlier"}}}
	a := New(store, "You are {assistant_name}, talking to {user_name}.", 3, 10)

	messages, err := a.Assemble(context.Background(), Identity{AssistantName: "Koda", UserName: "Ada"}, "u1", "what's next?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := messages[len(messages)-1]
	if last.Role != llm.RoleUser || last.Content != "what's next?" {
		t.Fatalf("expected current message last, got %+v", last)
	}
	if messages[0].Role != llm.RoleSystem {
		t.Fatalf("expected system prompt first, got %+v", messages[0])
	}
	if !strings.Contains(messages[0].Content, "Koda") || !strings.Contains(messages[0].Content, "Ada") {
		t.Fatalf("expected identity substitution in system prompt, got %q", messages[0].Content)
	}
}

func TestAssemble_NoRecallUsesLiteralPlaceholder(t *testing.T) {
	store := &stubStore{}
	a := New(store, "sys {assistant_name} {user_name}", 3, 10)
	messages, err := a.Assemble(context.Background(), Identity{}, "u1", "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(messages[0].Content, noPriorContext) {
		t.Fatalf("expected literal no-prior-context string, got %q", messages[0].Content)
	}
}

func TestAssemble_RecallSnippetsAreIncluded(t *testing.T) {
	store := &stubStore{recall: []string{"user prefers dark mode"}}
	a := New(store, "sys", 3, 10)
	messages, _ := a.Assemble(context.Background(), Identity{}, "u1", "hi")
	if !strings.Contains(messages[0].Content, "user prefers dark mode") {
		t.Fatalf("expected recalled snippet in system prompt, got %q", messages[0].Content)
	}
}

func TestTrimToTokenBudget_DropsOldestFirst(t *testing.T) {
	history := []llm.ChatMessage{
		{Role: llm.RoleUser, Content: strings.Repeat("a", 400)},
		{Role: llm.RoleAssistant, Content: strings.Repeat("b", 400)},
		{Role: llm.RoleUser, Content: strings.Repeat("c", 400)},
	}
	// Each message is 100 tokens; budget for 150 tokens should keep only the
	// most recent message.
	trimmed := trimToTokenBudget(history, 150)
	if len(trimmed) != 1 {
		t.Fatalf("expected exactly one message to survive trimming, got %d", len(trimmed))
	}
	if trimmed[0].Content != history[2].Content {
		t.Fatalf("expected the newest message to survive, got %+v", trimmed[0])
	}
}

func TestTrimToTokenBudget_NonPositiveBudgetDropsEverything(t *testing.T) {
	history := []llm.ChatMessage{{Role: llm.RoleUser, Content: "hi"}}
	if got := trimToTokenBudget(history, 0); len(got) != 0 {
		t.Fatalf("expected everything dropped for a zero budget, got %+v", got)
	}
}

func TestDefaults_AppliedWhenZero(t *testing.T) {
	a := New(&stubStore{}, "sys", 0, 0)
	if a.recallCount != DefaultRecallCount {
		t.Fatalf("expected default recall count, got %d", a.recallCount)
	}
	if a.historyTurns != DefaultHistoryTurns {
		t.Fatalf("expected default history turns, got %d", a.historyTurns)
	}
}
