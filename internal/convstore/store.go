// Package convstore is the flat-file conversation store backing both the
// Context Assembler's recall/history lookups and the Orchestrator Loop's
// append calls: one JSONL file per user, no database.
package convstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mira-labs/koda/internal/llm"
)

// turn is one persisted conversation entry.
type turn struct {
	Role    llm.Role `json:"role"`
	Content string   `json:"content"`
	Model   string   `json:"model,omitempty"`
	Tokens  int      `json:"tokens,omitempty"`
}

// Store persists conversation turns to one JSONL file per user under dir,
// and serves both the ConversationStore (append) and MemoryStore
// (recent-history, recall) roles the Orchestrator Loop and Context Assembler
// depend on.
type Store struct {
	mu  sync.Mutex
	dir string
}

// New returns a Store writing under dir, created lazily on first append.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(userID string) string {
	return filepath.Join(s.dir, sanitizeUserID(userID)+".jsonl")
}

func sanitizeUserID(userID string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	cleaned := replacer.Replace(userID)
	if cleaned == "" {
		return "unknown"
	}
	return cleaned
}

func (s *Store) append(userID string, t turn) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("convstore: create directory: %w", err)
	}
	f, err := os.OpenFile(s.path(userID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("convstore: open store: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("convstore: marshal turn: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("convstore: write turn: %w", err)
	}
	return nil
}

// AppendUser persists a user turn. channel is not part of the on-disk shape
// today — there is one history stream per user_id — but is accepted to
// satisfy orchestrator.ConversationStore's signature, which carries it for
// collaborators that do need to key on channel.
func (s *Store) AppendUser(ctx context.Context, userID, channel, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(userID, turn{Role: llm.RoleUser, Content: text})
}

// AppendAssistant persists an assistant turn.
func (s *Store) AppendAssistant(ctx context.Context, userID, channel, text, model string, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(userID, turn{Role: llm.RoleAssistant, Content: text, Model: model, Tokens: tokens})
}

// RecentHistory returns up to limit most-recent turns for userID, oldest
// first. A missing file yields an empty slice.
func (s *Store) RecentHistory(ctx context.Context, userID string, limit int) ([]llm.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns, err := s.readTurns(userID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(turns) {
		turns = turns[len(turns)-limit:]
	}

	messages := make([]llm.ChatMessage, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, llm.ChatMessage{Role: t.Role, Content: t.Content})
	}
	return messages, nil
}

// Recall returns up to n prior user turns whose content shares the most
// distinct lowercase words with query, most-overlapping first. This is a
// keyword-overlap approximation rather than true semantic search; there is
// no embeddings or vector-search dependency in this module to ground one on.
func (s *Store) Recall(ctx context.Context, userID, query string, n int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns, err := s.readTurns(userID)
	if err != nil {
		return nil, err
	}
	queryWords := wordSet(query)
	if len(queryWords) == 0 || len(turns) == 0 {
		return nil, nil
	}

	var candidates []scoredCandidate
	for _, t := range turns {
		if t.Role != llm.RoleUser {
			continue
		}
		overlap := overlapCount(queryWords, wordSet(t.Content))
		if overlap > 0 {
			candidates = append(candidates, scoredCandidate{content: t.Content, score: overlap})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if n > 0 && n < len(candidates) {
		candidates = candidates[:n]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.content
	}
	return out, nil
}

func (s *Store) readTurns(userID string) ([]turn, error) {
	f, err := os.Open(s.path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("convstore: open store: %w", err)
	}
	defer f.Close()

	var turns []turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var t turn
		if json.Unmarshal([]byte(line), &t) != nil {
			continue
		}
		turns = append(turns, t)
	}
	return turns, scanner.Err()
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[strings.Trim(w, ".,!?;:\"'()")] = struct{}{}
	}
	return set
}

func overlapCount(a, b map[string]struct{}) int {
	count := 0
	for w := range a {
		if _, ok := b[w]; ok {
			count++
		}
	}
	return count
}

// scoredCandidate pairs a candidate memory snippet with its keyword-overlap
// score against the current query.
type scoredCandidate struct {
	content string
	score   int
}
