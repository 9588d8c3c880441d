// Package evolution implements the self-improvement pipeline: turning a
// natural-language improvement request into a planned set of file changes,
// applying them behind the Safety Guard, and rolling back on test failure.
package evolution

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mira-labs/koda/internal/llm"
	"github.com/mira-labs/koda/internal/safety"
)

const (
	testTimeout       = 120 * time.Second
	testOutputTailCap = 300
	auditTailCap      = 500
	feedbackTailCap   = 200
	commitSummaryCap  = 80
)

// Router is the narrow LLM-dispatch contract the Evolution Engine needs.
// Satisfied structurally by *llm.Router.
type Router interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Guard is the narrow Safety Guard contract this package depends on.
// Satisfied structurally by *safety.Guard.
type Guard interface {
	Audit(action string, details map[string]any)
	GitStash(ctx context.Context, message string) bool
	GitStashPop(ctx context.Context) error
	GitCommit(ctx context.Context, message string) error
	GitPush(ctx context.Context) error
	GitResetHard(ctx context.Context) error
	RunTests(ctx context.Context, timeout time.Duration) (bool, string)
}

// Change is one unit of a Plan: either a new file to create or an existing
// file to modify via an exact old_text → new_text replacement.
type Change struct {
	Action      string `json:"action"`
	File        string `json:"file"`
	Description string `json:"description"`
	Content     string `json:"content,omitempty"`
	OldText     string `json:"old_text,omitempty"`
	NewText     string `json:"new_text,omitempty"`
}

// Plan is the strict JSON shape the planning prompt asks the model to
// return.
type Plan struct {
	Summary         string   `json:"summary"`
	Changes         []Change `json:"changes"`
	TestSuggestions string   `json:"test_suggestions"`
	Risk            string   `json:"risk"`
}

// Feedback is the strict JSON shape the feedback-classification prompt asks
// the model to return.
type Feedback struct {
	Category            string `json:"category"`
	Actionable          bool   `json:"actionable"`
	ImprovementRequest  string `json:"improvement_request"`
	Explanation         string `json:"explanation"`
}

// Engine generates code improvements via an LLM and applies them behind a
// Safety Guard. It is the only writer of source files during the pipeline;
// the Guard is the only caller of git and test commands.
type Engine struct {
	router    Router
	guard     Guard
	root      string
	auditPath string
	log       *slog.Logger
}

// New builds an Engine rooted at root (the project tree the planner
// describes and the one changes are written into). auditPath is the Safety
// Guard's JSONL audit log, scanned by AnalyzeErrorPatterns for recurring
// crash signatures; pass "" if that analysis is not needed.
func New(router Router, guard Guard, root, auditPath string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{router: router, guard: guard, root: root, auditPath: auditPath, log: logger}
}

// ErrorPattern is one recurring-crash signal surfaced by AnalyzeErrorPatterns.
type ErrorPattern struct {
	Type       string `json:"type"`
	Signature  string `json:"signature"`
	Count      int    `json:"count"`
	Suggestion string `json:"suggestion"`
}

// AnalyzeErrorPatterns scans the last 200 audit-log entries for
// "process_crash" records and groups their stderr tails by crash signature,
// surfacing any signature seen at least twice as a candidate improvement
// request.
func (e *Engine) AnalyzeErrorPatterns() []ErrorPattern {
	if e.auditPath == "" {
		return nil
	}
	f, err := os.Open(e.auditPath)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > 200 {
		lines = lines[len(lines)-200:]
	}

	counts := make(map[string]int)
	for _, line := range lines {
		var entry map[string]any
		if json.Unmarshal([]byte(line), &entry) != nil {
			continue
		}
		if entry["action"] != "process_crash" {
			continue
		}
		stderrTail, _ := entry["stderr_tail"].(string)
		if stderrTail == "" {
			continue
		}
		sig := safety.CrashSignature(stderrTail)
		counts[sig]++
	}

	var patterns []ErrorPattern
	for sig, count := range counts {
		if count >= 2 {
			patterns = append(patterns, ErrorPattern{
				Type:       "recurring_crash",
				Signature:  sig,
				Count:      count,
				Suggestion: fmt.Sprintf("Fix recurring crash: %s", sig),
			})
		}
	}
	return patterns
}

const planningSystemPrompt = `You are a senior Go developer working on Koda, an AI executive assistant.
You plan code improvements and new features.

RULES:
1. Propose MINIMAL, focused changes. Don't refactor unrelated code.
2. Follow existing code patterns and style.
3. Always include proper imports, error handling, and logging.
4. If creating new files, include full content.
5. If modifying existing files, specify exact old_text -> new_text replacements. old_text must appear exactly once in the file.
6. Include test suggestions.

RESPONSE FORMAT (JSON):
{
    "summary": "Brief description of what will change",
    "changes": [
        {
            "action": "create|modify",
            "file": "relative/path/to/file.go",
            "description": "What this change does",
            "content": "Full file content (for create)",
            "old_text": "Text to find (for modify)",
            "new_text": "Replacement text (for modify)"
        }
    ],
    "test_suggestions": "How to verify this works",
    "risk": "low|medium|high"
}`

// PlanImprovement asks the Router to plan an improvement for request and
// parses its response into a Plan. A Router error or an unparsable response
// yields a Plan with no changes and risk "high", so the caller's empty/high
// rejection in ImplementImprovement covers both cases uniformly.
func (e *Engine) PlanImprovement(ctx context.Context, request string) Plan {
	structure := e.projectStructure()
	userPrompt := fmt.Sprintf("Improvement request: %s\n\n## Project Structure\n```\n%s\n```\n\nPlan the minimal changes needed. Return JSON only.", request, structure)

	resp, err := e.router.Complete(ctx, llm.Request{
		Messages: []llm.ChatMessage{
			{Role: llm.RoleUser, Content: userPrompt},
		},
		SystemPrompt: planningSystemPrompt,
		Temperature:  0.3,
		MaxTokens:    16000,
	})
	if err != nil {
		e.log.Error("plan_improvement_failed", "error", err)
		return Plan{Summary: fmt.Sprintf("Planning failed: %v", err), Risk: "high"}
	}

	plan, parseErr := parsePlan(resp.Content)
	if parseErr != nil {
		e.log.Error("plan_improvement_parse_failed", "error", parseErr)
		return Plan{Summary: fmt.Sprintf("Planning failed: %v", parseErr), Risk: "high"}
	}
	return plan
}

// ImplementImprovement runs the full plan -> apply -> test -> commit cycle
// for request. Returns (success, message, err); err is reserved for
// infrastructure failures distinct from an ordinary "rejected plan" or
// "tests failed" outcome, both of which are reported via (false, message,
// nil).
func (e *Engine) ImplementImprovement(ctx context.Context, request string) (bool, string, error) {
	e.guard.Audit("evolution_start", map[string]any{"request": request})

	plan := e.PlanImprovement(ctx, request)
	if len(plan.Changes) == 0 {
		return false, fmt.Sprintf("No changes planned. %s", plan.Summary), nil
	}
	if plan.Risk == "high" {
		return false, fmt.Sprintf("High-risk change — needs manual review. Plan: %s", plan.Summary), nil
	}

	e.log.Info("evolution_plan_ready", "summary", plan.Summary, "changes", len(plan.Changes))
	e.guard.Audit("evolution_plan", map[string]any{
		"summary":      plan.Summary,
		"change_count": len(plan.Changes),
		"risk":         plan.Risk,
	})

	e.guard.GitStash(ctx, "pre-evolution-backup")

	messages, applyErr := e.applyChanges(plan.Changes)
	if applyErr != nil {
		_ = e.guard.GitResetHard(ctx)
		e.guard.Audit("evolution_error", map[string]any{"error": applyErr.Error()})
		return false, fmt.Sprintf("Evolution failed: %v", applyErr), nil
	}

	passed, testOutput := e.guard.RunTests(ctx, testTimeout)
	if !passed {
		_ = e.guard.GitResetHard(ctx)
		e.guard.Audit("evolution_rollback", map[string]any{"test_output": truncate(testOutput, auditTailCap)})
		return false, fmt.Sprintf("Tests failed after changes — rolled back.\n%s", truncate(testOutput, testOutputTailCap)), nil
	}

	commitMsg := fmt.Sprintf("feat(evolution): %s", truncate(plan.Summary, commitSummaryCap))
	if err := e.guard.GitCommit(ctx, commitMsg); err != nil {
		e.guard.Audit("evolution_error", map[string]any{"error": err.Error()})
		return false, fmt.Sprintf("Evolution failed: %v", err), nil
	}
	if err := e.guard.GitPush(ctx); err != nil {
		e.guard.Audit("evolution_error", map[string]any{"error": err.Error()})
		return false, fmt.Sprintf("Evolution failed: %v", err), nil
	}

	e.guard.Audit("evolution_success", map[string]any{"summary": plan.Summary})
	return true, fmt.Sprintf("Improvement applied: %s\nChanges: %s", plan.Summary, strings.Join(messages, "; ")), nil
}

// applyChanges writes every change in order. A modify whose old_text is not
// present exactly once is skipped (recorded, not fatal); any I/O failure
// aborts the whole batch so the caller can roll back.
func (e *Engine) applyChanges(changes []Change) ([]string, error) {
	var messages []string
	for _, change := range changes {
		if change.File == "" {
			continue
		}
		fullPath := filepath.Join(e.root, change.File)

		switch change.Action {
		case "create":
			if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
				return messages, fmt.Errorf("create directory for %s: %w", change.File, err)
			}
			if err := os.WriteFile(fullPath, []byte(change.Content), 0o644); err != nil {
				return messages, fmt.Errorf("write %s: %w", change.File, err)
			}
			messages = append(messages, fmt.Sprintf("Created %s", change.File))
			e.guard.Audit("evolution_file_created", map[string]any{"file": change.File})

		case "modify":
			if change.OldText == "" || change.NewText == "" {
				continue
			}
			current, err := os.ReadFile(fullPath)
			if err != nil {
				messages = append(messages, fmt.Sprintf("Skipped %s: file not found", change.File))
				continue
			}
			patched, ok := replaceUniqueOccurrence(string(current), change.OldText, change.NewText)
			if !ok {
				messages = append(messages, fmt.Sprintf("Skipped %s: old_text not found or not unique", change.File))
				continue
			}
			if err := os.WriteFile(fullPath, []byte(patched), 0o644); err != nil {
				return messages, fmt.Errorf("write %s: %w", change.File, err)
			}
			messages = append(messages, fmt.Sprintf("Modified %s", change.File))
			e.guard.Audit("evolution_file_modified", map[string]any{"file": change.File})

		default:
			messages = append(messages, fmt.Sprintf("Skipped %s: unknown action %q", change.File, change.Action))
		}
	}
	return messages, nil
}

// replaceUniqueOccurrence replaces oldText with newText only when oldText
// appears exactly once in content. Replacing the first occurrence
// unconditionally would silently pick one of several candidates; refusing
// ambiguous matches instead means a non-unique anchor never produces a
// surprise edit.
func replaceUniqueOccurrence(content, oldText, newText string) (string, bool) {
	first := strings.Index(content, oldText)
	if first < 0 {
		return content, false
	}
	if strings.Index(content[first+len(oldText):], oldText) >= 0 {
		return content, false
	}
	return content[:first] + newText + content[first+len(oldText):], true
}

const feedbackSystemPrompt = `You analyze user feedback about Koda (an AI assistant).
Classify the feedback and decide if a code change is needed.

RESPONSE FORMAT (JSON):
{
    "category": "bug|feature|behavior|general",
    "actionable": true/false,
    "improvement_request": "Concrete description of what to change (empty if not actionable)",
    "explanation": "Why this change would help"
}`

// AnalyzeUserFeedback classifies free-form feedback into a category and,
// when actionable, a concrete improvement request.
func (e *Engine) AnalyzeUserFeedback(ctx context.Context, feedback string) Feedback {
	resp, err := e.router.Complete(ctx, llm.Request{
		Messages:     []llm.ChatMessage{{Role: llm.RoleUser, Content: "User feedback: " + feedback}},
		SystemPrompt: feedbackSystemPrompt,
		Temperature:  0.3,
		MaxTokens:    2048,
	})
	if err != nil {
		e.log.Error("feedback_analysis_failed", "error", err)
		return Feedback{Category: "general", Explanation: err.Error()}
	}

	var fb Feedback
	if parseErr := json.Unmarshal([]byte(stripFences(resp.Content)), &fb); parseErr != nil {
		if extracted, ok := extractJSONObject(resp.Content); ok {
			if json.Unmarshal([]byte(extracted), &fb) == nil {
				return fb
			}
		}
		e.log.Error("feedback_analysis_parse_failed", "error", parseErr)
		return Feedback{Category: "general", Explanation: "could not parse feedback analysis"}
	}
	return fb
}

// ProcessFeedback runs the full feedback loop: classify, and if actionable,
// implement the derived improvement request. Returns whether a code change
// was attempted.
func (e *Engine) ProcessFeedback(ctx context.Context, feedback string) (bool, string, error) {
	e.guard.Audit("feedback_received", map[string]any{"feedback": truncate(feedback, feedbackTailCap)})

	analysis := e.AnalyzeUserFeedback(ctx, feedback)
	if !analysis.Actionable || analysis.ImprovementRequest == "" {
		e.guard.Audit("feedback_not_actionable", map[string]any{
			"category":    analysis.Category,
			"explanation": truncate(analysis.Explanation, feedbackTailCap),
		})
		explanation := analysis.Explanation
		if explanation == "" {
			explanation = "No action needed"
		}
		return false, fmt.Sprintf("Feedback noted (%s): %s", analysis.Category, explanation), nil
	}

	e.log.Info("feedback_actionable", "category", analysis.Category, "request", truncate(analysis.ImprovementRequest, 100))
	e.guard.Audit("feedback_actionable", map[string]any{
		"category": analysis.Category,
		"request":  truncate(analysis.ImprovementRequest, feedbackTailCap),
	})

	success, message, err := e.ImplementImprovement(ctx, analysis.ImprovementRequest)
	if err != nil {
		return false, "", err
	}
	return success, fmt.Sprintf("[%s] %s", analysis.Category, message), nil
}

// projectStructure lists up to 100 .go files under root for planning
// context, skipping VCS/build directories.
func (e *Engine) projectStructure() string {
	var lines []string
	_ = filepath.Walk(e.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if filepath.Ext(path) != ".go" {
			return nil
		}
		rel, relErr := filepath.Rel(e.root, path)
		if relErr != nil {
			return nil
		}
		for _, skip := range []string{".git", "vendor", "node_modules"} {
			if strings.Contains(rel, skip+string(filepath.Separator)) {
				return nil
			}
		}
		lines = append(lines, fmt.Sprintf("  %s (%d bytes)", rel, info.Size()))
		return nil
	})
	if len(lines) > 100 {
		lines = lines[:100]
	}
	return strings.Join(lines, "\n")
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

func parsePlan(response string) (Plan, error) {
	var plan Plan
	cleaned := stripFences(response)
	if err := json.Unmarshal([]byte(cleaned), &plan); err == nil {
		return plan, nil
	}
	extracted, ok := extractJSONObject(response)
	if !ok {
		return Plan{}, fmt.Errorf("could not parse LLM response as JSON")
	}
	if err := json.Unmarshal([]byte(extracted), &plan); err != nil {
		return Plan{}, fmt.Errorf("could not parse extracted JSON: %w", err)
	}
	return plan, nil
}

// stripFences removes a leading/trailing markdown code fence, tolerating
// models that wrap JSON in ```...``` blocks.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}
	rest := strings.TrimSpace(strings.Join(lines, "\n"))
	rest = strings.TrimSuffix(rest, "```")
	return strings.TrimSpace(rest)
}

func extractJSONObject(text string) (string, bool) {
	match := jsonObjectPattern.FindString(text)
	if match == "" {
		return "", false
	}
	return match, true
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
