package evolution

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mira-labs/koda/internal/llm"
)

type stubRouter struct {
	responses []string
	errs      []error
	calls     int
}

func (r *stubRouter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	idx := r.calls
	r.calls++
	if idx < len(r.errs) && r.errs[idx] != nil {
		return nil, r.errs[idx]
	}
	content := ""
	if idx < len(r.responses) {
		content = r.responses[idx]
	}
	return &llm.Response{Content: content}, nil
}

type stubGuard struct {
	stashed       bool
	commits       []string
	pushed        bool
	resetCalls    int
	testsPassed   bool
	testsOutput   string
	auditRecords  []string
}

func (g *stubGuard) Audit(action string, details map[string]any) {
	g.auditRecords = append(g.auditRecords, action)
}
func (g *stubGuard) GitStash(ctx context.Context, message string) bool { g.stashed = true; return true }
func (g *stubGuard) GitStashPop(ctx context.Context) error             { return nil }
func (g *stubGuard) GitCommit(ctx context.Context, message string) error {
	g.commits = append(g.commits, message)
	return nil
}
func (g *stubGuard) GitPush(ctx context.Context) error { g.pushed = true; return nil }
func (g *stubGuard) GitResetHard(ctx context.Context) error {
	g.resetCalls++
	return nil
}
func (g *stubGuard) RunTests(ctx context.Context, timeout time.Duration) (bool, string) {
	return g.testsPassed, g.testsOutput
}

func planJSON(t *testing.T, plan Plan) string {
	t.Helper()
	data, err := json.Marshal(plan)
	if err != nil {
		t.Fatalf("marshal plan: %v", err)
	}
	return string(data)
}

func TestImplementImprovement_RejectsEmptyChanges(t *testing.T) {
	router := &stubRouter{responses: []string{planJSON(t, Plan{Summary: "nothing to do"})}}
	guard := &stubGuard{}
	e := New(router, guard, t.TempDir(), "", nil)

	success, msg, err := e.ImplementImprovement(context.Background(), "do nothing useful")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if success {
		t.Fatalf("expected rejection for an empty-changes plan")
	}
	if msg == "" {
		t.Fatalf("expected a rejection message")
	}
}

func TestImplementImprovement_RejectsHighRiskPlan(t *testing.T) {
	plan := Plan{
		Summary: "risky change",
		Risk:    "high",
		Changes: []Change{{Action: "create", File: "x.go", Content: "package x"}},
	}
	router := &stubRouter{responses: []string{planJSON(t, plan)}}
	guard := &stubGuard{}
	e := New(router, guard, t.TempDir(), "", nil)

	success, msg, err := e.ImplementImprovement(context.Background(), "do something risky")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if success {
		t.Fatalf("expected high-risk plan to be rejected")
	}
	if msg == "" {
		t.Fatalf("expected a rejection message")
	}
}

func TestImplementImprovement_AppliesCreateThenCommitsOnPassingTests(t *testing.T) {
	root := t.TempDir()
	plan := Plan{
		Summary: "add a helper",
		Risk:    "low",
		Changes: []Change{{Action: "create", File: "pkg/helper.go", Content: "package pkg\n"}},
	}
	router := &stubRouter{responses: []string{planJSON(t, plan)}}
	guard := &stubGuard{testsPassed: true}
	e := New(router, guard, root, "", nil)

	success, _, err := e.ImplementImprovement(context.Background(), "add a helper function")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !success {
		t.Fatalf("expected success when tests pass")
	}
	if !guard.pushed || len(guard.commits) != 1 {
		t.Fatalf("expected exactly one commit and a push, got commits=%v pushed=%v", guard.commits, guard.pushed)
	}

	content, readErr := os.ReadFile(filepath.Join(root, "pkg/helper.go"))
	if readErr != nil {
		t.Fatalf("expected created file to exist: %v", readErr)
	}
	if string(content) != "package pkg\n" {
		t.Fatalf("unexpected file content: %q", content)
	}
}

func TestImplementImprovement_RollsBackOnFailingTests(t *testing.T) {
	root := t.TempDir()
	plan := Plan{
		Summary: "add a helper",
		Risk:    "low",
		Changes: []Change{{Action: "create", File: "pkg/helper.go", Content: "package pkg\n"}},
	}
	router := &stubRouter{responses: []string{planJSON(t, plan)}}
	guard := &stubGuard{testsPassed: false, testsOutput: "FAIL: something broke"}
	e := New(router, guard, root, "", nil)

	success, msg, err := e.ImplementImprovement(context.Background(), "add a helper function")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if success {
		t.Fatalf("expected failure when tests fail")
	}
	if guard.resetCalls != 1 {
		t.Fatalf("expected exactly one hard reset on test failure, got %d", guard.resetCalls)
	}
	if len(guard.commits) != 0 || guard.pushed {
		t.Fatalf("expected no commit or push on test failure")
	}
	if msg == "" {
		t.Fatalf("expected a rollback message")
	}
}

func TestImplementImprovement_ParsesFencedJSONPlan(t *testing.T) {
	plan := Plan{Summary: "noop", Risk: "low", Changes: []Change{{Action: "create", File: "a.go", Content: "package a"}}}
	fenced := "```json\n" + planJSON(t, plan) + "\n```"
	router := &stubRouter{responses: []string{fenced}}
	guard := &stubGuard{testsPassed: true}
	e := New(router, guard, t.TempDir(), "", nil)

	success, _, err := e.ImplementImprovement(context.Background(), "noop request")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !success {
		t.Fatalf("expected fenced JSON plan to parse and succeed")
	}
}

func TestImplementImprovement_ExtractsJSONFromSurroundingProse(t *testing.T) {
	plan := Plan{Summary: "noop", Risk: "low", Changes: []Change{{Action: "create", File: "a.go", Content: "package a"}}}
	wrapped := "Sure thing, here's the plan:\n" + planJSON(t, plan) + "\nLet me know if you need anything else."
	router := &stubRouter{responses: []string{wrapped}}
	guard := &stubGuard{testsPassed: true}
	e := New(router, guard, t.TempDir(), "", nil)

	success, _, err := e.ImplementImprovement(context.Background(), "noop request")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !success {
		t.Fatalf("expected JSON embedded in prose to be extracted and parsed")
	}
}

func TestImplementImprovement_UnparsableResponseIsTreatedAsHighRisk(t *testing.T) {
	router := &stubRouter{responses: []string{"not json at all"}}
	guard := &stubGuard{}
	e := New(router, guard, t.TempDir(), "", nil)

	success, msg, err := e.ImplementImprovement(context.Background(), "request")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if success {
		t.Fatalf("expected an unparsable plan to be rejected")
	}
	if msg == "" {
		t.Fatalf("expected a rejection message")
	}
}

func TestReplaceUniqueOccurrence_RefusesAmbiguousMatch(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "dup.go")
	if err := os.WriteFile(target, []byte("foo\nfoo\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	plan := Plan{
		Summary: "modify duplicate anchor",
		Risk:    "low",
		Changes: []Change{{Action: "modify", File: "dup.go", OldText: "foo", NewText: "bar"}},
	}
	router := &stubRouter{responses: []string{planJSON(t, plan)}}
	guard := &stubGuard{testsPassed: true}
	e := New(router, guard, root, "", nil)

	success, msg, err := e.ImplementImprovement(context.Background(), "modify the duplicate line")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !success {
		t.Fatalf("expected pipeline to still succeed even though the modify was skipped: %s", msg)
	}

	content, readErr := os.ReadFile(target)
	if readErr != nil {
		t.Fatalf("read back: %v", readErr)
	}
	if string(content) != "foo\nfoo\n" {
		t.Fatalf("expected ambiguous modify to be skipped, got %q", content)
	}
}

func TestReplaceUniqueOccurrence_AppliesUniqueMatch(t *testing.T) {
	patched, ok := replaceUniqueOccurrence("hello world", "world", "there")
	if !ok || patched != "hello there" {
		t.Fatalf("unexpected result: patched=%q ok=%v", patched, ok)
	}
}

func TestAnalyzeUserFeedback_ActionableFeatureRequest(t *testing.T) {
	fb := Feedback{Category: "feature", Actionable: true, ImprovementRequest: "add dark mode"}
	data, err := json.Marshal(fb)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	router := &stubRouter{responses: []string{string(data)}}
	guard := &stubGuard{}
	e := New(router, guard, t.TempDir(), "", nil)

	got := e.AnalyzeUserFeedback(context.Background(), "please add dark mode")
	if !got.Actionable || got.ImprovementRequest != "add dark mode" {
		t.Fatalf("unexpected feedback analysis: %+v", got)
	}
}

func TestProcessFeedback_NonActionableFeedbackSkipsImplementation(t *testing.T) {
	fb := Feedback{Category: "general", Actionable: false, Explanation: "just saying hi"}
	data, err := json.Marshal(fb)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	router := &stubRouter{responses: []string{string(data)}}
	guard := &stubGuard{}
	e := New(router, guard, t.TempDir(), "", nil)

	acted, msg, err := e.ProcessFeedback(context.Background(), "hi koda")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acted {
		t.Fatalf("expected non-actionable feedback to not trigger implementation")
	}
	if msg == "" {
		t.Fatalf("expected a noted-feedback message")
	}
	if router.calls != 1 {
		t.Fatalf("expected only the classification call, got %d router calls", router.calls)
	}
}

func TestAnalyzeErrorPatterns_SurfacesRecurringCrashes(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit_log.jsonl")

	lines := []string{
		`{"action":"process_crash","stderr_tail":"Error: nil pointer dereference"}`,
		`{"action":"process_crash","stderr_tail":"Error: nil pointer dereference"}`,
		`{"action":"process_crash","stderr_tail":"Error: disk full"}`,
		`{"action":"other_event"}`,
	}
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(auditPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write audit log: %v", err)
	}

	e := New(&stubRouter{}, &stubGuard{}, dir, auditPath, nil)
	patterns := e.AnalyzeErrorPatterns()
	if len(patterns) != 1 {
		t.Fatalf("expected exactly one recurring pattern, got %+v", patterns)
	}
	if patterns[0].Count != 2 || patterns[0].Signature != "Error: nil pointer dereference" {
		t.Fatalf("unexpected pattern: %+v", patterns[0])
	}
}
