package safety

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v: %s", args, err, out)
		}
	}
	run("init", "-q")
	run("config", "user.email", "koda@example.com")
	run("config", "user.name", "koda")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	return dir
}

func newTestGuard(t *testing.T, root string, opts ...Option) *Guard {
	t.Helper()
	g, err := New(root, filepath.Join(t.TempDir(), "state"), nil, opts...)
	if err != nil {
		t.Fatalf("unexpected error constructing guard: %v", err)
	}
	return g
}

func TestCrashSignature_PrefersLastErrorOrExceptionLine(t *testing.T) {
	errText := "panic: something broke\ngoroutine 1 [running]:\nmain.run()\n\tfoo.go:10\nruntime error: index out of range"
	sig := CrashSignature(errText)
	if sig != "runtime error: index out of range" {
		t.Fatalf("unexpected signature: %q", sig)
	}
}

func TestCrashSignature_FallsBackToLastNonEmptyLine(t *testing.T) {
	sig := CrashSignature("  some output  \n  final line of output  \n\n")
	if sig != "final line of output" {
		t.Fatalf("unexpected signature: %q", sig)
	}
}

func TestCrashSignature_EmptyInputIsUnknown(t *testing.T) {
	if CrashSignature("   \n\n") != "unknown_crash" {
		t.Fatalf("expected unknown_crash for blank input")
	}
}

func TestCrashSignature_TruncatesToCap(t *testing.T) {
	long := "Error: "
	for i := 0; i < 400; i++ {
		long += "x"
	}
	sig := CrashSignature(long)
	if len([]rune(sig)) != crashSignatureCap {
		t.Fatalf("expected signature capped at %d runes, got %d", crashSignatureCap, len([]rune(sig)))
	}
}

func TestGuard_RepairAttemptLimitsAndPersists(t *testing.T) {
	root := initRepo(t)
	stateDir := filepath.Join(t.TempDir(), "state")
	g, err := New(root, stateDir, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	errText := "Error: boom"
	for i := 0; i < MaxRepairAttempts; i++ {
		if !g.CanAttemptRepair(errText) {
			t.Fatalf("expected repair allowed on attempt %d", i)
		}
		g.RecordRepairAttempt(errText, false)
	}
	if g.CanAttemptRepair(errText) {
		t.Fatalf("expected repair attempts exhausted after %d failures", MaxRepairAttempts)
	}

	g2, err := New(root, stateDir, nil)
	if err != nil {
		t.Fatalf("unexpected error reloading guard: %v", err)
	}
	if g2.CanAttemptRepair(errText) {
		t.Fatalf("expected repair limit to persist across reload")
	}

	g2.ClearRepairCount(errText)
	if !g2.CanAttemptRepair(errText) {
		t.Fatalf("expected clearing repair count to re-allow repair attempts")
	}
}

func TestGuard_RestartRateLimit(t *testing.T) {
	now := time.Now()
	g := newTestGuard(t, t.TempDir(), WithClock(func() time.Time { return now }))

	for i := 0; i < MaxRestartsPerWindow; i++ {
		if !g.CanRestart() {
			t.Fatalf("expected restart allowed on attempt %d", i)
		}
		g.RecordRestart()
	}
	if g.CanRestart() {
		t.Fatalf("expected restart rate limit exceeded")
	}

	now = now.Add(RestartWindow + time.Second)
	if !g.CanRestart() {
		t.Fatalf("expected restart allowed again once the window has elapsed")
	}
}

func TestGuard_GitStashCommitRoundTrip(t *testing.T) {
	root := initRepo(t)
	g := newTestGuard(t, root)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("hello again\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if !g.GitStash(ctx, "pre-evolution-backup") {
		t.Fatalf("expected stash to report changes stashed")
	}
	if err := g.GitStashPop(ctx); err != nil {
		t.Fatalf("unexpected error popping stash: %v", err)
	}

	if err := g.GitCommit(ctx, "feat(evolution): test commit"); err != nil {
		t.Fatalf("unexpected error committing: %v", err)
	}

	diff := g.GitDiff(ctx)
	if diff != "" {
		t.Fatalf("expected a clean diff after commit, got %q", diff)
	}
}

func TestGuard_GitResetHardDiscardsChanges(t *testing.T) {
	root := initRepo(t)
	g := newTestGuard(t, root)
	ctx := context.Background()

	path := filepath.Join(root, "README.md")
	if err := os.WriteFile(path, []byte("corrupted\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := g.GitResetHard(ctx); err != nil {
		t.Fatalf("unexpected error resetting: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(contents) != "hello\n" {
		t.Fatalf("expected reset to restore original content, got %q", contents)
	}
}

func TestGuard_RunTestsReportsPassAndFail(t *testing.T) {
	root := t.TempDir()
	g := newTestGuard(t, root, WithTestCommand([]string{"true"}))
	passed, _ := g.RunTests(context.Background(), time.Second)
	if !passed {
		t.Fatalf("expected a passing test command to report passed=true")
	}

	gFail := newTestGuard(t, root, WithTestCommand([]string{"false"}))
	passed, _ = gFail.RunTests(context.Background(), time.Second)
	if passed {
		t.Fatalf("expected a failing test command to report passed=false")
	}
}

func TestGuard_ApplyPatchSafelyRejectsStaleContent(t *testing.T) {
	root := initRepo(t)
	g := newTestGuard(t, root, WithTestCommand([]string{"true"}))

	ok, msg := g.ApplyPatchSafely(context.Background(), "README.md", "not the real content\n", "patched\n", "fix: patch")
	if ok {
		t.Fatalf("expected stale-content guard to reject the patch")
	}
	if msg == "" {
		t.Fatalf("expected a rejection message")
	}
}

func TestGuard_ApplyPatchSafelyCommitsOnPassingTests(t *testing.T) {
	root := initRepo(t)
	g := newTestGuard(t, root, WithTestCommand([]string{"true"}))

	ok, _ := g.ApplyPatchSafely(context.Background(), "README.md", "hello\n", "hello patched\n", "fix: patch")
	if !ok {
		t.Fatalf("expected patch to succeed when tests pass")
	}

	contents, err := os.ReadFile(filepath.Join(root, "README.md"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(contents) != "hello patched\n" {
		t.Fatalf("expected patched content to persist, got %q", contents)
	}
}

func TestGuard_ApplyPatchSafelyRevertsOnFailingTests(t *testing.T) {
	root := initRepo(t)
	g := newTestGuard(t, root, WithTestCommand([]string{"false"}))

	ok, _ := g.ApplyPatchSafely(context.Background(), "README.md", "hello\n", "hello patched\n", "fix: patch")
	if ok {
		t.Fatalf("expected patch to be rejected when tests fail")
	}

	contents, err := os.ReadFile(filepath.Join(root, "README.md"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(contents) != "hello\n" {
		t.Fatalf("expected original content restored after failed tests, got %q", contents)
	}
}
