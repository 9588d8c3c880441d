package orchestrator

import (
	"strings"
	"testing"
)

func TestSanitize_StripsFencedJSONBlock(t *testing.T) {
	text := "Here is your answer.\n```json\n{\"result\": 42}\n```\nThanks!"
	got := Sanitize(text)
	if strings.Contains(got, "result") {
		t.Fatalf("expected fenced JSON block stripped, got %q", got)
	}
	if !strings.Contains(got, "Here is your answer.") || !strings.Contains(got, "Thanks!") {
		t.Fatalf("expected prose preserved, got %q", got)
	}
}

func TestSanitize_StripsBareJSONObjectLine(t *testing.T) {
	text := "Summary:\n{\"status\": \"ok\", \"count\": 3}\nDone."
	got := Sanitize(text)
	if strings.Contains(got, "\"status\"") {
		t.Fatalf("expected bare JSON object stripped, got %q", got)
	}
}

func TestSanitize_PreservesPromptPlaceholderBraces(t *testing.T) {
	text := "Hello {name}, welcome back."
	got := Sanitize(text)
	if got != text {
		t.Fatalf("expected placeholder braces preserved untouched, got %q", got)
	}
}

func TestSanitize_StripsToolOutputLabels(t *testing.T) {
	text := "Tool output: {\"x\": 1}\nHere's what I found."
	got := Sanitize(text)
	if strings.Contains(got, "Tool output") {
		t.Fatalf("expected tool output label stripped, got %q", got)
	}
}

func TestSanitize_CollapsesExcessiveBlankLines(t *testing.T) {
	text := "one\n\n\n\n\ntwo"
	got := Sanitize(text)
	if strings.Contains(got, "\n\n\n") {
		t.Fatalf("expected runs of 3+ newlines collapsed, got %q", got)
	}
}

func TestSanitize_EmptyInput(t *testing.T) {
	if got := Sanitize(""); got != "" {
		t.Fatalf("expected empty output for empty input, got %q", got)
	}
}

func TestUnwrapResponseField_UnwrapsWhenPresent(t *testing.T) {
	text := `{"response": "hello there"}`
	if got := UnwrapResponseField(text); got != "hello there" {
		t.Fatalf("expected unwrapped response field, got %q", got)
	}
}

func TestUnwrapResponseField_LeavesPlainTextAlone(t *testing.T) {
	text := "just a normal reply"
	if got := UnwrapResponseField(text); got != text {
		t.Fatalf("expected plain text unchanged, got %q", got)
	}
}

func TestChunk_ShortMessageNoSplit(t *testing.T) {
	got := Chunk("Hello world", 4000)
	if len(got) != 1 || got[0] != "Hello world" {
		t.Fatalf("expected single chunk, got %v", got)
	}
}

func TestChunk_EmptyMessage(t *testing.T) {
	got := Chunk("", 4000)
	if len(got) != 0 {
		t.Fatalf("expected an empty slice, got %v", got)
	}
}

func TestChunk_ExactLimitNoSplit(t *testing.T) {
	text := strings.Repeat("x", 4000)
	got := Chunk(text, 4000)
	if len(got) != 1 {
		t.Fatalf("expected exactly one chunk at the limit, got %d", len(got))
	}
}

func TestChunk_SplitsOnParagraphBoundary(t *testing.T) {
	para1 := strings.Repeat("A", 2000)
	para2 := strings.Repeat("B", 2000)
	para3 := strings.Repeat("C", 2000)
	text := strings.Join([]string{para1, para2, para3}, "\n\n")
	got := Chunk(text, 4100)
	if len(got) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(got))
	}
	for _, chunk := range got {
		if len(chunk) > 4100 {
			t.Fatalf("chunk exceeded limit: %d", len(chunk))
		}
	}
}

func TestChunk_HardSplitsLongParagraph(t *testing.T) {
	text := strings.Repeat("X", 10000)
	got := Chunk(text, 4000)
	if len(got) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d", len(got))
	}
	for _, chunk := range got {
		if len(chunk) > 4000 {
			t.Fatalf("chunk exceeded limit: %d", len(chunk))
		}
	}
}

func TestChunk_PreservesContent(t *testing.T) {
	para1 := "First paragraph with content."
	para2 := "Second paragraph with more content."
	para3 := "Third paragraph."
	text := strings.Join([]string{para1, para2, para3}, "\n\n")
	got := Chunk(text, 100)
	joined := strings.Join(got, "\n\n")
	for _, para := range []string{para1, para2, para3} {
		if !strings.Contains(joined, para) {
			t.Fatalf("expected %q preserved in chunked output", para)
		}
	}
}

func TestChunk_SingleParagraphUnderLimit(t *testing.T) {
	text := "Just one paragraph that fits."
	got := Chunk(text, 100)
	if len(got) != 1 || got[0] != text {
		t.Fatalf("expected the whole text as one chunk, got %v", got)
	}
}
