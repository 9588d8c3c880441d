// Package orchestrator drives the iterative tool-call cycle: building a
// request from recalled context and tool schemas, dispatching tool calls,
// sanitizing the model's final reply, and chunking it for delivery.
package orchestrator

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fencedJSONObjectRe = regexp.MustCompile(`(?s)` + "```" + `(?:json|jsonc|JSON)?\s*\n?\{.*?\}\s*\n?` + "```")
	fencedJSONArrayRe  = regexp.MustCompile(`(?s)` + "```" + `(?:json|jsonc|JSON)?\s*\n?\[.*?\]\s*\n?` + "```")
	bareJSONObjectRe   = regexp.MustCompile(`(?ms)^[ \t]*\{.*?"[^"]+"\s*:.*?\}[ \t]*$`)
	toolOutputLabelRe  = regexp.MustCompile(`(?mi)^[ \t]*(?:Tool (?:output|result|response)|Function (?:output|result|response))[ \t]*[:=].*$`)
	multiBlankRe       = regexp.MustCompile(`\n{3,}`)
)

// Sanitize removes structured data leaking through the text channel: fenced
// JSON code blocks, bare JSON objects/arrays that occupy whole lines, and
// tool/function output labels. It is pure and idempotent; prose braces like
// "{name}" survive because the candidate must actually round-trip through
// json.Unmarshal to be removed.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}
	text = stripFencedJSON(text)
	text = stripBareJSONObjects(text)
	text = stripToolOutputLabels(text)
	return collapseBlankRuns(text)
}

func stripFencedJSON(text string) string {
	text = fencedJSONObjectRe.ReplaceAllString(text, "")
	text = fencedJSONArrayRe.ReplaceAllString(text, "")
	return text
}

func stripBareJSONObjects(text string) string {
	return bareJSONObjectRe.ReplaceAllStringFunc(text, func(candidate string) string {
		if looksLikeJSON(candidate) {
			return ""
		}
		return candidate
	})
}

func stripToolOutputLabels(text string) string {
	return toolOutputLabelRe.ReplaceAllString(text, "")
}

func collapseBlankRuns(text string) string {
	text = multiBlankRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func looksLikeJSON(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return false
	}
	var v any
	return json.Unmarshal([]byte(trimmed), &v) == nil
}

// UnwrapResponseField handles a legacy format robustness case: if text is
// itself a JSON object carrying a top-level "response" string field, that
// field's value is returned instead.
func UnwrapResponseField(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || trimmed[0] != '{' {
		return text
	}
	var decoded struct {
		Response *string `json:"response"`
	}
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil || decoded.Response == nil {
		return text
	}
	return *decoded.Response
}

// Chunk splits text into pieces no longer than limit, preferring paragraph
// (double-newline) boundaries and greedily packing whole paragraphs. A
// paragraph longer than limit by itself is hard-split at limit boundaries.
// Empty input returns an empty slice.
func Chunk(text string, limit int) []string {
	if text == "" {
		return []string{}
	}
	if len(text) <= limit {
		return []string{text}
	}

	paragraphs := strings.Split(text, "\n\n")
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, para := range paragraphs {
		if len(para) > limit {
			flush()
			chunks = append(chunks, hardSplit(para, limit)...)
			continue
		}
		candidateLen := len(para)
		if current.Len() > 0 {
			candidateLen += current.Len() + 2
		}
		if candidateLen > limit {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return chunks
}

func hardSplit(text string, limit int) []string {
	var out []string
	for len(text) > limit {
		out = append(out, text[:limit])
		text = text[limit:]
	}
	if len(text) > 0 {
		out = append(out, text)
	}
	return out
}
