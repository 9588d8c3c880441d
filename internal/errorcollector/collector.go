// Package errorcollector is a bounded, fire-and-forget sink for runtime tool
// execution errors. The Orchestrator Loop writes to it; a learner (out of
// scope here) reads it back as a signal for self-improvement requests.
package errorcollector

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// MaxEntries bounds the on-disk log; Record prunes back down to MaxEntries
// once the file grows past 1.5x that cap.
const (
	MaxEntries        = 500
	pruneThreshold     = 1.5
	errorTextCap       = 500
	argsPreviewCap     = 200
	errorSummaryPrefix = 100
	topErrorsLimit     = 10
)

// Entry is one JSONL record in the error log.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	Tool        string    `json:"tool"`
	Error       string    `json:"error"`
	ArgsPreview string    `json:"args_preview"`
	UserID      string    `json:"user_id"`
	Channel     string    `json:"channel"`
}

// Summary aggregates the recent error log for quick inspection.
type Summary struct {
	Total        int                  `json:"total"`
	CountsByTool map[string]int       `json:"counts_by_tool"`
	TopErrors    []SummaryErrorCount `json:"top_errors_by_frequency"`
}

// SummaryErrorCount is one entry of Summary.TopErrors.
type SummaryErrorCount struct {
	Error string `json:"error"`
	Count int    `json:"count"`
}

// Collector is a bounded JSONL sink guarded by a mutex for the append+prune
// critical section. It never raises on I/O failure — a write failure is
// logged and swallowed, since a missed error record should never itself
// take down the caller.
type Collector struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

// New returns a Collector writing to path. The parent directory is created
// lazily on first write, not at construction.
func New(path string, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{path: path, log: logger}
}

// RecordToolError appends one entry. Errors are truncated to errorTextCap and
// argument previews to argsPreviewCap before being written, mirroring the
// bounds already applied by the Orchestrator Loop's own preview truncation.
func (c *Collector) RecordToolError(ctx context.Context, toolName, errorText, argsPreview, userID, channel string) {
	entry := Entry{
		Timestamp:   time.Now(),
		Tool:        toolName,
		Error:       truncate(errorText, errorTextCap),
		ArgsPreview: truncate(argsPreview, argsPreviewCap),
		UserID:      userID,
		Channel:     channel,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.append(entry); err != nil {
		c.log.Error("error_collector_write_failed", "error", err)
		return
	}
	if err := c.pruneIfNeeded(); err != nil {
		c.log.Error("error_collector_prune_failed", "error", err)
	}
}

func (c *Collector) append(entry Entry) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("errorcollector: create directory: %w", err)
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("errorcollector: open log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("errorcollector: marshal entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("errorcollector: write entry: %w", err)
	}
	return nil
}

func (c *Collector) pruneIfNeeded() error {
	lines, err := c.readLines()
	if err != nil {
		return err
	}
	if float64(len(lines)) <= MaxEntries*pruneThreshold {
		return nil
	}
	kept := lines[len(lines)-MaxEntries:]
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(joinLines(kept)), 0o644); err != nil {
		return fmt.Errorf("errorcollector: write pruned log: %w", err)
	}
	return os.Rename(tmp, c.path)
}

// ReadRecent returns the last limit entries, oldest first. A missing file or
// a read failure returns an empty slice rather than an error.
func (c *Collector) ReadRecent(limit int) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines, err := c.readLines()
	if err != nil {
		return nil
	}
	if limit > 0 && limit < len(lines) {
		lines = lines[len(lines)-limit:]
	}

	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if json.Unmarshal([]byte(line), &e) != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// Summarize builds a Summary over the 200 most recent entries.
func (c *Collector) Summarize() Summary {
	entries := c.ReadRecent(200)
	byTool := make(map[string]int)
	byMessage := make(map[string]int)
	for _, e := range entries {
		byTool[e.Tool]++
		byMessage[truncate(e.Error, errorSummaryPrefix)]++
	}

	type count struct {
		msg string
		n   int
	}
	counts := make([]count, 0, len(byMessage))
	for msg, n := range byMessage {
		counts = append(counts, count{msg, n})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].n != counts[j].n {
			return counts[i].n > counts[j].n
		}
		return counts[i].msg < counts[j].msg
	})
	if len(counts) > topErrorsLimit {
		counts = counts[:topErrorsLimit]
	}

	top := make([]SummaryErrorCount, 0, len(counts))
	for _, c := range counts {
		top = append(top, SummaryErrorCount{Error: c.msg, Count: c.n})
	}

	return Summary{Total: len(entries), CountsByTool: byTool, TopErrors: top}
}

func (c *Collector) readLines() ([]string, error) {
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("errorcollector: open log: %w", err)
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
	return lines, scanner.Err()
}

func joinLines(lines []string) string {
	out := make([]byte, 0, len(lines)*64)
	for _, l := range lines {
		out = append(out, l...)
		out = append(out, '\n')
	}
	return string(out)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
