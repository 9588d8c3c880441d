package restart

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SentinelFilename is the name of the restart sentinel file.
const SentinelFilename = "restart-sentinel.json"

// RestartKind tags the kind of restart event recorded in a sentinel. This
// module only ever restarts itself as a single process, so there is a
// single kind; the type stays distinct from a bare string so a payload
// can't be constructed with an arbitrary value.
type RestartKind string

// KindRestart is the process restarting, either after a clean shutdown
// signal or because the Safety Guard's restart rate limit refused a
// startup.
const KindRestart RestartKind = "restart"

// RestartStatus represents the outcome of a restart event.
type RestartStatus string

const (
	StatusOK      RestartStatus = "ok"
	StatusSkipped RestartStatus = "skipped"
)

// SentinelPayload is the restart event persisted between process runs.
type SentinelPayload struct {
	Kind    RestartKind   `json:"kind"`
	Status  RestartStatus `json:"status"`
	Ts      int64         `json:"ts"`
	Message *string       `json:"message,omitempty"`
}

// Sentinel is the versioned wrapper for restart sentinel data.
type Sentinel struct {
	Version int             `json:"version"`
	Payload SentinelPayload `json:"payload"`
}

func resolveSentinelPath(stateDir string) string {
	return filepath.Join(stateDir, SentinelFilename)
}

// WriteSentinel writes a restart sentinel to the state directory.
func WriteSentinel(stateDir string, payload SentinelPayload) error {
	sentinelPath := resolveSentinelPath(stateDir)

	if err := os.MkdirAll(filepath.Dir(sentinelPath), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	sentinel := Sentinel{
		Version: 1,
		Payload: payload,
	}

	data, err := json.MarshalIndent(sentinel, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sentinel: %w", err)
	}

	data = append(data, '\n')
	if err := os.WriteFile(sentinelPath, data, 0644); err != nil {
		return fmt.Errorf("write sentinel: %w", err)
	}

	return nil
}

// readSentinel reads and validates a restart sentinel from the state
// directory. Returns nil if the file doesn't exist or is invalid. Invalid
// files are deleted.
func readSentinel(stateDir string) (*Sentinel, error) {
	sentinelPath := resolveSentinelPath(stateDir)

	data, err := os.ReadFile(sentinelPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sentinel: %w", err)
	}

	var sentinel Sentinel
	if err := json.Unmarshal(data, &sentinel); err != nil {
		_ = os.Remove(sentinelPath)
		return nil, nil
	}

	if sentinel.Version != 1 {
		_ = os.Remove(sentinelPath)
		return nil, nil
	}

	return &sentinel, nil
}

// ConsumeSentinel reads and then deletes the restart sentinel.
// Returns nil if the file doesn't exist or is invalid.
func ConsumeSentinel(stateDir string) (*Sentinel, error) {
	sentinel, err := readSentinel(stateDir)
	if err != nil {
		return nil, err
	}
	if sentinel == nil {
		return nil, nil
	}

	_ = os.Remove(resolveSentinelPath(stateDir))

	return sentinel, nil
}

// Summarize creates a short human-readable summary of a sentinel payload.
func Summarize(payload SentinelPayload) string {
	return fmt.Sprintf("process restart %s %s", payload.Kind, payload.Status)
}
