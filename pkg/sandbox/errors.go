package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

// Transport error categories. Every transport failure is classified into
// exactly one of these so callers can branch on cause without parsing text.
const (
	CategoryPermissionDenied = "permission_denied"
	CategoryTimeout          = "timeout"
	CategorySSHFailed        = "ssh_failed"
	CategoryEngineFailed     = "engine_failed"
)

// ErrQueueFull is returned when the container creation queue is at capacity.
var ErrQueueFull = errors.New("container creation queue is full")

// ErrNotFound is returned for operations on a session with no container.
var ErrNotFound = errors.New("no container for session")

// TransportError wraps a failed remote engine operation with its category.
type TransportError struct {
	Category string
	Op       string
	Output   string
	Err      error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("transport %s failed (%s)", e.Op, e.Category)
	if e.Output != "" {
		msg += ": " + strings.TrimSpace(e.Output)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// classifyEngineOutput maps remote command output to a transport category.
func classifyEngineOutput(output string) string {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "permission denied"):
		return CategoryPermissionDenied
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		return CategoryTimeout
	default:
		return CategoryEngineFailed
	}
}

// warningsOnly reports whether stderr consists solely of warning lines.
// Engines routinely emit WARNING lines on success (e.g. about storage
// drivers); those are informational.
func warningsOnly(stderr string) bool {
	trimmed := strings.TrimSpace(stderr)
	if trimmed == "" {
		return true
	}
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(strings.ToUpper(line), "WARNING") {
			return false
		}
	}
	return true
}
