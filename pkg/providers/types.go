// Package providers defines the types shared by the concrete LLM provider
// adapters and the gateway that routes between them.
package providers

import (
	"errors"
	"fmt"
	"time"
)

// Message is one chat turn sent to a completion endpoint.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is a completed provider invocation. Fields not applicable to a
// provider are left zero: the bot provider has no token counts, the chat
// provider has no activity id.
type Result struct {
	Content   string `json:"content"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	LatencyMS int64  `json:"latency_ms"`

	// Chat provider only.
	TokenCount        int    `json:"token_count,omitempty"`
	ExecutionProvider string `json:"execution_provider,omitempty"`

	// Bot provider only.
	ActivityID string    `json:"activity_id,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// Error classes eligible for retry. Everything else fails immediately.
const (
	ClassConnection  = "connection"
	ClassTimeout     = "timeout"
	ClassConnRefused = "econnrefused"
	ClassTimedOut    = "etimedout"
	ClassFetchFailed = "fetch_failed"
	ClassHTTPStatus  = "http_status"
	ClassBadPayload  = "bad_payload"
	ClassNoResponse  = "no_response"
)

// ErrAllProvidersFailed is returned when both the primary and fallback chat
// endpoints failed for one invocation.
var ErrAllProvidersFailed = errors.New("all chat providers failed")

// Error is a categorized provider failure.
type Error struct {
	Class string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s failed (%s): %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether err is a transient provider failure worth
// retrying.
func Retryable(err error) bool {
	var perr *Error
	if !errors.As(err, &perr) {
		return false
	}
	switch perr.Class {
	case ClassConnection, ClassTimeout, ClassConnRefused, ClassTimedOut, ClassFetchFailed:
		return true
	}
	return false
}
