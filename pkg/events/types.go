// Package events provides ordered event delivery for build executions:
// an in-memory per-channel log with catch-up, plus WebSocket fan-out.
//
// Every event an execution produces is appended to its session channel in
// generation order and delivered to subscribers in that order. Late
// subscribers receive the backlog via catch-up before any live event.
package events

import "time"

// Orchestration event types. These are the wire values clients switch on.
const (
	EventSandboxCreating        = "sandbox_creating"
	EventSandboxCreated         = "sandbox_created"
	EventSandboxFailed          = "sandbox_failed"
	EventPlanningStart          = "planning_start"
	EventPlanningComplete       = "planning_complete"
	EventPlanningFailed         = "planning_failed"
	EventBuildingStart          = "building_start"
	EventBuildingComplete       = "building_complete"
	EventBuildingFailed         = "building_failed"
	EventSnapshotCreated        = "snapshot_created"
	EventInstallingDependencies = "installing_dependencies"
	EventBuildErrors            = "build_errors"
	EventFixingStart            = "fixing_start"
	EventFixingComplete         = "fixing_complete"
	EventFixingFailed           = "fixing_failed"
	EventStateChange            = "state_change"
	EventExecutionComplete      = "execution_complete"
	EventExecutionFailed        = "execution_failed"
	EventExecutionTimeout       = "execution_timeout"
)

// Event is an immutable record appended to an execution's event log.
type Event struct {
	Type        string         `json:"type"`
	TimestampMS int64          `json:"timestamp_ms"`
	Data        map[string]any `json:"data,omitempty"`
}

// New creates an event stamped with the current time.
func New(eventType string, data map[string]any) Event {
	return Event{
		Type:        eventType,
		TimestampMS: time.Now().UnixMilli(),
		Data:        data,
	}
}

// SessionChannel returns the channel name for a session's events.
// Format: "session:{session_id}"
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // Channel name (e.g., "session:abc-123")
	LastEventID *int   `json:"last_event_id,omitempty"` // For catchup
}
