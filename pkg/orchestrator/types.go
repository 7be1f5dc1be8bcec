package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/forgeworks/forgeloop/pkg/events"
	"github.com/forgeworks/forgeloop/pkg/sandbox"
)

// State is the execution lifecycle state.
type State string

const (
	StateIdle     State = "IDLE"
	StatePlanning State = "PLANNING"
	StateBuilding State = "BUILDING"
	StateTesting  State = "TESTING"
	StateFixing   State = "FIXING"
	StateSuccess  State = "SUCCESS"
	StateFailed   State = "FAILED"
	StateTimeout  State = "TIMEOUT"
)

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateTimeout
}

// AgentResult is the artifact returned by one agent invocation.
type AgentResult struct {
	Content    string
	TokenCount int
	Model      string
}

// Agent is a callable capability that turns a prompt (and optionally an
// approved plan) into a text artifact. Implementations wrap the gateway.
type Agent interface {
	Invoke(ctx context.Context, prompt, plan string) (AgentResult, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, prompt, plan string) (AgentResult, error)

func (f AgentFunc) Invoke(ctx context.Context, prompt, plan string) (AgentResult, error) {
	return f(ctx, prompt, plan)
}

// AgentSet is the trio of capabilities an execution needs.
type AgentSet struct {
	Planner Agent
	Builder Agent
	Fixer   Agent
}

// Iteration is one Build→Test attempt within the build loop.
type Iteration struct {
	Number    int           `json:"number"`
	State     string        `json:"state"` // "success" or "failed"
	Code      string        `json:"code"`
	Errors    []string      `json:"errors,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Options tune one execution.
type Options struct {
	// OnEvent, when set, receives every event in generation order. The
	// reference is held only for the execution's lifetime and cleared on
	// cleanup.
	OnEvent func(events.Event)
}

// Execution is the per-session workflow run. All mutation happens on the
// single workflow goroutine or under mu.
type Execution struct {
	SessionID string
	Prompt    string

	mu         sync.Mutex
	state      State
	plan       string
	code       string
	iterations []Iteration
	snapshots  []sandbox.Snapshot
	errs       []string
	eventLog   []events.Event
	onEvent    func(events.Event)

	createdAt   time.Time
	completedAt time.Time

	cancel   context.CancelFunc
	timer    *time.Timer
	timedOut bool
	stopped  bool
}

// Status is the compact read-only projection of an execution.
type Status struct {
	SessionID        string        `json:"session_id"`
	State            State         `json:"state"`
	CurrentIteration int           `json:"current_iteration"`
	MaxIterations    int           `json:"max_iterations"`
	ErrorCount       int           `json:"error_count"`
	SnapshotCount    int           `json:"snapshot_count"`
	EventCount       int           `json:"event_count"`
	Duration         time.Duration `json:"duration"`
}

// Details is the full read-only projection of an execution.
type Details struct {
	SessionID  string             `json:"session_id"`
	State      State              `json:"state"`
	Plan       string             `json:"plan"`
	Code       string             `json:"code"`
	Iterations []Iteration        `json:"iterations"`
	Snapshots  []sandbox.Snapshot `json:"snapshots"`
	Errors     []string           `json:"errors"`
	Events     []events.Event     `json:"events"`
	Duration   time.Duration      `json:"duration"`
}

// StopResult reports a clean cancellation.
type StopResult struct {
	OK       bool          `json:"ok"`
	Duration time.Duration `json:"duration"`
}

// State returns the current lifecycle state.
func (e *Execution) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Execution) duration() time.Duration {
	if !e.completedAt.IsZero() {
		return e.completedAt.Sub(e.createdAt)
	}
	return time.Since(e.createdAt)
}

// status builds the compact projection. Caller must not hold mu.
func (e *Execution) statusSnapshot(maxIterations int) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		SessionID:        e.SessionID,
		State:            e.state,
		CurrentIteration: len(e.iterations),
		MaxIterations:    maxIterations,
		ErrorCount:       len(e.errs),
		SnapshotCount:    len(e.snapshots),
		EventCount:       len(e.eventLog),
		Duration:         e.duration(),
	}
}

// detailsSnapshot builds the full projection. Caller must not hold mu.
func (e *Execution) detailsSnapshot() Details {
	e.mu.Lock()
	defer e.mu.Unlock()

	iterations := make([]Iteration, len(e.iterations))
	copy(iterations, e.iterations)
	snapshots := make([]sandbox.Snapshot, len(e.snapshots))
	copy(snapshots, e.snapshots)
	errs := make([]string, len(e.errs))
	copy(errs, e.errs)
	eventLog := make([]events.Event, len(e.eventLog))
	copy(eventLog, e.eventLog)

	return Details{
		SessionID:  e.SessionID,
		State:      e.state,
		Plan:       e.plan,
		Code:       e.code,
		Iterations: iterations,
		Snapshots:  snapshots,
		Errors:     errs,
		Events:     eventLog,
		Duration:   e.duration(),
	}
}
