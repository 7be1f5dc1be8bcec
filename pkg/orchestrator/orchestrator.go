// Package orchestrator runs the per-session build workflow: plan once,
// then loop build, test and fix inside a remote sandbox until the code
// validates or the iteration budget runs out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgeworks/forgeloop/pkg/config"
	"github.com/forgeworks/forgeloop/pkg/events"
	"github.com/forgeworks/forgeloop/pkg/sandbox"
	"github.com/forgeworks/forgeloop/pkg/session"
)

// ErrAlreadyRunning is returned by Start when the session has a live
// execution.
var ErrAlreadyRunning = errors.New("execution already running for session")

// ErrNotFound is returned for operations on sessions with no execution.
var ErrNotFound = errors.New("no execution for session")

// Sandbox is the container surface the workflow needs. Implemented by
// sandbox.Manager.
type Sandbox interface {
	CreateContainer(ctx context.Context, sessionID string) (*sandbox.Container, error)
	WriteFile(ctx context.Context, sessionID, path, content string) error
	CreateSnapshot(ctx context.Context, sessionID string) (sandbox.Snapshot, error)
	TestCode(ctx context.Context, sessionID string, notify sandbox.TestNotify) (sandbox.TestResult, error)
	DestroyContainer(ctx context.Context, sessionID, reason string) (sandbox.DestroyResult, error)
}

// Orchestrator owns all executions in the process. One execution may run
// per session at a time.
type Orchestrator struct {
	cfg       *config.OrchestratorConfig
	sandbox   Sandbox
	sessions  *session.Store
	publisher *events.Publisher

	mu         sync.Mutex
	executions map[string]*Execution

	// accepting is cleared during shutdown so no new work starts.
	accepting bool
}

// New creates an Orchestrator. publisher may be nil; events then reach only
// the per-execution callback.
func New(cfg *config.OrchestratorConfig, sb Sandbox, sessions *session.Store, publisher *events.Publisher) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		sandbox:    sb,
		sessions:   sessions,
		publisher:  publisher,
		executions: make(map[string]*Execution),
		accepting:  true,
	}
}

// Start launches the workflow for a session. It returns immediately with
// the execution handle; the workflow runs on its own goroutine under the
// orchestration timeout.
func (o *Orchestrator) Start(sessionID, prompt string, agents AgentSet, opts Options) (*Execution, error) {
	o.mu.Lock()
	if !o.accepting {
		o.mu.Unlock()
		return nil, errors.New("orchestrator is shutting down")
	}
	if existing, ok := o.executions[sessionID]; ok && !existing.State().Terminal() {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, sessionID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	exec := &Execution{
		SessionID: sessionID,
		Prompt:    prompt,
		state:     StateIdle,
		onEvent:   opts.OnEvent,
		createdAt: time.Now(),
		cancel:    cancel,
	}
	exec.timer = time.AfterFunc(o.cfg.MaxOrchestrationTime, func() {
		exec.mu.Lock()
		exec.timedOut = true
		exec.mu.Unlock()
		cancel()
	})
	o.executions[sessionID] = exec
	o.mu.Unlock()

	if o.sessions != nil {
		o.sessions.AppendMessage(sessionID, session.RoleUser, prompt)
	}

	go o.run(ctx, exec, agents)
	return exec, nil
}

// Status returns the compact projection for a session's execution.
func (o *Orchestrator) Status(sessionID string) (Status, error) {
	exec, err := o.get(sessionID)
	if err != nil {
		return Status{}, err
	}
	return exec.statusSnapshot(o.cfg.MaxIterations), nil
}

// Details returns the full projection for a session's execution.
func (o *Orchestrator) Details(sessionID string) (Details, error) {
	exec, err := o.get(sessionID)
	if err != nil {
		return Details{}, err
	}
	return exec.detailsSnapshot(), nil
}

// Stop cleanly cancels a session's execution: the timer is disarmed, the
// sandbox destroyed and the execution marked FAILED. Stopping an already
// terminal execution only reports its duration.
func (o *Orchestrator) Stop(ctx context.Context, sessionID, reason string) (StopResult, error) {
	exec, err := o.get(sessionID)
	if err != nil {
		return StopResult{}, err
	}

	exec.mu.Lock()
	alreadyTerminal := exec.state.Terminal()
	if !alreadyTerminal {
		exec.stopped = true
	}
	exec.mu.Unlock()

	if alreadyTerminal {
		return StopResult{OK: true, Duration: exec.duration()}, nil
	}

	exec.timer.Stop()
	exec.cancel()

	if _, err := o.sandbox.DestroyContainer(ctx, sessionID, reason); err != nil {
		exec.recordError(fmt.Sprintf("sandbox teardown: %v", err))
	}

	o.transition(exec, StateFailed)
	o.emit(exec, events.EventExecutionFailed, map[string]any{"reason": reason})
	exec.mu.Lock()
	exec.completedAt = time.Now()
	exec.mu.Unlock()

	return StopResult{OK: true, Duration: exec.duration()}, nil
}

// StopAll stops every non-terminal execution. Used during shutdown, after
// StopAccepting.
func (o *Orchestrator) StopAll(ctx context.Context, reason string) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.executions))
	for id, exec := range o.executions {
		if !exec.State().Terminal() {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()

	for _, id := range ids {
		if _, err := o.Stop(ctx, id, reason); err != nil {
			slog.Warn("Failed to stop execution", "session_id", id, "error", err)
		}
	}
}

// Cleanup releases all resources held for a session. Idempotent; cleaning
// up an unknown or already cleaned session is a no-op.
func (o *Orchestrator) Cleanup(ctx context.Context, sessionID string) {
	o.mu.Lock()
	exec, ok := o.executions[sessionID]
	if ok {
		delete(o.executions, sessionID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	exec.timer.Stop()
	exec.cancel()
	_, _ = o.sandbox.DestroyContainer(ctx, sessionID, "cleanup")

	// The event callback is borrowed from the caller; drop it here.
	exec.mu.Lock()
	exec.onEvent = nil
	exec.mu.Unlock()
}

// StopAccepting rejects new executions from now on. Used during shutdown.
func (o *Orchestrator) StopAccepting() {
	o.mu.Lock()
	o.accepting = false
	o.mu.Unlock()
}

// Active returns the number of non-terminal executions.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	active := 0
	for _, exec := range o.executions {
		if !exec.State().Terminal() {
			active++
		}
	}
	return active
}

func (o *Orchestrator) get(sessionID string) (*Execution, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, ok := o.executions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return exec, nil
}

// emit appends an event to the execution log, publishes it to the session
// channel and invokes the caller's callback, preserving generation order.
func (o *Orchestrator) emit(exec *Execution, eventType string, data map[string]any) {
	evt := events.New(eventType, data)

	exec.mu.Lock()
	exec.eventLog = append(exec.eventLog, evt)
	callback := exec.onEvent
	exec.mu.Unlock()

	if o.publisher != nil {
		o.publisher.PublishLogged(events.SessionChannel(exec.SessionID), evt)
	}
	if callback != nil {
		callback(evt)
	}
}

// transition moves the execution to a new state and emits state_change.
func (o *Orchestrator) transition(exec *Execution, to State) {
	exec.mu.Lock()
	from := exec.state
	exec.state = to
	exec.mu.Unlock()

	o.emit(exec, events.EventStateChange, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

func (e *Execution) recordError(msg string) {
	e.mu.Lock()
	e.errs = append(e.errs, msg)
	e.mu.Unlock()
}
