package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forgeworks/forgeloop/pkg/events"
	"github.com/forgeworks/forgeloop/pkg/session"
)

// run drives one execution end to end: sandbox, plan, then the bounded
// build loop. It owns all state transitions after Start.
func (o *Orchestrator) run(ctx context.Context, exec *Execution, agents AgentSet) {
	sid := exec.SessionID

	o.emit(exec, events.EventSandboxCreating, map[string]any{"session_id": sid})
	container, err := o.sandbox.CreateContainer(ctx, sid)
	if err != nil {
		if o.interrupted(ctx, exec) {
			return
		}
		exec.recordError(fmt.Sprintf("sandbox creation: %v", err))
		o.emit(exec, events.EventSandboxFailed, map[string]any{"error": err.Error()})
		o.fail(exec, false)
		return
	}
	o.emit(exec, events.EventSandboxCreated, map[string]any{"container_id": container.ID})

	// Planning phase.
	o.transition(exec, StatePlanning)
	o.emit(exec, events.EventPlanningStart, nil)

	planResult, err := agents.Planner.Invoke(ctx, exec.Prompt, "")
	if err != nil {
		if o.interrupted(ctx, exec) {
			return
		}
		exec.recordError(fmt.Sprintf("planning: %v", err))
		o.emit(exec, events.EventPlanningFailed, map[string]any{"error": err.Error()})
		o.fail(exec, true)
		return
	}

	exec.mu.Lock()
	exec.plan = planResult.Content
	exec.mu.Unlock()
	if o.sessions != nil {
		o.sessions.AppendMessage(sid, session.RoleAssistant, planResult.Content)
	}
	o.emit(exec, events.EventPlanningComplete, map[string]any{"plan": planResult.Content})

	// Build loop.
	var lastErrors []string
	for iteration := 1; iteration <= o.cfg.MaxIterations; iteration++ {
		o.transition(exec, StateBuilding)
		o.emit(exec, events.EventBuildingStart, map[string]any{"iteration": iteration})
		iterStart := time.Now()

		buildPrompt := exec.Prompt
		if iteration > 1 {
			buildPrompt = "Previous attempt had errors. Fix them and try again.\n\nErrors:\n" +
				strings.Join(lastErrors, "\n") + "\n\nOriginal request: " + exec.Prompt
		}

		buildResult, err := agents.Builder.Invoke(ctx, buildPrompt, planResult.Content)
		if err != nil {
			if o.interrupted(ctx, exec) {
				return
			}
			exec.recordError(fmt.Sprintf("building iteration %d: %v", iteration, err))
			o.emit(exec, events.EventBuildingFailed, map[string]any{"iteration": iteration, "error": err.Error()})
			o.fail(exec, true)
			return
		}

		code := buildResult.Content
		exec.mu.Lock()
		exec.code = code
		exec.mu.Unlock()
		o.emit(exec, events.EventBuildingComplete, map[string]any{"iteration": iteration, "model": buildResult.Model})

		// Materialize the builder's file blocks. Writes are best-effort:
		// a failed write is logged, the rest still land.
		for _, file := range ExtractFiles(code) {
			if err := o.sandbox.WriteFile(ctx, sid, file.Path, file.Content); err != nil {
				if o.interrupted(ctx, exec) {
					return
				}
				slog.Warn("File write failed",
					"session_id", sid, "path", file.Path, "error", err)
			}
		}

		snapshot, err := o.sandbox.CreateSnapshot(ctx, sid)
		if err != nil {
			if o.interrupted(ctx, exec) {
				return
			}
			exec.recordError(fmt.Sprintf("snapshot iteration %d: %v", iteration, err))
			o.fail(exec, true)
			return
		}
		exec.mu.Lock()
		exec.snapshots = append(exec.snapshots, snapshot)
		exec.mu.Unlock()
		o.emit(exec, events.EventSnapshotCreated, map[string]any{"name": snapshot.Name, "image_id": snapshot.ImageID})

		o.transition(exec, StateTesting)
		testResult, err := o.sandbox.TestCode(ctx, sid, func(step string, data map[string]any) {
			o.emit(exec, step, data)
		})
		if err != nil {
			if o.interrupted(ctx, exec) {
				return
			}
			exec.recordError(fmt.Sprintf("testing iteration %d: %v", iteration, err))
			o.fail(exec, true)
			return
		}

		iter := Iteration{
			Number:    iteration,
			Code:      code,
			Errors:    testResult.Errors,
			StartedAt: iterStart,
			Duration:  time.Since(iterStart),
		}

		if testResult.Success {
			iter.State = "success"
			exec.mu.Lock()
			exec.iterations = append(exec.iterations, iter)
			exec.mu.Unlock()

			o.transition(exec, StateSuccess)
			o.emit(exec, events.EventExecutionComplete, map[string]any{
				"iterations":  iteration,
				"duration_ms": exec.duration().Milliseconds(),
			})
			o.finalize(exec, "completed")
			return
		}

		iter.State = "failed"
		exec.mu.Lock()
		exec.iterations = append(exec.iterations, iter)
		exec.errs = append(exec.errs, testResult.Errors...)
		exec.mu.Unlock()
		lastErrors = testResult.Errors
		o.emit(exec, events.EventBuildErrors, map[string]any{"iteration": iteration, "errors": testResult.Errors})

		if iteration == o.cfg.MaxIterations {
			o.transition(exec, StateFailed)
			o.emit(exec, events.EventExecutionFailed, map[string]any{"reason": "max_iterations"})
			o.finalize(exec, "failed")
			return
		}

		// Fixing phase. The fixer's output is deliberately discarded: it
		// primes nothing directly, the next builder call carries the test
		// errors instead. A fixer failure is logged and the loop goes on.
		o.transition(exec, StateFixing)
		o.emit(exec, events.EventFixingStart, map[string]any{"iteration": iteration})

		fixPrompt := "The code has errors. Analyze and fix them.\n\nErrors:\n" +
			strings.Join(testResult.Errors, "\n") + "\n\nOriginal code:\n" + code
		if _, err := agents.Fixer.Invoke(ctx, fixPrompt, ""); err != nil {
			if o.interrupted(ctx, exec) {
				return
			}
			slog.Warn("Fixer invocation failed",
				"session_id", sid, "iteration", iteration, "error", err)
			o.emit(exec, events.EventFixingFailed, map[string]any{"iteration": iteration, "error": err.Error()})
		} else {
			o.emit(exec, events.EventFixingComplete, map[string]any{"iteration": iteration})
		}
	}
}

// interrupted handles the two cancellation causes. A timeout transitions
// to TIMEOUT and tears down here; an explicit stop was already finalized
// by Stop, so there is nothing left to do.
func (o *Orchestrator) interrupted(ctx context.Context, exec *Execution) bool {
	if ctx.Err() == nil {
		return false
	}

	exec.mu.Lock()
	timedOut := exec.timedOut
	exec.mu.Unlock()

	if timedOut {
		exec.recordError("orchestration timeout")
		o.transition(exec, StateTimeout)
		o.emit(exec, events.EventExecutionTimeout, map[string]any{
			"timeout_ms": o.cfg.MaxOrchestrationTime.Milliseconds(),
		})
		o.teardown(exec, "timeout")
		exec.mu.Lock()
		exec.completedAt = time.Now()
		exec.mu.Unlock()
	}
	return true
}

// fail moves the execution to FAILED and finalizes. destroySandbox is
// false only when creation itself never succeeded.
func (o *Orchestrator) fail(exec *Execution, destroySandbox bool) {
	o.transition(exec, StateFailed)
	reason := "failed"
	if !destroySandbox {
		reason = ""
	}
	o.finalize(exec, reason)
}

// finalize disarms the timer, records completion and tears the sandbox
// down with the given reason (empty means no sandbox exists).
func (o *Orchestrator) finalize(exec *Execution, destroyReason string) {
	exec.timer.Stop()
	if destroyReason != "" {
		o.teardown(exec, destroyReason)
	}
	exec.mu.Lock()
	exec.completedAt = time.Now()
	exec.mu.Unlock()
}

func (o *Orchestrator) teardown(exec *Execution, reason string) {
	// Teardown must not be cut short by the execution's own cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := o.sandbox.DestroyContainer(ctx, exec.SessionID, reason); err != nil {
		slog.Warn("Sandbox teardown failed",
			"session_id", exec.SessionID, "reason", reason, "error", err)
	}
}
