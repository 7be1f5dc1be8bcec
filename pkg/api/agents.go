package api

import (
	"context"

	"github.com/forgeworks/forgeloop/pkg/gateway"
	"github.com/forgeworks/forgeloop/pkg/orchestrator"
)

// NewAgentSet binds the three workflow roles to gateway invocations for a
// session. The planner goes through the supervisory route, the builder and
// fixer through the execution route.
func NewAgentSet(gw *gateway.Gateway, sessionID string, complexity gateway.Complexity) orchestrator.AgentSet {
	invoke := func(role string) orchestrator.AgentFunc {
		return func(ctx context.Context, prompt, plan string) (orchestrator.AgentResult, error) {
			result, err := gw.Invoke(ctx, gateway.Request{
				SessionID:  sessionID,
				Role:       role,
				Prompt:     prompt,
				Plan:       plan,
				Complexity: complexity,
			})
			if err != nil {
				return orchestrator.AgentResult{}, err
			}
			return orchestrator.AgentResult{
				Content:    result.Content,
				TokenCount: result.TokenCount,
				Model:      result.Model,
			}, nil
		}
	}

	return orchestrator.AgentSet{
		Planner: invoke("planner"),
		Builder: invoke("builder"),
		Fixer:   invoke("fixer"),
	}
}
