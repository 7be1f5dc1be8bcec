// Package gateway routes agent invocations to the right LLM provider with
// adaptive model selection, bounded concurrency and retry on transient
// network failures.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/forgeworks/forgeloop/pkg/config"
	"github.com/forgeworks/forgeloop/pkg/providers"
)

// ChatProvider is the chat-completions adapter surface the gateway needs.
type ChatProvider interface {
	Complete(ctx context.Context, model string, messages []providers.Message) (*providers.Result, error)
	Stream(ctx context.Context, model string, messages []providers.Message, onToken func(string)) (*providers.Result, error)
}

// BotProvider is the polling conversation adapter surface.
type BotProvider interface {
	Invoke(ctx context.Context, sessionID, role, prompt string) (*providers.Result, error)
	Stream(ctx context.Context, sessionID, role, prompt string, onToken func(string)) (*providers.Result, error)
}

// Request is one agent invocation.
type Request struct {
	SessionID  string
	Role       string
	Prompt     string
	Plan       string
	Complexity Complexity
	// OnToken, when set, requests streaming delivery of the response.
	OnToken func(token string)
}

// defaultRetryDelays is the backoff schedule for transient chat failures.
var defaultRetryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}

// Gateway is the single entry point agents are invoked through.
type Gateway struct {
	cfg   *config.GatewayConfig
	chat  ChatProvider
	bot   BotProvider
	queue *Queue

	retryDelays []time.Duration
}

// New creates a Gateway over the two provider adapters.
func New(cfg *config.GatewayConfig, chat ChatProvider, bot BotProvider) *Gateway {
	return &Gateway{
		cfg:         cfg,
		chat:        chat,
		bot:         bot,
		queue:       NewQueue(cfg.Concurrency, cfg.QueueCap, cfg.WaitAlertThreshold),
		retryDelays: defaultRetryDelays,
	}
}

// Invoke routes the request to its provider and returns the completed
// result. Chat invocations pass through the bounded queue and are retried
// on transient network failures.
func (g *Gateway) Invoke(ctx context.Context, req Request) (*providers.Result, error) {
	if req.Complexity == "" {
		req.Complexity = ComplexityMedium
	}

	switch RouteRole(req.Role) {
	case ProviderBot:
		if req.OnToken != nil {
			return g.bot.Stream(ctx, req.SessionID, req.Role, req.Prompt, req.OnToken)
		}
		return g.bot.Invoke(ctx, req.SessionID, req.Role, req.Prompt)
	default:
		return g.invokeChat(ctx, req)
	}
}

// QueueStats exposes the chat queue's counters.
func (g *Gateway) QueueStats() QueueStats {
	return g.queue.Stats()
}

func (g *Gateway) invokeChat(ctx context.Context, req Request) (*providers.Result, error) {
	intent := DetectIntent(req.Prompt)
	selection := SelectModel(g.cfg, req.Role, req.Complexity, intent, g.queue.Depth())
	prompt := ComposePrompt(req.Role, req.Prompt, req.Plan)

	slog.Info("Model selected",
		"session_id", req.SessionID, "role", req.Role,
		"model", selection.Model, "reason", selection.Reason,
		"intent", intent, "queue_depth", g.queue.Depth())

	wait, err := g.queue.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway queue: %w", err)
	}
	defer g.queue.Release()
	if wait > 0 {
		slog.Debug("Dequeued chat invocation", "session_id", req.SessionID, "wait", wait)
	}

	messages := []providers.Message{
		{Role: "system", Content: SystemPrompt(req.Role)},
		{Role: "user", Content: prompt},
	}

	var result *providers.Result
	operation := func() error {
		var opErr error
		if req.OnToken != nil {
			result, opErr = g.chat.Stream(ctx, selection.Model, messages, req.OnToken)
		} else {
			result, opErr = g.chat.Complete(ctx, selection.Model, messages)
		}
		if opErr != nil && !providers.Retryable(opErr) {
			return backoff.Permanent(opErr)
		}
		return opErr
	}

	notify := func(err error, next time.Duration) {
		slog.Warn("Retrying chat invocation",
			"session_id", req.SessionID, "role", req.Role,
			"delay", next, "error", err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(newScheduleBackOff(g.retryDelays), ctx), notify); err != nil {
		return nil, err
	}
	return result, nil
}

// scheduleBackOff yields a fixed sequence of delays, then stops. This gives
// exact control over retry pacing instead of jittered exponential growth.
type scheduleBackOff struct {
	delays []time.Duration
	next   int
}

func newScheduleBackOff(delays []time.Duration) *scheduleBackOff {
	return &scheduleBackOff{delays: delays}
}

func (b *scheduleBackOff) NextBackOff() time.Duration {
	if b.next >= len(b.delays) {
		return backoff.Stop
	}
	d := b.delays[b.next]
	b.next++
	return d
}

func (b *scheduleBackOff) Reset() { b.next = 0 }
