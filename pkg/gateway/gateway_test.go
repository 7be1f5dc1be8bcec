package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/forgeloop/pkg/config"
	"github.com/forgeworks/forgeloop/pkg/providers"
)

type chatCall struct {
	model    string
	messages []providers.Message
	stream   bool
}

// fakeChat scripts the chat adapter: it fails `failures` times with
// failErr, then succeeds.
type fakeChat struct {
	calls    []chatCall
	failures int
	failErr  error
}

func (f *fakeChat) Complete(_ context.Context, model string, messages []providers.Message) (*providers.Result, error) {
	f.calls = append(f.calls, chatCall{model: model, messages: messages})
	if len(f.calls) <= f.failures {
		return nil, f.failErr
	}
	return &providers.Result{Content: "chat says hi", Provider: "chat", Model: model}, nil
}

func (f *fakeChat) Stream(_ context.Context, model string, messages []providers.Message, onToken func(string)) (*providers.Result, error) {
	f.calls = append(f.calls, chatCall{model: model, messages: messages, stream: true})
	if len(f.calls) <= f.failures {
		return nil, f.failErr
	}
	for _, token := range []string{"chat ", "says ", "hi"} {
		onToken(token)
	}
	return &providers.Result{Content: "chat says hi", Provider: "chat", Model: model}, nil
}

type botCall struct {
	sessionID string
	role      string
	prompt    string
	stream    bool
}

type fakeBot struct {
	calls []botCall
}

func (f *fakeBot) Invoke(_ context.Context, sessionID, role, prompt string) (*providers.Result, error) {
	f.calls = append(f.calls, botCall{sessionID, role, prompt, false})
	return &providers.Result{Content: "the plan", Provider: "bot"}, nil
}

func (f *fakeBot) Stream(_ context.Context, sessionID, role, prompt string, _ func(string)) (*providers.Result, error) {
	f.calls = append(f.calls, botCall{sessionID, role, prompt, true})
	return &providers.Result{Content: "the plan", Provider: "bot"}, nil
}

func newTestGateway(chat ChatProvider, bot BotProvider) *Gateway {
	g := New(config.Default().Gateway, chat, bot)
	g.retryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return g
}

func TestGateway_RoutesSupervisoryRolesToBot(t *testing.T) {
	chat := &fakeChat{}
	bot := &fakeBot{}
	g := newTestGateway(chat, bot)

	result, err := g.Invoke(context.Background(), Request{
		SessionID: "sess-1", Role: "planner", Prompt: "plan a todo app",
	})
	require.NoError(t, err)
	assert.Equal(t, "bot", result.Provider)

	require.Len(t, bot.calls, 1)
	assert.Equal(t, "sess-1", bot.calls[0].sessionID)
	assert.Equal(t, "plan a todo app", bot.calls[0].prompt)
	assert.Empty(t, chat.calls)
}

func TestGateway_ChatMessagesCarrySystemAndComposedPrompt(t *testing.T) {
	chat := &fakeChat{}
	g := newTestGateway(chat, &fakeBot{})

	_, err := g.Invoke(context.Background(), Request{
		SessionID: "sess-1",
		Role:      "builder",
		Prompt:    "make a todo app",
		Plan:      "1. index.html",
	})
	require.NoError(t, err)

	require.Len(t, chat.calls, 1)
	messages := chat.calls[0].messages
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].Role)
	assert.Equal(t, SystemPrompt("builder"), messages[0].Content)
	assert.Equal(t, "user", messages[1].Role)
	assert.True(t, strings.HasPrefix(messages[1].Content, "APPROVED PLAN:\n1. index.html"))
	assert.True(t, strings.HasSuffix(messages[1].Content, "Original request: make a todo app"))
}

func TestGateway_ModelSelectionFlowsToProvider(t *testing.T) {
	cfg := config.Default().Gateway
	chat := &fakeChat{}
	g := newTestGateway(chat, &fakeBot{})

	_, err := g.Invoke(context.Background(), Request{
		Role:       "builder",
		Prompt:     "build a crud api",
		Complexity: ComplexityComplex,
	})
	require.NoError(t, err)

	require.Len(t, chat.calls, 1)
	assert.Equal(t, cfg.MidModel, chat.calls[0].model)
}

func TestGateway_RetriesTransientFailures(t *testing.T) {
	chat := &fakeChat{
		failures: 2,
		failErr:  &providers.Error{Class: providers.ClassConnection, Op: "complete", Err: errors.New("connection reset")},
	}
	g := newTestGateway(chat, &fakeBot{})

	result, err := g.Invoke(context.Background(), Request{Role: "builder", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "chat says hi", result.Content)
	assert.Len(t, chat.calls, 3)
}

func TestGateway_RetriesExhausted(t *testing.T) {
	chat := &fakeChat{
		failures: 10,
		failErr:  &providers.Error{Class: providers.ClassTimeout, Op: "complete", Err: errors.New("deadline exceeded")},
	}
	g := newTestGateway(chat, &fakeBot{})

	_, err := g.Invoke(context.Background(), Request{Role: "builder", Prompt: "hello"})
	require.Error(t, err)
	// One initial attempt plus three scheduled retries.
	assert.Len(t, chat.calls, 4)
}

func TestGateway_NonRetryableFailsImmediately(t *testing.T) {
	chat := &fakeChat{
		failures: 10,
		failErr:  &providers.Error{Class: providers.ClassHTTPStatus, Op: "complete", Err: errors.New("400 bad request")},
	}
	g := newTestGateway(chat, &fakeBot{})

	_, err := g.Invoke(context.Background(), Request{Role: "builder", Prompt: "hello"})
	require.Error(t, err)
	assert.Len(t, chat.calls, 1)
}

func TestGateway_StreamingPath(t *testing.T) {
	chat := &fakeChat{}
	g := newTestGateway(chat, &fakeBot{})

	var tokens []string
	result, err := g.Invoke(context.Background(), Request{
		Role:    "builder",
		Prompt:  "hello",
		OnToken: func(token string) { tokens = append(tokens, token) },
	})
	require.NoError(t, err)
	assert.Equal(t, "chat says hi", result.Content)
	assert.Equal(t, []string{"chat ", "says ", "hi"}, tokens)
	require.Len(t, chat.calls, 1)
	assert.True(t, chat.calls[0].stream)
}

func TestRetryable(t *testing.T) {
	for _, class := range []string{
		providers.ClassConnection, providers.ClassTimeout,
		providers.ClassConnRefused, providers.ClassTimedOut, providers.ClassFetchFailed,
	} {
		assert.True(t, providers.Retryable(&providers.Error{Class: class}), "class %q", class)
	}
	assert.False(t, providers.Retryable(&providers.Error{Class: providers.ClassHTTPStatus}))
	assert.False(t, providers.Retryable(&providers.Error{Class: providers.ClassBadPayload}))
	assert.False(t, providers.Retryable(errors.New("plain")))
}

func TestScheduleBackOff(t *testing.T) {
	delays := []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}
	b := newScheduleBackOff(delays)

	for _, want := range delays {
		assert.Equal(t, want, b.NextBackOff())
	}
	assert.Equal(t, time.Duration(-1), b.NextBackOff(), "schedule exhausted")

	b.Reset()
	assert.Equal(t, 2*time.Second, b.NextBackOff())
}
