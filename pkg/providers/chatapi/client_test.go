package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/forgeloop/pkg/config"
	"github.com/forgeworks/forgeloop/pkg/providers"
)

func chatConfig(primary, fallback string) *config.ChatConfig {
	cfg := config.Default().Chat
	cfg.PrimaryURL = primary
	cfg.PrimaryKey = "test-key"
	cfg.FallbackURL = fallback
	return cfg
}

func completionBody(content string, tokens int) string {
	return fmt.Sprintf(`{"choices":[{"message":{"content":%q}}],"usage":{"total_tokens":%d}}`, content, tokens)
}

func TestComplete_Primary(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, completionBody("hello there", 42))
	}))
	defer server.Close()

	client := NewClient(chatConfig(server.URL, ""))
	result, err := client.Complete(context.Background(), "test-model", []providers.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello there", result.Content)
	assert.Equal(t, "test-model", result.Model)
	assert.Equal(t, 42, result.TokenCount)
	assert.Equal(t, "primary", result.ExecutionProvider)
	assert.GreaterOrEqual(t, result.LatencyMS, int64(0))

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-model", gotBody["model"])
	assert.Equal(t, 0.7, gotBody["temperature"])
	assert.Equal(t, float64(8192), gotBody["max_tokens"])
	assert.Equal(t, false, gotBody["stream"])
}

func TestComplete_FailoverToFallback(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gpu node down", http.StatusBadGateway)
	}))
	defer primary.Close()

	var fallbackAuth string
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, completionBody("from fallback", 7))
	}))
	defer fallback.Close()

	client := NewClient(chatConfig(primary.URL, fallback.URL))
	result, err := client.Complete(context.Background(), "m", []providers.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	assert.Equal(t, "from fallback", result.Content)
	assert.Equal(t, "fallback", result.ExecutionProvider)
	// The fallback endpoint is unauthenticated.
	assert.Empty(t, fallbackAuth)
}

func TestComplete_AllProvidersFailed(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer down.Close()

	client := NewClient(chatConfig(down.URL, down.URL))
	_, err := client.Complete(context.Background(), "m", []providers.Message{{Role: "user", Content: "hi"}})
	assert.ErrorIs(t, err, providers.ErrAllProvidersFailed)
}

func TestComplete_ConnectionRefusedIsRetryable(t *testing.T) {
	// A closed server yields a connection error; the classification must
	// survive the AllProvidersFailed wrap so the gateway can retry.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(chatConfig(server.URL, ""))
	_, err := client.Complete(context.Background(), "m", []providers.Message{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, providers.ErrAllProvidersFailed)
	assert.True(t, providers.Retryable(err))
}

func TestComplete_HTTPStatusIsNotRetryable(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer bad.Close()

	client := NewClient(chatConfig(bad.URL, ""))
	_, err := client.Complete(context.Background(), "m", []providers.Message{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	assert.False(t, providers.Retryable(err))
}

func TestComplete_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer server.Close()

	client := NewClient(chatConfig(server.URL, ""))
	_, err := client.Complete(context.Background(), "m", []providers.Message{{Role: "user", Content: "hi"}})
	require.Error(t, err)

	var perr *providers.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, providers.ClassNoResponse, perr.Class)
}

func TestStream_SSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{"Hello", ", ", "world"}
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewClient(chatConfig(server.URL, ""))
	var tokens []string
	result, err := client.Stream(context.Background(), "m",
		[]providers.Message{{Role: "user", Content: "hi"}},
		func(token string) { tokens = append(tokens, token) })
	require.NoError(t, err)

	assert.Equal(t, "Hello, world", result.Content)
	assert.Equal(t, []string{"Hello", ", ", "world"}, tokens)
	assert.Equal(t, 3, result.TokenCount)
	assert.Equal(t, "primary", result.ExecutionProvider)
}

func TestStream_SkipsMalformedChunksAndStopsAtDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {not json}\n\n")
		fmt.Fprint(w, ": comment line\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"after done\"}}]}\n\n")
	}))
	defer server.Close()

	client := NewClient(chatConfig(server.URL, ""))
	result, err := client.Stream(context.Background(), "m",
		[]providers.Message{{Role: "user", Content: "hi"}}, func(string) {})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
}

func TestComplete_PrimaryTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer slow.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completionBody("rescued", 1))
	}))
	defer fallback.Close()

	cfg := chatConfig(slow.URL, fallback.URL)
	cfg.PrimaryTimeout = 50 * time.Millisecond

	client := NewClient(cfg)
	result, err := client.Complete(context.Background(), "m", []providers.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "rescued", result.Content)
	assert.Equal(t, "fallback", result.ExecutionProvider)
}
