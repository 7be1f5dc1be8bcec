// Package chatapi implements the OpenAI-compatible chat-completions
// adapter with primary/fallback failover and SSE streaming.
package chatapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/forgeworks/forgeloop/pkg/config"
	"github.com/forgeworks/forgeloop/pkg/providers"
)

const (
	completionsPath = "/v1/chat/completions"
	temperature     = 0.7
	maxTokens       = 8192

	// progressInterval paces the "still streaming" log line.
	progressInterval = 5 * time.Second
)

type endpoint struct {
	name    string
	baseURL string
	apiKey  string
	timeout time.Duration
}

// Client talks to up to two chat-completions endpoints: a primary (usually
// GPU-backed, bearer-authenticated) and an unauthenticated fallback. The
// fallback is tried only after the primary fails.
type Client struct {
	cfg        *config.ChatConfig
	httpClient *http.Client
}

// NewClient builds a chat adapter. Per-attempt timeouts come from the
// config; the shared http.Client carries none of its own.
func NewClient(cfg *config.ChatConfig) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
}

type chatRequest struct {
	Model       string              `json:"model"`
	Messages    []providers.Message `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens"`
	Stream      bool                `json:"stream"`
}

// chatResponse parses only the fields we use; unknown fields are ignored.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete performs a non-streaming completion, failing over from primary
// to fallback.
func (c *Client) Complete(ctx context.Context, model string, messages []providers.Message) (*providers.Result, error) {
	return c.invoke(ctx, model, messages, nil)
}

// Stream performs a streaming completion, invoking onToken for each content
// delta. The full accumulated content is returned in the result.
func (c *Client) Stream(ctx context.Context, model string, messages []providers.Message, onToken func(string)) (*providers.Result, error) {
	return c.invoke(ctx, model, messages, onToken)
}

func (c *Client) invoke(ctx context.Context, model string, messages []providers.Message, onToken func(string)) (*providers.Result, error) {
	streaming := onToken != nil
	var lastErr error

	for _, ep := range c.endpoints(streaming) {
		start := time.Now()
		result, err := c.attempt(ctx, ep, model, messages, onToken)
		if err != nil {
			lastErr = err
			slog.Warn("Chat endpoint failed",
				"endpoint", ep.name, "model", model, "error", err)
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		result.Provider = "chat"
		result.Model = model
		result.LatencyMS = time.Since(start).Milliseconds()
		result.ExecutionProvider = ep.name
		return result, nil
	}

	if lastErr != nil && providers.Retryable(lastErr) {
		// Keep the retryable classification visible to the gateway.
		return nil, fmt.Errorf("%w: %w", providers.ErrAllProvidersFailed, lastErr)
	}
	return nil, fmt.Errorf("%w: %v", providers.ErrAllProvidersFailed, lastErr)
}

func (c *Client) endpoints(streaming bool) []endpoint {
	var eps []endpoint
	if c.cfg.PrimaryURL != "" {
		eps = append(eps, endpoint{
			name:    "primary",
			baseURL: c.cfg.PrimaryURL,
			apiKey:  c.cfg.PrimaryKey,
			timeout: c.cfg.PrimaryTimeout,
		})
	}
	if c.cfg.FallbackURL != "" {
		timeout := c.cfg.FallbackTimeout
		if streaming {
			timeout = c.cfg.StreamTimeout
		}
		eps = append(eps, endpoint{
			name:    "fallback",
			baseURL: c.cfg.FallbackURL,
			timeout: timeout,
		})
	}
	return eps
}

func (c *Client) attempt(ctx context.Context, ep endpoint, model string, messages []providers.Message, onToken func(string)) (*providers.Result, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      onToken != nil,
	})
	if err != nil {
		return nil, &providers.Error{Class: providers.ClassBadPayload, Op: "marshal", Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, ep.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		strings.TrimRight(ep.baseURL, "/")+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, &providers.Error{Class: providers.ClassBadPayload, Op: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &providers.Error{Class: classifyNetError(err), Op: ep.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &providers.Error{
			Class: providers.ClassHTTPStatus,
			Op:    ep.name,
			Err:   fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
		}
	}

	if onToken != nil {
		return c.consumeStream(ep, resp.Body, onToken)
	}
	return c.consumeResponse(ep, resp.Body)
}

func (c *Client) consumeResponse(ep endpoint, body io.Reader) (*providers.Result, error) {
	var parsed chatResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return nil, &providers.Error{Class: providers.ClassBadPayload, Op: ep.name, Err: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, &providers.Error{Class: providers.ClassNoResponse, Op: ep.name, Err: errors.New("no choices in response")}
	}
	return &providers.Result{
		Content:    parsed.Choices[0].Message.Content,
		TokenCount: parsed.Usage.TotalTokens,
	}, nil
}

// consumeStream reads Server-Sent-Event lines until the [DONE] sentinel or
// stream close, accumulating delta content.
func (c *Client) consumeStream(ep endpoint, body io.Reader, onToken func(string)) (*providers.Result, error) {
	var content strings.Builder
	tokenCount := 0
	lastProgress := time.Now()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Malformed chunks are skipped; the stream carries on.
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		content.WriteString(delta)
		tokenCount++
		onToken(delta)

		if time.Since(lastProgress) >= progressInterval {
			slog.Debug("Streaming in progress",
				"endpoint", ep.name, "chars", content.Len())
			lastProgress = time.Now()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &providers.Error{Class: classifyNetError(err), Op: ep.name, Err: err}
	}

	return &providers.Result{
		Content:    content.String(),
		TokenCount: tokenCount,
	}, nil
}

// classifyNetError maps a transport failure to a retryable error class.
func classifyNetError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return providers.ClassTimeout
	case strings.Contains(msg, "connection refused"):
		return providers.ClassConnRefused
	default:
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return providers.ClassTimedOut
		}
		return providers.ClassConnection
	}
	return providers.ClassFetchFailed
}
