// Package botapi implements the polling conversation adapter for
// supervisory agent roles. The remote API follows the DirectLine shape:
// conversations are created once, activities are posted into them, and
// replies are collected by polling with a watermark cursor.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/forgeworks/forgeloop/pkg/config"
	"github.com/forgeworks/forgeloop/pkg/providers"
)

const conversationsPath = "/v3/directline/conversations"

// streamWordDelay paces the pseudo-stream emitted when a streaming
// interface is requested from this non-streaming provider.
const streamWordDelay = 15 * time.Millisecond

// conversation is one remote conversation plus its polling cursor.
type conversation struct {
	id        string
	watermark string
	createdAt time.Time
}

// Client posts prompts into per-session conversations and polls for the
// reply. Conversations are cached and reused until they age out.
type Client struct {
	cfg        *config.BotConfig
	httpClient *http.Client

	mu            sync.Mutex
	conversations map[string]*conversation
}

// NewClient builds a bot adapter.
func NewClient(cfg *config.BotConfig) *Client {
	return &Client{
		cfg:           cfg,
		httpClient:    &http.Client{},
		conversations: make(map[string]*conversation),
	}
}

type activity struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	From      struct {
		ID string `json:"id"`
	} `json:"from"`
}

type activitySet struct {
	Activities []activity `json:"activities"`
	Watermark  string     `json:"watermark"`
}

// Invoke posts the role-prefixed prompt and polls until the bot replies or
// the poll window closes.
func (c *Client) Invoke(ctx context.Context, sessionID, role, prompt string) (*providers.Result, error) {
	start := time.Now()

	conv, err := c.conversationFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	prefixed := "[Agent Role: " + strings.ToUpper(role) + "]\n\n" + prompt
	if err := c.postActivity(ctx, conv, prefixed); err != nil {
		return nil, err
	}

	reply, err := c.pollForReply(ctx, conv)
	if err != nil {
		return nil, err
	}

	ts, _ := time.Parse(time.RFC3339, reply.Timestamp)
	return &providers.Result{
		Content:    reply.Text,
		Provider:   "bot",
		Model:      c.cfg.Model,
		LatencyMS:  time.Since(start).Milliseconds(),
		ActivityID: reply.ID,
		Timestamp:  ts,
	}, nil
}

// Stream emulates streaming over the polling API: the complete reply is
// fetched first and then emitted word by word.
func (c *Client) Stream(ctx context.Context, sessionID, role, prompt string, onToken func(string)) (*providers.Result, error) {
	result, err := c.Invoke(ctx, sessionID, role, prompt)
	if err != nil {
		return nil, err
	}

	words := strings.Fields(result.Content)
	for i, word := range words {
		if ctx.Err() != nil {
			break
		}
		token := word
		if i < len(words)-1 {
			token += " "
		}
		onToken(token)
		time.Sleep(streamWordDelay)
	}
	return result, nil
}

// conversationFor returns a cached conversation for the session, creating
// a fresh one when none exists or the cached one has aged out.
func (c *Client) conversationFor(ctx context.Context, sessionID string) (*conversation, error) {
	c.mu.Lock()
	conv, ok := c.conversations[sessionID]
	c.mu.Unlock()
	if ok && time.Since(conv.createdAt) < c.cfg.ConversationTTL {
		return conv, nil
	}

	created, err := c.createConversation(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conversations[sessionID] = created
	c.mu.Unlock()
	return created, nil
}

func (c *Client) createConversation(ctx context.Context) (*conversation, error) {
	resp, err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+conversationsPath, nil)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return nil, &providers.Error{Class: providers.ClassBadPayload, Op: "create conversation", Err: err}
	}
	if parsed.ConversationID == "" {
		return nil, &providers.Error{Class: providers.ClassBadPayload, Op: "create conversation", Err: errors.New("empty conversation id")}
	}
	return &conversation{id: parsed.ConversationID, createdAt: time.Now()}, nil
}

func (c *Client) postActivity(ctx context.Context, conv *conversation, text string) error {
	body, err := json.Marshal(map[string]any{
		"type": "message",
		"from": map[string]string{"id": c.cfg.UserID},
		"text": text,
	})
	if err != nil {
		return &providers.Error{Class: providers.ClassBadPayload, Op: "post activity", Err: err}
	}

	_, err = c.do(ctx, http.MethodPost,
		fmt.Sprintf("%s%s/%s/activities", c.cfg.BaseURL, conversationsPath, conv.id), body)
	return err
}

// pollForReply polls the activities endpoint until a message from someone
// other than us shows up. The conversation's watermark advances with every
// poll so the next invocation skips already-seen activities.
func (c *Client) pollForReply(ctx context.Context, conv *conversation) (*activity, error) {
	deadline := time.Now().Add(c.cfg.PollTimeout)

	for {
		endpoint := fmt.Sprintf("%s%s/%s/activities", c.cfg.BaseURL, conversationsPath, conv.id)
		if conv.watermark != "" {
			endpoint += "?watermark=" + url.QueryEscape(conv.watermark)
		}

		resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}

		var set activitySet
		if err := json.Unmarshal(resp, &set); err != nil {
			return nil, &providers.Error{Class: providers.ClassBadPayload, Op: "poll activities", Err: err}
		}
		if set.Watermark != "" {
			conv.watermark = set.Watermark
		}

		var reply *activity
		for i := range set.Activities {
			a := set.Activities[i]
			if a.Type == "message" && a.From.ID != c.cfg.UserID {
				reply = &set.Activities[i]
			}
		}
		if reply != nil {
			return reply, nil
		}

		if time.Now().After(deadline) {
			return nil, &providers.Error{Class: providers.ClassTimeout, Op: "poll activities",
				Err: fmt.Errorf("no reply within %s", c.cfg.PollTimeout)}
		}
		select {
		case <-ctx.Done():
			return nil, &providers.Error{Class: providers.ClassTimeout, Op: "poll activities", Err: ctx.Err()}
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, &providers.Error{Class: providers.ClassBadPayload, Op: "request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &providers.Error{Class: classifyNetError(err), Op: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &providers.Error{Class: providers.ClassConnection, Op: "read body", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &providers.Error{
			Class: providers.ClassHTTPStatus,
			Op:    method + " " + endpoint,
			Err:   fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))),
		}
	}
	return data, nil
}

func classifyNetError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return providers.ClassTimeout
	case strings.Contains(msg, "connection refused"):
		return providers.ClassConnRefused
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
