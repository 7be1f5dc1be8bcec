// Package session provides the in-memory conversation store shared between
// the HTTP layer and the orchestrator. Sessions are identified by an opaque
// client-supplied string and evicted after a period of inactivity.
package session

import (
	"log/slog"
	"sync"
	"time"
)

// MessageRole represents the role of a message sender.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a single conversation entry.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// Session binds conversation history and an optional approved plan to a
// client-supplied identifier.
type Session struct {
	ID           string    `json:"id"`
	History      []Message `json:"history"`
	ApprovedPlan string    `json:"approved_plan,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Store manages sessions in memory with TTL eviction.
type Store struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	ttl          time.Duration
	historyLimit int
	historyKeep  int

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Options control history trimming and eviction.
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	HistoryLimit  int
	HistoryKeep   int
}

// NewStore creates a session store and starts its eviction sweeper.
func NewStore(opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.HistoryKeep <= 0 {
		opts.HistoryKeep = 16
	}

	s := &Store{
		sessions:     make(map[string]*Session),
		ttl:          opts.TTL,
		historyLimit: opts.HistoryLimit,
		historyKeep:  opts.HistoryKeep,
		stopCh:       make(chan struct{}),
	}
	go s.sweepLoop(opts.SweepInterval)
	return s
}

// Close stops the eviction sweeper. Safe to call multiple times.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// GetOrCreate returns the session for id, creating it if absent. The
// session's last-activity timestamp is refreshed either way.
func (s *Store) GetOrCreate(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id, CreatedAt: now}
		s.sessions[id] = sess
	}
	sess.LastActivity = now
	return sess
}

// Get returns a snapshot of the session, or false if it does not exist.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(sess), true
}

// AppendMessage records a conversation entry and refreshes activity.
// When the history exceeds the limit, only the most recent historyKeep
// messages are retained.
func (s *Store) AppendMessage(id string, role MessageRole, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id, CreatedAt: now}
		s.sessions[id] = sess
	}

	sess.History = append(sess.History, Message{Role: role, Content: content})
	if len(sess.History) > s.historyLimit {
		trimmed := make([]Message, s.historyKeep)
		copy(trimmed, sess.History[len(sess.History)-s.historyKeep:])
		sess.History = trimmed
	}
	sess.LastActivity = now
}

// SetApprovedPlan promotes a plan for the session, creating it if absent.
func (s *Store) SetApprovedPlan(id, plan string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id, CreatedAt: now}
		s.sessions[id] = sess
	}
	sess.ApprovedPlan = plan
	sess.LastActivity = now
}

// ApprovedPlan returns the session's approved plan, if any.
func (s *Store) ApprovedPlan(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sess, ok := s.sessions[id]; ok {
		return sess.ApprovedPlan
	}
	return ""
}

// Touch refreshes the session's last-activity timestamp.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		sess.LastActivity = time.Now()
	}
}

// Delete removes a session. Missing sessions are a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// List returns snapshots of all live sessions.
func (s *Store) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, s.clone(sess))
	}
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) clone(sess *Session) Session {
	history := make([]Message, len(sess.History))
	copy(history, sess.History)
	out := *sess
	out.History = history
	return out
}

func (s *Store) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep evicts sessions idle longer than the TTL.
func (s *Store) sweep() {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			delete(s.sessions, id)
			slog.Debug("Session evicted", "session_id", id, "idle_since", sess.LastActivity)
		}
	}
}
