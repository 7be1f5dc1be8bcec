package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// historyCap bounds the per-channel backlog kept for catch-up. A full build
// run emits a few dozen events, so this leaves generous headroom.
const historyCap = 512

// Broadcaster delivers a marshaled event to live subscribers of a channel.
// Implemented by ConnectionManager; nil-safe in the Publisher.
type Broadcaster interface {
	Broadcast(channel string, event []byte)
}

// storedEvent is a history entry with its channel-local sequence number.
type storedEvent struct {
	ID      int
	Payload []byte
}

// Publisher appends events to per-channel in-memory logs and broadcasts
// them to live subscribers. Within a channel, publish order is delivery
// order; sequence numbers are channel-local and monotonic.
type Publisher struct {
	mu      sync.Mutex
	history map[string][]storedEvent
	nextID  map[string]int

	broadcaster Broadcaster
}

// NewPublisher creates a Publisher. broadcaster may be nil (no live
// fan-out; catch-up still works).
func NewPublisher(broadcaster Broadcaster) *Publisher {
	return &Publisher{
		history:     make(map[string][]storedEvent),
		nextID:      make(map[string]int),
		broadcaster: broadcaster,
	}
}

// SetBroadcaster wires the live fan-out after construction. The publisher
// and the connection manager reference each other, so one side has to be
// linked late.
func (p *Publisher) SetBroadcaster(b Broadcaster) {
	p.mu.Lock()
	p.broadcaster = b
	p.mu.Unlock()
}

// Publish appends the event to the channel log and broadcasts it.
func (p *Publisher) Publish(channel string, evt Event) error {
	payload, err := json.Marshal(struct {
		Event
		DBEventID int `json:"db_event_id"`
	}{Event: evt})
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.Type, err)
	}

	p.mu.Lock()
	id := p.nextID[channel] + 1
	p.nextID[channel] = id

	// Re-marshal with the assigned sequence number so live and catch-up
	// deliveries carry identical payloads.
	payload, err = json.Marshal(struct {
		Event
		DBEventID int `json:"db_event_id"`
	}{Event: evt, DBEventID: id})
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("marshal event %s: %w", evt.Type, err)
	}

	log := append(p.history[channel], storedEvent{ID: id, Payload: payload})
	if len(log) > historyCap {
		log = log[len(log)-historyCap:]
	}
	p.history[channel] = log
	broadcaster := p.broadcaster
	p.mu.Unlock()

	if broadcaster != nil {
		broadcaster.Broadcast(channel, payload)
	}
	return nil
}

// GetCatchupEvents returns up to limit events on channel with ID > sinceID,
// in publish order. Implements the ConnectionManager's catch-up contract.
func (p *Publisher) GetCatchupEvents(channel string, sinceID, limit int) ([]CatchupEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []CatchupEvent
	for _, evt := range p.history[channel] {
		if evt.ID <= sinceID {
			continue
		}
		out = append(out, CatchupEvent{ID: evt.ID, Payload: evt.Payload})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DropChannel discards a channel's backlog. Called when a session is
// evicted so the history map does not grow without bound.
func (p *Publisher) DropChannel(channel string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.history, channel)
	delete(p.nextID, channel)
}

// PublishLogged is Publish with errors demoted to a warning. Event delivery
// is best-effort from the orchestrator's point of view.
func (p *Publisher) PublishLogged(channel string, evt Event) {
	if err := p.Publish(channel, evt); err != nil {
		slog.Warn("Failed to publish event", "channel", channel, "type", evt.Type, "error", err)
	}
}
