// ABOUTME: In-memory fan-out broadcaster pushing fleet events to viewer sessions.
// ABOUTME: Non-blocking per-subscriber channels; slow viewers drop events.

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each viewer.
	subscriberBufferSize = 64
)

// Event is a single fleet update pushed to viewers. Type is a protocol
// message type (agent_update, process_update); Payload is the matching
// protocol struct.
type Event struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Payload any    `json:"payload"`
}

// Broadcaster provides in-memory pub/sub for fleet events. Viewers that
// connect after an event was published do not receive it; there is no
// backlog or replay. Events from the same agent are delivered to each
// subscriber in publish order.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	logger      *slog.Logger

	// OnDrop, if set, is called once per event dropped for a slow viewer.
	// Set before any Publish call; used for instrumentation.
	OnDrop func(Event)
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a viewer and returns its event channel plus a
// subscription ID for later unsubscription. The subscription is cleaned up
// automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("viewer subscribed", "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends an event to every currently connected viewer. Non-blocking:
// events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event Event) {
	// Sends stay inside the read lock. Unsubscribe and Close close channels
	// under the write lock, so a send can never hit a closed channel. The
	// sends never block, so the lock is held only briefly.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
			// Sent
		default:
			if b.OnDrop != nil {
				b.OnDrop(event)
			}
			b.logger.Debug("dropped event for slow viewer",
				"event_type", event.Type,
				"agent_id", event.AgentID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("viewer unsubscribed", "sub_id", subID)
}

// SubscriberCount returns the number of connected viewers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes every viewer.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
