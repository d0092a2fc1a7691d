// ABOUTME: In-memory wake-up fan-out for readers following a stream session log
// ABOUTME: Notifications coalesce and never block the writer; readers re-read from their own cursor

package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Notifier wakes readers of a stream when its log grows. A wake-up carries no
// data: a reader that misses one still sees the new events on its next read,
// so a full channel just means a wake-up is already pending.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan struct{} // streamID -> subID -> ch
	logger      *slog.Logger
}

// NewNotifier creates a notifier. Pass nil logger for default.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subscribers: make(map[string]map[string]chan struct{}),
		logger:      logger.With("component", "notifier"),
	}
}

// Subscribe registers for wake-ups on streamID. The subscription is removed
// when ctx is cancelled or Unsubscribe is called.
func (n *Notifier) Subscribe(ctx context.Context, streamID string) (<-chan struct{}, string) {
	subID := uuid.New().String()
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if _, ok := n.subscribers[streamID]; !ok {
		n.subscribers[streamID] = make(map[string]chan struct{})
	}
	n.subscribers[streamID][subID] = ch
	n.mu.Unlock()

	n.logger.Debug("reader added", "stream_id", streamID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		n.Unsubscribe(streamID, subID)
	}()

	return ch, subID
}

// Notify wakes every reader of streamID without blocking.
func (n *Notifier) Notify(streamID string) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.subscribers[streamID] {
		select {
		case ch <- struct{}{}:
		default:
			// A wake-up is already pending.
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (n *Notifier) Unsubscribe(streamID, subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs, ok := n.subscribers[streamID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(n.subscribers, streamID)
	}

	n.logger.Debug("reader removed", "stream_id", streamID, "sub_id", subID)
}

// Readers returns the number of live subscriptions for streamID.
func (n *Notifier) Readers(streamID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers[streamID])
}

// Close closes every subscriber channel.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for streamID, subs := range n.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(n.subscribers, streamID)
	}
}
