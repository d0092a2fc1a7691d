// ABOUTME: In-memory MessageStore and LogStore implementation
// ABOUTME: Backs the memory registry backend and lets tests run without SQLite, with fault injection

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/2389/agent-relay/internal/event"
)

// MemoryStore keeps everything in process memory. It is safe for concurrent
// use. Fail makes every subsequent call return the given error.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]*Message // keyed by chat ID
	streams  map[string]*StreamSession
	events   map[string][]event.Event // keyed by stream ID
	order    []string                 // stream IDs in creation order
	failErr  error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]*Message),
		streams:  make(map[string]*StreamSession),
		events:   make(map[string][]event.Event),
	}
}

// Fail sets an error returned by every call until Fail(nil).
func (m *MemoryStore) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// SaveMessage stores a copy of msg.
func (m *MemoryStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}

	cp := *msg
	m.messages[cp.ChatID] = append(m.messages[cp.ChatID], &cp)
	return nil
}

// GetChatMessages returns copies of the most recent limit messages in
// chronological order.
func (m *MemoryStore) GetChatMessages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	msgs := m.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		result = append(result, &cp)
	}
	return result, nil
}

// LatestMessage returns the newest message with the given role.
func (m *MemoryStore) LatestMessage(ctx context.Context, chatID, role string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	msgs := m.messages[chatID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			cp := *msgs[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// CreateStream records a new session.
func (m *MemoryStore) CreateStream(ctx context.Context, s *StreamSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}

	if _, ok := m.streams[s.StreamID]; ok {
		return ErrDuplicateStream
	}
	cp := *s
	if cp.State == "" {
		cp.State = StreamActive
	}
	cp.EventCount = 0
	m.streams[cp.StreamID] = &cp
	m.order = append(m.order, cp.StreamID)
	return nil
}

// AppendEvent stores e at position seq.
func (m *MemoryStore) AppendEvent(ctx context.Context, streamID string, seq int, e event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}

	s, ok := m.streams[streamID]
	if !ok {
		return ErrNotFound
	}
	if s.State.Terminal() {
		return ErrStreamClosed
	}
	if seq != s.EventCount {
		return fmt.Errorf("append at %d but stream %s has %d events", seq, streamID, s.EventCount)
	}
	m.events[streamID] = append(m.events[streamID], e)
	s.EventCount++
	return nil
}

// CompleteStream marks a session terminal.
func (m *MemoryStore) CompleteStream(ctx context.Context, streamID string, state StreamState, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}

	s, ok := m.streams[streamID]
	if !ok {
		return ErrNotFound
	}
	if s.State.Terminal() {
		return ErrStreamClosed
	}
	s.State = state
	s.CompletedAt = at
	return nil
}

// GetStream returns a copy of a session.
func (m *MemoryStore) GetStream(ctx context.Context, streamID string) (*StreamSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	s, ok := m.streams[streamID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// LatestStream returns the most recently created session for a chat.
func (m *MemoryStore) LatestStream(ctx context.Context, chatID string) (*StreamSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	for i := len(m.order) - 1; i >= 0; i-- {
		s, ok := m.streams[m.order[i]]
		if ok && s.ChatID == chatID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ReadEvents returns a copy of the events from position from onwards.
func (m *MemoryStore) ReadEvents(ctx context.Context, streamID string, from int) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	events := m.events[streamID]
	if from < 0 {
		from = 0
	}
	if from >= len(events) {
		return nil, nil
	}
	return append([]event.Event(nil), events[from:]...), nil
}

// DeleteStreamsBefore removes terminal sessions completed before cutoff.
func (m *MemoryStore) DeleteStreamsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, m.failErr
	}

	removed := 0
	kept := m.order[:0]
	for _, id := range m.order {
		s := m.streams[id]
		if s.State.Terminal() && !s.CompletedAt.IsZero() && s.CompletedAt.Before(cutoff) {
			delete(m.streams, id)
			delete(m.events, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return removed, nil
}

// Ping reports the injected failure, if any.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failErr
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
