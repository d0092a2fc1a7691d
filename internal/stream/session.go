// ABOUTME: In-memory stream session holding the append-only ordered event log
// ABOUTME: Appends happen from a single writer; readers copy from their own cursor

package stream

import (
	"context"
	"sync"
	"time"

	"github.com/2389/agent-relay/internal/event"
	"github.com/2389/agent-relay/internal/store"
)

// Info describes a stream session.
type Info struct {
	StreamID    string            `json:"stream_id"`
	ChatID      string            `json:"chat_id"`
	State       store.StreamState `json:"state"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt time.Time         `json:"completed_at,omitzero"`
	Events      int               `json:"events"`
	Readers     int               `json:"readers"`
	Resumable   bool              `json:"resumable"`
}

type session struct {
	id        string
	chatID    string
	createdAt time.Time
	cancel    context.CancelFunc

	mu          sync.RWMutex
	resumable   bool
	events      []event.Event
	state       store.StreamState
	completedAt time.Time
	durable     bool // log is mirrored to the LogStore
}

func newSession(id, chatID string, now time.Time) *session {
	return &session{
		id:        id,
		chatID:    chatID,
		createdAt: now,
		state:     store.StreamActive,
	}
}

// append adds a non-terminal event and returns its position. ok is false once
// the session has ended.
func (s *session) append(e event.Event) (seq int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return 0, false
	}
	s.events = append(s.events, e)
	return len(s.events) - 1, true
}

// end appends the terminal event and closes the log in one step.
func (s *session) end(e event.Event, now time.Time) (seq int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return 0, false
	}
	s.events = append(s.events, e)
	s.state = store.StateFor(e)
	s.completedAt = now
	return len(s.events) - 1, true
}

// since copies the events from position from onwards and reports whether
// the log is closed.
func (s *session) since(from int) ([]event.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	done := s.state.Terminal()
	if from >= len(s.events) {
		return nil, done
	}
	return append([]event.Event(nil), s.events[from:]...), done
}

func (s *session) isDurable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.durable
}

func (s *session) setDurable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durable = v
}

func (s *session) isResumable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resumable
}

func (s *session) setResumable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumable = v
}

func (s *session) info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Info{
		StreamID:    s.id,
		ChatID:      s.chatID,
		State:       s.state,
		CreatedAt:   s.createdAt,
		CompletedAt: s.completedAt,
		Events:      len(s.events),
		Resumable:   s.resumable,
	}
}

// expired reports whether a completed session is older than retention.
func (s *session) expired(now time.Time, retention time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Terminal() && now.Sub(s.completedAt) > retention
}

func infoFromStore(st *store.StreamSession) Info {
	return Info{
		StreamID:    st.StreamID,
		ChatID:      st.ChatID,
		State:       st.State,
		CreatedAt:   st.CreatedAt,
		CompletedAt: st.CompletedAt,
		Events:      st.EventCount,
		Resumable:   true,
	}
}
