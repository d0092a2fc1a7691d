// ABOUTME: Store interfaces and data types for relay persistence
// ABOUTME: Defines chats, messages with structured parts, and stream sessions with their event logs

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/agent-relay/internal/event"
	"github.com/2389/agent-relay/internal/segment"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateStream is returned when creating a stream whose id is taken
var ErrDuplicateStream = errors.New("stream already exists")

// ErrStreamClosed is returned when appending to a stream that has completed
var ErrStreamClosed = errors.New("stream already completed")

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one persisted chat message. Parts carries the structured form
// of assistant output; Content is its plain text.
type Message struct {
	ID        string
	ChatID    string
	Role      string
	Content   string
	Parts     []segment.Part
	StreamID  string // stream that produced an assistant message
	CreatedAt time.Time
}

// StreamState is the lifecycle state of a stream session.
type StreamState string

const (
	StreamActive    StreamState = "active"
	StreamCompleted StreamState = "completed"
	StreamFailed    StreamState = "failed"
	StreamAborted   StreamState = "aborted"
)

// Terminal reports whether the session has ended.
func (s StreamState) Terminal() bool {
	return s != StreamActive && s != ""
}

// StateFor maps the terminal event of a stream to the session state.
func StateFor(e event.Event) StreamState {
	switch {
	case e.Type == event.TypeError:
		return StreamFailed
	case e.Type == event.TypeFinish && e.Reason == event.ReasonAborted:
		return StreamAborted
	case e.Type == event.TypeFinish:
		return StreamCompleted
	default:
		return StreamActive
	}
}

// StreamSession is the durable record of one generated response.
type StreamSession struct {
	StreamID    string      `msgpack:"stream_id"`
	ChatID      string      `msgpack:"chat_id"`
	State       StreamState `msgpack:"state"`
	CreatedAt   time.Time   `msgpack:"created_at"`
	CompletedAt time.Time   `msgpack:"completed_at"` // zero while active
	EventCount  int         `msgpack:"event_count"`
}

// MessageStore persists chats and their messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *Message) error
	GetChatMessages(ctx context.Context, chatID string, limit int) ([]*Message, error)
	// LatestMessage returns the newest message of chatID with the given
	// role, or ErrNotFound.
	LatestMessage(ctx context.Context, chatID, role string) (*Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// LogStore persists stream sessions and their append-only event logs. A
// stream has a single writer; readers may poll ReadEvents concurrently.
type LogStore interface {
	// CreateStream records a new active session, or ErrDuplicateStream.
	CreateStream(ctx context.Context, s *StreamSession) error
	// AppendEvent stores the event at position seq (0-based). seq must equal
	// the current event count.
	AppendEvent(ctx context.Context, streamID string, seq int, e event.Event) error
	// CompleteStream marks the session terminal.
	CompleteStream(ctx context.Context, streamID string, state StreamState, at time.Time) error
	GetStream(ctx context.Context, streamID string) (*StreamSession, error)
	// LatestStream returns the most recently created session for chatID.
	LatestStream(ctx context.Context, chatID string) (*StreamSession, error)
	// ReadEvents returns the events from position from onwards.
	ReadEvents(ctx context.Context, streamID string, from int) ([]event.Event, error)
	// DeleteStreamsBefore removes terminal sessions completed before cutoff
	// and returns how many were removed.
	DeleteStreamsBefore(ctx context.Context, cutoff time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
