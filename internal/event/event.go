// ABOUTME: Provider-agnostic event model produced by the upstream classifier
// ABOUTME: Tagged variant covering text deltas, status markers, tool calls, finish, and error

package event

import "fmt"

// Type identifies the variant carried by an Event.
type Type string

const (
	TypeTextDelta Type = "text_delta"
	TypeStatus    Type = "status"
	TypeToolCall  Type = "tool_call"
	TypeFinish    Type = "finish"
	TypeError     Type = "error"
)

// Phase is the lifecycle stage reported by a status marker.
type Phase string

const (
	PhaseCall   Phase = "call"
	PhaseResult Phase = "result"
)

// Finish reasons.
const (
	ReasonStop    = "stop"
	ReasonAborted = "aborted"
)

// Event is one normalized unit of an agent response. Only the fields that
// belong to its Type are populated.
type Event struct {
	Type   Type   `json:"type" msgpack:"type"`
	Text   string `json:"text,omitempty" msgpack:"text,omitempty"`
	Phase  Phase  `json:"phase,omitempty" msgpack:"phase,omitempty"`
	Label  string `json:"label,omitempty" msgpack:"label,omitempty"`
	Title  string `json:"title,omitempty" msgpack:"title,omitempty"`
	Reason string `json:"reason,omitempty" msgpack:"reason,omitempty"`
	Detail string `json:"detail,omitempty" msgpack:"detail,omitempty"`
}

// TextDelta returns a text chunk event.
func TextDelta(text string) Event {
	return Event{Type: TypeTextDelta, Text: text}
}

// Status returns a status marker event.
func Status(phase Phase, label string) Event {
	return Event{Type: TypeStatus, Phase: phase, Label: label}
}

// ToolCall returns a tool call marker event.
func ToolCall(title string) Event {
	return Event{Type: TypeToolCall, Title: title}
}

// Finish returns a terminal finish event.
func Finish(reason string) Event {
	return Event{Type: TypeFinish, Reason: reason}
}

// Failure returns a terminal error event.
func Failure(detail string) Event {
	return Event{Type: TypeError, Detail: detail}
}

// Terminal reports whether nothing may follow e in a stream.
func (e Event) Terminal() bool {
	return e.Type == TypeFinish || e.Type == TypeError
}

func (e Event) String() string {
	switch e.Type {
	case TypeTextDelta:
		return fmt.Sprintf("text_delta(%q)", e.Text)
	case TypeStatus:
		return fmt.Sprintf("status(%s, %q)", e.Phase, e.Label)
	case TypeToolCall:
		return fmt.Sprintf("tool_call(%q)", e.Title)
	case TypeFinish:
		return fmt.Sprintf("finish(%s)", e.Reason)
	case TypeError:
		return fmt.Sprintf("error(%q)", e.Detail)
	default:
		return string(e.Type)
	}
}
