// ABOUTME: Threads a chat id through the outbound prompt turns as a leading system marker
// ABOUTME: Inject adds the marker, Extract recovers the id and the untouched remaining turns

// Package correlate carries a chat id through the prompt channel. The
// upstream agent has no session concept, so the id travels as one
// system-role turn of the form [INTERNAL_CHAT_ID:<id>] placed first in the
// prompt. The id is always passed explicitly; nothing is kept between calls.
package correlate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Turn roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrNoCorrelation means no chat id could be attached or recovered.
	ErrNoCorrelation = errors.New("no chat correlation id")
	// ErrNoUserTurn means the prompt has nothing to send upstream.
	ErrNoUserTurn = errors.New("prompt has no user turn")
)

var markerPattern = regexp.MustCompile(`^\[INTERNAL_CHAT_ID:([^\]\s]+)\]$`)

// ContentPart is one piece of a multi-part turn.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Turn is one entry of a prompt.
type Turn struct {
	Role    string        `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// Text returns the turn's text: its text parts joined by a space, or its
// content when it has no parts.
func (t Turn) Text() string {
	if len(t.Parts) == 0 {
		return t.Content
	}
	var texts []string
	for _, p := range t.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// Marker renders the correlation marker for chatID.
func Marker(chatID string) string {
	return "[INTERNAL_CHAT_ID:" + chatID + "]"
}

// Inject returns a copy of turns with any earlier marker removed and a fresh
// marker for chatID prepended. An empty chatID gets a generated one.
func Inject(turns []Turn, chatID string) ([]Turn, error) {
	if chatID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, fmt.Errorf("%w: generating id: %v", ErrNoCorrelation, err)
		}
		chatID = id.String()
	}
	if !markerPattern.MatchString(Marker(chatID)) {
		return nil, fmt.Errorf("%w: invalid chat id %q", ErrNoCorrelation, chatID)
	}

	out := make([]Turn, 0, len(turns)+1)
	out = append(out, Turn{Role: RoleSystem, Content: Marker(chatID)})
	out = append(out, Strip(turns)...)
	return out, nil
}

// Extract reads the chat id from the marker turn and returns the remaining
// turns unmodified and in order.
func Extract(turns []Turn) (string, []Turn, error) {
	chatID := ""
	for _, t := range turns {
		if id, ok := markerID(t); ok {
			chatID = id
			break
		}
	}
	if chatID == "" {
		return "", nil, ErrNoCorrelation
	}
	return chatID, Strip(turns), nil
}

// Strip removes every marker turn.
func Strip(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if _, ok := markerID(t); ok {
			continue
		}
		out = append(out, t)
	}
	return out
}

// LastUserText returns the text of the last user turn.
func LastUserText(turns []Turn) (string, error) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleUser {
			return turns[i].Text(), nil
		}
	}
	return "", ErrNoUserTurn
}

func markerID(t Turn) (string, bool) {
	if t.Role != RoleSystem {
		return "", false
	}
	m := markerPattern.FindStringSubmatch(strings.TrimSpace(t.Text()))
	if m == nil {
		return "", false
	}
	return m[1], true
}
