// ABOUTME: Incremental segmenter turning marker-bearing response text into structured message parts
// ABOUTME: Three-state machine over a carry buffer so markers may arrive split across chunks

// Package segment converts accumulated response text into renderable and
// storable message parts: plain text, reasoning (tool calls), and status
// groups.
package segment

import (
	"strings"

	"github.com/2389/agent-relay/internal/event"
)

// PartType identifies the variant carried by a Part.
type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartStatus    PartType = "status"
)

// StatusEntry is one status phrase inside a status group.
type StatusEntry struct {
	Phase event.Phase `json:"phase"`
	Label string      `json:"label"`
}

// Part is one structured unit of a message.
type Part struct {
	Type    PartType      `json:"type"`
	Text    string        `json:"text,omitempty"`
	Entries []StatusEntry `json:"entries,omitempty"`
}

// Phase returns the phase of the most recent entry of a status group.
func (p Part) Phase() event.Phase {
	if len(p.Entries) == 0 {
		return ""
	}
	return p.Entries[len(p.Entries)-1].Phase
}

// Parts segments a complete text in one shot.
func Parts(text string) []Part {
	s := New()
	s.Write(text)
	return s.Flush()
}

// PlainText concatenates the text parts of a message.
func PlainText(parts []Part) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

type state int

const (
	stateNone state = iota
	stateInText
	stateInStatus
)

// Segmenter is fed text chunks in order. Markers may be split across any
// chunk boundary; the output does not depend on how the text was chunked.
// A Segmenter is not safe for concurrent use.
type Segmenter struct {
	carry     string
	state     state
	text      strings.Builder
	entries   []StatusEntry
	parts     []Part
	sawMarker bool
}

// New returns an empty Segmenter.
func New() *Segmenter {
	return &Segmenter{}
}

// Write feeds the next chunk.
func (s *Segmenter) Write(chunk string) {
	s.carry += chunk
	s.scan(false)
}

// Flush resolves held-back input, closes the open group, and returns every
// part produced since the previous Flush.
func (s *Segmenter) Flush() []Part {
	s.scan(true)

	switch s.state {
	case stateInText:
		s.closeText(false)
	case stateInStatus:
		s.closeStatus()
	case stateNone:
		// Whitespace-only input with no markers is still the message.
		if !s.sawMarker && s.text.Len() > 0 {
			s.parts = append(s.parts, Part{Type: PartText, Text: s.text.String()})
		}
	}
	s.text.Reset()
	s.state = stateNone

	parts := s.parts
	s.parts = nil
	return parts
}

// scan consumes as much of the carry buffer as can be resolved. When final
// is false, a trailing fragment that might begin a marker is held back.
func (s *Segmenter) scan(final bool) {
	for s.carry != "" {
		i, opener := nextOpener(s.carry)
		if i < 0 {
			keep := 0
			if !final {
				keep = partialOpener(s.carry)
			}
			s.appendText(s.carry[:len(s.carry)-keep])
			s.carry = s.carry[len(s.carry)-keep:]
			return
		}

		s.appendText(s.carry[:i])
		s.carry = s.carry[i:]

		closer := statusClose
		if opener == toolOpen {
			closer = toolClose
		}
		body := s.carry[len(opener):]
		end := strings.Index(body, closer)
		if end < 0 || end > maxMarkerBody {
			if end < 0 && !final && len(body) <= maxMarkerBody {
				return
			}
			// Unterminated opener: keep it as literal text.
			s.appendText(opener)
			s.carry = body
			continue
		}

		inner := body[:end]
		rest := body[end+len(closer):]
		if opener == toolOpen {
			s.onToolCall(inner)
		} else if entry, ok := parseStatus(inner); ok {
			s.onStatus(entry)
		} else {
			s.appendText(opener + inner + closer)
		}
		s.carry = rest
	}
}

func (s *Segmenter) appendText(t string) {
	if t == "" {
		return
	}
	s.text.WriteString(t)
	if s.state == stateInText || strings.TrimSpace(t) == "" {
		return
	}
	if s.state == stateInStatus {
		s.closeStatus()
	}
	s.state = stateInText
}

func (s *Segmenter) onStatus(entry StatusEntry) {
	if s.state == stateInText {
		s.closeText(true)
	}
	s.text.Reset()
	s.entries = append(s.entries, entry)
	s.state = stateInStatus
	s.sawMarker = true
}

func (s *Segmenter) onToolCall(title string) {
	switch s.state {
	case stateInText:
		s.closeText(true)
	case stateInStatus:
		s.closeStatus()
	}
	s.text.Reset()
	s.parts = append(s.parts, Part{Type: PartReasoning, Text: strings.TrimSpace(title)})
	s.state = stateNone
	s.sawMarker = true
}

// closeText emits the open text group. Newline padding next to a marker is
// trimmed.
func (s *Segmenter) closeText(beforeMarker bool) {
	t := s.text.String()
	s.text.Reset()
	if s.sawMarker {
		t = strings.TrimLeft(t, "\r\n")
	}
	if beforeMarker {
		t = strings.TrimRight(t, "\r\n")
	}
	if t != "" {
		s.parts = append(s.parts, Part{Type: PartText, Text: t})
	}
	s.state = stateNone
}

func (s *Segmenter) closeStatus() {
	if len(s.entries) > 0 {
		s.parts = append(s.parts, Part{Type: PartStatus, Entries: s.entries})
	}
	s.entries = nil
	s.state = stateNone
}

// nextOpener returns the index and literal of the earliest marker opener.
func nextOpener(s string) (int, string) {
	si := strings.Index(s, statusOpen)
	ti := strings.Index(s, toolOpen)
	switch {
	case si < 0 && ti < 0:
		return -1, ""
	case ti < 0 || (si >= 0 && si < ti):
		return si, statusOpen
	default:
		return ti, toolOpen
	}
}

// partialOpener returns the length of the longest suffix of s that is a
// proper prefix of a marker opener.
func partialOpener(s string) int {
	longest := 0
	for _, opener := range []string{statusOpen, toolOpen} {
		for n := min(len(opener)-1, len(s)); n > longest; n-- {
			if strings.HasSuffix(s, opener[:n]) {
				longest = n
				break
			}
		}
	}
	return longest
}

func parseStatus(body string) (StatusEntry, bool) {
	phase, label, ok := strings.Cut(body, ":")
	if !ok {
		return StatusEntry{}, false
	}
	p := event.Phase(phase)
	if p != event.PhaseCall && p != event.PhaseResult {
		return StatusEntry{}, false
	}
	return StatusEntry{Phase: p, Label: strings.TrimSpace(label)}, true
}
