// ABOUTME: Heuristic detection of icon-prefixed status phrases in upstream delta content
// ABOUTME: Kept behind an interface so a structured status signal can replace it later

package upstream

import (
	"strings"

	"github.com/2389/agent-relay/internal/event"
)

// StatusDetector decides whether a piece of delta content is a progress
// status rather than answer text.
type StatusDetector interface {
	Detect(content string) (phase event.Phase, label string, ok bool)
}

// statusIcon maps a leading icon to the phase it announces.
type statusIcon struct {
	icon  string
	phase event.Phase
}

// statusIcons is matched in order; variation-selector forms come first.
var statusIcons = []statusIcon{
	{"🛠️", event.PhaseCall},
	{"🛠", event.PhaseCall},
	{"🔍", event.PhaseCall},
	{"🔎", event.PhaseCall},
	{"🔄", event.PhaseCall},
	{"⏳", event.PhaseCall},
	{"🔧", event.PhaseCall},
	{"📡", event.PhaseCall},
	{"🤔", event.PhaseCall},
	{"✔️", event.PhaseResult},
	{"✔", event.PhaseResult},
	{"☑️", event.PhaseResult},
	{"☑", event.PhaseResult},
	{"⚠️", event.PhaseResult},
	{"⚠", event.PhaseResult},
	{"✅", event.PhaseResult},
	{"🎉", event.PhaseResult},
	{"❌", event.PhaseResult},
}

// IconStatusDetector recognizes single-line content that starts with one of
// a fixed set of icons followed by a label.
type IconStatusDetector struct{}

func (IconStatusDetector) Detect(content string) (event.Phase, string, bool) {
	s := strings.TrimSpace(content)
	if s == "" || strings.ContainsAny(s, "\r\n") {
		return "", "", false
	}
	for _, si := range statusIcons {
		if !strings.HasPrefix(s, si.icon) {
			continue
		}
		label := strings.TrimPrefix(s[len(si.icon):], "\uFE0F")
		label = strings.TrimSpace(label)
		if label == "" {
			return "", "", false
		}
		return si.phase, label, true
	}
	return "", "", false
}
