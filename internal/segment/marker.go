// ABOUTME: Text markers embedded in accumulated agent output for status phrases and tool calls
// ABOUTME: Shared by the classifier that writes them and the segmenter that reads them back

package segment

import (
	"strings"

	"github.com/2389/agent-relay/internal/event"
)

const (
	statusOpen  = "<!--STATUS:"
	statusClose = "-->"
	toolOpen    = "[TOOL_CALL_START]"
	toolClose   = "[TOOL_CALL_END]"

	// maxMarkerBody bounds how far past an opener the segmenter looks for
	// the closer before treating the opener as literal text.
	maxMarkerBody = 4096
)

var markerSanitizer = strings.NewReplacer(
	statusClose, "->",
	toolClose, "",
	"\r", " ",
	"\n", " ",
)

// StatusMarker renders a status phrase as an inline marker.
func StatusMarker(phase event.Phase, label string) string {
	return statusOpen + string(phase) + ":" + markerSanitizer.Replace(label) + statusClose
}

// ToolCallMarker renders a tool invocation as an inline marker.
func ToolCallMarker(title string) string {
	return toolOpen + markerSanitizer.Replace(title) + toolClose + "\n\n"
}
