// ABOUTME: Classifier interface and the shared state machine behind both upstream wire shapes
// ABOUTME: Handles sentinel detection, JSON decode with repair, verbatim fallback, and the text accumulator

package upstream

import (
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"

	"github.com/2389/agent-relay/internal/event"
	"github.com/2389/agent-relay/internal/segment"
)

// doneSentinel is the literal end-of-stream payload.
const doneSentinel = "[DONE]"

// Classifier turns frames into normalized events for one response. It keeps
// a running accumulator of the full text, including embedded status and
// tool-call markers, for persistence once the stream finishes.
type Classifier interface {
	Classify(f Frame) []event.Event
	Text() string
}

// NewClassifier returns the classifier strategy for shape. A nil detector
// uses the default icon table.
func NewClassifier(shape Shape, detector StatusDetector, logger *slog.Logger) Classifier {
	if detector == nil {
		detector = IconStatusDetector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := base{detector: detector, logger: logger.With("component", "classifier", "shape", string(shape))}
	if shape == ShapeA2A {
		return &a2aClassifier{base: b}
	}
	return &completionsClassifier{base: b}
}

// base is the state shared by both strategies.
type base struct {
	detector StatusDetector
	logger   *slog.Logger
	text     strings.Builder
	done     bool
}

// Text returns everything accumulated so far.
func (b *base) Text() string {
	return b.text.String()
}

// run extracts the data payload of f and hands it to classify. Nothing is
// emitted once a terminal event has been produced.
func (b *base) run(f Frame, classify func(data string) []event.Event) []event.Event {
	if b.done {
		return nil
	}
	data, ok := DataPayload(f.Raw)
	if !ok {
		b.logger.Debug("frame without data field", "ordinal", f.Ordinal)
		return nil
	}

	var events []event.Event
	if strings.TrimSpace(data) == doneSentinel {
		events = []event.Event{event.Finish(event.ReasonStop)}
	} else {
		events = classify(data)
	}

	for i, e := range events {
		if e.Terminal() {
			b.done = true
			return events[:i+1]
		}
	}
	return events
}

// decode parses a payload and hands objects to interpret. Arrays and
// unparseable payloads become verbatim text. A repaired payload that yields
// nothing also falls back to verbatim text so broken content is never lost.
func (b *base) decode(data string, interpret func(doc gjson.Result) []event.Event) []event.Event {
	doc, repaired, ok := b.parse(data)
	if !ok {
		return b.verbatim(data)
	}

	var events []event.Event
	switch {
	case doc.IsObject():
		events = interpret(doc)
	case doc.IsArray():
		return b.verbatim(data)
	default:
		events = b.scalar(doc, data)
	}

	if repaired && len(events) == 0 {
		return b.verbatim(data)
	}
	return events
}

// parse decodes a payload. Payloads that look like JSON but fail to parse
// get one repair attempt.
func (b *base) parse(data string) (doc gjson.Result, repaired bool, ok bool) {
	if gjson.Valid(data) {
		return gjson.Parse(data), false, true
	}

	trimmed := strings.TrimSpace(data)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return gjson.Result{}, false, false
	}

	fixed, err := jsonrepair.JSONRepair(trimmed)
	if err != nil || !gjson.Valid(fixed) {
		b.logger.Debug("unparseable payload", "error", err, "bytes", len(data))
		return gjson.Result{}, false, false
	}
	b.logger.Debug("repaired malformed payload", "bytes", len(data))
	return gjson.Parse(fixed), true, true
}

// content classifies a piece of delta content as a status phrase or text.
func (b *base) content(s string) []event.Event {
	if s == "" {
		return nil
	}
	if phase, label, ok := b.detector.Detect(s); ok {
		b.text.WriteString(segment.StatusMarker(phase, label))
		return []event.Event{event.Status(phase, label)}
	}
	b.text.WriteString(s)
	return []event.Event{event.TextDelta(s)}
}

// verbatim emits raw payload text without any interpretation.
func (b *base) verbatim(s string) []event.Event {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	b.text.WriteString(s)
	return []event.Event{event.TextDelta(s)}
}

// toolCall records a tool invocation marker.
func (b *base) toolCall(title string) []event.Event {
	if title == "" {
		return nil
	}
	b.text.WriteString(segment.ToolCallMarker(title))
	return []event.Event{event.ToolCall(title)}
}

// scalar handles decoded payloads that are not objects.
func (b *base) scalar(doc gjson.Result, raw string) []event.Event {
	switch doc.Type {
	case gjson.String:
		return b.content(doc.String())
	case gjson.Null:
		return nil
	default:
		return b.verbatim(raw)
	}
}

// textParts concatenates the text of a parts array ({kind|type: "text", text}).
func textParts(parts gjson.Result) string {
	var sb strings.Builder
	parts.ForEach(func(_, part gjson.Result) bool {
		kind := part.Get("kind").String()
		if kind == "" {
			kind = part.Get("type").String()
		}
		if kind == "text" {
			sb.WriteString(part.Get("text").String())
		}
		return true
	})
	return sb.String()
}
