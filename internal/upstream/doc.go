// Package upstream speaks to the external conversational agent.
//
// # Overview
//
// The agent answers a streaming POST with a chunked text body whose framing
// is not guaranteed: chunks may end mid-line, keep-alive comments (": ping")
// are interleaved, and payloads come in one of two incompatible shapes.
// This package turns that body into an ordered channel of event.Event.
//
// # Pipeline
//
//	Client.Stream -> Reader.Next -> Classifier.Classify -> <-chan event.Event
//
//   - Reader: splits bytes into frames (lines or blank-line blocks) with a
//     carry-over buffer, dropping comments.
//   - Classifier: one strategy per wire shape (completions, a2a), sharing
//     sentinel handling, JSON repair, verbatim fallback, and the full-text
//     accumulator.
//   - Decode: the goroutine that ties them together and applies termination
//     rules (implicit abort on early EOF, error on transport failure,
//     silence on cancellation).
//
// # Status phrases
//
// Progress messages such as "🔍 searching" arrive as ordinary content. The
// StatusDetector interface isolates that heuristic.
package upstream
