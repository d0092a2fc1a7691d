// ABOUTME: Classifier for the JSON-RPC message/stream envelope shape
// ABOUTME: Maps status-update, artifact-update, and message results plus JSON-RPC errors to events

package upstream

import (
	"github.com/tidwall/gjson"

	"github.com/2389/agent-relay/internal/event"
)

type a2aClassifier struct {
	base
}

func (c *a2aClassifier) Classify(f Frame) []event.Event {
	return c.run(f, c.classify)
}

func (c *a2aClassifier) classify(data string) []event.Event {
	return c.decode(data, c.object)
}

func (c *a2aClassifier) object(doc gjson.Result) []event.Event {
	if e := doc.Get("error"); e.Exists() && e.Type != gjson.Null {
		msg := e.Get("message").String()
		if msg == "" {
			msg = "upstream error"
		}
		return []event.Event{event.Failure(msg)}
	}

	res := doc.Get("result")
	if !res.Exists() {
		res = doc
	}

	switch res.Get("kind").String() {
	case "status-update", "task":
		return c.statusUpdate(res)
	case "artifact-update":
		return c.content(textParts(res.Get("artifact.parts")))
	case "message":
		return c.content(textParts(res.Get("parts")))
	}

	if s := res.Get("text"); s.Type == gjson.String {
		return c.content(s.String())
	}
	return nil
}

func (c *a2aClassifier) statusUpdate(res gjson.Result) []event.Event {
	text := textParts(res.Get("status.message.parts"))

	switch res.Get("status.state").String() {
	case "failed", "rejected":
		if text == "" {
			text = "upstream task failed"
		}
		return []event.Event{event.Failure(text)}
	case "canceled":
		return append(c.content(text), event.Finish(event.ReasonAborted))
	case "completed":
		return append(c.content(text), event.Finish(event.ReasonStop))
	}

	events := c.content(text)
	if res.Get("final").Bool() {
		events = append(events, event.Finish(event.ReasonStop))
	}
	return events
}
