// ABOUTME: Classifier for the flat upstream shape that streams OpenAI-style choices[0].delta chunks
// ABOUTME: Maps content, tool_call, finish_reason, and loose content/text payloads to events

package upstream

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/2389/agent-relay/internal/event"
)

type completionsClassifier struct {
	base
}

func (c *completionsClassifier) Classify(f Frame) []event.Event {
	return c.run(f, c.classify)
}

func (c *completionsClassifier) classify(data string) []event.Event {
	return c.decode(data, c.object)
}

func (c *completionsClassifier) object(doc gjson.Result) []event.Event {
	if e := doc.Get("error"); e.Exists() && e.Type != gjson.Null {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return []event.Event{event.Failure(msg)}
	}

	if choice := doc.Get("choices.0"); choice.Exists() {
		delta := choice.Get("delta")

		var events []event.Event
		if tc := delta.Get("tool_call"); tc.Exists() {
			events = append(events, c.toolCall(toolTitle(tc))...)
		}
		events = append(events, c.content(delta.Get("content").String())...)

		if fr := choice.Get("finish_reason"); fr.Type == gjson.String && fr.String() != "" {
			events = append(events, event.Finish(event.ReasonStop))
		}
		return events
	}

	if s := doc.Get("content"); s.Type == gjson.String {
		return c.content(s.String())
	}
	if s := doc.Get("text"); s.Type == gjson.String {
		return c.content(s.String())
	}
	if doc.Get("status").String() == "completed" {
		return []event.Event{event.Finish(event.ReasonStop)}
	}
	return nil
}

// toolTitle builds the display title for a tool call delta. A call is only
// announced once both its name and arguments are present.
func toolTitle(tc gjson.Result) string {
	name := tc.Get("name").String()
	args := tc.Get("arguments")
	if name == "" || !args.Exists() {
		return ""
	}
	if args.Type == gjson.String {
		args = gjson.Parse(args.String())
	}

	if name == "send_task" {
		agent := strings.ReplaceAll(args.Get("agent_name").String(), "_", " ")
		task := args.Get("task").String()
		return fmt.Sprintf("%s: %s", agent, task)
	}
	return name
}
