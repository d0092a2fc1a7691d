// ABOUTME: Tests for the timing governor
// ABOUTME: Covers minimum spacing of deltas, passthrough of other events, ordering, and cancellation

package pacing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-relay/internal/event"
)

func feed(events ...event.Event) <-chan event.Event {
	ch := make(chan event.Event, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch
}

type stamped struct {
	e  event.Event
	at time.Time
}

func collect(ch <-chan event.Event) []stamped {
	var out []stamped
	for e := range ch {
		out = append(out, stamped{e: e, at: time.Now()})
	}
	return out
}

func TestPaceSpacesTextDeltas(t *testing.T) {
	const interval = 20 * time.Millisecond
	in := feed(
		event.TextDelta("a"),
		event.TextDelta("b"),
		event.TextDelta("c"),
		event.TextDelta("d"),
		event.Finish(event.ReasonStop),
	)

	got := collect(New(interval).Pace(context.Background(), in))
	require.Len(t, got, 5)

	for i := 1; i < 4; i++ {
		gap := got[i].at.Sub(got[i-1].at)
		assert.GreaterOrEqual(t, gap, interval-2*time.Millisecond, "gap before delta %d", i)
	}
}

func TestPacePreservesOrderAndPassesOtherEvents(t *testing.T) {
	const interval = 50 * time.Millisecond
	want := []event.Event{
		event.TextDelta("a"),
		event.Status(event.PhaseCall, "Searching"),
		event.ToolCall("lookup"),
		event.TextDelta("b"),
		event.Finish(event.ReasonStop),
	}

	got := collect(New(interval).Pace(context.Background(), feed(want...)))
	require.Len(t, got, len(want))

	var events []event.Event
	for _, s := range got {
		events = append(events, s.e)
	}
	assert.Equal(t, want, events)

	// Status and tool call follow the first delta without waiting.
	assert.Less(t, got[2].at.Sub(got[0].at), interval/2)
	// The second delta still waits for its slot.
	assert.GreaterOrEqual(t, got[3].at.Sub(got[0].at), interval-2*time.Millisecond)
}

func TestPaceSlowConsumerKeepsSpacing(t *testing.T) {
	const interval = 50 * time.Millisecond
	out := New(interval).Pace(context.Background(), feed(
		event.TextDelta("a"),
		event.TextDelta("b"),
		event.TextDelta("c"),
	))

	// The consumer is busy while the first delta is already waiting.
	time.Sleep(40 * time.Millisecond)

	var at []time.Time
	for i := 0; i < 3; i++ {
		<-out
		at = append(at, time.Now())
		if i == 0 {
			time.Sleep(30 * time.Millisecond)
		}
	}

	for i := 1; i < len(at); i++ {
		gap := at[i].Sub(at[i-1])
		assert.GreaterOrEqual(t, gap, interval-2*time.Millisecond, "gap before delta %d", i)
	}
}

func TestPaceZeroIntervalIsPassthrough(t *testing.T) {
	var in []event.Event
	for i := 0; i < 100; i++ {
		in = append(in, event.TextDelta("x"))
	}

	start := time.Now()
	got := collect(New(0).Pace(context.Background(), feed(in...)))
	assert.Len(t, got, 100)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPaceCancelClosesOutput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan event.Event, 2)
	out := New(time.Hour).Pace(ctx, in)

	in <- event.TextDelta("first")
	assert.Equal(t, event.TextDelta("first"), <-out)

	in <- event.TextDelta("second")
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok, "no event should be emitted after cancel")
	case <-time.After(time.Second):
		t.Fatal("output did not close after cancel")
	}
}
