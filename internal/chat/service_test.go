// ABOUTME: Tests for the chat pipeline against an httptest upstream
// ABOUTME: Covers the end-to-end event sequence, persistence of both turns, busy chats, and bad prompts

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-relay/internal/correlate"
	"github.com/2389/agent-relay/internal/event"
	"github.com/2389/agent-relay/internal/segment"
	"github.com/2389/agent-relay/internal/store"
	"github.com/2389/agent-relay/internal/stream"
	"github.com/2389/agent-relay/internal/upstream"
)

// completionsServer streams chunks as an OpenAI-style upstream. If gate is
// non-nil the handler waits on it before writing the final chunk.
func completionsServer(t *testing.T, calls *atomic.Int32, gate <-chan struct{}, chunks ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i, chunk := range chunks {
			if gate != nil && i == len(chunks)-1 {
				select {
				case <-gate:
				case <-r.Context().Done():
					return
				}
			}
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func delta(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"content": content}}},
	})
	return "data: " + string(b) + "\n"
}

type fixture struct {
	svc      *Service
	messages *store.MemoryStore
	streams  *stream.Registry
}

func newFixture(t *testing.T, endpoint string) *fixture {
	t.Helper()
	messages := store.NewMemoryStore()
	streams := stream.NewRegistry(stream.Options{Store: store.NewMemoryStore()})
	t.Cleanup(streams.Close)

	client := upstream.NewClient(upstream.ClientConfig{
		Endpoint:      endpoint,
		Shape:         upstream.ShapeCompletions,
		HeaderTimeout: 5 * time.Second,
	}, nil)

	svc := New(messages, client, streams, nil, nil)
	t.Cleanup(svc.Close)

	return &fixture{
		svc:      svc,
		messages: messages,
		streams:  streams,
	}
}

func userTurn(text string) []correlate.Turn {
	return []correlate.Turn{{Role: correlate.RoleUser, Content: text}}
}

func collect(t *testing.T, ch <-chan event.Event) []event.Event {
	t.Helper()
	var out []event.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("timed out after %d events", len(out))
			return nil
		}
	}
}

func TestSend_HelloWorld(t *testing.T) {
	var calls atomic.Int32
	srv := completionsServer(t, &calls, nil,
		delta("Hello"),
		": ping\n",
		delta("🔍 Searching the web"),
		delta(" world"),
		"data: [DONE]\n",
	)
	f := newFixture(t, srv.URL)

	resp, err := f.svc.Send(t.Context(), &SendRequest{ChatID: "chat-1", Turns: userTurn("Hi")})
	require.NoError(t, err)
	assert.Equal(t, "chat-1", resp.ChatID)
	assert.NotEmpty(t, resp.StreamID)
	assert.NotEmpty(t, resp.MessageID)

	assert.Equal(t, []event.Event{
		event.TextDelta("Hello"),
		event.Status(event.PhaseCall, "Searching the web"),
		event.TextDelta(" world"),
		event.Finish(event.ReasonStop),
	}, collect(t, resp.Handle.Subscribe(t.Context())))
	assert.Equal(t, int32(1), calls.Load())

	msgs, err := f.svc.History(t.Context(), "chat-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, resp.MessageID, msgs[0].ID)

	reply := msgs[1]
	assert.Equal(t, store.RoleAssistant, reply.Role)
	assert.Equal(t, "Hello world", reply.Content)
	assert.Equal(t, resp.StreamID, reply.StreamID)
	assert.Equal(t, []segment.Part{
		{Type: segment.PartText, Text: "Hello"},
		{Type: segment.PartStatus, Entries: []segment.StatusEntry{{Phase: event.PhaseCall, Label: "Searching the web"}}},
		{Type: segment.PartText, Text: " world"},
	}, reply.Parts)
}

func TestSend_GeneratesChatID(t *testing.T) {
	var calls atomic.Int32
	srv := completionsServer(t, &calls, nil, delta("ok"), "data: [DONE]\n")
	f := newFixture(t, srv.URL)

	resp, err := f.svc.Send(t.Context(), &SendRequest{Turns: userTurn("Hi")})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ChatID)
	collect(t, resp.Handle.Subscribe(t.Context()))
}

func TestSend_NoUserTurnRejectedBeforeUpstream(t *testing.T) {
	var calls atomic.Int32
	srv := completionsServer(t, &calls, nil, "data: [DONE]\n")
	f := newFixture(t, srv.URL)

	_, err := f.svc.Send(t.Context(), &SendRequest{
		ChatID: "chat-1",
		Turns:  []correlate.Turn{{Role: correlate.RoleAssistant, Content: "hello?"}},
	})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, err, correlate.ErrNoUserTurn)
	assert.Zero(t, calls.Load())

	msgs, err := f.svc.History(t.Context(), "chat-1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "nothing is recorded for a rejected prompt")
}

func TestSend_BusyChat(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	srv := completionsServer(t, &calls, gate, delta("Hello"), "data: [DONE]\n")
	f := newFixture(t, srv.URL)

	first, err := f.svc.Send(t.Context(), &SendRequest{ChatID: "chat-1", Turns: userTurn("one")})
	require.NoError(t, err)

	_, err = f.svc.Send(t.Context(), &SendRequest{ChatID: "chat-1", Turns: userTurn("two")})
	require.ErrorIs(t, err, stream.ErrChatBusy)
	var busy *stream.BusyError
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, first.StreamID, busy.StreamID)

	close(gate)
	events := collect(t, first.Handle.Subscribe(t.Context()))
	assert.Equal(t, event.Finish(event.ReasonStop), events[len(events)-1])
	assert.Equal(t, int32(1), calls.Load(), "the rejected prompt never reached upstream")

	msgs, err := f.svc.History(t.Context(), "chat-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Content)
}

func TestSend_RetriedSendMatchesFirstStream(t *testing.T) {
	var calls atomic.Int32
	srv := completionsServer(t, &calls, nil, delta("Hello"), "data: [DONE]\n")
	f := newFixture(t, srv.URL)

	req := &SendRequest{ChatID: "chat-1", MessageID: "msg-1", Turns: userTurn("one")}
	first, err := f.svc.Send(t.Context(), req)
	require.NoError(t, err)
	collect(t, first.Handle.Subscribe(t.Context()))

	_, err = f.svc.Send(t.Context(), req)
	var dup *DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first.StreamID, dup.StreamID)
	assert.Equal(t, "msg-1", dup.MessageID)
	assert.Equal(t, int32(1), calls.Load())

	// A new message id is a new prompt.
	second, err := f.svc.Send(t.Context(), &SendRequest{ChatID: "chat-1", MessageID: "msg-2", Turns: userTurn("two")})
	require.NoError(t, err)
	collect(t, second.Handle.Subscribe(t.Context()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestSend_BusyRejectionReleasesMessageID(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	srv := completionsServer(t, &calls, gate, delta("Hello"), "data: [DONE]\n")
	f := newFixture(t, srv.URL)

	first, err := f.svc.Send(t.Context(), &SendRequest{ChatID: "chat-1", MessageID: "msg-1", Turns: userTurn("one")})
	require.NoError(t, err)

	req := &SendRequest{ChatID: "chat-1", MessageID: "msg-2", Turns: userTurn("two")}
	_, err = f.svc.Send(t.Context(), req)
	require.ErrorIs(t, err, stream.ErrChatBusy)

	close(gate)
	collect(t, first.Handle.Subscribe(t.Context()))
	require.Eventually(t, func() bool {
		_, ok := f.streams.Active("chat-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	second, err := f.svc.Send(t.Context(), req)
	require.NoError(t, err, "a rejected send can be retried")
	collect(t, second.Handle.Subscribe(t.Context()))
}

func TestSend_AbortWhileUpstreamSilent(t *testing.T) {
	entered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches the connection and cancels
		// r.Context() when the client disconnects.
		_, _ = io.Copy(io.Discard, r.Body)
		entered <- struct{}{}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	f := newFixture(t, srv.URL)

	done := make(chan *SendResponse, 1)
	go func() {
		resp, err := f.svc.Send(context.Background(), &SendRequest{ChatID: "c1", Turns: userTurn("hello?")})
		assert.NoError(t, err)
		done <- resp
	}()

	var resp *SendResponse
	select {
	case resp = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send waited for upstream response headers")
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never called")
	}

	require.True(t, f.streams.Abort(resp.StreamID))
	assert.Equal(t, []event.Event{event.Finish(event.ReasonAborted)}, collect(t, resp.Handle.Subscribe(t.Context())))

	info, err := f.streams.Get(t.Context(), resp.StreamID)
	require.NoError(t, err)
	assert.Equal(t, store.StreamAborted, info.State)

	msgs, err := f.svc.History(t.Context(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
}

func TestSend_UpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	f := newFixture(t, srv.URL)

	resp, err := f.svc.Send(t.Context(), &SendRequest{ChatID: "chat-1", Turns: userTurn("Hi")})
	require.NoError(t, err)

	events := collect(t, resp.Handle.Subscribe(t.Context()))
	assert.Equal(t, []event.Event{event.Failure("upstream unavailable")}, events, "details stay in the logs")

	msgs, err := f.svc.History(t.Context(), "chat-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "only the user message is recorded")
}

func TestSend_MidStreamErrorIsGeneric(t *testing.T) {
	var calls atomic.Int32
	srv := completionsServer(t, &calls, nil,
		delta("Hel"),
		`data: {"error": {"message": "model exploded at /srv/model.py:42"}}`+"\n",
	)
	f := newFixture(t, srv.URL)

	resp, err := f.svc.Send(t.Context(), &SendRequest{ChatID: "chat-1", Turns: userTurn("Hi")})
	require.NoError(t, err)

	assert.Equal(t, []event.Event{
		event.TextDelta("Hel"),
		event.Failure("upstream unavailable"),
	}, collect(t, resp.Handle.Subscribe(t.Context())))
}

func TestSend_AbortKeepsPartialReply(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	defer close(gate)
	srv := completionsServer(t, &calls, gate, delta("partial"), "data: [DONE]\n")
	f := newFixture(t, srv.URL)

	resp, err := f.svc.Send(t.Context(), &SendRequest{ChatID: "chat-1", Turns: userTurn("Hi")})
	require.NoError(t, err)
	sub := resp.Handle.Subscribe(t.Context())

	first := <-sub
	assert.Equal(t, event.TextDelta("partial"), first)
	require.True(t, f.streams.Abort(resp.StreamID))

	rest := collect(t, sub)
	assert.Equal(t, []event.Event{event.Finish(event.ReasonAborted)}, rest)

	require.Eventually(t, func() bool {
		msgs, err := f.svc.History(context.Background(), "chat-1", 0)
		return err == nil && len(msgs) == 2 && msgs[1].Content == "partial"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecentReply(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0")
	ctx := t.Context()

	_, err := f.svc.RecentReply(ctx, "chat-1", time.Minute)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, f.messages.SaveMessage(ctx, &store.Message{
		ID: "old", ChatID: "chat-1", Role: store.RoleAssistant, Content: "stale",
		CreatedAt: time.Now().Add(-time.Hour),
	}))
	_, err = f.svc.RecentReply(ctx, "chat-1", time.Minute)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, f.messages.SaveMessage(ctx, &store.Message{
		ID: "new", ChatID: "chat-1", Role: store.RoleAssistant, Content: "fresh",
		CreatedAt: time.Now(),
	}))
	msg, err := f.svc.RecentReply(ctx, "chat-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "new", msg.ID)
}
