// ABOUTME: HTTP API handlers exposing relayed agent responses as SSE streams
// ABOUTME: Covers prompting, resuming by chat or stream id, aborting, and message history

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/agent-relay/internal/chat"
	"github.com/2389/agent-relay/internal/correlate"
	"github.com/2389/agent-relay/internal/event"
	"github.com/2389/agent-relay/internal/segment"
	"github.com/2389/agent-relay/internal/store"
	"github.com/2389/agent-relay/internal/stream"
)

// keepAliveInterval spaces SSE comment lines on idle streams.
const keepAliveInterval = 15 * time.Second

// maxRequestBody bounds POST /api/chat bodies.
const maxRequestBody = 1 << 20

// ChatRequest is the JSON request body for POST /api/chat.
type ChatRequest struct {
	ChatID    string                  `json:"chat_id,omitempty"`
	MessageID string                  `json:"message_id,omitempty"`
	Content   string                  `json:"content,omitempty"`
	Parts     []correlate.ContentPart `json:"parts,omitempty"`
	History   []correlate.Turn        `json:"history,omitempty"`
}

// StartedEvent is the first SSE event of every stream.
type StartedEvent struct {
	StreamID  string `json:"stream_id"`
	ChatID    string `json:"chat_id"`
	Resumable bool   `json:"resumable"`
}

// BusyResponse is the 409 body returned when a chat is already generating.
type BusyResponse struct {
	Error    string `json:"error"`
	StreamID string `json:"stream_id"`
}

// MessageResponse is one persisted message.
type MessageResponse struct {
	ID        string         `json:"id"`
	ChatID    string         `json:"chat_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Parts     []segment.Part `json:"parts,omitempty"`
	StreamID  string         `json:"stream_id,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// ChatMessagesResponse is the JSON response for GET /api/chats/{id}/messages.
type ChatMessagesResponse struct {
	ChatID   string            `json:"chat_id"`
	Messages []MessageResponse `json:"messages"`
}

func toMessageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Role:      m.Role,
		Content:   m.Content,
		Parts:     m.Parts,
		StreamID:  m.StreamID,
		CreatedAt: m.CreatedAt.Format(time.RFC3339),
	}
}

// parseChatRequest parses and validates a ChatRequest. The prompt turns are
// the history followed by the new user turn.
func parseChatRequest(r io.Reader) (*ChatRequest, []correlate.Turn, error) {
	var req ChatRequest
	if err := json.NewDecoder(io.LimitReader(r, maxRequestBody)).Decode(&req); err != nil {
		return nil, nil, errors.New("invalid JSON body")
	}

	turns := append([]correlate.Turn(nil), req.History...)
	if req.Content != "" || len(req.Parts) > 0 {
		turns = append(turns, correlate.Turn{
			Role:    correlate.RoleUser,
			Content: req.Content,
			Parts:   req.Parts,
		})
	}
	return &req, turns, nil
}

// handleChat handles POST /api/chat. It starts a generation and streams it
// as SSE, beginning with a "started" event.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	req, turns, err := parseChatRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Check streaming support before sending (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	resp, err := g.chat.Send(r.Context(), &chat.SendRequest{
		ChatID:    req.ChatID,
		MessageID: req.MessageID,
		Turns:     turns,
	})
	if err != nil {
		var busy *stream.BusyError
		var dup *chat.DuplicateError
		switch {
		case errors.As(err, &dup):
			g.resumeDuplicate(w, r, flusher, dup)
		case errors.Is(err, chat.ErrInvalidRequest):
			g.logger.Debug("rejected chat request", "error", err)
			g.sendJSONError(w, http.StatusBadRequest, "a user message is required")
		case errors.As(err, &busy):
			g.sendJSON(w, http.StatusConflict, BusyResponse{
				Error:    "chat already has an active generation",
				StreamID: busy.StreamID,
			})
		default:
			g.logger.Error("failed to start chat", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	g.startSSE(w)
	g.writeSSEEvent(w, "started", StartedEvent{
		StreamID:  resp.StreamID,
		ChatID:    resp.ChatID,
		Resumable: resp.Handle.Resumable(),
	})
	flusher.Flush()

	g.streamEvents(r.Context(), w, flusher, resp.Handle.Subscribe(r.Context()))
}

// resumeDuplicate answers a retried send by attaching to the stream its
// first attempt started, or 409 when that stream cannot be replayed.
func (g *Gateway) resumeDuplicate(w http.ResponseWriter, r *http.Request, flusher http.Flusher, dup *chat.DuplicateError) {
	info, err := g.streams.Get(r.Context(), dup.StreamID)
	if err == nil && info.Resumable {
		g.attach(w, r, flusher, info)
		return
	}
	if err != nil && !errors.Is(err, stream.ErrNotFound) {
		g.logger.Error("looking up stream failed", "stream_id", dup.StreamID, "error", err)
	}
	g.sendJSON(w, http.StatusConflict, BusyResponse{
		Error:    "message already sent",
		StreamID: dup.StreamID,
	})
}

// handleResumeChat handles GET /api/chat/stream?chat_id=X. It re-attaches to
// the chat's most recent stream, or replays a just-finished reply whose log
// is already gone. 204 means there is nothing to resume.
func (g *Gateway) handleResumeChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	if !g.streams.Resumable() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	info, err := g.streams.Latest(r.Context(), chatID)
	switch {
	case err == nil && info.Resumable:
		g.attach(w, r, flusher, info)
		return
	case err != nil && !errors.Is(err, stream.ErrNotFound):
		g.logger.Error("looking up latest stream failed", "chat_id", chatID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	msg, err := g.chat.RecentReply(r.Context(), chatID, g.config.Registry.RestoreWindow)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Error("looking up recent reply failed", "chat_id", chatID, "error", err)
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	g.startSSE(w)
	g.writeSSEEvent(w, "message", toMessageResponse(msg))
	flusher.Flush()
}

// handleResumeStream handles GET /api/streams/{id}.
func (g *Gateway) handleResumeStream(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	if !g.streams.Resumable() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	info, err := g.streams.Get(r.Context(), streamID)
	if errors.Is(err, stream.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "stream not found")
		return
	}
	if err != nil {
		g.logger.Error("looking up stream failed", "stream_id", streamID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !info.Resumable {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	g.attach(w, r, flusher, info)
}

// attach replays and follows a stream for the requesting client.
func (g *Gateway) attach(w http.ResponseWriter, r *http.Request, flusher http.Flusher, info stream.Info) {
	events, err := g.streams.Attach(r.Context(), info.StreamID)
	if err != nil {
		g.logger.Error("attaching to stream failed", "stream_id", info.StreamID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Debug("client resumed stream",
		"stream_id", info.StreamID,
		"chat_id", info.ChatID,
		"state", info.State,
		"buffered", info.Events)

	g.startSSE(w)
	g.writeSSEEvent(w, "started", StartedEvent{
		StreamID:  info.StreamID,
		ChatID:    info.ChatID,
		Resumable: true,
	})
	flusher.Flush()

	g.streamEvents(r.Context(), w, flusher, events)
}

// handleAbortStream handles DELETE /api/streams/{id}.
func (g *Gateway) handleAbortStream(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	if !g.streams.Abort(streamID) {
		g.sendJSONError(w, http.StatusNotFound, "no active generation for stream")
		return
	}
	g.sendJSON(w, http.StatusAccepted, map[string]any{"stream_id": streamID, "aborted": true})
}

// handleChatMessages handles GET /api/chats/{id}/messages?limit=N.
func (g *Gateway) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	msgs, err := g.chat.History(r.Context(), chatID, limit)
	if err != nil {
		g.logger.Error("failed to load messages", "chat_id", chatID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ChatMessagesResponse{ChatID: chatID, Messages: make([]MessageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, toMessageResponse(m))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// startSSE sets the event stream headers.
func (g *Gateway) startSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// streamEvents writes events as SSE until the channel closes or the client
// goes away. Leaving early detaches only this client.
func (g *Gateway) streamEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan event.Event) {
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-keepAlive.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			flusher.Flush()

		case e, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(e.Type), e)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, name string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", name)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
