// ABOUTME: Chat pipeline: correlates a prompt, starts a resumable upstream generation, and persists both sides
// ABOUTME: The user message is recorded before the upstream call; the segmented reply is recorded on finish

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-relay/internal/correlate"
	"github.com/2389/agent-relay/internal/dedupe"
	"github.com/2389/agent-relay/internal/event"
	"github.com/2389/agent-relay/internal/pacing"
	"github.com/2389/agent-relay/internal/segment"
	"github.com/2389/agent-relay/internal/store"
	"github.com/2389/agent-relay/internal/stream"
	"github.com/2389/agent-relay/internal/upstream"
)

// saveTimeout bounds message writes, which run detached from the request.
const saveTimeout = 5 * time.Second

// Retried sends with the same chat and message id within retryWindow
// re-attach to the first attempt's stream.
const (
	retryWindow     = 10 * time.Minute
	maxTrackedSends = 10000
)

var (
	// ErrInvalidRequest wraps request problems detected before any upstream call.
	ErrInvalidRequest = errors.New("invalid chat request")
	// ErrUpstreamUnavailable is the client-facing detail of every upstream
	// failure. The cause is logged.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// DuplicateError reports a send whose message id already started a
// generation. StreamID names that generation.
type DuplicateError struct {
	MessageID string
	StreamID  string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("message %s already sent on stream %s", e.MessageID, e.StreamID)
}

// Upstream opens a streaming generation for one prompt.
type Upstream interface {
	Open(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

// Service runs prompts through the relay pipeline.
type Service struct {
	messages store.MessageStore
	upstream Upstream
	streams  *stream.Registry
	governor *pacing.Governor
	sends    *dedupe.Cache
	logger   *slog.Logger
}

// New creates a Service. A nil governor disables pacing.
func New(messages store.MessageStore, up Upstream, streams *stream.Registry, governor *pacing.Governor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if governor == nil {
		governor = pacing.New(0)
	}
	return &Service{
		messages: messages,
		upstream: up,
		streams:  streams,
		governor: governor,
		sends:    dedupe.New(retryWindow, maxTrackedSends),
		logger:   logger.With("component", "chat"),
	}
}

// Close releases the retry tracker.
func (s *Service) Close() {
	s.sends.Close()
}

// SendRequest is one prompt from a client.
type SendRequest struct {
	// ChatID identifies the conversation. Empty starts a new chat.
	ChatID string
	// MessageID names the user message. Empty generates one.
	MessageID string
	// Turns is the prompt history ending with the user's new turn.
	Turns []correlate.Turn
}

// SendResponse describes the started generation.
type SendResponse struct {
	ChatID    string
	StreamID  string
	MessageID string
	Handle    *stream.Handle
}

// Send starts a generation for req. It fails with ErrInvalidRequest before
// contacting upstream when the prompt has no user turn, and with
// stream.ErrChatBusy when the chat is already generating. A retry of a send
// that already started fails with *DuplicateError.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	turns, err := correlate.Inject(req.Turns, req.ChatID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	upReq, err := upstream.RequestFromTurns(turns)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	chatID, prompt := upReq.ChatID, upReq.Message

	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}
	streamID := uuid.New().String()

	var sendKey string
	if req.ChatID != "" && req.MessageID != "" {
		sendKey = chatID + "/" + messageID
		if prev, dup := s.sends.Claim(sendKey, streamID); dup {
			s.logger.Debug("retried send", "chat_id", chatID, "message_id", messageID, "stream_id", prev)
			return nil, &DuplicateError{MessageID: messageID, StreamID: prev}
		}
	}

	logger := s.logger.With("chat_id", chatID, "stream_id", streamID)
	logger.Debug("prompt accepted", "turns", len(req.Turns), "message_id", messageID)

	produce := func(genCtx context.Context) (<-chan event.Event, error) {
		// Record first, then act.
		if err := s.save(&store.Message{
			ID:        messageID,
			ChatID:    chatID,
			Role:      store.RoleUser,
			Content:   prompt,
			Parts:     []segment.Part{{Type: segment.PartText, Text: prompt}},
			CreatedAt: time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("recording user message: %w", err)
		}

		resp, err := s.upstream.Open(genCtx, upReq)
		if err != nil {
			logger.Warn("upstream call failed", "error", err)
			return nil, ErrUpstreamUnavailable
		}
		paced := s.governor.Pace(genCtx, resp.Events)
		return s.persistReply(genCtx, chatID, streamID, paced, resp, logger), nil
	}

	handle, err := s.streams.Start(ctx, stream.StartParams{StreamID: streamID, ChatID: chatID}, produce)
	if err != nil {
		if sendKey != "" {
			s.sends.Release(sendKey)
		}
		return nil, err
	}

	return &SendResponse{
		ChatID:    chatID,
		StreamID:  streamID,
		MessageID: messageID,
		Handle:    handle,
	}, nil
}

// persistReply forwards events unchanged and records the assistant message
// before the terminal event is released, so a client that sees the finish
// can already read the stored reply.
func (s *Service) persistReply(ctx context.Context, chatID, streamID string, in <-chan event.Event, resp *upstream.Response, logger *slog.Logger) <-chan event.Event {
	out := make(chan event.Event)

	// The accumulator may only be read once the decoder has exited.
	replyText := func() string {
		for range in {
		}
		for range resp.Events {
		}
		return resp.Classifier.Text()
	}

	go func() {
		defer close(out)

		send := func(e event.Event) bool {
			select {
			case out <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for e := range in {
			if !e.Terminal() {
				if !send(e) {
					break
				}
				continue
			}
			text := replyText()
			if e.Type == event.TypeFinish {
				s.saveReply(chatID, streamID, text, logger)
			} else {
				logger.Warn("generation failed", "detail", e.Detail)
				e = event.Failure(ErrUpstreamUnavailable.Error())
			}
			send(e)
			return
		}

		// Cancelled or closed without a terminal event: keep the partial reply.
		s.saveReply(chatID, streamID, replyText(), logger)
	}()

	return out
}

func (s *Service) saveReply(chatID, streamID, text string, logger *slog.Logger) {
	parts := segment.Parts(text)
	if len(parts) == 0 {
		logger.Debug("empty reply, nothing to record")
		return
	}

	msg := &store.Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Role:      store.RoleAssistant,
		Content:   segment.PlainText(parts),
		Parts:     parts,
		StreamID:  streamID,
		CreatedAt: time.Now(),
	}
	if err := s.save(msg); err != nil {
		logger.Error("failed to record assistant message", "error", err)
		return
	}
	logger.Debug("assistant message recorded", "message_id", msg.ID, "parts", len(parts))
}

// save writes msg with a context detached from the request.
func (s *Service) save(msg *store.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	return s.messages.SaveMessage(ctx, msg)
}

// History returns the most recent limit messages of a chat, oldest first.
// A limit of zero returns all of them.
func (s *Service) History(ctx context.Context, chatID string, limit int) ([]*store.Message, error) {
	return s.messages.GetChatMessages(ctx, chatID, limit)
}

// RecentReply returns the chat's last assistant message when it was recorded
// within window. It lets a client that reconnects just after a generation
// finished restore the reply after its stream log is gone.
func (s *Service) RecentReply(ctx context.Context, chatID string, window time.Duration) (*store.Message, error) {
	msg, err := s.messages.LatestMessage(ctx, chatID, store.RoleAssistant)
	if err != nil {
		return nil, err
	}
	if window <= 0 || time.Since(msg.CreatedAt) > window {
		return nil, store.ErrNotFound
	}
	return msg, nil
}
