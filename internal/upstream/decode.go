// ABOUTME: Read/classify loop that turns an upstream response into an ordered event channel
// ABOUTME: Applies implicit-abort, transport-error, and cancellation termination rules

package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/2389/agent-relay/internal/event"
)

// eventBufferSize matches the response channel buffer used by the pipeline.
const eventBufferSize = 16

// Response is an in-flight upstream generation.
type Response struct {
	// Events yields normalized events in order and closes after a terminal
	// event, or without one if the context was cancelled.
	Events <-chan event.Event
	// Classifier exposes the full-text accumulator. Read it only after
	// Events has closed.
	Classifier Classifier
}

// Open issues req and starts decoding the response.
func (c *Client) Open(ctx context.Context, req Request) (*Response, error) {
	reader, body, err := c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	classifier := c.NewClassifier()
	events := decode(ctx, reader, classifier, body, c.logger.With("chat_id", req.ChatID))
	return &Response{Events: events, Classifier: classifier}, nil
}

// Decode runs the read/classify loop over r in its own goroutine.
func Decode(ctx context.Context, r *Reader, c Classifier, logger *slog.Logger) <-chan event.Event {
	if logger == nil {
		logger = slog.Default()
	}
	return decode(ctx, r, c, nil, logger)
}

func decode(ctx context.Context, r *Reader, c Classifier, body io.Closer, logger *slog.Logger) <-chan event.Event {
	out := make(chan event.Event, eventBufferSize)

	go func() {
		defer close(out)
		if body != nil {
			defer body.Close()
		}

		send := func(e event.Event) bool {
			// out is buffered, so a ready send could otherwise win the select.
			if ctx.Err() != nil {
				return false
			}
			select {
			case out <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			f, err := r.Next(ctx)
			if err != nil {
				switch {
				case ctx.Err() != nil:
					logger.Debug("upstream read cancelled")
				case errors.Is(err, io.EOF):
					logger.Debug("upstream closed before terminal frame")
					send(event.Finish(event.ReasonAborted))
				default:
					logger.Warn("upstream read failed", "error", err)
					send(event.Failure(err.Error()))
				}
				return
			}

			logger.Debug("upstream frame", "ordinal", f.Ordinal, "raw", f.Raw)

			for _, e := range c.Classify(f) {
				if !send(e) {
					return
				}
				if e.Terminal() {
					return
				}
			}
		}
	}()

	return out
}
