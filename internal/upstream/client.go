// ABOUTME: HTTP client for the upstream agent's streaming endpoint
// ABOUTME: Encodes the flat or JSON-RPC envelope request body and opens a frame reader on the response

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-relay/internal/correlate"
)

// Shape selects the upstream wire protocol.
type Shape string

const (
	// ShapeCompletions is the flat {message, chat_id} request answered with
	// OpenAI-style choices[0].delta chunks.
	ShapeCompletions Shape = "completions"
	// ShapeA2A is the JSON-RPC message/stream envelope answered with
	// status-update and artifact-update results.
	ShapeA2A Shape = "a2a"
)

// ParseShape maps a config value to a Shape.
func ParseShape(s string) (Shape, error) {
	switch Shape(s) {
	case "", ShapeCompletions:
		return ShapeCompletions, nil
	case ShapeA2A:
		return ShapeA2A, nil
	default:
		return "", fmt.Errorf("unknown upstream shape %q (want completions or a2a)", s)
	}
}

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 4096

// TransportError reports an unreachable upstream or a non-success response.
type TransportError struct {
	StatusCode int    // 0 when no response was received
	Body       string // truncated response body, if any
	Err        error  // underlying cause when no response was received
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream unreachable: %v", e.Err)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Request is one outbound prompt.
type Request struct {
	ChatID  string
	Message string
}

// RequestFromTurns builds the outbound request from correlated prompt turns:
// the chat id comes from the marker turn and the message from the last user
// turn. Marker turns never reach the wire as text.
func RequestFromTurns(turns []correlate.Turn) (Request, error) {
	chatID, rest, err := correlate.Extract(turns)
	if err != nil {
		return Request{}, err
	}
	msg, err := correlate.LastUserText(rest)
	if err != nil {
		return Request{}, err
	}
	return Request{ChatID: chatID, Message: msg}, nil
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Endpoint string
	Shape    Shape
	Framing  FrameMode
	Headers  map[string]string
	// HeaderTimeout bounds the wait for response headers. The body itself is
	// unbounded so long generations are not cut off.
	HeaderTimeout time.Duration
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client issues streaming calls to the upstream agent.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a Client. Pass nil logger for default.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = (&net.Dialer{Timeout: 10 * time.Second}).DialContext
		transport.ResponseHeaderTimeout = cfg.HeaderTimeout
		httpClient = &http.Client{Transport: transport}
	}
	if cfg.Shape == "" {
		cfg.Shape = ShapeCompletions
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With("component", "upstream"),
	}
}

// Shape returns the configured wire shape.
func (c *Client) Shape() Shape {
	return c.cfg.Shape
}

// NewClassifier returns a fresh classifier matching the configured shape.
// Classifiers hold per-response state and must not be shared.
func (c *Client) NewClassifier() Classifier {
	return NewClassifier(c.cfg.Shape, nil, c.logger)
}

// Stream posts req and returns a frame reader over the response body. The
// caller must close the returned io.Closer. Cancelling ctx aborts the request.
func (c *Client) Stream(ctx context.Context, req Request) (*Reader, io.Closer, error) {
	body, err := EncodeRequest(c.cfg.Shape, req)
	if err != nil {
		return nil, nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("building upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	c.logger.Debug("upstream request",
		"chat_id", req.ChatID,
		"shape", c.cfg.Shape,
		"bytes", len(body))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("upstream error response",
			"chat_id", req.ChatID,
			"status", resp.StatusCode,
			"body", string(errBody))
		return nil, nil, &TransportError{StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	return NewReader(resp.Body, c.cfg.Framing), resp.Body, nil
}

type flatRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chat_id"`
}

type envelopeRequest struct {
	JSONRPC         string         `json:"jsonrpc"`
	ID              string         `json:"id"`
	ProtocolVersion string         `json:"protocolVersion"`
	Method          string         `json:"method"`
	Params          envelopeParams `json:"params"`
}

type envelopeParams struct {
	Message envelopeMessage `json:"message"`
	ChatID  string          `json:"chat_id"`
}

type envelopeMessage struct {
	MessageID string         `json:"messageId"`
	Role      string         `json:"role"`
	Parts     []envelopePart `json:"parts"`
}

type envelopePart struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// EncodeRequest renders the request body for the given shape.
func EncodeRequest(shape Shape, req Request) ([]byte, error) {
	var v any
	switch shape {
	case ShapeCompletions:
		v = flatRequest{Message: req.Message, ChatID: req.ChatID}
	case ShapeA2A:
		v = envelopeRequest{
			JSONRPC:         "2.0",
			ID:              uuid.New().String(),
			ProtocolVersion: "2.0",
			Method:          "message/stream",
			Params: envelopeParams{
				Message: envelopeMessage{
					MessageID: uuid.New().String(),
					Role:      "user",
					Parts:     []envelopePart{{Kind: "text", Text: req.Message}},
				},
				ChatID: req.ChatID,
			},
		}
	default:
		return nil, fmt.Errorf("unknown upstream shape %q", shape)
	}

	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding upstream request: %w", err)
	}
	return body, nil
}
