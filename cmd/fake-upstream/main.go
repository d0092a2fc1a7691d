// ABOUTME: Scriptable fake upstream agent for manual end-to-end runs against agent-relay
// ABOUTME: Speaks the completions and a2a shapes with keep-alive pings and arbitrary chunking

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

type options struct {
	addr      string
	shape     string
	delay     time.Duration
	chunk     int
	pingEvery int
	blocks    bool
	fail      bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var opts options
	cmd := &cobra.Command{
		Use:           "fake-upstream",
		Short:         "Serve a scripted streaming agent reply",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "localhost:9000", "listen address")
	cmd.Flags().StringVar(&opts.shape, "shape", "completions", "wire shape: completions | a2a")
	cmd.Flags().DurationVar(&opts.delay, "delay", 50*time.Millisecond, "delay between writes")
	cmd.Flags().IntVar(&opts.chunk, "chunk", 0, "max bytes per write; 0 writes whole frames, -1 randomizes")
	cmd.Flags().IntVar(&opts.pingEvery, "ping-every", 3, "emit a keep-alive ping every N frames (0 disables)")
	cmd.Flags().BoolVar(&opts.blocks, "blocks", false, "terminate frames with a blank line")
	cmd.Flags().BoolVar(&opts.fail, "fail", false, "end every reply with an upstream error")

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	if opts.shape != "completions" && opts.shape != "a2a" {
		return fmt.Errorf("unknown shape %q", opts.shape)
	}
	logger := slog.Default()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		prompt := promptFrom(opts.shape, body)
		logger.Info("received prompt", "shape", opts.shape, "prompt", prompt)

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		frames := script(opts, prompt)
		if err := writeFrames(r.Context(), w, flusher, frames, opts); err != nil {
			logger.Info("client went away", "error", err)
		}
	})

	srv := &http.Server{Addr: opts.addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("fake upstream listening", "addr", opts.addr, "shape", opts.shape)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// promptFrom extracts the user text from either request shape.
func promptFrom(shape string, body []byte) string {
	doc := gjson.ParseBytes(body)
	if shape == "a2a" {
		var parts []string
		doc.Get("params.message.parts").ForEach(func(_, p gjson.Result) bool {
			parts = append(parts, p.Get("text").String())
			return true
		})
		return strings.Join(parts, "")
	}
	return doc.Get("message").String()
}

// script builds the data payloads of one reply: some text, a status
// marker, a tool call, more text, and a terminal frame.
func script(opts options, prompt string) []string {
	if opts.shape == "a2a" {
		frames := []string{
			a2aArtifact("Echo: "),
			a2aArtifact(prompt),
			a2aStatus("working", "🔍 Searching the web", false),
			a2aArtifact("\n\nDone looking."),
		}
		if opts.fail {
			return append(frames, a2aStatus("failed", "scripted failure", true))
		}
		return append(frames, a2aStatus("completed", "", true))
	}

	frames := []string{
		completionsDelta(map[string]any{"content": "Echo: "}),
		completionsDelta(map[string]any{"content": prompt}),
		completionsDelta(map[string]any{"content": "🔍 Searching the web"}),
		completionsDelta(map[string]any{"tool_call": map[string]any{
			"name":      "send_task",
			"arguments": map[string]any{"agent_name": "research_agent", "task": "look it up"},
		}}),
		completionsDelta(map[string]any{"content": "\n\nDone looking."}),
	}
	if opts.fail {
		return append(frames, `{"choices": [{"delta": {`)
	}
	return append(frames, "[DONE]")
}

func completionsDelta(delta map[string]any) string {
	b, _ := json.Marshal(map[string]any{"choices": []any{map[string]any{"delta": delta}}})
	return string(b)
}

func a2aArtifact(text string) string {
	b, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      "1",
		"result": map[string]any{
			"kind":     "artifact-update",
			"artifact": map[string]any{"parts": []any{map[string]any{"kind": "text", "text": text}}},
		},
	})
	return string(b)
}

func a2aStatus(state, text string, final bool) string {
	status := map[string]any{"state": state}
	if text != "" {
		status["message"] = map[string]any{"parts": []any{map[string]any{"kind": "text", "text": text}}}
	}
	b, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      "1",
		"result":  map[string]any{"kind": "status-update", "status": status, "final": final},
	})
	return string(b)
}

// writeFrames renders payloads as data lines, optionally split into
// arbitrary byte chunks so frames straddle network reads.
func writeFrames(ctx context.Context, w io.Writer, flusher http.Flusher, payloads []string, opts options) error {
	terminator := "\n"
	if opts.blocks {
		terminator = "\n\n"
	}

	var out strings.Builder
	for i, p := range payloads {
		if opts.pingEvery > 0 && i > 0 && i%opts.pingEvery == 0 {
			out.WriteString(": ping" + terminator)
		}
		out.WriteString("data: " + p + terminator)
	}
	stream := out.String()

	for len(stream) > 0 {
		n := nextChunk(stream, opts)
		if _, err := io.WriteString(w, stream[:n]); err != nil {
			return err
		}
		flusher.Flush()
		stream = stream[n:]

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.delay):
		}
	}
	return nil
}

func nextChunk(rest string, opts options) int {
	switch {
	case opts.chunk > 0:
		return min(opts.chunk, len(rest))
	case opts.chunk < 0:
		return 1 + rand.IntN(min(32, len(rest)))
	}
	// Whole frames, pings included.
	if i := strings.Index(rest, "\n"); i >= 0 {
		if opts.blocks && i+1 < len(rest) && rest[i+1] == '\n' {
			return i + 2
		}
		return i + 1
	}
	return len(rest)
}
