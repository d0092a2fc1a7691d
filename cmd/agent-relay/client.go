// ABOUTME: Client subcommands that talk to a running relay over HTTP
// ABOUTME: ask sends a prompt and prints events; resume re-attaches; health checks readiness

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/agent-relay/internal/event"
)

var addrFlag string

// relayURL builds a URL on the relay from --addr or the configured address.
func relayURL(path string) (string, error) {
	addr := addrFlag
	if addr == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return "", err
		}
		addr = cfg.Server.HTTPAddr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + path, nil
}

func addAddrFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&addrFlag, "addr", "", "relay address (default server.http_addr from config)")
}

func newAskCmd() *cobra.Command {
	var chatID string
	var raw bool

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send a prompt and print the streamed reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{
				"chat_id": chatID,
				"content": strings.Join(args, " "),
			})
			if err != nil {
				return err
			}
			u, err := relayURL("/api/chat")
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, u, bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			return stream(cmd.Context(), req, raw)
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "chat id (generated when empty)")
	cmd.Flags().BoolVar(&raw, "raw", false, "print raw SSE events")
	addAddrFlag(cmd)
	return cmd
}

func newResumeCmd() *cobra.Command {
	var chatID string
	var raw bool

	cmd := &cobra.Command{
		Use:   "resume [stream-id]",
		Short: "Re-attach to a stream by id, or to a chat's latest stream with --chat",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			switch {
			case len(args) == 1:
				path = "/api/streams/" + url.PathEscape(args[0])
			case chatID != "":
				path = "/api/chat/stream?chat_id=" + url.QueryEscape(chatID)
			default:
				return errors.New("a stream id or --chat is required")
			}
			u, err := relayURL(path)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			return stream(cmd.Context(), req, raw)
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "resume the chat's most recent stream")
	cmd.Flags().BoolVar(&raw, "raw", false, "print raw SSE events")
	addAddrFlag(cmd)
	return cmd
}

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check relay readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := relayURL("/health/ready")
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			fmt.Println(strings.TrimSpace(string(body)))
			return nil
		},
	}
	addAddrFlag(cmd)
	return cmd
}

// stream performs req and renders the SSE response until it ends.
func stream(ctx context.Context, req *http.Request, raw bool) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		fmt.Fprintln(os.Stderr, "nothing to resume")
		return nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	var name string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if raw {
			fmt.Println(line)
			continue
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch name {
			case "started":
				var s struct {
					StreamID  string `json:"stream_id"`
					ChatID    string `json:"chat_id"`
					Resumable bool   `json:"resumable"`
				}
				_ = json.Unmarshal([]byte(data), &s)
				gray.Fprintf(os.Stderr, "stream %s (chat %s, resumable=%t)\n", s.StreamID, s.ChatID, s.Resumable)
			case "message":
				var m struct {
					Content string `json:"content"`
				}
				_ = json.Unmarshal([]byte(data), &m)
				fmt.Println(m.Content)
			default:
				var e event.Event
				if err := json.Unmarshal([]byte(data), &e); err != nil {
					continue
				}
				switch e.Type {
				case event.TypeTextDelta:
					fmt.Print(e.Text)
				case event.TypeStatus:
					yellow.Printf("\n[%s: %s]\n", e.Phase, e.Label)
				case event.TypeToolCall:
					yellow.Printf("\n[tool: %s]\n", e.Title)
				case event.TypeFinish:
					fmt.Println()
					gray.Fprintf(os.Stderr, "finished (%s)\n", e.Reason)
				case event.TypeError:
					fmt.Println()
					red.Fprintf(os.Stderr, "error: %s\n", e.Detail)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}
