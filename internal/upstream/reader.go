// ABOUTME: Frame splitter for the upstream byte stream with a carry-over buffer across reads
// ABOUTME: Emits newline or blank-line delimited frames and discards comment keep-alives

package upstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// FrameMode selects how the byte stream is cut into frames.
type FrameMode int

const (
	// FrameLines emits every non-empty, non-comment line as its own frame.
	FrameLines FrameMode = iota
	// FrameBlocks emits blank-line separated blocks (SSE events) as frames.
	FrameBlocks
)

// ParseFrameMode maps a config value to a FrameMode.
func ParseFrameMode(s string) (FrameMode, error) {
	switch s {
	case "", "lines":
		return FrameLines, nil
	case "blocks":
		return FrameBlocks, nil
	default:
		return FrameLines, fmt.Errorf("unknown framing %q (want lines or blocks)", s)
	}
}

// Frame is one delimited unit of the upstream stream.
type Frame struct {
	Raw       string
	Ordinal   int
	ArrivedAt time.Time
}

// Reader turns an arbitrarily chunked byte stream into frames. A frame is
// only emitted once its delimiter (or end of input) has been read.
type Reader struct {
	br      *bufio.Reader
	mode    FrameMode
	ordinal int
	block   []string
	eof     bool
	now     func() time.Time
}

// NewReader wraps r. The caller owns r and closes it.
func NewReader(r io.Reader, mode FrameMode) *Reader {
	return &Reader{
		br:   bufio.NewReader(r),
		mode: mode,
		now:  time.Now,
	}
}

// Next returns the next frame. It returns io.EOF once the input is exhausted
// and ctx.Err() as soon as ctx is done, without emitting anything further.
func (r *Reader) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		if r.eof {
			if raw, ok := r.flushBlock(); ok {
				return r.frame(raw), nil
			}
			return Frame{}, io.EOF
		}

		line, err := r.br.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return Frame{}, ctxErr
				}
				return Frame{}, fmt.Errorf("reading upstream: %w", err)
			}
			r.eof = true
			if line == "" {
				continue
			}
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if raw, ok := r.consume(line); ok {
			return r.frame(raw), nil
		}
	}
}

// consume feeds one line into the splitter and reports a completed frame.
func (r *Reader) consume(line string) (string, bool) {
	blank := strings.TrimSpace(line) == ""
	comment := strings.HasPrefix(line, ":")

	if r.mode == FrameLines {
		if blank || comment {
			return "", false
		}
		return line, true
	}

	if blank {
		return r.flushBlock()
	}
	if !comment {
		r.block = append(r.block, line)
	}
	return "", false
}

func (r *Reader) flushBlock() (string, bool) {
	if len(r.block) == 0 {
		return "", false
	}
	raw := strings.Join(r.block, "\n")
	r.block = r.block[:0]
	return raw, true
}

func (r *Reader) frame(raw string) Frame {
	r.ordinal++
	return Frame{Raw: raw, Ordinal: r.ordinal, ArrivedAt: r.now()}
}

// DataPayload extracts the SSE data field of a frame. Multiple data lines are
// joined with a newline. ok is false when the frame has no data field.
func DataPayload(raw string) (payload string, ok bool) {
	var parts []string
	for _, line := range strings.Split(raw, "\n") {
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		value := strings.TrimPrefix(line, "data:")
		value = strings.TrimPrefix(value, " ")
		parts = append(parts, value)
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}
