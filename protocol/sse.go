package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SSEWriter frames wire objects as Server-Sent Events on an HTTP response
// and flushes after every frame so clients observe frames as they are
// produced.
type SSEWriter struct {
	w io.Writer
	f http.Flusher
}

// NewSSEWriter prepares w for event streaming, setting the response headers
// before the first byte is written.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	f, _ := w.(http.Flusher)
	return &SSEWriter{w: w, f: f}
}

// WriteJSON encodes v and writes it as one data frame.
func (s *SSEWriter) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flush()
	return nil
}

// WriteRaw writes an already-encoded wire fragment. The fragment is
// normalized to exactly one blank-line terminator no matter how many
// trailing newlines it carries.
func (s *SSEWriter) WriteRaw(payload string) error {
	if _, err := io.WriteString(s.w, strings.TrimRight(payload, "\n")+"\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

// WriteDone writes the literal stream terminator used by the OpenAI
// protocol.
func (s *SSEWriter) WriteDone() error {
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *SSEWriter) flush() {
	if s.f != nil {
		s.f.Flush()
	}
}
