package sse

import (
	"fmt"
	"net/http"
	"strings"
)

// Writer emits Server-Sent Events frames. Every frame is flushed
// immediately; proxy buffering is disabled through the response headers.
type Writer struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewWriter wraps w, failing when the underlying connection cannot stream.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: response writer does not support flushing")
	}
	return &Writer{w: w, f: f}, nil
}

// WriteHeaders sends the SSE response headers and commits the 200 status.
func (w *Writer) WriteHeaders() {
	h := w.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.w.WriteHeader(http.StatusOK)
	w.f.Flush()
}

// Send writes one event frame. data must not be empty; multi-line data is
// split into one data: line per line per the SSE framing rules.
func (w *Writer) Send(id, event string, data []byte) error {
	var sb strings.Builder
	if id != "" {
		sb.WriteString("id: ")
		sb.WriteString(id)
		sb.WriteByte('\n')
	}
	if event != "" {
		sb.WriteString("event: ")
		sb.WriteString(event)
		sb.WriteByte('\n')
	}
	for _, line := range strings.Split(string(data), "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	if _, err := fmt.Fprint(w.w, sb.String()); err != nil {
		return err
	}
	w.f.Flush()
	return nil
}

// Comment writes a comment frame. Clients ignore it; intermediaries see
// traffic and keep the connection alive.
func (w *Writer) Comment(text string) error {
	if _, err := fmt.Fprintf(w.w, ": %s\n\n", text); err != nil {
		return err
	}
	w.f.Flush()
	return nil
}
