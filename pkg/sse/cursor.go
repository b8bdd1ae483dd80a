// Package sse exposes the generation stream engine over HTTP: turn
// admission, conversation deletion, and a resumable Server-Sent Events feed
// of generation events keyed by Last-Event-ID cursors.
package sse

import (
	"strconv"
	"strings"

	"github.com/achcyano/mindisle-server/pkg/genstream"
)

// EventID renders the SSE id for an event, "{generationID}:{seq}". Browsers
// echo it back verbatim as Last-Event-ID on reconnect.
func EventID(ev *genstream.Event) string {
	return ev.GenerationID + ":" + strconv.FormatInt(ev.Seq, 10)
}

// ParseLastEventID extracts the resume cursor from a Last-Event-ID header.
// An empty header means start from the beginning. The canonical form is
// "{generationID}:{seq}"; a bare integer is accepted from clients that strip
// the generation prefix. A cursor naming a different generation than the
// request path is rejected.
func ParseLastEventID(header, genID string) (int64, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, nil
	}
	raw := header
	if i := strings.LastIndexByte(header, ':'); i >= 0 {
		if header[:i] != genID {
			return 0, genstream.E(genstream.CodeInvalidArgument,
				"cursor names generation %q, path names %q", header[:i], genID)
		}
		raw = header[i+1:]
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, genstream.E(genstream.CodeInvalidArgument, "malformed cursor %q", header)
	}
	if seq < 0 {
		return 0, genstream.E(genstream.CodeInvalidArgument, "negative cursor %q", header)
	}
	return seq, nil
}
