// Package chat defines the upstream language-model adapter boundary: a
// streaming chat call that yields text fragments, finish reasons, and usage
// metrics one chunk at a time. The engine treats the model wire protocol as
// opaque; this package carries the OpenAI and Gemini implementations.
package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Roles for Request messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrDone is returned by Stream.Next when the upstream stream is exhausted.
var ErrDone = errors.New("chat: done")

// ErrRateLimited marks upstream rate limiting so callers can distinguish it
// from generic upstream failure. Test with errors.Is.
var ErrRateLimited = errors.New("chat: rate limited")

// UpstreamError wraps any non-rate-limit failure reported by the provider.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("chat: upstream error: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Message is one turn of prompt context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one streaming chat call.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int

	// ResponseSchema, when set, constrains the reply to JSON conforming to
	// the schema. Providers that cannot enforce a schema fall back to plain
	// JSON mode; callers must still extract defensively.
	ResponseSchema *jsonschema.Schema
}

// Usage carries token accounting reported by the provider. Zero fields mean
// the provider did not report that counter.
type Usage struct {
	PromptTokens     int64 `json:"promptTokens,omitempty"`
	CompletionTokens int64 `json:"completionTokens,omitempty"`
	TotalTokens      int64 `json:"totalTokens,omitempty"`
}

// IsZero reports whether no counter was observed.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// Chunk is one inbound stream fragment. Any field may be unset: text-only
// chunks are common, and finish reason plus usage typically arrive on the
// last chunk.
type Chunk struct {
	Text         string
	FinishReason string
	Usage        *Usage
}

// Stream yields chunks in upstream order. Next returns ErrDone at end of
// stream; any other error is terminal for the stream.
type Stream interface {
	Next() (*Chunk, error)
	Close() error
	CloseWithError(error) error
}

// Streamer is the upstream adapter contract. Implementations invoke the
// provider's streaming chat endpoint and surface chunks sequentially.
type Streamer interface {
	StreamChat(ctx context.Context, req Request) (Stream, error)
}
