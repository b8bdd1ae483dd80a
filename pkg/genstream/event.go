// Package genstream implements the generation stream engine: it turns one
// accepted chat turn into a durable, ordered, replayable event sequence,
// fans new events out to live subscribers, and lets clients resume from any
// cursor without loss or duplication.
//
// The engine persists three kinds of records in KV (see keys.go for the
// layout): generation state, the per-generation event log, and the
// conversation's turns and messages. All generation and event writes go
// through the single producer goroutine that owns the generation.
package genstream

import (
	"encoding/json"
	"time"
)

// Kind identifies an event's payload shape.
type Kind string

const (
	KindMeta    Kind = "meta"
	KindDelta   Kind = "delta"
	KindUsage   Kind = "usage"
	KindOptions Kind = "options"
	KindDone    Kind = "done"
	KindError   Kind = "error"
)

// Terminal reports whether events of this kind end a generation's timeline.
func (k Kind) Terminal() bool {
	return k == KindDone || k == KindError
}

// Event is one immutable fact in a generation's timeline. Seq starts at 1
// and increases without gaps; exactly one terminal event exists per finished
// generation and it is always last.
type Event struct {
	GenerationID string          `msgpack:"gen_id" json:"generationId"`
	Seq          int64           `msgpack:"seq" json:"seq"`
	Kind         Kind            `msgpack:"kind" json:"kind"`
	Payload      json.RawMessage `msgpack:"payload" json:"payload"`
	CreatedAt    time.Time       `msgpack:"created_at" json:"createdAt"`
}

// Payload shapes by kind, as rendered on the wire.

type MetaPayload struct {
	GenerationID   string    `json:"generationId"`
	ConversationID string    `json:"conversationId"`
	Model          string    `json:"model"`
	CreatedAt      time.Time `json:"createdAt"`
}

type DeltaPayload struct {
	Text string `json:"text"`
}

type UsagePayload struct {
	PromptTokens     int64 `json:"promptTokens,omitempty"`
	CompletionTokens int64 `json:"completionTokens,omitempty"`
	TotalTokens      int64 `json:"totalTokens,omitempty"`
}

type OptionsPayload struct {
	Items  []Option `json:"items"`
	Source string   `json:"source"`
}

type DonePayload struct {
	AssistantMessageID string `json:"assistantMessageId,omitempty"`
	FinishReason       string `json:"finishReason,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
