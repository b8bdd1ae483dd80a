package genstream

import "time"

// Status is a generation's lifecycle state. Transitions go from
// StatusRunning to exactly one terminal status and never back.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Generation identifies one chat-turn execution and its outcome. It is
// created by the coordinator and mutated only by the producer goroutine
// that owns it.
type Generation struct {
	ID             string `msgpack:"id"`
	UserID         string `msgpack:"user_id"`
	ConversationID string `msgpack:"conv_id"`
	Status         Status `msgpack:"status"`

	// Request is the serialized turn request, kept so the prompt context
	// can be reconstructed if the producer task is restarted.
	Request []byte `msgpack:"request,omitempty"`

	// ErrCode and ErrMessage are set only on failed or cancelled
	// generations.
	ErrCode    string `msgpack:"err_code,omitempty"`
	ErrMessage string `msgpack:"err_msg,omitempty"`

	StartedAt   time.Time `msgpack:"started_at"`
	CompletedAt time.Time `msgpack:"completed_at,omitempty"`
}
