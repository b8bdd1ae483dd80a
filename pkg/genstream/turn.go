package genstream

import "time"

// Turn is the persisted record of one accepted user turn. Exactly one Turn
// exists per accepted (user, conversation, idempotency key) triple; its
// GenerationID makes retried requests converge on the same generation.
type Turn struct {
	UserID         string    `msgpack:"user_id"`
	ConversationID string    `msgpack:"conv_id"`
	IdempotencyKey string    `msgpack:"idem_key"`
	Text           string    `msgpack:"text"`
	GenerationID   string    `msgpack:"gen_id,omitempty"`
	CreatedAt      time.Time `msgpack:"created_at"`
}

// Roles for stored conversation messages.
const (
	MsgRoleUser      = "user"
	MsgRoleAssistant = "assistant"
)

// Message is a stored conversation message. Assistant messages may carry
// quick-reply options; only the most recent assistant message in a
// conversation keeps them, earlier ones are pruned on append.
type Message struct {
	ID             string    `msgpack:"id"`
	ConversationID string    `msgpack:"conv_id"`
	Role           string    `msgpack:"role"`
	Content        string    `msgpack:"content"`
	Options        []Option  `msgpack:"options,omitempty"`
	CreatedAt      time.Time `msgpack:"created_at"`
}

// Option provenance tiers.
const (
	OptionSourcePrimary  = "primary"
	OptionSourceFallback = "fallback"
	OptionSourceDefault  = "default"
)

// Option is one quick-reply suggestion shown to the user.
type Option struct {
	ID    string `msgpack:"id" json:"id"`
	Label string `msgpack:"label" json:"label"`
}
