package genstream

import (
	"context"
	"errors"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/achcyano/mindisle-server/pkg/kv"
)

// records wraps the KV store with typed accessors for the engine's
// persisted state. All mutation of a generation's records happens on its
// owning producer goroutine; turn records are written during admission.
type records struct {
	store kv.Store
}

func (r records) loadGeneration(ctx context.Context, genID string) (*Generation, error) {
	data, err := r.store.Get(ctx, genKey(genID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, E(CodeNotFound, "unknown generation %s", genID)
		}
		return nil, Wrap(CodeInternal, err, "load generation")
	}
	var gen Generation
	if err := msgpack.Unmarshal(data, &gen); err != nil {
		return nil, Wrap(CodeInternal, err, "decode generation")
	}
	return &gen, nil
}

func (r records) saveGeneration(ctx context.Context, gen *Generation) error {
	data, err := msgpack.Marshal(gen)
	if err != nil {
		return Wrap(CodeInternal, err, "encode generation")
	}
	if err := r.store.Set(ctx, genKey(gen.ID), data); err != nil {
		return Wrap(CodeInternal, err, "save generation")
	}
	return nil
}

func (r records) loadTurn(ctx context.Context, convID, idemKey string) (*Turn, error) {
	data, err := r.store.Get(ctx, turnKey(convID, idemKey))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, err
		}
		return nil, Wrap(CodeInternal, err, "load turn")
	}
	var turn Turn
	if err := msgpack.Unmarshal(data, &turn); err != nil {
		return nil, Wrap(CodeInternal, err, "decode turn")
	}
	return &turn, nil
}

func (r records) saveTurn(ctx context.Context, turn *Turn) error {
	data, err := msgpack.Marshal(turn)
	if err != nil {
		return Wrap(CodeInternal, err, "encode turn")
	}
	if err := r.store.Set(ctx, turnKey(turn.ConversationID, turn.IdempotencyKey), data); err != nil {
		return Wrap(CodeInternal, err, "save turn")
	}
	return nil
}

// appendMessage stores a message keyed by its creation time. For assistant
// messages carrying options, options on all earlier assistant messages in
// the conversation are pruned first: only the newest assistant message
// keeps its quick replies.
func (r records) appendMessage(ctx context.Context, msg *Message) error {
	if msg.Role == MsgRoleAssistant && len(msg.Options) > 0 {
		if err := r.pruneOptions(ctx, msg.ConversationID); err != nil {
			return err
		}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return Wrap(CodeInternal, err, "encode message")
	}
	if err := r.store.Set(ctx, msgKey(msg.ConversationID, msg.CreatedAt.UnixNano()), data); err != nil {
		return Wrap(CodeInternal, err, "save message")
	}
	return nil
}

func (r records) pruneOptions(ctx context.Context, convID string) error {
	for entry, err := range r.store.List(ctx, msgPrefix(convID)) {
		if err != nil {
			return Wrap(CodeInternal, err, "list messages")
		}
		var msg Message
		if err := msgpack.Unmarshal(entry.Value, &msg); err != nil {
			continue
		}
		if msg.Role != MsgRoleAssistant || len(msg.Options) == 0 {
			continue
		}
		msg.Options = nil
		data, err := msgpack.Marshal(&msg)
		if err != nil {
			return Wrap(CodeInternal, err, "encode message")
		}
		if err := r.store.Set(ctx, entry.Key, data); err != nil {
			return Wrap(CodeInternal, err, "save message")
		}
	}
	return nil
}

// recentMessages returns the n most recent messages in chronological order.
func (r records) recentMessages(ctx context.Context, convID string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	var all []Message
	for entry, err := range r.store.List(ctx, msgPrefix(convID)) {
		if err != nil {
			return nil, Wrap(CodeInternal, err, "list messages")
		}
		var msg Message
		if err := msgpack.Unmarshal(entry.Value, &msg); err != nil {
			continue
		}
		all = append(all, msg)
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// deleteConversation cascades: it removes the conversation's turns and
// messages plus every generation the turns reference, event logs included.
// This is the only deletion path the data model allows.
func (r records) deleteConversation(ctx context.Context, convID string) error {
	var keys []kv.Key
	var genIDs []string

	for entry, err := range r.store.List(ctx, convPrefix(convID)) {
		if err != nil {
			return Wrap(CodeInternal, err, "list conversation records")
		}
		keys = append(keys, entry.Key)
		if len(entry.Key) == 4 && entry.Key[2] == "turn" {
			var turn Turn
			if err := msgpack.Unmarshal(entry.Value, &turn); err == nil && turn.GenerationID != "" {
				genIDs = append(genIDs, turn.GenerationID)
			}
		}
	}

	for _, genID := range genIDs {
		keys = append(keys, genKey(genID))
		for entry, err := range r.store.List(ctx, eventPrefix(genID)) {
			if err != nil {
				return Wrap(CodeInternal, err, "list events")
			}
			keys = append(keys, entry.Key)
		}
	}

	if len(keys) == 0 {
		return nil
	}
	if err := r.store.BatchDelete(ctx, keys); err != nil {
		return Wrap(CodeInternal, err, "delete conversation")
	}
	return nil
}
