package genstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/achcyano/mindisle-server/pkg/kv"
)

// EventLog is the durable, append-only, per-generation event store. Appends
// also publish to the fan-out hub so live subscribers see new events without
// polling. Only the generation's owning producer may append; readers are
// unrestricted.
type EventLog struct {
	store kv.Store
	hub   *Hub
}

// NewEventLog creates an EventLog over store. hub may be nil when live
// fan-out is not wanted (tests, offline tools).
func NewEventLog(store kv.Store, hub *Hub) *EventLog {
	return &EventLog{store: store, hub: hub}
}

// Append persists one event with the given seq and publishes it. The caller
// allocates seq as LatestSeq+1; this is race-free because a single producer
// owns all writes for a generation.
func (l *EventLog) Append(ctx context.Context, genID string, seq int64, kind Kind, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, Wrap(CodeInternal, err, "encode event payload")
	}
	ev := &Event{
		GenerationID: genID,
		Seq:          seq,
		Kind:         kind,
		Payload:      raw,
		CreatedAt:    time.Now().UTC(),
	}
	data, err := msgpack.Marshal(ev)
	if err != nil {
		return nil, Wrap(CodeInternal, err, "encode event")
	}
	if err := l.store.Set(ctx, eventKey(genID, seq), data); err != nil {
		return nil, Wrap(CodeInternal, err, "append event")
	}
	if l.hub != nil {
		l.hub.Publish(ev)
	}
	return ev, nil
}

// LoadAfter returns all events with seq > after, ascending.
func (l *EventLog) LoadAfter(ctx context.Context, genID string, after int64) ([]*Event, error) {
	var out []*Event
	for entry, err := range l.store.List(ctx, eventPrefix(genID)) {
		if err != nil {
			return nil, Wrap(CodeInternal, err, "list events")
		}
		var ev Event
		if err := msgpack.Unmarshal(entry.Value, &ev); err != nil {
			return nil, Wrap(CodeInternal, err, fmt.Sprintf("decode event %s", entry.Key))
		}
		if ev.Seq > after {
			out = append(out, &ev)
		}
	}
	return out, nil
}

// LatestSeq returns the highest stored seq for the generation, 0 if none.
func (l *EventLog) LatestSeq(ctx context.Context, genID string) (int64, error) {
	var latest int64
	for entry, err := range l.store.List(ctx, eventPrefix(genID)) {
		if err != nil {
			return 0, Wrap(CodeInternal, err, "list events")
		}
		var ev Event
		if err := msgpack.Unmarshal(entry.Value, &ev); err != nil {
			return 0, Wrap(CodeInternal, err, "decode event")
		}
		if ev.Seq > latest {
			latest = ev.Seq
		}
	}
	return latest, nil
}

// FirstEvent returns the oldest stored event for the generation, nil if the
// log is empty. The resume protocol uses its age for the replay-window
// check.
func (l *EventLog) FirstEvent(ctx context.Context, genID string) (*Event, error) {
	for entry, err := range l.store.List(ctx, eventPrefix(genID)) {
		if err != nil {
			return nil, Wrap(CodeInternal, err, "list events")
		}
		var ev Event
		if err := msgpack.Unmarshal(entry.Value, &ev); err != nil {
			return nil, Wrap(CodeInternal, err, "decode event")
		}
		return &ev, nil
	}
	return nil, nil
}
