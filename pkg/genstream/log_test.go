package genstream

import (
	"context"
	"testing"

	"github.com/achcyano/mindisle-server/pkg/kv"
)

func TestEventLogAppendAndLoad(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	defer store.Close()
	log := NewEventLog(store, nil)

	for seq := int64(1); seq <= 4; seq++ {
		kind := KindDelta
		if seq == 4 {
			kind = KindDone
		}
		if _, err := log.Append(ctx, "g1", seq, kind, DeltaPayload{Text: "x"}); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}

	events, err := log.LoadAfter(ctx, "g1", 2)
	if err != nil {
		t.Fatalf("LoadAfter: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 3 || events[1].Seq != 4 {
		t.Fatalf("events = %+v", events)
	}
	if events[1].Kind != KindDone {
		t.Fatalf("kind = %s", events[1].Kind)
	}

	latest, err := log.LatestSeq(ctx, "g1")
	if err != nil {
		t.Fatalf("LatestSeq: %v", err)
	}
	if latest != 4 {
		t.Fatalf("latest = %d", latest)
	}

	first, err := log.FirstEvent(ctx, "g1")
	if err != nil {
		t.Fatalf("FirstEvent: %v", err)
	}
	if first == nil || first.Seq != 1 {
		t.Fatalf("first = %+v", first)
	}
}

func TestEventLogEmpty(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	defer store.Close()
	log := NewEventLog(store, nil)

	latest, err := log.LatestSeq(ctx, "missing")
	if err != nil || latest != 0 {
		t.Fatalf("latest = %d, err = %v", latest, err)
	}
	first, err := log.FirstEvent(ctx, "missing")
	if err != nil || first != nil {
		t.Fatalf("first = %+v, err = %v", first, err)
	}
	events, err := log.LoadAfter(ctx, "missing", 0)
	if err != nil || len(events) != 0 {
		t.Fatalf("events = %v, err = %v", events, err)
	}
}

func TestEventLogPublishesToHub(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	defer store.Close()
	hub := NewHub()
	log := NewEventLog(store, hub)

	sub := hub.Subscribe("g1")
	defer hub.Unsubscribe("g1", sub)

	if _, err := log.Append(ctx, "g1", 1, KindMeta, MetaPayload{GenerationID: "g1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	select {
	case ev := <-sub.C:
		if ev.Seq != 1 || ev.Kind != KindMeta {
			t.Fatalf("ev = %+v", ev)
		}
	default:
		t.Fatal("append did not publish")
	}
}
