package genstream

import "testing"

func TestHubFanOut(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("g1")
	b := h.Subscribe("g1")
	other := h.Subscribe("g2")
	defer h.Unsubscribe("g1", a)
	defer h.Unsubscribe("g1", b)
	defer h.Unsubscribe("g2", other)

	ev := &Event{GenerationID: "g1", Seq: 1, Kind: KindDelta}
	h.Publish(ev)

	for _, sub := range []*Subscription{a, b} {
		select {
		case got := <-sub.C:
			if got.Seq != 1 {
				t.Fatalf("seq = %d", got.Seq)
			}
		default:
			t.Fatal("subscriber missed event")
		}
	}
	select {
	case <-other.C:
		t.Fatal("event crossed generations")
	default:
	}
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("g1")
	defer h.Unsubscribe("g1", sub)

	for i := 0; i < subscriptionBuffer+10; i++ {
		h.Publish(&Event{GenerationID: "g1", Seq: int64(i + 1), Kind: KindDelta})
	}
	if got := len(sub.C); got != subscriptionBuffer {
		t.Fatalf("queued = %d, want %d", got, subscriptionBuffer)
	}
}

func TestHubUnsubscribeTwice(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("g1")
	h.Unsubscribe("g1", sub)
	h.Unsubscribe("g1", sub)
	if _, ok := <-sub.C; ok {
		t.Fatal("channel not closed")
	}
	if n := h.SubscriberCount("g1"); n != 0 {
		t.Fatalf("subscribers = %d", n)
	}
	// Publishing to a generation with no subscribers must not block.
	h.Publish(&Event{GenerationID: "g1", Seq: 1, Kind: KindDone})
}
