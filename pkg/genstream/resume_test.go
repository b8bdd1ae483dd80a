package genstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/achcyano/mindisle-server/pkg/chat"
	"github.com/achcyano/mindisle-server/pkg/kv"
)

type collectSink struct {
	mu     sync.Mutex
	events []*Event
	beats  int
}

func (s *collectSink) Send(ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *collectSink) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beats++
	return nil
}

func (s *collectSink) snapshot() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Event(nil), s.events...)
}

func checkTimeline(t *testing.T, events []*Event, fromSeq int64, wantTerminal bool) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events delivered")
	}
	for i, ev := range events {
		if ev.Seq != fromSeq+int64(i) {
			t.Fatalf("event %d has seq %d, want %d", i, ev.Seq, fromSeq+int64(i))
		}
		if ev.Kind.Terminal() && i != len(events)-1 {
			t.Fatalf("terminal event at index %d of %d", i, len(events))
		}
	}
	last := events[len(events)-1]
	if last.Kind.Terminal() != wantTerminal {
		t.Fatalf("last kind = %s, wantTerminal = %v", last.Kind, wantTerminal)
	}
}

func TestResumeReplaysFinishedGeneration(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, &scriptedStreamer{chunks: replyScript()})

	gen, err := c.StartTurn(ctx, "u1", "c1", TurnRequest{IdempotencyKey: "k1", Text: "hi"})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	waitTerminal(t, c, "u1", gen.ID)

	sink := &collectSink{}
	if err := c.Resume(ctx, "u1", gen.ID, 0, sink); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	checkTimeline(t, sink.snapshot(), 1, true)
}

func TestResumeFromCursor(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, &scriptedStreamer{chunks: replyScript()})

	gen, err := c.StartTurn(ctx, "u1", "c1", TurnRequest{IdempotencyKey: "k1", Text: "hi"})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	waitTerminal(t, c, "u1", gen.ID)

	sink := &collectSink{}
	if err := c.Resume(ctx, "u1", gen.ID, 2, sink); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	events := sink.snapshot()
	checkTimeline(t, events, 3, true)

	// Resuming past the terminal event has nothing left to send.
	latest, err := c.log.LatestSeq(ctx, gen.ID)
	if err != nil {
		t.Fatalf("LatestSeq: %v", err)
	}
	empty := &collectSink{}
	if err := c.Resume(ctx, "u1", gen.ID, latest, empty); err != nil {
		t.Fatalf("Resume at tip: %v", err)
	}
	if got := empty.snapshot(); len(got) != 0 {
		t.Fatalf("got %d events past the terminal", len(got))
	}
}

func TestResumeDetectsHistoryGap(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, &scriptedStreamer{chunks: replyScript()})

	// A history whose oldest surviving event is seq 3.
	gen := &Generation{ID: "g-gap", UserID: "u1", ConversationID: "c1",
		Status: StatusCompleted, StartedAt: time.Now().UTC()}
	if err := c.rec.saveGeneration(ctx, gen); err != nil {
		t.Fatalf("saveGeneration: %v", err)
	}
	for seq := int64(3); seq <= 5; seq++ {
		kind := KindDelta
		if seq == 5 {
			kind = KindDone
		}
		if _, err := c.log.Append(ctx, gen.ID, seq, kind, DeltaPayload{Text: "x"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	sink := &collectSink{}
	if err := c.Resume(ctx, "u1", gen.ID, 2, sink); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	checkTimeline(t, sink.snapshot(), 3, true)

	if err := c.Resume(ctx, "u1", gen.ID, 1, &collectSink{}); CodeOf(err) != CodeConflict {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestResumeReplayWindowExpired(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	defer store.Close()
	c := NewCoordinator(Config{
		Store:     store,
		Upstream:  &scriptedStreamer{chunks: replyScript()},
		Model:     "test-model",
		ReplayTTL: time.Millisecond,
	})
	defer c.Shutdown(context.Background())

	gen, err := c.StartTurn(ctx, "u1", "c1", TurnRequest{IdempotencyKey: "k1", Text: "hi"})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	waitTerminal(t, c, "u1", gen.ID)
	time.Sleep(5 * time.Millisecond)

	if err := c.Resume(ctx, "u1", gen.ID, 3, &collectSink{}); CodeOf(err) != CodeConflict {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestResumeRejectsCursorPastTip(t *testing.T) {
	ctx := context.Background()
	in := make(chan *chat.Chunk)
	c, _ := newTestCoordinator(t, &channelStreamer{in: in})

	gen, err := c.StartTurn(ctx, "u1", "c1", TurnRequest{IdempotencyKey: "k1", Text: "hi"})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	// The generation is still streaming; a cursor claiming events that were
	// never appended cannot fall into a silent live wait.
	if err := c.Resume(ctx, "u1", gen.ID, 99, &collectSink{}); CodeOf(err) != CodeConflict {
		t.Fatalf("err = %v, want conflict", err)
	}

	in <- &chat.Chunk{Text: `ok<OPTIONS_JSON>{"options":["A","B","C"]}</OPTIONS_JSON>`}
	close(in)
	waitTerminal(t, c, "u1", gen.ID)

	latest, err := c.log.LatestSeq(ctx, gen.ID)
	if err != nil {
		t.Fatalf("LatestSeq: %v", err)
	}
	if err := c.Resume(ctx, "u1", gen.ID, latest+1, &collectSink{}); CodeOf(err) != CodeConflict {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestResumeRejectsNegativeCursor(t *testing.T) {
	c, _ := newTestCoordinator(t, &scriptedStreamer{chunks: replyScript()})
	err := c.Resume(context.Background(), "u1", "g1", -1, &collectSink{})
	if CodeOf(err) != CodeInvalidArgument {
		t.Fatalf("err = %v, want invalid argument", err)
	}
}

func TestResumeFollowsLiveGeneration(t *testing.T) {
	ctx := context.Background()
	in := make(chan *chat.Chunk)
	c, _ := newTestCoordinator(t, &channelStreamer{in: in})

	gen, err := c.StartTurn(ctx, "u1", "c1", TurnRequest{IdempotencyKey: "k1", Text: "hi"})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	sink := &collectSink{}
	done := make(chan error, 1)
	go func() { done <- c.Resume(ctx, "u1", gen.ID, 0, sink) }()

	in <- &chat.Chunk{Text: "Hello "}
	in <- &chat.Chunk{Text: "world!"}
	in <- &chat.Chunk{Text: `<OPTIONS_JSON>{"options":["A","B","C"]}</OPTIONS_JSON>`}
	in <- &chat.Chunk{FinishReason: "stop"}
	close(in)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Resume: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Resume did not finish")
	}
	checkTimeline(t, sink.snapshot(), 1, true)
	waitTerminal(t, c, "u1", gen.ID)
}

func TestResumeHeartbeatsDuringQuiet(t *testing.T) {
	ctx := context.Background()
	in := make(chan *chat.Chunk)
	c, _ := newTestCoordinator(t, &channelStreamer{in: in})

	gen, err := c.StartTurn(ctx, "u1", "c1", TurnRequest{IdempotencyKey: "k1", Text: "hi"})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	sink := &collectSink{}
	done := make(chan error, 1)
	go func() { done <- c.Resume(ctx, "u1", gen.ID, 0, sink) }()

	// LiveTimeout in the test coordinator is 20ms; stay quiet past it.
	time.Sleep(80 * time.Millisecond)
	in <- &chat.Chunk{Text: `ok<OPTIONS_JSON>{"options":["A","B","C"]}</OPTIONS_JSON>`}
	close(in)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Resume: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Resume did not finish")
	}
	sink.mu.Lock()
	beats := sink.beats
	sink.mu.Unlock()
	if beats == 0 {
		t.Fatal("no heartbeats during quiet period")
	}
}

func TestResumeAfterCancelledGeneration(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	defer store.Close()

	stall := &stallingStreamer{release: make(chan struct{}), started: make(chan struct{})}
	first := NewCoordinator(Config{Store: store, Upstream: stall, Model: "test-model"})
	gen, err := first.StartTurn(ctx, "u1", "c1", TurnRequest{IdempotencyKey: "k1", Text: "hi"})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	<-stall.started
	if err := first.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// A new coordinator over the same store serves the replay.
	c := NewCoordinator(Config{Store: store, Upstream: &scriptedStreamer{}, Model: "test-model"})
	defer c.Shutdown(context.Background())

	sink := &collectSink{}
	if err := c.Resume(ctx, "u1", gen.ID, 0, sink); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	events := sink.snapshot()
	if len(events) == 0 {
		t.Fatal("no events replayed")
	}
	if events[len(events)-1].Kind.Terminal() {
		t.Fatalf("cancelled generation should have no terminal event, got %s",
			events[len(events)-1].Kind)
	}
}

// channelStreamer forwards externally fed chunks into the stream.
type channelStreamer struct {
	in chan *chat.Chunk
}

func (s *channelStreamer) StreamChat(ctx context.Context, req chat.Request) (chat.Stream, error) {
	sb := chat.NewStreamBuilder(8)
	go func() {
		for c := range s.in {
			if err := sb.Add(c); err != nil {
				return
			}
		}
		sb.Done()
	}()
	return sb.Stream(), nil
}
