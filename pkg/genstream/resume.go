package genstream

import (
	"context"
	"time"
)

// Sink receives a generation's events during replay and live delivery. The
// HTTP layer implements it over SSE; tests implement it over slices.
type Sink interface {
	// Send delivers one event. An error aborts the resume.
	Send(ev *Event) error

	// Heartbeat signals liveness during quiet periods.
	Heartbeat() error
}

// Resume delivers every event with seq > lastSeq to sink, in order and
// without duplicates, then follows the live stream until a terminal event
// or the generation otherwise settles. lastSeq 0 means from the beginning.
//
// Two conditions make the cursor unservable and return CodeConflict: the
// oldest surviving event of a finished generation is older than the replay
// TTL, or the stored history no longer starts at lastSeq+1.
func (c *Coordinator) Resume(ctx context.Context, userID, genID string, lastSeq int64, sink Sink) error {
	if lastSeq < 0 {
		return E(CodeInvalidArgument, "last seq must not be negative")
	}
	gen, err := c.Generation(ctx, userID, genID)
	if err != nil {
		return err
	}

	if gen.Status.Terminal() {
		first, err := c.log.FirstEvent(ctx, genID)
		if err != nil {
			return err
		}
		if first != nil && time.Since(first.CreatedAt) > c.cfg.ReplayTTL {
			return E(CodeConflict, "replay window expired for generation %s", genID)
		}
	}

	events, err := c.log.LoadAfter(ctx, genID, lastSeq)
	if err != nil {
		return err
	}
	if lastSeq > 0 && len(events) > 0 && events[0].Seq != lastSeq+1 {
		return E(CodeConflict, "event history no longer reaches seq %d", lastSeq+1)
	}
	if lastSeq > 0 && len(events) == 0 {
		// A cursor past the stored tip can never be reconciled: events the
		// client claims to have seen were never appended here.
		latest, err := c.log.LatestSeq(ctx, genID)
		if err != nil {
			return err
		}
		if lastSeq > latest {
			return E(CodeConflict, "cursor %d is past the event history at %d", lastSeq, latest)
		}
	}

	cursor := lastSeq
	for _, ev := range events {
		if err := sink.Send(ev); err != nil {
			return err
		}
		cursor = ev.Seq
		if ev.Kind.Terminal() {
			return nil
		}
	}
	if gen.Status.Terminal() {
		// Finished without a terminal event: the producer was cancelled.
		// Everything stored has been replayed.
		return nil
	}

	return c.followLive(ctx, genID, cursor, sink)
}

// followLive subscribes to the hub and forwards events past cursor. A
// post-subscribe catch-up query closes the window between the replay read
// and the subscription; dropped hub deliveries are repaired the same way.
func (c *Coordinator) followLive(ctx context.Context, genID string, cursor int64, sink Sink) error {
	sub := c.hub.Subscribe(genID)
	defer c.hub.Unsubscribe(genID, sub)

	cursor, terminal, err := c.catchUp(ctx, genID, cursor, sink)
	if err != nil || terminal {
		return err
	}

	timer := time.NewTimer(c.cfg.LiveTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			switch {
			case ev.Seq <= cursor:
				// Already delivered by a catch-up query.
			case ev.Seq == cursor+1:
				if err := sink.Send(ev); err != nil {
					return err
				}
				cursor = ev.Seq
				if ev.Kind.Terminal() {
					return nil
				}
			default:
				// The hub dropped deliveries while this subscriber was
				// slow. The durable log fills the hole.
				cursor, terminal, err = c.catchUp(ctx, genID, cursor, sink)
				if err != nil || terminal {
					return err
				}
			}

		case <-timer.C:
			if err := sink.Heartbeat(); err != nil {
				return err
			}
			cursor, terminal, err = c.catchUp(ctx, genID, cursor, sink)
			if err != nil || terminal {
				return err
			}
			gen, err := c.rec.loadGeneration(ctx, genID)
			if err != nil {
				return err
			}
			if gen.Status.Terminal() {
				cursor, terminal, err = c.catchUp(ctx, genID, cursor, sink)
				if err != nil || terminal {
					return err
				}
				return nil
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.cfg.LiveTimeout)
	}
}

func (c *Coordinator) catchUp(ctx context.Context, genID string, cursor int64, sink Sink) (int64, bool, error) {
	events, err := c.log.LoadAfter(ctx, genID, cursor)
	if err != nil {
		return cursor, false, err
	}
	for _, ev := range events {
		if err := sink.Send(ev); err != nil {
			return cursor, false, err
		}
		cursor = ev.Seq
		if ev.Kind.Terminal() {
			return cursor, true, nil
		}
	}
	return cursor, false, nil
}
