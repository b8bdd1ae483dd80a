package genstream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/achcyano/mindisle-server/pkg/chat"
	"github.com/achcyano/mindisle-server/pkg/kv"
)

// Config tunes the engine. Zero values fall back to the defaults below.
type Config struct {
	// Store backs all persisted engine state.
	Store kv.Store

	// Upstream is the language-model adapter.
	Upstream chat.Streamer

	// Model names the upstream model recorded in meta events.
	Model string

	// DeltaFlushInterval is the age at which buffered visible text is
	// flushed as a delta event. Default 50ms.
	DeltaFlushInterval time.Duration

	// DeltaFlushChars flushes the delta buffer once it reaches this many
	// bytes, whichever policy trips first. Default 48.
	DeltaFlushChars int

	// HistoryWindow bounds how many stored messages feed the prompt
	// context. Default 20.
	HistoryWindow int

	// ReplayTTL is how long a finished generation's history stays
	// resumable. Default 15 minutes.
	ReplayTTL time.Duration

	// LiveTimeout is the live-phase wait before a heartbeat and log
	// re-poll. Default 25 seconds.
	LiveTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DeltaFlushInterval <= 0 {
		out.DeltaFlushInterval = 50 * time.Millisecond
	}
	if out.DeltaFlushChars <= 0 {
		out.DeltaFlushChars = 48
	}
	if out.HistoryWindow <= 0 {
		out.HistoryWindow = 20
	}
	if out.ReplayTTL <= 0 {
		out.ReplayTTL = 15 * time.Minute
	}
	if out.LiveTimeout <= 0 {
		out.LiveTimeout = 25 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// TurnRequest is the client's "start chat turn" input.
type TurnRequest struct {
	// IdempotencyKey is the client-supplied retry token. One accepted
	// turn exists per (user, conversation, key).
	IdempotencyKey string `json:"idempotencyKey"`

	// Text is the user's message for this turn.
	Text string `json:"text"`
}

// Coordinator owns generation lifecycle: idempotent turn admission, the
// single-producer-per-generation guarantee, and shutdown. It is the only
// component that launches producer tasks.
type Coordinator struct {
	cfg      Config
	rec      records
	log      *EventLog
	hub      *Hub
	resolver *OptionResolver

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// admitMu serializes turn admission so concurrent retries of the same
	// idempotency key converge on one turn record and one generation.
	admitMu sync.Mutex

	mu      sync.Mutex
	running map[string]struct{}
}

// NewCoordinator wires the engine. The caller keeps ownership of the store.
func NewCoordinator(cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg: cfg,
		rec: records{store: cfg.Store},
		log: NewEventLog(cfg.Store, hub),
		hub: hub,
		resolver: &OptionResolver{
			Upstream: cfg.Upstream,
			Model:    cfg.Model,
			Logger:   cfg.Logger,
		},
		baseCtx: ctx,
		cancel:  cancel,
		running: make(map[string]struct{}),
	}
}

// StartTurn admits one chat turn. Retried requests with the same (user,
// conversation, idempotency key, text) converge on the same generation and
// never start a second producer; the same key with different text is a
// Conflict. A brand-new turn persists its input, creates a RUNNING
// generation, and launches exactly one producer task for it.
func (c *Coordinator) StartTurn(ctx context.Context, userID, convID string, req TurnRequest) (*Generation, error) {
	if err := validateID("user id", userID); err != nil {
		return nil, err
	}
	if err := validateID("conversation id", convID); err != nil {
		return nil, err
	}
	if err := validateID("idempotency key", req.IdempotencyKey); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, E(CodeInvalidArgument, "turn text must not be blank")
	}

	c.admitMu.Lock()
	defer c.admitMu.Unlock()

	turn, err := c.rec.loadTurn(ctx, convID, req.IdempotencyKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return c.admitNewTurn(ctx, userID, convID, req)
	case err != nil:
		return nil, err
	}

	if turn.UserID != userID {
		return nil, E(CodeForbidden, "turn belongs to another user")
	}
	if turn.Text != req.Text {
		return nil, E(CodeConflict, "idempotency key %s reused with different content", req.IdempotencyKey)
	}

	if turn.GenerationID == "" {
		// An earlier attempt persisted the turn but crashed before a
		// generation was assigned. Assign one now; the admission guard
		// below still keeps producers unique.
		gen, err := c.createGeneration(ctx, userID, convID, req)
		if err != nil {
			return nil, err
		}
		turn.GenerationID = gen.ID
		if err := c.rec.saveTurn(ctx, turn); err != nil {
			return nil, err
		}
		c.launchProducer(gen, req.Text)
		return gen, nil
	}

	return c.rec.loadGeneration(ctx, turn.GenerationID)
}

func (c *Coordinator) admitNewTurn(ctx context.Context, userID, convID string, req TurnRequest) (*Generation, error) {
	gen, err := c.createGeneration(ctx, userID, convID, req)
	if err != nil {
		return nil, err
	}
	turn := &Turn{
		UserID:         userID,
		ConversationID: convID,
		IdempotencyKey: req.IdempotencyKey,
		Text:           req.Text,
		GenerationID:   gen.ID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.rec.saveTurn(ctx, turn); err != nil {
		return nil, err
	}
	if err := c.rec.appendMessage(ctx, &Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           MsgRoleUser,
		Content:        req.Text,
	}); err != nil {
		return nil, err
	}
	c.launchProducer(gen, req.Text)
	return gen, nil
}

func (c *Coordinator) createGeneration(ctx context.Context, userID, convID string, req TurnRequest) (*Generation, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, Wrap(CodeInternal, err, "encode turn request")
	}
	gen := &Generation{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: convID,
		Status:         StatusRunning,
		Request:        payload,
		StartedAt:      time.Now().UTC(),
	}
	if err := c.rec.saveGeneration(ctx, gen); err != nil {
		return nil, err
	}
	return gen, nil
}

// launchProducer is the synchronized check-and-launch: at most one live
// producer task exists per generation id, even under concurrent admission
// attempts. Sequence allocation downstream relies on this.
func (c *Coordinator) launchProducer(gen *Generation, turnText string) {
	c.mu.Lock()
	if _, live := c.running[gen.ID]; live {
		c.mu.Unlock()
		return
	}
	c.running[gen.ID] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.running, gen.ID)
			c.mu.Unlock()
		}()
		// The producer runs on the coordinator's context: client
		// disconnects never cancel a generation, process shutdown does.
		c.runProducer(c.baseCtx, gen, turnText)
	}()
}

// Generation loads a generation after checking ownership.
func (c *Coordinator) Generation(ctx context.Context, userID, genID string) (*Generation, error) {
	if err := validateID("generation id", genID); err != nil {
		return nil, err
	}
	gen, err := c.rec.loadGeneration(ctx, genID)
	if err != nil {
		return nil, err
	}
	if gen.UserID != userID {
		return nil, E(CodeForbidden, "generation belongs to another user")
	}
	return gen, nil
}

// DeleteConversation cascades over the conversation's turns, messages,
// generations, and event logs.
func (c *Coordinator) DeleteConversation(ctx context.Context, userID, convID string) error {
	if err := validateID("conversation id", convID); err != nil {
		return err
	}
	owned := false
	for entry, err := range c.cfg.Store.List(ctx, convPrefix(convID)) {
		if err != nil {
			return Wrap(CodeInternal, err, "list conversation records")
		}
		if len(entry.Key) == 4 && entry.Key[2] == "turn" {
			turn, err := c.rec.loadTurn(ctx, convID, entry.Key[3])
			if err != nil {
				return err
			}
			if turn.UserID != userID {
				return E(CodeForbidden, "conversation belongs to another user")
			}
			owned = true
			break
		}
	}
	if !owned {
		return E(CodeNotFound, "unknown conversation %s", convID)
	}
	return c.rec.deleteConversation(ctx, convID)
}

// LiveProducerCount reports how many producer tasks are currently running.
func (c *Coordinator) LiveProducerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// Shutdown cancels all producer tasks and waits for them to finish marking
// their generations, up to ctx's deadline. Generations caught mid-stream
// end up CANCELLED; their appended events remain valid and replayable.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validateID(what, v string) error {
	if v == "" {
		return E(CodeInvalidArgument, "%s must not be empty", what)
	}
	if len(v) > 200 {
		return E(CodeInvalidArgument, "%s too long", what)
	}
	if strings.ContainsRune(v, rune(kv.Separator)) {
		return E(CodeInvalidArgument, "%s must not contain %q", what, kv.Separator)
	}
	return nil
}
