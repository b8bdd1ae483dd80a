package genstream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/achcyano/mindisle-server/pkg/chat"
)

const systemPrompt = `You are a warm, concise conversation companion.
After your reply, append exactly one block of the form
<OPTIONS_JSON>{"options":["...","...","..."]}</OPTIONS_JSON>
containing three short suggested user replies. The block must be the last
thing in your output.`

// runProducer drives one generation from admission to a terminal state. It
// is the sole writer of the generation's events and final status. The
// context is the coordinator's, so a departing subscriber never interrupts
// the stream; only process shutdown does.
func (c *Coordinator) runProducer(ctx context.Context, gen *Generation, turnText string) {
	logger := c.cfg.Logger.With("generation_id", gen.ID, "conversation_id", gen.ConversationID)
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("producer panicked", "panic", rec)
			c.finishGeneration(gen, StatusFailed, CodeInternal, "internal producer failure")
		}
	}()

	// Terminal bookkeeping must land even when ctx is already cancelled.
	wctx := context.WithoutCancel(ctx)

	latest, err := c.log.LatestSeq(wctx, gen.ID)
	if err != nil {
		logger.Error("read latest seq", "err", err)
		c.finishGeneration(gen, StatusFailed, CodeInternal, "event log unavailable")
		return
	}
	nextSeq := latest + 1
	emit := func(kind Kind, payload any) bool {
		if _, err := c.log.Append(wctx, gen.ID, nextSeq, kind, payload); err != nil {
			logger.Error("append event", "kind", kind, "err", err)
			return false
		}
		nextSeq++
		return true
	}

	if !emit(KindMeta, MetaPayload{
		GenerationID:   gen.ID,
		ConversationID: gen.ConversationID,
		Model:          c.cfg.Model,
		CreatedAt:      gen.StartedAt,
	}) {
		c.finishGeneration(gen, StatusFailed, CodeInternal, "event log unavailable")
		return
	}

	messages, err := c.promptMessages(wctx, gen.ConversationID, turnText)
	if err != nil {
		logger.Error("load conversation history", "err", err)
		emit(KindError, ErrorPayload{Code: string(CodeInternal), Message: "failed to load conversation"})
		c.finishGeneration(gen, StatusFailed, CodeInternal, "failed to load conversation")
		return
	}

	stream, err := c.cfg.Upstream.StreamChat(ctx, chat.Request{
		Model:    c.cfg.Model,
		Messages: messages,
	})
	if err != nil {
		c.failUpstream(gen, emit, logger, err)
		return
	}
	defer stream.Close()

	var (
		raw          strings.Builder
		visible      strings.Builder
		pending      strings.Builder
		pendingSince time.Time
		filter       OptionBlockFilter
		finishReason string
		usage        chat.Usage
	)
	flush := func() bool {
		if pending.Len() == 0 {
			return true
		}
		ok := emit(KindDelta, DeltaPayload{Text: pending.String()})
		pending.Reset()
		return ok
	}

	for {
		chunk, err := stream.Next()
		if errors.Is(err, chat.ErrDone) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("generation cancelled mid-stream")
				c.finishGeneration(gen, StatusCancelled, "", "")
				return
			}
			c.failUpstream(gen, emit, logger, err)
			return
		}
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		if chunk.Usage != nil && !chunk.Usage.IsZero() {
			usage = *chunk.Usage
		}
		if chunk.Text == "" {
			continue
		}
		raw.WriteString(chunk.Text)
		if out := filter.Accept(chunk.Text); out != "" {
			if pending.Len() == 0 {
				pendingSince = time.Now()
			}
			pending.WriteString(out)
			visible.WriteString(out)
		}
		if pending.Len() >= c.cfg.DeltaFlushChars ||
			(pending.Len() > 0 && time.Since(pendingSince) >= c.cfg.DeltaFlushInterval) {
			if !flush() {
				c.finishGeneration(gen, StatusFailed, CodeInternal, "event log unavailable")
				return
			}
		}
	}
	if out := filter.FlushRemainder(); out != "" {
		pending.WriteString(out)
		visible.WriteString(out)
	}
	if !flush() {
		c.finishGeneration(gen, StatusFailed, CodeInternal, "event log unavailable")
		return
	}

	options, source := c.resolver.Resolve(wctx, raw.String())

	if !usage.IsZero() {
		if !emit(KindUsage, UsagePayload{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}) {
			c.finishGeneration(gen, StatusFailed, CodeInternal, "event log unavailable")
			return
		}
	}
	if !emit(KindOptions, OptionsPayload{Items: options, Source: source}) {
		c.finishGeneration(gen, StatusFailed, CodeInternal, "event log unavailable")
		return
	}

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: gen.ConversationID,
		Role:           MsgRoleAssistant,
		Content:        visible.String(),
		Options:        options,
	}
	if err := c.rec.appendMessage(wctx, msg); err != nil {
		logger.Error("save assistant message", "err", err)
		emit(KindError, ErrorPayload{Code: string(CodeInternal), Message: "failed to save reply"})
		c.finishGeneration(gen, StatusFailed, CodeInternal, "failed to save reply")
		return
	}

	if !emit(KindDone, DonePayload{AssistantMessageID: msg.ID, FinishReason: finishReason}) {
		c.finishGeneration(gen, StatusFailed, CodeInternal, "event log unavailable")
		return
	}
	c.finishGeneration(gen, StatusCompleted, "", "")
	logger.Info("generation completed", "events", nextSeq-1, "finish_reason", finishReason)
}

// promptMessages assembles the upstream prompt from the system prompt plus
// the newest stored messages. The current turn's user message is already
// persisted by admission, so it arrives through the history window; if the
// window is empty the turn text is used directly.
func (c *Coordinator) promptMessages(ctx context.Context, convID, turnText string) ([]chat.Message, error) {
	history, err := c.rec.recentMessages(ctx, convID, c.cfg.HistoryWindow)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Message, 0, len(history)+2)
	out = append(out, chat.Message{Role: chat.RoleSystem, Content: systemPrompt})
	for _, m := range history {
		role := chat.RoleUser
		if m.Role == MsgRoleAssistant {
			role = chat.RoleAssistant
		}
		out = append(out, chat.Message{Role: role, Content: m.Content})
	}
	if len(history) == 0 || history[len(history)-1].Role != MsgRoleUser {
		out = append(out, chat.Message{Role: chat.RoleUser, Content: turnText})
	}
	return out, nil
}

func (c *Coordinator) failUpstream(gen *Generation, emit func(Kind, any) bool, logger *slog.Logger, err error) {
	code := CodeUpstream
	msg := "upstream model call failed"
	if errors.Is(err, chat.ErrRateLimited) {
		code = CodeRateLimited
		msg = "upstream model rate limited"
	}
	logger.Error("upstream stream failed", "err", err)
	emit(KindError, ErrorPayload{Code: string(code), Message: msg})
	c.finishGeneration(gen, StatusFailed, code, msg)
}

// finishGeneration records the terminal state. It uses a fresh context so
// the write survives shutdown cancellation.
func (c *Coordinator) finishGeneration(gen *Generation, status Status, code Code, message string) {
	gen.Status = status
	gen.ErrCode = string(code)
	gen.ErrMessage = message
	gen.CompletedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.rec.saveGeneration(ctx, gen); err != nil {
		c.cfg.Logger.Error("record terminal generation state",
			"generation_id", gen.ID, "status", status, "err", err)
	}
}
