package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/BTreeMap/SakePipe/internal/phone"
	"github.com/BTreeMap/SakePipe/internal/store"
	"github.com/google/uuid"
)

// Defaults for ResponseHandler.
const (
	DefaultProcessTimeout = 90 * time.Second
	DefaultErrorMessage   = "Sorry, my sake notes got a bit muddled there. Could you send that again in a moment?"
)

// ProcessFunc produces the reply for one inbound message. historyID is the id of the
// stored inbound record, which the processor excludes from the loaded history.
type ProcessFunc func(ctx context.Context, in models.InboundMessage, historyID string) (string, error)

// Limiter caps inbound messages per key.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// HistoryRecorder persists inbound messages.
type HistoryRecorder interface {
	AppendMessage(ctx context.Context, m *models.WhatsAppMessage) error
	MarkMessageProcessed(ctx context.Context, id string) error
}

// ResponseHandler runs the inbound pipeline: de-duplicate, rate limit, record, then
// process asynchronously and queue the reply. HandleInbound returns before processing
// so webhooks can acknowledge immediately.
type ResponseHandler struct {
	process        ProcessFunc
	dedup          store.DedupRepo
	history        HistoryRecorder
	outbox         store.OutboxRepo
	direct         Service // used when no outbox is configured
	limiter        Limiter
	processTimeout time.Duration
	errorMessage   string
	wg             sync.WaitGroup
}

// ResponseHandlerOption configures a ResponseHandler.
type ResponseHandlerOption func(*ResponseHandler)

// WithDedup sets the inbound de-duplication repo.
func WithDedup(d store.DedupRepo) ResponseHandlerOption {
	return func(h *ResponseHandler) { h.dedup = d }
}

// WithHistory sets where inbound messages are recorded.
func WithHistory(r HistoryRecorder) ResponseHandlerOption {
	return func(h *ResponseHandler) { h.history = r }
}

// WithOutbox queues replies durably instead of sending inline.
func WithOutbox(o store.OutboxRepo) ResponseHandlerOption {
	return func(h *ResponseHandler) { h.outbox = o }
}

// WithDirectSender sends replies inline when no outbox is set.
func WithDirectSender(s Service) ResponseHandlerOption {
	return func(h *ResponseHandler) { h.direct = s }
}

// WithLimiter sets the per-sender limiter.
func WithLimiter(l Limiter) ResponseHandlerOption {
	return func(h *ResponseHandler) { h.limiter = l }
}

// WithProcessTimeout sets the wall-clock budget of one message.
func WithProcessTimeout(d time.Duration) ResponseHandlerOption {
	return func(h *ResponseHandler) { h.processTimeout = d }
}

// WithErrorMessage sets the reply sent when processing fails.
func WithErrorMessage(msg string) ResponseHandlerOption {
	return func(h *ResponseHandler) { h.errorMessage = msg }
}

// NewResponseHandler creates a ResponseHandler around process.
func NewResponseHandler(process ProcessFunc, opts ...ResponseHandlerOption) *ResponseHandler {
	h := &ResponseHandler{
		process:        process,
		processTimeout: DefaultProcessTimeout,
		errorMessage:   DefaultErrorMessage,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ReplyPayload is the outbox payload of a queued reply.
type ReplyPayload struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	InReplyTo string `json:"in_reply_to,omitempty"`
}

// HandleInbound accepts one inbound message. It returns false when the message was a
// duplicate, rate limited or empty. Processing continues on its own goroutine under a
// context detached from ctx.
func (h *ResponseHandler) HandleInbound(ctx context.Context, in models.InboundMessage) (bool, error) {
	from, err := phone.Normalize(in.From)
	if err != nil {
		return false, fmt.Errorf("invalid sender: %w", err)
	}
	to := in.To
	if n, err := phone.Normalize(in.To); err == nil {
		to = n
	}
	in.From, in.To = from, to

	if !in.HasContent() {
		slog.Debug("ResponseHandler.HandleInbound: ignoring empty message", "from", from, "messageID", in.MessageID)
		return false, nil
	}

	if h.dedup != nil && in.MessageID != "" {
		isNew, err := h.dedup.RecordInbound(ctx, in.MessageID, from)
		if err != nil {
			slog.Error("ResponseHandler.HandleInbound: dedup check failed, processing anyway", "error", err, "messageID", in.MessageID)
		} else if !isNew {
			slog.Info("ResponseHandler.HandleInbound: duplicate delivery ignored", "messageID", in.MessageID, "from", from)
			return false, nil
		}
	}

	if h.limiter != nil && !h.limiter.Allow(ctx, phone.Hash(from)) {
		slog.Warn("ResponseHandler.HandleInbound: rate limited", "from", from, "messageID", in.MessageID)
		h.markDedupProcessed(ctx, in.MessageID)
		return false, nil
	}

	rec := &models.WhatsAppMessage{
		ID:                uuid.NewString(),
		Direction:         models.DirectionInbound,
		From:              from,
		To:                to,
		Body:              in.Body,
		MediaURLs:         in.MediaURLs,
		ProviderMessageID: in.MessageID,
	}
	if h.history != nil {
		if err := h.history.AppendMessage(ctx, rec); err != nil {
			slog.Error("ResponseHandler.HandleInbound: failed to record inbound message", "error", err, "from", from)
			rec.ID = ""
		}
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.processTimeout)
		defer cancel()
		h.processAndReply(pctx, in, rec.ID)
	}()
	return true, nil
}

// Replay processes a recorded inbound message that was never marked processed, for
// example after a crash. The message skips de-duplication and rate limiting since it
// passed both when it first arrived.
func (h *ResponseHandler) Replay(ctx context.Context, rec models.WhatsAppMessage) {
	in := models.InboundMessage{
		MessageID: rec.ProviderMessageID,
		From:      rec.From,
		To:        rec.To,
		Body:      rec.Body,
		MediaURLs: rec.MediaURLs,
		Time:      rec.CreatedAt.Unix(),
	}
	slog.Info("ResponseHandler.Replay: replaying unprocessed message", "id", rec.ID, "from", rec.From, "age", time.Since(rec.CreatedAt))
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.processTimeout)
		defer cancel()
		h.processAndReply(pctx, in, rec.ID)
	}()
}

func (h *ResponseHandler) processAndReply(ctx context.Context, in models.InboundMessage, historyID string) {
	correlationID := in.MessageID
	if correlationID == "" {
		correlationID = historyID
	}
	start := time.Now()

	reply, err := h.process(ctx, in, historyID)
	if err != nil {
		slog.Error("ResponseHandler.processAndReply: processing failed",
			"error", err, "correlationID", correlationID, "from", in.From, "duration", time.Since(start))
		reply = h.errorMessage
	} else {
		slog.Info("ResponseHandler.processAndReply: processed",
			"correlationID", correlationID, "from", in.From, "duration", time.Since(start), "replyLength", len(reply))
	}

	if reply != "" {
		if err := h.deliver(ctx, in, reply); err != nil {
			slog.Error("ResponseHandler.processAndReply: reply delivery failed", "error", err, "correlationID", correlationID, "to", in.From)
		}
	}

	if h.history != nil && historyID != "" {
		if err := h.history.MarkMessageProcessed(ctx, historyID); err != nil {
			slog.Warn("ResponseHandler.processAndReply: failed to mark message processed", "error", err, "id", historyID)
		}
	}
	h.markDedupProcessed(ctx, in.MessageID)
}

func (h *ResponseHandler) deliver(ctx context.Context, in models.InboundMessage, reply string) error {
	if h.outbox != nil {
		payload, err := json.Marshal(ReplyPayload{From: in.To, Body: reply, InReplyTo: in.MessageID})
		if err != nil {
			return fmt.Errorf("failed to encode reply: %w", err)
		}
		dedupeKey := ""
		if in.MessageID != "" {
			dedupeKey = "reply:" + in.MessageID
		}
		id, err := h.outbox.EnqueueOutboxMessage(ctx, in.From, store.OutboxKindReply, string(payload), dedupeKey)
		if err != nil {
			return fmt.Errorf("failed to queue reply: %w", err)
		}
		slog.Debug("ResponseHandler.deliver: reply queued", "outboxID", id, "to", in.From)
		return nil
	}
	if h.direct == nil {
		return fmt.Errorf("no reply transport configured")
	}
	_, err := h.direct.SendMessage(ctx, in.To, in.From, reply)
	return err
}

func (h *ResponseHandler) markDedupProcessed(ctx context.Context, messageID string) {
	if h.dedup == nil || messageID == "" {
		return
	}
	if err := h.dedup.MarkProcessed(ctx, messageID); err != nil {
		slog.Warn("ResponseHandler.markDedupProcessed: failed", "error", err, "messageID", messageID)
	}
}

// Start drains inbound messages from src until ctx is done or the channel closes.
func (h *ResponseHandler) Start(ctx context.Context, src <-chan models.InboundMessage) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				if _, err := h.HandleInbound(ctx, msg); err != nil {
					slog.Error("ResponseHandler.Start: inbound message rejected", "error", err, "from", msg.From)
				}
			}
		}
	}()
}

// Wait blocks until every in-flight message has been processed.
func (h *ResponseHandler) Wait() {
	h.wg.Wait()
}
