// Package flow implements the conversational assistant: history and context loading,
// turn building, the tool registry and the bounded tool-calling orchestrator.
package flow

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/SakePipe/internal/models"
)

// DefaultHistoryLimit is the number of history records fed to the model.
const DefaultHistoryLimit = 20

// HistoryStore is the slice of the store the conversation adapter needs.
type HistoryStore interface {
	ListMessagesFrom(ctx context.Context, phone string, limit int) ([]models.WhatsAppMessage, error)
	ListMessagesTo(ctx context.Context, phone string, limit int) ([]models.WhatsAppMessage, error)
	GetConversationState(ctx context.Context, phone string) (*models.ConversationState, error)
	UpsertConversationState(ctx context.Context, state models.ConversationState) error
	AppendMessage(ctx context.Context, m *models.WhatsAppMessage) error
}

// ConversationStore loads and saves per-phone history and context.
type ConversationStore struct {
	store HistoryStore
}

// NewConversationStore creates a ConversationStore.
func NewConversationStore(store HistoryStore) *ConversationStore {
	return &ConversationStore{store: store}
}

// LoadHistory returns at most limit messages where phone is sender or recipient, oldest
// first. The two directions are queried separately and concurrently; a failing query is
// logged and the other's results are still used.
func (cs *ConversationStore) LoadHistory(ctx context.Context, phone string, limit int) []models.WhatsAppMessage {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var from, to []models.WhatsAppMessage
	var g errgroup.Group
	g.Go(func() error {
		msgs, err := cs.store.ListMessagesFrom(ctx, phone, limit)
		if err != nil {
			slog.Warn("ConversationStore.LoadHistory: inbound query failed", "error", err, "phone", phone)
			return nil
		}
		from = msgs
		return nil
	})
	g.Go(func() error {
		msgs, err := cs.store.ListMessagesTo(ctx, phone, limit)
		if err != nil {
			slog.Warn("ConversationStore.LoadHistory: outbound query failed", "error", err, "phone", phone)
			return nil
		}
		to = msgs
		return nil
	})
	_ = g.Wait()

	seen := make(map[string]struct{}, len(from)+len(to))
	merged := make([]models.WhatsAppMessage, 0, len(from)+len(to))
	for _, batch := range [][]models.WhatsAppMessage{from, to} {
		for _, m := range batch {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			merged = append(merged, m)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	slog.Debug("ConversationStore.LoadHistory: loaded", "phone", phone, "count", len(merged))
	return merged
}

// LoadContext returns the stored context of phone, or an empty context when no row
// exists or the read fails.
func (cs *ConversationStore) LoadContext(ctx context.Context, phone string) models.ConversationContext {
	state, err := cs.store.GetConversationState(ctx, phone)
	if err != nil {
		slog.Warn("ConversationStore.LoadContext: read failed, using empty context", "error", err, "phone", phone)
		return models.ConversationContext{}
	}
	if state == nil || state.Context == nil {
		return models.ConversationContext{}
	}
	return state.Context
}

// SaveContext upserts the context of phone. The caller decides whether a failure matters.
func (cs *ConversationStore) SaveContext(ctx context.Context, phone string, c models.ConversationContext) error {
	return cs.store.UpsertConversationState(ctx, models.ConversationState{Phone: phone, Context: c})
}

// RecordMessage appends a message to the history.
func (cs *ConversationStore) RecordMessage(ctx context.Context, m *models.WhatsAppMessage) error {
	return cs.store.AppendMessage(ctx, m)
}
