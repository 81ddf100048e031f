package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SakePipe/internal/models"
)

// Defaults for inbound replay.
const (
	DefaultReplayWindow = 30 * time.Minute
	DefaultReplayLimit  = 100
)

// StaleRequeuer requeues outbox messages left in sending state.
type StaleRequeuer interface {
	RecoverStaleMessages(ctx context.Context) error
}

// PendingInboundLister lists inbound messages that were recorded but never processed.
type PendingInboundLister interface {
	ListUnprocessedInbound(ctx context.Context, since time.Time, limit int) ([]models.WhatsAppMessage, error)
}

// InboundReplayer reprocesses one recorded inbound message.
type InboundReplayer interface {
	Replay(ctx context.Context, rec models.WhatsAppMessage)
}

// OutboxRecovery requeues replies that were claimed but never confirmed sent.
func OutboxRecovery(sender StaleRequeuer) Recoverable {
	return RecoverFunc(func(ctx context.Context) error {
		if err := sender.RecoverStaleMessages(ctx); err != nil {
			return fmt.Errorf("failed to requeue stale outbox messages: %w", err)
		}
		return nil
	})
}

// InboundReplay replays inbound messages newer than window that were never answered.
// Older messages are left alone: a reply hours late is worse than none.
func InboundReplay(lister PendingInboundLister, replayer InboundReplayer, window time.Duration) Recoverable {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return RecoverFunc(func(ctx context.Context) error {
		since := time.Now().UTC().Add(-window)
		pending, err := lister.ListUnprocessedInbound(ctx, since, DefaultReplayLimit)
		if err != nil {
			return fmt.Errorf("failed to list unprocessed messages: %w", err)
		}
		for _, rec := range pending {
			replayer.Replay(ctx, rec)
		}
		if len(pending) > 0 {
			slog.Info("recovery.InboundReplay: replayed unprocessed messages", "count", len(pending), "since", since)
		}
		return nil
	})
}
