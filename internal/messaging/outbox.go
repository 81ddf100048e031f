package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/SakePipe/internal/store"
)

// NewOutboxSendFunc returns the OutboxSender callback delivering queued replies through svc.
func NewOutboxSendFunc(svc Service) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		if msg.Kind != store.OutboxKindReply {
			return fmt.Errorf("unsupported outbox kind %q", msg.Kind)
		}
		var p ReplyPayload
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
			return fmt.Errorf("invalid reply payload: %w", err)
		}
		if p.Body == "" {
			return fmt.Errorf("reply payload has empty body")
		}
		_, err := svc.SendMessage(ctx, p.From, msg.Phone, p.Body)
		return err
	}
}
