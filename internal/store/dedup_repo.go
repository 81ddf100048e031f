// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Phone       string     `json:"phone"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo de-duplicates inbound provider message ids so carrier retries are
// processed once.
type DedupRepo interface {
	// RecordInbound records the message id. Returns false if it was already recorded.
	RecordInbound(ctx context.Context, messageID, phone string) (bool, error)

	// MarkProcessed sets the processed timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}
