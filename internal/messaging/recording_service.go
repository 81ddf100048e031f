package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/SakePipe/internal/models"
	"github.com/BTreeMap/SakePipe/internal/phone"
)

// MessageRecorder appends messages to the conversation history.
type MessageRecorder interface {
	AppendMessage(ctx context.Context, m *models.WhatsAppMessage) error
}

// RecordingService sends through an inner Service and appends every successful send
// to the history as an outbound message, so later turns see what the assistant said.
type RecordingService struct {
	inner    Service
	recorder MessageRecorder
}

// NewRecordingService wraps inner.
func NewRecordingService(inner Service, recorder MessageRecorder) *RecordingService {
	return &RecordingService{inner: inner, recorder: recorder}
}

// SendMessage sends, then records. A history write failure does not fail the send.
func (s *RecordingService) SendMessage(ctx context.Context, from, to, body string) (string, error) {
	id, err := s.inner.SendMessage(ctx, from, to, body)
	if err != nil {
		return "", err
	}
	if s.recorder == nil {
		return id, nil
	}
	rec := &models.WhatsAppMessage{
		Direction:         models.DirectionOutbound,
		From:              normalizeOrRaw(from),
		To:                normalizeOrRaw(to),
		Body:              body,
		ProviderMessageID: id,
		Processed:         true,
	}
	if err := s.recorder.AppendMessage(ctx, rec); err != nil {
		slog.Error("RecordingService.SendMessage: failed to record outbound message", "error", err, "to", rec.To, "providerID", id)
	}
	return id, nil
}

func normalizeOrRaw(p string) string {
	if n, err := phone.Normalize(p); err == nil {
		return n
	}
	return p
}
