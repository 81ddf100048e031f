package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SakePipe/internal/phone"
	"github.com/BTreeMap/SakePipe/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API.
type TwilioService struct {
	client twiliowhatsapp.Sender // real Twilio client or MockClient
}

// NewTwilioService creates a TwilioService.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{client: client}
}

// SendMessage normalizes the recipient and sends through Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, from, to, body string) (string, error) {
	canonicalTo, err := phone.Normalize(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "error", err, "to", to)
		return "", fmt.Errorf("invalid recipient: %w", err)
	}
	return s.client.SendMessage(ctx, from, canonicalTo, body)
}
