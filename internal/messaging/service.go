// Package messaging delivers assistant messages through a WhatsApp provider and runs
// the inbound message pipeline.
package messaging

import (
	"context"
	"errors"

	"github.com/BTreeMap/SakePipe/internal/models"
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service sends one message and returns the provider message id.
type Service interface {
	SendMessage(ctx context.Context, from, to, body string) (string, error)
}

// InboundSource is a provider that pushes inbound messages on a channel.
type InboundSource interface {
	Start(ctx context.Context) error
	Stop() error
	Responses() <-chan models.InboundMessage
}
