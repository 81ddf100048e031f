package messaging

import (
	"context"
	"fmt"
	"sync"
)

// SentMessage is one message recorded by MockService.
type SentMessage struct {
	From string
	To   string
	Body string
}

// MockService records sends in memory.
type MockService struct {
	mu   sync.Mutex
	sent []SentMessage
	Err  error
}

// NewMockService creates a MockService.
func NewMockService() *MockService {
	return &MockService{}
}

// SendMessage records the message, or returns Err when set.
func (m *MockService) SendMessage(ctx context.Context, from, to, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.sent = append(m.sent, SentMessage{From: from, To: to, Body: body})
	return fmt.Sprintf("mock-%d", len(m.sent)), nil
}

// Sent returns a copy of the recorded messages.
func (m *MockService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
