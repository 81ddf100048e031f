package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/SakePipe/internal/models"
)

type mockRequeuer struct {
	err   error
	calls int
}

func (m *mockRequeuer) RecoverStaleMessages(ctx context.Context) error {
	m.calls++
	return m.err
}

type mockLister struct {
	pending []models.WhatsAppMessage
	err     error
	since   time.Time
}

func (m *mockLister) ListUnprocessedInbound(ctx context.Context, since time.Time, limit int) ([]models.WhatsAppMessage, error) {
	m.since = since
	return m.pending, m.err
}

type mockReplayer struct {
	replayed []string
}

func (m *mockReplayer) Replay(ctx context.Context, rec models.WhatsAppMessage) {
	m.replayed = append(m.replayed, rec.ID)
}

func TestOutboxRecovery(t *testing.T) {
	ok := &mockRequeuer{}
	if err := OutboxRecovery(ok).RecoverState(context.Background()); err != nil {
		t.Errorf("OutboxRecovery failed: %v", err)
	}
	if ok.calls != 1 {
		t.Errorf("Expected one requeue call, got %d", ok.calls)
	}

	failing := &mockRequeuer{err: errors.New("db locked")}
	if err := OutboxRecovery(failing).RecoverState(context.Background()); err == nil {
		t.Error("Expected error when requeue fails")
	}
}

func TestInboundReplay(t *testing.T) {
	lister := &mockLister{pending: []models.WhatsAppMessage{{ID: "m1"}, {ID: "m2"}}}
	replayer := &mockReplayer{}

	before := time.Now().UTC()
	if err := InboundReplay(lister, replayer, 10*time.Minute).RecoverState(context.Background()); err != nil {
		t.Fatalf("InboundReplay failed: %v", err)
	}
	if len(replayer.replayed) != 2 || replayer.replayed[0] != "m1" {
		t.Errorf("Expected both messages replayed in order, got %v", replayer.replayed)
	}
	if window := before.Sub(lister.since); window < 9*time.Minute || window > 11*time.Minute {
		t.Errorf("Expected a ten minute window, got %v", window)
	}
}

func TestInboundReplay_ListError(t *testing.T) {
	lister := &mockLister{err: errors.New("no such table")}
	replayer := &mockReplayer{}
	if err := InboundReplay(lister, replayer, 0).RecoverState(context.Background()); err == nil {
		t.Error("Expected error when listing fails")
	}
	if len(replayer.replayed) != 0 {
		t.Error("Nothing should be replayed after a list error")
	}
}
