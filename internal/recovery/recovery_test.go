package recovery

import (
	"context"
	"fmt"
	"testing"
)

// Mock recoverable for testing
type mockRecoverable struct {
	recoverError  error
	recoverCalled bool
}

func (m *mockRecoverable) RecoverState(ctx context.Context) error {
	m.recoverCalled = true
	return m.recoverError
}

func TestNewRecoveryManager(t *testing.T) {
	manager := NewRecoveryManager()
	if manager == nil {
		t.Fatal("NewRecoveryManager returned nil")
	}
	if manager.Len() != 0 {
		t.Errorf("Expected empty manager, got %d components", manager.Len())
	}
}

func TestRecoveryManager_RecoverAll_Success(t *testing.T) {
	manager := NewRecoveryManager()
	mock1 := &mockRecoverable{}
	mock2 := &mockRecoverable{}
	var order []string

	manager.RegisterRecoverable("mock1", mock1)
	manager.Register("func", func(ctx context.Context) error {
		order = append(order, "func")
		return nil
	})
	manager.RegisterRecoverable("mock2", mock2)

	if err := manager.RecoverAll(context.Background()); err != nil {
		t.Errorf("RecoverAll failed: %v", err)
	}
	if !mock1.recoverCalled || !mock2.recoverCalled || len(order) != 1 {
		t.Error("Expected every registered component to run")
	}
}

func TestRecoveryManager_RecoverAll_WithErrors(t *testing.T) {
	manager := NewRecoveryManager()
	mock1 := &mockRecoverable{recoverError: fmt.Errorf("recovery failed")}
	mock2 := &mockRecoverable{}

	manager.RegisterRecoverable("mock1", mock1)
	manager.RegisterRecoverable("mock2", mock2)

	if err := manager.RecoverAll(context.Background()); err == nil {
		t.Error("Expected error from RecoverAll when components fail")
	}
	if !mock1.recoverCalled || !mock2.recoverCalled {
		t.Error("All recoverables should be called despite errors")
	}
}

func TestRecoveryManager_RecoverAll_PassesDeadline(t *testing.T) {
	manager := NewRecoveryManager()
	hasDeadline := false
	manager.Register("deadline", func(ctx context.Context) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	})
	if err := manager.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}
	if !hasDeadline {
		t.Error("Expected recovery context to carry a deadline")
	}
}
