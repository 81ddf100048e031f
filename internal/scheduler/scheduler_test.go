package scheduler

import (
	"context"
	"errors"
	"testing"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler(context.Background())
	defer s.Stop()

	if err := s.AddJob("noop", "* * * * *", func(context.Context) error { return nil }); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("bad", "not a cron", func(context.Context) error { return nil }); err == nil {
		t.Error("Expected error for invalid cron expression")
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 scheduled job, got %d", s.Len())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"30 4 * * *", false},
		{"*/15 * * * *", false},
		{"* * * *", true},
		{"", true},
	}
	for _, tt := range tests {
		if err := Validate(tt.expr); (err != nil) != tt.wantErr {
			t.Errorf("Validate(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestRunHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(ctx)
	defer s.Stop()
	cancel()

	var got error
	s.run("cancelled", func(ctx context.Context) error {
		got = ctx.Err()
		return got
	})
	if !errors.Is(got, context.Canceled) {
		t.Errorf("Expected job context to be cancelled, got %v", got)
	}
}
