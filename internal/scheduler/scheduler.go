// Package scheduler runs SakePipe's periodic maintenance jobs.
//
// Jobs are registered with standard 5-field cron expressions (min, hour, dom, month, dow).
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = 10 * time.Minute

// Job is a unit of maintenance work. It should return when ctx is done.
type Job func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron       *cron.Cron
	parser     cron.Parser
	ctx        context.Context
	jobTimeout time.Duration
}

// NewScheduler creates and starts a cron scheduler. Jobs receive a context derived
// from ctx, so cancelling ctx aborts running jobs.
func NewScheduler(ctx context.Context) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	c.Start()
	return &Scheduler{cron: c, parser: parser, ctx: ctx, jobTimeout: DefaultJobTimeout}
}

// Validate reports whether expr is a valid 5-field cron expression.
func Validate(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// AddJob schedules job under name using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, job Job) error {
	_, err := s.cron.AddFunc(expr, func() {
		s.run(name, job)
	})
	if err != nil {
		slog.Error("Scheduler.AddJob: invalid schedule", "error", err, "job", name, "expr", expr)
		return err
	}
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "expr", expr)
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) run(name string, job Job) {
	ctx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	defer cancel()
	start := time.Now()
	if err := job(ctx); err != nil {
		slog.Error("Scheduler.run: job failed", "error", err, "job", name, "duration", time.Since(start))
		return
	}
	slog.Debug("Scheduler.run: job finished", "job", name, "duration", time.Since(start))
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
