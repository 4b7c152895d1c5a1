package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/neexbeast/weather-etl/internal/pipeline"
)

// Runner executes one full run. *pipeline.Pipeline satisfies it.
type Runner interface {
	Execute(ctx context.Context, targetDate string) (*pipeline.Report, error)
}

// Scheduler triggers a run for yesterday once a day. Failures are logged and
// left for the next day; there are no retries.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    Runner
	at        string
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler that runs daily at "HH:MM" UTC.
func New(runner Runner, at string, log *slog.Logger) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	// A slow run must never overlap with the next trigger.
	s.SingletonModeAll()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: s,
		runner:    runner,
		at:        at,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start schedules the daily job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.scheduler.Every(1).Day().At(s.at).Tag("weather-etl").Do(s.runOnce); err != nil {
		return fmt.Errorf("scheduling daily run at %s: %w", s.at, err)
	}

	s.scheduler.StartAsync()
	s.log.Info("scheduler started", "at", s.at, "next_run", s.NextRun())
	return nil
}

// NextRun returns when the daily job fires next, or the zero time before Start.
func (s *Scheduler) NextRun() time.Time {
	jobs := s.scheduler.Jobs()
	if len(jobs) == 0 {
		return time.Time{}
	}
	return jobs[0].NextRun()
}

// RunNow triggers the daily job immediately, outside its schedule.
func (s *Scheduler) RunNow() {
	s.scheduler.RunAll()
}

// Stop cancels an in-flight run and stops the scheduler.
func (s *Scheduler) Stop() {
	s.cancel()
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *Scheduler) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled run panicked", "recover", r)
		}
	}()

	s.log.Info("scheduled run starting")
	rep, err := s.runner.Execute(s.ctx, "")
	if err != nil {
		s.log.Error("scheduled run failed", "err", err)
		return
	}
	s.log.Info("scheduled run finished", "run_id", rep.RunID, "target_date", rep.TargetDate,
		"state", rep.State, "rows", rep.Committed)
}
