package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/experiment-callouts/internal/pkg/logger"
)

// Runner produces one callout run.
type Runner interface {
	Run(ctx context.Context, opts Options) (*Result, error)
}

// Scheduler triggers a run every day at a fixed UTC time of day. Each run
// resolves the latest registry date.
type Scheduler struct {
	runner Runner
	hour   int
	minute int
	opts   Options
	log    *logger.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler parses dailyAt ("HH:MM", UTC). opts.Date is ignored.
func NewScheduler(runner Runner, dailyAt string, opts Options, log *logger.Logger) (*Scheduler, error) {
	hour, minute, err := ParseClock(dailyAt)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}
	opts.Date = ""
	return &Scheduler{
		runner: runner,
		hour:   hour,
		minute: minute,
		opts:   opts,
		log:    log.With("component", "scheduler"),
		now:    time.Now,
		after:  time.After,
	}, nil
}

// ParseClock parses "HH:MM" in 24-hour form.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

// nextRun is the first hour:minute UTC strictly after now.
func nextRun(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start begins the schedule loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info("scheduler started", "daily_at", fmt.Sprintf("%02d:%02d UTC", s.hour, s.minute))
	return nil
}

// Stop ends the loop and waits for an in-flight run to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := nextRun(s.now(), s.hour, s.minute)
		s.log.Debug("next run scheduled", "at", next.Format(time.RFC3339))
		select {
		case <-ctx.Done():
			return
		case <-s.after(next.Sub(s.now())):
		}
		s.runOnce(ctx)
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	res, err := s.runner.Run(ctx, s.opts)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.log.Info("scheduled run skipped, another run holds the lock")
	case res == nil && err != nil:
		s.log.Error("scheduled run failed", "error", err)
	case err != nil:
		s.log.Warn("scheduled run finished with delivery errors", "date", res.Date, "error", err)
	default:
		s.log.Info("scheduled run finished", "date", res.Date, "run_id", res.RunID)
	}
}
