// Package scheduler decides when the upload and deletion pipelines are
// allowed to act. Files enqueue at any time; only draining and sweeping
// are time-gated.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"logship/internal/config"
	"logship/internal/logging"
)

// Hooks are the actions the scheduler triggers. Nil hooks are skipped.
type Hooks struct {
	Drain     func(context.Context) error
	AgeSweep  func(context.Context) (int, error)
	Deferred  func(context.Context) (int, error)
	Emergency func(context.Context) (int, error)
	Prune     func(context.Context) error
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithNow overrides the clock used for gate decisions and daily timing.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithDrainInterval overrides the interval-mode drain cadence.
func WithDrainInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.drainInterval = d
	}
}

// WithEmergencyInterval overrides the disk-pressure poll cadence.
func WithEmergencyInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.emergencyInterval = d
	}
}

// WithPruneInterval overrides the registry prune cadence.
func WithPruneInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.pruneInterval = d
	}
}

// Scheduler owns every time-based transition in the daemon.
type Scheduler struct {
	cfg    *config.Config
	logger *slog.Logger
	hooks  Hooks
	now    func() time.Time

	drainInterval     time.Duration
	emergencyInterval time.Duration
	pruneInterval     time.Duration
}

// New constructs a scheduler from the validated config.
func New(cfg *config.Config, logger *slog.Logger, hooks Hooks, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:               cfg,
		logger:            logging.NewComponentLogger(logger, "scheduler"),
		hooks:             hooks,
		now:               time.Now,
		drainInterval:     time.Duration(cfg.Schedule.IntervalMinutes) * time.Minute,
		emergencyInterval: time.Duration(cfg.Deletion.Emergency.CheckIntervalMinutes) * time.Minute,
		pruneInterval:     6 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled, firing hooks on their schedules. The
// deferred-deletion policy rides the drain tick: it only makes progress
// when uploads can confirm, so the same cadence fits both.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.Schedule.UploadOnStart {
		s.tryDrain(ctx)
	}

	drainCh, stopDrain := s.drainTrigger()
	defer stopDrain()

	var sweepTimer *time.Timer
	var sweepCh <-chan time.Time
	if s.cfg.Deletion.AgeBased.Enabled && s.hooks.AgeSweep != nil {
		sweepTimer = time.NewTimer(time.Until(NextAt(s.now(), s.cfg.Deletion.AgeBased.ScheduleTime)))
		defer sweepTimer.Stop()
		sweepCh = sweepTimer.C
	}

	var emergencyCh <-chan time.Time
	if s.cfg.Deletion.Emergency.Enabled && s.hooks.Emergency != nil && s.emergencyInterval > 0 {
		ticker := time.NewTicker(s.emergencyInterval)
		defer ticker.Stop()
		emergencyCh = ticker.C
	}

	var pruneCh <-chan time.Time
	if s.hooks.Prune != nil && s.pruneInterval > 0 {
		ticker := time.NewTicker(s.pruneInterval)
		defer ticker.Stop()
		pruneCh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-drainCh:
			s.tryDrain(ctx)

		case <-sweepCh:
			if count, err := s.hooks.AgeSweep(ctx); err != nil {
				s.logger.Error("age sweep", logging.Error(err))
			} else if count > 0 {
				s.logger.Info("age sweep complete", logging.Int("deleted", count))
			}
			sweepTimer.Reset(time.Until(NextAt(s.now(), s.cfg.Deletion.AgeBased.ScheduleTime)))

		case <-emergencyCh:
			if _, err := s.hooks.Emergency(ctx); err != nil {
				s.logger.Error("emergency cleanup", logging.Error(err))
			}

		case <-pruneCh:
			if err := s.hooks.Prune(ctx); err != nil {
				s.logger.Error("registry prune", logging.Error(err))
			}
		}
	}
}

// drainTrigger returns the channel that fires drain attempts: a plain
// ticker in interval mode, a self-rearming daily timer otherwise.
func (s *Scheduler) drainTrigger() (<-chan time.Time, func()) {
	if s.cfg.Schedule.Mode == config.ScheduleDaily {
		ch := make(chan time.Time, 1)
		done := make(chan struct{})
		timer := time.NewTimer(time.Until(NextAt(s.now(), s.cfg.Schedule.DailyTime)))
		go func() {
			defer timer.Stop()
			for {
				select {
				case <-done:
					return
				case t := <-timer.C:
					select {
					case ch <- t:
					default:
					}
					timer.Reset(time.Until(NextAt(s.now(), s.cfg.Schedule.DailyTime)))
				}
			}
		}()
		return ch, func() { close(done) }
	}

	// The config layer already enforces the interval floor; the value here
	// is trusted as-is so tests can tighten it.
	ticker := time.NewTicker(s.drainInterval)
	return ticker.C, ticker.Stop
}

// tryDrain runs one drain pass if the operational-hours gate permits it
// right now. Deferred deletion follows a successful pass.
func (s *Scheduler) tryDrain(ctx context.Context) {
	if !Permitted(s.cfg.Schedule.OperationalHours, s.now()) {
		s.logger.Debug("drain skipped outside operational hours")
		return
	}
	if s.hooks.Drain != nil {
		if err := s.hooks.Drain(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("drain", logging.Error(err))
		}
	}
	if s.hooks.Deferred != nil {
		if count, err := s.hooks.Deferred(ctx); err != nil {
			s.logger.Error("deferred deletion", logging.Error(err))
		} else if count > 0 {
			s.logger.Info("deferred deletion complete", logging.Int("deleted", count))
		}
	}
}
