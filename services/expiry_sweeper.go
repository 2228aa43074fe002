package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSweepSchedule runs the sweep every five minutes.
const DefaultSweepSchedule = "*/5 * * * *"

// ExpiredRemover is the part of a job store the sweeper drives.
type ExpiredRemover interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or a descriptor such as
// "@hourly" or "@every 1m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}
	return schedule, nil
}

// ExpirySweeper periodically removes soft-deleted jobs whose retention
// window has passed.
type ExpirySweeper struct {
	store    ExpiredRemover
	schedule cron.Schedule
	logger   *zap.Logger
	now      func() time.Time
	timeout  time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	done      chan struct{}

	runs    atomic.Int64
	removed atomic.Int64
}

// SweeperOption configures an ExpirySweeper.
type SweeperOption func(*ExpirySweeper)

// WithSweeperLogger sets the logger.
func WithSweeperLogger(logger *zap.Logger) SweeperOption {
	return func(s *ExpirySweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSchedule replaces the parsed schedule.
func WithSchedule(schedule cron.Schedule) SweeperOption {
	return func(s *ExpirySweeper) { s.schedule = schedule }
}

// WithSweepTimeout bounds a single sweep.
func WithSweepTimeout(timeout time.Duration) SweeperOption {
	return func(s *ExpirySweeper) { s.timeout = timeout }
}

// NewExpirySweeper creates a sweeper running on the cron expression expr.
func NewExpirySweeper(store ExpiredRemover, expr string, opts ...SweeperOption) (*ExpirySweeper, error) {
	if expr == "" {
		expr = DefaultSweepSchedule
	}
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	s := &ExpirySweeper{
		store:    store,
		schedule: schedule,
		logger:   zap.NewNop(),
		now:      time.Now,
		timeout:  30 * time.Second,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs the sweep loop in the background until Stop is called or ctx
// is cancelled.
func (s *ExpirySweeper) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.logger.Info("starting expired job sweeper")
		go s.loop(ctx)
	})
}

func (s *ExpirySweeper) loop(ctx context.Context) {
	defer close(s.done)

	for {
		now := s.now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("expired job sweeper stopped")
			return
		case <-s.stopChan:
			timer.Stop()
			s.logger.Info("expired job sweeper stopped")
			return
		case <-timer.C:
			_, _ = s.SweepOnce(ctx)
		}
	}
}

// SweepOnce removes expired jobs now and returns how many were removed.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (int64, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.runs.Add(1)
	n, err := s.store.DeleteExpired(ctx)
	if err != nil {
		s.logger.Error("failed to sweep expired jobs", zap.Error(err))
		return 0, err
	}
	s.removed.Add(n)
	if n > 0 {
		s.logger.Info("expired jobs removed", zap.Int64("count", n))
	}
	return n, nil
}

// Runs returns how many sweeps have been attempted.
func (s *ExpirySweeper) Runs() int64 { return s.runs.Load() }

// Removed returns how many jobs all sweeps removed.
func (s *ExpirySweeper) Removed() int64 { return s.removed.Load() }

// Stop ends the loop and waits for a running sweep to finish.
func (s *ExpirySweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	started := true
	s.startOnce.Do(func() { started = false })
	if started {
		<-s.done
	}
}
