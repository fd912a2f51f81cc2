// Package sweep periodically fails builds that were recorded but never dispatched.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

const (
	defaultInterval  = time.Minute
	defaultOlderThan = 10 * time.Minute
)

type Config struct {
	Interval  time.Duration `env:"INTERVAL"`   // default: 1m
	OlderThan time.Duration `env:"OLDER_THAN"` // default: 10m
}

func (c *Config) interval() time.Duration {
	if c.Interval <= 0 {
		return defaultInterval
	}
	return c.Interval
}

func (c *Config) olderThan() time.Duration {
	if c.OlderThan <= 0 {
		return defaultOlderThan
	}
	return c.OlderThan
}

// Sweeper is implemented by *build.Service.
type Sweeper interface {
	SweepStaleBuilds(ctx context.Context, olderThan time.Duration) (int, error)
}

// Scheduler wraps a gocron scheduler running a single sweep job.
type Scheduler struct {
	scheduler gocron.Scheduler // required
	sweeper   Sweeper          // required
	config    *Config          // required
	log       *slog.Logger
}

func NewScheduler(config *Config, sweeper Sweeper, log *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("sweep.NewScheduler: %w", err)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		scheduler: s,
		sweeper:   sweeper,
		config:    config,
		log:       log.With(slog.String("component", "sweep.Scheduler")),
	}, nil
}

// Start schedules the sweep job and starts the scheduler.
// Runs never overlap, a run that is still going when the next is due skips it.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.config.interval()),
		gocron.NewTask(s.run, ctx),
		gocron.WithName("sweep-stale-builds"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("sweep.Scheduler.Start: %w", err)
	}

	s.log.Info("starting", slog.Duration("interval", s.config.interval()), slog.Duration("older_than", s.config.olderThan()))
	s.scheduler.Start()
	return nil
}

// Stop waits for a running sweep and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	s.log.Info("stopping")
	return s.scheduler.Shutdown()
}

// RunOnce sweeps immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	return s.sweeper.SweepStaleBuilds(ctx, s.config.olderThan())
}

func (s *Scheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.RunOnce(ctx)
	if err != nil {
		s.log.Error("sweep failed", slog.Int("swept", n), slog.Any("error", err))
		return
	}
	if n > 0 {
		s.log.Info("swept stale builds", slog.Int("swept", n))
	}
}
