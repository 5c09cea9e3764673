package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kursadbilgin/dispatch-orchestrator/internal/observability"
)

const DefaultSweepSchedule = "@every 10m"

// SweepFunc evicts expired entries and returns how many were removed.
type SweepFunc func(now time.Time) int

// Sweeper runs the in-memory stores' expiry passes on a cron schedule.
// Redis-backed stores expire by TTL and are not registered.
type Sweeper struct {
	schedule cron.Schedule
	targets  map[string]SweepFunc
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewSweeper(expr string, targets map[string]SweepFunc, metrics *observability.Metrics, logger *zap.Logger) (*Sweeper, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = DefaultSweepSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	copied := make(map[string]SweepFunc, len(targets))
	for name, fn := range targets {
		if fn != nil {
			copied[name] = fn
		}
	}

	return &Sweeper{
		schedule: schedule,
		targets:  copied,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start runs the cron until ctx is done, then waits for a running sweep to finish.
func (s *Sweeper) Start(ctx context.Context) error {
	if len(s.targets) == 0 {
		<-ctx.Done()
		return nil
	}

	c := cron.New()
	c.Schedule(s.schedule, cron.FuncJob(func() { s.RunOnce() }))
	c.Start()
	s.logger.Info("sweeper started", zap.Int("targets", len(s.targets)))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce sweeps every target and returns the removed count per target.
func (s *Sweeper) RunOnce() map[string]int {
	now := s.now()
	removed := make(map[string]int, len(s.targets))
	for name, sweep := range s.targets {
		n := sweep(now)
		removed[name] = n
		s.metrics.AddSwept(name, n)
		if n > 0 {
			s.logger.Debug("expired entries swept", zap.String("store", name), zap.Int("removed", n))
		}
	}
	return removed
}

// Next reports when the schedule fires after t.
func (s *Sweeper) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}
