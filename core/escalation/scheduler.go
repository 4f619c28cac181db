package escalation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"saker-scm/config"
	"saker-scm/core/utils"
)

// Scheduler drives the two sweep cadences on wall-clock intervals.
// Overlap control lives in the Sweeper, so cron ticks, manual triggers
// and tests all share the same single-flight guard.
type Scheduler struct {
	cfg     config.SweepsConfig
	sweeper *Sweeper
	logger  *utils.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

func NewScheduler(cfg config.SweepsConfig, sweeper *Sweeper, logger *utils.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, sweeper: sweeper, logger: logger}
}

func (s *Scheduler) StartWithContext(ctx context.Context) {
	if s == nil || s.sweeper == nil || !s.cfg.Enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New()
	if _, err := c.AddFunc(everySpec(s.cfg.SLAEvery, 5*time.Minute), func() { s.tick(runCtx, KindSLA) }); err != nil {
		cancel()
		if s.logger != nil {
			s.logger.Errorf("sweep scheduler: sla cadence: %v", err)
		}
		return
	}
	if _, err := c.AddFunc(everySpec(s.cfg.EscalationEvery, 15*time.Minute), func() { s.tick(runCtx, KindEscalation) }); err != nil {
		cancel()
		if s.logger != nil {
			s.logger.Errorf("sweep scheduler: escalation cadence: %v", err)
		}
		return
	}
	c.Start()
	s.cron = c
	s.cancel = cancel
	s.running = true
	if s.logger != nil {
		s.logger.Printf("sweep scheduler started sla=%s escalation=%s workers=%d",
			everySpec(s.cfg.SLAEvery, 5*time.Minute), everySpec(s.cfg.EscalationEvery, 15*time.Minute), s.cfg.EffectiveWorkers())
	}
}

// StopWithContext stops scheduling and waits for any in-flight sweep to
// finish. The wait is bounded by the caller's context; on expiry the
// running sweep is cancelled.
func (s *Scheduler) StopWithContext(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	wasRunning := s.running
	s.cron = nil
	s.cancel = nil
	s.running = false
	s.mu.Unlock()
	if !wasRunning || c == nil {
		return nil
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
		if cancel != nil {
			cancel()
		}
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return ctx.Err()
	}
}

// RunOnce triggers a single sweep outside the cadence, sharing the
// single-flight guard with scheduled ticks.
func (s *Scheduler) RunOnce(ctx context.Context, kind Kind) (*Report, error) {
	if s == nil || s.sweeper == nil {
		return nil, errors.New("scheduler not configured")
	}
	return s.sweeper.Run(ctx, kind)
}

func (s *Scheduler) tick(ctx context.Context, kind Kind) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.sweeper.Run(ctx, kind); err != nil {
		if errors.Is(err, ErrSweepRunning) {
			if s.logger != nil {
				s.logger.Printf("SWEEP %s tick skipped, previous run still active", kind)
			}
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		if s.logger != nil {
			s.logger.Errorf("sweep %s: %v", kind, err)
		}
	}
}

func everySpec(d, fallback time.Duration) string {
	if d <= 0 {
		d = fallback
	}
	return "@every " + d.String()
}
