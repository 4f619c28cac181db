// Package housekeeping removes rows that outlived their retention window:
// expired sessions, stale audit records and old notification deliveries.
package housekeeping

import (
	"context"
	"sync"
	"time"

	"saker-scm/config"
	"saker-scm/core/store"
	"saker-scm/core/utils"
)

type Janitor struct {
	cfg        config.RetentionConfig
	sessions   store.SessionStore
	audits     store.AuditStore
	deliveries store.NotificationsStore
	logger     *utils.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func NewJanitor(cfg config.RetentionConfig, sessions store.SessionStore, audits store.AuditStore, deliveries store.NotificationsStore, logger *utils.Logger) *Janitor {
	return &Janitor{cfg: cfg, sessions: sessions, audits: audits, deliveries: deliveries, logger: logger}
}

func (j *Janitor) StartWithContext(ctx context.Context) {
	if j == nil || !j.cfg.Enabled {
		return
	}
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.running = true
	j.wg.Add(1)
	j.mu.Unlock()

	interval := j.cfg.SweepEvery
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer j.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := j.RunOnce(runCtx, time.Now().UTC()); err != nil {
					j.logger.Errorf("janitor run: %v", err)
				}
			case <-runCtx.Done():
				return
			}
		}
	}()
	j.logger.Printf("janitor started interval=%s audit_keep=%dd delivery_keep=%dd",
		interval, j.cfg.AuditKeepDays, j.cfg.DeliveryKeepDays)
}

func (j *Janitor) StopWithContext(ctx context.Context) error {
	if j == nil || !j.cfg.Enabled {
		return nil
	}
	j.mu.Lock()
	cancel := j.cancel
	j.cancel = nil
	wasRunning := j.running
	j.mu.Unlock()
	if !wasRunning || cancel == nil {
		return nil
	}
	cancel()
	waitDone := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single purge pass. Each target is attempted even when
// an earlier one fails; the first error is returned after all three ran.
func (j *Janitor) RunOnce(ctx context.Context, now time.Time) error {
	if j == nil {
		return nil
	}
	now = now.UTC()
	var firstErr error

	if j.sessions != nil {
		if n, err := j.sessions.PurgeExpired(ctx, now); err != nil {
			firstErr = err
			j.logger.Errorf("janitor sessions purge: %v", err)
		} else if n > 0 {
			j.logger.Printf("JANITOR purged %d expired sessions", n)
		}
	}
	if j.audits != nil && j.cfg.AuditKeepDays > 0 {
		cutoff := now.AddDate(0, 0, -j.cfg.AuditKeepDays)
		if n, err := j.audits.PurgeBefore(ctx, cutoff); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			j.logger.Errorf("janitor audit purge: %v", err)
		} else if n > 0 {
			j.logger.Printf("JANITOR purged %d audit records older than %s", n, cutoff.Format("2006-01-02"))
		}
	}
	if j.deliveries != nil && j.cfg.DeliveryKeepDays > 0 {
		cutoff := now.AddDate(0, 0, -j.cfg.DeliveryKeepDays)
		if n, err := j.deliveries.PurgeDeliveriesBefore(ctx, cutoff); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			j.logger.Errorf("janitor delivery purge: %v", err)
		} else if n > 0 {
			j.logger.Printf("JANITOR purged %d deliveries older than %s", n, cutoff.Format("2006-01-02"))
		}
	}
	return firstErr
}
