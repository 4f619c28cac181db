package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"saker-scm/config"
	"saker-scm/core/notify"
	"saker-scm/core/sla"
	"saker-scm/core/store"
	"saker-scm/core/utils"
)

// Kind names one of the two sweep cadences.
type Kind string

const (
	KindSLA        Kind = "sla"
	KindEscalation Kind = "escalation"
)

var ErrUnknownKind = errors.New("unknown sweep kind")

// ErrSweepRunning is returned when a sweep of the same kind is still
// active. Ticks and manual triggers are skipped, never queued.
var ErrSweepRunning = errors.New("sweep already running")

func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(KindSLA):
		return KindSLA, nil
	case string(KindEscalation):
		return KindEscalation, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
}

// Report summarizes one completed sweep.
type Report struct {
	Kind         Kind      `json:"kind"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Processed    int       `json:"processed"`
	Breached     int       `json:"breached"`
	Escalated    int       `json:"escalated"`
	Failed       int       `json:"failed"`
	NotifyFailed int       `json:"notify_failed"`
}

func (r *Report) Duration() time.Duration {
	if r == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Sweeper walks the non-terminal case set and applies deadline state
// transitions. The SLA cadence only flips breach flags; the escalation
// cadence additionally raises escalation levels once the debounce
// interval has passed. Every case is evaluated against a single clock
// reading taken at the start of the sweep.
type Sweeper struct {
	cfg         config.SweepsConfig
	cases       store.CasesStore
	escalations store.EscalationsStore
	audits      store.AuditStore
	notifier    notify.Notifier
	clock       sla.Clock
	logger      *utils.Logger

	mu     sync.Mutex
	active map[Kind]bool
	last   map[Kind]*Report
}

func NewSweeper(cfg config.SweepsConfig, cases store.CasesStore, escalations store.EscalationsStore, audits store.AuditStore, notifier notify.Notifier, clock sla.Clock, logger *utils.Logger) *Sweeper {
	if clock == nil {
		clock = sla.SystemClock()
	}
	return &Sweeper{
		cfg:         cfg,
		cases:       cases,
		escalations: escalations,
		audits:      audits,
		notifier:    notifier,
		clock:       clock,
		logger:      logger,
		active:      map[Kind]bool{},
		last:        map[Kind]*Report{},
	}
}

// Run executes one sweep of the given kind. Concurrent runs of the same
// kind are rejected with ErrSweepRunning; the two kinds may overlap.
func (s *Sweeper) Run(ctx context.Context, kind Kind) (*Report, error) {
	if kind != KindSLA && kind != KindEscalation {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if !s.tryBegin(kind) {
		return nil, ErrSweepRunning
	}
	defer s.end(kind)
	report, err := s.sweep(ctx, kind)
	if report != nil {
		s.mu.Lock()
		s.last[kind] = report
		s.mu.Unlock()
	}
	return report, err
}

// LastReport returns the most recent completed report for a cadence,
// or nil when the cadence has not run yet.
func (s *Sweeper) LastReport(kind Kind) *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.last[kind]
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

func (s *Sweeper) tryBegin(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[kind] {
		return false
	}
	s.active[kind] = true
	return true
}

func (s *Sweeper) end(kind Kind) {
	s.mu.Lock()
	delete(s.active, kind)
	s.mu.Unlock()
}

func (s *Sweeper) sweep(ctx context.Context, kind Kind) (*Report, error) {
	now := s.clock.Now()
	report := &Report{Kind: kind, StartedAt: now}
	list, err := s.cases.FindNonTerminalCases(ctx, s.cfg.MaxCasesPerSweep)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("sweep %s: list cases: %v", kind, err)
		}
		return nil, fmt.Errorf("list cases: %w", err)
	}

	sem := make(chan struct{}, s.cfg.EffectiveWorkers())
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, c := range list {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			report.FinishedAt = s.clock.Now()
			return report, ctx.Err()
		}
		wg.Add(1)
		go func(c *store.Case) {
			defer wg.Done()
			defer func() { <-sem }()
			out := s.processCase(ctx, c, now, kind)
			mu.Lock()
			report.Processed++
			if out.breached {
				report.Breached++
			}
			if out.escalated {
				report.Escalated++
			}
			if out.failed {
				report.Failed++
			}
			if out.notifyFailed {
				report.NotifyFailed++
			}
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	report.FinishedAt = s.clock.Now()
	if s.logger != nil {
		s.logger.Printf("SWEEP %s processed=%d breached=%d escalated=%d failed=%d notify_failed=%d dur=%s",
			kind, report.Processed, report.Breached, report.Escalated, report.Failed, report.NotifyFailed, report.Duration())
	}
	s.auditSummary(ctx, report)
	return report, nil
}

type caseOutcome struct {
	breached     bool
	escalated    bool
	failed       bool
	notifyFailed bool
}

// processCase applies at most one transition per case per tick. Cases
// fail independently: an error here is counted and the sweep moves on.
func (s *Sweeper) processCase(ctx context.Context, c *store.Case, now time.Time, kind Kind) caseOutcome {
	var out caseOutcome
	if c == nil || store.IsTerminalCaseStatus(c.Status) {
		return out
	}
	if !sla.IsOverdue(c, now) {
		return out
	}
	if kind == KindEscalation && sla.EscalationDue(c, now, s.cfg.EscalationDebounce) {
		return s.escalate(ctx, c, now)
	}
	// Overdue but debounced (or the SLA cadence): flip the breach flag once.
	if !c.SLABreached {
		flipped, err := s.cases.MarkSLABreached(ctx, c.ID, now)
		if err != nil {
			if s.logger != nil {
				s.logger.Errorf("sweep %s: mark breach case=%d: %v", kind, c.ID, err)
			}
			out.failed = true
			return out
		}
		if flipped {
			out.breached = true
			s.addTimeline(ctx, c.ID, "sla_breached", fmt.Sprintf("deadline %s missed", c.DueAt.UTC().Format(time.RFC3339)))
		}
	}
	return out
}

func (s *Sweeper) escalate(ctx context.Context, c *store.Case, now time.Time) caseOutcome {
	var out caseOutcome
	newLevel := c.EscalationLevel + 1
	advanced, err := s.cases.ApplyEscalation(ctx, c.ID, newLevel, now)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("sweep escalation: apply case=%d level=%d: %v", c.ID, newLevel, err)
		}
		out.failed = true
		return out
	}
	if !advanced {
		// Lost the race against a concurrent sweep or a terminal transition.
		return out
	}
	out.escalated = true
	if !c.SLABreached {
		out.breached = true
	}
	ev := &store.EscalationEvent{
		CaseID:      c.ID,
		FromLevel:   c.EscalationLevel,
		ToLevel:     newLevel,
		EscalatedAt: now,
	}
	evID, evErr := s.escalations.AddEscalation(ctx, ev)
	if evErr != nil {
		if s.logger != nil {
			s.logger.Errorf("sweep escalation: record case=%d: %v", c.ID, evErr)
		}
		out.failed = true
	}
	s.addTimeline(ctx, c.ID, "escalated", fmt.Sprintf("escalation level raised to %d", newLevel))

	// The level increment stands whether or not anyone hears about it.
	if s.notifier != nil {
		updated := *c
		updated.EscalationLevel = newLevel
		updated.LastEscalatedAt = &now
		updated.SLABreached = true
		if notifyErr := s.notifier.NotifyEscalation(ctx, &updated, newLevel); notifyErr != nil {
			out.notifyFailed = true
			if s.logger != nil {
				s.logger.Errorf("sweep escalation: notify case=%d level=%d: %v", c.ID, newLevel, notifyErr)
			}
		} else if evErr == nil && evID > 0 {
			if err := s.escalations.SetEscalationNotified(ctx, evID, true); err != nil && s.logger != nil {
				s.logger.Errorf("sweep escalation: mark notified case=%d: %v", c.ID, err)
			}
		}
	}
	return out
}

func (s *Sweeper) addTimeline(ctx context.Context, caseID int64, eventType, message string) {
	if _, err := s.cases.AddCaseTimeline(ctx, &store.CaseTimelineEvent{
		CaseID:    caseID,
		EventType: eventType,
		Message:   message,
	}); err != nil && s.logger != nil {
		s.logger.Errorf("sweep timeline case=%d: %v", caseID, err)
	}
}

// auditSummary records sweeps that changed something. Quiet ticks are
// visible in logs but kept out of the audit trail.
func (s *Sweeper) auditSummary(ctx context.Context, r *Report) {
	if s.audits == nil || r == nil {
		return
	}
	if r.Breached == 0 && r.Escalated == 0 && r.Failed == 0 {
		return
	}
	details := fmt.Sprintf("processed=%d breached=%d escalated=%d failed=%d notify_failed=%d dur=%s",
		r.Processed, r.Breached, r.Escalated, r.Failed, r.NotifyFailed, r.Duration())
	if err := s.audits.Log(ctx, "system", "sweep."+string(r.Kind), details); err != nil && s.logger != nil {
		s.logger.Errorf("sweep audit: %v", err)
	}
}
