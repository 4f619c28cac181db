package sla

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"saker-scm/config"
)

// Priority is the urgency tier assigned to a case when it is created. A tier
// fixes the response deadline for the whole life of the case; values outside
// the three known tiers are a configuration error and are rejected before any
// deadline math happens.
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// Built-in response deadlines, overridable per tier via configuration.
const (
	DefaultP1Deadline = 1 * time.Hour
	DefaultP2Deadline = 4 * time.Hour
	DefaultP3Deadline = 24 * time.Hour
)

var ErrUnknownPriority = errors.New("unknown priority tier")

// ParsePriority normalizes and validates a priority value arriving from a
// request body, an intake alert or configuration. Unknown tiers are an error,
// never defaulted.
func ParsePriority(raw string) (Priority, error) {
	switch Priority(strings.ToUpper(strings.TrimSpace(raw))) {
	case PriorityP1:
		return PriorityP1, nil
	case PriorityP2:
		return PriorityP2, nil
	case PriorityP3:
		return PriorityP3, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPriority, raw)
}

func (p Priority) Valid() bool {
	return p == PriorityP1 || p == PriorityP2 || p == PriorityP3
}

func (p Priority) String() string { return string(p) }

// Policy maps priority tiers to response deadlines.
type Policy struct {
	deadlines map[Priority]time.Duration
}

// DefaultPolicy returns the built-in mapping: P1 1h, P2 4h, P3 24h.
func DefaultPolicy() *Policy {
	return &Policy{deadlines: map[Priority]time.Duration{
		PriorityP1: DefaultP1Deadline,
		PriorityP2: DefaultP2Deadline,
		PriorityP3: DefaultP3Deadline,
	}}
}

// NewPolicy builds a policy from configuration. A zero override keeps the
// built-in deadline for that tier; negative overrides fail construction.
func NewPolicy(cfg config.SLAConfig) (*Policy, error) {
	p := DefaultPolicy()
	overrides := map[Priority]time.Duration{
		PriorityP1: cfg.P1Deadline,
		PriorityP2: cfg.P2Deadline,
		PriorityP3: cfg.P3Deadline,
	}
	for tier, d := range overrides {
		if d == 0 {
			continue
		}
		if d < 0 {
			return nil, fmt.Errorf("sla deadline for %s must be positive, got %s", tier, d)
		}
		p.deadlines[tier] = d
	}
	return p, nil
}

// DeadlineFor returns the response deadline for a tier. Total over the three
// known tiers, error on anything else.
func (p *Policy) DeadlineFor(tier Priority) (time.Duration, error) {
	d, ok := p.deadlines[tier]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPriority, tier)
	}
	return d, nil
}

// ComputeDueAt derives the SLA deadline for a case created at createdAt.
// Called once per case, at creation; later re-prioritization does not
// recompute it.
func (p *Policy) ComputeDueAt(createdAt time.Time, tier Priority) (time.Time, error) {
	d, err := p.DeadlineFor(tier)
	if err != nil {
		return time.Time{}, err
	}
	return createdAt.Add(d), nil
}
