package sla

import (
	"testing"
	"time"

	"saker-scm/core/store"
)

func TestIsOverdueBoundaryExclusive(t *testing.T) {
	due := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	c := &store.Case{Status: store.CaseStatusOpen, DueAt: due}
	if IsOverdue(c, due.Add(-time.Second)) {
		t.Fatalf("case must not be overdue before the deadline")
	}
	if IsOverdue(c, due) {
		t.Fatalf("case must not be overdue at the exact deadline")
	}
	if !IsOverdue(c, due.Add(time.Second)) {
		t.Fatalf("case must be overdue one second past the deadline")
	}
}

func TestIsOverdueTerminalStatusesNeverOverdue(t *testing.T) {
	due := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	longPast := due.Add(240 * time.Hour)
	for _, status := range []string{store.CaseStatusResolved, store.CaseStatusClosed} {
		c := &store.Case{Status: status, DueAt: due}
		if IsOverdue(c, longPast) {
			t.Fatalf("%s case must never be overdue", status)
		}
	}
	if IsOverdue(nil, longPast) {
		t.Fatalf("nil case must not be overdue")
	}
}

func TestIsOverdueNonTerminalStatuses(t *testing.T) {
	due := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	for _, status := range []string{store.CaseStatusOpen, store.CaseStatusInProgress} {
		c := &store.Case{Status: status, DueAt: due}
		if !IsOverdue(c, due.Add(time.Minute)) {
			t.Fatalf("%s case past deadline must be overdue", status)
		}
	}
}

func TestEscalationDueFirstEscalationFiresImmediately(t *testing.T) {
	due := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	c := &store.Case{Status: store.CaseStatusOpen, DueAt: due}
	if EscalationDue(c, due, 15*time.Minute) {
		t.Fatalf("escalation must not be due while the case is not overdue")
	}
	if !EscalationDue(c, due.Add(time.Second), 15*time.Minute) {
		t.Fatalf("first escalation must be due as soon as the case is overdue")
	}
}

func TestEscalationDueDebouncesRepeats(t *testing.T) {
	due := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	last := due.Add(time.Hour)
	interval := 15 * time.Minute
	c := &store.Case{Status: store.CaseStatusOpen, DueAt: due, LastEscalatedAt: &last}
	if EscalationDue(c, last, interval) {
		t.Fatalf("escalation must not repeat at the instant of the previous one")
	}
	if EscalationDue(c, last.Add(interval-time.Second), interval) {
		t.Fatalf("escalation must not repeat before the interval elapses")
	}
	if !EscalationDue(c, last.Add(interval), interval) {
		t.Fatalf("escalation must repeat once the full interval has elapsed")
	}
}

func TestEscalationDueTerminalNeverEligible(t *testing.T) {
	due := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	c := &store.Case{Status: store.CaseStatusClosed, DueAt: due}
	if EscalationDue(c, due.Add(48*time.Hour), time.Minute) {
		t.Fatalf("terminal case must never be eligible for escalation")
	}
}

// A P1 case created at T0 carries a one hour deadline: on time at T0+1h,
// overdue one second later.
func TestP1CaseLifecycleTiming(t *testing.T) {
	p := DefaultPolicy()
	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	due, err := p.ComputeDueAt(t0, PriorityP1)
	if err != nil {
		t.Fatalf("compute due at: %v", err)
	}
	if !due.Equal(t0.Add(time.Hour)) {
		t.Fatalf("expected due at %s, got %s", t0.Add(time.Hour), due)
	}
	c := &store.Case{Status: store.CaseStatusOpen, DueAt: due, CreatedAt: t0}
	if IsOverdue(c, due) {
		t.Fatalf("case must still be on time at the deadline")
	}
	if !IsOverdue(c, due.Add(time.Second)) {
		t.Fatalf("case must be overdue past the deadline")
	}
}
