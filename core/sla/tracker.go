package sla

import (
	"time"

	"saker-scm/core/store"
)

// IsOverdue reports whether a case has blown its deadline at the given
// instant. Terminal cases are never overdue, and the boundary itself is not
// a breach: false at now == dueAt.
func IsOverdue(c *store.Case, now time.Time) bool {
	if c == nil || store.IsTerminalCaseStatus(c.Status) {
		return false
	}
	return now.After(c.DueAt)
}

// EscalationDue reports whether an overdue case is eligible for another
// escalation at the given instant. The first escalation fires as soon as the
// case is overdue; repeats are held back until interval has fully elapsed
// since the previous one.
func EscalationDue(c *store.Case, now time.Time, interval time.Duration) bool {
	if !IsOverdue(c, now) {
		return false
	}
	if c.LastEscalatedAt == nil {
		return true
	}
	return now.Sub(*c.LastEscalatedAt) >= interval
}
