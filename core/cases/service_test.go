package cases

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"saker-scm/config"
	"saker-scm/core/notify"
	"saker-scm/core/sla"
	"saker-scm/core/store"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

type assignRecorder struct {
	levels    []int
	assignees []string
}

func (a *assignRecorder) NotifyEscalation(ctx context.Context, c *store.Case, level int) error {
	a.levels = append(a.levels, level)
	return nil
}

func (a *assignRecorder) NotifyAssignment(ctx context.Context, c *store.Case, assignee string) error {
	a.assignees = append(a.assignees, assignee)
	return nil
}

func newTestService(t *testing.T, clock sla.Clock, notifier *assignRecorder) (*Service, store.CasesStore) {
	t.Helper()
	cfg := &config.AppConfig{
		DBPath: filepath.Join(t.TempDir(), "cases.db"),
		Cases:  config.CasesConfig{RegNoFormat: "CASE-{year}-{seq:05}"},
	}
	db, err := store.NewDB(cfg, nil)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, nil); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	cs := store.NewCasesStore(db)
	audits := store.NewAuditStore(db)
	var n notify.Notifier
	if notifier != nil {
		n = notifier
	}
	return NewService(cfg, cs, sla.DefaultPolicy(), clock, audits, n, nil), cs
}

var caseT0 = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func TestCreateComputesDueAtFromPolicy(t *testing.T) {
	clock := &testClock{now: caseT0}
	svc, _ := newTestService(t, clock, nil)

	c, err := svc.Create(context.Background(), CreateInput{
		Title:    "Malware beacon from workstation",
		Priority: "p1",
		Severity: "critical",
		Source:   "siem",
	}, "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Priority != "P1" {
		t.Fatalf("priority not normalized: %q", c.Priority)
	}
	if want := caseT0.Add(time.Hour); !c.DueAt.Equal(want) {
		t.Fatalf("due at = %v, want %v", c.DueAt, want)
	}
	if c.Status != store.CaseStatusOpen {
		t.Fatalf("status = %q, want open", c.Status)
	}
	if c.RegNo == "" {
		t.Fatalf("register number not assigned")
	}
	if c.EscalationLevel != 0 || c.LastEscalatedAt != nil || c.SLABreached {
		t.Fatalf("fresh case carries escalation state: %+v", c)
	}
}

func TestCreateRejectsUnknownPriority(t *testing.T) {
	svc, cs := newTestService(t, &testClock{now: caseT0}, nil)

	_, err := svc.Create(context.Background(), CreateInput{Title: "x", Priority: "P4"}, "alice")
	if !errors.Is(err, sla.ErrUnknownPriority) {
		t.Fatalf("expected ErrUnknownPriority, got %v", err)
	}
	items, err := cs.ListCases(context.Background(), store.CaseFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("rejected create persisted a case")
	}
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _ := newTestService(t, &testClock{now: caseT0}, nil)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateInput{Title: "   ", Priority: "P1"}, "a"); !errors.Is(err, ErrTitleRequired) {
		t.Fatalf("blank title error = %v", err)
	}
	if _, err := svc.Create(ctx, CreateInput{Title: "x", Priority: "P1", Severity: "catastrophic"}, "a"); !errors.Is(err, ErrInvalidSeverity) {
		t.Fatalf("bad severity error = %v", err)
	}
}

func TestCreateSequencesRegisterNumbers(t *testing.T) {
	svc, _ := newTestService(t, &testClock{now: caseT0}, nil)
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateInput{Title: "one", Priority: "P3"}, "a")
	if err != nil {
		t.Fatalf("create one: %v", err)
	}
	second, err := svc.Create(ctx, CreateInput{Title: "two", Priority: "P3"}, "a")
	if err != nil {
		t.Fatalf("create two: %v", err)
	}
	if first.RegNo == second.RegNo {
		t.Fatalf("register numbers collide: %q", first.RegNo)
	}
	if first.RegNo != "CASE-2025-00001" || second.RegNo != "CASE-2025-00002" {
		t.Fatalf("unexpected reg numbers %q %q", first.RegNo, second.RegNo)
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	svc, _ := newTestService(t, &testClock{now: caseT0}, nil)
	ctx := context.Background()
	c, err := svc.Create(ctx, CreateInput{Title: "x", Priority: "P2"}, "a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	moved, err := svc.UpdateStatus(ctx, c.ID, "in_progress", 1, "a")
	if err != nil {
		t.Fatalf("to in_progress: %v", err)
	}
	if moved.Status != store.CaseStatusInProgress || moved.ClosedAt != nil {
		t.Fatalf("unexpected state after in_progress: %+v", moved)
	}

	resolved, err := svc.UpdateStatus(ctx, c.ID, "resolved", 1, "a")
	if err != nil {
		t.Fatalf("to resolved: %v", err)
	}
	if resolved.Status != store.CaseStatusResolved || resolved.ClosedAt == nil {
		t.Fatalf("terminal transition must stamp closed_at: %+v", resolved)
	}

	reopened, err := svc.UpdateStatus(ctx, c.ID, "open", 1, "a")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Status != store.CaseStatusOpen || reopened.ClosedAt != nil {
		t.Fatalf("reopen must clear closed_at: %+v", reopened)
	}

	if _, err := svc.UpdateStatus(ctx, c.ID, "archived", 1, "a"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("unknown status error = %v", err)
	}
}

func TestAssignNotifiesAssignee(t *testing.T) {
	notifier := &assignRecorder{}
	svc, _ := newTestService(t, &testClock{now: caseT0}, notifier)
	ctx := context.Background()
	c, err := svc.Create(ctx, CreateInput{Title: "x", Priority: "P2"}, "a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	assignee := &store.User{ID: 42, Username: "analyst1"}
	updated, err := svc.Assign(ctx, c.ID, assignee, 1, "a")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if updated.AssigneeUserID == nil || *updated.AssigneeUserID != 42 {
		t.Fatalf("assignee not persisted: %+v", updated)
	}
	if len(notifier.assignees) != 1 || notifier.assignees[0] != "analyst1" {
		t.Fatalf("assignment notification = %v", notifier.assignees)
	}

	cleared, err := svc.Assign(ctx, c.ID, nil, 1, "a")
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if cleared.AssigneeUserID != nil {
		t.Fatalf("assignee not cleared")
	}
	if len(notifier.assignees) != 1 {
		t.Fatalf("unassign must not notify")
	}
}

func TestAuthLockoutCaseLifecycle(t *testing.T) {
	svc, cs := newTestService(t, &testClock{now: caseT0}, nil)
	ctx := context.Background()

	first, err := svc.EnsureAuthLockoutCase(ctx, "Bob", 1)
	if err != nil {
		t.Fatalf("ensure lockout case: %v", err)
	}
	if first.Priority != "P2" || first.Source != "auth" || first.SourceRef != "bob" {
		t.Fatalf("unexpected lockout case %+v", first)
	}
	if want := caseT0.Add(4 * time.Hour); !first.DueAt.Equal(want) {
		t.Fatalf("lockout case due at = %v, want %v", first.DueAt, want)
	}

	// A second lockout while the case is open folds into it.
	again, err := svc.EnsureAuthLockoutCase(ctx, "bob", 2)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("duplicate lockout case created: %d vs %d", again.ID, first.ID)
	}

	if err := svc.ResolveAuthLockoutCase(ctx, "bob"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	resolved, err := cs.GetCase(ctx, first.ID)
	if err != nil || resolved == nil {
		t.Fatalf("get resolved: %v", err)
	}
	if resolved.Status != store.CaseStatusResolved {
		t.Fatalf("lockout case not resolved: %q", resolved.Status)
	}

	// After resolution a new lockout opens a fresh case.
	third, err := svc.EnsureAuthLockoutCase(ctx, "bob", 1)
	if err != nil {
		t.Fatalf("ensure after resolve: %v", err)
	}
	if third.ID == first.ID {
		t.Fatalf("resolved case reused")
	}
}
