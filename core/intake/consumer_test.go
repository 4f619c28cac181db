package intake

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"saker-scm/config"
	"saker-scm/core/cases"
	"saker-scm/core/sla"
	"saker-scm/core/store"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Set(t time.Time) { c.now = t }

var intakeT0 = time.Date(2025, 7, 14, 8, 0, 0, 0, time.UTC)

func newTestConsumer(t *testing.T) (*Consumer, store.CasesStore, *testClock) {
	t.Helper()
	cfg := &config.AppConfig{
		DBPath: filepath.Join(t.TempDir(), "intake.db"),
		Cases:  config.CasesConfig{RegNoFormat: "CASE-{year}-{seq:05}"},
		Intake: config.IntakeConfig{
			Enabled:     true,
			Topic:       "siem.alerts",
			Group:       "saker-scm",
			DedupWindow: time.Hour,
		},
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
	clock := &testClock{now: intakeT0}
	svc := cases.NewService(cfg, cs, sla.DefaultPolicy(), clock, store.NewAuditStore(db), nil, nil)
	return NewConsumer(cfg.Intake, svc, clock, nil), cs, clock
}

func TestPriorityForSeverity(t *testing.T) {
	for _, tc := range []struct {
		severity string
		want     sla.Priority
	}{
		{"critical", sla.PriorityP1},
		{"HIGH", sla.PriorityP1},
		{"medium", sla.PriorityP2},
		{" Low ", sla.PriorityP3},
	} {
		got, err := PriorityForSeverity(tc.severity)
		if err != nil {
			t.Fatalf("%q: %v", tc.severity, err)
		}
		if got != tc.want {
			t.Fatalf("%q mapped to %s, want %s", tc.severity, got, tc.want)
		}
	}
	if _, err := PriorityForSeverity("informational"); !errors.Is(err, ErrUnknownSeverity) {
		t.Fatalf("unknown severity error = %v", err)
	}
}

func TestAlertOpensCaseWithMappedPriority(t *testing.T) {
	c, cs, _ := newTestConsumer(t)
	ctx := context.Background()

	err := c.processAlert(ctx, &Alert{
		Key:      "edr-9001",
		Title:    "Ransomware behaviour on FILESRV01",
		Severity: "critical",
		Detector: "edr",
	})
	if err != nil {
		t.Fatalf("process alert: %v", err)
	}

	opened, err := cs.FindOpenCaseBySource(ctx, "siem", "edr-9001")
	if err != nil || opened == nil {
		t.Fatalf("case not found: %v", err)
	}
	if opened.Priority != "P1" || opened.Severity != "critical" {
		t.Fatalf("unexpected case %+v", opened)
	}
	if want := intakeT0.Add(time.Hour); !opened.DueAt.Equal(want) {
		t.Fatalf("due at = %v, want %v", opened.DueAt, want)
	}
	if opened.Source != "siem" || opened.SourceRef != "edr-9001" {
		t.Fatalf("source tagging wrong: %q %q", opened.Source, opened.SourceRef)
	}

	stats := c.Stats()
	if stats.Created != 1 || stats.Rejected != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestAlertTitleFallsBackToKey(t *testing.T) {
	c, cs, _ := newTestConsumer(t)
	ctx := context.Background()

	if err := c.processAlert(ctx, &Alert{Key: "ids-17", Severity: "low"}); err != nil {
		t.Fatalf("process alert: %v", err)
	}
	opened, err := cs.FindOpenCaseBySource(ctx, "siem", "ids-17")
	if err != nil || opened == nil {
		t.Fatalf("case not found: %v", err)
	}
	if opened.Title != "SIEM alert ids-17" {
		t.Fatalf("title = %q", opened.Title)
	}
	if opened.Priority != "P3" {
		t.Fatalf("priority = %q, want P3", opened.Priority)
	}
}

func TestAlertRejectsBadInput(t *testing.T) {
	c, cs, _ := newTestConsumer(t)
	ctx := context.Background()

	if err := c.processAlert(ctx, &Alert{Severity: "high"}); !errors.Is(err, ErrMissingAlertKey) {
		t.Fatalf("missing key error = %v", err)
	}
	if err := c.processAlert(ctx, &Alert{Key: "x-1", Severity: "informational"}); !errors.Is(err, ErrUnknownSeverity) {
		t.Fatalf("unknown severity error = %v", err)
	}
	if err := c.processRecord(ctx, []byte("{not json")); err == nil {
		t.Fatalf("bad json accepted")
	}

	items, err := cs.ListCases(ctx, store.CaseFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("rejected alerts persisted %d cases", len(items))
	}
	stats := c.Stats()
	if stats.Rejected != 3 || stats.Created != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestAlertDedupWithinWindow(t *testing.T) {
	c, cs, clock := newTestConsumer(t)
	ctx := context.Background()
	alert := &Alert{Key: "fw-55", Title: "Port scan", Severity: "medium"}

	if err := c.processAlert(ctx, alert); err != nil {
		t.Fatalf("first alert: %v", err)
	}
	clock.Set(intakeT0.Add(10 * time.Minute))
	if err := c.processAlert(ctx, alert); err != nil {
		t.Fatalf("repeat alert: %v", err)
	}

	items, err := cs.ListCases(ctx, store.CaseFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("dedup failed, %d cases", len(items))
	}
	stats := c.Stats()
	if stats.Created != 1 || stats.Duplicates != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestAlertBeyondWindowFoldsIntoOpenCase(t *testing.T) {
	c, cs, clock := newTestConsumer(t)
	ctx := context.Background()
	alert := &Alert{Key: "fw-56", Title: "Beaconing", Severity: "medium"}

	if err := c.processAlert(ctx, alert); err != nil {
		t.Fatalf("first alert: %v", err)
	}
	opened, err := cs.FindOpenCaseBySource(ctx, "siem", "fw-56")
	if err != nil || opened == nil {
		t.Fatalf("case not found: %v", err)
	}

	// Window expired but the case is still open: fold, don't duplicate.
	clock.Set(intakeT0.Add(2 * time.Hour))
	if err := c.processAlert(ctx, alert); err != nil {
		t.Fatalf("repeat alert: %v", err)
	}
	items, err := cs.ListCases(ctx, store.CaseFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("fold failed, %d cases", len(items))
	}
	events, err := cs.ListCaseTimeline(ctx, opened.ID, 50, "alert.duplicate")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("duplicate timeline entries = %d, want 1", len(events))
	}
}

func TestAlertAfterResolutionOpensFreshCase(t *testing.T) {
	c, cs, clock := newTestConsumer(t)
	ctx := context.Background()
	alert := &Alert{Key: "fw-57", Title: "C2 callback", Severity: "high"}

	if err := c.processAlert(ctx, alert); err != nil {
		t.Fatalf("first alert: %v", err)
	}
	first, err := cs.FindOpenCaseBySource(ctx, "siem", "fw-57")
	if err != nil || first == nil {
		t.Fatalf("case not found: %v", err)
	}
	if _, err := cs.UpdateCaseStatus(ctx, first.ID, store.CaseStatusResolved, 0); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	clock.Set(intakeT0.Add(3 * time.Hour))
	if err := c.processAlert(ctx, alert); err != nil {
		t.Fatalf("alert after resolution: %v", err)
	}
	second, err := cs.FindOpenCaseBySource(ctx, "siem", "fw-57")
	if err != nil || second == nil {
		t.Fatalf("fresh case not found: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("resolved case reused")
	}
	if stats := c.Stats(); stats.Created != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}
