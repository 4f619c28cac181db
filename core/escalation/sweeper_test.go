package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"saker-scm/config"
	"saker-scm/core/store"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeCases struct {
	mu          sync.Mutex
	byID        map[int64]*store.Case
	timeline    []store.CaseTimelineEvent
	listErr     error
	breachErrID int64
	applyErrID  int64
}

func newFakeCases(cases ...*store.Case) *fakeCases {
	f := &fakeCases{byID: map[int64]*store.Case{}}
	for _, c := range cases {
		cp := *c
		f.byID[c.ID] = &cp
	}
	return f
}

func (f *fakeCases) get(id int64) store.Case {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.byID[id]
}

func (f *fakeCases) FindNonTerminalCases(ctx context.Context, limit int) ([]*store.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var res []*store.Case
	for _, c := range f.byID {
		if c.DeletedAt != nil || store.IsTerminalCaseStatus(c.Status) {
			continue
		}
		cp := *c
		res = append(res, &cp)
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (f *fakeCases) ApplyEscalation(ctx context.Context, caseID int64, newLevel int, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErrID == caseID {
		return false, errors.New("write refused")
	}
	c, ok := f.byID[caseID]
	if !ok || c.DeletedAt != nil || store.IsTerminalCaseStatus(c.Status) || c.EscalationLevel >= newLevel {
		return false, nil
	}
	c.EscalationLevel = newLevel
	t := at.UTC()
	c.LastEscalatedAt = &t
	c.SLABreached = true
	return true, nil
}

func (f *fakeCases) MarkSLABreached(ctx context.Context, caseID int64, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.breachErrID == caseID {
		return false, errors.New("write refused")
	}
	c, ok := f.byID[caseID]
	if !ok || c.DeletedAt != nil || c.SLABreached || store.IsTerminalCaseStatus(c.Status) {
		return false, nil
	}
	c.SLABreached = true
	return true, nil
}

func (f *fakeCases) AddCaseTimeline(ctx context.Context, ev *store.CaseTimelineEvent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.ID = int64(len(f.timeline) + 1)
	f.timeline = append(f.timeline, *ev)
	return ev.ID, nil
}

func (f *fakeCases) timelineEvents(caseID int64, eventType string) []store.CaseTimelineEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []store.CaseTimelineEvent
	for _, ev := range f.timeline {
		if ev.CaseID == caseID && ev.EventType == eventType {
			res = append(res, ev)
		}
	}
	return res
}

func (f *fakeCases) CreateCase(ctx context.Context, c *store.Case, regFormat string) (int64, error) {
	return 0, nil
}
func (f *fakeCases) UpdateCase(ctx context.Context, c *store.Case, expectedVersion int) error {
	return nil
}
func (f *fakeCases) UpdateCaseStatus(ctx context.Context, caseID int64, status string, userID int64) (*store.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.byID[caseID]; ok {
		c.Status = status
		cp := *c
		return &cp, nil
	}
	return nil, store.ErrConflict
}
func (f *fakeCases) AssignCase(ctx context.Context, caseID int64, assigneeUserID *int64, userID int64) error {
	return nil
}
func (f *fakeCases) SoftDeleteCase(ctx context.Context, id int64, updatedBy int64) error { return nil }
func (f *fakeCases) RestoreCase(ctx context.Context, id int64, updatedBy int64) error   { return nil }
func (f *fakeCases) GetCase(ctx context.Context, id int64) (*store.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.byID[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}
func (f *fakeCases) GetCaseByRegNo(ctx context.Context, regNo string) (*store.Case, error) {
	return nil, nil
}
func (f *fakeCases) ListCases(ctx context.Context, filter store.CaseFilter) ([]store.Case, error) {
	return nil, nil
}
func (f *fakeCases) CountCasesByStatus(ctx context.Context) (map[string]int, error) {
	return nil, nil
}
func (f *fakeCases) FindOpenCaseBySource(ctx context.Context, source, sourceRef string) (*store.Case, error) {
	return nil, nil
}
func (f *fakeCases) ListCaseTimeline(ctx context.Context, caseID int64, limit int, eventType string) ([]store.CaseTimelineEvent, error) {
	return f.timelineEvents(caseID, eventType), nil
}

type fakeEscalations struct {
	mu     sync.Mutex
	events []store.EscalationEvent
}

func (f *fakeEscalations) AddEscalation(ctx context.Context, ev *store.EscalationEvent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.ID = int64(len(f.events) + 1)
	f.events = append(f.events, *ev)
	return ev.ID, nil
}

func (f *fakeEscalations) SetEscalationNotified(ctx context.Context, id int64, notified bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.events {
		if f.events[i].ID == id {
			f.events[i].Notified = notified
		}
	}
	return nil
}

func (f *fakeEscalations) ListEscalations(ctx context.Context, filter store.EscalationFilter) ([]store.EscalationEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.EscalationEvent(nil), f.events...), nil
}

func (f *fakeEscalations) CountEscalationsSince(ctx context.Context, since time.Time) (int, error) {
	return len(f.events), nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	calls  []int
	err    error
	assign []string
}

func (f *fakeNotifier) NotifyEscalation(ctx context.Context, c *store.Case, level int) error {
	f.mu.Lock()
	f.calls = append(f.calls, level)
	f.mu.Unlock()
	return f.err
}

func (f *fakeNotifier) NotifyAssignment(ctx context.Context, c *store.Case, assignee string) error {
	f.mu.Lock()
	f.assign = append(f.assign, assignee)
	f.mu.Unlock()
	return nil
}

func sweepConfig() config.SweepsConfig {
	return config.SweepsConfig{
		Enabled:            true,
		SLAEvery:           5 * time.Minute,
		EscalationEvery:    15 * time.Minute,
		EscalationDebounce: 15 * time.Minute,
		Workers:            2,
	}
}

var sweepT0 = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

func overdueCase(id int64, due time.Time) *store.Case {
	return &store.Case{
		ID:       id,
		RegNo:    "CASE-2025-0000" + string(rune('0'+id)),
		Title:    "case under test",
		Priority: "P2",
		Status:   store.CaseStatusOpen,
		DueAt:    due,
	}
}

func TestSLASweepMarksBreachWithoutEscalating(t *testing.T) {
	cases := newFakeCases(overdueCase(1, sweepT0.Add(-time.Minute)))
	escalations := &fakeEscalations{}
	notifier := &fakeNotifier{}
	clock := &fixedClock{now: sweepT0}
	sw := NewSweeper(sweepConfig(), cases, escalations, &nopAudit{}, notifier, clock, nil)

	report, err := sw.Run(context.Background(), KindSLA)
	if err != nil {
		t.Fatalf("sla sweep: %v", err)
	}
	if report.Breached != 1 || report.Escalated != 0 {
		t.Fatalf("report breached=%d escalated=%d, want 1/0", report.Breached, report.Escalated)
	}
	got := cases.get(1)
	if !got.SLABreached {
		t.Fatalf("breach flag not set")
	}
	if got.EscalationLevel != 0 {
		t.Fatalf("sla sweep must not escalate, level=%d", got.EscalationLevel)
	}
	if len(notifier.calls) != 0 {
		t.Fatalf("sla sweep must not notify")
	}
	if evs := cases.timelineEvents(1, "sla_breached"); len(evs) != 1 {
		t.Fatalf("expected 1 breach timeline event, got %d", len(evs))
	}

	// A second pass over the already-flagged case changes nothing.
	report, err = sw.Run(context.Background(), KindSLA)
	if err != nil {
		t.Fatalf("second sla sweep: %v", err)
	}
	if report.Breached != 0 {
		t.Fatalf("breach flag flipped twice")
	}
}

func TestEscalationSweepFirstEscalationIsImmediate(t *testing.T) {
	cases := newFakeCases(overdueCase(1, sweepT0.Add(-time.Second)))
	escalations := &fakeEscalations{}
	notifier := &fakeNotifier{}
	clock := &fixedClock{now: sweepT0}
	sw := NewSweeper(sweepConfig(), cases, escalations, &nopAudit{}, notifier, clock, nil)

	report, err := sw.Run(context.Background(), KindEscalation)
	if err != nil {
		t.Fatalf("escalation sweep: %v", err)
	}
	if report.Escalated != 1 {
		t.Fatalf("escalated=%d, want 1", report.Escalated)
	}
	got := cases.get(1)
	if got.EscalationLevel != 1 {
		t.Fatalf("level=%d, want 1", got.EscalationLevel)
	}
	if got.LastEscalatedAt == nil || !got.LastEscalatedAt.Equal(sweepT0) {
		t.Fatalf("last escalated at = %v, want %v", got.LastEscalatedAt, sweepT0)
	}
	if !got.SLABreached {
		t.Fatalf("escalation must set the breach flag")
	}
	if len(notifier.calls) != 1 || notifier.calls[0] != 1 {
		t.Fatalf("notifier calls = %v, want [1]", notifier.calls)
	}
	if len(escalations.events) != 1 {
		t.Fatalf("expected 1 escalation event, got %d", len(escalations.events))
	}
	ev := escalations.events[0]
	if ev.FromLevel != 0 || ev.ToLevel != 1 || !ev.Notified {
		t.Fatalf("unexpected escalation event %+v", ev)
	}
}

func TestEscalationSweepDebouncesRepeats(t *testing.T) {
	// P2 case due at T0+4h, first escalated at T0+5h. A tick one minute
	// later must not escalate again; a tick after the full interval must.
	due := sweepT0.Add(4 * time.Hour)
	first := sweepT0.Add(5 * time.Hour)
	c := overdueCase(1, due)
	c.EscalationLevel = 1
	c.LastEscalatedAt = &first
	c.SLABreached = true
	cases := newFakeCases(c)
	escalations := &fakeEscalations{}
	notifier := &fakeNotifier{}
	clock := &fixedClock{now: first.Add(time.Minute)}
	sw := NewSweeper(sweepConfig(), cases, escalations, &nopAudit{}, notifier, clock, nil)

	report, err := sw.Run(context.Background(), KindEscalation)
	if err != nil {
		t.Fatalf("debounced sweep: %v", err)
	}
	if report.Escalated != 0 {
		t.Fatalf("escalated inside debounce interval")
	}
	if got := cases.get(1); got.EscalationLevel != 1 {
		t.Fatalf("level moved to %d inside debounce interval", got.EscalationLevel)
	}

	clock.Set(first.Add(16 * time.Minute))
	report, err = sw.Run(context.Background(), KindEscalation)
	if err != nil {
		t.Fatalf("post-debounce sweep: %v", err)
	}
	if report.Escalated != 1 {
		t.Fatalf("expected escalation after debounce, got %d", report.Escalated)
	}
	got := cases.get(1)
	if got.EscalationLevel != 2 {
		t.Fatalf("level=%d, want 2", got.EscalationLevel)
	}
	if len(notifier.calls) != 1 || notifier.calls[0] != 2 {
		t.Fatalf("notifier calls = %v, want [2]", notifier.calls)
	}
}

func TestEscalationSweepNotifierFailureKeepsLevel(t *testing.T) {
	cases := newFakeCases(
		overdueCase(1, sweepT0.Add(-time.Minute)),
		overdueCase(2, sweepT0.Add(-2*time.Minute)),
	)
	escalations := &fakeEscalations{}
	notifier := &fakeNotifier{err: errors.New("channel down")}
	clock := &fixedClock{now: sweepT0}
	sw := NewSweeper(sweepConfig(), cases, escalations, &nopAudit{}, notifier, clock, nil)

	report, err := sw.Run(context.Background(), KindEscalation)
	if err != nil {
		t.Fatalf("sweep must not fail on notifier errors: %v", err)
	}
	if report.Escalated != 2 || report.NotifyFailed != 2 {
		t.Fatalf("escalated=%d notify_failed=%d, want 2/2", report.Escalated, report.NotifyFailed)
	}
	for _, id := range []int64{1, 2} {
		if got := cases.get(id); got.EscalationLevel != 1 {
			t.Fatalf("case %d level=%d, want 1", id, got.EscalationLevel)
		}
	}
	for _, ev := range escalations.events {
		if ev.Notified {
			t.Fatalf("event %d marked notified despite failure", ev.ID)
		}
	}
}

func TestSweepNeverTouchesTerminalCases(t *testing.T) {
	closed := overdueCase(1, sweepT0.Add(-10*time.Hour))
	closed.Status = store.CaseStatusClosed
	resolved := overdueCase(2, sweepT0.Add(-10*time.Hour))
	resolved.Status = store.CaseStatusResolved
	cases := newFakeCases(closed, resolved)
	clock := &fixedClock{now: sweepT0}
	sw := NewSweeper(sweepConfig(), cases, &fakeEscalations{}, &nopAudit{}, &fakeNotifier{}, clock, nil)

	for _, kind := range []Kind{KindSLA, KindEscalation} {
		report, err := sw.Run(context.Background(), kind)
		if err != nil {
			t.Fatalf("%s sweep: %v", kind, err)
		}
		if report.Processed != 0 || report.Breached != 0 || report.Escalated != 0 {
			t.Fatalf("%s sweep touched terminal cases: %+v", kind, report)
		}
	}
	for _, id := range []int64{1, 2} {
		got := cases.get(id)
		if got.EscalationLevel != 0 || got.SLABreached {
			t.Fatalf("terminal case %d mutated: %+v", id, got)
		}
	}

	// Even if a terminal case reaches the evaluator it takes no action.
	out := sw.processCase(context.Background(), closed, sweepT0, KindEscalation)
	if out.breached || out.escalated || out.failed {
		t.Fatalf("terminal case produced an action: %+v", out)
	}
}

func TestSweepStoreReadFailureAbortsTick(t *testing.T) {
	cases := newFakeCases(overdueCase(1, sweepT0.Add(-time.Minute)))
	cases.listErr = errors.New("db gone")
	clock := &fixedClock{now: sweepT0}
	sw := NewSweeper(sweepConfig(), cases, &fakeEscalations{}, &nopAudit{}, &fakeNotifier{}, clock, nil)

	if _, err := sw.Run(context.Background(), KindEscalation); err == nil {
		t.Fatalf("expected read failure to abort the tick")
	}
	if got := cases.get(1); got.SLABreached || got.EscalationLevel != 0 {
		t.Fatalf("aborted tick mutated a case: %+v", got)
	}
	if sw.LastReport(KindEscalation) != nil {
		t.Fatalf("aborted tick must not publish a report")
	}

	// The next tick succeeds once the store recovers.
	cases.mu.Lock()
	cases.listErr = nil
	cases.mu.Unlock()
	report, err := sw.Run(context.Background(), KindEscalation)
	if err != nil {
		t.Fatalf("recovered sweep: %v", err)
	}
	if report.Escalated != 1 {
		t.Fatalf("recovered sweep escalated=%d, want 1", report.Escalated)
	}
}

func TestSweepCaseWriteFailureContinues(t *testing.T) {
	cases := newFakeCases(
		overdueCase(1, sweepT0.Add(-time.Minute)),
		overdueCase(2, sweepT0.Add(-time.Minute)),
	)
	cases.applyErrID = 1
	clock := &fixedClock{now: sweepT0}
	sw := NewSweeper(sweepConfig(), cases, &fakeEscalations{}, &nopAudit{}, &fakeNotifier{}, clock, nil)

	report, err := sw.Run(context.Background(), KindEscalation)
	if err != nil {
		t.Fatalf("sweep must survive a single case failure: %v", err)
	}
	if report.Failed != 1 || report.Escalated != 1 {
		t.Fatalf("failed=%d escalated=%d, want 1/1", report.Failed, report.Escalated)
	}
	if got := cases.get(2); got.EscalationLevel != 1 {
		t.Fatalf("healthy case not escalated: %+v", got)
	}
}

type blockingNotifier struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingNotifier) NotifyEscalation(ctx context.Context, c *store.Case, level int) error {
	b.entered <- struct{}{}
	<-b.release
	return nil
}

func (b *blockingNotifier) NotifyAssignment(ctx context.Context, c *store.Case, assignee string) error {
	return nil
}

func TestSweepSingleFlightPerKind(t *testing.T) {
	cases := newFakeCases(overdueCase(1, sweepT0.Add(-time.Minute)))
	notifier := &blockingNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	clock := &fixedClock{now: sweepT0}
	sw := NewSweeper(sweepConfig(), cases, &fakeEscalations{}, &nopAudit{}, notifier, clock, nil)

	done := make(chan error, 1)
	go func() {
		_, err := sw.Run(context.Background(), KindEscalation)
		done <- err
	}()
	<-notifier.entered

	if _, err := sw.Run(context.Background(), KindEscalation); !errors.Is(err, ErrSweepRunning) {
		t.Fatalf("overlapping tick error = %v, want ErrSweepRunning", err)
	}
	// A different cadence is independent and may run concurrently.
	if _, err := sw.Run(context.Background(), KindSLA); err != nil {
		t.Fatalf("sla sweep blocked by escalation sweep: %v", err)
	}

	close(notifier.release)
	if err := <-done; err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if _, err := sw.Run(context.Background(), KindEscalation); err != nil {
		t.Fatalf("guard not released after sweep: %v", err)
	}
}

func TestSweepLevelsStayMonotone(t *testing.T) {
	cases := newFakeCases(overdueCase(1, sweepT0.Add(-time.Minute)))
	clock := &fixedClock{now: sweepT0}
	sw := NewSweeper(sweepConfig(), cases, &fakeEscalations{}, &nopAudit{}, &fakeNotifier{}, clock, nil)

	prev := 0
	for i := 0; i < 5; i++ {
		if _, err := sw.Run(context.Background(), KindEscalation); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		got := cases.get(1)
		if got.EscalationLevel < prev {
			t.Fatalf("level regressed from %d to %d", prev, got.EscalationLevel)
		}
		prev = got.EscalationLevel
		clock.Set(clock.Now().Add(16 * time.Minute))
	}
	if prev != 5 {
		t.Fatalf("expected level 5 after 5 eligible sweeps, got %d", prev)
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(" SLA "); err != nil || k != KindSLA {
		t.Fatalf("ParseKind(sla) = %v, %v", k, err)
	}
	if k, err := ParseKind("escalation"); err != nil || k != KindEscalation {
		t.Fatalf("ParseKind(escalation) = %v, %v", k, err)
	}
	if _, err := ParseKind("hourly"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestLastReportTracksLatestRun(t *testing.T) {
	cases := newFakeCases(overdueCase(1, sweepT0.Add(-time.Minute)))
	clock := &fixedClock{now: sweepT0}
	sw := NewSweeper(sweepConfig(), cases, &fakeEscalations{}, &nopAudit{}, &fakeNotifier{}, clock, nil)

	if sw.LastReport(KindSLA) != nil {
		t.Fatalf("report before any run should be nil")
	}
	if _, err := sw.Run(context.Background(), KindSLA); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	report := sw.LastReport(KindSLA)
	if report == nil || report.Kind != KindSLA || report.Processed != 1 {
		t.Fatalf("unexpected last report %+v", report)
	}
	if sw.LastReport(KindEscalation) != nil {
		t.Fatalf("cadences must track reports independently")
	}
}

type nopAudit struct{}

func (nopAudit) Log(ctx context.Context, username, action, details string) error { return nil }
func (nopAudit) List(ctx context.Context, q store.AuditQuery) ([]store.AuditRecord, error) {
	return nil, nil
}
func (nopAudit) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) { return 0, nil }
