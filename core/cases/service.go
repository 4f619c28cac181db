package cases

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"saker-scm/config"
	"saker-scm/core/notify"
	"saker-scm/core/sla"
	"saker-scm/core/store"
	"saker-scm/core/utils"
)

var (
	ErrTitleRequired   = errors.New("title required")
	ErrInvalidSeverity = errors.New("invalid severity")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrNotFound        = errors.New("case not found")
)

var validSeverity = map[string]struct{}{
	"low":      {},
	"medium":   {},
	"high":     {},
	"critical": {},
}

var validStatus = map[string]struct{}{
	store.CaseStatusOpen:       {},
	store.CaseStatusInProgress: {},
	store.CaseStatusResolved:   {},
	store.CaseStatusClosed:     {},
}

// CreateInput carries everything a new case needs. The priority is raw
// caller input and is validated here; the due date is derived, never
// supplied.
type CreateInput struct {
	Title          string
	Description    string
	Priority       string
	Severity       string
	Source         string
	SourceRef      string
	AssigneeUserID *int64
	CreatedBy      int64
}

// Service is the single path every case mutation goes through: the HTTP
// API, the alert intake and the auth lockout hook all create and update
// cases here, so the priority check and due date computation cannot be
// bypassed.
type Service struct {
	cfg      *config.AppConfig
	store    store.CasesStore
	policy   *sla.Policy
	clock    sla.Clock
	audits   store.AuditStore
	notifier notify.Notifier
	logger   *utils.Logger
}

func NewService(cfg *config.AppConfig, cs store.CasesStore, policy *sla.Policy, clock sla.Clock, audits store.AuditStore, notifier notify.Notifier, logger *utils.Logger) *Service {
	if clock == nil {
		clock = sla.SystemClock()
	}
	return &Service{cfg: cfg, store: cs, policy: policy, clock: clock, audits: audits, notifier: notifier, logger: logger}
}

// Create validates the tier, computes the due date once and persists the
// case. An unknown priority is rejected before anything is written.
func (s *Service) Create(ctx context.Context, in CreateInput, actor string) (*store.Case, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, ErrTitleRequired
	}
	tier, err := sla.ParsePriority(in.Priority)
	if err != nil {
		return nil, err
	}
	severity := strings.ToLower(strings.TrimSpace(in.Severity))
	if severity != "" {
		if _, ok := validSeverity[severity]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSeverity, in.Severity)
		}
	}
	now := s.clock.Now()
	dueAt, err := s.policy.ComputeDueAt(now, tier)
	if err != nil {
		return nil, err
	}
	c := &store.Case{
		Title:          title,
		Description:    strings.TrimSpace(in.Description),
		Priority:       string(tier),
		Severity:       severity,
		Status:         store.CaseStatusOpen,
		Source:         strings.ToLower(strings.TrimSpace(in.Source)),
		SourceRef:      strings.TrimSpace(in.SourceRef),
		AssigneeUserID: in.AssigneeUserID,
		DueAt:          dueAt,
		CreatedBy:      in.CreatedBy,
		UpdatedBy:      in.CreatedBy,
		Version:        1,
	}
	if _, err := s.store.CreateCase(ctx, c, s.cfg.Cases.RegNoFormat); err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}
	s.log(ctx, actor, "case.create", c.RegNo)
	return c, nil
}

// UpdateStatus moves a case through its lifecycle. Terminal transitions
// stamp closedAt in the store; moving back out of a terminal status
// clears it.
func (s *Service) UpdateStatus(ctx context.Context, caseID int64, status string, actorID int64, actor string) (*store.Case, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if _, ok := validStatus[status]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	current, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if current == nil || current.DeletedAt != nil {
		return nil, ErrNotFound
	}
	updated, err := s.store.UpdateCaseStatus(ctx, caseID, status, actorID)
	if err != nil {
		return nil, err
	}
	s.addTimeline(ctx, caseID, "status.change", fmt.Sprintf("%s -> %s", current.Status, status), actorID)
	s.log(ctx, actor, "case.status.change", fmt.Sprintf("%s %s->%s", current.RegNo, current.Status, status))
	return updated, nil
}

// Assign sets or clears the assignee and notifies the new assignee.
// Notification failure does not fail the assignment.
func (s *Service) Assign(ctx context.Context, caseID int64, assignee *store.User, actorID int64, actor string) (*store.Case, error) {
	current, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if current == nil || current.DeletedAt != nil {
		return nil, ErrNotFound
	}
	var assigneeID *int64
	if assignee != nil {
		assigneeID = &assignee.ID
	}
	if err := s.store.AssignCase(ctx, caseID, assigneeID, actorID); err != nil {
		return nil, err
	}
	if assignee != nil {
		s.addTimeline(ctx, caseID, "assignee.change", fmt.Sprintf("assigned to %s", assignee.Username), actorID)
		s.log(ctx, actor, "case.assign", fmt.Sprintf("%s -> %s", current.RegNo, assignee.Username))
		if s.notifier != nil {
			updated := *current
			updated.AssigneeUserID = assigneeID
			if err := s.notifier.NotifyAssignment(ctx, &updated, assignee.Username); err != nil && s.logger != nil {
				s.logger.Errorf("case assign notify %s: %v", current.RegNo, err)
			}
		}
	} else {
		s.addTimeline(ctx, caseID, "assignee.change", "assignee cleared", actorID)
		s.log(ctx, actor, "case.unassign", current.RegNo)
	}
	return s.store.GetCase(ctx, caseID)
}

// Delete soft-deletes an open case; Restore brings it back.
func (s *Service) Delete(ctx context.Context, caseID int64, actorID int64, actor string) error {
	current, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if current == nil || current.DeletedAt != nil {
		return ErrNotFound
	}
	if err := s.store.SoftDeleteCase(ctx, caseID, actorID); err != nil {
		return err
	}
	s.addTimeline(ctx, caseID, "case.delete", "case deleted", actorID)
	s.log(ctx, actor, "case.delete", current.RegNo)
	return nil
}

func (s *Service) Restore(ctx context.Context, caseID int64, actorID int64, actor string) error {
	current, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if current == nil || current.DeletedAt == nil {
		return ErrNotFound
	}
	if err := s.store.RestoreCase(ctx, caseID, actorID); err != nil {
		return err
	}
	s.addTimeline(ctx, caseID, "case.restore", "case restored", actorID)
	s.log(ctx, actor, "case.restore", current.RegNo)
	return nil
}

// EnsureAlertCase creates a case for an external alert, folding into an
// open case that already tracks the same source reference. The second
// return reports whether a new case was created.
func (s *Service) EnsureAlertCase(ctx context.Context, in CreateInput, actor string) (*store.Case, bool, error) {
	in.SourceRef = strings.TrimSpace(in.SourceRef)
	if in.Source == "" || in.SourceRef == "" {
		return nil, false, errors.New("source and source ref required")
	}
	existing, err := s.store.FindOpenCaseBySource(ctx, in.Source, in.SourceRef)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		s.addTimeline(ctx, existing.ID, "alert.duplicate", "duplicate alert received", 0)
		return existing, false, nil
	}
	created, err := s.Create(ctx, in, actor)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

const authLockoutSource = "auth"

// EnsureAuthLockoutCase raises a P2 case when an account gets locked by
// the login limiter. Repeated lockouts while the case stays open are
// folded into the existing case.
func (s *Service) EnsureAuthLockoutCase(ctx context.Context, username string, stage int) (*store.Case, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return nil, errors.New("username required")
	}
	existing, err := s.store.FindOpenCaseBySource(ctx, authLockoutSource, username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.addTimeline(ctx, existing.ID, "auth.lockout", fmt.Sprintf("account locked again, stage %d", stage), 0)
		return existing, nil
	}
	return s.Create(ctx, CreateInput{
		Title:       fmt.Sprintf("Repeated failed logins: %s", username),
		Description: fmt.Sprintf("Account %q was locked after repeated failed login attempts (lock stage %d).", username, stage),
		Priority:    string(sla.PriorityP2),
		Source:      authLockoutSource,
		SourceRef:   username,
	}, "system")
}

// ResolveAuthLockoutCase closes the open lockout case after the account
// logs in successfully again.
func (s *Service) ResolveAuthLockoutCase(ctx context.Context, username string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return nil
	}
	existing, err := s.store.FindOpenCaseBySource(ctx, authLockoutSource, username)
	if err != nil || existing == nil {
		return err
	}
	if _, err := s.store.UpdateCaseStatus(ctx, existing.ID, store.CaseStatusResolved, 0); err != nil {
		return err
	}
	s.addTimeline(ctx, existing.ID, "auth.lockout", "account recovered, lockout case resolved", 0)
	s.log(ctx, "system", "case.resolve", existing.RegNo)
	return nil
}

func (s *Service) addTimeline(ctx context.Context, caseID int64, eventType, message string, actorID int64) {
	if _, err := s.store.AddCaseTimeline(ctx, &store.CaseTimelineEvent{
		CaseID:    caseID,
		EventType: eventType,
		Message:   message,
		CreatedBy: actorID,
	}); err != nil && s.logger != nil {
		s.logger.Errorf("case timeline %d: %v", caseID, err)
	}
}

func (s *Service) log(ctx context.Context, actor, action, details string) {
	if s.audits == nil {
		return
	}
	if err := s.audits.Log(ctx, actor, action, details); err != nil && s.logger != nil {
		s.logger.Errorf("case audit %s: %v", action, err)
	}
}
