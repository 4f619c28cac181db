package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

var ErrConflict = errors.New("conflict")

const (
	CaseStatusOpen       = "open"
	CaseStatusInProgress = "in_progress"
	CaseStatusResolved   = "resolved"
	CaseStatusClosed     = "closed"
)

// IsTerminalCaseStatus reports whether a status ends deadline tracking.
func IsTerminalCaseStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case CaseStatusResolved, CaseStatusClosed:
		return true
	}
	return false
}

type Case struct {
	ID              int64      `json:"id"`
	RegNo           string     `json:"reg_no"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Priority        string     `json:"priority"`
	Severity        string     `json:"severity,omitempty"`
	Status          string     `json:"status"`
	Source          string     `json:"source"`
	SourceRef       string     `json:"source_ref,omitempty"`
	AssigneeUserID  *int64     `json:"assignee_user_id,omitempty"`
	DueAt           time.Time  `json:"due_at"`
	EscalationLevel int        `json:"escalation_level"`
	LastEscalatedAt *time.Time `json:"last_escalated_at,omitempty"`
	SLABreached     bool       `json:"sla_breached"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	ClosedBy        *int64     `json:"closed_by,omitempty"`
	CreatedBy       int64      `json:"created_by"`
	UpdatedBy       int64      `json:"updated_by"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Version         int        `json:"version"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

type CaseTimelineEvent struct {
	ID        int64     `json:"id"`
	CaseID    int64     `json:"case_id"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	MetaJSON  string    `json:"meta_json"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type CaseFilter struct {
	Search          string
	Status          string
	StatusIn        []string
	Priority        string
	AssignedUserID  int64
	CreatedByUserID int64
	OverdueAsOf     *time.Time
	BreachedOnly    bool
	IncludeDeleted  bool
	Limit           int
	Offset          int
}

type CasesStore interface {
	CreateCase(ctx context.Context, c *Case, regFormat string) (int64, error)
	UpdateCase(ctx context.Context, c *Case, expectedVersion int) error
	UpdateCaseStatus(ctx context.Context, caseID int64, status string, userID int64) (*Case, error)
	AssignCase(ctx context.Context, caseID int64, assigneeUserID *int64, userID int64) error
	SoftDeleteCase(ctx context.Context, id int64, updatedBy int64) error
	RestoreCase(ctx context.Context, id int64, updatedBy int64) error
	GetCase(ctx context.Context, id int64) (*Case, error)
	GetCaseByRegNo(ctx context.Context, regNo string) (*Case, error)
	ListCases(ctx context.Context, filter CaseFilter) ([]Case, error)
	CountCasesByStatus(ctx context.Context) (map[string]int, error)

	FindNonTerminalCases(ctx context.Context, limit int) ([]*Case, error)
	FindOpenCaseBySource(ctx context.Context, source, sourceRef string) (*Case, error)
	ApplyEscalation(ctx context.Context, caseID int64, newLevel int, at time.Time) (bool, error)
	MarkSLABreached(ctx context.Context, caseID int64, at time.Time) (bool, error)

	AddCaseTimeline(ctx context.Context, ev *CaseTimelineEvent) (int64, error)
	ListCaseTimeline(ctx context.Context, caseID int64, limit int, eventType string) ([]CaseTimelineEvent, error)
}

type casesStore struct {
	db *sqlx.DB
}

func NewCasesStore(db *sqlx.DB) CasesStore {
	return &casesStore{db: db}
}

func (s *casesStore) CreateCase(ctx context.Context, c *Case, regFormat string) (int64, error) {
	if c.DueAt.IsZero() {
		return 0, errors.New("case due date required")
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(c.RegNo) == "" {
		seq, err := s.nextCaseSeqTx(ctx, tx, time.Now().UTC().Year())
		if err != nil {
			tx.Rollback()
			return 0, err
		}
		c.RegNo = buildCaseRegNo(regFormat, time.Now().UTC().Year(), seq)
	}
	if c.Version <= 0 {
		c.Version = 1
	}
	if strings.TrimSpace(c.Status) == "" {
		c.Status = CaseStatusOpen
	}
	if strings.TrimSpace(c.Source) == "" {
		c.Source = "manual"
	}
	now := time.Now().UTC()
	var caseID int64
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		INSERT INTO cases(reg_no, title, description, priority, severity, status, source, source_ref, assignee_user_id, due_at, escalation_level, last_escalated_at, sla_breached, closed_at, closed_by, created_by, updated_by, created_at, updated_at, version, deleted_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		RETURNING id`),
		c.RegNo, c.Title, c.Description, c.Priority, strings.ToLower(strings.TrimSpace(c.Severity)), c.Status, strings.ToLower(strings.TrimSpace(c.Source)), strings.TrimSpace(c.SourceRef), nullableID(c.AssigneeUserID), c.DueAt.UTC(), c.EscalationLevel, nullableTime(c.LastEscalatedAt), boolToInt(c.SLABreached), nullableTime(c.ClosedAt), nullableID(c.ClosedBy), c.CreatedBy, c.UpdatedBy, now, now, c.Version, nil).Scan(&caseID)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	c.ID = caseID
	c.CreatedAt = now
	c.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO case_timeline(case_id, event_type, message, meta_json, created_by, created_at)
		VALUES(?,?,?,?,?,?)`),
		caseID, "created", fmt.Sprintf("case %s opened with priority %s", c.RegNo, c.Priority), "{}", c.CreatedBy, now); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return caseID, nil
}

func (s *casesStore) UpdateCase(ctx context.Context, c *Case, expectedVersion int) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE cases SET title=?, description=?, priority=?, severity=?, due_at=?, assignee_user_id=?, updated_by=?, updated_at=?, version=version+1
		WHERE id=? AND deleted_at IS NULL AND version=?`),
		c.Title, c.Description, c.Priority, strings.ToLower(strings.TrimSpace(c.Severity)), c.DueAt.UTC(), nullableID(c.AssigneeUserID), c.UpdatedBy, now, c.ID, expectedVersion)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	c.Version = expectedVersion + 1
	c.UpdatedAt = now
	return nil
}

func (s *casesStore) UpdateCaseStatus(ctx context.Context, caseID int64, status string, userID int64) (*Case, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	now := time.Now().UTC()
	var (
		res sql.Result
		err error
	)
	if IsTerminalCaseStatus(status) {
		res, err = s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE cases SET status=?, closed_at=?, closed_by=?, updated_at=?, updated_by=?, version=version+1
			WHERE id=? AND deleted_at IS NULL AND status!=?`),
			status, now, userID, now, userID, caseID, status)
	} else {
		res, err = s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE cases SET status=?, closed_at=NULL, closed_by=NULL, updated_at=?, updated_by=?, version=version+1
			WHERE id=? AND deleted_at IS NULL AND status!=?`),
			status, now, userID, caseID, status)
	}
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrConflict
	}
	return s.GetCase(ctx, caseID)
}

func (s *casesStore) AssignCase(ctx context.Context, caseID int64, assigneeUserID *int64, userID int64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE cases SET assignee_user_id=?, updated_at=?, updated_by=?, version=version+1
		WHERE id=? AND deleted_at IS NULL`),
		nullableID(assigneeUserID), now, userID, caseID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *casesStore) SoftDeleteCase(ctx context.Context, id int64, updatedBy int64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE cases SET deleted_at=?, updated_at=?, updated_by=?, version=version+1 WHERE id=? AND deleted_at IS NULL`),
		now, now, updatedBy, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *casesStore) RestoreCase(ctx context.Context, id int64, updatedBy int64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE cases SET deleted_at=NULL, updated_at=?, updated_by=?, version=version+1 WHERE id=? AND deleted_at IS NOT NULL`),
		now, updatedBy, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *casesStore) GetCase(ctx context.Context, id int64) (*Case, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, reg_no, title, description, priority, severity, status, source, source_ref, assignee_user_id, due_at, escalation_level, last_escalated_at, sla_breached, closed_at, closed_by, created_by, updated_by, created_at, updated_at, version, deleted_at
		FROM cases WHERE id=?`), id)
	return s.scanCase(row)
}

func (s *casesStore) GetCaseByRegNo(ctx context.Context, regNo string) (*Case, error) {
	if strings.TrimSpace(regNo) == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, reg_no, title, description, priority, severity, status, source, source_ref, assignee_user_id, due_at, escalation_level, last_escalated_at, sla_breached, closed_at, closed_by, created_by, updated_by, created_at, updated_at, version, deleted_at
		FROM cases WHERE reg_no=?`), regNo)
	return s.scanCase(row)
}

func (s *casesStore) FindOpenCaseBySource(ctx context.Context, source, sourceRef string) (*Case, error) {
	src := strings.ToLower(strings.TrimSpace(source))
	ref := strings.TrimSpace(sourceRef)
	if src == "" || ref == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, reg_no, title, description, priority, severity, status, source, source_ref, assignee_user_id, due_at, escalation_level, last_escalated_at, sla_breached, closed_at, closed_by, created_by, updated_by, created_at, updated_at, version, deleted_at
		FROM cases
		WHERE deleted_at IS NULL AND status NOT IN (?,?) AND LOWER(source)=? AND source_ref=?
		ORDER BY created_at DESC LIMIT 1`), CaseStatusResolved, CaseStatusClosed, src, ref)
	return s.scanCase(row)
}

func (s *casesStore) ListCases(ctx context.Context, filter CaseFilter) ([]Case, error) {
	var clauses []string
	var args []any
	if !filter.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	if len(filter.StatusIn) > 0 {
		var in []string
		for _, raw := range filter.StatusIn {
			if strings.TrimSpace(raw) != "" {
				in = append(in, strings.TrimSpace(raw))
			}
		}
		if len(in) > 0 {
			clauses = append(clauses, fmt.Sprintf("status IN (%s)", placeholders(len(in))))
			for _, val := range in {
				args = append(args, val)
			}
		}
	} else if filter.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, filter.Status)
	}
	if filter.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, filter.Priority)
	}
	if filter.Search != "" {
		clauses = append(clauses, "(title LIKE ? OR description LIKE ? OR reg_no LIKE ?)")
		q := "%" + filter.Search + "%"
		args = append(args, q, q, q)
	}
	if filter.AssignedUserID > 0 {
		clauses = append(clauses, "assignee_user_id=?")
		args = append(args, filter.AssignedUserID)
	}
	if filter.CreatedByUserID > 0 {
		clauses = append(clauses, "created_by=?")
		args = append(args, filter.CreatedByUserID)
	}
	if filter.OverdueAsOf != nil {
		clauses = append(clauses, "due_at < ? AND status NOT IN (?,?)")
		args = append(args, filter.OverdueAsOf.UTC(), CaseStatusResolved, CaseStatusClosed)
	}
	if filter.BreachedOnly {
		clauses = append(clauses, "sla_breached=1")
	}
	query := `SELECT id, reg_no, title, description, priority, severity, status, source, source_ref, assignee_user_id, due_at, escalation_level, last_escalated_at, sla_breached, closed_at, closed_by, created_by, updated_by, created_at, updated_at, version, deleted_at FROM cases`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Case
	for rows.Next() {
		c, err := s.scanCaseRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s *casesStore) CountCasesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM cases WHERE deleted_at IS NULL GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// FindNonTerminalCases returns open and in-progress cases ordered by due
// date, earliest first. Sweeps read through this without side effects.
func (s *casesStore) FindNonTerminalCases(ctx context.Context, limit int) ([]*Case, error) {
	query := `
		SELECT id, reg_no, title, description, priority, severity, status, source, source_ref, assignee_user_id, due_at, escalation_level, last_escalated_at, sla_breached, closed_at, closed_by, created_by, updated_by, created_at, updated_at, version, deleted_at
		FROM cases
		WHERE deleted_at IS NULL AND status IN (?,?)
		ORDER BY due_at ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), CaseStatusOpen, CaseStatusInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*Case
	for rows.Next() {
		c, err := s.scanCaseRow(rows)
		if err != nil {
			return nil, err
		}
		cc := c
		res = append(res, &cc)
	}
	return res, rows.Err()
}

// ApplyEscalation raises the escalation level of a live case. The level
// guard makes the write idempotent: concurrent sweeps observing the same
// snapshot can both attempt the update, only one advances the row.
func (s *casesStore) ApplyEscalation(ctx context.Context, caseID int64, newLevel int, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE cases SET escalation_level=?, last_escalated_at=?, sla_breached=1, updated_at=?, version=version+1
		WHERE id=? AND deleted_at IS NULL AND status IN (?,?) AND escalation_level<?`),
		newLevel, at.UTC(), at.UTC(), caseID, CaseStatusOpen, CaseStatusInProgress, newLevel)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// MarkSLABreached flips the breach flag once. Later observations of the
// same overdue case are no-ops.
func (s *casesStore) MarkSLABreached(ctx context.Context, caseID int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE cases SET sla_breached=1, updated_at=?, version=version+1
		WHERE id=? AND deleted_at IS NULL AND sla_breached=0 AND status IN (?,?)`),
		at.UTC(), caseID, CaseStatusOpen, CaseStatusInProgress)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *casesStore) AddCaseTimeline(ctx context.Context, ev *CaseTimelineEvent) (int64, error) {
	now := time.Now().UTC()
	if strings.TrimSpace(ev.MetaJSON) == "" {
		ev.MetaJSON = "{}"
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		INSERT INTO case_timeline(case_id, event_type, message, meta_json, created_by, created_at)
		VALUES(?,?,?,?,?,?)
		RETURNING id`),
		ev.CaseID, strings.TrimSpace(ev.EventType), strings.TrimSpace(ev.Message), ev.MetaJSON, ev.CreatedBy, now).Scan(&id)
	if err != nil {
		return 0, err
	}
	ev.ID = id
	ev.CreatedAt = now
	return id, nil
}

func (s *casesStore) ListCaseTimeline(ctx context.Context, caseID int64, limit int, eventType string) ([]CaseTimelineEvent, error) {
	query := `
		SELECT id, case_id, event_type, message, meta_json, created_by, created_at
		FROM case_timeline WHERE case_id=?`
	args := []any{caseID}
	if strings.TrimSpace(eventType) != "" {
		query += " AND event_type=?"
		args = append(args, eventType)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []CaseTimelineEvent
	for rows.Next() {
		var ev CaseTimelineEvent
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.EventType, &ev.Message, &ev.MetaJSON, &ev.CreatedBy, &ev.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (s *casesStore) scanCase(row *sql.Row) (*Case, error) {
	var c Case
	var description sql.NullString
	var assignee sql.NullInt64
	var lastEscalated sql.NullTime
	var breached int
	var closedAt sql.NullTime
	var closedBy sql.NullInt64
	var deleted sql.NullTime
	if err := row.Scan(&c.ID, &c.RegNo, &c.Title, &description, &c.Priority, &c.Severity, &c.Status, &c.Source, &c.SourceRef, &assignee, &c.DueAt, &c.EscalationLevel, &lastEscalated, &breached, &closedAt, &closedBy, &c.CreatedBy, &c.UpdatedBy, &c.CreatedAt, &c.UpdatedAt, &c.Version, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.Description = description.String
	if assignee.Valid {
		c.AssigneeUserID = &assignee.Int64
	}
	if lastEscalated.Valid {
		t := lastEscalated.Time
		c.LastEscalatedAt = &t
	}
	c.SLABreached = breached == 1
	if closedAt.Valid {
		c.ClosedAt = &closedAt.Time
	}
	if closedBy.Valid {
		c.ClosedBy = &closedBy.Int64
	}
	if deleted.Valid {
		c.DeletedAt = &deleted.Time
	}
	return &c, nil
}

func (s *casesStore) scanCaseRow(rows *sql.Rows) (Case, error) {
	var c Case
	var description sql.NullString
	var assignee sql.NullInt64
	var lastEscalated sql.NullTime
	var breached int
	var closedAt sql.NullTime
	var closedBy sql.NullInt64
	var deleted sql.NullTime
	if err := rows.Scan(&c.ID, &c.RegNo, &c.Title, &description, &c.Priority, &c.Severity, &c.Status, &c.Source, &c.SourceRef, &assignee, &c.DueAt, &c.EscalationLevel, &lastEscalated, &breached, &closedAt, &closedBy, &c.CreatedBy, &c.UpdatedBy, &c.CreatedAt, &c.UpdatedAt, &c.Version, &deleted); err != nil {
		return c, err
	}
	c.Description = description.String
	if assignee.Valid {
		c.AssigneeUserID = &assignee.Int64
	}
	if lastEscalated.Valid {
		t := lastEscalated.Time
		c.LastEscalatedAt = &t
	}
	c.SLABreached = breached == 1
	if closedAt.Valid {
		c.ClosedAt = &closedAt.Time
	}
	if closedBy.Valid {
		c.ClosedBy = &closedBy.Int64
	}
	if deleted.Valid {
		c.DeletedAt = &deleted.Time
	}
	return c, nil
}

func (s *casesStore) nextCaseSeqTx(ctx context.Context, tx *sqlx.Tx, year int) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, tx.Rebind(`
		INSERT INTO case_reg_counters(year, seq)
		VALUES(?,1)
		ON CONFLICT (year)
		DO UPDATE SET seq = case_reg_counters.seq + 1
		RETURNING seq
	`), year).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

var seqToken = regexp.MustCompile(`\{seq(?::(\d+))?\}`)

func buildCaseRegNo(format string, year int, seq int64) string {
	if strings.TrimSpace(format) == "" {
		format = "CASE-{year}-{seq:05}"
	}
	out := strings.ReplaceAll(format, "{year}", fmt.Sprintf("%d", year))
	out = seqToken.ReplaceAllStringFunc(out, func(token string) string {
		m := seqToken.FindStringSubmatch(token)
		if len(m) == 2 && m[1] != "" {
			width := 0
			_, _ = fmt.Sscanf(m[1], "%d", &width)
			if width > 0 {
				return fmt.Sprintf("%0*d", width, seq)
			}
		}
		return fmt.Sprintf("%d", seq)
	})
	return out
}
