package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// EscalationEvent is one recorded level transition of a case.
type EscalationEvent struct {
	ID          int64     `json:"id"`
	CaseID      int64     `json:"case_id"`
	FromLevel   int       `json:"from_level"`
	ToLevel     int       `json:"to_level"`
	EscalatedAt time.Time `json:"escalated_at"`
	Notified    bool      `json:"notified"`
	Note        string    `json:"note,omitempty"`
}

type EscalationFilter struct {
	CaseID int64
	Since  *time.Time
	Limit  int
	Offset int
}

type EscalationsStore interface {
	AddEscalation(ctx context.Context, ev *EscalationEvent) (int64, error)
	SetEscalationNotified(ctx context.Context, id int64, notified bool) error
	ListEscalations(ctx context.Context, filter EscalationFilter) ([]EscalationEvent, error)
	CountEscalationsSince(ctx context.Context, since time.Time) (int, error)
}

type escalationsStore struct {
	db *sqlx.DB
}

func NewEscalationsStore(db *sqlx.DB) EscalationsStore {
	return &escalationsStore{db: db}
}

func (s *escalationsStore) AddEscalation(ctx context.Context, ev *EscalationEvent) (int64, error) {
	at := ev.EscalatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		INSERT INTO case_escalations(case_id, from_level, to_level, escalated_at, notified, note)
		VALUES(?,?,?,?,?,?)
		RETURNING id`),
		ev.CaseID, ev.FromLevel, ev.ToLevel, at.UTC(), boolToInt(ev.Notified), strings.TrimSpace(ev.Note)).Scan(&id)
	if err != nil {
		return 0, err
	}
	ev.ID = id
	ev.EscalatedAt = at.UTC()
	return id, nil
}

func (s *escalationsStore) SetEscalationNotified(ctx context.Context, id int64, notified bool) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE case_escalations SET notified=? WHERE id=?`), boolToInt(notified), id)
	return err
}

func (s *escalationsStore) ListEscalations(ctx context.Context, filter EscalationFilter) ([]EscalationEvent, error) {
	var clauses []string
	var args []any
	if filter.CaseID > 0 {
		clauses = append(clauses, "case_id=?")
		args = append(args, filter.CaseID)
	}
	if filter.Since != nil {
		clauses = append(clauses, "escalated_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	query := `SELECT id, case_id, from_level, to_level, escalated_at, notified, note FROM case_escalations`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY escalated_at DESC, id DESC"
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
	var res []EscalationEvent
	for rows.Next() {
		var ev EscalationEvent
		var notified int
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.FromLevel, &ev.ToLevel, &ev.EscalatedAt, &notified, &ev.Note); err != nil {
			return nil, err
		}
		ev.Notified = notified == 1
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (s *escalationsStore) CountEscalationsSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(1) FROM case_escalations WHERE escalated_at >= ?`), since.UTC()).Scan(&count)
	return count, err
}
