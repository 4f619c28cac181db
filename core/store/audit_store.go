package store

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

type AuditRecord struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditQuery struct {
	Username string
	Action   string
	Since    time.Time
	To       *time.Time
	Limit    int
}

type AuditStore interface {
	Log(ctx context.Context, username, action, details string) error
	List(ctx context.Context, q AuditQuery) ([]AuditRecord, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type auditStore struct {
	db *sqlx.DB
}

func NewAuditStore(db *sqlx.DB) AuditStore {
	return &auditStore{db: db}
}

func (s *auditStore) Log(ctx context.Context, username, action, details string) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO audit_log(username, action, details, created_at) VALUES(?,?,?,?)`),
		strings.TrimSpace(username), action, details, time.Now().UTC())
	return err
}

func (s *auditStore) List(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	query := `SELECT id, username, action, details, created_at FROM audit_log`
	var clauses []string
	var args []any
	if !q.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, q.Since.UTC())
	}
	if q.To != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, q.To.UTC())
	}
	if name := strings.ToLower(strings.TrimSpace(q.Username)); name != "" {
		clauses = append(clauses, "LOWER(username) = ?")
		args = append(args, name)
	}
	if action := strings.ToLower(strings.TrimSpace(q.Action)); action != "" {
		clauses = append(clauses, "LOWER(action) LIKE ?")
		args = append(args, action+"%")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	limit := q.Limit
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var details *string
		if err := rows.Scan(&rec.ID, &rec.Username, &rec.Action, &details, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if details != nil {
			rec.Details = *details
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (s *auditStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM audit_log WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
