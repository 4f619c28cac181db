package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// NotificationDelivery records the outcome of one notification attempt.
// Status is "sent", "failed" or "suppressed".
type NotificationDelivery struct {
	ID          int64     `json:"id"`
	CaseID      *int64    `json:"case_id,omitempty"`
	Channel     string    `json:"channel"`
	Recipient   string    `json:"recipient,omitempty"`
	EventType   string    `json:"event_type"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	BodyPreview string    `json:"body_preview"`
	CreatedAt   time.Time `json:"created_at"`
}

type DeliveryFilter struct {
	CaseID  int64
	Channel string
	Status  string
	Limit   int
	Offset  int
}

type NotificationsStore interface {
	RecordDelivery(ctx context.Context, d *NotificationDelivery) (int64, error)
	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]NotificationDelivery, error)
	PurgeDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type notificationsStore struct {
	db *sqlx.DB
}

func NewNotificationsStore(db *sqlx.DB) NotificationsStore {
	return &notificationsStore{db: db}
}

func (s *notificationsStore) RecordDelivery(ctx context.Context, d *NotificationDelivery) (int64, error) {
	if d == nil {
		return 0, errors.New("nil delivery")
	}
	now := time.Now().UTC()
	var id int64
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		INSERT INTO case_notification_deliveries(case_id, channel, recipient, event_type, status, error_text, body_preview, created_at)
		VALUES(?,?,?,?,?,?,?,?)
		RETURNING id`),
		nullableID(d.CaseID), strings.ToLower(strings.TrimSpace(d.Channel)), strings.TrimSpace(d.Recipient),
		strings.TrimSpace(d.EventType), strings.ToLower(strings.TrimSpace(d.Status)), d.Error, d.BodyPreview, now).Scan(&id)
	if err != nil {
		return 0, err
	}
	d.ID = id
	d.CreatedAt = now
	return id, nil
}

func (s *notificationsStore) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]NotificationDelivery, error) {
	var clauses []string
	var args []any
	if filter.CaseID > 0 {
		clauses = append(clauses, "case_id=?")
		args = append(args, filter.CaseID)
	}
	if filter.Channel != "" {
		clauses = append(clauses, "channel=?")
		args = append(args, strings.ToLower(filter.Channel))
	}
	if filter.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, strings.ToLower(filter.Status))
	}
	query := `SELECT id, case_id, channel, recipient, event_type, status, error_text, body_preview, created_at FROM case_notification_deliveries`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
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
	var res []NotificationDelivery
	for rows.Next() {
		var d NotificationDelivery
		var caseID sql.NullInt64
		if err := rows.Scan(&d.ID, &caseID, &d.Channel, &d.Recipient, &d.EventType, &d.Status, &d.Error, &d.BodyPreview, &d.CreatedAt); err != nil {
			return nil, err
		}
		if caseID.Valid {
			d.CaseID = &caseID.Int64
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (s *notificationsStore) PurgeDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM case_notification_deliveries WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
