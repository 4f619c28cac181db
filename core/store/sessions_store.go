package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

type SessionRecord struct {
	ID         string     `json:"id"`
	UserID     int64      `json:"user_id"`
	Username   string     `json:"username"`
	Roles      []string   `json:"roles"`
	CSRFToken  string     `json:"-"`
	IP         string     `json:"ip,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Revoked    bool       `json:"revoked,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	RevokedBy  string     `json:"revoked_by,omitempty"`
}

type SessionStore interface {
	SaveSession(ctx context.Context, sr *SessionRecord) error
	// GetSession returns nil for unknown, expired and revoked sessions.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	UpdateActivity(ctx context.Context, id string, now time.Time, ttl time.Duration) error
	DeleteSession(ctx context.Context, id string, revokedBy string) error
	DeleteUserSessions(ctx context.Context, userID int64, revokedBy string) (int64, error)
	ListActiveSessions(ctx context.Context) ([]SessionRecord, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

type sessionsStore struct {
	db *sqlx.DB
}

func NewSessionsStore(db *sqlx.DB) SessionStore {
	return &sessionsStore{db: db}
}

func (s *sessionsStore) SaveSession(ctx context.Context, sr *SessionRecord) error {
	if sr == nil || strings.TrimSpace(sr.ID) == "" {
		return errors.New("invalid session")
	}
	now := time.Now().UTC()
	if sr.CreatedAt.IsZero() {
		sr.CreatedAt = now
	}
	if sr.LastSeenAt.IsZero() {
		sr.LastSeenAt = sr.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions(id, user_id, username, roles, csrf_token, ip, user_agent, created_at, last_seen_at, expires_at, revoked, revoked_at, revoked_by)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		sr.ID, sr.UserID, sr.Username, rolesToJSON(sr.Roles), sr.CSRFToken, sr.IP, sr.UserAgent,
		sr.CreatedAt.UTC(), sr.LastSeenAt.UTC(), sr.ExpiresAt.UTC(), boolToInt(sr.Revoked), nullableTime(sr.RevokedAt), sr.RevokedBy)
	return err
}

func (s *sessionsStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, user_id, username, roles, csrf_token, ip, user_agent, created_at, last_seen_at, expires_at, revoked, revoked_at, revoked_by
		FROM sessions WHERE id=?`), id)
	sr, err := scanSession(row)
	if err != nil || sr == nil {
		return nil, err
	}
	if sr.Revoked || !sr.ExpiresAt.After(time.Now().UTC()) {
		return nil, nil
	}
	return sr, nil
}

func (s *sessionsStore) UpdateActivity(ctx context.Context, id string, now time.Time, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET last_seen_at=?, expires_at=? WHERE id=? AND revoked=0`),
		now.UTC(), now.Add(ttl).UTC(), id)
	return err
}

func (s *sessionsStore) DeleteSession(ctx context.Context, id string, revokedBy string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET revoked=1, revoked_at=?, revoked_by=? WHERE id=? AND revoked=0`),
		now, revokedBy, id)
	return err
}

func (s *sessionsStore) DeleteUserSessions(ctx context.Context, userID int64, revokedBy string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET revoked=1, revoked_at=?, revoked_by=? WHERE user_id=? AND revoked=0`),
		now, revokedBy, userID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sessionsStore) ListActiveSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, user_id, username, roles, csrf_token, ip, user_agent, created_at, last_seen_at, expires_at, revoked, revoked_at, revoked_by
		FROM sessions WHERE revoked=0 AND expires_at > ? ORDER BY last_seen_at DESC`), time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []SessionRecord
	for rows.Next() {
		sr, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sr)
	}
	return res, rows.Err()
}

func (s *sessionsStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sessions WHERE expires_at < ?`), before.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func rolesToJSON(roles []string) string {
	if len(roles) == 0 {
		return "[]"
	}
	b, err := json.Marshal(roles)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func scanSession(row *sql.Row) (*SessionRecord, error) {
	var sr SessionRecord
	var rolesRaw string
	var revoked int
	var revokedAt sql.NullTime
	if err := row.Scan(&sr.ID, &sr.UserID, &sr.Username, &rolesRaw, &sr.CSRFToken, &sr.IP, &sr.UserAgent, &sr.CreatedAt, &sr.LastSeenAt, &sr.ExpiresAt, &revoked, &revokedAt, &sr.RevokedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	sr.Revoked = revoked == 1
	if revokedAt.Valid {
		sr.RevokedAt = &revokedAt.Time
	}
	_ = json.Unmarshal([]byte(rolesRaw), &sr.Roles)
	return &sr, nil
}

func scanSessionRow(rows *sql.Rows) (SessionRecord, error) {
	var sr SessionRecord
	var rolesRaw string
	var revoked int
	var revokedAt sql.NullTime
	if err := rows.Scan(&sr.ID, &sr.UserID, &sr.Username, &rolesRaw, &sr.CSRFToken, &sr.IP, &sr.UserAgent, &sr.CreatedAt, &sr.LastSeenAt, &sr.ExpiresAt, &revoked, &revokedAt, &sr.RevokedBy); err != nil {
		return sr, err
	}
	sr.Revoked = revoked == 1
	if revokedAt.Valid {
		sr.RevokedAt = &revokedAt.Time
	}
	_ = json.Unmarshal([]byte(rolesRaw), &sr.Roles)
	return sr, nil
}
