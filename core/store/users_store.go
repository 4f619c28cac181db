package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

type User struct {
	ID                    int64      `json:"id"`
	Username              string     `json:"username"`
	Email                 string     `json:"email,omitempty"`
	FullName              string     `json:"full_name,omitempty"`
	PasswordHash          string     `json:"-"`
	Salt                  string     `json:"-"`
	PasswordSet           bool       `json:"password_set"`
	RequirePasswordChange bool       `json:"require_password_change"`
	FailedAttempts        int        `json:"-"`
	LockedUntil           *time.Time `json:"locked_until,omitempty"`
	LockReason            string     `json:"-"`
	LockStage             int        `json:"-"`
	LastLoginAt           *time.Time `json:"last_login_at,omitempty"`
	LastFailedAt          *time.Time `json:"-"`
	Active                bool       `json:"active"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

type UsersStore interface {
	Create(ctx context.Context, u *User, roles []string) (int64, error)
	// Update persists the user row; a nil roles slice leaves role
	// assignments untouched.
	Update(ctx context.Context, u *User, roles []string) error
	UpdatePassword(ctx context.Context, userID int64, hash, salt string) error
	SetActive(ctx context.Context, userID int64, active bool) error
	Get(ctx context.Context, id int64) (*User, []string, error)
	FindByUsername(ctx context.Context, username string) (*User, []string, error)
	List(ctx context.Context) ([]User, error)
	RolesForUsers(ctx context.Context, userIDs []int64) (map[int64][]string, error)
	RecordLoginEvent(ctx context.Context, userID *int64, username, event, details string) error
}

type usersStore struct {
	db *sqlx.DB
}

func NewUsersStore(db *sqlx.DB) UsersStore {
	return &usersStore{db: db}
}

func (s *usersStore) Create(ctx context.Context, u *User, roles []string) (int64, error) {
	if u == nil {
		return 0, errors.New("nil user")
	}
	username := strings.ToLower(strings.TrimSpace(u.Username))
	if username == "" {
		return 0, errors.New("username required")
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	var id int64
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		INSERT INTO users(username, email, full_name, password_hash, salt, password_set, require_password_change, failed_attempts, locked_until, lock_reason, lock_stage, last_login_at, last_failed_at, active, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		RETURNING id`),
		username, strings.TrimSpace(u.Email), strings.TrimSpace(u.FullName), u.PasswordHash, u.Salt,
		boolToInt(u.PasswordSet), boolToInt(u.RequirePasswordChange), u.FailedAttempts,
		nullableTime(u.LockedUntil), u.LockReason, u.LockStage, nullableTime(u.LastLoginAt), nullableTime(u.LastFailedAt),
		boolToInt(u.Active), now, now).Scan(&id)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := s.assignRolesTx(ctx, tx, id, roles); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	u.ID = id
	u.Username = username
	u.CreatedAt = now
	u.UpdatedAt = now
	return id, nil
}

func (s *usersStore) Update(ctx context.Context, u *User, roles []string) error {
	if u == nil || u.ID <= 0 {
		return errors.New("invalid user")
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE users SET email=?, full_name=?, password_set=?, require_password_change=?, failed_attempts=?, locked_until=?, lock_reason=?, lock_stage=?, last_login_at=?, last_failed_at=?, active=?, updated_at=?
		WHERE id=?`),
		strings.TrimSpace(u.Email), strings.TrimSpace(u.FullName), boolToInt(u.PasswordSet), boolToInt(u.RequirePasswordChange),
		u.FailedAttempts, nullableTime(u.LockedUntil), u.LockReason, u.LockStage,
		nullableTime(u.LastLoginAt), nullableTime(u.LastFailedAt), boolToInt(u.Active), now, u.ID); err != nil {
		tx.Rollback()
		return err
	}
	if roles != nil {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM user_roles WHERE user_id=?`), u.ID); err != nil {
			tx.Rollback()
			return err
		}
		if err := s.assignRolesTx(ctx, tx, u.ID, roles); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	u.UpdatedAt = now
	return nil
}

func (s *usersStore) assignRolesTx(ctx context.Context, tx *sqlx.Tx, userID int64, roles []string) error {
	for _, role := range roles {
		name := strings.ToLower(strings.TrimSpace(role))
		if name == "" {
			continue
		}
		var roleID int64
		if err := tx.QueryRowContext(ctx, tx.Rebind(`SELECT id FROM roles WHERE name=?`), name).Scan(&roleID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				if err := tx.QueryRowContext(ctx, tx.Rebind(`
					INSERT INTO roles(name, description, permissions, built_in, created_at, updated_at)
					VALUES(?, '', '[]', 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
					RETURNING id`), name).Scan(&roleID); err != nil {
					return err
				}
			} else {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO user_roles(user_id, role_id) VALUES(?,?)
			ON CONFLICT (user_id, role_id) DO NOTHING`), userID, roleID); err != nil {
			return err
		}
	}
	return nil
}

func (s *usersStore) UpdatePassword(ctx context.Context, userID int64, hash, salt string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE users SET password_hash=?, salt=?, password_set=1, require_password_change=0, updated_at=? WHERE id=?`),
		hash, salt, now, userID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *usersStore) SetActive(ctx context.Context, userID int64, active bool) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE users SET active=?, updated_at=? WHERE id=?`),
		boolToInt(active), now, userID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *usersStore) Get(ctx context.Context, id int64) (*User, []string, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, username, email, full_name, password_hash, salt, password_set, require_password_change, failed_attempts, locked_until, lock_reason, lock_stage, last_login_at, last_failed_at, active, created_at, updated_at
		FROM users WHERE id=?`), id)
	return s.scanUserWithRoles(ctx, row)
}

func (s *usersStore) FindByUsername(ctx context.Context, username string) (*User, []string, error) {
	name := strings.ToLower(strings.TrimSpace(username))
	if name == "" {
		return nil, nil, nil
	}
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, username, email, full_name, password_hash, salt, password_set, require_password_change, failed_attempts, locked_until, lock_reason, lock_stage, last_login_at, last_failed_at, active, created_at, updated_at
		FROM users WHERE username=?`), name)
	return s.scanUserWithRoles(ctx, row)
}

func (s *usersStore) scanUserWithRoles(ctx context.Context, row *sql.Row) (*User, []string, error) {
	u, err := scanUser(row)
	if err != nil || u == nil {
		return nil, nil, err
	}
	roles, err := s.userRoles(ctx, u.ID)
	if err != nil {
		return nil, nil, err
	}
	return u, roles, nil
}

func (s *usersStore) userRoles(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT r.name FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id=? ORDER BY r.name`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		roles = append(roles, name)
	}
	return roles, rows.Err()
}

func (s *usersStore) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, email, full_name, password_hash, salt, password_set, require_password_change, failed_attempts, locked_until, lock_reason, lock_stage, last_login_at, last_failed_at, active, created_at, updated_at
		FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (s *usersStore) RolesForUsers(ctx context.Context, userIDs []int64) (map[int64][]string, error) {
	res := make(map[int64][]string)
	if len(userIDs) == 0 {
		return res, nil
	}
	args := make([]any, 0, len(userIDs))
	for _, id := range userIDs {
		args = append(args, id)
	}
	query := `
		SELECT ur.user_id, r.name FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id IN (` + placeholders(len(userIDs)) + `) ORDER BY r.name`
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var userID int64
		var name string
		if err := rows.Scan(&userID, &name); err != nil {
			return nil, err
		}
		res[userID] = append(res[userID], name)
	}
	return res, rows.Err()
}

func (s *usersStore) RecordLoginEvent(ctx context.Context, userID *int64, username, event, details string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO login_events(user_id, username, event, details, created_at)
		VALUES(?,?,?,?,?)`),
		nullableID(userID), strings.ToLower(strings.TrimSpace(username)), event, details, time.Now().UTC())
	return err
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var passwordSet, requireChange, active int
	var lockedUntil, lastLogin, lastFailed sql.NullTime
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.PasswordHash, &u.Salt, &passwordSet, &requireChange, &u.FailedAttempts, &lockedUntil, &u.LockReason, &u.LockStage, &lastLogin, &lastFailed, &active, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.PasswordSet = passwordSet == 1
	u.RequirePasswordChange = requireChange == 1
	u.Active = active == 1
	if lockedUntil.Valid {
		u.LockedUntil = &lockedUntil.Time
	}
	if lastLogin.Valid {
		u.LastLoginAt = &lastLogin.Time
	}
	if lastFailed.Valid {
		u.LastFailedAt = &lastFailed.Time
	}
	return &u, nil
}

func scanUserRow(rows *sql.Rows) (User, error) {
	var u User
	var passwordSet, requireChange, active int
	var lockedUntil, lastLogin, lastFailed sql.NullTime
	if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.PasswordHash, &u.Salt, &passwordSet, &requireChange, &u.FailedAttempts, &lockedUntil, &u.LockReason, &u.LockStage, &lastLogin, &lastFailed, &active, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return u, err
	}
	u.PasswordSet = passwordSet == 1
	u.RequirePasswordChange = requireChange == 1
	u.Active = active == 1
	if lockedUntil.Valid {
		u.LockedUntil = &lockedUntil.Time
	}
	if lastLogin.Valid {
		u.LastLoginAt = &lastLogin.Time
	}
	if lastFailed.Valid {
		u.LastFailedAt = &lastFailed.Time
	}
	return u, nil
}
