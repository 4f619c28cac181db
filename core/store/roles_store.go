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

type Role struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
	BuiltIn     bool     `json:"built_in"`
}

type RolesStore interface {
	Create(ctx context.Context, role *Role) (int64, error)
	Update(ctx context.Context, role *Role) error
	Delete(ctx context.Context, id int64) error
	FindByID(ctx context.Context, id int64) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]Role, error)
	EnsureBuiltIn(ctx context.Context, roles []Role) error
}

type rolesStore struct {
	db *sqlx.DB
}

func NewRolesStore(db *sqlx.DB) RolesStore {
	return &rolesStore{db: db}
}

func (s *rolesStore) Create(ctx context.Context, role *Role) (int64, error) {
	if role == nil || strings.TrimSpace(role.Name) == "" {
		return 0, errors.New("role name required")
	}
	now := time.Now().UTC()
	var id int64
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		INSERT INTO roles(name, description, permissions, built_in, created_at, updated_at)
		VALUES(?,?,?,?,?,?) RETURNING id`),
		strings.ToLower(strings.TrimSpace(role.Name)), role.Description, permissionsToJSON(role.Permissions), boolToInt(role.BuiltIn), now, now).Scan(&id)
	if err != nil {
		return 0, err
	}
	role.ID = id
	return id, nil
}

func (s *rolesStore) Update(ctx context.Context, role *Role) error {
	if role == nil || role.ID == 0 {
		return errors.New("invalid role")
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE roles SET description=?, permissions=?, updated_at=? WHERE id=?`),
		role.Description, permissionsToJSON(role.Permissions), time.Now().UTC(), role.ID)
	return err
}

func (s *rolesStore) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM user_roles WHERE role_id=?`), id); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM roles WHERE id=? AND built_in=0`), id); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *rolesStore) FindByID(ctx context.Context, id int64) (*Role, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, name, description, permissions, built_in FROM roles WHERE id=?`), id)
	return scanRole(row)
}

func (s *rolesStore) FindByName(ctx context.Context, name string) (*Role, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, name, description, permissions, built_in FROM roles WHERE name=?`),
		strings.ToLower(strings.TrimSpace(name)))
	return scanRole(row)
}

func (s *rolesStore) List(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, permissions, built_in FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Role
	for rows.Next() {
		var r Role
		var permsRaw string
		var builtIn int
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &permsRaw, &builtIn); err != nil {
			return nil, err
		}
		r.BuiltIn = builtIn == 1
		_ = json.Unmarshal([]byte(permsRaw), &r.Permissions)
		res = append(res, r)
	}
	return res, rows.Err()
}

// EnsureBuiltIn inserts missing built-in roles and refreshes the
// permissions of existing ones so upgrades pick up new permission names.
func (s *rolesStore) EnsureBuiltIn(ctx context.Context, roles []Role) error {
	for _, r := range roles {
		name := strings.ToLower(strings.TrimSpace(r.Name))
		if name == "" {
			continue
		}
		existing, err := s.FindByName(ctx, name)
		if err != nil {
			return err
		}
		if existing == nil {
			now := time.Now().UTC()
			if _, err := s.db.ExecContext(ctx, s.db.Rebind(`
				INSERT INTO roles(name, description, permissions, built_in, created_at, updated_at)
				VALUES(?,?,?,1,?,?)`),
				name, r.Description, permissionsToJSON(r.Permissions), now, now); err != nil {
				return err
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE roles SET permissions=?, built_in=1, updated_at=? WHERE id=?`),
			permissionsToJSON(r.Permissions), time.Now().UTC(), existing.ID); err != nil {
			return err
		}
	}
	return nil
}

func permissionsToJSON(perms []string) string {
	if len(perms) == 0 {
		return "[]"
	}
	b, err := json.Marshal(perms)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func scanRole(row *sql.Row) (*Role, error) {
	var r Role
	var permsRaw string
	var builtIn int
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &permsRaw, &builtIn); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.BuiltIn = builtIn == 1
	_ = json.Unmarshal([]byte(permsRaw), &r.Permissions)
	return &r, nil
}
