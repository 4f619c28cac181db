package store

import (
	"context"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"saker-scm/core/utils"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		full_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		salt TEXT NOT NULL,
		password_set INTEGER NOT NULL DEFAULT 1,
		require_password_change INTEGER NOT NULL DEFAULT 0,
		failed_attempts INTEGER NOT NULL DEFAULT 0,
		locked_until TIMESTAMP,
		lock_reason TEXT NOT NULL DEFAULT '',
		lock_stage INTEGER NOT NULL DEFAULT 0,
		last_login_at TIMESTAMP,
		last_failed_at TIMESTAMP,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		permissions TEXT NOT NULL DEFAULT '[]',
		built_in INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS user_roles (
		user_id INTEGER NOT NULL,
		role_id INTEGER NOT NULL,
		PRIMARY KEY (user_id, role_id),
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY(role_id) REFERENCES roles(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		username TEXT NOT NULL,
		roles TEXT NOT NULL,
		csrf_token TEXT NOT NULL,
		ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_seen_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at TIMESTAMP NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0,
		revoked_at TIMESTAMP,
		revoked_by TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		action TEXT NOT NULL,
		details TEXT,
		created_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS login_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER,
		username TEXT NOT NULL,
		event TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE SET NULL
	);`,
	`CREATE TABLE IF NOT EXISTS cases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reg_no TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		description TEXT,
		priority TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		source TEXT NOT NULL DEFAULT 'manual',
		source_ref TEXT NOT NULL DEFAULT '',
		assignee_user_id INTEGER,
		due_at TIMESTAMP NOT NULL,
		escalation_level INTEGER NOT NULL DEFAULT 0,
		last_escalated_at TIMESTAMP,
		sla_breached INTEGER NOT NULL DEFAULT 0,
		closed_at TIMESTAMP,
		closed_by INTEGER,
		created_by INTEGER NOT NULL,
		updated_by INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		deleted_at TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS case_reg_counters (
		year INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		PRIMARY KEY (year)
	);`,
	`CREATE TABLE IF NOT EXISTS case_timeline (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		case_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		message TEXT NOT NULL,
		meta_json TEXT NOT NULL DEFAULT '{}',
		created_by INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY(case_id) REFERENCES cases(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS case_escalations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		case_id INTEGER NOT NULL,
		from_level INTEGER NOT NULL,
		to_level INTEGER NOT NULL,
		escalated_at TIMESTAMP NOT NULL,
		notified INTEGER NOT NULL DEFAULT 0,
		note TEXT NOT NULL DEFAULT '',
		FOREIGN KEY(case_id) REFERENCES cases(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS case_notification_deliveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		case_id INTEGER,
		channel TEXT NOT NULL,
		recipient TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		error_text TEXT NOT NULL DEFAULT '',
		body_preview TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY(case_id) REFERENCES cases(id) ON DELETE SET NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);`,
	`CREATE INDEX IF NOT EXISTS idx_cases_priority ON cases(priority);`,
	`CREATE INDEX IF NOT EXISTS idx_cases_due ON cases(due_at);`,
	`CREATE INDEX IF NOT EXISTS idx_cases_assignee ON cases(assignee_user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_cases_source_ref ON cases(source, source_ref);`,
	`CREATE INDEX IF NOT EXISTS idx_cases_created ON cases(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_case_timeline_case ON case_timeline(case_id);`,
	`CREATE INDEX IF NOT EXISTS idx_case_escalations_case ON case_escalations(case_id);`,
	`CREATE INDEX IF NOT EXISTS idx_case_escalations_at ON case_escalations(escalated_at);`,
	`CREATE INDEX IF NOT EXISTS idx_case_deliveries_created ON case_notification_deliveries(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_case_deliveries_status ON case_notification_deliveries(status);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_login_events_username ON login_events(username);`,
}

// ApplyMigrations brings the schema up to date. Postgres goes through goose
// with the embedded migration files; sqlite applies the statement list above.
func ApplyMigrations(ctx context.Context, db *sqlx.DB, logger *utils.Logger) error {
	if isPostgresDB(db) {
		return applyGooseMigrations(ctx, db, logger)
	}
	return applySQLiteMigrations(ctx, db, logger)
}

func applyGooseMigrations(ctx context.Context, db *sqlx.DB, logger *utils.Logger) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	if logger != nil {
		logger.Printf("postgres migrations applied")
	}
	return nil
}

func applySQLiteMigrations(ctx context.Context, db *sqlx.DB, logger *utils.Logger) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migration #%d failed: %w", i+1, err)
		}
	}
	post := []func(context.Context, *sqlx.DB) error{
		ensureUserColumns,
		ensureCaseColumns,
	}
	for _, fn := range post {
		if err := fn(ctx, db); err != nil {
			return err
		}
	}
	if logger != nil {
		logger.Printf("sqlite migrations applied")
	}
	return nil
}

func ensureUserColumns(ctx context.Context, db *sqlx.DB) error {
	type col struct {
		Name string
		SQL  string
	}
	cols := []col{
		{Name: "full_name", SQL: "ALTER TABLE users ADD COLUMN full_name TEXT NOT NULL DEFAULT ''"},
		{Name: "password_set", SQL: "ALTER TABLE users ADD COLUMN password_set INTEGER NOT NULL DEFAULT 1"},
		{Name: "lock_stage", SQL: "ALTER TABLE users ADD COLUMN lock_stage INTEGER NOT NULL DEFAULT 0"},
	}
	for _, c := range cols {
		exists, err := columnExists(ctx, db, "users", c.Name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := db.ExecContext(ctx, c.SQL); err != nil {
			return fmt.Errorf("add column users.%s: %w", c.Name, err)
		}
	}
	return nil
}

func ensureCaseColumns(ctx context.Context, db *sqlx.DB) error {
	type col struct {
		Name string
		SQL  string
	}
	cols := []col{
		{Name: "severity", SQL: "ALTER TABLE cases ADD COLUMN severity TEXT NOT NULL DEFAULT ''"},
		{Name: "source_ref", SQL: "ALTER TABLE cases ADD COLUMN source_ref TEXT NOT NULL DEFAULT ''"},
		{Name: "last_escalated_at", SQL: "ALTER TABLE cases ADD COLUMN last_escalated_at TIMESTAMP"},
		{Name: "sla_breached", SQL: "ALTER TABLE cases ADD COLUMN sla_breached INTEGER NOT NULL DEFAULT 0"},
	}
	for _, c := range cols {
		exists, err := columnExists(ctx, db, "cases", c.Name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := db.ExecContext(ctx, c.SQL); err != nil {
			return fmt.Errorf("add column cases.%s: %w", c.Name, err)
		}
	}
	return nil
}

func columnExists(ctx context.Context, db *sqlx.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt interface{}
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
