package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"saker-scm/config"
	"saker-scm/core/utils"
)

func init() {
	// modernc registers itself as "sqlite"; sqlx only knows "sqlite3" out of the box.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// NewDB opens the configured database and verifies connectivity.
// Postgres via pgx is the production path; a file-backed sqlite database
// is used for single-node installs and for tests.
func NewDB(cfg *config.AppConfig, logger *utils.Logger) (*sqlx.DB, error) {
	driver, dsn := resolveDSN(cfg)
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// single writer keeps WAL checkpointing predictable
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if logger != nil {
		logger.Printf("database ready driver=%s", driver)
	}
	return db, nil
}

func resolveDSN(cfg *config.AppConfig) (driver, dsn string) {
	if cfg.DBPath != "" || strings.EqualFold(cfg.DBDriver, "sqlite") {
		path := cfg.DBPath
		if path == "" {
			path = "saker.db"
		}
		q := url.Values{}
		q.Add("_pragma", "busy_timeout(5000)")
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "foreign_keys(1)")
		return "sqlite", "file:" + path + "?" + q.Encode()
	}
	return "pgx", cfg.DBURL
}

func isPostgresDB(db *sqlx.DB) bool {
	return db.DriverName() == "pgx"
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	sb := strings.Builder{}
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("?")
	}
	return sb.String()
}
