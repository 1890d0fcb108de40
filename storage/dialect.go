package storage

import (
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Supported driver names, as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverMySQL    = "mysql"
	DriverPostgres = "pgx"
)

type dialect struct {
	driver string
	schema []string
	// returningID is set when the engine hands back generated keys through
	// RETURNING instead of LastInsertId.
	returningID bool
}

var dialects = map[string]dialect{
	DriverSQLite: {
		driver: DriverSQLite,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    cost REAL NOT NULL CONSTRAINT ck_tasks_cost CHECK (cost >= 0),
    due_date TEXT NOT NULL,
    sort_order INTEGER NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    CONSTRAINT uq_tasks_name UNIQUE (name),
    CONSTRAINT uq_tasks_sort_order UNIQUE (sort_order)
)`,
			`CREATE TABLE IF NOT EXISTS task_order_lock (
    id INTEGER PRIMARY KEY,
    version INTEGER NOT NULL DEFAULT 0
)`,
			`INSERT OR IGNORE INTO task_order_lock (id, version) VALUES (1, 0)`,
		},
	},
	DriverMySQL: {
		driver: DriverMySQL,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    name VARCHAR(255) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
    cost DOUBLE NOT NULL,
    due_date CHAR(10) NOT NULL,
    sort_order INT NULL,
    created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    UNIQUE KEY uq_tasks_name (name),
    UNIQUE KEY uq_tasks_sort_order (sort_order),
    CONSTRAINT ck_tasks_cost CHECK (cost >= 0)
)`,
			`CREATE TABLE IF NOT EXISTS task_order_lock (
    id INT PRIMARY KEY,
    version BIGINT NOT NULL DEFAULT 0
)`,
			`INSERT IGNORE INTO task_order_lock (id, version) VALUES (1, 0)`,
		},
	},
	DriverPostgres: {
		driver: DriverPostgres,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL,
    cost DOUBLE PRECISION NOT NULL CONSTRAINT ck_tasks_cost CHECK (cost >= 0),
    due_date CHAR(10) NOT NULL,
    sort_order INTEGER NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT uq_tasks_name UNIQUE (name),
    CONSTRAINT uq_tasks_sort_order UNIQUE (sort_order)
)`,
			`CREATE TABLE IF NOT EXISTS task_order_lock (
    id INTEGER PRIMARY KEY,
    version BIGINT NOT NULL DEFAULT 0
)`,
			`INSERT INTO task_order_lock (id, version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`,
		},
		returningID: true,
	},
}

// CanonicalDriver maps a driver name or alias to the name registered with
// database/sql.
func CanonicalDriver(name string) (string, error) {
	d, err := dialectFor(name)
	if err != nil {
		return "", err
	}
	return d.driver, nil
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", DriverSQLite:
		return dialects[DriverSQLite], nil
	case DriverMySQL:
		return dialects[DriverMySQL], nil
	case "postgres", "postgresql", DriverPostgres:
		return dialects[DriverPostgres], nil
	}
	return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
}

// prepareDSN fills in the connection options the store relies on.
func (d dialect) prepareDSN(dsn string) (string, error) {
	switch d.driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = "file:tasks.db"
		}
		return withSQLiteDefaults(dsn), nil
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		return cfg.FormatDSN(), nil
	default:
		if dsn == "" {
			return "", fmt.Errorf("a dsn is required for driver %s", d.driver)
		}
		return dsn, nil
	}
}

// withSQLiteDefaults enables WAL, a busy timeout and immediate write
// transactions unless the DSN already sets them.
func withSQLiteDefaults(dsn string) string {
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "?") {
		dsn = "file:" + dsn
	}
	opts := []struct{ key, value string }{
		{"_journal_mode", "WAL"},
		{"_busy_timeout", "5000"},
		{"_txlock", "immediate"},
	}
	for _, o := range opts {
		if strings.Contains(dsn, o.key+"=") {
			continue
		}
		sep := "&"
		if !strings.Contains(dsn, "?") {
			sep = "?"
		}
		dsn += sep + o.key + "=" + o.value
	}
	return dsn
}
