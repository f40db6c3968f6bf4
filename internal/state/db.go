// Package state provides SQLite-based persistence for vigil.
// It stores test results, evidence, red flags, timing history, workflow
// stage state and verification results in the project-local database
// (.vigil/state.db).
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	// DriverModernc is the pure-Go driver and the default.
	DriverModernc = "sqlite"
	// DriverCGO is the cgo driver, useful where the C library is preferred.
	DriverCGO = "sqlite3"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps an SQLite database connection with vigil-specific operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// ProjectDBPath returns the path to the project-local database.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".vigil", "state.db")
}

// Open opens an SQLite database at the given path with the default driver.
func Open(path string) (*DB, error) {
	return OpenWithDriver(path, DriverModernc)
}

// OpenWithDriver opens an SQLite database using the named driver.
// It creates the parent directories if they don't exist.
// WAL mode is enabled for concurrent reads.
func OpenWithDriver(path, driver string) (*DB, error) {
	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverCGO:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// OpenProject opens the project-local database.
func OpenProject(projectRoot string) (*DB, error) {
	return Open(ProjectDBPath(projectRoot))
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1TestResults},
		{2, migrationV2Evidence},
		{3, migrationV3RedFlags},
		{4, migrationV4TimingHistory},
		{5, migrationV5Workflows},
		{6, migrationV6Verifications},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Migration SQL statements
const migrationV1TestResults = `
CREATE TABLE IF NOT EXISTS test_results (
	id TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 1,
	epic_id TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT,
	type TEXT NOT NULL,
	pass_fail TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	tier TEXT,
	executed_at DATETIME NOT NULL,
	recorded_at DATETIME NOT NULL,
	PRIMARY KEY (id, attempt)
);

CREATE INDEX IF NOT EXISTS idx_test_results_epic_id ON test_results(epic_id);
`

const migrationV2Evidence = `
CREATE TABLE IF NOT EXISTS evidence (
	id TEXT PRIMARY KEY,
	test_id TEXT NOT NULL,
	epic_id TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 1,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	checksum TEXT,
	captured_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evidence_test_attempt ON evidence(test_id, attempt);
CREATE INDEX IF NOT EXISTS idx_evidence_epic_id ON evidence(epic_id);
`

const migrationV3RedFlags = `
CREATE TABLE IF NOT EXISTS red_flags (
	id TEXT PRIMARY KEY,
	epic_id TEXT NOT NULL,
	test_id TEXT NOT NULL,
	evidence_id TEXT,
	flag_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	description TEXT NOT NULL,
	proof TEXT,
	detected_at DATETIME NOT NULL,
	resolved INTEGER NOT NULL DEFAULT 0,
	resolution_notes TEXT
);

CREATE INDEX IF NOT EXISTS idx_red_flags_test_id ON red_flags(test_id, resolved);
CREATE INDEX IF NOT EXISTS idx_red_flags_epic_id ON red_flags(epic_id);
`

const migrationV4TimingHistory = `
CREATE TABLE IF NOT EXISTS test_timing_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	test_name TEXT NOT NULL,
	test_type TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	network_requests INTEGER NOT NULL DEFAULT 0,
	dom_changes INTEGER NOT NULL DEFAULT 0,
	executed_at DATETIME NOT NULL,
	epic_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_timing_test_name ON test_timing_history(test_name);
`

const migrationV5Workflows = `
CREATE TABLE IF NOT EXISTS test_workflows (
	test_id TEXT PRIMARY KEY,
	epic_id TEXT NOT NULL,
	test_type TEXT NOT NULL,
	current_stage TEXT NOT NULL DEFAULT 'pending',
	status TEXT NOT NULL DEFAULT 'active',
	current_tier TEXT,
	execution_result TEXT,
	detection_result TEXT,
	verification_result TEXT,
	fixing_result TEXT,
	learning_result TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	escalated INTEGER NOT NULL DEFAULT 0,
	escalation_reason TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_workflows_epic_id ON test_workflows(epic_id);
CREATE INDEX IF NOT EXISTS idx_workflows_status ON test_workflows(status);
`

const migrationV6Verifications = `
CREATE TABLE IF NOT EXISTS verification_results (
	id TEXT PRIMARY KEY,
	test_id TEXT NOT NULL,
	epic_id TEXT NOT NULL,
	verified INTEGER NOT NULL,
	confidence_score INTEGER NOT NULL,
	recommendation TEXT NOT NULL,
	verifier_model TEXT,
	result TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_verifications_test_id ON verification_results(test_id);
`

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Transaction runs the given function within a transaction.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullString converts a string to sql.NullString, treating empty as null.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullJSON converts raw JSON to a nullable column value.
func nullJSON(raw []byte) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
