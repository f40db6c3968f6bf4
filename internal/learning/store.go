package learning

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// ErrNotFound is returned when a learning does not exist.
var ErrNotFound = errors.New("learning not found")

// ScopeGlobal is the scope of learnings that apply to every epic.
const ScopeGlobal = "global"

// Learning is a stored CAO triple with the red flag it was learned from.
type Learning struct {
	ID        string
	Condition string // WHEN
	Action    string // DO
	Outcome   string // RESULT

	// FlagType and TestType identify a derived learning. Both are empty for
	// hand-written ones.
	FlagType string
	TestType models.TestType
	Severity models.Severity
	// Scope is an epic id or ScopeGlobal.
	Scope string
	// Source is the test that first produced the learning, or "manual".
	Source string

	TriggerCount int
	// ReviewCount counts triggers on workflows that needed manual review.
	ReviewCount   int
	LastTriggered time.Time
	CreatedAt     time.Time
}

// CAO returns the learning as a triple.
func (l *Learning) CAO() *CAOTriple {
	return &CAOTriple{Condition: l.Condition, Action: l.Action, Outcome: l.Outcome}
}

// Store is SQLite-backed storage for learnings.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// ProjectDBPath returns the path to the project-local learnings database.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".vigil", "learnings.db")
}

// Open opens the store at dbPath and applies migrations. Parent
// directories are created as needed.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for concurrent reads
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: conn, dbPath: dbPath}
	if err := s.Migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate learnings: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the path to the database file.
func (s *Store) Path() string {
	return s.dbPath
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
