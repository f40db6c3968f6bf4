package learning

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// Filter narrows List. Zero fields match everything.
type Filter struct {
	// Scope matches learnings of that epic and global ones.
	Scope    string
	FlagType string
	// TestType matches learnings of that type and hand-written ones.
	TestType models.TestType
	Limit    int
}

func (f Filter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Scope != "" {
		clauses = append(clauses, "(scope = ? OR scope = ?)")
		args = append(args, f.Scope, ScopeGlobal)
	}
	if f.FlagType != "" {
		clauses = append(clauses, "flag_type = ?")
		args = append(args, f.FlagType)
	}
	if f.TestType != "" {
		clauses = append(clauses, "(test_type = ? OR test_type = '')")
		args = append(args, string(f.TestType))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List returns learnings most-triggered first.
func (s *Store) List(f Filter) ([]*Learning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := f.where()
	query := `SELECT ` + learningColumns + ` FROM learnings` + where +
		` ORDER BY trigger_count DESC, created_at DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list learnings: %w", err)
	}
	defer rows.Close()
	return scanLearnings(rows)
}

// Search runs a full-text search over condition, action and outcome. Every
// word of query must match.
func (s *Store) Search(query string, limit int) ([]*Learning, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT l.id, l.condition, l.action, l.outcome, l.flag_type, l.test_type, l.severity,
			   l.scope, l.source, l.trigger_count, l.review_count, l.last_triggered, l.created_at
		FROM learnings l
		JOIN learnings_fts fts ON l.rowid = fts.rowid
		WHERE learnings_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search learnings: %w", err)
	}
	defer rows.Close()
	return scanLearnings(rows)
}

// ftsQuery quotes each word so user input is never parsed as FTS syntax.
func ftsQuery(query string) string {
	var terms []string
	for _, w := range strings.Fields(query) {
		terms = append(terms, `"`+strings.ReplaceAll(w, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " ")
}
