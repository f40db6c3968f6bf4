package learning

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ShayCichocki/vigil/pkg/models"
)

const learningColumns = `id, condition, action, outcome, flag_type, test_type, severity,
	scope, source, trigger_count, review_count, last_triggered, created_at`

// Create inserts a new learning.
func (s *Store) Create(l *Learning) error {
	if err := l.CAO().Validate(); err != nil {
		return err
	}
	if l.Scope == "" {
		l.Scope = ScopeGlobal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO learnings (`+learningColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		l.ID, l.Condition, l.Action, l.Outcome,
		l.FlagType, string(l.TestType), string(l.Severity),
		l.Scope, l.Source, l.TriggerCount, l.ReviewCount,
		nullTime(l.LastTriggered), formatTime(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert learning: %w", err)
	}
	return nil
}

// Reinforce records a trigger of a derived learning. A learning with the
// same flag type, test type and scope has its counts bumped; otherwise l
// is inserted with a trigger count of one. It returns the stored id and
// whether the learning is new.
func (s *Store) Reinforce(l *Learning, review bool, at time.Time) (string, bool, error) {
	if l.FlagType == "" {
		return "", false, fmt.Errorf("reinforce: learning has no flag type")
	}
	if err := l.CAO().Validate(); err != nil {
		return "", false, err
	}
	if l.Scope == "" {
		l.Scope = ScopeGlobal
	}
	reviews := 0
	if review {
		reviews = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		id    string
		count int
	)
	err := s.db.QueryRow(`
		INSERT INTO learnings (`+learningColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(flag_type, test_type, scope) WHERE flag_type != '' DO UPDATE SET
			trigger_count = trigger_count + 1,
			review_count = review_count + excluded.review_count,
			last_triggered = excluded.last_triggered
		RETURNING id, trigger_count
	`,
		l.ID, l.Condition, l.Action, l.Outcome,
		l.FlagType, string(l.TestType), string(l.Severity),
		l.Scope, l.Source, reviews,
		formatTime(at), formatTime(at),
	).Scan(&id, &count)
	if err != nil {
		return "", false, fmt.Errorf("reinforce learning: %w", err)
	}
	return id, count == 1, nil
}

// Get retrieves a learning by id.
func (s *Store) Get(id string) (*Learning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+learningColumns+` FROM learnings WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query learning: %w", err)
	}
	defer rows.Close()

	ls, err := scanLearnings(rows)
	if err != nil {
		return nil, err
	}
	if len(ls) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ls[0], nil
}

// Delete removes a learning.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM learnings WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete learning: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func scanLearnings(rows *sql.Rows) ([]*Learning, error) {
	var out []*Learning
	for rows.Next() {
		var (
			l             Learning
			testType      string
			severity      string
			lastTriggered sql.NullString
			createdAt     string
		)
		if err := rows.Scan(
			&l.ID, &l.Condition, &l.Action, &l.Outcome,
			&l.FlagType, &testType, &severity,
			&l.Scope, &l.Source, &l.TriggerCount, &l.ReviewCount,
			&lastTriggered, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan learning: %w", err)
		}
		l.TestType = models.TestType(testType)
		l.Severity = models.Severity(severity)
		if lastTriggered.Valid {
			l.LastTriggered = parseTime(lastTriggered.String)
		}
		l.CreatedAt = parseTime(createdAt)
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate learnings: %w", err)
	}
	return out, nil
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}
