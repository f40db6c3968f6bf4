package state

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// TimingSample is one row of test_timing_history.
type TimingSample struct {
	TestName        string
	TestType        models.TestType
	DurationMs      int64
	NetworkRequests int
	DOMChanges      int
	ExecutedAt      time.Time
	EpicID          string
}

// AppendTiming records a timing sample. History is append-only.
func (db *DB) AppendTiming(s TimingSample) error {
	if s.TestName == "" {
		return fmt.Errorf("%w: timing sample requires a test name", models.ErrInvalidInput)
	}
	if s.ExecutedAt.IsZero() {
		s.ExecutedAt = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO test_timing_history (test_name, test_type, duration_ms, network_requests, dom_changes, executed_at, epic_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.TestName, string(s.TestType), s.DurationMs, s.NetworkRequests, s.DOMChanges, formatTime(s.ExecutedAt), nullString(s.EpicID))
	if err != nil {
		return fmt.Errorf("append timing: %w", err)
	}
	return nil
}

// TimingHistory returns up to limit of the most recent samples for a test
// name, newest first. A limit of zero or less returns every sample.
func (db *DB) TimingHistory(testName string, limit int) ([]TimingSample, error) {
	query := `
		SELECT test_name, test_type, duration_ms, network_requests, dom_changes, executed_at, COALESCE(epic_id, '')
		FROM test_timing_history WHERE test_name = ? ORDER BY id DESC`
	args := []any{testName}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("timing history: %w", err)
	}
	defer rows.Close()

	var samples []TimingSample
	for rows.Next() {
		var (
			s          TimingSample
			typ        string
			executedAt string
		)
		if err := rows.Scan(&s.TestName, &typ, &s.DurationMs, &s.NetworkRequests, &s.DOMChanges, &executedAt, &s.EpicID); err != nil {
			return nil, fmt.Errorf("scan timing sample: %w", err)
		}
		s.TestType = models.TestType(typ)
		s.ExecutedAt, _ = parseTime(executedAt)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// TimingDurations returns the durations of recent samples for a test name.
func (db *DB) TimingDurations(testName string, limit int) ([]int64, error) {
	samples, err := db.TimingHistory(testName, limit)
	if err != nil {
		return nil, err
	}
	durations := make([]int64, len(samples))
	for i, s := range samples {
		durations[i] = s.DurationMs
	}
	return durations, nil
}
