package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// RecordExecution stores a test result together with the evidence captured
// by the same execution attempt. Results and evidence are append-only: every
// call creates a new attempt and returns its number.
func (db *DB) RecordExecution(result *models.TestResult, evidence []models.EvidenceArtifact) (int, error) {
	if err := result.Validate(); err != nil {
		return 0, err
	}
	for i := range evidence {
		if evidence[i].TestID == "" {
			evidence[i].TestID = result.ID
		}
		if evidence[i].TestID != result.ID {
			return 0, fmt.Errorf("%w: evidence for test %s recorded under %s", models.ErrInvalidInput, evidence[i].TestID, result.ID)
		}
		if err := evidence[i].Validate(); err != nil {
			return 0, err
		}
	}

	var attempt int
	err := db.Transaction(func(tx *sql.Tx) error {
		row := tx.QueryRow("SELECT COALESCE(MAX(attempt), 0) FROM test_results WHERE id = ?", result.ID)
		if err := row.Scan(&attempt); err != nil {
			return fmt.Errorf("next attempt: %w", err)
		}
		attempt++

		executedAt := result.ExecutedAt
		if executedAt.IsZero() {
			executedAt = time.Now()
		}

		_, err := tx.Exec(`
			INSERT INTO test_results (id, attempt, epic_id, name, description, type, pass_fail, duration_ms, tier, executed_at, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, result.ID, attempt, result.EpicID, result.Name, nullString(result.Description), string(result.Type),
			string(result.PassFail), result.DurationMs, nullString(string(result.Tier)), formatTime(executedAt), formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("insert test result: %w", err)
		}

		for i := range evidence {
			e := &evidence[i]
			if e.ID == "" {
				e.ID = uuid.New().String()
			}
			if e.EpicID == "" {
				e.EpicID = result.EpicID
			}
			if e.CapturedAt.IsZero() {
				e.CapturedAt = time.Now()
			}
			if e.Checksum == "" {
				e.Seal()
			}
			_, err := tx.Exec(`
				INSERT INTO evidence (id, test_id, epic_id, attempt, type, payload, checksum, captured_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, e.ID, e.TestID, e.EpicID, attempt, string(e.Type), string(e.Payload), e.Checksum, formatTime(e.CapturedAt))
			if err != nil {
				return fmt.Errorf("insert evidence %s: %w", e.Type, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return attempt, nil
}

// LatestTestResult returns the most recent recorded result for a test.
func (db *DB) LatestTestResult(testID string) (*models.TestResult, error) {
	row := db.QueryRow(`
		SELECT id, epic_id, name, description, type, pass_fail, duration_ms, tier, executed_at
		FROM test_results WHERE id = ? ORDER BY attempt DESC LIMIT 1
	`, testID)

	r, err := scanTestResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("test result %s: %w", testID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get test result: %w", err)
	}
	return r, nil
}

// ListTestResults returns the latest result of every test in an epic.
func (db *DB) ListTestResults(epicID string) ([]models.TestResult, error) {
	rows, err := db.Query(`
		SELECT r.id, r.epic_id, r.name, r.description, r.type, r.pass_fail, r.duration_ms, r.tier, r.executed_at
		FROM test_results r
		WHERE r.epic_id = ? AND r.attempt = (SELECT MAX(attempt) FROM test_results WHERE id = r.id)
		ORDER BY r.id
	`, epicID)
	if err != nil {
		return nil, fmt.Errorf("list test results: %w", err)
	}
	defer rows.Close()

	var results []models.TestResult
	for rows.Next() {
		r, err := scanTestResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan test result: %w", err)
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

// LatestEvidence returns the evidence captured by the most recent attempt
// of a test. It returns an empty slice when nothing was recorded.
func (db *DB) LatestEvidence(testID string) ([]models.EvidenceArtifact, error) {
	rows, err := db.Query(`
		SELECT id, test_id, epic_id, type, payload, checksum, captured_at
		FROM evidence
		WHERE test_id = ? AND attempt = (SELECT MAX(attempt) FROM test_results WHERE id = ?)
		ORDER BY rowid
	`, testID, testID)
	if err != nil {
		return nil, fmt.Errorf("load evidence: %w", err)
	}
	defer rows.Close()

	var evidence []models.EvidenceArtifact
	for rows.Next() {
		var (
			e          models.EvidenceArtifact
			typ        string
			payload    string
			checksum   sql.NullString
			capturedAt string
		)
		if err := rows.Scan(&e.ID, &e.TestID, &e.EpicID, &typ, &payload, &checksum, &capturedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		e.Type = models.EvidenceType(typ)
		e.Payload = json.RawMessage(payload)
		e.Checksum = checksum.String
		e.CapturedAt, _ = parseTime(capturedAt)
		evidence = append(evidence, e)
	}
	return evidence, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTestResult(row rowScanner) (*models.TestResult, error) {
	var (
		r           models.TestResult
		description sql.NullString
		typ         string
		passFail    string
		tier        sql.NullString
		executedAt  string
	)
	if err := row.Scan(&r.ID, &r.EpicID, &r.Name, &description, &typ, &passFail, &r.DurationMs, &tier, &executedAt); err != nil {
		return nil, err
	}
	r.Description = description.String
	r.Type = models.TestType(typ)
	r.PassFail = models.PassFail(passFail)
	r.Tier = models.Tier(tier.String)
	r.ExecutedAt, _ = parseTime(executedAt)
	return &r, nil
}
