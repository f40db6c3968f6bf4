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

// SaveVerification stores a verification result. Results are never updated;
// each attempt adds a row.
func (db *DB) SaveVerification(v *models.VerificationResult) error {
	if v == nil || v.TestID == "" {
		return fmt.Errorf("%w: verification requires a test id", models.ErrInvalidInput)
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CompletedAt.IsZero() {
		v.CompletedAt = time.Now()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal verification: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO verification_results (id, test_id, epic_id, verified, confidence_score, recommendation, verifier_model, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.TestID, v.EpicID, boolInt(v.Verified), v.ConfidenceScore, string(v.Recommendation),
		nullString(v.VerifierModel), string(data), formatTime(v.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert verification: %w", err)
	}
	return nil
}

// LatestVerification returns the most recent verification of a test.
func (db *DB) LatestVerification(testID string) (*models.VerificationResult, error) {
	var data string
	err := db.QueryRow(`
		SELECT result FROM verification_results WHERE test_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, testID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("verification for %s: %w", testID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get verification: %w", err)
	}
	var v models.VerificationResult
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("decode verification: %w", err)
	}
	return &v, nil
}
