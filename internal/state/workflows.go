package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// ErrWorkflowExists is returned when creating a workflow for a test that
// already has one.
var ErrWorkflowExists = errors.New("workflow already exists")

// CreateWorkflow inserts a new workflow row.
func (db *DB) CreateWorkflow(w *models.TestWorkflow) error {
	if w.TestID == "" || w.EpicID == "" {
		return fmt.Errorf("%w: workflow requires test and epic ids", models.ErrInvalidInput)
	}
	if !w.TestType.Valid() {
		return fmt.Errorf("%w: unknown test type %q", models.ErrInvalidInput, w.TestType)
	}
	if w.CurrentStage == "" {
		w.CurrentStage = models.StagePending
	}
	if w.Status == "" {
		w.Status = models.WorkflowActive
	}
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	var exists int
	if err := db.QueryRow("SELECT COUNT(*) FROM test_workflows WHERE test_id = ?", w.TestID).Scan(&exists); err != nil {
		return fmt.Errorf("check workflow: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("workflow %s: %w", w.TestID, ErrWorkflowExists)
	}

	_, err := db.Exec(`
		INSERT INTO test_workflows (test_id, epic_id, test_type, current_stage, status, current_tier,
			execution_result, detection_result, verification_result, fixing_result, learning_result,
			retry_count, escalated, escalation_reason, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, workflowArgs(w)...)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// SaveWorkflow writes the full workflow row, creating it if needed.
func (db *DB) SaveWorkflow(w *models.TestWorkflow) error {
	if w.TestID == "" {
		return fmt.Errorf("%w: workflow requires a test id", models.ErrInvalidInput)
	}
	if !w.CurrentStage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", models.ErrInvalidInput, w.CurrentStage)
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	w.UpdatedAt = time.Now()

	_, err := db.Exec(`
		INSERT INTO test_workflows (test_id, epic_id, test_type, current_stage, status, current_tier,
			execution_result, detection_result, verification_result, fixing_result, learning_result,
			retry_count, escalated, escalation_reason, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(test_id) DO UPDATE SET
			epic_id = excluded.epic_id,
			test_type = excluded.test_type,
			current_stage = excluded.current_stage,
			status = excluded.status,
			current_tier = excluded.current_tier,
			execution_result = excluded.execution_result,
			detection_result = excluded.detection_result,
			verification_result = excluded.verification_result,
			fixing_result = excluded.fixing_result,
			learning_result = excluded.learning_result,
			retry_count = excluded.retry_count,
			escalated = excluded.escalated,
			escalation_reason = excluded.escalation_reason,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`, workflowArgs(w)...)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

func workflowArgs(w *models.TestWorkflow) []any {
	var completedAt sql.NullString
	if w.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*w.CompletedAt), Valid: true}
	}
	return []any{
		w.TestID, w.EpicID, string(w.TestType), string(w.CurrentStage), string(w.Status), nullString(string(w.CurrentTier)),
		nullJSON(w.ExecutionResult), nullJSON(w.DetectionResult), nullJSON(w.VerificationResult),
		nullJSON(w.FixingResult), nullJSON(w.LearningResult),
		w.RetryCount, boolInt(w.Escalated), nullString(w.EscalationReason),
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt), completedAt,
	}
}

const workflowColumns = `test_id, epic_id, test_type, current_stage, status, current_tier,
	execution_result, detection_result, verification_result, fixing_result, learning_result,
	retry_count, escalated, escalation_reason, created_at, updated_at, completed_at`

// GetWorkflow returns the workflow for a test.
func (db *DB) GetWorkflow(testID string) (*models.TestWorkflow, error) {
	row := db.QueryRow("SELECT "+workflowColumns+" FROM test_workflows WHERE test_id = ?", testID)
	w, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", testID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

// ListWorkflows returns workflows for an epic, or every workflow when epicID
// is empty. Active workflows come first.
func (db *DB) ListWorkflows(epicID string) ([]models.TestWorkflow, error) {
	query := "SELECT " + workflowColumns + " FROM test_workflows"
	var args []any
	if epicID != "" {
		query += " WHERE epic_id = ?"
		args = append(args, epicID)
	}
	query += " ORDER BY CASE status WHEN 'active' THEN 0 ELSE 1 END, updated_at DESC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []models.TestWorkflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, *w)
	}
	return workflows, rows.Err()
}

func scanWorkflow(row rowScanner) (*models.TestWorkflow, error) {
	var (
		w                                  models.TestWorkflow
		testType, stage, status            string
		tier, reason                       sql.NullString
		execution, detection, verification sql.NullString
		fixing, learning                   sql.NullString
		escalated                          int
		createdAt, updatedAt               string
		completedAt                        sql.NullString
	)
	err := row.Scan(&w.TestID, &w.EpicID, &testType, &stage, &status, &tier,
		&execution, &detection, &verification, &fixing, &learning,
		&w.RetryCount, &escalated, &reason, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	w.TestType = models.TestType(testType)
	w.CurrentStage = models.Stage(stage)
	w.Status = models.WorkflowStatus(status)
	w.CurrentTier = models.Tier(tier.String)
	w.ExecutionResult = rawJSON(execution)
	w.DetectionResult = rawJSON(detection)
	w.VerificationResult = rawJSON(verification)
	w.FixingResult = rawJSON(fixing)
	w.LearningResult = rawJSON(learning)
	w.Escalated = escalated != 0
	w.EscalationReason = reason.String
	w.CreatedAt, _ = parseTime(createdAt)
	w.UpdatedAt, _ = parseTime(updatedAt)
	w.CompletedAt = parseNullableTime(completedAt)
	return &w, nil
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}
