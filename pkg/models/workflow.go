package models

import (
	"encoding/json"
	"time"
)

// Stage is a step in a test's verification workflow.
type Stage string

const (
	StagePending      Stage = "pending"
	StageExecution    Stage = "execution"
	StageDetection    Stage = "detection"
	StageVerification Stage = "verification"
	StageFixing       Stage = "fixing"
	StageLearning     Stage = "learning"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// Valid returns true if the stage is a known value.
func (s Stage) Valid() bool {
	switch s {
	case StagePending, StageExecution, StageDetection, StageVerification,
		StageFixing, StageLearning, StageCompleted, StageFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further stage follows.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// WorkflowStatus is the coarse state of a workflow.
type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// MaxFixRetries bounds the fixing→detection loop.
const MaxFixRetries = 3

// TestWorkflow tracks one test through execution, detection, verification,
// fixing and learning. Each stage result is stored verbatim as JSON.
type TestWorkflow struct {
	TestID             string          `json:"test_id"`
	EpicID             string          `json:"epic_id"`
	TestType           TestType        `json:"test_type"`
	CurrentStage       Stage           `json:"current_stage"`
	Status             WorkflowStatus  `json:"status"`
	CurrentTier        Tier            `json:"current_tier"`
	ExecutionResult    json.RawMessage `json:"execution_result,omitempty"`
	DetectionResult    json.RawMessage `json:"detection_result,omitempty"`
	VerificationResult json.RawMessage `json:"verification_result,omitempty"`
	FixingResult       json.RawMessage `json:"fixing_result,omitempty"`
	LearningResult     json.RawMessage `json:"learning_result,omitempty"`
	RetryCount         int             `json:"retry_count"`
	Escalated          bool            `json:"escalated"`
	EscalationReason   string          `json:"escalation_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

// Aborted reports whether the workflow was halted for human review.
func (w *TestWorkflow) Aborted() bool {
	return w != nil && w.Status == WorkflowFailed && w.Escalated
}
