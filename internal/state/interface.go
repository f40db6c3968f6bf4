package state

import (
	"io"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// ResultStore handles test results and the evidence captured with them.
type ResultStore interface {
	RecordExecution(result *models.TestResult, evidence []models.EvidenceArtifact) (int, error)
	LatestTestResult(testID string) (*models.TestResult, error)
	ListTestResults(epicID string) ([]models.TestResult, error)
	LatestEvidence(testID string) ([]models.EvidenceArtifact, error)
}

// RedFlagStore handles red flag persistence.
type RedFlagStore interface {
	InsertRedFlags(flags []models.RedFlag) error
	ReplaceRedFlags(testID string, flags []models.RedFlag, note string) error
	ListRedFlags(filter FlagFilter) ([]models.RedFlag, error)
	UnresolvedRedFlags(testID string) ([]models.RedFlag, error)
	ResolveRedFlag(id, notes string) error
}

// TimingStore handles the append-only timing history.
type TimingStore interface {
	AppendTiming(s TimingSample) error
	TimingHistory(testName string, limit int) ([]TimingSample, error)
	TimingDurations(testName string, limit int) ([]int64, error)
}

// WorkflowStore handles workflow stage state.
type WorkflowStore interface {
	CreateWorkflow(w *models.TestWorkflow) error
	SaveWorkflow(w *models.TestWorkflow) error
	GetWorkflow(testID string) (*models.TestWorkflow, error)
	ListWorkflows(epicID string) ([]models.TestWorkflow, error)
}

// VerificationStore handles verification results.
type VerificationStore interface {
	SaveVerification(v *models.VerificationResult) error
	LatestVerification(testID string) (*models.VerificationResult, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// StateStore composes every store so callers can depend on one value
// without the concrete SQLite implementation.
type StateStore interface {
	io.Closer
	Migrator
	ResultStore
	RedFlagStore
	TimingStore
	WorkflowStore
	VerificationStore
}

var (
	_ StateStore        = (*DB)(nil)
	_ ResultStore       = (*DB)(nil)
	_ RedFlagStore      = (*DB)(nil)
	_ TimingStore       = (*DB)(nil)
	_ WorkflowStore     = (*DB)(nil)
	_ VerificationStore = (*DB)(nil)
)
