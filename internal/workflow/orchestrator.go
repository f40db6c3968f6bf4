// Package workflow drives each test through execution, detection,
// verification, fixing and learning, persisting every stage result before
// the next stage may start.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ShayCichocki/vigil/internal/detect"
	"github.com/ShayCichocki/vigil/internal/logging"
	"github.com/ShayCichocki/vigil/internal/state"
	"github.com/ShayCichocki/vigil/pkg/models"
)

var (
	// ErrStageGate means a stage was asked to run without its
	// predecessor's recorded result.
	ErrStageGate = errors.New("stage gate: predecessor result missing")
	// ErrWorkflowAborted means the workflow was halted for human review.
	// Results produced after the abort are discarded.
	ErrWorkflowAborted = errors.New("workflow aborted")
	// ErrWorkflowNotFound means no workflow exists for the test.
	ErrWorkflowNotFound = errors.New("workflow not found")
)

// Store is the persisted state the orchestrator needs. *state.DB
// implements it.
type Store interface {
	CreateWorkflow(w *models.TestWorkflow) error
	SaveWorkflow(w *models.TestWorkflow) error
	GetWorkflow(testID string) (*models.TestWorkflow, error)
	RecordExecution(result *models.TestResult, evidence []models.EvidenceArtifact) (int, error)
	LatestTestResult(testID string) (*models.TestResult, error)
	LatestEvidence(testID string) ([]models.EvidenceArtifact, error)
	AppendTiming(s state.TimingSample) error
}

// Executor runs a test at a tier and returns its reported outcome and the
// evidence it captured.
type Executor interface {
	Execute(ctx context.Context, testID string, tier models.Tier) (*models.TestResult, []models.EvidenceArtifact, error)
}

// Detector finds red flags in a test's evidence. *detect.Detector
// implements it.
type Detector interface {
	Detect(ctx context.Context, epicID string, test *models.TestResult, evidence []models.EvidenceArtifact, opts detect.Options) (*detect.Result, error)
}

// Verifier independently checks a reported outcome. *verify.Verifier
// implements it.
type Verifier interface {
	Verify(ctx context.Context, testID, epicID string) (*models.VerificationResult, error)
}

// FixRequest asks for a rejected test to be re-run at a higher tier.
type FixRequest struct {
	Workflow     *models.TestWorkflow
	Verification *models.VerificationResult
	Tier         models.Tier
}

// FixOutcome is the fresh execution produced by a fix attempt.
type FixOutcome struct {
	Result   *models.TestResult
	Evidence []models.EvidenceArtifact
	Notes    string
}

// Fixer re-runs a rejected test at a strictly higher tier.
type Fixer interface {
	Fix(ctx context.Context, req FixRequest) (*FixOutcome, error)
}

// LearnRequest carries what the learning stage records.
type LearnRequest struct {
	Workflow       *models.TestWorkflow
	Verification   *models.VerificationResult
	Flags          []models.RedFlag
	ReviewRequired bool
}

// LearnOutcome lists the learnings recorded or reinforced.
type LearnOutcome struct {
	LearningIDs []string `json:"learning_ids,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// Learner turns a finished workflow into reusable learnings.
type Learner interface {
	Learn(ctx context.Context, req LearnRequest) (*LearnOutcome, error)
}

// DetectionReporter stores red flag reports.
type DetectionReporter interface {
	WriteDetection(ctx context.Context, res *detect.Result) (string, error)
}

// Deps are the collaborators of an Orchestrator. Store, Executor, Detector
// and Verifier are required.
type Deps struct {
	Store    Store
	Executor Executor
	Detector Detector
	Verifier Verifier
	Fixer    Fixer
	Learner  Learner
	Reporter DetectionReporter
}

// Orchestrator advances workflows one stage at a time.
type Orchestrator struct {
	deps       Deps
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxRetries bounds the fixing loop. Values outside
// 1..models.MaxFixRetries are ignored.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 && n <= models.MaxFixRetries {
			o.maxRetries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New creates an orchestrator. Without a Fixer, fixing re-executes the
// test through the Executor at the higher tier.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("workflow requires a store")
	case deps.Executor == nil:
		return nil, errors.New("workflow requires an executor")
	case deps.Detector == nil:
		return nil, errors.New("workflow requires a detector")
	case deps.Verifier == nil:
		return nil, errors.New("workflow requires a verifier")
	}
	if deps.Fixer == nil {
		deps.Fixer = ReexecuteFixer{Executor: deps.Executor}
	}

	o := &Orchestrator{deps: deps, maxRetries: models.MaxFixRetries, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.OrNop(o.logger)
	return o, nil
}

// Start creates a pending workflow for a test. An empty tier starts at the
// lowest tier.
func (o *Orchestrator) Start(testID, epicID string, testType models.TestType, tier models.Tier) (*models.TestWorkflow, error) {
	if tier == "" {
		tier = models.LowestTier()
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: unknown tier %q", models.ErrInvalidInput, tier)
	}
	w := &models.TestWorkflow{
		TestID:       testID,
		EpicID:       epicID,
		TestType:     testType,
		CurrentStage: models.StagePending,
		Status:       models.WorkflowActive,
		CurrentTier:  tier,
	}
	if err := o.deps.Store.CreateWorkflow(w); err != nil {
		return nil, err
	}
	o.logger.Info("workflow started", "test_id", testID, "epic_id", epicID, "tier", tier)
	return w, nil
}

// Get returns the workflow of a test.
func (o *Orchestrator) Get(testID string) (*models.TestWorkflow, error) {
	w, err := o.deps.Store.GetWorkflow(testID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, testID)
	}
	return w, err
}

// Advance performs exactly one stage and persists its result before
// returning. Terminal workflows are returned unchanged; aborted ones with
// ErrWorkflowAborted.
func (o *Orchestrator) Advance(ctx context.Context, testID string) (*models.TestWorkflow, error) {
	w, err := o.Get(testID)
	if err != nil {
		return nil, err
	}
	if w.CurrentStage.Terminal() {
		if w.Aborted() {
			return w, ErrWorkflowAborted
		}
		return w, nil
	}
	if err := ctx.Err(); err != nil {
		return w, err
	}

	log := o.logger.With("test_id", testID, "stage", w.CurrentStage, "tier", w.CurrentTier)
	log.Debug("advancing workflow")

	switch w.CurrentStage {
	case models.StagePending:
		w.CurrentStage = models.StageExecution
	case models.StageExecution:
		err = o.runExecution(ctx, w)
	case models.StageDetection:
		err = o.runDetection(ctx, w)
	case models.StageVerification:
		err = o.runVerification(ctx, w)
	case models.StageFixing:
		err = o.runFixing(ctx, w)
	case models.StageLearning:
		err = o.runLearning(ctx, w)
	default:
		err = fmt.Errorf("unknown stage %q", w.CurrentStage)
	}
	if err != nil {
		log.Warn("stage failed", "error", err)
		return w, err
	}

	if err := o.persist(w); err != nil {
		return w, err
	}
	log.Info("stage complete", "next", w.CurrentStage, "status", w.Status)
	return w, nil
}

// Run advances the workflow until it reaches a terminal stage.
func (o *Orchestrator) Run(ctx context.Context, testID string) (*models.TestWorkflow, error) {
	for {
		w, err := o.Advance(ctx, testID)
		if err != nil {
			return w, err
		}
		if w.CurrentStage.Terminal() {
			return w, nil
		}
	}
}

// Abort halts a workflow for human review. In-flight stage results are
// discarded when they try to persist.
func (o *Orchestrator) Abort(testID, reason string) (*models.TestWorkflow, error) {
	w, err := abort(o.deps.Store, testID, reason, o.now())
	if err != nil {
		return w, err
	}
	o.logger.Warn("workflow aborted", "test_id", testID, "reason", w.EscalationReason)
	return w, nil
}

// WorkflowStore reads and writes workflow rows. *state.DB implements it.
type WorkflowStore interface {
	GetWorkflow(testID string) (*models.TestWorkflow, error)
	SaveWorkflow(w *models.TestWorkflow) error
}

// Abort halts the stored workflow of a test without an orchestrator. An
// orchestrator running the workflow in another process discards its
// in-flight result on its next persist.
func Abort(store WorkflowStore, testID, reason string) (*models.TestWorkflow, error) {
	return abort(store, testID, reason, time.Now())
}

func abort(store WorkflowStore, testID, reason string, now time.Time) (*models.TestWorkflow, error) {
	w, err := store.GetWorkflow(testID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, testID)
	}
	if err != nil {
		return nil, err
	}
	if w.CurrentStage == models.StageCompleted {
		return w, fmt.Errorf("workflow %s already completed", testID)
	}
	if reason == "" {
		reason = "aborted by operator"
	}
	escalate(w, reason, now)
	w.UpdatedAt = now
	if err := store.SaveWorkflow(w); err != nil {
		return nil, fmt.Errorf("save aborted workflow: %w", err)
	}
	return w, nil
}

// persist saves w unless the stored row was aborted meanwhile.
func (o *Orchestrator) persist(w *models.TestWorkflow) error {
	current, err := o.deps.Store.GetWorkflow(w.TestID)
	if err != nil {
		return fmt.Errorf("reload workflow: %w", err)
	}
	if current.Aborted() {
		o.logger.Info("discarding stage result of aborted workflow", "test_id", w.TestID, "stage", w.CurrentStage)
		return ErrWorkflowAborted
	}
	w.UpdatedAt = o.now()
	if err := o.deps.Store.SaveWorkflow(w); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

func (o *Orchestrator) escalate(w *models.TestWorkflow, reason string) {
	escalate(w, reason, o.now())
}

func escalate(w *models.TestWorkflow, reason string, now time.Time) {
	w.Escalated = true
	w.EscalationReason = reason
	w.Status = models.WorkflowFailed
	w.CurrentStage = models.StageFailed
	w.CompletedAt = &now
}

func (o *Orchestrator) complete(w *models.TestWorkflow) {
	now := o.now()
	w.Status = models.WorkflowCompleted
	w.CurrentStage = models.StageCompleted
	w.CompletedAt = &now
}
