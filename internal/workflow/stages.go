package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/vigil/internal/detect"
	"github.com/ShayCichocki/vigil/internal/state"
	"github.com/ShayCichocki/vigil/internal/verify"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// ExecutionRecord is the stored result of the execution stage.
type ExecutionRecord struct {
	Attempt       int             `json:"attempt"`
	Tier          models.Tier     `json:"tier"`
	PassFail      models.PassFail `json:"pass_fail"`
	DurationMs    int64           `json:"duration_ms,omitempty"`
	EvidenceCount int             `json:"evidence_count"`
	ExecutedAt    time.Time       `json:"executed_at"`
}

// FixRecord is the stored result of the fixing stage.
type FixRecord struct {
	Retry    int             `json:"retry"`
	FromTier models.Tier     `json:"from_tier"`
	ToTier   models.Tier     `json:"to_tier"`
	Attempt  int             `json:"attempt"`
	PassFail models.PassFail `json:"pass_fail"`
	Notes    string          `json:"notes,omitempty"`
	// PriorFlags are the red flags of every rejected attempt so far. The
	// detection result of an attempt is cleared when it is fixed.
	PriorFlags []models.RedFlag `json:"prior_flags,omitempty"`
}

// LearningRecord is the stored result of the learning stage.
type LearningRecord struct {
	Recommendation models.Recommendation `json:"recommendation"`
	ReviewRequired bool                  `json:"review_required"`
	LearningIDs    []string              `json:"learning_ids,omitempty"`
	Notes          string                `json:"notes,omitempty"`
}

// Reasons recorded on synthesized rejections and escalations.
const (
	reasonReportedFailure = "reported failure"
	reasonNoEvidence      = "no evidence recorded for the latest execution"
	reasonRetries         = "fix retries exhausted"
	reasonTopTier         = "no higher tier available"
)

func (o *Orchestrator) runExecution(ctx context.Context, w *models.TestWorkflow) error {
	if w.CurrentTier == "" {
		w.CurrentTier = models.LowestTier()
	}
	result, evidence, err := o.deps.Executor.Execute(ctx, w.TestID, w.CurrentTier)
	if err != nil {
		return fmt.Errorf("execute %s: %w", w.TestID, err)
	}
	rec, err := o.record(w, result, evidence)
	if err != nil {
		return err
	}
	if w.ExecutionResult, err = json.Marshal(rec); err != nil {
		return fmt.Errorf("marshal execution result: %w", err)
	}
	w.CurrentStage = models.StageDetection
	return nil
}

// record stores an execution under the workflow's ids and tier.
func (o *Orchestrator) record(w *models.TestWorkflow, result *models.TestResult, evidence []models.EvidenceArtifact) (*ExecutionRecord, error) {
	if result == nil {
		return nil, fmt.Errorf("%w: executor returned no result for %s", models.ErrInvalidInput, w.TestID)
	}
	result.ID = w.TestID
	result.EpicID = w.EpicID
	if result.Type == "" {
		result.Type = w.TestType
	}
	result.Tier = w.CurrentTier
	if result.ExecutedAt.IsZero() {
		result.ExecutedAt = o.now()
	}
	attempt, err := o.deps.Store.RecordExecution(result, evidence)
	if err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}
	return &ExecutionRecord{
		Attempt:       attempt,
		Tier:          w.CurrentTier,
		PassFail:      result.PassFail,
		DurationMs:    result.DurationMs,
		EvidenceCount: len(evidence),
		ExecutedAt:    result.ExecutedAt,
	}, nil
}

func (o *Orchestrator) runDetection(ctx context.Context, w *models.TestWorkflow) error {
	if len(w.ExecutionResult) == 0 {
		return fmt.Errorf("%w: detection needs an execution result", ErrStageGate)
	}
	test, err := o.deps.Store.LatestTestResult(w.TestID)
	if err != nil {
		return fmt.Errorf("load test result: %w", err)
	}
	evidence, err := o.deps.Store.LatestEvidence(w.TestID)
	if err != nil {
		return fmt.Errorf("load evidence: %w", err)
	}

	res, err := o.deps.Detector.Detect(ctx, w.EpicID, test, evidence, detect.Options{})
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	if w.DetectionResult, err = json.Marshal(res); err != nil {
		return fmt.Errorf("marshal detection result: %w", err)
	}

	if o.deps.Reporter != nil && !res.Skipped {
		if _, err := o.deps.Reporter.WriteDetection(ctx, res); err != nil {
			o.logger.Warn("write red flag report", "test_id", w.TestID, "error", err)
		}
	}

	// Timing is appended after detection so the baseline excludes this run.
	if test.Passed() {
		obs := detect.Observe(test, evidence)
		if obs.HasDuration {
			sample := state.TimingSample{
				TestName:        test.Name,
				TestType:        test.Type,
				DurationMs:      obs.DurationMs,
				NetworkRequests: obs.NetworkRequests,
				DOMChanges:      obs.DOMMutations,
				ExecutedAt:      test.ExecutedAt,
				EpicID:          w.EpicID,
			}
			if sample.TestName == "" {
				sample.TestName = test.ID
			}
			if err := o.deps.Store.AppendTiming(sample); err != nil {
				o.logger.Warn("append timing history", "test_id", w.TestID, "error", err)
			}
		}
	}

	w.CurrentStage = models.StageVerification
	return nil
}

func (o *Orchestrator) runVerification(ctx context.Context, w *models.TestWorkflow) error {
	if len(w.DetectionResult) == 0 {
		return fmt.Errorf("%w: verification needs a detection result", ErrStageGate)
	}
	var detection detect.Result
	if err := json.Unmarshal(w.DetectionResult, &detection); err != nil {
		return fmt.Errorf("decode detection result: %w", err)
	}

	var v *models.VerificationResult
	if detection.Skipped {
		v = o.rejection(w, reasonReportedFailure)
	} else {
		var err error
		v, err = o.deps.Verifier.Verify(ctx, w.TestID, w.EpicID)
		var critical *verify.CriticalRedFlagError
		switch {
		case err == nil:
		case errors.Is(err, verify.ErrIntegrityCheckFailed):
			o.escalate(w, err.Error())
			return nil
		case errors.As(err, &critical):
			v = o.rejection(w, critical.Error())
		case errors.Is(err, verify.ErrEvidenceNotFound):
			v = o.rejection(w, reasonNoEvidence)
		default:
			return fmt.Errorf("verify: %w", err)
		}
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal verification result: %w", err)
	}
	w.VerificationResult = raw

	switch v.Recommendation {
	case models.RecommendAccept, models.RecommendManualReview:
		w.CurrentStage = models.StageLearning
	default:
		w.CurrentStage = models.StageFixing
	}
	return nil
}

// rejection synthesizes a rejected verification that was never scored.
func (o *Orchestrator) rejection(w *models.TestWorkflow, reason string) *models.VerificationResult {
	now := o.now().UTC()
	return &models.VerificationResult{
		TestID:         w.TestID,
		EpicID:         w.EpicID,
		Recommendation: models.RecommendReject,
		Summary:        reason,
		Reasoning:      reason,
		StartedAt:      now,
		CompletedAt:    now,
	}
}

func (o *Orchestrator) runFixing(ctx context.Context, w *models.TestWorkflow) error {
	v, err := decodeVerification(w)
	if err != nil {
		return err
	}
	if v.Recommendation != models.RecommendReject {
		return fmt.Errorf("%w: fixing needs a rejected verification, got %s", ErrStageGate, v.Recommendation)
	}

	if w.RetryCount >= o.maxRetries {
		o.escalate(w, fmt.Sprintf("%s after %d attempt(s): %s", reasonRetries, w.RetryCount, v.Summary))
		return nil
	}
	next, ok := models.NextTier(w.CurrentTier)
	if !ok {
		o.escalate(w, fmt.Sprintf("%s above %s: %s", reasonTopTier, w.CurrentTier, v.Summary))
		return nil
	}

	prior, err := attemptFlags(w)
	if err != nil {
		return err
	}

	from := w.CurrentTier
	out, err := o.deps.Fixer.Fix(ctx, FixRequest{Workflow: w, Verification: v, Tier: next})
	if err != nil {
		return fmt.Errorf("fix %s at %s: %w", w.TestID, next, err)
	}
	if out == nil {
		return fmt.Errorf("fix %s at %s: no outcome", w.TestID, next)
	}

	w.RetryCount++
	w.CurrentTier = next
	rec, err := o.record(w, out.Result, out.Evidence)
	if err != nil {
		return err
	}

	fix := FixRecord{
		Retry:    w.RetryCount,
		FromTier: from,
		ToTier:   next,
		Attempt:  rec.Attempt,
		PassFail:   rec.PassFail,
		Notes:      out.Notes,
		PriorFlags: prior,
	}
	if w.FixingResult, err = json.Marshal(fix); err != nil {
		return fmt.Errorf("marshal fixing result: %w", err)
	}
	if w.ExecutionResult, err = json.Marshal(rec); err != nil {
		return fmt.Errorf("marshal execution result: %w", err)
	}
	w.DetectionResult = nil
	w.VerificationResult = nil
	w.CurrentStage = models.StageDetection
	return nil
}

func (o *Orchestrator) runLearning(ctx context.Context, w *models.TestWorkflow) error {
	v, err := decodeVerification(w)
	if err != nil {
		return err
	}
	rec := LearningRecord{
		Recommendation: v.Recommendation,
		ReviewRequired: v.Recommendation == models.RecommendManualReview,
	}

	if o.deps.Learner != nil {
		flags, err := attemptFlags(w)
		if err != nil {
			return err
		}
		out, err := o.deps.Learner.Learn(ctx, LearnRequest{
			Workflow:       w,
			Verification:   v,
			Flags:          flags,
			ReviewRequired: rec.ReviewRequired,
		})
		if err != nil {
			return fmt.Errorf("learn: %w", err)
		}
		if out != nil {
			rec.LearningIDs = out.LearningIDs
			rec.Notes = out.Notes
		}
	}

	if w.LearningResult, err = json.Marshal(rec); err != nil {
		return fmt.Errorf("marshal learning result: %w", err)
	}
	o.complete(w)
	return nil
}

// attemptFlags returns the red flags of every attempt of w: those carried
// on the last fix record followed by the current detection result's.
func attemptFlags(w *models.TestWorkflow) ([]models.RedFlag, error) {
	var flags []models.RedFlag
	if len(w.FixingResult) > 0 {
		var fix FixRecord
		if err := json.Unmarshal(w.FixingResult, &fix); err != nil {
			return nil, fmt.Errorf("decode fixing result: %w", err)
		}
		flags = append(flags, fix.PriorFlags...)
	}
	if len(w.DetectionResult) > 0 {
		var detection detect.Result
		if err := json.Unmarshal(w.DetectionResult, &detection); err != nil {
			return nil, fmt.Errorf("decode detection result: %w", err)
		}
		flags = append(flags, detection.Flags...)
	}
	return flags, nil
}

func decodeVerification(w *models.TestWorkflow) (*models.VerificationResult, error) {
	if len(w.VerificationResult) == 0 {
		return nil, fmt.Errorf("%w: %s needs a verification result", ErrStageGate, w.CurrentStage)
	}
	var v models.VerificationResult
	if err := json.Unmarshal(w.VerificationResult, &v); err != nil {
		return nil, fmt.Errorf("decode verification result: %w", err)
	}
	return &v, nil
}

// ReexecuteFixer fixes a rejected test by executing it again at the higher
// tier.
type ReexecuteFixer struct {
	Executor Executor
}

// Fix implements Fixer.
func (f ReexecuteFixer) Fix(ctx context.Context, req FixRequest) (*FixOutcome, error) {
	result, evidence, err := f.Executor.Execute(ctx, req.Workflow.TestID, req.Tier)
	if err != nil {
		return nil, err
	}
	return &FixOutcome{
		Result:   result,
		Evidence: evidence,
		Notes:    fmt.Sprintf("re-executed at %s after: %s", req.Tier, req.Verification.Summary),
	}, nil
}
