package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ShayCichocki/vigil/internal/detect"
	"github.com/ShayCichocki/vigil/internal/state"
	"github.com/ShayCichocki/vigil/internal/verify"
	"github.com/ShayCichocki/vigil/pkg/models"
)

func setupDB(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func apiEvidence(t *testing.T, testID string) []models.EvidenceArtifact {
	t.Helper()
	var out []models.EvidenceArtifact
	for _, p := range []struct {
		typ     models.EvidenceType
		payload any
	}{
		{models.EvidenceHTTPRequest, map[string]any{"method": "GET", "url": "http://api.local/users/1"}},
		{models.EvidenceHTTPResponse, map[string]any{"status": 200, "body": map[string]any{"id": 1}}},
		{models.EvidenceTestDuration, map[string]any{"duration_ms": 150}},
	} {
		e, err := models.NewEvidence(testID, "epic-1", p.typ, p.payload)
		if err != nil {
			t.Fatalf("NewEvidence: %v", err)
		}
		out = append(out, e)
	}
	return out
}

type scriptedExecutor struct {
	t        *testing.T
	mu       sync.Mutex
	tiers    []models.Tier
	outcomes []models.PassFail
	// evidence overrides apiEvidence for the n-th execution when set.
	evidence func(n int) []models.EvidenceArtifact
}

func (e *scriptedExecutor) Execute(_ context.Context, testID string, tier models.Tier) (*models.TestResult, []models.EvidenceArtifact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.tiers)
	pf := models.Pass
	if n < len(e.outcomes) {
		pf = e.outcomes[n]
	}
	e.tiers = append(e.tiers, tier)
	result := &models.TestResult{ID: testID, Name: "get user", Type: models.TestTypeAPI, PassFail: pf, DurationMs: 150}
	if e.evidence != nil {
		return result, e.evidence(n), nil
	}
	return result, apiEvidence(e.t, testID), nil
}

type scriptedVerifier struct {
	mu    sync.Mutex
	recs  []models.Recommendation
	calls int
	err   error
	hook  func()
}

func (v *scriptedVerifier) Verify(_ context.Context, testID, epicID string) (*models.VerificationResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.hook != nil {
		v.hook()
	}
	if v.err != nil {
		return nil, v.err
	}
	rec := models.RecommendReject
	if v.calls < len(v.recs) {
		rec = v.recs[v.calls]
	} else if len(v.recs) > 0 {
		rec = v.recs[len(v.recs)-1]
	}
	v.calls++
	return &models.VerificationResult{
		TestID:         testID,
		EpicID:         epicID,
		Verified:       rec == models.RecommendAccept,
		Recommendation: rec,
		Summary:        "scripted " + string(rec),
	}, nil
}

type recordingLearner struct {
	reqs []LearnRequest
}

func (l *recordingLearner) Learn(_ context.Context, req LearnRequest) (*LearnOutcome, error) {
	l.reqs = append(l.reqs, req)
	return &LearnOutcome{LearningIDs: []string{"l1"}}, nil
}

func newOrchestrator(t *testing.T, db *state.DB, exec Executor, v Verifier, learner Learner) *Orchestrator {
	t.Helper()
	o, err := New(Deps{
		Store:    db,
		Executor: exec,
		Detector: detect.New(detect.WithStore(db)),
		Verifier: v,
		Learner:  learner,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestRunAcceptedPassCompletes(t *testing.T) {
	db := setupDB(t)
	exec := &scriptedExecutor{t: t}
	v, err := verify.New(verify.Config{Tier: models.TierArchitect}, db)
	if err != nil {
		t.Fatalf("verify.New: %v", err)
	}
	learner := &recordingLearner{}
	o := newOrchestrator(t, db, exec, v, learner)

	if _, err := o.Start("t1", "epic-1", models.TestTypeAPI, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w, err := o.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if w.CurrentStage != models.StageCompleted || w.Status != models.WorkflowCompleted || w.CompletedAt == nil {
		t.Errorf("workflow = %s/%s, want completed", w.CurrentStage, w.Status)
	}
	for name, raw := range map[string]json.RawMessage{
		"execution":    w.ExecutionResult,
		"detection":    w.DetectionResult,
		"verification": w.VerificationResult,
		"learning":     w.LearningResult,
	} {
		if len(raw) == 0 {
			t.Errorf("%s result not persisted", name)
		}
	}
	if len(w.FixingResult) != 0 || w.RetryCount != 0 {
		t.Errorf("unexpected fixing: retry=%d", w.RetryCount)
	}
	if diff := cmp.Diff([]models.Tier{models.TierQuick}, exec.tiers); diff != "" {
		t.Errorf("executed tiers (-want +got):\n%s", diff)
	}
	if len(learner.reqs) != 1 || learner.reqs[0].ReviewRequired {
		t.Errorf("learner requests = %+v", learner.reqs)
	}

	history, err := db.TimingHistory("get user", 0)
	if err != nil {
		t.Fatalf("TimingHistory: %v", err)
	}
	if len(history) != 1 || history[0].DurationMs != 150 {
		t.Errorf("timing history = %+v", history)
	}

	stored, err := db.GetWorkflow("t1")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if stored.CurrentStage != models.StageCompleted {
		t.Errorf("stored stage = %s", stored.CurrentStage)
	}
}

func TestAdvancePerformsOneStage(t *testing.T) {
	db := setupDB(t)
	o := newOrchestrator(t, db, &scriptedExecutor{t: t}, &scriptedVerifier{recs: []models.Recommendation{models.RecommendAccept}}, nil)
	if _, err := o.Start("t1", "epic-1", models.TestTypeAPI, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	want := []models.Stage{
		models.StageExecution,
		models.StageDetection,
		models.StageVerification,
		models.StageLearning,
		models.StageCompleted,
	}
	for _, stage := range want {
		w, err := o.Advance(context.Background(), "t1")
		if err != nil {
			t.Fatalf("Advance: %v", err)
		}
		if w.CurrentStage != stage {
			t.Fatalf("stage = %s, want %s", w.CurrentStage, stage)
		}
		stored, err := db.GetWorkflow("t1")
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if stored.CurrentStage != stage {
			t.Fatalf("stored stage = %s, want %s", stored.CurrentStage, stage)
		}
	}

	w, err := o.Advance(context.Background(), "t1")
	if err != nil || w.CurrentStage != models.StageCompleted {
		t.Errorf("Advance on completed = %v, %v", w.CurrentStage, err)
	}
}

func TestStageGate(t *testing.T) {
	db := setupDB(t)
	o := newOrchestrator(t, db, &scriptedExecutor{t: t}, &scriptedVerifier{}, nil)

	for _, stage := range []models.Stage{models.StageDetection, models.StageVerification, models.StageFixing, models.StageLearning} {
		t.Run(string(stage), func(t *testing.T) {
			w := &models.TestWorkflow{TestID: "gate-" + string(stage), EpicID: "epic-1", TestType: models.TestTypeAPI,
				CurrentStage: stage, Status: models.WorkflowActive, CurrentTier: models.TierQuick}
			if err := db.CreateWorkflow(w); err != nil {
				t.Fatalf("CreateWorkflow: %v", err)
			}
			if _, err := o.Advance(context.Background(), w.TestID); !errors.Is(err, ErrStageGate) {
				t.Errorf("Advance() error = %v, want ErrStageGate", err)
			}
			stored, _ := db.GetWorkflow(w.TestID)
			if stored.CurrentStage != stage {
				t.Errorf("stage moved to %s", stored.CurrentStage)
			}
		})
	}
}

func TestExampleF_EscalatesAfterThreeRetries(t *testing.T) {
	db := setupDB(t)
	exec := &scriptedExecutor{t: t}
	verifier := &scriptedVerifier{recs: []models.Recommendation{models.RecommendReject}}
	o := newOrchestrator(t, db, exec, verifier, nil)

	if _, err := o.Start("t1", "epic-1", models.TestTypeAPI, models.TierQuick); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w, err := o.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !w.Escalated || w.Status != models.WorkflowFailed || w.CurrentStage != models.StageFailed {
		t.Errorf("workflow = escalated %v, %s/%s", w.Escalated, w.Status, w.CurrentStage)
	}
	if w.RetryCount != models.MaxFixRetries {
		t.Errorf("RetryCount = %d, want %d", w.RetryCount, models.MaxFixRetries)
	}
	want := []models.Tier{models.TierQuick, models.TierScout, models.TierBuilder, models.TierArchitect}
	if diff := cmp.Diff(want, exec.tiers); diff != "" {
		t.Errorf("executed tiers (-want +got):\n%s", diff)
	}
	if verifier.calls != 4 {
		t.Errorf("verifier calls = %d, want 4", verifier.calls)
	}

	var fix FixRecord
	if err := json.Unmarshal(w.FixingResult, &fix); err != nil {
		t.Fatalf("decode fixing result: %v", err)
	}
	if fix.Retry != 3 || fix.FromTier != models.TierBuilder || fix.ToTier != models.TierArchitect {
		t.Errorf("last fix = %+v", fix)
	}

	if _, err := o.Advance(context.Background(), "t1"); !errors.Is(err, ErrWorkflowAborted) {
		t.Errorf("Advance after escalation error = %v, want ErrWorkflowAborted", err)
	}
	if len(exec.tiers) != 4 {
		t.Errorf("a fourth retry was attempted: %v", exec.tiers)
	}
}

func TestEscalatesAtTopTier(t *testing.T) {
	db := setupDB(t)
	exec := &scriptedExecutor{t: t}
	o := newOrchestrator(t, db, exec, &scriptedVerifier{}, nil)

	if _, err := o.Start("t1", "epic-1", models.TestTypeAPI, models.TierBuilder); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w, err := o.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !w.Escalated || w.RetryCount != 1 {
		t.Errorf("escalated=%v retry=%d, want true/1", w.Escalated, w.RetryCount)
	}
	if diff := cmp.Diff([]models.Tier{models.TierBuilder, models.TierArchitect}, exec.tiers); diff != "" {
		t.Errorf("executed tiers (-want +got):\n%s", diff)
	}
}

func TestReportedFailureGoesThroughFixLadder(t *testing.T) {
	db := setupDB(t)
	exec := &scriptedExecutor{t: t, outcomes: []models.PassFail{models.Fail, models.Pass}}
	verifier := &scriptedVerifier{recs: []models.Recommendation{models.RecommendAccept}}
	o := newOrchestrator(t, db, exec, verifier, nil)

	if _, err := o.Start("t1", "epic-1", models.TestTypeAPI, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w, err := o.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if w.CurrentStage != models.StageCompleted || w.RetryCount != 1 {
		t.Errorf("workflow = %s retry=%d, want completed after one retry", w.CurrentStage, w.RetryCount)
	}
	if verifier.calls != 1 {
		t.Errorf("verifier calls = %d, a reported failure must not be verified", verifier.calls)
	}

	history, _ := db.TimingHistory("get user", 0)
	if len(history) != 1 {
		t.Errorf("timing samples = %d, want only the passing run", len(history))
	}
}

func TestManualReviewCompletesWithReviewRequired(t *testing.T) {
	db := setupDB(t)
	learner := &recordingLearner{}
	o := newOrchestrator(t, db, &scriptedExecutor{t: t}, &scriptedVerifier{recs: []models.Recommendation{models.RecommendManualReview}}, learner)

	if _, err := o.Start("t1", "epic-1", models.TestTypeAPI, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w, err := o.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var rec LearningRecord
	if err := json.Unmarshal(w.LearningResult, &rec); err != nil {
		t.Fatalf("decode learning: %v", err)
	}
	if !rec.ReviewRequired || rec.Recommendation != models.RecommendManualReview || len(rec.LearningIDs) != 1 {
		t.Errorf("learning record = %+v", rec)
	}
	if w.CurrentStage != models.StageCompleted {
		t.Errorf("stage = %s", w.CurrentStage)
	}
}

func TestIntegrityFailureEscalates(t *testing.T) {
	db := setupDB(t)
	verifier := &scriptedVerifier{err: &verify.IntegrityError{TestID: "t1", Problems: []string{"checksum mismatch"}}}
	o := newOrchestrator(t, db, &scriptedExecutor{t: t}, verifier, nil)

	if _, err := o.Start("t1", "epic-1", models.TestTypeAPI, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w, err := o.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !w.Escalated || w.RetryCount != 0 {
		t.Errorf("escalated=%v retry=%d, corrupted evidence must escalate without retries", w.Escalated, w.RetryCount)
	}
}

func TestAbortDiscardsInFlightResult(t *testing.T) {
	db := setupDB(t)
	verifier := &scriptedVerifier{recs: []models.Recommendation{models.RecommendAccept}}
	o := newOrchestrator(t, db, &scriptedExecutor{t: t}, verifier, nil)
	verifier.hook = func() {
		if _, err := o.Abort("t1", "operator stop"); err != nil {
			t.Errorf("Abort: %v", err)
		}
	}

	if _, err := o.Start("t1", "epic-1", models.TestTypeAPI, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err := o.Run(context.Background(), "t1")
	if !errors.Is(err, ErrWorkflowAborted) {
		t.Fatalf("Run() error = %v, want ErrWorkflowAborted", err)
	}

	stored, err := db.GetWorkflow("t1")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if !stored.Aborted() || stored.EscalationReason != "operator stop" {
		t.Errorf("stored = %+v", stored)
	}
	if len(stored.VerificationResult) != 0 {
		t.Error("verification result of the aborted run was persisted")
	}
}

func TestAdvanceUnknownWorkflow(t *testing.T) {
	o := newOrchestrator(t, setupDB(t), &scriptedExecutor{t: t}, &scriptedVerifier{}, nil)
	if _, err := o.Advance(context.Background(), "nope"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("error = %v, want ErrWorkflowNotFound", err)
	}
}

func TestSignalWatcherAborts(t *testing.T) {
	db := setupDB(t)
	o := newOrchestrator(t, db, &scriptedExecutor{t: t}, &scriptedVerifier{}, nil)
	if _, err := o.Start("t1", "epic-1", models.TestTypeAPI, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dir := SignalsDir(t.TempDir())
	sw, err := NewSignalWatcher(dir, o, nil)
	if err != nil {
		t.Fatalf("NewSignalWatcher: %v", err)
	}
	defer sw.Close()

	if err := SendAbort(dir, "t1", "flaky environment"); err != nil {
		t.Fatalf("SendAbort: %v", err)
	}
	sw.Poll()

	stored, err := db.GetWorkflow("t1")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if !stored.Aborted() {
		t.Errorf("workflow not aborted: %+v", stored)
	}
	if _, err := os.Stat(filepath.Join(dir, "abort-t1")); !os.IsNotExist(err) {
		t.Errorf("signal file not removed: %v", err)
	}
}

func TestAbortWithoutOrchestrator(t *testing.T) {
	db := setupDB(t)
	verifier := &scriptedVerifier{recs: []models.Recommendation{models.RecommendAccept}}
	o := newOrchestrator(t, db, &scriptedExecutor{t: t}, verifier, nil)
	// Another process aborts through the database while this one verifies.
	verifier.hook = func() {
		if _, err := Abort(db, "t1", ""); err != nil {
			t.Errorf("Abort: %v", err)
		}
	}

	if _, err := o.Start("t1", "epic-1", models.TestTypeAPI, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := o.Run(context.Background(), "t1"); !errors.Is(err, ErrWorkflowAborted) {
		t.Fatalf("Run() error = %v, want ErrWorkflowAborted", err)
	}

	stored, err := db.GetWorkflow("t1")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if stored.EscalationReason != "aborted by operator" || stored.CompletedAt == nil {
		t.Errorf("stored = %+v", stored)
	}

	if _, err := Abort(db, "missing", "x"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("Abort(missing) error = %v, want ErrWorkflowNotFound", err)
	}
}

func TestSendAbortRejectsPathLikeIDs(t *testing.T) {
	root := t.TempDir()
	dir := SignalsDir(root)
	for _, id := range []string{"", ".", "..", "../escape", "a/b", `a\b`, "x..y"} {
		if err := SendAbort(dir, id, "nope"); !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("SendAbort(%q) error = %v, want ErrInvalidInput", id, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, ".vigil", "abort-escape")); !os.IsNotExist(err) {
		t.Errorf("signal written outside the signals directory: %v", err)
	}
	if err := SendAbort(dir, "checkout.login-1", ""); err != nil {
		t.Errorf("SendAbort(valid id): %v", err)
	}
}

func TestLearningSeesFlagsOfRejectedAttempts(t *testing.T) {
	db := setupDB(t)
	exec := &scriptedExecutor{t: t}
	exec.evidence = func(n int) []models.EvidenceArtifact {
		ev := apiEvidence(t, "t1")
		if n > 0 {
			return ev
		}
		// The first attempt's server answered 500.
		bad, err := models.NewEvidence("t1", "epic-1", models.EvidenceHTTPResponse, map[string]any{"status": 500})
		if err != nil {
			t.Fatalf("NewEvidence: %v", err)
		}
		ev[1] = bad
		return ev
	}
	learner := &recordingLearner{}
	verifier := &scriptedVerifier{recs: []models.Recommendation{models.RecommendReject, models.RecommendAccept}}
	o := newOrchestrator(t, db, exec, verifier, learner)

	if _, err := o.Start("t1", "epic-1", models.TestTypeAPI, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w, err := o.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if w.Status != models.WorkflowCompleted || w.RetryCount != 1 {
		t.Fatalf("workflow = %s retry=%d, want completed after one fix", w.Status, w.RetryCount)
	}

	var fix FixRecord
	if err := json.Unmarshal(w.FixingResult, &fix); err != nil {
		t.Fatalf("decode fixing: %v", err)
	}
	if len(fix.PriorFlags) != 1 || fix.PriorFlags[0].FlagType != detect.FlagInconsistentEvidence {
		t.Errorf("prior flags = %+v", fix.PriorFlags)
	}

	if len(learner.reqs) != 1 {
		t.Fatalf("learner requests = %d, want 1", len(learner.reqs))
	}
	var types []string
	for _, f := range learner.reqs[0].Flags {
		types = append(types, f.FlagType)
	}
	if diff := cmp.Diff([]string{detect.FlagInconsistentEvidence}, types); diff != "" {
		t.Errorf("learned flag types (-want +got):\n%s", diff)
	}
}
