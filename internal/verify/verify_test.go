package verify

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ShayCichocki/vigil/internal/state"
	"github.com/ShayCichocki/vigil/pkg/models"
)

func artifact(t *testing.T, testID string, typ models.EvidenceType, payload any) models.EvidenceArtifact {
	t.Helper()
	e, err := models.NewEvidence(testID, "epic-1", typ, payload)
	if err != nil {
		t.Fatalf("NewEvidence: %v", err)
	}
	e.ID = string(typ) + "-" + testID
	return e
}

type memStore struct {
	tests    map[string]*models.TestResult
	evidence map[string][]models.EvidenceArtifact
	flags    map[string][]models.RedFlag
	saved    []*models.VerificationResult
}

func newMemStore() *memStore {
	return &memStore{
		tests:    make(map[string]*models.TestResult),
		evidence: make(map[string][]models.EvidenceArtifact),
		flags:    make(map[string][]models.RedFlag),
	}
}

func (m *memStore) LatestTestResult(testID string) (*models.TestResult, error) {
	t, ok := m.tests[testID]
	if !ok {
		return nil, state.ErrNotFound
	}
	return t, nil
}

func (m *memStore) LatestEvidence(testID string) ([]models.EvidenceArtifact, error) {
	return m.evidence[testID], nil
}

func (m *memStore) UnresolvedRedFlags(testID string) ([]models.RedFlag, error) {
	return m.flags[testID], nil
}

func (m *memStore) SaveVerification(v *models.VerificationResult) error {
	m.saved = append(m.saved, v)
	return nil
}

func (m *memStore) addAPITest(t *testing.T, id string) {
	t.Helper()
	m.tests[id] = &models.TestResult{ID: id, EpicID: "epic-1", Name: "get user", Type: models.TestTypeAPI, PassFail: models.Pass}
	m.evidence[id] = []models.EvidenceArtifact{
		artifact(t, id, models.EvidenceHTTPRequest, map[string]any{"method": "GET", "url": "http://api.local/users/1"}),
		artifact(t, id, models.EvidenceHTTPResponse, map[string]any{"status": 200, "body": map[string]any{"id": 1, "name": "ada"}}),
	}
}

func newVerifier(t *testing.T, store Store, cfg Config, opts ...Option) *Verifier {
	t.Helper()
	if cfg.Tier == "" {
		cfg.Tier = models.TierArchitect
	}
	v, err := New(cfg, store, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestNewEnforcesHigherTier(t *testing.T) {
	tests := []struct {
		name      string
		tier      models.Tier
		execution models.Tier
		wantErr   bool
	}{
		{name: "architect over default", tier: models.TierArchitect},
		{name: "scout over quick", tier: models.TierScout, execution: models.TierQuick},
		{name: "quick over default", tier: models.TierQuick, wantErr: true},
		{name: "same tier", tier: models.TierBuilder, execution: models.TierBuilder, wantErr: true},
		{name: "lower tier", tier: models.TierScout, execution: models.TierArchitect, wantErr: true},
		{name: "unknown tier", tier: "oracle", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{Tier: tt.tier, ExecutionTier: tt.execution}, newMemStore())
			if tt.wantErr != (err != nil) {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && tt.tier.Valid() && !errors.Is(err, ErrTierNotHigher) {
				t.Errorf("error = %v, want ErrTierNotHigher", err)
			}
		})
	}
}

func TestNewRejectsInvertedThresholds(t *testing.T) {
	_, err := New(Config{Tier: models.TierArchitect, AutoPassThreshold: 40, ManualReviewThreshold: 60}, newMemStore())
	if err == nil {
		t.Fatal("expected error for manual review threshold above auto pass")
	}
}

func TestVerifyCleanAPIPassIsAccepted(t *testing.T) {
	store := newMemStore()
	store.addAPITest(t, "t1")

	res, err := newVerifier(t, store, Config{}).Verify(context.Background(), "t1", "epic-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Verified || res.ConfidenceScore != 100 || res.Recommendation != models.RecommendAccept {
		t.Errorf("got verified=%v score=%d rec=%s, want true/100/accept", res.Verified, res.ConfidenceScore, res.Recommendation)
	}
	if res.VerifierTier != models.TierArchitect || res.VerifierModel == "" {
		t.Errorf("verifier tag = %q/%q", res.VerifierTier, res.VerifierModel)
	}
	if len(store.saved) != 1 || store.saved[0] != res {
		t.Errorf("saved %d results, want the returned one", len(store.saved))
	}
	if res.CompletedAt.Before(res.StartedAt) {
		t.Errorf("completed %v before started %v", res.CompletedAt, res.StartedAt)
	}
}

func TestVerifyMissingEvidence(t *testing.T) {
	store := newMemStore()
	v := newVerifier(t, store, Config{})

	if _, err := v.Verify(context.Background(), "ghost", "epic-1"); !errors.Is(err, ErrEvidenceNotFound) {
		t.Errorf("unknown test: error = %v, want ErrEvidenceNotFound", err)
	}

	store.tests["t1"] = &models.TestResult{ID: "t1", EpicID: "epic-1", Type: models.TestTypeAPI, PassFail: models.Pass}
	if _, err := v.Verify(context.Background(), "t1", "epic-1"); !errors.Is(err, ErrEvidenceNotFound) {
		t.Errorf("no evidence: error = %v, want ErrEvidenceNotFound", err)
	}
	if len(store.saved) != 0 {
		t.Errorf("saved %d results, want none", len(store.saved))
	}
}

func TestVerifyCorruptedEvidenceIsNeverScored(t *testing.T) {
	store := newMemStore()
	store.addAPITest(t, "t1")
	store.evidence["t1"][1].Checksum = "deadbeef"

	_, err := newVerifier(t, store, Config{}).Verify(context.Background(), "t1", "epic-1")
	if !errors.Is(err, ErrIntegrityCheckFailed) {
		t.Fatalf("error = %v, want ErrIntegrityCheckFailed", err)
	}
	var ie *IntegrityError
	if !errors.As(err, &ie) || len(ie.Problems) != 1 || !strings.Contains(ie.Problems[0], "checksum") {
		t.Errorf("integrity error = %+v", ie)
	}
	if len(store.saved) != 0 {
		t.Error("corrupted evidence must not produce a verification result")
	}
}

func TestVerifyMalformedEvidenceLowersConfidence(t *testing.T) {
	store := newMemStore()
	store.addAPITest(t, "t1")
	store.evidence["t1"][1] = artifact(t, "t1", models.EvidenceHTTPResponse, map[string]any{"body": "ok"})

	res, err := newVerifier(t, store, Config{}).Verify(context.Background(), "t1", "epic-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Evidence.IntegrityPassed {
		t.Error("IntegrityPassed = true, want false")
	}
	if res.ConfidenceScore != 70 || res.Recommendation != models.RecommendManualReview {
		t.Errorf("score=%d rec=%s, want 70/manual_review", res.ConfidenceScore, res.Recommendation)
	}
}

func TestVerifyCriticalFlag(t *testing.T) {
	critical := models.RedFlag{ID: "f1", TestID: "t1", FlagType: "tool_not_called", Severity: models.SeverityCritical}

	t.Run("auto fail", func(t *testing.T) {
		store := newMemStore()
		store.addAPITest(t, "t1")
		store.flags["t1"] = []models.RedFlag{critical, {ID: "f2", TestID: "t1", FlagType: "x", Severity: models.SeverityLow}}

		_, err := newVerifier(t, store, Config{AutoFailOnCritical: true}).Verify(context.Background(), "t1", "epic-1")
		if !errors.Is(err, ErrCriticalRedFlag) {
			t.Fatalf("error = %v, want ErrCriticalRedFlag", err)
		}
		var ce *CriticalRedFlagError
		if !errors.As(err, &ce) || len(ce.Flags) != 1 || ce.Flags[0].ID != "f1" {
			t.Errorf("critical error = %+v", ce)
		}
	})

	t.Run("scored but never verified", func(t *testing.T) {
		store := newMemStore()
		store.addAPITest(t, "t1")
		store.flags["t1"] = []models.RedFlag{critical}

		res, err := newVerifier(t, store, Config{AutoPassThreshold: 40, ManualReviewThreshold: 20}).Verify(context.Background(), "t1", "epic-1")
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if res.ConfidenceScore != 50 {
			t.Errorf("score = %d, want 50", res.ConfidenceScore)
		}
		if res.Verified || res.Recommendation == models.RecommendAccept {
			t.Errorf("verified=%v rec=%s, a critical flag must block acceptance", res.Verified, res.Recommendation)
		}
		if !strings.Contains(res.Reasoning, "critical") {
			t.Errorf("reasoning does not mention the critical flag: %q", res.Reasoning)
		}
	})
}

func TestVerifyUIBonusAndMissingRequired(t *testing.T) {
	store := newMemStore()
	store.tests["ui1"] = &models.TestResult{ID: "ui1", EpicID: "epic-1", Name: "login", Type: models.TestTypeUI, PassFail: models.Pass}
	store.evidence["ui1"] = []models.EvidenceArtifact{
		artifact(t, "ui1", models.EvidenceScreenshotBefore, map[string]any{"path": "before.png", "hash": "aaa"}),
		artifact(t, "ui1", models.EvidenceScreenshotAfter, map[string]any{"path": "after.png", "hash": "bbb"}),
		artifact(t, "ui1", models.EvidenceConsoleLog, map[string]any{"lines": []string{"loaded", "clicked"}}),
	}
	store.flags["ui1"] = []models.RedFlag{{ID: "f", TestID: "ui1", FlagType: "no_dom_mutations", Severity: models.SeverityMedium}}

	res, err := newVerifier(t, store, Config{}).Verify(context.Background(), "ui1", "epic-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.ConfidenceScore != 100 {
		t.Errorf("score = %d, want 100 (100 - 10 + 10)", res.ConfidenceScore)
	}
	if !res.Evidence.HasScreenshots || !res.Evidence.HasConsoleLogs {
		t.Errorf("evidence summary = %+v", res.Evidence)
	}

	store.evidence["ui1"] = store.evidence["ui1"][:1]
	res, err = newVerifier(t, store, Config{}).Verify(context.Background(), "ui1", "epic-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	want := []models.EvidenceType{models.EvidenceScreenshotAfter, models.EvidenceConsoleLog}
	if diff := cmp.Diff(want, res.Evidence.MissingRequired); diff != "" {
		t.Errorf("MissingRequired mismatch (-want +got):\n%s", diff)
	}
	// 100 - 10 (medium) - 2*25 (missing)
	if res.ConfidenceScore != 40 || res.Recommendation != models.RecommendReject {
		t.Errorf("score=%d rec=%s, want 40/reject", res.ConfidenceScore, res.Recommendation)
	}
}

type fakeNarrator struct {
	text string
	err  error
}

func (f fakeNarrator) Narrate(context.Context, *models.VerificationResult) (string, error) {
	return f.text, f.err
}

func TestNarratorIsAdvisory(t *testing.T) {
	store := newMemStore()
	store.addAPITest(t, "t1")

	res, err := newVerifier(t, store, Config{}, WithNarrator(fakeNarrator{text: "All good."})).Verify(context.Background(), "t1", "epic-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Reasoning != "All good." || res.ConfidenceScore != 100 || !res.Verified {
		t.Errorf("narrated result = %q score=%d verified=%v", res.Reasoning, res.ConfidenceScore, res.Verified)
	}

	res, err = newVerifier(t, store, Config{}, WithNarrator(fakeNarrator{err: errors.New("rate limited")})).Verify(context.Background(), "t1", "epic-1")
	if err != nil {
		t.Fatalf("Verify with failing narrator: %v", err)
	}
	if res.Reasoning == "" || res.Reasoning == "All good." {
		t.Errorf("reasoning = %q, want deterministic fallback", res.Reasoning)
	}
}

type recordingReporter struct {
	results []*models.VerificationResult
	err     error
}

func (r *recordingReporter) WriteVerification(_ context.Context, v *models.VerificationResult, _ []models.RedFlag) error {
	r.results = append(r.results, v)
	return r.err
}

func TestReporterFailureDoesNotFailVerification(t *testing.T) {
	store := newMemStore()
	store.addAPITest(t, "t1")
	rep := &recordingReporter{err: errors.New("disk full")}

	if _, err := newVerifier(t, store, Config{}, WithReporter(rep)).Verify(context.Background(), "t1", "epic-1"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(rep.results) != 1 {
		t.Errorf("reporter called %d times, want 1", len(rep.results))
	}
}

func TestScoreFactors(t *testing.T) {
	tests := []struct {
		name string
		in   ScoreInput
		want int
	}{
		{
			name: "clean",
			in:   ScoreInput{Evidence: models.EvidenceSummary{IntegrityPassed: true}},
			want: 100,
		},
		{
			name: "flags and mismatches",
			in: ScoreInput{
				Flags:           models.SeverityCounts{High: 1, Medium: 2},
				CrossValidation: models.CrossValidation{Mismatched: 1},
				Evidence:        models.EvidenceSummary{IntegrityPassed: true},
			},
			want: 45,
		},
		{
			name: "concerns and integrity",
			in: ScoreInput{
				Evidence: models.EvidenceSummary{IntegrityPassed: false, HasScreenshots: true, HasConsoleLogs: true},
				Skeptical: models.SkepticalAnalysis{Concerns: []models.Concern{
					{Severity: models.SeverityHigh}, {Severity: models.SeverityLow},
				}},
			},
			want: 50,
		},
		{
			name: "clamped at zero",
			in: ScoreInput{
				Flags:    models.SeverityCounts{Critical: 3},
				Evidence: models.EvidenceSummary{MissingRequired: []models.EvidenceType{models.EvidenceHTTPRequest}},
			},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, factors := Score(tt.in)
			if got != tt.want {
				t.Errorf("Score() = %d, want %d (factors %+v)", got, tt.want, factors)
			}
			if got < 0 || got > 100 {
				t.Errorf("score %d out of range", got)
			}
			if factors[0].Name != "base" {
				t.Errorf("first factor = %q, want base", factors[0].Name)
			}
		})
	}
}

func TestDecideAcceptIffVerified(t *testing.T) {
	for score := 0; score <= 100; score += 5 {
		for _, critical := range []int{0, 1} {
			verified, rec := Decide(score, models.SeverityCounts{Critical: critical}, 80, 50)
			if verified != (rec == models.RecommendAccept) {
				t.Errorf("score=%d critical=%d: verified=%v rec=%s", score, critical, verified, rec)
			}
			if critical > 0 && verified {
				t.Errorf("score=%d: verified with a critical flag", score)
			}
		}
	}
}

func TestCheckIntegrity(t *testing.T) {
	good := artifact(t, "t1", models.EvidenceHTTPRequest, map[string]any{"method": "GET", "url": "/x"})
	foreign := artifact(t, "t2", models.EvidenceConsoleLog, []string{"hi"})
	noStatus := artifact(t, "t1", models.EvidenceHTTPResponse, map[string]any{"body": "x"})
	badJSON := good
	badJSON.ID = "bad"
	badJSON.Payload = []byte("{not json")
	badJSON.Checksum = ""

	r := CheckIntegrity("t1", []models.EvidenceArtifact{good, foreign, noStatus, badJSON, good})
	if len(r.Corrupted) != 3 {
		t.Errorf("Corrupted = %v, want foreign, invalid JSON and duplicate", r.Corrupted)
	}
	if len(r.Malformed) != 1 || !strings.Contains(r.Malformed[0], "status") {
		t.Errorf("Malformed = %v, want one missing status", r.Malformed)
	}
	if r.Passed() {
		t.Error("Passed() = true")
	}
}

func TestCrossValidate(t *testing.T) {
	req := artifact(t, "t1", models.EvidenceHTTPRequest, map[string]any{"method": "POST", "url": "http://api.local/orders"})
	resp := artifact(t, "t1", models.EvidenceHTTPResponse, map[string]any{"status": 201, "url": "http://api.local/orders/"})

	t.Run("consistent", func(t *testing.T) {
		trace := artifact(t, "t1", models.EvidenceNetworkTrace, []map[string]any{{"method": "POST", "url": "http://api.local/orders", "status": 201}})
		cv := CrossValidate([]models.EvidenceArtifact{req, resp, trace})
		if cv.Mismatched != 0 || cv.Matched != 3 {
			t.Errorf("matched=%d mismatched=%d, checks %+v", cv.Matched, cv.Mismatched, cv.Checks)
		}
	})

	t.Run("request absent from trace", func(t *testing.T) {
		trace := artifact(t, "t1", models.EvidenceNetworkTrace, []map[string]any{{"method": "GET", "url": "http://api.local/health", "status": 200}})
		cv := CrossValidate([]models.EvidenceArtifact{req, resp, trace})
		if cv.Mismatched != 1 || cv.Checks[0].Name != "request_in_trace" || cv.Checks[0].Matched {
			t.Errorf("checks = %+v", cv.Checks)
		}
	})

	t.Run("status disagrees", func(t *testing.T) {
		trace := artifact(t, "t1", models.EvidenceNetworkTrace, []map[string]any{{"method": "POST", "url": "http://api.local/orders", "status": 500}})
		cv := CrossValidate([]models.EvidenceArtifact{req, resp, trace})
		if cv.Mismatched != 1 {
			t.Errorf("mismatched = %d, checks %+v", cv.Mismatched, cv.Checks)
		}
	})

	t.Run("single source", func(t *testing.T) {
		if cv := CrossValidate([]models.EvidenceArtifact{req}); len(cv.Checks) != 0 {
			t.Errorf("checks = %+v, want none", cv.Checks)
		}
	})
}

func TestAnalyze(t *testing.T) {
	before := artifact(t, "t1", models.EvidenceScreenshotBefore, map[string]any{"path": "a.png", "hash": "same"})
	after := artifact(t, "t1", models.EvidenceScreenshotAfter, map[string]any{"path": "b.png", "hash": "same"})

	a := Analyze([]models.EvidenceArtifact{before, after})
	if !a.Suspicious || len(a.Concerns) != 1 || a.Concerns[0].Pattern != "identical_screenshots" {
		t.Errorf("analysis = %+v", a)
	}

	logs := artifact(t, "t1", models.EvidenceConsoleLog, map[string]any{"text": "Lorem ipsum dolor"})
	a = Analyze([]models.EvidenceArtifact{logs})
	if a.Suspicious || len(a.Concerns) != 1 || a.Concerns[0].Pattern != "templated_text" {
		t.Errorf("analysis = %+v, want one non-suspicious templated_text concern", a)
	}

	empty := artifact(t, "t1", models.EvidenceHTTPResponse, map[string]any{"status": 200, "body": map[string]any{}})
	dur := artifact(t, "t1", models.EvidenceTestDuration, map[string]any{"duration_ms": 2000})
	a = Analyze([]models.EvidenceArtifact{empty, dur})
	if !a.Suspicious || len(a.Concerns) != 2 {
		t.Errorf("analysis = %+v, want two concerns", a)
	}
}

func TestVerifyAgainstSQLiteStore(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	test := &models.TestResult{ID: "t1", EpicID: "epic-1", Name: "get user", Type: models.TestTypeAPI, PassFail: models.Pass}
	evidence := []models.EvidenceArtifact{
		artifact(t, "t1", models.EvidenceHTTPRequest, map[string]any{"method": "GET", "url": "http://api.local/users/1"}),
		artifact(t, "t1", models.EvidenceHTTPResponse, map[string]any{"status": 200, "body": map[string]any{"id": 1}}),
	}
	if _, err := db.RecordExecution(test, evidence); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	res, err := newVerifier(t, db, Config{}).Verify(context.Background(), "t1", "epic-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	got, err := db.LatestVerification("t1")
	if err != nil {
		t.Fatalf("LatestVerification: %v", err)
	}
	if got.ID != res.ID || got.ConfidenceScore != res.ConfidenceScore || got.Recommendation != res.Recommendation {
		t.Errorf("stored %+v, returned %+v", got, res)
	}
}
