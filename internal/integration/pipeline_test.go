//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/vigil/internal/detect"
	"github.com/ShayCichocki/vigil/internal/executor"
	"github.com/ShayCichocki/vigil/internal/learning"
	"github.com/ShayCichocki/vigil/internal/logging"
	"github.com/ShayCichocki/vigil/internal/report"
	"github.com/ShayCichocki/vigil/internal/state"
	"github.com/ShayCichocki/vigil/internal/verify"
	"github.com/ShayCichocki/vigil/internal/workflow"
	"github.com/ShayCichocki/vigil/pkg/models"
)

type pipeline struct {
	db         *state.DB
	learns     *learning.Store
	reportsDir string
	orch       *workflow.Orchestrator
}

func newPipeline(t *testing.T, suiteYAML string) *pipeline {
	t.Helper()
	root := t.TempDir()

	db, err := state.OpenProject(root)
	if err != nil {
		t.Fatalf("OpenProject: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	learns, err := learning.Open(learning.ProjectDBPath(root))
	if err != nil {
		t.Fatalf("learning.Open: %v", err)
	}
	t.Cleanup(func() { learns.Close() })

	suite, err := executor.ParseSuite([]byte(suiteYAML))
	if err != nil {
		t.Fatalf("ParseSuite: %v", err)
	}
	runner, err := executor.New(suite,
		executor.WithBackoff(executor.Backoff{MaxRetries: 0, Initial: time.Millisecond, Max: time.Millisecond}),
		executor.WithTimeout(5*time.Second),
	)
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}

	// Any local run is implausibly fast under this policy, so every passing
	// run carries a duration_too_short flag.
	policy := detect.DefaultPolicy()
	policy.MinDurationMs[models.TestTypeAPI] = 60_000

	logger := logging.Nop().Logger
	reportsDir := filepath.Join(root, ".vigil", "reports")
	reports := report.NewWriter(report.NewFSSink(reportsDir))

	det := detect.New(
		detect.WithModules(detect.DefaultModules(policy, db, logger)...),
		detect.WithStore(db),
		detect.WithLogger(logger),
	)
	ver, err := verify.New(verify.Config{
		Tier:                  models.TierBuilder,
		ExecutionTier:         models.TierQuick,
		Model:                 "claude-sonnet-4-5-20250929",
		AutoPassThreshold:     80,
		ManualReviewThreshold: 50,
		Policy:                policy,
	}, db, verify.WithReporter(reports), verify.WithLogger(logger))
	if err != nil {
		t.Fatalf("verify.New: %v", err)
	}

	orch, err := workflow.New(workflow.Deps{
		Store:    db,
		Executor: runner,
		Detector: det,
		Verifier: ver,
		Learner:  learning.NewLearner(learns, logger),
		Reporter: reports,
	}, workflow.WithLogger(logger))
	if err != nil {
		t.Fatalf("workflow.New: %v", err)
	}
	return &pipeline{db: db, learns: learns, reportsDir: reportsDir, orch: orch}
}

func (p *pipeline) run(t *testing.T, testID string, typ models.TestType) *models.TestWorkflow {
	t.Helper()
	if _, err := p.orch.Start(testID, "shop", typ, models.TierQuick); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w, err := p.orch.Run(context.Background(), testID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return w
}

func suiteFor(baseURL string) string {
	return `epic: shop
base_url: ` + baseURL + `
tests:
  - id: create-item
    name: create item
    request:
      method: POST
      url: /items
      body: {name: widget}
    expect:
      status: 201
      shape:
        id: number
        name: string
  - id: list-items
    name: list items
    request: {url: /broken}
    expect:
      status: 200
`
}

func newShop(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /items", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": 7, "name": "widget"})
	})
	mux.HandleFunc("GET /broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database unavailable", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// TestPassingTestCompletesWithLearning runs a passing API test end to end.
func TestPassingTestCompletesWithLearning(t *testing.T) {
	srv := newShop(t)
	p := newPipeline(t, suiteFor(srv.URL))

	w := p.run(t, "create-item", models.TestTypeAPI)
	if w.Status != models.WorkflowCompleted || w.CurrentStage != models.StageCompleted {
		t.Fatalf("workflow = %s/%s (%s)", w.Status, w.CurrentStage, w.EscalationReason)
	}
	if w.RetryCount != 0 || w.CurrentTier != models.TierQuick {
		t.Errorf("retry=%d tier=%s, want no fixing", w.RetryCount, w.CurrentTier)
	}

	v, err := p.db.LatestVerification("create-item")
	if err != nil {
		t.Fatalf("LatestVerification: %v", err)
	}
	if v.VerifierTier != models.TierBuilder || v.Recommendation == models.RecommendReject {
		t.Errorf("verification = %s by %s", v.Recommendation, v.VerifierTier)
	}

	flags, err := p.db.UnresolvedRedFlags("create-item")
	if err != nil {
		t.Fatalf("UnresolvedRedFlags: %v", err)
	}
	var tooShort bool
	for _, f := range flags {
		tooShort = tooShort || f.FlagType == detect.FlagDurationTooShort
	}
	if !tooShort {
		t.Errorf("flags = %+v, want %s", flags, detect.FlagDurationTooShort)
	}

	ls, err := p.learns.List(learning.Filter{Scope: "shop", FlagType: detect.FlagDurationTooShort})
	if err != nil {
		t.Fatalf("List learnings: %v", err)
	}
	if len(ls) != 1 || ls[0].Source != "create-item" {
		t.Errorf("learnings = %+v", ls)
	}

	durations, err := p.db.TimingDurations("create item", 10)
	if err != nil {
		t.Fatalf("TimingDurations: %v", err)
	}
	if len(durations) != 1 {
		t.Errorf("timing samples = %d, want 1", len(durations))
	}

	var reports []string
	filepath.WalkDir(p.reportsDir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			reports = append(reports, filepath.Base(path))
		}
		return nil
	})
	joined := strings.Join(reports, " ")
	if !strings.Contains(joined, report.KindRedFlags) || !strings.Contains(joined, report.KindVerification) {
		t.Errorf("reports = %v", reports)
	}
}

// TestFailingTestEscalatesThroughTiers re-executes a failing test one tier
// up until the fix retries are exhausted.
func TestFailingTestEscalatesThroughTiers(t *testing.T) {
	srv := newShop(t)
	p := newPipeline(t, suiteFor(srv.URL))

	w := p.run(t, "list-items", models.TestTypeAPI)
	if !w.Aborted() {
		t.Fatalf("workflow = %s/%s, want escalated", w.Status, w.CurrentStage)
	}
	if w.RetryCount != models.MaxFixRetries || w.CurrentTier != models.TierArchitect {
		t.Errorf("retry=%d tier=%s, want %d/%s", w.RetryCount, w.CurrentTier, models.MaxFixRetries, models.TierArchitect)
	}
	if !strings.Contains(w.EscalationReason, "fix retries exhausted") {
		t.Errorf("reason = %q", w.EscalationReason)
	}

	latest, err := p.db.LatestTestResult("list-items")
	if err != nil {
		t.Fatalf("LatestTestResult: %v", err)
	}
	if latest.Passed() || latest.Tier != models.TierArchitect {
		t.Errorf("latest = %s at %s", latest.PassFail, latest.Tier)
	}
}
