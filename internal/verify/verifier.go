// Package verify independently checks a reported test pass against its
// persisted evidence and red flags. It never executes anything.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/vigil/internal/detect"
	"github.com/ShayCichocki/vigil/internal/logging"
	"github.com/ShayCichocki/vigil/internal/state"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// Default thresholds.
const (
	DefaultAutoPassThreshold     = 80
	DefaultManualReviewThreshold = 50
)

// Config configures a Verifier.
type Config struct {
	// Tier is the capability tier the verifier runs at. It must be
	// strictly higher than ExecutionTier.
	Tier models.Tier
	// ExecutionTier is the default tier tests are executed at. Defaults to
	// the lowest tier.
	ExecutionTier models.Tier
	// Model is recorded on every result as the verifier model tag.
	Model string
	// AutoPassThreshold is the minimum score for an accepted pass.
	AutoPassThreshold int
	// ManualReviewThreshold is the minimum score for manual review rather
	// than rejection.
	ManualReviewThreshold int
	// AutoFailOnCritical raises *CriticalRedFlagError instead of scoring
	// when an unresolved critical flag exists.
	AutoFailOnCritical bool
	// Policy supplies the required evidence per test type.
	Policy *detect.Policy
}

// Store is the persisted state the verifier reads and writes.
// *state.DB implements it.
type Store interface {
	LatestTestResult(testID string) (*models.TestResult, error)
	LatestEvidence(testID string) ([]models.EvidenceArtifact, error)
	UnresolvedRedFlags(testID string) ([]models.RedFlag, error)
	SaveVerification(v *models.VerificationResult) error
}

// Reporter renders and stores the report of a verification.
type Reporter interface {
	WriteVerification(ctx context.Context, v *models.VerificationResult, flags []models.RedFlag) error
}

// Verifier runs the verification pipeline.
type Verifier struct {
	cfg      Config
	store    Store
	reporter Reporter
	narrator Narrator
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithReporter writes a report after every verification.
func WithReporter(r Reporter) Option {
	return func(v *Verifier) { v.reporter = r }
}

// WithNarrator rewrites the reasoning in plain language.
func WithNarrator(n Narrator) Option {
	return func(v *Verifier) { v.narrator = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

// New creates a verifier. It fails with ErrTierNotHigher unless the
// verifier tier outranks the execution tier.
func New(cfg Config, store Store, opts ...Option) (*Verifier, error) {
	if cfg.ExecutionTier == "" {
		cfg.ExecutionTier = models.LowestTier()
	}
	if !cfg.ExecutionTier.Valid() {
		return nil, fmt.Errorf("unknown execution tier %q", cfg.ExecutionTier)
	}
	if !cfg.Tier.Greater(cfg.ExecutionTier) {
		return nil, fmt.Errorf("%w: verifier %q, execution %q", ErrTierNotHigher, cfg.Tier, cfg.ExecutionTier)
	}
	if store == nil {
		return nil, errors.New("verifier requires a store")
	}
	if cfg.AutoPassThreshold <= 0 {
		cfg.AutoPassThreshold = DefaultAutoPassThreshold
	}
	if cfg.ManualReviewThreshold <= 0 {
		cfg.ManualReviewThreshold = DefaultManualReviewThreshold
	}
	if cfg.ManualReviewThreshold > cfg.AutoPassThreshold {
		return nil, fmt.Errorf("manual review threshold %d exceeds auto pass threshold %d",
			cfg.ManualReviewThreshold, cfg.AutoPassThreshold)
	}
	if cfg.Policy == nil {
		cfg.Policy = detect.DefaultPolicy()
	}
	if cfg.Model == "" {
		cfg.Model = string(cfg.Tier)
	}

	v := &Verifier{cfg: cfg, store: store, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = logging.OrNop(v.logger)
	return v, nil
}

// Tier returns the verifier tier.
func (v *Verifier) Tier() models.Tier {
	return v.cfg.Tier
}

// Verify checks the latest reported outcome of a test.
func (v *Verifier) Verify(ctx context.Context, testID, epicID string) (*models.VerificationResult, error) {
	started := v.now().UTC()
	log := v.logger.With("test_id", testID, "epic_id", epicID)

	test, err := v.store.LatestTestResult(testID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("%w: no recorded execution for test %s", ErrEvidenceNotFound, testID)
	}
	if err != nil {
		return nil, fmt.Errorf("load test result: %w", err)
	}

	artifacts, err := v.store.LatestEvidence(testID)
	if err != nil {
		return nil, fmt.Errorf("load evidence: %w", err)
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("%w: test %s", ErrEvidenceNotFound, testID)
	}

	flags, err := v.store.UnresolvedRedFlags(testID)
	if err != nil {
		return nil, fmt.Errorf("load red flags: %w", err)
	}

	integrity := CheckIntegrity(testID, artifacts)
	if len(integrity.Corrupted) > 0 {
		log.Warn("evidence corrupted", "problems", len(integrity.Corrupted))
		return nil, &IntegrityError{TestID: testID, Problems: integrity.Corrupted}
	}

	counts := models.CountFlags(flags)
	if counts.Critical > 0 && v.cfg.AutoFailOnCritical {
		critical := slices.DeleteFunc(slices.Clone(flags), func(f models.RedFlag) bool {
			return f.Severity != models.SeverityCritical
		})
		return nil, &CriticalRedFlagError{TestID: testID, Flags: critical}
	}

	cv := CrossValidate(artifacts)
	skeptical := Analyze(artifacts)
	summary := v.summarize(test.Type, artifacts, integrity)

	score, factors := Score(ScoreInput{
		Flags:           counts,
		CrossValidation: cv,
		Evidence:        summary,
		Skeptical:       skeptical,
	})
	verified, rec := Decide(score, counts, v.cfg.AutoPassThreshold, v.cfg.ManualReviewThreshold)

	res := &models.VerificationResult{
		ID:              uuid.New().String(),
		TestID:          testID,
		EpicID:          epicID,
		Verified:        verified,
		ConfidenceScore: score,
		Recommendation:  rec,
		Evidence:        summary,
		CrossValidation: cv,
		RedFlags:        flagSummary(flags, counts),
		Skeptical:       skeptical,
		Factors:         factors,
		VerifierModel:   v.cfg.Model,
		VerifierTier:    v.cfg.Tier,
		StartedAt:       started,
	}
	res.Summary = summaryText(test, res)
	res.Reasoning = reasoningText(res)
	res.Recommendations = recommendations(res)

	if v.narrator != nil {
		if text, err := v.narrator.Narrate(ctx, res); err != nil {
			log.Warn("narration failed, keeping deterministic reasoning", "error", err)
		} else {
			res.Reasoning = text
		}
	}
	res.CompletedAt = v.now().UTC()

	if err := v.store.SaveVerification(res); err != nil {
		return nil, fmt.Errorf("save verification: %w", err)
	}
	if v.reporter != nil {
		if err := v.reporter.WriteVerification(ctx, res, flags); err != nil {
			log.Warn("write verification report", "error", err)
		}
	}

	log.Info("verification complete", "verified", verified, "score", score, "recommendation", rec)
	return res, nil
}

func (v *Verifier) summarize(typ models.TestType, artifacts []models.EvidenceArtifact, integrity IntegrityReport) models.EvidenceSummary {
	s := models.EvidenceSummary{
		Total:           len(artifacts),
		ByType:          make(map[models.EvidenceType]int),
		IntegrityPassed: integrity.Passed(),
	}
	for _, a := range artifacts {
		s.ByType[a.Type]++
	}
	for _, req := range v.cfg.Policy.Required(typ) {
		if s.ByType[req] == 0 {
			s.MissingRequired = append(s.MissingRequired, req)
		}
	}
	s.HasScreenshots = s.ByType[models.EvidenceScreenshotBefore] > 0 && s.ByType[models.EvidenceScreenshotAfter] > 0
	s.HasConsoleLogs = s.ByType[models.EvidenceConsoleLog] > 0
	s.IntegrityProblem = append(s.IntegrityProblem, integrity.Malformed...)
	return s
}

func flagSummary(flags []models.RedFlag, counts models.SeverityCounts) models.RedFlagSummary {
	s := models.RedFlagSummary{Counts: counts}
	for _, f := range flags {
		if !slices.Contains(s.Types, f.FlagType) {
			s.Types = append(s.Types, f.FlagType)
		}
	}
	return s
}

func summaryText(test *models.TestResult, r *models.VerificationResult) string {
	name := test.Name
	if name == "" {
		name = test.ID
	}
	outcome := "could not be verified"
	if r.Verified {
		outcome = "is verified"
	}
	return fmt.Sprintf("The reported %s of %s test %q %s with confidence %d/100; recommendation: %s.",
		test.PassFail, test.Type, name, outcome, r.ConfidenceScore, strings.ReplaceAll(string(r.Recommendation), "_", " "))
}

func reasoningText(r *models.VerificationResult) string {
	var lines []string
	for _, f := range r.Factors {
		if f.Name == "base" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s (x%d): %+.0f", f.Name, f.Count, f.Points))
	}
	if len(lines) == 0 {
		lines = append(lines, "no deductions: evidence is complete, consistent and unflagged")
	}
	if r.RedFlags.Counts.Critical > 0 {
		lines = append(lines, fmt.Sprintf("%d unresolved critical flag(s) prevent verification regardless of score", r.RedFlags.Counts.Critical))
	}
	return strings.Join(lines, "\n")
}

func recommendations(r *models.VerificationResult) []string {
	var out []string
	if len(r.Evidence.MissingRequired) > 0 {
		types := make([]string, len(r.Evidence.MissingRequired))
		for i, t := range r.Evidence.MissingRequired {
			types[i] = string(t)
		}
		out = append(out, "Capture the missing evidence: "+strings.Join(types, ", "))
	}
	if r.RedFlags.Counts.Critical > 0 || r.RedFlags.Counts.High > 0 {
		out = append(out, "Resolve or re-detect the unresolved red flags: "+strings.Join(r.RedFlags.Types, ", "))
	}
	for _, c := range r.CrossValidation.Checks {
		if !c.Matched {
			out = append(out, fmt.Sprintf("Reconcile %s with %s (%s)", c.Left, c.Right, c.Detail))
		}
	}
	for _, c := range r.Skeptical.Concerns {
		out = append(out, fmt.Sprintf("Investigate %s: %s", c.Pattern, c.Detail))
	}
	if len(r.Evidence.IntegrityProblem) > 0 {
		out = append(out, "Re-record malformed evidence: "+strings.Join(r.Evidence.IntegrityProblem, "; "))
	}
	if r.Recommendation == models.RecommendReject {
		out = append(out, "Re-execute the test at a higher tier")
	}
	return out
}
