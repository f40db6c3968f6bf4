package models

import "time"

// Verdict is the classification derived purely from red-flag severities.
type Verdict string

const (
	VerdictPass   Verdict = "pass"
	VerdictReview Verdict = "review"
	VerdictFail   Verdict = "fail"
)

// VerdictFor applies the verdict policy: any critical fails, any high
// needs review, everything else passes.
func VerdictFor(c SeverityCounts) Verdict {
	switch {
	case c.Critical > 0:
		return VerdictFail
	case c.High > 0:
		return VerdictReview
	default:
		return VerdictPass
	}
}

// Recommendation is the verifier's advice on a reported pass.
type Recommendation string

const (
	RecommendAccept       Recommendation = "accept"
	RecommendManualReview Recommendation = "manual_review"
	RecommendReject       Recommendation = "reject"
)

// EvidenceSummary describes how complete the captured evidence is.
type EvidenceSummary struct {
	Total            int                  `json:"total"`
	ByType           map[EvidenceType]int `json:"by_type"`
	MissingRequired  []EvidenceType       `json:"missing_required,omitempty"`
	HasScreenshots   bool                 `json:"has_screenshots"`
	HasConsoleLogs   bool                 `json:"has_console_logs"`
	IntegrityPassed  bool                 `json:"integrity_passed"`
	IntegrityProblem []string             `json:"integrity_problems,omitempty"`
}

// CrossCheck is one pairwise comparison between evidence sources.
type CrossCheck struct {
	Name    string       `json:"name"`
	Left    EvidenceType `json:"left"`
	Right   EvidenceType `json:"right"`
	Matched bool         `json:"matched"`
	Detail  string       `json:"detail"`
}

// CrossValidation aggregates pairwise comparisons.
type CrossValidation struct {
	Checks     []CrossCheck `json:"checks"`
	Matched    int          `json:"matched"`
	Mismatched int          `json:"mismatched"`
}

// Concern is a suspicious pattern found by skeptical analysis.
type Concern struct {
	Pattern  string   `json:"pattern"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// SkepticalAnalysis is the heuristic scan result.
type SkepticalAnalysis struct {
	Concerns   []Concern `json:"concerns,omitempty"`
	Suspicious bool      `json:"suspicious"`
}

// RedFlagSummary summarizes unresolved flags considered by the verifier.
type RedFlagSummary struct {
	Counts SeverityCounts `json:"counts"`
	Types  []string       `json:"types,omitempty"`
}

// ConfidenceFactor is one explainable contribution to the confidence score.
type ConfidenceFactor struct {
	Name   string  `json:"name"`
	Count  int     `json:"count"`
	Points float64 `json:"points"`
}

// VerificationResult is the outcome of one verification attempt.
// It is produced once and not mutated afterwards.
type VerificationResult struct {
	ID              string             `json:"id"`
	TestID          string             `json:"test_id"`
	EpicID          string             `json:"epic_id"`
	Verified        bool               `json:"verified"`
	ConfidenceScore int                `json:"confidence_score"`
	Recommendation  Recommendation     `json:"recommendation"`
	Evidence        EvidenceSummary    `json:"evidence"`
	CrossValidation CrossValidation    `json:"cross_validation"`
	RedFlags        RedFlagSummary     `json:"red_flags"`
	Skeptical       SkepticalAnalysis  `json:"skeptical"`
	Factors         []ConfidenceFactor `json:"factors"`
	Summary         string             `json:"summary"`
	Reasoning       string             `json:"reasoning"`
	Recommendations []string           `json:"recommendations,omitempty"`
	VerifierModel   string             `json:"verifier_model"`
	VerifierTier    Tier               `json:"verifier_tier"`
	StartedAt       time.Time          `json:"started_at"`
	CompletedAt     time.Time          `json:"completed_at"`
}
