package verify

import (
	"math"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// Confidence weights. Each factor is recorded with its count and points so
// the score can be audited.
const (
	baseConfidence       = 100.0
	pointsPerCritical    = 50.0
	pointsPerHigh        = 20.0
	pointsPerMedium      = 10.0
	pointsPerMismatch    = 15.0
	pointsPerMissing     = 25.0
	pointsPerHighConcern = 20.0
	pointsPerConcern     = 10.0
	integrityPenalty     = 30.0
	completenessBonus    = 10.0
)

// ScoreInput is everything the confidence score depends on.
type ScoreInput struct {
	Flags           models.SeverityCounts
	CrossValidation models.CrossValidation
	Evidence        models.EvidenceSummary
	Skeptical       models.SkepticalAnalysis
}

// Score computes the confidence score and its factor breakdown. The result
// is always within [0, 100].
func Score(in ScoreInput) (int, []models.ConfidenceFactor) {
	factors := []models.ConfidenceFactor{{Name: "base", Count: 1, Points: baseConfidence}}
	add := func(name string, count int, each float64) {
		if count > 0 {
			factors = append(factors, models.ConfidenceFactor{Name: name, Count: count, Points: -each * float64(count)})
		}
	}

	add("critical_flags", in.Flags.Critical, pointsPerCritical)
	add("high_flags", in.Flags.High, pointsPerHigh)
	add("medium_flags", in.Flags.Medium, pointsPerMedium)
	add("cross_validation_mismatches", in.CrossValidation.Mismatched, pointsPerMismatch)
	add("missing_required_evidence", len(in.Evidence.MissingRequired), pointsPerMissing)

	var high, other int
	for _, c := range in.Skeptical.Concerns {
		if c.Severity == models.SeverityHigh || c.Severity == models.SeverityCritical {
			high++
		} else {
			other++
		}
	}
	add("high_suspicious_patterns", high, pointsPerHighConcern)
	add("suspicious_patterns", other, pointsPerConcern)

	if !in.Evidence.IntegrityPassed {
		factors = append(factors, models.ConfidenceFactor{Name: "integrity_failed", Count: 1, Points: -integrityPenalty})
	}
	if in.Evidence.HasScreenshots && in.Evidence.HasConsoleLogs {
		factors = append(factors, models.ConfidenceFactor{Name: "complete_visual_evidence", Count: 1, Points: completenessBonus})
	}

	var total float64
	for _, f := range factors {
		total += f.Points
	}
	total = math.Max(0, math.Min(100, total))
	return int(math.Round(total)), factors
}

// Decide applies the thresholds. A critical flag always prevents
// verification, whatever the score.
func Decide(score int, flags models.SeverityCounts, autoPass, manualReview int) (bool, models.Recommendation) {
	verified := flags.Critical == 0 && score >= autoPass
	switch {
	case verified:
		return true, models.RecommendAccept
	case score >= manualReview:
		return false, models.RecommendManualReview
	default:
		return false, models.RecommendReject
	}
}
