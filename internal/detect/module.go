// Package detect finds red flags in the evidence of tests reported as
// passing. Five independent modules each look for one class of problem; the
// Detector runs them concurrently, persists their flags and derives a
// verdict from the severities.
package detect

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// Module names, used in configuration to enable or disable modules.
const (
	ModuleMissingEvidence      = "missing_evidence"
	ModuleInconsistentEvidence = "inconsistent_evidence"
	ModuleToolExecution        = "tool_execution"
	ModuleTimingAnomaly        = "timing_anomaly"
	ModuleCoverage             = "coverage"
)

// Flag types emitted by the modules.
const (
	FlagMissingEvidence              = "missing_evidence"
	FlagInconsistentEvidence         = "inconsistent_evidence"
	FlagToolNotCalled                = "tool_not_called"
	FlagWrongToolCalled              = "wrong_tool_called"
	FlagToolResultMissing            = "tool_result_missing"
	FlagDurationTooShort             = "duration_too_short"
	FlagDurationBelowAverage         = "duration_below_average"
	FlagNoNetworkActivity            = "no_network_activity"
	FlagNoDOMMutations               = "no_dom_mutations"
	FlagCoverageUnchanged            = "coverage_unchanged"
	FlagCoverageDecreased            = "coverage_decreased"
	FlagCoverageIncreaseInsufficient = "coverage_increase_insufficient"
)

// ModuleNames lists every module in execution order.
var ModuleNames = []string{
	ModuleMissingEvidence,
	ModuleInconsistentEvidence,
	ModuleToolExecution,
	ModuleTimingAnomaly,
	ModuleCoverage,
}

// Module inspects the evidence of one test and returns red flags.
// Implementations must not mutate their inputs and must return no flags for
// tests reported as failing.
type Module interface {
	Name() string
	Detect(ctx context.Context, epicID string, test *models.TestResult, evidence []models.EvidenceArtifact) ([]models.RedFlag, error)
}

// scrutinize reports whether a test is subject to detection.
func scrutinize(test *models.TestResult) bool {
	return test.Passed()
}

// newFlag builds a flag with its proof captured now.
func newFlag(epicID string, test *models.TestResult, evidenceID, flagType string, severity models.Severity, description string, proof any) models.RedFlag {
	return models.RedFlag{
		EpicID:      epicID,
		TestID:      test.ID,
		EvidenceID:  evidenceID,
		FlagType:    flagType,
		Severity:    severity,
		Description: description,
		Proof:       snapshot(proof),
		DetectedAt:  time.Now().UTC(),
	}
}

// snapshot marshals proof into an independent JSON copy.
func snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func evidenceTypes(evidence []models.EvidenceArtifact) []models.EvidenceType {
	types := make([]models.EvidenceType, 0, len(evidence))
	seen := make(map[models.EvidenceType]bool, len(evidence))
	for _, e := range evidence {
		if !seen[e.Type] {
			seen[e.Type] = true
			types = append(types, e.Type)
		}
	}
	return types
}
