package detect

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// MissingEvidenceDetector flags passing tests that lack the evidence their
// type requires. An unverifiable pass is not a pass, so the flag is critical.
type MissingEvidenceDetector struct {
	policy *Policy
}

// NewMissingEvidenceDetector creates the module. A nil policy uses the defaults.
func NewMissingEvidenceDetector(policy *Policy) *MissingEvidenceDetector {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &MissingEvidenceDetector{policy: policy}
}

// Name implements Module.
func (d *MissingEvidenceDetector) Name() string { return ModuleMissingEvidence }

// Detect implements Module.
func (d *MissingEvidenceDetector) Detect(_ context.Context, epicID string, test *models.TestResult, evidence []models.EvidenceArtifact) ([]models.RedFlag, error) {
	if !scrutinize(test) {
		return nil, nil
	}

	present := make(map[models.EvidenceType]bool, len(evidence))
	for _, e := range evidence {
		present[e.Type] = true
	}

	var missing []models.EvidenceType
	for _, req := range d.policy.Required(test.Type) {
		if !present[req] {
			missing = append(missing, req)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	names := make([]string, len(missing))
	for i, m := range missing {
		names[i] = string(m)
	}
	description := fmt.Sprintf("%s test reported pass without required evidence: %s",
		test.Type, strings.Join(names, ", "))

	return []models.RedFlag{newFlag(epicID, test, "", FlagMissingEvidence, models.SeverityCritical, description, map[string]any{
		"test_type": test.Type,
		"required":  d.policy.Required(test.Type),
		"missing":   missing,
		"present":   evidenceTypes(evidence),
	})}, nil
}
