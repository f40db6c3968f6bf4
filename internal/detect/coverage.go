package detect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ShayCichocki/vigil/internal/evidence"
	"github.com/ShayCichocki/vigil/internal/logging"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// CoverageAnalyzer compares coverage reports captured before and after a
// test. A test that ran must have moved covered lines up.
type CoverageAnalyzer struct {
	policy *Policy
	logger *slog.Logger
}

// NewCoverageAnalyzer creates the module.
func NewCoverageAnalyzer(policy *Policy, logger *slog.Logger) *CoverageAnalyzer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &CoverageAnalyzer{policy: policy, logger: logging.OrNop(logger)}
}

// Name implements Module.
func (c *CoverageAnalyzer) Name() string { return ModuleCoverage }

// Detect implements Module.
func (c *CoverageAnalyzer) Detect(_ context.Context, epicID string, test *models.TestResult, artifacts []models.EvidenceArtifact) ([]models.RedFlag, error) {
	if !scrutinize(test) {
		return nil, nil
	}

	var beforeArt, afterArt *models.EvidenceArtifact
	for i := range artifacts {
		switch artifacts[i].Type {
		case models.EvidenceCoverageBefore:
			beforeArt = &artifacts[i]
		case models.EvidenceCoverageAfter:
			afterArt = &artifacts[i]
		}
	}
	if beforeArt == nil || afterArt == nil {
		return nil, nil
	}

	before, ok := evidence.ParseCoverage(beforeArt.Payload)
	if !ok {
		c.logger.Warn("unparseable coverage report", "test_id", test.ID, "evidence_id", beforeArt.ID, "kind", "before")
		return nil, nil
	}
	after, ok := evidence.ParseCoverage(afterArt.Payload)
	if !ok {
		c.logger.Warn("unparseable coverage report", "test_id", test.ID, "evidence_id", afterArt.ID, "kind", "after")
		return nil, nil
	}

	delta := after.LinesCovered - before.LinesCovered
	proof := map[string]any{
		"before":      before,
		"after":       after,
		"lines_delta": delta,
	}

	switch {
	case delta == 0:
		return []models.RedFlag{newFlag(epicID, test, afterArt.ID, FlagCoverageUnchanged, models.SeverityHigh,
			fmt.Sprintf("covered lines unchanged at %d/%d; the test may not have run", after.LinesCovered, after.LinesTotal),
			proof)}, nil
	case delta < 0:
		return []models.RedFlag{newFlag(epicID, test, afterArt.ID, FlagCoverageDecreased, models.SeverityHigh,
			fmt.Sprintf("covered lines decreased from %d to %d, which indicates a reporting error", before.LinesCovered, after.LinesCovered),
			proof)}, nil
	}

	if minGain, ok := c.policy.MinCoverageGain[test.Type]; ok && delta <= minGain {
		proof["minimum_gain"] = minGain
		return []models.RedFlag{newFlag(epicID, test, afterArt.ID, FlagCoverageIncreaseInsufficient, models.SeverityMedium,
			fmt.Sprintf("%s test added %d covered lines; expected more than %d", test.Type, delta, minGain),
			proof)}, nil
	}
	return nil, nil
}
