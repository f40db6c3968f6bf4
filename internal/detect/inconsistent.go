package detect

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ShayCichocki/vigil/internal/evidence"
	"github.com/ShayCichocki/vigil/internal/logging"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// maxProofLines caps the console lines copied into a flag's proof.
const maxProofLines = 10

// InconsistentEvidenceDetector flags evidence that contradicts a reported
// pass: error screens, HTTP error statuses, error lines in console logs,
// failed tool results and DOM snapshots missing expected elements.
type InconsistentEvidenceDetector struct {
	policy *Policy
	logger *slog.Logger
}

// NewInconsistentEvidenceDetector creates the module.
func NewInconsistentEvidenceDetector(policy *Policy, logger *slog.Logger) *InconsistentEvidenceDetector {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &InconsistentEvidenceDetector{policy: policy, logger: logging.OrNop(logger)}
}

// Name implements Module.
func (d *InconsistentEvidenceDetector) Name() string { return ModuleInconsistentEvidence }

// Detect implements Module.
func (d *InconsistentEvidenceDetector) Detect(_ context.Context, epicID string, test *models.TestResult, artifacts []models.EvidenceArtifact) ([]models.RedFlag, error) {
	if !scrutinize(test) {
		return nil, nil
	}

	// An error-path test is allowed error lines in its console. Error
	// statuses and failed tool results are flagged regardless of the name.
	expectsError := d.policy.ExpectsError(test)
	var flags []models.RedFlag

	for _, a := range artifacts {
		var f *models.RedFlag
		switch a.Type {
		case models.EvidenceScreenshotBefore, models.EvidenceScreenshotAfter:
			f = d.checkScreenshot(epicID, test, a)
		case models.EvidenceHTTPResponse:
			f = d.checkResponse(epicID, test, a)
		case models.EvidenceConsoleLog:
			if !expectsError {
				f = d.checkConsole(epicID, test, a)
			}
		case models.EvidenceDOMSnapshot:
			f = d.checkDOM(epicID, test, a)
		case models.EvidenceToolResult:
			f = d.checkToolResult(epicID, test, a)
		}
		if f != nil {
			flags = append(flags, *f)
		}
	}
	return flags, nil
}

func (d *InconsistentEvidenceDetector) checkScreenshot(epicID string, test *models.TestResult, a models.EvidenceArtifact) *models.RedFlag {
	shot, ok := evidence.ParseScreenshot(a)
	if !ok {
		d.logger.Debug("unparseable screenshot", "test_id", test.ID, "evidence_id", a.ID)
		return nil
	}
	text := strings.ToLower(shot.Searchable())
	var markers []string
	for _, m := range d.policy.ScreenshotMarker {
		if strings.Contains(text, strings.ToLower(m)) {
			markers = append(markers, m)
		}
	}
	if len(markers) == 0 {
		return nil
	}
	f := newFlag(epicID, test, a.ID, FlagInconsistentEvidence, models.SeverityHigh,
		fmt.Sprintf("%s shows error markers (%s)", a.Type, strings.Join(markers, ", ")),
		map[string]any{"evidence_type": a.Type, "path": shot.Path, "title": shot.Title, "markers": markers})
	return &f
}

func (d *InconsistentEvidenceDetector) checkResponse(epicID string, test *models.TestResult, a models.EvidenceArtifact) *models.RedFlag {
	resp, ok := evidence.ParseHTTPResponse(a)
	if !ok {
		d.logger.Debug("unparseable http response", "test_id", test.ID, "evidence_id", a.ID)
		return nil
	}
	if resp.Status < 400 {
		return nil
	}
	f := newFlag(epicID, test, a.ID, FlagInconsistentEvidence, models.SeverityHigh,
		fmt.Sprintf("HTTP response status %d contradicts reported pass", resp.Status),
		map[string]any{"status": resp.Status, "url": resp.URL, "body": truncate(resp.BodyText(), 500)})
	return &f
}

func (d *InconsistentEvidenceDetector) checkConsole(epicID string, test *models.TestResult, a models.EvidenceArtifact) *models.RedFlag {
	log, ok := evidence.ParseConsoleLog(a)
	if !ok {
		d.logger.Debug("unparseable console log", "test_id", test.ID, "evidence_id", a.ID)
		return nil
	}
	var hits []string
	count := 0
	for _, line := range log.Lines {
		if d.policy.IsErrorLine(line) {
			count++
			if len(hits) < maxProofLines {
				hits = append(hits, line)
			}
		}
	}
	if count == 0 {
		return nil
	}
	f := newFlag(epicID, test, a.ID, FlagInconsistentEvidence, models.SeverityHigh,
		fmt.Sprintf("console log contains %d error line(s)", count),
		map[string]any{"error_lines": hits, "error_count": count, "total_lines": len(log.Lines)})
	return &f
}

func (d *InconsistentEvidenceDetector) checkDOM(epicID string, test *models.TestResult, a models.EvidenceArtifact) *models.RedFlag {
	dom, ok := evidence.ParseDOMSnapshot(a)
	if !ok {
		d.logger.Debug("unparseable dom snapshot", "test_id", test.ID, "evidence_id", a.ID)
		return nil
	}
	var missing []string
	for _, el := range dom.ExpectedElements {
		if !dom.Contains(el) {
			missing = append(missing, el)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	f := newFlag(epicID, test, a.ID, FlagInconsistentEvidence, models.SeverityHigh,
		fmt.Sprintf("DOM snapshot is missing expected elements: %s", strings.Join(missing, ", ")),
		map[string]any{"missing_elements": missing, "expected_elements": dom.ExpectedElements})
	return &f
}

func (d *InconsistentEvidenceDetector) checkToolResult(epicID string, test *models.TestResult, a models.EvidenceArtifact) *models.RedFlag {
	res, ok := evidence.ParseToolResult(a)
	if !ok || !res.IsError {
		return nil
	}
	f := newFlag(epicID, test, a.ID, FlagInconsistentEvidence, models.SeverityHigh,
		fmt.Sprintf("tool %s returned an error result", orUnknown(res.Tool)),
		map[string]any{"tool": res.Tool, "call_id": res.CallID, "content": res.Content})
	return &f
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func orUnknown(s string) string {
	if s == "" {
		return "(unknown)"
	}
	return s
}
