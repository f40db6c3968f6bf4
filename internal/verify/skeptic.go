package verify

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ShayCichocki/vigil/internal/evidence"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// boilerplateMarkers are phrases typical of templated or fabricated evidence.
var boilerplateMarkers = []string{
	"lorem ipsum",
	"placeholder",
	"{{",
	"<insert",
	"example output",
	"sample output",
	"test passed successfully",
	"all tests passed",
}

// Analyze scans evidence for patterns that suggest it was not produced by a
// real run. It never fails; it only reports concerns.
func Analyze(artifacts []models.EvidenceArtifact) models.SkepticalAnalysis {
	idx := models.IndexEvidence(artifacts)
	var concerns []models.Concern

	if c, ok := identicalScreenshots(idx); ok {
		concerns = append(concerns, c)
	}
	if c, ok := identicalPayloads(idx[models.EvidenceDOMSnapshot], "identical_dom_snapshots", "DOM snapshots"); ok {
		concerns = append(concerns, c)
	}
	concerns = append(concerns, boilerplate(artifacts)...)

	if c, ok := emptySuccessBody(idx[models.EvidenceHTTPResponse]); ok {
		concerns = append(concerns, c)
	}
	if c, ok := roundDuration(idx[models.EvidenceTestDuration]); ok {
		concerns = append(concerns, c)
	}
	if c, ok := repetitiveLog(idx[models.EvidenceConsoleLog]); ok {
		concerns = append(concerns, c)
	}

	a := models.SkepticalAnalysis{Concerns: concerns}
	for _, c := range concerns {
		if c.Severity == models.SeverityHigh || c.Severity == models.SeverityCritical {
			a.Suspicious = true
		}
	}
	if len(concerns) >= 2 {
		a.Suspicious = true
	}
	return a
}

func identicalScreenshots(idx map[models.EvidenceType][]models.EvidenceArtifact) (models.Concern, bool) {
	before, after := idx[models.EvidenceScreenshotBefore], idx[models.EvidenceScreenshotAfter]
	if len(before) == 0 || len(after) == 0 {
		return models.Concern{}, false
	}
	b, okB := evidence.ParseScreenshot(before[0])
	a, okA := evidence.ParseScreenshot(after[0])
	if !okB || !okA {
		return models.Concern{}, false
	}
	switch {
	case b.Hash != "" && b.Hash == a.Hash:
		return models.Concern{Pattern: "identical_screenshots", Severity: models.SeverityHigh,
			Detail: fmt.Sprintf("before and after screenshots share hash %s", b.Hash)}, true
	case b.Path != "" && b.Path == a.Path:
		return models.Concern{Pattern: "identical_screenshots", Severity: models.SeverityHigh,
			Detail: fmt.Sprintf("before and after screenshots point at the same file %s", b.Path)}, true
	case bytes.Equal(before[0].Payload, after[0].Payload):
		return models.Concern{Pattern: "identical_screenshots", Severity: models.SeverityHigh,
			Detail: "before and after screenshot records are byte-identical"}, true
	}
	return models.Concern{}, false
}

func identicalPayloads(artifacts []models.EvidenceArtifact, pattern, what string) (models.Concern, bool) {
	if len(artifacts) < 2 {
		return models.Concern{}, false
	}
	first := artifacts[0].Payload
	for _, a := range artifacts[1:] {
		if !bytes.Equal(first, a.Payload) {
			return models.Concern{}, false
		}
	}
	return models.Concern{Pattern: pattern, Severity: models.SeverityMedium,
		Detail: fmt.Sprintf("%d %s are identical", len(artifacts), what)}, true
}

func boilerplate(artifacts []models.EvidenceArtifact) []models.Concern {
	var concerns []models.Concern
	for _, a := range artifacts {
		var text string
		switch a.Type {
		case models.EvidenceConsoleLog:
			if l, ok := evidence.ParseConsoleLog(a); ok {
				text = strings.Join(l.Lines, "\n")
			}
		case models.EvidenceScreenshotBefore, models.EvidenceScreenshotAfter:
			if s, ok := evidence.ParseScreenshot(a); ok {
				text = s.Searchable()
			}
		case models.EvidenceHTTPResponse:
			if r, ok := evidence.ParseHTTPResponse(a); ok {
				text = r.BodyText()
			}
		default:
			continue
		}
		lower := strings.ToLower(text)
		for _, m := range boilerplateMarkers {
			if strings.Contains(lower, m) {
				concerns = append(concerns, models.Concern{Pattern: "templated_text", Severity: models.SeverityMedium,
					Detail: fmt.Sprintf("%s contains boilerplate %q", a.Type, m)})
				break
			}
		}
	}
	return concerns
}

func emptySuccessBody(responses []models.EvidenceArtifact) (models.Concern, bool) {
	for _, a := range responses {
		r, ok := evidence.ParseHTTPResponse(a)
		if !ok || r.Status < 200 || r.Status >= 300 || r.Status == 204 {
			continue
		}
		body := strings.TrimSpace(r.BodyText())
		if body == "" || body == "null" || body == "{}" {
			return models.Concern{Pattern: "empty_success_body", Severity: models.SeverityMedium,
				Detail: fmt.Sprintf("status %d response has an empty body", r.Status)}, true
		}
	}
	return models.Concern{}, false
}

func roundDuration(durations []models.EvidenceArtifact) (models.Concern, bool) {
	for _, a := range durations {
		d, ok := evidence.ParseDuration(a)
		if ok && d.DurationMs >= 1000 && d.DurationMs%1000 == 0 {
			return models.Concern{Pattern: "round_duration", Severity: models.SeverityLow,
				Detail: fmt.Sprintf("duration of exactly %dms looks estimated rather than measured", d.DurationMs)}, true
		}
	}
	return models.Concern{}, false
}

func repetitiveLog(logs []models.EvidenceArtifact) (models.Concern, bool) {
	for _, a := range logs {
		l, ok := evidence.ParseConsoleLog(a)
		if !ok || len(l.Lines) < 3 {
			continue
		}
		same := true
		for _, line := range l.Lines[1:] {
			if line != l.Lines[0] {
				same = false
				break
			}
		}
		if same {
			return models.Concern{Pattern: "repetitive_log", Severity: models.SeverityLow,
				Detail: fmt.Sprintf("console log repeats %q %d times", l.Lines[0], len(l.Lines))}, true
		}
	}
	return models.Concern{}, false
}
