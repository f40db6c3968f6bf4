package verify

import (
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/vigil/internal/evidence"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// IntegrityReport separates corruption, which stops verification, from
// structural gaps, which lower confidence.
type IntegrityReport struct {
	// Corrupted lists artifacts whose stored bytes cannot be trusted:
	// checksum mismatches, invalid JSON, unknown types or foreign test ids.
	Corrupted []string
	// Malformed lists artifacts that are intact but missing the fields
	// their type needs to be useful.
	Malformed []string
}

// Passed reports whether no problem of either kind was found.
func (r IntegrityReport) Passed() bool {
	return len(r.Corrupted) == 0 && len(r.Malformed) == 0
}

// CheckIntegrity validates every artifact of a test.
func CheckIntegrity(testID string, artifacts []models.EvidenceArtifact) IntegrityReport {
	var r IntegrityReport
	seen := make(map[string]bool, len(artifacts))

	for _, a := range artifacts {
		label := artifactLabel(a)

		if a.TestID != testID {
			r.Corrupted = append(r.Corrupted, fmt.Sprintf("%s belongs to test %q", label, a.TestID))
			continue
		}
		if !a.Type.Valid() {
			r.Corrupted = append(r.Corrupted, fmt.Sprintf("%s has unknown type", label))
			continue
		}
		if len(a.Payload) == 0 || !json.Valid(a.Payload) {
			r.Corrupted = append(r.Corrupted, fmt.Sprintf("%s payload is not valid JSON", label))
			continue
		}
		if a.Checksum != "" && a.Checksum != models.PayloadChecksum(a.Payload) {
			r.Corrupted = append(r.Corrupted, fmt.Sprintf("%s checksum mismatch", label))
			continue
		}
		if a.ID != "" {
			if seen[a.ID] {
				r.Corrupted = append(r.Corrupted, fmt.Sprintf("%s is duplicated", label))
				continue
			}
			seen[a.ID] = true
		}

		if problem := structuralProblem(a); problem != "" {
			r.Malformed = append(r.Malformed, fmt.Sprintf("%s %s", label, problem))
		}
	}
	return r
}

// structuralProblem checks the fields a payload of each type must carry.
func structuralProblem(a models.EvidenceArtifact) string {
	switch a.Type {
	case models.EvidenceHTTPRequest:
		r, ok := evidence.ParseHTTPRequest(a)
		if !ok {
			return "is not an object"
		}
		if r.Method == "" || r.URL == "" {
			return "lacks method or url"
		}
	case models.EvidenceHTTPResponse:
		r, ok := evidence.ParseHTTPResponse(a)
		if !ok {
			return "is not an object"
		}
		if r.Status == 0 {
			return "lacks a status"
		}
	case models.EvidenceToolCall:
		if _, ok := evidence.ParseToolCall(a); !ok {
			return "lacks a tool name"
		}
	case models.EvidenceScreenshotBefore, models.EvidenceScreenshotAfter:
		s, ok := evidence.ParseScreenshot(a)
		if !ok || (s.Path == "" && s.Hash == "") {
			return "lacks a path or hash"
		}
	case models.EvidenceConsoleLog:
		if _, ok := evidence.ParseConsoleLog(a); !ok {
			return "is not a log"
		}
	case models.EvidenceCoverageBefore, models.EvidenceCoverageAfter:
		if _, ok := evidence.ParseCoverage(a.Payload); !ok {
			return "is not a recognized coverage report"
		}
	case models.EvidenceTestDuration:
		if _, ok := evidence.ParseDuration(a); !ok {
			return "is not a duration"
		}
	}
	return ""
}

func artifactLabel(a models.EvidenceArtifact) string {
	if a.ID == "" {
		return string(a.Type)
	}
	return fmt.Sprintf("%s %s", a.Type, a.ID)
}
