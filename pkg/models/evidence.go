package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EvidenceType tags the payload variant of an evidence artifact.
type EvidenceType string

const (
	EvidenceScreenshotBefore EvidenceType = "screenshot_before"
	EvidenceScreenshotAfter  EvidenceType = "screenshot_after"
	EvidenceConsoleLog       EvidenceType = "console_log"
	EvidenceNetworkTrace     EvidenceType = "network_trace"
	EvidenceHTTPRequest      EvidenceType = "http_request"
	EvidenceHTTPResponse     EvidenceType = "http_response"
	EvidenceDOMSnapshot      EvidenceType = "dom_snapshot"
	EvidenceCoverageBefore   EvidenceType = "coverage_before"
	EvidenceCoverageAfter    EvidenceType = "coverage_after"
	EvidenceTestDuration     EvidenceType = "test_duration"
	EvidenceToolCall         EvidenceType = "mcp_tool_call"
	EvidenceToolResult       EvidenceType = "tool_result"
	EvidenceSideEffectBefore EvidenceType = "side_effect_before"
	EvidenceSideEffectAfter  EvidenceType = "side_effect_after"
	EvidenceValidation       EvidenceType = "validation_result"
	EvidenceErrorScenario    EvidenceType = "error_scenario"
)

var knownEvidenceTypes = map[EvidenceType]bool{
	EvidenceScreenshotBefore: true,
	EvidenceScreenshotAfter:  true,
	EvidenceConsoleLog:       true,
	EvidenceNetworkTrace:     true,
	EvidenceHTTPRequest:      true,
	EvidenceHTTPResponse:     true,
	EvidenceDOMSnapshot:      true,
	EvidenceCoverageBefore:   true,
	EvidenceCoverageAfter:    true,
	EvidenceTestDuration:     true,
	EvidenceToolCall:         true,
	EvidenceToolResult:       true,
	EvidenceSideEffectBefore: true,
	EvidenceSideEffectAfter:  true,
	EvidenceValidation:       true,
	EvidenceErrorScenario:    true,
}

// Valid returns true if the evidence type is a known value.
func (t EvidenceType) Valid() bool {
	return knownEvidenceTypes[t]
}

// EvidenceArtifact is one captured byproduct of a test execution.
// It is immutable once written.
type EvidenceArtifact struct {
	ID         string          `json:"id"`
	TestID     string          `json:"test_id"`
	EpicID     string          `json:"epic_id"`
	Type       EvidenceType    `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Checksum   string          `json:"checksum,omitempty"`
	CapturedAt time.Time       `json:"captured_at"`
}

// PayloadChecksum returns the hex sha256 of a payload.
func PayloadChecksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Seal sets the checksum from the current payload.
func (e *EvidenceArtifact) Seal() {
	e.Checksum = PayloadChecksum(e.Payload)
}

// Validate checks that the artifact can be persisted.
func (e *EvidenceArtifact) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil evidence", ErrInvalidInput)
	}
	if strings.TrimSpace(e.TestID) == "" {
		return fmt.Errorf("%w: evidence test id is required", ErrInvalidInput)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown evidence type %q", ErrInvalidInput, e.Type)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: evidence %s has empty payload", ErrInvalidInput, e.Type)
	}
	if !json.Valid(e.Payload) {
		return fmt.Errorf("%w: evidence %s payload is not valid JSON", ErrInvalidInput, e.Type)
	}
	return nil
}

// NewEvidence builds an artifact from any JSON-marshalable payload.
func NewEvidence(testID, epicID string, typ EvidenceType, payload any) (EvidenceArtifact, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return EvidenceArtifact{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	e := EvidenceArtifact{
		TestID:     testID,
		EpicID:     epicID,
		Type:       typ,
		Payload:    raw,
		CapturedAt: time.Now().UTC(),
	}
	e.Seal()
	return e, nil
}

// IndexEvidence groups artifacts by type, preserving input order within a type.
func IndexEvidence(evidence []EvidenceArtifact) map[EvidenceType][]EvidenceArtifact {
	idx := make(map[EvidenceType][]EvidenceArtifact, len(evidence))
	for _, e := range evidence {
		idx[e.Type] = append(idx[e.Type], e)
	}
	return idx
}
