package models

import (
	"errors"
	"testing"
	"time"
)

func TestVerdictFor(t *testing.T) {
	tests := []struct {
		name   string
		counts SeverityCounts
		want   Verdict
	}{
		{"no flags", SeverityCounts{}, VerdictPass},
		{"low and medium only", SeverityCounts{Medium: 2, Low: 1, Total: 3}, VerdictPass},
		{"one high", SeverityCounts{High: 1, Total: 1}, VerdictReview},
		{"critical wins over high", SeverityCounts{Critical: 1, High: 3, Total: 4}, VerdictFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerdictFor(tt.counts); got != tt.want {
				t.Errorf("VerdictFor(%+v) = %q, want %q", tt.counts, got, tt.want)
			}
		})
	}
}

func TestSeverity_Ordering(t *testing.T) {
	for i := 1; i < len(Severities); i++ {
		if Severities[i-1].Rank() <= Severities[i].Rank() {
			t.Errorf("%q should outrank %q", Severities[i-1], Severities[i])
		}
	}
	if Severity("bogus").Valid() {
		t.Error("unknown severity should be invalid")
	}
}

func TestCountFlags(t *testing.T) {
	flags := []RedFlag{
		{Severity: SeverityCritical},
		{Severity: SeverityHigh},
		{Severity: SeverityHigh},
		{Severity: SeverityLow},
		{Severity: Severity("bogus")},
	}
	c := CountFlags(flags)
	want := SeverityCounts{Critical: 1, High: 2, Low: 1, Total: 4}
	if c != want {
		t.Errorf("CountFlags() = %+v, want %+v", c, want)
	}
}

func TestTestResult_Validate(t *testing.T) {
	valid := TestResult{
		ID: "t1", EpicID: "e1", Name: "login", Type: TestTypeUI,
		PassFail: Pass, ExecutedAt: time.Now(),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid result rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(r *TestResult)
	}{
		{"missing id", func(r *TestResult) { r.ID = "" }},
		{"missing epic", func(r *TestResult) { r.EpicID = " " }},
		{"bad type", func(r *TestResult) { r.Type = "e2e" }},
		{"bad outcome", func(r *TestResult) { r.PassFail = "skipped" }},
		{"bad tier", func(r *TestResult) { r.Tier = "ultra" }},
		{"negative duration", func(r *TestResult) { r.DurationMs = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			err := r.Validate()
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Validate() = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestEvidenceArtifact_Validate(t *testing.T) {
	e, err := NewEvidence("t1", "e1", EvidenceHTTPResponse, map[string]int{"status": 200})
	if err != nil {
		t.Fatalf("NewEvidence: %v", err)
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if e.Checksum != PayloadChecksum(e.Payload) {
		t.Error("NewEvidence did not seal the payload")
	}

	bad := e
	bad.Payload = []byte("{not json")
	if err := bad.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("invalid JSON accepted: %v", err)
	}

	bad = e
	bad.Type = "photo"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown type accepted: %v", err)
	}
}
