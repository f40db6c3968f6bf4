package report

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ShayCichocki/vigil/internal/detect"
	"github.com/ShayCichocki/vigil/pkg/models"
)

func sampleDetection() *detect.Result {
	flags := []models.RedFlag{
		{FlagType: "missing_evidence", Severity: models.SeverityCritical, Description: "required evidence missing: screenshot_after",
			Proof: json.RawMessage(`{"missing":["screenshot_after"]}`)},
		{FlagType: "duration_too_short", Severity: models.SeverityMedium, Description: "ran in 30ms"},
		{FlagType: "console_error", Severity: models.SeverityHigh, Description: "console shows errors"},
	}
	return &detect.Result{
		TestID:         "t1",
		EpicID:         "epic-1",
		TestName:       "login works",
		TestType:       models.TestTypeUI,
		Verdict:        models.VerdictFail,
		Summary:        models.CountFlags(flags),
		Flags:          flags,
		Recommendation: "Reject the reported pass: required evidence missing: screenshot_after",
		DetectedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDetectionMarkdownLayout(t *testing.T) {
	md := DetectionMarkdown(sampleDetection())

	order := []string{
		"# Red Flag Report: login works",
		"## Verdict: FAIL ❌",
		"Reject the reported pass",
		"| Severity | Count |",
		"### Critical",
		"#### missing_evidence",
		"```json\n{\n  \"missing\": [\n    \"screenshot_after\"\n  ]\n}\n```",
		"### High",
		"### Medium",
	}
	pos := 0
	for _, want := range order {
		i := strings.Index(md[pos:], want)
		if i < 0 {
			t.Fatalf("missing or out of order %q in:\n%s", want, md)
		}
		pos += i + len(want)
	}
	if strings.Contains(md, "### Low") {
		t.Error("empty severity group rendered")
	}
}

func TestMarkdownCountsRoundTrip(t *testing.T) {
	res := sampleDetection()
	got, err := ParseMarkdownCounts(DetectionMarkdown(res))
	if err != nil {
		t.Fatalf("ParseMarkdownCounts: %v", err)
	}
	if diff := cmp.Diff(res.Summary, got); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}

	v := &models.VerificationResult{
		TestID:          "t1",
		EpicID:          "epic-1",
		ConfidenceScore: 40,
		Recommendation:  models.RecommendReject,
		RedFlags:        models.RedFlagSummary{Counts: res.Summary},
		Factors:         []models.ConfidenceFactor{{Name: "base", Count: 1, Points: 100}, {Name: "critical_flags", Count: 1, Points: -50}},
	}
	got, err = ParseMarkdownCounts(VerificationMarkdown(v, res.Flags))
	if err != nil {
		t.Fatalf("ParseMarkdownCounts(verification): %v", err)
	}
	if diff := cmp.Diff(res.Summary, got); diff != "" {
		t.Errorf("verification counts mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMarkdownCountsWithoutTable(t *testing.T) {
	if _, err := ParseMarkdownCounts("# nothing here"); err == nil {
		t.Error("expected error")
	}
}

func TestVerificationMarkdown(t *testing.T) {
	v := &models.VerificationResult{
		TestID:          "t1",
		Verified:        true,
		ConfidenceScore: 95,
		Recommendation:  models.RecommendAccept,
		VerifierModel:   "claude-opus",
		VerifierTier:    models.TierArchitect,
		Factors:         []models.ConfidenceFactor{{Name: "base", Count: 1, Points: 100}},
		CrossValidation: models.CrossValidation{Checks: []models.CrossCheck{{Name: "request_in_trace", Matched: false, Detail: "absent"}}},
	}
	md := VerificationMarkdown(v, nil)
	for _, want := range []string{"## Verdict: VERIFIED ✅", "Confidence **95/100**", "| base | 1 | +100 |", "❌ `request_in_trace`"} {
		if !strings.Contains(md, want) {
			t.Errorf("missing %q in:\n%s", want, md)
		}
	}
}

func TestWriterFSSink(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(NewFSSink(dir))
	w.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	key, err := w.WriteDetection(context.Background(), sampleDetection())
	if err != nil {
		t.Fatalf("WriteDetection: %v", err)
	}
	if want := "epic-1/t1/redflags-20260301T120000.000Z.md"; key != want {
		t.Errorf("key = %q, want %q", key, want)
	}

	md, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key)))
	if err != nil {
		t.Fatalf("read markdown: %v", err)
	}
	counts, err := ParseMarkdownCounts(string(md))
	if err != nil || counts.Total != 3 {
		t.Errorf("stored counts = %+v, %v", counts, err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "epic-1", "t1", "redflags-20260301T120000.000Z.json"))
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	var back detect.Result
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Verdict != models.VerdictFail || len(back.Flags) != 3 {
		t.Errorf("json report = %+v", back)
	}

	v := &models.VerificationResult{TestID: "t1", EpicID: "epic-1"}
	if err := w.WriteVerification(context.Background(), v, nil); err != nil {
		t.Fatalf("WriteVerification: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "epic-1", "t1", "verification-20260301T120000.000Z.md")); err != nil {
		t.Errorf("verification report not written: %v", err)
	}
}

func TestKeySanitizesSegments(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := Key("../epic", "a/b", KindVerification, at)
	if want := "__epic/a_b/verification-20260102T030405.000Z"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
	if err := validateKey(got + ".md"); err != nil {
		t.Errorf("validateKey: %v", err)
	}
}

func TestFSSinkRejectsTraversal(t *testing.T) {
	s := NewFSSink(t.TempDir())
	for _, key := range []string{"", "../x.md", "/abs.md"} {
		err := s.Put(context.Background(), key, strings.NewReader("x"), "text/plain")
		if !errors.Is(err, ErrEmptyKey) && !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put(%q) error = %v", key, err)
		}
	}
}
