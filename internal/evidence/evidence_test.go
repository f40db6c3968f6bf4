package evidence

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ShayCichocki/vigil/pkg/models"
)

func artifact(t *testing.T, typ models.EvidenceType, payload string) models.EvidenceArtifact {
	t.Helper()
	return models.EvidenceArtifact{TestID: "t1", Type: typ, Payload: json.RawMessage(payload)}
}

func TestParseConsoleLog_Shapes(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []string
	}{
		{"string", `"first\nsecond\n\n"`, []string{"first", "second"}},
		{"array", `["a","b"]`, []string{"a", "b"}},
		{"lines object", `{"lines":["x"]}`, []string{"x"}},
		{"entries", `{"entries":[{"level":"error","message":"boom"}]}`, []string{"[error] boom"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, ok := ParseConsoleLog(artifact(t, models.EvidenceConsoleLog, tt.payload))
			if !ok {
				t.Fatal("ParseConsoleLog failed")
			}
			if diff := cmp.Diff(tt.want, log.Lines); diff != "" {
				t.Errorf("lines mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseConsoleLog_Malformed(t *testing.T) {
	if _, ok := ParseConsoleLog(artifact(t, models.EvidenceConsoleLog, `42`)); ok {
		t.Error("expected number payload to be rejected")
	}
}

func TestParseHTTPResponse_StatusAliases(t *testing.T) {
	for _, payload := range []string{`{"status":404}`, `{"status_code":404}`, `{"statusCode":404}`} {
		resp, ok := ParseHTTPResponse(artifact(t, models.EvidenceHTTPResponse, payload))
		if !ok {
			t.Fatalf("ParseHTTPResponse(%s) failed", payload)
		}
		if resp.Status != 404 {
			t.Errorf("ParseHTTPResponse(%s).Status = %d, want 404", payload, resp.Status)
		}
	}
}

func TestHTTPResponse_BodyText(t *testing.T) {
	resp, _ := ParseHTTPResponse(artifact(t, models.EvidenceHTTPResponse, `{"status":200,"body":"hello"}`))
	if got := resp.BodyText(); got != "hello" {
		t.Errorf("BodyText() = %q, want hello", got)
	}
	resp, _ = ParseHTTPResponse(artifact(t, models.EvidenceHTTPResponse, `{"status":200,"body":{"id":1}}`))
	if got := resp.BodyText(); got != `{"id":1}` {
		t.Errorf("BodyText() = %q", got)
	}
}

func TestParseToolCall_NameAliases(t *testing.T) {
	call, ok := ParseToolCall(artifact(t, models.EvidenceToolCall, `{"name":"fs::read_file","call_id":"c1"}`))
	if !ok || call.Tool != "fs::read_file" || call.CallID != "c1" {
		t.Errorf("ParseToolCall = %+v, %v", call, ok)
	}
	if _, ok := ParseToolCall(artifact(t, models.EvidenceToolCall, `{"call_id":"c1"}`)); ok {
		t.Error("tool call without a name should be rejected")
	}
}

func TestParseScreenshot_BareString(t *testing.T) {
	s, ok := ParseScreenshot(artifact(t, models.EvidenceScreenshotAfter, `"shots/after.png"`))
	if !ok || s.Path != "shots/after.png" {
		t.Errorf("ParseScreenshot = %+v, %v", s, ok)
	}
}

func TestParseDuration_Number(t *testing.T) {
	d, ok := ParseDuration(artifact(t, models.EvidenceTestDuration, `30`))
	if !ok || d.DurationMs != 30 {
		t.Errorf("ParseDuration = %+v, %v", d, ok)
	}
}

func TestParseCoverage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Coverage
	}{
		{
			name: "flat summary",
			raw:  `{"lines":{"total":100,"covered":80},"functions":{"total":10,"covered":9}}`,
			want: Coverage{LinesCovered: 80, LinesTotal: 100, Percentage: 80, FunctionsCovered: 9, FunctionsTotal: 10, Format: CoverageFormatSummary},
		},
		{
			name: "istanbul total",
			raw:  `{"total":{"lines":{"total":200,"covered":50,"pct":25},"branches":{"total":4,"covered":2}}}`,
			want: Coverage{LinesCovered: 50, LinesTotal: 200, Percentage: 25, BranchesCovered: 2, BranchesTotal: 4, Format: CoverageFormatSummary},
		},
		{
			name: "file map",
			raw:  `{"a.go":{"lines":{"1":1,"2":0,"3":4},"branches":{"0":[1,0]},"functions":{"f":1}}}`,
			want: Coverage{LinesCovered: 2, LinesTotal: 3, Percentage: 66.67, BranchesCovered: 1, BranchesTotal: 2, FunctionsCovered: 1, FunctionsTotal: 1, Format: CoverageFormatFileMap},
		},
		{
			name: "lcov string",
			raw:  `"TN:\nSF:a.go\nLF:10\nLH:5\nend_of_record\nSF:b.go\nLF:10\nLH:5\nend_of_record"`,
			want: Coverage{LinesCovered: 10, LinesTotal: 20, Percentage: 50, Format: CoverageFormatLcov},
		},
		{
			name: "lcov under report",
			raw:  `{"format":"lcov","report":"LF:4\nLH:4\nFNF:1\nFNH:1"}`,
			want: Coverage{LinesCovered: 4, LinesTotal: 4, Percentage: 100, FunctionsCovered: 1, FunctionsTotal: 1, Format: CoverageFormatLcov},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseCoverage([]byte(tt.raw))
			if !ok {
				t.Fatal("ParseCoverage failed")
			}
			if diff := cmp.Diff(tt.want, *got); diff != "" {
				t.Errorf("coverage mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseCoverage_Malformed(t *testing.T) {
	for _, raw := range []string{`{}`, `[]`, `"no tags here"`, `{"x":1}`, `not json`} {
		if cov, ok := ParseCoverage([]byte(raw)); ok {
			t.Errorf("ParseCoverage(%s) = %+v, want failure", raw, cov)
		}
	}
}
