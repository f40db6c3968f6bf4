package detect

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// DefaultRequiredEvidence is the evidence a passing test of each type must carry.
var DefaultRequiredEvidence = map[models.TestType][]models.EvidenceType{
	models.TestTypeUI:  {models.EvidenceScreenshotBefore, models.EvidenceScreenshotAfter, models.EvidenceConsoleLog},
	models.TestTypeAPI: {models.EvidenceHTTPRequest, models.EvidenceHTTPResponse},
}

// DefaultErrorKeywords are case-insensitive substrings that mark a console
// line as an error.
var DefaultErrorKeywords = []string{
	"error",
	"exception",
	"fail",
	"timeout",
	"timed out",
	"uncaught",
	"unhandled",
	"refused",
	"panic",
}

// DefaultStatusPatterns match HTTP error status codes mentioned in log lines.
var DefaultStatusPatterns = []string{
	`(?i)\b(status(\s*code)?|http/\d(\.\d)?|code)[\s:=]*[45]\d{2}\b`,
	`(?i)\b[45]\d{2}\s+(bad request|unauthorized|forbidden|not found|conflict|internal server error|bad gateway|service unavailable|gateway timeout)\b`,
}

// DefaultBenignPatterns match log lines that mention error words without
// reporting one, such as test runner tallies.
var DefaultBenignPatterns = []string{
	`(?i)\b0\s+(errors?|failures?|failed|exceptions?)\b`,
	`(?i)\bno\s+(errors?|failures?|exceptions?)\b`,
}

// DefaultScreenshotMarkers flag a screenshot whose path or metadata mentions
// an error page.
var DefaultScreenshotMarkers = []string{
	"error",
	"exception",
	"failed",
	"crash",
	"500",
	"404",
}

// DefaultExpectedErrorPatterns recognize tests whose purpose is to provoke
// an error. Matching is against the test name and description.
var DefaultExpectedErrorPatterns = []string{
	`(?i)\berrors?\b`,
	`(?i)\binvalid\b`,
	`(?i)\bfail(s|ure|ing)?\b`,
	`(?i)\breject(s|ed|ion)?\b`,
	`(?i)\bunauthori[sz]ed\b`,
	`(?i)\bforbidden\b`,
	`(?i)\bnot[\s_-]?found\b`,
	`(?i)\b[45](\d{2}|xx)\b`,
	`(?i)\bnegative\b`,
}

// DefaultMinDurationMs is the shortest plausible run per test type.
var DefaultMinDurationMs = map[models.TestType]int64{
	models.TestTypeUI:          500,
	models.TestTypeAPI:         100,
	models.TestTypeIntegration: 200,
	models.TestTypeUnit:        50,
}

// DefaultMinCoverageGain is the number of covered lines a test of each type
// must add beyond. A gain at or below it is insufficient.
var DefaultMinCoverageGain = map[models.TestType]int{
	models.TestTypeUnit:        5,
	models.TestTypeIntegration: 10,
	models.TestTypeAPI:         3,
	models.TestTypeUI:          3,
}

// Policy holds the tunable heuristics used by the detection modules.
type Policy struct {
	RequiredEvidence map[models.TestType][]models.EvidenceType
	ErrorKeywords    []string
	ScreenshotMarker []string
	MinDurationMs    map[models.TestType]int64
	MinCoverageGain  map[models.TestType]int

	// HistoryLimit bounds how many timing samples form the baseline.
	HistoryLimit int
	// MinHistorySamples is the number of samples needed before comparing
	// against the baseline.
	MinHistorySamples int
	// StdDevThreshold is how many standard deviations below the mean a run
	// must be for a below-average duration to be medium rather than low.
	StdDevThreshold float64

	statusPatterns        []*regexp.Regexp
	benignPatterns        []*regexp.Regexp
	expectedErrorPatterns []*regexp.Regexp
}

// policyFile is the on-disk YAML layout. Lists replace the defaults when
// present; maps are merged key by key.
type policyFile struct {
	Detection struct {
		RequiredEvidence      map[string][]string `yaml:"required_evidence"`
		ErrorKeywords         []string            `yaml:"error_keywords"`
		StatusPatterns        []string            `yaml:"status_patterns"`
		BenignPatterns        []string            `yaml:"benign_patterns"`
		ScreenshotMarkers     []string            `yaml:"screenshot_markers"`
		ExpectedErrorPatterns []string            `yaml:"expected_error_patterns"`
		MinDurationMs         map[string]int64    `yaml:"min_duration_ms"`
		MinCoverageGain       map[string]int      `yaml:"min_coverage_gain"`
		HistoryLimit          int                 `yaml:"history_limit"`
		MinHistorySamples     int                 `yaml:"min_history_samples"`
		StdDevThreshold       float64             `yaml:"stddev_threshold"`
	} `yaml:"detection"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	p := &Policy{
		RequiredEvidence:  make(map[models.TestType][]models.EvidenceType, len(DefaultRequiredEvidence)),
		ErrorKeywords:     append([]string{}, DefaultErrorKeywords...),
		ScreenshotMarker:  append([]string{}, DefaultScreenshotMarkers...),
		MinDurationMs:     make(map[models.TestType]int64, len(DefaultMinDurationMs)),
		MinCoverageGain:   make(map[models.TestType]int, len(DefaultMinCoverageGain)),
		HistoryLimit:      50,
		MinHistorySamples: 3,
		StdDevThreshold:   2.5,
	}
	for k, v := range DefaultRequiredEvidence {
		p.RequiredEvidence[k] = append([]models.EvidenceType{}, v...)
	}
	for k, v := range DefaultMinDurationMs {
		p.MinDurationMs[k] = v
	}
	for k, v := range DefaultMinCoverageGain {
		p.MinCoverageGain[k] = v
	}
	// The defaults are known to compile.
	p.statusPatterns = mustCompileAll(DefaultStatusPatterns)
	p.benignPatterns = mustCompileAll(DefaultBenignPatterns)
	p.expectedErrorPatterns = mustCompileAll(DefaultExpectedErrorPatterns)
	return p
}

// LoadPolicy reads a YAML policy file and layers it over the defaults.
// An empty path returns the defaults.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	d := f.Detection

	for typ, kinds := range d.RequiredEvidence {
		tt := models.TestType(strings.ToLower(typ))
		if !tt.Valid() {
			return nil, fmt.Errorf("policy: unknown test type %q", typ)
		}
		required := make([]models.EvidenceType, 0, len(kinds))
		for _, k := range kinds {
			et := models.EvidenceType(k)
			if !et.Valid() {
				return nil, fmt.Errorf("policy: unknown evidence type %q", k)
			}
			required = append(required, et)
		}
		p.RequiredEvidence[tt] = required
	}
	if len(d.ErrorKeywords) > 0 {
		p.ErrorKeywords = d.ErrorKeywords
	}
	if len(d.ScreenshotMarkers) > 0 {
		p.ScreenshotMarker = d.ScreenshotMarkers
	}
	for typ, ms := range d.MinDurationMs {
		p.MinDurationMs[models.TestType(strings.ToLower(typ))] = ms
	}
	for typ, n := range d.MinCoverageGain {
		p.MinCoverageGain[models.TestType(strings.ToLower(typ))] = n
	}
	if d.HistoryLimit > 0 {
		p.HistoryLimit = d.HistoryLimit
	}
	if d.MinHistorySamples > 0 {
		p.MinHistorySamples = d.MinHistorySamples
	}
	if d.StdDevThreshold > 0 {
		p.StdDevThreshold = d.StdDevThreshold
	}

	if len(d.StatusPatterns) > 0 {
		if p.statusPatterns, err = compileAll(d.StatusPatterns); err != nil {
			return nil, err
		}
	}
	if len(d.BenignPatterns) > 0 {
		if p.benignPatterns, err = compileAll(d.BenignPatterns); err != nil {
			return nil, err
		}
	}
	if len(d.ExpectedErrorPatterns) > 0 {
		if p.expectedErrorPatterns, err = compileAll(d.ExpectedErrorPatterns); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ExpectsError reports whether the test's own name or description says it
// exercises an error path.
func (p *Policy) ExpectsError(test *models.TestResult) bool {
	text := test.Text()
	for _, re := range p.expectedErrorPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// IsErrorLine reports whether a console line reports an error. Benign
// mentions such as "0 failed" are removed before matching.
func (p *Policy) IsErrorLine(line string) bool {
	for _, re := range p.benignPatterns {
		line = re.ReplaceAllString(line, "")
	}
	lower := strings.ToLower(line)
	for _, kw := range p.ErrorKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	for _, re := range p.statusPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// Required returns the evidence types a test of the given type must carry.
func (p *Policy) Required(t models.TestType) []models.EvidenceType {
	return p.RequiredEvidence[t]
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("policy: bad pattern %q: %w", pat, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func mustCompileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		out = append(out, regexp.MustCompile(pat))
	}
	return out
}
