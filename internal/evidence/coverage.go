package evidence

import (
	"bufio"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Coverage format names reported in Coverage.Format.
const (
	CoverageFormatSummary = "json-summary"
	CoverageFormatFileMap = "json-filemap"
	CoverageFormatLcov    = "lcov"
)

// Coverage is a normalized coverage report.
type Coverage struct {
	LinesCovered     int     `json:"lines_covered"`
	LinesTotal       int     `json:"lines_total"`
	Percentage       float64 `json:"percentage"`
	BranchesCovered  int     `json:"branches_covered"`
	BranchesTotal    int     `json:"branches_total"`
	FunctionsCovered int     `json:"functions_covered"`
	FunctionsTotal   int     `json:"functions_total"`
	Format           string  `json:"format"`
}

type counter struct {
	Total   *float64 `json:"total"`
	Covered *float64 `json:"covered"`
	Hit     *float64 `json:"hit"`
	Pct     *float64 `json:"pct"`
}

func (c counter) ok() bool {
	return c.Total != nil && (c.Covered != nil || c.Hit != nil)
}

func (c counter) covered() int {
	if c.Covered != nil {
		return int(*c.Covered)
	}
	if c.Hit != nil {
		return int(*c.Hit)
	}
	return 0
}

// ParseCoverage normalizes a coverage report. Supported shapes:
//
//   - JSON summary: {"lines": {"total": N, "covered": M}, "branches": ..., "functions": ...},
//     optionally nested under "total" (istanbul coverage-summary)
//   - JSON file map: {"path": {"lines": {"12": 1}, "branches": {"0": [1, 0]}, "functions": {"main": 3}}}
//   - lcov summary tags (LF/LH/BRF/BRH/FNF/FNH), either as a JSON string or
//     under a "report" key
//
// It returns false for anything it cannot interpret.
func ParseCoverage(raw []byte) (*Coverage, bool) {
	var text string
	if json.Unmarshal(raw, &text) == nil {
		return parseLcov(text)
	}

	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) != nil || len(obj) == 0 {
		return nil, false
	}

	if report, ok := obj["report"]; ok {
		if json.Unmarshal(report, &text) == nil {
			return parseLcov(text)
		}
	}

	if total, ok := obj["total"]; ok {
		if cov, ok := parseSummary(total); ok {
			return cov, true
		}
	}
	if cov, ok := parseSummary(raw); ok {
		return cov, true
	}
	return parseFileMap(obj)
}

func parseSummary(raw []byte) (*Coverage, bool) {
	var s struct {
		Lines     counter `json:"lines"`
		Branches  counter `json:"branches"`
		Functions counter `json:"functions"`
	}
	if json.Unmarshal(raw, &s) != nil || !s.Lines.ok() {
		return nil, false
	}
	cov := &Coverage{
		LinesCovered: s.Lines.covered(),
		LinesTotal:   int(*s.Lines.Total),
		Format:       CoverageFormatSummary,
	}
	if s.Branches.ok() {
		cov.BranchesCovered = s.Branches.covered()
		cov.BranchesTotal = int(*s.Branches.Total)
	}
	if s.Functions.ok() {
		cov.FunctionsCovered = s.Functions.covered()
		cov.FunctionsTotal = int(*s.Functions.Total)
	}
	cov.computePercentage()
	if s.Lines.Pct != nil && cov.LinesTotal == 0 {
		cov.Percentage = *s.Lines.Pct
	}
	return cov, true
}

func parseFileMap(obj map[string]json.RawMessage) (*Coverage, bool) {
	cov := &Coverage{Format: CoverageFormatFileMap}
	seen := false
	for _, fileRaw := range obj {
		var file struct {
			Lines     map[string]float64         `json:"lines"`
			Branches  map[string]json.RawMessage `json:"branches"`
			Functions map[string]float64         `json:"functions"`
		}
		if json.Unmarshal(fileRaw, &file) != nil {
			continue
		}
		if file.Lines == nil && file.Branches == nil && file.Functions == nil {
			continue
		}
		seen = true
		for _, hits := range file.Lines {
			cov.LinesTotal++
			if hits > 0 {
				cov.LinesCovered++
			}
		}
		for _, b := range file.Branches {
			var arms []float64
			if json.Unmarshal(b, &arms) == nil {
				for _, hits := range arms {
					cov.BranchesTotal++
					if hits > 0 {
						cov.BranchesCovered++
					}
				}
				continue
			}
			var hits float64
			if json.Unmarshal(b, &hits) == nil {
				cov.BranchesTotal++
				if hits > 0 {
					cov.BranchesCovered++
				}
			}
		}
		for _, hits := range file.Functions {
			cov.FunctionsTotal++
			if hits > 0 {
				cov.FunctionsCovered++
			}
		}
	}
	if !seen {
		return nil, false
	}
	cov.computePercentage()
	return cov, true
}

func parseLcov(text string) (*Coverage, bool) {
	cov := &Coverage{Format: CoverageFormatLcov}
	seen := false
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		tag, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			continue
		}
		switch tag {
		case "LF":
			cov.LinesTotal += n
			seen = true
		case "LH":
			cov.LinesCovered += n
			seen = true
		case "BRF":
			cov.BranchesTotal += n
		case "BRH":
			cov.BranchesCovered += n
		case "FNF":
			cov.FunctionsTotal += n
		case "FNH":
			cov.FunctionsCovered += n
		}
	}
	if !seen {
		return nil, false
	}
	cov.computePercentage()
	return cov, true
}

func (c *Coverage) computePercentage() {
	if c.LinesTotal <= 0 {
		c.Percentage = 0
		return
	}
	pct := float64(c.LinesCovered) / float64(c.LinesTotal) * 100
	c.Percentage = math.Round(pct*100) / 100
}
