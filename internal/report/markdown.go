// Package report renders detection and verification results as markdown
// and JSON and stores them through a Sink.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ShayCichocki/vigil/internal/detect"
	"github.com/ShayCichocki/vigil/pkg/models"
)

var verdictSymbols = map[models.Verdict]string{
	models.VerdictPass:   "✅",
	models.VerdictReview: "⚠️",
	models.VerdictFail:   "❌",
}

var severityLabels = map[models.Severity]string{
	models.SeverityCritical: "Critical",
	models.SeverityHigh:     "High",
	models.SeverityMedium:   "Medium",
	models.SeverityLow:      "Low",
}

// DetectionMarkdown renders a red flag report.
func DetectionMarkdown(res *detect.Result) string {
	var b strings.Builder

	name := res.TestName
	if name == "" {
		name = res.TestID
	}
	fmt.Fprintf(&b, "# Red Flag Report: %s\n\n", name)
	fmt.Fprintf(&b, "- **Test:** `%s`\n", res.TestID)
	fmt.Fprintf(&b, "- **Epic:** `%s`\n", res.EpicID)
	fmt.Fprintf(&b, "- **Type:** %s\n", res.TestType)
	fmt.Fprintf(&b, "- **Detected:** %s\n\n", res.DetectedAt.UTC().Format(time.RFC3339))

	fmt.Fprintf(&b, "## Verdict: %s %s\n\n", strings.ToUpper(string(res.Verdict)), verdictSymbols[res.Verdict])
	if res.Recommendation != "" {
		fmt.Fprintf(&b, "%s\n\n", res.Recommendation)
	}

	writeCounts(&b, res.Summary)
	writeFlags(&b, res.Flags)

	if len(res.ModuleErrors) > 0 {
		b.WriteString("## Module Errors\n\n")
		for _, e := range res.ModuleErrors {
			fmt.Fprintf(&b, "- `%s`: %s\n", e.Module, e.Err)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// VerificationMarkdown renders a verification report with the flags it
// considered.
func VerificationMarkdown(v *models.VerificationResult, flags []models.RedFlag) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Verification Report: %s\n\n", v.TestID)
	fmt.Fprintf(&b, "- **Epic:** `%s`\n", v.EpicID)
	fmt.Fprintf(&b, "- **Verifier:** %s (%s)\n", v.VerifierModel, v.VerifierTier)
	fmt.Fprintf(&b, "- **Completed:** %s\n\n", v.CompletedAt.UTC().Format(time.RFC3339))

	word, symbol := "NOT VERIFIED", "❌"
	if v.Verified {
		word, symbol = "VERIFIED", "✅"
	}
	fmt.Fprintf(&b, "## Verdict: %s %s\n\n", word, symbol)
	fmt.Fprintf(&b, "Confidence **%d/100**, recommendation: **%s**.\n\n", v.ConfidenceScore, v.Recommendation)
	if v.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", v.Summary)
	}

	b.WriteString("## Confidence Factors\n\n")
	b.WriteString("| Factor | Count | Points |\n")
	b.WriteString("|--------|-------|--------|\n")
	for _, f := range v.Factors {
		fmt.Fprintf(&b, "| %s | %d | %+.0f |\n", f.Name, f.Count, f.Points)
	}
	b.WriteString("\n")

	if v.Reasoning != "" {
		fmt.Fprintf(&b, "## Reasoning\n\n%s\n\n", v.Reasoning)
	}
	if len(v.Recommendations) > 0 {
		b.WriteString("## Recommendations\n\n")
		for _, r := range v.Recommendations {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}

	if len(v.CrossValidation.Checks) > 0 {
		b.WriteString("## Cross-Validation\n\n")
		for _, c := range v.CrossValidation.Checks {
			mark := "✅"
			if !c.Matched {
				mark = "❌"
			}
			fmt.Fprintf(&b, "- %s `%s`: %s\n", mark, c.Name, c.Detail)
		}
		b.WriteString("\n")
	}
	if len(v.Skeptical.Concerns) > 0 {
		b.WriteString("## Suspicious Patterns\n\n")
		for _, c := range v.Skeptical.Concerns {
			fmt.Fprintf(&b, "- **%s** (%s): %s\n", c.Pattern, c.Severity, c.Detail)
		}
		b.WriteString("\n")
	}

	writeCounts(&b, v.RedFlags.Counts)
	writeFlags(&b, flags)
	return b.String()
}

func writeCounts(b *strings.Builder, c models.SeverityCounts) {
	b.WriteString("## Summary\n\n")
	b.WriteString("| Severity | Count |\n")
	b.WriteString("|----------|-------|\n")
	for _, s := range models.Severities {
		fmt.Fprintf(b, "| %s | %d |\n", severityLabels[s], c.Get(s))
	}
	fmt.Fprintf(b, "| **Total** | **%d** |\n\n", c.Total)
}

func writeFlags(b *strings.Builder, flags []models.RedFlag) {
	if len(flags) == 0 {
		return
	}
	b.WriteString("## Red Flags\n\n")
	for _, s := range models.Severities {
		var group []models.RedFlag
		for _, f := range flags {
			if f.Severity == s {
				group = append(group, f)
			}
		}
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(b, "### %s\n\n", severityLabels[s])
		for _, f := range group {
			fmt.Fprintf(b, "#### %s\n\n%s\n\n", f.FlagType, f.Description)
			if proof := prettyJSON(f.Proof); proof != "" {
				fmt.Fprintf(b, "```json\n%s\n```\n\n", proof)
			}
		}
	}
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return string(raw)
	}
	return out.String()
}

var countRow = regexp.MustCompile(`(?m)^\| \**(Critical|High|Medium|Low|Total)\** \| \**(\d+)\** \|$`)

// ParseMarkdownCounts reads the severity table back from a rendered report.
func ParseMarkdownCounts(md string) (models.SeverityCounts, error) {
	var c models.SeverityCounts
	rows := countRow.FindAllStringSubmatch(md, -1)
	if len(rows) == 0 {
		return c, fmt.Errorf("no severity table found")
	}
	for _, row := range rows {
		n, err := strconv.Atoi(row[2])
		if err != nil {
			return c, fmt.Errorf("parse %s count: %w", row[1], err)
		}
		switch row[1] {
		case "Critical":
			c.Critical = n
		case "High":
			c.High = n
		case "Medium":
			c.Medium = n
		case "Low":
			c.Low = n
		case "Total":
			c.Total = n
		}
	}
	return c, nil
}
