package detect

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ShayCichocki/vigil/internal/evidence"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// toolRefPattern matches namespaced tool identifiers such as github::create-issue.
var toolRefPattern = regexp.MustCompile(`([A-Za-z0-9_.-]+)::([A-Za-z0-9_.-]+)`)

// toolRef is a namespaced tool identifier.
type toolRef struct {
	Namespace string
	Name      string
}

func (r toolRef) String() string {
	if r.Namespace == "" {
		return r.Name
	}
	return r.Namespace + "::" + r.Name
}

func parseToolRef(s string) toolRef {
	s = strings.TrimSpace(s)
	if ns, name, ok := strings.Cut(s, "::"); ok {
		return toolRef{Namespace: strings.ToLower(ns), Name: strings.ToLower(name)}
	}
	return toolRef{Name: strings.ToLower(s)}
}

// matches reports whether a recorded call satisfies an expected tool. A call
// recorded without a namespace matches on the tool name alone.
func (r toolRef) matches(call toolRef) bool {
	if call.Namespace == "" || r.Namespace == "" {
		return r.Name == call.Name
	}
	return r == call
}

// related reports whether a call plausibly stands in for the expected tool:
// another tool of the same namespace, or the same tool name elsewhere.
func (r toolRef) related(call toolRef) bool {
	if r.matches(call) {
		return false
	}
	if r.Namespace != "" && r.Namespace == call.Namespace {
		return true
	}
	return r.Name == call.Name
}

// ExpectedTools extracts the namespaced tools a test refers to in its name
// and description, in order of first mention.
func ExpectedTools(test *models.TestResult) []string {
	var tools []string
	seen := make(map[string]bool)
	for _, m := range toolRefPattern.FindAllStringSubmatch(test.Text(), -1) {
		ref := parseToolRef(m[0]).String()
		if !seen[ref] {
			seen[ref] = true
			tools = append(tools, ref)
		}
	}
	return tools
}

// ToolExecutionDetector checks that the tools a test names were actually
// called and produced results.
type ToolExecutionDetector struct{}

// NewToolExecutionDetector creates the module.
func NewToolExecutionDetector() *ToolExecutionDetector {
	return &ToolExecutionDetector{}
}

// Name implements Module.
func (d *ToolExecutionDetector) Name() string { return ModuleToolExecution }

type recordedCall struct {
	evidenceID string
	call       *evidence.ToolCall
	ref        toolRef
}

// Detect implements Module.
func (d *ToolExecutionDetector) Detect(_ context.Context, epicID string, test *models.TestResult, artifacts []models.EvidenceArtifact) ([]models.RedFlag, error) {
	if !scrutinize(test) {
		return nil, nil
	}

	var (
		calls         []recordedCall
		resultsByID   = make(map[string]bool)
		resultsByTool = make(map[string]int)
	)
	for _, a := range artifacts {
		switch a.Type {
		case models.EvidenceToolCall:
			if c, ok := evidence.ParseToolCall(a); ok {
				calls = append(calls, recordedCall{evidenceID: a.ID, call: c, ref: parseToolRef(c.Tool)})
			}
		case models.EvidenceToolResult:
			if r, ok := evidence.ParseToolResult(a); ok {
				if r.CallID != "" {
					resultsByID[r.CallID] = true
				}
				if r.Tool != "" {
					resultsByTool[parseToolRef(r.Tool).String()]++
				}
			}
		}
	}

	var flags []models.RedFlag
	called := make([]string, len(calls))
	for i, c := range calls {
		called[i] = c.ref.String()
	}

	for _, name := range ExpectedTools(test) {
		expected := parseToolRef(name)
		if hasMatchingCall(expected, calls) {
			continue
		}
		if wrong, ok := relatedCall(expected, calls); ok {
			flags = append(flags, newFlag(epicID, test, wrong.evidenceID, FlagWrongToolCalled, models.SeverityCritical,
				fmt.Sprintf("expected tool %s but %s was called instead", expected, wrong.ref),
				map[string]any{"expected_tool": expected.String(), "called_tool": wrong.ref.String(), "called_tools": called}))
			continue
		}
		flags = append(flags, newFlag(epicID, test, "", FlagToolNotCalled, models.SeverityCritical,
			fmt.Sprintf("expected tool %s was never called", expected),
			map[string]any{"expected_tool": expected.String(), "called_tools": called}))
	}

	for _, c := range calls {
		if c.call.CallID != "" && resultsByID[c.call.CallID] {
			continue
		}
		key := c.ref.String()
		if resultsByTool[key] > 0 {
			resultsByTool[key]--
			continue
		}
		flags = append(flags, newFlag(epicID, test, c.evidenceID, FlagToolResultMissing, models.SeverityCritical,
			fmt.Sprintf("tool %s was called but no result was recorded", c.ref),
			map[string]any{"tool": key, "call_id": c.call.CallID, "arguments": c.call.Arguments}))
	}

	return flags, nil
}

func hasMatchingCall(expected toolRef, calls []recordedCall) bool {
	for _, c := range calls {
		if expected.matches(c.ref) {
			return true
		}
	}
	return false
}

func relatedCall(expected toolRef, calls []recordedCall) (recordedCall, bool) {
	for _, c := range calls {
		if expected.related(c.ref) {
			return c, true
		}
	}
	return recordedCall{}, false
}
