package verify

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/vigil/internal/evidence"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// CrossValidate compares evidence sources pairwise. Only pairs where both
// sides are present produce a check.
func CrossValidate(artifacts []models.EvidenceArtifact) models.CrossValidation {
	idx := models.IndexEvidence(artifacts)
	var checks []models.CrossCheck

	req := firstParsed(idx[models.EvidenceHTTPRequest], evidence.ParseHTTPRequest)
	resp := firstParsed(idx[models.EvidenceHTTPResponse], evidence.ParseHTTPResponse)
	trace := mergedTrace(idx[models.EvidenceNetworkTrace])
	dur := firstParsed(idx[models.EvidenceTestDuration], evidence.ParseDuration)

	if req != nil && trace != nil {
		entry := findRequest(trace, req.Method, req.URL)
		c := models.CrossCheck{Name: "request_in_trace", Left: models.EvidenceHTTPRequest, Right: models.EvidenceNetworkTrace, Matched: entry != nil}
		if entry != nil {
			c.Detail = fmt.Sprintf("%s %s found in network trace", req.Method, req.URL)
		} else {
			c.Detail = fmt.Sprintf("%s %s absent from network trace of %d request(s)", req.Method, req.URL, len(trace.Requests))
		}
		checks = append(checks, c)

		if resp != nil && entry != nil && entry.Status != 0 {
			checks = append(checks, models.CrossCheck{
				Name:    "response_status_in_trace",
				Left:    models.EvidenceHTTPResponse,
				Right:   models.EvidenceNetworkTrace,
				Matched: entry.Status == resp.Status,
				Detail:  fmt.Sprintf("response status %d, trace status %d", resp.Status, entry.Status),
			})
		}
	}

	if req != nil && resp != nil {
		if resp.URL != "" {
			checks = append(checks, models.CrossCheck{
				Name:    "request_response_url",
				Left:    models.EvidenceHTTPRequest,
				Right:   models.EvidenceHTTPResponse,
				Matched: sameURL(req.URL, resp.URL),
				Detail:  fmt.Sprintf("request %s, response %s", req.URL, resp.URL),
			})
		}
		if !req.SentAt.IsZero() && !resp.ReceivedAt.IsZero() {
			checks = append(checks, models.CrossCheck{
				Name:    "request_response_order",
				Left:    models.EvidenceHTTPRequest,
				Right:   models.EvidenceHTTPResponse,
				Matched: !resp.ReceivedAt.Before(req.SentAt),
				Detail:  fmt.Sprintf("sent %s, received %s", req.SentAt.Format("15:04:05.000"), resp.ReceivedAt.Format("15:04:05.000")),
			})
		}
	}

	before := idx[models.EvidenceScreenshotBefore]
	after := idx[models.EvidenceScreenshotAfter]
	if len(before) > 0 && len(after) > 0 {
		b, a := before[0].CapturedAt, after[0].CapturedAt
		if !b.IsZero() && !a.IsZero() {
			checks = append(checks, models.CrossCheck{
				Name:    "screenshot_order",
				Left:    models.EvidenceScreenshotBefore,
				Right:   models.EvidenceScreenshotAfter,
				Matched: !a.Before(b),
				Detail:  fmt.Sprintf("before captured %s, after captured %s", b.Format("15:04:05.000"), a.Format("15:04:05.000")),
			})
		}
	}

	if dur != nil && trace != nil && len(trace.Requests) > 0 {
		var longest int64
		for _, r := range trace.Requests {
			if r.DurationMs > longest {
				longest = r.DurationMs
			}
		}
		checks = append(checks, models.CrossCheck{
			Name:    "duration_covers_trace",
			Left:    models.EvidenceTestDuration,
			Right:   models.EvidenceNetworkTrace,
			Matched: longest <= dur.DurationMs,
			Detail:  fmt.Sprintf("test took %dms, longest request %dms", dur.DurationMs, longest),
		})
		if dur.NetworkRequests != nil {
			checks = append(checks, models.CrossCheck{
				Name:    "request_count",
				Left:    models.EvidenceTestDuration,
				Right:   models.EvidenceNetworkTrace,
				Matched: *dur.NetworkRequests == len(trace.Requests),
				Detail:  fmt.Sprintf("duration record counts %d request(s), trace has %d", *dur.NetworkRequests, len(trace.Requests)),
			})
		}
	}

	if calls := idx[models.EvidenceToolCall]; len(calls) > 0 {
		checks = append(checks, toolChecks(calls, idx[models.EvidenceToolResult])...)
	}

	cv := models.CrossValidation{Checks: checks}
	for _, c := range checks {
		if c.Matched {
			cv.Matched++
		} else {
			cv.Mismatched++
		}
	}
	return cv
}

// toolChecks verifies that results answering a call id name the same tool.
func toolChecks(calls, results []models.EvidenceArtifact) []models.CrossCheck {
	byID := make(map[string]*evidence.ToolResult)
	for _, a := range results {
		if r, ok := evidence.ParseToolResult(a); ok && r.CallID != "" {
			byID[r.CallID] = r
		}
	}
	var checks []models.CrossCheck
	for _, a := range calls {
		c, ok := evidence.ParseToolCall(a)
		if !ok || c.CallID == "" {
			continue
		}
		r, ok := byID[c.CallID]
		if !ok || r.Tool == "" {
			continue
		}
		checks = append(checks, models.CrossCheck{
			Name:    "tool_result_matches_call",
			Left:    models.EvidenceToolCall,
			Right:   models.EvidenceToolResult,
			Matched: strings.EqualFold(r.Tool, c.Tool),
			Detail:  fmt.Sprintf("call %s to %s answered by %s", c.CallID, c.Tool, r.Tool),
		})
	}
	return checks
}

func firstParsed[T any](artifacts []models.EvidenceArtifact, parse func(models.EvidenceArtifact) (*T, bool)) *T {
	for _, a := range artifacts {
		if v, ok := parse(a); ok {
			return v
		}
	}
	return nil
}

func mergedTrace(artifacts []models.EvidenceArtifact) *evidence.NetworkTrace {
	var (
		merged evidence.NetworkTrace
		found  bool
	)
	for _, a := range artifacts {
		if t, ok := evidence.ParseNetworkTrace(a); ok {
			merged.Requests = append(merged.Requests, t.Requests...)
			found = true
		}
	}
	if !found {
		return nil
	}
	return &merged
}

func findRequest(trace *evidence.NetworkTrace, method, url string) *evidence.NetworkRequest {
	for i, r := range trace.Requests {
		if sameURL(r.URL, url) && (r.Method == "" || method == "" || strings.EqualFold(r.Method, method)) {
			return &trace.Requests[i]
		}
	}
	return nil
}

func sameURL(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}
