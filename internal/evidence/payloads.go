// Package evidence decodes the typed payloads carried by evidence artifacts.
//
// Every parser is tolerant: it returns (value, true) for a payload it
// understands and (nil, false) for anything malformed. Callers treat a failed
// parse as "no evidence of that kind" instead of an error, so a corrupt log
// never crashes detection.
package evidence

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// Screenshot is the metadata recorded for a screenshot. Image content is
// never inspected.
type Screenshot struct {
	Path       string         `json:"path"`
	Hash       string         `json:"hash,omitempty"`
	Width      int            `json:"width,omitempty"`
	Height     int            `json:"height,omitempty"`
	Title      string         `json:"title,omitempty"`
	Text       string         `json:"text,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CapturedAt time.Time      `json:"captured_at,omitempty"`
}

// Searchable returns every textual field joined for keyword scanning.
func (s *Screenshot) Searchable() string {
	parts := []string{s.Path, s.Title, s.Text}
	for k, v := range s.Metadata {
		parts = append(parts, k)
		if str, ok := v.(string); ok {
			parts = append(parts, str)
		}
	}
	return strings.Join(parts, " ")
}

// ConsoleLog is a captured console/stdout log.
type ConsoleLog struct {
	Lines []string
}

// NetworkRequest is a single entry of a network trace.
type NetworkRequest struct {
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// NetworkTrace is the list of requests observed during a test.
type NetworkTrace struct {
	Requests []NetworkRequest `json:"requests"`
}

// HTTPRequest is the request logged by an API test.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	SentAt  time.Time         `json:"sent_at,omitempty"`
}

// HTTPResponse is the response logged by an API test.
type HTTPResponse struct {
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
	URL        string            `json:"url,omitempty"`
	ReceivedAt time.Time         `json:"received_at,omitempty"`
}

// BodyText returns the body as text, unquoting JSON strings.
func (r *HTTPResponse) BodyText() string {
	return rawText(r.Body)
}

// DOMSnapshot is a captured DOM state.
type DOMSnapshot struct {
	HTML             string   `json:"html,omitempty"`
	Elements         []string `json:"elements,omitempty"`
	ExpectedElements []string `json:"expected_elements,omitempty"`
	Mutations        int      `json:"mutations,omitempty"`
}

// Contains reports whether the snapshot includes an element selector or
// fragment, either in the element list or the raw HTML.
func (d *DOMSnapshot) Contains(element string) bool {
	for _, el := range d.Elements {
		if el == element {
			return true
		}
	}
	return element != "" && strings.Contains(d.HTML, element)
}

// Duration is the timing record of a test run.
type Duration struct {
	DurationMs      int64 `json:"duration_ms"`
	NetworkRequests *int  `json:"network_requests,omitempty"`
	DOMMutations    *int  `json:"dom_mutations,omitempty"`
}

// ToolCall is a recorded tool invocation.
type ToolCall struct {
	CallID    string          `json:"call_id,omitempty"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	CalledAt  time.Time       `json:"called_at,omitempty"`
}

// ToolResult is the recorded result of a tool invocation.
type ToolResult struct {
	CallID     string          `json:"call_id,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	ReturnedAt time.Time       `json:"returned_at,omitempty"`
}

// ParseScreenshot decodes a screenshot payload.
func ParseScreenshot(a models.EvidenceArtifact) (*Screenshot, bool) {
	var s Screenshot
	if !decodeObject(a.Payload, &s) {
		// A bare string is treated as the file path.
		var path string
		if json.Unmarshal(a.Payload, &path) != nil || path == "" {
			return nil, false
		}
		s.Path = path
	}
	return &s, true
}

// ParseConsoleLog accepts {"lines": [...]}, {"entries": [{"level","message"}]},
// a JSON array of strings, or a single string split on newlines.
func ParseConsoleLog(a models.EvidenceArtifact) (*ConsoleLog, bool) {
	var text string
	if json.Unmarshal(a.Payload, &text) == nil {
		return &ConsoleLog{Lines: splitLines(text)}, true
	}

	var arr []string
	if json.Unmarshal(a.Payload, &arr) == nil {
		return &ConsoleLog{Lines: arr}, true
	}

	var obj struct {
		Lines   []string `json:"lines"`
		Text    string   `json:"text"`
		Entries []struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		} `json:"entries"`
	}
	if !decodeObject(a.Payload, &obj) {
		return nil, false
	}

	log := &ConsoleLog{Lines: append([]string(nil), obj.Lines...)}
	log.Lines = append(log.Lines, splitLines(obj.Text)...)
	for _, e := range obj.Entries {
		line := e.Message
		if e.Level != "" {
			line = "[" + e.Level + "] " + e.Message
		}
		log.Lines = append(log.Lines, line)
	}
	return log, true
}

// ParseNetworkTrace accepts {"requests": [...]} or a bare array.
func ParseNetworkTrace(a models.EvidenceArtifact) (*NetworkTrace, bool) {
	var arr []NetworkRequest
	if json.Unmarshal(a.Payload, &arr) == nil {
		return &NetworkTrace{Requests: arr}, true
	}
	var t NetworkTrace
	if !decodeObject(a.Payload, &t) {
		return nil, false
	}
	return &t, true
}

// ParseHTTPRequest decodes a logged request.
func ParseHTTPRequest(a models.EvidenceArtifact) (*HTTPRequest, bool) {
	var r HTTPRequest
	if !decodeObject(a.Payload, &r) {
		return nil, false
	}
	r.Method = strings.ToUpper(r.Method)
	return &r, true
}

// ParseHTTPResponse decodes a logged response. The status may be named
// status, status_code or statusCode.
func ParseHTTPResponse(a models.EvidenceArtifact) (*HTTPResponse, bool) {
	var r struct {
		HTTPResponse
		StatusCode      int `json:"status_code"`
		StatusCodeCamel int `json:"statusCode"`
	}
	if !decodeObject(a.Payload, &r) {
		return nil, false
	}
	resp := r.HTTPResponse
	if resp.Status == 0 {
		resp.Status = r.StatusCode
	}
	if resp.Status == 0 {
		resp.Status = r.StatusCodeCamel
	}
	return &resp, true
}

// ParseDOMSnapshot decodes a DOM snapshot. A bare string is taken as HTML.
func ParseDOMSnapshot(a models.EvidenceArtifact) (*DOMSnapshot, bool) {
	var html string
	if json.Unmarshal(a.Payload, &html) == nil {
		return &DOMSnapshot{HTML: html}, true
	}
	var d DOMSnapshot
	if !decodeObject(a.Payload, &d) {
		return nil, false
	}
	return &d, true
}

// ParseDuration decodes a test_duration payload. A bare number is taken
// as milliseconds.
func ParseDuration(a models.EvidenceArtifact) (*Duration, bool) {
	var ms float64
	if json.Unmarshal(a.Payload, &ms) == nil {
		return &Duration{DurationMs: int64(ms)}, true
	}
	var d Duration
	if !decodeObject(a.Payload, &d) {
		return nil, false
	}
	return &d, true
}

// ParseToolCall decodes an mcp_tool_call payload. The tool name may be
// carried as tool, name or tool_name.
func ParseToolCall(a models.EvidenceArtifact) (*ToolCall, bool) {
	var c struct {
		ToolCall
		Name     string `json:"name"`
		ToolName string `json:"tool_name"`
	}
	if !decodeObject(a.Payload, &c) {
		return nil, false
	}
	call := c.ToolCall
	if call.Tool == "" {
		call.Tool = c.Name
	}
	if call.Tool == "" {
		call.Tool = c.ToolName
	}
	if call.Tool == "" {
		return nil, false
	}
	return &call, true
}

// ParseToolResult decodes a tool_result payload.
func ParseToolResult(a models.EvidenceArtifact) (*ToolResult, bool) {
	var r ToolResult
	if !decodeObject(a.Payload, &r) {
		return nil, false
	}
	return &r, true
}

// decodeObject unmarshals only JSON objects into v.
func decodeObject(raw []byte, v any) bool {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimRight(l, "\r"); strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
