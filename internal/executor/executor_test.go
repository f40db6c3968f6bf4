package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ShayCichocki/vigil/internal/evidence"
	"github.com/ShayCichocki/vigil/internal/verify"
	"github.com/ShayCichocki/vigil/pkg/models"
)

var fastBackoff = Backoff{MaxRetries: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}

// itemAPI is a tiny JSON API: GET /items lists, POST /items creates.
type itemAPI struct {
	mu    sync.Mutex
	items []string
}

func (a *itemAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodGet:
		json.NewEncoder(w).Encode(map[string]any{"items": a.items, "count": len(a.items)})
	case http.MethodPost:
		var in struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"name required"}`))
			return
		}
		a.items = append(a.items, in.Name)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": len(a.items), "name": in.Name})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func itemSuite(t *testing.T, baseURL string) *Suite {
	t.Helper()
	s, err := ParseSuite([]byte(`
epic: epic-items
base_url: ` + baseURL + `
tests:
  - id: create-item
    name: create item returns the new item
    request:
      method: post
      url: /items
      body:
        name: widget
    expect:
      status: 201
      shape:
        id: number
        name: string
    side_effects:
      - name: item list
        request:
          url: /items
    error_scenarios:
      - name: missing name
        request:
          method: POST
          url: /items
          body: {}
        expect_status: 400
        expect_error: name required
  - id: bad-shape
    request:
      url: /items
    expect:
      shape:
        items.0.name: string
`))
	if err != nil {
		t.Fatalf("ParseSuite: %v", err)
	}
	return s
}

func newRunner(t *testing.T, s *Suite, opts ...Option) *Runner {
	t.Helper()
	r, err := New(s, append([]Option{WithBackoff(fastBackoff)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func types(artifacts []models.EvidenceArtifact) []models.EvidenceType {
	out := make([]models.EvidenceType, len(artifacts))
	for i, a := range artifacts {
		out[i] = a.Type
	}
	return out
}

func payload[T any](t *testing.T, artifacts []models.EvidenceArtifact, typ models.EvidenceType) T {
	t.Helper()
	var v T
	for _, a := range artifacts {
		if a.Type == typ {
			if err := json.Unmarshal(a.Payload, &v); err != nil {
				t.Fatalf("decode %s: %v", typ, err)
			}
			return v
		}
	}
	t.Fatalf("no %s artifact", typ)
	return v
}

func TestParseSuiteDefaults(t *testing.T) {
	s := itemSuite(t, "http://api.test/v1/")
	d, err := s.Get("create-item")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.Kind != KindHTTP || d.Type != models.TestTypeAPI || d.Epic != "epic-items" {
		t.Errorf("defaults = kind %s, type %s, epic %s", d.Kind, d.Type, d.Epic)
	}
	if d.Request.Method != http.MethodPost || d.Request.URL != "http://api.test/v1/items" {
		t.Errorf("request = %s %s", d.Request.Method, d.Request.URL)
	}
	if got := s.Tests[1].Name; got != "bad-shape" {
		t.Errorf("name defaults to id, got %q", got)
	}
	if _, err := s.Get("nope"); !errors.Is(err, ErrUnknownTest) {
		t.Errorf("Get(nope) error = %v", err)
	}
}

func TestParseSuiteRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", `tests: []`},
		{"no epic", `tests: [{id: a, request: {url: "http://x.test/"}}]`},
		{"relative url", `{epic: e, tests: [{id: a, request: {url: /rel}}]}`},
		{"unknown shape type", `{epic: e, tests: [{id: a, request: {url: "http://x.test/"}, expect: {shape: {a: integer}}}]}`},
		{"duplicate id", `{epic: e, tests: [{id: a, request: {url: "http://x.test/"}}, {id: a, request: {url: "http://x.test/"}}]}`},
		{"tool without name", `{epic: e, tests: [{id: a, kind: tool, tool: {server: gh}}]}`},
		{"scenario both", `{epic: e, tests: [{id: a, request: {url: "http://x.test/"}, error_scenarios: [{name: s, request: {url: "http://x.test/"}, tool: {name: t}}]}]}`},
		{"scenario success status", `{epic: e, tests: [{id: a, request: {url: "http://x.test/"}, error_scenarios: [{name: s, request: {url: "http://x.test/"}, expect_status: 200}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSuite([]byte(tt.yaml)); !errors.Is(err, models.ErrInvalidInput) {
				t.Errorf("error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestExecuteHTTPPass(t *testing.T) {
	srv := httptest.NewServer(&itemAPI{})
	defer srv.Close()
	r := newRunner(t, itemSuite(t, srv.URL))

	res, artifacts, err := r.Execute(context.Background(), "create-item", models.TierScout)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.PassFail != models.Pass || res.Tier != models.TierScout || res.EpicID != "epic-items" {
		t.Errorf("result = %+v", res)
	}

	want := []models.EvidenceType{
		models.EvidenceSideEffectBefore,
		models.EvidenceHTTPRequest,
		models.EvidenceHTTPResponse,
		models.EvidenceValidation,
		models.EvidenceSideEffectAfter,
		models.EvidenceErrorScenario,
		models.EvidenceNetworkTrace,
		models.EvidenceTestDuration,
	}
	if diff := cmp.Diff(want, types(artifacts)); diff != "" {
		t.Errorf("artifact types (-want +got):\n%s", diff)
	}
	for _, a := range artifacts {
		if a.Checksum != models.PayloadChecksum(a.Payload) {
			t.Errorf("%s not sealed", a.Type)
		}
	}

	v := payload[Validation](t, artifacts, models.EvidenceValidation)
	if !v.Passed || v.ActualStatus != 201 || v.Attempts != 1 || len(v.Shape) != 2 {
		t.Errorf("validation = %+v", v)
	}
	after := payload[SideEffectSnapshot](t, artifacts, models.EvidenceSideEffectAfter)
	if after.Changed == nil || !*after.Changed {
		t.Errorf("side effect not seen as changed: %+v", after)
	}
	sc := payload[ScenarioOutcome](t, artifacts, models.EvidenceErrorScenario)
	if !sc.Passed || sc.ActualStatus != 400 {
		t.Errorf("scenario = %+v", sc)
	}

	trace := payload[evidence.NetworkTrace](t, artifacts, models.EvidenceNetworkTrace)
	if len(trace.Requests) != 4 || trace.Requests[0].Method != http.MethodPost || trace.Requests[0].Status != 201 {
		t.Errorf("trace = %+v", trace.Requests)
	}
	dur := payload[evidence.Duration](t, artifacts, models.EvidenceTestDuration)
	if dur.NetworkRequests == nil || *dur.NetworkRequests != 4 {
		t.Errorf("duration = %+v", dur)
	}

	cv := verify.CrossValidate(artifacts)
	if cv.Mismatched != 0 || cv.Matched == 0 {
		t.Errorf("cross validation = %+v", cv)
	}
}

func TestExecuteShapeMismatchFails(t *testing.T) {
	srv := httptest.NewServer(&itemAPI{})
	defer srv.Close()
	r := newRunner(t, itemSuite(t, srv.URL))

	res, artifacts, err := r.Execute(context.Background(), "bad-shape", models.TierQuick)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.PassFail != models.Fail {
		t.Errorf("PassFail = %s, want fail", res.PassFail)
	}
	v := payload[Validation](t, artifacts, models.EvidenceValidation)
	if v.Passed || len(v.Shape) != 1 || v.Shape[0].Actual != "missing" {
		t.Errorf("validation = %+v", v)
	}
}

func TestExecuteFailingScenarioFailsTest(t *testing.T) {
	// Accepts everything, so the error scenario never sees its 400.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":1,"name":"widget"}`))
	}))
	defer srv.Close()
	r := newRunner(t, itemSuite(t, srv.URL))

	res, artifacts, err := r.Execute(context.Background(), "create-item", models.TierQuick)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.PassFail != models.Fail {
		t.Errorf("PassFail = %s, want fail", res.PassFail)
	}
	if sc := payload[ScenarioOutcome](t, artifacts, models.EvidenceErrorScenario); sc.Passed {
		t.Errorf("scenario passed: %+v", sc)
	}
}

func TestExecuteRetriesTransientStatus(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch {
		case n == 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case n == 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()

	s, err := ParseSuite([]byte(`{epic: e, tests: [{id: flaky, request: {url: "` + srv.URL + `/ping"}}]}`))
	if err != nil {
		t.Fatalf("ParseSuite: %v", err)
	}
	res, artifacts, err := newRunner(t, s).Execute(context.Background(), "flaky", models.TierQuick)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.PassFail != models.Pass {
		t.Errorf("PassFail = %s, want pass", res.PassFail)
	}
	if v := payload[Validation](t, artifacts, models.EvidenceValidation); v.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", v.Attempts)
	}
	trace := payload[evidence.NetworkTrace](t, artifacts, models.EvidenceNetworkTrace)
	if len(trace.Requests) != 1 || trace.Requests[0].Status != 200 {
		t.Errorf("trace keeps only the final attempt, got %+v", trace.Requests)
	}
}

func TestExecuteRetriesExhaustedFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s, err := ParseSuite([]byte(`{epic: e, tests: [{id: down, request: {url: "` + srv.URL + `"}}]}`))
	if err != nil {
		t.Fatalf("ParseSuite: %v", err)
	}
	res, artifacts, err := newRunner(t, s).Execute(context.Background(), "down", models.TierQuick)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.PassFail != models.Fail {
		t.Errorf("PassFail = %s, want fail", res.PassFail)
	}
	v := payload[Validation](t, artifacts, models.EvidenceValidation)
	if v.Attempts != 4 || v.ActualStatus != http.StatusBadGateway {
		t.Errorf("validation = %+v", v)
	}
	if len(v.Errors) == 0 || !strings.Contains(v.Errors[0], ErrRetriesExhausted.Error()) {
		t.Errorf("errors = %v", v.Errors)
	}
}

type issueInput struct {
	Title string `json:"title"`
}

type issueOutput struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
}

func connectIssues(t *testing.T, ctx context.Context) *MCPInvoker {
	t.Helper()
	server := sdkmcp.NewServer(&sdkmcp.Implementation{Name: "github", Version: "v0.0.1"}, nil)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "create_issue",
		Description: "Create an issue.",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, in issueInput) (*sdkmcp.CallToolResult, issueOutput, error) {
		if in.Title == "" {
			return nil, issueOutput{}, errors.New("title is required")
		}
		return nil, issueOutput{Number: 7, Title: in.Title}, nil
	})

	t1, t2 := sdkmcp.NewInMemoryTransports()
	if _, err := server.Connect(ctx, t1, nil); err != nil {
		t.Fatalf("server.Connect: %v", err)
	}
	inv := NewMCPInvoker()
	if err := inv.Connect(ctx, "github", t2); err != nil {
		t.Fatalf("invoker.Connect: %v", err)
	}
	t.Cleanup(func() { inv.Close() })
	return inv
}

const toolSuite = `
epic: epic-tools
tests:
  - id: open-issue
    description: calls github::create_issue
    tool:
      server: github
      name: create_issue
      arguments:
        title: flaky login
    expect:
      shape:
        number: number
        title: string
    error_scenarios:
      - name: empty title
        tool:
          server: github
          name: create_issue
          arguments:
            title: ""
        expect_error: title is required
`

func TestExecuteToolCall(t *testing.T) {
	ctx := context.Background()
	s, err := ParseSuite([]byte(toolSuite))
	if err != nil {
		t.Fatalf("ParseSuite: %v", err)
	}
	if d := s.Tests[0]; d.Kind != KindTool || d.Type != models.TestTypeIntegration {
		t.Fatalf("defaults = kind %s, type %s", d.Kind, d.Type)
	}
	r := newRunner(t, s, WithToolInvoker(connectIssues(t, ctx)))

	res, artifacts, err := r.Execute(ctx, "open-issue", models.TierBuilder)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.PassFail != models.Pass {
		v := payload[Validation](t, artifacts, models.EvidenceValidation)
		t.Fatalf("PassFail = %s, validation %+v", res.PassFail, v)
	}

	call := payload[evidence.ToolCall](t, artifacts, models.EvidenceToolCall)
	result := payload[evidence.ToolResult](t, artifacts, models.EvidenceToolResult)
	if call.Tool != "github::create_issue" || call.CallID == "" || result.CallID != call.CallID {
		t.Errorf("call = %+v, result = %+v", call, result)
	}
	var content issueOutput
	if err := json.Unmarshal(result.Content, &content); err != nil || content.Number != 7 {
		t.Errorf("content = %s (%v)", result.Content, err)
	}

	sc := payload[ScenarioOutcome](t, artifacts, models.EvidenceErrorScenario)
	if !sc.Passed || !sc.IsError {
		t.Errorf("scenario = %+v", sc)
	}
	if cv := verify.CrossValidate(artifacts); cv.Mismatched != 0 {
		t.Errorf("cross validation = %+v", cv)
	}
}

func TestExecuteToolWithoutInvoker(t *testing.T) {
	s, err := ParseSuite([]byte(toolSuite))
	if err != nil {
		t.Fatalf("ParseSuite: %v", err)
	}
	_, _, err = newRunner(t, s).Execute(context.Background(), "open-issue", models.TierQuick)
	if !errors.Is(err, ErrNoToolInvoker) {
		t.Errorf("error = %v, want ErrNoToolInvoker", err)
	}
}

func TestMCPInvokerUnknownServer(t *testing.T) {
	inv := connectIssues(t, context.Background())
	_, err := inv.CallTool(context.Background(), "jira", "create_issue", nil)
	if !errors.Is(err, ErrUnknownServer) {
		t.Errorf("error = %v, want ErrUnknownServer", err)
	}
	// The only session answers calls that name no server.
	out, err := inv.CallTool(context.Background(), "", "create_issue", map[string]any{"title": "x"})
	if err != nil || out.IsError {
		t.Errorf("CallTool without server = %+v, %v", out, err)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := b.Delay(i); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestValidateShape(t *testing.T) {
	body := []byte(`{"a":"x","n":1.5,"ok":true,"nil":null,"obj":{"k":[1,2]}}`)
	got := ValidateShape(body, map[string]string{
		"a":       "string",
		"n":       "number",
		"ok":      "boolean",
		"nil":     "null",
		"obj":     "object",
		"obj.k":   "array",
		"obj.k.1": "any",
		"missing": "any",
		"Ok":      "String",
	})
	failed := map[string]bool{}
	for _, c := range got {
		if !c.Passed {
			failed[c.Path] = true
		}
	}
	if diff := cmp.Diff(map[string]bool{"missing": true, "Ok": true}, failed); diff != "" {
		t.Errorf("failed paths (-want +got):\n%s", diff)
	}
}
