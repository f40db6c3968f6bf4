// Package executor runs declarative HTTP and tool-call tests and captures
// the evidence each run leaves behind.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/vigil/internal/evidence"
	"github.com/ShayCichocki/vigil/internal/logging"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// maxBodyBytes bounds how much of a response body is kept as evidence.
const maxBodyBytes = 1 << 20

// DefaultTimeout bounds a single HTTP attempt.
const DefaultTimeout = 30 * time.Second

// ErrNoToolInvoker is returned when a test calls tools and the runner has
// no invoker.
var ErrNoToolInvoker = errors.New("no tool invoker configured")

// SideEffectSnapshot is the side_effect_before / side_effect_after payload.
type SideEffectSnapshot struct {
	Name       string          `json:"name"`
	Target     string          `json:"target"`
	Status     int             `json:"status,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Error      string          `json:"error,omitempty"`
	Changed    *bool           `json:"changed,omitempty"`
	CapturedAt time.Time       `json:"captured_at"`
}

// ScenarioOutcome is the error_scenario payload.
type ScenarioOutcome struct {
	Name           string          `json:"name"`
	Target         string          `json:"target"`
	ExpectedStatus int             `json:"expected_status,omitempty"`
	ActualStatus   int             `json:"actual_status,omitempty"`
	ExpectedError  string          `json:"expected_error,omitempty"`
	IsError        bool            `json:"is_error"`
	Body           json.RawMessage `json:"body,omitempty"`
	Passed         bool            `json:"passed"`
	Error          string          `json:"error,omitempty"`
}

// Runner executes the tests of a suite.
type Runner struct {
	suite   *Suite
	client  *http.Client
	tools   ToolInvoker
	backoff Backoff
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) { r.client = c }
}

// WithTimeout sets the per-attempt HTTP timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.client = &http.Client{Timeout: d}
		}
	}
}

// WithToolInvoker sets the tool invoker used by tool tests.
func WithToolInvoker(t ToolInvoker) Option {
	return func(r *Runner) { r.tools = t }
}

// WithBackoff sets the retry policy for transient failures.
func WithBackoff(b Backoff) Option {
	return func(r *Runner) { r.backoff = b }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// New creates a runner for a validated suite.
func New(suite *Suite, opts ...Option) (*Runner, error) {
	if suite == nil {
		return nil, errors.New("executor requires a suite")
	}
	if err := suite.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		suite:   suite,
		client:  &http.Client{Timeout: DefaultTimeout},
		backoff: DefaultBackoff(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger).With("component", "executor")
	return r, nil
}

// Suite returns the suite the runner executes.
func (r *Runner) Suite() *Suite {
	return r.suite
}

// run accumulates the artifacts of one execution.
type run struct {
	def       *Definition
	artifacts []models.EvidenceArtifact
	main      []evidence.NetworkRequest
	aux       []evidence.NetworkRequest
	err       error
}

func (rn *run) emit(typ models.EvidenceType, payload any) {
	if rn.err != nil {
		return
	}
	a, err := models.NewEvidence(rn.def.ID, rn.def.Epic, typ, payload)
	if err != nil {
		rn.err = err
		return
	}
	rn.artifacts = append(rn.artifacts, a)
}

// Execute runs a test once and returns its outcome with every captured
// artifact. The tier is recorded on the result. Errors are returned only
// when the test could not be attempted; a failing call is a failed test.
func (r *Runner) Execute(ctx context.Context, testID string, tier models.Tier) (*models.TestResult, []models.EvidenceArtifact, error) {
	def, err := r.suite.Get(testID)
	if err != nil {
		return nil, nil, err
	}
	if r.tools == nil && def.usesTools() {
		return nil, nil, fmt.Errorf("test %s: %w", testID, ErrNoToolInvoker)
	}

	log := r.logger.With("test_id", testID, "tier", tier)
	rn := &run{def: def}
	start := r.now()

	before := make([]*SideEffectSnapshot, len(def.SideEffects))
	for i := range def.SideEffects {
		before[i] = r.snapshot(ctx, rn, &def.SideEffects[i])
		rn.emit(models.EvidenceSideEffectBefore, before[i])
	}

	var v *Validation
	switch def.Kind {
	case KindTool:
		v = r.callTool(ctx, rn)
	default:
		v = r.callHTTP(ctx, rn)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	rn.emit(models.EvidenceValidation, v)

	for i := range def.SideEffects {
		after := r.snapshot(ctx, rn, &def.SideEffects[i])
		changed := !bytes.Equal(before[i].Body, after.Body) || before[i].Status != after.Status
		after.Changed = &changed
		rn.emit(models.EvidenceSideEffectAfter, after)
	}

	scenariosPassed := true
	for i := range def.ErrorScenarios {
		out := r.scenario(ctx, rn, &def.ErrorScenarios[i])
		scenariosPassed = scenariosPassed && out.Passed
		rn.emit(models.EvidenceErrorScenario, out)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	trace := append(rn.main, rn.aux...)
	if len(trace) > 0 {
		rn.emit(models.EvidenceNetworkTrace, evidence.NetworkTrace{Requests: trace})
	}
	elapsed := r.now().Sub(start).Milliseconds()
	requests := len(trace)
	rn.emit(models.EvidenceTestDuration, evidence.Duration{DurationMs: elapsed, NetworkRequests: &requests})
	if rn.err != nil {
		return nil, nil, fmt.Errorf("record evidence for %s: %w", testID, rn.err)
	}

	result := &models.TestResult{
		ID:          def.ID,
		EpicID:      def.Epic,
		Name:        def.Name,
		Description: def.Description,
		Type:        def.Type,
		PassFail:    models.Fail,
		DurationMs:  elapsed,
		Tier:        tier,
		ExecutedAt:  start.UTC(),
	}
	if v.Passed && scenariosPassed {
		result.PassFail = models.Pass
	}
	log.Info("test executed",
		"result", result.PassFail,
		"attempts", v.Attempts,
		"duration_ms", elapsed,
		"artifacts", len(rn.artifacts),
	)
	return result, rn.artifacts, nil
}

// callHTTP makes the main request with retries and validates the response.
func (r *Runner) callHTTP(ctx context.Context, rn *run) *Validation {
	def := rn.def
	v := &Validation{Passed: true, ExpectedStatus: def.Expect.Status}

	var last *httpCall
	attempts, err := r.backoff.do(ctx, func(int) error {
		c, err := r.send(ctx, def.Request)
		last = c
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return transient(err)
		}
		if retryableStatus(c.resp.Status) {
			return transient(fmt.Errorf("%s %s: status %d", def.Request.Method, def.Request.URL, c.resp.Status))
		}
		return nil
	})
	v.Attempts = attempts

	rn.emit(models.EvidenceHTTPRequest, last.req)
	if last.resp != nil {
		rn.emit(models.EvidenceHTTPResponse, last.resp)
		v.ActualStatus = last.resp.Status
	}
	rn.main = append(rn.main, last.entry)

	if err != nil {
		v.fail("%v", err)
		return v
	}
	switch {
	case def.Expect.Status != 0 && last.resp.Status != def.Expect.Status:
		v.fail("status %d, expected %d", last.resp.Status, def.Expect.Status)
	case def.Expect.Status == 0 && (last.resp.Status < 200 || last.resp.Status > 299):
		v.fail("status %d, expected 2xx", last.resp.Status)
	}
	checkShape(v, last.resp.Body, def.Expect.Shape)
	return v
}

// callTool makes the main tool call with retries and validates its result.
func (r *Runner) callTool(ctx context.Context, rn *run) *Validation {
	def := rn.def
	v := &Validation{Passed: true, ExpectedError: def.Expect.IsError}
	callID := uuid.New().String()
	ref := def.Tool.Ref()

	rn.emit(models.EvidenceToolCall, evidence.ToolCall{
		CallID:    callID,
		Tool:      ref,
		Arguments: marshalArgs(def.Tool.Arguments),
		CalledAt:  r.now().UTC(),
	})

	out, attempts, err := r.invoke(ctx, def.Tool)
	v.Attempts = attempts
	if err != nil {
		v.fail("%v", err)
		return v
	}
	rn.emit(models.EvidenceToolResult, evidence.ToolResult{
		CallID:     callID,
		Tool:       ref,
		Content:    out.Content,
		IsError:    out.IsError,
		ReturnedAt: r.now().UTC(),
	})

	v.ActualError = out.IsError
	if out.IsError != def.Expect.IsError {
		v.fail("tool %s is_error=%t, expected %t", ref, out.IsError, def.Expect.IsError)
	}
	checkShape(v, out.Content, def.Expect.Shape)
	return v
}

func checkShape(v *Validation, body []byte, shape map[string]string) {
	if len(shape) == 0 {
		return
	}
	v.Shape = ValidateShape(body, shape)
	for _, c := range v.Shape {
		if !c.Passed {
			v.fail("%s is %s, expected %s", c.Path, c.Actual, c.Expected)
		}
	}
}

// invoke calls a tool, retrying transport failures.
func (r *Runner) invoke(ctx context.Context, t *ToolCall) (*ToolOutput, int, error) {
	var out *ToolOutput
	attempts, err := r.backoff.do(ctx, func(int) error {
		o, err := r.tools.CallTool(ctx, t.Server, t.Name, t.Arguments)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrUnknownServer) {
				return err
			}
			return transient(err)
		}
		out = o
		return nil
	})
	return out, attempts, err
}

// snapshot reads a side effect once, without retries.
func (r *Runner) snapshot(ctx context.Context, rn *run, se *SideEffect) *SideEffectSnapshot {
	snap := &SideEffectSnapshot{Name: se.Name}
	if se.Request != nil {
		snap.Target = se.Request.Method + " " + se.Request.URL
		c, err := r.send(ctx, se.Request)
		rn.aux = append(rn.aux, c.entry)
		if err != nil {
			snap.Error = err.Error()
		} else {
			snap.Status = c.resp.Status
			snap.Body = c.resp.Body
		}
	} else {
		snap.Target = se.Tool.Ref()
		out, err := r.tools.CallTool(ctx, se.Tool.Server, se.Tool.Name, se.Tool.Arguments)
		if err != nil {
			snap.Error = err.Error()
		} else {
			snap.Body = out.Content
			snap.IsError = out.IsError
		}
	}
	snap.CapturedAt = r.now().UTC()
	return snap
}

// scenario runs an error scenario once. Expected failures are never retried.
func (r *Runner) scenario(ctx context.Context, rn *run, sc *ErrorScenario) *ScenarioOutcome {
	out := &ScenarioOutcome{Name: sc.Name, ExpectedStatus: sc.ExpectStatus, ExpectedError: sc.ExpectError}
	if sc.Request != nil {
		out.Target = sc.Request.Method + " " + sc.Request.URL
		c, err := r.send(ctx, sc.Request)
		rn.aux = append(rn.aux, c.entry)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		out.ActualStatus = c.resp.Status
		out.Body = c.resp.Body
		out.IsError = c.resp.Status >= 400
		if sc.ExpectStatus != 0 {
			out.Passed = c.resp.Status == sc.ExpectStatus
		} else {
			out.Passed = out.IsError
		}
	} else {
		out.Target = sc.Tool.Ref()
		res, err := r.tools.CallTool(ctx, sc.Tool.Server, sc.Tool.Name, sc.Tool.Arguments)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		out.Body = res.Content
		out.IsError = res.IsError
		out.Passed = res.IsError
	}
	if out.Passed && sc.ExpectError != "" {
		out.Passed = strings.Contains(strings.ToLower(string(out.Body)), strings.ToLower(sc.ExpectError))
	}
	return out
}

// httpCall is one HTTP exchange. req and entry are always set; resp is nil
// when the request failed in transport.
type httpCall struct {
	req   evidence.HTTPRequest
	resp  *evidence.HTTPResponse
	entry evidence.NetworkRequest
}

func (r *Runner) send(ctx context.Context, rq *Request) (*httpCall, error) {
	body, contentType, err := encodeBody(rq.Body)
	started := r.now()
	c := &httpCall{
		req: evidence.HTTPRequest{
			Method:  rq.Method,
			URL:     rq.URL,
			Headers: rq.Headers,
			Body:    bodyEvidence(body),
			SentAt:  started.UTC(),
		},
		entry: evidence.NetworkRequest{Method: rq.Method, URL: rq.URL, StartedAt: started.UTC()},
	}
	if err != nil {
		return c, err
	}

	req, err := http.NewRequestWithContext(ctx, rq.Method, rq.URL, bytes.NewReader(body))
	if err != nil {
		return c, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range rq.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		c.entry.DurationMs = r.now().Sub(started).Milliseconds()
		return c, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	received := r.now()
	c.entry.DurationMs = received.Sub(started).Milliseconds()
	if err != nil {
		return c, fmt.Errorf("read response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	c.entry.Status = resp.StatusCode
	c.resp = &evidence.HTTPResponse{
		Status:     resp.StatusCode,
		Headers:    headers,
		Body:       bodyEvidence(raw),
		DurationMs: c.entry.DurationMs,
		URL:        rq.URL,
		ReceivedAt: received.UTC(),
	}
	return c, nil
}

// encodeBody sends strings as-is and anything else as JSON.
func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return []byte(b), "", nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}
		return raw, "application/json", nil
	}
}

// bodyEvidence keeps JSON bodies as JSON and stores anything else as a
// JSON string.
func bodyEvidence(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	raw, _ := json.Marshal(string(body))
	return raw
}

func marshalArgs(args map[string]any) json.RawMessage {
	if len(args) == 0 {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	return raw
}

// usesTools reports whether any call of the test goes through a tool.
func (d *Definition) usesTools() bool {
	if d.Kind == KindTool {
		return true
	}
	for _, se := range d.SideEffects {
		if se.Tool != nil {
			return true
		}
	}
	for _, sc := range d.ErrorScenarios {
		if sc.Tool != nil {
			return true
		}
	}
	return false
}
