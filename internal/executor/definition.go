package executor

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// ErrUnknownTest is returned when a suite has no definition for a test id.
var ErrUnknownTest = errors.New("unknown test")

// Kind selects how a test's main call is made.
type Kind string

const (
	// KindHTTP tests make an HTTP request.
	KindHTTP Kind = "http"
	// KindTool tests call a tool on an MCP server.
	KindTool Kind = "tool"
)

// shapeTypes are the JSON types a shape entry may expect.
var shapeTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
	"object":  true,
	"array":   true,
	"null":    true,
	"any":     true,
}

// Request is an HTTP call.
type Request struct {
	Method  string            `yaml:"method"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Body    any               `yaml:"body"`
}

// ToolCall is a call to a tool exposed by an MCP server.
type ToolCall struct {
	Server    string         `yaml:"server"`
	Name      string         `yaml:"name"`
	Arguments map[string]any `yaml:"arguments"`
}

// Ref returns the namespaced tool name, server::name.
func (c *ToolCall) Ref() string {
	if c.Server == "" {
		return c.Name
	}
	return c.Server + "::" + c.Name
}

// Expect is what a successful main call looks like. Shape maps gjson paths
// to the JSON type expected at that path.
type Expect struct {
	Status  int               `yaml:"status"`
	Shape   map[string]string `yaml:"shape"`
	IsError bool              `yaml:"is_error"`
}

// SideEffect is a read of some state the test is expected to change. It is
// captured before and after the main call.
type SideEffect struct {
	Name    string    `yaml:"name"`
	Request *Request  `yaml:"request"`
	Tool    *ToolCall `yaml:"tool"`
}

// ErrorScenario is a call that must fail. An HTTP scenario fails with
// ExpectStatus, or any 4xx/5xx when unset; a tool scenario must report an
// error. ExpectError, when set, must appear in the error body.
type ErrorScenario struct {
	Name         string    `yaml:"name"`
	Request      *Request  `yaml:"request"`
	Tool         *ToolCall `yaml:"tool"`
	ExpectStatus int       `yaml:"expect_status"`
	ExpectError  string    `yaml:"expect_error"`
}

// Definition describes one executable test.
type Definition struct {
	ID             string          `yaml:"id"`
	Epic           string          `yaml:"epic"`
	Name           string          `yaml:"name"`
	Description    string          `yaml:"description"`
	Type           models.TestType `yaml:"type"`
	Kind           Kind            `yaml:"kind"`
	Request        *Request        `yaml:"request"`
	Tool           *ToolCall       `yaml:"tool"`
	Expect         Expect          `yaml:"expect"`
	SideEffects    []SideEffect    `yaml:"side_effects"`
	ErrorScenarios []ErrorScenario `yaml:"error_scenarios"`
}

// Suite is a file of test definitions.
type Suite struct {
	Epic    string       `yaml:"epic"`
	BaseURL string       `yaml:"base_url"`
	Tests   []Definition `yaml:"tests"`
}

// LoadSuite reads and validates a YAML suite.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite: %w", err)
	}
	s, err := ParseSuite(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseSuite decodes a YAML suite, fills defaults and validates it.
func ParseSuite(data []byte) (*Suite, error) {
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse suite: %w", err)
	}
	s.normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Suite) normalize() {
	for i := range s.Tests {
		d := &s.Tests[i]
		if d.Epic == "" {
			d.Epic = s.Epic
		}
		if d.Name == "" {
			d.Name = d.ID
		}
		if d.Kind == "" {
			if d.Tool != nil && d.Request == nil {
				d.Kind = KindTool
			} else {
				d.Kind = KindHTTP
			}
		}
		if d.Type == "" {
			d.Type = models.TestTypeAPI
			if d.Kind == KindTool {
				d.Type = models.TestTypeIntegration
			}
		}
		d.Type = models.TestType(strings.ToLower(string(d.Type)))

		s.normalizeRequest(d.Request)
		for j := range d.SideEffects {
			s.normalizeRequest(d.SideEffects[j].Request)
		}
		for j := range d.ErrorScenarios {
			s.normalizeRequest(d.ErrorScenarios[j].Request)
		}
	}
}

// normalizeRequest upper-cases the method and resolves relative URLs
// against the suite base URL.
func (s *Suite) normalizeRequest(r *Request) {
	if r == nil {
		return
	}
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	if s.BaseURL == "" || strings.Contains(r.URL, "://") {
		return
	}
	r.URL = strings.TrimRight(s.BaseURL, "/") + "/" + strings.TrimLeft(r.URL, "/")
}

// Validate checks every definition.
func (s *Suite) Validate() error {
	if len(s.Tests) == 0 {
		return fmt.Errorf("%w: suite has no tests", models.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(s.Tests))
	for i := range s.Tests {
		d := &s.Tests[i]
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.ID] {
			return fmt.Errorf("%w: duplicate test id %q", models.ErrInvalidInput, d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

// Get returns the definition of a test.
func (s *Suite) Get(testID string) (*Definition, error) {
	for i := range s.Tests {
		if s.Tests[i].ID == testID {
			return &s.Tests[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTest, testID)
}

// Validate checks that a definition can be executed.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: test id is required", models.ErrInvalidInput)
	}
	if strings.TrimSpace(d.Epic) == "" {
		return fmt.Errorf("%w: test %s has no epic", models.ErrInvalidInput, d.ID)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: test %s has unknown type %q", models.ErrInvalidInput, d.ID, d.Type)
	}

	switch d.Kind {
	case KindHTTP:
		if err := validateRequest(d.Request); err != nil {
			return fmt.Errorf("test %s: %w", d.ID, err)
		}
	case KindTool:
		if err := validateTool(d.Tool); err != nil {
			return fmt.Errorf("test %s: %w", d.ID, err)
		}
	default:
		return fmt.Errorf("%w: test %s has unknown kind %q", models.ErrInvalidInput, d.ID, d.Kind)
	}

	for path, typ := range d.Expect.Shape {
		if !shapeTypes[strings.ToLower(typ)] {
			return fmt.Errorf("%w: test %s shape %s has unknown type %q", models.ErrInvalidInput, d.ID, path, typ)
		}
	}

	for _, se := range d.SideEffects {
		if err := validateCall(se.Request, se.Tool); err != nil {
			return fmt.Errorf("test %s side effect %q: %w", d.ID, se.Name, err)
		}
	}
	for _, sc := range d.ErrorScenarios {
		if err := validateCall(sc.Request, sc.Tool); err != nil {
			return fmt.Errorf("test %s error scenario %q: %w", d.ID, sc.Name, err)
		}
		if sc.Request != nil && sc.ExpectStatus != 0 && sc.ExpectStatus < 400 {
			return fmt.Errorf("%w: test %s error scenario %q expects non-error status %d", models.ErrInvalidInput, d.ID, sc.Name, sc.ExpectStatus)
		}
	}
	return nil
}

func validateCall(r *Request, t *ToolCall) error {
	switch {
	case r != nil && t != nil:
		return fmt.Errorf("%w: both request and tool given", models.ErrInvalidInput)
	case r != nil:
		return validateRequest(r)
	case t != nil:
		return validateTool(t)
	default:
		return fmt.Errorf("%w: request or tool is required", models.ErrInvalidInput)
	}
}

func validateRequest(r *Request) error {
	if r == nil {
		return fmt.Errorf("%w: request is required", models.ErrInvalidInput)
	}
	u, err := url.Parse(r.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: request url %q is not absolute", models.ErrInvalidInput, r.URL)
	}
	return nil
}

func validateTool(t *ToolCall) error {
	if t == nil || strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: tool name is required", models.ErrInvalidInput)
	}
	return nil
}
