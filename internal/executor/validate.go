package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// ShapeCheck is the outcome of one expected path.
type ShapeCheck struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Passed   bool   `json:"passed"`
}

// Validation is the validation_result payload.
type Validation struct {
	Passed         bool         `json:"passed"`
	ExpectedStatus int          `json:"expected_status,omitempty"`
	ActualStatus   int          `json:"actual_status,omitempty"`
	ExpectedError  bool         `json:"expected_error"`
	ActualError    bool         `json:"actual_error"`
	Attempts       int          `json:"attempts"`
	Shape          []ShapeCheck `json:"shape,omitempty"`
	Errors         []string     `json:"errors,omitempty"`
}

func (v *Validation) fail(format string, args ...any) {
	v.Passed = false
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// ValidateShape checks each gjson path of shape against body. Paths are
// checked in sorted order so results are stable.
func ValidateShape(body []byte, shape map[string]string) []ShapeCheck {
	paths := make([]string, 0, len(shape))
	for p := range shape {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	checks := make([]ShapeCheck, 0, len(paths))
	for _, p := range paths {
		want := strings.ToLower(shape[p])
		got := jsonType(gjson.GetBytes(body, p))
		checks = append(checks, ShapeCheck{
			Path:     p,
			Expected: want,
			Actual:   got,
			Passed:   got != "missing" && (want == "any" || want == got),
		})
	}
	return checks
}

func jsonType(r gjson.Result) string {
	if !r.Exists() {
		return "missing"
	}
	switch r.Type {
	case gjson.String:
		return "string"
	case gjson.Number:
		return "number"
	case gjson.True, gjson.False:
		return "boolean"
	case gjson.Null:
		return "null"
	}
	if r.IsArray() {
		return "array"
	}
	if r.IsObject() {
		return "object"
	}
	return "unknown"
}
