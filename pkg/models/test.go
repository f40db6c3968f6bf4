package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidInput is returned when a value fails validation before persistence.
var ErrInvalidInput = errors.New("invalid input")

// TestType classifies a test for evidence and timing policy.
type TestType string

const (
	TestTypeUI          TestType = "ui"
	TestTypeAPI         TestType = "api"
	TestTypeUnit        TestType = "unit"
	TestTypeIntegration TestType = "integration"
)

// Valid returns true if the test type is a known value.
func (t TestType) Valid() bool {
	switch t {
	case TestTypeUI, TestTypeAPI, TestTypeUnit, TestTypeIntegration:
		return true
	default:
		return false
	}
}

// PassFail is the outcome reported by the executor.
type PassFail string

const (
	Pass PassFail = "pass"
	Fail PassFail = "fail"
)

// Valid returns true if the outcome is a known value.
func (p PassFail) Valid() bool {
	return p == Pass || p == Fail
}

// TestResult is the reported outcome of one test execution.
// It is immutable once recorded.
type TestResult struct {
	// ID is the unique identifier of the test.
	ID string `json:"id"`
	// EpicID groups tests that belong to the same unit of work.
	EpicID string `json:"epic_id"`
	// Name is the test name as reported by the executor.
	Name string `json:"name"`
	// Description is free text describing what the test exercises.
	Description string `json:"description,omitempty"`
	// Type classifies the test.
	Type TestType `json:"type"`
	// PassFail is the reported outcome.
	PassFail PassFail `json:"pass_fail"`
	// DurationMs is the reported duration, if known.
	DurationMs int64 `json:"duration_ms,omitempty"`
	// Tier is the capability tier that executed the test.
	Tier Tier `json:"tier,omitempty"`
	// ExecutedAt is when the test ran.
	ExecutedAt time.Time `json:"executed_at"`
}

// Passed reports whether the executor claimed the test passed.
func (t *TestResult) Passed() bool {
	return t != nil && t.PassFail == Pass
}

// Text returns the name and description joined for pattern matching.
func (t *TestResult) Text() string {
	if t == nil {
		return ""
	}
	return strings.TrimSpace(t.Name + " " + t.Description)
}

// Validate checks that the result can be persisted.
func (t *TestResult) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil test result", ErrInvalidInput)
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: test id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(t.EpicID) == "" {
		return fmt.Errorf("%w: epic id is required", ErrInvalidInput)
	}
	if !t.Type.Valid() {
		return fmt.Errorf("%w: unknown test type %q", ErrInvalidInput, t.Type)
	}
	if !t.PassFail.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidInput, t.PassFail)
	}
	if t.Tier != "" && !t.Tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, t.Tier)
	}
	if t.DurationMs < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidInput)
	}
	return nil
}
