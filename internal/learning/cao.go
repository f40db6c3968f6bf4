package learning

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// CAOTriple is a Condition-Action-Outcome learning.
type CAOTriple struct {
	Condition string // WHEN
	Action    string // DO
	Outcome   string // RESULT
}

var (
	// ErrMissingCondition indicates the WHEN clause is missing.
	ErrMissingCondition = errors.New("cao: missing WHEN condition")
	// ErrMissingAction indicates the DO clause is missing.
	ErrMissingAction = errors.New("cao: missing DO action")
	// ErrMissingOutcome indicates the RESULT clause is missing.
	ErrMissingOutcome = errors.New("cao: missing RESULT outcome")
	// ErrEmptyCondition indicates the WHEN clause is empty.
	ErrEmptyCondition = errors.New("cao: empty WHEN condition")
	// ErrEmptyAction indicates the DO clause is empty.
	ErrEmptyAction = errors.New("cao: empty DO action")
	// ErrEmptyOutcome indicates the RESULT clause is empty.
	ErrEmptyOutcome = errors.New("cao: empty RESULT outcome")
)

var (
	// upperMarkers finds WHEN, DO and RESULT written in capitals.
	upperMarkers = regexp.MustCompile(`\b(WHEN|DO|RESULT)\b`)
	// anyMarkers also accepts lower and mixed case.
	anyMarkers = regexp.MustCompile(`(?i)\b(WHEN|DO|RESULT)\b`)
)

var clauseOrder = []string{"WHEN", "DO", "RESULT"}

// ParseCAO parses "WHEN x DO y RESULT z", on one line or spread over
// several. Capitalized markers win, so clause text may itself contain a
// lowercase "do"; otherwise markers are case-insensitive.
func ParseCAO(input string) (*CAOTriple, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrMissingCondition
	}
	if cao, err := parseMarkers(input, upperMarkers); err == nil {
		return cao, nil
	}
	return parseMarkers(input, anyMarkers)
}

func parseMarkers(input string, pattern *regexp.Regexp) (*CAOTriple, error) {
	// Each accepted marker is [markerStart, textStart]. Markers out of
	// WHEN, DO, RESULT order are clause text.
	var accepted [][2]int
	for _, loc := range pattern.FindAllStringSubmatchIndex(input, -1) {
		if len(accepted) < len(clauseOrder) && strings.EqualFold(input[loc[2]:loc[3]], clauseOrder[len(accepted)]) {
			accepted = append(accepted, [2]int{loc[2], loc[3]})
		}
	}
	switch {
	case len(accepted) == 0 || strings.TrimSpace(input[:accepted[0][0]]) != "":
		return nil, ErrMissingCondition
	case len(accepted) == 1:
		return nil, ErrMissingAction
	case len(accepted) == 2:
		return nil, ErrMissingOutcome
	}

	text := func(i int) string {
		end := len(input)
		if i+1 < len(accepted) {
			end = accepted[i+1][0]
		}
		return collapse(input[accepted[i][1]:end])
	}
	cao := &CAOTriple{Condition: text(0), Action: text(1), Outcome: text(2)}
	if err := cao.Validate(); err != nil {
		return nil, err
	}
	return cao, nil
}

// collapse trims each line and drops blank ones.
func collapse(s string) string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return strings.Join(lines, "\n")
}

// String returns the triple in multi-line form.
func (c *CAOTriple) String() string {
	if c == nil {
		return ""
	}
	return fmt.Sprintf("WHEN %s\nDO %s\nRESULT %s", c.Condition, c.Action, c.Outcome)
}

// Validate checks that all three fields are non-empty.
func (c *CAOTriple) Validate() error {
	if c == nil {
		return ErrMissingCondition
	}
	if strings.TrimSpace(c.Condition) == "" {
		return ErrEmptyCondition
	}
	if strings.TrimSpace(c.Action) == "" {
		return ErrEmptyAction
	}
	if strings.TrimSpace(c.Outcome) == "" {
		return ErrEmptyOutcome
	}
	return nil
}
