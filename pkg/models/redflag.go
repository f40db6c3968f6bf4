package models

import (
	"encoding/json"
	"time"
)

// Severity ranks how strongly a red flag contradicts a reported pass.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Severities lists severities from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Rank returns a number where larger is more severe, or 0 for unknown.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid returns true if the severity is a known value.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// RedFlag is a detected signal that a reported test outcome may be false.
// Proof is captured at detection time and never edited afterwards.
type RedFlag struct {
	ID              string          `json:"id"`
	EpicID          string          `json:"epic_id"`
	TestID          string          `json:"test_id"`
	EvidenceID      string          `json:"evidence_id,omitempty"`
	FlagType        string          `json:"flag_type"`
	Severity        Severity        `json:"severity"`
	Description     string          `json:"description"`
	Proof           json.RawMessage `json:"proof,omitempty"`
	DetectedAt      time.Time       `json:"detected_at"`
	Resolved        bool            `json:"resolved"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
}

// SeverityCounts tallies flags per severity.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Total    int `json:"total"`
}

// Add counts one flag of the given severity.
func (c *SeverityCounts) Add(s Severity) {
	switch s {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	case SeverityLow:
		c.Low++
	default:
		return
	}
	c.Total++
}

// Merge adds other into c.
func (c *SeverityCounts) Merge(other SeverityCounts) {
	c.Critical += other.Critical
	c.High += other.High
	c.Medium += other.Medium
	c.Low += other.Low
	c.Total += other.Total
}

// Get returns the count for a severity.
func (c SeverityCounts) Get(s Severity) int {
	switch s {
	case SeverityCritical:
		return c.Critical
	case SeverityHigh:
		return c.High
	case SeverityMedium:
		return c.Medium
	case SeverityLow:
		return c.Low
	default:
		return 0
	}
}

// CountFlags tallies a slice of flags.
func CountFlags(flags []RedFlag) SeverityCounts {
	var c SeverityCounts
	for _, f := range flags {
		c.Add(f.Severity)
	}
	return c
}
