// Package learning turns the red flags of finished workflows into reusable
// learnings.
//
// # CAO Triples
//
// Each learning is a Condition-Action-Outcome triple:
//
//   - WHEN: the situation that was flagged
//   - DO: what a test should do differently
//   - RESULT: what verification then sees
//
// Example:
//
//	WHEN an api test is flagged for missing_evidence
//	DO capture the request and response of every call before reporting the outcome
//	RESULT the evidence record is complete and the claim can be checked
//
// A condition seen again is reinforced (its trigger count grows) rather
// than stored twice. Hand-written triples can be added in single-line
// (WHEN X DO Y RESULT Z) or multi-line form.
package learning
