// Package integration provides cross-package integration tests for vigil.
// They run real suites against local HTTP servers through the executor,
// detector, verifier, learner and workflow orchestrator, all backed by one
// SQLite state database.
//
// Build tag: integration
// Run with: go test -tags integration ./internal/integration/...
package integration
