// Package tui provides the terminal dashboard behind `vigil status --watch`.
//
// The dashboard is read-only. It polls the state store at a fixed refresh
// rate and shows:
//   - every test workflow with its stage, status, tier and retry count
//   - the unresolved red flags of the selected workflow
//   - the escalation reason of halted workflows
//   - totals per workflow status
//
// Users move the selection with the arrow keys, force a refresh with 'r' and
// quit with 'q' or Ctrl+C.
//
// Usage:
//
//	err := tui.Run(ctx, db, tui.Options{EpicID: "epic-1", Refresh: time.Second})
package tui
