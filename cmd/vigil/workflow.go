package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/workflow"
	"github.com/ShayCichocki/vigil/pkg/models"
)

var (
	abortReason string
	abortSignal bool
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Inspect or abort test workflows",
}

var workflowShowCmd = &cobra.Command{
	Use:   "show <test-id>",
	Short: "Show a workflow and its stage results",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runWorkflowShow),
}

var workflowAbortCmd = &cobra.Command{
	Use:   "abort <test-id>",
	Short: "Halt a workflow for human review",
	Long: `Halt a workflow and mark it escalated.

By default the stored workflow is aborted directly; a 'vigil run' busy with
it discards its in-flight stage result. With --signal only an abort file is
dropped in the signals directory, for a run to pick up.

Examples:
  vigil workflow abort login --reason "staging is down"
  vigil workflow abort login --signal`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runWorkflowAbort),
}

func init() {
	workflowAbortCmd.Flags().StringVar(&abortReason, "reason", "", "Why the workflow is halted")
	workflowAbortCmd.Flags().BoolVar(&abortSignal, "signal", false, "Only write an abort signal file")
	workflowCmd.AddCommand(workflowShowCmd, workflowAbortCmd)
}

func runWorkflowShow(_ context.Context, a *app, args []string) error {
	w, err := a.db.GetWorkflow(args[0])
	if err != nil {
		return fmt.Errorf("workflow %s: %w", args[0], err)
	}
	if flagJSON {
		return printJSON(w)
	}

	printWorkflowLine(w)
	fmt.Printf("  %-10s %s\n", "epic", w.EpicID)
	fmt.Printf("  %-10s %s\n", "type", w.TestType)
	fmt.Printf("  %-10s %s\n", "stage", w.CurrentStage)
	fmt.Printf("  %-10s %s\n", "tier", w.CurrentTier)
	fmt.Printf("  %-10s %d\n", "retries", w.RetryCount)
	fmt.Printf("  %-10s %s\n", "updated", w.UpdatedAt.Local().Format(time.DateTime))

	for _, s := range []struct {
		name string
		raw  json.RawMessage
	}{
		{"execution", w.ExecutionResult},
		{"detection", w.DetectionResult},
		{"verification", w.VerificationResult},
		{"fixing", w.FixingResult},
		{"learning", w.LearningResult},
	} {
		if len(s.raw) == 0 {
			continue
		}
		fmt.Printf("\n%s\n", headingColor.Sprint(s.name))
		fmt.Println("  " + stageLine(s.name, s.raw))
	}
	return nil
}

// stageLine summarizes a stored stage result in one line.
func stageLine(stage string, raw json.RawMessage) string {
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	switch stage {
	case "verification":
		return fmt.Sprintf("%v (confidence %v) %v", v["recommendation"], v["confidence_score"], v["summary"])
	case "detection":
		return fmt.Sprintf("verdict %v: %v", v["verdict"], v["recommendation"])
	}
	out, _ := json.Marshal(v)
	return string(out)
}

func runWorkflowAbort(_ context.Context, a *app, args []string) error {
	testID := args[0]
	if abortSignal {
		if err := workflow.SendAbort(a.signalsDir(), testID, abortReason); err != nil {
			return fmt.Errorf("write abort signal: %w", err)
		}
		printStatus("✓", "Abort signal sent for "+testID, okColor)
		return nil
	}

	w, err := workflow.Abort(a.db, testID, abortReason)
	if err != nil {
		return err
	}
	a.log.Warn("workflow aborted", "test_id", testID, "reason", w.EscalationReason)
	if flagJSON {
		return printJSON(w)
	}
	printStatus("✓", fmt.Sprintf("%s aborted at %s: %s", testID, stageBefore(w), w.EscalationReason), okColor)
	return nil
}

// stageBefore names the last stage with a stored result.
func stageBefore(w *models.TestWorkflow) string {
	switch {
	case len(w.LearningResult) > 0:
		return "learning"
	case len(w.FixingResult) > 0:
		return "fixing"
	case len(w.VerificationResult) > 0:
		return "verification"
	case len(w.DetectionResult) > 0:
		return "detection"
	case len(w.ExecutionResult) > 0:
		return "execution"
	default:
		return "pending"
	}
}
