package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/tui"
	"github.com/ShayCichocki/vigil/pkg/models"
)

var (
	statusEpic  string
	statusWatch bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workflow status",
	Long: `Show every workflow with its stage, tier and unresolved red flags.

With --watch a live dashboard polls the state database until you press q.

Examples:
  vigil status
  vigil status --epic checkout --watch`,
	Args: cobra.NoArgs,
	RunE: withApp(runStatus),
}

func init() {
	statusCmd.Flags().StringVar(&statusEpic, "epic", "", "Only workflows of this epic")
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Live dashboard")
}

func runStatus(ctx context.Context, a *app, _ []string) error {
	if statusWatch {
		return tui.Run(ctx, a.db, tui.Options{EpicID: statusEpic, Refresh: a.cfg.TUI.RefreshRate})
	}

	ws, err := a.db.ListWorkflows(statusEpic)
	if err != nil {
		return err
	}
	sort.SliceStable(ws, func(i, j int) bool { return ws[i].UpdatedAt.After(ws[j].UpdatedAt) })
	if flagJSON {
		return printJSON(ws)
	}
	if len(ws) == 0 {
		fmt.Println("No workflows yet. Start one with 'vigil run <suite.yaml>'.")
		return nil
	}

	fmt.Println(headingColor.Sprintf("%-24s %-12s %-13s %-10s %-7s %s",
		"TEST", "TYPE", "STAGE", "TIER", "FLAGS", "UPDATED"))
	for i := range ws {
		w := &ws[i]
		flags, err := a.db.UnresolvedRedFlags(w.TestID)
		if err != nil {
			return err
		}
		counts := models.CountFlags(flags)
		flagCell := fmt.Sprintf("%-7d", counts.Total)
		switch {
		case counts.Critical > 0:
			flagCell = errorColor.Sprint(flagCell)
		case counts.High > 0:
			flagCell = warnColor.Sprint(flagCell)
		}
		fmt.Printf("%s %-12s %-13s %-10s %s %s\n",
			workflowColor(w).Sprintf("%-24s", w.TestID), w.TestType, w.CurrentStage,
			w.CurrentTier, flagCell, w.UpdatedAt.Local().Format(time.DateTime))
	}
	return nil
}

func workflowColor(w *models.TestWorkflow) *color.Color {
	switch {
	case w.Aborted():
		return warnColor
	case w.Status == models.WorkflowCompleted:
		return okColor
	case w.Status == models.WorkflowFailed:
		return errorColor
	default:
		return headingColor
	}
}
