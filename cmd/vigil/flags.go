package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/state"
)

var (
	flagsEpic    string
	flagsTest    string
	flagsAll     bool
	resolveNotes string
)

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "List and resolve red flags",
}

var flagsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List red flags, unresolved ones by default",
	Long: `List red flags, most severe first.

Examples:
  vigil flags list
  vigil flags list --epic checkout
  vigil flags list --test login --all`,
	Args: cobra.NoArgs,
	RunE: withApp(runFlagsList),
}

var flagsResolveCmd = &cobra.Command{
	Use:   "resolve <flag-id>",
	Short: "Mark a red flag resolved after human review",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runFlagsResolve),
}

func init() {
	flagsListCmd.Flags().StringVar(&flagsEpic, "epic", "", "Only flags of this epic")
	flagsListCmd.Flags().StringVar(&flagsTest, "test", "", "Only flags of this test")
	flagsListCmd.Flags().BoolVar(&flagsAll, "all", false, "Include resolved flags")
	flagsResolveCmd.Flags().StringVar(&resolveNotes, "notes", "", "Resolution notes")
	flagsCmd.AddCommand(flagsListCmd, flagsResolveCmd)
}

func runFlagsList(_ context.Context, a *app, _ []string) error {
	flags, err := a.db.ListRedFlags(state.FlagFilter{
		EpicID:         flagsEpic,
		TestID:         flagsTest,
		UnresolvedOnly: !flagsAll,
	})
	if err != nil {
		return err
	}
	sort.SliceStable(flags, func(i, j int) bool {
		return flags[i].Severity.Rank() > flags[j].Severity.Rank()
	})

	if flagJSON {
		return printJSON(flags)
	}
	if len(flags) == 0 {
		printStatus("✓", "No red flags", okColor)
		return nil
	}
	for _, f := range flags {
		line := fmt.Sprintf("%s  %s/%s  %s: %s", dimColor.Sprint(f.ID),
			f.EpicID, f.TestID, f.FlagType, f.Description)
		if f.Resolved {
			line += dimColor.Sprintf(" (resolved: %s)", f.ResolutionNotes)
		}
		fmt.Printf("%s %s\n", severityColor(f.Severity).Sprintf("%-8s", f.Severity), line)
	}
	return nil
}

func runFlagsResolve(_ context.Context, a *app, args []string) error {
	if err := a.db.ResolveRedFlag(args[0], resolveNotes); err != nil {
		return err
	}
	a.log.Info("red flag resolved", "flag_id", args[0])
	printStatus("✓", "Resolved "+args[0], okColor)
	return nil
}
