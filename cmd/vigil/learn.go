package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/learning"
	"github.com/ShayCichocki/vigil/pkg/models"
)

var (
	learnScope    string
	learnFlagType string
	learnTestType string
	learnLimit    int
)

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Manage WHEN/DO/RESULT learnings",
	Long: `Learnings are condition-action-outcome rules. Vigil derives one from
every red flag type a workflow runs into; more can be added by hand.

  WHEN <condition> DO <action> RESULT <outcome>`,
}

var learnListCmd = &cobra.Command{
	Use:   "list",
	Short: "List learnings, most triggered first",
	Args:  cobra.NoArgs,
	RunE:  withApp(runLearnList),
}

var learnSearchCmd = &cobra.Command{
	Use:   "search <words...>",
	Short: "Full-text search learnings",
	Args:  cobra.MinimumNArgs(1),
	RunE:  withApp(runLearnSearch),
}

var learnAddCmd = &cobra.Command{
	Use:   "add <WHEN ... DO ... RESULT ...>",
	Short: "Add a learning by hand",
	Long: `Add a learning by hand.

Examples:
  vigil learn add "WHEN login test passes in under 50ms DO check the session cookie RESULT cached sessions are caught"
  vigil learn add --scope checkout --type api "WHEN ... DO ... RESULT ..."`,
	Args: cobra.MinimumNArgs(1),
	RunE: withApp(runLearnAdd),
}

var learnShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one learning",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runLearnShow),
}

var learnDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a learning",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runLearnDelete),
}

func init() {
	learnListCmd.Flags().StringVar(&learnScope, "scope", "", "Epic id; global learnings always match")
	learnListCmd.Flags().StringVar(&learnFlagType, "flag-type", "", "Only learnings derived from this flag type")
	learnListCmd.Flags().StringVar(&learnTestType, "type", "", "Only learnings for this test type")
	learnListCmd.Flags().IntVar(&learnLimit, "limit", 50, "Maximum number of learnings")
	learnSearchCmd.Flags().IntVar(&learnLimit, "limit", 20, "Maximum number of learnings")
	learnAddCmd.Flags().StringVar(&learnScope, "scope", learning.ScopeGlobal, "Epic id or global")
	learnAddCmd.Flags().StringVar(&learnTestType, "type", "", "Test type the learning applies to")
	learnCmd.AddCommand(learnListCmd, learnSearchCmd, learnAddCmd, learnShowCmd, learnDeleteCmd)
}

func runLearnList(_ context.Context, a *app, _ []string) error {
	store, err := a.learningStore()
	if err != nil {
		return err
	}
	ls, err := store.List(learning.Filter{
		Scope:    learnScope,
		FlagType: learnFlagType,
		TestType: models.TestType(learnTestType),
		Limit:    learnLimit,
	})
	if err != nil {
		return err
	}
	return printLearnings(ls)
}

func runLearnSearch(_ context.Context, a *app, args []string) error {
	store, err := a.learningStore()
	if err != nil {
		return err
	}
	ls, err := store.Search(strings.Join(args, " "), learnLimit)
	if err != nil {
		return err
	}
	return printLearnings(ls)
}

func runLearnAdd(_ context.Context, a *app, args []string) error {
	cao, err := learning.ParseCAO(strings.Join(args, " "))
	if err != nil {
		return err
	}
	tt := models.TestType(learnTestType)
	if tt != "" && !tt.Valid() {
		return fmt.Errorf("%w: unknown test type %q", models.ErrInvalidInput, tt)
	}
	store, err := a.learningStore()
	if err != nil {
		return err
	}
	l, err := learning.NewLearner(store, a.log.Component("learning")).Add(cao, learnScope, tt)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(l)
	}
	printStatus("✓", "Added learning "+l.ID, okColor)
	return nil
}

func runLearnShow(_ context.Context, a *app, args []string) error {
	store, err := a.learningStore()
	if err != nil {
		return err
	}
	l, err := store.Get(args[0])
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(l)
	}
	fmt.Println(headingColor.Sprint(l.ID))
	fmt.Printf("  %-8s %s\n", "WHEN", l.Condition)
	fmt.Printf("  %-8s %s\n", "DO", l.Action)
	fmt.Printf("  %-8s %s\n", "RESULT", l.Outcome)
	fmt.Println()
	fmt.Printf("  scope %s · source %s", l.Scope, l.Source)
	if l.FlagType != "" {
		fmt.Printf(" · from %s (%s, %s)", l.FlagType, l.TestType, l.Severity)
	}
	fmt.Printf("\n  triggered %d time(s), %d needing review", l.TriggerCount, l.ReviewCount)
	if !l.LastTriggered.IsZero() {
		fmt.Printf(", last %s", l.LastTriggered.Local().Format(time.DateTime))
	}
	fmt.Println()
	return nil
}

func runLearnDelete(_ context.Context, a *app, args []string) error {
	store, err := a.learningStore()
	if err != nil {
		return err
	}
	if err := store.Delete(args[0]); err != nil {
		return err
	}
	printStatus("✓", "Deleted learning "+args[0], okColor)
	return nil
}

func printLearnings(ls []*learning.Learning) error {
	if flagJSON {
		return printJSON(ls)
	}
	if len(ls) == 0 {
		fmt.Println("No learnings.")
		return nil
	}
	for _, l := range ls {
		fmt.Printf("%s %s ×%d\n", dimColor.Sprint(l.ID), l.Scope, l.TriggerCount)
		fmt.Printf("  %s\n", l.CAO().String())
	}
	return nil
}
