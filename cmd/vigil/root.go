package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	flagConfigPath string
	flagProjectDir string
	flagVerbose    bool
	flagJSON       bool
)

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Evidence-based verification of reported test outcomes",
	Long: `Vigil checks that tests reported as passing actually did what they claim.

It records each execution's evidence, hunts for red flags in it, and has a
verifier on a higher tier than the executor independently accept, hold or
reject the reported pass. Rejected tests are re-run one tier up; everything
that went wrong becomes a learning.

Core capabilities:
- Executes HTTP and MCP tool-call tests while capturing evidence
- Detects missing, inconsistent or implausible evidence
- Scores confidence and recommends accept, review or reject
- Escalates rejected tests through the capability tiers
- Learns WHEN/DO/RESULT rules from every red flag`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorColor.Sprint("Error: ")+err.Error())
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "Config file (default: user config merged with .vigil.yaml)")
	rootCmd.PersistentFlags().StringVarP(&flagProjectDir, "project", "C", ".", "Project directory holding .vigil/")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Log debug output to stderr")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Print machine-readable JSON")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(flagsCmd)
	rootCmd.AddCommand(learnCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
