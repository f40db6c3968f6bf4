package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/verify"
	"github.com/ShayCichocki/vigil/pkg/models"
)

var verifyEpic string

var verifyCmd = &cobra.Command{
	Use:   "verify <test-id>",
	Short: "Independently verify a test's reported outcome",
	Long: `Verify the latest recorded execution of a test.

The verifier runs one tier above the executor. It checks evidence integrity,
cross-validates evidence sources, looks for suspicious patterns and scores
its confidence from 0 to 100. The result recommends accept, manual_review
or reject.

Run 'vigil detect' first so unresolved red flags are taken into account.

Examples:
  vigil verify login
  vigil verify login --json`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runVerify),
}

func init() {
	verifyCmd.Flags().StringVar(&verifyEpic, "epic", "", "Epic id (default: the epic of the recorded test)")
}

func runVerify(ctx context.Context, a *app, args []string) error {
	testID := args[0]
	epicID := verifyEpic
	if epicID == "" {
		test, err := a.db.LatestTestResult(testID)
		if err != nil {
			return fmt.Errorf("load %s: %w", testID, err)
		}
		epicID = test.EpicID
	}

	policy, err := a.policy()
	if err != nil {
		return err
	}
	v, err := a.verifier(ctx, policy)
	if err != nil {
		return err
	}

	res, err := v.Verify(ctx, testID, epicID)
	if err != nil {
		var critical *verify.CriticalRedFlagError
		switch {
		case errors.As(err, &critical):
			printStatus("✗", fmt.Sprintf("%s rejected without scoring", testID), errorColor)
			for _, f := range critical.Flags {
				fmt.Printf("    %s %s: %s\n", severityColor(f.Severity).Sprint("critical"), f.FlagType, f.Description)
			}
		case errors.Is(err, verify.ErrIntegrityCheckFailed):
			printStatus("✗", testID+" escalated: evidence failed its integrity check", errorColor)
		case errors.Is(err, verify.ErrEvidenceNotFound):
			printStatus("✗", testID+" has no evidence; re-execute it first", errorColor)
		}
		return err
	}

	if flagJSON {
		return printJSON(res)
	}
	printVerification(res)
	return nil
}

func printVerification(res *models.VerificationResult) {
	c := recommendationColor(res.Recommendation)
	symbol := "⚠"
	switch res.Recommendation {
	case models.RecommendAccept:
		symbol = "✓"
	case models.RecommendReject:
		symbol = "✗"
	}
	printStatus(symbol, fmt.Sprintf("%s  confidence %d/100  %s",
		res.TestID, res.ConfidenceScore, c.Sprint(strings.ToUpper(string(res.Recommendation)))), c)
	fmt.Printf("  %s\n", res.Summary)
	fmt.Printf("  %s %s (%s)\n", dimColor.Sprint("verifier:"), res.VerifierModel, res.VerifierTier)

	if len(res.Factors) > 0 {
		fmt.Println()
		fmt.Println(headingColor.Sprint("Score"))
		for _, f := range res.Factors {
			fmt.Printf("  %-28s %3d  %+6.1f\n", f.Name, f.Count, f.Points)
		}
	}
	if len(res.Skeptical.Concerns) > 0 {
		fmt.Println()
		fmt.Println(headingColor.Sprint("Concerns"))
		for _, con := range res.Skeptical.Concerns {
			fmt.Printf("  %s %s: %s\n", severityColor(con.Severity).Sprintf("%-8s", con.Severity), con.Pattern, con.Detail)
		}
	}
	fmt.Println()
	fmt.Println(headingColor.Sprint("Reasoning"))
	fmt.Printf("  %s\n", strings.ReplaceAll(strings.TrimSpace(res.Reasoning), "\n", "\n  "))
	if len(res.Recommendations) > 0 {
		fmt.Println()
		fmt.Println(headingColor.Sprint("Next steps"))
		for _, r := range res.Recommendations {
			fmt.Printf("  - %s\n", r)
		}
	}
}
