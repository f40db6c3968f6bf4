package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/detect"
	"github.com/ShayCichocki/vigil/pkg/models"
)

var (
	detectEpic      string
	detectTest      string
	detectModules   []string
	detectNoPersist bool
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Hunt for red flags in recorded evidence",
	Long: `Run the detection modules over the latest recorded execution of a test,
or of every test in an epic.

Modules: missing_evidence, inconsistent_evidence, tool_execution,
timing_anomaly, coverage. Flags replace the test's earlier unresolved flags
and a report is written for every test.

Examples:
  vigil detect --epic checkout
  vigil detect --test login --modules missing_evidence,timing_anomaly
  vigil detect --epic checkout --no-persist --json`,
	RunE: withApp(runDetect),
}

func init() {
	detectCmd.Flags().StringVar(&detectEpic, "epic", "", "Detect every test of an epic")
	detectCmd.Flags().StringVar(&detectTest, "test", "", "Detect a single test")
	detectCmd.Flags().StringSliceVar(&detectModules, "modules", nil, "Only run these modules")
	detectCmd.Flags().BoolVar(&detectNoPersist, "no-persist", false, "Do not store flags or reports")
}

func runDetect(ctx context.Context, a *app, _ []string) error {
	if (detectEpic == "") == (detectTest == "") {
		return errors.New("exactly one of --epic or --test is required")
	}

	policy, err := a.policy()
	if err != nil {
		return err
	}
	d, err := a.detector(policy)
	if err != nil {
		return err
	}
	opts := detect.Options{Modules: detectModules, SkipPersist: detectNoPersist}

	var bundles []detect.TestBundle
	epicID := detectEpic
	if detectTest != "" {
		test, err := a.db.LatestTestResult(detectTest)
		if err != nil {
			return fmt.Errorf("load %s: %w", detectTest, err)
		}
		epicID = test.EpicID
		bundles = []detect.TestBundle{{Test: test}}
	} else {
		tests, err := a.db.ListTestResults(detectEpic)
		if err != nil {
			return err
		}
		if len(tests) == 0 {
			fmt.Printf("No recorded tests in epic %s.\n", detectEpic)
			return nil
		}
		for i := range tests {
			bundles = append(bundles, detect.TestBundle{Test: &tests[i]})
		}
	}
	for i := range bundles {
		ev, err := a.db.LatestEvidence(bundles[i].Test.ID)
		if err != nil {
			return fmt.Errorf("load evidence of %s: %w", bundles[i].Test.ID, err)
		}
		bundles[i].Evidence = ev
	}

	batch := d.DetectBatch(ctx, epicID, bundles, a.cfg.Detection.Concurrency, opts)

	if !detectNoPersist {
		writer, err := a.reportWriter(ctx)
		if err != nil {
			return err
		}
		for _, it := range batch.Items {
			if it.Result == nil || it.Result.Skipped {
				continue
			}
			if _, err := writer.WriteDetection(ctx, it.Result); err != nil {
				a.log.Warn("write detection report", "test_id", it.Result.TestID, "error", err)
			}
		}
	}

	if flagJSON {
		return printJSON(batch)
	}
	printBatch(batch)
	if batch.Failed > 0 {
		return fmt.Errorf("%d test(s) could not be detected", batch.Failed)
	}
	return nil
}

func printBatch(batch *detect.BatchResult) {
	for _, it := range batch.Items {
		if it.Result == nil {
			printStatus("✗", it.Err, errorColor)
			continue
		}
		printResult(it.Result)
		if it.Err != "" {
			printStatus("  ⚠", it.Err, warnColor)
		}
	}
	s := batch.Summary
	verdict := batch.Verdict()
	fmt.Printf("\n%s %s  critical %d · high %d · medium %d · low %d\n",
		headingColor.Sprint("Epic "+batch.EpicID+":"),
		verdictColor(verdict).Sprint(verdictWord(verdict)),
		s.Critical, s.High, s.Medium, s.Low)
}

func printResult(r *detect.Result) {
	if r.Skipped {
		printStatus("-", fmt.Sprintf("%s skipped (reported as failing)", r.TestID), dimColor)
		return
	}
	c := verdictColor(r.Verdict)
	printStatus(verdictSymbol(r.Verdict), fmt.Sprintf("%s  %s", r.TestID, c.Sprint(verdictWord(r.Verdict))), c)
	for _, f := range r.Flags {
		fmt.Printf("    %s %s: %s\n", severityColor(f.Severity).Sprintf("%-8s", f.Severity), f.FlagType, f.Description)
	}
	for _, me := range r.ModuleErrors {
		fmt.Printf("    %s module %s: %s\n", warnColor.Sprint("⚠"), me.Module, me.Err)
	}
}

func verdictWord(v models.Verdict) string {
	switch v {
	case models.VerdictPass:
		return "PASS"
	case models.VerdictReview:
		return "REVIEW"
	default:
		return "FAIL"
	}
}

func verdictSymbol(v models.Verdict) string {
	switch v {
	case models.VerdictPass:
		return "✓"
	case models.VerdictReview:
		return "⚠"
	default:
		return "✗"
	}
}
