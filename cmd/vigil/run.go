package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/executor"
	"github.com/ShayCichocki/vigil/internal/learning"
	"github.com/ShayCichocki/vigil/internal/state"
	"github.com/ShayCichocki/vigil/internal/workflow"
	"github.com/ShayCichocki/vigil/pkg/models"
)

var (
	runTests []string
	runTier  string
	runRerun bool
)

var runCmd = &cobra.Command{
	Use:   "run <suite.yaml>",
	Short: "Execute, detect, verify, fix and learn for a test suite",
	Long: `Run every test of a suite through the full workflow:

  execution → detection → verification → (fixing → detection …) → learning

Rejected tests are re-executed one tier up, at most workflow.max_retries
times. A workflow can be halted at any point with
'vigil workflow abort <test-id> --signal'.

Unfinished workflows are resumed. Finished ones are skipped unless --rerun
is given.

Examples:
  vigil run suite.yaml
  vigil run suite.yaml --test login --test logout
  vigil run suite.yaml --tier scout --rerun`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runRun),
}

func init() {
	runCmd.Flags().StringSliceVar(&runTests, "test", nil, "Only run these test ids")
	runCmd.Flags().StringVar(&runTier, "tier", "", "Starting tier (default: verifier.execution_tier)")
	runCmd.Flags().BoolVar(&runRerun, "rerun", false, "Restart workflows that already finished")
}

func runRun(ctx context.Context, a *app, args []string) error {
	suite, err := executor.LoadSuite(args[0])
	if err != nil {
		return err
	}
	defs, err := selectTests(suite, runTests)
	if err != nil {
		return err
	}

	tier := models.Tier(runTier)
	if tier == "" {
		tier = models.Tier(a.cfg.Verifier.ExecutionTier)
	}
	if !tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", models.ErrInvalidInput, tier)
	}

	orch, cleanup, err := a.orchestrator(ctx, suite)
	if err != nil {
		return err
	}
	defer cleanup()

	watcher, err := workflow.NewSignalWatcher(a.signalsDir(), orch, a.log.Component("signals"))
	if err != nil {
		return fmt.Errorf("watch abort signals: %w", err)
	}
	defer watcher.Close()

	var finals []*models.TestWorkflow
	for _, d := range defs {
		if ctx.Err() != nil {
			break
		}
		watcher.Poll()

		w, err := a.prepareWorkflow(orch, d, tier)
		if err != nil {
			printStatus("✗", fmt.Sprintf("%s: %v", d.ID, err), errorColor)
			continue
		}
		if w.CurrentStage.Terminal() {
			printStatus("-", fmt.Sprintf("%s already %s (use --rerun)", d.ID, w.Status), dimColor)
			finals = append(finals, w)
			continue
		}

		if !flagJSON {
			fmt.Printf("%s %s (%s, tier %s)\n", headingColor.Sprint("▶"), d.ID, d.Type, w.CurrentTier)
		}
		w, err = orch.Run(ctx, d.ID)
		switch {
		case errors.Is(err, workflow.ErrWorkflowAborted):
			if cur, gerr := orch.Get(d.ID); gerr == nil {
				w = cur
			}
		case err != nil:
			printStatus("✗", fmt.Sprintf("%s: %v", d.ID, err), errorColor)
		}
		if w != nil {
			finals = append(finals, w)
			if !flagJSON {
				printWorkflowLine(w)
			}
		}
	}

	if flagJSON {
		return printJSON(finals)
	}
	return summarizeRun(finals, len(defs))
}

// orchestrator wires the executor, detector, verifier and learner of a run.
// The returned cleanup closes tool server sessions.
func (a *app) orchestrator(ctx context.Context, suite *executor.Suite) (*workflow.Orchestrator, func(), error) {
	runnerOpts := []executor.Option{
		executor.WithLogger(a.log.Logger),
		executor.WithBackoff(executor.Backoff{
			MaxRetries: a.cfg.Executor.MaxRetries,
			Initial:    a.cfg.Executor.InitialBackoff,
			Max:        a.cfg.Executor.MaxBackoff,
		}),
	}
	if a.cfg.Executor.Timeout > 0 {
		runnerOpts = append(runnerOpts, executor.WithTimeout(a.cfg.Executor.Timeout))
	}

	cleanup := func() {}
	if servers := a.toolServers(suite); len(servers) > 0 {
		inv := executor.NewMCPInvoker()
		for _, name := range servers {
			cmdline, ok := a.cfg.Executor.MCPServers[name]
			if !ok {
				inv.Close()
				return nil, nil, fmt.Errorf("tool server %q is not configured under executor.mcp_servers", name)
			}
			fields := strings.Fields(cmdline)
			if len(fields) == 0 {
				inv.Close()
				return nil, nil, fmt.Errorf("tool server %q has an empty command", name)
			}
			if err := inv.ConnectCommand(ctx, name, fields[0], fields[1:]...); err != nil {
				inv.Close()
				return nil, nil, err
			}
			a.log.Info("tool server connected", "server", name)
		}
		runnerOpts = append(runnerOpts, executor.WithToolInvoker(inv))
		cleanup = func() { inv.Close() }
	}

	runner, err := executor.New(suite, runnerOpts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	policy, err := a.policy()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	det, err := a.detector(policy)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	ver, err := a.verifier(ctx, policy)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	reports, err := a.reportWriter(ctx)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	learns, err := a.learningStore()
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	orch, err := workflow.New(workflow.Deps{
		Store:    a.db,
		Executor: runner,
		Detector: det,
		Verifier: ver,
		Learner:  learning.NewLearner(learns, a.log.Component("learning")),
		Reporter: reports,
	}, workflow.WithMaxRetries(a.cfg.Workflow.MaxRetries), workflow.WithLogger(a.log.Component("workflow")))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return orch, cleanup, nil
}

// prepareWorkflow starts a workflow for d, resumes an unfinished one, or
// resets a finished one when --rerun is set.
func (a *app) prepareWorkflow(orch *workflow.Orchestrator, d *executor.Definition, tier models.Tier) (*models.TestWorkflow, error) {
	w, err := orch.Start(d.ID, d.Epic, d.Type, tier)
	if !errors.Is(err, state.ErrWorkflowExists) {
		return w, err
	}
	w, err = orch.Get(d.ID)
	if err != nil {
		return nil, err
	}
	if !w.CurrentStage.Terminal() || !runRerun {
		return w, nil
	}
	fresh := &models.TestWorkflow{
		TestID:       d.ID,
		EpicID:       d.Epic,
		TestType:     d.Type,
		CurrentStage: models.StagePending,
		Status:       models.WorkflowActive,
		CurrentTier:  tier,
		CreatedAt:    time.Now(),
	}
	if err := a.db.SaveWorkflow(fresh); err != nil {
		return nil, fmt.Errorf("reset workflow: %w", err)
	}
	return fresh, nil
}

func selectTests(suite *executor.Suite, ids []string) ([]*executor.Definition, error) {
	if len(ids) == 0 {
		defs := make([]*executor.Definition, len(suite.Tests))
		for i := range suite.Tests {
			defs[i] = &suite.Tests[i]
		}
		return defs, nil
	}
	defs := make([]*executor.Definition, 0, len(ids))
	for _, id := range ids {
		d, err := suite.Get(id)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, nil
}

// toolServers lists the tool servers a suite calls, sorted. A call without
// a server name needs every configured server connected.
func (a *app) toolServers(suite *executor.Suite) []string {
	seen := make(map[string]bool)
	add := func(t *executor.ToolCall) {
		if t == nil {
			return
		}
		if t.Server != "" {
			seen[t.Server] = true
			return
		}
		for _, name := range a.cfg.MCPServerNames() {
			seen[name] = true
		}
	}
	for _, d := range suite.Tests {
		add(d.Tool)
		for _, se := range d.SideEffects {
			add(se.Tool)
		}
		for _, sc := range d.ErrorScenarios {
			add(sc.Tool)
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func printWorkflowLine(w *models.TestWorkflow) {
	switch {
	case w.Status == models.WorkflowCompleted:
		msg := fmt.Sprintf("%s completed at tier %s", w.TestID, w.CurrentTier)
		if w.RetryCount > 0 {
			msg += fmt.Sprintf(" after %d fix attempt(s)", w.RetryCount)
		}
		printStatus("✓", msg, okColor)
	case w.Escalated:
		printStatus("⚠", fmt.Sprintf("%s escalated: %s", w.TestID, w.EscalationReason), warnColor)
	case w.Status == models.WorkflowFailed:
		printStatus("✗", fmt.Sprintf("%s failed at %s", w.TestID, w.CurrentStage), errorColor)
	default:
		printStatus("…", fmt.Sprintf("%s stopped at %s", w.TestID, w.CurrentStage), dimColor)
	}
}

func summarizeRun(finals []*models.TestWorkflow, total int) error {
	var completed, escalated, failed int
	for _, w := range finals {
		switch {
		case w.Status == models.WorkflowCompleted:
			completed++
		case w.Escalated:
			escalated++
		default:
			failed++
		}
	}
	failed += total - len(finals)

	fmt.Printf("\n%s %s completed · %s escalated · %s failed\n",
		headingColor.Sprint("Summary:"),
		okColor.Sprint(completed), warnColor.Sprint(escalated), errorColor.Sprint(failed))
	if escalated+failed > 0 {
		return fmt.Errorf("%d of %d test(s) need attention", escalated+failed, total)
	}
	return nil
}
