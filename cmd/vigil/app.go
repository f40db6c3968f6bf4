package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/config"
	"github.com/ShayCichocki/vigil/internal/detect"
	"github.com/ShayCichocki/vigil/internal/learning"
	"github.com/ShayCichocki/vigil/internal/logging"
	"github.com/ShayCichocki/vigil/internal/report"
	"github.com/ShayCichocki/vigil/internal/state"
	"github.com/ShayCichocki/vigil/internal/verify"
	"github.com/ShayCichocki/vigil/internal/workflow"
	"github.com/ShayCichocki/vigil/pkg/models"
)

var (
	okColor      = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	dimColor     = color.New(color.FgHiBlack)
	headingColor = color.New(color.Bold)
)

// app holds what every command needs: the project root, its configuration,
// the state database and a logger. Stores are opened on first use.
type app struct {
	root   string
	cfg    *config.Config
	log    *logging.Logger
	db     *state.DB
	learns *learning.Store
}

// openApp loads configuration and opens the project database.
func openApp() (*app, error) {
	root, err := filepath.Abs(flagProjectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project directory: %w", err)
	}

	var cfg *config.Config
	if flagConfigPath != "" {
		cfg, err = config.LoadFromPath(flagConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	a := &app{root: root, cfg: cfg}
	if err := a.openLogger(); err != nil {
		return nil, err
	}

	db, err := state.OpenWithDriver(a.dbPath(), cfg.Storage.Driver)
	if err != nil {
		a.log.Close()
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		a.log.Close()
		return nil, fmt.Errorf("migrate state database: %w", err)
	}
	a.db = db
	return a, nil
}

func (a *app) openLogger() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.cfg.Logging.Level)); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if flagVerbose {
		a.log = logging.NewWriter(os.Stderr, slog.LevelDebug)
		return nil
	}
	l, err := logging.New(a.path(a.cfg.Logging.File, ".vigil", "logs", "vigil.log"), level)
	if err != nil {
		return err
	}
	a.log = l
	return nil
}

func (a *app) close() {
	if a.learns != nil {
		a.learns.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	a.log.Close()
}

// path returns configured if set, resolved against the project root, or
// the default path under the root.
func (a *app) path(configured string, def ...string) string {
	if configured == "" {
		return filepath.Join(append([]string{a.root}, def...)...)
	}
	if filepath.IsAbs(configured) {
		return configured
	}
	return filepath.Join(a.root, configured)
}

func (a *app) dbPath() string {
	if a.cfg.Storage.Path == "" {
		return state.ProjectDBPath(a.root)
	}
	return a.path(a.cfg.Storage.Path)
}

func (a *app) signalsDir() string {
	if a.cfg.Workflow.SignalsDir == "" {
		return workflow.SignalsDir(a.root)
	}
	return a.path(a.cfg.Workflow.SignalsDir)
}

func (a *app) reportsDir() string {
	return a.path(a.cfg.Reports.Dir, ".vigil", "reports")
}

func (a *app) learningStore() (*learning.Store, error) {
	if a.learns != nil {
		return a.learns, nil
	}
	s, err := learning.Open(learning.ProjectDBPath(a.root))
	if err != nil {
		return nil, fmt.Errorf("open learning store: %w", err)
	}
	a.learns = s
	return s, nil
}

func (a *app) policy() (*detect.Policy, error) {
	if a.cfg.Detection.PolicyFile == "" {
		return detect.DefaultPolicy(), nil
	}
	return detect.LoadPolicy(a.path(a.cfg.Detection.PolicyFile))
}

func (a *app) detector(policy *detect.Policy) (*detect.Detector, error) {
	logger := a.log.Component("detect")
	modules, err := detect.ModulesByName(a.cfg.Detection.Modules, policy, a.db, logger)
	if err != nil {
		return nil, err
	}
	return detect.New(
		detect.WithModules(modules...),
		detect.WithStore(a.db),
		detect.WithLogger(logger),
	), nil
}

// reportWriter stores reports locally, or in Azure Blob Storage when
// reports.azure is enabled.
func (a *app) reportWriter(ctx context.Context) (*report.Writer, error) {
	az := a.cfg.Reports.Azure
	if !az.Enabled {
		return report.NewWriter(report.NewFSSink(a.reportsDir())), nil
	}
	sink, err := report.NewAzureSink(report.AzureConfig{
		ConnectionString: az.ConnectionString,
		ContainerName:    az.Container,
	}, a.log.Component("report"))
	if err != nil {
		return nil, err
	}
	if err := sink.EnsureContainer(ctx); err != nil {
		return nil, err
	}
	return report.NewWriter(sink), nil
}

func (a *app) verifier(ctx context.Context, policy *detect.Policy) (*verify.Verifier, error) {
	tier := models.Tier(a.cfg.Verifier.Tier)
	opts := []verify.Option{verify.WithLogger(a.log.Component("verify"))}

	writer, err := a.reportWriter(ctx)
	if err != nil {
		return nil, err
	}
	opts = append(opts, verify.WithReporter(writer))

	if a.cfg.Verifier.Narrator {
		key, _, err := config.NarratorCredentials(a.cfg)
		if err != nil {
			return nil, fmt.Errorf("verifier narrator: %w", err)
		}
		n, err := verify.NewAnthropicNarrator(verify.NarratorConfig{
			Model:         a.cfg.ModelFor(tier),
			APIKey:        key,
			UseAWSBedrock: a.cfg.Anthropic.UseBedrock,
			AWSRegion:     a.cfg.Anthropic.AWSRegion,
			AWSProfile:    a.cfg.Anthropic.AWSProfile,
		})
		if err != nil {
			return nil, fmt.Errorf("verifier narrator: %w", err)
		}
		opts = append(opts, verify.WithNarrator(n))
	}

	return verify.New(verify.Config{
		Tier:                  tier,
		ExecutionTier:         models.Tier(a.cfg.Verifier.ExecutionTier),
		Model:                 a.cfg.ModelFor(tier),
		AutoPassThreshold:     a.cfg.Verifier.AutoPassThreshold,
		ManualReviewThreshold: a.cfg.Verifier.ManualReviewThreshold,
		AutoFailOnCritical:    a.cfg.Verifier.AutoFailOnCritical,
		Policy:                policy,
	}, a.db, opts...)
}

// withApp wraps a command body with openApp and close.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()
		return fn(cmd.Context(), a, args)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printStatus prints a status line with color.
func printStatus(symbol, message string, c *color.Color) {
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

func verdictColor(v models.Verdict) *color.Color {
	switch v {
	case models.VerdictPass:
		return okColor
	case models.VerdictReview:
		return warnColor
	default:
		return errorColor
	}
}

func recommendationColor(r models.Recommendation) *color.Color {
	switch r {
	case models.RecommendAccept:
		return okColor
	case models.RecommendReject:
		return errorColor
	default:
		return warnColor
	}
}

func severityColor(s models.Severity) *color.Color {
	switch s {
	case models.SeverityCritical:
		return errorColor
	case models.SeverityHigh:
		return color.New(color.FgRed)
	case models.SeverityMedium:
		return warnColor
	default:
		return dimColor
	}
}
