package detect

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/vigil/internal/logging"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// supersededNote is recorded on flags replaced by a later detection run.
const supersededNote = "superseded by re-detection"

// FlagStore persists detection output. *state.DB implements it.
type FlagStore interface {
	ReplaceRedFlags(testID string, flags []models.RedFlag, note string) error
}

// ModuleError records a module that failed or panicked. Other modules'
// flags are still reported.
type ModuleError struct {
	Module string `json:"module"`
	Err    string `json:"error"`
}

// Options tune a single detection run.
type Options struct {
	// Modules restricts the run to the named modules. Empty runs all
	// configured modules.
	Modules []string
	// SkipPersist disables writing flags to the store.
	SkipPersist bool
}

// Result is the outcome of detection for one test.
type Result struct {
	TestID         string                `json:"test_id"`
	EpicID         string                `json:"epic_id"`
	TestName       string                `json:"test_name,omitempty"`
	TestType       models.TestType       `json:"test_type"`
	Skipped        bool                  `json:"skipped,omitempty"`
	Verdict        models.Verdict        `json:"verdict"`
	Summary        models.SeverityCounts `json:"summary"`
	Flags          []models.RedFlag      `json:"flags"`
	Recommendation string                `json:"recommendation"`
	ModuleErrors   []ModuleError         `json:"module_errors,omitempty"`
	DetectedAt     time.Time             `json:"detected_at"`
}

// Detector runs detection modules over a test's evidence.
type Detector struct {
	modules []Module
	store   FlagStore
	logger  *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithModules replaces the default module set.
func WithModules(modules ...Module) Option {
	return func(d *Detector) { d.modules = modules }
}

// WithStore persists flags after each run.
func WithStore(store FlagStore) Option {
	return func(d *Detector) { d.store = store }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

// New creates a detector. Without WithModules it runs all five modules
// with the default policy and no timing history.
func New(opts ...Option) *Detector {
	d := &Detector{}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrNop(d.logger)
	if d.modules == nil {
		d.modules = DefaultModules(nil, nil, d.logger)
	}
	return d
}

// DefaultModules builds every module in execution order.
func DefaultModules(policy *Policy, history TimingSource, logger *slog.Logger) []Module {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return []Module{
		NewMissingEvidenceDetector(policy),
		NewInconsistentEvidenceDetector(policy, logger),
		NewToolExecutionDetector(),
		NewTimingAnomalyDetector(policy, history, logger),
		NewCoverageAnalyzer(policy, logger),
	}
}

// ModulesByName builds the named modules. An empty list builds all of them.
func ModulesByName(names []string, policy *Policy, history TimingSource, logger *slog.Logger) ([]Module, error) {
	all := DefaultModules(policy, history, logger)
	if len(names) == 0 {
		return all, nil
	}
	var out []Module
	for _, name := range names {
		idx := slices.IndexFunc(all, func(m Module) bool { return m.Name() == name })
		if idx < 0 {
			return nil, fmt.Errorf("unknown detection module %q", name)
		}
		out = append(out, all[idx])
	}
	return out, nil
}

// Modules returns the names of the configured modules.
func (d *Detector) Modules() []string {
	names := make([]string, len(d.modules))
	for i, m := range d.modules {
		names[i] = m.Name()
	}
	return names
}

// Detect runs the enabled modules concurrently and aggregates their flags.
// Tests reported as failing are not scrutinized and yield no flags.
// A module error or panic is recorded in ModuleErrors without affecting the
// other modules. The returned error is non-nil only when persisting fails,
// in which case the result is still returned.
func (d *Detector) Detect(ctx context.Context, epicID string, test *models.TestResult, evidence []models.EvidenceArtifact, opts Options) (*Result, error) {
	if err := test.Validate(); err != nil {
		return nil, err
	}
	if epicID == "" {
		epicID = test.EpicID
	}

	res := &Result{
		TestID:     test.ID,
		EpicID:     epicID,
		TestName:   test.Name,
		TestType:   test.Type,
		DetectedAt: time.Now().UTC(),
	}

	if !test.Passed() {
		res.Skipped = true
		res.Verdict = models.VerdictPass
		res.Recommendation = "Reported failure; evidence was not scrutinized."
		d.logger.Debug("skipping detection for reported failure", "test_id", test.ID)
		return res, nil
	}

	modules := d.enabled(opts.Modules)
	perModule := make([][]models.RedFlag, len(modules))
	errs := make([]*ModuleError, len(modules))

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range modules {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = &ModuleError{Module: m.Name(), Err: fmt.Sprintf("panic: %v", r)}
				}
			}()
			flags, err := m.Detect(gctx, epicID, test, evidence)
			if err != nil {
				errs[i] = &ModuleError{Module: m.Name(), Err: err.Error()}
				return nil
			}
			perModule[i] = flags
			return nil
		})
	}
	// Workers never return errors; failures are captured per module.
	_ = g.Wait()

	for i := range modules {
		if errs[i] != nil {
			d.logger.Warn("detection module failed", "module", errs[i].Module, "test_id", test.ID, "error", errs[i].Err)
			res.ModuleErrors = append(res.ModuleErrors, *errs[i])
			continue
		}
		res.Flags = append(res.Flags, perModule[i]...)
	}

	res.Summary = models.CountFlags(res.Flags)
	res.Verdict = models.VerdictFor(res.Summary)
	res.Recommendation = recommend(res)

	d.logger.Info("detection complete",
		"test_id", test.ID,
		"verdict", res.Verdict,
		"critical", res.Summary.Critical,
		"high", res.Summary.High,
		"medium", res.Summary.Medium,
		"low", res.Summary.Low,
	)

	if d.store != nil && !opts.SkipPersist {
		if err := d.store.ReplaceRedFlags(test.ID, res.Flags, supersededNote); err != nil {
			return res, fmt.Errorf("persist red flags: %w", err)
		}
	}
	return res, nil
}

func (d *Detector) enabled(names []string) []Module {
	if len(names) == 0 {
		return d.modules
	}
	var out []Module
	for _, m := range d.modules {
		if slices.Contains(names, m.Name()) {
			out = append(out, m)
		}
	}
	return out
}

// TopFlag returns the first flag of the highest severity present.
func TopFlag(flags []models.RedFlag) (models.RedFlag, bool) {
	var (
		top   models.RedFlag
		found bool
	)
	for _, f := range flags {
		if !found || f.Severity.Rank() > top.Severity.Rank() {
			top, found = f, true
		}
	}
	return top, found
}

func recommend(res *Result) string {
	top, ok := TopFlag(res.Flags)
	switch res.Verdict {
	case models.VerdictFail:
		return fmt.Sprintf("Reject the reported pass: %s (%s, critical).", top.Description, top.FlagType)
	case models.VerdictReview:
		return fmt.Sprintf("Hold for manual review: %s (%s, high).", top.Description, top.FlagType)
	}
	if ok {
		return fmt.Sprintf("Accept: no blocking flags; %d lower-severity flag(s) logged, most notably %s.", res.Summary.Total, top.FlagType)
	}
	return "Accept: evidence is consistent with the reported pass."
}
