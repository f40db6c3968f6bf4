package detect

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/ShayCichocki/vigil/internal/evidence"
	"github.com/ShayCichocki/vigil/internal/logging"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// TimingSource supplies historical durations for a test, newest first.
// *state.DB implements it.
type TimingSource interface {
	TimingDurations(testName string, limit int) ([]int64, error)
}

// Baseline is the mean and population standard deviation of past durations.
type Baseline struct {
	Samples int     `json:"samples"`
	MeanMs  float64 `json:"mean_ms"`
	StdDev  float64 `json:"stddev_ms"`
}

// NewBaseline computes a baseline from durations.
func NewBaseline(durations []int64) Baseline {
	b := Baseline{Samples: len(durations)}
	if b.Samples == 0 {
		return b
	}
	var sum float64
	for _, d := range durations {
		sum += float64(d)
	}
	b.MeanMs = sum / float64(b.Samples)
	var sq float64
	for _, d := range durations {
		diff := float64(d) - b.MeanMs
		sq += diff * diff
	}
	b.StdDev = math.Sqrt(sq / float64(b.Samples))
	return b
}

// Observation is the timing data extracted from one test's evidence.
type Observation struct {
	DurationMs      int64
	HasDuration     bool
	NetworkRequests int
	DOMMutations    int
}

// Observe extracts timing data. The test_duration artifact wins over the
// duration reported on the result; request and mutation counts fall back to
// the network trace and DOM snapshots.
func Observe(test *models.TestResult, artifacts []models.EvidenceArtifact) Observation {
	var (
		obs          Observation
		netCounted   bool
		domCounted   bool
		traceCount   int
		snapshotMuts int
	)
	for _, a := range artifacts {
		switch a.Type {
		case models.EvidenceTestDuration:
			d, ok := evidence.ParseDuration(a)
			if !ok || obs.HasDuration {
				continue
			}
			obs.DurationMs = d.DurationMs
			obs.HasDuration = true
			if d.NetworkRequests != nil {
				obs.NetworkRequests = *d.NetworkRequests
				netCounted = true
			}
			if d.DOMMutations != nil {
				obs.DOMMutations = *d.DOMMutations
				domCounted = true
			}
		case models.EvidenceNetworkTrace:
			if t, ok := evidence.ParseNetworkTrace(a); ok {
				traceCount += len(t.Requests)
			}
		case models.EvidenceDOMSnapshot:
			if s, ok := evidence.ParseDOMSnapshot(a); ok {
				snapshotMuts += s.Mutations
			}
		}
	}
	if !obs.HasDuration && test.DurationMs > 0 {
		obs.DurationMs = test.DurationMs
		obs.HasDuration = true
	}
	if !netCounted {
		obs.NetworkRequests = traceCount
	}
	if !domCounted {
		obs.DOMMutations = snapshotMuts
	}
	return obs
}

// TimingAnomalyDetector flags runs that were implausibly fast for their type
// or against their own history, and UI runs with no network or DOM activity.
type TimingAnomalyDetector struct {
	policy  *Policy
	history TimingSource
	logger  *slog.Logger
}

// NewTimingAnomalyDetector creates the module. A nil history disables the
// baseline comparison.
func NewTimingAnomalyDetector(policy *Policy, history TimingSource, logger *slog.Logger) *TimingAnomalyDetector {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &TimingAnomalyDetector{policy: policy, history: history, logger: logging.OrNop(logger)}
}

// Name implements Module.
func (d *TimingAnomalyDetector) Name() string { return ModuleTimingAnomaly }

// Detect implements Module.
func (d *TimingAnomalyDetector) Detect(_ context.Context, epicID string, test *models.TestResult, artifacts []models.EvidenceArtifact) ([]models.RedFlag, error) {
	if !scrutinize(test) {
		return nil, nil
	}

	obs := Observe(test, artifacts)
	if !obs.HasDuration {
		return nil, nil
	}

	var flags []models.RedFlag

	if minMs, ok := d.policy.MinDurationMs[test.Type]; ok && obs.DurationMs < minMs {
		flags = append(flags, newFlag(epicID, test, "", FlagDurationTooShort, models.SeverityMedium,
			fmt.Sprintf("%s test finished in %dms, below the %dms minimum", test.Type, obs.DurationMs, minMs),
			map[string]any{"duration_ms": obs.DurationMs, "minimum_ms": minMs, "test_type": test.Type}))
	}

	if f := d.checkBaseline(epicID, test, obs); f != nil {
		flags = append(flags, *f)
	}

	if test.Type == models.TestTypeUI {
		if obs.NetworkRequests < 1 {
			flags = append(flags, newFlag(epicID, test, "", FlagNoNetworkActivity, models.SeverityMedium,
				"UI test recorded no network requests",
				map[string]any{"network_requests": obs.NetworkRequests, "duration_ms": obs.DurationMs}))
		}
		if obs.DOMMutations < 1 {
			flags = append(flags, newFlag(epicID, test, "", FlagNoDOMMutations, models.SeverityMedium,
				"UI test recorded no DOM mutations",
				map[string]any{"dom_mutations": obs.DOMMutations, "duration_ms": obs.DurationMs}))
		}
	}

	return flags, nil
}

func (d *TimingAnomalyDetector) checkBaseline(epicID string, test *models.TestResult, obs Observation) *models.RedFlag {
	if d.history == nil {
		return nil
	}
	name := test.Name
	if name == "" {
		name = test.ID
	}
	durations, err := d.history.TimingDurations(name, d.policy.HistoryLimit)
	if err != nil {
		d.logger.Warn("timing history unavailable", "test", name, "error", err)
		return nil
	}
	if len(durations) < d.policy.MinHistorySamples {
		return nil
	}

	b := NewBaseline(durations)
	if float64(obs.DurationMs) >= b.MeanMs/2 {
		return nil
	}

	// With identical prior runs any drop below half the mean is infinitely
	// many deviations out.
	severity := models.SeverityLow
	if b.StdDev == 0 || (b.MeanMs-float64(obs.DurationMs))/b.StdDev > d.policy.StdDevThreshold {
		severity = models.SeverityMedium
	}
	f := newFlag(epicID, test, "", FlagDurationBelowAverage, severity,
		fmt.Sprintf("run took %dms, less than half the historical mean of %.0fms", obs.DurationMs, b.MeanMs),
		map[string]any{"duration_ms": obs.DurationMs, "baseline": b, "stddev_threshold": d.policy.StdDevThreshold})
	return &f
}
