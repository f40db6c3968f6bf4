package detect

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// TestBundle is one test and the evidence captured for it.
type TestBundle struct {
	Test     *models.TestResult
	Evidence []models.EvidenceArtifact
}

// BatchItem is the outcome for one test of a batch. Err is set when the test
// could not be detected or its flags could not be stored.
type BatchItem struct {
	Result *Result `json:"result,omitempty"`
	Err    string  `json:"error,omitempty"`
}

// BatchResult aggregates detection across an epic.
type BatchResult struct {
	EpicID   string                 `json:"epic_id"`
	Items    []BatchItem            `json:"items"`
	Verdicts map[models.Verdict]int `json:"verdicts"`
	Summary  models.SeverityCounts  `json:"summary"`
	Failed   int                    `json:"failed"`
}

// Verdict returns the worst verdict across the batch.
func (b *BatchResult) Verdict() models.Verdict {
	return models.VerdictFor(b.Summary)
}

// DetectBatch runs Detect for many tests with at most limit tests in flight.
// Each test still fans out its own modules. Results keep the input order.
func (d *Detector) DetectBatch(ctx context.Context, epicID string, bundles []TestBundle, limit int, opts Options) *BatchResult {
	if limit < 1 {
		limit = 1
	}

	items := make([]BatchItem, len(bundles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range bundles {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				items[i].Err = err.Error()
				return nil
			}
			res, err := d.Detect(gctx, epicID, bundles[i].Test, bundles[i].Evidence, opts)
			items[i].Result = res
			if err != nil {
				items[i].Err = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	out := &BatchResult{
		EpicID:   epicID,
		Items:    items,
		Verdicts: make(map[models.Verdict]int),
	}
	for _, it := range items {
		if it.Err != "" {
			out.Failed++
		}
		if it.Result == nil {
			continue
		}
		out.Verdicts[it.Result.Verdict]++
		out.Summary.Merge(it.Result.Summary)
	}

	d.logger.Info("batch detection complete",
		"epic_id", epicID,
		"tests", len(bundles),
		"failed", out.Failed,
		"critical", out.Summary.Critical,
		"high", out.Summary.High,
	)
	return out
}
