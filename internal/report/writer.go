package report

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/vigil/internal/detect"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// Report kinds used in keys.
const (
	KindRedFlags     = "redflags"
	KindVerification = "verification"
)

// Writer renders reports and stores each as a markdown and a JSON object
// keyed <epic>/<test>/<kind>-<timestamp>.{md,json}.
type Writer struct {
	sink Sink
	now  func() time.Time
}

// NewWriter creates a writer storing through sink.
func NewWriter(sink Sink) *Writer {
	return &Writer{sink: sink, now: time.Now}
}

// WriteDetection stores a red flag report and returns the markdown key.
func (w *Writer) WriteDetection(ctx context.Context, res *detect.Result) (string, error) {
	return w.write(ctx, res.EpicID, res.TestID, KindRedFlags, DetectionMarkdown(res), res)
}

// WriteVerification stores a verification report. It satisfies
// verify.Reporter.
func (w *Writer) WriteVerification(ctx context.Context, v *models.VerificationResult, flags []models.RedFlag) error {
	doc := struct {
		*models.VerificationResult
		Flags []models.RedFlag `json:"flags"`
	}{v, flags}
	_, err := w.write(ctx, v.EpicID, v.TestID, KindVerification, VerificationMarkdown(v, flags), doc)
	return err
}

func (w *Writer) write(ctx context.Context, epicID, testID, kind, md string, doc any) (string, error) {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s report: %w", kind, err)
	}

	base := Key(epicID, testID, kind, w.now())
	if err := w.sink.Put(ctx, base+".md", strings.NewReader(md), "text/markdown"); err != nil {
		return "", err
	}
	if err := w.sink.Put(ctx, base+".json", strings.NewReader(string(raw)), "application/json"); err != nil {
		return "", err
	}
	return base + ".md", nil
}

// Key builds the extension-less key of a report.
func Key(epicID, testID, kind string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s-%s", keySegment(epicID), keySegment(testID), kind, at.UTC().Format("20060102T150405.000Z"))
}

// keySegment keeps ids usable as single path segments.
func keySegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}
