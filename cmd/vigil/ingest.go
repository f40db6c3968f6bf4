package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/pkg/models"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <bundle.json|->",
	Short: "Record executions produced by an external executor",
	Long: `Record one or more test executions with their evidence.

A bundle is a JSON object, or an array of them:

  {
    "test": {"id": "login", "epic_id": "e1", "name": "user can log in",
             "type": "ui", "pass_fail": "pass", "duration_ms": 5400},
    "evidence": [
      {"type": "screenshot_after", "payload": {"path": "login.png", "text": "Welcome back"}},
      {"type": "console_log", "payload": ["app loaded", "session restored"]}
    ]
  }

Artifacts without a checksum are sealed on ingest. Artifacts that carry one
keep it, so later tampering is caught by the verifier.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runIngest),
}

// ingestBundle is the on-disk execution record.
type ingestBundle struct {
	Test     *models.TestResult        `json:"test"`
	Evidence []models.EvidenceArtifact `json:"evidence"`
}

func runIngest(_ context.Context, a *app, args []string) error {
	bundles, err := readBundles(args[0])
	if err != nil {
		return err
	}

	for i, b := range bundles {
		if b.Test == nil {
			return fmt.Errorf("bundle %d has no test", i)
		}
		prepareBundle(&b, time.Now().UTC())
		n, err := a.db.RecordExecution(b.Test, b.Evidence)
		if err != nil {
			return fmt.Errorf("record %s: %w", b.Test.ID, err)
		}
		printStatus("✓", fmt.Sprintf("%s (%s, %s) execution #%d, %d artifact(s)",
			b.Test.ID, b.Test.Type, b.Test.PassFail, n, len(b.Evidence)), okColor)
	}
	return nil
}

func readBundles(path string) ([]ingestBundle, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}

	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var many []ingestBundle
		if err := json.Unmarshal(data, &many); err != nil {
			return nil, fmt.Errorf("parse bundles: %w", err)
		}
		return many, nil
	}
	var one ingestBundle
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	return []ingestBundle{one}, nil
}

// prepareBundle fills the ids and timestamps an external executor may leave
// out and seals unsealed artifacts.
func prepareBundle(b *ingestBundle, now time.Time) {
	if b.Test.ExecutedAt.IsZero() {
		b.Test.ExecutedAt = now
	}
	for i := range b.Evidence {
		e := &b.Evidence[i]
		if e.TestID == "" {
			e.TestID = b.Test.ID
		}
		if e.EpicID == "" {
			e.EpicID = b.Test.EpicID
		}
		if e.CapturedAt.IsZero() {
			e.CapturedAt = now
		}
		if e.Checksum == "" {
			e.Seal()
		}
	}
}
