package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/config"
	"github.com/ShayCichocki/vigil/internal/learning"
	"github.com/ShayCichocki/vigil/internal/state"
	"github.com/ShayCichocki/vigil/internal/workflow"
)

var (
	initForce        bool
	initWithExamples bool
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a vigil project",
	Long: `Initialize a directory for use with vigil.

This command:
  - Creates the .vigil directory (state, logs, signals, reports)
  - Creates the state and learning databases
  - Writes a .vigil.yaml project config
  - Adds .vigil/ to .gitignore
  - Optionally writes an example test suite and detection policy

Examples:
  vigil init                  # Initialize current directory
  vigil init ./service        # Initialize a specific directory
  vigil init --with-examples  # Also write example suite and policy`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Reinitialize even if already set up")
	initCmd.Flags().BoolVar(&initWithExamples, "with-examples", false, "Write an example test suite and detection policy")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := flagProjectDir
	if len(args) > 0 {
		targetDir = args[0]
	}
	root, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", root, err)
	}

	fmt.Printf("Initializing vigil in %s...\n\n", root)

	vigilDir := filepath.Join(root, ".vigil")
	if _, err := os.Stat(vigilDir); err == nil && !initForce {
		fmt.Println("Directory already initialized. Use --force to reinitialize.")
		return nil
	}

	for _, dir := range []string{
		vigilDir,
		filepath.Join(vigilDir, "logs"),
		filepath.Join(vigilDir, "reports"),
		workflow.SignalsDir(root),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	printStatus("✓", "Created .vigil directory structure", okColor)

	db, err := state.OpenProject(root)
	if err != nil {
		return err
	}
	err = db.Migrate()
	db.Close()
	if err != nil {
		return fmt.Errorf("migrate state database: %w", err)
	}
	printStatus("✓", "Created state database", okColor)

	learns, err := learning.Open(learning.ProjectDBPath(root))
	if err != nil {
		return err
	}
	learns.Close()
	printStatus("✓", "Created learning database", okColor)

	cfgPath := filepath.Join(root, config.ProjectConfigName)
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) || initForce {
		if _, err := config.SaveProject(root, config.Default()); err != nil {
			return err
		}
		printStatus("✓", "Created "+config.ProjectConfigName, okColor)
	} else {
		printStatus("✓", config.ProjectConfigName+" exists", okColor)
	}

	if updated, err := ensureGitignore(root); err != nil {
		printStatus("⚠", "Could not update .gitignore: "+err.Error(), warnColor)
	} else if updated {
		printStatus("✓", "Added .vigil/ to .gitignore", okColor)
	}

	if initWithExamples {
		if err := writeExamples(root); err != nil {
			return err
		}
		printStatus("✓", "Wrote vigil-suite.example.yaml and vigil-policy.example.yaml", okColor)
	}

	if _, src, _ := config.NarratorCredentials(config.Default()); src == config.KeySourceNone {
		printStatus("⚠", "ANTHROPIC_API_KEY not set (only needed for verifier.narrator)", warnColor)
	}

	fmt.Printf("\n%s vigil initialization complete!\n\n", okColor.Sprint("✓"))
	fmt.Println("Next steps:")
	fmt.Println("  vigil run vigil-suite.example.yaml   # Execute and verify a suite")
	fmt.Println("  vigil status --watch                  # Watch workflows")
	return nil
}

// ensureGitignore appends .vigil/ to the project's .gitignore if missing.
func ensureGitignore(root string) (bool, error) {
	path := filepath.Join(root, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == ".vigil/" {
			return false, nil
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return false, err
	}
	defer f.Close()
	prefix := ""
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + "# vigil state\n.vigil/\n")
	return err == nil, err
}

const exampleSuite = `epic: example
base_url: http://localhost:8080
tests:
  - id: create-item
    name: create item returns 201
    request:
      method: POST
      url: /items
      body: {name: widget}
    expect:
      status: 201
      shape:
        id: string
        name: string
    side_effects:
      - name: item list
        request: {url: /items}
    error_scenarios:
      - name: missing name is rejected
        request: {method: POST, url: /items, body: {}}
        expect_status: 400
        expect_error: name required

  - id: open-issue
    name: open an issue through the github tool
    tool:
      server: github
      name: create_issue
      arguments: {title: flaky login}
    expect:
      shape:
        number: number
`

const examplePolicy = `detection:
  min_duration_ms:
    api: 10
  expected_error_patterns:
    - '(?i)\b(rejects?|invalid|unauthori[sz]ed)\b'
  history_limit: 20
`

func writeExamples(root string) error {
	files := map[string]string{
		"vigil-suite.example.yaml":  exampleSuite,
		"vigil-policy.example.yaml": examplePolicy,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
