package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/config"
	"github.com/ShayCichocki/vigil/pkg/models"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	var (
		cfg *config.Config
		err error
	)
	if flagConfigPath != "" {
		cfg, err = config.LoadFromPath(flagConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	key, src, _ := config.NarratorCredentials(cfg)

	section := func(name string) { fmt.Println(headingColor.Sprint(name)) }
	field := func(name string, value any) { fmt.Printf("  %-26s %v\n", name, value) }

	section("files")
	field("user", config.GetUserConfigPath())
	project := config.GetProjectConfigPath()
	if project == "" {
		project = dimColor.Sprint("(none)")
	}
	field("project", project)

	section("anthropic")
	field("api_key", config.MaskAPIKey(key))
	field("key_source", src)
	field("use_bedrock", cfg.Anthropic.UseBedrock)

	section("verifier")
	field("tier", fmt.Sprintf("%s (%s)", cfg.Verifier.Tier, cfg.ModelFor(models.Tier(cfg.Verifier.Tier))))
	field("execution_tier", fmt.Sprintf("%s (%s)", cfg.Verifier.ExecutionTier, cfg.ModelFor(models.Tier(cfg.Verifier.ExecutionTier))))
	field("auto_pass_threshold", cfg.Verifier.AutoPassThreshold)
	field("manual_review_threshold", cfg.Verifier.ManualReviewThreshold)
	field("auto_fail_on_critical", cfg.Verifier.AutoFailOnCritical)
	field("narrator", cfg.Verifier.Narrator)

	section("detection")
	modules := "all"
	if len(cfg.Detection.Modules) > 0 {
		modules = strings.Join(cfg.Detection.Modules, ", ")
	}
	field("modules", modules)
	field("concurrency", cfg.Detection.Concurrency)
	field("policy_file", orDefault(cfg.Detection.PolicyFile, "built-in"))

	section("workflow")
	field("max_retries", cfg.Workflow.MaxRetries)
	field("signals_dir", orDefault(cfg.Workflow.SignalsDir, ".vigil/signals"))

	section("executor")
	field("timeout", cfg.Executor.Timeout)
	field("max_retries", cfg.Executor.MaxRetries)
	field("backoff", fmt.Sprintf("%s → %s", cfg.Executor.InitialBackoff, cfg.Executor.MaxBackoff))
	for _, name := range cfg.MCPServerNames() {
		field("mcp_servers."+name, cfg.Executor.MCPServers[name])
	}

	section("storage")
	field("path", orDefault(cfg.Storage.Path, ".vigil/state.db"))
	field("driver", cfg.Storage.Driver)

	section("reports")
	if cfg.Reports.Azure.Enabled {
		field("azure.container", cfg.Reports.Azure.Container)
	} else {
		field("dir", orDefault(cfg.Reports.Dir, ".vigil/reports"))
	}

	section("logging")
	field("level", cfg.Logging.Level)
	field("file", orDefault(cfg.Logging.File, ".vigil/logs/vigil.log"))
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return dimColor.Sprint(def)
	}
	return v
}
