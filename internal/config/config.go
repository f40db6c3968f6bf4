// Package config handles configuration loading and management for vigil.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// ProjectConfigName is the per-project override file.
const ProjectConfigName = ".vigil.yaml"

// Config holds all configuration for vigil.
type Config struct {
	Anthropic AnthropicConfig   `mapstructure:"anthropic"`
	Storage   StorageConfig     `mapstructure:"storage"`
	Detection DetectionConfig   `mapstructure:"detection"`
	Verifier  VerifierConfig    `mapstructure:"verifier"`
	Workflow  WorkflowConfig    `mapstructure:"workflow"`
	Executor  ExecutorConfig    `mapstructure:"executor"`
	Reports   ReportsConfig     `mapstructure:"reports"`
	Tiers     map[string]string `mapstructure:"tiers"`
	Logging   LoggingConfig     `mapstructure:"logging"`
	TUI       TUIConfig         `mapstructure:"tui"`
}

// AnthropicConfig holds Anthropic API settings for the verifier narrator.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// StorageConfig selects the SQLite database.
type StorageConfig struct {
	// Path is the database file. Empty means .vigil/state.db in the project.
	Path string `mapstructure:"path"`
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `mapstructure:"driver"`
}

// DetectionConfig controls the red flag detector.
type DetectionConfig struct {
	// Modules lists the enabled modules. Empty enables all of them.
	Modules []string `mapstructure:"modules"`
	// Concurrency bounds how many tests of a batch are inspected at once.
	Concurrency int `mapstructure:"concurrency"`
	// PolicyFile is an optional YAML file overriding the detection policy.
	PolicyFile string `mapstructure:"policy_file"`
}

// VerifierConfig controls the independent verifier.
type VerifierConfig struct {
	Tier                  string `mapstructure:"tier"`
	ExecutionTier         string `mapstructure:"execution_tier"`
	AutoPassThreshold     int    `mapstructure:"auto_pass_threshold"`
	ManualReviewThreshold int    `mapstructure:"manual_review_threshold"`
	AutoFailOnCritical    bool   `mapstructure:"auto_fail_on_critical"`
	// Narrator enables plain-language reasoning from the verifier model.
	Narrator bool `mapstructure:"narrator"`
}

// WorkflowConfig controls the test workflow orchestrator.
type WorkflowConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
	// SignalsDir is watched for abort-<testID> files. Empty means
	// .vigil/signals in the project.
	SignalsDir string `mapstructure:"signals_dir"`
}

// ExecutorConfig controls the evidence-producing executor.
type ExecutorConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	// MCPServers maps a server name to the command line that starts it.
	MCPServers map[string]string `mapstructure:"mcp_servers"`
}

// ReportsConfig selects where reports are written.
type ReportsConfig struct {
	// Dir is the local report directory. Empty means .vigil/reports.
	Dir   string      `mapstructure:"dir"`
	Azure AzureConfig `mapstructure:"azure"`
}

// AzureConfig enables the Azure Blob Storage report sink.
type AzureConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	ConnectionString string `mapstructure:"connection_string"`
	Container        string `mapstructure:"container"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// File is the log file. Empty means .vigil/logs/vigil.log.
	File string `mapstructure:"file"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// defaultTierModels maps each tier to the model that runs at it.
var defaultTierModels = map[string]string{
	string(models.TierQuick):     "claude-haiku-4-5-20251001",
	string(models.TierScout):     "claude-haiku-4-5-20251001",
	string(models.TierBuilder):   "claude-sonnet-4-5-20250929",
	string(models.TierArchitect): "claude-opus-4-5-20251101",
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, VIGIL_<SECTION>_<KEY>)
// 2. Project config (.vigil.yaml in current directory or parent)
// 3. User config (~/.config/vigil/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific path. Environment
// overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "VIGIL_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Reports.Azure.ConnectionString = expandEnv(cfg.Reports.Azure.ConnectionString)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be caught by decoding.
func (c *Config) Validate() error {
	verifierTier := models.Tier(c.Verifier.Tier)
	if !verifierTier.Valid() {
		return fmt.Errorf("verifier.tier: unknown tier %q", c.Verifier.Tier)
	}
	if c.Verifier.ExecutionTier != "" {
		execTier := models.Tier(c.Verifier.ExecutionTier)
		if !execTier.Valid() {
			return fmt.Errorf("verifier.execution_tier: unknown tier %q", c.Verifier.ExecutionTier)
		}
		if !verifierTier.Greater(execTier) {
			return fmt.Errorf("verifier.tier %q must be above execution_tier %q", verifierTier, execTier)
		}
	}
	if c.Verifier.ManualReviewThreshold > c.Verifier.AutoPassThreshold {
		return fmt.Errorf("verifier.manual_review_threshold %d exceeds auto_pass_threshold %d",
			c.Verifier.ManualReviewThreshold, c.Verifier.AutoPassThreshold)
	}
	if c.Workflow.MaxRetries < 1 || c.Workflow.MaxRetries > models.MaxFixRetries {
		return fmt.Errorf("workflow.max_retries: %d is outside 1..%d", c.Workflow.MaxRetries, models.MaxFixRetries)
	}
	switch c.Storage.Driver {
	case "", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unsupported driver %q", c.Storage.Driver)
	}
	for tier := range c.Tiers {
		if !models.Tier(tier).Valid() {
			return fmt.Errorf("tiers: unknown tier %q", tier)
		}
	}
	if c.Reports.Azure.Enabled && c.Reports.Azure.ConnectionString == "" {
		return errors.New("reports.azure: enabled without a connection_string")
	}
	return nil
}

// ModelFor returns the model configured for a tier.
func (c *Config) ModelFor(tier models.Tier) string {
	if m := c.Tiers[string(tier)]; m != "" {
		return m
	}
	return defaultTierModels[string(tier)]
}

// MCPServerNames returns the configured MCP server names, sorted.
func (c *Config) MCPServerNames() []string {
	names := make([]string, 0, len(c.Executor.MCPServers))
	for name := range c.Executor.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SaveProject writes cfg as the project config in dir. The API key is never
// written.
func SaveProject(dir string, cfg *Config) (string, error) {
	path := filepath.Join(dir, ProjectConfigName)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("storage.driver", cfg.Storage.Driver)
	v.Set("detection.modules", cfg.Detection.Modules)
	v.Set("detection.concurrency", cfg.Detection.Concurrency)
	v.Set("verifier.tier", cfg.Verifier.Tier)
	v.Set("verifier.execution_tier", cfg.Verifier.ExecutionTier)
	v.Set("verifier.auto_pass_threshold", cfg.Verifier.AutoPassThreshold)
	v.Set("verifier.manual_review_threshold", cfg.Verifier.ManualReviewThreshold)
	v.Set("verifier.auto_fail_on_critical", cfg.Verifier.AutoFailOnCritical)
	v.Set("verifier.narrator", cfg.Verifier.Narrator)
	v.Set("workflow.max_retries", cfg.Workflow.MaxRetries)
	v.Set("executor.timeout", cfg.Executor.Timeout.String())
	v.Set("executor.max_retries", cfg.Executor.MaxRetries)
	v.Set("executor.initial_backoff", cfg.Executor.InitialBackoff.String())
	v.Set("executor.max_backoff", cfg.Executor.MaxBackoff.String())
	v.Set("logging.level", cfg.Logging.Level)

	if err := v.WriteConfig(); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values. Every key must have a default so
// AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("storage.path", "")
	v.SetDefault("storage.driver", "sqlite")

	v.SetDefault("detection.modules", []string{})
	v.SetDefault("detection.concurrency", 4)
	v.SetDefault("detection.policy_file", "")

	v.SetDefault("verifier.tier", string(models.TierBuilder))
	v.SetDefault("verifier.execution_tier", string(models.TierQuick))
	v.SetDefault("verifier.auto_pass_threshold", 80)
	v.SetDefault("verifier.manual_review_threshold", 50)
	v.SetDefault("verifier.auto_fail_on_critical", false)
	v.SetDefault("verifier.narrator", false)

	v.SetDefault("workflow.max_retries", models.MaxFixRetries)
	v.SetDefault("workflow.signals_dir", "")

	v.SetDefault("executor.timeout", "30s")
	v.SetDefault("executor.max_retries", 3)
	v.SetDefault("executor.initial_backoff", "200ms")
	v.SetDefault("executor.max_backoff", "5s")
	v.SetDefault("executor.mcp_servers", map[string]string{})

	v.SetDefault("reports.dir", "")
	v.SetDefault("reports.azure.enabled", false)
	v.SetDefault("reports.azure.connection_string", "")
	v.SetDefault("reports.azure.container", "vigil-reports")

	v.SetDefault("tiers", defaultTierModels)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")

	v.SetDefault("tui.refresh_rate", "500ms")
}

// getUserConfigDir returns the XDG config directory for vigil.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "vigil")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "vigil")
	}
	return filepath.Join(home, ".config", "vigil")
}

// findProjectConfig searches for .vigil.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	tiers := make(map[string]string, len(defaultTierModels))
	for k, m := range defaultTierModels {
		tiers[k] = m
	}
	return &Config{
		Storage: StorageConfig{Driver: "sqlite"},
		Detection: DetectionConfig{
			Concurrency: 4,
		},
		Verifier: VerifierConfig{
			Tier:                  string(models.TierBuilder),
			ExecutionTier:         string(models.TierQuick),
			AutoPassThreshold:     80,
			ManualReviewThreshold: 50,
		},
		Workflow: WorkflowConfig{MaxRetries: models.MaxFixRetries},
		Executor: ExecutorConfig{
			Timeout:        30 * time.Second,
			MaxRetries:     3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			MCPServers:     map[string]string{},
		},
		Reports: ReportsConfig{
			Azure: AzureConfig{Container: "vigil-reports"},
		},
		Tiers:   tiers,
		Logging: LoggingConfig{Level: "info"},
		TUI:     TUIConfig{RefreshRate: 500 * time.Millisecond},
	}
}
