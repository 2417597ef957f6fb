// Package config provides configuration loading and management for stepflow.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/metalagman/stepflow/internal/tools/mcpbridge"
	"github.com/spf13/viper"
)

// DefaultPath is the config file looked up when no path is given.
var DefaultPath = filepath.Join(".stepflow", "config.json")

// EnvPrefix prefixes environment overrides, e.g. STEPFLOW_ORACLE_MODEL.
const EnvPrefix = "STEPFLOW"

// Config is the root configuration.
type Config struct {
	RunID      string          `json:"run_id,omitempty" mapstructure:"run_id"`
	Oracle     OracleConfig    `json:"oracle"           mapstructure:"oracle"`
	Budgets    Budgets         `json:"budgets"          mapstructure:"budgets"`
	Invariants Invariants      `json:"invariants"       mapstructure:"invariants"`
	Output     Output          `json:"output"           mapstructure:"output"`
	Artifacts  Artifacts       `json:"artifacts"        mapstructure:"artifacts"`
	Retention  RetentionPolicy `json:"retention"        mapstructure:"retention"`
	Tools      Tools           `json:"tools"            mapstructure:"tools"`
	Inputs     Inputs          `json:"inputs"           mapstructure:"inputs"`
	Metrics    Metrics         `json:"metrics"          mapstructure:"metrics"`
}

// OracleConfig selects and configures the language model backend.
type OracleConfig struct {
	Provider    string        `json:"provider"              mapstructure:"provider"`
	Model       string        `json:"model"                 mapstructure:"model"`
	BaseURL     string        `json:"base_url,omitempty"    mapstructure:"base_url"`
	APIKey      string        `json:"api_key,omitempty"     mapstructure:"api_key"`
	APIKeyEnv   string        `json:"api_key_env,omitempty" mapstructure:"api_key_env"`
	Timeout     time.Duration `json:"timeout"               mapstructure:"timeout"`
	Temperature float64       `json:"temperature"           mapstructure:"temperature"`
	MaxTokens   int           `json:"max_tokens"            mapstructure:"max_tokens"`
}

// Providers.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// ResolveAPIKey returns the explicit key or the value of the key environment variable.
func (o OracleConfig) ResolveAPIKey() string {
	if o.APIKey != "" {
		return o.APIKey
	}
	env := o.APIKeyEnv
	if env == "" {
		switch o.Provider {
		case ProviderGemini:
			env = "GEMINI_API_KEY"
		default:
			env = "OPENAI_API_KEY"
		}
	}
	return os.Getenv(env)
}

// Budgets defines per-step and per-run limits.
type Budgets struct {
	MaxIterationsPerStep int `json:"max_iterations_per_step" mapstructure:"max_iterations_per_step"`
	MaxToolExecPerStep   int `json:"max_tool_exec_per_step"  mapstructure:"max_tool_exec_per_step"`
	MaxDepth             int `json:"max_depth"               mapstructure:"max_depth"`
	ProposalMaxSteps     int `json:"proposal_max_steps"      mapstructure:"proposal_max_steps"`
	ProposalMaxEdges     int `json:"proposal_max_edges"      mapstructure:"proposal_max_edges"`
}

// Invariants configures predicate compilation.
type Invariants struct {
	Strict bool `json:"strict" mapstructure:"strict"`
}

// Output configures human progress output.
type Output struct {
	Quiet    bool `json:"quiet"     mapstructure:"quiet"`
	LogSteps bool `json:"log_steps" mapstructure:"log_steps"`
	LogTools bool `json:"log_tools" mapstructure:"log_tools"`
}

// Artifacts configures the audit trail.
type Artifacts struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Dir     string `json:"dir"     mapstructure:"dir"`
	Ledger  string `json:"ledger"  mapstructure:"ledger"`
}

// RetentionPolicy defines how many old runs to keep.
type RetentionPolicy struct {
	KeepLast int `json:"keep_last,omitempty" mapstructure:"keep_last"`
	KeepDays int `json:"keep_days,omitempty" mapstructure:"keep_days"`
}

// Tools configures the tool registry.
type Tools struct {
	Enabled   []string                 `json:"enabled"     mapstructure:"enabled"`
	CLIExec   CLIExec                  `json:"cli_exec"    mapstructure:"cli_exec"`
	HTTP      HTTPRequest              `json:"http"        mapstructure:"http"`
	WebSearch WebSearch                `json:"web_search"  mapstructure:"web_search"`
	MCP       []mcpbridge.ServerConfig `json:"mcp_servers" mapstructure:"mcp_servers"`
}

// IsEnabled reports whether the named tool is enabled. An empty list enables all tools.
func (t Tools) IsEnabled(name string) bool {
	if len(t.Enabled) == 0 {
		return true
	}
	for _, n := range t.Enabled {
		if strings.TrimSpace(n) == name {
			return true
		}
	}
	return false
}

// CLIExec configures the shell tool.
type CLIExec struct {
	Shell   string        `json:"shell"   mapstructure:"shell"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	Dir     string        `json:"dir"     mapstructure:"dir"`
}

// HTTPRequest configures the HTTP tool.
type HTTPRequest struct {
	Timeout      time.Duration `json:"timeout"        mapstructure:"timeout"`
	MaxBodyBytes int64         `json:"max_body_bytes" mapstructure:"max_body_bytes"`
	Markdown     bool          `json:"markdown"       mapstructure:"markdown"`
}

// WebSearch configures the search tool.
type WebSearch struct {
	BaseURL   string `json:"base_url"    mapstructure:"base_url"`
	APIKeyEnv string `json:"api_key_env" mapstructure:"api_key_env"`
}

// Inputs configures input seeding.
type Inputs struct {
	MaxFileMB int `json:"max_file_mb" mapstructure:"max_file_mb"`
}

// MaxFileBytes returns the file size limit in bytes.
func (i Inputs) MaxFileBytes() int64 {
	return int64(i.MaxFileMB) * 1024 * 1024
}

// Metrics configures the metrics endpoint.
type Metrics struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

// legacyEnv maps config keys to the bare environment names honoured besides the prefixed ones.
var legacyEnv = map[string]string{
	"run_id":                         "RUN_ID",
	"oracle.model":                   "MODEL",
	"oracle.base_url":                "OPENAI_BASE_URL",
	"budgets.max_tool_exec_per_step": "MAX_TOOL_EXEC_PER_STEP",
	"output.quiet":                   "QUIET",
	"output.log_steps":               "LOG_STEPS",
	"output.log_tools":               "LOG_TOOLS",
	"inputs.max_file_mb":             "MAX_INPUT_FILE_MB",
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("run_id", "")
	v.SetDefault("oracle.provider", ProviderOpenAI)
	v.SetDefault("oracle.model", "gpt-4o-mini")
	v.SetDefault("oracle.base_url", "")
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.api_key_env", "")
	v.SetDefault("oracle.timeout", "60s")
	v.SetDefault("oracle.temperature", 0.2)
	v.SetDefault("oracle.max_tokens", 800)

	v.SetDefault("budgets.max_iterations_per_step", 8)
	v.SetDefault("budgets.max_tool_exec_per_step", 6)
	v.SetDefault("budgets.max_depth", 4)
	v.SetDefault("budgets.proposal_max_steps", 8)
	v.SetDefault("budgets.proposal_max_edges", 24)

	v.SetDefault("invariants.strict", false)

	v.SetDefault("output.quiet", false)
	v.SetDefault("output.log_steps", true)
	v.SetDefault("output.log_tools", false)

	v.SetDefault("artifacts.enabled", true)
	v.SetDefault("artifacts.dir", filepath.Join(".stepflow", "runs"))
	v.SetDefault("artifacts.ledger", filepath.Join(".stepflow", "stepflow.db"))

	v.SetDefault("retention.keep_last", 50)
	v.SetDefault("retention.keep_days", 0)

	v.SetDefault("tools.enabled", []string{})
	v.SetDefault("tools.cli_exec.shell", "/bin/bash")
	v.SetDefault("tools.cli_exec.timeout", "15s")
	v.SetDefault("tools.cli_exec.dir", "")
	v.SetDefault("tools.http.timeout", "30s")
	v.SetDefault("tools.http.max_body_bytes", 1<<20)
	v.SetDefault("tools.http.markdown", true)
	v.SetDefault("tools.web_search.base_url", "https://api.tavily.com/search")
	v.SetDefault("tools.web_search.api_key_env", "TAVILY_API_KEY")

	v.SetDefault("inputs.max_file_mb", 2)
	v.SetDefault("metrics.addr", "")
}

// Load reads the config file at path, applies defaults and environment overrides, and
// validates the result. A missing file is not an error: defaults apply.
func Load(path string) (Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path == "" {
		path = DefaultPath
	}
	settings := DefaultSettings()
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType(configType(path))
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		raw, err := readRawSettings(path)
		if err != nil {
			return Config{}, err
		}
		settings = mergeSettings(settings, raw)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("stat config: %w", err)
	}

	// viper drops keys without leaf values, so the file is validated as written.
	if err := ValidateSettings(settings); err != nil {
		return Config{}, err
	}

	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that the schema cannot express once env overrides are applied.
func (c Config) Validate() error {
	switch c.Oracle.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("oracle.provider must be %q or %q, got %q", ProviderOpenAI, ProviderGemini, c.Oracle.Provider)
	}
	if c.Budgets.MaxIterationsPerStep <= 0 {
		return fmt.Errorf("budgets.max_iterations_per_step must be > 0")
	}
	if c.Budgets.MaxToolExecPerStep <= 0 {
		return fmt.Errorf("budgets.max_tool_exec_per_step must be > 0")
	}
	if c.Budgets.MaxDepth <= 0 {
		return fmt.Errorf("budgets.max_depth must be > 0")
	}
	if c.Inputs.MaxFileMB <= 0 {
		return fmt.Errorf("inputs.max_file_mb must be > 0")
	}
	return nil
}

// DefaultSettings returns the nested default settings, suitable for writing a starter config.
func DefaultSettings() map[string]any {
	v := viper.New()
	SetDefaults(v)
	return v.AllSettings()
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}
