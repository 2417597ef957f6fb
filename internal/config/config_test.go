package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every environment override so host settings do not leak into tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for key, legacy := range legacyEnv {
		t.Setenv(legacy, "")
		t.Setenv(EnvPrefix+"_"+envSuffix(key), "")
	}
	for _, key := range []string{"STEPFLOW_ORACLE_PROVIDER", "STEPFLOW_ORACLE_API_KEY", "STEPFLOW_TOOLS_ENABLED", "STEPFLOW_BUDGETS_MAX_DEPTH"} {
		t.Setenv(key, "")
	}
}

func envSuffix(key string) string {
	out := []byte(key)
	for i, c := range out {
		switch {
		case c == '.':
			out[i] = '_'
		case c >= 'a' && c <= 'z':
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	assert.Equal(t, ProviderOpenAI, cfg.Oracle.Provider)
	assert.Equal(t, 60*time.Second, cfg.Oracle.Timeout)
	assert.InDelta(t, 0.2, cfg.Oracle.Temperature, 1e-9)
	assert.Equal(t, 800, cfg.Oracle.MaxTokens)
	assert.Equal(t, Budgets{
		MaxIterationsPerStep: 8,
		MaxToolExecPerStep:   6,
		MaxDepth:             4,
		ProposalMaxSteps:     8,
		ProposalMaxEdges:     24,
	}, cfg.Budgets)
	assert.True(t, cfg.Output.LogSteps)
	assert.False(t, cfg.Output.LogTools)
	assert.True(t, cfg.Artifacts.Enabled)
	assert.Equal(t, filepath.Join(".stepflow", "runs"), cfg.Artifacts.Dir)
	assert.Equal(t, 15*time.Second, cfg.Tools.CLIExec.Timeout)
	assert.Equal(t, int64(1<<20), cfg.Tools.HTTP.MaxBodyBytes)
	assert.Equal(t, int64(2*1024*1024), cfg.Inputs.MaxFileBytes())
	assert.Empty(t, cfg.Tools.Enabled)
}

func TestLoad_JSONFile(t *testing.T) {
	clearEnv(t)

	path := writeFile(t, "config.json", `{
		"oracle": {"provider": "gemini", "model": "gemini-2.5-flash", "timeout": "2m"},
		"budgets": {"max_depth": 2},
		"invariants": {"strict": true},
		"tools": {
			"enabled": ["http_request", "workflow_inject_subgraph"],
			"mcp_servers": [{"name": "fs", "command": "mcp-fs", "args": ["--root", "."]}]
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderGemini, cfg.Oracle.Provider)
	assert.Equal(t, "gemini-2.5-flash", cfg.Oracle.Model)
	assert.Equal(t, 2*time.Minute, cfg.Oracle.Timeout)
	assert.Equal(t, 2, cfg.Budgets.MaxDepth)
	assert.Equal(t, 8, cfg.Budgets.MaxIterationsPerStep)
	assert.True(t, cfg.Invariants.Strict)
	assert.Equal(t, []string{"http_request", "workflow_inject_subgraph"}, cfg.Tools.Enabled)
	require.Len(t, cfg.Tools.MCP, 1)
	assert.Equal(t, "fs", cfg.Tools.MCP[0].Name)
	assert.Equal(t, []string{"--root", "."}, cfg.Tools.MCP[0].Args)
}

func TestLoad_YAMLFile(t *testing.T) {
	clearEnv(t)

	path := writeFile(t, "config.yaml", "oracle:\n  model: local-model\n  base_url: http://localhost:8080/v1\noutput:\n  quiet: true\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "local-model", cfg.Oracle.Model)
	assert.Equal(t, "http://localhost:8080/v1", cfg.Oracle.BaseURL)
	assert.True(t, cfg.Output.Quiet)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STEPFLOW_ORACLE_MODEL", "gpt-4.1")
	t.Setenv("MAX_TOOL_EXEC_PER_STEP", "3")
	t.Setenv("QUIET", "1")
	t.Setenv("LOG_TOOLS", "true")
	t.Setenv("RUN_ID", "legacy-run")
	t.Setenv("STEPFLOW_TOOLS_ENABLED", "http_request,cli_exec")
	t.Setenv("STEPFLOW_BUDGETS_MAX_DEPTH", "7")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "gpt-4.1", cfg.Oracle.Model)
	assert.Equal(t, 3, cfg.Budgets.MaxToolExecPerStep)
	assert.Equal(t, 7, cfg.Budgets.MaxDepth)
	assert.True(t, cfg.Output.Quiet)
	assert.True(t, cfg.Output.LogTools)
	assert.Equal(t, "legacy-run", cfg.RunID)
	assert.Equal(t, []string{"http_request", "cli_exec"}, cfg.Tools.Enabled)
}

func TestLoad_LegacyModelEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("MODEL", "legacy-model")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "legacy-model", cfg.Oracle.Model)
}

func TestLoad_SchemaRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)

	path := writeFile(t, "config.json", `{"agents": {}}`)
	_, err := Load(path)
	require.Error(t, err)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	require.Len(t, schemaErr.Issues, 1)
	assert.Contains(t, schemaErr.Issues[0], "agents")
}

func TestLoad_SchemaRejectsEmptyUnknownObjects(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		file    string
		content string
		field   string
	}{
		{name: "nested json", file: "config.json", content: `{"oracle": {"bogus": {}}}`, field: "bogus"},
		{name: "top level yaml", file: "config.yaml", content: "agents: {}\n", field: "agents"},
		{name: "nested yaml", file: "config.yml", content: "tools:\n  extra: {}\n", field: "extra"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			_, err := Load(path)
			var schemaErr *SchemaError
			require.ErrorAs(t, err, &schemaErr)
			require.Len(t, schemaErr.Issues, 1)
			assert.Contains(t, schemaErr.Issues[0], tt.field)
		})
	}
}

func TestMergeSettings(t *testing.T) {
	dst := map[string]any{"oracle": map[string]any{"model": "a", "provider": "openai"}}
	src := map[string]any{"Oracle": map[string]any{"Model": "b"}, "extra": map[string]any{}}

	got := mergeSettings(dst, src)
	assert.Equal(t, map[string]any{
		"oracle": map[string]any{"model": "b", "provider": "openai"},
		"extra":  map[string]any{},
	}, got)
}

func TestLoad_SchemaRejectsBadValues(t *testing.T) {
	clearEnv(t)

	path := writeFile(t, "config.json", `{"oracle": {"provider": "anthropic"}, "budgets": {"max_depth": 0}}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider")
	assert.Contains(t, err.Error(), "max_depth")
}

func TestLoad_ValidateAfterEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("STEPFLOW_ORACLE_PROVIDER", "bogus")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle.provider")
}

func TestDefaultSettings_PassSchema(t *testing.T) {
	t.Parallel()

	settings := DefaultSettings()
	require.NoError(t, ValidateSettings(settings))
	oracle, ok := settings["oracle"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, ProviderOpenAI, oracle["provider"])
}

func TestOracleConfig_ResolveAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "openai-key")
	t.Setenv("GEMINI_API_KEY", "gemini-key")
	t.Setenv("CUSTOM_KEY", "custom")

	assert.Equal(t, "explicit", OracleConfig{APIKey: "explicit", APIKeyEnv: "CUSTOM_KEY"}.ResolveAPIKey())
	assert.Equal(t, "custom", OracleConfig{APIKeyEnv: "CUSTOM_KEY"}.ResolveAPIKey())
	assert.Equal(t, "openai-key", OracleConfig{Provider: ProviderOpenAI}.ResolveAPIKey())
	assert.Equal(t, "gemini-key", OracleConfig{Provider: ProviderGemini}.ResolveAPIKey())
}

func TestTools_IsEnabled(t *testing.T) {
	t.Parallel()

	assert.True(t, Tools{}.IsEnabled("cli_exec"))
	enabled := Tools{Enabled: []string{"http_request", " web_search "}}
	assert.True(t, enabled.IsEnabled("http_request"))
	assert.True(t, enabled.IsEnabled("web_search"))
	assert.False(t, enabled.IsEnabled("cli_exec"))
}
