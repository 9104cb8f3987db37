// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-router/internal/config"
	"github.com/jeranaias/rigrun-router/internal/engine"
	"github.com/jeranaias/rigrun-router/internal/gateway"
	"github.com/jeranaias/rigrun-router/internal/router"
)

// =============================================================================
// FIXTURES
// =============================================================================

const passingVerdict = `{"score": 9, "reasons": ["grounded"]}`

type stubProvider struct {
	tier router.Tier
	fail bool
}

func (s stubProvider) Generate(_ context.Context, desc router.ModelDescriptor, req gateway.Request) (gateway.Response, error) {
	if strings.HasPrefix(req.Prompt, "Evaluate the answer") {
		return gateway.Response{Text: passingVerdict, Model: desc.Model, InputTokens: 40, OutputTokens: 8}, nil
	}
	if s.fail {
		return gateway.Response{}, gateway.Errorf(gateway.KindUnavailable, desc.Provider, "connection refused")
	}
	return gateway.Response{Text: "answer from " + s.tier.String(), Model: desc.Model, InputTokens: 100, OutputTokens: 50}, nil
}

func stubProviders(fail bool) map[router.Tier]gateway.Provider {
	out := make(map[router.Tier]gateway.Provider)
	for _, t := range router.AllTiers {
		out[t] = stubProvider{tier: t, fail: fail}
	}
	return out
}

var rigrunEnv = []string{
	"RIGRUN_SERVER_ADDR", "RIGRUN_AUTH_TOKEN", "RIGRUN_LOG_LEVEL", "RIGRUN_LOG_JSON",
	"RIGRUN_QUALITY_THRESHOLD", "RIGRUN_JUDGE_TIER", "RIGRUN_CACHE_ENABLED", "RIGRUN_REDIS_URL",
	"RIGRUN_RETRIEVAL_ENDPOINT", "RIGRUN_OLLAMA_URL", "RIGRUN_OPENROUTER_KEY", "RIGRUN_GROQ_KEY",
	"RIGRUN_OPENAI_KEY",
}

// isolate points HOME at a temp dir and clears RIGRUN_* overrides.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range rigrunEnv {
		t.Setenv(k, "")
	}
	t.Cleanup(config.ResetGlobalForTesting)
	return home
}

// writeConfig writes a config that keeps every backend in memory.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "router.toml")
	body := `
[memory]
long_term_driver = "memory"

[cache]
l2_driver = "none"

[cost]
enabled = false
` + extra
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

type result struct {
	stdout string
	stderr string
	err    error
}

func run(t *testing.T, providers map[router.Tier]gateway.Provider, args ...string) result {
	t.Helper()
	return runContext(t, context.Background(), providers, args...)
}

func runContext(t *testing.T, ctx context.Context, providers map[router.Tier]gateway.Provider, args ...string) result {
	t.Helper()
	var out, errOut bytes.Buffer
	app := &App{Out: &out, Err: &errOut}
	if providers != nil {
		app.EngineOptions = []engine.Option{engine.WithProviders(providers)}
	}
	root := NewRootCommand(app)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return result{stdout: out.String(), stderr: errOut.String(), err: err}
}

func decodeData(t *testing.T, stdout string) map[string]any {
	t.Helper()
	var resp JSONResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	require.True(t, resp.Success)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return data
}

// =============================================================================
// QUERY COMMANDS
// =============================================================================

func TestAskCommand(t *testing.T) {
	t.Run("Should answer from the local tier", func(t *testing.T) {
		isolate(t)
		cfg := writeConfig(t, "")

		res := run(t, stubProviders(false), "--config", cfg, "ask", "what", "is", "go?")
		require.NoError(t, res.err)
		assert.Equal(t, "answer from local\n", res.stdout)
		assert.Contains(t, res.stderr, "Tier:")
		assert.Contains(t, res.stderr, "9.0/10 (passed)")
	})

	t.Run("Should print the response as JSON", func(t *testing.T) {
		isolate(t)
		cfg := writeConfig(t, "")

		res := run(t, stubProviders(false), "--config", cfg, "--json", "ask", "--session", "s1", "hello")
		require.NoError(t, res.err)
		data := decodeData(t, res.stdout)
		assert.Equal(t, "answer from local", data["answer"])
		assert.Equal(t, "local", data["model_used"])
		assert.Equal(t, true, data["quality_passed"])
	})

	t.Run("Should exit degraded when every tier fails", func(t *testing.T) {
		isolate(t)
		cfg := writeConfig(t, "")

		res := run(t, stubProviders(true), "--config", cfg, "ask", "hello")
		require.Error(t, res.err)
		assert.True(t, errors.Is(res.err, errDegraded))
		assert.Equal(t, ExitDegraded, GetExitCode(res.err))
		assert.NotEmpty(t, strings.TrimSpace(res.stdout), "the apology is still printed")
		assert.Contains(t, res.stderr, "[DEGRADED]")
	})

	t.Run("Should reject a blank query", func(t *testing.T) {
		isolate(t)
		cfg := writeConfig(t, "")

		res := run(t, stubProviders(false), "--config", cfg, "ask", "   ")
		var verr *ValidationError
		require.ErrorAs(t, res.err, &verr)
		assert.Equal(t, ExitUsageError, GetExitCode(res.err))
	})
}

func TestSmartCommand(t *testing.T) {
	t.Run("Should start at the premium tier for quality", func(t *testing.T) {
		isolate(t)
		cfg := writeConfig(t, "")

		res := run(t, stubProviders(false), "--config", cfg, "smart", "--optimize-for", "quality", "hello")
		require.NoError(t, res.err)
		assert.Equal(t, "answer from cloud_premium\n", res.stdout)
		assert.Contains(t, res.stderr, "quality objective")
	})

	t.Run("Should default to balanced routing", func(t *testing.T) {
		isolate(t)
		cfg := writeConfig(t, "")

		res := run(t, stubProviders(false), "--config", cfg, "--json", "smart", "hi there")
		require.NoError(t, res.err)
		data := decodeData(t, res.stdout)
		assert.Equal(t, "balanced", data["optimize_for"])
		assert.Equal(t, "local", data["model_used"])
	})

	t.Run("Should reject an unknown objective", func(t *testing.T) {
		isolate(t)
		cfg := writeConfig(t, "")

		res := run(t, stubProviders(false), "--config", cfg, "smart", "-o", "vibes", "hello")
		var verr *ValidationError
		require.ErrorAs(t, res.err, &verr)
		assert.Equal(t, "optimize-for", verr.Field)
	})
}

// =============================================================================
// CLASSIFY, CACHE, HEALTH, COSTS
// =============================================================================

func TestClassifyCommand(t *testing.T) {
	isolate(t)
	cfg := writeConfig(t, "")

	t.Run("Should route a short query locally", func(t *testing.T) {
		res := run(t, nil, "--config", cfg, "--json", "classify", "hello")
		require.NoError(t, res.err)
		data := decodeData(t, res.stdout)
		decision := data["decision"].(map[string]any)
		assert.Equal(t, "local", decision["tier"])
		assert.Equal(t, "local-qwen", data["model"])
	})

	t.Run("Should honour the objective", func(t *testing.T) {
		res := run(t, nil, "--config", cfg, "classify", "-o", "quality", "hello")
		require.NoError(t, res.err)
		assert.Contains(t, res.stdout, "cloud_premium")
		assert.Contains(t, res.stdout, "Complexity:")
	})
}

func TestCacheCommand(t *testing.T) {
	isolate(t)
	cfg := writeConfig(t, "")

	res := run(t, stubProviders(false), "--config", cfg, "--json", "cache", "stats")
	require.NoError(t, res.err)
	data := decodeData(t, res.stdout)
	assert.Equal(t, true, data["enabled"])

	res = run(t, stubProviders(false), "--config", cfg, "cache", "clear")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "cache cleared")

	res = run(t, stubProviders(false), "--config", cfg, "cache", "stats")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Hit rate:")
}

func TestHealthCommand(t *testing.T) {
	isolate(t)
	cfg := writeConfig(t, "")

	res := run(t, stubProviders(false), "--config", cfg, "health")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "[OK] ok")
	for _, tier := range router.AllTiers {
		assert.Contains(t, res.stdout, tier.String())
	}

	res = run(t, stubProviders(false), "--config", cfg, "--json", "status")
	require.NoError(t, res.err)
	data := decodeData(t, res.stdout)
	assert.Equal(t, engine.StatusOK, data["status"])
	assert.Len(t, data["tiers"], 3)
}

func TestCostsCommand(t *testing.T) {
	isolate(t)
	costDir := filepath.Join(t.TempDir(), "costs")
	cfg := writeConfig(t, "")
	require.NoError(t, os.WriteFile(cfg, []byte(fmt.Sprintf(`
[memory]
long_term_driver = "memory"

[cache]
l2_driver = "none"

[cost]
enabled = true
dir = %q
`, costDir)), 0o600))

	res := run(t, stubProviders(false), "--config", cfg, "ask", "hello")
	require.NoError(t, res.err)

	res = run(t, nil, "--config", cfg, "--json", "costs", "--days", "3")
	require.NoError(t, res.err)
	data := decodeData(t, res.stdout)
	assert.EqualValues(t, 3, data["days"])

	res = run(t, nil, "--config", cfg, "costs", "--days", "0")
	var verr *ValidationError
	require.ErrorAs(t, res.err, &verr)
}

func TestEvalsCommand(t *testing.T) {
	isolate(t)
	logPath := filepath.Join(t.TempDir(), "evaluations.jsonl")
	cfg := writeConfig(t, fmt.Sprintf(`
[evaluation]
enabled = true
path = %q
`, logPath))

	t.Run("Should report an empty log", func(t *testing.T) {
		res := run(t, nil, "--config", cfg, "evals")
		require.NoError(t, res.err)
		assert.Contains(t, res.stdout, "No evaluated runs yet.")
	})

	t.Run("Should summarize answered runs", func(t *testing.T) {
		res := run(t, stubProviders(false), "--config", cfg, "ask", "hello")
		require.NoError(t, res.err)

		res = run(t, nil, "--config", cfg, "--json", "evals", "--last", "5")
		require.NoError(t, res.err)
		data := decodeData(t, res.stdout)
		assert.EqualValues(t, 1, data["total_evaluations"])
		assert.EqualValues(t, 1, data["pass_rate"])

		res = run(t, nil, "--config", cfg, "evals")
		require.NoError(t, res.err)
		assert.Contains(t, res.stdout, "Quality over the last 1 runs")
		assert.Contains(t, res.stdout, "ndcg@10")
	})

	t.Run("Should reject a negative window", func(t *testing.T) {
		res := run(t, nil, "--config", cfg, "evals", "--last", "-1")
		var verr *ValidationError
		require.ErrorAs(t, res.err, &verr)
	})
}

func TestServeCommand(t *testing.T) {
	isolate(t)
	cfg := writeConfig(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	res := runContext(t, ctx, stubProviders(false), "--config", cfg, "serve", "--addr", "127.0.0.1:0")
	assert.NoError(t, res.err)
}

// =============================================================================
// CONFIG COMMANDS
// =============================================================================

func TestConfigCommand(t *testing.T) {
	t.Run("Should show one key", func(t *testing.T) {
		isolate(t)
		cfg := writeConfig(t, "")
		res := run(t, nil, "--config", cfg, "config", "show", "cache.l2_driver")
		require.NoError(t, res.err)
		assert.Equal(t, "none\n", res.stdout)
	})

	t.Run("Should redact secrets", func(t *testing.T) {
		isolate(t)
		cfg := writeConfig(t, "[server]\nauth_token = \"hunter2-token\"\n")
		res := run(t, nil, "--config", cfg, "config", "show")
		require.NoError(t, res.err)
		assert.NotContains(t, res.stdout, "hunter2-token")
		assert.Contains(t, res.stdout, "local-qwen")
	})

	t.Run("Should reject an unknown key", func(t *testing.T) {
		isolate(t)
		cfg := writeConfig(t, "")
		res := run(t, nil, "--config", cfg, "config", "show", "cache.nope")
		var verr *ValidationError
		require.ErrorAs(t, res.err, &verr)
	})

	t.Run("Should init once and refuse to overwrite", func(t *testing.T) {
		isolate(t)
		path := filepath.Join(t.TempDir(), "nested", "router.toml")

		res := run(t, nil, "--config", path, "config", "init")
		require.NoError(t, res.err)
		assert.FileExists(t, path)

		loaded, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, config.Default().Server.Addr, loaded.Server.Addr)

		res = run(t, nil, "--config", path, "config", "init")
		require.Error(t, res.err)
		assert.Contains(t, res.err.Error(), "already exists")

		res = run(t, nil, "--config", path, "config", "init", "--force")
		require.NoError(t, res.err)
	})

	t.Run("Should report the default path", func(t *testing.T) {
		home := isolate(t)
		res := run(t, nil, "config", "path")
		require.NoError(t, res.err)
		assert.Contains(t, res.stdout, filepath.Join(home, ".rigrun", "router.toml"))
		assert.Contains(t, res.stdout, "not created")
	})

	t.Run("Should validate", func(t *testing.T) {
		isolate(t)
		cfg := writeConfig(t, "")
		res := run(t, nil, "--config", cfg, "config", "validate")
		require.NoError(t, res.err)
		assert.Contains(t, res.stdout, "valid (3 tiers)")
	})

	t.Run("Should map a bad file to the config exit code", func(t *testing.T) {
		isolate(t)
		cfg := writeConfig(t, "[classifier]\nlocal_max = 0.9\nfast_max = 0.2\n")
		res := run(t, nil, "--config", cfg, "config", "validate")
		var cerr *ConfigError
		require.ErrorAs(t, res.err, &cerr)
		assert.Equal(t, ExitConfigError, GetExitCode(res.err))
	})

	t.Run("Should fail on a missing explicit file", func(t *testing.T) {
		isolate(t)
		res := run(t, nil, "--config", filepath.Join(t.TempDir(), "missing.toml"), "health")
		assert.Equal(t, ExitConfigError, GetExitCode(res.err))
	})
}

func TestVersionCommand(t *testing.T) {
	res := run(t, nil, "version")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, Version)
}

// =============================================================================
// HELPERS
// =============================================================================

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"validation", &ValidationError{Field: "query", Reason: "empty"}, ExitUsageError},
		{"config", &ConfigError{Path: "x", Err: errors.New("bad")}, ExitConfigError},
		{"config validation", fmt.Errorf("load: %w", config.ValidationErrors{{Field: "a", Message: "b"}}), ExitConfigError},
		{"degraded", errDegraded, ExitDegraded},
		{"deadline", fmt.Errorf("run: %w", context.DeadlineExceeded), ExitTimeoutError},
		{"provider timeout", gateway.Errorf(gateway.KindTimeout, "groq", "slow"), ExitTimeoutError},
		{"provider down", &CommandError{Command: "ask", Err: gateway.Errorf(gateway.KindUnavailable, "ollama", "refused")}, ExitNetworkError},
		{"generic", errors.New("boom"), ExitGeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestDisplayErrorJSON(t *testing.T) {
	var buf bytes.Buffer
	DisplayError(&buf, &ValidationError{Field: "days", Reason: "must be at least 1"}, true)

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "validation_error", out["error_type"])
	assert.Equal(t, "days", out["field"])
}

func TestWrapText(t *testing.T) {
	got := WrapText("the quick brown fox jumps over the lazy dog", 16)
	for _, line := range strings.Split(got, "\n") {
		assert.LessOrEqual(t, len(line), 14, line)
	}
	assert.Equal(t, "keep\nnewlines", WrapText("keep\nnewlines", 80))
}

func TestFormatters(t *testing.T) {
	assert.Equal(t, "$0", formatCost(0))
	assert.Equal(t, "$0.000012", formatCost(0.000012))
	assert.Equal(t, "$1.2500", formatCost(1.25))
	assert.Equal(t, "25.0%", formatPercent(0.25))
	assert.Equal(t, "250ms", formatDuration(250*time.Millisecond))
	assert.Equal(t, "1.5s", formatDuration(1500*time.Millisecond))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second))
	assert.True(t, isLoopback("127.0.0.1:8787"))
	assert.True(t, isLoopback("localhost:80"))
	assert.False(t, isLoopback("0.0.0.0:8787"))
}
