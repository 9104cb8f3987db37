// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigrun-router/internal/router"
	"github.com/jeranaias/rigrun-router/internal/util"
)

// =============================================================================
// DURATION
// =============================================================================

// Duration is a time.Duration written as "30s" or "1h" in TOML and JSON.
type Duration struct {
	time.Duration
}

// D is a shorthand constructor.
func D(d time.Duration) Duration { return Duration{d} }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	d.Duration = v
	return nil
}

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Provider names accepted in [[tiers]].
const (
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderGroq       = "groq"
)

// Storage driver names.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
	DriverFile   = "file"
	DriverHTTP   = "http"
	DriverNone   = "none"
)

// Config is the complete rigrun-router configuration.
type Config struct {
	Server     ServerConfig     `toml:"server" json:"server"`
	Log        LogConfig        `toml:"log" json:"log"`
	Quality    QualityConfig    `toml:"quality" json:"quality"`
	Memory     MemoryConfig     `toml:"memory" json:"memory"`
	Cache      CacheConfig      `toml:"cache" json:"cache"`
	Classifier ClassifierConfig `toml:"classifier" json:"classifier"`
	Fallback   FallbackConfig   `toml:"fallback" json:"fallback"`
	Generation GenerationConfig `toml:"generation" json:"generation"`
	Retrieval  RetrievalConfig  `toml:"retrieval" json:"retrieval"`
	Cost       CostConfig       `toml:"cost" json:"cost"`
	Evaluation EvaluationConfig `toml:"evaluation" json:"evaluation"`

	// Tiers holds one model per tier.
	Tiers []router.ModelDescriptor `toml:"tiers" json:"tiers"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr           string   `toml:"addr" json:"addr"`
	RateLimitRPS   float64  `toml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst int      `toml:"rate_limit_burst" json:"rate_limit_burst"`
	RequestTimeout Duration `toml:"request_timeout" json:"request_timeout"`
	// AuthToken, when set, is required as a bearer token on /v1 routes.
	AuthToken string `toml:"auth_token" json:"auth_token,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level" json:"level"`
	JSON  bool   `toml:"json" json:"json"`
}

// QualityConfig configures the judge.
type QualityConfig struct {
	// Threshold is the passing judge score on a 0-10 scale.
	Threshold    float64  `toml:"threshold" json:"threshold"`
	JudgeTier    string   `toml:"judge_tier" json:"judge_tier"`
	JudgeTimeout Duration `toml:"judge_timeout" json:"judge_timeout"`
}

// MemoryConfig configures the memory manager.
type MemoryConfig struct {
	ShortTermMaxTurns int    `toml:"short_term_max_turns" json:"short_term_max_turns"`
	LongTermDriver    string `toml:"long_term_driver" json:"long_term_driver"`
	LongTermPath      string `toml:"long_term_path" json:"long_term_path"`
	// MaxSessions bounds the sessions held in short-term memory. The least
	// recently used session is dropped past it.
	MaxSessions int `toml:"max_sessions" json:"max_sessions"`
}

// CacheConfig configures the two cache levels.
type CacheConfig struct {
	Enabled  bool     `toml:"enabled" json:"enabled"`
	L1Driver string   `toml:"l1_driver" json:"l1_driver"`
	L1TTL    Duration `toml:"l1_ttl" json:"l1_ttl"`
	L1Size   int      `toml:"l1_size" json:"l1_size"`
	L2Driver string   `toml:"l2_driver" json:"l2_driver"`
	L2TTL    Duration `toml:"l2_ttl" json:"l2_ttl"`
	L2Path   string   `toml:"l2_path" json:"l2_path"`
	RedisURL string   `toml:"redis_url" json:"redis_url"`
}

// ClassifierConfig holds the routing thresholds.
type ClassifierConfig struct {
	LocalMax float64 `toml:"local_max" json:"local_max"`
	FastMax  float64 `toml:"fast_max" json:"fast_max"`
}

// FallbackConfig configures escalation and availability.
type FallbackConfig struct {
	Order                    []string `toml:"order" json:"order"`
	FailureThreshold         int      `toml:"failure_threshold" json:"failure_threshold"`
	Cooldown                 Duration `toml:"cooldown" json:"cooldown"`
	RetryLastTierOnJudgeFail bool     `toml:"retry_last_tier_on_judge_fail" json:"retry_last_tier_on_judge_fail"`
}

// GenerationConfig configures model calls and prompt assembly.
type GenerationConfig struct {
	Timeout      Duration `toml:"timeout" json:"timeout"`
	MaxTokens    int      `toml:"max_tokens" json:"max_tokens"`
	GraphTopK    int      `toml:"graph_top_k" json:"graph_top_k"`
	SmartTopK    int      `toml:"smart_top_k" json:"smart_top_k"`
	HistoryTurns int      `toml:"history_turns" json:"history_turns"`
	Apology      string   `toml:"apology" json:"apology"`
}

// RetrievalConfig selects the retriever backend.
type RetrievalConfig struct {
	Driver   string   `toml:"driver" json:"driver"`
	Endpoint string   `toml:"endpoint" json:"endpoint"`
	Path     string   `toml:"path" json:"path"`
	Timeout  Duration `toml:"timeout" json:"timeout"`
}

// CostConfig configures the cost tracker.
type CostConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Dir     string `toml:"dir" json:"dir"`
}

// EvaluationConfig configures the run evaluation log.
type EvaluationConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`
	// Path is the JSONL log, ~/.rigrun/evaluations.jsonl when empty.
	Path string `toml:"path" json:"path"`
	// SummaryWindow is how many recent records a summary averages.
	SummaryWindow int `toml:"summary_window" json:"summary_window"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration: a local Ollama model, Groq
// for the fast tier and OpenRouter for premium.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           "127.0.0.1:8787",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			RequestTimeout: D(2 * time.Minute),
		},
		Log: LogConfig{Level: "info"},
		Quality: QualityConfig{
			Threshold:    7.0,
			JudgeTier:    router.TierCloudFast.String(),
			JudgeTimeout: D(30 * time.Second),
		},
		Memory: MemoryConfig{
			ShortTermMaxTurns: 20,
			LongTermDriver:    DriverSQLite,
			MaxSessions:       10000,
		},
		Cache: CacheConfig{
			Enabled:  true,
			L1Driver: DriverMemory,
			L1TTL:    D(time.Hour),
			L1Size:   1000,
			L2Driver: DriverSQLite,
			L2TTL:    D(24 * time.Hour),
		},
		Classifier: ClassifierConfig{LocalMax: 0.3, FastMax: 0.6},
		Fallback: FallbackConfig{
			Order:            []string{"local", "cloud_fast", "cloud_premium"},
			FailureThreshold: 3,
			Cooldown:         D(30 * time.Second),
		},
		Generation: GenerationConfig{
			Timeout:      D(60 * time.Second),
			MaxTokens:    1024,
			GraphTopK:    2,
			SmartTopK:    4,
			HistoryTurns: 4,
		},
		Retrieval: RetrievalConfig{
			Driver:  DriverNone,
			Timeout: D(5 * time.Second),
		},
		Cost:       CostConfig{Enabled: true},
		Evaluation: EvaluationConfig{Enabled: true, SummaryWindow: 100},
		Tiers: []router.ModelDescriptor{
			{
				ID:             "local-qwen",
				Tier:           router.TierLocal,
				Provider:       ProviderOllama,
				Model:          "qwen2.5:7b",
				Endpoint:       "http://127.0.0.1:11434",
				LatencyClass:   router.LatencyFast,
				ContextWindow:  32768,
				MaxConcurrency: 2,
			},
			{
				ID:                "groq-llama",
				Tier:              router.TierCloudFast,
				Provider:          ProviderGroq,
				Model:             "llama-3.1-8b-instant",
				CostPer1KTokens:   0.00008,
				LatencyClass:      router.LatencyFast,
				LatencyMs:         400,
				ContextWindow:     131072,
				MaxConcurrency:    8,
				RequestsPerSecond: 5,
			},
			{
				ID:                "openrouter-sonnet",
				Tier:              router.TierCloudPremium,
				Provider:          ProviderOpenRouter,
				Model:             "anthropic/claude-3.5-sonnet",
				CostPer1KTokens:   0.009,
				LatencyClass:      router.LatencySlow,
				ContextWindow:     200000,
				MaxConcurrency:    4,
				RequestsPerSecond: 2,
			},
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns ~/.rigrun.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun"), nil
}

// DefaultPath returns ~/.rigrun/router.toml.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "router.toml"), nil
}

// ensureSecurePermissions tightens a config file to 0600. Config files can
// hold API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		if err := os.Chmod(path, 0o600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the configuration at path over the defaults, applies RIGRUN_*
// environment overrides and validates the result. An empty path means
// DefaultPath, which may be missing.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	if err := fillDefaults(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes path into cfg. Unknown keys are an error so typos do not
// silently fall back to defaults.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	return decode(cfg, path, func(v any) (toml.MetaData, error) {
		return toml.DecodeFile(path, v)
	})
}

// Parse decodes a TOML document over the defaults without touching the
// environment.
func Parse(data string) (*Config, error) {
	cfg := Default()
	err := decode(cfg, "document", func(v any) (toml.MetaData, error) {
		return toml.Decode(data, v)
	})
	if err != nil {
		return nil, err
	}
	if err := fillDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode runs fn over cfg. [[tiers]] replaces the default tiers instead of
// merging into them.
func decode(cfg *Config, source string, fn func(any) (toml.MetaData, error)) error {
	defaultTiers := cfg.Tiers
	cfg.Tiers = nil
	md, err := fn(cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML %s: %w", source, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys in %s: %s", source, strings.Join(keys, ", "))
	}
	if !md.IsDefined("tiers") {
		cfg.Tiers = defaultTiers
	}
	return nil
}

// fillDefaults replaces zero values that have no meaning with defaults.
func fillDefaults(cfg *Config) error {
	defaults := Default()

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaults.Server.Addr
	}
	if cfg.Server.RequestTimeout.Duration == 0 {
		cfg.Server.RequestTimeout = defaults.Server.RequestTimeout
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}

	if cfg.Quality.Threshold == 0 {
		cfg.Quality.Threshold = defaults.Quality.Threshold
	}
	if cfg.Quality.JudgeTier == "" {
		cfg.Quality.JudgeTier = defaults.Quality.JudgeTier
	}
	if cfg.Quality.JudgeTimeout.Duration == 0 {
		cfg.Quality.JudgeTimeout = defaults.Quality.JudgeTimeout
	}

	if cfg.Memory.ShortTermMaxTurns == 0 {
		cfg.Memory.ShortTermMaxTurns = defaults.Memory.ShortTermMaxTurns
	}
	if cfg.Memory.LongTermDriver == "" {
		cfg.Memory.LongTermDriver = defaults.Memory.LongTermDriver
	}
	if cfg.Memory.MaxSessions == 0 {
		cfg.Memory.MaxSessions = defaults.Memory.MaxSessions
	}

	if cfg.Cache.L1Driver == "" {
		cfg.Cache.L1Driver = defaults.Cache.L1Driver
	}
	if cfg.Cache.L1TTL.Duration == 0 {
		cfg.Cache.L1TTL = defaults.Cache.L1TTL
	}
	if cfg.Cache.L1Size == 0 {
		cfg.Cache.L1Size = defaults.Cache.L1Size
	}
	if cfg.Cache.L2Driver == "" {
		cfg.Cache.L2Driver = defaults.Cache.L2Driver
	}
	if cfg.Cache.L2TTL.Duration == 0 {
		cfg.Cache.L2TTL = defaults.Cache.L2TTL
	}

	if cfg.Classifier.LocalMax == 0 && cfg.Classifier.FastMax == 0 {
		cfg.Classifier = defaults.Classifier
	}

	if len(cfg.Fallback.Order) == 0 {
		cfg.Fallback.Order = defaults.Fallback.Order
	}
	if cfg.Fallback.FailureThreshold == 0 {
		cfg.Fallback.FailureThreshold = defaults.Fallback.FailureThreshold
	}
	if cfg.Fallback.Cooldown.Duration == 0 {
		cfg.Fallback.Cooldown = defaults.Fallback.Cooldown
	}

	g, dg := &cfg.Generation, defaults.Generation
	if g.Timeout.Duration == 0 {
		g.Timeout = dg.Timeout
	}
	if g.MaxTokens == 0 {
		g.MaxTokens = dg.MaxTokens
	}
	if g.GraphTopK == 0 {
		g.GraphTopK = dg.GraphTopK
	}
	if g.SmartTopK == 0 {
		g.SmartTopK = dg.SmartTopK
	}
	if g.HistoryTurns == 0 {
		g.HistoryTurns = dg.HistoryTurns
	}

	if cfg.Retrieval.Driver == "" {
		cfg.Retrieval.Driver = defaults.Retrieval.Driver
	}
	if cfg.Retrieval.Timeout.Duration == 0 {
		cfg.Retrieval.Timeout = defaults.Retrieval.Timeout
	}
	if cfg.Evaluation.SummaryWindow == 0 {
		cfg.Evaluation.SummaryWindow = defaults.Evaluation.SummaryWindow
	}

	for i := range cfg.Tiers {
		t := &cfg.Tiers[i]
		if t.ID == "" {
			t.ID = t.Provider + "-" + t.Tier.String()
		}
		if t.LatencyClass == "" {
			t.LatencyClass = router.LatencyMedium
		}
	}

	for _, p := range []*string{&cfg.Memory.LongTermPath, &cfg.Cache.L2Path, &cfg.Retrieval.Path, &cfg.Cost.Dir, &cfg.Evaluation.Path} {
		expanded, err := expandHome(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to path as TOML with 0600 permissions. An empty path
// means DefaultPath.
func Save(cfg *Config, path string) error {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# rigrun-router configuration file\n")
	buf.WriteString("# Generated by rigrun-router - edit with care\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid setting.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and returns ValidationErrors when anything
// is wrong.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	oneOf := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		add(field, "invalid value %q, must be one of: %s", value, strings.Join(allowed, ", "))
	}

	// Server
	if c.Server.Addr == "" {
		add("server.addr", "must not be empty")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		add("server.rate_limit_rps", "rate limits must be non-negative")
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst == 0 {
		add("server.rate_limit_burst", "must be positive when rate_limit_rps is set")
	}

	// Log
	oneOf("log.level", strings.ToLower(c.Log.Level), "debug", "info", "warn", "warning", "error")

	// Quality
	if c.Quality.Threshold <= 0 || c.Quality.Threshold > 10 {
		add("quality.threshold", "must be in (0, 10], got %.2f", c.Quality.Threshold)
	}
	if _, err := router.ParseTier(c.Quality.JudgeTier); err != nil {
		add("quality.judge_tier", "%v", err)
	}
	if c.Quality.JudgeTimeout.Duration <= 0 {
		add("quality.judge_timeout", "must be positive")
	}

	// Memory
	if c.Memory.ShortTermMaxTurns <= 0 {
		add("memory.short_term_max_turns", "must be positive")
	}
	oneOf("memory.long_term_driver", c.Memory.LongTermDriver, DriverSQLite, DriverBadger, DriverFile, DriverMemory, DriverNone)
	if c.Memory.MaxSessions <= 0 {
		add("memory.max_sessions", "must be positive")
	}

	// Cache
	oneOf("cache.l1_driver", c.Cache.L1Driver, DriverMemory, DriverRedis)
	oneOf("cache.l2_driver", c.Cache.L2Driver, DriverSQLite, DriverRedis, DriverNone)
	if c.Cache.L1TTL.Duration <= 0 || c.Cache.L2TTL.Duration <= 0 {
		add("cache.l1_ttl", "cache TTLs must be positive")
	}
	if c.Cache.L1Size <= 0 {
		add("cache.l1_size", "must be positive")
	}
	if c.Cache.L1Driver == DriverRedis || c.Cache.L2Driver == DriverRedis {
		if c.Cache.RedisURL == "" {
			add("cache.redis_url", "required when a cache level uses redis")
		} else if _, err := url.Parse(c.Cache.RedisURL); err != nil {
			add("cache.redis_url", "invalid URL: %v", err)
		}
	}

	// Classifier
	if err := c.Thresholds().Validate(); err != nil {
		add("classifier", "%v", err)
	}

	// Fallback
	order, err := c.FallbackOrder()
	if err != nil {
		add("fallback.order", "%v", err)
	}
	if c.Fallback.FailureThreshold <= 0 {
		add("fallback.failure_threshold", "must be positive")
	}
	if c.Fallback.Cooldown.Duration <= 0 {
		add("fallback.cooldown", "must be positive")
	}

	// Generation
	g := c.Generation
	if g.Timeout.Duration <= 0 {
		add("generation.timeout", "must be positive")
	}
	if g.MaxTokens <= 0 || g.GraphTopK <= 0 || g.SmartTopK <= 0 || g.HistoryTurns < 0 {
		add("generation", "max_tokens, graph_top_k and smart_top_k must be positive")
	}

	// Retrieval
	oneOf("retrieval.driver", c.Retrieval.Driver, DriverNone, DriverHTTP, DriverSQLite)
	switch c.Retrieval.Driver {
	case DriverHTTP:
		if u, err := url.Parse(c.Retrieval.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			add("retrieval.endpoint", "must be an absolute URL for the http driver")
		}
	case DriverSQLite:
		if c.Retrieval.Path == "" {
			add("retrieval.path", "required for the sqlite driver")
		}
	}
	if c.Retrieval.Timeout.Duration <= 0 {
		add("retrieval.timeout", "must be positive")
	}

	// Evaluation
	if c.Evaluation.SummaryWindow <= 0 {
		add("evaluation.summary_window", "must be positive")
	}

	// Tiers
	if len(c.Tiers) == 0 {
		add("tiers", "at least one tier must be configured")
	}
	seen := make(map[router.Tier]bool)
	for i, t := range c.Tiers {
		field := fmt.Sprintf("tiers[%d]", i)
		if err := t.Validate(); err != nil {
			add(field, "%v", err)
		}
		oneOf(field+".provider", t.Provider, ProviderOllama, ProviderOpenRouter, ProviderOpenAI, ProviderGroq)
		if t.Model == "" {
			add(field+".model", "must not be empty")
		}
		if t.Endpoint != "" {
			if u, err := url.Parse(t.Endpoint); err != nil || u.Scheme == "" {
				add(field+".endpoint", "must be an absolute URL")
			}
		}
		if seen[t.Tier] {
			add(field+".tier", "tier %s configured twice", t.Tier)
		}
		seen[t.Tier] = true
	}
	for _, t := range order {
		if !seen[t] {
			add("fallback.order", "tier %s has no [[tiers]] entry", t)
		}
	}
	if jt, err := router.ParseTier(c.Quality.JudgeTier); err == nil && len(c.Tiers) > 0 && !seen[jt] {
		add("quality.judge_tier", "tier %s has no [[tiers]] entry", jt)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// DERIVED SETTINGS
// =============================================================================

// Thresholds returns the classifier thresholds.
func (c *Config) Thresholds() router.Thresholds {
	return router.Thresholds{LocalMax: c.Classifier.LocalMax, FastMax: c.Classifier.FastMax}
}

// FallbackOrder parses the escalation order. It must be strictly
// increasing.
func (c *Config) FallbackOrder() ([]router.Tier, error) {
	out := make([]router.Tier, 0, len(c.Fallback.Order))
	for _, name := range c.Fallback.Order {
		t, err := router.ParseTier(name)
		if err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && t.Order() <= out[n-1].Order() {
			return nil, fmt.Errorf("order must be strictly increasing, %s follows %s", t, out[n-1])
		}
		out = append(out, t)
	}
	return out, nil
}

// JudgeTier returns the parsed judge tier.
func (c *Config) JudgeTier() router.Tier {
	t, err := router.ParseTier(c.Quality.JudgeTier)
	if err != nil {
		return router.TierCloudFast
	}
	return t
}

// Catalog indexes the configured tiers.
func (c *Config) Catalog() (router.Catalog, error) {
	return router.NewCatalog(c.Tiers)
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies RIGRUN_* variables.
//
// Supported environment variables:
//   - RIGRUN_SERVER_ADDR: server.addr
//   - RIGRUN_AUTH_TOKEN: server.auth_token
//   - RIGRUN_LOG_LEVEL, RIGRUN_LOG_JSON: log.level, log.json
//   - RIGRUN_QUALITY_THRESHOLD: quality.threshold
//   - RIGRUN_JUDGE_TIER: quality.judge_tier
//   - RIGRUN_CACHE_ENABLED: cache.enabled
//   - RIGRUN_REDIS_URL: cache.redis_url
//   - RIGRUN_RETRIEVAL_ENDPOINT: retrieval.endpoint (and selects the http driver)
//   - RIGRUN_OLLAMA_URL: endpoint of ollama tiers
//   - RIGRUN_OPENROUTER_KEY, RIGRUN_GROQ_KEY, RIGRUN_OPENAI_KEY: api_key of
//     tiers using that provider when none is set in the file
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RIGRUN_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("RIGRUN_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("RIGRUN_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v, ok := envBool("RIGRUN_LOG_JSON"); ok {
		c.Log.JSON = v
	}
	if v := os.Getenv("RIGRUN_QUALITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Quality.Threshold = f
		}
	}
	if v := os.Getenv("RIGRUN_JUDGE_TIER"); v != "" {
		c.Quality.JudgeTier = v
	}
	if v, ok := envBool("RIGRUN_CACHE_ENABLED"); ok {
		c.Cache.Enabled = v
	}
	if v := os.Getenv("RIGRUN_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("RIGRUN_RETRIEVAL_ENDPOINT"); v != "" {
		c.Retrieval.Endpoint = v
		c.Retrieval.Driver = DriverHTTP
	}

	keys := map[string]string{
		ProviderOpenRouter: os.Getenv("RIGRUN_OPENROUTER_KEY"),
		ProviderGroq:       os.Getenv("RIGRUN_GROQ_KEY"),
		ProviderOpenAI:     os.Getenv("RIGRUN_OPENAI_KEY"),
	}
	ollamaURL := os.Getenv("RIGRUN_OLLAMA_URL")
	for i := range c.Tiers {
		t := &c.Tiers[i]
		if t.Provider == ProviderOllama && ollamaURL != "" {
			t.Endpoint = ollamaURL
		}
		if key := keys[t.Provider]; key != "" && t.APIKey == "" {
			t.APIKey = key
		}
	}
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// =============================================================================
// GET (DOT NOTATION)
// =============================================================================

// Get returns a setting by its TOML path, e.g. "cache.l1_ttl".
func (c *Config) Get(key string) (any, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("empty key")
	}
	parts := strings.Split(key, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByTag(v, part)
		if !ok {
			return nil, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			out := field.Interface()
			if part == "api_key" || part == "auth_token" {
				out = redact(fmt.Sprint(out))
			}
			return out, nil
		}
		if field.Kind() != reflect.Struct || field.Type() == reflect.TypeOf(Duration{}) {
			return nil, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return nil, fmt.Errorf("invalid key: %s", key)
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("toml"), ",")[0]
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// =============================================================================
// CLONE AND STRING
// =============================================================================

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Fallback.Order = append([]string(nil), c.Fallback.Order...)
	clone.Tiers = append([]router.ModelDescriptor(nil), c.Tiers...)
	return &clone
}

// String renders the config as indented JSON with API keys redacted.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}

// Redacted returns a copy safe to print or log.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	safe.Server.AuthToken = redact(safe.Server.AuthToken)
	for i := range safe.Tiers {
		safe.Tiers[i].APIKey = redact(safe.Tiers[i].APIKey)
	}
	if u, err := url.Parse(safe.Cache.RedisURL); err == nil && u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "REDACTED")
			safe.Cache.RedisURL = u.String()
		}
	}
	return safe
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the process configuration, loading DefaultPath on first
// access. Load failures fall back to defaults with a warning.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load("")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// SetGlobal replaces the process configuration.
func SetGlobal(cfg *Config) {
	globalConfigOnce.Do(func() {})
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ReloadGlobal reloads DefaultPath. On error the current configuration is
// kept.
func ReloadGlobal() error {
	cfg, err := Load("")
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// ResetGlobalForTesting clears the process configuration.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
