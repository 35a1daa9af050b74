package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/rendis/plangraph/internal/agents"
	"github.com/rendis/plangraph/internal/scheduler"
)

// Cache backends.
const (
	cacheNone   = "none"
	cacheMemory = "memory"
	cacheLibSQL = "libsql"
	cacheRedis  = "redis"
)

// Config holds all plangraph configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	// DBPath is the run history database. Empty disables history.
	DBPath string `json:"db_path"`
	// Cache is one of none, memory, libsql or redis.
	Cache       string `json:"cache"`
	CachePath   string `json:"cache_path"`
	CacheTTLMs  int    `json:"cache_ttl_ms"`
	RedisAddr   string `json:"redis_addr"`
	RedisPrefix string `json:"redis_prefix"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	MaxConcurrency int  `json:"max_concurrency"`
	StepTimeoutMs  int  `json:"step_timeout_ms"`
	BudgetMs       int  `json:"budget_ms"`
	Strict         bool `json:"strict"`

	// BreakerThreshold opens a collaborator's circuit after that many
	// consecutive failed attempts. Zero disables the breaker, leaving each
	// step's retry policy as the only bound on attempts.
	BreakerThreshold  int `json:"breaker_threshold"`
	BreakerCooldownMs int `json:"breaker_cooldown_ms"`

	// MetricsAddr serves /metrics when set, e.g. ":9464".
	MetricsAddr  string `json:"metrics_addr"`
	TemplatesDir string `json:"templates_dir"`

	// AnswerAgent answers goals the heuristic planner handles.
	AnswerAgent string `json:"answer_agent"`
	// PlannerAgent, when set, writes plans for free-form goals.
	PlannerAgent string                     `json:"planner_agent"`
	Agents       map[string]agents.Endpoint `json:"agents"`
	// RateLimits caps calls per second for individual tools.
	RateLimits map[string]RateLimit `json:"rate_limits"`
	Schedules  []scheduler.Job      `json:"schedules"`
}

// RateLimit is a token bucket for one tool.
type RateLimit struct {
	PerSecond float64 `json:"per_second"`
	Burst     int     `json:"burst"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(plangraphDir(), "plangraph.db"),
		Cache:          cacheMemory,
		CachePath:      filepath.Join(plangraphDir(), "cache.db"),
		RedisAddr:      "localhost:6379",
		RedisPrefix:    "plangraph",
		LogLevel:       "info",
		LogFormat:      "text",
		MaxConcurrency: 3,
		AnswerAgent:    agents.EchoName,
	}
}

func plangraphDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".plangraph"
	}
	return filepath.Join(home, ".plangraph")
}

func settingsPath() string {
	return filepath.Join(plangraphDir(), "settings.json")
}

// loadConfig layers defaults, the settings file and the environment. A
// missing settings file is not an error.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json.
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	// Layer 3: env vars override.
	strs := map[string]*string{
		"PLANGRAPH_DB_PATH":       &cfg.DBPath,
		"PLANGRAPH_CACHE":         &cfg.Cache,
		"PLANGRAPH_CACHE_PATH":    &cfg.CachePath,
		"PLANGRAPH_REDIS_ADDR":    &cfg.RedisAddr,
		"PLANGRAPH_REDIS_PREFIX":  &cfg.RedisPrefix,
		"PLANGRAPH_LOG_LEVEL":     &cfg.LogLevel,
		"PLANGRAPH_LOG_FORMAT":    &cfg.LogFormat,
		"PLANGRAPH_METRICS_ADDR":  &cfg.MetricsAddr,
		"PLANGRAPH_TEMPLATES_DIR": &cfg.TemplatesDir,
		"PLANGRAPH_ANSWER_AGENT":  &cfg.AnswerAgent,
		"PLANGRAPH_PLANNER_AGENT": &cfg.PlannerAgent,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"PLANGRAPH_MAX_CONCURRENCY":     &cfg.MaxConcurrency,
		"PLANGRAPH_STEP_TIMEOUT_MS":     &cfg.StepTimeoutMs,
		"PLANGRAPH_BUDGET_MS":           &cfg.BudgetMs,
		"PLANGRAPH_CACHE_TTL_MS":        &cfg.CacheTTLMs,
		"PLANGRAPH_BREAKER_THRESHOLD":   &cfg.BreakerThreshold,
		"PLANGRAPH_BREAKER_COOLDOWN_MS": &cfg.BreakerCooldownMs,
	}
	for key, dst := range ints {
		v := getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	if v := getenv("PLANGRAPH_STRICT"); v != "" {
		cfg.Strict = v == "true" || v == "1"
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Cache {
	case cacheNone, cacheMemory, cacheLibSQL, cacheRedis:
	default:
		return fmt.Errorf("unknown cache backend %q (want none, memory, libsql or redis)", c.Cache)
	}
	if c.MaxConcurrency < 0 || c.StepTimeoutMs < 0 || c.BudgetMs < 0 || c.CacheTTLMs < 0 {
		return errors.New("concurrency, timeouts and budgets must not be negative")
	}
	if c.BreakerThreshold < 0 || c.BreakerCooldownMs < 0 {
		return errors.New("breaker threshold and cooldown must not be negative")
	}
	for name, ep := range c.Agents {
		if ep.URL == "" {
			return fmt.Errorf("agent %q: url is required", name)
		}
	}
	return nil
}

// globalFlags are the persistent flags layered over the loaded config.
type globalFlags struct {
	settings       string
	dbPath         string
	cache          string
	redisAddr      string
	logLevel       string
	logFormat      string
	maxConcurrency int
	stepTimeout    time.Duration
	budget         time.Duration
	metricsAddr    string
	templatesDir   string
	strict         bool
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&g.settings, "config", settingsPath(), "Path to the settings file")
	fs.StringVar(&g.dbPath, "db", "", "Run history database path (empty string keeps the configured one)")
	fs.StringVar(&g.cache, "cache", "", "Step cache backend: none, memory, libsql or redis")
	fs.StringVar(&g.redisAddr, "redis-addr", "", "Redis address for the redis cache")
	fs.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.StringVar(&g.logFormat, "log-format", "", "Log format: text or json")
	fs.IntVar(&g.maxConcurrency, "max-concurrency", 0, "Default pool size for parallel and map steps")
	fs.DurationVar(&g.stepTimeout, "step-timeout", 0, "Timeout for steps without their own")
	fs.DurationVar(&g.budget, "budget", 0, "Wall-clock budget for a whole run")
	fs.StringVar(&g.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.StringVar(&g.templatesDir, "templates", "", "Directory of plan templates")
	fs.BoolVar(&g.strict, "strict", false, "Reject plans naming unknown agents or tools before running")
}

// apply overrides cfg with the flags set on the command line.
func (g *globalFlags) apply(fs *pflag.FlagSet, cfg *Config) error {
	if fs.Changed("db") {
		cfg.DBPath = g.dbPath
	}
	if fs.Changed("cache") {
		cfg.Cache = g.cache
	}
	if fs.Changed("redis-addr") {
		cfg.RedisAddr = g.redisAddr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = g.logFormat
	}
	if fs.Changed("max-concurrency") {
		cfg.MaxConcurrency = g.maxConcurrency
	}
	if fs.Changed("step-timeout") {
		cfg.StepTimeoutMs = int(g.stepTimeout.Milliseconds())
	}
	if fs.Changed("budget") {
		cfg.BudgetMs = int(g.budget.Milliseconds())
	}
	if fs.Changed("metrics-addr") {
		cfg.MetricsAddr = g.metricsAddr
	}
	if fs.Changed("templates") {
		cfg.TemplatesDir = g.templatesDir
	}
	if fs.Changed("strict") {
		cfg.Strict = g.strict
	}
	return cfg.validate()
}
