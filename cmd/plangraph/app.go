package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/rendis/plangraph/internal/agents"
	"github.com/rendis/plangraph/internal/cache"
	"github.com/rendis/plangraph/internal/engine"
	"github.com/rendis/plangraph/internal/logging"
	"github.com/rendis/plangraph/internal/metrics"
	"github.com/rendis/plangraph/internal/planner"
	"github.com/rendis/plangraph/internal/service"
	"github.com/rendis/plangraph/internal/store"
	"github.com/rendis/plangraph/internal/streaming"
	"github.com/rendis/plangraph/internal/tools"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg     Config
	logger  *slog.Logger
	svc     *service.Service
	hub     *streaming.MemoryHub
	metrics *metrics.Collector
	closers []func() error
}

// newApp wires collaborators from cfg. Close releases everything newApp
// opened, including on error.
func newApp(ctx context.Context, cfg Config, logOut io.Writer) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.logger = logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: logging.Format(cfg.LogFormat),
		Output: logOut,
	})

	router, err := agents.NewRouter(cfg.Agents, &http.Client{})
	if err != nil {
		return nil, err
	}

	runner, err := engine.NewRunner(router, engine.RunnerConfig{
		Logger:              a.logger,
		CircuitBreaker:      breakerRegistry(cfg),
		StrictCollaborators: cfg.Strict,
	})
	if err != nil {
		return nil, err
	}

	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg, tools.HTTPConfig{}); err != nil {
		return nil, err
	}
	for name, lim := range cfg.RateLimits {
		if err := reg.Limit(name, rate.Limit(lim.PerSecond), lim.Burst); err != nil {
			return nil, err
		}
	}

	templates := planner.NewTemplates(runner.Validator())
	if cfg.TemplatesDir != "" {
		n, err := templates.LoadDir(cfg.TemplatesDir)
		if err != nil {
			return nil, err
		}
		a.logger.Debug("templates loaded", slog.Int("count", n), slog.String("dir", cfg.TemplatesDir))
	}

	// Goals naming a template run it; otherwise the planner agent, if any,
	// writes the plan and the heuristic planner is the last resort.
	gens := []planner.Generator{templates}
	if cfg.PlannerAgent != "" {
		llm := planner.NewLLM(router, cfg.PlannerAgent, runner.Validator(), a.logger)
		llm.Agents = router.IDs()
		for _, info := range reg.List() {
			llm.Tools = append(llm.Tools, info.Name)
		}
		gens = append(gens, llm)
	}
	gens = append(gens, planner.NewHeuristic(cfg.AnswerAgent, runner.Validator()))

	var runStore store.Store
	if cfg.DBPath != "" {
		st, err := openStore(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		runStore = st
	}

	stepCache, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}

	a.metrics = metrics.NewCollector(prometheus.NewRegistry())
	if cfg.MetricsAddr != "" {
		a.serveMetrics()
	}
	a.hub = streaming.NewMemoryHub()

	defaults := engine.RunOptions{
		MaxConcurrency: cfg.MaxConcurrency,
		DefaultStepTTL: time.Duration(cfg.CacheTTLMs) * time.Millisecond,
		StepTimeout:    time.Duration(cfg.StepTimeoutMs) * time.Millisecond,
	}
	if cfg.BudgetMs > 0 {
		defaults.Budget = &engine.Budget{MaxLatency: time.Duration(cfg.BudgetMs) * time.Millisecond}
	}

	a.svc, err = service.New(service.Deps{
		Runner:    runner,
		Agents:    router,
		Tools:     reg,
		Templates: templates,
		Generator: planner.Fallback(gens...),
		Store:     runStore,
		Metrics:   a.metrics,
		Hub:       a.hub,
		Cache:     stepCache,
		Defaults:  defaults,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// breakerRegistry returns nil unless a threshold is configured. An open
// circuit is not retried, so it can end a step before its retry budget is
// spent.
func breakerRegistry(cfg Config) *engine.CircuitBreakerRegistry {
	if cfg.BreakerThreshold <= 0 {
		return nil
	}
	bc := engine.DefaultCircuitBreakerConfig()
	bc.FailureThreshold = cfg.BreakerThreshold
	if cfg.BreakerCooldownMs > 0 {
		bc.Cooldown = time.Duration(cfg.BreakerCooldownMs) * time.Millisecond
	}
	return engine.NewCircuitBreakerRegistry(bc)
}

func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	if err := ensureParent(path); err != nil {
		return nil, err
	}
	st, err := store.NewLibSQLStore(fileURI(path))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate run history: %w", err)
	}
	return st, nil
}

func (a *app) openCache(ctx context.Context) (cache.StepCache, error) {
	switch a.cfg.Cache {
	case cacheMemory:
		return cache.NewMemoryCache(), nil
	case cacheLibSQL:
		if err := ensureParent(a.cfg.CachePath); err != nil {
			return nil, err
		}
		c, err := cache.OpenLibSQLCache(ctx, fileURI(a.cfg.CachePath))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, c.Close)
		return c, nil
	case cacheRedis:
		client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", a.cfg.RedisAddr, err)
		}
		return cache.NewRedisCache(client, a.cfg.RedisPrefix), nil
	}
	return nil, nil
}

func (a *app) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", slog.String("addr", a.cfg.MetricsAddr), slog.Any("error", err))
		}
	}()
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func ensureParent(path string) error {
	if strings.Contains(path, "://") {
		return nil
	}
	dir := filepath.Dir(strings.TrimPrefix(path, "file:"))
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// fileURI turns a plain path into the file: URI libSQL expects.
func fileURI(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return path
	}
	return "file:" + path
}

// sortedKeys returns the keys of m in order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
