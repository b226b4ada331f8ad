package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vk/expertgrid/internal/ctxlog"
	"github.com/vk/expertgrid/internal/decomposer"
	"github.com/vk/expertgrid/internal/expert"
	"github.com/vk/expertgrid/internal/filejobstore"
	"github.com/vk/expertgrid/internal/graphstore"
	"github.com/vk/expertgrid/internal/hclplan"
	"github.com/vk/expertgrid/internal/inmemoryjobstore"
	"github.com/vk/expertgrid/internal/jobstore"
	"github.com/vk/expertgrid/internal/leader"
	"github.com/vk/expertgrid/internal/scheduler"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW    io.Writer
	logger  *slog.Logger
	config  *Config
	jobs    jobstore.Store
	graphs  *graphstore.Store
	experts *expert.Registry
	leader  *leader.Leader
	metrics *prometheus.Registry

	httpServer *http.Server
}

// NewApp loads the plan catalogue and wires every component. Logs are
// written to outW.
func NewApp(outW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	cat, err := hclplan.Load(ctx, cfg.PlanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load plans: %w", err)
	}
	logger.Debug("Plan catalogue loaded.", "experts", len(cat.Experts), "plans", cat.PlanNames())

	workers := firstPositive(cfg.Workers, cat.Settings.Workers, scheduler.DefaultWorkers)
	lifeCycle := firstPositive(cfg.LifeCycle, cat.Settings.LifeCycle)
	maxRetries := firstPositive(cat.Settings.MaxRetries, expert.DefaultMaxRetries)

	experts, err := cat.Registry(maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to build experts: %w", err)
	}
	if len(experts.Names()) == 0 {
		return nil, fmt.Errorf("no experts declared in %s", cfg.PlanPath)
	}
	logger.Debug("Experts registered.", "names", experts.Names(), "max_retries", maxRetries)

	var jobs jobstore.Store
	if cfg.StoreDir != "" {
		fs, err := filejobstore.New(cfg.StoreDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open job store: %w", err)
		}
		jobs = fs
		logger.Debug("Using file job store.", "dir", cfg.StoreDir)
	} else {
		jobs = inmemoryjobstore.New()
	}

	graphs := graphstore.New(jobs)
	planner := decomposer.NewPlanner(cat, experts, lifeCycle)

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector())
	scheduler.InitMetrics(metrics)

	return &App{
		outW:    outW,
		logger:  logger,
		config:  cfg,
		jobs:    jobs,
		graphs:  graphs,
		experts: experts,
		leader: leader.New(leader.Config{
			Jobs:    jobs,
			Graphs:  graphs,
			Experts: experts,
			Planner: planner,
			Workers: workers,
		}),
		metrics: metrics,
	}, nil
}

// Leader returns the application's lifecycle controller. This is primarily
// for testing.
func (a *App) Leader() *leader.Leader {
	return a.leader
}

// Jobs returns the application's job store. This is primarily for testing.
func (a *App) Jobs() jobstore.Store {
	return a.jobs
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
