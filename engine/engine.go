package engine

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache-engine/config"
	"github.com/saiset-co/sai-cache-engine/graph"
	"github.com/saiset-co/sai-cache-engine/health"
	"github.com/saiset-co/sai-cache-engine/logger"
	"github.com/saiset-co/sai-cache-engine/metrics"
	"github.com/saiset-co/sai-cache-engine/ops"
	"github.com/saiset-co/sai-cache-engine/refresh"
	"github.com/saiset-co/sai-cache-engine/router"
	"github.com/saiset-co/sai-cache-engine/store"
	"github.com/saiset-co/sai-cache-engine/tenant"
	"github.com/saiset-co/sai-cache-engine/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Engine assembles the cache consistency stack: tenant namespace, cache
// store, dependency graph, event router, refresh scheduler, health monitor
// and the operational HTTP surface.
type Engine struct {
	ctx       context.Context
	cancel    context.CancelFunc
	config    types.ConfigManager
	logger    types.Logger
	metrics   types.MetricsManager
	monitor   types.HealthMonitor
	namespace types.KeyNamespace
	store     types.CacheStore
	readThru  *store.ReadThrough
	graph     types.GraphManager
	router    types.EventRouter
	scheduler *refresh.Scheduler
	ops       *ops.Server
	state     atomic.Value
}

func New(ctx context.Context, configPath string) (*Engine, error) {
	engineCtx, cancel := context.WithCancel(ctx)

	configManager, err := config.NewConfigurationManager(engineCtx, configPath)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to create config manager")
	}

	e, err := build(engineCtx, cancel, configManager)
	if err != nil {
		cancel()
		return nil, err
	}

	return e, nil
}

// NewWithConfig wires an engine from an already-validated config snapshot.
// Used by tests and embedders that manage configuration themselves.
func NewWithConfig(ctx context.Context, cfg *types.EngineConfig) (*Engine, error) {
	engineCtx, cancel := context.WithCancel(ctx)

	e, err := build(engineCtx, cancel, staticConfig{config: cfg})
	if err != nil {
		cancel()
		return nil, err
	}

	return e, nil
}

func build(ctx context.Context, cancel context.CancelFunc, configManager types.ConfigManager) (*Engine, error) {
	cfg := configManager.GetConfig()

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, types.WrapError(err, "failed to create logger")
	}

	e := &Engine{
		ctx:    ctx,
		cancel: cancel,
		config: configManager,
		logger: log,
	}
	e.state.Store(StateStopped)

	e.metrics, err = metrics.NewMetricsManager(ctx, log, cfg.Metrics)
	if err != nil {
		if !types.IsError(err, types.ErrMetricsIsDisabled) {
			return nil, types.WrapError(err, "failed to create metrics manager")
		}
		e.metrics = nil
	}

	if cfg.Health != nil && cfg.Health.Enabled {
		e.monitor = health.NewMonitor(ctx, cfg.Health, log, types.EngineInfo{
			Name:    cfg.Name,
			Version: cfg.Version,
		})
	}

	e.namespace, err = tenant.NewNamespace(cfg.Tenant)
	if err != nil {
		return nil, types.WrapError(err, "failed to create tenant namespace")
	}

	e.store, err = store.NewCacheStore(ctx, cfg.Store, log, e.metrics, e.monitor)
	if err != nil {
		return nil, types.WrapError(err, "failed to create cache store")
	}

	e.readThru = store.NewReadThrough(e.store, log, cfg.Store.DefaultTTL.Std())

	e.graph, err = graph.NewManager(ctx, cfg.Graph, e.store, log, e.metrics)
	if err != nil {
		return nil, types.WrapError(err, "failed to create graph manager")
	}

	e.scheduler, err = refresh.NewScheduler(ctx, cfg.Views, refresh.Dependencies{
		Logger:    log,
		Metrics:   e.metrics,
		Monitor:   e.monitor,
		Store:     e.store,
		Graph:     e.graph,
		Namespace: e.namespace,
	})
	if err != nil {
		return nil, types.WrapError(err, "failed to create refresh scheduler")
	}

	e.router, err = router.NewRouter(e.graph, e.scheduler, log, e.metrics, cfg.Routing)
	if err != nil {
		return nil, types.WrapError(err, "failed to create event router")
	}

	if cfg.Ops != nil && cfg.Ops.Enabled {
		e.ops, err = ops.NewServer(ctx, log, cfg.Ops, e.metrics, e.monitor, e.graph)
		if err != nil {
			return nil, types.WrapError(err, "failed to create ops server")
		}
	}

	if e.monitor != nil {
		e.monitor.RegisterChecker("store", e.storeChecker())
	}

	configManager.OnReload(e.applyConfig)

	return e, nil
}

func (e *Engine) Start() error {
	if !e.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	e.logger.Info("Starting cache engine")

	for _, component := range e.components() {
		if component.manager == nil {
			continue
		}
		if err := component.manager.Start(); err != nil {
			e.logger.Error("Component start failed",
				zap.String("component", component.name),
				logger.CauseField(err))
			e.stopStarted()
			e.state.Store(StateStopped)
			return types.Errorf(types.ErrComponentStartFailed, "component: %s: %v", component.name, err)
		}
	}

	e.state.Store(StateRunning)
	e.logger.Info("Cache engine started successfully")

	return nil
}

func (e *Engine) Stop() error {
	if !e.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		e.state.Store(StateStopped)
		e.cancel()
	}()

	e.logger.Info("Stopping cache engine")
	e.stopStarted()
	e.logger.Info("Cache engine stopped")

	return nil
}

func (e *Engine) IsRunning() bool {
	return e.state.Load().(State) == StateRunning
}

type component struct {
	name    string
	manager types.LifecycleManager
}

// components lists lifecycle-managed parts in start order. Stop walks the
// same list in reverse so the ops surface goes down first and the store last.
func (e *Engine) components() []component {
	list := []component{
		{"config", e.config},
	}

	if e.metrics != nil {
		list = append(list, component{"metrics", e.metrics})
	}
	if e.monitor != nil {
		list = append(list, component{"monitor", e.monitor})
	}

	list = append(list,
		component{"store", e.store},
		component{"graph", e.graph},
		component{"scheduler", e.scheduler},
	)

	if e.ops != nil {
		list = append(list, component{"ops", e.ops})
	}

	return list
}

func (e *Engine) stopStarted() {
	components := e.components()
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if c.manager == nil || !c.manager.IsRunning() {
			continue
		}
		if err := c.manager.Stop(); err != nil {
			e.logger.Error("Component stop failed",
				zap.String("component", c.name),
				logger.CauseField(err))
		}
	}
}

func (e *Engine) storeChecker() types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		start := time.Now()
		check := types.HealthCheck{
			Name:      "store",
			Status:    types.StatusHealthy,
			LastCheck: start,
		}

		if err := e.store.Ping(ctx); err != nil {
			check.Status = types.StatusUnhealthy
			check.Message = err.Error()
		}

		check.Duration = time.Since(start)
		return check
	}
}

// applyConfig picks up the reloadable subset of a new config snapshot:
// routing rules and view descriptors swap in place, everything else
// requires a restart.
func (e *Engine) applyConfig(cfg *types.EngineConfig) {
	if err := e.router.Reload(cfg.Routing); err != nil {
		e.logger.Error("Routing table reload rejected", logger.CauseField(err))
		return
	}

	if err := e.scheduler.Reload(cfg.Views); err != nil {
		e.logger.Error("View descriptor reload failed", logger.CauseField(err))
		return
	}

	e.logger.Info("Configuration reapplied",
		zap.Int("rules", len(cfg.Routing)),
		zap.Int("views", len(cfg.Views)))
}

// staticConfig adapts a fixed snapshot to the ConfigManager interface.
type staticConfig struct {
	config *types.EngineConfig
}

func (s staticConfig) Load() error                        { return nil }
func (s staticConfig) GetConfig() *types.EngineConfig     { return s.config }
func (s staticConfig) OnReload(func(*types.EngineConfig)) {}
func (s staticConfig) Start() error                       { return nil }
func (s staticConfig) Stop() error                        { return nil }
func (s staticConfig) IsRunning() bool                    { return true }
