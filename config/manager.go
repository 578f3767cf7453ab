package config

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-cache-engine/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type ConfigurationManager struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      atomic.Pointer[types.EngineConfig]
	configPath  string
	loader      *Loader
	watcher     *watcher
	state       atomic.Value
	mu          sync.RWMutex
	hooks       []func(*types.EngineConfig)
	loadTimeout time.Duration
}

func NewConfigurationManager(ctx context.Context, configPath string) (*ConfigurationManager, error) {
	managerCtx, cancel := context.WithCancel(ctx)

	cm := &ConfigurationManager{
		ctx:         managerCtx,
		cancel:      cancel,
		configPath:  configPath,
		loader:      NewLoader(),
		loadTimeout: 30 * time.Second,
	}

	cm.state.Store(StateStopped)

	if err := cm.Load(); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to load initial configuration")
	}

	return cm, nil
}

func (cm *ConfigurationManager) Start() error {
	if !cm.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	w, err := newWatcher(cm.ctx, cm.configPath, cm.reload)
	if err != nil {
		cm.state.Store(StateStopped)
		return types.WrapError(err, "failed to start config watcher")
	}
	cm.watcher = w

	cm.state.Store(StateRunning)
	return nil
}

func (cm *ConfigurationManager) Stop() error {
	if !cm.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		cm.state.Store(StateStopped)
		cm.cancel()
	}()

	if cm.watcher != nil {
		cm.watcher.stop()
		cm.watcher = nil
	}

	return nil
}

func (cm *ConfigurationManager) IsRunning() bool {
	return cm.state.Load().(State) == StateRunning
}

func (cm *ConfigurationManager) Load() error {
	loadCtx, cancel := context.WithTimeout(cm.ctx, cm.loadTimeout)
	defer cancel()

	config, err := cm.loader.LoadFromFile(loadCtx, cm.configPath)
	if err != nil {
		return err
	}

	cm.config.Store(config)
	return nil
}

func (cm *ConfigurationManager) GetConfig() *types.EngineConfig {
	return cm.config.Load()
}

// OnReload registers a hook invoked with every config snapshot accepted after
// a file change. Hooks run on the watcher goroutine and must not block.
func (cm *ConfigurationManager) OnReload(hook func(*types.EngineConfig)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hooks = append(cm.hooks, hook)
}

// reload re-reads the file and swaps the snapshot. A config that fails to
// parse or validate is rejected and the previous snapshot stays live.
func (cm *ConfigurationManager) reload() error {
	if err := cm.Load(); err != nil {
		return err
	}

	config := cm.config.Load()

	cm.mu.RLock()
	hooks := make([]func(*types.EngineConfig), len(cm.hooks))
	copy(hooks, cm.hooks)
	cm.mu.RUnlock()

	for _, hook := range hooks {
		hook(config)
	}

	return nil
}
