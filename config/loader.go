package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-cache-engine/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.EngineConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.WrapError(err, "file not found: "+configPath)
	}

	data, err := l.readFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.WrapError(err, "failed to parse YAML config")
	}

	if err := l.Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func (l *Loader) Validate(config *types.EngineConfig) error {
	if err := l.validator.Struct(config); err != nil {
		return types.WrapError(err, "config validation failed")
	}
	return nil
}

func (l *Loader) readFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.EngineConfig {
	return &types.EngineConfig{
		Name:    "sai-cache-engine",
		Version: "0.1.0",
		Logger: &types.LoggerConfig{
			Level: "debug",
		},
		Store: &types.StoreConfig{
			Type:          "memory",
			DefaultTTL:    types.Duration(time.Hour),
			RetryAttempts: 3,
			RetryBase:     types.Duration(100 * time.Millisecond),
		},
		Tenant: &types.TenantConfig{
			Encryption: false,
		},
		Graph: &types.GraphConfig{
			FanOutThreshold: 50,
			Workers:         4,
			QueueSize:       1024,
			MaxAttempts:     3,
			SyncTimeout:     types.Duration(5 * time.Second),
		},
		Metrics: &types.MetricsConfig{
			Enabled:   false,
			Namespace: "sai_cache",
		},
		Ops: &types.OpsConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    8080,
		},
		Health: &types.HealthConfig{
			Enabled: true,
			Window:  types.Duration(time.Hour),
			TopKeys: 10,
		},
	}
}
