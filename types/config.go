package types

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that YAML decodes from strings like "90s" or
// "1h30m" as well as plain integers (nanoseconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	case float64:
		*d = Duration(v)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}

	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

type ConfigManager interface {
	LifecycleManager
	Load() error
	GetConfig() *EngineConfig
	OnReload(hook func(*EngineConfig))
}

type EngineConfig struct {
	Name    string              `yaml:"name" json:"name" validate:"required"`
	Version string              `yaml:"version" json:"version"`
	Logger  *LoggerConfig       `yaml:"logger" json:"logger"`
	Store   *StoreConfig        `yaml:"store" json:"store"`
	Tenant  *TenantConfig       `yaml:"tenant" json:"tenant"`
	Graph   *GraphConfig        `yaml:"graph" json:"graph"`
	Routing []RouteRule         `yaml:"routing" json:"routing" validate:"dive"`
	Views   []RefreshDescriptor `yaml:"views" json:"views" validate:"dive"`
	Metrics *MetricsConfig      `yaml:"metrics" json:"metrics"`
	Ops     *OpsConfig          `yaml:"ops" json:"ops"`
	Health  *HealthConfig       `yaml:"health" json:"health"`
}

type LoggerConfig struct {
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type StoreConfig struct {
	Type          string      `yaml:"type" json:"type" validate:"required"`
	DefaultTTL    Duration    `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
	RetryAttempts int         `yaml:"retry_attempts" json:"retry_attempts" validate:"min=0"`
	RetryBase     Duration    `yaml:"retry_base" json:"retry_base" validate:"min=0"`
	Config        interface{} `yaml:"config" json:"config"`
}

type TenantConfig struct {
	// Secret seeds per-tenant key derivation; compromise of one derived key
	// does not expose another tenant's data.
	Secret     string `yaml:"secret" json:"secret" validate:"required,min=16"`
	Encryption bool   `yaml:"encryption" json:"encryption"`
}

type GraphConfig struct {
	// FanOutThreshold switches a cascade to queued execution when the root's
	// dependents count exceeds it.
	FanOutThreshold int      `yaml:"fan_out_threshold" json:"fan_out_threshold" validate:"min=1"`
	Workers         int      `yaml:"workers" json:"workers" validate:"min=1"`
	QueueSize       int      `yaml:"queue_size" json:"queue_size" validate:"min=1"`
	MaxAttempts     int      `yaml:"max_attempts" json:"max_attempts" validate:"min=1"`
	SyncTimeout     Duration `yaml:"sync_timeout" json:"sync_timeout" validate:"min=0"`
}

type MetricsConfig struct {
	Enabled   bool        `yaml:"enabled" json:"enabled"`
	Namespace string      `yaml:"namespace" json:"namespace"`
	Config    interface{} `yaml:"config" json:"config"`
}

type OpsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
}

type HealthConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Window  Duration `yaml:"window" json:"window" validate:"min=0"`
	TopKeys int      `yaml:"top_keys" json:"top_keys" validate:"min=0"`
}
