package metrics

import (
	"context"
	"sync"

	"github.com/saiset-co/sai-cache-engine/types"
)

type MetricsManagerCreator func(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error)

var customMetricsCreators = sync.Map{}

func RegisterMetricsManager(name string, creator MetricsManagerCreator) {
	customMetricsCreators.Store(name, creator)
}

// NewMetricsManager builds the configured metrics backend. Disabled metrics
// return ErrMetricsIsDisabled; callers treat a nil manager as a no-op.
func NewMetricsManager(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrMetricsIsDisabled
	}

	if creator, exists := lookupCreator(config); exists {
		return creator(ctx, logger, config)
	}

	return NewPrometheusMetrics(ctx, logger, config)
}

func lookupCreator(config *types.MetricsConfig) (MetricsManagerCreator, bool) {
	raw, ok := config.Config.(map[string]interface{})
	if !ok {
		return nil, false
	}

	name, ok := raw["type"].(string)
	if !ok || name == "" || name == "prometheus" {
		return nil, false
	}

	creator, exists := customMetricsCreators.Load(name)
	if !exists {
		return nil, false
	}

	return creator.(MetricsManagerCreator), true
}
