package store

import (
	"context"
	"time"

	"github.com/saiset-co/sai-cache-engine/types"
)

var customStoreCreators = make(map[string]types.CacheStoreCreator)

func RegisterCacheStore(storeName string, creator types.CacheStoreCreator) {
	customStoreCreators[storeName] = creator
}

func NewCacheStore(ctx context.Context, config *types.StoreConfig, logger types.Logger, metrics types.MetricsManager, monitor types.HealthMonitor) (types.CacheStore, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	var impl types.CacheStore
	var err error

	switch config.Type {
	case "memory":
		impl, err = NewMemoryStore(ctx, logger, config)
	case "redis":
		impl, err = NewRedisStore(ctx, logger, config)
	default:
		if creator, exists := customStoreCreators[config.Type]; exists {
			impl, err = creator(config.Config)
		} else {
			return nil, types.Errorf(types.ErrStoreTypeUnknown, "type: %s", config.Type)
		}
	}

	if err != nil {
		return nil, err
	}

	return newInstrumentedStore(impl, metrics, monitor), nil
}

// instrumentedStore feeds every get/set/delete into the metrics manager and
// the health monitor's hit/miss accounting.
type instrumentedStore struct {
	impl    types.CacheStore
	metrics types.MetricsManager
	monitor types.HealthMonitor
}

func newInstrumentedStore(impl types.CacheStore, metrics types.MetricsManager, monitor types.HealthMonitor) types.CacheStore {
	return &instrumentedStore{
		impl:    impl,
		metrics: metrics,
		monitor: monitor,
	}
}

// Raw returns the undecorated store for callers that must not feed hit/miss
// accounting, like the read-through double-check.
func (s *instrumentedStore) Raw() types.CacheStore {
	return s.impl
}

func (s *instrumentedStore) Get(ctx context.Context, key string) ([]byte, bool) {
	start := time.Now()
	value, found := s.impl.Get(ctx, key)

	result := "miss"
	if found {
		result = "hit"
		if s.monitor != nil {
			s.monitor.RecordHit(key)
		}
	} else if s.monitor != nil {
		s.monitor.RecordMiss(key)
	}

	s.recordMetric("get", result, time.Since(start))
	return value, found
}

func (s *instrumentedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := s.impl.Set(ctx, key, value, ttl)
	s.recordMetric("set", resultLabel(err), time.Since(start))
	return err
}

func (s *instrumentedStore) Delete(ctx context.Context, keys ...string) (int, error) {
	start := time.Now()
	deleted, err := s.impl.Delete(ctx, keys...)
	s.recordMetric("delete", resultLabel(err), time.Since(start))
	return deleted, err
}

func (s *instrumentedStore) Exists(ctx context.Context, key string) bool {
	return s.impl.Exists(ctx, key)
}

func (s *instrumentedStore) Version(ctx context.Context, key string) uint64 {
	return s.impl.Version(ctx, key)
}

func (s *instrumentedStore) SetAdd(ctx context.Context, key string, members ...string) error {
	return s.impl.SetAdd(ctx, key, members...)
}

func (s *instrumentedStore) SetRemove(ctx context.Context, key string, members ...string) error {
	return s.impl.SetRemove(ctx, key, members...)
}

func (s *instrumentedStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.impl.SetMembers(ctx, key)
}

func (s *instrumentedStore) SetCard(ctx context.Context, key string) (int, error) {
	return s.impl.SetCard(ctx, key)
}

func (s *instrumentedStore) Increment(ctx context.Context, key string) (uint64, error) {
	return s.impl.Increment(ctx, key)
}

func (s *instrumentedStore) Batch(ctx context.Context, ops []types.BatchOp) ([]types.BatchResult, error) {
	start := time.Now()
	results, err := s.impl.Batch(ctx, ops)
	s.recordMetric("batch", resultLabel(err), time.Since(start))
	return results, err
}

func (s *instrumentedStore) Ping(ctx context.Context) error {
	return s.impl.Ping(ctx)
}

func (s *instrumentedStore) Start() error {
	return s.impl.Start()
}

func (s *instrumentedStore) Stop() error {
	return s.impl.Stop()
}

func (s *instrumentedStore) IsRunning() bool {
	return s.impl.IsRunning()
}

func (s *instrumentedStore) recordMetric(operation, result string, duration time.Duration) {
	if s.metrics == nil {
		return
	}

	s.metrics.Counter("store_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	s.metrics.Histogram("store_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	).Observe(duration.Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
