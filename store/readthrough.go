package store

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-cache-engine/types"
)

// ReadThrough is the only sanctioned way application code reads the cache.
// On a miss the compute function is invoked at most once per key across
// concurrent callers; the result is stored and returned. Store failures never
// block the source-of-truth path.
type ReadThrough struct {
	store      types.CacheStore
	recheck    types.CacheStore
	logger     types.Logger
	defaultTTL time.Duration
	group      singleflight.Group
}

// rawProvider is implemented by instrumented stores that can hand out their
// undecorated backend.
type rawProvider interface {
	Raw() types.CacheStore
}

func NewReadThrough(store types.CacheStore, logger types.Logger, defaultTTL time.Duration) *ReadThrough {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}

	rt := &ReadThrough{
		store:      store,
		recheck:    store,
		logger:     logger,
		defaultTTL: defaultTTL,
	}

	// The in-flight double-check bypasses instrumentation so one logical miss
	// is accounted exactly once.
	if provider, ok := store.(rawProvider); ok {
		rt.recheck = provider.Raw()
	}

	return rt
}

func (rt *ReadThrough) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute types.ComputeFunc) ([]byte, error) {
	if key == "" {
		return nil, types.ErrStoreKeyEmpty
	}

	if value, found := rt.store.Get(ctx, key); found {
		return value, nil
	}

	if ttl <= 0 {
		ttl = rt.defaultTTL
	}

	result, err, _ := rt.group.Do(key, func() (interface{}, error) {
		// Another caller may have populated the key while we waited.
		if value, found := rt.recheck.Get(ctx, key); found {
			return value, nil
		}

		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		if err := rt.store.Set(ctx, key, value, ttl); err != nil {
			rt.logger.Warn("read-through population failed",
				zap.String("key", key), zap.Error(err))
		}

		return value, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]byte), nil
}
