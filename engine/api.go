package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache-engine/logger"
	"github.com/saiset-co/sai-cache-engine/types"
)

// Get reads a tenant-scoped value. A payload that fails to decrypt is
// dropped and reported as a miss so the caller recomputes from the source
// of truth instead of serving another tenant's bytes.
func (e *Engine) Get(ctx context.Context, tenantID, namespace, entityPath string) ([]byte, bool) {
	key, err := e.namespace.BuildKey(tenantID, namespace, entityPath)
	if err != nil {
		return nil, false
	}

	value, found := e.store.Get(ctx, key)
	if !found {
		return nil, false
	}

	plaintext, err := e.namespace.Decrypt(tenantID, value)
	if err != nil {
		e.logger.Warn("Dropping undecryptable cache entry",
			zap.String("key", key),
			logger.CauseField(err))
		_, _ = e.store.Delete(ctx, key)
		return nil, false
	}

	return plaintext, true
}

// Set writes a tenant-scoped value and registers its place in the dependency
// graph. Tags are tenant-scoped before indexing.
func (e *Engine) Set(ctx context.Context, tenantID, namespace, entityPath string, value []byte, ttl time.Duration, dependsOn []string, tags []string) error {
	key, err := e.namespace.BuildKey(tenantID, namespace, entityPath)
	if err != nil {
		return err
	}

	ciphertext, err := e.namespace.Encrypt(tenantID, value)
	if err != nil {
		return err
	}

	if err := e.store.Set(ctx, key, ciphertext, ttl); err != nil {
		return err
	}

	if len(dependsOn) > 0 || len(tags) > 0 {
		return e.graph.RegisterDependency(ctx, key, dependsOn, e.scopeTags(tenantID, tags))
	}

	return nil
}

// GetOrCompute is the read-through path: concurrent misses for the same key
// collapse into a single compute call.
func (e *Engine) GetOrCompute(ctx context.Context, tenantID, namespace, entityPath string, ttl time.Duration, compute types.ComputeFunc, dependsOn []string, tags []string) ([]byte, error) {
	key, err := e.namespace.BuildKey(tenantID, namespace, entityPath)
	if err != nil {
		return nil, err
	}

	sealed := func(ctx context.Context) ([]byte, error) {
		plaintext, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return e.namespace.Encrypt(tenantID, plaintext)
	}

	value, err := e.readThru.GetOrCompute(ctx, key, ttl, sealed)
	if err != nil {
		return nil, err
	}

	plaintext, err := e.namespace.Decrypt(tenantID, value)
	if err != nil {
		// Stale or foreign ciphertext under this key. Drop it and take the
		// slow path once.
		e.logger.Warn("Recomputing undecryptable cache entry",
			zap.String("key", key),
			logger.CauseField(err))
		_, _ = e.store.Delete(ctx, key)

		plaintext, err = compute(ctx)
		if err != nil {
			return nil, err
		}

		if ciphertext, sealErr := e.namespace.Encrypt(tenantID, plaintext); sealErr == nil {
			if setErr := e.store.Set(ctx, key, ciphertext, ttl); setErr != nil {
				e.logger.Warn("Failed to repopulate cache entry",
					zap.String("key", key),
					logger.CauseField(setErr))
			}
		}
	}

	if len(dependsOn) > 0 || len(tags) > 0 {
		if regErr := e.graph.RegisterDependency(ctx, key, dependsOn, e.scopeTags(tenantID, tags)); regErr != nil {
			e.logger.Warn("Failed to register dependency",
				zap.String("key", key),
				logger.CauseField(regErr))
		}
	}

	return plaintext, nil
}

// RegisterDependency links an already-cached key into the graph.
func (e *Engine) RegisterDependency(ctx context.Context, tenantID, namespace, entityPath string, dependsOn []string, tags []string) error {
	key, err := e.namespace.BuildKey(tenantID, namespace, entityPath)
	if err != nil {
		return err
	}

	return e.graph.RegisterDependency(ctx, key, dependsOn, e.scopeTags(tenantID, tags))
}

// Invalidate removes a tenant-scoped entry, cascading through dependents
// unless opts says otherwise.
func (e *Engine) Invalidate(ctx context.Context, tenantID, namespace, entityPath string, opts types.InvalidateOptions) (*types.InvalidationReport, error) {
	key, err := e.namespace.BuildKey(tenantID, namespace, entityPath)
	if err != nil {
		return nil, err
	}

	return e.graph.Invalidate(ctx, key, opts)
}

// InvalidateByTag invalidates every key carrying any of the given tags,
// scoped to one tenant.
func (e *Engine) InvalidateByTag(ctx context.Context, tenantID string, tags ...string) (*types.InvalidationReport, error) {
	return e.graph.InvalidateByTag(ctx, e.scopeTags(tenantID, tags)...)
}

// HandleChangeEvent feeds one source-of-truth change notification through
// the routing table.
func (e *Engine) HandleChangeEvent(ctx context.Context, event types.ChangeEvent) error {
	return e.router.HandleChangeEvent(ctx, event)
}

// RegisterView binds a compute function to a view declared in configuration.
func (e *Engine) RegisterView(name string, compute types.ViewComputeFunc) error {
	return e.scheduler.RegisterView(name, compute)
}

func (e *Engine) BuildKey(tenantID, namespace, entityPath string) (string, error) {
	return e.namespace.BuildKey(tenantID, namespace, entityPath)
}

func (e *Engine) Logger() types.Logger              { return e.logger }
func (e *Engine) Store() types.CacheStore           { return e.store }
func (e *Engine) Graph() types.GraphManager         { return e.graph }
func (e *Engine) Router() types.EventRouter         { return e.router }
func (e *Engine) Scheduler() types.RefreshScheduler { return e.scheduler }
func (e *Engine) Monitor() types.HealthMonitor      { return e.monitor }
func (e *Engine) Metrics() types.MetricsManager     { return e.metrics }
func (e *Engine) Namespace() types.KeyNamespace     { return e.namespace }

func (e *Engine) scopeTags(tenantID string, tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	scoped := make([]string, 0, len(tags))
	for _, tag := range tags {
		scoped = append(scoped, e.namespace.TagKey(tenantID, tag))
	}
	return scoped
}
