package graph

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache-engine/store"
	"github.com/saiset-co/sai-cache-engine/types"
	"github.com/saiset-co/sai-cache-engine/utils"
)

const (
	recordPrefix     = "dep:"
	dependentsPrefix = "dependents:"
	tagIndexPrefix   = "tagidx:"

	// Records live as ordinary cache entries in the shared tier, so multiple
	// engine instances see the same graph without a distributed lock service.
	recordTTL = store.MaxTTL
)

type Manager struct {
	ctx         context.Context
	cancel      context.CancelFunc
	logger      types.Logger
	metrics     types.MetricsManager
	store       types.CacheStore
	config      *types.GraphConfig
	jobs        chan *types.InvalidationJob
	pending     map[string]string
	pendingMu   sync.Mutex
	deadLetters []types.DeadLetter
	dlMu        sync.RWMutex
	wg          sync.WaitGroup
	started     int32
	stopCh      chan struct{}
}

func NewManager(ctx context.Context, config *types.GraphConfig, cacheStore types.CacheStore, logger types.Logger, metrics types.MetricsManager) (*Manager, error) {
	cfg := &types.GraphConfig{
		FanOutThreshold: 50,
		Workers:         4,
		QueueSize:       1024,
		MaxAttempts:     3,
		SyncTimeout:     types.Duration(5 * time.Second),
	}
	if config != nil {
		if config.FanOutThreshold > 0 {
			cfg.FanOutThreshold = config.FanOutThreshold
		}
		if config.Workers > 0 {
			cfg.Workers = config.Workers
		}
		if config.QueueSize > 0 {
			cfg.QueueSize = config.QueueSize
		}
		if config.MaxAttempts > 0 {
			cfg.MaxAttempts = config.MaxAttempts
		}
		if config.SyncTimeout > 0 {
			cfg.SyncTimeout = config.SyncTimeout
		}
	}

	managerCtx, cancel := context.WithCancel(ctx)

	return &Manager{
		ctx:     managerCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		store:   cacheStore,
		config:  cfg,
		jobs:    make(chan *types.InvalidationJob, cfg.QueueSize),
		pending: make(map[string]string),
		stopCh:  make(chan struct{}),
	}, nil
}

// RegisterDependency records that key depends on every entry of dependsOn and
// carries the given tags. Reverse edges and tag index membership are appended
// in one atomic batch. Calling it twice with the same arguments is a no-op.
func (m *Manager) RegisterDependency(ctx context.Context, key string, dependsOn []string, tags []string) error {
	if key == "" {
		return types.ErrGraphKeyEmpty
	}

	record, _ := m.Record(ctx, key)
	if record == nil {
		record = &types.DependencyRecord{
			Key:       key,
			CreatedAt: time.Now(),
		}
	}

	record.DependsOn = mergeUnique(record.DependsOn, dependsOn)
	record.Tags = mergeUnique(record.Tags, tags)
	record.UpdatedAt = time.Now()

	data, err := utils.Marshal(record)
	if err != nil {
		return types.WrapError(err, "failed to marshal dependency record")
	}

	ops := make([]types.BatchOp, 0, len(dependsOn)+len(tags)+1)
	ops = append(ops, types.BatchOp{
		Kind:  types.BatchSet,
		Key:   recordPrefix + key,
		Value: data,
		TTL:   recordTTL,
	})
	for _, dep := range dependsOn {
		if dep == "" {
			continue
		}
		ops = append(ops, types.BatchOp{
			Kind:    types.BatchSetAdd,
			Key:     dependentsPrefix + dep,
			Members: []string{key},
		})
	}
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		ops = append(ops, types.BatchOp{
			Kind:    types.BatchSetAdd,
			Key:     tagIndexPrefix + tag,
			Members: []string{key},
		})
	}

	if _, err := m.store.Batch(ctx, ops); err != nil {
		return types.WrapError(err, "failed to register dependency")
	}

	return nil
}

// Invalidate deletes the entry behind key and, when cascading, every entry
// that transitively depends on it. The execution strategy is decided once per
// call from a cheap dependents-count probe: large fan-outs and explicit async
// requests go through the worker queue.
func (m *Manager) Invalidate(ctx context.Context, key string, opts types.InvalidateOptions) (*types.InvalidationReport, error) {
	if key == "" {
		return nil, types.ErrGraphKeyEmpty
	}

	queued := opts.Async
	if !queued && opts.Cascading {
		if card, err := m.store.SetCard(ctx, dependentsPrefix+key); err == nil && card > m.config.FanOutThreshold {
			m.logger.Debug("fan-out exceeds threshold, queueing invalidation",
				zap.String("key", key),
				zap.Int("dependents", card),
				zap.Int("threshold", m.config.FanOutThreshold))
			queued = true
		}
	}

	if queued {
		job, err := m.enqueue(key, opts.Cascading, opts.Reason)
		if err != nil {
			return nil, err
		}
		return &types.InvalidationReport{Root: key, Queued: true, JobID: job.ID}, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.config.SyncTimeout.Std()
	}

	// The cascade runs against the manager context so a caller timeout
	// detaches the work instead of aborting it.
	done := make(chan *types.InvalidationReport, 1)
	go func() {
		done <- m.cascade(m.ctx, key, opts.Cascading, opts.Reason)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case report := <-done:
		return report, nil
	case <-ctx.Done():
		return m.detach(key, done), types.WrapError(ctx.Err(), "invalidation detached")
	case <-timer.C:
		return m.detach(key, done), nil
	}
}

// detach converts an in-flight synchronous cascade to queued semantics: the
// goroutine keeps running and its completion is observed in the background.
func (m *Manager) detach(key string, done chan *types.InvalidationReport) *types.InvalidationReport {
	m.logger.Info("synchronous invalidation timed out, detaching cascade",
		zap.String("key", key))

	go func() {
		report := <-done
		m.logger.Debug("detached cascade finished",
			zap.String("key", key),
			zap.Int("visited", report.Visited),
			zap.Int("deleted", report.Deleted))
	}()

	return &types.InvalidationReport{Root: key, Queued: true}
}

// InvalidateByTag resolves every key carrying any of the tags and invalidates
// each of them. Roots are deduplicated, and every root goes through the same
// fan-out strategy decision as a direct Invalidate call, so a tag covering a
// key with a large dependent set queues instead of cascading on the caller.
func (m *Manager) InvalidateByTag(ctx context.Context, tags ...string) (*types.InvalidationReport, error) {
	start := time.Now()
	total := &types.InvalidationReport{}

	seen := make(map[string]struct{})
	for _, tag := range tags {
		if tag == "" {
			continue
		}

		keys, err := m.store.SetMembers(ctx, tagIndexPrefix+tag)
		if err != nil {
			m.logger.Error("failed to resolve tag index",
				zap.String("tag", tag), zap.Error(err))
			total.Failed++
			continue
		}

		for _, key := range keys {
			if _, exists := seen[key]; exists {
				continue
			}
			seen[key] = struct{}{}

			report, err := m.Invalidate(ctx, key, types.InvalidateOptions{
				Cascading: true,
				Reason:    "tag:" + tag,
			})
			if err != nil {
				total.Failed++
				m.logger.Error("tag invalidation failed",
					zap.String("tag", tag),
					zap.String("key", key),
					zap.Error(err))
				continue
			}

			total.Visited += report.Visited
			total.Deleted += report.Deleted
			total.Failed += report.Failed
			total.Cycles += report.Cycles
			if report.Queued {
				total.Queued = true
			}
		}
	}

	total.Duration = time.Since(start)

	m.recordInvalidation("tag", total)

	return total, nil
}

// Record returns the DependencyRecord stored for key, if any.
func (m *Manager) Record(ctx context.Context, key string) (*types.DependencyRecord, bool) {
	data, found := m.store.Get(ctx, recordPrefix+key)
	if !found {
		return nil, false
	}

	var record types.DependencyRecord
	if err := utils.Unmarshal(data, &record); err != nil {
		m.logger.Warn("corrupt dependency record",
			zap.String("key", key), zap.Error(err))
		return nil, false
	}

	return &record, true
}

func (m *Manager) QueueDepth() int {
	return len(m.jobs)
}

func (m *Manager) DeadLetters() []types.DeadLetter {
	m.dlMu.RLock()
	defer m.dlMu.RUnlock()

	letters := make([]types.DeadLetter, len(m.deadLetters))
	copy(letters, m.deadLetters)
	return letters
}

func (m *Manager) Start() error {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return types.ErrGraphAlreadyRunning
	}

	for i := 0; i < m.config.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}

	m.logger.Info("Dependency graph manager started",
		zap.Int("workers", m.config.Workers),
		zap.Int("fan_out_threshold", m.config.FanOutThreshold))

	return nil
}

func (m *Manager) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.started, 1, 0) {
		return types.ErrGraphNotRunning
	}

	close(m.stopCh)
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Dependency graph manager stopped")
	case <-time.After(10 * time.Second):
		m.logger.Warn("Dependency graph manager shutdown timeout")
	}

	return nil
}

func (m *Manager) IsRunning() bool {
	return atomic.LoadInt32(&m.started) == 1
}

func (m *Manager) recordInvalidation(mode string, report *types.InvalidationReport) {
	if m.metrics == nil {
		return
	}

	m.metrics.Counter("graph_invalidations_total", map[string]string{
		"mode": mode,
	}).Inc()
	m.metrics.Counter("graph_keys_invalidated_total", nil).Add(float64(report.Deleted))

	if report.Cycles > 0 {
		m.metrics.Counter("graph_cycles_detected_total", nil).Add(float64(report.Cycles))
	}
}

func mergeUnique(existing, extra []string) []string {
	if len(extra) == 0 {
		return existing
	}

	seen := make(map[string]struct{}, len(existing)+len(extra))
	merged := make([]string, 0, len(existing)+len(extra))

	for _, v := range existing {
		if _, exists := seen[v]; !exists && v != "" {
			seen[v] = struct{}{}
			merged = append(merged, v)
		}
	}
	for _, v := range extra {
		if _, exists := seen[v]; !exists && v != "" {
			seen[v] = struct{}{}
			merged = append(merged, v)
		}
	}

	return merged
}
