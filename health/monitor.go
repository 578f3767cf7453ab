package health

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-cache-engine/types"
)

const (
	bucketSize     = 10 * time.Second
	maxWindow      = time.Hour
	maxTrackedKeys = 4096
	pruneInterval  = time.Minute
)

// Monitor is advisory only. It accounts hit/miss traffic in time buckets,
// tracks per-key access frequency for eviction/warm scoring, and runs
// component health checks. It never mutates cache state.
type Monitor struct {
	ctx          context.Context
	cancel       context.CancelFunc
	logger       types.Logger
	engine       types.EngineInfo
	window       time.Duration
	totalHits    uint64
	totalMisses  uint64
	buckets      map[int64]*trafficBucket
	bucketMu     sync.Mutex
	keys         map[string]*keyStat
	keyMu        sync.Mutex
	checkers     map[string]types.HealthChecker
	checkerMu    sync.RWMutex
	startTime    time.Time
	checkTimeout time.Duration
	started      int32
	stopCh       chan struct{}
}

type trafficBucket struct {
	hits   uint64
	misses uint64
}

type keyStat struct {
	count      uint64
	lastAccess int64
}

func NewMonitor(ctx context.Context, config *types.HealthConfig, logger types.Logger, engine types.EngineInfo) *Monitor {
	window := 5 * time.Minute
	if config != nil && config.Window > 0 {
		window = config.Window.Std()
	}
	if window > maxWindow {
		window = maxWindow
	}

	monitorCtx, cancel := context.WithCancel(ctx)

	return &Monitor{
		ctx:          monitorCtx,
		cancel:       cancel,
		logger:       logger,
		engine:       engine,
		window:       window,
		buckets:      make(map[int64]*trafficBucket),
		keys:         make(map[string]*keyStat),
		checkers:     make(map[string]types.HealthChecker),
		checkTimeout: 5 * time.Second,
		stopCh:       make(chan struct{}),
	}
}

func (m *Monitor) RecordHit(key string) {
	atomic.AddUint64(&m.totalHits, 1)
	atomic.AddUint64(&m.bucket().hits, 1)
	m.touch(key)
}

func (m *Monitor) RecordMiss(key string) {
	atomic.AddUint64(&m.totalMisses, 1)
	atomic.AddUint64(&m.bucket().misses, 1)
	m.touch(key)
}

// bucket returns the current traffic bucket; counters inside it are bumped
// atomically so the map lock is held only for the slot lookup.
func (m *Monitor) bucket() *trafficBucket {
	slot := time.Now().UnixNano() / int64(bucketSize)

	m.bucketMu.Lock()
	defer m.bucketMu.Unlock()

	b, exists := m.buckets[slot]
	if !exists {
		b = &trafficBucket{}
		m.buckets[slot] = b
	}
	return b
}

func (m *Monitor) touch(key string) {
	if key == "" {
		return
	}

	now := time.Now().UnixNano()

	m.keyMu.Lock()
	defer m.keyMu.Unlock()

	stat, exists := m.keys[key]
	if !exists {
		if len(m.keys) >= maxTrackedKeys {
			m.evictColdStatUnsafe()
		}
		stat = &keyStat{}
		m.keys[key] = stat
	}
	stat.count++
	stat.lastAccess = now
}

func (m *Monitor) evictColdStatUnsafe() {
	var victim string
	var victimCount uint64

	for key, stat := range m.keys {
		if victim == "" || stat.count < victimCount {
			victim = key
			victimCount = stat.count
		}
	}
	if victim != "" {
		delete(m.keys, victim)
	}
}

// HitRatio aggregates the buckets inside the window; an idle window reports
// ratio 0.
func (m *Monitor) HitRatio(window time.Duration) float64 {
	if window <= 0 || window > m.window {
		window = m.window
	}

	oldest := time.Now().Add(-window).UnixNano() / int64(bucketSize)

	m.bucketMu.Lock()
	defer m.bucketMu.Unlock()

	var hits, misses uint64
	for slot, b := range m.buckets {
		if slot >= oldest {
			hits += atomic.LoadUint64(&b.hits)
			misses += atomic.LoadUint64(&b.misses)
		}
	}

	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// EvictionCandidates returns up to n keys ranked coldest first: lowest access
// count, oldest access breaking ties.
func (m *Monitor) EvictionCandidates(n int) []string {
	return m.rankedKeys(n, func(a, b *keyStat) bool {
		if a.count != b.count {
			return a.count < b.count
		}
		return a.lastAccess < b.lastAccess
	})
}

// WarmCandidates returns up to n of the hottest keys, for warming ahead of
// predicted demand.
func (m *Monitor) WarmCandidates(n int) []string {
	return m.rankedKeys(n, func(a, b *keyStat) bool {
		if a.count != b.count {
			return a.count > b.count
		}
		return a.lastAccess > b.lastAccess
	})
}

func (m *Monitor) rankedKeys(n int, less func(a, b *keyStat) bool) []string {
	if n <= 0 {
		return nil
	}

	m.keyMu.Lock()
	type entry struct {
		key  string
		stat keyStat
	}
	entries := make([]entry, 0, len(m.keys))
	for key, stat := range m.keys {
		entries = append(entries, entry{key: key, stat: *stat})
	}
	m.keyMu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return less(&entries[i].stat, &entries[j].stat)
	})

	if n > len(entries) {
		n = len(entries)
	}

	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = entries[i].key
	}
	return keys
}

func (m *Monitor) RegisterChecker(name string, checker types.HealthChecker) {
	m.checkerMu.Lock()
	defer m.checkerMu.Unlock()

	m.checkers[name] = checker
}

func (m *Monitor) Check(ctx context.Context) types.HealthReport {
	m.checkerMu.RLock()
	checkers := make(map[string]types.HealthChecker, len(m.checkers))
	for name, checker := range m.checkers {
		checkers[name] = checker
	}
	m.checkerMu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(checkCtx)
	results := make(map[string]types.HealthCheck, len(checkers))
	var resultMu sync.Mutex

	for name, checker := range checkers {
		name, checker := name, checker
		g.Go(func() error {
			result := m.executeCheck(gCtx, name, checker)

			resultMu.Lock()
			results[name] = result
			resultMu.Unlock()
			return nil
		})
	}

	_ = g.Wait()

	status := types.StatusHealthy
	for _, result := range results {
		if result.Status == types.StatusUnhealthy {
			status = types.StatusUnhealthy
			break
		}
	}

	return types.HealthReport{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime),
		Engine:    m.engine,
		Checks:    results,
	}
}

func (m *Monitor) executeCheck(ctx context.Context, name string, checker types.HealthChecker) types.HealthCheck {
	start := time.Now()

	done := make(chan types.HealthCheck, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- types.HealthCheck{
					Name:    name,
					Status:  types.StatusUnhealthy,
					Message: "checker panicked",
				}
			}
		}()
		done <- checker(ctx)
	}()

	select {
	case result := <-done:
		result.Name = name
		result.LastCheck = time.Now()
		result.Duration = time.Since(start)
		return result
	case <-ctx.Done():
		return types.HealthCheck{
			Name:      name,
			Status:    types.StatusUnknown,
			Message:   types.ErrHealthCheckTimeout.Error(),
			LastCheck: time.Now(),
			Duration:  time.Since(start),
		}
	}
}

func (m *Monitor) Stats() types.MonitorStats {
	hits := atomic.LoadUint64(&m.totalHits)
	misses := atomic.LoadUint64(&m.totalMisses)

	ratio := 0.0
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}

	m.keyMu.Lock()
	tracked := len(m.keys)
	m.keyMu.Unlock()

	return types.MonitorStats{
		Hits:        hits,
		Misses:      misses,
		HitRatio:    ratio,
		TrackedKeys: tracked,
	}
}

func (m *Monitor) Start() error {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return nil
	}

	m.startTime = time.Now()
	go m.pruneLoop()

	m.logger.Info("Health monitor started", zap.Duration("window", m.window))

	return nil
}

func (m *Monitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.started, 1, 0) {
		return nil
	}

	close(m.stopCh)
	m.cancel()

	m.logger.Info("Health monitor stopped")
	return nil
}

func (m *Monitor) IsRunning() bool {
	return atomic.LoadInt32(&m.started) == 1
}

func (m *Monitor) pruneLoop() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.pruneBuckets()
		case <-m.stopCh:
			return
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Monitor) pruneBuckets() {
	oldest := time.Now().Add(-m.window).UnixNano() / int64(bucketSize)

	m.bucketMu.Lock()
	defer m.bucketMu.Unlock()

	for slot := range m.buckets {
		if slot < oldest {
			delete(m.buckets, slot)
		}
	}
}
