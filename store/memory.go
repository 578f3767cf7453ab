package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache-engine/types"
	"github.com/saiset-co/sai-cache-engine/utils"
)

const (
	MaxTTL     = 24 * time.Hour
	DefaultTTL = 1 * time.Hour
)

type MemoryConfig struct {
	MaxEntries      int           `json:"max_entries"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// MemoryStore is the in-process equivalent of the redis adapter, used for
// tests and single-node deployments. A single mutex guards entries, sets and
// counters together, which is what makes Batch non-interleaving.
type MemoryStore struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   types.Logger
	config   *MemoryConfig
	data     map[string]*types.CacheEntry
	sets     map[string]map[string]struct{}
	counters map[string]uint64
	mu       sync.RWMutex
	started  int32
	stopCh   chan struct{}
}

func NewMemoryStore(ctx context.Context, logger types.Logger, config *types.StoreConfig) (types.CacheStore, error) {
	var memConfig = &MemoryConfig{
		MaxEntries:      10000,
		CleanupInterval: 5 * time.Minute,
	}

	if config != nil && config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, memConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory store config")
		}
	}

	storeCtx, cancel := context.WithCancel(ctx)

	return &MemoryStore{
		ctx:      storeCtx,
		cancel:   cancel,
		logger:   logger,
		config:   memConfig,
		data:     make(map[string]*types.CacheEntry),
		sets:     make(map[string]map[string]struct{}),
		counters: make(map[string]uint64),
		stopCh:   make(chan struct{}),
	}, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}

	now := time.Now()

	m.mu.RLock()
	entry, exists := m.data[key]
	if !exists {
		m.mu.RUnlock()
		return nil, false
	}

	if entry.Expired(now) {
		m.mu.RUnlock()
		m.mu.Lock()
		if entry, exists := m.data[key]; exists && entry.Expired(now) {
			delete(m.data, key)
		}
		m.mu.Unlock()
		return nil, false
	}

	value := entry.Value
	m.mu.RUnlock()

	return value, true
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return types.ErrStoreKeyEmpty
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.MaxEntries > 0 {
		if _, exists := m.data[key]; !exists && len(m.data) >= m.config.MaxEntries {
			m.evictOneUnsafe(now)
		}
	}

	m.counters["ver:"+key]++

	m.data[key] = &types.CacheEntry{
		Key:       key,
		Value:     value,
		Version:   m.counters["ver:"+key],
		TTL:       ttl,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for _, key := range keys {
		found := false
		if _, exists := m.data[key]; exists {
			delete(m.data, key)
			delete(m.counters, "ver:"+key)
			found = true
		}
		// DEL removes a key regardless of its type, sets included.
		if _, exists := m.sets[key]; exists {
			delete(m.sets, key)
			found = true
		}
		if found {
			deleted++
		}
	}

	return deleted, nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.data[key]
	return exists && !entry.Expired(time.Now())
}

func (m *MemoryStore) Version(ctx context.Context, key string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.counters["ver:"+key]
}

func (m *MemoryStore) SetAdd(ctx context.Context, key string, members ...string) error {
	if key == "" {
		return types.ErrStoreKeyEmpty
	}
	if len(members) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	set, exists := m.sets[key]
	if !exists {
		set = make(map[string]struct{}, len(members))
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}

	return nil
}

func (m *MemoryStore) SetRemove(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, exists := m.sets[key]
	if !exists {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}

	return nil
}

func (m *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, exists := m.sets[key]
	if !exists {
		return nil, nil
	}

	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}

	return members, nil
}

func (m *MemoryStore) SetCard(ctx context.Context, key string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sets[key]), nil
}

func (m *MemoryStore) Increment(ctx context.Context, key string) (uint64, error) {
	if key == "" {
		return 0, types.ErrStoreKeyEmpty
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[key]++
	return m.counters[key], nil
}

func (m *MemoryStore) Batch(ctx context.Context, ops []types.BatchOp) ([]types.BatchResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	results := make([]types.BatchResult, len(ops))

	for i, op := range ops {
		switch op.Kind {
		case types.BatchGet:
			if entry, exists := m.data[op.Key]; exists && !entry.Expired(now) {
				results[i] = types.BatchResult{Value: entry.Value, Found: true}
			}
		case types.BatchSet:
			ttl := op.TTL
			if ttl <= 0 {
				ttl = DefaultTTL
			}
			m.counters["ver:"+op.Key]++
			m.data[op.Key] = &types.CacheEntry{
				Key:       op.Key,
				Value:     op.Value,
				Version:   m.counters["ver:"+op.Key],
				TTL:       ttl,
				CreatedAt: now,
				ExpiresAt: now.Add(ttl),
			}
		case types.BatchDelete:
			found := false
			if _, exists := m.data[op.Key]; exists {
				delete(m.data, op.Key)
				delete(m.counters, "ver:"+op.Key)
				found = true
			}
			if _, exists := m.sets[op.Key]; exists {
				delete(m.sets, op.Key)
				found = true
			}
			if found {
				results[i] = types.BatchResult{Deleted: 1}
			}
		case types.BatchSetAdd:
			set, exists := m.sets[op.Key]
			if !exists {
				set = make(map[string]struct{}, len(op.Members))
				m.sets[op.Key] = set
			}
			for _, member := range op.Members {
				set[member] = struct{}{}
			}
		case types.BatchSetRemove:
			if set, exists := m.sets[op.Key]; exists {
				for _, member := range op.Members {
					delete(set, member)
				}
				if len(set) == 0 {
					delete(m.sets, op.Key)
				}
			}
		default:
			return nil, types.Errorf(types.ErrBatchOpUnknown, "kind: %s", op.Kind)
		}
	}

	return results, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Start() error {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return nil
	}

	go m.janitor()

	m.logger.Info("Memory store started",
		zap.Int("max_entries", m.config.MaxEntries),
		zap.Duration("cleanup_interval", m.config.CleanupInterval))

	return nil
}

func (m *MemoryStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.started, 1, 0) {
		return nil
	}

	close(m.stopCh)
	m.cancel()

	m.mu.Lock()
	m.data = make(map[string]*types.CacheEntry)
	m.sets = make(map[string]map[string]struct{})
	m.counters = make(map[string]uint64)
	m.mu.Unlock()

	m.logger.Info("Memory store stopped")
	return nil
}

func (m *MemoryStore) IsRunning() bool {
	return atomic.LoadInt32(&m.started) == 1
}

func (m *MemoryStore) janitor() {
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupExpired()
		case <-m.stopCh:
			return
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *MemoryStore) cleanupExpired() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, entry := range m.data {
		if entry.Expired(now) {
			delete(m.data, key)
			delete(m.counters, "ver:"+key)
			removed++
		}
	}

	if removed > 0 {
		m.logger.Debug("Expired entries cleaned up",
			zap.Int("removed", removed),
			zap.Int("remaining", len(m.data)))
	}
}

// evictOneUnsafe drops the entry closest to expiry; caller holds the lock.
func (m *MemoryStore) evictOneUnsafe(now time.Time) {
	var victim string
	var victimExpiry time.Time

	for key, entry := range m.data {
		if entry.Expired(now) {
			victim = key
			break
		}
		if victim == "" || entry.ExpiresAt.Before(victimExpiry) {
			victim = key
			victimExpiry = entry.ExpiresAt
		}
	}

	if victim != "" {
		delete(m.data, victim)
		delete(m.counters, "ver:"+victim)
	}
}
