package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache-engine/types"
	"github.com/saiset-co/sai-cache-engine/utils"
)

type RedisConfig struct {
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Password           string        `json:"password"`
	DB                 int           `json:"db"`
	PoolSize           int           `json:"pool_size"`
	MinIdleConnections int           `json:"min_idle_connections"`
	DialTimeout        time.Duration `json:"dial_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	KeyPrefix          string        `json:"key_prefix"`
}

type RedisStore struct {
	ctx     context.Context
	logger  types.Logger
	config  *RedisConfig
	retry   retryPolicy
	client  *redis.Client
	started int32
}

func NewRedisStore(ctx context.Context, logger types.Logger, config *types.StoreConfig) (types.CacheStore, error) {
	var redisConfig = &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		Password:           "",
		DB:                 0,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          "sai-cache",
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, redisConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis store config")
		}
	}

	store := &RedisStore{
		ctx:    ctx,
		logger: logger,
		config: redisConfig,
		retry:  newRetryPolicy(config.RetryAttempts, config.RetryBase.Std()),
	}

	store.client = redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConnections,
		DialTimeout:  redisConfig.DialTimeout,
		ReadTimeout:  redisConfig.ReadTimeout,
		WriteTimeout: redisConfig.WriteTimeout,
	})

	if err := store.Ping(ctx); err != nil {
		return nil, types.WrapError(err, "failed to connect to redis")
	}

	return store, nil
}

// Get treats every failure mode as a miss: connectivity errors after retries,
// undecodable envelopes and logically expired entries all fall through to the
// source of truth.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}

	fullKey := r.buildFullKey(key)

	var result string
	err := r.retry.do(ctx, func() error {
		var getErr error
		result, getErr = r.client.Get(ctx, fullKey).Result()
		return getErr
	})
	if err != nil {
		if !types.IsError(err, redis.Nil) {
			r.logger.Error("failed to get cache entry", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var entry types.CacheEntry
	if err := utils.Unmarshal([]byte(result), &entry); err != nil {
		r.logger.Warn("corrupt cache entry deleted", zap.String("key", key), zap.Error(err))
		r.client.Del(ctx, fullKey)
		return nil, false
	}

	if entry.Expired(time.Now()) {
		if _, err := r.Delete(ctx, key); err != nil {
			r.logger.Error("failed to delete expired cache entry", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	return entry.Value, true
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return types.ErrStoreKeyEmpty
	}

	fullKey := r.buildFullKey(key)

	version, err := r.client.Incr(ctx, r.buildVersionKey(key)).Result()
	if err != nil {
		r.logger.Warn("failed to bump entry version", zap.String("key", key), zap.Error(err))
		version = 1
	}

	now := time.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	entry := &types.CacheEntry{
		Key:       key,
		Value:     value,
		Version:   uint64(version),
		TTL:       ttl,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}

	data, err := utils.Marshal(entry)
	if err != nil {
		return types.WrapError(err, "failed to marshal cache entry")
	}

	err = r.retry.do(ctx, func() error {
		return r.client.Set(ctx, fullKey, data, ttl).Err()
	})
	if err != nil {
		r.logger.Error("failed to set cache entry", zap.String("key", key), zap.Error(err))
		return types.WrapError(err, "failed to set cache entry")
	}

	return nil
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	fullKeys := make([]string, 0, len(keys))
	versionKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		fullKeys = append(fullKeys, r.buildFullKey(key))
		versionKeys = append(versionKeys, r.buildVersionKey(key))
	}
	if len(fullKeys) == 0 {
		return 0, nil
	}

	var deleted int64
	err := r.retry.do(ctx, func() error {
		var delErr error
		deleted, delErr = r.client.Del(ctx, fullKeys...).Result()
		return delErr
	})
	if err != nil {
		r.logger.Error("failed to delete cache keys", zap.Strings("keys", keys), zap.Error(err))
		return 0, types.WrapError(err, "failed to delete cache keys")
	}

	r.client.Del(ctx, versionKeys...)

	return int(deleted), nil
}

func (r *RedisStore) Exists(ctx context.Context, key string) bool {
	if key == "" {
		return false
	}

	count, err := r.client.Exists(ctx, r.buildFullKey(key)).Result()
	if err != nil {
		return false
	}
	return count > 0
}

func (r *RedisStore) Version(ctx context.Context, key string) uint64 {
	if key == "" {
		return 0
	}

	result, err := r.client.Get(ctx, r.buildVersionKey(key)).Result()
	if err != nil {
		return 0
	}

	var version uint64
	if _, err := fmt.Sscanf(result, "%d", &version); err != nil {
		return 0
	}
	return version
}

func (r *RedisStore) SetAdd(ctx context.Context, key string, members ...string) error {
	if key == "" {
		return types.ErrStoreKeyEmpty
	}
	if len(members) == 0 {
		return nil
	}

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}

	return r.retry.do(ctx, func() error {
		return r.client.SAdd(ctx, r.buildFullKey(key), args...).Err()
	})
}

func (r *RedisStore) SetRemove(ctx context.Context, key string, members ...string) error {
	if key == "" || len(members) == 0 {
		return nil
	}

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}

	return r.retry.do(ctx, func() error {
		return r.client.SRem(ctx, r.buildFullKey(key), args...).Err()
	})
}

func (r *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	if key == "" {
		return nil, types.ErrStoreKeyEmpty
	}

	var members []string
	err := r.retry.do(ctx, func() error {
		var mErr error
		members, mErr = r.client.SMembers(ctx, r.buildFullKey(key)).Result()
		return mErr
	})
	if err != nil {
		return nil, types.WrapError(err, "failed to read set members")
	}

	return members, nil
}

func (r *RedisStore) SetCard(ctx context.Context, key string) (int, error) {
	if key == "" {
		return 0, types.ErrStoreKeyEmpty
	}

	count, err := r.client.SCard(ctx, r.buildFullKey(key)).Result()
	if err != nil {
		return 0, types.WrapError(err, "failed to read set cardinality")
	}

	return int(count), nil
}

func (r *RedisStore) Increment(ctx context.Context, key string) (uint64, error) {
	if key == "" {
		return 0, types.ErrStoreKeyEmpty
	}

	value, err := r.client.Incr(ctx, r.buildFullKey(key)).Result()
	if err != nil {
		return 0, types.WrapError(err, "failed to increment counter")
	}

	return uint64(value), nil
}

// Batch runs the ops in a single MULTI/EXEC pipeline so ops touching the same
// keys never interleave with another batch.
func (r *RedisStore) Batch(ctx context.Context, ops []types.BatchOp) ([]types.BatchResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	pipe := r.client.TxPipeline()

	getCmds := make(map[int]*redis.StringCmd)
	delCmds := make(map[int]*redis.IntCmd)

	for i, op := range ops {
		switch op.Kind {
		case types.BatchGet:
			getCmds[i] = pipe.Get(ctx, r.buildFullKey(op.Key))
		case types.BatchSet:
			entry := &types.CacheEntry{
				Key:       op.Key,
				Value:     op.Value,
				TTL:       op.TTL,
				CreatedAt: time.Now(),
			}
			if op.TTL > 0 {
				entry.ExpiresAt = entry.CreatedAt.Add(op.TTL)
			}
			data, err := utils.Marshal(entry)
			if err != nil {
				return nil, types.WrapError(err, "failed to marshal batch entry")
			}
			pipe.Set(ctx, r.buildFullKey(op.Key), data, op.TTL)
		case types.BatchDelete:
			delCmds[i] = pipe.Del(ctx, r.buildFullKey(op.Key))
		case types.BatchSetAdd:
			args := make([]interface{}, len(op.Members))
			for j, m := range op.Members {
				args[j] = m
			}
			pipe.SAdd(ctx, r.buildFullKey(op.Key), args...)
		case types.BatchSetRemove:
			args := make([]interface{}, len(op.Members))
			for j, m := range op.Members {
				args[j] = m
			}
			pipe.SRem(ctx, r.buildFullKey(op.Key), args...)
		default:
			return nil, types.Errorf(types.ErrBatchOpUnknown, "kind: %s", op.Kind)
		}
	}

	_, execErr := pipe.Exec(ctx)
	if execErr != nil && !types.IsError(execErr, redis.Nil) {
		return nil, types.WrapError(execErr, "batch execution failed")
	}

	results := make([]types.BatchResult, len(ops))
	for i := range ops {
		if cmd, exists := getCmds[i]; exists {
			raw, err := cmd.Result()
			if err != nil {
				results[i] = types.BatchResult{Found: false}
				continue
			}
			var entry types.CacheEntry
			if err := utils.Unmarshal([]byte(raw), &entry); err != nil {
				results[i] = types.BatchResult{Found: false, Err: err}
				continue
			}
			results[i] = types.BatchResult{Value: entry.Value, Found: true}
		} else if cmd, exists := delCmds[i]; exists {
			deleted, _ := cmd.Result()
			results[i] = types.BatchResult{Deleted: int(deleted)}
		}
	}

	return results, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return r.client.Ping(pingCtx).Err()
}

func (r *RedisStore) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return nil
	}

	r.logger.Info("Redis store started",
		zap.String("addr", fmt.Sprintf("%s:%d", r.config.Host, r.config.Port)),
		zap.String("prefix", r.config.KeyPrefix))

	return nil
}

func (r *RedisStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return nil
	}

	if r.client != nil {
		if err := r.client.Close(); err != nil {
			r.logger.Error("Failed to close redis client", zap.Error(err))
			return types.WrapError(err, "failed to close redis client")
		}
	}

	r.logger.Info("Redis store closed")
	return nil
}

func (r *RedisStore) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisStore) buildFullKey(key string) string {
	if r.config.KeyPrefix != "" {
		return r.config.KeyPrefix + ":" + key
	}
	return key
}

func (r *RedisStore) buildVersionKey(key string) string {
	return r.buildFullKey("ver:" + key)
}
