package types

import (
	"context"
	"time"
)

// CacheStore abstracts the distributed in-memory tier. Implementations must be
// safe for concurrent use and must fail open: a store that cannot be reached
// reports a miss rather than an error on the read path.
type CacheStore interface {
	LifecycleManager
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int, error)
	Exists(ctx context.Context, key string) bool
	Version(ctx context.Context, key string) uint64

	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetCard(ctx context.Context, key string) (int, error)

	Increment(ctx context.Context, key string) (uint64, error)
	Batch(ctx context.Context, ops []BatchOp) ([]BatchResult, error)
	Ping(ctx context.Context) error
}

type CacheStoreCreator func(config interface{}) (CacheStore, error)

type BatchOpKind string

const (
	BatchGet       BatchOpKind = "get"
	BatchSet       BatchOpKind = "set"
	BatchDelete    BatchOpKind = "delete"
	BatchSetAdd    BatchOpKind = "sadd"
	BatchSetRemove BatchOpKind = "srem"
)

type BatchOp struct {
	Kind    BatchOpKind
	Key     string
	Value   []byte
	TTL     time.Duration
	Members []string
}

type BatchResult struct {
	Value   []byte
	Found   bool
	Deleted int
	Err     error
}

// CacheEntry is the envelope persisted behind every logical key. Value is
// opaque to the engine; Version increases on every overwrite and backs the
// documented last-write-wins conflict policy.
type CacheEntry struct {
	Key       string        `json:"key"`
	Value     []byte        `json:"value"`
	Version   uint64        `json:"version"`
	TTL       time.Duration `json:"ttl"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// ComputeFunc produces a value from the source of truth on a cache miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)
