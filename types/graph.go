package types

import (
	"context"
	"time"
)

// GraphManager owns DependencyRecords and drives cascading invalidation by
// walking reverse (dependents) edges recorded in the cache tier.
type GraphManager interface {
	LifecycleManager
	RegisterDependency(ctx context.Context, key string, dependsOn []string, tags []string) error
	Invalidate(ctx context.Context, key string, opts InvalidateOptions) (*InvalidationReport, error)
	InvalidateByTag(ctx context.Context, tags ...string) (*InvalidationReport, error)
	Record(ctx context.Context, key string) (*DependencyRecord, bool)
	QueueDepth() int
	DeadLetters() []DeadLetter
}

type InvalidateOptions struct {
	Cascading bool
	Async     bool
	Reason    string
	// Timeout bounds synchronous execution; when exceeded the in-flight
	// cascade is detached and finished by the worker pool.
	Timeout time.Duration
}

type InvalidationReport struct {
	Root     string        `json:"root"`
	Visited  int           `json:"visited"`
	Deleted  int           `json:"deleted"`
	Failed   int           `json:"failed"`
	Cycles   int           `json:"cycles"`
	Queued   bool          `json:"queued"`
	JobID    string        `json:"job_id,omitempty"`
	Duration time.Duration `json:"duration"`
}

// DependencyRecord describes one cache key's place in the graph. The reverse
// edge set (dependents) lives in its own store set so registration stays a
// single-key atomic append per edge.
type DependencyRecord struct {
	Key       string    `json:"key"`
	DependsOn []string  `json:"depends_on"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type InvalidationJob struct {
	ID          string    `json:"id"`
	TargetKey   string    `json:"target_key"`
	Cascading   bool      `json:"cascading"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Reason      string    `json:"reason"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

type DeadLetter struct {
	Job      InvalidationJob `json:"job"`
	LastErr  string          `json:"last_error"`
	FailedAt time.Time       `json:"failed_at"`
}
