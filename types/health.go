package types

import (
	"context"
	"time"
)

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusUnknown   HealthStatus = "unknown"
)

type HealthStatus string

// HealthMonitor is advisory only: it records hit/miss traffic and scores
// eviction/warm candidates, but never mutates cache state itself.
type HealthMonitor interface {
	LifecycleManager
	RecordHit(key string)
	RecordMiss(key string)
	HitRatio(window time.Duration) float64
	EvictionCandidates(n int) []string
	WarmCandidates(n int) []string
	RegisterChecker(name string, checker HealthChecker)
	Check(ctx context.Context) HealthReport
	Stats() MonitorStats
}

type HealthChecker func(ctx context.Context) HealthCheck

type HealthCheck struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

type HealthReport struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    time.Duration          `json:"uptime"`
	Engine    EngineInfo             `json:"engine"`
	Checks    map[string]HealthCheck `json:"checks"`
}

type MonitorStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRatio    float64 `json:"hit_ratio"`
	TrackedKeys int     `json:"tracked_keys"`
}
