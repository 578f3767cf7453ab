package types

import (
	"context"
	"time"
)

const (
	ScopeGlobal    = "global"
	ScopePerTenant = "per_tenant"
)

// RefreshScheduler recomputes expensive aggregate views and writes the result
// back through the cache store. At most one refresh runs per view at a time;
// triggers arriving mid-refresh coalesce into a single recheck afterwards.
type RefreshScheduler interface {
	LifecycleManager
	RegisterView(name string, compute ViewComputeFunc) error
	NoteChange(view string, rows int)
	TriggerRefresh(view string) error
	ViewStats(view string) (ViewStats, bool)
}

type ViewComputeFunc func(ctx context.Context, tenantID string) ([]byte, error)

// RefreshDescriptor is registered at startup from configuration and never
// removed at runtime, only disabled.
type RefreshDescriptor struct {
	Name               string   `yaml:"name" json:"name" validate:"required"`
	TenantScope        string   `yaml:"tenant_scope" json:"tenant_scope" validate:"omitempty,oneof=global per_tenant"`
	Tenants            []string `yaml:"tenants" json:"tenants"`
	Schedule           string   `yaml:"schedule" json:"schedule"`
	StalenessThreshold Duration `yaml:"staleness_threshold" json:"staleness_threshold"`
	ChangeThreshold    int      `yaml:"change_threshold" json:"change_threshold"`
	TTL                Duration `yaml:"ttl" json:"ttl"`
	Namespace          string   `yaml:"namespace" json:"namespace"`
	Tags               []string `yaml:"tags" json:"tags"`
	Disabled           bool     `yaml:"disabled" json:"disabled"`
}

type ViewStats struct {
	Name           string        `json:"name"`
	LastRefresh    time.Time     `json:"last_refresh"`
	LastDuration   time.Duration `json:"last_duration"`
	LastError      string        `json:"last_error,omitempty"`
	RefreshCount   int64         `json:"refresh_count"`
	FailureCount   int64         `json:"failure_count"`
	CoalescedCount int64         `json:"coalesced_count"`
	PendingChanges int64         `json:"pending_changes"`
}
