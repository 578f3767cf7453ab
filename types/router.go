package types

import (
	"context"
	"time"
)

const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
	OpAny    = "*"
)

// EventRouter maps source-of-truth change notifications to invalidation
// targets. Delivery is at-least-once; handling must stay idempotent.
type EventRouter interface {
	HandleChangeEvent(ctx context.Context, event ChangeEvent) error
	Reload(rules []RouteRule) error
	Rules() []RouteRule
}

type ChangeEvent struct {
	Table     string                 `json:"table"`
	Operation string                 `json:"operation"`
	TenantID  string                 `json:"tenant_id"`
	EntityID  string                 `json:"entity_id"`
	OldValues map[string]interface{} `json:"old_values,omitempty"`
	NewValues map[string]interface{} `json:"new_values,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// RouteRule is one row of the routing table. Key and tag templates may use
// {tenant}, {id}, {table}, {new.<field>} and {old.<field>} placeholders.
// When SignificantFields is non-empty an UPDATE only routes if at least one
// of the named fields actually changed between old and new values.
type RouteRule struct {
	Table             string   `yaml:"table" json:"table" validate:"required"`
	Operation         string   `yaml:"operation" json:"operation" validate:"required,oneof=INSERT UPDATE DELETE *"`
	Keys              []string `yaml:"keys" json:"keys"`
	Tags              []string `yaml:"tags" json:"tags"`
	SignificantFields []string `yaml:"significant_fields" json:"significant_fields"`
	Cascading         *bool    `yaml:"cascading" json:"cascading"`
	Views             []string `yaml:"views" json:"views"`
}
