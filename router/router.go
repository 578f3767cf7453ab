package router

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache-engine/types"
)

// Router translates source-of-truth change notifications into invalidation
// calls using a routing table that is data, not code: rules live in config
// and can be swapped atomically on hot reload.
type Router struct {
	logger    types.Logger
	metrics   types.MetricsManager
	graph     types.GraphManager
	scheduler types.RefreshScheduler
	rules     atomic.Pointer[[]types.RouteRule]
}

func NewRouter(graph types.GraphManager, scheduler types.RefreshScheduler, logger types.Logger, metrics types.MetricsManager, rules []types.RouteRule) (*Router, error) {
	r := &Router{
		logger:    logger,
		metrics:   metrics,
		graph:     graph,
		scheduler: scheduler,
	}

	if err := r.Reload(rules); err != nil {
		return nil, err
	}

	return r, nil
}

// HandleChangeEvent tolerates duplicate delivery: invalidation of an absent
// key is a no-op, so at-least-once semantics are safe.
func (r *Router) HandleChangeEvent(ctx context.Context, event types.ChangeEvent) error {
	if event.Table == "" {
		return types.ErrEventTableEmpty
	}

	switch event.Operation {
	case types.OpInsert, types.OpUpdate, types.OpDelete:
	default:
		return types.Errorf(types.ErrEventOpUnsupported, "operation: %s", event.Operation)
	}

	matched := 0
	for _, rule := range *r.rules.Load() {
		if rule.Table != event.Table {
			continue
		}
		if rule.Operation != types.OpAny && rule.Operation != event.Operation {
			continue
		}

		// Gate low-significance updates so a timestamp touch does not blow
		// away aggregate caches.
		if event.Operation == types.OpUpdate && len(rule.SignificantFields) > 0 {
			if !significantChange(event, rule.SignificantFields) {
				r.logger.Debug("change below significance threshold, skipping",
					zap.String("table", event.Table),
					zap.String("entity_id", event.EntityID))
				r.countEvent(event, "skipped")
				continue
			}
		}

		matched++

		cascading := true
		if rule.Cascading != nil {
			cascading = *rule.Cascading
		}

		reason := fmt.Sprintf("database_event:%s:%s", event.Table, event.Operation)

		for _, keyTemplate := range rule.Keys {
			key, err := renderTemplate(keyTemplate, event)
			if err != nil {
				r.logger.Error("failed to render key template",
					zap.String("template", keyTemplate), zap.Error(err))
				continue
			}

			if _, err := r.graph.Invalidate(ctx, key, types.InvalidateOptions{
				Cascading: cascading,
				Reason:    reason,
			}); err != nil {
				r.logger.Error("routed invalidation failed",
					zap.String("key", key), zap.Error(err))
			}
		}

		if len(rule.Tags) > 0 {
			tags := make([]string, 0, len(rule.Tags))
			for _, tagTemplate := range rule.Tags {
				tag, err := renderTemplate(tagTemplate, event)
				if err != nil {
					r.logger.Error("failed to render tag template",
						zap.String("template", tagTemplate), zap.Error(err))
					continue
				}
				tags = append(tags, tag)
			}

			if len(tags) > 0 {
				if _, err := r.graph.InvalidateByTag(ctx, tags...); err != nil {
					r.logger.Error("routed tag invalidation failed",
						zap.Strings("tags", tags), zap.Error(err))
				}
			}
		}

		if r.scheduler != nil {
			for _, view := range rule.Views {
				r.scheduler.NoteChange(view, 1)
			}
		}
	}

	if matched == 0 {
		r.countEvent(event, "unmatched")
		r.logger.Debug("no routing rule matched change event",
			zap.String("table", event.Table),
			zap.String("operation", event.Operation))
		return nil
	}

	r.countEvent(event, "routed")

	return nil
}

func (r *Router) Reload(rules []types.RouteRule) error {
	for i, rule := range rules {
		if rule.Table == "" {
			return types.Errorf(types.ErrRouteRuleInvalid, "rule %d: table is empty", i)
		}
		switch rule.Operation {
		case types.OpInsert, types.OpUpdate, types.OpDelete, types.OpAny:
		default:
			return types.Errorf(types.ErrRouteRuleInvalid, "rule %d: operation %q", i, rule.Operation)
		}
	}

	snapshot := make([]types.RouteRule, len(rules))
	copy(snapshot, rules)
	r.rules.Store(&snapshot)

	r.logger.Info("Routing table loaded", zap.Int("rules", len(snapshot)))

	return nil
}

func (r *Router) Rules() []types.RouteRule {
	rules := *r.rules.Load()
	out := make([]types.RouteRule, len(rules))
	copy(out, rules)
	return out
}

// significantChange reports whether any of the named fields differs between
// old and new values. Missing old or new snapshots count as changed.
func significantChange(event types.ChangeEvent, fields []string) bool {
	if event.OldValues == nil || event.NewValues == nil {
		return true
	}

	for _, field := range fields {
		oldValue, oldExists := event.OldValues[field]
		newValue, newExists := event.NewValues[field]
		if oldExists != newExists {
			return true
		}
		if fmt.Sprint(oldValue) != fmt.Sprint(newValue) {
			return true
		}
	}

	return false
}

func (r *Router) countEvent(event types.ChangeEvent, result string) {
	if r.metrics == nil {
		return
	}

	r.metrics.Counter("router_change_events_total", map[string]string{
		"table":     event.Table,
		"operation": event.Operation,
		"result":    result,
	}).Inc()
}
