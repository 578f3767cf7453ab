package graph

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache-engine/types"
)

// cascade deletes key and walks its recorded dependents recursively. The
// visited set guarantees termination on cyclic graphs: every reachable key is
// processed at most once, so the walk is O(reachable edges). Dependency
// records are removed only after the full walk, so dependents stay
// discoverable while the cascade is in flight.
func (m *Manager) cascade(ctx context.Context, root string, cascading bool, reason string) *types.InvalidationReport {
	start := time.Now()
	report := &types.InvalidationReport{Root: root}
	visited := make(map[string]struct{})

	m.walk(ctx, root, cascading, visited, make(map[string]struct{}), report)

	for key := range visited {
		m.removeRecord(ctx, key)
	}

	report.Duration = time.Since(start)

	m.logger.Debug("cascade completed",
		zap.String("root", root),
		zap.String("reason", reason),
		zap.Int("visited", report.Visited),
		zap.Int("deleted", report.Deleted),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration))

	m.recordInvalidation(modeLabel(cascading), report)

	return report
}

func (m *Manager) walk(ctx context.Context, key string, cascading bool, visited, path map[string]struct{}, report *types.InvalidationReport) {
	// A key on the current walk path means a back edge, which is a real cycle.
	// A key merely in the visited set is fan-in from another branch: normal,
	// already handled, not worth noise.
	if _, onPath := path[key]; onPath {
		report.Cycles++
		m.logger.Info("dependency cycle detected", zap.String("key", key))
		return
	}
	if _, seen := visited[key]; seen {
		return
	}
	visited[key] = struct{}{}
	report.Visited++

	deleted, err := m.store.Delete(ctx, key)
	if err != nil {
		// Best-effort: one unreachable key must not abort the rest of the
		// cascade.
		report.Failed++
		m.logger.Error("failed to delete key during cascade",
			zap.String("key", key), zap.Error(err))
	} else {
		report.Deleted += deleted
	}

	if !cascading {
		return
	}

	dependents, err := m.store.SetMembers(ctx, dependentsPrefix+key)
	if err != nil {
		report.Failed++
		m.logger.Error("failed to read dependents during cascade",
			zap.String("key", key), zap.Error(err))
		return
	}

	path[key] = struct{}{}
	for _, dependent := range dependents {
		m.walk(ctx, dependent, cascading, visited, path, report)
	}
	delete(path, key)
}

// removeRecord erases a key's DependencyRecord, its reverse edge set, its
// membership in tag indexes and in the dependents sets of everything it
// depended on.
func (m *Manager) removeRecord(ctx context.Context, key string) {
	record, found := m.Record(ctx, key)

	ops := []types.BatchOp{
		{Kind: types.BatchDelete, Key: recordPrefix + key},
		{Kind: types.BatchDelete, Key: dependentsPrefix + key},
	}

	if found {
		for _, dep := range record.DependsOn {
			ops = append(ops, types.BatchOp{
				Kind:    types.BatchSetRemove,
				Key:     dependentsPrefix + dep,
				Members: []string{key},
			})
		}
		for _, tag := range record.Tags {
			ops = append(ops, types.BatchOp{
				Kind:    types.BatchSetRemove,
				Key:     tagIndexPrefix + tag,
				Members: []string{key},
			})
		}
	}

	if _, err := m.store.Batch(ctx, ops); err != nil {
		m.logger.Error("failed to remove dependency record",
			zap.String("key", key), zap.Error(err))
	}
}

func modeLabel(cascading bool) string {
	if cascading {
		return "cascading"
	}
	return "single"
}
