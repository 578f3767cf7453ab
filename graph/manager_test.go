package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache-engine/logger"
	"github.com/saiset-co/sai-cache-engine/store"
	"github.com/saiset-co/sai-cache-engine/types"
)

func newTestGraph(t *testing.T, config *types.GraphConfig) (*Manager, types.CacheStore) {
	t.Helper()

	nop := logger.NewZapWrapper(zap.NewNop())

	cacheStore, err := store.NewMemoryStore(context.Background(), nop, &types.StoreConfig{Type: "memory"})
	require.NoError(t, err)

	m, err := NewManager(context.Background(), config, cacheStore, nop, nil)
	require.NoError(t, err)

	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	return m, cacheStore
}

func seedEntry(t *testing.T, s types.CacheStore, key string) {
	t.Helper()
	require.NoError(t, s.Set(context.Background(), key, []byte("v"), time.Hour))
}

func TestRegisterDependencyRecordsEdges(t *testing.T) {
	m, s := newTestGraph(t, nil)
	ctx := context.Background()

	require.NoError(t, m.RegisterDependency(ctx, "view:list", []string{"order:1", "order:2"}, []string{"orders"}))

	record, found := m.Record(ctx, "view:list")
	require.True(t, found)
	assert.ElementsMatch(t, []string{"order:1", "order:2"}, record.DependsOn)
	assert.ElementsMatch(t, []string{"orders"}, record.Tags)

	dependents, err := s.SetMembers(ctx, "dependents:order:1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"view:list"}, dependents)

	tagged, err := s.SetMembers(ctx, "tagidx:orders")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"view:list"}, tagged)
}

func TestRegisterDependencyIdempotent(t *testing.T) {
	m, _ := newTestGraph(t, nil)
	ctx := context.Background()

	require.NoError(t, m.RegisterDependency(ctx, "k", []string{"a"}, []string{"t"}))
	require.NoError(t, m.RegisterDependency(ctx, "k", []string{"a"}, []string{"t"}))

	record, found := m.Record(ctx, "k")
	require.True(t, found)
	assert.Equal(t, []string{"a"}, record.DependsOn)
	assert.Equal(t, []string{"t"}, record.Tags)
}

func TestCascadingInvalidation(t *testing.T) {
	m, s := newTestGraph(t, nil)
	ctx := context.Background()

	// C depends on B, B depends on A: invalidating A removes all three.
	seedEntry(t, s, "a")
	seedEntry(t, s, "b")
	seedEntry(t, s, "c")
	require.NoError(t, m.RegisterDependency(ctx, "b", []string{"a"}, nil))
	require.NoError(t, m.RegisterDependency(ctx, "c", []string{"b"}, nil))

	report, err := m.Invalidate(ctx, "a", types.InvalidateOptions{Cascading: true})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Visited)
	assert.False(t, report.Queued)
	assert.Zero(t, report.Failed)

	for _, key := range []string{"a", "b", "c"} {
		_, found := s.Get(ctx, key)
		assert.False(t, found, "key %s should be gone", key)
	}

	// Dependency records are cleaned up with the entries.
	_, found := m.Record(ctx, "b")
	assert.False(t, found)
	_, found = m.Record(ctx, "c")
	assert.False(t, found)
}

func TestNonCascadingInvalidationLeavesDependents(t *testing.T) {
	m, s := newTestGraph(t, nil)
	ctx := context.Background()

	seedEntry(t, s, "a")
	seedEntry(t, s, "b")
	require.NoError(t, m.RegisterDependency(ctx, "b", []string{"a"}, nil))

	report, err := m.Invalidate(ctx, "a", types.InvalidateOptions{Cascading: false})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Visited)

	_, found := s.Get(ctx, "a")
	assert.False(t, found)
	_, found = s.Get(ctx, "b")
	assert.True(t, found)
}

func TestCycleTerminates(t *testing.T) {
	m, s := newTestGraph(t, nil)
	ctx := context.Background()

	// x and y depend on each other.
	seedEntry(t, s, "x")
	seedEntry(t, s, "y")
	require.NoError(t, m.RegisterDependency(ctx, "x", []string{"y"}, nil))
	require.NoError(t, m.RegisterDependency(ctx, "y", []string{"x"}, nil))

	done := make(chan *types.InvalidationReport, 1)
	go func() {
		report, err := m.Invalidate(ctx, "x", types.InvalidateOptions{Cascading: true})
		assert.NoError(t, err)
		done <- report
	}()

	select {
	case report := <-done:
		assert.Equal(t, 2, report.Visited)
		assert.GreaterOrEqual(t, report.Cycles, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("cyclic cascade did not terminate")
	}

	_, found := s.Get(ctx, "x")
	assert.False(t, found)
	_, found = s.Get(ctx, "y")
	assert.False(t, found)
}

func TestInvalidateAbsentKeyIsNoop(t *testing.T) {
	m, _ := newTestGraph(t, nil)

	report, err := m.Invalidate(context.Background(), "ghost", types.InvalidateOptions{Cascading: true})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Visited)
	assert.Zero(t, report.Deleted)
	assert.Zero(t, report.Failed)
}

func TestInvalidateEmptyKey(t *testing.T) {
	m, _ := newTestGraph(t, nil)

	_, err := m.Invalidate(context.Background(), "", types.InvalidateOptions{})
	assert.ErrorIs(t, err, types.ErrGraphKeyEmpty)
}

func TestInvalidateByTag(t *testing.T) {
	m, s := newTestGraph(t, nil)
	ctx := context.Background()

	seedEntry(t, s, "k1")
	seedEntry(t, s, "k2")
	seedEntry(t, s, "untagged")
	require.NoError(t, m.RegisterDependency(ctx, "k1", nil, []string{"orders"}))
	require.NoError(t, m.RegisterDependency(ctx, "k2", nil, []string{"orders", "reports"}))

	report, err := m.InvalidateByTag(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Visited)

	_, found := s.Get(ctx, "k1")
	assert.False(t, found)
	_, found = s.Get(ctx, "k2")
	assert.False(t, found)
	_, found = s.Get(ctx, "untagged")
	assert.True(t, found)

	// k2 left the reports index together with its record.
	members, err := s.SetMembers(ctx, "tagidx:reports")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestInvalidateByTagDeduplicates(t *testing.T) {
	m, s := newTestGraph(t, nil)
	ctx := context.Background()

	seedEntry(t, s, "shared")
	require.NoError(t, m.RegisterDependency(ctx, "shared", nil, []string{"t1", "t2"}))

	report, err := m.InvalidateByTag(ctx, "t1", "t2")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Visited)
}

func TestDiamondFanInIsNotACycle(t *testing.T) {
	m, s := newTestGraph(t, nil)
	ctx := context.Background()

	// b and c depend on a; d depends on both b and c. The second edge into d
	// is fan-in, not a cycle.
	for _, key := range []string{"a", "b", "c", "d"} {
		seedEntry(t, s, key)
	}
	require.NoError(t, m.RegisterDependency(ctx, "b", []string{"a"}, nil))
	require.NoError(t, m.RegisterDependency(ctx, "c", []string{"a"}, nil))
	require.NoError(t, m.RegisterDependency(ctx, "d", []string{"b", "c"}, nil))

	report, err := m.Invalidate(ctx, "a", types.InvalidateOptions{Cascading: true})
	require.NoError(t, err)

	assert.Equal(t, 4, report.Visited)
	assert.Zero(t, report.Cycles)
	assert.Zero(t, report.Failed)
}

func TestInvalidateByTagHonorsFanOutThreshold(t *testing.T) {
	m, s := newTestGraph(t, &types.GraphConfig{FanOutThreshold: 2})
	ctx := context.Background()

	seedEntry(t, s, "root")
	require.NoError(t, m.RegisterDependency(ctx, "root", nil, []string{"big"}))
	for _, dep := range []string{"d1", "d2", "d3"} {
		seedEntry(t, s, dep)
		require.NoError(t, m.RegisterDependency(ctx, dep, []string{"root"}, nil))
	}

	// The tagged root has more dependents than the threshold, so the tag path
	// must queue instead of cascading on the caller.
	report, err := m.InvalidateByTag(ctx, "big")
	require.NoError(t, err)
	assert.True(t, report.Queued)

	require.Eventually(t, func() bool {
		for _, key := range []string{"root", "d1", "d2", "d3"} {
			if _, found := s.Get(ctx, key); found {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAsyncInvalidationGoesThroughQueue(t *testing.T) {
	m, s := newTestGraph(t, nil)
	ctx := context.Background()

	seedEntry(t, s, "a")

	report, err := m.Invalidate(ctx, "a", types.InvalidateOptions{Cascading: true, Async: true})
	require.NoError(t, err)
	assert.True(t, report.Queued)
	assert.NotEmpty(t, report.JobID)

	require.Eventually(t, func() bool {
		_, found := s.Get(ctx, "a")
		return !found
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFanOutThresholdQueues(t *testing.T) {
	m, s := newTestGraph(t, &types.GraphConfig{FanOutThreshold: 2})
	ctx := context.Background()

	seedEntry(t, s, "root")
	for _, dep := range []string{"d1", "d2", "d3"} {
		seedEntry(t, s, dep)
		require.NoError(t, m.RegisterDependency(ctx, dep, []string{"root"}, nil))
	}

	report, err := m.Invalidate(ctx, "root", types.InvalidateOptions{Cascading: true})
	require.NoError(t, err)
	assert.True(t, report.Queued)

	require.Eventually(t, func() bool {
		for _, key := range []string{"root", "d1", "d2", "d3"} {
			if _, found := s.Get(ctx, key); found {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueueFull(t *testing.T) {
	nop := logger.NewZapWrapper(zap.NewNop())

	cacheStore, err := store.NewMemoryStore(context.Background(), nop, &types.StoreConfig{Type: "memory"})
	require.NoError(t, err)

	// No workers started, so jobs pile up in the channel.
	m, err := NewManager(context.Background(), &types.GraphConfig{QueueSize: 1}, cacheStore, nop, nil)
	require.NoError(t, err)

	_, err = m.enqueue("k1", true, "test")
	require.NoError(t, err)

	_, err = m.enqueue("k2", true, "test")
	assert.ErrorIs(t, err, types.ErrQueueFull)

	assert.Equal(t, 1, m.QueueDepth())
}

func TestJobSupersession(t *testing.T) {
	nop := logger.NewZapWrapper(zap.NewNop())

	cacheStore, err := store.NewMemoryStore(context.Background(), nop, &types.StoreConfig{Type: "memory"})
	require.NoError(t, err)

	m, err := NewManager(context.Background(), nil, cacheStore, nop, nil)
	require.NoError(t, err)

	first, err := m.enqueue("same-key", true, "test")
	require.NoError(t, err)
	second, err := m.enqueue("same-key", true, "test")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// The first job was superseded before a worker picked it up.
	m.pendingMu.Lock()
	pendingID := m.pending["same-key"]
	m.pendingMu.Unlock()
	assert.Equal(t, second.ID, pendingID)
}

type failingDeleteStore struct {
	types.CacheStore
}

func (s *failingDeleteStore) Delete(ctx context.Context, keys ...string) (int, error) {
	return 0, types.NewErrorf("store unavailable")
}

func TestExhaustedJobMovesToDeadLetter(t *testing.T) {
	nop := logger.NewZapWrapper(zap.NewNop())

	cacheStore, err := store.NewMemoryStore(context.Background(), nop, &types.StoreConfig{Type: "memory"})
	require.NoError(t, err)

	m, err := NewManager(context.Background(), &types.GraphConfig{MaxAttempts: 2, Workers: 1},
		&failingDeleteStore{CacheStore: cacheStore}, nop, nil)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	ctx := context.Background()
	require.NoError(t, cacheStore.Set(ctx, "stuck", []byte("v"), time.Hour))

	report, err := m.Invalidate(ctx, "stuck", types.InvalidateOptions{Cascading: true, Async: true})
	require.NoError(t, err)
	require.True(t, report.Queued)

	require.Eventually(t, func() bool {
		return len(m.DeadLetters()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	letter := m.DeadLetters()[0]
	assert.Equal(t, report.JobID, letter.Job.ID)
	assert.Equal(t, 2, letter.Job.Attempts)
	assert.NotEmpty(t, letter.LastErr)
}

func TestSyncTimeoutDetaches(t *testing.T) {
	m, s := newTestGraph(t, &types.GraphConfig{SyncTimeout: types.Duration(time.Nanosecond)})
	ctx := context.Background()

	seedEntry(t, s, "slow")

	report, err := m.Invalidate(ctx, "slow", types.InvalidateOptions{Cascading: true})
	require.NoError(t, err)

	// Detached reports carry queued semantics; the cascade still completes.
	if report.Queued {
		require.Eventually(t, func() bool {
			_, found := s.Get(ctx, "slow")
			return !found
		}, 2*time.Second, 10*time.Millisecond)
	} else {
		_, found := s.Get(ctx, "slow")
		assert.False(t, found)
	}
}

func TestMergeUnique(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, mergeUnique([]string{"a", "b"}, []string{"b", "c", ""}))
	assert.Equal(t, []string{"a"}, mergeUnique([]string{"a"}, nil))
	assert.Empty(t, mergeUnique(nil, nil))
}
