package refresh

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache-engine/graph"
	"github.com/saiset-co/sai-cache-engine/health"
	"github.com/saiset-co/sai-cache-engine/logger"
	"github.com/saiset-co/sai-cache-engine/store"
	"github.com/saiset-co/sai-cache-engine/tenant"
	"github.com/saiset-co/sai-cache-engine/types"
)

func newTestScheduler(t *testing.T, descriptors []types.RefreshDescriptor) (*Scheduler, types.CacheStore) {
	t.Helper()

	nop := logger.NewZapWrapper(zap.NewNop())

	cacheStore, err := store.NewMemoryStore(context.Background(), nop, &types.StoreConfig{Type: "memory"})
	require.NoError(t, err)

	graphManager, err := graph.NewManager(context.Background(), nil, cacheStore, nop, nil)
	require.NoError(t, err)
	require.NoError(t, graphManager.Start())
	t.Cleanup(func() { _ = graphManager.Stop() })

	namespace, err := tenant.NewNamespace(&types.TenantConfig{
		Secret: "0123456789abcdef0123456789abcdef",
	})
	require.NoError(t, err)

	s, err := NewScheduler(context.Background(), descriptors, Dependencies{
		Logger:    nop,
		Store:     cacheStore,
		Graph:     graphManager,
		Namespace: namespace,
	})
	require.NoError(t, err)

	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	return s, cacheStore
}

func TestNewSchedulerRejectsAnonymousView(t *testing.T) {
	nop := logger.NewZapWrapper(zap.NewNop())

	_, err := NewScheduler(context.Background(), []types.RefreshDescriptor{{}}, Dependencies{Logger: nop})
	assert.ErrorIs(t, err, types.ErrViewNameEmpty)
}

func TestNewSchedulerRejectsDuplicateViews(t *testing.T) {
	nop := logger.NewZapWrapper(zap.NewNop())

	_, err := NewScheduler(context.Background(), []types.RefreshDescriptor{
		{Name: "v"},
		{Name: "v"},
	}, Dependencies{Logger: nop})
	assert.ErrorIs(t, err, types.ErrViewExists)
}

func TestRegisterViewUnknown(t *testing.T) {
	s, _ := newTestScheduler(t, nil)

	err := s.RegisterView("missing", func(ctx context.Context, tenantID string) ([]byte, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, types.ErrViewNotFound)
}

func TestRegisterViewNilCompute(t *testing.T) {
	s, _ := newTestScheduler(t, []types.RefreshDescriptor{{Name: "v"}})

	assert.ErrorIs(t, s.RegisterView("v", nil), types.ErrViewComputeIsNil)
}

func TestTriggerRefreshStoresView(t *testing.T) {
	s, cacheStore := newTestScheduler(t, []types.RefreshDescriptor{{
		Name: "daily_revenue",
		Tags: []string{"revenue"},
	}})

	require.NoError(t, s.RegisterView("daily_revenue", func(ctx context.Context, tenantID string) ([]byte, error) {
		return []byte(`{"total": 100}`), nil
	}))

	require.NoError(t, s.TriggerRefresh("daily_revenue"))

	// Global scope stores under the "global" pseudo-tenant.
	value, found := cacheStore.Get(context.Background(), "global:views:daily_revenue")
	require.True(t, found)
	assert.Equal(t, []byte(`{"total": 100}`), value)

	// The refreshed view is reachable through its tag.
	members, err := cacheStore.SetMembers(context.Background(), "tagidx:revenue")
	require.NoError(t, err)
	assert.Contains(t, members, "global:views:daily_revenue")

	stats, ok := s.ViewStats("daily_revenue")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.RefreshCount)
	assert.Zero(t, stats.FailureCount)
}

func TestPerTenantRefresh(t *testing.T) {
	s, cacheStore := newTestScheduler(t, []types.RefreshDescriptor{{
		Name:        "usage",
		TenantScope: types.ScopePerTenant,
		Tenants:     []string{"acme", "globex"},
	}})

	require.NoError(t, s.RegisterView("usage", func(ctx context.Context, tenantID string) ([]byte, error) {
		return []byte(tenantID), nil
	}))

	require.NoError(t, s.TriggerRefresh("usage"))

	value, found := cacheStore.Get(context.Background(), "acme:views:usage")
	require.True(t, found)
	assert.Equal(t, []byte("acme"), value)

	value, found = cacheStore.Get(context.Background(), "globex:views:usage")
	require.True(t, found)
	assert.Equal(t, []byte("globex"), value)
}

func TestFailedRefreshKeepsPreviousValue(t *testing.T) {
	s, cacheStore := newTestScheduler(t, []types.RefreshDescriptor{{Name: "v"}})

	var fail atomic.Bool
	require.NoError(t, s.RegisterView("v", func(ctx context.Context, tenantID string) ([]byte, error) {
		if fail.Load() {
			return nil, errors.New("upstream unavailable")
		}
		return []byte("good"), nil
	}))

	require.NoError(t, s.TriggerRefresh("v"))

	fail.Store(true)
	err := s.TriggerRefresh("v")
	require.Error(t, err)

	// Stale beats absent: the earlier aggregate is still served.
	value, found := cacheStore.Get(context.Background(), "global:views:v")
	require.True(t, found)
	assert.Equal(t, []byte("good"), value)

	stats, ok := s.ViewStats("v")
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.RefreshCount)
	assert.Equal(t, int64(1), stats.FailureCount)
	assert.NotEmpty(t, stats.LastError)
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	s, _ := newTestScheduler(t, []types.RefreshDescriptor{{Name: "slow"}})

	release := make(chan struct{})
	var calls int32
	require.NoError(t, s.RegisterView("slow", func(ctx context.Context, tenantID string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("done"), nil
	}))

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- s.TriggerRefresh("slow")
	}()

	// Wait for the first refresh to hold the running flag.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, 5*time.Millisecond)

	// Triggers during a running refresh coalesce into one recheck.
	assert.ErrorIs(t, s.TriggerRefresh("slow"), types.ErrRefreshInProgress)
	assert.ErrorIs(t, s.TriggerRefresh("slow"), types.ErrRefreshInProgress)

	close(release)
	require.NoError(t, <-firstDone)

	// Exactly one recheck runs afterwards.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 2
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	stats, ok := s.ViewStats("slow")
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.CoalescedCount)
}

func TestNoteChangeThresholdTriggersRefresh(t *testing.T) {
	s, cacheStore := newTestScheduler(t, []types.RefreshDescriptor{{
		Name:            "counterview",
		ChangeThreshold: 3,
	}})

	require.NoError(t, s.RegisterView("counterview", func(ctx context.Context, tenantID string) ([]byte, error) {
		return []byte("refreshed"), nil
	}))

	s.NoteChange("counterview", 1)
	s.NoteChange("counterview", 1)

	_, found := cacheStore.Get(context.Background(), "global:views:counterview")
	assert.False(t, found)

	s.NoteChange("counterview", 1)

	require.Eventually(t, func() bool {
		_, found := cacheStore.Get(context.Background(), "global:views:counterview")
		return found
	}, 2*time.Second, 10*time.Millisecond)

	// The change counter reset when the refresh started.
	stats, ok := s.ViewStats("counterview")
	require.True(t, ok)
	assert.Zero(t, stats.PendingChanges)
}

func TestDisabledViewRefusesRefresh(t *testing.T) {
	s, _ := newTestScheduler(t, []types.RefreshDescriptor{{
		Name:     "off",
		Disabled: true,
	}})

	require.NoError(t, s.RegisterView("off", func(ctx context.Context, tenantID string) ([]byte, error) {
		return []byte("never"), nil
	}))

	assert.ErrorIs(t, s.TriggerRefresh("off"), types.ErrViewDisabled)
}

func TestRegisterViewBadSchedule(t *testing.T) {
	s, _ := newTestScheduler(t, []types.RefreshDescriptor{{
		Name:     "v",
		Schedule: "not a cron spec",
	}})

	err := s.RegisterView("v", func(ctx context.Context, tenantID string) ([]byte, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, types.ErrScheduleInvalid)
}

func TestStaleViewsDetection(t *testing.T) {
	s, _ := newTestScheduler(t, []types.RefreshDescriptor{{
		Name:               "report",
		StalenessThreshold: types.Duration(time.Hour),
	}})

	// Not stale while the compute function is unbound.
	assert.Empty(t, s.staleViews())

	require.NoError(t, s.RegisterView("report", func(ctx context.Context, tenantID string) ([]byte, error) {
		return []byte("rows"), nil
	}))

	// Never refreshed counts as past any threshold.
	assert.Equal(t, []string{"report"}, s.staleViews())

	require.NoError(t, s.TriggerRefresh("report"))
	assert.Empty(t, s.staleViews())
}

func TestStaleViewsWarmFirst(t *testing.T) {
	nop := logger.NewZapWrapper(zap.NewNop())

	cacheStore, err := store.NewMemoryStore(context.Background(), nop, &types.StoreConfig{Type: "memory"})
	require.NoError(t, err)

	namespace, err := tenant.NewNamespace(&types.TenantConfig{
		Secret: "0123456789abcdef0123456789abcdef",
	})
	require.NoError(t, err)

	monitor := health.NewMonitor(context.Background(), &types.HealthConfig{
		Enabled: true,
		Window:  types.Duration(time.Minute),
	}, nop, types.EngineInfo{Name: "test"})

	s, err := NewScheduler(context.Background(), []types.RefreshDescriptor{
		{Name: "cold_view", StalenessThreshold: types.Duration(time.Hour)},
		{Name: "hot_view", StalenessThreshold: types.Duration(time.Hour)},
	}, Dependencies{
		Logger:    nop,
		Monitor:   monitor,
		Store:     cacheStore,
		Namespace: namespace,
	})
	require.NoError(t, err)

	compute := func(ctx context.Context, tenantID string) ([]byte, error) {
		return []byte("v"), nil
	}
	require.NoError(t, s.RegisterView("cold_view", compute))
	require.NoError(t, s.RegisterView("hot_view", compute))

	hotKey, err := namespace.BuildKey("global", "views", "hot_view")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		monitor.RecordHit(hotKey)
	}

	assert.Equal(t, []string{"hot_view", "cold_view"}, s.staleViews())
}

func TestReloadDisablesAbsentViews(t *testing.T) {
	s, _ := newTestScheduler(t, []types.RefreshDescriptor{{Name: "v"}})

	require.NoError(t, s.RegisterView("v", func(ctx context.Context, tenantID string) ([]byte, error) {
		return []byte("x"), nil
	}))
	require.NoError(t, s.TriggerRefresh("v"))

	require.NoError(t, s.Reload(nil))

	assert.ErrorIs(t, s.TriggerRefresh("v"), types.ErrViewDisabled)
}

func TestReloadAddsNewViews(t *testing.T) {
	s, _ := newTestScheduler(t, []types.RefreshDescriptor{{Name: "v"}})

	require.NoError(t, s.Reload([]types.RefreshDescriptor{
		{Name: "v"},
		{Name: "w"},
	}))

	// The new view exists but waits for its compute function.
	assert.ErrorIs(t, s.TriggerRefresh("w"), types.ErrViewComputeIsNil)

	require.NoError(t, s.RegisterView("w", func(ctx context.Context, tenantID string) ([]byte, error) {
		return []byte("w"), nil
	}))
	require.NoError(t, s.TriggerRefresh("w"))
}

func TestReloadUpdatesChangeThreshold(t *testing.T) {
	s, _ := newTestScheduler(t, []types.RefreshDescriptor{{
		Name:            "v",
		ChangeThreshold: 100,
	}})

	var calls int32
	require.NoError(t, s.RegisterView("v", func(ctx context.Context, tenantID string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("x"), nil
	}))

	require.NoError(t, s.Reload([]types.RefreshDescriptor{{
		Name:            "v",
		ChangeThreshold: 2,
	}}))

	s.NoteChange("v", 2)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReloadRejectsBadSchedule(t *testing.T) {
	s, _ := newTestScheduler(t, []types.RefreshDescriptor{{Name: "v"}})

	require.NoError(t, s.RegisterView("v", func(ctx context.Context, tenantID string) ([]byte, error) {
		return nil, nil
	}))

	err := s.Reload([]types.RefreshDescriptor{{
		Name:     "v",
		Schedule: "not a cron spec",
	}})
	assert.ErrorIs(t, err, types.ErrScheduleInvalid)
}

func TestReloadRejectsAnonymousView(t *testing.T) {
	s, _ := newTestScheduler(t, nil)

	assert.ErrorIs(t, s.Reload([]types.RefreshDescriptor{{}}), types.ErrViewNameEmpty)
}
