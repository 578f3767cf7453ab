package health

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache-engine/logger"
	"github.com/saiset-co/sai-cache-engine/types"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()

	m := NewMonitor(context.Background(), &types.HealthConfig{
		Enabled: true,
		Window:  types.Duration(time.Minute),
	}, logger.NewZapWrapper(zap.NewNop()), types.EngineInfo{Name: "test", Version: "0.0.0"})

	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	return m
}

func TestHitRatio(t *testing.T) {
	m := newTestMonitor(t)

	for i := 0; i < 3; i++ {
		m.RecordHit("k")
	}
	m.RecordMiss("k")

	assert.InDelta(t, 0.75, m.HitRatio(time.Minute), 0.001)
}

func TestHitRatioIdleWindow(t *testing.T) {
	m := newTestMonitor(t)

	assert.Zero(t, m.HitRatio(time.Minute))
}

func TestStats(t *testing.T) {
	m := newTestMonitor(t)

	m.RecordHit("a")
	m.RecordHit("b")
	m.RecordMiss("c")

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRatio, 0.001)
	assert.Equal(t, 3, stats.TrackedKeys)
}

func TestEvictionCandidatesColdestFirst(t *testing.T) {
	m := newTestMonitor(t)

	for i := 0; i < 10; i++ {
		m.RecordHit("hot")
	}
	for i := 0; i < 5; i++ {
		m.RecordHit("warm")
	}
	m.RecordHit("cold")

	candidates := m.EvictionCandidates(2)
	require.Len(t, candidates, 2)
	assert.Equal(t, "cold", candidates[0])
	assert.Equal(t, "warm", candidates[1])
}

func TestWarmCandidatesHottestFirst(t *testing.T) {
	m := newTestMonitor(t)

	for i := 0; i < 10; i++ {
		m.RecordHit("hot")
	}
	for i := 0; i < 5; i++ {
		m.RecordMiss("warm")
	}
	m.RecordHit("cold")

	candidates := m.WarmCandidates(2)
	require.Len(t, candidates, 2)
	assert.Equal(t, "hot", candidates[0])
	assert.Equal(t, "warm", candidates[1])
}

func TestCandidatesBounds(t *testing.T) {
	m := newTestMonitor(t)

	m.RecordHit("only")

	assert.Len(t, m.EvictionCandidates(10), 1)
	assert.Nil(t, m.EvictionCandidates(0))
}

func TestCheckAggregatesCheckers(t *testing.T) {
	m := newTestMonitor(t)

	m.RegisterChecker("ok", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusHealthy}
	})
	m.RegisterChecker("bad", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnhealthy, Message: "down"}
	})

	report := m.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Status)
	require.Len(t, report.Checks, 2)
	assert.Equal(t, types.StatusHealthy, report.Checks["ok"].Status)
	assert.Equal(t, types.StatusUnhealthy, report.Checks["bad"].Status)
	assert.Equal(t, "test", report.Engine.Name)
}

func TestCheckHealthyWhenAllPass(t *testing.T) {
	m := newTestMonitor(t)

	m.RegisterChecker("a", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusHealthy}
	})

	report := m.Check(context.Background())
	assert.Equal(t, types.StatusHealthy, report.Status)
}

func TestCheckRecoversPanickingChecker(t *testing.T) {
	m := newTestMonitor(t)

	m.RegisterChecker("panics", func(ctx context.Context) types.HealthCheck {
		panic("checker exploded")
	})

	report := m.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, "checker panicked", report.Checks["panics"].Message)
}

func TestCheckTimesOutSlowChecker(t *testing.T) {
	m := newTestMonitor(t)
	m.checkTimeout = 50 * time.Millisecond

	m.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
		<-ctx.Done()
		time.Sleep(time.Second)
		return types.HealthCheck{Status: types.StatusHealthy}
	})

	start := time.Now()
	report := m.Check(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, types.StatusUnknown, report.Checks["slow"].Status)
}

func TestKeyTrackingCapped(t *testing.T) {
	m := newTestMonitor(t)

	// One hot key plus enough one-shot keys to exceed the cap.
	for i := 0; i < 5; i++ {
		m.RecordHit("hot")
	}
	for i := 0; i < maxTrackedKeys+10; i++ {
		m.RecordMiss("cold-" + strconv.Itoa(i))
	}

	stats := m.Stats()
	assert.LessOrEqual(t, stats.TrackedKeys, maxTrackedKeys)

	// The hot key survives cold eviction.
	assert.Contains(t, m.WarmCandidates(1), "hot")
}
