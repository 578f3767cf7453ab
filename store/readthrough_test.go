package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache-engine/health"
	"github.com/saiset-co/sai-cache-engine/logger"
	"github.com/saiset-co/sai-cache-engine/types"
)

func TestReadThroughComputesOnceOnMiss(t *testing.T) {
	s := newTestMemoryStore(t)
	rt := NewReadThrough(s, logger.NewZapWrapper(zap.NewNop()), time.Hour)
	ctx := context.Background()

	var calls int32
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("computed"), nil
	}

	first, err := rt.GetOrCompute(ctx, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("computed"), first)

	second, err := rt.GetOrCompute(ctx, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("computed"), second)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestReadThroughCollapsesConcurrentMisses(t *testing.T) {
	s := newTestMemoryStore(t)
	rt := NewReadThrough(s, logger.NewZapWrapper(zap.NewNop()), time.Hour)
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("slow"), nil
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([][]byte, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value, err := rt.GetOrCompute(ctx, "hot", time.Minute, compute)
			assert.NoError(t, err)
			results[i] = value
		}(i)
	}

	// Give every goroutine time to reach the singleflight gate.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, value := range results {
		assert.Equal(t, []byte("slow"), value)
	}
}

func TestReadThroughRecomputesAfterInvalidation(t *testing.T) {
	s := newTestMemoryStore(t)
	rt := NewReadThrough(s, logger.NewZapWrapper(zap.NewNop()), time.Hour)
	ctx := context.Background()

	var calls int32
	compute := func(ctx context.Context) ([]byte, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return []byte("first"), nil
		}
		return []byte("second"), nil
	}

	value, err := rt.GetOrCompute(ctx, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), value)

	_, err = s.Delete(ctx, "k")
	require.NoError(t, err)

	value, err = rt.GetOrCompute(ctx, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), value)
}

func TestReadThroughAccountsSingleMiss(t *testing.T) {
	nop := logger.NewZapWrapper(zap.NewNop())
	monitor := health.NewMonitor(context.Background(), nil, nop, types.EngineInfo{})

	instrumented := newInstrumentedStore(newTestMemoryStore(t), nil, monitor)
	rt := NewReadThrough(instrumented, nop, time.Hour)
	ctx := context.Background()

	compute := func(ctx context.Context) ([]byte, error) {
		return []byte("v"), nil
	}

	// One logical miss: the double-check inside the flight must not book a
	// second one.
	_, err := rt.GetOrCompute(ctx, "k", time.Minute, compute)
	require.NoError(t, err)

	stats := monitor.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Zero(t, stats.Hits)

	_, err = rt.GetOrCompute(ctx, "k", time.Minute, compute)
	require.NoError(t, err)

	stats = monitor.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Hits)
}

func TestReadThroughComputeError(t *testing.T) {
	s := newTestMemoryStore(t)
	rt := NewReadThrough(s, logger.NewZapWrapper(zap.NewNop()), time.Hour)
	ctx := context.Background()

	boom := errors.New("source of truth down")
	_, err := rt.GetOrCompute(ctx, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	// Nothing was cached on the error path.
	_, found := s.Get(ctx, "k")
	assert.False(t, found)
}
