package services

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"behavior-anomaly-engine/analytics"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	e, err := NewEngine(analytics.DefaultConfig(), opts...)
	require.NoError(t, err)
	return e
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	cfg := analytics.DefaultConfig()
	cfg.EWMAAlpha = 0

	_, err := NewEngine(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ewma alpha")
}

func TestEngine_UnknownRegion(t *testing.T) {
	e := newTestEngine(t)

	snap := e.Snapshot("nonexistent_region")
	assert.False(t, snap.HasData)
	assert.Equal(t, "nonexistent_region", snap.Region)
	assert.Zero(t, e.Len())
}

func TestEngine_RegionKeysAreNormalized(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Update(" US-CA ", 0.5, nil)
	require.NoError(t, err)
	_, err = e.Update("us-ca", 0.6, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"us-ca"}, e.Regions())
	snap := e.Snapshot("Us-Ca")
	assert.True(t, snap.HasData)
	assert.Equal(t, int64(2), snap.Observations)
}

func TestEngine_EmptyRegionIsDropped(t *testing.T) {
	var reasons []string
	e := newTestEngine(t, WithDropHook(func(r string) { reasons = append(reasons, r) }))

	_, err := e.Update("   ", 1, nil)
	assert.ErrorIs(t, err, ErrEmptyRegion)
	assert.Zero(t, e.Len())
	assert.Equal(t, []string{DropEmptyRegion}, reasons)
}

func TestEngine_NonFinitePrimaryIsDropped(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	var reasons []string
	e := newTestEngine(t,
		WithLogger(zap.New(core)),
		WithDropHook(func(r string) { reasons = append(reasons, r) }),
	)

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		snap, err := e.Update("us-ca", v, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNonFiniteValue))

		var obsErr *ObservationError
		require.True(t, errors.As(err, &obsErr))
		assert.Equal(t, "value", obsErr.Field)
		assert.False(t, snap.HasData)
	}

	assert.Zero(t, e.Len(), "rejected observations must not create region state")
	assert.Equal(t, []string{DropNonFinite, DropNonFinite, DropNonFinite}, reasons)
	assert.Equal(t, 3, logs.FilterMessage("dropping non-finite observation").Len())
}

func TestEngine_NonFiniteComponentLeavesStateUntouched(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 20; i++ {
		_, err := e.Update("us-ca", 0.5+float64(i%3)*0.01, map[string]float64{"mobility": float64(i)})
		require.NoError(t, err)
	}
	before := e.Snapshot("us-ca")

	_, err := e.Update("us-ca", 0.9, map[string]float64{"mobility": 1, "search": math.NaN()})
	require.ErrorIs(t, err, ErrNonFiniteValue)

	var obsErr *ObservationError
	require.ErrorAs(t, err, &obsErr)
	assert.Equal(t, "components.search", obsErr.Field)
	assert.Equal(t, before, e.Snapshot("us-ca"))
}

func TestEngine_OutlierIsFlagged(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < analytics.DefaultWindowSize; i++ {
		v := 0.40 + 0.20*float64(i%101)/100
		_, err := e.Update("us-ca", v, map[string]float64{"mobility": v})
		require.NoError(t, err)
	}

	snap, err := e.Update("us-ca", 0.99, map[string]float64{"mobility": 0.99})
	require.NoError(t, err)
	assert.True(t, snap.Univariate.StaticAnomaly)
	assert.True(t, snap.Univariate.ZScoreAnomaly)
	assert.True(t, snap.Seasonal.SeasonalAnomaly)
	assert.True(t, snap.Multivariate.Anomaly)
	assert.Equal(t, 0.99, snap.Value)
}

func TestEngine_ConstantStreamRaisesNothing(t *testing.T) {
	e := newTestEngine(t)

	var snap analytics.Snapshot
	for i := 0; i < 30; i++ {
		var err error
		snap, err = e.Update("us-ca", 0.37, map[string]float64{"mobility": 0.37})
		require.NoError(t, err)
	}
	assert.Equal(t, 0.0, snap.Univariate.ZScore)
	assert.Equal(t, 0.0, snap.Seasonal.ResidualZScore)
	assert.Equal(t, 0.0, snap.Multivariate.Contributions["mobility"])
	assert.Empty(t, snap.RaisedFlags())
}

func TestEngine_ObserversSeeEveryAcceptedUpdate(t *testing.T) {
	var seen []analytics.Snapshot
	e := newTestEngine(t, WithObserver(func(s analytics.Snapshot) { seen = append(seen, s) }))

	_, err := e.Update("a", 1, nil)
	require.NoError(t, err)
	_, err = e.Update("a", math.NaN(), nil)
	require.Error(t, err)
	_, err = e.Update("b", 2, nil)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, "a", seen[0].Region)
	assert.Equal(t, "b", seen[1].Region)
}

func TestEngine_Evict(t *testing.T) {
	e := newTestEngine(t)
	_, _ = e.Update("a", 1, nil)
	_, _ = e.Update("b", 1, nil)

	assert.True(t, e.Evict("A"))
	assert.False(t, e.Evict("a"))
	assert.Equal(t, []string{"b"}, e.Regions())
	assert.False(t, e.Snapshot("a").HasData)
}

func TestEngine_EvictIdle(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	e := newTestEngine(t, WithClock(func() time.Time { return now }))

	_, _ = e.Update("stale", 1, nil)
	now = now.Add(2 * time.Hour)
	_, _ = e.Update("fresh", 1, nil)

	assert.Nil(t, e.EvictIdle(now, 0), "zero ttl disables eviction")
	assert.Equal(t, []string{"stale"}, e.EvictIdle(now, time.Hour))
	assert.Equal(t, []string{"fresh"}, e.Regions())
}

func TestEngine_ConcurrentRegions(t *testing.T) {
	e := newTestEngine(t, WithLogger(zap.NewNop()))

	const regions, updates = 16, 100
	var wg sync.WaitGroup
	for r := 0; r < regions; r++ {
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(r int) {
				defer wg.Done()
				region := fmt.Sprintf("region-%02d", r)
				for i := 0; i < updates; i++ {
					_, err := e.Update(region, float64(i%10), map[string]float64{"c": float64(i % 4)})
					assert.NoError(t, err)
					_ = e.Snapshot(region)
				}
			}(r)
		}
	}
	wg.Wait()

	require.Equal(t, regions, e.Len())
	for _, region := range e.Regions() {
		assert.Equal(t, int64(2*updates), e.Snapshot(region).Observations, region)
	}
}

func TestEngine_EvictionBetweenLookupAndApply(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	now := base
	var e *Engine
	var hook func()
	var published []analytics.Snapshot

	e = newTestEngine(t,
		WithClock(func() time.Time {
			// The clock is read after the region lookup and before the
			// detectors run.
			if h := hook; h != nil {
				hook = nil
				h()
			}
			return now
		}),
		WithObserver(func(s analytics.Snapshot) { published = append(published, s) }),
	)

	_, err := e.Update("us-ca", 0.5, nil)
	require.NoError(t, err)

	now = base.Add(2 * time.Hour)
	var evicted []string
	hook = func() { evicted = e.EvictIdle(now, time.Hour) }

	snap, err := e.Update("us-ca", 0.6, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"us-ca"}, evicted)

	// The observation lands on fresh state rather than the evicted one.
	assert.True(t, snap.HasData)
	assert.Equal(t, int64(1), snap.Observations)
	assert.Equal(t, 0.6, snap.Value)

	current := e.Snapshot("us-ca")
	assert.Equal(t, snap, current)
	assert.Equal(t, []string{"us-ca"}, e.Regions())

	require.Len(t, published, 2)
	assert.Equal(t, current, published[1])
}

func TestEngine_EvictIdleSkipsRegionWithUpdateInFlight(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	var e *Engine
	var during []string
	checked := false

	e = newTestEngine(t,
		WithClock(func() time.Time { return base }),
		WithObserver(func(s analytics.Snapshot) {
			if !checked {
				checked = true
				during = e.EvictIdle(base.Add(time.Hour), time.Minute)
			}
		}),
	)

	_, err := e.Update("us-ca", 0.5, nil)
	require.NoError(t, err)
	assert.Empty(t, during)
	assert.Equal(t, []string{"us-ca"}, e.Regions())

	assert.Equal(t, []string{"us-ca"}, e.EvictIdle(base.Add(time.Hour), time.Minute))
	assert.Zero(t, e.Len())
}

func TestEngine_ObserversSeeUpdatesInOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []int64
	e := newTestEngine(t,
		WithLogger(zap.NewNop()),
		WithObserver(func(s analytics.Snapshot) {
			mu.Lock()
			seen = append(seen, s.Observations)
			mu.Unlock()
		}),
	)

	const writers, updates = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < updates; i++ {
				_, err := e.Update("us-ca", float64(w+i%5), nil)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, seen, writers*updates)
	for i, n := range seen {
		assert.Equal(t, int64(i+1), n)
	}
}
