package services

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"behavior-anomaly-engine/analytics"
)

// Observer receives the snapshot produced by every accepted update. It is
// called synchronously, in update order for each region, and must not block
// or update the region it is observing.
type Observer func(analytics.Snapshot)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver registers an observer for accepted updates.
func WithObserver(obs Observer) Option {
	return func(e *Engine) {
		if obs != nil {
			e.observers = append(e.observers, obs)
		}
	}
}

// WithDropHook registers a callback invoked with a reason for every rejected observation.
func WithDropHook(fn func(reason string)) Option {
	return func(e *Engine) {
		e.onDrop = fn
	}
}

// WithClock overrides the clock used to stamp accepted observations.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Drop reasons passed to the drop hook.
const (
	DropEmptyRegion = "empty_region"
	DropNonFinite   = "non_finite"
)

// Engine owns one RegionState per region and is the single entry point for
// the ingestion pipeline. It does no background work: Update runs the
// detector chain on the caller's goroutine.
type Engine struct {
	cfg    analytics.Config
	logger *zap.Logger

	mu      sync.RWMutex
	regions map[string]*analytics.RegionState

	observers []Observer
	onDrop    func(reason string)
	now       func() time.Time
}

// NewEngine creates an engine with the given detector configuration.
func NewEngine(cfg analytics.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detector config: %w", err)
	}
	e := &Engine{
		cfg:     cfg,
		logger:  zap.NewNop(),
		regions: make(map[string]*analytics.RegionState),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NormalizeRegion returns the registry key for a region identifier.
func NormalizeRegion(region string) string {
	return strings.ToLower(strings.TrimSpace(region))
}

// Update feeds one observation for region through the univariate, seasonal
// and multivariate detectors, in that order. components may hold any subset
// of the known component signals.
//
// Observations with an empty region or a non-finite value are logged and
// dropped without touching any state; the returned error wraps
// ErrEmptyRegion or ErrNonFiniteValue.
func (e *Engine) Update(region string, value float64, components map[string]float64) (analytics.Snapshot, error) {
	key := NormalizeRegion(region)
	if key == "" {
		e.drop(DropEmptyRegion)
		e.logger.Warn("dropping observation without region", zap.Float64("value", value))
		return analytics.NoData(key), ErrEmptyRegion
	}

	if err := checkFinite(key, value, components); err != nil {
		e.drop(DropNonFinite)
		e.logger.Warn("dropping non-finite observation",
			zap.String("region", err.Region),
			zap.String("field", err.Field),
			zap.Float64("value", err.Value),
		)
		return analytics.NoData(key), err
	}

	for {
		rs := e.getOrCreate(key)
		if snap, ok := rs.Apply(value, components, e.now(), e.notify); ok {
			return snap, nil
		}
		// Evicted between lookup and apply: the next lookup creates fresh state.
		e.logger.Debug("region evicted during update, retrying", zap.String("region", key))
	}
}

// notify runs the observers. It is called once per accepted update, in
// update order for each region.
func (e *Engine) notify(snap analytics.Snapshot) {
	for _, obs := range e.observers {
		obs(snap)
	}
}

// Snapshot returns the current outputs for region. A region that has never
// been observed yields a snapshot with HasData false.
func (e *Engine) Snapshot(region string) analytics.Snapshot {
	key := NormalizeRegion(region)
	e.mu.RLock()
	rs, ok := e.regions[key]
	e.mu.RUnlock()
	if !ok {
		return analytics.NoData(key)
	}
	return rs.Snapshot()
}

// Regions returns the known region keys, sorted.
func (e *Engine) Regions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]string, 0, len(e.regions))
	for k := range e.regions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of tracked regions.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.regions)
}

// Config returns the detector configuration.
func (e *Engine) Config() analytics.Config {
	return e.cfg
}

// Evict forgets all state of region. It reports whether the region existed.
// An update in flight for region completes before the state is dropped.
func (e *Engine) Evict(region string) bool {
	key := NormalizeRegion(region)
	e.mu.RLock()
	rs, ok := e.regions[key]
	e.mu.RUnlock()
	if !ok || !rs.MarkEvicted() {
		return false
	}

	e.mu.Lock()
	if e.regions[key] == rs {
		delete(e.regions, key)
	}
	e.mu.Unlock()

	e.logger.Info("region evicted", zap.String("region", key))
	return true
}

// EvictIdle forgets every region whose last accepted observation is older
// than ttl at now, and returns the evicted keys sorted. Regions with an
// update in flight are kept.
func (e *Engine) EvictIdle(now time.Time, ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var evicted []string
	for key, rs := range e.regions {
		if rs.TryEvict(now, ttl) {
			delete(e.regions, key)
			evicted = append(evicted, key)
		}
	}
	sort.Strings(evicted)
	if len(evicted) > 0 {
		e.logger.Info("idle regions evicted", zap.Strings("regions", evicted), zap.Duration("ttl", ttl))
	}
	return evicted
}

// getOrCreate returns the state for key, creating it on first use.
func (e *Engine) getOrCreate(key string) *analytics.RegionState {
	e.mu.RLock()
	rs, ok := e.regions[key]
	e.mu.RUnlock()
	if ok {
		return rs
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Double-check after acquiring write lock
	if rs, ok = e.regions[key]; ok {
		return rs
	}
	rs = analytics.NewRegionState(key, e.cfg)
	e.regions[key] = rs
	e.logger.Debug("region created", zap.String("region", key))
	return rs
}

func (e *Engine) drop(reason string) {
	if e.onDrop != nil {
		e.onDrop(reason)
	}
}

// checkFinite returns the first non-finite field, checking components in name order.
func checkFinite(region string, value float64, components map[string]float64) *ObservationError {
	if !analytics.IsFinite(value) {
		return &ObservationError{Region: region, Field: "value", Value: value}
	}
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v := components[name]; !analytics.IsFinite(v) {
			return &ObservationError{Region: region, Field: "components." + name, Value: v}
		}
	}
	return nil
}
