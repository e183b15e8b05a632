package analytics

import (
	"sync"
	"time"
)

// MinReliableObservations is the window fill below which flags are computed
// but should not be trusted.
const MinReliableObservations = 10

// Detector names used to label raised flags.
const (
	DetectorStatic       = "static"
	DetectorZScore       = "zscore"
	DetectorSeasonal     = "seasonal"
	DetectorResidual     = "residual"
	DetectorMultivariate = "multivariate"
)

// DetectorNames returns every detector name in flag order.
func DetectorNames() []string {
	return []string{DetectorStatic, DetectorZScore, DetectorSeasonal, DetectorResidual, DetectorMultivariate}
}

// Snapshot is an immutable copy of every detector output for one region.
// HasData is false for a region that has never been observed.
type Snapshot struct {
	Region       string             `json:"region"`
	HasData      bool               `json:"has_data"`
	Value        float64            `json:"value"`
	Observations int64              `json:"observations"`
	WindowFill   int                `json:"window_fill"`
	Reliable     bool               `json:"reliable"`
	LastUpdated  time.Time          `json:"last_updated"`
	Univariate   UnivariateResult   `json:"univariate"`
	Seasonal     SeasonalResult     `json:"seasonal"`
	Multivariate MultivariateResult `json:"multivariate"`
}

// NoData returns the snapshot reported for a region without history.
func NoData(region string) Snapshot {
	return Snapshot{Region: region}
}

// RaisedFlags returns the names of the detectors whose flag is set.
func (s Snapshot) RaisedFlags() []string {
	var flags []string
	if s.Univariate.StaticAnomaly {
		flags = append(flags, DetectorStatic)
	}
	if s.Univariate.ZScoreAnomaly {
		flags = append(flags, DetectorZScore)
	}
	if s.Seasonal.SeasonalAnomaly {
		flags = append(flags, DetectorSeasonal)
	}
	if s.Seasonal.ResidualAnomaly {
		flags = append(flags, DetectorResidual)
	}
	if s.Multivariate.Anomaly {
		flags = append(flags, DetectorMultivariate)
	}
	return flags
}

// RegionState owns the three detectors of one region.
//
// Update runs univariate, seasonal, multivariate in that order: the seasonal
// band width reads the raw window the univariate detector has just pushed
// into. The whole chain runs under one lock, so Snapshot observes either the
// state before an update or after it, never in between.
type RegionState struct {
	// applyMu orders Apply calls end to end, observers included.
	applyMu sync.Mutex
	mu      sync.RWMutex

	region       string
	univariate   *UnivariateDetector
	seasonal     *SeasonalDetector
	multivariate *MultivariateDetector

	observations int64
	lastValue    float64
	lastUpdated  time.Time
	evicted      bool
}

// NewRegionState creates empty detector state for region.
func NewRegionState(region string, cfg Config) *RegionState {
	raw := NewRollingBuffer(cfg.WindowSize)
	return &RegionState{
		region:       region,
		univariate:   NewUnivariateDetector(raw, cfg),
		seasonal:     NewSeasonalDetector(raw, cfg),
		multivariate: NewMultivariateDetector(cfg),
	}
}

// Update feeds one observation through the detector chain and returns the
// resulting snapshot. primary is added to the feature vector under
// PrimaryFeature; components may hold any subset of component signals.
// Inputs must be finite. An evicted state is left untouched and yields a
// snapshot without data.
func (rs *RegionState) Update(primary float64, components map[string]float64, at time.Time) Snapshot {
	snap, _ := rs.Apply(primary, components, at, nil)
	return snap
}

// Apply is Update followed by notify(snapshot). Calls on one state are
// serialized up to the return of notify, so notify sees snapshots in update
// order. It reports false, without applying anything, once the state has
// been evicted.
func (rs *RegionState) Apply(primary float64, components map[string]float64, at time.Time, notify func(Snapshot)) (Snapshot, bool) {
	rs.applyMu.Lock()
	defer rs.applyMu.Unlock()

	snap, ok := rs.update(primary, components, at)
	if !ok {
		return NoData(rs.region), false
	}
	if notify != nil {
		notify(snap)
	}
	return snap, true
}

func (rs *RegionState) update(primary float64, components map[string]float64, at time.Time) (Snapshot, bool) {
	features := make(map[string]float64, len(components)+1)
	for name, v := range components {
		features[name] = v
	}
	features[PrimaryFeature] = primary

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.evicted {
		return Snapshot{}, false
	}

	rs.univariate.Update(primary)
	rs.seasonal.Update(primary)
	rs.multivariate.Update(features)

	rs.observations++
	rs.lastValue = primary
	rs.lastUpdated = at

	return rs.snapshotLocked(), true
}

// MarkEvicted waits for an in-flight Apply and makes every later Apply fail.
// It reports false when the state was already evicted.
func (rs *RegionState) MarkEvicted() bool {
	rs.applyMu.Lock()
	defer rs.applyMu.Unlock()
	return rs.markEvicted()
}

// TryEvict marks the state evicted when its last observation is older than
// ttl at now. A state with an Apply in flight is not idle and is skipped.
func (rs *RegionState) TryEvict(now time.Time, ttl time.Duration) bool {
	if !rs.applyMu.TryLock() {
		return false
	}
	defer rs.applyMu.Unlock()
	if now.Sub(rs.LastUpdated()) <= ttl {
		return false
	}
	return rs.markEvicted()
}

func (rs *RegionState) markEvicted() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.evicted {
		return false
	}
	rs.evicted = true
	return true
}

// Snapshot returns a copy of the current outputs.
func (rs *RegionState) Snapshot() Snapshot {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.snapshotLocked()
}

// LastUpdated returns the time of the last accepted observation.
func (rs *RegionState) LastUpdated() time.Time {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.lastUpdated
}

// snapshotLocked builds a snapshot (must hold lock)
func (rs *RegionState) snapshotLocked() Snapshot {
	if rs.observations == 0 {
		return NoData(rs.region)
	}

	mv := rs.multivariate.Result()
	contributions := make(map[string]float64, len(mv.Contributions))
	for k, v := range mv.Contributions {
		contributions[k] = v
	}
	mv.Contributions = contributions

	fill := rs.univariate.Buffer().Len()
	return Snapshot{
		Region:       rs.region,
		HasData:      true,
		Value:        rs.lastValue,
		Observations: rs.observations,
		WindowFill:   fill,
		Reliable:     fill >= MinReliableObservations,
		LastUpdated:  rs.lastUpdated,
		Univariate:   rs.univariate.Result(),
		Seasonal:     rs.seasonal.Result(),
		Multivariate: mv,
	}
}

// Univariate exposes the univariate detector. Callers must not use it
// concurrently with Update.
func (rs *RegionState) Univariate() *UnivariateDetector { return rs.univariate }

// Seasonal exposes the seasonal detector. Callers must not use it
// concurrently with Update.
func (rs *RegionState) Seasonal() *SeasonalDetector { return rs.seasonal }

// Multivariate exposes the multivariate detector. Callers must not use it
// concurrently with Update.
func (rs *RegionState) Multivariate() *MultivariateDetector { return rs.multivariate }
