package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"behavior-anomaly-engine/analytics"
	"behavior-anomaly-engine/models"
	"behavior-anomaly-engine/services"
)

// SnapshotSourceHeader tells whether a snapshot came from the engine or the cache.
const SnapshotSourceHeader = "X-Snapshot-Source"

// AnomalyCounter reports raised flags per detector
type AnomalyCounter interface {
	Counts() map[string]int64
}

// SnapshotCache reads what the dispatcher persisted. It outlives region
// eviction and process restarts.
type SnapshotCache interface {
	GetSnapshot(ctx context.Context, region string) (analytics.Snapshot, error)
	Regions(ctx context.Context) ([]string, error)
	GetAnomalyCount(ctx context.Context, region, detector string) (int64, error)
}

// EngineHandler handles HTTP requests for the anomaly engine
type EngineHandler struct {
	engine  *services.Engine
	counter AnomalyCounter
	cache   SnapshotCache
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngineHandler creates a new EngineHandler. counter and cache may be nil.
func NewEngineHandler(engine *services.Engine, counter AnomalyCounter, cache SnapshotCache, logger *zap.Logger) *EngineHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EngineHandler{
		engine:  engine,
		counter: counter,
		cache:   cache,
		logger:  logger,
		now:     time.Now,
	}
}

// Register mounts the engine routes on r.
func (h *EngineHandler) Register(r *mux.Router) {
	r.HandleFunc("/ingest", h.Ingest).Methods(http.MethodPost)
	r.HandleFunc("/ingest/batch", h.IngestBatch).Methods(http.MethodPost)
	r.HandleFunc("/regions", h.ListRegions).Methods(http.MethodGet)
	r.HandleFunc("/regions/{region}", h.GetRegion).Methods(http.MethodGet)
	r.HandleFunc("/anomalies", h.GetAnomalies).Methods(http.MethodGet)
}

// ingest validates one input and runs it through the engine
func (h *EngineHandler) ingest(input models.ObservationInput) (analytics.Snapshot, error) {
	if err := input.Validate(); err != nil {
		return analytics.Snapshot{}, err
	}
	obs, err := input.ToObservation(h.now())
	if err != nil {
		return analytics.Snapshot{}, err
	}
	return h.engine.Update(obs.Region, obs.Value, obs.Components)
}

// Ingest handles POST /ingest - feeds one observation to the engine
func (h *EngineHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var input models.ObservationInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	snap, err := h.ingest(input)
	if err != nil {
		h.logger.Debug("observation rejected", zap.String("region", input.Region), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":   "accepted",
		"snapshot": snap,
	})
}

// IngestBatch handles POST /ingest/batch - feeds several observations in order
func (h *EngineHandler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var inputs []models.ObservationInput
	if err := json.NewDecoder(r.Body).Decode(&inputs); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	processed, failed := 0, 0
	for _, input := range inputs {
		if _, err := h.ingest(input); err != nil {
			failed++
			continue
		}
		processed++
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "completed",
		"processed": processed,
		"failed":    failed,
		"total":     len(inputs),
	})
}

// GetRegion handles GET /regions/{region} - returns the region snapshot.
// A region the engine does not track falls back to the cached snapshot.
func (h *EngineHandler) GetRegion(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Snapshot(mux.Vars(r)["region"])
	if !snap.HasData && h.cache != nil {
		cached, err := h.cache.GetSnapshot(r.Context(), snap.Region)
		if err != nil {
			h.logger.Warn("failed to read cached snapshot", zap.String("region", snap.Region), zap.Error(err))
		} else if cached.HasData {
			w.Header().Set(SnapshotSourceHeader, "cache")
			h.writeJSON(w, http.StatusOK, cached)
			return
		}
	}
	w.Header().Set(SnapshotSourceHeader, "engine")
	h.writeJSON(w, http.StatusOK, snap)
}

// ListRegions handles GET /regions - returns the tracked regions
func (h *EngineHandler) ListRegions(w http.ResponseWriter, r *http.Request) {
	regions := h.engine.Regions()
	response := map[string]interface{}{
		"regions": regions,
		"total":   len(regions),
	}

	if h.cache != nil {
		cached, err := h.cache.Regions(r.Context())
		if err != nil {
			h.logger.Warn("failed to list cached regions", zap.Error(err))
		} else {
			sort.Strings(cached)
			response["cached_regions"] = cached
		}
	}

	h.writeJSON(w, http.StatusOK, response)
}

// GetAnomalies handles GET /anomalies - returns anomaly counts and thresholds.
// With a cache, per-region counts are read from it.
func (h *EngineHandler) GetAnomalies(w http.ResponseWriter, r *http.Request) {
	counts := map[string]int64{}
	if h.counter != nil {
		counts = h.counter.Counts()
	}
	var total int64
	for _, c := range counts {
		total += c
	}

	cfg := h.engine.Config()
	response := map[string]interface{}{
		"counts": counts,
		"total":  total,
		"thresholds": map[string]float64{
			"zscore":          cfg.ZScoreThreshold,
			"residual_zscore": cfg.ResidualZScoreThreshold,
			"multivariate":    cfg.MultivariateThreshold,
		},
		"window_size": cfg.WindowSize,
	}

	if h.cache != nil {
		byRegion, err := h.regionCounts(r.Context())
		if err != nil {
			h.logger.Warn("failed to read cached anomaly counts", zap.Error(err))
		} else {
			response["by_region"] = byRegion
		}
	}

	h.writeJSON(w, http.StatusOK, response)
}

// regionCounts reads the non-zero anomaly counts of every cached region
func (h *EngineHandler) regionCounts(ctx context.Context) (map[string]map[string]int64, error) {
	regions, err := h.cache.Regions(ctx)
	if err != nil {
		return nil, err
	}

	byRegion := make(map[string]map[string]int64)
	for _, region := range regions {
		for _, detector := range analytics.DetectorNames() {
			n, err := h.cache.GetAnomalyCount(ctx, region, detector)
			if err != nil {
				return nil, err
			}
			if n == 0 {
				continue
			}
			if byRegion[region] == nil {
				byRegion[region] = make(map[string]int64)
			}
			byRegion[region][detector] = n
		}
	}
	return byRegion, nil
}

func (h *EngineHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}
