package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"behavior-anomaly-engine/analytics"
	"behavior-anomaly-engine/services"
)

type staticCounter map[string]int64

func (c staticCounter) Counts() map[string]int64 { return c }

type memoryCache struct {
	snapshots map[string]analytics.Snapshot
	counts    map[string]int64
	err       error
}

func (c *memoryCache) GetSnapshot(_ context.Context, region string) (analytics.Snapshot, error) {
	if c.err != nil {
		return analytics.Snapshot{}, c.err
	}
	if snap, ok := c.snapshots[region]; ok {
		return snap, nil
	}
	return analytics.NoData(region), nil
}

func (c *memoryCache) Regions(context.Context) ([]string, error) {
	if c.err != nil {
		return nil, c.err
	}
	regions := make([]string, 0, len(c.snapshots))
	for region := range c.snapshots {
		regions = append(regions, region)
	}
	return regions, nil
}

func (c *memoryCache) GetAnomalyCount(_ context.Context, region, detector string) (int64, error) {
	return c.counts[region+":"+detector], c.err
}

func newTestRouter(t *testing.T, counter AnomalyCounter) (*mux.Router, *services.Engine) {
	t.Helper()
	return newCachedTestRouter(t, counter, nil)
}

func newCachedTestRouter(t *testing.T, counter AnomalyCounter, cache SnapshotCache) (*mux.Router, *services.Engine) {
	t.Helper()
	engine, err := services.NewEngine(analytics.DefaultConfig(), services.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	r := mux.NewRouter()
	NewEngineHandler(engine, counter, cache, zaptest.NewLogger(t)).Register(r)
	return r, engine
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestIngest(t *testing.T) {
	r, engine := newTestRouter(t, nil)

	rec := do(t, r, http.MethodPost, "/ingest",
		`{"region":"US-CA","value":0.42,"components":{"mobility":0.3}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		Status   string             `json:"status"`
		Snapshot analytics.Snapshot `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "accepted", body.Status)
	assert.Equal(t, "us-ca", body.Snapshot.Region)
	assert.True(t, body.Snapshot.HasData)
	assert.Equal(t, 0.42, body.Snapshot.Value)
	assert.Equal(t, []string{"us-ca"}, engine.Regions())
}

func TestIngest_BadRequests(t *testing.T) {
	r, engine := newTestRouter(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"region":`},
		{"missing region", `{"value":0.5}`},
		{"blank region", `{"region":"  ","value":0.5}`},
		{"missing value", `{"region":"us-ca"}`},
		{"bad timestamp", `{"region":"us-ca","value":0.5,"timestamp":"yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, r, http.MethodPost, "/ingest", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Zero(t, engine.Len())
}

func TestIngestBatch(t *testing.T) {
	r, engine := newTestRouter(t, nil)

	rec := do(t, r, http.MethodPost, "/ingest/batch", `[
		{"region":"us-ca","value":0.4},
		{"region":"us-ny","value":0.5},
		{"region":"","value":0.6},
		{"region":"us-ca"}
	]`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 2, body["processed"])
	assert.EqualValues(t, 2, body["failed"])
	assert.EqualValues(t, 4, body["total"])
	assert.Equal(t, 2, engine.Len())
}

func TestGetRegion_NoData(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	rec := do(t, r, http.MethodGet, "/regions/nowhere", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap analytics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.False(t, snap.HasData)
	assert.Equal(t, "nowhere", snap.Region)
}

func TestListRegions(t *testing.T) {
	r, engine := newTestRouter(t, nil)
	for _, region := range []string{"us-ny", "us-ca"} {
		_, err := engine.Update(region, 0.5, nil)
		require.NoError(t, err)
	}

	rec := do(t, r, http.MethodGet, "/regions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Regions []string `json:"regions"`
		Total   int      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"us-ca", "us-ny"}, body.Regions)
	assert.Equal(t, 2, body.Total)
}

func TestGetAnomalies(t *testing.T) {
	r, _ := newTestRouter(t, staticCounter{"zscore": 3, "seasonal": 1})

	rec := do(t, r, http.MethodGet, "/anomalies", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Counts     map[string]int64   `json:"counts"`
		Total      int64              `json:"total"`
		Thresholds map[string]float64 `json:"thresholds"`
		WindowSize int                `json:"window_size"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(4), body.Total)
	assert.Equal(t, int64(3), body.Counts["zscore"])
	assert.Equal(t, analytics.DefaultZScoreThreshold, body.Thresholds["zscore"])
	assert.Equal(t, analytics.DefaultWindowSize, body.WindowSize)
}

func TestGetAnomalies_NoCounter(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	rec := do(t, r, http.MethodGet, "/anomalies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":0`)
}

func TestGetRegion_FallsBackToCache(t *testing.T) {
	cached := analytics.Snapshot{Region: "us-tx", HasData: true, Value: 0.7, Observations: 42}
	r, engine := newCachedTestRouter(t, nil, &memoryCache{
		snapshots: map[string]analytics.Snapshot{"us-tx": cached},
	})

	rec := do(t, r, http.MethodGet, "/regions/US-TX", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get(SnapshotSourceHeader))

	var snap analytics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, cached, snap)

	// Live state wins over the cache.
	_, err := engine.Update("us-tx", 0.2, nil)
	require.NoError(t, err)
	rec = do(t, r, http.MethodGet, "/regions/us-tx", "")
	assert.Equal(t, "engine", rec.Header().Get(SnapshotSourceHeader))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 0.2, snap.Value)
}

func TestGetRegion_CacheErrorServesEngine(t *testing.T) {
	r, _ := newCachedTestRouter(t, nil, &memoryCache{err: errors.New("redis down")})

	rec := do(t, r, http.MethodGet, "/regions/us-tx", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "engine", rec.Header().Get(SnapshotSourceHeader))
	assert.Contains(t, rec.Body.String(), `"has_data":false`)
}

func TestListRegions_IncludesCachedRegions(t *testing.T) {
	r, _ := newCachedTestRouter(t, nil, &memoryCache{
		snapshots: map[string]analytics.Snapshot{
			"us-tx": {Region: "us-tx", HasData: true},
			"us-ca": {Region: "us-ca", HasData: true},
		},
	})

	rec := do(t, r, http.MethodGet, "/regions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Regions []string `json:"regions"`
		Cached  []string `json:"cached_regions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Regions)
	assert.Equal(t, []string{"us-ca", "us-tx"}, body.Cached)
}

func TestGetAnomalies_PerRegionFromCache(t *testing.T) {
	r, _ := newCachedTestRouter(t, staticCounter{"zscore": 3}, &memoryCache{
		snapshots: map[string]analytics.Snapshot{
			"us-tx": {Region: "us-tx", HasData: true},
			"us-ca": {Region: "us-ca", HasData: true},
		},
		counts: map[string]int64{"us-tx:zscore": 2, "us-tx:residual": 1},
	})

	rec := do(t, r, http.MethodGet, "/anomalies", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ByRegion map[string]map[string]int64 `json:"by_region"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]map[string]int64{
		"us-tx": {"zscore": 2, "residual": 1},
	}, body.ByRegion)
}
