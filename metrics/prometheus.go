package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"behavior-anomaly-engine/analytics"
)

func regionGauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: name, Help: help},
		[]string{"region"},
	)
}

var (
	// TotalRequests counts total HTTP requests
	TotalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// RequestDuration measures request latency
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// ActiveRequests tracks number of active HTTP requests
	ActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_active_requests",
			Help: "Number of active HTTP requests",
		},
	)

	// Univariate detector outputs
	StaticUpperBound = regionGauge("behavior_static_upper_bound", "Upper static percentile bound of the behavior index")
	StaticLowerBound = regionGauge("behavior_static_lower_bound", "Lower static percentile bound of the behavior index")
	StaticAnomaly    = regionGauge("behavior_static_anomaly", "1 when the behavior index is outside the static bounds")
	ZScore           = regionGauge("behavior_zscore", "Z-score of the behavior index over the rolling window")
	ZScoreAnomaly    = regionGauge("behavior_zscore_anomaly", "1 when the z-score exceeds its threshold")

	// Seasonal detector outputs
	Baseline        = regionGauge("behavior_baseline", "EWMA baseline of the behavior index")
	UpperBand       = regionGauge("behavior_upper_band", "Upper band around the EWMA baseline")
	LowerBand       = regionGauge("behavior_lower_band", "Lower band around the EWMA baseline")
	SeasonalAnomaly = regionGauge("behavior_seasonal_anomaly", "1 when the behavior index is outside the baseline bands")
	Residual        = regionGauge("behavior_residual", "Behavior index minus EWMA baseline")
	ResidualZScore  = regionGauge("behavior_residual_zscore", "Z-score of the residual over its rolling window")
	ResidualAnomaly = regionGauge("behavior_residual_anomaly", "1 when the residual z-score exceeds its threshold")

	// Multivariate detector outputs
	MDScore   = regionGauge("behavior_md_score", "Diagonal Mahalanobis-style score of the feature vector")
	MDAnomaly = regionGauge("behavior_md_anomaly", "1 when the multivariate score exceeds its threshold")

	// AnomaliesTotal counts raised detector flags
	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "behavior_anomalies_total",
			Help: "Total number of raised anomaly flags",
		},
		[]string{"region", "detector"},
	)

	// ObservationsDropped counts observations rejected at the engine boundary
	ObservationsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "behavior_observations_dropped_total",
			Help: "Total number of observations rejected before reaching the detectors",
		},
		[]string{"reason"},
	)

	// RegionsTracked tracks the number of regions with detector state
	RegionsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "behavior_regions_tracked",
			Help: "Number of regions with detector state",
		},
	)

	regionGauges = []*prometheus.GaugeVec{
		StaticUpperBound, StaticLowerBound, StaticAnomaly, ZScore, ZScoreAnomaly,
		Baseline, UpperBand, LowerBand, SeasonalAnomaly, Residual, ResidualZScore, ResidualAnomaly,
		MDScore, MDAnomaly,
	}
)

func init() {
	// HTTP metrics
	prometheus.MustRegister(TotalRequests)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(ActiveRequests)

	// Detector metrics
	for _, g := range regionGauges {
		prometheus.MustRegister(g)
	}
	prometheus.MustRegister(AnomaliesTotal)
	prometheus.MustRegister(ObservationsDropped)
	prometheus.MustRegister(RegionsTracked)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// PublishSnapshot sets every detector gauge of the snapshot's region.
// Snapshots without data are ignored.
func PublishSnapshot(snap analytics.Snapshot) {
	if !snap.HasData {
		return
	}
	r := snap.Region
	u, s, m := snap.Univariate, snap.Seasonal, snap.Multivariate

	StaticUpperBound.WithLabelValues(r).Set(u.UpperBound)
	StaticLowerBound.WithLabelValues(r).Set(u.LowerBound)
	StaticAnomaly.WithLabelValues(r).Set(boolGauge(u.StaticAnomaly))
	ZScore.WithLabelValues(r).Set(u.ZScore)
	ZScoreAnomaly.WithLabelValues(r).Set(boolGauge(u.ZScoreAnomaly))

	Baseline.WithLabelValues(r).Set(s.Baseline)
	UpperBand.WithLabelValues(r).Set(s.UpperBand)
	LowerBand.WithLabelValues(r).Set(s.LowerBand)
	SeasonalAnomaly.WithLabelValues(r).Set(boolGauge(s.SeasonalAnomaly))
	Residual.WithLabelValues(r).Set(s.Residual)
	ResidualZScore.WithLabelValues(r).Set(s.ResidualZScore)
	ResidualAnomaly.WithLabelValues(r).Set(boolGauge(s.ResidualAnomaly))

	MDScore.WithLabelValues(r).Set(m.Score)
	MDAnomaly.WithLabelValues(r).Set(boolGauge(m.Anomaly))
}

// DeleteRegion removes every series of an evicted region.
func DeleteRegion(region string) {
	for _, g := range regionGauges {
		g.DeleteLabelValues(region)
	}
	AnomaliesTotal.DeletePartialMatch(prometheus.Labels{"region": region})
}

// RecordAnomaly increments the anomaly counter for a region and detector
func RecordAnomaly(region, detector string) {
	AnomaliesTotal.WithLabelValues(region, detector).Inc()
}

// RecordDropped increments the dropped observation counter
func RecordDropped(reason string) {
	ObservationsDropped.WithLabelValues(reason).Inc()
}

// SetRegionsTracked sets the tracked region gauge
func SetRegionsTracked(n int) {
	RegionsTracked.Set(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{w, http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware records metrics for each request
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip metrics endpoint itself
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ActiveRequests.Inc()
		defer ActiveRequests.Dec()

		wrapped := newResponseWriter(w)
		next.ServeHTTP(wrapped, r)

		endpoint := normalizeEndpoint(r.URL.Path)
		TotalRequests.WithLabelValues(r.Method, endpoint, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// normalizeEndpoint reduces cardinality by grouping similar endpoints
func normalizeEndpoint(path string) string {
	switch path {
	case "/ingest", "/ingest/batch", "/regions", "/anomalies", "/health":
		return path
	}
	if strings.HasPrefix(path, "/regions/") {
		return "/regions/{region}"
	}
	if len(path) > 0 && path[0] == '/' {
		// Return first path segment
		if i := strings.IndexByte(path[1:], '/'); i >= 0 {
			return path[:i+1]
		}
	}
	return path
}

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
