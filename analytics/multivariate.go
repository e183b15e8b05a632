package analytics

import "sort"

// PrimaryFeature is the feature name under which the primary signal enters
// the multivariate detector.
const PrimaryFeature = "behavior_index"

// MultivariateResult is the output of the most recent MultivariateDetector update.
type MultivariateResult struct {
	Score   float64 `json:"md_score"`
	Anomaly bool    `json:"md_anomaly"`
	// Contributions holds the squared z-score of every feature present in
	// the update. Features absent from the update do not appear.
	Contributions map[string]float64 `json:"contributions,omitempty"`
}

// MultivariateDetector scores a feature vector by the sum of per-feature
// squared z-scores, a diagonal-covariance approximation of the Mahalanobis
// distance. Each feature keeps its own window and only advances when the
// feature is present in an update.
type MultivariateDetector struct {
	buffers   map[string]*RollingBuffer
	size      int
	threshold float64
	result    MultivariateResult
}

// NewMultivariateDetector creates an empty multivariate detector.
func NewMultivariateDetector(cfg Config) *MultivariateDetector {
	return &MultivariateDetector{
		buffers:   make(map[string]*RollingBuffer),
		size:      cfg.WindowSize,
		threshold: cfg.MultivariateThreshold,
	}
}

// Update pushes every feature in features into its window and recomputes the
// score over the features present in this update.
func (d *MultivariateDetector) Update(features map[string]float64) MultivariateResult {
	contributions := make(map[string]float64, len(features))
	score := 0.0

	for name, value := range features {
		buf, ok := d.buffers[name]
		if !ok {
			buf = NewRollingBuffer(d.size)
			d.buffers[name] = buf
		}
		buf.Push(value)

		c := 0.0
		if buf.Len() >= 2 {
			mean, std := buf.MeanStd()
			z := zScore(value, mean, std)
			c = z * z
		}
		contributions[name] = c
		score += c
	}

	d.result = MultivariateResult{
		Score:         score,
		Anomaly:       score > d.threshold,
		Contributions: contributions,
	}
	return d.result
}

// Result returns the output of the last update.
func (d *MultivariateDetector) Result() MultivariateResult {
	return d.result
}

// Feature returns the window of a feature, if it has ever been seen.
func (d *MultivariateDetector) Feature(name string) (*RollingBuffer, bool) {
	buf, ok := d.buffers[name]
	return buf, ok
}

// Features returns the names of all features seen so far, sorted.
func (d *MultivariateDetector) Features() []string {
	names := make([]string, 0, len(d.buffers))
	for name := range d.buffers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
