package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"behavior-anomaly-engine/analytics"
	"behavior-anomaly-engine/models"
)

const (
	ChannelBuffer   = 1000
	DispatchTimeout = 3 * time.Second
)

// SnapshotStore persists the latest snapshot and anomaly counters for dashboard readers.
type SnapshotStore interface {
	StoreSnapshot(ctx context.Context, snap analytics.Snapshot) error
	IncrementAnomalyCount(ctx context.Context, region, detector string) error
}

// EventPublisher forwards anomaly events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, events ...models.AnomalyEvent) error
}

// AnomalyDispatcher fans snapshots out to the store, the event stream and
// the anomaly counters on a background worker, off the update path.
type AnomalyDispatcher struct {
	store     SnapshotStore
	publisher EventPublisher
	logger    *zap.Logger

	snapshots chan analytics.Snapshot
	stopChan  chan struct{}
	done      chan struct{}
	stopOnce  sync.Once

	counts   map[string]int64
	countsMu sync.RWMutex
	dropped  atomic.Int64

	// Anomaly callback for Prometheus metrics
	onAnomaly func(region, detector string)
}

// NewAnomalyDispatcher creates a dispatcher and starts its worker.
// store and publisher are optional.
func NewAnomalyDispatcher(store SnapshotStore, publisher EventPublisher, logger *zap.Logger, onAnomaly func(region, detector string)) *AnomalyDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &AnomalyDispatcher{
		store:     store,
		publisher: publisher,
		logger:    logger,
		snapshots: make(chan analytics.Snapshot, ChannelBuffer),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
		counts:    make(map[string]int64),
		onAnomaly: onAnomaly,
	}

	go d.run()

	return d
}

// Observe queues a snapshot without blocking. When the queue is full the
// snapshot is dropped and counted.
func (d *AnomalyDispatcher) Observe(snap analytics.Snapshot) {
	select {
	case d.snapshots <- snap:
	default:
		d.dropped.Add(1)
		d.logger.Debug("dispatch queue full, snapshot dropped", zap.String("region", snap.Region))
	}
}

// run processes queued snapshots until Stop is called, then drains the queue.
func (d *AnomalyDispatcher) run() {
	defer close(d.done)
	for {
		select {
		case snap := <-d.snapshots:
			d.dispatch(snap)
		case <-d.stopChan:
			for {
				select {
				case snap := <-d.snapshots:
					d.dispatch(snap)
				default:
					return
				}
			}
		}
	}
}

// dispatch handles one snapshot
func (d *AnomalyDispatcher) dispatch(snap analytics.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), DispatchTimeout)
	defer cancel()

	if d.store != nil {
		if err := d.store.StoreSnapshot(ctx, snap); err != nil {
			d.logger.Warn("failed to store snapshot", zap.String("region", snap.Region), zap.Error(err))
		}
	}

	flags := snap.RaisedFlags()
	if len(flags) == 0 {
		return
	}

	events := make([]models.AnomalyEvent, 0, len(flags))
	for _, detector := range flags {
		d.countsMu.Lock()
		d.counts[detector]++
		d.countsMu.Unlock()

		if d.onAnomaly != nil {
			d.onAnomaly(snap.Region, detector)
		}
		if d.store != nil {
			if err := d.store.IncrementAnomalyCount(ctx, snap.Region, detector); err != nil {
				d.logger.Warn("failed to increment anomaly count",
					zap.String("region", snap.Region), zap.String("detector", detector), zap.Error(err))
			}
		}

		event := newAnomalyEvent(snap, detector)
		d.logger.Info("anomaly detected",
			zap.String("region", event.Region),
			zap.String("detector", event.Detector),
			zap.Float64("value", event.Value),
			zap.Float64("score", event.Score),
			zap.Bool("reliable", snap.Reliable),
		)
		events = append(events, event)
	}

	if d.publisher != nil {
		if err := d.publisher.Publish(ctx, events...); err != nil {
			d.logger.Warn("failed to publish anomaly events", zap.String("region", snap.Region), zap.Error(err))
		}
	}
}

// newAnomalyEvent builds the event for one raised flag. Score is the
// statistic the detector thresholded.
func newAnomalyEvent(snap analytics.Snapshot, detector string) models.AnomalyEvent {
	var score float64
	switch detector {
	case analytics.DetectorStatic, analytics.DetectorZScore:
		score = snap.Univariate.ZScore
	case analytics.DetectorSeasonal, analytics.DetectorResidual:
		score = snap.Seasonal.ResidualZScore
	case analytics.DetectorMultivariate:
		score = snap.Multivariate.Score
	}
	return models.AnomalyEvent{
		ID:        uuid.NewString(),
		Timestamp: snap.LastUpdated,
		Region:    snap.Region,
		Detector:  detector,
		Value:     snap.Value,
		Score:     score,
	}
}

// Counts returns the number of raised flags per detector.
func (d *AnomalyDispatcher) Counts() map[string]int64 {
	d.countsMu.RLock()
	defer d.countsMu.RUnlock()

	out := make(map[string]int64, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

// Dropped returns the number of snapshots dropped because the queue was full.
func (d *AnomalyDispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Stop drains queued snapshots and stops the worker.
func (d *AnomalyDispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
	})
	<-d.done
}
