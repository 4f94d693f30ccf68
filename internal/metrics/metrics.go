package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var ReindexBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "feedsync",
	Subsystem: "indexer",
	Name:      "batches",
}, []string{"feed", "result"})

var ReindexRows = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "feedsync",
	Subsystem: "indexer",
	Name:      "rows_upserted",
}, []string{"feed"})

var ReindexDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "feedsync",
	Subsystem: "indexer",
	Name:      "run_duration_seconds",
	Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
}, []string{"feed", "kind"})

var RemovedRows = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "feedsync",
	Subsystem: "removal",
	Name:      "rows",
}, []string{"feed", "action"})

var IdentityCollisions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "feedsync",
	Subsystem: "identity",
	Name:      "collisions",
}, []string{"type"})

var LockAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "feedsync",
	Subsystem: "lock",
	Name:      "attempts",
}, []string{"feed", "result"})

var SubmissionStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "feedsync",
	Subsystem: "export",
	Name:      "submissions",
}, []string{"feed", "status"})

var SnapshotRows = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "feedsync",
	Subsystem: "snapshot",
	Name:      "rows_exported",
}, []string{"feed"})

// Collectors lists every collector of the engine.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ReindexBatches,
		ReindexRows,
		ReindexDuration,
		RemovedRows,
		IdentityCollisions,
		LockAttempts,
		SubmissionStatus,
		SnapshotRows,
	}
}

// Register registers all collectors, tolerating collectors that are already registered.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
