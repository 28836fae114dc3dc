package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "relaycache"

	OutcomeSynced    = "synced"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
	OutcomeGaveUp    = "gave_up"
	OutcomeDeferred  = "deferred"
)

var (
	syncOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_operations_total",
		Help:      "Queued operations processed by drain passes, by outcome",
	}, []string{"outcome"})

	oplogDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "oplog_depth",
		Help:      "Operations waiting in the operation log",
	})

	drainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "drain_duration_seconds",
		Help:      "Wall time of one drain pass",
		Buckets:   prometheus.DefBuckets,
	})

	online = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online",
		Help:      "1 when the remote store is reachable, 0 otherwise",
	})
)

func RecordOperation(outcome string) {
	syncOperationsTotal.WithLabelValues(outcome).Inc()
}

func SetOplogDepth(depth int) {
	oplogDepth.Set(float64(depth))
}

func ObserveDrain(d time.Duration) {
	drainDuration.Observe(d.Seconds())
}

func SetOnline(up bool) {
	if up {
		online.Set(1)
		return
	}
	online.Set(0)
}
