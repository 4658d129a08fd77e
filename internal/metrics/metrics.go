// Package metrics holds the prometheus instruments of a store.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineStats is implemented by the backing engine adapter.
type EngineStats interface {
	Stats() (reads, writes uint64)
}

type Metrics struct {
	Appends        prometheus.Counter
	ChainReads     prometheus.Counter
	TaxonomyMerges prometheus.Counter
	References     prometheus.Counter

	SyncCycles        *prometheus.CounterVec
	SyncStageDuration *prometheus.HistogramVec
	RecordsWritten    *prometheus.CounterVec
}

// New creates the instruments and registers them with r. A nil r keeps them
// unregistered, which is what tests and embedded stores without a registry use.
func New(r prometheus.Registerer, engine EngineStats) *Metrics {
	f := promauto.With(r)
	m := &Metrics{
		Appends: f.NewCounter(prometheus.CounterOpts{
			Name: "termstore_chronology_appends_total",
			Help: "Version records appended to chronology partitions",
		}),
		ChainReads: f.NewCounter(prometheus.CounterOpts{
			Name: "termstore_chronology_reads_total",
			Help: "Version chains read",
		}),
		TaxonomyMerges: f.NewCounter(prometheus.CounterOpts{
			Name: "termstore_taxonomy_merges_total",
			Help: "Accumulate-merges applied to taxonomy records",
		}),
		References: f.NewCounter(prometheus.CounterOpts{
			Name: "termstore_reference_adds_total",
			Help: "Reverse reference additions",
		}),
		SyncCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "termstore_sync_cycles_total",
			Help: "Finished sync cycles by result",
		}, []string{"result"}),
		SyncStageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "termstore_sync_stage_duration_seconds",
			Help:    "Duration of each sync pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"stage"}),
		RecordsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "termstore_sync_records_written_total",
			Help: "Records written to the engine by sync, by structure",
		}, []string{"structure"}),
	}

	if engine != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Name: "termstore_engine_reads_total",
			Help: "Read operations issued to the backing engine",
		}, func() float64 {
			reads, _ := engine.Stats()
			return float64(reads)
		})
		f.NewCounterFunc(prometheus.CounterOpts{
			Name: "termstore_engine_writes_total",
			Help: "Write operations issued to the backing engine",
		}, func() float64 {
			_, writes := engine.Stats()
			return float64(writes)
		})
	}
	return m
}

// ObserveStage records how long stage took.
func (m *Metrics) ObserveStage(stage string, took time.Duration) {
	m.SyncStageDuration.WithLabelValues(stage).Observe(took.Seconds())
}

// SyncFinished counts one sync cycle.
func (m *Metrics) SyncFinished(err error) {
	if err != nil {
		m.SyncCycles.WithLabelValues("failure").Inc()
		return
	}
	m.SyncCycles.WithLabelValues("success").Inc()
}
