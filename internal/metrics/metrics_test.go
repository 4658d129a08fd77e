package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct{ reads, writes uint64 }

func (f *fakeEngine) Stats() (uint64, uint64) { return f.reads, f.writes }

func TestSyncCounters(t *testing.T) {
	m := New(nil, nil)
	m.SyncFinished(nil)
	m.SyncFinished(nil)
	m.SyncFinished(errors.New("disk full"))

	assert.Equal(t, 2.0, promtest.ToFloat64(m.SyncCycles.WithLabelValues("success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.SyncCycles.WithLabelValues("failure")))

	m.ObserveStage("engine", 3*time.Millisecond)
	assert.Equal(t, 1, promtest.CollectAndCount(m.SyncStageDuration))
}

func TestRegisteredWithEngineStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	engine := &fakeEngine{reads: 7, writes: 3}
	m := New(reg, engine)
	m.Appends.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				values[f.GetName()] = c.GetValue()
			}
		}
	}
	assert.Equal(t, 7.0, values["termstore_engine_reads_total"])
	assert.Equal(t, 3.0, values["termstore_engine_writes_total"])
	assert.Equal(t, 1.0, values["termstore_chronology_appends_total"])
}
