package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	require.Error(t, err)
}

func TestRecorders(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.LockState("h1", "owner", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockOwner.WithLabelValues("h1")))
	m.LockState("h1", "unowned", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LockOwner.WithLabelValues("h1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockTransitions.WithLabelValues("h1", "owner")))

	m.Flush("h1", "dropped")
	m.Flush("h1", "dropped")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BufferFlushes.WithLabelValues("h1", "dropped")))

	m.Evaluated("q", "r1", nil)
	m.Evaluated("q", "r1", errors.New("boom"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RuleEvaluations.WithLabelValues("q", "r1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleErrors.WithLabelValues("q", "r1")))

	m.Replayed("h1", "q", 5)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.CatchUpEvents.WithLabelValues("h1", "q")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LockState("h", "owner", true)
		m.Flush("h", "ok")
		m.Pending("h", 3)
		m.Snapshot("h", "q", "minute")
		m.RollupChunk("h", "q", "hour")
		m.Replayed("h", "q", 1)
		m.Dropped("h", "q", "out_of_order")
		m.Evaluated("q", "r", nil)
		m.Alert("q", "triggered")
		m.Removed("h", "alerts", 2)
	})
}
