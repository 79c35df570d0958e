package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	t.Parallel()

	p := NewPrometheus()

	p.ConnectionOpened()
	p.ConnectionOpened()
	p.ConnectionClosed()
	p.ConnectionRejected("origin")
	p.ConnectionRejected("origin")
	p.ConnectionRejected("rate")
	p.MessageReceived("execute")
	p.MessageSent("error")
	p.ExecutionStarted()
	p.ExecutionFinished("ok", 120*time.Millisecond)
	p.SubscriberEvicted()
	p.SetProjects(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.connectionsOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.connectionsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.connectionsRejected.WithLabelValues("origin")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.connectionsRejected.WithLabelValues("rate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.messagesReceived.WithLabelValues("execute")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.messagesSent.WithLabelValues("error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.executionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.executionsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.subscriberEvictions))
	assert.Equal(t, 4.0, testutil.ToFloat64(p.projects))
}

func TestRegistryGathers(t *testing.T) {
	t.Parallel()

	p := NewPrometheus()
	p.ConnectionOpened()

	families, err := p.Registry().Gather()
	require.NoError(t, err)

	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "tethr_connections_open")
	assert.Contains(t, names, "go_goroutines")
}

func TestCollectHost(t *testing.T) {
	t.Parallel()

	stats, err := CollectHost(t.TempDir())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.MemPercent, 0.0)
	assert.LessOrEqual(t, stats.MemPercent, 100.0)
	assert.GreaterOrEqual(t, stats.DiskPercent, 0.0)
	assert.LessOrEqual(t, stats.DiskPercent, 100.0)
}
