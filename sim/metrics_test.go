package sim

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RegistersAndCounts(t *testing.T) {
	registry := prometheus.NewRegistry()
	c, err := NewCollector(registry)
	require.NoError(t, err)

	c.Rounds.Inc()
	c.Rounds.Inc()
	c.PacketsSent.Inc()
	c.HostsRegistered.Inc()

	assert.InDelta(t, 2, testutil.ToFloat64(c.Rounds), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.PacketsSent), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.HostsRegistered), 1e-9)
	assert.Zero(t, testutil.ToFloat64(c.PacketsDropped))
}

func TestCollector_DoubleRegistrationFails(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewCollector(registry)
	require.NoError(t, err)

	_, err = NewCollector(registry)
	assert.Error(t, err)
}

func TestCollector_CountsFlowFromARun(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector, err := NewCollector(registry)
	require.NoError(t, err)

	cfg := testConfig(t, map[string]*HostSpec{
		"client": {
			NetworkNodeID: 0,
			Quantity:      2,
			Processes: []*ProcessSpec{
				{Path: "sh", Quantity: 1, StartTimeSec: 0},
			},
		},
	})

	c := NewController(cfg, collector)
	require.Equal(t, 0, c.Run())

	assert.InDelta(t, 2, testutil.ToFloat64(collector.HostsRegistered), 1e-9)
	assert.InDelta(t, 2, testutil.ToFloat64(collector.ProcessesRegistered), 1e-9)
	assert.InDelta(t, 2, testutil.ToFloat64(collector.Events), 1e-9)
	assert.GreaterOrEqual(t, testutil.ToFloat64(collector.Rounds), 1.0)
}
