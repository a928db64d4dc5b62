package topology

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineTopology builds nodes 0-1-2 with 10 ms and 25 ms links and an
// assignment placing one host on each end plus one in the middle.
func lineTopology(t *testing.T) (*Graph, *IPAssignment, map[string]uint32) {
	t.Helper()

	g, err := LoadGraph(writeGraphFile(t, `
nodes:
  - id: 0
  - id: 1
    packet_loss: 0.1
  - id: 2
edges:
  - source: 0
    target: 1
    latency_ms: 10
    packet_loss: 0.2
  - source: 1
    target: 2
    latency_ms: 25
`))
	require.NoError(t, err)

	a := NewIPAssignment()
	keys := make(map[string]uint32)
	for name, node := range map[string]int{"left": 0, "middle": 1, "right": 2} {
		ip, err := a.AssignHost(node)
		require.NoError(t, err)
		key, err := AddressKey(ip)
		require.NoError(t, err)
		keys[name] = key
	}
	return g, a, keys
}

func TestRoutingInfo_PathLatencyAndReliability(t *testing.T) {
	for _, shortest := range []bool{true, false} {
		g, a, keys := lineTopology(t)
		r, err := NewRoutingInfo(g, a, shortest)
		require.NoError(t, err)

		ns, ok := r.LatencyNs(keys["left"], keys["right"])
		require.True(t, ok)
		assert.Equal(t, uint64(35_000_000), ns, "shortest=%v: 10ms + 25ms", shortest)

		// left -> middle crosses one lossy edge into a lossy node
		rel, ok := r.Reliability(keys["left"], keys["middle"])
		require.True(t, ok)
		assert.InDelta(t, (1-0.1)*(1-0.2), float64(rel), 1e-6)

		// left -> right passes through middle without its node loss
		rel, ok = r.Reliability(keys["left"], keys["right"])
		require.True(t, ok)
		assert.InDelta(t, 1-0.2, float64(rel), 1e-6)

		assert.InDelta(t, 10.0, r.MinPathLatencyMs(), 1e-9)
	}
}

func TestRoutingInfo_Symmetry(t *testing.T) {
	g, a, keys := lineTopology(t)
	r, err := NewRoutingInfo(g, a, true)
	require.NoError(t, err)

	forward, ok := r.LatencyNs(keys["left"], keys["right"])
	require.True(t, ok)
	backward, ok := r.LatencyNs(keys["right"], keys["left"])
	require.True(t, ok)
	assert.Equal(t, forward, backward)
}

func TestRoutingInfo_UnreachablePair(t *testing.T) {
	g, err := LoadGraph(writeGraphFile(t, `
nodes:
  - id: 0
  - id: 1
`))
	require.NoError(t, err)

	a := NewIPAssignment()
	ipA, err := a.AssignHost(0)
	require.NoError(t, err)
	ipB, err := a.AssignHost(1)
	require.NoError(t, err)
	keyA, _ := AddressKey(ipA)
	keyB, _ := AddressKey(ipB)

	r, err := NewRoutingInfo(g, a, true)
	require.NoError(t, err)

	assert.False(t, r.IsRoutable(keyA, keyB))
	_, ok := r.LatencyNs(keyA, keyB)
	assert.False(t, ok)
	assert.True(t, r.IsRoutable(keyA, keyA), "a node reaches itself")
}

func TestRoutingInfo_SameNodeUsesSelfEdge(t *testing.T) {
	g, err := LoadGraph(writeGraphFile(t, `
nodes:
  - id: 0
edges:
  - source: 0
    target: 0
    latency_ms: 2
`))
	require.NoError(t, err)

	a := NewIPAssignment()
	ipA, err := a.AssignHost(0)
	require.NoError(t, err)
	ipB, err := a.AssignHost(0)
	require.NoError(t, err)
	keyA, _ := AddressKey(ipA)
	keyB, _ := AddressKey(ipB)

	r, err := NewRoutingInfo(g, a, true)
	require.NoError(t, err)

	ns, ok := r.LatencyNs(keyA, keyB)
	require.True(t, ok)
	assert.Equal(t, uint64(2_000_000), ns)
	assert.InDelta(t, 2.0, r.MinPathLatencyMs(), 1e-9)
}

func TestRoutingInfo_UnknownAddress(t *testing.T) {
	g, a, keys := lineTopology(t)
	r, err := NewRoutingInfo(g, a, true)
	require.NoError(t, err)

	stranger, err := AddressKey(net.ParseIP("192.168.1.1"))
	require.NoError(t, err)

	assert.False(t, r.IsRoutable(keys["left"], stranger))
	assert.False(t, r.IsRoutable(stranger, keys["left"]))
}

func TestRoutingInfo_PacketCounters(t *testing.T) {
	g, a, keys := lineTopology(t)
	r, err := NewRoutingInfo(g, a, false)
	require.NoError(t, err)

	assert.Zero(t, r.PacketCount(keys["left"], keys["right"]))
	r.IncrementPacketCount(keys["left"], keys["right"])
	r.IncrementPacketCount(keys["left"], keys["right"])
	r.IncrementPacketCount(keys["right"], keys["left"])

	assert.Equal(t, uint64(2), r.PacketCount(keys["left"], keys["right"]))
	assert.Equal(t, uint64(1), r.PacketCount(keys["right"], keys["left"]))

	// counting an unknown pair is a no-op
	stranger, _ := AddressKey(net.ParseIP("192.168.1.1"))
	r.IncrementPacketCount(keys["left"], stranger)
	assert.Zero(t, r.PacketCount(keys["left"], stranger))
}

func TestRoutingInfo_QueriesArePure(t *testing.T) {
	g, a, keys := lineTopology(t)
	r, err := NewRoutingInfo(g, a, true)
	require.NoError(t, err)

	first, _ := r.LatencyNs(keys["left"], keys["right"])
	relFirst, _ := r.Reliability(keys["left"], keys["right"])
	for i := 0; i < 10; i++ {
		r.IncrementPacketCount(keys["left"], keys["right"])
		ns, _ := r.LatencyNs(keys["left"], keys["right"])
		rel, _ := r.Reliability(keys["left"], keys["right"])
		assert.Equal(t, first, ns)
		assert.Equal(t, relFirst, rel)
	}
}

func TestRoutingInfo_RequiresAssignedHosts(t *testing.T) {
	g, err := LoadGraph(writeGraphFile(t, "nodes: [{id: 0}]\n"))
	require.NoError(t, err)

	_, err = NewRoutingInfo(g, NewIPAssignment(), true)
	assert.Error(t, err)
}

func TestRoutingInfo_RejectsUnknownGraphNode(t *testing.T) {
	g, err := LoadGraph(writeGraphFile(t, "nodes: [{id: 0}]\n"))
	require.NoError(t, err)

	a := NewIPAssignment()
	_, err = a.AssignHost(42)
	require.NoError(t, err)

	_, err = NewRoutingInfo(g, a, true)
	assert.Error(t, err)
}
