package sim

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCapability wires a real window engine to canned routing answers so
// the manager can be exercised without a controller.
type fakeCapability struct {
	engine      *WindowEngine
	dns         *DNS
	reported    []SimulationTime
	latencyMs   float64
	reliability float32
	routable    bool
	packetCount int
}

func newFakeCapability(engine *WindowEngine) *fakeCapability {
	return &fakeCapability{
		engine:      engine,
		dns:         NewDNS(),
		latencyMs:   5,
		reliability: 1,
		routable:    true,
	}
}

func (f *fakeCapability) CurrentWindow() TimeWindow { return f.engine.Window() }

func (f *fakeCapability) ManagerFinishedCurrentRound(minNextEventTime SimulationTime) (TimeWindow, bool) {
	f.reported = append(f.reported, minNextEventTime)
	return f.engine.FinishRound(minNextEventTime)
}

func (f *fakeCapability) Latency(src, dst net.IP) float64      { return f.latencyMs }
func (f *fakeCapability) Reliability(src, dst net.IP) float32  { return f.reliability }
func (f *fakeCapability) IsRoutable(src, dst net.IP) bool      { return f.routable }
func (f *fakeCapability) IncrementPacketCount(src, dst net.IP) { f.packetCount++ }
func (f *fakeCapability) DNS() *DNS                            { return f.dns }

func testHostParams(hostname, ip string) *HostParameters {
	return &HostParameters{
		Hostname:            hostname,
		CPUFrequency:        1_000_000,
		CPUPrecision:        200,
		IPAddr:              net.ParseIP(ip),
		HeartbeatLogLevel:   "debug",
		RequestedBwDownBits: 100_000_000,
		RequestedBwUpBits:   100_000_000,
	}
}

func newTestManager(t *testing.T, ctl ControllerCapability, endTime, bootstrapEnd SimulationTime) *EventLoopManager {
	t.Helper()
	m, err := NewEventLoopManager(ctl, &ConfigOptions{}, endTime, bootstrapEnd, 42, nil)
	require.NoError(t, err)
	return m
}

func TestManager_RequiresCapabilityAndConfig(t *testing.T) {
	_, err := NewEventLoopManager(nil, &ConfigOptions{}, Second, 0, 1, nil)
	assert.Error(t, err)

	_, err = NewEventLoopManager(newFakeCapability(NewWindowEngine(0, Second, 0, 1)), nil, Second, 0, 1, nil)
	assert.Error(t, err)
}

func TestManager_HostRegistrationBindsDNS(t *testing.T) {
	ctl := newFakeCapability(NewWindowEngine(0, Second, 0, 1))
	m := newTestManager(t, ctl, Second, 0)

	require.NoError(t, m.AddNewVirtualHost(testHostParams("alice", "11.0.0.1")))

	addr, ok := ctl.dns.AddressOf("alice")
	require.True(t, ok)
	assert.Equal(t, "11.0.0.1", addr.String())

	err := m.AddNewVirtualHost(testHostParams("alice", "11.0.0.2"))
	assert.Error(t, err, "duplicate hostnames are rejected")
}

func TestManager_ProcessRequiresKnownHost(t *testing.T) {
	ctl := newFakeCapability(NewWindowEngine(0, Second, 0, 1))
	m := newTestManager(t, ctl, Second, 0)

	err := m.AddNewVirtualProcess("ghost", "/bin/true", 0, 0, []string{"/bin/true"}, "")
	assert.Error(t, err)
}

func TestManager_ProcessArgvIsCopied(t *testing.T) {
	ctl := newFakeCapability(NewWindowEngine(0, Second, 0, 1))
	m := newTestManager(t, ctl, Second, 0)
	require.NoError(t, m.AddNewVirtualHost(testHostParams("alice", "11.0.0.1")))

	argv := []string{"/bin/true", "--flag"}
	require.NoError(t, m.AddNewVirtualProcess("alice", "/bin/true", 0, 0, argv, "KEY=v"))
	argv[1] = "mutated"

	assert.Equal(t, "--flag", m.procs[0].argv[1])
}

func TestManager_SingleRoundProcessesAllEventsInWindow(t *testing.T) {
	ctl := newFakeCapability(NewWindowEngine(0, Second, 0, 1))
	m := newTestManager(t, ctl, Second, 0)
	require.NoError(t, m.AddNewVirtualHost(testHostParams("alice", "11.0.0.1")))
	require.NoError(t, m.AddNewVirtualProcess("alice", "/bin/true", 0, 0, []string{"/bin/true"}, ""))
	require.NoError(t, m.AddNewVirtualProcess("alice", "/bin/true", 5*Millisecond, 0, []string{"/bin/true"}, ""))

	require.NoError(t, m.Run())

	// both starts fit the initial [0, 10ms) window; the drained queue
	// reports TimeInvalid which ends the run
	assert.Equal(t, uint64(1), m.Rounds())
	assert.Equal(t, uint64(2), m.EventsExecuted())
	require.Len(t, ctl.reported, 1)
	assert.Equal(t, TimeInvalid, ctl.reported[0])
}

func TestManager_EventOutsideWindowWaitsForNextRound(t *testing.T) {
	ctl := newFakeCapability(NewWindowEngine(0, Second, 0, 1))
	m := newTestManager(t, ctl, Second, 0)
	require.NoError(t, m.AddNewVirtualHost(testHostParams("alice", "11.0.0.1")))
	require.NoError(t, m.AddNewVirtualProcess("alice", "/bin/true", 0, 0, []string{"/bin/true"}, ""))
	require.NoError(t, m.AddNewVirtualProcess("alice", "/bin/true", 50*Millisecond, 0, []string{"/bin/true"}, ""))

	require.NoError(t, m.Run())

	assert.Equal(t, uint64(2), m.Rounds())
	assert.Equal(t, uint64(2), m.EventsExecuted())
	require.Len(t, ctl.reported, 2)
	assert.Equal(t, 50*Millisecond, ctl.reported[0], "the pending start bounds the next window")
	assert.Equal(t, TimeInvalid, ctl.reported[1])
}

func TestManager_ProcessStopEvent(t *testing.T) {
	ctl := newFakeCapability(NewWindowEngine(0, Second, 0, 0))
	m := newTestManager(t, ctl, Second, 0)
	require.NoError(t, m.AddNewVirtualHost(testHostParams("alice", "11.0.0.1")))
	require.NoError(t, m.AddNewVirtualProcess("alice", "/bin/true", 0, 100*Millisecond, []string{"/bin/true"}, ""))

	require.NoError(t, m.Run())

	assert.Equal(t, uint64(2), m.EventsExecuted(), "start and stop both execute")
	assert.False(t, m.procs[0].running)
}

func TestManager_HeartbeatsRepeatUntilEndTime(t *testing.T) {
	ctl := newFakeCapability(NewWindowEngine(0, Second, 0, 0))
	m := newTestManager(t, ctl, Second, 0)

	params := testHostParams("alice", "11.0.0.1")
	params.HeartbeatInterval = 300 * Millisecond
	require.NoError(t, m.AddNewVirtualHost(params))

	require.NoError(t, m.Run())

	// 300, 600, 900 ms; 1200 ms would pass the end time
	assert.Equal(t, uint64(3), m.EventsExecuted())
	assert.Equal(t, 900*Millisecond, m.Clock())
}

func TestManager_PacketDelivery(t *testing.T) {
	ctl := newFakeCapability(NewWindowEngine(0, Second, 0, 0))
	m := newTestManager(t, ctl, Second, TimeInvalid) // bootstrap never ends: no bandwidth delay
	require.NoError(t, m.AddNewVirtualHost(testHostParams("alice", "11.0.0.1")))
	require.NoError(t, m.AddNewVirtualHost(testHostParams("bob", "11.0.0.2")))

	require.NoError(t, m.SendPacket("alice", "bob", 0, 1500))
	require.NoError(t, m.Run())

	assert.Equal(t, 1, ctl.packetCount)
	assert.Equal(t, uint64(1), m.hosts["alice"].packetsSent)
	assert.Equal(t, uint64(1), m.hosts["bob"].packetsReceived)
	assert.Equal(t, 5*Millisecond, m.Clock(), "delivery happens one path latency later")
}

func TestManager_PacketDroppedWhenNotRoutable(t *testing.T) {
	ctl := newFakeCapability(NewWindowEngine(0, Second, 0, 0))
	ctl.routable = false
	m := newTestManager(t, ctl, Second, 0)
	require.NoError(t, m.AddNewVirtualHost(testHostParams("alice", "11.0.0.1")))
	require.NoError(t, m.AddNewVirtualHost(testHostParams("bob", "11.0.0.2")))

	require.NoError(t, m.SendPacket("alice", "bob", 0, 1500))
	require.NoError(t, m.Run())

	assert.Zero(t, ctl.packetCount)
	assert.Zero(t, m.hosts["bob"].packetsReceived)
	assert.Equal(t, uint64(1), m.hosts["alice"].packetsSent)
}

func TestManager_PacketDroppedByReliability(t *testing.T) {
	ctl := newFakeCapability(NewWindowEngine(0, Second, 0, 0))
	ctl.reliability = 0 // every trial fails
	m := newTestManager(t, ctl, Second, 0)
	require.NoError(t, m.AddNewVirtualHost(testHostParams("alice", "11.0.0.1")))
	require.NoError(t, m.AddNewVirtualHost(testHostParams("bob", "11.0.0.2")))

	require.NoError(t, m.SendPacket("alice", "bob", 0, 1500))
	require.NoError(t, m.Run())

	assert.Zero(t, m.hosts["bob"].packetsReceived)
}

func TestManager_BandwidthDelayAfterBootstrap(t *testing.T) {
	ctl := newFakeCapability(NewWindowEngine(0, Second, 0, 0))
	m := newTestManager(t, ctl, Second, 0) // bootstrap already over at t=0

	src := testHostParams("alice", "11.0.0.1")
	src.RequestedBwUpBits = 8_000_000 // 1000 bytes = 1 ms on the wire
	require.NoError(t, m.AddNewVirtualHost(src))
	require.NoError(t, m.AddNewVirtualHost(testHostParams("bob", "11.0.0.2")))

	require.NoError(t, m.SendPacket("alice", "bob", 0, 1000))
	require.NoError(t, m.Run())

	assert.Equal(t, 6*Millisecond, m.Clock(), "5 ms latency + 1 ms transmission")
}

func TestManager_SendPacketUnknownHosts(t *testing.T) {
	ctl := newFakeCapability(NewWindowEngine(0, Second, 0, 0))
	m := newTestManager(t, ctl, Second, 0)
	require.NoError(t, m.AddNewVirtualHost(testHostParams("alice", "11.0.0.1")))

	assert.Error(t, m.SendPacket("ghost", "alice", 0, 100))
	assert.Error(t, m.SendPacket("alice", "ghost", 0, 100))
}

func TestManager_RunTwiceFails(t *testing.T) {
	ctl := newFakeCapability(NewWindowEngine(0, Second, 0, 1))
	m := newTestManager(t, ctl, Second, 0)

	require.NoError(t, m.Run())
	assert.Error(t, m.Run())
}

func TestManager_FreeReturnsExitCode(t *testing.T) {
	ctl := newFakeCapability(NewWindowEngine(0, Second, 0, 1))
	m := newTestManager(t, ctl, Second, 0)

	require.NoError(t, m.Run())
	assert.Equal(t, 0, m.Free())
}
