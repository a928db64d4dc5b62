package sim

import (
	"container/heap"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// rawCPUFreqPath is where the kernel exposes the maximum CPU frequency, in kHz.
const rawCPUFreqPath = "/sys/devices/system/cpu/cpu0/cpufreq/cpuinfo_max_freq"

// fallbackCPUFreqKHz is used when the sysfs read fails (containers, non-Linux).
const fallbackCPUFreqKHz uint64 = 2_500_000

// HostParameters is everything the manager needs to create a virtual host.
type HostParameters struct {
	Hostname     string
	CPUFrequency uint64 // kHz
	CPUThreshold int64
	CPUPrecision int64

	IPAddr net.IP

	LogLevel          string
	HeartbeatLogLevel string
	HeartbeatLogInfo  string
	HeartbeatInterval SimulationTime
	PcapDir           string

	SendBufSize      uint64
	RecvBufSize      uint64
	AutotuneSendBuf  bool
	AutotuneRecvBuf  bool
	InterfaceBufSize uint64
	Qdisc            string

	RequestedBwDownBits uint64
	RequestedBwUpBits   uint64
}

// ControllerCapability is the narrow surface the manager holds on the
// controller: the round-completion barrier, the routing oracle, and DNS.
// The manager never owns the controller.
type ControllerCapability interface {
	// CurrentWindow returns the execute window the next round must stay in.
	CurrentWindow() TimeWindow
	// ManagerFinishedCurrentRound reports the earliest pending event time
	// and receives the next window plus a continue flag.
	ManagerFinishedCurrentRound(minNextEventTime SimulationTime) (TimeWindow, bool)

	// Latency returns the path latency between two addresses in
	// milliseconds. Callers consult IsRoutable first; the value for a
	// non-routable pair is undefined.
	Latency(src, dst net.IP) float64
	// Reliability returns the per-packet delivery probability in [0, 1].
	Reliability(src, dst net.IP) float32
	// IsRoutable reports whether a path exists between the addresses.
	IsRoutable(src, dst net.IP) bool
	// IncrementPacketCount bumps the per-pair delivery statistics.
	IncrementPacketCount(src, dst net.IP)

	// DNS returns the global name registry.
	DNS() *DNS
}

// Manager is the worker that advances simulated time. The controller
// registers hosts and processes with it, then blocks in Run until the
// window protocol terminates.
type Manager interface {
	AddNewVirtualHost(params *HostParameters) error
	AddNewVirtualProcess(hostname, pluginPath string, startTime, stopTime SimulationTime,
		argv []string, environment string) error
	RawCPUFrequency() uint64
	Run() error
	Free() int
}

// virtualHost is the manager-side state of one registered host.
type virtualHost struct {
	params          *HostParameters
	rng             *rand.Rand
	packetsSent     uint64
	packetsReceived uint64
}

// virtualProcess is one replica of a registered process descriptor.
type virtualProcess struct {
	hostname   string
	pluginPath string
	argv       []string
	env        string
	running    bool
}

// EventLoopManager is the reference Manager: a deterministic event loop
// that processes events strictly inside the controller's execute windows
// and reports the earliest pending event time between rounds.
type EventLoopManager struct {
	ctrl             ControllerCapability
	config           *ConfigOptions
	endTime          SimulationTime
	bootstrapEndTime SimulationTime
	rng              *Random
	metrics          *Collector

	clock  SimulationTime
	events eventQueue
	hosts  map[string]*virtualHost
	// hostOrder preserves registration order for deterministic teardown logs
	hostOrder []string
	procs     []*virtualProcess

	eventSeq uint64
	rounds   uint64
	executed uint64

	cpuFreqKHz uint64
	ran        bool
	exitCode   int
}

// NewEventLoopManager creates the manager for a run. The capability object
// must outlive the manager.
func NewEventLoopManager(ctrl ControllerCapability, config *ConfigOptions,
	endTime, bootstrapEndTime SimulationTime, seed uint32, metrics *Collector) (*EventLoopManager, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("manager requires a controller capability")
	}
	if config == nil {
		return nil, fmt.Errorf("manager requires config options")
	}

	return &EventLoopManager{
		ctrl:             ctrl,
		config:           config,
		endTime:          endTime,
		bootstrapEndTime: bootstrapEndTime,
		rng:              NewRandom(int64(seed)),
		metrics:          metrics,
		hosts:            make(map[string]*virtualHost),
		cpuFreqKHz:       readRawCPUFrequency(),
	}, nil
}

// RawCPUFrequency returns the host machine's CPU frequency in kHz; virtual
// hosts inherit it as their simulated CPU speed.
func (m *EventLoopManager) RawCPUFrequency() uint64 {
	return m.cpuFreqKHz
}

func readRawCPUFrequency() uint64 {
	raw, err := os.ReadFile(rawCPUFreqPath)
	if err == nil {
		if khz, perr := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64); perr == nil && khz > 0 {
			return khz
		}
	}
	logrus.Debugf("could not read %s, assuming %d kHz", rawCPUFreqPath, fallbackCPUFreqKHz)
	return fallbackCPUFreqKHz
}

// AddNewVirtualHost registers a host, binds its name in DNS, and schedules
// its heartbeat if one is configured.
func (m *EventLoopManager) AddNewVirtualHost(params *HostParameters) error {
	if params == nil || params.Hostname == "" {
		return fmt.Errorf("host parameters require a hostname")
	}
	if _, ok := m.hosts[params.Hostname]; ok {
		return fmt.Errorf("host %q is already registered", params.Hostname)
	}

	if err := m.ctrl.DNS().Register(params.Hostname, params.IPAddr); err != nil {
		return fmt.Errorf("registering host %q with DNS: %w", params.Hostname, err)
	}

	host := &virtualHost{
		params: params,
		rng:    m.rng.HostStream(params.Hostname),
	}
	m.hosts[params.Hostname] = host
	m.hostOrder = append(m.hostOrder, params.Hostname)

	if params.HeartbeatInterval > 0 && params.HeartbeatInterval < m.endTime {
		m.schedule(&HeartbeatEvent{time: params.HeartbeatInterval, id: m.nextEventID(), host: host})
	}

	if m.metrics != nil {
		m.metrics.HostsRegistered.Inc()
	}
	logrus.Debugf("registered host %s ip=%s bwDown=%dbit bwUp=%dbit",
		params.Hostname, params.IPAddr, params.RequestedBwDownBits, params.RequestedBwUpBits)
	return nil
}

// AddNewVirtualProcess registers one replica of a process descriptor on an
// existing host. The argv and environment are copied; the caller may reuse
// its buffers.
func (m *EventLoopManager) AddNewVirtualProcess(hostname, pluginPath string,
	startTime, stopTime SimulationTime, argv []string, environment string) error {
	if _, ok := m.hosts[hostname]; !ok {
		return fmt.Errorf("process %q references unknown host %q", pluginPath, hostname)
	}

	proc := &virtualProcess{
		hostname:   hostname,
		pluginPath: pluginPath,
		argv:       append([]string(nil), argv...),
		env:        environment,
	}
	m.procs = append(m.procs, proc)

	m.schedule(&ProcessStartEvent{time: startTime, id: m.nextEventID(), proc: proc})
	if stopTime > 0 {
		m.schedule(&ProcessStopEvent{time: stopTime, id: m.nextEventID(), proc: proc})
	}

	if m.metrics != nil {
		m.metrics.ProcessesRegistered.Inc()
	}
	logrus.Debugf("registered process %s on host %s argv=%v", pluginPath, hostname, proc.argv)
	return nil
}

// SendPacket schedules a packet transfer between two registered hosts. The
// delivery consults the routing oracle: non-routable pairs are dropped
// immediately, and lossy paths drop packets according to their reliability.
// During the bootstrap phase bandwidth is unlimited; afterwards the sender's
// upstream bandwidth adds transmission delay.
func (m *EventLoopManager) SendPacket(srcHostname, dstHostname string, at SimulationTime, sizeBytes uint64) error {
	src, ok := m.hosts[srcHostname]
	if !ok {
		return fmt.Errorf("unknown source host %q", srcHostname)
	}
	dst, ok := m.hosts[dstHostname]
	if !ok {
		return fmt.Errorf("unknown destination host %q", dstHostname)
	}

	srcIP, dstIP := src.params.IPAddr, dst.params.IPAddr
	src.packetsSent++
	if m.metrics != nil {
		m.metrics.PacketsSent.Inc()
	}

	if !m.ctrl.IsRoutable(srcIP, dstIP) {
		if m.metrics != nil {
			m.metrics.PacketsDropped.Inc()
		}
		logrus.Tracef("[%d ns] packet %s -> %s dropped: not routable", at, srcHostname, dstHostname)
		return nil
	}

	reliability := m.ctrl.Reliability(srcIP, dstIP)
	if src.rng.Float32() >= reliability {
		if m.metrics != nil {
			m.metrics.PacketsDropped.Inc()
		}
		logrus.Tracef("[%d ns] packet %s -> %s dropped: reliability %.3f", at, srcHostname, dstHostname, reliability)
		return nil
	}

	m.ctrl.IncrementPacketCount(srcIP, dstIP)

	latency := SimulationTime(m.ctrl.Latency(srcIP, dstIP) * float64(Millisecond))
	delay := latency
	if at >= m.bootstrapEndTime && src.params.RequestedBwUpBits > 0 {
		transmitNs := sizeBytes * 8 * uint64(Second) / src.params.RequestedBwUpBits
		delay = saturatingAdd(delay, SimulationTime(transmitNs))
	}

	m.schedule(&PacketArrivalEvent{
		time: saturatingAdd(at, delay),
		id:   m.nextEventID(),
		src:  src,
		dst:  dst,
		size: sizeBytes,
	})
	return nil
}

// Run drives the round loop: process every event inside the current execute
// window, then report the earliest pending event time to the controller and
// receive the next window, until the controller says stop.
func (m *EventLoopManager) Run() error {
	if m.ran {
		return fmt.Errorf("manager Run called more than once")
	}
	m.ran = true

	window := m.ctrl.CurrentWindow()
	for {
		m.runWindow(window)
		m.rounds++
		if m.metrics != nil {
			m.metrics.Rounds.Inc()
		}

		minNext := m.nextEventTime()
		next, cont := m.ctrl.ManagerFinishedCurrentRound(minNext)
		if !cont {
			break
		}
		window = next
	}

	logrus.Infof("manager finished after %d round(s), %d event(s), clock %d ns",
		m.rounds, m.executed, m.clock)
	return nil
}

// runWindow executes every pending event with a timestamp inside
// [window.Start, window.End).
func (m *EventLoopManager) runWindow(window TimeWindow) {
	for len(m.events) > 0 && m.events[0].Timestamp() < window.End {
		ev := heap.Pop(&m.events).(Event)
		m.clock = ev.Timestamp()
		ev.Execute(m)
		m.executed++
		if m.metrics != nil {
			m.metrics.Events.Inc()
		}
	}
}

// nextEventTime reports the earliest pending timestamp, or TimeInvalid when
// the queue is drained.
func (m *EventLoopManager) nextEventTime() SimulationTime {
	if len(m.events) == 0 {
		return TimeInvalid
	}
	return m.events[0].Timestamp()
}

// Rounds reports how many rounds the manager has completed.
func (m *EventLoopManager) Rounds() uint64 { return m.rounds }

// EventsExecuted reports how many events the manager has processed.
func (m *EventLoopManager) EventsExecuted() uint64 { return m.executed }

// Clock reports the manager's current simulated time.
func (m *EventLoopManager) Clock() SimulationTime { return m.clock }

// Free logs per-host statistics, drops the pending event queue, and returns
// the run's exit code. The registered hosts and processes stay readable.
func (m *EventLoopManager) Free() int {
	for _, name := range m.hostOrder {
		host := m.hosts[name]
		logrus.Debugf("host %s: sent=%d received=%d", name, host.packetsSent, host.packetsReceived)
	}
	m.events = nil
	return m.exitCode
}

func (m *EventLoopManager) schedule(ev Event) {
	heap.Push(&m.events, ev)
}

func (m *EventLoopManager) nextEventID() uint64 {
	m.eventSeq++
	return m.eventSeq
}
