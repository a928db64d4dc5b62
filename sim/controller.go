package sim

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vnet-sim/vnet-sim/sim/topology"
)

// Controller owns the global simulation state (topology, addressing, DNS,
// randomness, run-time boundaries) and drives the manager through a
// sequence of bounded time windows until the simulation terminates.
// There is exactly one Controller per run.
type Controller struct {
	config *ConfigOptions

	// startedAt tracks overall wall-clock runtime
	startedAt time.Time

	// rng is the global random source from which all other seeds originate
	rng *Random

	// graph is owned until routing is computed, then released
	graph        *topology.Graph
	ipAssignment *topology.IPAssignment
	routingInfo  *topology.RoutingInfo
	dns          *DNS

	windows *WindowEngine
	manager Manager

	metrics *Collector

	// stop latches an early-termination request that may arrive before
	// the window engine exists
	stop atomic.Bool

	prevLogOut io.Writer
	logBuf     *bufio.Writer
}

// NewController creates the controller for a parsed configuration. The
// config is borrowed for the controller's lifetime. The metrics collector
// may be nil.
func NewController(config *ConfigOptions, metrics *Collector) *Controller {
	c := &Controller{
		config:    config,
		startedAt: time.Now(),
		rng:       NewRandom(config.Seed()),
		metrics:   metrics,
	}
	logrus.Info("simulation controller created")
	return c
}

// RequestStop asks the run to terminate at the next round boundary. Safe to
// call from any goroutine at any point in the controller's lifetime.
func (c *Controller) RequestStop() {
	c.stop.Store(true)
	if c.windows != nil {
		c.windows.RequestStop()
	}
}

// Run executes the whole simulation and returns the process exit code:
// 0 on clean completion, 1 on any fatal configuration, registration, or
// topology error.
func (c *Controller) Run() int {
	logrus.Info("loading and initializing simulation data")

	graph, err := topology.LoadGraph(c.config.Network.GraphPath)
	if err != nil {
		logrus.Errorf("fatal error loading graph, check your syntax and try again: %v", err)
		return 1
	}
	c.graph = graph
	c.ipAssignment = topology.NewIPAssignment()
	c.dns = NewDNS()

	c.windows = NewWindowEngine(c.config.Runahead(), c.config.StopTime(),
		c.config.BootstrapEndTime(), c.config.Workers())
	if c.stop.Load() {
		c.windows.RequestStop()
	}

	// the controller distributes registrations to the managers so they all
	// share a consistent view of the simulation; for now there is one
	managerSeed := c.rng.ManagerSeed()
	manager, err := NewEventLoopManager(c, c.config, c.windows.EndTime(),
		c.windows.BootstrapEndTime(), managerSeed, c.metrics)
	if err != nil {
		panic(fmt.Sprintf("unable to create manager: %v", err))
	}
	c.manager = manager

	logrus.Info("registering plugins and hosts")

	if err := c.registerHosts(); err != nil {
		logrus.Errorf("unable to register hosts: %v", err)
		return 1
	}

	// now that we know which graph nodes are in use, routing can be computed
	routingInfo, err := topology.NewRoutingInfo(c.graph, c.ipAssignment, c.config.UseShortestPath())
	if err != nil {
		logrus.Errorf("unable to generate routing information: %v", err)
		return 1
	}
	c.routingInfo = routingInfo
	if ms := routingInfo.MinPathLatencyMs(); ms > 0 {
		c.windows.UpdateMinTimeJump(ms)
	}

	// the network graph is no longer needed, release it to save memory
	c.graph = nil

	logrus.Info("running simulation")

	// don't buffer log messages in trace mode
	buffered := false
	if c.config.LogLevel() != "trace" {
		logrus.Info("log message buffering is enabled for efficiency")
		c.enableLogBuffering()
		buffered = true
	}

	runErr := c.manager.Run()

	// only log the disable message if buffering was enabled, otherwise it
	// may confuse the user
	if buffered {
		c.disableLogBuffering()
		logrus.Info("log message buffering is disabled during cleanup")
	}

	if runErr != nil {
		logrus.Errorf("manager run failed: %v", runErr)
		return 1
	}

	logrus.Info("simulation finished, cleaning up now")

	return c.manager.Free()
}

// Free releases owned resources in reverse order of acquisition. The graph
// should already be gone by now; surviving to this point means the run was
// aborted before routing was computed.
func (c *Controller) Free() {
	c.routingInfo = nil
	c.ipAssignment = nil
	if c.graph != nil {
		logrus.Warn("network graph was not properly released")
		c.graph = nil
	}
	c.dns = nil
	c.rng = nil
	c.manager = nil

	logrus.Infof("simulation controller destroyed after %s",
		time.Since(c.startedAt).Round(time.Millisecond))
}

// === ControllerCapability ===

// CurrentWindow implements ControllerCapability.
func (c *Controller) CurrentWindow() TimeWindow {
	return c.windows.Window()
}

// ManagerFinishedCurrentRound implements ControllerCapability. The manager
// calls it between rounds, when no worker is processing events.
func (c *Controller) ManagerFinishedCurrentRound(minNextEventTime SimulationTime) (TimeWindow, bool) {
	return c.windows.FinishRound(minNextEventTime)
}

// UpdateMinTimeJump lets the topology layer report newly observed shortest
// path latencies, in milliseconds.
func (c *Controller) UpdateMinTimeJump(minPathLatencyMs float64) {
	c.windows.UpdateMinTimeJump(minPathLatencyMs)
}

// Latency implements ControllerCapability, returning milliseconds.
func (c *Controller) Latency(src, dst net.IP) float64 {
	srcKey, dstKey, err := addressKeys(src, dst)
	if err != nil {
		logrus.Debugf("latency lookup: %v", err)
		return -1
	}
	ns, ok := c.routingInfo.LatencyNs(srcKey, dstKey)
	if !ok {
		logrus.Debugf("latency lookup for non-routable pair %s -> %s", src, dst)
		return -1
	}
	return float64(ns) / 1e6
}

// Reliability implements ControllerCapability.
func (c *Controller) Reliability(src, dst net.IP) float32 {
	srcKey, dstKey, err := addressKeys(src, dst)
	if err != nil {
		logrus.Debugf("reliability lookup: %v", err)
		return 0
	}
	reliability, ok := c.routingInfo.Reliability(srcKey, dstKey)
	if !ok {
		logrus.Debugf("reliability lookup for non-routable pair %s -> %s", src, dst)
		return 0
	}
	return reliability
}

// IsRoutable implements ControllerCapability.
func (c *Controller) IsRoutable(src, dst net.IP) bool {
	srcKey, dstKey, err := addressKeys(src, dst)
	if err != nil {
		return false
	}
	return c.routingInfo.IsRoutable(srcKey, dstKey)
}

// IncrementPacketCount implements ControllerCapability.
func (c *Controller) IncrementPacketCount(src, dst net.IP) {
	srcKey, dstKey, err := addressKeys(src, dst)
	if err != nil {
		return
	}
	c.routingInfo.IncrementPacketCount(srcKey, dstKey)
}

// DNS implements ControllerCapability.
func (c *Controller) DNS() *DNS {
	return c.dns
}

// PacketCount exposes the per-pair delivery statistics.
func (c *Controller) PacketCount(src, dst net.IP) uint64 {
	srcKey, dstKey, err := addressKeys(src, dst)
	if err != nil {
		return 0
	}
	return c.routingInfo.PacketCount(srcKey, dstKey)
}

func addressKeys(src, dst net.IP) (uint32, uint32, error) {
	srcKey, err := topology.AddressKey(src)
	if err != nil {
		return 0, 0, err
	}
	dstKey, err := topology.AddressKey(dst)
	if err != nil {
		return 0, 0, err
	}
	return srcKey, dstKey, nil
}

// === Host registration ===

// registerHosts runs the two-phase registration: hosts with pinned
// addresses first, then hosts needing auto-assignment, so that a generated
// address can never take a pinned one.
func (c *Controller) registerHosts() error {
	err := c.config.IterHosts(func(name string, host *HostSpec) error {
		return c.registerHostEntry(name, host, true)
	})
	if err != nil {
		return fmt.Errorf("registering hosts with pinned addresses: %w", err)
	}

	err = c.config.IterHosts(func(name string, host *HostSpec) error {
		return c.registerHostEntry(name, host, false)
	})
	if err != nil {
		return fmt.Errorf("registering remaining hosts: %w", err)
	}
	return nil
}

// registerHostEntry registers every instance of one host entry, skipping
// entries that do not belong to the current phase.
func (c *Controller) registerHostEntry(name string, spec *HostSpec, wantPinned bool) error {
	pinned := spec.IPAddr != ""
	if pinned != wantPinned {
		return nil
	}

	quantity := spec.Quantity
	if quantity == 0 {
		quantity = 1
	}

	var pinnedIP net.IP
	if pinned {
		pinnedIP = net.ParseIP(spec.IPAddr)
		if pinnedIP == nil || pinnedIP.To4() == nil {
			logrus.Errorf("host %s has an invalid IP address %q", name, spec.IPAddr)
			return fmt.Errorf("host %q: invalid ip_addr %q", name, spec.IPAddr)
		}
		// a single literal address cannot cover multiple hosts
		if quantity > 1 {
			logrus.Errorf("host %s has an IP address set with a quantity %d greater than 1", name, quantity)
			return fmt.Errorf("host %q: pinned address with quantity %d", name, quantity)
		}
	}

	for i := uint64(1); i <= quantity; i++ {
		hostname := name
		if quantity > 1 {
			hostname = name + strconv.FormatUint(i, 10)
		}

		var ip net.IP
		var err error
		if pinned {
			ip = pinnedIP
			err = c.ipAssignment.AssignHostWithIP(spec.NetworkNodeID, pinnedIP)
		} else {
			ip, err = c.ipAssignment.AssignHost(spec.NetworkNodeID)
		}
		if err != nil {
			logrus.Errorf("could not register host %s: %v", name, err)
			return fmt.Errorf("host %q: %w", name, err)
		}

		params, err := c.buildHostParameters(hostname, ip, spec)
		if err != nil {
			return err
		}
		if err := c.manager.AddNewVirtualHost(params); err != nil {
			logrus.Errorf("could not register host %s: %v", hostname, err)
			return fmt.Errorf("host %q: %w", hostname, err)
		}

		if err := c.registerProcesses(hostname, spec); err != nil {
			logrus.Errorf("could not register processes for host %s: %v", name, err)
			return err
		}
	}
	return nil
}

// buildHostParameters assembles the manager-facing host parameters from the
// host spec, the graph-node annotations, and the global config.
func (c *Controller) buildHostParameters(hostname string, ip net.IP, spec *HostSpec) (*HostParameters, error) {
	params := &HostParameters{
		Hostname: hostname,

		CPUFrequency: c.manager.RawCPUFrequency(),
		CPUThreshold: 0,
		CPUPrecision: 200,

		IPAddr: ip,

		LogLevel:          spec.LogLevel,
		HeartbeatLogLevel: spec.HeartbeatLogLevel,
		HeartbeatLogInfo:  spec.HeartbeatLogInfo,
		HeartbeatInterval: spec.HeartbeatInterval(c.config),
		PcapDir:           spec.PcapDirectory,

		// these come from the config options, not the host options
		SendBufSize:      c.config.Network.SocketSendBuffer,
		RecvBufSize:      c.config.Network.SocketRecvBuffer,
		AutotuneSendBuf:  c.config.Network.SocketSendAutotune,
		AutotuneRecvBuf:  c.config.Network.SocketRecvAutotune,
		InterfaceBufSize: c.config.Network.InterfaceBuffer,
		Qdisc:            c.config.Network.InterfaceQdisc,
	}

	// bandwidth comes from the graph node annotations with the host spec
	// taking precedence when both are present
	foundBwDown := false
	foundBwUp := false
	if bits, ok := c.graph.NodeBandwidthDownBits(spec.NetworkNodeID); ok {
		params.RequestedBwDownBits = bits
		foundBwDown = true
	}
	if spec.BandwidthDownBits != nil {
		params.RequestedBwDownBits = *spec.BandwidthDownBits
		foundBwDown = true
	}
	if bits, ok := c.graph.NodeBandwidthUpBits(spec.NetworkNodeID); ok {
		params.RequestedBwUpBits = bits
		foundBwUp = true
	}
	if spec.BandwidthUpBits != nil {
		params.RequestedBwUpBits = *spec.BandwidthUpBits
		foundBwUp = true
	}

	if !foundBwDown {
		logrus.Errorf("no downstream bandwidth provided for host %s", hostname)
		return nil, fmt.Errorf("host %q: no downstream bandwidth", hostname)
	}
	if !foundBwUp {
		logrus.Errorf("no upstream bandwidth provided for host %s", hostname)
		return nil, fmt.Errorf("host %q: no upstream bandwidth", hostname)
	}
	if params.RequestedBwDownBits == 0 || params.RequestedBwUpBits == 0 {
		logrus.Errorf("bandwidth for host %s must be non-zero", hostname)
		return nil, fmt.Errorf("host %q: zero bandwidth", hostname)
	}

	return params, nil
}

// registerProcesses registers every replica of every process descriptor on
// one host instance.
func (c *Controller) registerProcesses(hostname string, spec *HostSpec) error {
	return spec.IterProcesses(func(proc *ProcessSpec) error {
		pluginPath, err := resolvePluginPath(proc.Path)
		if err != nil {
			logrus.Errorf("for host %s, couldn't find program path %q", hostname, proc.Path)
			return fmt.Errorf("host %q: %w", hostname, err)
		}

		argv := append([]string{pluginPath}, proc.Args...)
		startTime := SimulationTime(proc.StartTimeSec) * Second
		stopTime := SimulationTime(proc.StopTimeSec) * Second

		for i := uint64(0); i < proc.Quantity; i++ {
			if err := c.manager.AddNewVirtualProcess(hostname, pluginPath,
				startTime, stopTime, argv, proc.Environment); err != nil {
				return fmt.Errorf("host %q: %w", hostname, err)
			}
		}
		return nil
	})
}

// resolvePluginPath locates the program a process runs: bare names are
// searched on PATH, everything else must exist on the filesystem.
func resolvePluginPath(rawPath string) (string, error) {
	resolved, err := exec.LookPath(rawPath)
	if err == nil {
		return resolved, nil
	}
	if _, statErr := os.Stat(rawPath); statErr == nil {
		return rawPath, nil
	}
	return "", fmt.Errorf("program path %q could not be resolved: %w", rawPath, err)
}

// === Log buffering ===

// enableLogBuffering routes log output through a buffered writer for the
// duration of the run.
func (c *Controller) enableLogBuffering() {
	logger := logrus.StandardLogger()
	c.prevLogOut = logger.Out
	c.logBuf = bufio.NewWriterSize(c.prevLogOut, 1<<16)
	logger.SetOutput(c.logBuf)
}

// disableLogBuffering restores direct log output and flushes anything held.
func (c *Controller) disableLogBuffering() {
	if c.logBuf == nil {
		return
	}
	logrus.StandardLogger().SetOutput(c.prevLogOut)
	c.logBuf.Flush()
	c.logBuf = nil
}
