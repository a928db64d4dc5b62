package sim

import (
	"github.com/sirupsen/logrus"
)

// EventType identifies the kind of a simulation event.
type EventType string

const (
	EventTypeProcessStart  EventType = "ProcessStart"
	EventTypePacketArrival EventType = "PacketArrival"
	EventTypeHeartbeat     EventType = "Heartbeat"
	EventTypeProcessStop   EventType = "ProcessStop"
)

// Event is a single timestamped occurrence inside a manager's round.
type Event interface {
	Timestamp() SimulationTime
	Type() EventType
	EventID() uint64
	Execute(m *EventLoopManager)
}

// eventQueue holds the manager's pending events as a heap. Ordering is by
// timestamp, then by event rank so simultaneous events always resolve the
// same way (a process must be started before a packet can reach it, and
// stopped only after the round's traffic has landed), then by schedule
// order as the final tie-break.
type eventQueue []Event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.Timestamp() != b.Timestamp() {
		return a.Timestamp() < b.Timestamp()
	}
	if ra, rb := eventRank(a.Type()), eventRank(b.Type()); ra != rb {
		return ra < rb
	}
	return a.EventID() < b.EventID()
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(Event)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	*q = old[:n-1]
	return ev
}

// eventRank fixes the execution order of same-timestamp events.
func eventRank(t EventType) int {
	switch t {
	case EventTypeProcessStart:
		return 0
	case EventTypePacketArrival:
		return 1
	case EventTypeHeartbeat:
		return 2
	case EventTypeProcessStop:
		return 3
	}
	return 4
}

// === ProcessStartEvent ===

// ProcessStartEvent launches one replica of a virtual process.
type ProcessStartEvent struct {
	time SimulationTime
	id   uint64
	proc *virtualProcess
}

func (e *ProcessStartEvent) Timestamp() SimulationTime { return e.time }
func (e *ProcessStartEvent) Type() EventType           { return EventTypeProcessStart }
func (e *ProcessStartEvent) EventID() uint64           { return e.id }

func (e *ProcessStartEvent) Execute(m *EventLoopManager) {
	e.proc.running = true
	logrus.Debugf("[%d ns] host %s: started %s", e.time, e.proc.hostname, e.proc.pluginPath)
}

// === ProcessStopEvent ===

// ProcessStopEvent retires one replica of a virtual process.
type ProcessStopEvent struct {
	time SimulationTime
	id   uint64
	proc *virtualProcess
}

func (e *ProcessStopEvent) Timestamp() SimulationTime { return e.time }
func (e *ProcessStopEvent) Type() EventType           { return EventTypeProcessStop }
func (e *ProcessStopEvent) EventID() uint64           { return e.id }

func (e *ProcessStopEvent) Execute(m *EventLoopManager) {
	e.proc.running = false
	logrus.Debugf("[%d ns] host %s: stopped %s", e.time, e.proc.hostname, e.proc.pluginPath)
}

// === HeartbeatEvent ===

// HeartbeatEvent periodically logs a host's liveness at the host's
// configured heartbeat level and reschedules itself until the end time.
type HeartbeatEvent struct {
	time SimulationTime
	id   uint64
	host *virtualHost
}

func (e *HeartbeatEvent) Timestamp() SimulationTime { return e.time }
func (e *HeartbeatEvent) Type() EventType           { return EventTypeHeartbeat }
func (e *HeartbeatEvent) EventID() uint64           { return e.id }

func (e *HeartbeatEvent) Execute(m *EventLoopManager) {
	level, err := logrus.ParseLevel(e.host.params.HeartbeatLogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.StandardLogger().Logf(level, "[%d ns] heartbeat %s ip=%s sent=%d received=%d info=%s",
		e.time, e.host.params.Hostname, e.host.params.IPAddr,
		e.host.packetsSent, e.host.packetsReceived, e.host.params.HeartbeatLogInfo)

	next := saturatingAdd(e.time, e.host.params.HeartbeatInterval)
	if next < m.endTime {
		m.schedule(&HeartbeatEvent{time: next, id: m.nextEventID(), host: e.host})
	}
}

// === PacketArrivalEvent ===

// PacketArrivalEvent completes an in-flight packet delivery.
type PacketArrivalEvent struct {
	time SimulationTime
	id   uint64
	src  *virtualHost
	dst  *virtualHost
	size uint64
}

func (e *PacketArrivalEvent) Timestamp() SimulationTime { return e.time }
func (e *PacketArrivalEvent) Type() EventType           { return EventTypePacketArrival }
func (e *PacketArrivalEvent) EventID() uint64           { return e.id }

func (e *PacketArrivalEvent) Execute(m *EventLoopManager) {
	e.dst.packetsReceived++
	if m.metrics != nil {
		m.metrics.PacketsDelivered.Inc()
	}
	logrus.Tracef("[%d ns] packet %s -> %s delivered (%d bytes)",
		e.time, e.src.params.Hostname, e.dst.params.Hostname, e.size)
}
