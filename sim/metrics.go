package sim

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles the Prometheus metrics of a simulation run.
type Collector struct {
	Rounds prometheus.Counter
	Events prometheus.Counter

	PacketsSent      prometheus.Counter
	PacketsDelivered prometheus.Counter
	PacketsDropped   prometheus.Counter

	HostsRegistered     prometheus.Gauge
	ProcessesRegistered prometheus.Gauge
}

// NewCollector registers the run metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		Rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sim_rounds_total",
			Help: "Total number of execute-window rounds completed.",
		}),
		Events: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sim_events_total",
			Help: "Total number of simulation events processed.",
		}),
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sim_packets_sent_total",
			Help: "Total number of packets handed to the network layer.",
		}),
		PacketsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sim_packets_delivered_total",
			Help: "Total number of packets delivered to their destination host.",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sim_packets_dropped_total",
			Help: "Total number of packets dropped by routability or reliability.",
		}),
		HostsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sim_hosts_registered",
			Help: "Number of virtual hosts registered with the manager.",
		}),
		ProcessesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sim_processes_registered",
			Help: "Number of virtual process replicas registered with the manager.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.Rounds, c.Events, c.PacketsSent, c.PacketsDelivered, c.PacketsDropped,
		c.HostsRegistered, c.ProcessesRegistered,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}
