package sim

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ConfigOptions is the read-only parsed simulation configuration. It is
// loaded once from YAML (plus CLI overrides) and borrowed by the controller
// for its lifetime.
type ConfigOptions struct {
	General GeneralOptions       `yaml:"general"`
	Network NetworkOptions       `yaml:"network"`
	Hosts   map[string]*HostSpec `yaml:"hosts"`
}

// GeneralOptions are the run-level knobs.
type GeneralOptions struct {
	Seed int64 `yaml:"seed"`
	// Workers is the number of worker threads the manager may use;
	// 0 means single-threaded.
	Workers int `yaml:"workers"`
	// StopTimeSec is the simulation end time, in simulated seconds.
	StopTimeSec uint64 `yaml:"stop_time_sec"`
	// BootstrapEndSec is the length of the unlimited-bandwidth warm-up
	// phase, in simulated seconds.
	BootstrapEndSec uint64 `yaml:"bootstrap_end_sec"`
	// RunaheadMs is the user-supplied floor on the minimum time jump,
	// in simulated milliseconds; 0 = unset.
	RunaheadMs uint64 `yaml:"runahead_ms"`
	LogLevel   string `yaml:"log_level"`
	// HeartbeatIntervalSec is the default host heartbeat period; 0 disables.
	HeartbeatIntervalSec uint64 `yaml:"heartbeat_interval_sec"`
}

// NetworkOptions describe the topology and the host-side network defaults
// that come from the global config rather than from host specs.
type NetworkOptions struct {
	GraphPath       string `yaml:"graph_path"`
	UseShortestPath bool   `yaml:"use_shortest_path"`

	SocketSendBuffer   uint64 `yaml:"socket_send_buffer"`
	SocketRecvBuffer   uint64 `yaml:"socket_recv_buffer"`
	SocketSendAutotune bool   `yaml:"socket_send_autotune"`
	SocketRecvAutotune bool   `yaml:"socket_recv_autotune"`
	InterfaceBuffer    uint64 `yaml:"interface_buffer"`
	InterfaceQdisc     string `yaml:"interface_qdisc"`
}

// HostSpec configures one host entry. Quantity > 1 expands into hosts named
// with a 1-based ordinal suffix.
type HostSpec struct {
	NetworkNodeID int    `yaml:"network_node_id"`
	Quantity      uint64 `yaml:"quantity"`
	// IPAddr pins the host to a literal address; only valid with Quantity 1.
	IPAddr string `yaml:"ip_addr,omitempty"`

	LogLevel             string `yaml:"log_level,omitempty"`
	HeartbeatLogLevel    string `yaml:"heartbeat_log_level,omitempty"`
	HeartbeatLogInfo     string `yaml:"heartbeat_log_info,omitempty"`
	HeartbeatIntervalSec uint64 `yaml:"heartbeat_interval_sec,omitempty"`
	PcapDirectory        string `yaml:"pcap_directory,omitempty"`

	// BandwidthDownBits/BandwidthUpBits override the graph-node
	// annotations when present.
	BandwidthDownBits *uint64 `yaml:"bandwidth_down_bits,omitempty"`
	BandwidthUpBits   *uint64 `yaml:"bandwidth_up_bits,omitempty"`

	Processes []*ProcessSpec `yaml:"processes,omitempty"`
}

// ProcessSpec configures one process descriptor on a host.
type ProcessSpec struct {
	// Path is the plugin to execute, resolved against the filesystem
	// (and PATH for bare names) at registration time.
	Path         string   `yaml:"path"`
	Args         []string `yaml:"args,omitempty"`
	Environment  string   `yaml:"environment,omitempty"`
	Quantity     uint64   `yaml:"quantity"`
	StartTimeSec uint64   `yaml:"start_time_sec"`
	StopTimeSec  uint64   `yaml:"stop_time_sec,omitempty"`
}

// LoadConfig parses and validates a YAML simulation configuration.
func LoadConfig(path string) (*ConfigOptions, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &ConfigOptions{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *ConfigOptions) validate() error {
	if c.General.StopTimeSec == 0 {
		return fmt.Errorf("general.stop_time_sec must be set and positive")
	}
	if c.Network.GraphPath == "" {
		return fmt.Errorf("network.graph_path must be set")
	}
	for name, host := range c.Hosts {
		if host == nil {
			return fmt.Errorf("host %q has an empty spec", name)
		}
		if host.Quantity == 0 {
			host.Quantity = 1
		}
		for i, proc := range host.Processes {
			if proc.Path == "" {
				return fmt.Errorf("host %q process %d has no path", name, i)
			}
			if proc.Quantity == 0 {
				proc.Quantity = 1
			}
		}
	}
	return nil
}

// Seed returns the PRNG seed for the run.
func (c *ConfigOptions) Seed() int64 { return c.General.Seed }

// Workers returns the configured worker count.
func (c *ConfigOptions) Workers() int { return c.General.Workers }

// StopTime returns the absolute simulation end time.
func (c *ConfigOptions) StopTime() SimulationTime {
	return SimulationTime(c.General.StopTimeSec) * Second
}

// BootstrapEndTime returns when bandwidth enforcement begins.
func (c *ConfigOptions) BootstrapEndTime() SimulationTime {
	return SimulationTime(c.General.BootstrapEndSec) * Second
}

// Runahead returns the configured lower bound on the minimum time jump.
func (c *ConfigOptions) Runahead() SimulationTime {
	return SimulationTime(c.General.RunaheadMs) * Millisecond
}

// LogLevel returns the configured log level name, defaulting to info.
func (c *ConfigOptions) LogLevel() string {
	if c.General.LogLevel == "" {
		return "info"
	}
	return c.General.LogLevel
}

// UseShortestPath selects shortest-path routing over the full pairwise mode.
func (c *ConfigOptions) UseShortestPath() bool { return c.Network.UseShortestPath }

// IterHosts invokes fn once per configured host entry, in a stable order.
// A non-nil error from fn aborts the iteration and is returned.
func (c *ConfigOptions) IterHosts(fn func(name string, host *HostSpec) error) error {
	names := make([]string, 0, len(c.Hosts))
	for name := range c.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := fn(name, c.Hosts[name]); err != nil {
			return err
		}
	}
	return nil
}

// IterProcesses invokes fn once per process descriptor on the host.
// A non-nil error from fn aborts the iteration and is returned.
func (h *HostSpec) IterProcesses(fn func(proc *ProcessSpec) error) error {
	for _, proc := range h.Processes {
		if err := fn(proc); err != nil {
			return err
		}
	}
	return nil
}

// HeartbeatInterval returns the host's heartbeat period, falling back to
// the run-level default.
func (h *HostSpec) HeartbeatInterval(c *ConfigOptions) SimulationTime {
	if h.HeartbeatIntervalSec > 0 {
		return SimulationTime(h.HeartbeatIntervalSec) * Second
	}
	return SimulationTime(c.General.HeartbeatIntervalSec) * Second
}
