// Package topology owns the network-side state of a simulation: the loaded
// network graph, the mapping of hosts onto graph nodes and IP addresses, and
// the precomputed routing information consulted on every packet delivery.
package topology

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Node is one vertex of the network graph. Bandwidth annotations are
// optional; hosts placed on an unannotated node must carry their own.
type Node struct {
	ID int `yaml:"id"`
	// BandwidthDownBits/BandwidthUpBits are bits per second; nil = unset.
	BandwidthDownBits *uint64 `yaml:"bandwidth_down_bits,omitempty"`
	BandwidthUpBits   *uint64 `yaml:"bandwidth_up_bits,omitempty"`
	// PacketLoss is the per-packet drop probability contributed by the
	// node itself, in [0, 1).
	PacketLoss float64 `yaml:"packet_loss,omitempty"`
}

// Edge is an undirected link between two graph nodes. A self-edge
// (Source == Target) gives the intra-node latency for hosts sharing a node.
type Edge struct {
	Source     int     `yaml:"source"`
	Target     int     `yaml:"target"`
	LatencyMs  float64 `yaml:"latency_ms"`
	PacketLoss float64 `yaml:"packet_loss,omitempty"`
}

// Graph is the in-memory topology. It is read-only after loading and is
// released once routing information has been materialized from it.
type Graph struct {
	nodes map[int]*Node
	edges []*Edge
}

// LoadGraph parses and validates a YAML topology description.
func LoadGraph(path string) (*Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading graph: %w", err)
	}

	var doc struct {
		Nodes []*Node `yaml:"nodes"`
		Edges []*Edge `yaml:"edges"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing graph %s: %w", path, err)
	}

	g := &Graph{nodes: make(map[int]*Node, len(doc.Nodes)), edges: doc.Edges}
	for _, node := range doc.Nodes {
		if _, ok := g.nodes[node.ID]; ok {
			return nil, fmt.Errorf("graph %s: duplicate node id %d", path, node.ID)
		}
		if node.PacketLoss < 0 || node.PacketLoss >= 1 {
			return nil, fmt.Errorf("graph %s: node %d packet_loss %v out of [0,1)", path, node.ID, node.PacketLoss)
		}
		g.nodes[node.ID] = node
	}
	for _, edge := range doc.Edges {
		if _, ok := g.nodes[edge.Source]; !ok {
			return nil, fmt.Errorf("graph %s: edge references unknown node %d", path, edge.Source)
		}
		if _, ok := g.nodes[edge.Target]; !ok {
			return nil, fmt.Errorf("graph %s: edge references unknown node %d", path, edge.Target)
		}
		if edge.LatencyMs <= 0 {
			return nil, fmt.Errorf("graph %s: edge %d-%d latency_ms must be positive", path, edge.Source, edge.Target)
		}
		if edge.PacketLoss < 0 || edge.PacketLoss >= 1 {
			return nil, fmt.Errorf("graph %s: edge %d-%d packet_loss %v out of [0,1)", path, edge.Source, edge.Target, edge.PacketLoss)
		}
	}
	if len(g.nodes) == 0 {
		return nil, fmt.Errorf("graph %s has no nodes", path)
	}
	return g, nil
}

// HasNode reports whether the graph contains the node id.
func (g *Graph) HasNode(id int) bool {
	_, ok := g.nodes[id]
	return ok
}

// NodeBandwidthDownBits returns the node's downstream bandwidth annotation.
func (g *Graph) NodeBandwidthDownBits(id int) (uint64, bool) {
	node, ok := g.nodes[id]
	if !ok || node.BandwidthDownBits == nil {
		return 0, false
	}
	return *node.BandwidthDownBits, true
}

// NodeBandwidthUpBits returns the node's upstream bandwidth annotation.
func (g *Graph) NodeBandwidthUpBits(id int) (uint64, bool) {
	node, ok := g.nodes[id]
	if !ok || node.BandwidthUpBits == nil {
		return 0, false
	}
	return *node.BandwidthUpBits, true
}

// NodePacketLoss returns the node's own drop probability.
func (g *Graph) NodePacketLoss(id int) float64 {
	node, ok := g.nodes[id]
	if !ok {
		return 0
	}
	return node.PacketLoss
}

// NumNodes reports the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Edges returns the loaded edge list.
func (g *Graph) Edges() []*Edge { return g.edges }
