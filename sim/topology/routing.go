package topology

import (
	"fmt"
	"math"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// nodePair is an ordered (source, destination) graph-node pair.
type nodePair struct {
	src int
	dst int
}

// pairInfo is the precomputed routing data for one ordered node pair.
type pairInfo struct {
	latencyNs   uint64
	reliability float32
	packets     atomic.Uint64
}

// RoutingInfo answers the per-packet routing queries of the run: latency,
// delivery reliability, and routability between any two assigned addresses.
// It is immutable after construction except for the packet counters, which
// are atomic so workers can bump them concurrently.
//
// The graph used to build a RoutingInfo can be released afterwards; nothing
// here keeps a reference to it.
type RoutingInfo struct {
	assignment *IPAssignment
	pairs      map[nodePair]*pairInfo
	// minLatencyMs is the smallest positive end-to-end latency over all
	// host-bearing node pairs; it bounds the safe time jump.
	minLatencyMs float64
}

// NewRoutingInfo precomputes routing data for every pair of graph nodes
// that carries at least one host. With useShortestPath set, per-source
// Dijkstra trees are computed over the host-bearing nodes; otherwise a full
// Floyd-Warshall pass materializes the all-pairs matrix.
func NewRoutingInfo(g *Graph, assignment *IPAssignment, useShortestPath bool) (*RoutingInfo, error) {
	used := assignment.usedNodes()
	if len(used) == 0 {
		return nil, fmt.Errorf("no hosts were assigned to graph nodes")
	}
	for _, node := range used {
		if !g.HasNode(node) {
			return nil, fmt.Errorf("host assigned to unknown graph node %d", node)
		}
	}

	conn := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for id := range g.nodes {
		conn.AddNode(simple.Node(id))
	}

	// Self-edges model intra-node latency and are tracked outside the
	// gonum graph, which rejects them.
	selfLatency := make(map[int]float64)
	selfLoss := make(map[int]float64)
	edgeLoss := make(map[nodePair]float64)
	for _, e := range g.edges {
		if e.Source == e.Target {
			selfLatency[e.Source] = e.LatencyMs
			selfLoss[e.Source] = e.PacketLoss
			continue
		}
		// keep the cheaper edge when the description repeats a link
		if we := conn.WeightedEdge(int64(e.Source), int64(e.Target)); we != nil && we.Weight() <= e.LatencyMs {
			continue
		}
		conn.SetWeightedEdge(simple.WeightedEdge{
			F: simple.Node(e.Source), T: simple.Node(e.Target), W: e.LatencyMs,
		})
		edgeLoss[nodePair{e.Source, e.Target}] = e.PacketLoss
		edgeLoss[nodePair{e.Target, e.Source}] = e.PacketLoss
	}

	info := &RoutingInfo{
		assignment:   assignment,
		pairs:        make(map[nodePair]*pairInfo, len(used)*len(used)),
		minLatencyMs: math.Inf(1),
	}

	var allPaths path.AllShortest
	spTrees := make(map[int]path.Shortest)
	if useShortestPath {
		// one Dijkstra tree per host-bearing source, reused for every
		// destination rooted there
		for _, src := range used {
			spTrees[src] = path.DijkstraFrom(simple.Node(src), conn)
		}
	} else {
		allPaths, _ = path.FloydWarshall(conn)
	}

	for _, src := range used {
		for _, dst := range used {
			pair := nodePair{src, dst}

			if src == dst {
				latencyMs := selfLatency[src]
				reliability := (1 - g.NodePacketLoss(src)) * (1 - selfLoss[src])
				info.addPair(pair, latencyMs, reliability)
				continue
			}

			var nodes []int64
			var weight float64
			if useShortestPath {
				seq, w := spTrees[src].To(int64(dst))
				if math.IsInf(w, 1) {
					continue // unreachable: pair stays non-routable
				}
				weight = w
				for _, n := range seq {
					nodes = append(nodes, n.ID())
				}
			} else {
				seq, w, _ := allPaths.Between(int64(src), int64(dst))
				if math.IsInf(w, 1) {
					continue
				}
				weight = w
				for _, n := range seq {
					nodes = append(nodes, n.ID())
				}
			}

			reliability := (1 - g.NodePacketLoss(src)) * (1 - g.NodePacketLoss(dst))
			for i := 1; i < len(nodes); i++ {
				hop := nodePair{int(nodes[i-1]), int(nodes[i])}
				reliability *= 1 - edgeLoss[hop]
			}
			info.addPair(pair, weight, reliability)
		}
	}

	if math.IsInf(info.minLatencyMs, 1) {
		info.minLatencyMs = 0
	}
	logrus.Infof("computed routing for %d host node(s): %d reachable pair(s), min path latency %.3f ms",
		len(used), len(info.pairs), info.minLatencyMs)
	return info, nil
}

func (r *RoutingInfo) addPair(pair nodePair, latencyMs, reliability float64) {
	r.pairs[pair] = &pairInfo{
		latencyNs:   uint64(latencyMs * 1e6),
		reliability: float32(reliability),
	}
	if latencyMs > 0 && latencyMs < r.minLatencyMs {
		r.minLatencyMs = latencyMs
	}
}

// lookup maps two address keys to the precomputed pair entry.
func (r *RoutingInfo) lookup(srcKey, dstKey uint32) (*pairInfo, bool) {
	srcNode, ok := r.assignment.nodeForKey(srcKey)
	if !ok {
		return nil, false
	}
	dstNode, ok := r.assignment.nodeForKey(dstKey)
	if !ok {
		return nil, false
	}
	info, ok := r.pairs[nodePair{srcNode, dstNode}]
	return info, ok
}

// LatencyNs returns the precomputed path latency in nanoseconds.
// The pair must be routable; callers consult IsRoutable first.
func (r *RoutingInfo) LatencyNs(srcKey, dstKey uint32) (uint64, bool) {
	info, ok := r.lookup(srcKey, dstKey)
	if !ok {
		return 0, false
	}
	return info.latencyNs, true
}

// Reliability returns the per-packet delivery probability in [0, 1].
func (r *RoutingInfo) Reliability(srcKey, dstKey uint32) (float32, bool) {
	info, ok := r.lookup(srcKey, dstKey)
	if !ok {
		return 0, false
	}
	return info.reliability, true
}

// IsRoutable reports whether a path exists between the two addresses.
func (r *RoutingInfo) IsRoutable(srcKey, dstKey uint32) bool {
	_, ok := r.lookup(srcKey, dstKey)
	return ok
}

// IncrementPacketCount bumps the statistics counter for the pair.
// Safe for concurrent use.
func (r *RoutingInfo) IncrementPacketCount(srcKey, dstKey uint32) {
	if info, ok := r.lookup(srcKey, dstKey); ok {
		info.packets.Add(1)
	}
}

// PacketCount reads the statistics counter for the pair.
func (r *RoutingInfo) PacketCount(srcKey, dstKey uint32) uint64 {
	info, ok := r.lookup(srcKey, dstKey)
	if !ok {
		return 0
	}
	return info.packets.Load()
}

// MinPathLatencyMs returns the smallest positive end-to-end latency over
// all host-bearing pairs, or 0 when none is known.
func (r *RoutingInfo) MinPathLatencyMs() float64 {
	return r.minLatencyMs
}

// AddressKey exposes the canonical 32-bit form of an address for callers
// that index routing data directly.
func AddressKey(addr net.IP) (uint32, error) {
	return ipToKey(addr)
}
