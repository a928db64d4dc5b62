// Package sim provides the simulation controller of a discrete-event
// network simulator.
//
// # Reading Guide
//
// Start with these three files to understand the core:
//   - window.go: the conservative time-window protocol that bounds each
//     round of parallel event processing
//   - controller.go: the orchestrator that loads the topology, assigns
//     addresses, registers hosts, and drives the manager
//   - manager.go: the worker event loop that advances simulated time
//     inside each execute window
//
// # Architecture
//
// The controller owns all global state: the run-seeded random source
// (rng.go), the DNS registry (dns.go), the window engine, and the
// sim/topology sub-package's graph, IP assignment, and routing info. The
// manager holds only a ControllerCapability back-reference — the round
// barrier, the routing oracle, and DNS — never the controller itself.
//
// A run proceeds: load graph → assign addresses (pinned hosts first, then
// auto-assigned) → register hosts and processes with the manager → compute
// routing and release the graph → round loop until the window protocol
// reports completion.
package sim
