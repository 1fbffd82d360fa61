// Package node wires the access-control node together.
//
// Ownership boundary:
// - node identity, handler registration and user callbacks
// - routing inbound bus messages to security, dispatch and approval
// - the cooperative service loop that owns all mutable node state
//
// One goroutine runs Service. Transport callbacks only enqueue; every user
// callback runs on the service goroutine.
package node
