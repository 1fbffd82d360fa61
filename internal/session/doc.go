// Package session keeps the node's bus session alive.
//
// Ownership boundary:
// - link/bus connection states and their transitions
// - reconnect backoff
// - broker transport security policy and client TLS material
package session
