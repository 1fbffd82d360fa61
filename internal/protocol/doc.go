// Package protocol owns the node's bus contract.
//
// Ownership boundary:
// - topic layout and routing of inbound topics
// - command line tokenizing
// - approval request/reply and announcement payloads
package protocol
