// Package network contains abstractions for moving DNS messages between machines. It hides the
// API differences between TCP and UDP transports behind shared framing, server, and forwarding
// interfaces so that dispatch logic can stay transport-agnostic.
package network
