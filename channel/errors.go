// Package channel multiplexes a single ordered-reliable duplex byte
// stream into independent ordered channels, each identified by a signed
// integer id whose sign records which endpoint of the handshake allocated
// it. It is the transport layer paxos.PeerHandle implementations marshal
// RPCs over; see the rpcpeer package.
package channel

import "errors"

// EndOfStream is returned by Read when the underlying stream ended
// cleanly between packets.
var EndOfStream = errors.New("channel: end of stream")

// Truncated is returned by Read when the underlying stream ended in the
// middle of a packet.
var Truncated = errors.New("channel: truncated packet")

// Corrupted is returned by Read when a packet's checksum does not match
// its payload.
var Corrupted = errors.New("channel: corrupted packet")

// Closed is returned by Read and Accept once the Multiplexer has been
// closed locally, and by Write on a Channel that is closed or whose
// Multiplexer has closed or failed. After the underlying stream fails,
// Read and Accept return that failure (for example EndOfStream) instead.
var Closed = errors.New("channel: closed")
