package paxos

import (
	"errors"
	"fmt"
)

// Unavailable is returned by a PeerHandle when a single RPC could not
// reach its peer. It is the sole transport-level error a Client tolerates:
// callers should compare with errors.Is, not by type assertion, since a
// remote peer implementation may wrap it with extra context.
var Unavailable = errors.New("paxos: peer unavailable")

// WrongQuorum is returned by a Server when the caller's quorum does not
// match the quorum the Server currently enforces. The caller must refresh
// its membership view and retry.
type WrongQuorum[S Ordered[S]] struct {
	Expected Quorum[S]
	Effective Quorum[S]
}

func (e *WrongQuorum[S]) Error() string {
	return fmt.Sprintf("paxos: wrong quorum: %s instead of %s", e.Effective, e.Expected)
}

// PartialState is returned when an accept or confirm arrives without a
// matching prior propose for the same or a later proposal: the caller
// skipped a phase of the protocol.
type PartialState[V Version[V], C Ordered[C]] struct {
	Proposal Proposal[V, C]
}

func (e *PartialState[V, C]) Error() string {
	return fmt.Sprintf("paxos: partial state: %v", e.Proposal)
}

// TooFewPeers is returned by a Client when fewer than a majority of the
// current quorum could be reached for a phase of choose or for get.
type TooFewPeers struct {
	Effective int
	Total     int
}

func (e *TooFewPeers) Error() string {
	return fmt.Sprintf("paxos: too few peers are available to reach consensus: %d of %d",
		e.Effective, e.Total)
}

// ProtocolViolation marks an RPC sequence that indicates a bug or an
// adversary: an accept that tries to silently overwrite an
// already-confirmed value with a different one, a propose that would
// advance past a version that was never accepted, or a Server constructed
// with a quorum that excludes its own id. An accept or confirm that
// skipped propose is reported as PartialState instead.
type ProtocolViolation struct {
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return "paxos: protocol violation: " + e.Reason
}
