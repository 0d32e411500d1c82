package paxos

// PeerHandle is how a Client reaches one replica, whether that replica is
// an in-process Server (LocalPeer) or one reached over the network (the
// rpcpeer package's RemotePeer). Unavailable is the only error a Client
// tolerates without surfacing it to its own caller; every other error
// propagates.
type PeerHandle[T any, V Version[V], C Ordered[C], S Ordered[S]] interface {
	ID() S
	Propose(q Quorum[S], p Proposal[V, C]) (*Accepted[T, V, C, S], error)
	Accept(q Quorum[S], p Proposal[V, C], value Value[T, S]) (Proposal[V, C], error)
	Confirm(q Quorum[S], p Proposal[V, C]) error
	Get(q Quorum[S]) (*Accepted[T, V, C, S], error)
}

// LocalPeer adapts a Server to PeerHandle by direct delegation, for a
// coordinator running in the same process as one of its replicas.
type LocalPeer[T any, V Version[V], C Ordered[C], S Ordered[S]] struct {
	server *Server[T, V, C, S]
}

// NewLocalPeer wraps server as a PeerHandle.
func NewLocalPeer[T any, V Version[V], C Ordered[C], S Ordered[S]](server *Server[T, V, C, S]) *LocalPeer[T, V, C, S] {
	return &LocalPeer[T, V, C, S]{server: server}
}

func (p *LocalPeer[T, V, C, S]) ID() S {
	return p.server.ID()
}

func (p *LocalPeer[T, V, C, S]) Propose(q Quorum[S], pr Proposal[V, C]) (*Accepted[T, V, C, S], error) {
	return p.server.Propose(q, pr)
}

func (p *LocalPeer[T, V, C, S]) Accept(q Quorum[S], pr Proposal[V, C], value Value[T, S]) (Proposal[V, C], error) {
	return p.server.Accept(q, pr, value)
}

func (p *LocalPeer[T, V, C, S]) Confirm(q Quorum[S], pr Proposal[V, C]) error {
	return p.server.Confirm(q, pr)
}

func (p *LocalPeer[T, V, C, S]) Get(q Quorum[S]) (*Accepted[T, V, C, S], error) {
	return p.server.Get(q)
}
