// Package rpcpeer connects paxos.PeerHandle to the channel package: it
// marshals Propose/Accept/Confirm/Get calls as JSON over a
// channel.Channel and, on the replica side, unmarshals and dispatches
// them against a paxos.Server. JSON is used for this envelope layer
// (rather than the gob encoding paxos.Server uses for its own snapshots)
// because each frame here is small, human-inspectable on the wire, and
// need not round-trip Value's tagged union through anything fancier than
// a discriminated struct — see DESIGN.md.
package rpcpeer

import (
	"encoding/json"
	"fmt"

	"github.com/dvale/paxos"
	"github.com/dvale/paxos/channel"
)

// frame is the RPC envelope: a type tag plus an opaque JSON body, in the
// spirit of the corpus's own tagged Msg structs.
type frame struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

const (
	typePropose      = "propose"
	typeProposeReply = "propose-reply"
	typeAccept       = "accept"
	typeAcceptReply  = "accept-reply"
	typeConfirm      = "confirm"
	typeConfirmReply = "confirm-reply"
	typeGet          = "get"
	typeGetReply     = "get-reply"
)

type wireProposal[V paxos.Version[V], C paxos.Ordered[C]] struct {
	Version V
	Round   int
	Sender  C
}

func toWireProposal[V paxos.Version[V], C paxos.Ordered[C]](p paxos.Proposal[V, C]) wireProposal[V, C] {
	return wireProposal[V, C]{Version: p.Version, Round: p.Round, Sender: p.Sender}
}

func (w wireProposal[V, C]) toProposal() paxos.Proposal[V, C] {
	return paxos.Proposal[V, C]{Version: w.Version, Round: w.Round, Sender: w.Sender}
}

type wireValue[T any, S paxos.Ordered[S]] struct {
	Kind  uint8
	Data  T
	Quorum []S
}

func toWireValue[T any, S paxos.Ordered[S]](v paxos.Value[T, S]) wireValue[T, S] {
	kind := uint8(0)
	if v.IsQuorumChange() {
		kind = 1
	}
	return wireValue[T, S]{Kind: kind, Data: v.Data, Quorum: v.Quorum.Members()}
}

func (w wireValue[T, S]) toValue() paxos.Value[T, S] {
	if w.Kind == 1 {
		return paxos.QuorumChangeValue[T, S](paxos.NewQuorum(w.Quorum...))
	}
	return paxos.DataValue[T, S](w.Data)
}

type wireAccepted[T any, V paxos.Version[V], C paxos.Ordered[C], S paxos.Ordered[S]] struct {
	Proposal  wireProposal[V, C]
	Value     wireValue[T, S]
	Confirmed bool
}

func toWireAccepted[T any, V paxos.Version[V], C paxos.Ordered[C], S paxos.Ordered[S]](
	a *paxos.Accepted[T, V, C, S],
) *wireAccepted[T, V, C, S] {
	if a == nil {
		return nil
	}
	return &wireAccepted[T, V, C, S]{
		Proposal:  toWireProposal[V, C](a.Proposal),
		Value:     toWireValue[T, S](a.Value),
		Confirmed: a.Confirmed,
	}
}

func (w *wireAccepted[T, V, C, S]) toAccepted() *paxos.Accepted[T, V, C, S] {
	if w == nil {
		return nil
	}
	return &paxos.Accepted[T, V, C, S]{
		Proposal:  w.Proposal.toProposal(),
		Value:     w.Value.toValue(),
		Confirmed: w.Confirmed,
	}
}

// wireError carries enough of paxos's structured error types across the
// wire to reconstruct them, or falls back to a plain message for
// anything else (including Unavailable, which a RemotePeer synthesizes
// locally from a transport failure rather than ever putting on the
// wire).
type wireError struct {
	Kind           string `json:"kind"`
	Message        string `json:"message"`
	ExpectedIDs    []string `json:"expected_ids,omitempty"`
	EffectiveIDs   []string `json:"effective_ids,omitempty"`
	Effective      int    `json:"effective,omitempty"`
	Total          int    `json:"total,omitempty"`
}

func encodeError[V paxos.Version[V], C paxos.Ordered[C], S paxos.Ordered[S]](err error) *wireError {
	if err == nil {
		return nil
	}
	switch e := err.(type) {
	case *paxos.WrongQuorum[S]:
		return &wireError{
			Kind:         "wrong-quorum",
			Message:      e.Error(),
			ExpectedIDs:  idStrings(e.Expected.Members()),
			EffectiveIDs: idStrings(e.Effective.Members()),
		}
	case *paxos.PartialState[V, C]:
		return &wireError{Kind: "partial-state", Message: e.Error()}
	case *paxos.TooFewPeers:
		return &wireError{Kind: "too-few-peers", Message: e.Error(), Effective: e.Effective, Total: e.Total}
	case *paxos.ProtocolViolation:
		return &wireError{Kind: "protocol-violation", Message: e.Error()}
	default:
		return &wireError{Kind: "other", Message: err.Error()}
	}
}

func idStrings[S paxos.Ordered[S]](ids []S) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = fmt.Sprint(id)
	}
	return out
}

// decodeError turns a wireError back into a Go error. Structured
// quorum/peer members are not reconstructed from their string form
// (S is not guaranteed parseable from fmt.Sprint output); callers that
// need to act on WrongQuorum's Expected/Effective quorums programmatically
// should compare e.Message or extend their S type with a wire codec.
func decodeError(w *wireError) error {
	if w == nil {
		return nil
	}
	switch w.Kind {
	case "too-few-peers":
		return &paxos.TooFewPeers{Effective: w.Effective, Total: w.Total}
	case "protocol-violation":
		return &paxos.ProtocolViolation{Reason: w.Message}
	case "wrong-quorum", "partial-state":
		return fmt.Errorf("rpcpeer: %s", w.Message)
	default:
		return fmt.Errorf("rpcpeer: %s", w.Message)
	}
}

type proposeRequest[V paxos.Version[V], C paxos.Ordered[C], S paxos.Ordered[S]] struct {
	Quorum   []S
	Proposal wireProposal[V, C]
}

type proposeReply[T any, V paxos.Version[V], C paxos.Ordered[C], S paxos.Ordered[S]] struct {
	Accepted *wireAccepted[T, V, C, S]
	Err      *wireError
}

type acceptRequest[T any, V paxos.Version[V], C paxos.Ordered[C], S paxos.Ordered[S]] struct {
	Quorum   []S
	Proposal wireProposal[V, C]
	Value    wireValue[T, S]
}

type acceptReply[V paxos.Version[V], C paxos.Ordered[C]] struct {
	Minimum wireProposal[V, C]
	Err     *wireError
}

type confirmRequest[V paxos.Version[V], C paxos.Ordered[C], S paxos.Ordered[S]] struct {
	Quorum   []S
	Proposal wireProposal[V, C]
}

type confirmReply struct {
	Err *wireError
}

type getRequest[S any] struct {
	Quorum []S
}

type getReply[T any, V paxos.Version[V], C paxos.Ordered[C], S paxos.Ordered[S]] struct {
	Accepted *wireAccepted[T, V, C, S]
	Err      *wireError
}

// RemotePeer implements paxos.PeerHandle by driving one channel.Channel
// with the paxos.Server on the other end. A RemotePeer is not safe for
// concurrent use by multiple goroutines against the same underlying
// Channel; a Client that fans a call out to many peers is expected to
// give each PeerHandle its own Channel, exactly as it would give each
// remote replica its own TCP connection.
type RemotePeer[T any, V paxos.Version[V], C paxos.Ordered[C], S paxos.Ordered[S]] struct {
	id S
	ch *channel.Channel
}

// NewRemotePeer wraps ch, a Channel already connected to the replica
// identified by id, as a PeerHandle.
func NewRemotePeer[T any, V paxos.Version[V], C paxos.Ordered[C], S paxos.Ordered[S]](
	id S, ch *channel.Channel,
) *RemotePeer[T, V, C, S] {
	return &RemotePeer[T, V, C, S]{id: id, ch: ch}
}

func (p *RemotePeer[T, V, C, S]) ID() S { return p.id }

func (p *RemotePeer[T, V, C, S]) call(reqType string, req any, replyType string, reply any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := p.ch.Write(mustMarshal(frame{Type: reqType, Body: body})); err != nil {
		return wrapUnavailable(err)
	}
	raw, err := p.ch.Read()
	if err != nil {
		return wrapUnavailable(err)
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	if f.Type != replyType {
		return &paxos.ProtocolViolation{Reason: "rpcpeer: unexpected reply type " + f.Type}
	}
	return json.Unmarshal(f.Body, reply)
}

// wrapUnavailable folds any transport-level failure into paxos.Unavailable,
// the sole error a Client tolerates without surfacing it.
func wrapUnavailable(err error) error {
	return fmt.Errorf("%w: %v", paxos.Unavailable, err)
}

func mustMarshal(f frame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		panic(err)
	}
	return b
}

func (p *RemotePeer[T, V, C, S]) Propose(q paxos.Quorum[S], pr paxos.Proposal[V, C]) (*paxos.Accepted[T, V, C, S], error) {
	req := proposeRequest[V, C, S]{Quorum: q.Members(), Proposal: toWireProposal[V, C](pr)}
	var reply proposeReply[T, V, C, S]
	if err := p.call(typePropose, req, typeProposeReply, &reply); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, decodeError(reply.Err)
	}
	return reply.Accepted.toAccepted(), nil
}

func (p *RemotePeer[T, V, C, S]) Accept(q paxos.Quorum[S], pr paxos.Proposal[V, C], value paxos.Value[T, S]) (paxos.Proposal[V, C], error) {
	req := acceptRequest[T, V, C, S]{Quorum: q.Members(), Proposal: toWireProposal[V, C](pr), Value: toWireValue[T, S](value)}
	var reply acceptReply[V, C]
	if err := p.call(typeAccept, req, typeAcceptReply, &reply); err != nil {
		var zero paxos.Proposal[V, C]
		return zero, err
	}
	if reply.Err != nil {
		var zero paxos.Proposal[V, C]
		return zero, decodeError(reply.Err)
	}
	return reply.Minimum.toProposal(), nil
}

func (p *RemotePeer[T, V, C, S]) Confirm(q paxos.Quorum[S], pr paxos.Proposal[V, C]) error {
	req := confirmRequest[V, C, S]{Quorum: q.Members(), Proposal: toWireProposal[V, C](pr)}
	var reply confirmReply
	if err := p.call(typeConfirm, req, typeConfirmReply, &reply); err != nil {
		return err
	}
	return decodeError(reply.Err)
}

func (p *RemotePeer[T, V, C, S]) Get(q paxos.Quorum[S]) (*paxos.Accepted[T, V, C, S], error) {
	req := getRequest[S]{Quorum: q.Members()}
	var reply getReply[T, V, C, S]
	if err := p.call(typeGet, req, typeGetReply, &reply); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, decodeError(reply.Err)
	}
	return reply.Accepted.toAccepted(), nil
}

// Serve reads RPC frames off ch until it errors or the peer hangs up,
// dispatching each one to server and writing back the reply. It is meant
// to be run in its own goroutine per accepted Channel, one per remote
// coordinator.
func Serve[T any, V paxos.Version[V], C paxos.Ordered[C], S paxos.Ordered[S]](
	ch *channel.Channel, server *paxos.Server[T, V, C, S],
) error {
	for {
		raw, err := ch.Read()
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			return err
		}
		reply, err := dispatch(f, server)
		if err != nil {
			return err
		}
		if _, err := ch.Write(reply); err != nil {
			return err
		}
	}
}

func dispatch[T any, V paxos.Version[V], C paxos.Ordered[C], S paxos.Ordered[S]](
	f frame, server *paxos.Server[T, V, C, S],
) ([]byte, error) {
	switch f.Type {
	case typePropose:
		var req proposeRequest[V, C, S]
		if err := json.Unmarshal(f.Body, &req); err != nil {
			return nil, err
		}
		acc, err := server.Propose(paxos.NewQuorum(req.Quorum...), req.Proposal.toProposal())
		return mustMarshal(frame{Type: typeProposeReply, Body: marshalOrPanic(proposeReply[T, V, C, S]{
			Accepted: toWireAccepted[T, V, C, S](acc), Err: encodeError[V, C, S](err),
		})}), nil
	case typeAccept:
		var req acceptRequest[T, V, C, S]
		if err := json.Unmarshal(f.Body, &req); err != nil {
			return nil, err
		}
		minimum, err := server.Accept(paxos.NewQuorum(req.Quorum...), req.Proposal.toProposal(), req.Value.toValue())
		return mustMarshal(frame{Type: typeAcceptReply, Body: marshalOrPanic(acceptReply[V, C]{
			Minimum: toWireProposal[V, C](minimum), Err: encodeError[V, C, S](err),
		})}), nil
	case typeConfirm:
		var req confirmRequest[V, C, S]
		if err := json.Unmarshal(f.Body, &req); err != nil {
			return nil, err
		}
		err := server.Confirm(paxos.NewQuorum(req.Quorum...), req.Proposal.toProposal())
		return mustMarshal(frame{Type: typeConfirmReply, Body: marshalOrPanic(confirmReply{Err: encodeError[V, C, S](err)})}), nil
	case typeGet:
		var req getRequest[S]
		if err := json.Unmarshal(f.Body, &req); err != nil {
			return nil, err
		}
		acc, err := server.Get(paxos.NewQuorum(req.Quorum...))
		return mustMarshal(frame{Type: typeGetReply, Body: marshalOrPanic(getReply[T, V, C, S]{
			Accepted: toWireAccepted[T, V, C, S](acc), Err: encodeError[V, C, S](err),
		})}), nil
	default:
		return nil, &paxos.ProtocolViolation{Reason: "rpcpeer: unknown request type " + f.Type}
	}
}

func marshalOrPanic(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
