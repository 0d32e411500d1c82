package paxos

import (
	"bytes"
	"encoding/gob"
	"io"
	"reflect"
	"sort"
	"sync"
)

// Server plays the combined Acceptor/Learner role for one family of
// consensus slots. All state transitions are guarded by a single mutex;
// each RPC is O(1) work, so a per-replica lock is sufficient.
type Server[T any, V Version[V], C Ordered[C], S Ordered[S]] struct {
	mu sync.Mutex

	id            S
	quorumInitial Quorum[S]
	value         *T
	state         *VersionState[T, V, C, S]
	wireVersion   WireVersion

	// discardedQuorumChange records the quorum-change value of the last
	// unconfirmed slot this Server abandoned on advance, purely for
	// operator visibility. See the doc comment on Propose for why this
	// package deliberately does not act on it.
	discardedQuorumChange *Quorum[S]
}

// NewServer creates a replica for id, bootstrapped with the given initial
// quorum. quorum must contain id; violating that is a construction-time
// ProtocolViolation, matching the original's ELLE_ASSERT_CONTAINS.
func NewServer[T any, V Version[V], C Ordered[C], S Ordered[S]](
	id S, quorum Quorum[S], wireVersion WireVersion,
) (*Server[T, V, C, S], error) {
	if !quorum.Contains(id) {
		return nil, &ProtocolViolation{Reason: "initial quorum must contain this server's id"}
	}
	return &Server[T, V, C, S]{
		id:            id,
		quorumInitial: quorum,
		wireVersion:   wireVersion,
	}, nil
}

// ID returns this replica's own server id.
func (s *Server[T, V, C, S]) ID() S {
	return s.id
}

func (s *Server[T, V, C, S]) checkQuorum(q Quorum[S]) error {
	if !q.Equal(s.quorumInitial) {
		logger.Printf("%v: quorum is wrong: %s instead of %s", s.id, q, s.quorumInitial)
		return &WrongQuorum[S]{Expected: s.quorumInitial, Effective: q}
	}
	return nil
}

// checkConfirmed reports whether the previous version has already been
// confirmed (or the replica predates the wire revision that tracks
// confirmation at all), i.e. whether it is safe to advance past it.
func (s *Server[T, V, C, S]) checkConfirmed(p Proposal[V, C]) bool {
	if s.wireVersion.Less(Confirmed010) {
		return true
	}
	if s.state == nil {
		return true
	}
	version := s.state.Proposal.Version
	if !version.Less(p.Version) {
		return true
	}
	if version == p.Version.Prev() && s.state.Accepted != nil && s.state.Accepted.Confirmed {
		return true
	}
	return false
}

func versionGreater[V Version[V]](a, b V) bool {
	return a != b && b.Less(a)
}

// Propose is phase one of the protocol: the coordinator asks this replica
// to promise not to accept anything below p, and learns of any value
// already accepted for this version.
//
// If the previous version's accepted value was an unconfirmed
// QuorumChange and this call advances past it, that pending change is
// discarded rather than carried forward: if it was actually chosen on a
// majority of replicas elsewhere, this replica now compares future
// requests against the wrong quorumInitial until it catches up via a
// fresh QuorumChange proposal. The safe fix is either persisting the
// pending change until it is known settled, or an explicit catchup RPC;
// this port does neither, matching the upstream implementation's own
// FIXME rather than inventing new protocol machinery.
func (s *Server[T, V, C, S]) Propose(q Quorum[S], p Proposal[V, C]) (*Accepted[T, V, C, S], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logger.Printf("%v: get proposal: %v", s.id, p)

	if s.state != nil && s.state.Accepted != nil && versionGreater(s.state.Accepted.Proposal.Version, p.Version) {
		logger.Printf("%v: refuse proposal for version %v in favor of version %v",
			s.id, p.Version, s.state.Accepted.Proposal.Version)
		return s.state.Accepted, nil
	}

	if s.checkConfirmed(p) {
		if s.state != nil && versionGreater(p.Version, s.state.Proposal.Version) {
			accepted := s.state.Accepted
			if accepted == nil {
				return nil, &ProtocolViolation{
					Reason: "advancing past a version that was never accepted",
				}
			}
			if accepted.Value.IsData() {
				v := accepted.Value.Data
				s.value = &v
			} else {
				s.quorumInitial = accepted.Value.Quorum
			}
			s.state = nil
		}
		if err := s.checkQuorum(q); err != nil {
			return nil, err
		}
	} else {
		if s.state != nil && s.state.Accepted != nil && s.state.Accepted.Value.IsQuorumChange() {
			change := s.state.Accepted.Value.Quorum
			s.discardedQuorumChange = &change
			logger.Printf("%v: discarding unconfirmed quorum change %s on advance past version %v",
				s.id, change, s.state.Proposal.Version)
		}
		s.state = nil
	}

	if s.state == nil {
		logger.Printf("%v: accept first proposal for version %v", s.id, p.Version)
		s.state = &VersionState[T, V, C, S]{Proposal: p}
		return nil, nil
	}
	if s.state.Proposal.Less(p) {
		logger.Printf("%v: update minimum proposal for version %v", s.id, p.Version)
		s.state.Proposal = p
	}
	return s.state.Accepted, nil
}

// Accept is phase two: the coordinator asks this replica to accept value
// for proposal p, having already run propose for p. An accept above the
// replica's current minimum proposal is refused with PartialState; one
// below it is not recorded and is answered with that minimum.
func (s *Server[T, V, C, S]) Accept(q Quorum[S], p Proposal[V, C], value Value[T, S]) (Proposal[V, C], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logger.Printf("%v: accept for %v: %v", s.id, p, value)

	var zero Proposal[V, C]
	if err := s.checkQuorum(q); err != nil {
		return zero, err
	}
	if s.state == nil || s.state.Proposal.Less(p) {
		logger.Printf("%v: someone sent an accept before propose", s.id)
		return zero, &PartialState[V, C]{Proposal: p}
	}
	if p.Less(s.state.Proposal) {
		logger.Printf("%v: discard obsolete accept, current proposal is %v", s.id, s.state.Proposal)
		return s.state.Proposal, nil
	}
	if s.state.Accepted == nil {
		s.state.Accepted = &Accepted[T, V, C, S]{Proposal: p, Value: value}
	} else {
		if s.state.Accepted.Confirmed && !valuesEqual(s.state.Accepted.Value, value) {
			return zero, &ProtocolViolation{
				Reason: "accept would overwrite an already-confirmed value with a different one",
			}
		}
		s.state.Accepted.Proposal = p
		s.state.Accepted.Value = value
	}
	return s.state.Proposal, nil
}

// Confirm is phase three: the coordinator informs this replica that a
// majority accepted p, making its value irrevocable.
func (s *Server[T, V, C, S]) Confirm(q Quorum[S], p Proposal[V, C]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	logger.Printf("%v: confirm proposal %v", s.id, p)

	if err := s.checkQuorum(q); err != nil {
		return err
	}
	if s.state == nil || s.state.Proposal.Less(p) || s.state.Accepted == nil {
		logger.Printf("%v: someone sent a confirm before propose/accept", s.id)
		return &PartialState[V, C]{Proposal: p}
	}
	if p.Less(s.state.Proposal) {
		logger.Printf("%v: discard obsolete confirm, current proposal is %v", s.id, s.state.Proposal)
		return nil
	}
	s.state.Accepted.Confirmed = true
	return nil
}

// Get returns the confirmed value for the current quorum, if any.
func (s *Server[T, V, C, S]) Get(q Quorum[S]) (*Accepted[T, V, C, S], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logger.Printf("%v: get", s.id)

	if err := s.checkQuorum(q); err != nil {
		return nil, err
	}
	return s.currentValue(), nil
}

func (s *Server[T, V, C, S]) currentValue() *Accepted[T, V, C, S] {
	if s.state == nil {
		return nil
	}
	if s.state.Accepted != nil && s.state.Accepted.Confirmed && s.state.Accepted.Value.IsData() {
		return s.state.Accepted
	}
	if s.value != nil {
		return &Accepted[T, V, C, S]{
			Proposal:  s.state.Proposal,
			Value:     DataValue[T, S](*s.value),
			Confirmed: true,
		}
	}
	return nil
}

// DiscardedQuorumChange returns the quorum-change value most recently
// abandoned unconfirmed on this replica, if any. It is informational only
// — see the Propose doc comment — and does not affect protocol behavior.
func (s *Server[T, V, C, S]) DiscardedQuorumChange() *Quorum[S] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discardedQuorumChange
}

// CurrentValue returns the same value Get would, without a quorum check;
// useful for local introspection (metrics, snapshots) by the process
// hosting this replica.
func (s *Server[T, V, C, S]) CurrentValue() *Accepted[T, V, C, S] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentValue()
}

// CurrentQuorum returns the quorum currently in force: the quorum a
// confirmed-but-not-yet-advanced QuorumChange establishes, or else
// quorumInitial.
func (s *Server[T, V, C, S]) CurrentQuorum() Quorum[S] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != nil && s.state.Accepted != nil && s.state.Accepted.Confirmed && s.state.Accepted.Value.IsQuorumChange() {
		return s.state.Accepted.Value.Quorum
	}
	return s.quorumInitial
}

// CurrentVersion reports the highest version this replica considers
// settled: non-decreasing over the life of the replica (invariant 3).
func (s *Server[T, V, C, S]) CurrentVersion() V {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero V
	if s.state == nil {
		return zero
	}
	if s.state.Accepted != nil && s.state.Accepted.Confirmed {
		return s.state.Proposal.Version
	}
	return s.state.Proposal.Version.Prev()
}

func valuesEqual[T any, S Ordered[S]](a, b Value[T, S]) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == KindData {
		return reflect.DeepEqual(a.Data, b.Data)
	}
	return a.Quorum.Equal(b.Quorum)
}

// wireServer is the gob-serializable projection of a Server, matching the
// field order id, quorum, value (wire >= 0.1.0 only), then
// an ordered container of version states of which only the newest
// survives deserialization.
type wireServer[T any, V Version[V], C Ordered[C], S Ordered[S]] struct {
	ID       S
	Quorum   []S
	HasValue bool
	Value    T
	States   []wireVersionState[T, V, C, S]
}

type wireVersionState[T any, V Version[V], C Ordered[C], S Ordered[S]] struct {
	Proposal     Proposal[V, C]
	HasAccepted  bool
	AcceptedProp Proposal[V, C]
	Kind         ValueKind
	Data         T
	QuorumValue  []S
	Confirmed    bool
}

// Serialize writes a snapshot of s to w under the given wire version. The
// snapshot is a serializable projection of (id, quorum_initial, value,
// state); encoding/gob is used rather than the JSON of
// rpcpeer's RPC envelope, so that Value's tagged union round-trips through a plain
// discriminant field instead of a registered-type interface.
func (s *Server[T, V, C, S]) Serialize(w io.Writer, wireVersion WireVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws := wireServer[T, V, C, S]{ID: s.id, Quorum: s.quorumInitial.Members()}
	if wireVersion.AtLeast(Confirmed010) {
		if s.value != nil {
			ws.HasValue = true
			ws.Value = *s.value
		}
	}
	if s.state != nil {
		wvs := wireVersionState[T, V, C, S]{Proposal: s.state.Proposal}
		if s.state.Accepted != nil {
			a := s.state.Accepted
			if wireVersion.AtLeast(Confirmed010) {
				wvs.HasAccepted = true
				wvs.AcceptedProp = a.Proposal
				wvs.Kind = a.Value.Kind
				wvs.Confirmed = a.Confirmed
				if a.Value.IsData() {
					wvs.Data = a.Value.Data
				} else {
					wvs.QuorumValue = a.Value.Quorum.Members()
				}
			} else if a.Value.IsData() {
				wvs.HasAccepted = true
				wvs.AcceptedProp = a.Proposal
				wvs.Kind = KindData
				wvs.Confirmed = true
				wvs.Data = a.Value.Data
			}
			// pre-0.1.0 cannot represent a quorum-change accepted value,
			// so such a value is left out of the snapshot: HasAccepted
			// stays false.
		}
		ws.States = append(ws.States, wvs)
	}
	return gob.NewEncoder(w).Encode(&ws)
}

// DeserializeServer reconstructs a Server from a snapshot written by
// Serialize. The wire format permits an ordered container
// of VersionState entries; only the highest-versioned one is kept.
func DeserializeServer[T any, V Version[V], C Ordered[C], S Ordered[S]](
	r io.Reader, wireVersion WireVersion,
) (*Server[T, V, C, S], error) {
	var ws wireServer[T, V, C, S]
	if err := gob.NewDecoder(r).Decode(&ws); err != nil {
		return nil, err
	}
	quorum := NewQuorum[S](ws.Quorum...)
	s := &Server[T, V, C, S]{
		id:            ws.ID,
		quorumInitial: quorum,
		wireVersion:   wireVersion,
	}
	if ws.HasValue {
		v := ws.Value
		s.value = &v
	}
	if len(ws.States) > 0 {
		sort.Slice(ws.States, func(i, j int) bool {
			return ws.States[i].Proposal.Version.Less(ws.States[j].Proposal.Version)
		})
		newest := ws.States[len(ws.States)-1]
		vs := &VersionState[T, V, C, S]{Proposal: newest.Proposal}
		if newest.HasAccepted {
			var value Value[T, S]
			if newest.Kind == KindQuorumChange {
				value = QuorumChangeValue[T, S](NewQuorum[S](newest.QuorumValue...))
			} else {
				value = DataValue[T, S](newest.Data)
			}
			vs.Accepted = &Accepted[T, V, C, S]{
				Proposal:  newest.AcceptedProp,
				Value:     value,
				Confirmed: newest.Confirmed,
			}
		}
		s.state = vs
	}
	return s, nil
}

// roundTrip is a test helper exposed within the package: serialize then
// deserialize through an in-memory buffer.
func roundTrip[T any, V Version[V], C Ordered[C], S Ordered[S]](
	s *Server[T, V, C, S], wireVersion WireVersion,
) (*Server[T, V, C, S], error) {
	var buf bytes.Buffer
	if err := s.Serialize(&buf, wireVersion); err != nil {
		return nil, err
	}
	return DeserializeServer[T, V, C, S](&buf, wireVersion)
}
