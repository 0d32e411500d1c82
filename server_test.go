package paxos

import (
	"errors"
	"io/ioutil"
	"testing"
)

func init() {
	SetOutput(ioutil.Discard)
}

func testQuorum() Quorum[StringID] {
	return NewQuorum[StringID]("a", "b", "c")
}

func newTestServer(t *testing.T, id StringID) *Server[string, Int64Version, StringID, StringID] {
	t.Helper()
	s, err := NewServer[string, Int64Version, StringID, StringID](id, testQuorum(), Confirmed010)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func TestNewServerRejectsQuorumWithoutSelf(t *testing.T) {
	_, err := NewServer[string, Int64Version, StringID, StringID]("z", testQuorum(), Confirmed010)
	var violation *ProtocolViolation
	if !errors.As(err, &violation) {
		t.Fatalf("got %v, want *ProtocolViolation", err)
	}
}

func TestProposeAcceptConfirmBasicFlow(t *testing.T) {
	s := newTestServer(t, "a")
	q := testQuorum()
	p := Proposal[Int64Version, StringID]{Version: 1, Round: 1, Sender: "client"}

	acc, err := s.Propose(q, p)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if acc != nil {
		t.Fatalf("Propose returned %v on first proposal, want nil", acc)
	}

	value := DataValue[string, StringID]("hello")
	minimum, err := s.Accept(q, p, value)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if !minimum.Equal(p) {
		t.Fatalf("Accept minimum %v, want %v", minimum, p)
	}

	if err := s.Confirm(q, p); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	got, err := s.Get(q)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || !got.Confirmed || got.Value.Data != "hello" {
		t.Fatalf("Get returned %v, want confirmed hello", got)
	}
}

func TestProposeRefusesWrongQuorum(t *testing.T) {
	s := newTestServer(t, "a")
	p := Proposal[Int64Version, StringID]{Version: 1, Round: 1, Sender: "client"}
	_, err := s.Propose(NewQuorum[StringID]("a", "b"), p)
	var wq *WrongQuorum[StringID]
	if !errors.As(err, &wq) {
		t.Fatalf("got %v, want *WrongQuorum", err)
	}
}

func TestAcceptWithoutProposeIsPartialState(t *testing.T) {
	s := newTestServer(t, "a")
	q := testQuorum()
	p := Proposal[Int64Version, StringID]{Version: 1, Round: 1, Sender: "client"}
	_, err := s.Accept(q, p, DataValue[string, StringID]("x"))
	var ps *PartialState[Int64Version, StringID]
	if !errors.As(err, &ps) {
		t.Fatalf("got %v, want *PartialState", err)
	}
}

func TestConfirmWithoutAcceptIsPartialState(t *testing.T) {
	s := newTestServer(t, "a")
	q := testQuorum()
	p := Proposal[Int64Version, StringID]{Version: 1, Round: 1, Sender: "client"}
	if _, err := s.Propose(q, p); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	err := s.Confirm(q, p)
	var ps *PartialState[Int64Version, StringID]
	if !errors.As(err, &ps) {
		t.Fatalf("got %v, want *PartialState", err)
	}
}

func TestAcceptRejectsOverwritingConfirmedValue(t *testing.T) {
	s := newTestServer(t, "a")
	q := testQuorum()
	p1 := Proposal[Int64Version, StringID]{Version: 1, Round: 1, Sender: "client"}
	if _, err := s.Propose(q, p1); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := s.Accept(q, p1, DataValue[string, StringID]("first")); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := s.Confirm(q, p1); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	p2 := Proposal[Int64Version, StringID]{Version: 1, Round: 2, Sender: "client"}
	if _, err := s.Propose(q, p2); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	_, err := s.Accept(q, p2, DataValue[string, StringID]("second"))
	var pv *ProtocolViolation
	if !errors.As(err, &pv) {
		t.Fatalf("got %v, want *ProtocolViolation", err)
	}
}

func TestAcceptToleratesReconfirmingSameValue(t *testing.T) {
	s := newTestServer(t, "a")
	q := testQuorum()
	p1 := Proposal[Int64Version, StringID]{Version: 1, Round: 1, Sender: "client"}
	if _, err := s.Propose(q, p1); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := s.Accept(q, p1, DataValue[string, StringID]("same")); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := s.Confirm(q, p1); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	p2 := Proposal[Int64Version, StringID]{Version: 1, Round: 2, Sender: "client"}
	if _, err := s.Propose(q, p2); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := s.Accept(q, p2, DataValue[string, StringID]("same")); err != nil {
		t.Fatalf("Accept with identical confirmed value should succeed: %v", err)
	}
}

func TestAdvanceCarriesForwardConfirmedDataValue(t *testing.T) {
	s := newTestServer(t, "a")
	q := testQuorum()
	p1 := Proposal[Int64Version, StringID]{Version: 1, Round: 1, Sender: "client"}
	if _, err := s.Propose(q, p1); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := s.Accept(q, p1, DataValue[string, StringID]("v1")); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := s.Confirm(q, p1); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	p2 := Proposal[Int64Version, StringID]{Version: 2, Round: 1, Sender: "client"}
	acc, err := s.Propose(q, p2)
	if err != nil {
		t.Fatalf("Propose v2: %v", err)
	}
	if acc != nil {
		t.Fatalf("Propose v2 returned %v, want nil (fresh slot)", acc)
	}
	got := s.CurrentValue()
	if got == nil || got.Value.Data != "v1" {
		t.Fatalf("CurrentValue after advance = %v, want v1", got)
	}
}

func TestQuorumChangeTakesEffectOnAdvance(t *testing.T) {
	s := newTestServer(t, "a")
	q := testQuorum()
	newQuorum := NewQuorum[StringID]("a", "b", "d")

	p1 := Proposal[Int64Version, StringID]{Version: 1, Round: 1, Sender: "client"}
	if _, err := s.Propose(q, p1); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := s.Accept(q, p1, QuorumChangeValue[string, StringID](newQuorum)); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := s.Confirm(q, p1); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !s.CurrentQuorum().Equal(newQuorum) {
		t.Fatalf("CurrentQuorum before advance = %s, want %s", s.CurrentQuorum(), newQuorum)
	}

	p2 := Proposal[Int64Version, StringID]{Version: 2, Round: 1, Sender: "client"}
	if _, err := s.Propose(newQuorum, p2); err != nil {
		t.Fatalf("Propose v2 under new quorum: %v", err)
	}
	if !s.CurrentQuorum().Equal(newQuorum) {
		t.Fatalf("CurrentQuorum after advance = %s, want %s", s.CurrentQuorum(), newQuorum)
	}
}

func TestDiscardsUnconfirmedQuorumChangeOnAdvance(t *testing.T) {
	s := newTestServer(t, "a")
	q := testQuorum()
	pending := NewQuorum[StringID]("a", "b", "d")

	p1 := Proposal[Int64Version, StringID]{Version: 1, Round: 1, Sender: "client"}
	if _, err := s.Propose(q, p1); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := s.Accept(q, p1, QuorumChangeValue[string, StringID](pending)); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	// Never confirmed.

	p2 := Proposal[Int64Version, StringID]{Version: 2, Round: 1, Sender: "client"}
	if _, err := s.Propose(q, p2); err != nil {
		t.Fatalf("Propose v2: %v", err)
	}
	if !s.CurrentQuorum().Equal(q) {
		t.Fatalf("CurrentQuorum after discarding unconfirmed change = %s, want unchanged %s", s.CurrentQuorum(), q)
	}
	discarded := s.DiscardedQuorumChange()
	if discarded == nil || !discarded.Equal(pending) {
		t.Fatalf("DiscardedQuorumChange = %v, want %s", discarded, pending)
	}
}

func TestProposeRefusesLowerVersionInFavorOfHigherAccepted(t *testing.T) {
	s := newTestServer(t, "a")
	q := testQuorum()
	p1 := Proposal[Int64Version, StringID]{Version: 2, Round: 1, Sender: "client"}
	if _, err := s.Propose(q, p1); err != nil {
		t.Fatalf("Propose v2: %v", err)
	}
	if _, err := s.Accept(q, p1, DataValue[string, StringID]("v2")); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	stale := Proposal[Int64Version, StringID]{Version: 1, Round: 1, Sender: "late"}
	acc, err := s.Propose(q, stale)
	if err != nil {
		t.Fatalf("Propose stale: %v", err)
	}
	if acc == nil || acc.Proposal.Version != 2 {
		t.Fatalf("Propose stale returned %v, want the v2 Accepted", acc)
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	s := newTestServer(t, "a")
	q := testQuorum()
	p := Proposal[Int64Version, StringID]{Version: 1, Round: 1, Sender: "client"}
	if _, err := s.Propose(q, p); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := s.Accept(q, p, DataValue[string, StringID]("persisted")); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := s.Confirm(q, p); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	restored, err := roundTrip[string, Int64Version, StringID, StringID](s, Confirmed010)
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	if restored.ID() != s.ID() {
		t.Fatalf("restored id = %v, want %v", restored.ID(), s.ID())
	}
	if !restored.CurrentQuorum().Equal(s.CurrentQuorum()) {
		t.Fatalf("restored quorum = %s, want %s", restored.CurrentQuorum(), s.CurrentQuorum())
	}
	got := restored.CurrentValue()
	if got == nil || got.Value.Data != "persisted" {
		t.Fatalf("restored CurrentValue = %v, want persisted", got)
	}
}
