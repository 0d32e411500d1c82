package paxos

import "fmt"

// Accepted is the highest value a Server has recorded for its current
// version slot, and whether a majority has been observed to accept it.
type Accepted[T any, V Version[V], C Ordered[C], S Ordered[S]] struct {
	Proposal  Proposal[V, C]
	Value     Value[T, S]
	Confirmed bool
}

func (a Accepted[T, V, C, S]) String() string {
	return fmt.Sprintf("Accepted{proposal=%v, value=%v, confirmed=%v}",
		a.Proposal, a.Value, a.Confirmed)
}

// VersionState is the single live consensus slot a Server tracks. Its
// version is Proposal.Version; there is never more than one VersionState
// live on a Server at a time.
type VersionState[T any, V Version[V], C Ordered[C], S Ordered[S]] struct {
	Proposal Proposal[V, C]
	Accepted *Accepted[T, V, C, S]
}

// version returns the slot version this state is for.
func (vs VersionState[T, V, C, S]) version() V {
	return vs.Proposal.Version
}
