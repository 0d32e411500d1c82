package paxos

import "fmt"

// Version is the constraint satisfied by a consensus slot identifier. The
// core only ever needs equality (from comparable), ordering, and Prev; it
// never inspects a version's concrete representation. V is the "curiously
// recurring" self-type: Int64Version implements Version[Int64Version].
type Version[V any] interface {
	Ordered[V]
	Prev() V
}

// Int64Version is the Version implementation used by the demo binaries and
// by most of this package's tests: a plain monotone counter.
type Int64Version int64

// Less reports whether v precedes other.
func (v Int64Version) Less(other Int64Version) bool {
	return v < other
}

// Prev returns the version immediately preceding v.
func (v Int64Version) Prev() Int64Version {
	return v - 1
}

// WireVersion is a (major, minor, subminor) tuple identifying a wire
// format revision, ordered lexicographically. Two revisions matter to this
// package: {0,0,x} (legacy: no confirmed flag, no replica value, no
// quorum-change variant) and {0,1,0}+ (current).
type WireVersion struct {
	Major, Minor, Subminor int
}

// Confirmed010 is the wire version at which Accepted gained its confirmed
// flag, Server gained a standalone value field, and Value gained the
// QuorumChange variant.
var Confirmed010 = WireVersion{0, 1, 0}

// ControlByte030 is the wire version at which channel framing introduced
// the optional leading control byte.
var ControlByte030 = WireVersion{0, 3, 0}

// Less reports whether v is an earlier wire version than other.
func (v WireVersion) Less(other WireVersion) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Subminor < other.Subminor
}

// AtLeast reports whether v is other or a later wire version.
func (v WireVersion) AtLeast(other WireVersion) bool {
	return !v.Less(other)
}

func (v WireVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Subminor)
}
