package paxos

import "fmt"

// ValueKind discriminates the two cases of Value.
type ValueKind uint8

const (
	// KindData marks a Value carrying an application payload.
	KindData ValueKind = iota
	// KindQuorumChange marks a Value carrying a new quorum membership.
	KindQuorumChange
)

func (k ValueKind) String() string {
	switch k {
	case KindData:
		return "Data"
	case KindQuorumChange:
		return "QuorumChange"
	default:
		return "Invalid"
	}
}

// Value is the tagged union a proposal carries: either an opaque
// application payload (Data) or a new replica membership (QuorumChange).
// It is a struct with a discriminant rather than two parallel pointer
// fields so that serialization can copy its discriminant into a plain wire
// field instead of registering interface types (Value itself is not
// gob-encodable, because Quorum has no exported fields), and so mistakenly reading the wrong field is impossible: Data
// and Quorum are only meaningful when Kind says so.
type Value[T any, S Ordered[S]] struct {
	Kind   ValueKind
	Data   T
	Quorum Quorum[S]
}

// DataValue wraps an application payload as a Value.
func DataValue[T any, S Ordered[S]](data T) Value[T, S] {
	return Value[T, S]{Kind: KindData, Data: data}
}

// QuorumChangeValue wraps a new quorum membership as a Value.
func QuorumChangeValue[T any, S Ordered[S]](q Quorum[S]) Value[T, S] {
	return Value[T, S]{Kind: KindQuorumChange, Quorum: q}
}

// IsData reports whether v carries an application payload.
func (v Value[T, S]) IsData() bool {
	return v.Kind == KindData
}

// IsQuorumChange reports whether v carries a new quorum membership.
func (v Value[T, S]) IsQuorumChange() bool {
	return v.Kind == KindQuorumChange
}

func (v Value[T, S]) String() string {
	if v.IsQuorumChange() {
		return "QuorumChange" + v.Quorum.String()
	}
	return "Data(" + sprintValue(v.Data) + ")"
}

func sprintValue(v any) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return fmt.Sprint(v)
}
