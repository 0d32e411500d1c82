// Package paxos is an implementation of multi-decree Paxos consensus with
// dynamic quorum reconfiguration.
//
// It splits the classic three roles into two: a Server, which plays
// Acceptor and Learner for a single family of consensus slots, and a
// Client, which plays Proposer and drives the three-phase protocol
// (propose, accept, confirm) against a quorum of Servers.
//
// Unlike single-decree Paxos, a Server here does not keep a growing log of
// slots. Only one VersionState is ever live: once a version is confirmed,
// its outcome collapses into the Server's value (for a Data value) or its
// quorum_initial (for a QuorumChange value) and the state resets, ready for
// the next version. Quorum membership itself is a first-class value that
// can be chosen just like any other, which lets a running deployment add or
// remove peers by committing a QuorumChange.
//
// Noticeably absent: leader election, log replication across many
// decrees, Byzantine tolerance, and durable persistence (the Server can
// serialize its state, but deciding when to do so is the caller's job).
//
// References:
//
//   - Paxos Made Simple - Lamport
//   - Paxos Made Live - Chandra, Griesemer, Redstone
//   - http://en.wikipedia.org/wiki/Paxos_%28computer_science%29
package paxos
