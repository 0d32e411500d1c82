package paxos

import (
	"errors"
	"sync"
	"time"
)

// Client is the coordinator: it plays Proposer and Learner, driving the
// three-phase protocol against a quorum of PeerHandles. A Client is
// ephemeral per logical write in spirit, but is safe to reuse for many
// Choose/Get calls in sequence; it is not safe to call Choose
// concurrently with itself.
type Client[T any, V Version[V], C Ordered[C], S Ordered[S]] struct {
	id    C
	peers []PeerHandle[T, V, C, S]

	round           int
	conflictBackoff bool
}

// NewClient creates a coordinator identified by id, proposing against the
// given peers. peers must be non-empty.
func NewClient[T any, V Version[V], C Ordered[C], S Ordered[S]](
	id C, peers []PeerHandle[T, V, C, S],
) *Client[T, V, C, S] {
	return &Client[T, V, C, S]{id: id, peers: peers, conflictBackoff: true}
}

// Peers returns a pointer to this Client's peer list, so callers can add
// or remove members to reflect a quorum change they've just chosen.
func (c *Client[T, V, C, S]) Peers() *[]PeerHandle[T, V, C, S] {
	return &c.peers
}

// SetConflictBackoff enables or disables the randomized sleep this Client
// performs after a conflicting accept. Tests that want deterministic,
// fast retries disable it.
func (c *Client[T, V, C, S]) SetConflictBackoff(enabled bool) {
	c.conflictBackoff = enabled
}

func (c *Client[T, V, C, S]) quorum() Quorum[S] {
	ids := make([]S, len(c.peers))
	for i, p := range c.peers {
		ids[i] = p.ID()
	}
	return NewQuorum[S](ids...)
}

// checkHeadcount enforces the write and read majority thresholds: a
// write needs more than size/2 of the quorum reachable; a read needs more
// than (size-1)/2, which for an even-sized quorum is one peer fewer than a
// write and for an odd-sized quorum the same number.
func (c *Client[T, V, C, S]) checkHeadcount(q Quorum[S], reached int, reading bool) error {
	size := q.Len()
	threshold := size
	if reading {
		threshold--
	}
	threshold /= 2
	if reached <= threshold {
		return &TooFewPeers{Effective: reached, Total: size}
	}
	return nil
}

// forEachPeer runs fn against every peer concurrently and waits for all of
// them to finish. This is the Go substitute for the reactor Scope the
// original fans out under: a goroutine per peer joined by a
// WaitGroup. Because PeerHandle's RPCs are plain synchronous calls with no
// context parameter, a goroutine that has already started its call cannot
// be preempted mid-flight; "abort the remaining tasks" in practice means
// callers stop trusting results once a conflict is observed, not that an
// in-flight network call is killed.
func forEachPeer[T any, V Version[V], C Ordered[C], S Ordered[S]](
	peers []PeerHandle[T, V, C, S], fn func(PeerHandle[T, V, C, S]),
) {
	var wg sync.WaitGroup
	wg.Add(len(peers))
	for _, p := range peers {
		go func(p PeerHandle[T, V, C, S]) {
			defer wg.Done()
			fn(p)
		}(p)
	}
	wg.Wait()
}

// countReachable folds an RPC error into either a skipped Unavailable
// count or a surfaced error: Unavailable is
// counted-but-tolerated, everything else propagates.
func countReachable(err error, reached *int, firstErr *error, mu *sync.Mutex) bool {
	mu.Lock()
	defer mu.Unlock()
	if err == nil {
		*reached++
		return true
	}
	if errors.Is(err, Unavailable) {
		return false
	}
	if *firstErr == nil {
		*firstErr = err
	}
	return false
}

// Choose is the write path. It returns (nil, nil) iff value was the value
// chosen for version; it returns a non-nil Accepted iff an earlier value
// was already chosen for version, in which case the caller should
// typically retry at a higher version with that earlier value's data
// folded in, or with a fresh value if it wants to keep trying to write its
// own.
func (c *Client[T, V, C, S]) Choose(version V, value Value[T, S]) (*Accepted[T, V, C, S], error) {
	logger.Printf("%v: choose %v", c.id, value)
	q := c.quorum()
	var previous *Accepted[T, V, C, S]
	backoffMultiplier := 1

	for {
		c.round++
		proposal := Proposal[V, C]{Version: version, Round: c.round, Sender: c.id}
		logger.Printf("%v: send proposal: %v", c.id, proposal)

		// Phase 1: propose.
		{
			var mu sync.Mutex
			reached := 0
			var firstErr error
			forEachPeer(c.peers, func(peer PeerHandle[T, V, C, S]) {
				acc, err := peer.Propose(q, proposal)
				if !countReachable(err, &reached, &firstErr, &mu) {
					return
				}
				if acc == nil {
					return
				}
				mu.Lock()
				if previous == nil || previous.Proposal.Less(acc.Proposal) {
					previous = acc
				}
				mu.Unlock()
			})
			if firstErr != nil {
				return nil, firstErr
			}
			if previous != nil && previous.Confirmed {
				return previous, nil
			}
			if err := c.checkHeadcount(q, reached, false); err != nil {
				return nil, err
			}
			if previous != nil && proposal.Less(previous.Proposal) {
				logger.Printf("%v: peer ahead of us, retry at %v", c.id, previous.Proposal)
				version = previous.Proposal.Version
				c.round = previous.Proposal.Round
				continue
			}
		}

		// Phase 2: accept.
		toSend := value
		if previous != nil {
			toSend = previous.Value
		}
		conflicted := false
		var conflictMin Proposal[V, C]
		{
			var mu sync.Mutex
			reached := 0
			var firstErr error
			forEachPeer(c.peers, func(peer PeerHandle[T, V, C, S]) {
				minimum, err := peer.Accept(q, proposal, toSend)
				if !countReachable(err, &reached, &firstErr, &mu) {
					return
				}
				if proposal.Less(minimum) {
					mu.Lock()
					if !conflicted || conflictMin.Less(minimum) {
						conflicted = true
						conflictMin = minimum
					}
					mu.Unlock()
				}
			})
			if firstErr != nil {
				return nil, firstErr
			}
			if conflicted {
				delay := conflictBackoff(backoffMultiplier)
				if c.conflictBackoff {
					logger.Printf("%v: conflicted proposal, retry in %v", c.id, delay)
					time.Sleep(delay)
				} else {
					logger.Printf("%v: conflicted proposal, retry", c.id)
				}
				backoffMultiplier = nextBackoffMultiplier(backoffMultiplier)
				version = conflictMin.Version
				c.round = conflictMin.Round
				continue
			}
			if err := c.checkHeadcount(q, reached, false); err != nil {
				return nil, err
			}
		}

		logger.Printf("%v: chose %v", c.id, toSend)

		// Phase 3: confirm.
		{
			var mu sync.Mutex
			reached := 0
			var firstErr error
			forEachPeer(c.peers, func(peer PeerHandle[T, V, C, S]) {
				err := peer.Confirm(q, proposal)
				countReachable(err, &reached, &firstErr, &mu)
			})
			if firstErr != nil {
				return nil, firstErr
			}
			if err := c.checkHeadcount(q, reached, false); err != nil {
				return nil, err
			}
		}
		return previous, nil
	}
}

// Get is the read path for the common case where only the data value is
// wanted.
func (c *Client[T, V, C, S]) Get() (*T, error) {
	v, _, err := c.GetQuorum()
	return v, err
}

// GetQuorum reads the current value along with the quorum it was read
// under. It needs more than (size-1)/2 replies where Choose needs more than
// size/2, so for an even-sized quorum a read succeeds with one peer fewer
// than a write: this is only safe because every write requires a strict
// majority of the same quorum to Accept, so any two majorities of that
// quorum intersect and a read one short of a majority still cannot miss a
// confirmed value entirely on more than a minority of replicas.
func (c *Client[T, V, C, S]) GetQuorum() (*T, Quorum[S], error) {
	logger.Printf("%v: get value", c.id)
	q := c.quorum()
	var mu sync.Mutex
	reached := 0
	var firstErr error
	var res *Accepted[T, V, C, S]
	forEachPeer(c.peers, func(peer PeerHandle[T, V, C, S]) {
		acc, err := peer.Get(q)
		if !countReachable(err, &reached, &firstErr, &mu) {
			return
		}
		if acc == nil {
			return
		}
		mu.Lock()
		if res == nil || res.Proposal.Less(acc.Proposal) {
			res = acc
		}
		mu.Unlock()
	})
	if firstErr != nil {
		return nil, q, firstErr
	}
	if err := c.checkHeadcount(q, reached, true); err != nil {
		return nil, q, err
	}
	if res == nil {
		return nil, q, nil
	}
	v := res.Value.Data
	return &v, q, nil
}
