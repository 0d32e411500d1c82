package channel

import (
	"bufio"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
)

// Multiplexer turns a single ordered, reliable, duplex byte stream (a
// net.Conn, a pipe, anything satisfying io.ReadWriteCloser) into any
// number of independent ordered Channels. Every packet on the underlying
// stream starts its payload (after the framing length prefix) with a
// zigzag-encoded channel id; id allocation is split between the two ends by a one-time handshake so
// neither side needs to ask the other for an id before it can start
// writing.
type Multiplexer struct {
	stream  io.ReadWriteCloser
	reader  *bufio.Reader
	version Version
	sum     bool

	writeMu sync.Mutex

	mu       sync.Mutex
	master   bool
	nextID   int64
	channels map[int64]*Channel
	pending  []*Channel // opened by the peer, not yet Accept()ed
	acceptC  *sync.Cond
	reading  bool // true while some goroutine is blocked in the demux loop
	err      error
}

// Channel is one logical duplex byte stream multiplexed over a
// Multiplexer. Its zero value is not usable; obtain one from Open or
// Accept.
type Channel struct {
	id  int64
	mux *Multiplexer

	mu       sync.Mutex
	queue    [][]byte
	dataC    *sync.Cond
	closed   bool
}

// New negotiates master/slave roles over stream and returns a
// Multiplexer ready to Open and Accept Channels. version gates whether
// frames carry the optional control byte negotiated for this connection;
// checksum enables the CRC-32 trailer. The demux loop starts reading as soon
// as the handshake is done, so writes from the peer never wait for a local
// Read or Accept.
func New(stream io.ReadWriteCloser, version Version, checksum bool) (*Multiplexer, error) {
	m := &Multiplexer{
		stream:   stream,
		reader:   bufio.NewReader(stream),
		version:  version,
		sum:      checksum,
		channels: make(map[int64]*Channel),
	}
	m.acceptC = sync.NewCond(&m.mu)
	master, err := m.handshake()
	if err != nil {
		return nil, err
	}
	m.master = master
	if master {
		m.nextID = 1
	} else {
		m.nextID = -1
	}
	m.reading = true
	go m.demux()
	return m, nil
}

// handshake decides which end is master by exchanging a random byte and
// comparing: the higher byte wins, and a tie is redrawn. This is the same
// tie-broken coin flip the corpus's ChanneledStream uses, translated from
// its retry-on-== loop.
func (m *Multiplexer) handshake() (bool, error) {
	for {
		var mine [1]byte
		if _, err := rand.Read(mine[:]); err != nil {
			return false, err
		}
		// Write concurrently with the read: on a synchronous pipe each
		// end's write only completes once the other end reads.
		writeErr := make(chan error, 1)
		go func() {
			_, err := m.stream.Write(mine[:])
			writeErr <- err
		}()
		var theirs [1]byte
		if _, err := io.ReadFull(m.reader, theirs[:]); err != nil {
			return false, err
		}
		if err := <-writeErr; err != nil {
			return false, err
		}
		if mine[0] == theirs[0] {
			continue
		}
		return mine[0] > theirs[0], nil
	}
}

// allocateID hands out the next id this end owns, skipping over the sign
// change: a master counts 1, 2, 3, ...; a slave counts -1, -2, -3, ....
func (m *Multiplexer) allocateID() int64 {
	id := m.nextID
	if m.master {
		m.nextID++
	} else {
		m.nextID--
	}
	return id
}

// Open allocates a new Channel owned by this end and announces it to the
// peer with an empty opening frame, so Accept on the far side can return
// promptly.
func (m *Multiplexer) Open() (*Channel, error) {
	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()
		return nil, m.err
	}
	id := m.allocateID()
	ch := newChannel(id, m)
	m.channels[id] = ch
	m.mu.Unlock()
	if err := m.writeFrame(id, nil); err != nil {
		return nil, err
	}
	return ch, nil
}

// Accept blocks until the peer opens a channel this end has not yet
// accepted, and returns it. It is safe to call Accept from multiple
// goroutines; each new peer-opened channel is delivered to exactly one
// caller.
func (m *Multiplexer) Accept() (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if len(m.pending) > 0 {
			ch := m.pending[0]
			m.pending = m.pending[1:]
			return ch, nil
		}
		if m.err != nil {
			return nil, m.err
		}
		if !m.reading {
			m.reading = true
			go m.demux()
		}
		m.acceptC.Wait() // m.mu is Accept's own lock; safe to spawn demux above while held
	}
}

// ensureReading starts the demux loop if nothing has yet. Callers must
// not hold a Channel's own lock when calling this: demux itself acquires
// a Channel's lock while holding m.mu (to fail it when the stream breaks), so
// the reverse order here would deadlock against it.
func (m *Multiplexer) ensureReading() {
	m.mu.Lock()
	if !m.reading {
		m.reading = true
		go m.demux()
	}
	m.mu.Unlock()
}

// Close shuts down the underlying stream and wakes every blocked reader
// and acceptor with Closed.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.err == nil {
		m.err = Closed
	}
	m.mu.Unlock()
	m.acceptC.Broadcast()
	m.mu.Lock()
	for _, ch := range m.channels {
		ch.fail(Closed)
	}
	m.mu.Unlock()
	return m.stream.Close()
}

// demux is the single active reader: it owns m.reader exclusively and
// dispatches each incoming frame either to its Channel's queue or, for a
// frame naming an id this end has never seen, to the pending-accept list
// (or discards it, if the id could not possibly be a peer allocation —
// see isOrphan).
func (m *Multiplexer) demux() {
	for {
		id, payload, err := m.readFrame()
		if err != nil {
			m.mu.Lock()
			m.err = err
			m.reading = false
			for _, ch := range m.channels {
				ch.fail(err)
			}
			m.mu.Unlock()
			m.acceptC.Broadcast()
			return
		}

		m.mu.Lock()
		ch, known := m.channels[id]
		if !known {
			if m.isOrphan(id) {
				m.mu.Unlock()
				continue
			}
			ch = newChannel(id, m)
			m.channels[id] = ch
			m.pending = append(m.pending, ch)
			m.acceptC.Broadcast()
		}
		m.mu.Unlock()

		if len(payload) > 0 {
			ch.deliver(payload)
		}
	}
}

// isOrphan reports whether an incoming id could not have been allocated
// by the peer: a master only ever hears negative ids from a well-behaved
// slave, and vice versa. A stray packet for an id this end itself owns
// but has already forgotten (e.g. after closing that Channel) is
// likewise an orphan. Ported from ChanneledStream::accept's discard
// check.
func (m *Multiplexer) isOrphan(id int64) bool {
	if m.master {
		return id >= 0
	}
	return id <= 0
}

func (m *Multiplexer) writeFrame(id int64, payload []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	var idBuf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(idBuf[:], id)
	framed := append(append([]byte{}, idBuf[:n]...), payload...)
	return writePacket(m.stream, framed, m.version, m.sum)
}

func (m *Multiplexer) readFrame() (int64, []byte, error) {
	framed, err := readPacket(m.reader, m.version, m.sum)
	if err != nil {
		return 0, nil, err
	}
	id, n := binary.Varint(framed)
	if n <= 0 {
		return 0, nil, Corrupted
	}
	return id, framed[n:], nil
}

func newChannel(id int64, mux *Multiplexer) *Channel {
	ch := &Channel{id: id, mux: mux}
	ch.dataC = sync.NewCond(&ch.mu)
	return ch
}

// ID returns the channel's multiplexing id: positive if the local
// Multiplexer's master end allocated it, negative if the slave end did.
func (c *Channel) ID() int64 { return c.id }

// Write sends p as a single frame on this channel.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, Closed
	}
	if err := c.mux.writeFrame(c.id, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read returns the next frame written by the peer on this channel,
// blocking until one arrives. Unlike net.Conn.Read it never fragments or
// coalesces frames: each Read returns exactly one Write from the peer.
func (c *Channel) Read() ([]byte, error) {
	c.mux.ensureReading()
	c.mu.Lock()
	for len(c.queue) == 0 && !c.closed {
		c.dataC.Wait()
	}
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return nil, c.failErr()
	}
	p := c.queue[0]
	c.queue = c.queue[1:]
	c.mu.Unlock()
	return p, nil
}

func (c *Channel) failErr() error {
	c.mux.mu.Lock()
	defer c.mux.mu.Unlock()
	if c.mux.err != nil {
		return c.mux.err
	}
	return Closed
}

func (c *Channel) deliver(p []byte) {
	c.mu.Lock()
	c.queue = append(c.queue, p)
	c.mu.Unlock()
	c.dataC.Signal()
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.dataC.Broadcast()
}

// Close marks the channel closed locally. It does not notify the peer;
// callers that need a clean half-close should send an application-level
// message before closing.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.dataC.Broadcast()
	c.mux.mu.Lock()
	delete(c.mux.channels, c.id)
	c.mux.mu.Unlock()
	return nil
}
