package channel

import (
	"net"
	"testing"
	"time"
)

func newPair(t *testing.T) (*Multiplexer, *Multiplexer) {
	t.Helper()
	a, b := net.Pipe()
	type result struct {
		mux *Multiplexer
		err error
	}
	resA := make(chan result, 1)
	resB := make(chan result, 1)
	go func() {
		m, err := New(a, Version{0, 3, 0}, true)
		resA <- result{m, err}
	}()
	go func() {
		m, err := New(b, Version{0, 3, 0}, true)
		resB <- result{m, err}
	}()
	ra := <-resA
	rb := <-resB
	if ra.err != nil {
		t.Fatalf("New (a): %v", ra.err)
	}
	if rb.err != nil {
		t.Fatalf("New (b): %v", rb.err)
	}
	return ra.mux, rb.mux
}

func TestHandshakeAssignsOppositeRoles(t *testing.T) {
	a, b := newPair(t)
	defer a.Close()
	defer b.Close()
	if a.master == b.master {
		t.Fatalf("both ends negotiated master=%v", a.master)
	}
}

func TestOpenAcceptRoundTrip(t *testing.T) {
	a, b := newPair(t)
	defer a.Close()
	defer b.Close()

	openErr := make(chan error, 1)
	var opened *Channel
	go func() {
		ch, err := a.Open()
		opened = ch
		openErr <- err
	}()

	accepted, err := b.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := <-openErr; err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := opened.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := accepted.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "ping" {
		t.Fatalf("got %q, want %q", got, "ping")
	}

	if _, err := accepted.Write([]byte("pong")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err = opened.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "pong" {
		t.Fatalf("got %q, want %q", got, "pong")
	}
}

func TestChannelIDSignMatchesRole(t *testing.T) {
	a, b := newPair(t)
	defer a.Close()
	defer b.Close()

	openErr := make(chan error, 1)
	var opened *Channel
	go func() {
		ch, err := a.Open()
		opened = ch
		openErr <- err
	}()
	accepted, err := b.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := <-openErr; err != nil {
		t.Fatalf("Open: %v", err)
	}

	if a.master {
		if opened.ID() <= 0 {
			t.Fatalf("master-opened channel id = %d, want positive", opened.ID())
		}
	} else {
		if opened.ID() >= 0 {
			t.Fatalf("slave-opened channel id = %d, want negative", opened.ID())
		}
	}
	if accepted.ID() != opened.ID() {
		t.Fatalf("accepted id %d != opened id %d", accepted.ID(), opened.ID())
	}
}

func TestMultipleChannelsAreIndependent(t *testing.T) {
	a, b := newPair(t)
	defer a.Close()
	defer b.Close()

	const n = 3
	opened := make([]*Channel, n)
	for i := 0; i < n; i++ {
		ch, err := a.Open()
		if err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
		opened[i] = ch
	}

	accepted := make(map[int64]*Channel)
	for i := 0; i < n; i++ {
		ch, err := b.Accept()
		if err != nil {
			t.Fatalf("Accept %d: %v", i, err)
		}
		accepted[ch.ID()] = ch
	}

	for i, ch := range opened {
		msg := []byte{byte('a' + i)}
		if _, err := ch.Write(msg); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	for i, ch := range opened {
		peer, ok := accepted[ch.ID()]
		if !ok {
			t.Fatalf("no accepted channel for id %d", ch.ID())
		}
		got, err := peer.Read()
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if got[0] != byte('a'+i) {
			t.Fatalf("channel %d got %q", i, got)
		}
	}
}

func TestCloseUnblocksPendingRead(t *testing.T) {
	a, b := newPair(t)
	defer b.Close()

	openErr := make(chan error, 1)
	var opened *Channel
	go func() {
		ch, err := a.Open()
		opened = ch
		openErr <- err
	}()
	accepted, err := b.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := <-openErr; err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = opened

	readErr := make(chan error, 1)
	go func() {
		_, err := accepted.Read()
		readErr <- err
	}()

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-readErr:
		if err == nil {
			t.Fatal("expected error after Close, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not unblock after peer Close")
	}
}
