// Command paxosnode runs one replica of a string-valued Paxos core over
// TCP. Every accepted connection is multiplexed with the channel package
// and served with rpcpeer.Serve, so a single node can serve any number of
// coordinators, such as paxosctl issuing a Choose or Get.
package main

import (
	"flag"
	"log"
	"net"
	"strings"

	"github.com/dvale/paxos"
	"github.com/dvale/paxos/channel"
	"github.com/dvale/paxos/rpcpeer"
)

func main() {
	var (
		id        = flag.String("id", "", "this node's id, e.g. host:port")
		listen    = flag.String("listen", ":0", "address to listen on")
		peersFlag = flag.String("peers", "", "comma-separated list of every replica id in the initial quorum, including this one")
		checksum  = flag.Bool("checksum", true, "verify a CRC-32 trailer on every frame")
	)
	flag.Parse()

	if *id == "" {
		log.Fatal("paxosnode: -id is required")
	}
	members := strings.Split(*peersFlag, ",")
	if len(members) == 0 || (len(members) == 1 && members[0] == "") {
		members = []string{*id}
	}
	ids := make([]paxos.StringID, len(members))
	for i, m := range members {
		ids[i] = paxos.StringID(m)
	}
	quorum := paxos.NewQuorum(ids...)

	server, err := paxos.NewServer[string, paxos.Int64Version, paxos.StringID, paxos.StringID](
		paxos.StringID(*id), quorum, paxos.Confirmed010,
	)
	if err != nil {
		log.Fatalf("paxosnode: %v", err)
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("paxosnode: listen: %v", err)
	}
	log.Printf("paxosnode %s: listening on %s, quorum %s", *id, ln.Addr(), quorum)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("paxosnode %s: accept: %v", *id, err)
			continue
		}
		go serveConn(conn, server, *checksum)
	}
}

func serveConn(conn net.Conn, server *paxos.Server[string, paxos.Int64Version, paxos.StringID, paxos.StringID], checksum bool) {
	mux, err := channel.New(conn, channel.ControlByte, checksum)
	if err != nil {
		log.Printf("paxosnode: handshake with %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	for {
		ch, err := mux.Accept()
		if err != nil {
			return
		}
		go func() {
			if err := rpcpeer.Serve(ch, server); err != nil {
				log.Printf("paxosnode: serving channel from %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}
