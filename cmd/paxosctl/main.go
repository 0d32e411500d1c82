// Command paxosctl is a coordinator for a running paxosnode quorum: it
// dials every replica, opens one RPC channel per replica, and issues a
// single Choose (-put) or Get (-get) against them before exiting.
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
		id        = flag.String("id", "paxosctl", "this coordinator's id, used to break proposal ties")
		peersFlag = flag.String("peers", "", "comma-separated list of id=addr for every replica to contact")
		version   = flag.Int64("version", 0, "version slot to operate on, for -put")
		put       = flag.String("put", "", "value to propose at -version")
		get       = flag.Bool("get", false, "read the current value instead of proposing one")
		checksum  = flag.Bool("checksum", true, "verify a CRC-32 trailer on every frame")
	)
	flag.Parse()

	if *peersFlag == "" {
		log.Fatal("paxosctl: -peers is required")
	}
	peers, err := dialAll(*peersFlag, *checksum)
	if err != nil {
		log.Fatalf("paxosctl: %v", err)
	}

	client := paxos.NewClient[string, paxos.Int64Version, paxos.StringID, paxos.StringID](
		paxos.StringID(*id), peers,
	)

	switch {
	case *get:
		value, err := client.Get()
		if err != nil {
			log.Fatalf("paxosctl: get: %v", err)
		}
		if value == nil {
			log.Print("paxosctl: no value has been chosen yet")
			return
		}
		log.Printf("paxosctl: current value: %q", *value)
	case *put != "":
		result, err := client.Choose(paxos.Int64Version(*version), paxos.DataValue[string, paxos.StringID](*put))
		if err != nil {
			log.Fatalf("paxosctl: choose: %v", err)
		}
		if result == nil {
			log.Printf("paxosctl: chose %q at version %d", *put, *version)
			return
		}
		log.Printf("paxosctl: version %d was already chosen: %v", *version, result)
	default:
		log.Fatal("paxosctl: one of -get or -put is required")
	}
}

func dialAll(spec string, checksum bool) ([]paxos.PeerHandle[string, paxos.Int64Version, paxos.StringID, paxos.StringID], error) {
	var peers []paxos.PeerHandle[string, paxos.Int64Version, paxos.StringID, paxos.StringID]
	for _, entry := range strings.Split(spec, ",") {
		idAddr := strings.SplitN(entry, "=", 2)
		if len(idAddr) != 2 {
			log.Fatalf("paxosctl: malformed -peers entry %q, want id=addr", entry)
		}
		id, addr := paxos.StringID(idAddr[0]), idAddr[1]
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
		mux, err := channel.New(conn, channel.ControlByte, checksum)
		if err != nil {
			return nil, err
		}
		ch, err := mux.Open()
		if err != nil {
			return nil, err
		}
		peers = append(peers, rpcpeer.NewRemotePeer[string, paxos.Int64Version, paxos.StringID, paxos.StringID](id, ch))
	}
	return peers, nil
}
