package model

import (
	"net"
	"time"

	"github.com/treemana/edgedns/codec"
)

type Proto uint8

const (
	ProtoUDP Proto = iota
	ProtoTCP
)

func (p Proto) String() string {
	if p == ProtoTCP {
		return "tcp"
	}
	return "udp"
}

// ClientQuery is one client waiting for an answer.
type ClientQuery struct {
	Proto    Proto
	Question *codec.Question
	TS       time.Time // arrival time

	// ClientAddr is the requester udp address
	ClientAddr *net.UDPAddr

	// ClientTok identifies the tcp connection, TCPClient receives its answers
	ClientTok uint64
	TCPClient chan<- ResolverResponse
}

// ResolverResponse is an answer for a tcp client, framing is left to the listener.
type ResolverResponse struct {
	ClientTok uint64
	Response  []byte
	DNSSEC    bool
}
