package codec

import (
	"math/rand/v2"

	"github.com/miekg/dns"
)

// BuildQueryPacket builds the packet sent upstream for q, with a fresh random
// transaction id. With randomizeCase the letters of the name are flipped at
// random so that a spoofed answer also has to guess the casing.
func BuildQueryPacket(q *Question, rng *rand.Rand, randomizeCase bool) ([]byte, Minimal, error) {
	name := q.Name
	if randomizeCase {
		name = randomCase(name, rng)
	}

	m := new(dns.Msg)
	m.Id = uint16(rng.Uint32())
	m.RecursionDesired = true
	m.Question = []dns.Question{{Name: name, Qtype: q.Qtype, Qclass: q.Qclass}}
	m.SetEdns0(MaxUDPSize, q.DNSSEC)

	packet, err := m.Pack()
	if err != nil {
		return nil, Minimal{}, err
	}

	return packet, Minimal{Name: name, Qtype: q.Qtype, Qclass: q.Qclass, TID: m.Id}, nil
}

// BuildTCPacket returns an empty truncated answer, telling a UDP client to retry over TCP.
func BuildTCPacket(q *Question) ([]byte, error) {
	m := newReply(q)
	m.Truncated = true
	return m.Pack()
}

func BuildServFailPacket(q *Question) ([]byte, error) {
	m := newReply(q)
	m.Rcode = dns.RcodeServerFailure
	return m.Pack()
}

// BuildHealthCheckPacket returns a ". IN NS" probe.
func BuildHealthCheckPacket(rng *rand.Rand) ([]byte, Minimal, error) {
	q := &Question{Name: ".", Qtype: dns.TypeNS, Qclass: dns.ClassINET}
	return BuildQueryPacket(q, rng, false)
}

func newReply(q *Question) *dns.Msg {
	m := new(dns.Msg)
	m.Id = q.TID
	m.Response = true
	m.RecursionDesired = true
	m.RecursionAvailable = true
	m.Question = []dns.Question{{Name: q.Name, Qtype: q.Qtype, Qclass: q.Qclass}}
	if q.DNSSEC {
		m.SetEdns0(q.PayloadSize, true)
	}
	return m
}

func randomCase(name string, rng *rand.Rand) string {
	b := []byte(name)
	for i, c := range b {
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') {
			if rng.IntN(2) == 0 {
				b[i] = c ^ 0x20
			}
		}
	}
	return string(b)
}
