// Package codec holds the wire-level DNS helpers used by the resolver.
//
// Every function is pure: it works on a packet or a question and keeps no state.
// Parsing and packet construction rely on github.com/miekg/dns, the header
// accessors work directly on the bytes because they sit on the hot path.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

const (
	HeaderSize        = 12
	QueryMinSize      = 17 // header + root name + qtype + qclass
	MaxSize           = 65535
	MaxUDPSize        = 4096
	UDPNoEDNS0MaxSize = 512

	RcodeServFail = dns.RcodeServerFailure
)

var (
	ErrShortPacket   = errors.New("short packet")
	ErrNotQuery      = errors.New("not a query")
	ErrNotResponse   = errors.New("not a response")
	ErrOpcode        = errors.New("unsupported opcode")
	ErrQuestionCount = errors.New("exactly one question expected")
	ErrNameMismatch  = errors.New("question name mismatch")
	ErrCompressed    = errors.New("compressed question name")
)

// Key identifies a question for deduplication and caching.
// Name is lowercased, so two questions differing only by case share a Key.
type Key struct {
	Name   string
	Qtype  uint16
	Qclass uint16
	DNSSEC bool
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s %s do=%t", k.Name, dns.Class(k.Qclass), dns.Type(k.Qtype), k.DNSSEC)
}

// Question is the normalized view of an inbound packet.
type Question struct {
	Name        string // as received, case preserved
	Qtype       uint16
	Qclass      uint16
	TID         uint16
	PayloadSize uint16 // largest UDP response the requester accepts
	DNSSEC      bool
}

func (q *Question) Key() Key {
	return Key{
		Name:   strings.ToLower(q.Name),
		Qtype:  q.Qtype,
		Qclass: q.Qclass,
		DNSSEC: q.DNSSEC,
	}
}

func (q *Question) String() string {
	return fmt.Sprintf("%s %s %s", q.Name, dns.Class(q.Qclass), dns.Type(q.Qtype))
}

// Minimal is what the resolver remembers about a question it sent upstream.
type Minimal struct {
	Name   string // as sent, possibly with randomized case
	Qtype  uint16
	Qclass uint16
	TID    uint16
}

// Normalize parses packet and returns its single question.
// isResponse selects whether the QR bit has to be set or cleared.
func Normalize(packet []byte, isResponse bool) (*Question, error) {
	if len(packet) < HeaderSize {
		return nil, ErrShortPacket
	}

	var m dns.Msg
	if err := m.Unpack(packet); err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}

	if m.Response != isResponse {
		if isResponse {
			return nil, ErrNotResponse
		}
		return nil, ErrNotQuery
	}

	if !isResponse && len(m.Answer) > 0 {
		return nil, ErrNotQuery
	}

	if m.Opcode != dns.OpcodeQuery {
		return nil, ErrOpcode
	}

	if len(m.Question) != 1 {
		return nil, ErrQuestionCount
	}

	q := m.Question[0]
	nq := &Question{
		Name:        q.Name,
		Qtype:       q.Qtype,
		Qclass:      q.Qclass,
		TID:         m.Id,
		PayloadSize: UDPNoEDNS0MaxSize,
	}

	if opt := m.IsEdns0(); opt != nil {
		nq.PayloadSize = min(max(opt.UDPSize(), UDPNoEDNS0MaxSize), MaxUDPSize)
		nq.DNSSEC = opt.Do()
	}

	return nq, nil
}
