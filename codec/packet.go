package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/miekg/dns"
)

// TID returns the transaction id, 0 for a packet shorter than a header.
func TID(packet []byte) uint16 {
	if len(packet) < HeaderSize {
		return 0
	}
	return binary.BigEndian.Uint16(packet)
}

func SetTID(packet []byte, tid uint16) {
	if len(packet) < HeaderSize {
		return
	}
	binary.BigEndian.PutUint16(packet, tid)
}

func Rcode(packet []byte) int {
	if len(packet) < HeaderSize {
		return -1
	}
	return int(packet[3] & 0x0f)
}

// Qname returns the question name exactly as it appears in packet.
func Qname(packet []byte) (string, error) {
	if len(packet) < QueryMinSize {
		return "", ErrShortPacket
	}
	name, _, err := dns.UnpackDomainName(packet, HeaderSize)
	return name, err
}

// OverwriteQname replaces the question name with name, which must only differ
// by case. It is used to hand every client back the casing it asked with.
func OverwriteQname(packet []byte, name string) error {
	var buf [256]byte
	n, err := dns.PackDomainName(name, buf[:], 0, nil, false)
	if err != nil {
		return fmt.Errorf("pack %q: %w", name, err)
	}

	end, err := questionNameEnd(packet)
	if err != nil {
		return err
	}

	wire := packet[HeaderSize:end]
	if len(wire) != n || !asciiEqualFold(wire, buf[:n]) {
		return ErrNameMismatch
	}

	copy(wire, buf[:n])
	return nil
}

func questionNameEnd(packet []byte) (int, error) {
	off := HeaderSize
	for {
		if off >= len(packet) {
			return 0, ErrShortPacket
		}
		l := int(packet[off])
		if l == 0 {
			return off + 1, nil
		}
		if l&0xc0 != 0 {
			return 0, ErrCompressed
		}
		off += l + 1
	}
}

func asciiEqualFold(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if 'A' <= x && x <= 'Z' {
			x += 'a' - 'A'
		}
		if 'A' <= y && y <= 'Z' {
			y += 'a' - 'A'
		}
		if x != y {
			return false
		}
	}
	return true
}

// MinTTL returns the smallest TTL over every record except OPT.
// found is false when the packet carries no record at all.
func MinTTL(packet []byte) (ttl uint32, found bool, err error) {
	var m dns.Msg
	if err = m.Unpack(packet); err != nil {
		return 0, false, fmt.Errorf("unpack: %w", err)
	}

	ttl = math.MaxUint32
	for _, section := range [][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range section {
			if rr == nil || rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			found = true
			ttl = min(ttl, rr.Header().Ttl)
		}
	}

	if !found {
		return 0, false, nil
	}
	return ttl, true, nil
}

// ClampTTL bounds ttl to [lo, hi].
func ClampTTL(ttl, lo, hi uint32) uint32 {
	return min(max(ttl, lo), hi)
}

// SetTTL rewrites the TTL of every record except OPT and returns the new packet.
func SetTTL(packet []byte, ttl uint32) ([]byte, error) {
	var m dns.Msg
	if err := m.Unpack(packet); err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}

	for _, section := range [][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range section {
			if rr == nil || rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			rr.Header().Ttl = ttl
		}
	}

	m.Compress = true
	return m.Pack()
}
