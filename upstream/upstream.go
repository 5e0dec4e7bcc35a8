package upstream

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"slices"
	"strings"

	"github.com/dchest/siphash"

	"github.com/treemana/edgedns/log"
)

var ErrAllDown = errors.New("all upstream servers are down")

type Server struct {
	Name   string
	Addr   *net.UDPAddr
	Status Status

	addrPort netip.AddrPort
}

// Pool is owned by a single resolver engine and is not safe for concurrent use.
type Pool struct {
	servers     []*Server
	live        []int
	failover    bool
	maxFailures uint32

	k0, k1 uint64 // siphash key
}

func New(addrs []string, failover bool, maxFailures uint32, rng *rand.Rand) (*Pool, error) {
	if len(addrs) == 0 {
		return nil, errors.New("empty upstream servers")
	}

	p := &Pool{
		failover:    failover,
		maxFailures: maxFailures,
		k0:          rng.Uint64(),
		k1:          rng.Uint64(),
	}

	for i, addr := range addrs {
		ap, err := netip.ParseAddrPort(addr)
		if err != nil {
			return nil, fmt.Errorf("upstream server %q: %w", addr, err)
		}
		ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())

		p.servers = append(p.servers, &Server{
			Name:     addr,
			Addr:     net.UDPAddrFromAddrPort(ap),
			addrPort: ap,
		})
		p.live = append(p.live, i)

		log.Sugar.Debugf("upstream resolver %d %s", i, addr)
	}

	return p, nil
}

func (p *Pool) Len() int { return len(p.servers) }

func (p *Pool) Server(i int) *Server { return p.servers[i] }

// Live returns the indexes of the servers currently online, in configuration order.
func (p *Pool) Live() []int { return slices.Clone(p.live) }

func (p *Pool) AllDown() bool { return len(p.live) == 0 }

func (p *Pool) Offline() []int {
	var offline []int
	for i, s := range p.servers {
		if s.Status.Offline {
			offline = append(offline, i)
		}
	}
	return offline
}

// Lookup returns the index of the server sending from addr.
func (p *Pool) Lookup(addr *net.UDPAddr) (int, bool) {
	if addr == nil {
		return 0, false
	}
	ap := addr.AddrPort()
	ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	for i, s := range p.servers {
		if s.addrPort == ap {
			return i, true
		}
	}
	return 0, false
}

// Pick chooses the server for name. prev is the server the previous attempt
// went to, -1 for a first attempt. A retry goes to the live server following
// prev, or the one following the hash pick when prev is offline.
func (p *Pool) Pick(name string, prev int) (int, error) {
	n := len(p.live)
	if n == 0 {
		return 0, ErrAllDown
	}

	if p.failover {
		return p.live[0], nil
	}

	if prev >= 0 {
		if i := slices.Index(p.live, prev); i >= 0 {
			return p.live[(i+1)%n], nil
		}
	}

	h := siphash.Hash(p.k0, p.k1, []byte(strings.ToLower(name)))
	i := int(h % uint64(n))
	if prev >= 0 {
		i = (i + 1) % n
	}

	return p.live[i], nil
}

// Apply feeds ev to server i and returns its new status.
func (p *Pool) Apply(i int, ev Event) Status {
	s := p.servers[i]
	prev := s.Status
	s.Status = Transition(prev, ev, p.maxFailures)

	if prev.Offline != s.Status.Offline {
		if s.Status.Offline {
			log.Sugar.Warnf("upstream=%s, putting offline after %d failures", s.Name, prev.Failures)
		} else {
			log.Sugar.Infof("upstream=%s, came back online", s.Name)
		}
		p.updateLive()
	} else if prev.Failures != s.Status.Failures {
		log.Sugar.Debugf("upstream=%s, failures=%d/%d", s.Name, s.Status.Failures, p.maxFailures)
	}

	return s.Status
}

// Revive puts every server back online with a clean failure count.
func (p *Pool) Revive() {
	for _, s := range p.servers {
		s.Status = Status{}
	}
	p.updateLive()
}

func (p *Pool) updateLive() {
	p.live = p.live[:0]
	for i, s := range p.servers {
		if !s.Status.Offline {
			p.live = append(p.live, i)
		}
	}
}
