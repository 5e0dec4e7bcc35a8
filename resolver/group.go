package resolver

import (
	"context"
	"math/rand/v2"
	"net/netip"

	"github.com/dchest/siphash"
	"golang.org/x/sync/errgroup"

	"github.com/treemana/edgedns/cache"
	"github.com/treemana/edgedns/config"
	"github.com/treemana/edgedns/model"
	"github.com/treemana/edgedns/varz"
)

// Group runs resolver_threads engines sharing one cache. A key is always
// routed to the same engine, so duplicates are merged within it.
type Group struct {
	engines []*Engine
	sockets []*Sockets

	k0, k1 uint64
}

func NewGroup(cfg *config.Config, c *cache.Cache, v *varz.Varz, client PacketWriter) (*Group, error) {
	network := socketNetwork(cfg.UpstreamServers)

	g := &Group{k0: rand.Uint64(), k1: rand.Uint64()}

	for i := 0; i < cfg.ResolverThreads; i++ {
		base := int(cfg.UDPPortsBase) + i*int(cfg.UDPPorts)

		socks, err := BindSockets(network, uint16(base), cfg.UDPPorts)
		if err != nil {
			g.close()
			return nil, err
		}

		e, err := New(cfg, Deps{
			Cache:   c,
			Varz:    v,
			Client:  client,
			Sockets: socks,
			Rand:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		})
		if err != nil {
			_ = socks.Close()
			g.close()
			return nil, err
		}

		g.engines = append(g.engines, e)
		g.sockets = append(g.sockets, socks)
	}

	return g, nil
}

func (g *Group) Submit(cq *model.ClientQuery) error {
	return g.engines[g.route(cq)].Submit(cq)
}

func (g *Group) route(cq *model.ClientQuery) int {
	if len(g.engines) == 1 {
		return 0
	}
	key := cq.Question.Key()
	return int(siphash.Hash(g.k0, g.k1, []byte(key.Name)) % uint64(len(g.engines)))
}

// Run blocks until ctx is done or an engine fails.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	for i, e := range g.engines {
		socks := g.sockets[i]
		eg.Go(func() error { return e.Run(ctx) })
		eg.Go(func() error { return socks.Serve(ctx, e.Incoming()) })
	}

	return eg.Wait()
}

func (g *Group) close() {
	for _, s := range g.sockets {
		_ = s.Close()
	}
}

// socketNetwork is udp4 unless an upstream server needs ipv6.
func socketNetwork(servers []string) string {
	for _, s := range servers {
		if ap, err := netip.ParseAddrPort(s); err == nil && ap.Addr().Unmap().Is6() {
			return "udp"
		}
	}
	return "udp4"
}
