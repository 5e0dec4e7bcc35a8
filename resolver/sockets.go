package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/treemana/edgedns/codec"
	"github.com/treemana/edgedns/log"
	"github.com/treemana/edgedns/util"
)

const (
	writeTimeout = time.Second
	readBatch    = 8
)

// Sockets are the ephemeral udp sockets of one engine, bound to consecutive
// ports. Ports that cannot be bound are skipped.
type Sockets struct {
	conns []*net.UDPConn
	ports []uint16
}

func BindSockets(network string, base, count uint16) (*Sockets, error) {
	s := &Sockets{}

	last := min(int(base)+int(count), 65536)
	for port := int(base); port < last; port++ {
		conn, err := util.BindUDP(network, fmt.Sprintf(":%d", port))
		if err != nil {
			log.Sugar.Debugf("bind %s port %d error=[%+v]", network, port, err)
			continue
		}

		s.conns = append(s.conns, conn)
		s.ports = append(s.ports, uint16(port))

		if (port+1)%1024 == 0 {
			log.Sugar.Infof("binding ports... %d/%d", port-int(base)+1, count)
		}
	}

	if len(s.conns) == 0 {
		return nil, ErrNoSockets
	}

	log.Sugar.Infof("%d upstream sockets bound from port %d", len(s.conns), base)
	return s, nil
}

func (s *Sockets) Len() int { return len(s.conns) }

func (s *Sockets) Port(i int) uint16 { return s.ports[i] }

func (s *Sockets) Send(i int, packet []byte, addr *net.UDPAddr) error {
	conn := s.conns[i]
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := conn.WriteToUDP(packet, addr)
	return err
}

// Serve reads every socket until ctx is done, delivering datagrams to out.
func (s *Sockets) Serve(ctx context.Context, out chan<- UpstreamPacket) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range s.conns {
		g.Go(func() error { return s.read(ctx, i, out) })
	}

	g.Go(func() error {
		<-ctx.Done()
		return s.Close()
	})

	return g.Wait()
}

func (s *Sockets) read(ctx context.Context, i int, out chan<- UpstreamPacket) error {
	pc := ipv4.NewPacketConn(s.conns[i])

	msgs := make([]ipv4.Message, readBatch)
	for j := range msgs {
		msgs[j].Buffers = [][]byte{make([]byte, codec.MaxSize)}
	}

	for {
		n, err := pc.ReadBatch(msgs, 0)
		if err != nil {
			if util.IsClosed(err) || ctx.Err() != nil {
				return nil
			}
			log.Sugar.Warnf("upstream socket port=%d read error=[%+v]", s.ports[i], err)
			continue
		}

		for _, msg := range msgs[:n] {
			from, ok := msg.Addr.(*net.UDPAddr)
			if !ok {
				continue
			}

			p := UpstreamPacket{
				Socket: i,
				Data:   append([]byte(nil), msg.Buffers[0][:msg.N]...),
				From:   from,
			}

			select {
			case out <- p:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *Sockets) Close() error {
	var first error
	for _, conn := range s.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
