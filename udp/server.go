package udp

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/treemana/edgedns/log"
	"github.com/treemana/edgedns/util"
	"github.com/treemana/edgedns/varz"
)

const (
	defaultTimeout = time.Second
)

// Server is the client facing udp socket. Engines write answers through it.
type Server struct {
	conn   *net.UDPConn
	varz   *varz.Varz
	closed atomic.Bool
	serial atomic.Uint64
}

func New(address string, v *varz.Varz) (*Server, error) {
	conn, err := util.BindUDP("udp", address)
	if err != nil {
		log.Sugar.Errorf("server udp [%s] listen error=[%+v]", address, err)
		return nil, err
	}

	if v == nil {
		v = varz.New()
	}

	return &Server{conn: conn, varz: v}, nil
}

func (s *Server) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Serve reads client queries until ctx is done.
func (s *Server) Serve(ctx context.Context, sub Submitter) error {
	log.Sugar.Infof("udp server listening on %s", s.LocalAddr())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.read(sub)
	return nil
}

func (s *Server) Close() {
	if s.closed.Swap(true) {
		return
	}

	log.Sugar.Infof("udp server stopping, serial=%d", s.serial.Load())
	if err := s.conn.Close(); err != nil {
		log.Sugar.Errorf("server udp connection close error=[%+v]", err)
	}
}
