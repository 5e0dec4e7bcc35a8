package tcp

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/semaphore"

	"github.com/treemana/edgedns/codec"
	"github.com/treemana/edgedns/log"
	"github.com/treemana/edgedns/model"
	"github.com/treemana/edgedns/varz"
)

// answers a single connection may have queued
const responseQueueSize = 64

type Submitter interface {
	Submit(cq *model.ClientQuery) error
}

type Server struct {
	ln   net.Listener
	varz *varz.Varz
	sem  *semaphore.Weighted
	idle time.Duration
	wait time.Duration

	tok atomic.Uint64
	wg  sync.WaitGroup
}

// New listens on address. A connection with no query for idle is closed,
// unless answers are still expected: those postpone the close for at most
// wait after the last query.
func New(address string, maxClients int64, idle, wait time.Duration, v *varz.Varz) (*Server, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		log.Sugar.Errorf("server tcp [%s] listen error=[%+v]", address, err)
		return nil, err
	}

	if v == nil {
		v = varz.New()
	}

	return &Server{
		ln:   ln,
		varz: v,
		sem:  semaphore.NewWeighted(maxClients),
		idle: idle,
		wait: wait,
	}, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is done, then waits for them to end.
func (s *Server) Serve(ctx context.Context, sub Submitter) error {
	log.Sugar.Infof("tcp server listening on %s", s.ln.Addr())

	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	defer s.wg.Wait()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Sugar.Info("tcp server stopped")
				return nil
			}
			log.Sugar.Warnf("tcp accept error=[%+v]", err)
			continue
		}

		if !s.sem.TryAcquire(1) {
			log.Sugar.Infof("too many tcp clients, closing %s", conn.RemoteAddr())
			s.varz.ClientQueriesDropped.Inc()
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.handle(ctx, conn, sub)
		}()
	}
}

type session struct {
	conn        net.Conn
	dc          *dns.Conn
	tok         uint64
	responses   chan model.ResolverResponse
	outstanding atomic.Int64
	lastQuery   atomic.Int64 // unix nano
}

func (s *Server) handle(ctx context.Context, conn net.Conn, sub Submitter) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ss := &session{
		conn:      conn,
		dc:        &dns.Conn{Conn: conn},
		tok:       s.tok.Add(1),
		responses: make(chan model.ResolverResponse, responseQueueSize),
	}

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	go s.write(ctx, cancel, ss)

	s.read(ctx, ss, sub)
}

func (s *Server) read(ctx context.Context, ss *session, sub Submitter) {
	buf := make([]byte, codec.MaxSize)
	for {
		if err := ss.conn.SetReadDeadline(time.Now().Add(s.idle)); err != nil {
			return
		}

		n, err := ss.dc.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && ctx.Err() == nil && s.expecting(ss) {
				continue
			}
			log.Sugar.Debugf("tcp client %d closed, %v", ss.tok, err)
			return
		}

		q, err := codec.Normalize(buf[:n], false)
		if err != nil {
			log.Sugar.Debugf("tcp client %d, invalid query, error=[%+v]", ss.tok, err)
			s.varz.ClientQueriesErrors.Inc()
			continue
		}

		s.varz.ClientQueriesTCP.Inc()

		cq := &model.ClientQuery{
			Proto:     model.ProtoTCP,
			Question:  q,
			TS:        time.Now(),
			ClientTok: ss.tok,
			TCPClient: ss.responses,
		}

		ss.outstanding.Add(1)
		ss.lastQuery.Store(time.Now().UnixNano())
		if err = sub.Submit(cq); err != nil {
			ss.outstanding.Add(-1)
			s.varz.ClientQueriesDropped.Inc()
			log.Sugar.Warnf("tcp client %d, query=[%s] dropped, error=[%+v]", ss.tok, q, err)
		}
	}
}

// expecting reports answers still due on ss. The resolver may drop a query
// without answering, so the wait is bounded.
func (s *Server) expecting(ss *session) bool {
	if ss.outstanding.Load() <= 0 {
		return false
	}
	return time.Since(time.Unix(0, ss.lastQuery.Load())) < s.wait
}

// write frames answers back. The responses channel is never closed, the
// resolver may still hold it after the connection ended.
func (s *Server) write(ctx context.Context, cancel context.CancelFunc, ss *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp := <-ss.responses:
			ss.outstanding.Add(-1)

			if err := ss.conn.SetWriteDeadline(time.Now().Add(s.idle)); err != nil {
				cancel()
				return
			}
			if _, err := ss.dc.Write(resp.Response); err != nil {
				log.Sugar.Debugf("tcp client %d write error=[%+v]", ss.tok, err)
				cancel()
				return
			}
		}
	}
}
