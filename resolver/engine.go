package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/treemana/edgedns/cache"
	"github.com/treemana/edgedns/codec"
	"github.com/treemana/edgedns/config"
	"github.com/treemana/edgedns/log"
	"github.com/treemana/edgedns/model"
	"github.com/treemana/edgedns/upstream"
	"github.com/treemana/edgedns/varz"
)

const incomingQueueSize = 1024

var (
	ErrBusy      = errors.New("resolver queue is full")
	ErrNoSockets = errors.New("no upstream udp socket could be bound")
)

// Submitter accepts client queries without blocking.
type Submitter interface {
	Submit(cq *model.ClientQuery) error
}

// PacketWriter sends answers to udp clients, usually the listening socket.
type PacketWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// Transport is the set of ephemeral sockets an engine talks to upstream
// servers with. Socket indexes range over [0, Len()).
type Transport interface {
	Len() int
	Port(i int) uint16
	Send(i int, packet []byte, addr *net.UDPAddr) error
}

// UpstreamPacket is a datagram read on one of the ephemeral sockets.
type UpstreamPacket struct {
	Socket int
	Data   []byte
	From   *net.UDPAddr
}

type Deps struct {
	Cache   *cache.Cache
	Varz    *varz.Varz
	Client  PacketWriter
	Sockets Transport
	Clock   clock.Clock
	Rand    *rand.Rand
}

// Engine resolves client queries on a single goroutine. The upstream pool,
// the pending queries and the timers are only touched from Run.
type Engine struct {
	cfg *config.Config

	cache   *cache.Cache
	varz    *varz.Varz
	client  PacketWriter
	sockets Transport
	clock   clock.Clock
	rng     *rand.Rand

	pool    *upstream.Pool
	pending *pendingQueries
	timers  timers

	queries chan *model.ClientQuery
	packets chan UpstreamPacket

	// last values published to the shared gauges
	activeGauge  int
	waitingGauge int
}

func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Sockets == nil || deps.Sockets.Len() == 0 {
		return nil, ErrNoSockets
	}
	if deps.Cache == nil {
		return nil, errors.New("nil cache")
	}
	if deps.Client == nil {
		return nil, errors.New("nil client writer")
	}
	if deps.Varz == nil {
		deps.Varz = varz.New()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	pool, err := upstream.New(cfg.UpstreamServers, cfg.Failover, cfg.UpstreamMaxFailures, deps.Rand)
	if err != nil {
		return nil, fmt.Errorf("upstream pool: %w", err)
	}

	return &Engine{
		cfg:     cfg,
		cache:   deps.Cache,
		varz:    deps.Varz,
		client:  deps.Client,
		sockets: deps.Sockets,
		clock:   deps.Clock,
		rng:     deps.Rand,
		pool:    pool,
		pending: newPendingQueries(),
		queries: make(chan *model.ClientQuery, cfg.MaxActiveQueries),
		packets: make(chan UpstreamPacket, incomingQueueSize),
	}, nil
}

// Submit hands cq to the engine, ErrBusy when the queue is full.
func (e *Engine) Submit(cq *model.ClientQuery) error {
	select {
	case e.queries <- cq:
		return nil
	default:
		return ErrBusy
	}
}

// Incoming is where socket readers deliver upstream datagrams.
func (e *Engine) Incoming() chan<- UpstreamPacket { return e.packets }

func (e *Engine) Run(ctx context.Context) error {
	e.timers.schedule(e.clock.Now().Add(e.cfg.HealthCheckInterval), timerHealthCheck, codec.Key{})

	timer := e.clock.Timer(e.cfg.HealthCheckInterval)
	defer timer.Stop()

	log.Sugar.Infof("resolver engine running, upstream=%d, sockets=%d", e.pool.Len(), e.sockets.Len())

	for {
		e.arm(timer)

		select {
		case <-ctx.Done():
			log.Sugar.Info("resolver engine stopped")
			return nil
		case cq := <-e.queries:
			e.notify(cq)
		case p := <-e.packets:
			e.ready(p)
		case <-timer.C:
			e.expire()
		}

		e.publish()
	}
}

// arm resets timer to the earliest pending deadline.
func (e *Engine) arm(timer *clock.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}

	when, ok := e.timers.next()
	if !ok {
		timer.Reset(e.cfg.HealthCheckInterval)
		return
	}
	timer.Reset(max(when.Sub(e.clock.Now()), 0))
}

func (e *Engine) notify(cq *model.ClientQuery) {
	key := cq.Question.Key()

	if e.answerFromCache(cq, key) {
		return
	}

	if e.pending.waiting >= e.cfg.MaxWaitingClients {
		e.shed()
	}

	if aq := e.pending.get(key); aq != nil {
		if len(aq.clients) < e.cfg.MaxClientsWaitingForQuery {
			e.pending.join(aq, cq)
		} else {
			e.varz.ClientQueriesDropped.Inc()
			log.Sugar.Infof("key=%s, more than %d clients waiting, query dropped", key, e.cfg.MaxClientsWaitingForQuery)
		}

		if e.clock.Since(aq.ts) > aq.delay {
			e.escalate(aq)
		}
		return
	}

	now := e.clock.Now()
	aq := &activeQuery{
		key:      key,
		question: cq.Question,
		upstream: -1,
		clients:  []*model.ClientQuery{cq},
		ts:       now,
		delay:    e.cfg.UpstreamInitialTimeout,
	}
	aq.timeout = e.timers.schedule(now.Add(e.cfg.UpstreamTimeout), timerQuestion, key)
	e.pending.add(aq)

	if err := e.send(aq, false); err != nil {
		log.Sugar.Warnf("key=%s, query not sent, error=[%+v]", key, err)
	}
}

// answerFromCache replies with an unexpired cache entry.
func (e *Engine) answerFromCache(cq *model.ClientQuery, key codec.Key) bool {
	entry, ok := e.cache.Get(key)
	if !ok {
		return false
	}

	now := e.clock.Now()
	if !now.Before(entry.Expiration) {
		e.varz.ClientQueriesExpired.Inc()
		return false
	}

	if e.late(cq) {
		e.varz.ClientQueriesDropped.Inc()
		return true
	}

	packet := entry.Packet
	if e.cfg.DecrementTTL && codec.Rcode(packet) != codec.RcodeServFail {
		remaining := uint32((entry.Expiration.Sub(now) + time.Second - 1) / time.Second)
		rewritten, err := codec.SetTTL(packet, remaining)
		if err != nil {
			log.Sugar.Warnf("key=%s, cached packet ttl rewrite error=[%+v]", key, err)
			return false
		}
		packet = rewritten
	}

	out, err := adapt(packet, cq.Question)
	if err != nil {
		log.Sugar.Warnf("key=%s, cached packet error=[%+v]", key, err)
		return false
	}

	e.varz.ClientQueriesCached.Inc()
	e.dispatch(cq, out)
	return true
}

// shed drops every waiter of the oldest question.
func (e *Engine) shed() {
	aq := e.pending.oldest()
	if aq == nil {
		return
	}

	log.Sugar.Infof("too many waiting clients, dropping %d waiting for %s", len(aq.clients), aq.key)
	e.varz.ClientQueriesDropped.Add(float64(len(aq.clients)))
	e.timers.cancel(aq.timeout)
	e.pending.remove(aq.key)
}

// escalate is called when a duplicate shows up after the retry delay.
func (e *Engine) escalate(aq *activeQuery) {
	if aq.delay > e.cfg.UpstreamMaxTimeout {
		return
	}

	if aq.upstream >= 0 {
		before := e.pool.Server(aq.upstream).Status
		after := e.pool.Apply(aq.upstream, upstream.EventTimeout)
		if after.Failures > before.Failures {
			aq.delay *= 2
		}
		log.Sugar.Debugf("key=%s, upstream=%s timed out, failures=%d/%d, delay=%s",
			aq.key, e.pool.Server(aq.upstream).Name, after.Failures, e.cfg.UpstreamMaxFailures, aq.delay)
	} else {
		aq.delay *= 2
	}

	if aq.delay > e.cfg.UpstreamMaxTimeout {
		log.Sugar.Debugf("key=%s, retry deadline reached", aq.key)
		return
	}

	if err := e.send(aq, true); err != nil {
		log.Sugar.Debugf("key=%s, retry not sent, error=[%+v]", aq.key, err)
	}
}

// send picks an upstream server and a random socket, and forwards a fresh
// copy of the question. A retry avoids the server aq last went to. aq only
// records the new target once the packet is out.
func (e *Engine) send(aq *activeQuery, retry bool) error {
	prev := -1
	if retry {
		prev = aq.upstream
	}

	idx, err := e.pool.Pick(aq.key.Name, prev)
	if err != nil {
		return err
	}

	packet, minimal, err := codec.BuildQueryPacket(aq.question, e.rng, e.cfg.RandomizeCase)
	if err != nil {
		return err
	}

	socket := e.rng.IntN(e.sockets.Len())
	server := e.pool.Server(idx)

	if err = e.sockets.Send(socket, packet, server.Addr); err != nil {
		e.varz.UpstreamErrors.Inc()
		return fmt.Errorf("send to %s: %w", server.Name, err)
	}

	aq.minimal = minimal
	aq.upstream = idx
	aq.addr = server.Addr
	aq.socket = socket
	aq.localPort = e.sockets.Port(socket)

	e.varz.UpstreamSent.Inc()
	return nil
}

func (e *Engine) ready(p UpstreamPacket) {
	packet := p.Data
	if len(packet) < codec.HeaderSize {
		log.Sugar.Infof("short response from %s without a header", p.From)
		e.varz.UpstreamErrors.Inc()
		return
	}

	if i, ok := e.pool.Lookup(p.From); ok {
		ev := upstream.EventResponseReceived
		if e.pool.Server(i).Status.Offline {
			ev = upstream.EventHealthCheckReplied
		}
		e.pool.Apply(i, ev)
	}

	if len(packet) < codec.QueryMinSize {
		log.Sugar.Infof("short response from %s without a question", p.From)
		e.varz.UpstreamErrors.Inc()
		return
	}

	q, err := codec.Normalize(packet, true)
	if err != nil {
		log.Sugar.Infof("unexpected response from %s, error=[%+v]", p.From, err)
		e.varz.UpstreamErrors.Inc()
		return
	}

	aq := e.lookup(q.Key())
	if aq == nil {
		log.Sugar.Debugf("key=%s, no active query for response from %s", q.Key(), p.From)
		return
	}

	if err = e.verify(aq, packet, p); err != nil {
		log.Sugar.Infof("key=%s, response from %s discarded, %v", aq.key, p.From, err)
		e.varz.UpstreamMismatch.Inc()
		return
	}

	servfail := codec.Rcode(packet) == codec.RcodeServFail

	var ttl uint32
	if servfail {
		ttl = e.cfg.FailureTTL
		if packet, err = codec.SetTTL(packet, ttl); err != nil {
			e.varz.UpstreamErrors.Inc()
			return
		}
	} else {
		raw, found, err := codec.MinTTL(packet)
		if err != nil {
			log.Sugar.Infof("key=%s, unexpected answers, error=[%+v]", aq.key, err)
			e.varz.UpstreamErrors.Inc()
			return
		}
		ttl = codec.ClampTTL(raw, e.cfg.MinTTL, e.cfg.MaxTTL)
		if found && ttl != raw {
			if packet, err = codec.SetTTL(packet, ttl); err != nil {
				e.varz.UpstreamErrors.Inc()
				return
			}
		}
	}

	e.complete(aq, packet, ttl, servfail)
}

// lookup finds the active query for key. A server may drop the OPT record
// from its answer, so the opposite DNSSEC flag is tried too.
func (e *Engine) lookup(key codec.Key) *activeQuery {
	if aq := e.pending.get(key); aq != nil {
		return aq
	}
	key.DNSSEC = !key.DNSSEC
	return e.pending.get(key)
}

func (e *Engine) verify(aq *activeQuery, packet []byte, p UpstreamPacket) error {
	if aq.upstream < 0 {
		return errors.New("query never sent")
	}

	if port := e.sockets.Port(p.Socket); port != aq.localPort {
		return fmt.Errorf("local port %d, expected %d", port, aq.localPort)
	}

	if !sameAddr(p.From, aq.addr) {
		return fmt.Errorf("peer %s, expected %s", p.From, aq.addr)
	}

	if tid := codec.TID(packet); tid != aq.minimal.TID {
		return fmt.Errorf("tid %d, expected %d", tid, aq.minimal.TID)
	}

	if e.cfg.RandomizeCase {
		name, err := codec.Qname(packet)
		if err != nil {
			return err
		}
		if name != aq.minimal.Name {
			return fmt.Errorf("name %s, expected %s", name, aq.minimal.Name)
		}
	}

	return nil
}

// complete answers every waiter of aq with packet and caches it.
func (e *Engine) complete(aq *activeQuery, packet []byte, ttl uint32, servfail bool) {
	for _, cq := range aq.clients {
		if e.late(cq) {
			e.varz.ClientQueriesDropped.Inc()
			continue
		}
		out, err := adapt(packet, cq.Question)
		if err != nil {
			log.Sugar.Warnf("key=%s, response adapt error=[%+v]", aq.key, err)
			continue
		}
		e.varz.UpstreamReceived.Inc()
		e.dispatch(cq, out)
	}

	e.timers.cancel(aq.timeout)
	e.pending.remove(aq.key)

	if servfail {
		if entry, ok := e.cache.Get(aq.key); ok {
			packet = entry.Packet
		}
	}
	e.cache.Insert(aq.key, packet, ttl)
	e.publishCache()
}

func (e *Engine) expire() {
	now := e.clock.Now()
	for {
		to := e.timers.pop(now)
		if to == nil {
			return
		}

		switch to.kind {
		case timerQuestion:
			e.timeoutQuestion(to)
		case timerHealthCheck:
			e.healthCheck(now)
		}
	}
}

// timeoutQuestion answers the waiters of a question that got no usable
// response, with the stale cache entry if any and SERVFAIL otherwise.
func (e *Engine) timeoutQuestion(to *timeout) {
	aq := e.pending.get(to.key)
	if aq == nil || aq.timeout != to {
		return
	}
	e.pending.remove(to.key)

	stale, hasStale := e.cache.Get(aq.key)

	for _, cq := range aq.clients {
		var out []byte
		var err error
		if hasStale {
			out, err = adapt(stale.Packet, cq.Question)
		} else {
			out, err = codec.BuildServFailPacket(cq.Question)
		}
		if err != nil {
			log.Sugar.Warnf("key=%s, timeout reply error=[%+v]", aq.key, err)
			continue
		}

		e.varz.UpstreamTimeout.Inc()
		e.dispatch(cq, out)
	}
}

func (e *Engine) healthCheck(now time.Time) {
	defer e.timers.schedule(now.Add(e.cfg.HealthCheckInterval), timerHealthCheck, codec.Key{})

	if e.pool.AllDown() {
		log.Sugar.Info("all upstream servers are down, forcing them back online")
		e.pool.Revive()
		return
	}

	offline := e.pool.Offline()
	if len(offline) == 0 {
		return
	}

	packet, _, err := codec.BuildHealthCheckPacket(e.rng)
	if err != nil {
		log.Sugar.Errorf("health check packet error=[%+v]", err)
		return
	}

	for _, i := range offline {
		server := e.pool.Server(i)
		if err = e.sockets.Send(e.rng.IntN(e.sockets.Len()), packet, server.Addr); err != nil {
			log.Sugar.Warnf("health check to %s error=[%+v]", server.Name, err)
			continue
		}
		log.Sugar.Debugf("health check sent to %s", server.Name)
	}
}

// late reports a udp client that has been waiting longer than an upstream
// exchange may last. It has retried or given up by now.
func (e *Engine) late(cq *model.ClientQuery) bool {
	return cq.Proto == model.ProtoUDP && e.clock.Since(cq.TS) >= e.cfg.UpstreamTimeout
}

// sameAddr compares ip and port, ipv4 peers read on a dual stack socket
// come back mapped.
func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	x, y := a.AddrPort(), b.AddrPort()
	return x.Addr().Unmap() == y.Addr().Unmap() && x.Port() == y.Port()
}

// adapt copies packet with the tid and name casing of q.
func adapt(packet []byte, q *codec.Question) ([]byte, error) {
	out := bytes.Clone(packet)
	if err := codec.OverwriteQname(out, q.Name); err != nil {
		return nil, err
	}
	codec.SetTID(out, q.TID)
	return out, nil
}

// dispatch delivers packet to cq without blocking.
func (e *Engine) dispatch(cq *model.ClientQuery, packet []byte) {
	switch cq.Proto {
	case model.ProtoTCP:
		resp := model.ResolverResponse{
			ClientTok: cq.ClientTok,
			Response:  packet,
			DNSSEC:    cq.Question.DNSSEC,
		}
		select {
		case cq.TCPClient <- resp:
		default:
			e.varz.ClientQueriesDropped.Inc()
			log.Sugar.Debugf("tcp client %d is not reading, response dropped", cq.ClientTok)
		}

	default:
		if len(packet) > int(cq.Question.PayloadSize) {
			tc, err := codec.BuildTCPacket(cq.Question)
			if err != nil {
				log.Sugar.Warnf("truncated packet error=[%+v]", err)
				return
			}
			packet = tc
		}

		if _, err := e.client.WriteToUDP(packet, cq.ClientAddr); err != nil {
			log.Sugar.Warnf("udp write to %s error=[%+v]", cq.ClientAddr, err)
		}
	}
}

func (e *Engine) publish() {
	active, waiting := e.pending.Len(), e.pending.waiting
	e.varz.ActiveQueries.Add(float64(active - e.activeGauge))
	e.varz.WaitingClients.Add(float64(waiting - e.waitingGauge))
	e.activeGauge, e.waitingGauge = active, waiting
}

func (e *Engine) publishCache() {
	s := e.cache.Stats()
	e.varz.CacheFrequentLen.Set(float64(s.FrequentLen))
	e.varz.CacheRecentLen.Set(float64(s.RecentLen))
	e.varz.CacheTestLen.Set(float64(s.TestLen))
	e.varz.CacheInserted.Set(float64(s.Inserted))
	e.varz.CacheEvicted.Set(float64(s.Evicted))
}
