package resolver

import (
	"container/list"
	"net"
	"time"

	"github.com/treemana/edgedns/codec"
	"github.com/treemana/edgedns/model"
)

// activeQuery is one question in flight upstream, shared by every client
// asking the same key.
type activeQuery struct {
	key      codec.Key
	question *codec.Question // of the first client, used to build retries

	minimal   codec.Minimal // as sent, tid and casing included
	addr      *net.UDPAddr  // upstream the last packet went to
	socket    int
	localPort uint16
	upstream  int // -1 until a packet could be sent

	clients []*model.ClientQuery
	ts      time.Time
	delay   time.Duration

	timeout *timeout
	elem    *list.Element
}

// pendingQueries holds at most one activeQuery per key, in creation order.
type pendingQueries struct {
	m       map[codec.Key]*activeQuery
	order   *list.List
	waiting int
}

func newPendingQueries() *pendingQueries {
	return &pendingQueries{
		m:     make(map[codec.Key]*activeQuery),
		order: list.New(),
	}
}

func (p *pendingQueries) get(key codec.Key) *activeQuery { return p.m[key] }

func (p *pendingQueries) add(aq *activeQuery) {
	if old, ok := p.m[aq.key]; ok {
		p.remove(old.key)
	}
	aq.elem = p.order.PushBack(aq)
	p.m[aq.key] = aq
	p.waiting += len(aq.clients)
}

func (p *pendingQueries) join(aq *activeQuery, cq *model.ClientQuery) {
	aq.clients = append(aq.clients, cq)
	p.waiting++
}

func (p *pendingQueries) remove(key codec.Key) *activeQuery {
	aq, ok := p.m[key]
	if !ok {
		return nil
	}
	delete(p.m, key)
	p.order.Remove(aq.elem)
	aq.elem = nil
	p.waiting -= len(aq.clients)
	return aq
}

func (p *pendingQueries) oldest() *activeQuery {
	e := p.order.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*activeQuery)
}

func (p *pendingQueries) Len() int { return len(p.m) }
