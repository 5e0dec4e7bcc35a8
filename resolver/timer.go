package resolver

import (
	"container/heap"
	"time"

	"github.com/treemana/edgedns/codec"
)

type timerKind uint8

const (
	timerQuestion timerKind = iota
	timerHealthCheck
)

// timeout is a handle on a scheduled deadline. index is -1 once the
// deadline fired or was cancelled.
type timeout struct {
	when  time.Time
	kind  timerKind
	key   codec.Key
	index int
}

type timeoutHeap []*timeout

func (h timeoutHeap) Len() int           { return len(h) }
func (h timeoutHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }

func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timeoutHeap) Push(x any) {
	t := x.(*timeout)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

type timers struct {
	h timeoutHeap
}

func (t *timers) schedule(when time.Time, kind timerKind, key codec.Key) *timeout {
	to := &timeout{when: when, kind: kind, key: key}
	heap.Push(&t.h, to)
	return to
}

// cancel is a no-op on a nil, fired or already cancelled handle.
func (t *timers) cancel(to *timeout) {
	if to == nil || to.index < 0 || to.index >= len(t.h) || t.h[to.index] != to {
		return
	}
	heap.Remove(&t.h, to.index)
}

// next returns the earliest deadline.
func (t *timers) next() (time.Time, bool) {
	if len(t.h) == 0 {
		return time.Time{}, false
	}
	return t.h[0].when, true
}

// pop removes and returns the earliest deadline not after now, or nil.
func (t *timers) pop(now time.Time) *timeout {
	if len(t.h) == 0 || t.h[0].when.After(now) {
		return nil
	}
	return heap.Pop(&t.h).(*timeout)
}

func (t *timers) Len() int { return len(t.h) }
