package cache

/*

2Q admission, three segments:

  recent   : keys seen once, bounded to recentRatio of the capacity
  frequent : keys seen again while in recent or in test
  test     : ghost keys recently evicted from recent, no payload

recent + frequent never exceed the capacity. Room is made before a key is
added, so an insert is never evicted by itself.

*/

import (
	"bytes"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/treemana/edgedns/codec"
	"github.com/treemana/edgedns/log"
)

const (
	recentRatio = 0.25
	ghostRatio  = 0.50
)

type Entry struct {
	Packet     []byte
	Expiration time.Time
}

type Stats struct {
	FrequentLen int
	RecentLen   int
	TestLen     int
	Inserted    uint64
	Evicted     uint64
}

// Cache is safe for concurrent use. Share it by copying the pointer.
type Cache struct {
	mu    sync.Mutex
	clock clock.Clock

	size       int
	recentSize int

	recent   *simplelru.LRU[codec.Key, Entry]
	frequent *simplelru.LRU[codec.Key, Entry]
	test     *simplelru.LRU[codec.Key, struct{}]

	inserted uint64
	evicted  uint64
}

func New(capacity int, clk clock.Clock) (*Cache, error) {
	if capacity < 4 {
		capacity = 4
	}

	if clk == nil {
		clk = clock.New()
	}

	recentSize := max(int(float64(capacity)*recentRatio), 1)
	ghostSize := max(int(float64(capacity)*ghostRatio), 1)

	c := &Cache{clock: clk, size: capacity, recentSize: recentSize}

	var err error
	if c.recent, err = simplelru.NewLRU[codec.Key, Entry](capacity, nil); err != nil {
		return nil, err
	}
	if c.frequent, err = simplelru.NewLRU[codec.Key, Entry](capacity, nil); err != nil {
		return nil, err
	}
	if c.test, err = simplelru.NewLRU[codec.Key, struct{}](ghostSize, nil); err != nil {
		return nil, err
	}

	log.Sugar.Infof("cache capacity=%d, recent=%d, test=%d", capacity, recentSize, ghostSize)

	return c, nil
}

// Get returns the entry for key whether it expired or not.
func (c *Cache) Get(key codec.Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.frequent.Get(key); ok {
		return e, true
	}

	if e, ok := c.recent.Peek(key); ok {
		c.recent.Remove(key)
		c.frequent.Add(key, e)
		return e, true
	}

	return Entry{}, false
}

// Insert stores a copy of packet, expiring ttl seconds from now.
func (c *Cache) Insert(key codec.Key, packet []byte, ttl uint32) {
	e := Entry{
		Packet:     bytes.Clone(packet),
		Expiration: c.clock.Now().Add(time.Duration(ttl) * time.Second),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.inserted++

	if c.frequent.Contains(key) {
		c.frequent.Add(key, e)
		return
	}

	if c.recent.Contains(key) {
		c.recent.Remove(key)
		c.frequent.Add(key, e)
		return
	}

	if c.test.Contains(key) {
		c.ensureSpace(true)
		c.test.Remove(key)
		c.frequent.Add(key, e)
		return
	}

	c.ensureSpace(false)
	c.recent.Add(key, e)
}

func (c *Cache) ensureSpace(fromTest bool) {
	if c.recent.Len()+c.frequent.Len() < c.size {
		return
	}

	n := c.recent.Len()
	if n > 0 && (n > c.recentSize || (n == c.recentSize && !fromTest)) {
		if k, _, ok := c.recent.RemoveOldest(); ok {
			c.test.Add(k, struct{}{})
			c.evicted++
		}
		return
	}

	if _, _, ok := c.frequent.RemoveOldest(); ok {
		c.evicted++
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		FrequentLen: c.frequent.Len(),
		RecentLen:   c.recent.Len(),
		TestLen:     c.test.Len(),
		Inserted:    c.inserted,
		Evicted:     c.evicted,
	}
}
