package dataType

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
)

// timeSlot is one second of a sliding window.
type timeSlot struct {
	second int64
	count  int64
}

// windowCounter is a ring of one-second slots.
type windowCounter struct {
	slots       []timeSlot
	size        int64
	lastUpdated int64
}

func newWindowCounter(size int64) *windowCounter {
	return &windowCounter{
		slots: make([]timeSlot, size),
		size:  size,
	}
}

func (w *windowCounter) add(now int64, value int64) {
	idx := now % w.size
	if w.slots[idx].second != now {
		w.slots[idx] = timeSlot{second: now, count: value}
	} else {
		w.slots[idx].count += value
	}
	w.lastUpdated = now
}

func (w *windowCounter) sum(lastN int64, now int64) int64 {
	if lastN > w.size {
		lastN = w.size
	}
	var total int64
	for i := int64(0); i < lastN; i++ {
		sec := now - lastN + 1 + i
		if slot := w.slots[sec%w.size]; slot.second == sec {
			total += slot.count
		}
	}
	return total
}

type counterShard struct {
	mu       sync.RWMutex
	counters map[uint64]*windowCounter
}

// Counter counts events per key over a sliding window of whole seconds.
// Keys are spread over shards by xxhash so unrelated senders do not contend.
type Counter struct {
	shards     []*counterShard
	shardCount uint64
	window     int64
	clk        clock.Clock
}

// NewCounter creates a counter with the given shard count and window length in seconds.
func NewCounter(shardCount int, windowSeconds int64, clk clock.Clock) *Counter {
	if clk == nil {
		clk = clock.New()
	}
	if shardCount < 1 {
		shardCount = 1
	}
	if windowSeconds < 1 {
		windowSeconds = 1
	}
	c := &Counter{
		shards:     make([]*counterShard, shardCount),
		shardCount: uint64(shardCount),
		window:     windowSeconds,
		clk:        clk,
	}
	for i := range c.shards {
		c.shards[i] = &counterShard{counters: make(map[uint64]*windowCounter)}
	}
	return c
}

func (c *Counter) shard(h uint64) *counterShard {
	return c.shards[h%c.shardCount]
}

// Add records value events for key at the current second.
func (c *Counter) Add(key string, value int64) {
	now := c.clk.Now().Unix()
	h := xxhash.Sum64String(key)
	s := c.shard(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.counters[h]
	if !ok {
		w = newWindowCounter(c.window)
		s.counters[h] = w
	}
	w.add(now, value)
}

// Query returns the number of events for key within the last lastN seconds.
func (c *Counter) Query(key string, lastN int64) int64 {
	now := c.clk.Now().Unix()
	h := xxhash.Sum64String(key)
	s := c.shard(h)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.counters[h]; ok {
		return w.sum(lastN, now)
	}
	return 0
}

// Reset forgets key.
func (c *Counter) Reset(key string) {
	h := xxhash.Sum64String(key)
	s := c.shard(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, h)
}

// GC drops keys idle for longer than the window.
func (c *Counter) GC() {
	threshold := c.clk.Now().Unix() - c.window
	for _, s := range c.shards {
		s.mu.Lock()
		for h, w := range s.counters {
			if w.lastUpdated < threshold {
				delete(s.counters, h)
			}
		}
		s.mu.Unlock()
	}
}

// Len is the number of tracked keys.
func (c *Counter) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.counters)
		s.mu.RUnlock()
	}
	return n
}

// StartCounterGC runs GC every interval until stopCh is closed.
func StartCounterGC(c *Counter, interval time.Duration, stopCh <-chan struct{}) {
	ticker := c.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.GC()
		case <-stopCh:
			return
		}
	}
}
