package dataType

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// BlockList holds connection sources in a flood cooldown. Entries expire at an
// absolute unix second taken from clk.
type BlockList struct {
	mu    sync.RWMutex
	until map[string]int64
	clk   clock.Clock
}

func NewBlockList(clk clock.Clock) *BlockList {
	if clk == nil {
		clk = clock.New()
	}
	return &BlockList{until: make(map[string]int64), clk: clk}
}

// Block starts or extends the cooldown of key by seconds. It never shortens one.
func (bl *BlockList) Block(key string, seconds int64) {
	end := bl.clk.Now().Unix() + seconds
	bl.mu.Lock()
	if end > bl.until[key] {
		bl.until[key] = end
	}
	bl.mu.Unlock()
}

func (bl *BlockList) IsBlocked(key string) bool {
	bl.mu.RLock()
	end, ok := bl.until[key]
	bl.mu.RUnlock()
	return ok && bl.clk.Now().Unix() <= end
}

// Sweep forgets finished cooldowns and reports how many were released.
func (bl *BlockList) Sweep() int {
	now := bl.clk.Now().Unix()
	bl.mu.Lock()
	defer bl.mu.Unlock()
	released := 0
	for key, end := range bl.until {
		if end < now {
			delete(bl.until, key)
			released++
		}
	}
	return released
}

// Pending copies the active cooldowns keyed by source.
func (bl *BlockList) Pending() map[string]int64 {
	now := bl.clk.Now().Unix()
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	out := make(map[string]int64, len(bl.until))
	for key, end := range bl.until {
		if end >= now {
			out[key] = end
		}
	}
	return out
}

// StartBlockListGC sweeps bl every interval until stopCh closes.
func StartBlockListGC(bl *BlockList, interval time.Duration, stopCh <-chan struct{}) {
	ticker := bl.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			bl.Sweep()
		case <-stopCh:
			return
		}
	}
}
