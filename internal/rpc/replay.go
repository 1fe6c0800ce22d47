package rpc

import (
	"sync"
	"time"
)

type replayState int

const (
	replayFresh replayState = iota
	replayInFlight
	replayDone
)

type replayEntry struct {
	at    time.Time
	done  bool
	reply []byte
}

// replayCache remembers recently answered requests by correlation key so a
// redelivered request is answered from cache instead of re-running the
// operation. Entries expire after window; the oldest are evicted past max.
type replayCache struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*replayEntry
	order   []string // insertion order, for eviction
}

func newReplayCache(window time.Duration, max int) *replayCache {
	if max <= 0 {
		max = 4096
	}
	return &replayCache{window: window, max: max, now: time.Now, entries: map[string]*replayEntry{}}
}

// begin claims key. The cached reply is returned for replayDone.
func (c *replayCache) begin(key string) (replayState, []byte) {
	if c == nil || c.window <= 0 || key == "" {
		return replayFresh, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.evictLocked(now)

	if e, ok := c.entries[key]; ok {
		if e.done {
			return replayDone, e.reply
		}
		return replayInFlight, nil
	}
	c.entries[key] = &replayEntry{at: now}
	c.order = append(c.order, key)
	return replayFresh, nil
}

func (c *replayCache) complete(key string, reply []byte) {
	if c == nil || c.window <= 0 || key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.done = true
		e.reply = reply
		e.at = c.now()
	}
}

func (c *replayCache) evictLocked(now time.Time) {
	i := 0
	for ; i < len(c.order); i++ {
		key := c.order[i]
		e, ok := c.entries[key]
		if !ok {
			continue
		}
		// in-flight entries are only evicted by size
		expired := e.done && now.Sub(e.at) > c.window
		if !expired && len(c.entries) < c.max {
			break
		}
		delete(c.entries, key)
	}
	c.order = c.order[i:]
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
