package axon

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/pandablue0809/bittensor/neuron/data"
)

const replayFalsePositiveRate = 0.001

type replayRecord struct {
	key  string
	seen time.Time
}

// ReplayCache remembers nonces per (source, target) edge for a bounded time
// and count. Check-and-insert is atomic, so of two concurrent requests with
// the same nonce exactly one is accepted.
//
// A bloom filter answers "definitely new" without touching the map. It
// cannot forget, so it is rebuilt from the live keys once it has absorbed
// twice the capacity.
type ReplayCache struct {
	window   time.Duration
	capacity int
	clock    func() time.Time

	mu     sync.Mutex
	seen   map[string]time.Time
	order  []replayRecord // insertion order, oldest first
	filter *bloom.BloomFilter
	adds   int
}

// NewReplayCache creates a cache keeping nonces for window, and at most
// capacity of them.
func NewReplayCache(window time.Duration, capacity int) *ReplayCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &ReplayCache{
		window:   window,
		capacity: capacity,
		clock:    time.Now,
		seen:     make(map[string]time.Time),
		filter:   bloom.NewWithEstimates(uint(capacity), replayFalsePositiveRate),
	}
}

// SetClock replaces the time source.
func (c *ReplayCache) SetClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// Check records the nonce for the (source, target) edge. It fails with
// MalformedMessage for an empty nonce and ReplayDetected when the nonce was
// already recorded within the window.
func (c *ReplayCache) Check(source, target string, nonce []byte) error {
	if len(nonce) == 0 {
		return data.Errorf(data.KindMalformedMessage, "empty nonce")
	}
	key := replayKey(source, target, nonce)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	c.expireLocked(now)

	if c.filter.TestString(key) {
		if at, ok := c.seen[key]; ok && now.Sub(at) <= c.window {
			return data.Errorf(data.KindReplayDetected, "nonce %x already used from %s to %s", nonce, source, target)
		}
	}

	c.seen[key] = now
	c.order = append(c.order, replayRecord{key: key, seen: now})
	c.filter.AddString(key)
	c.adds++

	for len(c.seen) > c.capacity {
		c.evictOldestLocked()
	}
	if c.adds > 2*c.capacity {
		c.rebuildFilterLocked()
	}
	return nil
}

// Len returns the number of remembered nonces.
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *ReplayCache) expireLocked(now time.Time) {
	for len(c.order) > 0 && now.Sub(c.order[0].seen) > c.window {
		c.evictOldestLocked()
	}
}

func (c *ReplayCache) evictOldestLocked() {
	rec := c.order[0]
	c.order[0] = replayRecord{}
	c.order = c.order[1:]
	// A key re-recorded after expiry appears twice in order; only the
	// newest record owns the map entry.
	if at, ok := c.seen[rec.key]; ok && at.Equal(rec.seen) {
		delete(c.seen, rec.key)
	}
}

func (c *ReplayCache) rebuildFilterLocked() {
	c.filter = bloom.NewWithEstimates(uint(c.capacity), replayFalsePositiveRate)
	for key := range c.seen {
		c.filter.AddString(key)
	}
	c.adds = len(c.seen)

	// Compact the queue so its backing array does not grow without bound.
	order := make([]replayRecord, len(c.order))
	copy(order, c.order)
	c.order = order
}

// replayKey length-prefixes source and target so that no two edges share a
// key whatever bytes the IDs contain.
func replayKey(source, target string, nonce []byte) string {
	b := make([]byte, 0, len(source)+len(target)+len(nonce)+2*binary.MaxVarintLen64)
	b = binary.AppendUvarint(b, uint64(len(source)))
	b = append(b, source...)
	b = binary.AppendUvarint(b, uint64(len(target)))
	b = append(b, target...)
	b = append(b, nonce...)
	return string(b)
}
