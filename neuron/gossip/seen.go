package gossip

import (
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/pandablue0809/bittensor/neuron/data"
)

// ContentID returns the CIDv1 (raw, sha2-256) of a batch's wire encoding.
// Identical batches, signature included, share a content ID.
func ContentID(batch *data.SynapseBatch) (cid.Cid, error) {
	sum, err := multihash.Sum(batch.Marshal(), multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// seenCache remembers recently merged batches so that a batch relayed by
// several peers in one round is verified once.
type seenCache struct {
	ttl   time.Duration
	clock func() time.Time
	seen  sync.Map // cid string -> time.Time
}

func newSeenCache(ttl time.Duration) *seenCache {
	return &seenCache{ttl: ttl, clock: time.Now}
}

// has reports whether id was added within the TTL.
func (c *seenCache) has(id cid.Cid) bool {
	v, ok := c.seen.Load(id.KeyString())
	if !ok {
		return false
	}
	return c.clock().Sub(v.(time.Time)) <= c.ttl
}

func (c *seenCache) add(id cid.Cid) {
	c.seen.Store(id.KeyString(), c.clock())
}

// clean removes expired entries.
func (c *seenCache) clean() {
	cutoff := c.clock().Add(-c.ttl)
	c.seen.Range(func(key, value interface{}) bool {
		if ts, ok := value.(time.Time); ok && ts.Before(cutoff) {
			c.seen.Delete(key)
		}
		return true
	})
}

func (c *seenCache) size() int {
	n := 0
	c.seen.Range(func(key, value interface{}) bool {
		n++
		return true
	})
	return n
}
