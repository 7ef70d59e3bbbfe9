package dnscache

import (
	"net"
	"time"

	"github.com/bluele/gcache"
)

// defaultCapacity is used when Config.Capacity is not positive.
const defaultCapacity = 10_000

// lruStore wraps gcache's LRU implementation, storing per-key TTLs via
// gcache's own expiration support so that least-recently-used eviction and
// TTL expiry compose without a second bookkeeping structure.
type lruStore struct {
	cache gcache.Cache
}

func newLRUStore(capacity int) *lruStore {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &lruStore{
		cache: gcache.New(capacity).LRU().Build(),
	}
}

func (s *lruStore) get(key string) ([]net.IP, bool) {
	v, err := s.cache.Get(key)
	if err != nil {
		return nil, false
	}
	e, ok := v.(*entry)
	if !ok {
		return nil, false
	}
	// gcache's own expiration handles removal; this is a defensive
	// belt-and-braces check in case a stale entry briefly survives a race
	// between expiry and eviction.
	if e.expired(time.Now()) {
		return nil, false
	}
	return e.addrs, true
}

func (s *lruStore) put(key string, addrs []net.IP, ttl time.Duration) {
	e := &entry{addrs: addrs, expiresAt: time.Now().Add(ttl)}
	_ = s.cache.SetWithExpire(key, e, ttl)
}
