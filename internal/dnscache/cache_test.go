package dnscache

import (
	"context"
	"net"
	"testing"
	"time"
)

type countingMetrics struct {
	hits, misses int
}

func (m *countingMetrics) IncDNSCacheHit()  { m.hits++ }
func (m *countingMetrics) IncDNSCacheMiss() { m.misses++ }

func TestCache_StoreHitsAndMisses(t *testing.T) {
	metrics := &countingMetrics{}
	c := &Cache{
		store:   newLRUStore(10),
		ttl:     time.Minute,
		metrics: metrics,
	}

	c.store.put("example.com", []net.IP{net.ParseIP("1.2.3.4")}, time.Minute)

	addrs, ok := c.store.get("example.com")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if len(addrs) != 1 || !addrs[0].Equal(net.ParseIP("1.2.3.4")) {
		t.Errorf("unexpected addrs: %v", addrs)
	}

	if _, ok := c.store.get("missing.example"); ok {
		t.Error("expected cache miss for a key that was never stored")
	}
}

func TestCache_ResolveServesPreseededEntry(t *testing.T) {
	// No upstream is configured, so a miss would go to net.DefaultResolver;
	// the store is pre-seeded so Resolve is served from the cache without
	// network access.
	c := &Cache{
		store:   newLRUStore(10),
		ttl:     time.Minute,
		metrics: &countingMetrics{},
	}
	c.store.put("cached.example", []net.IP{net.ParseIP("10.0.0.1")}, time.Minute)

	addrs, err := c.Resolve(context.Background(), "CACHED.EXAMPLE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(addrs) != 1 || !addrs[0].Equal(net.ParseIP("10.0.0.1")) {
		t.Errorf("unexpected addrs: %v", addrs)
	}

	m := c.metrics.(*countingMetrics)
	if m.hits != 1 || m.misses != 0 {
		t.Errorf("got hits=%d misses=%d, want hits=1 misses=0", m.hits, m.misses)
	}
}

func TestCache_CaseInsensitiveKey(t *testing.T) {
	c := &Cache{
		store: newLRUStore(10),
		ttl:   time.Minute,
	}
	c.store.put("lower.example", []net.IP{net.ParseIP("2.2.2.2")}, time.Minute)

	if _, ok := c.store.get("LOWER.EXAMPLE"); ok {
		t.Fatal("store is a literal key-value map; case folding is the cache layer's job")
	}

	addrs, err := c.Resolve(context.Background(), "LOWER.example")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(addrs) != 1 {
		t.Errorf("expected cached entry to be found via lower-cased key, got %v", addrs)
	}
}

func TestCache_ExpiredEntryMissesEvenIfPresent(t *testing.T) {
	c := &Cache{
		store: newLRUStore(10),
		ttl:   time.Minute,
	}
	c.store.cache.SetWithExpire("stale.example", &entry{
		addrs:     []net.IP{net.ParseIP("3.3.3.3")},
		expiresAt: time.Now().Add(-time.Second),
	}, time.Minute)

	if _, ok := c.store.get("stale.example"); ok {
		t.Fatal("expected expired entry to be treated as a miss")
	}
}

func TestNew_DefaultsTTLAndNoUpstream(t *testing.T) {
	c, err := New(&Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ttl != defaultTTL {
		t.Errorf("got ttl=%v, want default %v", c.ttl, defaultTTL)
	}
	if c.upstream != nil {
		t.Error("expected nil upstream when UpstreamAddr is empty")
	}
}

func TestNew_InvalidUpstreamAddr(t *testing.T) {
	_, err := New(&Config{UpstreamAddr: "\x00invalid"})
	if err == nil {
		t.Fatal("expected error for invalid upstream address")
	}
}
