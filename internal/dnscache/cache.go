// Package dnscache implements a bounded LRU+TTL hostname resolution cache.
// Misses are resolved through a configurable upstream DNS server using
// github.com/AdguardTeam/dnsproxy/upstream and github.com/miekg/dns message
// construction, falling back to the system resolver when no upstream is
// configured.
package dnscache

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/AdguardTeam/dnsproxy/upstream"
	"github.com/AdguardTeam/golibs/log"
	"github.com/miekg/dns"
)

// defaultTTL is used when the upstream answer carries no usable TTL.
const defaultTTL = 300 * time.Second

// lookupTimeout bounds a single upstream or system-resolver query.
const lookupTimeout = 5 * time.Second

// HitCounter is implemented by the metrics package; the cache reports hits
// and misses through it without importing metrics directly, avoiding an
// import cycle between the two leaf packages.
type HitCounter interface {
	IncDNSCacheHit()
	IncDNSCacheMiss()
}

type entry struct {
	addrs     []net.IP
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Cache is a process-global, LRU-bounded hostname-to-addresses cache. It is
// safe for concurrent use.
type Cache struct {
	store    *lruStore
	upstream upstream.Upstream
	ttl      time.Duration
	metrics  HitCounter
}

// Config configures a Cache.
type Config struct {
	// Capacity bounds the number of distinct hostnames tracked at once.
	Capacity int

	// TTL is the configured cache TTL; it upper-bounds the minimum TTL seen
	// in an upstream reply. Defaults to 300s when zero.
	TTL time.Duration

	// UpstreamAddr is the address of the upstream DNS server, in a form
	// accepted by upstream.AddressToUpstream (e.g. "1.1.1.1:53",
	// "tls://dns.example.com"). When empty, resolution falls back to
	// net.DefaultResolver.
	UpstreamAddr string

	Metrics HitCounter
}

// New builds a Cache from cfg. An error is returned only if UpstreamAddr is
// non-empty and fails to parse.
func New(cfg *Config) (*Cache, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	c := &Cache{
		store:   newLRUStore(cfg.Capacity),
		ttl:     ttl,
		metrics: cfg.Metrics,
	}

	if cfg.UpstreamAddr != "" {
		u, err := upstream.AddressToUpstream(cfg.UpstreamAddr, &upstream.Options{Timeout: lookupTimeout})
		if err != nil {
			return nil, fmt.Errorf("dnscache: parsing upstream %q: %w", cfg.UpstreamAddr, err)
		}
		c.upstream = u
	}

	return c, nil
}

// Resolve returns the IP addresses for hostname, consulting the cache first.
// hostname is lower-cased and treated case-insensitively; callers must strip
// any port before calling.
func (c *Cache) Resolve(ctx context.Context, hostname string) ([]net.IP, error) {
	key := strings.ToLower(hostname)

	if addrs, ok := c.store.get(key); ok {
		c.countHit()
		return addrs, nil
	}

	c.countMiss()

	addrs, ttl, err := c.lookup(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("dnscache: resolving %q: %w", hostname, err)
	}

	effTTL := c.ttl
	if ttl > 0 && ttl < effTTL {
		effTTL = ttl
	}
	c.store.put(key, addrs, effTTL)

	return addrs, nil
}

func (c *Cache) countHit() {
	if c.metrics != nil {
		c.metrics.IncDNSCacheHit()
	}
}

func (c *Cache) countMiss() {
	if c.metrics != nil {
		c.metrics.IncDNSCacheMiss()
	}
}

// lookup resolves hostname via the configured upstream, or the system
// resolver when none is configured. It returns the minimum TTL observed
// across both A and AAAA answers, or 0 if none carried a usable TTL.
func (c *Cache) lookup(ctx context.Context, hostname string) ([]net.IP, time.Duration, error) {
	if c.upstream == nil {
		return c.lookupSystem(ctx, hostname)
	}
	return c.lookupUpstream(hostname)
}

func (c *Cache) lookupSystem(ctx context.Context, hostname string) ([]net.IP, time.Duration, error) {
	lctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIP(lctx, "ip", hostname)
	if err != nil {
		return nil, 0, err
	}
	if len(addrs) == 0 {
		return nil, 0, fmt.Errorf("no addresses returned for %q", hostname)
	}
	return addrs, 0, nil
}

func (c *Cache) lookupUpstream(hostname string) ([]net.IP, time.Duration, error) {
	fqdn := dns.Fqdn(hostname)

	var addrs []net.IP
	var minTTL time.Duration

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		req := new(dns.Msg)
		req.SetQuestion(fqdn, qtype)
		req.RecursionDesired = true

		resp, err := c.upstream.Exchange(req)
		if err != nil {
			log.Debug("dnscache: upstream query for %s %s failed: %v", dns.Type(qtype), fqdn, err)
			continue
		}

		for _, rr := range resp.Answer {
			ttl := time.Duration(rr.Header().Ttl) * time.Second
			if minTTL == 0 || (ttl > 0 && ttl < minTTL) {
				minTTL = ttl
			}

			switch rec := rr.(type) {
			case *dns.A:
				addrs = append(addrs, rec.A)
			case *dns.AAAA:
				addrs = append(addrs, rec.AAAA)
			}
		}
	}

	if len(addrs) == 0 {
		return nil, 0, fmt.Errorf("no addresses returned for %q via upstream", hostname)
	}

	return addrs, minTTL, nil
}
