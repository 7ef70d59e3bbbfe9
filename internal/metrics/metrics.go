// Package metrics holds the process-wide, lock-free counters the proxy
// accumulates over its lifetime, plus a small RAII-style helper for keeping
// the active-connection count and admission permit release in lockstep.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Metrics is a set of atomic counters, safe for concurrent use from any
// number of goroutines. The zero value is ready to use.
type Metrics struct {
	startedAt time.Time

	totalConnections   atomic.Uint64
	activeConnections  atomic.Int64
	failedConnections  atomic.Uint64
	directRequests     atomic.Uint64
	socks5Requests     atomic.Uint64
	rejectedRequests   atomic.Uint64
	bytesIn            atomic.Uint64
	bytesOut           atomic.Uint64
	dnsCacheHits       atomic.Uint64
	dnsCacheMisses     atomic.Uint64
	sniParseErrors     atomic.Uint64
	socks5Errors       atomic.Uint64
	connectionTimeouts atomic.Uint64
}

// New returns a Metrics with its uptime clock started now.
func New() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

func (m *Metrics) IncTotalConnections()  { m.totalConnections.Add(1) }
func (m *Metrics) IncActiveConnections() { m.activeConnections.Add(1) }
func (m *Metrics) DecActiveConnections() { m.activeConnections.Add(-1) }
func (m *Metrics) IncFailedConnections() { m.failedConnections.Add(1) }
func (m *Metrics) IncDirectRequests()    { m.directRequests.Add(1) }
func (m *Metrics) IncSocks5Requests()    { m.socks5Requests.Add(1) }
func (m *Metrics) IncRejectedRequests()  { m.rejectedRequests.Add(1) }
func (m *Metrics) AddBytesIn(n uint64)   { m.bytesIn.Add(n) }
func (m *Metrics) AddBytesOut(n uint64)  { m.bytesOut.Add(n) }
func (m *Metrics) IncDNSCacheHit()       { m.dnsCacheHits.Add(1) }
func (m *Metrics) IncDNSCacheMiss()      { m.dnsCacheMisses.Add(1) }
func (m *Metrics) IncSNIParseErrors()    { m.sniParseErrors.Add(1) }
func (m *Metrics) IncSocks5Errors()      { m.socks5Errors.Add(1) }
func (m *Metrics) IncConnectionTimeouts() { m.connectionTimeouts.Add(1) }

// Snapshot is a consistent-enough point-in-time read of every counter, plus
// values derived at read time.
type Snapshot struct {
	TotalConnections   uint64
	ActiveConnections  int64
	FailedConnections  uint64
	DirectRequests     uint64
	Socks5Requests     uint64
	RejectedRequests   uint64
	BytesIn            uint64
	BytesOut           uint64
	DNSCacheHits       uint64
	DNSCacheMisses     uint64
	SNIParseErrors     uint64
	Socks5Errors       uint64
	ConnectionTimeouts uint64

	Uptime       time.Duration
	DNSHitRatio  float64 // 0 when there have been no lookups at all
}

// Snapshot reads every counter and computes the derived fields.
func (m *Metrics) Snapshot() Snapshot {
	hits := m.dnsCacheHits.Load()
	misses := m.dnsCacheMisses.Load()

	var ratio float64
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}

	return Snapshot{
		TotalConnections:   m.totalConnections.Load(),
		ActiveConnections:  m.activeConnections.Load(),
		FailedConnections:  m.failedConnections.Load(),
		DirectRequests:     m.directRequests.Load(),
		Socks5Requests:     m.socks5Requests.Load(),
		RejectedRequests:   m.rejectedRequests.Load(),
		BytesIn:            m.bytesIn.Load(),
		BytesOut:           m.bytesOut.Load(),
		DNSCacheHits:       hits,
		DNSCacheMisses:     misses,
		SNIParseErrors:     m.sniParseErrors.Load(),
		Socks5Errors:       m.socks5Errors.Load(),
		ConnectionTimeouts: m.connectionTimeouts.Load(),
		Uptime:             time.Since(m.startedAt),
		DNSHitRatio:        ratio,
	}
}

// String renders the snapshot as the operator-facing summary line the
// server logs on its print interval.
func (s Snapshot) String() string {
	return fmt.Sprintf(
		"uptime=%s total=%d active=%d failed=%d direct=%d socks5=%d rejected=%d "+
			"bytes_in=%d bytes_out=%d dns_hit_ratio=%.2f sni_errors=%d socks5_errors=%d timeouts=%d",
		s.Uptime.Round(time.Second), s.TotalConnections, s.ActiveConnections, s.FailedConnections,
		s.DirectRequests, s.Socks5Requests, s.RejectedRequests,
		s.BytesIn, s.BytesOut, s.DNSHitRatio, s.SNIParseErrors, s.Socks5Errors, s.ConnectionTimeouts,
	)
}

// ConnectionGuard ties the active-connection counter and an admission
// permit release to a single connection's lifetime, the way the original
// relied on a Drop implementation to release both unconditionally. Release
// is idempotent so it is safe to defer it once and also call it explicitly
// on an error path.
type ConnectionGuard struct {
	metrics  *Metrics
	release  func()
	released atomic.Bool
}

// NewConnectionGuard increments total and active connection counts and
// returns a guard that, on its first Release call, decrements active and
// invokes releasePermit (typically a buffered channel receive that frees an
// admission slot).
func NewConnectionGuard(m *Metrics, releasePermit func()) *ConnectionGuard {
	m.IncTotalConnections()
	m.IncActiveConnections()
	return &ConnectionGuard{metrics: m, release: releasePermit}
}

// Release decrements the active-connection count and releases the
// admission permit. Safe to call multiple times; only the first call has
// an effect.
func (g *ConnectionGuard) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.metrics.DecActiveConnections()
		if g.release != nil {
			g.release()
		}
	}
}
