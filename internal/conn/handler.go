// Package conn implements the connection handler: the per-connection state
// machine that peeks a ClientHello, classifies its SNI hostname, dials the
// chosen outbound path, and splices bytes until either side closes.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/Jackchen0514/sni-proxy/internal/dnscache"
	"github.com/Jackchen0514/sni-proxy/internal/domaintracker"
	"github.com/Jackchen0514/sni-proxy/internal/ipmatch"
	"github.com/Jackchen0514/sni-proxy/internal/iptraffic"
	"github.com/Jackchen0514/sni-proxy/internal/match"
	"github.com/Jackchen0514/sni-proxy/internal/metrics"
	"github.com/Jackchen0514/sni-proxy/internal/shapeio"
	"github.com/Jackchen0514/sni-proxy/internal/sni"
	"github.com/Jackchen0514/sni-proxy/internal/socks5"
)

const (
	peekTimeout      = 3 * time.Second
	peekCap          = 16 * 1024
	connectTimeout   = 10 * time.Second
	spliceBufferSize = 16 * 1024
	drainIdleTimeout = 10 * time.Second

	targetPort = 443
)

// State is one of the connection handler's lifecycle states.
type State int

const (
	Idle State = iota
	AwaitingClientHello
	Classified
	Dialing
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingClientHello:
		return "awaiting_client_hello"
	case Classified:
		return "classified"
	case Dialing:
		return "dialing"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	default:
		return "idle"
	}
}

// Socks5Config is the upstream SOCKS5 endpoint, or nil when none is
// configured.
type Socks5Config struct {
	Addr        string
	Credentials *socks5.Credentials
}

// Handler holds everything a connection needs that is shared across the
// whole server: compiled allow-lists, the DNS cache, metrics, and so on. A
// single Handler serves every accepted connection concurrently; it carries
// no per-connection state itself.
type Handler struct {
	Matcher       *match.HostnameMatcher
	IPFilter      *ipmatch.IPMatcher
	DNSCache      *dnscache.Cache
	Socks5        *Socks5Config
	Metrics       *metrics.Metrics
	IPTraffic     *iptraffic.Tracker
	DomainTraffic *domaintracker.Tracker
	BandwidthRate float64 // bytes/sec, 0 disables shaping
}

// Handle runs one connection end to end. It never panics out of itself:
// any uncaught failure within is recovered, counted as a failed connection,
// and logged, so a single bad connection can never take down the server.
// The provided releasePermit is called exactly once, regardless of path,
// to free the caller's admission slot.
func (h *Handler) Handle(ctx context.Context, c net.Conn, releasePermit func()) {
	guard := metrics.NewConnectionGuard(h.Metrics, releasePermit)
	defer guard.Release()

	defer func() {
		if r := recover(); r != nil {
			h.Metrics.IncFailedConnections()
			log.Error("conn: recovered from panic handling %s: %v", c.RemoteAddr(), r)
		}
	}()

	if err := h.handle(ctx, c); err != nil {
		log.Debug("conn: %s: %v", c.RemoteAddr(), err)
	}
}

func (h *Handler) handle(ctx context.Context, c net.Conn) error {
	defer c.Close()

	state := Idle

	peerAddr, ok := peerAddrOf(c)
	if ok && !h.IPFilter.Empty() && !h.IPFilter.Allowed(peerAddr) {
		h.Metrics.IncRejectedRequests()
		return fmt.Errorf("source IP %s not in allow-list", peerAddr)
	}

	state = AwaitingClientHello
	hostname, prefix, err := peekClientHello(c)
	if err != nil {
		h.Metrics.IncSNIParseErrors()
		return fmt.Errorf("state=%s: peeking ClientHello: %w", state, err)
	}

	state = Classified
	decision := h.Matcher.Classify(hostname)
	if decision == match.Reject {
		h.Metrics.IncRejectedRequests()
		return fmt.Errorf("state=%s: hostname %q rejected by policy", state, hostname)
	}

	state = Dialing
	outbound, err := h.dial(ctx, decision, hostname)
	if err != nil {
		switch decision {
		case match.Socks5:
			h.Metrics.IncSocks5Errors()
		default:
			h.Metrics.IncConnectionTimeouts()
		}
		return fmt.Errorf("state=%s: dialing %s for %q: %w", state, decision, hostname, err)
	}
	defer outbound.Close()

	switch decision {
	case match.Direct:
		h.Metrics.IncDirectRequests()
	case match.Socks5:
		h.Metrics.IncSocks5Requests()
	}

	if ip := peerAddr.String(); peerAddr.IsValid() {
		h.IPTraffic.Register(ip)
	}

	if _, err := outbound.Write(prefix); err != nil {
		return fmt.Errorf("state=%s: flushing peeked bytes: %w", state, err)
	}

	state = Streaming
	h.splice(ctx, c, outbound, peerAddr)

	state = Closed
	log.Debug("conn: %s: finished for %q, state=%s", c.RemoteAddr(), hostname, state)
	return nil
}

func peerAddrOf(c net.Conn) (netip.Addr, bool) {
	tcpAddr, ok := c.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// peekClientHello reads from c, accumulating bytes up to peekCap, until the
// SNI parser either returns a hostname or a non-Incomplete error. It returns
// the hostname plus every byte read from c so far, so the caller can flush
// them to the outbound connection before splicing.
func peekClientHello(c net.Conn) (hostname string, buffered []byte, err error) {
	if err = c.SetReadDeadline(time.Now().Add(peekTimeout)); err != nil {
		return "", nil, fmt.Errorf("setting peek deadline: %w", err)
	}
	defer func() {
		_ = c.SetReadDeadline(time.Time{})
	}()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		n, rerr := c.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			hostname, perr := sni.ParseClientHello(buf)
			if perr == nil {
				return hostname, buf, nil
			}
			if !errors.Is(perr, sni.ErrIncomplete) {
				return "", nil, perr
			}
			if len(buf) >= peekCap {
				return "", nil, fmt.Errorf("%w: ClientHello exceeds %d bytes", sni.ErrMalformed, peekCap)
			}
		}
		if rerr != nil {
			return "", nil, fmt.Errorf("reading ClientHello: %w", rerr)
		}
	}
}

func (h *Handler) dial(ctx context.Context, decision match.Decision, hostname string) (net.Conn, error) {
	switch decision {
	case match.Socks5:
		return h.dialSocks5(hostname)
	default:
		return h.dialDirect(ctx, hostname)
	}
}

func (h *Handler) dialSocks5(hostname string) (net.Conn, error) {
	if h.Socks5 == nil {
		return nil, errors.New("no socks5 upstream configured")
	}
	return socks5.Connect(&socks5.Config{
		Addr:        h.Socks5.Addr,
		Credentials: h.Socks5.Credentials,
	}, hostname, targetPort)
}

// dialDirect resolves hostname and attempts each returned address in turn
// within an overall connectTimeout deadline, so a single unreachable
// address does not waste the full per-address timeout budget.
func (h *Handler) dialDirect(ctx context.Context, hostname string) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	addrs, err := h.DNSCache.Resolve(dctx, hostname)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", hostname, err)
	}

	for _, addr := range addrs {
		h.DomainTraffic.Record(hostname, addr)
	}

	var lastErr error
	dialer := net.Dialer{Control: dialControl}

	for _, addr := range addrs {
		if dctx.Err() != nil {
			break
		}
		target := net.JoinHostPort(addr.String(), fmt.Sprint(targetPort))

		c, err := dialer.DialContext(dctx, "tcp", target)
		if err != nil {
			lastErr = err
			continue
		}

		if tc, ok := c.(*net.TCPConn); ok {
			if err := tc.SetNoDelay(true); err != nil {
				log.Debug("conn: failed to set TCP_NODELAY for %s: %v", target, err)
			}
		}

		return c, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses resolved for %q", hostname)
	}
	return nil, lastErr
}

// closeWriter is implemented by connections that support half-closing their
// write side (e.g. *net.TCPConn), so a finished direction can signal EOF to
// its peer without tearing down the whole socket.
type closeWriter interface {
	CloseWrite() error
}

// splice copies bytes in both directions between client and outbound
// concurrently, accounting every chunk to Metrics and IPTraffic, until both
// directions have finished.
func (h *Handler) splice(ctx context.Context, client, outbound net.Conn, peer netip.Addr) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		n := h.copyShaped(ctx, outbound, client)
		if peer.IsValid() {
			h.IPTraffic.AddReceived(peer.String(), uint64(n))
		}
		h.Metrics.AddBytesIn(uint64(n))
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		n := h.copyShaped(ctx, client, outbound)
		if peer.IsValid() {
			h.IPTraffic.AddSent(peer.String(), uint64(n))
		}
		h.Metrics.AddBytesOut(uint64(n))
	}()

	<-done
	<-done
}

// copyShaped copies from src to dst, optionally bandwidth-shaped, and
// half-closes dst's write side (or closes it outright) once src is
// drained. A shaped copy's rate-limiter waits abort as soon as ctx is
// cancelled, so a server shutdown does not have to wait out a slow
// connection's token-bucket delay.
func (h *Handler) copyShaped(ctx context.Context, dst net.Conn, src io.Reader) int64 {
	defer func() {
		switch c := dst.(type) {
		case closeWriter:
			_ = c.CloseWrite()
		default:
			_ = dst.Close()
		}
	}()

	reader := shapeio.NewReader(ctx, withIdleDeadline(src), h.BandwidthRate)
	writer := shapeio.NewWriter(ctx, dst, h.BandwidthRate)

	buf := make([]byte, spliceBufferSize)
	written, err := io.CopyBuffer(writer, reader, buf)
	if err != nil {
		log.Debug("conn: splice half finished: %v", err)
	}
	return written
}

// idleDeadlineReader refreshes src's read deadline before every Read, so a
// half that stalls mid-splice (without a clean EOF or reset) is torn down
// after drainIdleTimeout instead of hanging forever.
type idleDeadlineReader struct {
	src net.Conn
}

func withIdleDeadline(src io.Reader) io.Reader {
	c, ok := src.(net.Conn)
	if !ok {
		return src
	}
	return &idleDeadlineReader{src: c}
}

func (r *idleDeadlineReader) Read(p []byte) (int, error) {
	_ = r.src.SetReadDeadline(time.Now().Add(drainIdleTimeout))
	return r.src.Read(p)
}
