// Package server implements the accept loop, admission control, and
// graceful shutdown coordination around the connection handler.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/Jackchen0514/sni-proxy/internal/conn"
	"github.com/Jackchen0514/sni-proxy/internal/domaintracker"
	"github.com/Jackchen0514/sni-proxy/internal/iptraffic"
	"github.com/Jackchen0514/sni-proxy/internal/metrics"
)

const (
	// listenBacklog is the TCP Fast Open pending-connection queue length set
	// on the listening socket. The accept backlog itself is Go's default.
	listenBacklog = 1024

	// drainTimeout bounds how long graceful shutdown waits for active
	// workers before forcing termination.
	drainTimeout = 30 * time.Second

	// unconditionalPersistInterval is how often the IP traffic tracker is
	// persisted regardless of the configured print interval.
	unconditionalPersistInterval = 5 * time.Minute

	topNIPs = 10
)

// Config configures a Server.
type Config struct {
	ListenAddr     string
	MaxConnections int
	PrintInterval  time.Duration

	Handler       *conn.Handler
	Metrics       *metrics.Metrics
	IPTraffic     *iptraffic.Tracker
	DomainTraffic *domaintracker.Tracker
}

// Server owns the listening socket, the admission semaphore, and the
// goroutines that print and persist periodic state.
type Server struct {
	cfg Config

	listener net.Listener
	sem      chan struct{}

	wg sync.WaitGroup
}

// New builds a Server. It does not bind the listen address yet; call Run.
func New(cfg Config) (*Server, error) {
	if cfg.MaxConnections <= 0 {
		return nil, errors.New("server: MaxConnections must be > 0")
	}
	return &Server{
		cfg: cfg,
		sem: make(chan struct{}, cfg.MaxConnections),
	}, nil
}

// Run binds the listen address and blocks until ctx is cancelled, at which
// point it drains active connections for up to drainTimeout before
// returning. Run always returns nil on a clean shutdown; a listen failure is
// returned as an error, while accept failures are logged and the accept
// loop continues.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{Control: listenControl}

	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln

	log.Info("server: listening on %s", ln.Addr())

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(ctx)
	}()

	periodicDone := make(chan struct{})
	go func() {
		defer close(periodicDone)
		s.periodicTasks(ctx)
	}()

	<-ctx.Done()
	log.Info("server: shutdown signal received, draining")

	_ = ln.Close()
	<-acceptDone
	<-periodicDone

	if !s.drain(drainTimeout) {
		log.Error("server: drain timeout after %s, forcing shutdown with %d active", drainTimeout, len(s.sem))
	}

	if err := s.cfg.IPTraffic.Persist(); err != nil {
		log.Error("server: persisting IP traffic tracker during shutdown: %v", err)
	}
	if err := s.cfg.DomainTraffic.SaveToFile(); err != nil {
		log.Error("server: saving domain-IP tracker during shutdown: %v", err)
	}

	log.Info("server: stopped")
	return nil
}

// acceptLoop accepts connections until the listener is closed, gating each
// acceptance on an admission permit.
func (s *Server) acceptLoop(ctx context.Context) {
	for {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		c, err := s.listener.Accept()
		if err != nil {
			<-s.sem
			if ctx.Err() != nil || strings.Contains(err.Error(), "closed network connection") {
				return
			}
			log.Error("server: accept failed: %v", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.cfg.Handler.Handle(ctx, c, func() { <-s.sem })
		}()
	}
}

// drain waits up to timeout for every worker to finish, reporting whether
// they all finished in time.
func (s *Server) drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// periodicTasks logs and persists state every PrintInterval, plus an
// unconditional persistence every unconditionalPersistInterval regardless
// of the configured interval. The domain-IP tracker shares both cadences:
// its summary prints with the metrics/IP-traffic log line, its file save
// rides the unconditional persistence tick.
func (s *Server) periodicTasks(ctx context.Context) {
	interval := s.cfg.PrintInterval
	if interval <= 0 {
		interval = time.Minute
	}

	printTicker := time.NewTicker(interval)
	defer printTicker.Stop()

	persistTicker := time.NewTicker(unconditionalPersistInterval)
	defer persistTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-printTicker.C:
			log.Info("server: %s", s.cfg.Metrics.Snapshot())
			log.Info("server: top %d IPs by traffic: %v", topNIPs, s.cfg.IPTraffic.TopN(topNIPs))
			if err := s.cfg.IPTraffic.Persist(); err != nil {
				log.Error("server: persisting IP traffic tracker: %v", err)
			}
			s.cfg.DomainTraffic.PrintSummary()
		case <-persistTicker.C:
			if err := s.cfg.IPTraffic.Persist(); err != nil {
				log.Error("server: persisting IP traffic tracker: %v", err)
			}
			if err := s.cfg.DomainTraffic.SaveToFile(); err != nil {
				log.Error("server: saving domain-IP tracker: %v", err)
			}
		}
	}
}
