package server

import (
	"context"
	"testing"
	"time"

	"github.com/Jackchen0514/sni-proxy/internal/conn"
	"github.com/Jackchen0514/sni-proxy/internal/dnscache"
	"github.com/Jackchen0514/sni-proxy/internal/iptraffic"
	"github.com/Jackchen0514/sni-proxy/internal/match"
	"github.com/Jackchen0514/sni-proxy/internal/metrics"
)

func newTestServer(t *testing.T, addr string) *Server {
	t.Helper()

	m := metrics.New()
	cache, err := dnscache.New(&dnscache.Config{Metrics: m})
	if err != nil {
		t.Fatalf("dnscache.New: %v", err)
	}
	tracker := iptraffic.New(&iptraffic.Config{})

	h := &conn.Handler{
		Matcher:   match.NewHostnameMatcher(match.NewMatchSet([]string{"*.example"}), match.NewMatchSet(nil)),
		DNSCache:  cache,
		Metrics:   m,
		IPTraffic: tracker,
	}

	s, err := New(Config{
		ListenAddr:     addr,
		MaxConnections: 4,
		PrintInterval:  time.Hour,
		Handler:        h,
		Metrics:        m,
		IPTraffic:      tracker,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestServer_StartsAndShutsDownCleanly(t *testing.T) {
	s := newTestServer(t, "127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		runDone <- s.Run(ctx)
	}()

	// Give the listener a moment to bind.
	time.Sleep(100 * time.Millisecond)

	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown signal")
	}
}

func TestServer_RejectsZeroMaxConnections(t *testing.T) {
	_, err := New(Config{ListenAddr: "127.0.0.1:0", MaxConnections: 0})
	if err == nil {
		t.Fatal("expected error for MaxConnections=0")
	}
}

func TestServer_AdmissionBackpressure(t *testing.T) {
	s := newTestServer(t, "127.0.0.1:0")
	s.cfg.MaxConnections = 1
	s.sem = make(chan struct{}, 1)

	// Fill the single permit.
	s.sem <- struct{}{}

	select {
	case s.sem <- struct{}{}:
		t.Fatal("expected semaphore to be full")
	default:
	}

	<-s.sem
	select {
	case s.sem <- struct{}{}:
	default:
		t.Fatal("expected a permit to be available after release")
	}
}
