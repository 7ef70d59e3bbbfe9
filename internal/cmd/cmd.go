// Package cmd is responsible for the program's command-line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/log"
	goFlags "github.com/jessevdk/go-flags"

	"github.com/Jackchen0514/sni-proxy/internal/config"
	"github.com/Jackchen0514/sni-proxy/internal/conn"
	"github.com/Jackchen0514/sni-proxy/internal/dnscache"
	"github.com/Jackchen0514/sni-proxy/internal/domaintracker"
	"github.com/Jackchen0514/sni-proxy/internal/ipmatch"
	"github.com/Jackchen0514/sni-proxy/internal/iptraffic"
	"github.com/Jackchen0514/sni-proxy/internal/logging"
	"github.com/Jackchen0514/sni-proxy/internal/match"
	"github.com/Jackchen0514/sni-proxy/internal/metrics"
	"github.com/Jackchen0514/sni-proxy/internal/server"
	"github.com/Jackchen0514/sni-proxy/internal/socks5"
	"github.com/Jackchen0514/sni-proxy/internal/version"
)

// Main is the entry point of the program. It exits the process directly on
// configuration or startup failure, and returns normally after a clean
// shutdown.
func Main() {
	for _, arg := range os.Args {
		if arg == "--version" {
			fmt.Printf("sni-proxy version: %s\n", version.String)
			os.Exit(0)
		}
	}

	options := &Options{}
	parser := goFlags.NewParser(options, goFlags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*goFlags.Error); ok && flagsErr.Type == goFlags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if err := run(options); err != nil {
		log.Error("cmd: %v", err)
		os.Exit(1)
	}
}

// run loads the configuration, wires every component, and blocks until a
// termination signal triggers graceful shutdown.
func run(options *Options) error {
	cfg, err := config.Load(options.Args.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer log.OnCloserError(closer, log.INFO)

	if options.Verbose {
		log.SetLevel(log.DEBUG)
	}

	log.Info("cmd: starting sni-proxy %s", version.String)

	h, err := buildHandler(cfg)
	if err != nil {
		return fmt.Errorf("building connection handler: %w", err)
	}

	srv, err := server.New(server.Config{
		ListenAddr:     cfg.ListenAddr,
		MaxConnections: cfg.MaxConnections,
		PrintInterval:  time.Duration(cfg.IPTrafficTracking.PrintIntervalSecs) * time.Second,
		Handler:        h.handler,
		Metrics:        h.metrics,
		IPTraffic:      h.ipTraffic,
		DomainTraffic:  h.domainTraffic,
	})
	if err != nil {
		return fmt.Errorf("constructing server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	shutdown := func() { once.Do(cancel) }

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		log.Info("cmd: received signal %s, shutting down", sig)
		shutdown()
	}()

	return srv.Run(ctx)
}

type builtHandler struct {
	handler       *conn.Handler
	metrics       *metrics.Metrics
	ipTraffic     *iptraffic.Tracker
	domainTraffic *domaintracker.Tracker
}

// buildHandler wires the Config document into the leaf components
// (hostname matcher, DNS cache, IP filter, metrics, traffic tracker) and the
// connection handler that ties them together.
func buildHandler(cfg *config.Config) (*builtHandler, error) {
	m := metrics.New()

	// A nil tracker (tracking disabled) is a no-op everywhere it is used,
	// so disabled configurations never accumulate per-IP state in memory.
	var tracker *iptraffic.Tracker
	if cfg.IPTrafficTracking.Enabled {
		tracker = iptraffic.New(&iptraffic.Config{
			MaxTrackedIPs:   cfg.IPTrafficTracking.MaxTrackedIPs,
			OutputFile:      cfg.IPTrafficTracking.OutputFile,
			PersistenceFile: cfg.IPTrafficTracking.PersistenceFile,
		})
	}

	// A nil tracker (tracking disabled) is a no-op everywhere it is used.
	var domainTracker *domaintracker.Tracker
	if cfg.DomainIPTracking.Enabled {
		domainTracker = domaintracker.New(&domaintracker.Config{
			OutputFile: cfg.DomainIPTracking.OutputFile,
		})
	}

	cache, err := dnscache.New(&dnscache.Config{Metrics: m, UpstreamAddr: cfg.DNSUpstream})
	if err != nil {
		return nil, fmt.Errorf("constructing DNS cache: %w", err)
	}

	matcher := match.NewHostnameMatcher(
		match.NewMatchSet(cfg.Whitelist),
		match.NewMatchSet(cfg.Socks5Whitelist),
	)

	var ipFilter *ipmatch.IPMatcher
	if len(cfg.IPWhitelist) > 0 {
		ipFilter = ipmatch.New(cfg.IPWhitelist)
	}

	var socksCfg *conn.Socks5Config
	if cfg.Socks5 != nil {
		var creds *socks5.Credentials
		if cfg.Socks5.Username != nil {
			creds = &socks5.Credentials{
				Username: *cfg.Socks5.Username,
				Password: *cfg.Socks5.Password,
			}
		}
		socksCfg = &conn.Socks5Config{Addr: cfg.Socks5.Addr, Credentials: creds}
	}

	h := &conn.Handler{
		Matcher:       matcher,
		IPFilter:      ipFilter,
		DNSCache:      cache,
		Socks5:        socksCfg,
		Metrics:       m,
		IPTraffic:     tracker,
		DomainTraffic: domainTracker,
		BandwidthRate: cfg.BandwidthRateBytesPerSec,
	}

	return &builtHandler{handler: h, metrics: m, ipTraffic: tracker, domainTraffic: domainTracker}, nil
}
