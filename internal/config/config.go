// Package config loads and validates the proxy's JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// defaultMaxConnections is used when max_connections is omitted.
const defaultMaxConnections = 10_000

// Log holds the logging configuration.
type Log struct {
	Level          string `json:"level"`
	Output         string `json:"output"`
	FilePath       string `json:"file_path"`
	EnableRotation bool   `json:"enable_rotation"`
	MaxSizeMB      int    `json:"max_size_mb"`
	MaxBackups     int    `json:"max_backups"`
	ShowTimestamp  bool   `json:"show_timestamp"`
	ShowModule     bool   `json:"show_module"`
	UseColor       bool   `json:"use_color"`
}

// Socks5 holds the optional upstream SOCKS5 endpoint.
type Socks5 struct {
	Addr     string  `json:"addr"`
	Username *string `json:"username"`
	Password *string `json:"password"`
}

// IPTrafficTracking holds per-source-IP traffic tracking settings.
type IPTrafficTracking struct {
	Enabled           bool   `json:"enabled"`
	MaxTrackedIPs     int    `json:"max_tracked_ips"`
	OutputFile        string `json:"output_file"`
	PersistenceFile   string `json:"persistence_file"`
	PrintIntervalSecs int    `json:"print_interval_secs"`
}

// DomainIPTracking holds domain-to-resolved-IP mapping tracking settings.
type DomainIPTracking struct {
	Enabled    bool   `json:"enabled"`
	OutputFile string `json:"output_file"`
}

// Config is the top-level configuration document.
type Config struct {
	ListenAddr        string            `json:"listen_addr"`
	MaxConnections    int               `json:"max_connections"`
	Whitelist         []string          `json:"whitelist"`
	Socks5Whitelist   []string          `json:"socks5_whitelist"`
	Socks5            *Socks5           `json:"socks5"`
	IPWhitelist       []string          `json:"ip_whitelist"`
	Log               Log               `json:"log"`
	IPTrafficTracking IPTrafficTracking `json:"ip_traffic_tracking"`
	DomainIPTracking  DomainIPTracking  `json:"domain_ip_tracking"`

	// BandwidthRateBytesPerSec optionally limits the speed of every spliced
	// connection, in bytes per second. Zero (the default) means unlimited.
	BandwidthRateBytesPerSec float64 `json:"bandwidth_rate_bytes_per_sec"`

	// DNSUpstream is the optional upstream DNS server used to resolve
	// direct-dial hostnames (e.g. "1.1.1.1:53", "tls://dns.example.com").
	// Empty falls back to the system resolver.
	DNSUpstream string `json:"dns_upstream"`
}

// Load reads and parses the JSON document at path, applies defaults, and
// validates it. The returned error, if any, is suitable to print directly
// and exit non-zero.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
	if c.IPTrafficTracking.PrintIntervalSecs == 0 {
		c.IPTrafficTracking.PrintIntervalSecs = 60
	}
}

var validLogLevels = map[string]bool{
	"off": true, "error": true, "warn": true, "info": true, "debug": true, "trace": true,
}

var validLogOutputs = map[string]bool{
	"stdout": true, "file": true, "both": true,
}

// Validate checks every invariant from §3/§6: C1, C2, C3, address
// parseability, and output-path writability (creating parent directories
// on demand).
func (c *Config) Validate() error {
	if len(c.Whitelist) == 0 && len(c.Socks5Whitelist) == 0 {
		return fmt.Errorf("at least one of whitelist or socks5_whitelist must be non-empty")
	}

	if len(c.Socks5Whitelist) > 0 && c.Socks5 == nil {
		return fmt.Errorf("socks5_whitelist is non-empty but no socks5 endpoint is configured")
	}

	if c.Socks5 != nil {
		if (c.Socks5.Username == nil) != (c.Socks5.Password == nil) {
			return fmt.Errorf("socks5 username and password must both be present or both absent")
		}
		if _, _, err := net.SplitHostPort(c.Socks5.Addr); err != nil {
			return fmt.Errorf("socks5.addr %q: %w", c.Socks5.Addr, err)
		}
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q: %w", c.ListenAddr, err)
	}

	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be > 0, got %d", c.MaxConnections)
	}

	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("log.level %q is not one of off/error/warn/info/debug/trace", c.Log.Level)
	}
	if !validLogOutputs[c.Log.Output] {
		return fmt.Errorf("log.output %q is not one of stdout/file/both", c.Log.Output)
	}
	if c.Log.Output == "file" || c.Log.Output == "both" {
		if c.Log.FilePath == "" {
			return fmt.Errorf("log.file_path is required when log.output is %q", c.Log.Output)
		}
		if err := ensureWritableDir(c.Log.FilePath); err != nil {
			return fmt.Errorf("log.file_path %q: %w", c.Log.FilePath, err)
		}
	}

	if c.IPTrafficTracking.Enabled {
		if c.IPTrafficTracking.MaxTrackedIPs <= 0 {
			return fmt.Errorf("ip_traffic_tracking.max_tracked_ips must be > 0 when tracking is enabled")
		}
		if c.IPTrafficTracking.PrintIntervalSecs <= 0 {
			return fmt.Errorf("ip_traffic_tracking.print_interval_secs must be > 0 when tracking is enabled")
		}
		for _, p := range []string{c.IPTrafficTracking.OutputFile, c.IPTrafficTracking.PersistenceFile} {
			if p == "" {
				continue
			}
			if err := ensureWritableDir(p); err != nil {
				return fmt.Errorf("ip_traffic_tracking path %q: %w", p, err)
			}
		}
	}

	if c.DomainIPTracking.Enabled {
		if c.DomainIPTracking.OutputFile == "" {
			return fmt.Errorf("domain_ip_tracking.output_file is required when domain_ip_tracking is enabled")
		}
		if err := ensureWritableDir(c.DomainIPTracking.OutputFile); err != nil {
			return fmt.Errorf("domain_ip_tracking.output_file %q: %w", c.DomainIPTracking.OutputFile, err)
		}
	}

	for _, ip := range c.IPWhitelist {
		if net.ParseIP(ip) == nil {
			if _, _, err := net.ParseCIDR(ip); err != nil {
				return fmt.Errorf("ip_whitelist entry %q is neither a valid IP nor CIDR", ip)
			}
		}
	}

	return nil
}

// ensureWritableDir creates path's parent directory if missing and checks
// that it is writable.
func ensureWritableDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating parent directory %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, ".write-probe-*")
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)

	return nil
}
