// Package domaintracker records which IP addresses each direct-dialed
// hostname has resolved to, for operator visibility into DNS fan-out
// (round-robin, CDN steering, anycast) over the life of the process.
package domaintracker

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
)

// Tracker maps a hostname to the set of distinct IPs it has resolved to. A
// nil Tracker (tracking disabled) is a no-op everywhere it is used.
type Tracker struct {
	mu   sync.Mutex
	data map[string]map[string]struct{}

	outputFile string
}

// Config configures a Tracker.
type Config struct {
	OutputFile string
}

// New builds a Tracker.
func New(cfg *Config) *Tracker {
	return &Tracker{
		data:       make(map[string]map[string]struct{}),
		outputFile: cfg.OutputFile,
	}
}

// Record notes that domain resolved to ip, deduplicating repeated
// observations of the same pair. A nil Tracker is a no-op.
func (t *Tracker) Record(domain string, ip net.IP) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ips, ok := t.data[domain]
	if !ok {
		ips = make(map[string]struct{})
		t.data[domain] = ips
	}
	ips[ip.String()] = struct{}{}
}

// Stats returns the number of distinct domains tracked and the number of
// distinct (domain, IP) pairs across all of them. A nil Tracker reports
// zeros.
func (t *Tracker) Stats() (domains, ips int) {
	if t == nil {
		return 0, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, set := range t.data {
		ips += len(set)
	}
	return len(t.data), ips
}

// PrintSummary logs the current domain and IP counts. A nil Tracker is a
// no-op.
func (t *Tracker) PrintSummary() {
	if t == nil {
		return
	}
	domains, ips := t.Stats()
	log.Info("domaintracker: %d domains, %d IPs observed", domains, ips)
}

// SaveToFile writes the current domain-to-IP mapping to t.outputFile as a
// sorted, human-readable table, atomically (temp file in the same
// directory, fsync, rename). A nil Tracker, or one with no OutputFile
// configured, is a no-op.
func (t *Tracker) SaveToFile() error {
	if t == nil || t.outputFile == "" {
		return nil
	}

	t.mu.Lock()
	domains := make([]string, 0, len(t.data))
	ipsByDomain := make(map[string][]string, len(t.data))
	for domain, set := range t.data {
		domains = append(domains, domain)
		ips := make([]string, 0, len(set))
		for ip := range set {
			ips = append(ips, ip)
		}
		sort.Strings(ips)
		ipsByDomain[domain] = ips
	}
	t.mu.Unlock()

	sort.Strings(domains)

	var b strings.Builder
	fmt.Fprintf(&b, "# domain-ip mapping, generated %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "# %d domains\n", len(domains))
	for _, domain := range domains {
		fmt.Fprintf(&b, "%s -> %s\n", domain, strings.Join(ipsByDomain[domain], ", "))
	}

	return atomicWriteFile(t.outputFile, []byte(b.String()))
}

// atomicWriteFile writes data to a temp file in path's directory, fsyncs
// it, then renames it over path.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}
