// Package iptraffic tracks per-source-IP byte and connection counts with
// bounded memory and atomic, periodic persistence to disk.
package iptraffic

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/log"
)

// overflowKey is the bucket absorbing counters once max_tracked_ips is
// reached, so capacity overflow never evicts a tracked entry mid-run.
const overflowKey = "__overflow__"

// record holds one source IP's counters. Byte/connection fields are updated
// with atomic adds so the hot splice path never takes the tracker's
// structural lock.
type record struct {
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64
	connections   atomic.Uint64
	firstSeen     int64
	lastSeen      atomic.Int64
}

// Snapshot is a point-in-time, read-only copy of one IP's counters.
type Snapshot struct {
	BytesReceived uint64 `json:"bytes_received"`
	BytesSent     uint64 `json:"bytes_sent"`
	Connections   uint64 `json:"connections"`
	FirstSeenUnix int64  `json:"first_seen_unix,omitempty"`
	LastSeenUnix  int64  `json:"last_seen_unix,omitempty"`
}

// Tracker maps source IP to its traffic record, bounded to MaxTrackedIPs.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*record

	maxTrackedIPs int

	outputFile      string
	persistenceFile string
}

// Config configures a Tracker.
type Config struct {
	MaxTrackedIPs   int
	OutputFile      string
	PersistenceFile string
}

// New builds a Tracker. A MaxTrackedIPs of 0 means unbounded. If
// cfg.PersistenceFile already holds a document from a previous run, its
// counters are restored into the returned Tracker so a restart does not
// silently lose per-IP history; a missing or unreadable persistence file is
// logged and otherwise ignored, leaving the Tracker empty.
func New(cfg *Config) *Tracker {
	t := &Tracker{
		records:         make(map[string]*record),
		maxTrackedIPs:   cfg.MaxTrackedIPs,
		outputFile:      cfg.OutputFile,
		persistenceFile: cfg.PersistenceFile,
	}

	if t.persistenceFile != "" {
		if err := t.restore(); err != nil {
			log.Error("iptraffic: loading persisted data from %s: %v, starting empty", t.persistenceFile, err)
		}
	}

	return t
}

// restore reads t.persistenceFile and seeds t.records from its contents. A
// missing file is not an error: the first run of a given persistence path
// has nothing to restore.
func (t *Tracker) restore() error {
	b, err := os.ReadFile(t.persistenceFile)
	if errors.Is(err, os.ErrNotExist) {
		log.Info("iptraffic: no persistence file at %s yet, starting empty", t.persistenceFile)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", t.persistenceFile, err)
	}

	var doc persistedDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", t.persistenceFile, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for ip, s := range doc.Stats {
		r := &record{firstSeen: s.FirstSeenUnix}
		r.bytesReceived.Store(s.BytesReceived)
		r.bytesSent.Store(s.BytesSent)
		r.connections.Store(s.Connections)
		r.lastSeen.Store(s.LastSeenUnix)
		t.records[ip] = r
	}

	log.Info("iptraffic: restored %d tracked IPs from %s, saved %ds ago",
		len(doc.Stats), t.persistenceFile, time.Now().Unix()-doc.SavedAt)

	return nil
}

// Register increments ip's connection count, creating its record if
// capacity allows, or folding the increment into the overflow bucket
// otherwise. A nil Tracker (tracking disabled) is a no-op.
func (t *Tracker) Register(ip string) {
	if t == nil {
		return
	}
	r := t.recordFor(ip)
	r.connections.Add(1)
	now := time.Now().Unix()
	r.lastSeen.Store(now)
}

// AddReceived records n bytes received from ip. A nil Tracker is a no-op.
func (t *Tracker) AddReceived(ip string, n uint64) {
	if t == nil {
		return
	}
	t.recordFor(ip).bytesReceived.Add(n)
}

// AddSent records n bytes sent to ip. A nil Tracker is a no-op.
func (t *Tracker) AddSent(ip string, n uint64) {
	if t == nil {
		return
	}
	t.recordFor(ip).bytesSent.Add(n)
}

// recordFor returns ip's record, creating it if capacity allows, otherwise
// the shared overflow record. Only the first lookup for a new key takes the
// write lock; subsequent updates to an existing record use RLock. An IP
// folded into the overflow bucket never gets a key of its own, so every
// lookup for it takes the write lock.
func (t *Tracker) recordFor(ip string) *record {
	t.mu.RLock()
	r, ok := t.records[ip]
	t.mu.RUnlock()
	if ok {
		return r
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.records[ip]; ok {
		return r
	}

	key := ip
	if t.maxTrackedIPs > 0 && len(t.records) >= t.maxTrackedIPs {
		// Capacity reached: fold into the shared overflow bucket rather
		// than evicting an existing entry.
		key = overflowKey
	}

	if existing, ok := t.records[key]; ok {
		return existing
	}

	now := time.Now().Unix()
	nr := &record{firstSeen: now}
	nr.lastSeen.Store(now)
	t.records[key] = nr
	return nr
}

// Snapshot returns a consistent view of every tracked record. A nil Tracker
// reports an empty snapshot.
func (t *Tracker) Snapshot() map[string]Snapshot {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Snapshot, len(t.records))
	for ip, r := range t.records {
		out[ip] = Snapshot{
			BytesReceived: r.bytesReceived.Load(),
			BytesSent:     r.bytesSent.Load(),
			Connections:   r.connections.Load(),
			FirstSeenUnix: r.firstSeen,
			LastSeenUnix:  r.lastSeen.Load(),
		}
	}
	return out
}

// TopN returns the n IPs with the most total bytes transferred, descending.
func (t *Tracker) TopN(n int) []string {
	snap := t.Snapshot()

	ips := make([]string, 0, len(snap))
	for ip := range snap {
		ips = append(ips, ip)
	}
	sort.Slice(ips, func(i, j int) bool {
		a, b := snap[ips[i]], snap[ips[j]]
		return a.BytesReceived+a.BytesSent > b.BytesReceived+b.BytesSent
	})

	if n < len(ips) {
		ips = ips[:n]
	}
	return ips
}

type persistedDocument struct {
	Stats   map[string]Snapshot `json:"stats"`
	SavedAt int64               `json:"saved_at"`
}

// Persist writes the current snapshot to both the human-readable output
// file and the JSON persistence file, each atomically (temp file in the
// same directory, fsync, rename). A nil Tracker is a no-op.
func (t *Tracker) Persist() error {
	if t == nil {
		return nil
	}
	snap := t.Snapshot()
	now := time.Now().Unix()

	if t.outputFile != "" {
		if err := atomicWriteFile(t.outputFile, renderTable(snap)); err != nil {
			return fmt.Errorf("iptraffic: writing output file: %w", err)
		}
	}

	if t.persistenceFile != "" {
		doc := persistedDocument{Stats: snap, SavedAt: now}
		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("iptraffic: marshaling persistence document: %w", err)
		}
		if err := atomicWriteFile(t.persistenceFile, b); err != nil {
			return fmt.Errorf("iptraffic: writing persistence file: %w", err)
		}
	}

	return nil
}

// renderTable formats snap as the operator-facing textual table.
func renderTable(snap map[string]Snapshot) []byte {
	ips := make([]string, 0, len(snap))
	for ip := range snap {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	var out []byte
	out = append(out, fmt.Sprintf("%-40s %12s %12s %10s\n", "IP", "BYTES_RECV", "BYTES_SENT", "CONNS")...)
	for _, ip := range ips {
		s := snap[ip]
		out = append(out, fmt.Sprintf("%-40s %12d %12d %10d\n", ip, s.BytesReceived, s.BytesSent, s.Connections)...)
	}
	return out
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
